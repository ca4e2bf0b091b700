package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"

	"warden/bootstrap"
	"warden/config"
	"warden/core"
	"warden/ingest"

	"github.com/spf13/cobra"
)

// SubmitReport counts published events per subject
type SubmitReport struct {
	Published int             `json:"published"`
	Subjects  map[string]int  `json:"subjects"`
	Failures  []ReplayFailure `json:"failures,omitempty"`
}

// newSubmitCmd creates the 'submit' command
func newSubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <file.jsonl>",
		Short: "Publish recorded events onto the delivery subjects",
		Long: `Publish raw events from a JSON-lines file onto the JetStream delivery subjects. Events
with critical severity go to the critical subject; all others go to the normal subject.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			if err := validateFilePath(args[0]); err != nil {
				return err
			}
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return err
			}
			sugar := cliLogger()

			decoder, err := ingest.NewDecoder()
			if err != nil {
				return err
			}
			events, failures, err := readEvents(args[0], decoder)
			if err != nil {
				return err
			}

			nc, err := bootstrap.InitNATS(cfg, sugar)
			if err != nil {
				return err
			}
			defer nc.Close()

			js, err := nc.JetStream()
			if err != nil {
				return fmt.Errorf("failed to get JetStream context: %w", err)
			}
			if err := ingest.EnsureStream(js, cfg.NATS.Stream, cfg.NATS.SubjectPrefix); err != nil {
				return err
			}

			report, err := Submit(ctx, ingest.NewSubmitter(js, cfg.NATS.SubjectPrefix), events)
			if err != nil {
				return err
			}
			report.Failures = append(failures, report.Failures...)

			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), report)
			}
			renderSubmitReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
}

// EventSubmitter publishes one raw event
type EventSubmitter interface {
	Submit(ctx context.Context, raw *core.RawEvent) (string, error)
}

// Submit publishes events in order, collecting per-event failures
func Submit(ctx context.Context, submitter EventSubmitter, events []lineEvent) (*SubmitReport, error) {
	report := &SubmitReport{Subjects: make(map[string]int)}
	for _, le := range events {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		subject, err := submitter.Submit(ctx, le.Event)
		if err != nil {
			report.Failures = append(report.Failures, ReplayFailure{Line: le.Line, Class: core.ErrorClass(err), Error: err.Error()})
			continue
		}
		report.Published++
		report.Subjects[subject]++
	}
	return report, nil
}

func renderSubmitReport(w io.Writer, report *SubmitReport) {
	if !quiet {
		subjects := make([]string, 0, len(report.Subjects))
		for subject := range report.Subjects {
			subjects = append(subjects, subject)
		}
		sort.Strings(subjects)
		for _, subject := range subjects {
			infoColor.Fprintf(w, "%-40s %d\n", subject, report.Subjects[subject])
		}
	}
	for _, fl := range report.Failures {
		errorColor.Fprintf(w, "line %d [%s]: %s\n", fl.Line, fl.Class, fl.Error)
	}
	if len(report.Failures) == 0 {
		successColor.Fprintf(w, "Published %d events\n", report.Published)
	} else {
		warningColor.Fprintf(w, "Published %d events, %d failed\n", report.Published, len(report.Failures))
	}
}
