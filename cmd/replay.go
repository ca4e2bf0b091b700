package cmd

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"warden/bootstrap"
	"warden/config"
	"warden/core"
	"warden/detect"
	"warden/ingest"
	"warden/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// maxLineSize bounds one JSON-lines record
const maxLineSize = 1024 * 1024

// lineEvent is one decoded record and the line it came from
type lineEvent struct {
	Line  int
	Event *core.RawEvent
}

// ReplayFailure is an event the pipeline rejected or failed on
type ReplayFailure struct {
	Line  int    `json:"line"`
	Class string `json:"class"`
	Error string `json:"error"`
}

// ReplayReport summarizes a replay run
type ReplayReport struct {
	Events    int              `json:"events"`
	Failures  []ReplayFailure  `json:"failures,omitempty"`
	Findings  []*core.Finding  `json:"findings"`
	Incidents []*core.Incident `json:"incidents"`
}

// newReplayCmd creates the 'replay' command
func newReplayCmd() *cobra.Command {
	var embedded bool
	var showProgress bool

	cmd := &cobra.Command{
		Use:   "replay <file.jsonl>",
		Short: "Run recorded events through the detection pipeline",
		Long: `Run raw events from a JSON-lines file through the detection pipeline, one record per
line, and print the findings and incidents they produce.

By default the configured Redis and SQLite are used. With --embedded the run uses an
in-process Redis and in-memory storage, leaving no state behind.`,
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

			state, store, cleanup, err := openBackends(ctx, cfg, embedded, sugar)
			if err != nil {
				return err
			}
			defer cleanup()

			pipeline, err := bootstrap.BuildPipeline(cfg, bootstrap.PipelineOptions{State: state, Store: store}, sugar)
			if err != nil {
				return err
			}

			var s *spinner.Spinner
			if showProgress && !outputJSON && !quiet {
				s = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
				s.Writer = cmd.ErrOrStderr()
				s.Suffix = fmt.Sprintf(" Replaying %d events...", len(events))
				s.Start()
			}

			report, err := Replay(ctx, pipeline.Dispatcher, store, events)

			if s != nil {
				s.Stop()
			}
			if err != nil {
				return err
			}
			report.Failures = append(failures, report.Failures...)

			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), report)
			}
			renderReplayReport(cmd.OutOrStdout(), report)
			return nil
		},
	}

	cmd.Flags().BoolVar(&embedded, "embedded", false, "Use in-process Redis and in-memory storage")
	cmd.Flags().BoolVar(&showProgress, "progress", true, "Show progress indicator")

	return cmd
}

// openBackends returns the state store and durable storage for a replay run
func openBackends(ctx context.Context, cfg *config.Config, embedded bool, sugar *zap.SugaredLogger) (core.StateStore, storage.Storage, func(), error) {
	if embedded {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to start embedded redis: %w", err)
		}
		state := core.NewRedisStateStore(mr.Addr(), "", 0, cfg.Redis.PoolSize, sugar)
		store := storage.NewMemoryStorage()
		return state, store, func() {
			_ = state.Close()
			_ = store.Close()
			mr.Close()
		}, nil
	}

	state, err := bootstrap.InitStateStore(ctx, cfg, sugar)
	if err != nil {
		return nil, nil, nil, err
	}
	sqlite, err := bootstrap.InitSQLite(bootstrap.DataDirectoriesFromConfig(cfg), sugar)
	if err != nil {
		_ = state.Close()
		return nil, nil, nil, err
	}
	return state, sqlite, func() {
		_ = sqlite.Close()
		_ = state.Close()
	}, nil
}

// readEvents decodes a JSON-lines file. Blank lines and lines starting with '#' are skipped;
// records that fail validation are reported as failures instead of aborting the run.
func readEvents(path string, decoder *ingest.Decoder) ([]lineEvent, []ReplayFailure, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return decodeLines(f, decoder)
}

func decodeLines(r io.Reader, decoder *ingest.Decoder) ([]lineEvent, []ReplayFailure, error) {
	var events []lineEvent
	var failures []ReplayFailure

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 || text[0] == '#' {
			continue
		}
		raw, err := decoder.Decode(text, ingest.ContentTypeJSON)
		if err != nil {
			failures = append(failures, ReplayFailure{Line: line, Class: core.ErrorClass(err), Error: err.Error()})
			continue
		}
		events = append(events, lineEvent{Line: line, Event: raw})
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read events: %w", err)
	}
	return events, failures, nil
}

// EventProcessor runs one raw event through the pipeline
type EventProcessor interface {
	ProcessEvent(ctx context.Context, raw *core.RawEvent) (*detect.Result, error)
}

// Replay processes events in order. Per-event failures are collected; the run stops only
// when ctx ends. Incidents are reported in their final state, once each.
func Replay(ctx context.Context, processor EventProcessor, incidents storage.IncidentStorage, events []lineEvent) (*ReplayReport, error) {
	report := &ReplayReport{Findings: []*core.Finding{}, Incidents: []*core.Incident{}}
	var incidentIDs []string
	seen := make(map[string]bool)

	for _, le := range events {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report.Events++

		res, err := processor.ProcessEvent(ctx, le.Event)
		if err != nil {
			report.Failures = append(report.Failures, ReplayFailure{Line: le.Line, Class: core.ErrorClass(err), Error: err.Error()})
			continue
		}
		report.Findings = append(report.Findings, res.Findings...)
		if res.Incident != nil && !seen[res.Incident.IncidentID] {
			seen[res.Incident.IncidentID] = true
			incidentIDs = append(incidentIDs, res.Incident.IncidentID)
		}
	}

	for _, id := range incidentIDs {
		inc, err := incidents.GetIncident(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load incident %s: %w", id, err)
		}
		report.Incidents = append(report.Incidents, inc)
	}
	return report, nil
}

// renderReplayReport prints a replay report for humans
func renderReplayReport(w io.Writer, report *ReplayReport) {
	headerColor.Fprintln(w, "REPLAY")
	headerColor.Fprintln(w, strings.Repeat("=", 100))
	fmt.Fprintf(w, "Events: %d   Findings: %d   Incidents: %d   Failures: %d\n",
		report.Events, len(report.Findings), len(report.Incidents), len(report.Failures))

	if len(report.Findings) > 0 {
		fmt.Fprintln(w)
		headerColor.Fprintln(w, "FINDINGS")
		fmt.Fprintf(w, "%-20s %-10s %-18s %-10s\n", "Rule", "Severity", "Source", "Reference")
		fmt.Fprintln(w, strings.Repeat("-", 100))
		for _, f := range report.Findings {
			fmt.Fprintf(w, "%-20s %-10s %-18s %-10s\n", f.RuleName, formatSeverity(f.Severity), f.SourceIP, f.Reference)
		}
	}

	if len(report.Incidents) > 0 {
		fmt.Fprintln(w)
		headerColor.Fprintln(w, "INCIDENTS")
		for _, inc := range report.Incidents {
			fmt.Fprintf(w, "%s  %s  %s\n", inc.IncidentID, formatSeverity(inc.Severity), inc.Title)
			fmt.Fprintf(w, "    policy=%s findings=%d events=%d timeline=%d\n",
				inc.Metadata[core.IncidentMetaCreationRule], len(inc.FindingIDs), len(inc.EventIDs), len(inc.Timeline))
		}
	}

	if len(report.Failures) > 0 {
		fmt.Fprintln(w)
		errorColor.Fprintln(w, "FAILURES")
		for _, fl := range report.Failures {
			fmt.Fprintf(w, "  line %d [%s]: %s\n", fl.Line, fl.Class, fl.Error)
		}
	}

	fmt.Fprintln(w, strings.Repeat("=", 100))
	if len(report.Failures) == 0 {
		successColor.Fprintln(w, "Replay completed")
	} else {
		warningColor.Fprintln(w, "Replay completed with failures")
	}
}

// formatSeverity colors a severity label
func formatSeverity(s core.Severity) string {
	switch s {
	case core.SeverityCritical:
		return color.New(color.FgRed, color.Bold).Sprint(string(s))
	case core.SeverityHigh:
		return color.New(color.FgRed).Sprint(string(s))
	case core.SeverityMedium:
		return color.New(color.FgYellow).Sprint(string(s))
	default:
		return infoColor.Sprint(string(s))
	}
}
