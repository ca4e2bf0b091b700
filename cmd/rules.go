package cmd

import (
	"fmt"
	"io"
	"strings"

	"warden/config"
	"warden/detect"

	"github.com/spf13/cobra"
)

// newRulesCmd creates the 'rules' command
func newRulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "Print the validated rule configuration",
		Long: `Load and validate the rule configuration exactly as the service does at startup and
print it in evaluation order. Unknown keys or invalid knobs fail the command.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return err
			}
			if _, err := detect.NewRegistry().Build(cfg.Rules); err != nil {
				return err
			}

			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), cfg.Rules)
			}
			renderRulesTable(cmd.OutOrStdout(), cfg.Rules)
			return nil
		},
	}
}

// renderRulesTable displays rules in evaluation order
func renderRulesTable(w io.Writer, rules []config.RuleConfig) {
	headerColor.Fprintln(w, "RULES")
	headerColor.Fprintln(w, strings.Repeat("=", 90))
	fmt.Fprintf(w, "%-4s %-20s %-9s %-8s %-8s %-10s %s\n", "#", "Key", "Enabled", "Window", "Dedup", "Threshold", "Extra")
	fmt.Fprintln(w, strings.Repeat("-", 90))

	for i, r := range rules {
		status := successColor.Sprint("yes")
		if !r.IsEnabled() {
			status = warningColor.Sprint("no")
		}
		fmt.Fprintf(w, "%-4d %-20s %-9s %-8s %-8s %-10s %s\n",
			i+1, r.Key, status, r.Window(), r.DedupTTL(), formatThreshold(r), ruleExtras(r))
	}

	fmt.Fprintln(w, strings.Repeat("=", 90))
}

func formatThreshold(r config.RuleConfig) string {
	if r.Threshold == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", r.Threshold)
}

// ruleExtras lists the rule-specific knobs that are set
func ruleExtras(r config.RuleConfig) string {
	var parts []string
	if r.GlobalThreshold > 0 {
		parts = append(parts, fmt.Sprintf("global=%d", r.GlobalThreshold))
	}
	if r.Thresholds != nil {
		parts = append(parts, fmt.Sprintf("severity=%d/%d/%d", r.Thresholds.Medium, r.Thresholds.High, r.Thresholds.Critical))
	}
	if r.ByteThresholds != nil {
		parts = append(parts, fmt.Sprintf("bytes=%d/%d/%d", r.ByteThresholds.Medium, r.ByteThresholds.High, r.ByteThresholds.Critical))
	}
	if r.Multiplier > 0 {
		parts = append(parts, fmt.Sprintf("multiplier=%g", r.Multiplier))
	}
	if r.LargeBytes > 0 {
		parts = append(parts, fmt.Sprintf("large_bytes=%d", r.LargeBytes))
	}
	if len(r.Patterns) > 0 {
		parts = append(parts, fmt.Sprintf("patterns=%d", len(r.Patterns)))
	}
	return strings.Join(parts, " ")
}
