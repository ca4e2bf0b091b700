// Package cmd provides the command-line interface of warden.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"warden/bootstrap"
	"warden/util"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Global flags
var (
	outputJSON bool
	configFile string
	noColor    bool
	quiet      bool
	verbose    bool
)

const (
	maxImportFileSize = 64 * 1024 * 1024 // protection against memory exhaustion
	defaultTimeout    = 5 * time.Minute
)

// NewRootCmd creates the warden command with all subcommands.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "warden",
		Short: "Real-time security event correlation engine",
		Long: `warden evaluates normalized security events against detection rules, stores the
findings they raise and correlates them into incidents.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor || outputJSON {
				color.NoColor = true
			}
		},
	}

	root.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	root.PersistentFlags().StringVar(&configFile, "config", "", "Config file path (default: config.yaml in . or ./config)")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	root.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress non-essential output")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "Log pipeline activity to stderr")

	root.AddCommand(newServeCmd())
	root.AddCommand(newReplayCmd())
	root.AddCommand(newRulesCmd())
	root.AddCommand(newSubmitCmd())

	return root
}

// cliLogger returns the logger used by one-shot commands: warnings only unless --verbose
func cliLogger() *zap.SugaredLogger {
	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	_, sugar, err := bootstrap.NewLogger(level)
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return sugar
}

// validateFilePath rejects traversal sequences and files too large to load.
func validateFilePath(filename string) error {
	cleanPath, err := util.CleanInputPath(filename)
	if err != nil {
		return err
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return fmt.Errorf("cannot read %s: %w", filename, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", filename)
	}
	if info.Size() > maxImportFileSize {
		return fmt.Errorf("%s exceeds the %d byte limit", filename, maxImportFileSize)
	}
	return nil
}

// outputAsJSON writes v as indented JSON
func outputAsJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
