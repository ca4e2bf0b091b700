package cmd

import (
	"context"
	"fmt"

	"warden/bootstrap"

	"github.com/spf13/cobra"
)

// newServeCmd creates the 'serve' command running the full service
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the correlation service",
		Long: `Run the correlation service: consume events from NATS JetStream, evaluate them against
the configured rules with Redis as shared state, persist findings and incidents to SQLite
and publish notifications.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			app, err := bootstrap.NewApp(ctx, configFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}

			if err := app.Start(ctx); err != nil {
				app.Shutdown()
				return fmt.Errorf("failed to start application: %w", err)
			}

			app.WaitForShutdown()
			app.Shutdown()
			return nil
		},
	}
}
