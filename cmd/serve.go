// File: cmd/serve.go
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/storelink-cli/internal/observability"
	"github.com/xkilldash9x/storelink-cli/internal/server"
)

// newServeCmd creates and configures the `serve` command.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the link intake HTTP server and SMS relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Use the context passed from Execute (signal-aware).
			ctx := cmd.Context()
			logger := observability.GetLogger()

			components, err := initializeComponents(ctx, appConfig, logger)
			if err != nil {
				components.Shutdown()
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			srv := server.New(appConfig.Server(), components.Runner, components.Exchange,
				appConfig.Server().RelayForwardURL, logger)

			logger.Info("Serving link intake",
				zap.String("addr", appConfig.Server().Addr),
				zap.Int("max_concurrent_runs", appConfig.Server().MaxConcurrentRuns),
			)
			if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info("Server stopped")
			return nil
		},
	}
}
