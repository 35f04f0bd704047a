// Package cmd defines and implements the CLI commands for the ledi-watcher executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/ledi-watcher/internal/config"
	"github.com/JakeFAU/ledi-watcher/internal/health"
	"github.com/JakeFAU/ledi-watcher/internal/orchestrator"
	"github.com/JakeFAU/ledi-watcher/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use, so tests can
// inject a fake.
type App interface {
	Run(ctx context.Context) error
	CheckNow(ctx context.Context) (orchestrator.RunResult, error)
	Health(ctx context.Context) (health.Report, error)
	Close(ctx context.Context) error
}

// newApp is the application factory, replaced in tests.
var newApp = func(ctx context.Context, cfgFile string) (App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app, err := server.Build(ctx, &cfg)
	if err != nil {
		return nil, fmt.Errorf("build application: %w", err)
	}
	return app, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "ledi-watcher",
		Short: "Watches the LEDI blog and version table and e-mails subscribers about changes.",
		Long: `ledi-watcher scrapes the project blog and the LEDI version table on a
schedule, compares them with the last known snapshots and notifies
subscribers by e-mail when something new appears.`,
		SilenceUsage: true,

		// Builds the application once config is known; subcommands read it from the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env LEDIWATCH_* overrides)")

	cmd.AddCommand(newServeCmd(), newCheckCmd(), newHealthCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	root := newRootCmd()
	root.SetContext(context.Background())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
