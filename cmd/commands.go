package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// newServeCmd runs the HTTP API and the cron schedule until interrupted.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serves the subscription and health API and runs the daily check",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.Run(cmd.Context()); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}
}

// newCheckCmd runs one update check and prints the result.
func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Runs one update check now and prints the result as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer appInstance.Close(cmd.Context()) //nolint:errcheck // best-effort shutdown

			result, runErr := appInstance.CheckNow(cmd.Context())
			if err := printJSON(cmd, result); err != nil {
				return err
			}
			return runErr
		},
	}
}

// newHealthCmd prints the health report and fails when it maps to a 5xx.
func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Prints the current health report as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer appInstance.Close(cmd.Context()) //nolint:errcheck // best-effort shutdown

			report, reportErr := appInstance.Health(cmd.Context())
			if err := printJSON(cmd, report); err != nil {
				return err
			}
			if reportErr != nil {
				return reportErr
			}
			if code := report.HTTPStatus(); code >= http.StatusInternalServerError {
				return fmt.Errorf("system unhealthy: %s", report.Status)
			}
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
