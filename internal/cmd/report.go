package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/hive/internal/supervisor"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Render the session report",
	Long: `Render the report of the session in the state directory: task outcomes,
escalations, budget and per-role performance from the ledger.`,
	RunE: runReport,
}

var reportJSON bool

func init() {
	reportCmd.Flags().BoolVar(&reportJSON, "json", false, "Output the report as JSON")
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	_, c, _, ok, err := openState(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !ok {
		fmt.Fprintln(out, "No active session")
		return nil
	}

	rep, err := supervisor.BuildReport(ctx, c)
	if err != nil {
		return err
	}
	if reportJSON {
		data, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal report: %w", err)
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}
	return rep.Render(out, isTerminal(out))
}
