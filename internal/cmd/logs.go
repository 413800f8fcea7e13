package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/hive/internal/config"
	"github.com/Iron-Ham/hive/internal/logging"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show the session debug log",
	Long: `Show entries from debug.log in the state directory. The supervisor and every
worker append to this file, so filters narrow it to one worker or phase.`,
	Example: `  hive logs --level warn
  hive logs --worker implementation-2 --since 10m
  hive logs --phase VERIFY_FIX --format csv > verify.csv`,
	Args: cobra.NoArgs,
	RunE: runLogs,
}

var (
	logsLevel    string
	logsWorker   string
	logsPhase    string
	logsSince    time.Duration
	logsContains string
	logsTail     int
	logsFormat   string
)

func init() {
	logsCmd.Flags().StringVarP(&logsLevel, "level", "l", "", "Minimum level (debug, info, warn, error)")
	logsCmd.Flags().StringVarP(&logsWorker, "worker", "w", "", "Only entries from this worker ID")
	logsCmd.Flags().StringVar(&logsPhase, "phase", "", "Only entries logged in this phase")
	logsCmd.Flags().DurationVar(&logsSince, "since", 0, "Only entries newer than this age (e.g. 15m)")
	logsCmd.Flags().StringVarP(&logsContains, "grep", "g", "", "Only messages containing this text")
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 0, "Show only the last N matching entries")
	logsCmd.Flags().StringVarP(&logsFormat, "format", "f", "text", "Output format: text, json or csv")
	rootCmd.AddCommand(logsCmd)
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	entries, err := logging.ReadEntries(cfg.Session.StateDir)
	if err != nil {
		return err
	}

	q := logging.Query{
		MinLevel: logsLevel,
		WorkerID: logsWorker,
		Phase:    logsPhase,
		Contains: logsContains,
		Limit:    logsTail,
	}
	if logsSince > 0 {
		q.Since = time.Now().Add(-logsSince)
	}

	out := cmd.OutOrStdout()
	matched := logging.Select(entries, q)
	if len(matched) == 0 && (logsFormat == "" || logsFormat == "text") {
		fmt.Fprintln(out, "No log entries")
		return nil
	}
	return logging.WriteEntries(out, matched, logsFormat)
}
