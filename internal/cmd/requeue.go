package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var requeueCmd = &cobra.Command{
	Use:   "requeue <task-id>",
	Short: "Send a settled task back for another attempt",
	Long: `Put a task back to pending with an explicit_requeue retry entry. The
retry cap does not apply. The next implementation round assigns it to a
replacement worker.`,
	Args: cobra.ExactArgs(1),
	RunE: runRequeue,
}

var requeueNote string

func init() {
	requeueCmd.Flags().StringVar(&requeueNote, "note", "", "note recorded with the retry entry")
	rootCmd.AddCommand(requeueCmd)
}

func runRequeue(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	_, c, _, ok, err := openState(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no session in the state directory")
	}

	e, err := c.Queue.Requeue(ctx, args[0], requeueNote)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Requeued %s (%d failed attempts so far)\n", e.TaskID, e.AttemptCount)
	return nil
}
