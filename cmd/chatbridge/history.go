package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/neboloop/chatbridge/internal/types"
)

// HistoryCmd creates the execution history command
func HistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show or prune tool execution history",
	}

	var (
		limit int
		tool  string
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent tool executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openDB(*ServerConfig)
			if err != nil {
				return err
			}
			defer store.Close()

			recs, err := store.RecentExecutions(cmd.Context(), limit)
			if tool != "" {
				recs, err = store.ToolExecutions(cmd.Context(), tool, limit)
			}
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println(dimStyle.Render("No executions recorded."))
				return nil
			}
			for _, rec := range recs {
				mark := okStyle.Render("✓")
				if rec.Status != types.StatusSuccess {
					mark = errStyle.Render("✗")
				}
				fmt.Printf("%s %s %s %s\n", mark, dimStyle.Render(rec.Timestamp.Format(time.DateTime)), rec.ToolName, dimStyle.Render(rec.CallID))
				if verbose {
					fmt.Printf("    %s\n", rec.Result)
				}
			}
			return nil
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "number of executions to show")
	list.Flags().StringVar(&tool, "tool", "", "only show executions of this tool")
	cmd.AddCommand(list)

	var olderThan time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete executions older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				olderThan = ServerConfig.History.Retention
			}
			if olderThan <= 0 {
				return fmt.Errorf("no retention configured; pass --older-than")
			}
			store, err := openDB(*ServerConfig)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.PruneExecutions(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d executions older than %s.\n", n, olderThan)
			return nil
		},
	}
	prune.Flags().DurationVar(&olderThan, "older-than", 0, "age cutoff (default history.retention)")
	cmd.AddCommand(prune)

	var errLimit int
	errorsCmd := &cobra.Command{
		Use:   "errors",
		Short: "Show recorded errors and panics",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openDB(*ServerConfig)
			if err != nil {
				return err
			}
			defer store.Close()

			logs, err := store.RecentErrorLogs(cmd.Context(), errLimit)
			if err != nil {
				return err
			}
			if len(logs) == 0 {
				fmt.Println(dimStyle.Render("No errors recorded."))
				return nil
			}
			for _, l := range logs {
				fmt.Printf("%s [%s] %s: %s\n", dimStyle.Render(l.CreatedAt.Format(time.DateTime)), errStyle.Render(l.Level), l.Module, l.Message)
				if verbose && l.Stacktrace != "" {
					fmt.Println(dimStyle.Render(l.Stacktrace))
				}
			}
			return nil
		},
	}
	errorsCmd.Flags().IntVarP(&errLimit, "limit", "n", 20, "number of entries to show")
	cmd.AddCommand(errorsCmd)

	return cmd
}
