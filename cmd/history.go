package cmd

import (
	"bufio"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dhcgn/inbox-printer/config"
	"github.com/dhcgn/inbox-printer/state"
)

func newHistoryCommand() *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show or clear the log of completed orders",
	}
	historyCmd.AddCommand(newHistoryListCommand(), newHistoryClearCommand())
	return historyCmd
}

func newHistoryListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List completed orders, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}
			history, err := state.NewFileHistory(cfg.HistoryFile)
			if err != nil {
				return err
			}
			entries, err := history.Entries()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "no completed orders")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ORDER\tCOMPLETED\tFOLDER")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.OrderID, e.CompletedAt.Format(state.HistoryTimeLayout), e.Folder)
			}
			return w.Flush()
		},
	}
}

func newHistoryClearCommand() *cobra.Command {
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Forget every completed order and processed message",
		Long: "Clear truncates the history log and the processed set together. " +
			"Messages that are still unread in the mailbox become eligible again.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			yes, err := cmd.Flags().GetBool("yes")
			if err != nil {
				return err
			}
			if !yes && !confirm(cmd, "Are you sure you want to clear the history? This cannot be undone. [y/N] ") {
				fmt.Fprintln(cmd.OutOrStdout(), "aborted")
				return nil
			}

			tracker, err := state.NewFileTracker(cfg.ProcessedFile)
			if err != nil {
				return err
			}
			defer tracker.Close()
			history, err := state.NewFileHistory(cfg.HistoryFile)
			if err != nil {
				return err
			}

			if err := state.ClearAll(tracker, history); err != nil {
				return fmt.Errorf("clear history: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "history cleared")
			return nil
		},
	}
	clearCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")
	return clearCmd
}

func confirm(cmd *cobra.Command, prompt string) bool {
	fmt.Fprint(cmd.OutOrStdout(), prompt)
	answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}
