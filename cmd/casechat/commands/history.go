package commands

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/54b3r/casechat/internal/logging"
	"github.com/54b3r/casechat/internal/store"
)

var errHistoryDisabled = errors.New("history is disabled (CASECHAT_HISTORY_DB=disabled)")

// NewHistoryCmd constructs `casechat history`, which inspects and prunes the
// persisted chat sessions.
func NewHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List or delete persisted chat sessions",
	}
	cmd.AddCommand(newHistoryListCmd(), newHistoryDeleteCmd())
	return cmd
}

func newHistoryListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently active first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			hs, err := requireHistory()
			if err != nil {
				return fmt.Errorf("history: %w", err)
			}
			defer func() { _ = hs.Close() }()

			sums, err := hs.Sessions(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("history: %w", err)
			}
			return printSessions(cmd.OutOrStdout(), sums)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum sessions to list")
	return cmd
}

func newHistoryDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete every stored turn of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hs, err := requireHistory()
			if err != nil {
				return fmt.Errorf("history: %w", err)
			}
			defer func() { _ = hs.Close() }()

			n, err := hs.DeleteSession(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("history: %w", err)
			}
			if n == 0 {
				return fmt.Errorf("history: no session %q", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d turns of %s\n", n, args[0])
			return nil
		},
	}
}

func requireHistory() (*store.SQLiteStore, error) {
	hs, err := openHistory(logging.New())
	if err != nil {
		return nil, err
	}
	if hs == nil {
		return nil, errHistoryDisabled
	}
	return hs, nil
}

func printSessions(w io.Writer, sums []store.SessionSummary) error {
	if len(sums) == 0 {
		_, err := fmt.Fprintln(w, "no stored sessions")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tTURNS\tSTARTED\tLAST ACTIVE")
	for _, s := range sums {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", s.ID, s.Messages,
			s.FirstAt.UTC().Format(time.RFC3339), s.LastAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}
