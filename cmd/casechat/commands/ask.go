package commands

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/54b3r/casechat/internal/agent"
	"github.com/54b3r/casechat/internal/logging"
	"github.com/54b3r/casechat/internal/rag"
	"github.com/54b3r/casechat/internal/storage"
)

// NewAskCmd constructs the `casechat ask` command, which answers one
// question through the full retrieval pipeline and streams the answer to
// stdout.
func NewAskCmd() *cobra.Command {
	var caseID string
	var sessionID string
	var noStream bool

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question about a case",
		Long: `Ask a question about a case's files and the shared knowledge base.

The answer is streamed to stdout, followed by the sources it was grounded
on. Pass --session to continue a persisted conversation.

Examples:
  casechat ask --case 42 "what is the notice period in the lease?"
  casechat ask "summarise the limitation rules for contract claims"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			scope := rag.CaseScope(caseID)
			if _, err := storage.Prefix(scope); err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			st, err := buildChatStack(ctx, log, prometheus.NewRegistry())
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer st.Close()

			sess, err := st.sessions.Get(ctx, sessionID)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			log = log.With(slog.String("session_id", sess.ID()))
			ctx = logging.WithLogger(ctx, log)

			res, err := st.agent.Answer(ctx, strings.Join(args, " "), scope, sess, !noStream)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			out := cmd.OutOrStdout()
			if res.Stream != nil {
				if err := copyStream(out, res.Stream); err != nil {
					log.Error("ask: answer interrupted", slog.Any("error", err))
					fmt.Fprint(out, "\n"+agent.Apology)
				}
			} else {
				fmt.Fprint(out, res.Text)
			}
			fmt.Fprintln(out)

			printSources(out, res)
			fmt.Fprintf(cmd.ErrOrStderr(), "session: %s\n", sess.ID())
			return nil
		},
	}

	cmd.Flags().StringVarP(&caseID, "case", "c", "", "Case id to search; empty searches without a case filter")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Continue an existing session")
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "Wait for the complete answer instead of streaming")

	return cmd
}

// copyStream writes fragments to w until the stream ends.
func copyStream(w io.Writer, st *agent.AnswerStream) error {
	defer st.Close()
	for {
		frag, err := st.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := io.WriteString(w, frag); err != nil {
			return err
		}
	}
}

// printSources lists the files the answer was grounded on.
func printSources(w io.Writer, res *agent.Result) {
	switch {
	case res.SearchUnavailable:
		fmt.Fprintln(w, "\n(search unavailable: answered without document context)")
	case res.Fallback:
		fmt.Fprintln(w, "\n(no matching passages: answered from the file listing)")
	}
	if len(res.Sources) == 0 {
		return
	}
	fmt.Fprintln(w, "\nSources:")
	for _, src := range res.Sources {
		fmt.Fprintf(w, "  - %s\n", describeSource(src))
	}
}
