package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/54b3r/casechat/internal/logging"
	"github.com/54b3r/casechat/internal/prompts"
)

// NewPromptCmd constructs the `casechat prompt` command group for the
// admin-configurable system and paraphrase prompts.
func NewPromptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Show or change the system and paraphrase prompts",
		Long: `Show or change the admin prompts stored in the history database.

Kinds:
  system      the system turn every new chat session starts with
  paraphrase  the instruction that follows the topic list when paraphrasing

New sessions pick up a changed system prompt; live sessions keep theirs.`,
	}
	cmd.AddCommand(newPromptGetCmd(), newPromptSetCmd())
	return cmd
}

func newPromptGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <system|paraphrase>",
		Short: "Print the effective prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := prompts.ParseKind(args[0])
			if err != nil {
				return err
			}
			log := logging.New()
			hs, err := openHistory(log)
			if err != nil {
				log.Warn("prompt: history store unavailable, showing default", slog.Any("error", err))
			}
			if hs != nil {
				defer func() { _ = hs.Close() }()
			}
			fmt.Fprintln(cmd.OutOrStdout(), promptProvider(hs).Get(cmd.Context(), kind))
			return nil
		},
	}
}

func newPromptSetCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "set <system|paraphrase> [text]",
		Short: "Store a new revision of a prompt",
		Long: `Store a new revision of a prompt. The text is taken from the argument,
from --file, or from stdin when --file is "-".

Examples:
  casechat prompt set system --file ./prompts/system.txt
  casechat prompt set paraphrase "Produce five alternate questions..."`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := prompts.ParseKind(args[0])
			if err != nil {
				return err
			}
			text, err := promptText(cmd.InOrStdin(), args[1:], file)
			if err != nil {
				return fmt.Errorf("prompt: %w", err)
			}

			log := logging.New()
			hs, err := openHistory(log)
			if err != nil {
				return fmt.Errorf("prompt: %w", err)
			}
			if hs == nil {
				return fmt.Errorf("prompt: history store is disabled (CASECHAT_HISTORY_DB=%s)", historyDisabled)
			}
			defer func() { _ = hs.Close() }()

			if err := promptProvider(hs).Set(cmd.Context(), kind, text); err != nil {
				return err
			}
			log.Info("prompt: stored", slog.String("kind", string(kind)), slog.Int("chars", len(text)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", `Read the prompt from a file ("-" for stdin)`)

	return cmd
}

// promptText resolves the prompt body from exactly one of args or file.
func promptText(stdin io.Reader, args []string, file string) (string, error) {
	switch {
	case len(args) > 0 && file != "":
		return "", fmt.Errorf("give the prompt as an argument or with --file, not both")
	case len(args) > 0:
		return args[0], nil
	case file == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", file, err)
		}
		return strings.TrimSpace(string(b)), nil
	default:
		return "", fmt.Errorf("no prompt text given")
	}
}
