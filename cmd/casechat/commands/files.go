package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/54b3r/casechat/internal/rag"
	"github.com/54b3r/casechat/internal/storage"
)

// NewFilesCmd constructs the `casechat files` command, which lists the
// files stored for a case or for the shared knowledge base.
func NewFilesCmd() *cobra.Command {
	var caseID string

	cmd := &cobra.Command{
		Use:   "files",
		Short: "List the files of a case or of the shared knowledge base",
		Long: `List the files available to retrieval, newest first.

Without --case the shared knowledge base is listed.

Examples:
  casechat files
  casechat files --case 42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			scope, err := scopeFromFlag(caseID)
			if err != nil {
				return fmt.Errorf("files: %w", err)
			}
			lister, err := storage.NewFromEnv(ctx)
			if err != nil {
				return fmt.Errorf("files: %w", err)
			}
			files, err := lister.ListFiles(ctx, scope)
			if err != nil {
				return fmt.Errorf("files: %w", err)
			}
			return printFiles(cmd.OutOrStdout(), scope, files)
		},
	}

	cmd.Flags().StringVarP(&caseID, "case", "c", "", "Case id; empty lists the shared knowledge base")

	return cmd
}

// printFiles renders files as an aligned table.
func printFiles(w io.Writer, scope rag.Scope, files []rag.FileInfo) error {
	if len(files) == 0 {
		_, err := fmt.Fprintf(w, "no files in %s\n", scope)
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSIZE\tCREATED")
	for _, f := range files {
		created := "-"
		if !f.CreatedAt.IsZero() {
			created = f.CreatedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", f.Name, f.Size, created)
	}
	return tw.Flush()
}

// describeSource renders one attribution line for `ask`.
func describeSource(src rag.Source) string {
	where := "knowledge base"
	if id := src.Scope.CaseID(); id != "" {
		where = "case " + id
	}
	return fmt.Sprintf("%s (%s, score %.2f)", src.Filename, where, src.Score)
}
