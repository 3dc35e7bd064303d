// Package commands defines all Cobra CLI commands for the casechat binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/54b3r/casechat/internal/audit"
	"github.com/54b3r/casechat/internal/config"
	"github.com/54b3r/casechat/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// envFile holds the --env-file flag value.
var envFile string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "casechat",
		Short: "casechat: chat with your case files",
		Long: `casechat answers questions about legal case files and a shared
knowledge base. Each question is paraphrased, every phrasing is searched in
the vector store, and the merged passages ground the model's answer.

Configuration comes from the environment, a .env file, or a YAML config
file (~/.casechat/config.yaml). Environment variables always win.
See 'casechat --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// Both layers only fill unset variables, so .env is applied
			// first to take precedence over the YAML file.
			if err := config.LoadDotEnv(log, envFile); err != nil {
				return err
			}

			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.casechat/config.yaml)")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a dotenv file; missing files are ignored")

	root.AddCommand(
		NewServeCmd(),
		NewAskCmd(),
		NewIngestCmd(),
		NewPromptCmd(),
		NewFilesCmd(),
		NewHistoryCmd(),
		NewVersionCmd(),
	)

	return root
}
