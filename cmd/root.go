// Package cmd holds the ragdesk command line: the API server and the
// maintenance commands that run pipeline operations directly.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// configEnv names the environment variable that points at the config file
// when --config is not given.
const configEnv = "RAGDESK_CONFIG"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ragdesk",
	Short: "Multi-tenant document chatbot backend",
	Long: `ragdesk ingests documents into a vector store and answers questions
over them with retrieval augmented generation, falling back to a plain
LLM answer whenever retrieval cannot help.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// .env is loaded after flag defaults are computed.
		if !cmd.Flags().Changed("config") {
			if path := os.Getenv(configEnv); path != "" {
				cfgFile = path
			}
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "ragdesk.yaml", "config file path (default from "+configEnv+")")
}
