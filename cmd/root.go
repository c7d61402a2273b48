package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "zen-gateway",
	Short: "Zen Gateway - one chat API in front of many LLM providers",
	Long: `Zen Gateway routes chat turns to OpenAI-compatible, Ollama and Azure
deployment backends chosen from a local provider store, and streams the
reply back over SSE or WebSocket. With no provider configured it answers
in demo mode.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file path (default: ~/.zen/zen-gateway/config.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log at debug level")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newChatCmd())
	rootCmd.AddCommand(newProvidersCmd())
	rootCmd.AddCommand(newConfigCmd())
}
