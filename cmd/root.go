package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/getmodelgate/modelgate/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:     "modelgate",
	Short:   "Managed gateway for LLM provider APIs",
	Long:    "modelgate brokers authenticated access to OpenAI-compatible LLM providers with per-user spending limits, rate limits and a full request audit trail.",
	Version: version.String(),
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.SetVersionTemplate(version.Detailed("modelgate") + "\n")
}
