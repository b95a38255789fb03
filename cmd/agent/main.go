package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/splax/localvercel/pkg/config"
)

var buildVersion = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "agent",
		Short:         "PaaS node agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("AGENT_CONFIG"), "YAML file supplying settings the environment does not set")

	load := func() (config.AgentConfig, error) {
		return config.LoadAgentConfig(configPath)
	}
	root.AddCommand(
		newServeCommand(load),
		newStateCommand(load),
		&cobra.Command{
			Use:   "version",
			Short: "Print the agent version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), buildVersion)
			},
		},
	)
	return root
}
