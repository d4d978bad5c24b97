package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "agent-runner",
		Short: "Agent Task Runner - batch orchestration for coding-agent tasks",
		Long: `Agent Task Runner queues requirement artifacts into batch slots,
dispatches them one at a time per batch to a coding-agent backend,
tracks progress from the agent's output stream, and survives restarts
through a persisted state snapshot.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
