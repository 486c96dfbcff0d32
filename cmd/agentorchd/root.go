package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "agentorchd",
	Short: "Self-hosted AI agent orchestration daemon",
	Long:  `agentorchd places, runs, and routes sandboxed coding-agent sessions across one or more runners.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
