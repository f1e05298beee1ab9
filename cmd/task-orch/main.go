package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/task-orchestrator/internal/config"
)

var version = "dev"

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "task-orch",
		Short: "Task Orchestrator - runs coding agents against a repository",
		Long: `Task Orchestrator executes tasks with a coding agent inside a sandbox.
Each run works in its own clone, commits its changes to a branch and opens
a pull request. Tasks can be run alone or grouped into parallel or queued
batches, and progress is streamed to clients over server-sent events.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
