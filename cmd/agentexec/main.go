// Package main is the agentexec server binary: the execution orchestrator,
// agent runtime, terminal gateway and HTTP API in one process.
package main

import (
	"fmt"
	"os"
	goruntime "runtime"

	"github.com/spf13/cobra"

	"github.com/kandev/agentexec/internal/common/config"
	"github.com/kandev/agentexec/internal/common/logger"
)

// Set with -ldflags at build time.
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:   "agentexec",
		Short: "Run autonomous coding agents against repositories",
		Long: `agentexec provisions a working copy, launches a coding agent in a PTY or
on a remote runtime, delivers the task, watches the agent, and publishes the
result as a branch and pull request. Operators can watch or take over the
agent terminal through the WebSocket gateway.

Configuration is read from config.yaml (see --config) and AGENTEXEC_*
environment variables.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "directory containing config.yaml")

	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newMigrateCommand(&configPath))
	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agentexec %s (%s) %s/%s\n", Version, Commit, goruntime.GOOS, goruntime.GOARCH)
		},
	}
}

// bootstrap loads configuration and installs the process logger.
func bootstrap(configPath string) (*config.Config, *logger.Logger, error) {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("initialize logger: %w", err)
	}
	logger.SetDefault(log)
	return cfg, log, nil
}
