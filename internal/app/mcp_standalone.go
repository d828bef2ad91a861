package app

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	mcpserver "layersync/internal/mcp"
)

func (a *App) mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools on stdin/stdout",
		Long: `Runs layersync as a standalone MCP server so an agent can list jobs,
preview their diff, run them and read the run history. Logs go to stderr;
stdout carries the protocol.

Writes require the agent to pass confirm=true to run_sync_job. Without it
the job runs as a dry run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serveMCP()
		},
	}
}

// serveMCP runs the MCP server until stdin closes or the process receives
// SIGINT or SIGTERM, then waits for runs started by tools to finish.
func (a *App) serveMCP() error {
	srv := mcpserver.New(mcpserver.Deps{
		Sync:    a.sync,
		Logger:  a.logger,
		Version: a.version,
	})
	err := srv.ServeStdio()

	waitCtx, stop := context.WithTimeout(context.Background(), shutdownGrace)
	defer stop()
	a.sync.WaitRunning(waitCtx)
	a.logger.Info("MCP server stopped", zap.Error(err))
	return err
}
