package cmd

import (
	"context"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/joescharf/tsr/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for agent integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets coding agents check release readiness natively. Configure with:

  {
    "mcpServers": {
      "tsr": { "command": "tsr", "args": ["mcp"] }
    }
  }

Available tools: tsr_latest, tsr_get, tsr_go_no_go, tsr_list, tsr_stats,
tsr_approve, tsr_rules`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpRun()
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	engine, err := newEngine()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	return mcp.NewServer(s, engine, buildVersion).ServeStdio(ctx)
}
