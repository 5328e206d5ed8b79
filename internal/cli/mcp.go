package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	govmcp "github.com/ppiankov/govgate/internal/mcp"
)

var (
	mcpAgent  string
	mcpTenant string
)

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().StringVar(&mcpAgent, "agent", "", "Agent identity every tool call is attributed to (required)")
	mcpCmd.Flags().StringVar(&mcpTenant, "tenant", "", "Default tenant for evaluations that omit one")
	mcpCmd.MarkFlagRequired("agent")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for agent integration",
	Long: "Runs govgate as an MCP (Model Context Protocol) server over stdio.\n" +
		"Exposes governance tools: evaluate_gate, change_status, verify_ledger.\n" +
		"With --server, tool calls are forwarded to a running governance server.",
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gov, closeGov, err := governance(ctx)
	if err != nil {
		return err
	}
	defer closeGov()

	srv, err := govmcp.New(gov, govmcp.Config{
		AgentID:  mcpAgent,
		TenantID: mcpTenant,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down MCP server...")
		cancel()
	}()

	fmt.Fprintf(os.Stderr, "govgate MCP server running on stdio as agent %s\n", mcpAgent)
	return srv.Run(ctx)
}
