package mcp

import (
	"context"
	"fmt"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/govgate/internal/model"
	"github.com/ppiankov/govgate/internal/server"
)

// Config holds MCP server configuration.
type Config struct {
	// AgentID identifies the agent every evaluation is attributed to.
	AgentID string
	// TenantID is used when a tool call omits one.
	TenantID string
	Version  string
}

// Server exposes gate evaluation, change status and ledger verification to
// agents over MCP. Every call runs as the configured agent.
type Server struct {
	mcpServer *mcpsdk.Server
	gov       server.Governance
	agent     model.Actor
	tenantID  string
}

// New creates an MCP server over g, which may be in-process or remote.
func New(g server.Governance, cfg Config) (*Server, error) {
	if g == nil {
		return nil, fmt.Errorf("mcp: governance backend is required")
	}
	agentID := strings.TrimSpace(cfg.AgentID)
	if agentID == "" {
		return nil, fmt.Errorf("mcp: agent id is required")
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		gov:      g,
		agent:    model.Actor{ID: agentID, Kind: model.ActorAgent},
		tenantID: cfg.TenantID,
	}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "govgate",
			Version: version,
		},
		nil,
	)
	s.registerTools()
	return s, nil
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// registerTools adds all govgate tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "govgate_evaluate_gate",
		Description: "Ask the governance core whether an action may proceed. Denied actions return an error result with the reason; every decision is recorded in the ledger.",
	}, s.handleEvaluateGate)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "govgate_change_status",
		Description: "Show the status, risk and approval progress of a change request by id or key (CHG-YYYY-NNNN).",
	}, s.handleChangeStatus)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "govgate_verify_ledger",
		Description: "Verify the hash chain of the governance ledger, optionally between two event ids.",
	}, s.handleVerifyLedger)
}
