// Package mcp exposes the ops surface of the orchestrator as MCP tools so
// agents can inspect and restart workflows.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"agent-orchestrator/backend/internal/breaker"
	"agent-orchestrator/backend/internal/orchestrator"
	"agent-orchestrator/backend/pkg/models"
)

// Operator is the part of the engine the tools drive.
type Operator interface {
	Workflows(ctx context.Context, status models.WorkflowStatus, limit int) ([]*models.Workflow, error)
	Workflow(ctx context.Context, requestID string) (orchestrator.WorkflowView, error)
	Restart(ctx context.Context, requestID string, stage int, reason string) error
	StageIndex(name string) (int, bool)
	BreakerSnapshot() breaker.Snapshot
}

type Server struct {
	mcpServer *server.MCPServer
	ops       Operator
}

func NewServer(ops Operator) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Agent Orchestrator",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		ops: ops,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"workflow_status",
			mcp.WithDescription("Show the ledger entry, durable row and bus state of a request"),
			mcp.WithString("request_id", mcp.Required(), mcp.Description("The request ID")),
		),
		s.handleWorkflowStatus,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_workflows",
			mcp.WithDescription("List workflows, optionally filtered by status"),
			mcp.WithString("status", mcp.Description("pending, running, blocked, complete, failed or escalated")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of rows, default 50")),
		),
		s.handleListWorkflows,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"restart_workflow",
			mcp.WithDescription("Restart a workflow from a stage"),
			mcp.WithString("request_id", mcp.Required(), mcp.Description("The request ID")),
			mcp.WithString("stage", mcp.Description("Stage name to restart from, default the first stage")),
			mcp.WithString("reason", mcp.Description("Why the workflow is being restarted")),
		),
		s.handleRestartWorkflow,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"breaker_status",
			mcp.WithDescription("Show the admission circuit breaker state"),
		),
		s.handleBreakerStatus,
	)
}

func arguments(request mcp.CallToolRequest) (map[string]interface{}, bool) {
	if request.Params.Arguments == nil {
		return map[string]interface{}{}, true
	}
	args, ok := request.Params.Arguments.(map[string]interface{})
	return args, ok
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleWorkflowStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := arguments(request)
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	id, ok := args["request_id"].(string)
	if !ok || id == "" {
		return mcp.NewToolResultError("Missing required parameter: request_id"), nil
	}

	view, err := s.ops.Workflow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load %s: %v", id, err)), nil
	}
	return jsonResult(view)
}

func (s *Server) handleListWorkflows(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := arguments(request)
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	var status models.WorkflowStatus
	if raw, _ := args["status"].(string); raw != "" {
		status = models.WorkflowStatus(raw)
		if !status.Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("Unknown status: %s", raw)), nil
		}
	}
	limit := 50
	if n, ok := args["limit"].(float64); ok && n > 0 {
		limit = int(n)
	}

	rows, err := s.ops.Workflows(ctx, status, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list workflows: %v", err)), nil
	}
	return jsonResult(rows)
}

func (s *Server) handleRestartWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := arguments(request)
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	id, ok := args["request_id"].(string)
	if !ok || id == "" {
		return mcp.NewToolResultError("Missing required parameter: request_id"), nil
	}
	stage := 0
	if name, _ := args["stage"].(string); name != "" {
		idx, found := s.ops.StageIndex(name)
		if !found {
			return mcp.NewToolResultError(fmt.Sprintf("Unknown stage: %s", name)), nil
		}
		stage = idx
	}
	reason, _ := args["reason"].(string)

	if err := s.ops.Restart(ctx, id, stage, reason); err != nil {
		if errors.Is(err, orchestrator.ErrUnknownWorkflow) {
			return mcp.NewToolResultError(fmt.Sprintf("Unknown request: %s", id)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to restart: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Restarted %s from stage %d", id, stage)), nil
}

func (s *Server) handleBreakerStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.ops.BreakerSnapshot())
}

func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	// Use SSE server for /mcp/sse and /mcp/message endpoints
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		// Direct POST for tool calls
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	// SSE endpoints
	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
