// Package mcp exposes gateway operations over the Model Context Protocol
// using stdio transport, for agent-driven inspection of routing state.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/smartroute-ai/gateway/config"
	"github.com/smartroute-ai/gateway/health"
	"github.com/smartroute-ai/gateway/router"
	"github.com/smartroute-ai/gateway/telemetry"
)

// Server wraps the engine and stores behind four MCP tools: route_preview,
// classify, model_health, and recent_logs.
type Server struct {
	cfg    *config.Store
	engine *router.Engine
	health *health.Store
	logs   *telemetry.Store
}

// NewServer constructs the MCP surface from already-initialized
// dependencies. logs may be nil, which makes recent_logs report
// unavailability instead of failing.
func NewServer(cfg *config.Store, engine *router.Engine, hs *health.Store, logs *telemetry.Store) *Server {
	return &Server{
		cfg:    cfg,
		engine: engine,
		health: hs,
		logs:   logs,
	}
}

// Start registers the tools and serves requests over stdio. It blocks until
// stdin is closed or an error occurs.
func (m *Server) Start() error {
	s := server.NewMCPServer(
		"smartroute",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.AddTool(mcpgo.NewTool("route_preview",
		mcpgo.WithDescription("Show the ordered attempt candidates for a tier, with health state, without calling any model"),
		mcpgo.WithString("tier",
			mcpgo.Required(),
			mcpgo.Description("Tier to preview: t1, t2, or t3"),
		),
	), m.handleRoutePreview)

	s.AddTool(mcpgo.NewTool("classify",
		mcpgo.WithDescription("Classify a prompt into a tier using the local heuristic (the router model is not called)"),
		mcpgo.WithString("prompt",
			mcpgo.Required(),
			mcpgo.Description("The prompt to classify"),
		),
	), m.handleClassify)

	s.AddTool(mcpgo.NewTool("model_health",
		mcpgo.WithDescription("Show failure scores, cooldowns, and derived health scores for every tracked model"),
		mcpgo.WithString("model",
			mcpgo.Description("Filter to a single model entry"),
		),
	), m.handleModelHealth)

	s.AddTool(mcpgo.NewTool("recent_logs",
		mcpgo.WithDescription("Return the newest completed request logs"),
		mcpgo.WithNumber("limit",
			mcpgo.Description("Maximum number of logs to return (default 10)"),
		),
	), m.handleRecentLogs)

	return server.ServeStdio(s)
}

// previewResult is the JSON shape returned by route_preview.
type previewResult struct {
	Tier       string        `json:"tier"`
	Strategy   string        `json:"strategy"`
	Candidates []health.View `json:"candidates"`
}

// handleRoutePreview orders the tier's models with its configured strategy
// and attaches the current health view for each.
func (m *Server) handleRoutePreview(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	tier, err := req.RequireString("tier")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}

	snap := m.cfg.Snapshot()
	if len(snap.TierModels(tier)) == 0 {
		return mcpgo.NewToolResultError(fmt.Sprintf("tier %q has no configured models", tier)), nil
	}

	result := previewResult{
		Tier:       tier,
		Strategy:   snap.Strategy(tier),
		Candidates: m.engine.Candidates(tier),
	}

	b, err := json.Marshal(result)
	if err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return mcpgo.NewToolResultText(string(b)), nil
}

// classifyResult is the JSON shape returned by classify.
type classifyResult struct {
	Tier   string `json:"tier"`
	Source string `json:"source"`
}

// handleClassify applies the heuristic fallback only. The router model is a
// request-path concern; the dry-run surface stays network-free.
func (m *Server) handleClassify(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	prompt, err := req.RequireString("prompt")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}

	result := classifyResult{
		Tier:   router.HeuristicTier(prompt),
		Source: "heuristic",
	}

	b, err := json.Marshal(result)
	if err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return mcpgo.NewToolResultText(string(b)), nil
}

// handleModelHealth dumps the health store, optionally scoped to one entry.
func (m *Server) handleModelHealth(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	filter := req.GetString("model", "")

	views := m.health.Snapshot()
	if filter != "" {
		v, ok := views[filter]
		if !ok {
			return mcpgo.NewToolResultError(fmt.Sprintf("no health record for %q", filter)), nil
		}
		views = map[string]health.View{filter: v}
	}

	b, err := json.Marshal(views)
	if err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return mcpgo.NewToolResultText(string(b)), nil
}

// handleRecentLogs returns the newest completed request logs.
func (m *Server) handleRecentLogs(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	if m.logs == nil {
		return mcpgo.NewToolResultError("log store not available"), nil
	}

	limit := req.GetInt("limit", 10)
	if limit < 1 {
		limit = 10
	}

	recs, err := m.logs.Recent(limit)
	if err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("reading logs: %v", err)), nil
	}

	b, err := json.Marshal(recs)
	if err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return mcpgo.NewToolResultText(string(b)), nil
}
