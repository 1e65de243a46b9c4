package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/smartroute-ai/gateway/config"
	"github.com/smartroute-ai/gateway/health"
	"github.com/smartroute-ai/gateway/router"
	"github.com/smartroute-ai/gateway/telemetry"
	"github.com/smartroute-ai/gateway/trace"
)

// newTestServer builds the MCP surface over file-backed stores. logs may be
// nil to exercise the unavailable-log-store path.
func newTestServer(t *testing.T, logs *telemetry.Store) (*Server, *health.Store) {
	t.Helper()
	dir := t.TempDir()

	store, err := config.Open(filepath.Join(dir, "config.json"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	hs := health.NewStore(filepath.Join(dir, "model_stats.json"), 1.0, zap.NewNop())
	engine := router.NewEngine(store, hs, trace.NewBus(nil), logs, zap.NewNop())
	return NewServer(store, engine, hs, logs), hs
}

// makeRequest builds a CallToolRequest with the given arguments.
func makeRequest(args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Arguments: args,
		},
	}
}

// textPayload unmarshals a tool result's text content into out.
func textPayload(t *testing.T, result *mcpgo.CallToolResult, out any) {
	t.Helper()
	text := result.Content[0].(mcpgo.TextContent).Text
	if err := json.Unmarshal([]byte(text), out); err != nil {
		t.Fatalf("unmarshalling tool result %q: %v", text, err)
	}
}

func TestHandleRoutePreview(t *testing.T) {
	srv, hs := newTestServer(t, nil)
	hs.RecordFailure("gpt-3.5-turbo", 10, time.Minute)

	result, err := srv.handleRoutePreview(context.Background(), makeRequest(map[string]any{"tier": "t1"}))
	if err != nil {
		t.Fatalf("handleRoutePreview error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %+v", result.Content)
	}

	var preview previewResult
	textPayload(t, result, &preview)
	if preview.Tier != "t1" || preview.Strategy != config.StrategySequential {
		t.Errorf("preview header = %+v", preview)
	}
	if len(preview.Candidates) != 2 {
		t.Fatalf("candidates = %+v, want both default t1 models", preview.Candidates)
	}
}

func TestHandleRoutePreviewUnknownTier(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	result, err := srv.handleRoutePreview(context.Background(), makeRequest(map[string]any{"tier": "t9"}))
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError {
		t.Error("unknown tier should report a tool error")
	}
}

func TestHandleClassify(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	result, err := srv.handleClassify(context.Background(), makeRequest(map[string]any{
		"prompt": "please generate a function to parse logs",
	}))
	if err != nil {
		t.Fatal(err)
	}

	var got classifyResult
	textPayload(t, result, &got)
	if got.Tier != config.TierT2 || got.Source != "heuristic" {
		t.Errorf("classify = %+v", got)
	}
}

func TestHandleModelHealthFilter(t *testing.T) {
	srv, hs := newTestServer(t, nil)
	hs.RecordSuccess("gpt-4")
	hs.RecordFailure("gpt-4-turbo", 10, 0)

	result, err := srv.handleModelHealth(context.Background(), makeRequest(map[string]any{"model": "gpt-4"}))
	if err != nil {
		t.Fatal(err)
	}

	var views map[string]health.View
	textPayload(t, result, &views)
	if len(views) != 1 {
		t.Fatalf("filtered views = %+v", views)
	}
	if views["gpt-4"].Successes != 1 {
		t.Errorf("view = %+v", views["gpt-4"])
	}

	result, err = srv.handleModelHealth(context.Background(), makeRequest(map[string]any{"model": "ghost"}))
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError {
		t.Error("unknown model filter should report a tool error")
	}
}

func TestHandleRecentLogs(t *testing.T) {
	logs, err := telemetry.Open(filepath.Join(t.TempDir(), "request_logs.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer logs.Close()
	if err := logs.Insert(telemetry.Record{TraceID: "t-1", Level: "t1", Model: "m", Status: "success"}); err != nil {
		t.Fatal(err)
	}

	srv, _ := newTestServer(t, logs)
	result, err := srv.handleRecentLogs(context.Background(), makeRequest(map[string]any{"limit": 5}))
	if err != nil {
		t.Fatal(err)
	}

	var recs []telemetry.Record
	textPayload(t, result, &recs)
	if len(recs) != 1 || recs[0].TraceID != "t-1" {
		t.Errorf("recent logs = %+v", recs)
	}
}

func TestHandleRecentLogsWithoutStore(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	result, err := srv.handleRecentLogs(context.Background(), makeRequest(nil))
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError {
		t.Error("missing log store should report a tool error")
	}
}
