package synchro

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterMCP registers the sync inspection tools on an MCP server.
func (svc *Service) RegisterMCP(srv *mcp.Server) {
	svc.registerSyncStatus(srv)
	svc.registerSyncSummary(srv)
	svc.registerCacheStats(srv)
	svc.registerTaskStatus(srv)
	svc.registerSourcesList(srv)
	svc.registerRunHistory(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// registerTool wires an endpoint as an MCP tool. Decode and endpoint errors
// surface as tool errors, not protocol errors, so clients see them in-band.
func registerTool(srv *mcp.Server, tool *mcp.Tool, endpoint func(context.Context, any) (any, error), decode func(*mcp.CallToolRequest) (any, error)) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		decoded, err := decode(req)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("invalid arguments: %w", err))
			return &res, nil
		}

		resp, err := endpoint(ctx, decoded)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(errors.New(err.Error()))
			return &res, nil
		}

		data, err := json.Marshal(resp)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

func decodeInto[T any]() func(*mcp.CallToolRequest) (any, error) {
	return func(r *mcp.CallToolRequest) (any, error) {
		p := new(T)
		if len(r.Params.Arguments) > 0 {
			if err := json.Unmarshal(r.Params.Arguments, p); err != nil {
				return nil, err
			}
		}
		return p, nil
	}
}

// --- Tools ---

func (svc *Service) registerSyncStatus(srv *mcp.Server) {
	type req struct{}

	tool := &mcp.Tool{
		Name:        "sync_status",
		Description: "Live state of the current sync run: state, sources done, per-state timings, circuit breaker states",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(_ context.Context, _ any) (any, error) {
		st, ok := svc.Status()
		if !ok {
			return map[string]string{"state": "idle"}, nil
		}
		return st, nil
	}

	registerTool(srv, tool, endpoint, decodeInto[req]())
}

func (svc *Service) registerSyncSummary(srv *mcp.Server) {
	type req struct{}

	tool := &mcp.Tool{
		Name:        "sync_summary",
		Description: "Summary of the most recent finished sync run: per-source results, health, cache and embedding counters",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(_ context.Context, _ any) (any, error) {
		s := svc.LastSummary()
		if s == nil {
			return nil, errors.New("no run has finished yet")
		}
		return s, nil
	}

	registerTool(srv, tool, endpoint, decodeInto[req]())
}

func (svc *Service) registerCacheStats(srv *mcp.Server) {
	type req struct{}

	tool := &mcp.Tool{
		Name:        "cache_stats",
		Description: "Duplicate-detection cache statistics: entries, processed, errors, unique and duplicated hashes",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return svc.cache.Stats(ctx)
	}

	registerTool(srv, tool, endpoint, decodeInto[req]())
}

func (svc *Service) registerTaskStatus(srv *mcp.Server) {
	type req struct {
		TaskID string `json:"task_id"`
	}

	tool := &mcp.Tool{
		Name:        "task_status",
		Description: "Async spreadsheet task queue: one task by id, or per-status counters when task_id is omitted",
		InputSchema: inputSchema(map[string]any{
			"task_id": map[string]any{"type": "string", "description": "Task ID"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if p.TaskID == "" {
			return svc.queue.Stats(ctx)
		}
		t, err := svc.queue.Get(ctx, p.TaskID)
		if err != nil {
			return nil, err
		}
		if t == nil {
			return nil, fmt.Errorf("task %q not found", p.TaskID)
		}
		return t, nil
	}

	registerTool(srv, tool, endpoint, decodeInto[req]())
}

func (svc *Service) registerSourcesList(srv *mcp.Server) {
	type req struct {
		EnabledOnly bool `json:"enabled_only"`
	}

	tool := &mcp.Tool{
		Name:        "sources_list",
		Description: "Configured content sources for the active environment",
		InputSchema: inputSchema(map[string]any{
			"enabled_only": map[string]any{"type": "boolean", "description": "Only sources that participate in runs"},
		}, nil),
	}

	endpoint := func(_ context.Context, r any) (any, error) {
		p := r.(*req)
		if p.EnabledOnly {
			return svc.cfg.EnabledSources(), nil
		}
		return svc.cfg.Sources, nil
	}

	registerTool(srv, tool, endpoint, decodeInto[req]())
}

func (svc *Service) registerRunHistory(srv *mcp.Server) {
	type req struct {
		Limit int `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "run_history",
		Description: "Recent sync runs with their outcome counters, newest first",
		InputSchema: inputSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Max runs to return (default 20)"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.collector.RecentRuns(ctx, p.Limit)
	}

	registerTool(srv, tool, endpoint, decodeInto[req]())
}
