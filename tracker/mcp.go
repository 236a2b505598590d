package tracker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/spmtrack/kit"
)

// RegisterMCP exposes engine operations as MCP tools: spmtrack_stats,
// spmtrack_send and spmtrack_flush.
func (e *Engine) RegisterMCP(srv *mcp.Server) {
	mw := kit.Chain(kit.Logging(e.base, "spmtrack"), kit.Recover(e.base))
	e.registerStatsTool(srv, mw)
	e.registerSendTool(srv, mw)
	e.registerFlushTool(srv, mw)
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

// --- stats ---

type statsReq struct{}

func (e *Engine) registerStatsTool(srv *mcp.Server, mw kit.Middleware) {
	tool := &mcp.Tool{
		Name:        "spmtrack_stats",
		Description: "Report error counters, queue size and session id of the tracking engine.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(_ context.Context, _ any) (any, error) {
		return e.Stats(), nil
	}
	kit.RegisterMCPTool(srv, tool, mw(endpoint), kit.DecodeArgs[statsReq])
}

// --- send ---

type sendReq struct {
	EventData map[string]any `json:"eventData"`
	Flush     bool           `json:"flush"`
}

type sendResp struct {
	Queued    bool   `json:"queued"`
	QueueSize int    `json:"queueSize"`
	SessionID string `json:"sessionId"`
}

func (e *Engine) registerSendTool(srv *mcp.Server, mw kit.Middleware) {
	tool := &mcp.Tool{
		Name:        "spmtrack_send",
		Description: "Queue a manual tracking event carrying eventData; set flush to deliver immediately.",
		InputSchema: inputSchema(map[string]any{
			"eventData": map[string]any{"type": "object", "description": "Free-form event payload"},
			"flush":     map[string]any{"type": "boolean", "description": "Flush the queue after enqueueing"},
		}, []string{"eventData"}),
	}
	endpoint := func(_ context.Context, req any) (any, error) {
		r := req.(sendReq)
		if r.EventData == nil {
			return nil, errors.New("eventData is required")
		}
		e.SendTrack(r.EventData)
		if r.Flush {
			e.Flush()
		}
		st := e.Stats()
		return sendResp{Queued: true, QueueSize: st.QueueSize, SessionID: st.SessionID}, nil
	}
	kit.RegisterMCPTool(srv, tool, mw(endpoint), kit.DecodeArgs[sendReq])
}

// --- flush ---

type flushReq struct {
	Wait bool `json:"wait"`
}

type flushResp struct {
	Flushed   bool `json:"flushed"`
	QueueSize int  `json:"queueSize"`
}

func (e *Engine) registerFlushTool(srv *mcp.Server, mw kit.Middleware) {
	tool := &mcp.Tool{
		Name:        "spmtrack_flush",
		Description: "Send every queued event now; set wait to block until the batches settle.",
		InputSchema: inputSchema(map[string]any{
			"wait": map[string]any{"type": "boolean", "description": "Wait for in-flight batches"},
		}, nil),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(flushReq)
		e.Flush()
		if r.Wait {
			if err := e.Wait(ctx); err != nil {
				return nil, err
			}
		}
		e.base.Debug("tracker: flushed over mcp", slog.String("request_id", kit.GetRequestID(ctx)))
		return flushResp{Flushed: true, QueueSize: e.Stats().QueueSize}, nil
	}
	kit.RegisterMCPTool(srv, tool, mw(endpoint), kit.DecodeArgs[flushReq])
}
