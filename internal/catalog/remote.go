package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ashureev/cardwire/internal/shared"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	listPluginsMethod = "/cardwire.tools.v1.ToolExecutor/ListPlugins"
	executeMethod     = "/cardwire.tools.v1.ToolExecutor/Execute"
)

// Remote is a catalog served by an external tool executor over gRPC.
// Payloads are google.protobuf.Struct values so no generated stubs are needed.
type Remote struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.RWMutex
	plugins []Plugin
}

// NewRemote connects to the executor at addr and loads its plugin list.
func NewRemote(ctx context.Context, addr string, logger *slog.Logger) (*Remote, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := shared.DialReady(shared.DefaultGrpcDialConfig(addr))
	if err != nil {
		return nil, fmt.Errorf("tool executor: %w", err)
	}
	r := &Remote{conn: conn, timeout: 60 * time.Second, logger: logger}
	if err := r.Refresh(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	logger.Info("Connected to tool executor", "address", addr, "plugins", len(r.Plugins()))
	return r, nil
}

// Close releases the connection.
func (r *Remote) Close() {
	if err := r.conn.Close(); err != nil {
		r.logger.Warn("failed to close tool executor connection", "error", err)
	}
}

// Refresh reloads the plugin list.
func (r *Remote) Refresh(ctx context.Context) error {
	out := &structpb.Struct{}
	if err := r.conn.Invoke(ctx, listPluginsMethod, &structpb.Struct{}, out); err != nil {
		return fmt.Errorf("list plugins: %w", err)
	}
	plugins := decodePlugins(out.AsMap())
	for i := range plugins {
		names := plugins[i].Names
		plugins[i].Factory = func(Context) ([]Tool, error) {
			tools := make([]Tool, 0, len(names))
			for _, n := range names {
				tools = append(tools, &remoteTool{r: r, name: n})
			}
			return tools, nil
		}
	}

	r.mu.Lock()
	r.plugins = plugins
	r.mu.Unlock()
	return nil
}

// Plugins implements Catalog.
func (r *Remote) Plugins() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.plugins)
}

// Resolve implements Catalog.
func (r *Remote) Resolve(_ context.Context, tc Context, name string) (Tool, error) {
	for _, p := range r.Plugins() {
		if slices.Contains(p.Names, name) {
			return &remoteTool{r: r, name: name, tc: tc}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
}

type remoteTool struct {
	r    *Remote
	name string
	tc   Context
}

func (t *remoteTool) Name() string { return t.name }

func (t *remoteTool) Execute(ctx context.Context, callID string, params map[string]any) (Result, error) {
	if params == nil {
		params = map[string]any{}
	}
	req, err := structpb.NewStruct(map[string]any{
		"tool":       t.name,
		"callId":     callID,
		"sessionKey": t.tc.SessionKey,
		"workDir":    t.tc.WorkDir,
		"params":     params,
	})
	if err != nil {
		return Result{}, fmt.Errorf("encode execute request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.r.timeout)
	defer cancel()

	out := &structpb.Struct{}
	if err := t.r.conn.Invoke(ctx, executeMethod, req, out); err != nil {
		return Result{}, fmt.Errorf("execute %s: %w", t.name, err)
	}
	return decodeResult(out.AsMap()), nil
}

func decodePlugins(m map[string]any) []Plugin {
	items, _ := m["plugins"].([]any)
	out := make([]Plugin, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id, _ := obj["id"].(string)
		if id == "" {
			continue
		}
		p := Plugin{ID: id}
		names, _ := obj["names"].([]any)
		for _, n := range names {
			if s, ok := n.(string); ok && s != "" {
				p.Names = append(p.Names, s)
			}
		}
		out = append(out, p)
	}
	return out
}

func decodeResult(m map[string]any) Result {
	blocks, _ := m["content"].([]any)
	res := Result{Content: make([]Content, 0, len(blocks))}
	for _, b := range blocks {
		obj, ok := b.(map[string]any)
		if !ok {
			continue
		}
		typ, _ := obj["type"].(string)
		text, _ := obj["text"].(string)
		res.Content = append(res.Content, Content{Type: typ, Text: text})
	}
	return res
}
