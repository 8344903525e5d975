// Package catalog defines the plugin and tool interface consumed by the
// signature registry and the gateway, plus in-process and gRPC-backed
// implementations.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrToolNotFound is returned when no plugin provides a tool name.
var ErrToolNotFound = errors.New("tool not found")

// Content is one block of a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Result is what a tool returns. Tools have no structured error channel;
// failure is signalled by a text block starting with "[ERROR]".
type Result struct {
	Content []Content `json:"content"`
}

// TextResult wraps text in a single text block.
func TextResult(text string) Result {
	return Result{Content: []Content{{Type: "text", Text: text}}}
}

// ErrorResult builds a failed result using the "[ERROR]" convention.
func ErrorResult(format string, args ...any) Result {
	return TextResult("[ERROR] " + fmt.Sprintf(format, args...))
}

// JSONResult encodes v as the text of a single block.
func JSONResult(v any) (Result, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Result{}, fmt.Errorf("encode tool result: %w", err)
	}
	return TextResult(string(b)), nil
}

// Tool is one executable tool.
type Tool interface {
	Name() string
	Execute(ctx context.Context, callID string, params map[string]any) (Result, error)
}

// Context is passed to plugin factories.
type Context struct {
	SessionKey string
	WorkDir    string
}

// Factory builds the tools of a plugin for one session.
type Factory func(Context) ([]Tool, error)

// Plugin is a registered tool provider.
type Plugin struct {
	ID      string   `json:"id"`
	Names   []string `json:"names"`
	Factory Factory  `json:"-"`
}

// Catalog lists plugins and resolves tool names to executable tools.
type Catalog interface {
	Plugins() []Plugin
	Resolve(ctx context.Context, tc Context, name string) (Tool, error)
}

// FuncTool adapts a function to the Tool interface.
type FuncTool struct {
	ToolName string
	Fn       func(ctx context.Context, params map[string]any) (Result, error)
}

// Name implements Tool.
func (t FuncTool) Name() string { return t.ToolName }

// Execute implements Tool.
func (t FuncTool) Execute(ctx context.Context, _ string, params map[string]any) (Result, error) {
	return t.Fn(ctx, params)
}

// Memory is an in-process catalog.
type Memory struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
	order   []string
}

// NewMemory creates a catalog holding plugins.
func NewMemory(plugins ...Plugin) *Memory {
	m := &Memory{plugins: make(map[string]Plugin)}
	for _, p := range plugins {
		m.Register(p)
	}
	return m
}

// Register adds or replaces a plugin.
func (m *Memory) Register(p Plugin) {
	p.Names = slices.Clone(p.Names)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plugins[p.ID]; !ok {
		m.order = append(m.order, p.ID)
	}
	m.plugins[p.ID] = p
}

// Plugins returns plugins in registration order.
func (m *Memory) Plugins() []Plugin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Plugin, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.plugins[id])
	}
	return out
}

// Resolve finds the plugin that lists name and builds its tools.
func (m *Memory) Resolve(_ context.Context, tc Context, name string) (Tool, error) {
	for _, p := range m.Plugins() {
		if !slices.Contains(p.Names, name) {
			continue
		}
		if p.Factory == nil {
			return nil, fmt.Errorf("plugin %s has no factory: %w", p.ID, ErrToolNotFound)
		}
		tools, err := p.Factory(tc)
		if err != nil {
			return nil, fmt.Errorf("build plugin %s: %w", p.ID, err)
		}
		for _, t := range tools {
			if t.Name() == name {
				return t, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
}

// Multi merges several catalogs. Earlier catalogs win on name conflicts.
type Multi []Catalog

// Plugins returns the plugins of every catalog.
func (m Multi) Plugins() []Plugin {
	var out []Plugin
	for _, c := range m {
		out = append(out, c.Plugins()...)
	}
	return out
}

// Resolve tries each catalog in order.
func (m Multi) Resolve(ctx context.Context, tc Context, name string) (Tool, error) {
	for _, c := range m {
		t, err := c.Resolve(ctx, tc, name)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, ErrToolNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
}

// ToolNames returns every tool name of the catalog.
func ToolNames(c Catalog) []string {
	var out []string
	for _, p := range c.Plugins() {
		out = append(out, p.Names...)
	}
	return out
}
