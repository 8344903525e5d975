package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/cardwire/internal/domain"
	"github.com/ashureev/cardwire/internal/protocol"
	"github.com/ashureev/cardwire/internal/store"
	"gopkg.in/yaml.v3"
)

// Summaries converts saved apps to their wire form.
func Summaries(apps []*domain.App) []protocol.AppSummary {
	out := make([]protocol.AppSummary, 0, len(apps))
	for _, a := range apps {
		out = append(out, protocol.AppSummary{
			ID:          a.ID,
			Name:        a.Name,
			ToolFamily:  a.ToolFamily,
			SignatureID: a.SignatureID,
			ToolName:    a.ToolName,
			CreatedAt:   a.CreatedAt.UnixMilli(),
			Exported:    a.Exported(),
		})
	}
	return out
}

// broadcast queues msg on every connection of from's session. It blocks on
// full queues and must not be called from an actor goroutine.
func (g *Gateway) broadcast(from *Conn, msg protocol.ServerMessage) {
	if g.broadcaster == nil {
		from.Emit(msg)
		return
	}
	g.broadcaster.Broadcast(from.sessionKey, nil, msg)
}

// notifySession delivers msg to c and fans it out to the session's other
// connections in the background.
func (c *Conn) notifySession(ctx context.Context, msg protocol.ServerMessage) {
	c.deliver(ctx, msg)
	b := c.gw.broadcaster
	if b == nil {
		return
	}
	c.spawn(ctx, func(context.Context) {
		b.Broadcast(c.sessionKey, c, msg)
	})
}

func (c *Conn) appsListMessage(ctx context.Context) (protocol.ServerMessage, error) {
	if c.gw.cfg.Repo == nil {
		return protocol.ServerMessage{}, errNoStorage
	}
	apps, err := c.gw.cfg.Repo.ListApps(ctx)
	if err != nil {
		return protocol.ServerMessage{}, fmt.Errorf("list apps: %w", err)
	}
	return protocol.ServerMessage{AppsList: Summaries(apps)}, nil
}

func (c *Conn) handleAppsList(ctx context.Context) {
	msg, err := c.appsListMessage(ctx)
	if err != nil {
		c.logger.Warn("Failed to list apps", "error", err)
		c.deliver(ctx, failure("Failed to list apps"))
		return
	}
	c.deliver(ctx, msg)
}

func (c *Conn) handleDeleteAllApps(ctx context.Context) {
	if c.gw.cfg.Repo == nil {
		c.deliver(ctx, failure(errNoStorage.Error()))
		return
	}
	n, err := c.gw.cfg.Repo.DeleteAllApps(ctx)
	if err != nil {
		c.logger.Error("Failed to delete apps", "error", err)
		c.deliver(ctx, failure("Failed to delete apps"))
		return
	}
	c.logger.Info("Deleted saved apps", "count", n)
	deleted := int(n)
	c.notifySession(ctx, protocol.ServerMessage{AppsDeleted: &deleted})
}

// handleAppsRun executes a saved app's tool and renders the result with the
// app's template on a fresh card.
func (c *Conn) handleAppsRun(ctx context.Context, m protocol.AppsRun) {
	app, ok := c.loadApp(ctx, m.AppID)
	if !ok {
		return
	}
	if app.ToolName == "" {
		c.deliver(ctx, failure(fmt.Sprintf("App %q has no tool to run", app.Name)))
		return
	}

	addr := c.gw.freshRun()
	c.deliver(ctx, addr.apply(protocol.ServerMessage{
		State:    protocol.StateDelta,
		Text:     app.Name,
		CardMode: app.ToolFamily + "/" + app.SignatureID,
		ToolMeta: &protocol.ToolMeta{ToolID: app.ToolName},
	}))
	params := m.Params
	if params == nil {
		params = map[string]any{}
	}
	c.spawn(ctx, func(ctx context.Context) {
		c.runTool(ctx, addr, app.ToolName, params, "Running "+app.Name)
	})
}

// handleSaveToCodebase writes a saved app as YAML into the export directory.
func (c *Conn) handleSaveToCodebase(ctx context.Context, m protocol.AppSaveToCodebase) {
	app, ok := c.loadApp(ctx, m.AppID)
	if !ok {
		return
	}
	path, err := exportApp(c.gw.cfg.ExportDir, app)
	if err != nil {
		c.logger.Error("Failed to export app", "app_id", app.ID, "error", err)
		c.deliver(ctx, failure("Failed to save app to codebase"))
		return
	}
	if err := c.gw.cfg.Repo.MarkAppExported(ctx, app.ID, path); err != nil {
		c.logger.Warn("Failed to record app export", "app_id", app.ID, "error", err)
	}
	c.logger.Info("App saved to codebase", "app_id", app.ID, "path", path)
	c.deliver(ctx, protocol.ServerMessage{AppSaved: &protocol.AppSaved{ID: app.ID, Name: app.Name, Path: path}})
}

func (c *Conn) loadApp(ctx context.Context, id string) (*domain.App, bool) {
	if c.gw.cfg.Repo == nil {
		c.deliver(ctx, failure(errNoStorage.Error()))
		return nil, false
	}
	app, err := c.gw.cfg.Repo.GetApp(ctx, id)
	if errors.Is(err, store.ErrAppNotFound) {
		c.deliver(ctx, failure(fmt.Sprintf("App %s not found", id)))
		return nil, false
	}
	if err != nil {
		c.logger.Error("Failed to load app", "app_id", id, "error", err)
		c.deliver(ctx, failure("Failed to load app"))
		return nil, false
	}
	return app, true
}

// appExport is the on-disk form of a saved app.
type appExport struct {
	ID          string    `yaml:"id"`
	Name        string    `yaml:"name"`
	Description string    `yaml:"description,omitempty"`
	Tool        string    `yaml:"tool,omitempty"`
	Family      string    `yaml:"family"`
	Signature   string    `yaml:"signature"`
	Template    string    `yaml:"template"`
	Actions     []string  `yaml:"actions,omitempty"`
	CreatedAt   time.Time `yaml:"created_at"`
	Code        string    `yaml:"code"`
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slug(name string) string {
	s := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if s == "" {
		return "app"
	}
	return s
}

func exportApp(dir string, app *domain.App) (string, error) {
	if dir == "" {
		return "", errors.New("export directory not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	body, err := yaml.Marshal(appExport{
		ID:          app.ID,
		Name:        app.Name,
		Description: app.Description,
		Tool:        app.ToolName,
		Family:      app.ToolFamily,
		Signature:   app.SignatureID,
		Template:    app.TemplateID,
		Actions:     app.Actions,
		CreatedAt:   app.CreatedAt.UTC(),
		Code:        app.TemplateCode,
	})
	if err != nil {
		return "", fmt.Errorf("encode app: %w", err)
	}
	path := filepath.Join(dir, slug(app.Name)+"-"+app.ID+".yaml")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}
