// Package gateway handles client messages for one WebSocket connection and
// produces the server messages that drive the client's card store.
//
// Each connection is an actor: a single goroutine owns a mirror of the
// client's card store and applies every outbound message to it before
// sending, so handlers can consult card state without locks. Slow work (agent
// turns, tool calls, builds) runs in background goroutines that hand their
// messages back to the actor through Emit.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/cardwire/internal/agent"
	"github.com/ashureev/cardwire/internal/card"
	"github.com/ashureev/cardwire/internal/catalog"
	"github.com/ashureev/cardwire/internal/operation"
	"github.com/ashureev/cardwire/internal/protocol"
	"github.com/ashureev/cardwire/internal/signature"
	"github.com/ashureev/cardwire/internal/store"
	"github.com/google/uuid"
)

// ErrRestartUnsupported is reported when no restart hook is configured.
var ErrRestartUnsupported = errors.New("server restart not supported")

// Sink delivers server messages to one client.
type Sink interface {
	Send(ctx context.Context, msg protocol.ServerMessage) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, msg protocol.ServerMessage) error

// Send calls f.
func (f SinkFunc) Send(ctx context.Context, msg protocol.ServerMessage) error {
	return f(ctx, msg)
}

// Broadcaster fans a fire-and-forget message out to the connections of a
// session, skipping except when it is non-nil. Broadcast may block until
// every target queued the message.
type Broadcaster interface {
	Broadcast(sessionKey string, except *Conn, msg protocol.ServerMessage)
}

// Config holds the collaborators shared by every connection.
type Config struct {
	Registry *signature.Registry
	Catalog  catalog.Catalog
	Agent    agent.Processor
	Repo     store.Repository
	Tracker  *operation.Tracker
	ConvLog  agent.ConversationLogger

	// ExportDir receives apps saved with app.save_to_codebase.
	ExportDir string
	// WorkDir is handed to tool factories.
	WorkDir string

	DefaultMode    protocol.ChannelMode
	EnhanceTimeout time.Duration
	// Restart is invoked by server.restart. Nil disables the message.
	Restart func()
	Logger  *slog.Logger
}

// Gateway creates connection handlers.
type Gateway struct {
	cfg         Config
	logger      *slog.Logger
	broadcaster Broadcaster
	newID       func() string
	now         func() time.Time
}

// New returns a gateway. Missing optional collaborators get inert defaults.
func New(cfg Config) *Gateway {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = signature.NewBuiltinRegistry(cfg.Logger)
	}
	if cfg.Catalog == nil {
		cfg.Catalog = catalog.NewMemory()
	}
	if cfg.Agent == nil {
		cfg.Agent = agent.Offline{}
	}
	if cfg.Tracker == nil {
		cfg.Tracker = operation.NewTracker(cfg.Logger)
	}
	if cfg.ConvLog == nil {
		cfg.ConvLog = agent.NoopConversationLogger{}
	}
	if !cfg.DefaultMode.Valid() {
		cfg.DefaultMode = protocol.ChannelModeApp
	}
	if cfg.EnhanceTimeout <= 0 {
		cfg.EnhanceTimeout = card.DefaultEnhanceTimeout
	}
	return &Gateway{
		cfg:    cfg,
		logger: cfg.Logger,
		newID:  uuid.NewString,
		now:    time.Now,
	}
}

// SetBroadcaster wires the hub used for fire-and-forget notifications.
func (g *Gateway) SetBroadcaster(b Broadcaster) {
	g.broadcaster = b
}

// Registry returns the signature registry in use.
func (g *Gateway) Registry() *signature.Registry {
	return g.cfg.Registry
}
