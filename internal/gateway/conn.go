package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/cardwire/internal/card"
	"github.com/ashureev/cardwire/internal/catalog"
	"github.com/ashureev/cardwire/internal/protocol"
)

const (
	inboundBuffer  = 64
	outboundBuffer = 256
	sweepInterval  = time.Second
)

// ErrClosed is returned by Submit after the connection stopped.
var ErrClosed = errors.New("connection closed")

// Conn is the actor serving one client connection.
type Conn struct {
	gw         *Gateway
	id         string
	sessionKey string
	userID     string
	sink       Sink
	logger     *slog.Logger

	inbound  chan []byte
	outbound chan protocol.ServerMessage
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Owned by the Run goroutine.
	cards   *card.Store
	session *card.Session
	seq     int64
	sendErr error
}

// NewConn creates the actor for one connection. Call Run to start it.
func (g *Gateway) NewConn(sessionKey, userID string, sink Sink) *Conn {
	logger := g.logger.With("session_key", sessionKey)
	sess := card.NewSession(sessionKey)
	sess.ChannelMode = g.cfg.DefaultMode
	return &Conn{
		gw:         g,
		id:         g.newID(),
		sessionKey: sessionKey,
		userID:     userID,
		sink:       sink,
		logger:     logger,
		inbound:    make(chan []byte, inboundBuffer),
		outbound:   make(chan protocol.ServerMessage, outboundBuffer),
		done:       make(chan struct{}),
		cards: card.NewStore(
			card.WithLogger(logger),
			card.WithEnhanceTimeout(g.cfg.EnhanceTimeout),
			card.WithClock(g.now),
		),
		session: sess,
	}
}

// SessionKey returns the session the connection belongs to.
func (c *Conn) SessionKey() string {
	return c.sessionKey
}

// Submit queues a raw client message for the actor.
func (c *Conn) Submit(ctx context.Context, raw []byte) error {
	select {
	case c.inbound <- raw:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Emit queues a server message for delivery. It is safe for concurrent use;
// messages emitted after the connection stopped are dropped.
func (c *Conn) Emit(msg protocol.ServerMessage) {
	select {
	case c.outbound <- msg:
	case <-c.done:
		c.logger.Debug("Dropping message for closed connection", "run_id", msg.RunID, "target", msg.TargetCardID)
	}
}

// Run drives the actor until ctx ends or the sink fails. Background work
// started by the connection is cancelled and awaited before Run returns.
func (c *Conn) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		if n := c.gw.cfg.Tracker.CancelOwner(c.id); n > 0 {
			c.logger.Info("[CONN] Cancelled operations on disconnect", "operations", n)
		}
		cancel()
		c.stopOnce.Do(func() { close(c.done) })
		c.wg.Wait()
		c.logger.Info("[CONN] Connection actor stopped", "cards", c.cards.Len())
	}()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	c.deliver(ctx, protocol.ServerMessage{Settings: &protocol.Settings{ChannelMode: c.session.ChannelMode}})

	for c.sendErr == nil {
		select {
		case <-ctx.Done():
			return nil
		case raw := <-c.inbound:
			c.handleRaw(ctx, raw)
		case msg := <-c.outbound:
			c.deliver(ctx, msg)
		case now := <-ticker.C:
			c.sweep(ctx, now)
		}
	}
	return c.sendErr
}

// Cards returns a snapshot of the connection's mirror. Only for use after
// Run has returned.
func (c *Conn) Cards() []card.Card {
	return c.cards.Cards()
}

// deliver stamps msg, applies it to the mirror and sends it.
func (c *Conn) deliver(ctx context.Context, msg protocol.ServerMessage) {
	if c.sendErr != nil {
		return
	}
	c.seq++
	msg.Seq = c.seq
	msg.SessionKey = c.sessionKey
	if msg.Timestamp == 0 {
		msg.Timestamp = c.gw.now().UnixMilli()
	}

	out := c.cards.Apply(c.session, msg)
	if out.Route == card.RouteDropped {
		c.logger.Debug("[MIRROR] Message did not land on a card", "seq", msg.Seq, "run_id", msg.RunID, "target", msg.TargetCardID)
	}

	if err := c.sink.Send(ctx, msg); err != nil {
		c.sendErr = fmt.Errorf("send message %d: %w", msg.Seq, err)
	}
}

// sweep resolves enhancements whose window has passed so no card stays
// loading forever.
func (c *Conn) sweep(ctx context.Context, now time.Time) {
	for _, id := range c.cards.ExpireEnhancements(now) {
		c.logger.Info("[MIRROR] Enhancement timed out", "card_id", id)
		c.deliver(ctx, protocol.ServerMessage{
			TargetCardID:  id,
			EnhanceResult: &protocol.EnhanceResult{Unavailable: true, Reason: "timed out"},
		})
	}
}

// spawn runs fn in the background with the connection's context.
func (c *Conn) spawn(ctx context.Context, fn func(ctx context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(ctx)
	}()
}

func (c *Conn) toolContext() catalog.Context {
	return catalog.Context{SessionKey: c.sessionKey, WorkDir: c.gw.cfg.WorkDir}
}

func (c *Conn) handleRaw(ctx context.Context, raw []byte) {
	msg, err := protocol.DecodeClientMessage(raw)
	if err != nil {
		c.logger.Warn("Rejected client message", "error", err)
		c.deliver(ctx, failure("Invalid message: "+err.Error()))
		return
	}
	c.dispatch(ctx, msg)
}

// dispatch routes a decoded client message. The switch is exhaustive over
// protocol.ClientTypes.
func (c *Conn) dispatch(ctx context.Context, msg protocol.ClientMessage) {
	switch m := msg.(type) {
	case protocol.ChatSend:
		c.handleChat(ctx, m)
	case protocol.UIAction:
		c.handleCardAction(ctx, protocol.CardAction{CardID: m.CardID, Action: m.Action, Payload: m.Payload}, true)
	case protocol.CardAction:
		c.handleCardAction(ctx, m, false)
	case protocol.CardEnhance:
		c.handleEnhance(ctx, m)
	case protocol.CardBuildApp:
		c.handleBuild(ctx, m)
	case protocol.CardProposeApp:
		c.handlePropose(ctx, m)
	case protocol.CardDeleteAllApps:
		c.handleDeleteAllApps(ctx)
	case protocol.AppsList:
		c.handleAppsList(ctx)
	case protocol.AppsRun:
		c.handleAppsRun(ctx, m)
	case protocol.AppSaveToCodebase:
		c.handleSaveToCodebase(ctx, m)
	case protocol.ServerRestart:
		c.handleRestart(ctx)
	case protocol.SettingsSetMode:
		c.handleSetMode(ctx, m)
	case protocol.OperationCancel:
		c.handleCancel(ctx, m)
	case protocol.ToolsListProjects:
		c.handleListProjects(ctx)
	case protocol.ChatHistory:
		c.handleHistory(ctx, m)
	default:
		c.logger.Warn("Unhandled client message", "type", msg.Type())
	}
}

func (c *Conn) handleSetMode(ctx context.Context, m protocol.SettingsSetMode) {
	if !m.Mode.Valid() {
		c.deliver(ctx, failure(fmt.Sprintf("Unknown channel mode %q", m.Mode)))
		return
	}
	c.deliver(ctx, protocol.ServerMessage{Settings: &protocol.Settings{ChannelMode: m.Mode}})
}

func (c *Conn) handleRestart(ctx context.Context) {
	if c.gw.cfg.Restart == nil {
		c.deliver(ctx, failure(ErrRestartUnsupported.Error()))
		return
	}
	c.logger.Info("Restart requested by client")
	c.deliver(ctx, notice("Restarting server"))
	go c.gw.cfg.Restart()
}

// handleCancel cancels a running operation. Cancelling nothing is answered
// with the synthetic not-running reply.
func (c *Conn) handleCancel(ctx context.Context, m protocol.OperationCancel) {
	if err := c.gw.cfg.Tracker.Cancel(m.OperationID); err != nil {
		c.logger.Info("Cancel for operation that is not running", "operation_id", m.OperationID)
		c.deliver(ctx, notRunningReply(m.OperationID))
	}
}
