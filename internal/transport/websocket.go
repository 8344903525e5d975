package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/cardwire/internal/gateway"
	"github.com/ashureev/cardwire/internal/identity"
	"github.com/ashureev/cardwire/internal/protocol"
	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	maxMessageBytes = 1 << 20
	writeTimeout    = 10 * time.Second

	// DefaultRateLimit is the sustained client message rate per connection.
	DefaultRateLimit = 20
	defaultBurst     = 40
)

// Options configures the WebSocket endpoint.
type Options struct {
	AllowedOrigin string
	IsDev         bool
	// RateLimit is client messages per second; zero uses DefaultRateLimit and
	// a negative value disables limiting.
	RateLimit float64
}

// WebSocketHandler upgrades requests and runs one gateway connection per
// socket.
type WebSocketHandler struct {
	gw     *gateway.Gateway
	hub    *Hub
	opts   Options
	logger *slog.Logger
}

// NewWebSocketHandler creates the handler and wires hub as the gateway's
// broadcaster.
func NewWebSocketHandler(gw *gateway.Gateway, hub *Hub, opts Options, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RateLimit == 0 {
		opts.RateLimit = DefaultRateLimit
	}
	gw.SetBroadcaster(hub)
	return &WebSocketHandler{gw: gw, hub: hub, opts: opts, logger: logger}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionKey := identity.SessionKeyFromContext(r.Context())
	logger := h.logger.With("user_id", userID, "session_key", sessionKey)
	logger.Info("WebSocket connection request", "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()
	ws.SetReadLimit(maxMessageBytes)

	conn := h.gw.NewConn(sessionKey, userID, gateway.SinkFunc(func(ctx context.Context, msg protocol.ServerMessage) error {
		return writeJSON(ctx, ws, msg)
	}))
	h.hub.Register(conn)
	defer h.hub.Unregister(conn)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return conn.Run(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return h.readLoop(gctx, ws, conn, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Warn("WebSocket session ended with error", "error", err)
		return
	}
	logger.Info("WebSocket session ended")
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.opts.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.opts.AllowedOrigin == "*" || origin == h.opts.AllowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.opts.AllowedOrigin)
	return false
}

func (h *WebSocketHandler) limiter() *rate.Limiter {
	if h.opts.RateLimit < 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(h.opts.RateLimit * 2)
	if burst < 1 {
		burst = defaultBurst
	}
	return rate.NewLimiter(rate.Limit(h.opts.RateLimit), burst)
}

// readLoop hands client frames to the connection actor. A client over its
// rate is slowed down, not disconnected.
func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, conn *gateway.Conn, logger *slog.Logger) error {
	limiter := h.limiter()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				logger.Debug("WebSocket closed", "error", err)
				return nil
			}
			return fmt.Errorf("read websocket: %w", err)
		}
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		if err := conn.Submit(ctx, data); err != nil {
			if errors.Is(err, gateway.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("submit client message: %w", err)
		}
	}
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
