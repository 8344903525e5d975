package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ashureev/cardwire/internal/agent"
	"github.com/ashureev/cardwire/internal/api"
	"github.com/ashureev/cardwire/internal/catalog"
	"github.com/ashureev/cardwire/internal/config"
	"github.com/ashureev/cardwire/internal/gateway"
	"github.com/ashureev/cardwire/internal/identity"
	"github.com/ashureev/cardwire/internal/middleware"
	"github.com/ashureev/cardwire/internal/operation"
	"github.com/ashureev/cardwire/internal/signature"
	"github.com/ashureev/cardwire/internal/store"
	"github.com/ashureev/cardwire/internal/transport"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket gateway (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				slog.Error("Failed to load configuration", "error", err)
				return err
			}
			return serve(cmd.Context(), cfg, slog.Default())
		},
	}
}

// loadRegistry builds the signature registry from the built-in families and
// the optional catalog file.
func loadRegistry(path string, logger *slog.Logger) (*signature.Registry, error) {
	reg := signature.NewBuiltinRegistry(logger)
	if path == "" {
		return reg, nil
	}
	cf, err := signature.LoadCatalogFile(path)
	if err != nil {
		return nil, err
	}
	cf.Apply(reg)
	logger.Info("Signature catalog loaded", "path", path, "signatures", reg.Len())
	return reg, nil
}

//nolint:gocognit,funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "channel_mode", cfg.ChannelMode)

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		return err
	}
	slog.Info("Database connected")

	registry, err := loadRegistry(cfg.SignatureCatalog, logger)
	if err != nil {
		slog.Error("Failed to load signature catalog", "error", err)
		return err
	}

	catalogs := catalog.Multi{catalog.NewMemory(catalog.Filesystem())}
	if cfg.ToolExecutorAddr != "" {
		remote, err := catalog.NewRemote(ctx, cfg.ToolExecutorAddr, logger)
		if err != nil {
			slog.Warn("Tool executor unavailable, using local tools only", "error", err)
		} else {
			defer remote.Close()
			catalogs = append(catalogs, remote)
		}
	}
	auto := registry.AutoRegisterCatalog(catalogs)
	slog.Info("Tool catalog ready", "tools", len(catalog.ToolNames(catalogs)), "auto_signatures", len(auto))

	var processor agent.Processor = agent.Offline{}
	if cfg.AgentAddr != "" {
		slog.Info("Connecting to agent service via gRPC", "address", cfg.AgentAddr)
		grpcClient, err := agent.NewGrpcClient(cfg.AgentAddr, logger)
		if err != nil {
			slog.Warn("Failed to connect to agent, chat will be unavailable", "error", err)
		} else {
			processor = grpcClient
		}
	} else {
		slog.Info("Chat disabled (AGENT_ADDR not set)")
	}
	defer processor.Close()

	convLog, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		return err
	}
	defer func() {
		if closeErr := convLog.Close(); closeErr != nil {
			slog.Warn("Failed to close conversation logger", "error", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var restart atomic.Bool
	gw := gateway.New(gateway.Config{
		Registry:       registry,
		Catalog:        catalogs,
		Agent:          processor,
		Repo:           repo,
		Tracker:        operation.NewTracker(logger),
		ConvLog:        convLog,
		ExportDir:      cfg.AppsExportDir,
		WorkDir:        cfg.WorkDir,
		DefaultMode:    cfg.ChannelMode,
		EnhanceTimeout: cfg.EnhanceTimeout,
		Restart: func() {
			restart.Store(true)
			stop()
		},
		Logger: logger,
	})
	hub := transport.NewHub(logger)
	wsHandler := transport.NewWebSocketHandler(gw, hub, transport.Options{
		AllowedOrigin: cfg.FrontendURL,
		IsDev:         cfg.IsDevelopment(),
		RateLimit:     cfg.ClientRateLimit,
	}, logger)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins()))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	api.NewHealthHandler(repo, hub).RegisterHealth(r)
	api.NewHandler(repo, registry, logger).RegisterRoutes(r)
	r.Get("/ws", wsHandler.ServeHTTP)

	// WebSocket connections are long-lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			slog.Error("Server failed", "error", err)
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}
	stop()

	slog.Info("Shutting down gracefully...", "restart", restart.Load())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return err
	}

	slog.Info("Server stopped successfully")
	if restart.Load() {
		return errRestartRequested
	}
	return nil
}
