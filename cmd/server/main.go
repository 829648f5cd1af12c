// PlantKart conversational storefront server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/plantkart/agentchat/internal/api"
	"github.com/plantkart/agentchat/internal/chat"
	"github.com/plantkart/agentchat/internal/config"
	"github.com/plantkart/agentchat/internal/conversation"
	"github.com/plantkart/agentchat/internal/identity"
	"github.com/plantkart/agentchat/internal/middleware"
	"github.com/plantkart/agentchat/internal/payment"
	"github.com/plantkart/agentchat/internal/store"
	"github.com/plantkart/agentchat/internal/ucp"
	"github.com/plantkart/agentchat/web"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	agentCfg := ucp.DefaultClientConfig()
	agentClient := ucp.NewClient(agentCfg.Endpoint, logger, uuid.NewString)
	slog.Info("Commerce agent client initialized", "endpoint", agentCfg.Endpoint)

	paymentClient := payment.NewClient(payment.DefaultClientConfig(), logger)

	conversations := conversation.NewManager(agentClient, repo, paymentClient, logger)
	defer conversations.CloseAll()

	// Initialize handlers.
	healthHandler := api.NewHealthHandler(repo)
	chatHandler := chat.NewHandler(repo, conversations, logger)
	streamHandler := chat.NewStreamHandler(conversations, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// All routes use identity middleware (no auth needed).
	chatHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/chat", streamHandler.ServeHTTP)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket streams stay open indefinitely
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Evict idle in-memory conversations and expired stored sessions.
	conversations.StartSweeper(ctx, cfg.SessionTTL)
	startSessionCleanup(ctx, repo, cfg.SessionTTL)
	slog.Info("Session sweepers started", "session_ttl", cfg.SessionTTL)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// startSessionCleanup periodically removes stored sessions inactive for
// longer than ttl.
func startSessionCleanup(ctx context.Context, repo store.Repository, ttl time.Duration) {
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				removed, err := repo.CleanupExpiredSessions(cleanupCtx, ttl)
				cancel()
				if err != nil {
					slog.Warn("Session cleanup failed", "error", err)
				} else if removed > 0 {
					slog.Info("Removed expired sessions", "count", removed)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
