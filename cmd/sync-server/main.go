// Command sync-server runs the collaborative editing hub: a websocket
// endpoint for document sessions plus a small HTTP control surface for
// starting sessions and inspecting presence.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	api "github.com/gridmesh/collab-sync/internal/api/websocket"
	"github.com/gridmesh/collab-sync/pkg/collaboration"
	"github.com/gridmesh/collab-sync/pkg/config"
	"github.com/gridmesh/collab-sync/pkg/observability"
	"github.com/gridmesh/collab-sync/pkg/presence"
	"github.com/gridmesh/collab-sync/pkg/services"
	"github.com/gridmesh/collab-sync/pkg/versions"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		observability.NewStandardLogger("collab-sync").Fatal("Failed to load configuration", map[string]interface{}{
			"error": err.Error(),
		})
	}

	logger := newLogger(cfg.Logging)
	metrics := observability.NewInMemoryMetrics()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := newStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize version store", map[string]interface{}{
			"error": err.Error(),
		})
	}

	tracker, err := newTracker(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize presence tracker", map[string]interface{}{
			"error": err.Error(),
		})
	}

	resolver := collaboration.NewResolver(newPolicy(cfg.Session), logger, metrics)
	manager := services.NewSessionManager(store, resolver, logger, metrics)
	hub := api.NewServer(manager, tracker, nil, logger, metrics, api.Config{
		PingInterval:   cfg.Server.PingInterval,
		WriteTimeout:   cfg.Server.WriteTimeout,
		SendBuffer:     cfg.Server.SendBuffer,
		MaxMessageSize: cfg.Server.MaxMessageSize,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWebSocket)
	mux.HandleFunc("/sessions", startSessionHandler(manager, logger))
	mux.HandleFunc("/presence", presenceHandler(tracker))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:    cfg.Server.ListenAddress,
		Handler: mux,
	}

	go func() {
		logger.Info("Server listening", map[string]interface{}{
			"address": cfg.Server.ListenAddress,
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown did not complete cleanly", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func newLogger(cfg config.LoggingConfig) observability.Logger {
	logger := observability.NewStandardLogger(cfg.Prefix)
	std, ok := logger.(*observability.StandardLogger)
	if !ok {
		return logger
	}
	switch cfg.Level {
	case "debug":
		return std.WithLevel(observability.LogLevelDebug)
	case "warn":
		return std.WithLevel(observability.LogLevelWarn)
	case "error":
		return std.WithLevel(observability.LogLevelError)
	default:
		return std.WithLevel(observability.LogLevelInfo)
	}
}

// newStore picks Postgres when a DSN is configured, the in-memory store
// otherwise
func newStore(ctx context.Context, cfg *config.Config, logger observability.Logger) (versions.Store, error) {
	if cfg.Database.DSN == "" {
		logger.Info("Using in-memory version store", nil)
		return versions.NewMemoryStore(logger), nil
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	return versions.NewPostgresStore(ctx, db, logger)
}

// newTracker picks Redis when an address is configured, the in-memory
// tracker otherwise
func newTracker(ctx context.Context, cfg *config.Config, logger observability.Logger) (presence.Tracker, error) {
	if cfg.Redis.Addr == "" {
		logger.Info("Using in-memory presence tracker", nil)
		return presence.NewMemoryTracker(cfg.Session.PresenceTTL), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return presence.NewRedisTracker(client, cfg.Session.PresenceTTL, logger), nil
}

func newPolicy(cfg config.SessionConfig) collaboration.Policy {
	var policy collaboration.Policy
	switch cfg.ConflictPolicy {
	case "timestamp":
		policy = collaboration.TimestampPolicy{}
	default:
		policy = collaboration.TheirsWinPolicy{}
	}
	if cfg.RecordConflicts {
		policy = collaboration.NewRecordingPolicy(policy)
	}
	return policy
}

// startSessionHandler starts (or joins) the live session for a document.
// POST {"document_id": "...", "user_id": "..."}.
func startSessionHandler(manager *services.SessionManager, logger observability.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			DocumentID string `json:"document_id"`
			UserID     string `json:"user_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DocumentID == "" || req.UserID == "" {
			http.Error(w, "document_id and user_id required", http.StatusBadRequest)
			return
		}

		session, err := manager.Start(r.Context(), req.DocumentID, req.UserID)
		if err != nil {
			logger.Warn("Session start failed", map[string]interface{}{
				"document_id": req.DocumentID,
				"error":       err.Error(),
			})
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(session.Info())
	}
}

// presenceHandler lists live participants for a document.
// GET /presence?document_id=...
func presenceHandler(tracker presence.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		documentID := r.URL.Query().Get("document_id")
		if documentID == "" {
			http.Error(w, "document_id required", http.StatusBadRequest)
			return
		}
		records, err := tracker.ListByDocument(r.Context(), documentID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(records)
	}
}
