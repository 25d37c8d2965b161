package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"livesync/internal/api"
	"livesync/internal/config"
	"livesync/internal/db"
	"livesync/internal/engine"
	"livesync/internal/repository"
	"livesync/internal/services"
	"livesync/internal/services/collaboration"
	"livesync/internal/telemetry"
)

/*
LEARNING: GRACEFUL SHUTDOWN PATTERN WITH OBSERVABILITY

Startup order follows the dependencies: tracing, then the store (database,
repository, worker pool), then the engine, then the transports. Shutdown
runs the other way round: stop accepting requests, close sockets, let the
engine finish its background commits, and only then stop the store.
*/

// purger is implemented by repositories that soft-delete
type purger interface {
	Purge(ctx context.Context) (int64, error)
}

func main() {
	log.Println("🚀 Starting livesync server...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Initialize Jaeger tracing
	// Learning: Do this FIRST so all operations are traced
	jaegerShutdown, err := telemetry.InitJaeger("livesync", cfg.JaegerEndpoint, cfg.TraceSampleRatio)
	if err != nil {
		log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	// Initialize the object repository for the configured driver
	var repo services.ObjectRepository
	if cfg.StoreDriver == config.StoreMemory {
		repo = repository.NewMemoryObjectRepository()
		log.Println("⚠️  Using the in-memory store: objects are lost on restart")
	} else {
		database, err := db.NewGorm(cfg)
		if err != nil {
			log.Fatalf("❌ Failed to connect to database: %v", err)
		}
		defer database.Close()
		repo = repository.NewObjectRepository(database.DB)
	}

	// Initialize the store with its worker pool
	// Learning: This spawns goroutines that will run store operations concurrently
	store := services.NewObjectStore(repo, cfg.StoreWorkers, cfg.StoreQueueSize)
	store.Start()

	group := engine.NewGroup(store, cfg.EngineConfig())

	// Initialize the connection manager and WebSocket transport
	sessionManager := collaboration.NewSessionManager(group)
	sessionManager.Start()
	wsHandler := collaboration.NewWebSocketHandler(sessionManager)

	// Initialize handlers with dependency injection
	handler := api.NewHandler(group, wsHandler)
	router := api.SetupRoutes(handler, cfg.MetricsEnabled)

	// Configure HTTP server
	// Learning: ConnContext/ConnState let the engine follow keep-alive connections
	addr := cfg.Addr()
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  cfg.ClientRetention,
		ConnContext:  sessionManager.ConnContext,
		ConnState:    sessionManager.ConnState,
	}

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	if p, ok := repo.(purger); ok && cfg.StoreDriver != config.StoreMemory {
		go purgeLoop(janitorCtx, p, cfg.PurgeInterval)
	}

	// Start HTTP server in a goroutine
	// Learning: This allows us to handle shutdown signals concurrently
	go func() {
		log.Printf("🌐 Server listening on http://%s", addr)
		log.Printf("📚 API Endpoints:")
		log.Printf("   POST   /api/init     - Open a session")
		log.Printf("   POST   /api/watch    - Subscribe to a subclass")
		log.Printf("   POST   /api/unwatch  - End a subscription")
		log.Printf("   POST   /api/forget   - Drop objects from the working set")
		log.Printf("   POST   /api/sync     - Submit creations, deletions and updates")
		log.Printf("   GET    /ws           - WebSocket with server pushes")
		log.Printf("   GET    /api/health   - Health and engine stats")
		if cfg.MetricsEnabled {
			log.Printf("   GET    /metrics      - Prometheus metrics")
		}
		log.Println()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("\n🛑 Shutting down server...")

	// Learning: Give the server 30 seconds to finish existing requests
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}

	// Close every WebSocket
	sessionManager.Shutdown()

	// Let background commits land before the store goes away
	drained := make(chan struct{})
	go func() {
		group.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		log.Println("✓ Pending commits flushed")
	case <-ctx.Done():
		log.Println("⚠️  Timed out waiting for pending commits")
	}

	store.Shutdown()

	log.Println("✓ Server shutdown complete")
}

// purgeLoop hard-deletes soft-deleted rows every interval
func purgeLoop(ctx context.Context, p purger, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Purge(ctx)
			if err != nil {
				log.Printf("⚠️  Purge failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("🧹 Purged %d deleted objects", n)
			}
		}
	}
}
