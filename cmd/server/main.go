/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the points engine server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load environment config, apply command-line flag overrides
  2. Initialize store (SQLite or PostgreSQL)
  3. Create allocation engine, optionally attach the Kafka publisher
  4. Configure HTTP router
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port     HTTP server port (overrides APP_PORT)
  -backend  Storage backend: sqlite or postgres (overrides POINTS_BACKEND)
  -db       SQLite database path (overrides POINTS_SQLITE_PATH)
            Use ":memory:" for an in-memory database
  -stream   Publish ledger events to Kafka (overrides STREAM_ENABLED)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close the publisher and database
  4. Exit

EXAMPLES:
  # Run with a SQLite file database
  ./server -db="./data/points.db"

  # Run against PostgreSQL with streaming on
  POINTS_POSTGRES_DSN="postgres://..." ./server -backend=postgres -stream

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - store/sqlite, store/postgres: Database implementations
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/points-engine/api"
	"github.com/warp/points-engine/config"
	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/store/postgres"
	"github.com/warp/points-engine/store/sqlite"
	"github.com/warp/points-engine/stream"
)

func main() {
	cfg := config.Load()

	// Flags override the environment.
	port := flag.Int("port", cfg.Port(), "HTTP server port")
	backend := flag.String("backend", cfg.Backend, "storage backend: sqlite or postgres")
	dbPath := flag.String("db", cfg.SQLitePath, "SQLite database path")
	streaming := flag.Bool("stream", cfg.Streaming(), "publish ledger events to Kafka")
	flag.Parse()

	ctx := context.Background()

	// Initialize store
	store, closeStore, err := openStore(ctx, *backend, *dbPath, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer closeStore()

	if err := seedPolicy(ctx, store); err != nil {
		log.Fatalf("Failed to seed default policy: %v", err)
	}

	// Initialize engine
	engine := points.NewEngine(store)

	var publisher *stream.Publisher
	if *streaming {
		publisher, err = stream.NewPublisher(ctx, stream.Options{
			Brokers:  cfg.Brokers(),
			ClientID: cfg.KafkaClientID,
			Topic:    cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("Failed to connect to Kafka: %v", err)
		}
		defer publisher.Close()
		engine.SetNotifier(publisher)
		log.Printf("Streaming ledger events to %s", cfg.KafkaTopic)
	}

	// Create router
	handler := api.NewHandler(engine, store)
	router := api.NewRouter(handler)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("🚀 Server starting on http://localhost:%d", *port)
		log.Printf("📊 API available at http://localhost:%d/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

// seedPolicy writes the default policy on first start so administrative
// updates have a versioned row to build on.
func seedPolicy(ctx context.Context, store points.TxStore) error {
	current, err := store.CurrentPolicy(ctx)
	if err != nil || current != nil {
		return err
	}
	def := points.DefaultPolicy()
	return store.SavePolicy(ctx, &def)
}

func openStore(ctx context.Context, backend, dbPath string, cfg *config.Config) (points.TxStore, func(), error) {
	switch backend {
	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		store, err := postgres.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, store.Close, nil
	case config.BackendSQLite:
		store, err := sqlite.New(dbPath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", backend)
	}
}
