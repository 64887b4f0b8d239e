/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the activity reward engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and parse environment config
  2. Initialize SQLite store
  3. Build the activity catalog (default or from CATALOG_PATH)
  4. Create API handler with dependencies
  5. Configure HTTP router
  6. Start server with graceful shutdown

ENVIRONMENT:
  PORT             HTTP server port (default: 8080)
  DB_PATH          SQLite database path (default: activities.db)
                   Use ":memory:" for an in-memory database
  JWT_SECRET       Shared secret for bearer-token verification
  ALLOWED_ORIGINS  Comma-separated CORS origins
  CATALOG_PATH     Optional JSON catalog overriding the built-in set

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/warp/activity-engine/activity"
	"github.com/warp/activity-engine/api"
	"github.com/warp/activity-engine/store/sqlite"
)

type config struct {
	Port           int      `env:"PORT" envDefault:"8080"`
	DBPath         string   `env:"DB_PATH" envDefault:"activities.db"`
	JWTSecret      string   `env:"JWT_SECRET" envDefault:"supersecret"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173,http://localhost:8080"`
	CatalogPath    string   `env:"CATALOG_PATH"`
}

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("Failed to parse config: %v", err)
	}

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Build catalog
	catalog := activity.DefaultCatalog()
	if cfg.CatalogPath != "" {
		data, err := os.ReadFile(cfg.CatalogPath)
		if err != nil {
			log.Fatalf("Failed to read catalog %s: %v", cfg.CatalogPath, err)
		}
		catalog, err = activity.ParseCatalog(data)
		if err != nil {
			log.Fatalf("Failed to parse catalog %s: %v", cfg.CatalogPath, err)
		}
	}

	// Initialize handler and router
	handler := api.NewHandler(catalog, store, activity.DefaultRules())
	auth := &api.Authenticator{Secret: []byte(cfg.JWTSecret)}
	router := api.NewRouter(handler, auth, cfg.AllowedOrigins)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("🚀 Server starting on http://localhost:%d", cfg.Port)
		log.Printf("📊 API available at http://localhost:%d/api", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
