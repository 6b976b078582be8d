/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the hours mirror server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Initialize SQLite store (runs embedded migrations)
  3. Create API handler with its immutable configuration
  4. Configure HTTP router
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port          HTTP server port (default: 8080)
  -db            SQLite database path (default: hours.db, ":memory:" works)
  -tz-offset     Report timezone offset in minutes east of UTC (default: 0)
  -tz-label      Report timezone label shown to clients (default: UTC)
  -workitem-url  URL template for linking tasks, {id} is substituted

ENVIRONMENT:
  SYNC_SECRET    Shared secret required on POST /api/sync. When unset the
                 ingest endpoint is open - acceptable locally, set it in
                 any real deployment.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Pacific-aligned reporting against a file database
  SYNC_SECRET=s3cret ./server -db=./data/hours.db -tz-offset=-480 -tz-label=UTC-8

SEE ALSO:
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
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

	"github.com/tracklight/hours-engine/api"
	"github.com/tracklight/hours-engine/report"
	"github.com/tracklight/hours-engine/store/sqlite"
)

func main() {
	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "hours.db", "SQLite database path")
	tzOffset := flag.Int("tz-offset", 0, "report timezone offset in minutes east of UTC")
	tzLabel := flag.String("tz-label", "UTC", "report timezone label")
	workItemURL := flag.String("workitem-url", "", "work item URL template ({id} substituted)")
	flag.Parse()

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Initialize handler
	handler := api.NewHandler(store, api.Config{
		IngestSecret:        os.Getenv("SYNC_SECRET"),
		WorkItemURLTemplate: *workItemURL,
		Timezone:            report.Timezone{OffsetMinutes: *tzOffset, Label: *tzLabel},
	})

	if handler.Config.IngestSecret == "" {
		log.Println("Warning: SYNC_SECRET not set, /api/sync is open")
	}

	// Create router
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
		log.Printf("Server starting on http://localhost:%d (report timezone %s)", *port, *tzLabel)
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
