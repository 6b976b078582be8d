/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the dashboard

ROUTE GROUPS:
  /api/sync         Ingest (POST, shared-secret)
  /api/report/*     Summary, entries, CSV export
  /api/runs         Recent ingest runs
  /api/config       Presentation settings
  /                 Minimal embedded dashboard page

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", syncSecretHeader},
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Post("/sync", h.Sync)

		r.Route("/report", func(r chi.Router) {
			r.Get("/summary", h.Summary)
			r.Get("/entries", h.Entries)
			r.Get("/export.csv", h.ExportCSV)
		})

		r.Get("/runs", h.ListRuns)
		r.Get("/config", h.GetConfig)
	})

	r.Get("/", h.Dashboard)

	return r
}

// Dashboard serves a minimal static page pointing at the API. The real
// presentation layer lives outside this service and reads /api/config.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Hours Mirror</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>Hours Mirror API</h1>
<p>Report timezone: ` + h.Config.Timezone.Label + `</p>
<h2>API Endpoints</h2>
<ul>
<li><code>GET /api/report/summary?from=2024-01-01&amp;to=2024-01-31&amp;bucket=day</code> - bucketed delta rollup</li>
<li><code>GET /api/report/entries?from=2024-01-01&amp;to=2024-01-31</code> - raw change feed</li>
<li><code>GET /api/report/export.csv?from=2024-01-01&amp;to=2024-01-31</code> - CSV download</li>
<li><a href="/api/runs">/api/runs</a> - recent sync runs</li>
<li><a href="/api/config">/api/config</a> - presentation settings</li>
</ul>
</body>
</html>`))
}
