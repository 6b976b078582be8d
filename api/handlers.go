/*
handlers.go - HTTP API handlers for the hours mirror

PURPOSE:
  Exposes ingest and reporting over REST. Handles HTTP request/response,
  JSON serialization, and delegates to the report engine and store.

ENDPOINTS:
  POST /api/sync                Ingest one sync batch (shared-secret header)
  GET  /api/report/summary      Bucketed delta rollup (JSON)
  GET  /api/report/entries      Raw per-change feed, paginated
  GET  /api/report/export.csv   Rollup as CSV download
  GET  /api/runs                Recent ingest runs
  GET  /api/config              Presentation settings (read-only)

REQUEST FLOW:
  1. Parse and validate HTTP input
  2. Load the observation window from the store
  3. Run the pure report engine
  4. Serialize response

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors (bad dates, empty batch, bad numbers)
  - 401: Missing/incorrect sync secret
  - 500: Persistence errors (the ingest transaction has rolled back)

SECURITY NOTE:
  When no ingest secret is configured the sync endpoint is open. That is a
  deliberate default for local setups; deployments set SYNC_SECRET.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - report: the delta reconstruction engine
*/
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tracklight/hours-engine/report"
	"github.com/tracklight/hours-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

const (
	defaultEntriesLimit = 200
	maxEntriesLimit     = 1000
	syncSecretHeader    = "X-Sync-Secret"
)

// Config is the immutable handler configuration, resolved once at startup
// and threaded in here rather than read from globals.
type Config struct {
	IngestSecret        string // empty leaves the sync endpoint open
	WorkItemURLTemplate string
	Timezone            report.Timezone
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store  *sqlite.Store
	Config Config
}

// NewHandler creates a new handler with the given store and configuration.
func NewHandler(store *sqlite.Store, cfg Config) *Handler {
	if cfg.Timezone.Label == "" {
		cfg.Timezone.Label = "UTC"
	}
	return &Handler{Store: store, Config: cfg}
}

// =============================================================================
// INGEST
// =============================================================================

// Sync stores one batch from the external tracker poller.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, "Invalid or missing sync secret", nil)
		return
	}

	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if len(req.Rows) == 0 {
		writeError(w, http.StatusBadRequest, "Batch has no rows", nil)
		return
	}

	batch := sqlite.Batch{Source: req.Source}

	if req.SyncedAtUTC != "" {
		syncedAt, err := time.Parse(time.RFC3339, req.SyncedAtUTC)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid syncedAtUtc timestamp", err)
			return
		}
		batch.SyncedAt = syncedAt
	}

	for i, row := range req.Rows {
		state, err := toTaskState(row)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid row %d", i), err)
			return
		}
		batch.Rows = append(batch.Rows, state)
	}

	res, err := h.Store.IngestBatch(r.Context(), batch)
	if err != nil {
		if errors.Is(err, sqlite.ErrEmptyBatch) {
			writeError(w, http.StatusBadRequest, "Batch has no rows", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to store batch", err)
		return
	}

	writeJSON(w, http.StatusCreated, IngestResponse{
		RunID:    res.RunID,
		RunAt:    res.RunAt.Format(time.RFC3339),
		RowCount: res.RowCount,
	})
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.Config.IngestSecret == "" {
		return true
	}
	got := r.Header.Get(syncSecretHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.Config.IngestSecret)) == 1
}

func toTaskState(row IngestRowDTO) (sqlite.TaskState, error) {
	state := sqlite.TaskState{
		TaskID:        row.TaskID,
		Title:         row.Title,
		Activity:      row.Activity,
		AssignedTo:    row.AssignedTo,
		AssignedToUPN: row.AssignedToUPN,
		ParentType:    row.ParentType,
		ParentTitle:   row.ParentTitle,
	}
	if row.TaskID <= 0 {
		return state, fmt.Errorf("taskId must be a positive integer")
	}
	if row.ChangedDate != "" {
		changedAt, err := time.Parse(time.RFC3339, row.ChangedDate)
		if err != nil {
			return state, fmt.Errorf("invalid changedDate: %w", err)
		}
		state.ChangedAt = changedAt
	}
	if row.ActualHours != nil {
		state.ActualHours = decimalFromFloat(*row.ActualHours)
	}
	if row.ParentID != nil {
		state.ParentID = *row.ParentID
	}
	if row.AccountCode != nil {
		state.AccountCode = *row.AccountCode
	}
	return state, nil
}

// =============================================================================
// REPORT QUERIES
// =============================================================================

// reportQuery is the validated parameter set shared by summary, entries
// and export.
type reportQuery struct {
	Range   report.Range
	Unit    report.BucketUnit
	Filters report.Filters
}

func (h *Handler) parseReportQuery(r *http.Request) (reportQuery, error) {
	q := r.URL.Query()

	rng, err := h.Config.Timezone.ResolveRange(q.Get("from"), q.Get("to"))
	if err != nil {
		return reportQuery{}, err
	}

	unit, err := report.ParseBucketUnit(q.Get("bucket"))
	if err != nil {
		return reportQuery{}, err
	}

	filters := report.Filters{AssignedToUPN: q.Get("assignedToUPN")}
	if raw := q.Get("accountCode"); raw != "" {
		code, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return reportQuery{}, fmt.Errorf("invalid accountCode %q", raw)
		}
		filters.AccountCode = code
	}

	return reportQuery{Range: rng, Unit: unit, Filters: filters}, nil
}

// Summary returns delta hours summed per (bucket, assignee, account code).
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	query, err := h.parseReportQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}

	rows, err := h.computeSummary(r, query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute summary", err)
		return
	}

	dtos := make([]SummaryRowDTO, len(rows))
	for i, row := range rows {
		hours, _ := row.Hours.Float64()
		dtos[i] = SummaryRowDTO{
			Bucket:        h.Config.Timezone.FormatBucket(row.Bucket),
			AssignedTo:    row.AssignedTo,
			AssignedToUPN: row.AssignedToUPN,
			AccountCode:   optionalInt64(row.AccountCode),
			Hours:         hours,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ExportCSV serves the same rows as Summary, serialized as CSV. Rows are
// fully computed before the first body byte is written, so a failure never
// produces a truncated file.
func (h *Handler) ExportCSV(w http.ResponseWriter, r *http.Request) {
	query, err := h.parseReportQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}

	rows, err := h.computeSummary(r, query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute export", err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="hours-export.csv"`)
	report.WriteSummaryCSV(w, rows, h.Config.Timezone)
}

func (h *Handler) computeSummary(r *http.Request, query reportQuery) ([]report.SummaryRow, error) {
	obs, err := h.Store.LoadWindow(r.Context(), query.Range.From, query.Range.To)
	if err != nil {
		return nil, err
	}
	return report.ComputeDeltaReport(obs, query.Range, query.Unit, h.Config.Timezone, query.Filters), nil
}

// Entries returns the raw per-change feed for the window, paginated.
func (h *Handler) Entries(w http.ResponseWriter, r *http.Request) {
	query, err := h.parseReportQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}

	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid pagination", err)
		return
	}

	obs, err := h.Store.LoadWindow(r.Context(), query.Range.From, query.Range.To)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load entries", err)
		return
	}

	var entries []report.Entry
	for _, e := range report.ComputeDeltaEntries(obs, query.Range) {
		if query.Filters.Match(e.Observation) {
			entries = append(entries, e)
		}
	}

	total := len(entries)
	page := paginate(entries, limit, offset)

	taskIDs := make([]int64, 0, len(page))
	seen := make(map[int64]bool)
	for _, e := range page {
		if !seen[e.TaskID] {
			seen[e.TaskID] = true
			taskIDs = append(taskIDs, e.TaskID)
		}
	}
	latest, err := h.Store.GetLatest(r.Context(), taskIDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load task details", err)
		return
	}

	dtos := make([]EntryDTO, len(page))
	for i, e := range page {
		prev, _ := e.PreviousHours.Float64()
		actual, _ := e.Hours.Float64()
		delta, _ := e.DeltaHours.Float64()
		dto := EntryDTO{
			TaskID:        e.TaskID,
			ChangedDate:   e.ChangedAt.Format(time.RFC3339),
			Activity:      e.Activity,
			AssignedTo:    e.AssignedTo,
			AssignedToUPN: e.AssignedToUPN,
			PreviousHours: prev,
			ActualHours:   actual,
			DeltaHours:    delta,
			ParentID:      optionalInt64(e.ParentID),
			AccountCode:   optionalInt64(e.AccountCode),
		}
		if l, ok := latest[e.TaskID]; ok {
			dto.Title = l.Title
			dto.ParentType = l.ParentType
			dto.ParentTitle = l.ParentTitle
		}
		dtos[i] = dto
	}

	writeJSON(w, http.StatusOK, EntriesResponse{
		Entries: dtos,
		Limit:   limit,
		Offset:  offset,
		Total:   total,
	})
}

func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = defaultEntriesLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return 0, 0, fmt.Errorf("invalid limit %q", raw)
		}
	}
	if limit > maxEntriesLimit {
		limit = maxEntriesLimit
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("invalid offset %q", raw)
		}
	}
	return limit, offset, nil
}

func paginate(entries []report.Entry, limit, offset int) []report.Entry {
	if offset >= len(entries) {
		return nil
	}
	end := offset + limit
	if end > len(entries) {
		end = len(entries)
	}
	return entries[offset:end]
}

// =============================================================================
// OPS & CONFIG
// =============================================================================

// ListRuns returns the most recent ingest runs.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Store.ListRuns(r.Context(), 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list runs", err)
		return
	}

	dtos := make([]RunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = RunDTO{
			ID:        run.ID,
			RunAt:     run.RunAt.Format(time.RFC3339),
			Source:    run.Source,
			ItemCount: run.ItemCount,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetConfig exposes presentation settings to the dashboard.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ConfigDTO{
		WorkItemURLTemplate:   h.Config.WorkItemURLTemplate,
		TimezoneOffsetMinutes: h.Config.Timezone.OffsetMinutes,
		TimezoneLabel:         h.Config.Timezone.Label,
	})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func optionalInt64(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}

func decimalFromFloat(v float64) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: decimal.NewFromFloat(v), Valid: true}
}
