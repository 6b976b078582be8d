/*
Package sqlite persists the actual-hours mirror.

PURPOSE:
  Implements the three tables behind the report engine. In production the
  same patterns apply to PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  runs:        one immutable row per ingest batch
  task_latest: current-value projection, one row per task
  snapshots:   append-mostly ledger, one row per (task, changed_at)

UPSERT KEYS:
  task_latest: keyed on task_id; an update is accepted only when the
  incoming changed_at is >= the stored one, so a late out-of-order batch
  cannot overwrite a newer observation.

  snapshots: keyed on (task_id, changed_at); re-ingesting the same observed
  state corrects the existing row instead of duplicating it. That makes
  whole-batch retries safe.

INGEST TRANSACTION:
  IngestBatch writes the run row, the projection and the ledger inside one
  database transaction. Any failure rolls back the lot; callers retry the
  whole batch.

TIME ENCODING:
  All times are stored as fixed-width UTC strings (millisecond precision)
  so that string comparison in SQL matches chronological order.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  reads don't block on the single writer.

MIGRATION:
  Schema is versioned with goose; embedded migrations run on New().

SEE ALSO:
  - report: the pure delta-reconstruction engine fed by LoadWindow
  - migrations.go: goose wiring
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/tracklight/hours-engine/report"
)

// ErrEmptyBatch rejects ingest calls that carry no rows.
var ErrEmptyBatch = errors.New("ingest batch has no rows")

// timeLayout is fixed-width so lexicographic order equals chronological
// order for UTC values (RFC3339Nano drops trailing zeros and breaks this).
const timeLayout = "2006-01-02T15:04:05.000Z"

// ingestChunkSize bounds multi-row statement size. Purely operational:
// chunk boundaries never affect results.
const ingestChunkSize = 100

// Store implements persistence over SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a store at the given database path and runs migrations.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A :memory: database exists per connection; keep the pool at one so
	// migrations and queries see the same database.
	if strings.Contains(dbPath, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// ROW TYPES
// =============================================================================

// TaskState is one observed task state inside an ingest batch.
type TaskState struct {
	TaskID        int64
	Title         string
	ChangedAt     time.Time // zero falls back to the run time
	Activity      string
	AssignedTo    string
	AssignedToUPN string
	ActualHours   decimal.NullDecimal
	ParentID      int64 // zero means no parent
	ParentType    string
	ParentTitle   string
	AccountCode   int64 // zero means no account code
}

// Batch is the input to IngestBatch.
type Batch struct {
	Source   string
	SyncedAt time.Time // zero defaults to now
	Rows     []TaskState
}

// RunResult identifies the run created by an ingest.
type RunResult struct {
	RunID    int64
	RunAt    time.Time
	RowCount int
}

// Run is a stored ingest batch record.
type Run struct {
	ID        int64
	RunAt     time.Time
	Source    string
	ItemCount int
}

// LatestRow is one task_latest projection row.
type LatestRow struct {
	TaskID        int64
	Title         string
	ChangedAt     time.Time
	Activity      string
	AssignedTo    string
	AssignedToUPN string
	ActualHours   decimal.NullDecimal
	ParentID      int64
	ParentType    string
	ParentTitle   string
	AccountCode   int64
	SyncedAt      time.Time
}

// =============================================================================
// INGEST TRANSACTION
// =============================================================================

// IngestBatch records one sync run atomically: run row first, then the
// projection, then the ledger. Rows are deduplicated in memory before the
// upserts because a single multi-row INSERT cannot resolve two conflicts
// against the same key.
func (s *Store) IngestBatch(ctx context.Context, b Batch) (RunResult, error) {
	if len(b.Rows) == 0 {
		return RunResult{}, ErrEmptyBatch
	}

	runAt := b.SyncedAt
	if runAt.IsZero() {
		runAt = time.Now()
	}
	runAt = runAt.UTC().Truncate(time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RunResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"INSERT INTO runs (run_at, source, item_count) VALUES (?, ?, ?)",
		formatTime(runAt), b.Source, len(b.Rows),
	)
	if err != nil {
		return RunResult{}, fmt.Errorf("failed to insert run: %w", err)
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return RunResult{}, fmt.Errorf("failed to read run id: %w", err)
	}

	rows := normalizeRows(b.Rows, runAt)

	if err := s.upsertLatest(ctx, tx, dedupeForProjection(rows), runAt); err != nil {
		return RunResult{}, err
	}
	if err := s.upsertSnapshots(ctx, tx, dedupeForLedger(rows), runID, runAt); err != nil {
		return RunResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return RunResult{}, fmt.Errorf("failed to commit ingest: %w", err)
	}

	return RunResult{RunID: runID, RunAt: runAt, RowCount: len(b.Rows)}, nil
}

// normalizeRows copies the batch, forcing times to millisecond UTC and
// substituting the run time for rows with no effective change time.
func normalizeRows(in []TaskState, runAt time.Time) []TaskState {
	rows := make([]TaskState, len(in))
	copy(rows, in)
	for i := range rows {
		if rows[i].ChangedAt.IsZero() {
			rows[i].ChangedAt = runAt
		}
		rows[i].ChangedAt = rows[i].ChangedAt.UTC().Truncate(time.Millisecond)
	}
	return rows
}

// dedupeForProjection keeps one row per task: the latest changed_at, with
// later batch position winning ties.
func dedupeForProjection(rows []TaskState) []TaskState {
	latest := make(map[int64]TaskState)
	for _, r := range rows {
		cur, ok := latest[r.TaskID]
		if !ok || !r.ChangedAt.Before(cur.ChangedAt) {
			latest[r.TaskID] = r
		}
	}

	out := make([]TaskState, 0, len(latest))
	for _, r := range latest {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// dedupeForLedger keeps one row per (task, changed_at); the last occurrence
// in the batch wins, matching the upsert's last-writer semantics.
func dedupeForLedger(rows []TaskState) []TaskState {
	type key struct {
		task    int64
		changed int64
	}
	seen := make(map[key]TaskState)
	for _, r := range rows {
		seen[key{task: r.TaskID, changed: r.ChangedAt.UnixMilli()}] = r
	}

	out := make([]TaskState, 0, len(seen))
	for _, r := range seen {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TaskID != out[j].TaskID {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].ChangedAt.Before(out[j].ChangedAt)
	})
	return out
}

func (s *Store) upsertLatest(ctx context.Context, tx *sql.Tx, rows []TaskState, runAt time.Time) error {
	const cols = 12
	for _, chunk := range chunks(rows, ingestChunkSize) {
		args := make([]any, 0, len(chunk)*cols)
		for _, r := range chunk {
			args = append(args,
				r.TaskID, r.Title, formatTime(r.ChangedAt), r.Activity,
				r.AssignedTo, r.AssignedToUPN, nullDecimal(r.ActualHours),
				nullInt64(r.ParentID), r.ParentType, r.ParentTitle,
				nullInt64(r.AccountCode), formatTime(runAt),
			)
		}

		query := `
			INSERT INTO task_latest
			(task_id, title, changed_at, activity, assigned_to, assigned_to_upn,
			 actual_hours, parent_id, parent_type, parent_title, account_code, synced_at)
			VALUES ` + valuesClause(len(chunk), cols) + `
			ON CONFLICT(task_id) DO UPDATE SET
				title = excluded.title,
				changed_at = excluded.changed_at,
				activity = excluded.activity,
				assigned_to = excluded.assigned_to,
				assigned_to_upn = excluded.assigned_to_upn,
				actual_hours = excluded.actual_hours,
				parent_id = excluded.parent_id,
				parent_type = excluded.parent_type,
				parent_title = excluded.parent_title,
				account_code = excluded.account_code,
				synced_at = excluded.synced_at
			WHERE excluded.changed_at >= task_latest.changed_at
		`

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to upsert projection: %w", err)
		}
	}
	return nil
}

func (s *Store) upsertSnapshots(ctx context.Context, tx *sql.Tx, rows []TaskState, runID int64, runAt time.Time) error {
	const cols = 10
	for _, chunk := range chunks(rows, ingestChunkSize) {
		args := make([]any, 0, len(chunk)*cols)
		for _, r := range chunk {
			args = append(args,
				runID, formatTime(runAt), r.TaskID, formatTime(r.ChangedAt),
				r.AssignedTo, r.AssignedToUPN, r.Activity,
				nullDecimal(r.ActualHours), nullInt64(r.ParentID), nullInt64(r.AccountCode),
			)
		}

		query := `
			INSERT INTO snapshots
			(run_id, snapshot_at, task_id, changed_at, assigned_to, assigned_to_upn,
			 activity, actual_hours, parent_id, account_code)
			VALUES ` + valuesClause(len(chunk), cols) + `
			ON CONFLICT(task_id, changed_at) DO UPDATE SET
				run_id = excluded.run_id,
				snapshot_at = excluded.snapshot_at,
				assigned_to = excluded.assigned_to,
				assigned_to_upn = excluded.assigned_to_upn,
				activity = excluded.activity,
				actual_hours = excluded.actual_hours,
				parent_id = excluded.parent_id,
				account_code = excluded.account_code
		`

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to upsert ledger: %w", err)
		}
	}
	return nil
}

// =============================================================================
// REPORT QUERIES
// =============================================================================

const observationCols = `s.run_id, s.snapshot_at, s.task_id, s.changed_at,
	s.assigned_to, s.assigned_to_upn, s.activity, s.actual_hours,
	s.parent_id, s.account_code`

// LoadWindow returns, per task, its latest observation strictly before
// from (the prior anchor, when one exists) plus every observation inside
// [from, to). The report engine partitions and orders them.
func (s *Store) LoadWindow(ctx context.Context, from, to time.Time) ([]report.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	anchors := `
		SELECT ` + observationCols + `
		FROM snapshots s
		JOIN (
			SELECT task_id, MAX(changed_at) AS changed_at
			FROM snapshots
			WHERE changed_at < ?
			GROUP BY task_id
		) last ON last.task_id = s.task_id AND last.changed_at = s.changed_at
	`
	obs, err := s.queryObservations(ctx, anchors, formatTime(from))
	if err != nil {
		return nil, err
	}

	inRange := `
		SELECT ` + observationCols + `
		FROM snapshots s
		WHERE s.changed_at >= ? AND s.changed_at < ?
		ORDER BY s.task_id, s.changed_at
	`
	ranged, err := s.queryObservations(ctx, inRange, formatTime(from), formatTime(to))
	if err != nil {
		return nil, err
	}

	return append(obs, ranged...), nil
}

func (s *Store) queryObservations(ctx context.Context, query string, args ...any) ([]report.Observation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []report.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanObservation(rows *sql.Rows) (report.Observation, error) {
	var (
		o                     report.Observation
		snapshotAt, changedAt string
		hours                 sql.NullString
		parentID, accountCode sql.NullInt64
	)

	err := rows.Scan(
		&o.RunID, &snapshotAt, &o.TaskID, &changedAt,
		&o.AssignedTo, &o.AssignedToUPN, &o.Activity,
		&hours, &parentID, &accountCode,
	)
	if err != nil {
		return o, fmt.Errorf("failed to scan snapshot: %w", err)
	}

	o.SnapshotAt = parseTime(snapshotAt)
	o.ChangedAt = parseTime(changedAt)
	// Missing hours count as zero everywhere in the arithmetic.
	if hours.Valid {
		o.Hours = mustDecimal(hours.String)
	}
	o.ParentID = parentID.Int64
	o.AccountCode = accountCode.Int64
	return o, nil
}

// GetLatest returns projection rows for the given tasks, keyed by task id.
// Used to join display fields (title, parent info) onto the entries feed.
func (s *Store) GetLatest(ctx context.Context, taskIDs []int64) (map[int64]LatestRow, error) {
	out := make(map[int64]LatestRow, len(taskIDs))
	if len(taskIDs) == 0 {
		return out, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(taskIDs)), ",")
	query := `
		SELECT task_id, title, changed_at, activity, assigned_to, assigned_to_upn,
		       actual_hours, parent_id, parent_type, parent_title, account_code, synced_at
		FROM task_latest
		WHERE task_id IN (` + placeholders + `)
	`

	args := make([]any, len(taskIDs))
	for i, id := range taskIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query projection: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			l                     LatestRow
			changedAt, syncedAt   string
			hours                 sql.NullString
			parentID, accountCode sql.NullInt64
		)
		if err := rows.Scan(
			&l.TaskID, &l.Title, &changedAt, &l.Activity, &l.AssignedTo,
			&l.AssignedToUPN, &hours, &parentID, &l.ParentType, &l.ParentTitle,
			&accountCode, &syncedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan projection: %w", err)
		}
		l.ChangedAt = parseTime(changedAt)
		l.SyncedAt = parseTime(syncedAt)
		if hours.Valid {
			l.ActualHours = decimal.NullDecimal{Decimal: mustDecimal(hours.String), Valid: true}
		}
		l.ParentID = parentID.Int64
		l.AccountCode = accountCode.Int64
		out[l.TaskID] = l
	}
	return out, rows.Err()
}

// ListRuns returns the most recent ingest runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, run_at, source, item_count FROM runs ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var runAt string
		if err := rows.Scan(&r.ID, &runAt, &r.Source, &r.ItemCount); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.RunAt = parseTime(runAt)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"snapshots", "task_latest", "runs"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func chunks(rows []TaskState, size int) [][]TaskState {
	var out [][]TaskState
	for len(rows) > size {
		out = append(out, rows[:size])
		rows = rows[size:]
	}
	if len(rows) > 0 {
		out = append(out, rows)
	}
	return out
}

func valuesClause(rows, cols int) string {
	row := "(" + strings.TrimSuffix(strings.Repeat("?,", cols), ",") + ")"
	return strings.TrimSuffix(strings.Repeat(row+",", rows), ",")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nullDecimal(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func nullInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
