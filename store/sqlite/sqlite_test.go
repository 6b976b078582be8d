package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracklight/hours-engine/report"
	"github.com/tracklight/hours-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func hours(h float64) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: decimal.NewFromFloat(h), Valid: true}
}

func taskRow(taskID int64, changedAt string, h float64) sqlite.TaskState {
	return sqlite.TaskState{
		TaskID:        taskID,
		Title:         "Implement widget",
		ChangedAt:     ts(changedAt),
		Activity:      "Development",
		AssignedTo:    "Ada Lovelace",
		AssignedToUPN: "ada@example.com",
		ActualHours:   hours(h),
		ParentID:      900,
		ParentType:    "User Story",
		ParentTitle:   "Widget epic",
		AccountCode:   4100,
	}
}

func ingest(t *testing.T, store *sqlite.Store, syncedAt string, rows ...sqlite.TaskState) sqlite.RunResult {
	t.Helper()
	res, err := store.IngestBatch(context.Background(), sqlite.Batch{
		Source:   "tracker-poller",
		SyncedAt: ts(syncedAt),
		Rows:     rows,
	})
	require.NoError(t, err)
	return res
}

// =============================================================================
// INGEST TRANSACTION
// =============================================================================

func TestIngestBatch_EmptyBatchRejected(t *testing.T) {
	store := newTestStore(t)

	_, err := store.IngestBatch(context.Background(), sqlite.Batch{Source: "poller"})
	require.ErrorIs(t, err, sqlite.ErrEmptyBatch)

	runs, err := store.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, runs, "rejected batch must leave no run row")
}

func TestIngestBatch_WritesRunProjectionAndLedger(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	res := ingest(t, store, "2024-01-10T12:00:00Z",
		taskRow(1, "2024-01-09T10:00:00Z", 4),
		taskRow(2, "2024-01-10T11:00:00Z", 2),
	)
	assert.Equal(t, 2, res.RowCount)
	assert.Equal(t, ts("2024-01-10T12:00:00Z"), res.RunAt)

	runs, err := store.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, res.RunID, runs[0].ID)
	assert.Equal(t, "tracker-poller", runs[0].Source)
	assert.Equal(t, 2, runs[0].ItemCount)

	obs, err := store.LoadWindow(ctx, ts("2024-01-01T00:00:00Z"), ts("2024-02-01T00:00:00Z"))
	require.NoError(t, err)
	require.Len(t, obs, 2)

	latest, err := store.GetLatest(ctx, []int64{1, 2})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "Implement widget", latest[1].Title)
	assert.Equal(t, int64(4100), latest[1].AccountCode)
}

func TestIngestBatch_IdempotentReplay(t *testing.T) {
	// GIVEN: A batch already ingested
	// WHEN: The identical batch is posted again
	// THEN: Stored content is unchanged aside from a new run row

	store := newTestStore(t)
	ctx := context.Background()

	rows := []sqlite.TaskState{
		taskRow(1, "2024-01-09T10:00:00Z", 4),
		taskRow(1, "2024-01-10T09:00:00Z", 6),
	}
	ingest(t, store, "2024-01-10T12:00:00Z", rows...)
	ingest(t, store, "2024-01-10T12:05:00Z", rows...)

	runs, err := store.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	obs, err := store.LoadWindow(ctx, ts("2024-01-01T00:00:00Z"), ts("2024-02-01T00:00:00Z"))
	require.NoError(t, err)
	require.Len(t, obs, 2, "replay must not duplicate ledger rows")

	latest, err := store.GetLatest(ctx, []int64{1})
	require.NoError(t, err)
	require.True(t, latest[1].ActualHours.Valid)
	assert.True(t, latest[1].ActualHours.Decimal.Equal(decimal.NewFromInt(6)))
	assert.Equal(t, ts("2024-01-10T09:00:00Z"), latest[1].ChangedAt)
}

func TestIngestBatch_OutOfOrderBatchCannotRegressProjection(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ingest(t, store, "2024-01-10T12:00:00Z", taskRow(1, "2024-01-10T09:00:00Z", 6))
	// A late batch carrying an older observation of the same task.
	ingest(t, store, "2024-01-10T12:30:00Z", taskRow(1, "2024-01-08T09:00:00Z", 3))

	latest, err := store.GetLatest(ctx, []int64{1})
	require.NoError(t, err)
	assert.Equal(t, ts("2024-01-10T09:00:00Z"), latest[1].ChangedAt,
		"projection must keep the newer observation")
	assert.True(t, latest[1].ActualHours.Decimal.Equal(decimal.NewFromInt(6)))

	// The ledger still records the older observation as its own entry.
	obs, err := store.LoadWindow(ctx, ts("2024-01-01T00:00:00Z"), ts("2024-02-01T00:00:00Z"))
	require.NoError(t, err)
	assert.Len(t, obs, 2)
}

func TestIngestBatch_SameKeyCorrectedInPlace(t *testing.T) {
	// Re-ingesting the same (task, changedAt) with different hours must
	// update the existing ledger row, not append a duplicate.

	store := newTestStore(t)
	ctx := context.Background()

	ingest(t, store, "2024-01-10T12:00:00Z", taskRow(1, "2024-01-09T10:00:00Z", 4))
	second := ingest(t, store, "2024-01-11T12:00:00Z", taskRow(1, "2024-01-09T10:00:00Z", 4.5))

	obs, err := store.LoadWindow(ctx, ts("2024-01-01T00:00:00Z"), ts("2024-02-01T00:00:00Z"))
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.True(t, obs[0].Hours.Equal(decimal.NewFromFloat(4.5)))
	assert.Equal(t, second.RunID, obs[0].RunID)
}

func TestIngestBatch_DedupesWithinBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stale := taskRow(1, "2024-01-09T10:00:00Z", 3)
	corrected := taskRow(1, "2024-01-09T10:00:00Z", 5) // same key, later in batch
	newer := taskRow(1, "2024-01-10T10:00:00Z", 7)

	ingest(t, store, "2024-01-10T12:00:00Z", stale, corrected, newer)

	obs, err := store.LoadWindow(ctx, ts("2024-01-01T00:00:00Z"), ts("2024-02-01T00:00:00Z"))
	require.NoError(t, err)
	require.Len(t, obs, 2)

	latest, err := store.GetLatest(ctx, []int64{1})
	require.NoError(t, err)
	assert.True(t, latest[1].ActualHours.Decimal.Equal(decimal.NewFromInt(7)),
		"projection keeps the row with the latest changed time")
}

func TestIngestBatch_DefaultsAndNulls(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	row := sqlite.TaskState{
		TaskID:        1,
		Title:         "Untracked task",
		AssignedTo:    "Grace Hopper",
		AssignedToUPN: "grace@example.com",
		// No ChangedAt, no hours, no parent, no account code.
	}
	res := ingest(t, store, "2024-01-10T12:00:00Z", row)

	obs, err := store.LoadWindow(ctx, ts("2024-01-01T00:00:00Z"), ts("2024-02-01T00:00:00Z"))
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, res.RunAt, obs[0].ChangedAt, "missing changed time falls back to the run time")
	assert.True(t, obs[0].Hours.IsZero(), "missing hours read back as zero")
	assert.Zero(t, obs[0].AccountCode)

	latest, err := store.GetLatest(ctx, []int64{1})
	require.NoError(t, err)
	assert.False(t, latest[1].ActualHours.Valid)
}

// =============================================================================
// WINDOW LOADING
// =============================================================================

func TestLoadWindow_AnchorPlusInRangeOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ingest(t, store, "2024-01-20T12:00:00Z",
		taskRow(1, "2024-01-02T10:00:00Z", 1), // older history, not the anchor
		taskRow(1, "2024-01-08T10:00:00Z", 4), // anchor
		taskRow(1, "2024-01-12T10:00:00Z", 6), // in range
		taskRow(1, "2024-01-25T10:00:00Z", 9), // past the window
	)

	obs, err := store.LoadWindow(ctx, ts("2024-01-10T00:00:00Z"), ts("2024-01-20T00:00:00Z"))
	require.NoError(t, err)
	require.Len(t, obs, 2)

	entries := report.ComputeDeltaEntries(obs,
		report.Range{From: ts("2024-01-10T00:00:00Z"), To: ts("2024-01-20T00:00:00Z")})
	require.Len(t, entries, 1)
	assert.True(t, entries[0].PreviousHours.Equal(decimal.NewFromInt(4)))
	assert.True(t, entries[0].DeltaHours.Equal(decimal.NewFromInt(2)))
}

func TestLoadWindow_SubSecondOrderingSurvivesRoundTrip(t *testing.T) {
	// Millisecond timestamps must stay comparable as stored strings.
	store := newTestStore(t)
	ctx := context.Background()

	ingest(t, store, "2024-01-10T12:00:00Z",
		taskRow(1, "2024-01-09T10:00:00.500Z", 4),
		taskRow(1, "2024-01-09T10:00:01Z", 5),
	)

	obs, err := store.LoadWindow(ctx, ts("2024-01-09T00:00:00Z"), ts("2024-01-10T00:00:00Z"))
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.True(t, obs[0].ChangedAt.Before(obs[1].ChangedAt))
}

func TestReset_ClearsAllTables(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ingest(t, store, "2024-01-10T12:00:00Z", taskRow(1, "2024-01-09T10:00:00Z", 4))
	require.NoError(t, store.Reset(ctx))

	runs, err := store.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, runs)

	obs, err := store.LoadWindow(ctx, ts("2024-01-01T00:00:00Z"), ts("2024-02-01T00:00:00Z"))
	require.NoError(t, err)
	assert.Empty(t, obs)
}
