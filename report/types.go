/*
Package report reconstructs incremental hour deltas from point-in-time
snapshots of a task's logged "actual hours" counter.

PURPOSE:
  The upstream tracker only exposes the current cumulative hours per task.
  The sync poller records one snapshot per observed change; this package
  turns that ledger back into per-change deltas and time-bucketed rollups.

KEY CONCEPTS IN THIS FILE (types.go):
  - Observation: one ledger row (task, effective time, observed hours)
  - Entry:       an observation plus its reconstructed previous/delta hours
  - SummaryRow:  delta hours summed per (bucket, assignee, account code)
  - Range:       half-open UTC window [From, To)
  - BucketUnit:  day/week/month calendar bucket

DESIGN PRINCIPLES:
  1. Purity: every function here is side-effect free; persistence lives in
     store/sqlite and hands observations in.
  2. Precision: hours arithmetic uses decimal.Decimal, never float64.
  3. One engine: the JSON summary, the CSV export and the entries feed all
     consume the same delta computation, so they cannot drift apart.

SEE ALSO:
  - delta.go:    the reconstruction algorithm
  - timezone.go: fixed-offset calendar alignment
  - csv.go:      RFC-4180 serialization of summary rows
*/
package report

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// OBSERVATIONS - Ledger rows as handed over by the store
// =============================================================================

// Observation is one recorded snapshot of a task's state. Hours is the
// cumulative actual-hours counter at ChangedAt, not a delta. A zero
// AccountCode or ParentID means the tracker reported none.
type Observation struct {
	TaskID        int64
	ChangedAt     time.Time // effective change time (UTC)
	SnapshotAt    time.Time // when the sync run saw it (UTC)
	RunID         int64
	AssignedTo    string // display name
	AssignedToUPN string // stable identifier
	Activity      string
	Hours         decimal.Decimal
	ParentID      int64
	AccountCode   int64
}

// Entry is an in-range observation with its reconstructed delta.
type Entry struct {
	Observation
	PreviousHours decimal.Decimal
	DeltaHours    decimal.Decimal
}

// SummaryRow is one aggregated output row. Bucket is the bucket's starting
// instant in UTC (shift back into report-local time to get the calendar
// label, see Timezone.FormatBucket).
type SummaryRow struct {
	Bucket        time.Time
	AssignedTo    string
	AssignedToUPN string
	AccountCode   int64
	Hours         decimal.Decimal
}

// =============================================================================
// QUERY PARAMETERS
// =============================================================================

// Range is a half-open UTC window [From, To).
type Range struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the window.
func (r Range) Contains(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.To)
}

// BucketUnit selects the calendar granularity of the rollup.
type BucketUnit string

const (
	BucketDay   BucketUnit = "day"
	BucketWeek  BucketUnit = "week"
	BucketMonth BucketUnit = "month"
)

// ParseBucketUnit validates a query-string bucket value. An empty string
// defaults to day.
func ParseBucketUnit(s string) (BucketUnit, error) {
	switch BucketUnit(s) {
	case "":
		return BucketDay, nil
	case BucketDay, BucketWeek, BucketMonth:
		return BucketUnit(s), nil
	default:
		return "", fmt.Errorf("invalid bucket %q (want day, week or month)", s)
	}
}

// Filters narrows report output. Zero values mean "no filter".
type Filters struct {
	AssignedToUPN string // case-insensitive substring match
	AccountCode   int64  // exact match when non-zero
}

// Match reports whether an observation passes the filters. Filtering
// happens after delta reconstruction: dropping observations beforehand
// would break the per-task previous-hours chain.
func (f Filters) Match(o Observation) bool {
	if f.AssignedToUPN != "" && !containsFold(o.AssignedToUPN, f.AssignedToUPN) {
		return false
	}
	if f.AccountCode != 0 && o.AccountCode != f.AccountCode {
		return false
	}
	return true
}
