package report

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DELTA RECONSTRUCTION
// =============================================================================
//
// The ledger holds cumulative counters; the report wants increments. For a
// window [From, To):
//
//   1. Collapse duplicate (task, changedAt) rows, preferring the most
//      recently ingested version (highest run id, then latest snapshot).
//   2. Per task, keep the single latest observation before From (the
//      "anchor") plus every in-range observation.
//   3. Order per task by changedAt, then snapshotAt.
//   4. delta = hours - previous hours in that order. A task with no anchor
//      and no earlier history starts from an implicit zero baseline, so its
//      first observation contributes its full value. This keeps the
//      telescoping property: a task's deltas over its whole history sum to
//      its final observed hours.
//   5. Anchors supply the previous value only; they are not emitted.

// ComputeDeltaEntries reconstructs per-observation deltas for the window.
// obs must contain, for each task, its in-range observations and (when one
// exists) its latest observation before r.From; extra pre-window rows are
// tolerated and ignored. The result is ordered by changed time, then task.
func ComputeDeltaEntries(obs []Observation, r Range) []Entry {
	collapsed := collapse(obs)

	byTask := make(map[int64][]Observation)
	for _, o := range collapsed {
		byTask[o.TaskID] = append(byTask[o.TaskID], o)
	}

	var entries []Entry
	for _, rows := range byTask {
		sort.Slice(rows, func(i, j int) bool {
			if !rows[i].ChangedAt.Equal(rows[j].ChangedAt) {
				return rows[i].ChangedAt.Before(rows[j].ChangedAt)
			}
			return rows[i].SnapshotAt.Before(rows[j].SnapshotAt)
		})

		// Implicit zero baseline, replaced by the anchor when one exists.
		prev := decimal.Zero
		for _, o := range rows {
			if o.ChangedAt.Before(r.From) {
				prev = o.Hours
				continue
			}
			if !o.ChangedAt.Before(r.To) {
				continue
			}
			entries = append(entries, Entry{
				Observation:   o,
				PreviousHours: prev,
				DeltaHours:    o.Hours.Sub(prev),
			})
			prev = o.Hours
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].ChangedAt.Equal(entries[j].ChangedAt) {
			return entries[i].ChangedAt.Before(entries[j].ChangedAt)
		}
		return entries[i].TaskID < entries[j].TaskID
	})
	return entries
}

// ComputeDeltaReport is the single aggregation consumed by the JSON summary
// endpoint and the CSV export: filter reconstructed entries, bucket them in
// report-local calendar time, and sum deltas per (bucket, assignee,
// account code).
func ComputeDeltaReport(obs []Observation, r Range, unit BucketUnit, tz Timezone, f Filters) []SummaryRow {
	type groupKey struct {
		bucket  int64
		upn     string
		name    string
		account int64
	}

	totals := make(map[groupKey]decimal.Decimal)
	buckets := make(map[int64]time.Time)

	for _, e := range ComputeDeltaEntries(obs, r) {
		if !f.Match(e.Observation) {
			continue
		}
		b := tz.TruncateToBucket(e.ChangedAt, unit)
		k := groupKey{bucket: b.Unix(), upn: e.AssignedToUPN, name: e.AssignedTo, account: e.AccountCode}
		totals[k] = totals[k].Add(e.DeltaHours)
		buckets[k.bucket] = b
	}

	rows := make([]SummaryRow, 0, len(totals))
	for k, sum := range totals {
		rows = append(rows, SummaryRow{
			Bucket:        buckets[k.bucket],
			AssignedTo:    k.name,
			AssignedToUPN: k.upn,
			AccountCode:   k.account,
			Hours:         sum,
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].Bucket.Equal(rows[j].Bucket) {
			return rows[i].Bucket.Before(rows[j].Bucket)
		}
		if rows[i].AssignedTo != rows[j].AssignedTo {
			return rows[i].AssignedTo < rows[j].AssignedTo
		}
		if rows[i].AssignedToUPN != rows[j].AssignedToUPN {
			return rows[i].AssignedToUPN < rows[j].AssignedToUPN
		}
		return rows[i].AccountCode < rows[j].AccountCode
	})
	return rows
}

// collapse deduplicates by (task, changedAt). The snapshot table's primary
// key normally guarantees uniqueness already; this defends against ledgers
// written before that constraint existed.
func collapse(obs []Observation) []Observation {
	type obsKey struct {
		task      int64
		changedAt int64
	}

	best := make(map[obsKey]Observation, len(obs))
	for _, o := range obs {
		k := obsKey{task: o.TaskID, changedAt: o.ChangedAt.UnixNano()}
		cur, ok := best[k]
		if !ok || o.RunID > cur.RunID ||
			(o.RunID == cur.RunID && o.SnapshotAt.After(cur.SnapshotAt)) {
			best[k] = o
		}
	}

	out := make([]Observation, 0, len(best))
	for _, o := range best {
		out = append(out, o)
	}
	return out
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
