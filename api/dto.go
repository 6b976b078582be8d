/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

FIELD CONVENTIONS:
  The ingest row schema mirrors what the external tracker poller emits:
  camelCase keys, ISO-8601 timestamps, hours as JSON numbers. Optional
  numeric fields are pointers so "absent" and "zero" stay distinguishable
  on the wire.

SEE ALSO:
  - handlers.go: Uses these types
  - report: domain types these map onto
*/
package api

// =============================================================================
// INGEST
// =============================================================================

// IngestRequest is the batch posted by the external sync poller.
type IngestRequest struct {
	Source      string         `json:"source"`
	SyncedAtUTC string         `json:"syncedAtUtc,omitempty"` // defaults to now
	Rows        []IngestRowDTO `json:"rows"`
}

// IngestRowDTO is one observed task state.
type IngestRowDTO struct {
	TaskID        int64    `json:"taskId"`
	Title         string   `json:"title"`
	ChangedDate   string   `json:"changedDate,omitempty"` // falls back to syncedAtUtc
	Activity      string   `json:"activity,omitempty"`
	AssignedTo    string   `json:"assignedTo,omitempty"`
	AssignedToUPN string   `json:"assignedToUPN,omitempty"`
	ActualHours   *float64 `json:"actualHours,omitempty"`
	ParentID      *int64   `json:"parentId,omitempty"`
	ParentType    string   `json:"parentType,omitempty"`
	ParentTitle   string   `json:"parentTitle,omitempty"`
	AccountCode   *int64   `json:"accountCode,omitempty"`
}

// IngestResponse acknowledges a stored run.
type IngestResponse struct {
	RunID    int64  `json:"runId"`
	RunAt    string `json:"runAt"`
	RowCount int    `json:"rowCount"`
}

// =============================================================================
// REPORTS
// =============================================================================

// SummaryRowDTO is one (bucket, assignee, account code) rollup row.
type SummaryRowDTO struct {
	Bucket        string  `json:"bucket"`
	AssignedTo    string  `json:"assignedTo"`
	AssignedToUPN string  `json:"assignedToUPN"`
	AccountCode   *int64  `json:"accountCode"`
	Hours         float64 `json:"hours"`
}

// EntryDTO is one in-range observed change with display fields joined from
// the latest projection.
type EntryDTO struct {
	TaskID        int64   `json:"taskId"`
	Title         string  `json:"title"`
	ChangedDate   string  `json:"changedDate"`
	Activity      string  `json:"activity"`
	AssignedTo    string  `json:"assignedTo"`
	AssignedToUPN string  `json:"assignedToUPN"`
	PreviousHours float64 `json:"previousHours"`
	ActualHours   float64 `json:"actualHours"`
	DeltaHours    float64 `json:"deltaHours"`
	ParentID      *int64  `json:"parentId"`
	ParentType    string  `json:"parentType,omitempty"`
	ParentTitle   string  `json:"parentTitle,omitempty"`
	AccountCode   *int64  `json:"accountCode"`
}

// EntriesResponse wraps the paginated entries feed.
type EntriesResponse struct {
	Entries []EntryDTO `json:"entries"`
	Limit   int        `json:"limit"`
	Offset  int        `json:"offset"`
	Total   int        `json:"total"`
}

// RunDTO is one ingest run for the ops view.
type RunDTO struct {
	ID        int64  `json:"id"`
	RunAt     string `json:"runAt"`
	Source    string `json:"source"`
	ItemCount int    `json:"itemCount"`
}

// ConfigDTO exposes presentation-layer settings. Read-only.
type ConfigDTO struct {
	WorkItemURLTemplate   string `json:"workItemUrlTemplate"`
	TimezoneOffsetMinutes int    `json:"timezoneOffsetMinutes"`
	TimezoneLabel         string `json:"timezoneLabel"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
