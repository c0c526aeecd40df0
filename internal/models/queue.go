package models

import (
	"encoding/json"
	"time"
)

// RecordType identifies the kind of offline mutation.
type RecordType string

const (
	RecordTypeAttendance  RecordType = "attendance"
	RecordTypePerformance RecordType = "performance"
	RecordTypeNote        RecordType = "note"
)

// Valid returns true when the type is a supported value.
func (t RecordType) Valid() bool {
	switch t {
	case RecordTypeAttendance, RecordTypePerformance, RecordTypeNote:
		return true
	default:
		return false
	}
}

// Priority orders queue draining.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns a sortable weight; higher drains first. Unknown priorities rank 0.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// SyncStatus tracks a queue record through delivery.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
	SyncStatusSynced  SyncStatus = "synced"
)

// ConflictResolution decides how the backend write treats an existing row.
type ConflictResolution string

const (
	ResolutionOverwrite ConflictResolution = "overwrite"
	ResolutionMerge     ConflictResolution = "merge"
	ResolutionSkip      ConflictResolution = "skip"
)

// ResolutionFor returns the fixed resolution mode of a record type.
func ResolutionFor(t RecordType) ConflictResolution {
	if t == RecordTypePerformance {
		return ResolutionMerge
	}
	return ResolutionOverwrite
}

// Validation is the verdict computed when a record is queued.
type Validation string

const (
	ValidationValid   Validation = "valid"
	ValidationInvalid Validation = "invalid"
	ValidationWarning Validation = "warning"
)

// QueueRecord is one offline mutation awaiting delivery.
type QueueRecord struct {
	ID                 string             `db:"id" json:"id"`
	Type               RecordType         `db:"type" json:"type"`
	ConflictKey        string             `db:"conflict_key" json:"conflictKey"`
	Payload            json.RawMessage    `db:"payload" json:"payload"`
	Priority           Priority           `db:"priority" json:"priority"`
	PriorityRank       int                `db:"priority_rank" json:"-"`
	CreatedAt          time.Time          `db:"created_at" json:"createdAt"`
	RetryCount         int                `db:"retry_count" json:"retryCount"`
	MaxRetries         int                `db:"max_retries" json:"maxRetries"`
	SyncStatus         SyncStatus         `db:"sync_status" json:"syncStatus"`
	ConflictResolution ConflictResolution `db:"conflict_resolution" json:"conflictResolution"`
	Validation         Validation         `db:"validation" json:"validation"`
	ValidationErrors   string             `db:"validation_errors" json:"validationErrors,omitempty"`
	LastError          string             `db:"last_error" json:"lastError,omitempty"`
	NextAttemptAt      time.Time          `db:"next_attempt_at" json:"nextAttemptAt"`
}

// Exhausted reports whether the retry budget is used up.
func (r QueueRecord) Exhausted() bool {
	return r.RetryCount >= r.MaxRetries
}

// Eligible reports whether the record may be attempted at now.
func (r QueueRecord) Eligible(now time.Time) bool {
	if r.Validation == ValidationInvalid || r.Exhausted() {
		return false
	}
	if r.SyncStatus != SyncStatusPending && r.SyncStatus != SyncStatusFailed {
		return false
	}
	return !r.NextAttemptAt.After(now)
}

// QueueFilter constrains queue listings.
type QueueFilter struct {
	Status []SyncStatus
	Type   RecordType
	Limit  int
}

// QueueStats summarises the persisted queue plus process-lifetime counters.
type QueueStats struct {
	Total           int                `json:"total"`
	ByStatus        map[SyncStatus]int `json:"byStatus"`
	ByType          map[RecordType]int `json:"byType"`
	ByPriority      map[Priority]int   `json:"byPriority"`
	ByValidation    map[Validation]int `json:"byValidation"`
	SyncedTotal     uint64             `json:"syncedTotal"`
	DroppedTotal    uint64             `json:"droppedTotal"`
	FailedAttempts  uint64             `json:"failedAttempts"`
	Processing      bool               `json:"processing"`
	LastProcessedAt *time.Time         `json:"lastProcessedAt,omitempty"`
}

// QueueProcessResult reports one drain pass.
type QueueProcessResult struct {
	Attempted int       `json:"attempted"`
	Synced    int       `json:"synced"`
	Failed    int       `json:"failed"`
	Dropped   int       `json:"dropped"`
	Remaining int       `json:"remaining"`
	StartedAt time.Time `json:"startedAt"`
	Duration  string    `json:"duration"`
}
