package dto

import (
	"encoding/json"

	"github.com/harry-school/offline-sync/internal/models"
)

// EnqueueRequest queues one offline mutation.
type EnqueueRequest struct {
	Type     models.RecordType `json:"type" binding:"required"`
	Priority models.Priority   `json:"priority"`
	Payload  json.RawMessage   `json:"payload" binding:"required"`
}

// QueueQuery mirrors supported queue listing filters.
type QueueQuery struct {
	Status []models.SyncStatus
	Type   models.RecordType
	Limit  int
}

// MarkAttendanceRequest records a mark taken on the device.
type MarkAttendanceRequest struct {
	StudentID    string                  `json:"studentId" binding:"required"`
	ClassID      string                  `json:"classId" binding:"required"`
	Date         string                  `json:"date" binding:"required"`
	Status       models.AttendanceStatus `json:"status" binding:"required"`
	TeacherID    string                  `json:"teacherId"`
	Notes        string                  `json:"notes"`
	PrayerTime   bool                    `json:"prayerTime"`
	IslamicEvent bool                    `json:"islamicEvent"`
}

// ToRecord converts the request into a mark; an empty teacher falls back to actorID.
func (r MarkAttendanceRequest) ToRecord(actorID string) models.AttendanceRecord {
	teacher := r.TeacherID
	if teacher == "" {
		teacher = actorID
	}
	return models.AttendanceRecord{
		StudentID:    r.StudentID,
		ClassID:      r.ClassID,
		Date:         r.Date,
		Status:       r.Status,
		TeacherID:    teacher,
		Notes:        r.Notes,
		PrayerTime:   r.PrayerTime,
		IslamicEvent: r.IslamicEvent,
	}
}

// ResolveConflictRequest picks the surviving side of a conflict.
type ResolveConflictRequest struct {
	Choice models.ConflictSide `json:"choice" binding:"required"`
}

// InvalidateCacheRequest drops cached entries. All bumps the cache version;
// otherwise Prefix selects the entries to drop.
type InvalidateCacheRequest struct {
	Cache  string `json:"cache" binding:"required"`
	Prefix string `json:"prefix"`
	All    bool   `json:"all"`
}

// CountResponse reports how many rows an operation touched.
type CountResponse struct {
	Affected int64 `json:"affected"`
}

// HealthResponse is returned by the liveness and readiness probes.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}
