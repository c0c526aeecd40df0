package models

import (
	"strings"
	"time"
)

// AttendanceStatus is a student's daily mark.
type AttendanceStatus string

const (
	AttendanceStatusPresent         AttendanceStatus = "present"
	AttendanceStatusAbsent          AttendanceStatus = "absent"
	AttendanceStatusLate            AttendanceStatus = "late"
	AttendanceStatusExcused         AttendanceStatus = "excused"
	AttendanceStatusSick            AttendanceStatus = "sick"
	AttendanceStatusFamilyEmergency AttendanceStatus = "family_emergency"
	AttendanceStatusIslamicEvent    AttendanceStatus = "islamic_event"
)

var attendancePriority = map[AttendanceStatus]int{
	AttendanceStatusIslamicEvent:    5,
	AttendanceStatusFamilyEmergency: 4,
	AttendanceStatusSick:            3,
	AttendanceStatusExcused:         2,
	AttendanceStatusLate:            1,
	AttendanceStatusAbsent:          1,
	AttendanceStatusPresent:         0,
}

// Valid returns true when the status is a supported value.
func (s AttendanceStatus) Valid() bool {
	_, ok := attendancePriority[s]
	return ok
}

// Priority ranks statuses for conflict resolution; unknown statuses rank -1.
func (s AttendanceStatus) Priority() int {
	if p, ok := attendancePriority[s]; ok {
		return p
	}
	return -1
}

// AttendanceRecord is a per-student daily attendance mark.
type AttendanceRecord struct {
	ID           string           `db:"id" json:"id"`
	StudentID    string           `db:"student_id" json:"studentId" validate:"required"`
	ClassID      string           `db:"class_id" json:"classId" validate:"required"`
	Date         string           `db:"date" json:"date" validate:"required,datetime=2006-01-02"`
	Status       AttendanceStatus `db:"status" json:"status" validate:"required,oneof=present absent late excused sick family_emergency islamic_event"`
	TeacherID    string           `db:"teacher_id" json:"teacherId" validate:"required"`
	MarkedAt     time.Time        `db:"marked_at" json:"markedAt"`
	Notes        string           `db:"notes" json:"notes,omitempty"`
	PrayerTime   bool             `db:"prayer_time" json:"prayerTime,omitempty"`
	IslamicEvent bool             `db:"islamic_event" json:"islamicEvent,omitempty"`
}

// IdentityKey returns the (student, class, date) identity of the mark.
func (r AttendanceRecord) IdentityKey() string {
	return strings.Join([]string{r.StudentID, r.ClassID, r.Date}, "|")
}

// AttendanceSyncState tracks a locally marked record.
type AttendanceSyncState string

const (
	AttendanceStatePendingSync      AttendanceSyncState = "pending_sync"
	AttendanceStateSynced           AttendanceSyncState = "synced"
	AttendanceStateConflictDetected AttendanceSyncState = "conflict_detected"
	AttendanceStateResolved         AttendanceSyncState = "resolved"
	AttendanceStateSyncFailed       AttendanceSyncState = "sync_failed"
)

// Syncable reports whether the state should be pushed to the backend.
func (s AttendanceSyncState) Syncable() bool {
	return s == AttendanceStatePendingSync || s == AttendanceStateResolved
}

// PendingAttendance is the local copy of a mark not yet confirmed by the backend.
type PendingAttendance struct {
	AttendanceRecord
	IdentityKey string              `db:"identity_key" json:"identityKey"`
	SyncState   AttendanceSyncState `db:"sync_state" json:"syncState"`
	RetryCount  int                 `db:"retry_count" json:"retryCount"`
	LastError   string              `db:"last_error" json:"lastError,omitempty"`
	UpdatedAt   time.Time           `db:"updated_at" json:"updatedAt"`
}

// AttendanceSyncResult reports one attendance sync pass.
type AttendanceSyncResult struct {
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// ClassAttendanceSummary counts marks per status for one class and day.
type ClassAttendanceSummary struct {
	ClassID string                   `json:"classId"`
	Date    string                   `json:"date"`
	Total   int                      `json:"total"`
	Counts  map[AttendanceStatus]int `json:"counts"`
	Rate    float64                  `json:"rate"`
}

// StatusCount is one row of a grouped attendance count.
type StatusCount struct {
	Status AttendanceStatus `db:"status"`
	Count  int              `db:"count"`
}

// TeacherOverview aggregates what a teacher marked on a day.
type TeacherOverview struct {
	TeacherID      string                   `json:"teacherId"`
	Date           string                   `json:"date"`
	ClassesMarked  int                      `json:"classesMarked"`
	StudentsMarked int                      `json:"studentsMarked"`
	Counts         map[AttendanceStatus]int `json:"counts"`
	NotesWritten   int                      `json:"notesWritten"`
}
