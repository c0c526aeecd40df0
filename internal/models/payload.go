package models

import "strings"

// AttendancePayload is the queued body of an attendance mutation.
type AttendancePayload struct {
	StudentID    string           `json:"student_id" db:"student_id" validate:"required"`
	ClassID      string           `json:"class_id" db:"class_id" validate:"required"`
	Date         string           `json:"date" db:"date" validate:"required,datetime=2006-01-02"`
	Status       AttendanceStatus `json:"status" db:"status" validate:"required,oneof=present absent late excused sick family_emergency islamic_event"`
	TeacherID    string           `json:"teacher_id" db:"teacher_id" validate:"required"`
	Notes        *string          `json:"notes,omitempty" db:"notes"`
	PrayerTime   bool             `json:"prayer_time,omitempty" db:"prayer_time"`
	IslamicEvent bool             `json:"islamic_event,omitempty" db:"islamic_event"`
}

// PerformancePayload is the queued body of a student performance update. Optional
// fields are pointers so an omitted value binds NULL and merges keep the stored one.
type PerformancePayload struct {
	StudentID     string   `json:"student_id" db:"student_id" validate:"required"`
	ClassID       string   `json:"class_id" db:"class_id" validate:"required"`
	Date          string   `json:"date" db:"date" validate:"required,datetime=2006-01-02"`
	Subject       string   `json:"subject" db:"subject" validate:"required"`
	Score         *float64 `json:"score,omitempty" db:"score" validate:"omitempty,gte=0,lte=100"`
	Participation *int     `json:"participation,omitempty" db:"participation" validate:"omitempty,gte=0,lte=10"`
	Comment       *string  `json:"comment,omitempty" db:"comment"`
	TeacherID     *string  `json:"teacher_id,omitempty" db:"teacher_id"`
}

// NotePayload is the queued body of a teacher note about a student.
type NotePayload struct {
	StudentID string `json:"student_id" db:"student_id" validate:"required"`
	TeacherID string `json:"teacher_id" db:"teacher_id" validate:"required"`
	Date      string `json:"date" db:"date" validate:"required,datetime=2006-01-02"`
	Category  string `json:"category" db:"category" validate:"required,oneof=academic behavior health general"`
	Content   string `json:"content" db:"content" validate:"required"`
	Private   bool   `json:"private,omitempty" db:"private"`
}

// ConflictKey renders the identity of an attendance payload.
func (p AttendancePayload) ConflictKey() string {
	return joinKey(RecordTypeAttendance, p.StudentID, p.ClassID, p.Date)
}

// ConflictKey renders the identity of a performance payload.
func (p PerformancePayload) ConflictKey() string {
	return joinKey(RecordTypePerformance, p.StudentID, p.ClassID, p.Date, p.Subject)
}

// ConflictKey renders the identity of a note payload.
func (p NotePayload) ConflictKey() string {
	return joinKey(RecordTypeNote, p.StudentID, p.TeacherID, p.Date, p.Category)
}

func joinKey(t RecordType, parts ...string) string {
	return string(t) + ":" + strings.Join(parts, "|")
}
