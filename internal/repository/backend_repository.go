package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/harry-school/offline-sync/internal/models"
)

// BackendRepository issues writes and reads against the hosted school database.
type BackendRepository struct {
	db *sqlx.DB
}

// NewBackendRepository constructs the repository.
func NewBackendRepository(db *sqlx.DB) *BackendRepository {
	return &BackendRepository{db: db}
}

// Ping checks that the backend answers.
func (r *BackendRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// upsert renders an INSERT .. ON CONFLICT statement honouring the resolution mode:
// overwrite replaces every non-key column, merge keeps existing values where the
// new one is NULL, skip leaves an existing row untouched. The id column is only
// written on insert.
func upsert(table string, columns, keys []string, mode models.ConflictResolution) string {
	placeholders := make([]string, len(columns))
	for i, col := range columns {
		placeholders[i] = ":" + col
	}
	builder := strings.Builder{}
	fmt.Fprintf(&builder, "INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) ",
		table, strings.Join(columns, ", "), strings.Join(placeholders, ", "), strings.Join(keys, ", "))

	if mode == models.ResolutionSkip {
		builder.WriteString("DO NOTHING")
		return builder.String()
	}

	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}
	sets := make([]string, 0, len(columns))
	for _, col := range columns {
		if isKey[col] || col == "id" {
			continue
		}
		if mode == models.ResolutionMerge {
			sets = append(sets, fmt.Sprintf("%s = COALESCE(EXCLUDED.%s, %s.%s)", col, col, table, col))
		} else {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
		}
	}
	sets = append(sets, "updated_at = NOW()")
	builder.WriteString("DO UPDATE SET ")
	builder.WriteString(strings.Join(sets, ", "))
	return builder.String()
}

var (
	attendanceColumns  = []string{"student_id", "class_id", "date", "status", "teacher_id", "notes", "prayer_time", "islamic_event"}
	attendanceKeys     = []string{"student_id", "class_id", "date"}
	performanceColumns = []string{"student_id", "class_id", "date", "subject", "score", "participation", "comment", "teacher_id"}
	performanceKeys    = []string{"student_id", "class_id", "date", "subject"}
	noteColumns        = []string{"student_id", "teacher_id", "date", "category", "content", "private"}
	noteKeys           = []string{"student_id", "teacher_id", "date", "category"}
	recordColumns      = []string{"id", "student_id", "class_id", "date", "status", "teacher_id", "marked_at", "notes", "prayer_time", "islamic_event"}
)

// UpsertAttendance writes a queued attendance mutation to the attendance table.
func (r *BackendRepository) UpsertAttendance(ctx context.Context, p models.AttendancePayload, mode models.ConflictResolution) error {
	if _, err := r.db.NamedExecContext(ctx, upsert("attendance", attendanceColumns, attendanceKeys, mode), p); err != nil {
		return fmt.Errorf("upsert attendance: %w", err)
	}
	return nil
}

// UpsertPerformance writes a queued performance update to student_performance.
func (r *BackendRepository) UpsertPerformance(ctx context.Context, p models.PerformancePayload, mode models.ConflictResolution) error {
	if _, err := r.db.NamedExecContext(ctx, upsert("student_performance", performanceColumns, performanceKeys, mode), p); err != nil {
		return fmt.Errorf("upsert student performance: %w", err)
	}
	return nil
}

// UpsertNote writes a queued note to teacher_notes.
func (r *BackendRepository) UpsertNote(ctx context.Context, p models.NotePayload, mode models.ConflictResolution) error {
	if _, err := r.db.NamedExecContext(ctx, upsert("teacher_notes", noteColumns, noteKeys, mode), p); err != nil {
		return fmt.Errorf("upsert teacher note: %w", err)
	}
	return nil
}

// UpsertAttendanceRecord pushes a locally marked record to attendance_records.
func (r *BackendRepository) UpsertAttendanceRecord(ctx context.Context, rec models.AttendanceRecord) error {
	if _, err := r.db.NamedExecContext(ctx, upsert("attendance_records", recordColumns, attendanceKeys, models.ResolutionOverwrite), rec); err != nil {
		return fmt.Errorf("upsert attendance record: %w", err)
	}
	return nil
}

// GetAttendanceRecord loads the server copy of a mark.
func (r *BackendRepository) GetAttendanceRecord(ctx context.Context, studentID, classID, date string) (*models.AttendanceRecord, error) {
	const query = `SELECT id, student_id, class_id, date, status, teacher_id, marked_at, notes, prayer_time, islamic_event
	FROM attendance_records WHERE student_id = $1 AND class_id = $2 AND date = $3`
	var rec models.AttendanceRecord
	if err := r.db.GetContext(ctx, &rec, query, studentID, classID, date); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ClassAttendanceCounts groups a class's marks for a day by status.
func (r *BackendRepository) ClassAttendanceCounts(ctx context.Context, classID string, date time.Time) ([]models.StatusCount, error) {
	const query = `SELECT status, COUNT(*) AS count FROM attendance_records
	WHERE class_id = $1 AND date = $2 GROUP BY status ORDER BY status`
	var counts []models.StatusCount
	if err := r.db.SelectContext(ctx, &counts, query, classID, date.Format("2006-01-02")); err != nil {
		return nil, fmt.Errorf("class attendance counts: %w", err)
	}
	return counts, nil
}

// TeacherDayCounts groups what a teacher marked on a day.
func (r *BackendRepository) TeacherDayCounts(ctx context.Context, teacherID string, date time.Time) ([]models.StatusCount, int, error) {
	day := date.Format("2006-01-02")
	const countsQuery = `SELECT status, COUNT(*) AS count FROM attendance_records
	WHERE teacher_id = $1 AND date = $2 GROUP BY status ORDER BY status`
	var counts []models.StatusCount
	if err := r.db.SelectContext(ctx, &counts, countsQuery, teacherID, day); err != nil {
		return nil, 0, fmt.Errorf("teacher attendance counts: %w", err)
	}
	const classesQuery = `SELECT COUNT(DISTINCT class_id) FROM attendance_records WHERE teacher_id = $1 AND date = $2`
	var classes int
	if err := r.db.GetContext(ctx, &classes, classesQuery, teacherID, day); err != nil {
		return nil, 0, fmt.Errorf("teacher classes marked: %w", err)
	}
	return counts, classes, nil
}

// TeacherNotesCount counts notes written by a teacher on a day.
func (r *BackendRepository) TeacherNotesCount(ctx context.Context, teacherID string, date time.Time) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM teacher_notes WHERE teacher_id = $1 AND date = $2`,
		teacherID, date.Format("2006-01-02")); err != nil {
		return 0, fmt.Errorf("teacher notes count: %w", err)
	}
	return n, nil
}
