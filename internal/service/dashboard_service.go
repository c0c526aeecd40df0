package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/harry-school/offline-sync/internal/models"
	appErrors "github.com/harry-school/offline-sync/pkg/errors"
)

type dashboardBackend interface {
	ClassAttendanceCounts(ctx context.Context, classID string, date time.Time) ([]models.StatusCount, error)
	TeacherDayCounts(ctx context.Context, teacherID string, date time.Time) ([]models.StatusCount, int, error)
	TeacherNotesCount(ctx context.Context, teacherID string, date time.Time) (int, error)
}

type swrCache interface {
	GetOrFetch(ctx context.Context, key string, dest interface{}, fetch FetchFunc) error
	InvalidatePrefix(ctx context.Context, prefix string) error
}

// ClassAttendanceKeyPrefix prefixes every cached summary of a class.
func ClassAttendanceKeyPrefix(classID string) string {
	return "attendance:" + classID + ":"
}

// TeacherOverviewKeyPrefix prefixes every cached overview of a teacher.
func TeacherOverviewKeyPrefix(teacherID string) string {
	return "teacher:" + teacherID + ":"
}

// DashboardService serves attendance summaries from the backend through the caches.
type DashboardService struct {
	backend   dashboardBackend
	dashboard swrCache
	strategic swrCache
	logger    *zap.Logger
}

// NewDashboardService constructs the dashboard service. Class summaries use the
// dashboard cache; teacher overviews use the strategic cache.
func NewDashboardService(backend dashboardBackend, dashboard, strategic swrCache, logger *zap.Logger) *DashboardService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DashboardService{backend: backend, dashboard: dashboard, strategic: strategic, logger: logger}
}

// ClassAttendance summarises marks for a class on a day.
func (s *DashboardService) ClassAttendance(ctx context.Context, classID string, date time.Time) (*models.ClassAttendanceSummary, error) {
	if strings.TrimSpace(classID) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "classId is required")
	}
	day := date.Format("2006-01-02")
	key := ClassAttendanceKeyPrefix(classID) + day

	var summary models.ClassAttendanceSummary
	err := s.dashboard.GetOrFetch(ctx, key, &summary, func(ctx context.Context) (interface{}, error) {
		counts, err := s.backend.ClassAttendanceCounts(ctx, classID, date)
		if err != nil {
			return nil, err
		}
		out := models.ClassAttendanceSummary{ClassID: classID, Date: day, Counts: tally(counts)}
		for _, c := range counts {
			out.Total += c.Count
		}
		if out.Total > 0 {
			attended := out.Counts[models.AttendanceStatusPresent] + out.Counts[models.AttendanceStatusLate]
			out.Rate = float64(attended) / float64(out.Total)
		}
		return out, nil
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load class attendance")
	}
	return &summary, nil
}

// TeacherOverview aggregates what a teacher recorded on a day.
func (s *DashboardService) TeacherOverview(ctx context.Context, teacherID string, date time.Time) (*models.TeacherOverview, error) {
	if strings.TrimSpace(teacherID) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "teacherId is required")
	}
	day := date.Format("2006-01-02")
	key := TeacherOverviewKeyPrefix(teacherID) + day

	var overview models.TeacherOverview
	err := s.strategic.GetOrFetch(ctx, key, &overview, func(ctx context.Context) (interface{}, error) {
		counts, classes, err := s.backend.TeacherDayCounts(ctx, teacherID, date)
		if err != nil {
			return nil, err
		}
		notes, err := s.backend.TeacherNotesCount(ctx, teacherID, date)
		if err != nil {
			return nil, err
		}
		out := models.TeacherOverview{
			TeacherID:     teacherID,
			Date:          day,
			ClassesMarked: classes,
			Counts:        tally(counts),
			NotesWritten:  notes,
		}
		for _, c := range counts {
			out.StudentsMarked += c.Count
		}
		return out, nil
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load teacher overview")
	}
	return &overview, nil
}

type changedAttendance struct {
	ClassID   string `json:"class_id"`
	TeacherID string `json:"teacher_id"`
}

// HandleChange drops cached summaries touched by a change feed event.
func (s *DashboardService) HandleChange(ctx context.Context, event ChangeEvent) error {
	targets := make(map[string]swrCache)
	for _, raw := range []json.RawMessage{event.Record, event.OldRecord} {
		if len(raw) == 0 {
			continue
		}
		var row changedAttendance
		if err := json.Unmarshal(raw, &row); err != nil {
			return fmt.Errorf("decode changed attendance: %w", err)
		}
		if row.ClassID != "" {
			targets[ClassAttendanceKeyPrefix(row.ClassID)] = s.dashboard
		}
		if row.TeacherID != "" {
			targets[TeacherOverviewKeyPrefix(row.TeacherID)] = s.strategic
		}
	}
	for prefix, cache := range targets {
		if err := cache.InvalidatePrefix(ctx, prefix); err != nil {
			s.logger.Warn("invalidate after change failed", zap.String("prefix", prefix), zap.Error(err))
		}
	}
	return nil
}

func tally(counts []models.StatusCount) map[models.AttendanceStatus]int {
	out := make(map[models.AttendanceStatus]int, len(counts))
	for _, c := range counts {
		out[c.Status] += c.Count
	}
	return out
}
