package service

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/harry-school/offline-sync/internal/models"
	appErrors "github.com/harry-school/offline-sync/pkg/errors"
)

type backendWriter interface {
	UpsertAttendance(ctx context.Context, p models.AttendancePayload, mode models.ConflictResolution) error
	UpsertPerformance(ctx context.Context, p models.PerformancePayload, mode models.ConflictResolution) error
	UpsertNote(ctx context.Context, p models.NotePayload, mode models.ConflictResolution) error
}

// PrefixInvalidator drops cached entries under a key prefix.
type PrefixInvalidator interface {
	InvalidatePrefix(ctx context.Context, prefix string) error
}

// BackendSyncer routes queued records to their backend table.
type BackendSyncer struct {
	backend     backendWriter
	invalidates []PrefixInvalidator
	logger      *zap.Logger
}

// NewBackendSyncer constructs the syncer. Caches passed in are invalidated for the
// affected class or teacher after each successful write.
func NewBackendSyncer(backend backendWriter, logger *zap.Logger, invalidates ...PrefixInvalidator) *BackendSyncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BackendSyncer{backend: backend, invalidates: invalidates, logger: logger}
}

// Sync writes the record using its conflict resolution mode.
func (s *BackendSyncer) Sync(ctx context.Context, record models.QueueRecord) error {
	mode := record.ConflictResolution
	if mode == "" {
		mode = models.ResolutionFor(record.Type)
	}

	var prefixes []string
	switch record.Type {
	case models.RecordTypeAttendance:
		var p models.AttendancePayload
		if err := json.Unmarshal(record.Payload, &p); err != nil {
			return invalidRecord(record, err)
		}
		if err := s.backend.UpsertAttendance(ctx, p, mode); err != nil {
			return err
		}
		prefixes = []string{ClassAttendanceKeyPrefix(p.ClassID), TeacherOverviewKeyPrefix(p.TeacherID)}
	case models.RecordTypePerformance:
		var p models.PerformancePayload
		if err := json.Unmarshal(record.Payload, &p); err != nil {
			return invalidRecord(record, err)
		}
		if err := s.backend.UpsertPerformance(ctx, p, mode); err != nil {
			return err
		}
	case models.RecordTypeNote:
		var p models.NotePayload
		if err := json.Unmarshal(record.Payload, &p); err != nil {
			return invalidRecord(record, err)
		}
		if err := s.backend.UpsertNote(ctx, p, mode); err != nil {
			return err
		}
		prefixes = []string{TeacherOverviewKeyPrefix(p.TeacherID)}
	default:
		return invalidRecord(record, fmt.Errorf("unsupported record type %q", record.Type))
	}

	for _, prefix := range prefixes {
		for _, cache := range s.invalidates {
			if err := cache.InvalidatePrefix(ctx, prefix); err != nil {
				s.logger.Warn("cache invalidation after sync failed", zap.String("prefix", prefix), zap.Error(err))
			}
		}
	}
	return nil
}

// invalidRecord marks a record that can never be written, however often it is retried.
func invalidRecord(record models.QueueRecord, err error) error {
	return appErrors.Wrap(err, appErrors.ErrInvalidRecord.Code, appErrors.ErrInvalidRecord.Status,
		fmt.Sprintf("%s record %s is not writable", record.Type, record.ID))
}
