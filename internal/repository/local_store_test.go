package repository

import (
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/harry-school/offline-sync/internal/models"
	"github.com/harry-school/offline-sync/pkg/database"
)

func newLocalStore(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := database.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func queueRecord(id, key string, priority models.Priority, createdAt time.Time) *models.QueueRecord {
	return &models.QueueRecord{
		ID:                 id,
		Type:               models.RecordTypeAttendance,
		ConflictKey:        key,
		Payload:            []byte(`{"student_id":"S1"}`),
		Priority:           priority,
		CreatedAt:          createdAt,
		MaxRetries:         3,
		SyncStatus:         models.SyncStatusPending,
		ConflictResolution: models.ResolutionOverwrite,
		Validation:         models.ValidationValid,
		NextAttemptAt:      createdAt,
	}
}
