package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/harry-school/offline-sync/internal/models"
	"github.com/harry-school/offline-sync/internal/repository"
	"github.com/harry-school/offline-sync/pkg/config"
	appErrors "github.com/harry-school/offline-sync/pkg/errors"
)

type queueStore interface {
	Insert(ctx context.Context, record *models.QueueRecord) ([]string, error)
	GetByID(ctx context.Context, id string) (*models.QueueRecord, error)
	List(ctx context.Context, filter models.QueueFilter) ([]models.QueueRecord, error)
	Candidates(ctx context.Context) ([]models.QueueRecord, error)
	MarkSyncing(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, retryCount int, lastErr string, nextAttempt time.Time) error
	ResetInFlight(ctx context.Context) (int64, error)
	ResetFailed(ctx context.Context, now time.Time) (int64, error)
	Delete(ctx context.Context, id string) error
	DeleteExhausted(ctx context.Context) ([]models.QueueRecord, error)
	Clear(ctx context.Context) (int64, error)
	Counts(ctx context.Context) ([]repository.QueueCount, error)
}

// RecordSyncer delivers one queued record to the backend.
type RecordSyncer interface {
	Sync(ctx context.Context, record models.QueueRecord) error
}

// ConnectivityChecker reports whether the backend is reachable.
type ConnectivityChecker interface {
	Online() bool
}

// OfflineQueueService buffers mutations made while offline and drains them in
// priority order once the backend is reachable.
type OfflineQueueService struct {
	store     queueStore
	syncer    RecordSyncer
	validator *PayloadValidator
	network   ConnectivityChecker
	metrics   *MetricsService
	logger    *zap.Logger

	budgets    map[models.Priority]int
	backoffMin time.Duration
	backoffMax time.Duration
	now        func() time.Time
	newID      func() string

	processing     atomic.Bool
	syncedTotal    atomic.Uint64
	droppedTotal   atomic.Uint64
	failedAttempts atomic.Uint64

	mu            sync.Mutex
	lastProcessed *time.Time
	runCtx        context.Context
	stopped       bool
	background    sync.WaitGroup
}

// OfflineQueueOption configures the service.
type OfflineQueueOption func(*OfflineQueueService)

// WithQueueClock overrides the time source.
func WithQueueClock(now func() time.Time) OfflineQueueOption {
	return func(s *OfflineQueueService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithQueueIDGenerator overrides record id generation.
func WithQueueIDGenerator(fn func() string) OfflineQueueOption {
	return func(s *OfflineQueueService) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewOfflineQueueService constructs the queue service.
func NewOfflineQueueService(
	store queueStore,
	syncer RecordSyncer,
	validator *PayloadValidator,
	network ConnectivityChecker,
	cfg config.QueueConfig,
	metrics *MetricsService,
	logger *zap.Logger,
	opts ...OfflineQueueOption,
) *OfflineQueueService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validator == nil {
		validator = NewPayloadValidator(nil)
	}
	svc := &OfflineQueueService{
		store:     store,
		syncer:    syncer,
		validator: validator,
		network:   network,
		metrics:   metrics,
		logger:    logger,
		budgets: map[models.Priority]int{
			models.PriorityHigh:   positiveOr(cfg.RetryHigh, 5),
			models.PriorityMedium: positiveOr(cfg.RetryMedium, 3),
			models.PriorityLow:    positiveOr(cfg.RetryLow, 2),
		},
		backoffMin: cfg.BackoffMin,
		backoffMax: cfg.BackoffMax,
		now:        time.Now,
		newID:      uuid.NewString,
		runCtx:     context.Background(),
	}
	if svc.backoffMin <= 0 {
		svc.backoffMin = time.Second
	}
	if svc.backoffMax < svc.backoffMin {
		svc.backoffMax = svc.backoffMin
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// AddToQueue validates and persists a mutation, superseding any queued record with
// the same conflict key. It returns once the record is committed.
func (s *OfflineQueueService) AddToQueue(ctx context.Context, recordType models.RecordType, payload json.RawMessage, priority models.Priority) (*models.QueueRecord, error) {
	if !recordType.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "type must be one of attendance, performance, note")
	}
	if priority == "" {
		priority = models.PriorityMedium
	}
	budget, ok := s.budgets[priority]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, "priority must be one of high, medium, low")
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	inspection := s.validator.Inspect(recordType, payload)
	now := s.now().UTC()
	record := &models.QueueRecord{
		ID:                 s.newID(),
		Type:               recordType,
		ConflictKey:        inspection.ConflictKey,
		Payload:            append(json.RawMessage(nil), payload...),
		Priority:           priority,
		PriorityRank:       priority.Rank(),
		CreatedAt:          now,
		MaxRetries:         budget,
		SyncStatus:         models.SyncStatusPending,
		ConflictResolution: models.ResolutionFor(recordType),
		Validation:         inspection.Validation,
		ValidationErrors:   strings.Join(inspection.Issues, "; "),
		NextAttemptAt:      now,
	}
	if record.ConflictKey == "" {
		record.ConflictKey = string(recordType) + ":" + record.ID
	}

	evicted, err := s.store.Insert(ctx, record)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist queue record")
	}

	fields := []zap.Field{
		zap.String("id", record.ID),
		zap.String("type", string(record.Type)),
		zap.String("conflict_key", record.ConflictKey),
		zap.String("priority", string(record.Priority)),
	}
	if len(evicted) > 0 {
		s.logger.Debug("superseded queued records", append(fields, zap.Strings("evicted", evicted))...)
	}
	switch record.Validation {
	case models.ValidationInvalid:
		s.metrics.RecordQueueOutcome(string(record.Type), OutcomeInvalid)
		s.logger.Warn("queued invalid record", append(fields, zap.String("issues", record.ValidationErrors))...)
	case models.ValidationWarning:
		s.logger.Info("queued record with warnings", append(fields, zap.String("issues", record.ValidationErrors))...)
	default:
		s.logger.Debug("queued record", fields...)
	}
	s.refreshDepth(ctx)
	return record, nil
}

// ProcessPendingQueue runs one drain pass. Only one pass runs at a time; a
// concurrent call gets ErrQueueBusy. Per-record failures are counted, not returned.
func (s *OfflineQueueService) ProcessPendingQueue(ctx context.Context) (*models.QueueProcessResult, error) {
	if s.network != nil && !s.network.Online() {
		return nil, appErrors.ErrOffline
	}
	if !s.processing.CompareAndSwap(false, true) {
		return nil, appErrors.ErrQueueBusy
	}
	defer s.processing.Store(false)

	started := s.now().UTC()
	result := &models.QueueProcessResult{StartedAt: started}

	dropped, err := s.store.DeleteExhausted(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to purge exhausted records")
	}
	for _, rec := range dropped {
		s.droppedTotal.Add(1)
		s.metrics.RecordQueueOutcome(string(rec.Type), OutcomeDropped)
		s.logger.Warn("dropped record after exhausting retries",
			zap.String("id", rec.ID),
			zap.String("type", string(rec.Type)),
			zap.Int("retries", rec.RetryCount),
			zap.String("last_error", rec.LastError))
	}
	result.Dropped = len(dropped)

	candidates, err := s.store.Candidates(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load queue")
	}
	ready := make([]models.QueueRecord, 0, len(candidates))
	for _, rec := range candidates {
		if rec.Eligible(started) {
			ready = append(ready, rec)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority.Rank() != ready[j].Priority.Rank() {
			return ready[i].Priority.Rank() > ready[j].Priority.Rank()
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})

	for _, rec := range ready {
		if ctx.Err() != nil {
			break
		}
		result.Attempted++
		if s.deliver(ctx, rec) {
			result.Synced++
		} else {
			result.Failed++
		}
	}

	result.Remaining = s.refreshDepth(ctx)
	result.Duration = s.now().Sub(started).String()
	finished := s.now().UTC()
	s.mu.Lock()
	s.lastProcessed = &finished
	s.mu.Unlock()

	s.logger.Info("queue drain finished",
		zap.Int("attempted", result.Attempted),
		zap.Int("synced", result.Synced),
		zap.Int("failed", result.Failed),
		zap.Int("dropped", result.Dropped),
		zap.Int("remaining", result.Remaining))
	return result, nil
}

func (s *OfflineQueueService) deliver(ctx context.Context, rec models.QueueRecord) bool {
	if err := s.store.MarkSyncing(ctx, rec.ID); err != nil {
		s.logger.Warn("mark syncing failed", zap.String("id", rec.ID), zap.Error(err))
		return false
	}

	syncErr := s.syncer.Sync(ctx, rec)
	if syncErr == nil {
		if err := s.store.Delete(ctx, rec.ID); err != nil && !errors.Is(err, sql.ErrNoRows) {
			s.logger.Error("remove synced record failed", zap.String("id", rec.ID), zap.Error(err))
		}
		s.syncedTotal.Add(1)
		s.metrics.RecordQueueOutcome(string(rec.Type), OutcomeSynced)
		return true
	}

	if errors.Is(syncErr, appErrors.ErrInvalidRecord) {
		if err := s.store.Delete(ctx, rec.ID); err != nil && !errors.Is(err, sql.ErrNoRows) {
			s.logger.Error("remove invalid record failed", zap.String("id", rec.ID), zap.Error(err))
		}
		s.droppedTotal.Add(1)
		s.metrics.RecordQueueOutcome(string(rec.Type), OutcomeInvalid)
		s.logger.Warn("dropped unwritable record",
			zap.String("id", rec.ID),
			zap.String("type", string(rec.Type)),
			zap.Error(syncErr))
		return false
	}

	retries := rec.RetryCount + 1
	if retries > rec.MaxRetries {
		retries = rec.MaxRetries
	}
	next := s.now().UTC().Add(s.backoff(retries))
	if err := s.store.MarkFailed(ctx, rec.ID, retries, syncErr.Error(), next); err != nil {
		s.logger.Error("record failure not persisted", zap.String("id", rec.ID), zap.Error(err))
	}
	s.failedAttempts.Add(1)
	s.metrics.RecordQueueOutcome(string(rec.Type), OutcomeFailed)
	s.logger.Warn("record sync failed",
		zap.String("id", rec.ID),
		zap.String("type", string(rec.Type)),
		zap.Int("retry", retries),
		zap.Int("max_retries", rec.MaxRetries),
		zap.Error(syncErr))
	return false
}

// backoff doubles from the minimum per attempt, capped at the maximum.
func (s *OfflineQueueService) backoff(attempt int) time.Duration {
	d := s.backoffMin
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.backoffMax {
			return s.backoffMax
		}
	}
	return d
}

// Stats combines persisted counts with counters kept since start.
func (s *OfflineQueueService) Stats(ctx context.Context) (*models.QueueStats, error) {
	counts, err := s.store.Counts(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count queue")
	}
	stats := &models.QueueStats{
		ByStatus:       make(map[models.SyncStatus]int),
		ByType:         make(map[models.RecordType]int),
		ByPriority:     make(map[models.Priority]int),
		ByValidation:   make(map[models.Validation]int),
		SyncedTotal:    s.syncedTotal.Load(),
		DroppedTotal:   s.droppedTotal.Load(),
		FailedAttempts: s.failedAttempts.Load(),
		Processing:     s.processing.Load(),
	}
	for _, c := range counts {
		stats.Total += c.Count
		stats.ByStatus[c.SyncStatus] += c.Count
		stats.ByType[c.Type] += c.Count
		stats.ByPriority[c.Priority] += c.Count
		stats.ByValidation[c.Validation] += c.Count
	}
	s.mu.Lock()
	stats.LastProcessedAt = s.lastProcessed
	s.mu.Unlock()
	return stats, nil
}

// List returns queued records in drain order.
func (s *OfflineQueueService) List(ctx context.Context, filter models.QueueFilter) ([]models.QueueRecord, error) {
	records, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list queue")
	}
	return records, nil
}

// Get returns one queued record.
func (s *OfflineQueueService) Get(ctx context.Context, id string) (*models.QueueRecord, error) {
	record, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "queue record not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load queue record")
	}
	return record, nil
}

// Remove discards a queued record without syncing it.
func (s *OfflineQueueService) Remove(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "queue record not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to remove queue record")
	}
	s.refreshDepth(ctx)
	return nil
}

// Clear discards every queued record.
func (s *OfflineQueueService) Clear(ctx context.Context) (int64, error) {
	n, err := s.store.Clear(ctx)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to clear queue")
	}
	s.logger.Info("queue cleared", zap.Int64("records", n))
	s.metrics.SetQueueDepth(0)
	return n, nil
}

// RetryFailed gives failed records a fresh budget and makes them due now.
func (s *OfflineQueueService) RetryFailed(ctx context.Context) (int64, error) {
	n, err := s.store.ResetFailed(ctx, s.now())
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reset failed records")
	}
	s.logger.Info("failed records reset", zap.Int64("records", n))
	return n, nil
}

// OnNetworkChange drains the queue in the background when connectivity returns.
// Drains run under the context given to Run and are not started once it is done.
func (s *OfflineQueueService) OnNetworkChange(online bool) {
	if !online {
		return
	}
	s.mu.Lock()
	ctx := s.runCtx
	if s.stopped || ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.background.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.background.Done()
		s.drain(ctx, "reconnect")
	}()
}

// Recover returns records stranded in syncing by an interrupted pass to pending.
func (s *OfflineQueueService) Recover(ctx context.Context) error {
	n, err := s.store.ResetInFlight(ctx)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to recover in-flight records")
	}
	if n > 0 {
		s.logger.Info("recovered in-flight records", zap.Int64("records", n))
	}
	s.refreshDepth(ctx)
	return nil
}

// Run recovers interrupted work and drains on every interval until ctx is done.
func (s *OfflineQueueService) Run(ctx context.Context, interval time.Duration) {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()
	if err := s.Recover(ctx); err != nil {
		s.logger.Error("queue recovery failed", zap.Error(err))
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.stopped = true
			s.mu.Unlock()
			s.background.Wait()
			return
		case <-ticker.C:
			s.drain(ctx, "interval")
		}
	}
}

func (s *OfflineQueueService) drain(ctx context.Context, trigger string) {
	_, err := s.ProcessPendingQueue(ctx)
	switch {
	case err == nil:
	case errors.Is(err, appErrors.ErrQueueBusy), errors.Is(err, appErrors.ErrOffline):
		s.logger.Debug("queue drain skipped", zap.String("trigger", trigger), zap.Error(err))
	default:
		s.logger.Error("queue drain failed", zap.String("trigger", trigger), zap.Error(err))
	}
}

func (s *OfflineQueueService) refreshDepth(ctx context.Context) int {
	counts, err := s.store.Counts(ctx)
	if err != nil {
		s.logger.Debug("queue depth unavailable", zap.Error(err))
		return 0
	}
	total := 0
	for _, c := range counts {
		total += c.Count
	}
	s.metrics.SetQueueDepth(total)
	return total
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
