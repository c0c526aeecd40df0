package service

import (
	"context"
	"fmt"
	"time"

	"github.com/harry-school/offline-sync/internal/models"
)

// DefaultTimingThreshold separates two marks far enough apart to be a timing conflict.
const DefaultTimingThreshold = 5 * time.Minute

// TeacherRanker ranks teachers for the teacher_authority strategy; higher wins.
type TeacherRanker interface {
	Rank(ctx context.Context, teacherID string) int
}

// TeacherRankerFunc adapts a function to TeacherRanker.
type TeacherRankerFunc func(ctx context.Context, teacherID string) int

// Rank implements TeacherRanker.
func (f TeacherRankerFunc) Rank(ctx context.Context, teacherID string) int {
	return f(ctx, teacherID)
}

// EqualRanker ranks every teacher the same until a staff hierarchy is available.
var EqualRanker TeacherRanker = TeacherRankerFunc(func(context.Context, string) int { return 0 })

// ConflictResolver compares local and server attendance marks and picks a winner.
type ConflictResolver struct {
	strategy  models.ConflictStrategy
	threshold time.Duration
	ranker    TeacherRanker
}

// NewConflictResolver constructs a resolver using strategy by default.
func NewConflictResolver(strategy models.ConflictStrategy, threshold time.Duration, ranker TeacherRanker) *ConflictResolver {
	if threshold <= 0 {
		threshold = DefaultTimingThreshold
	}
	if ranker == nil {
		ranker = EqualRanker
	}
	return &ConflictResolver{
		strategy:  models.ParseConflictStrategy(string(strategy)),
		threshold: threshold,
		ranker:    ranker,
	}
}

// Strategy returns the configured strategy.
func (r *ConflictResolver) Strategy() models.ConflictStrategy {
	return r.strategy
}

// Detect lists the ways the two versions disagree. Nil means no conflict.
func (r *ConflictResolver) Detect(local, server models.AttendanceRecord) []models.ConflictType {
	var types []models.ConflictType
	if local.Status != server.Status {
		types = append(types, models.ConflictTypeStatus)
	}
	delta := local.MarkedAt.Sub(server.MarkedAt)
	if delta < 0 {
		delta = -delta
	}
	if delta > r.threshold {
		types = append(types, models.ConflictTypeTiming)
	}
	if local.TeacherID != server.TeacherID {
		types = append(types, models.ConflictTypeTeacher)
	}
	return types
}

// Resolve applies the configured strategy.
func (r *ConflictResolver) Resolve(ctx context.Context, local, server models.AttendanceRecord) models.Resolution {
	return r.ResolveWith(ctx, r.strategy, local, server)
}

// ResolveWith applies an explicit strategy.
func (r *ConflictResolver) ResolveWith(ctx context.Context, strategy models.ConflictStrategy, local, server models.AttendanceRecord) models.Resolution {
	switch strategy {
	case models.StrategyManual:
		return models.Resolution{Deferred: true, Reasoning: "manual strategy: awaiting review"}
	case models.StrategyStatusPriority:
		lp, sp := local.Status.Priority(), server.Status.Priority()
		switch {
		case lp > sp:
			return pick(models.SideLocal, local, server,
				fmt.Sprintf("status %s (priority %d) outranks %s (priority %d)", local.Status, lp, server.Status, sp))
		case sp > lp:
			return pick(models.SideServer, server, local,
				fmt.Sprintf("status %s (priority %d) outranks %s (priority %d)", server.Status, sp, local.Status, lp))
		}
		res := latest(local, server)
		res.Reasoning = fmt.Sprintf("statuses rank equally (priority %d); %s", lp, res.Reasoning)
		return res
	case models.StrategyTeacherAuthority:
		lr, sr := r.ranker.Rank(ctx, local.TeacherID), r.ranker.Rank(ctx, server.TeacherID)
		switch {
		case lr > sr:
			return pick(models.SideLocal, local, server,
				fmt.Sprintf("teacher %s has higher authority than %s", local.TeacherID, server.TeacherID))
		case sr > lr:
			return pick(models.SideServer, server, local,
				fmt.Sprintf("teacher %s has higher authority than %s", server.TeacherID, local.TeacherID))
		}
		res := latest(local, server)
		res.Reasoning = "teachers have equal authority; " + res.Reasoning
		return res
	default:
		return latest(local, server)
	}
}

// latest keeps the newer mark; the local mark wins ties.
func latest(local, server models.AttendanceRecord) models.Resolution {
	if server.MarkedAt.After(local.MarkedAt) {
		return pick(models.SideServer, server, local,
			fmt.Sprintf("server mark at %s is newer than local mark at %s", stamp(server.MarkedAt), stamp(local.MarkedAt)))
	}
	return pick(models.SideLocal, local, server,
		fmt.Sprintf("local mark at %s is not older than server mark at %s", stamp(local.MarkedAt), stamp(server.MarkedAt)))
}

// pick returns the winner, keeping the loser's notes when the winner has none.
func pick(side models.ConflictSide, winner, loser models.AttendanceRecord, reasoning string) models.Resolution {
	merged := winner
	if merged.Notes == "" {
		merged.Notes = loser.Notes
	}
	return models.Resolution{Winner: side, Record: merged, Reasoning: reasoning}
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
