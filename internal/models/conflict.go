package models

import "time"

// ConflictStrategy selects how attendance conflicts are settled.
type ConflictStrategy string

const (
	StrategyTeacherAuthority ConflictStrategy = "teacher_authority"
	StrategyStatusPriority   ConflictStrategy = "status_priority"
	StrategyLatestTimestamp  ConflictStrategy = "latest_timestamp"
	StrategyManual           ConflictStrategy = "manual"
)

// ParseConflictStrategy falls back to latest_timestamp for unknown input.
func ParseConflictStrategy(raw string) ConflictStrategy {
	switch s := ConflictStrategy(raw); s {
	case StrategyTeacherAuthority, StrategyStatusPriority, StrategyLatestTimestamp, StrategyManual:
		return s
	default:
		return StrategyLatestTimestamp
	}
}

// ConflictType names the field that disagrees.
type ConflictType string

const (
	ConflictTypeStatus  ConflictType = "status"
	ConflictTypeTiming  ConflictType = "timing"
	ConflictTypeTeacher ConflictType = "teacher"
)

// ConflictSide identifies which version won.
type ConflictSide string

const (
	SideLocal  ConflictSide = "local"
	SideServer ConflictSide = "server"
)

// AttendanceConflict holds both versions of a disputed mark.
type AttendanceConflict struct {
	ID          string           `json:"id"`
	IdentityKey string           `json:"identityKey"`
	Local       AttendanceRecord `json:"local"`
	Server      AttendanceRecord `json:"server"`
	Types       []ConflictType   `json:"types"`
	Strategy    ConflictStrategy `json:"strategy"`
	Winner      ConflictSide     `json:"winner,omitempty"`
	Reasoning   string           `json:"reasoning,omitempty"`
	Resolved    bool             `json:"resolved"`
	ResolvedBy  string           `json:"resolvedBy,omitempty"`
	DetectedAt  time.Time        `json:"detectedAt"`
	ResolvedAt  *time.Time       `json:"resolvedAt,omitempty"`
}

// Resolution is the outcome of applying a strategy.
type Resolution struct {
	Winner    ConflictSide
	Record    AttendanceRecord
	Reasoning string
	Deferred  bool
}
