package streak

import (
	"errors"
	"time"

	"github.com/aprendia/backend/core"
)

var (
	// errors
	ErrStateNotFound  = errors.New("streak state not found")
	ErrBucketNotFound = errors.New("weekly bucket not found")
)

// Ledger grant reasons. (userID, reason, refKey) is unique in storage: the same
// underlying cause is never credited twice, no matter how often it is replayed.
type LedgerReason string

const (
	ReasonLessonCompleted LedgerReason = "LESSON_COMPLETED"
	ReasonWeeklyGoalMet   LedgerReason = "WEEKLY_GOAL_MET"
	ReasonStreakMilestone LedgerReason = "STREAK_MILESTONE"
	ReasonBadgeEarned     LedgerReason = "BADGE_EARNED"
	ReasonRecoverySpend   LedgerReason = "STREAK_RECOVERY_SPEND"
)

// BadgeLevel is one of the seven ordered streak badge tiers.
type BadgeLevel string

const (
	BadgePrincipiante BadgeLevel = "PRINCIPIANTE"
	BadgeEstudiante   BadgeLevel = "ESTUDIANTE"
	BadgeDedicado     BadgeLevel = "DEDICADO"
	BadgeEnLlamas     BadgeLevel = "EN_LLAMAS"
	BadgeImparable    BadgeLevel = "IMPARABLE"
	BadgeMaestro      BadgeLevel = "MAESTRO"
	BadgeLeyenda      BadgeLevel = "LEYENDA"
)

type BadgeTier struct {
	Level     BadgeLevel
	Threshold int // streak weeks required
}

// BadgeLadder maps streak lengths to tiers, ascending. The thresholds are fixed
// product values, not configuration.
var BadgeLadder = []BadgeTier{
	{BadgePrincipiante, 1},
	{BadgeEstudiante, 2},
	{BadgeDedicado, 4},
	{BadgeEnLlamas, 8},
	{BadgeImparable, 12},
	{BadgeMaestro, 24},
	{BadgeLeyenda, 52},
}

// HighestBadgeFor returns the highest tier whose threshold is <= streak.
func HighestBadgeFor(streak int) (BadgeLevel, bool) {
	var lvl BadgeLevel
	var found bool
	for _, tier := range BadgeLadder {
		if tier.Threshold > streak {
			break
		}
		lvl, found = tier.Level, true
	}
	return lvl, found
}

type (
	// Completion is the recorded fact "user completed lesson at time".
	// At most one is accepted per (user, lesson); duplicates are no-ops.
	Completion struct {
		UserID      string    `json:"user_id"`
		LessonID    string    `json:"lesson_id"`
		CourseID    string    `json:"course_id"`
		CompletedAt time.Time `json:"completed_at"` // UTC
	}

	// WeeklyBucket aggregates a user's distinct completed lessons for one ISO week.
	// GoalMet is monotonic: once true it never reverts.
	WeeklyBucket struct {
		UserID           string       `json:"user_id"`
		Week             core.WeekKey `json:"week_key"`
		LessonsCompleted int          `json:"lessons_completed"`
		GoalMet          bool         `json:"goal_met"`
		GoalMetAt        *time.Time   `json:"goal_met_at,omitempty"` // UTC
	}

	// State holds the per-user streak counters plus the lazy evaluation cursor.
	// Counters only change through the evaluator or the recovery service.
	State struct {
		UserID            string       `json:"user_id"`
		CurrentStreak     int          `json:"current_streak"`
		LongestStreak     int          `json:"longest_streak"`
		LastEvaluatedWeek core.WeekKey `json:"last_evaluated_week"`
	}

	// LedgerEntry is an append-only, reason-coded point grant (or spend).
	// Balance is always derived by summation, never stored as mutable state.
	LedgerEntry struct {
		ID        string       `json:"id"`
		UserID    string       `json:"user_id"`
		Delta     int          `json:"delta"` // positive=grant, negative=spend
		Reason    LedgerReason `json:"reason"`
		RefKey    string       `json:"ref_key"`
		CreatedAt time.Time    `json:"created_at"` // UTC
	}

	Badge struct {
		UserID           string     `json:"-"`
		Level            BadgeLevel `json:"level"`
		EarnedAt         time.Time  `json:"earned_at"` // UTC
		StreakWhenEarned int        `json:"streak_when_earned"`
	}

	// RecoveryRecord marks a repaired week; a week is repaired at most once.
	RecoveryRecord struct {
		UserID      string       `json:"user_id"`
		Week        core.WeekKey `json:"week_key"`
		PointsSpent int          `json:"points_spent"`
		CreatedAt   time.Time    `json:"created_at"` // UTC
	}

	// Stats is the composed read-model consumed by the UI.
	Stats struct {
		CurrentWeekLessons int           `json:"current_week_lessons"`
		WeekProgress       string        `json:"week_progress"` // "x/G"
		GoalMet            bool          `json:"goal_met"`
		CurrentStreak      int           `json:"current_streak"`
		LongestStreak      int           `json:"longest_streak"`
		TotalPoints        int           `json:"total_points"`
		Badges             []Badge       `json:"badges"`
		CurrentBadge       *BadgeLevel   `json:"current_badge,omitempty"`
		RecoveryWeek       *core.WeekKey `json:"recovery_week,omitempty"`
		RecoveryCost       int           `json:"recovery_cost"`
		CanRecover         bool          `json:"can_recover"`
	}
)

// Inputs

type NewCompletion struct {
	UserID   string `json:"-"`
	LessonID string `json:"lesson_id" validate:"required"`
	CourseID string `json:"course_id" validate:"required"`
}

type NewRecovery struct {
	UserID  string `json:"-"`
	WeekKey string `json:"week_key" validate:"required,weekkey"`
}

// Results

type CompletionResult struct {
	Accepted          bool         `json:"accepted"`
	Week              core.WeekKey `json:"week_key"`
	JustMetWeeklyGoal bool         `json:"just_met_weekly_goal"`
	NewBadge          *BadgeLevel  `json:"new_badge,omitempty"`
}

// RecoveryFailReason is a typed precondition failure; the UI is expected to
// disable the action, not retry.
type RecoveryFailReason string

const (
	RecoveryWrongWeek          RecoveryFailReason = "wrong_week"
	RecoveryWeekAlreadyMet     RecoveryFailReason = "week_already_met"
	RecoveryAlreadyRecovered   RecoveryFailReason = "already_recovered"
	RecoveryInsufficientPoints RecoveryFailReason = "insufficient_points"
)

type RecoveryResult struct {
	Success          bool               `json:"success"`
	Reason           RecoveryFailReason `json:"reason,omitempty"`
	NewCurrentStreak int                `json:"new_current_streak,omitempty"`
}
