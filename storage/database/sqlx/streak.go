package sqlxrepos

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/aprendia/backend/core"
	"github.com/aprendia/backend/core/streak"
)

type streakRepository struct {
	db *sqlx.DB
}

var _ streak.Repository = (*streakRepository)(nil) // interface compliance check

func NewStreakRepository(db *sqlx.DB) *streakRepository {
	return &streakRepository{db: db}
}

func (repo streakRepository) getExec(svcExec []core.DBExecutor) core.DBExecutor {
	if len(svcExec) > 0 && svcExec[0] != nil {
		return svcExec[0]
	}
	return repo.db
}

func (repo streakRepository) CreateCompletion(ctx context.Context, c streak.Completion, exec ...core.DBExecutor) (bool, error) {
	res, err := repo.getExec(exec).ExecContext(ctx, `
		INSERT INTO streak_completions (user_id, lesson_id, course_id, completed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, lesson_id) DO NOTHING`,
		c.UserID, c.LessonID, c.CourseID, c.CompletedAt,
	)
	if err != nil {
		return false, errors.Wrap(err, "inserting completion")
	}
	return rowsAffected(res)
}

func (repo streakRepository) GetBucket(ctx context.Context, userID string, week core.WeekKey, exec ...core.DBExecutor) (streak.WeeklyBucket, error) {
	row := repo.getExec(exec).QueryRowContext(ctx, `
		SELECT user_id, week_key, lessons_completed, goal_met, goal_met_at
		FROM streak_weekly_buckets
		WHERE user_id = $1 AND week_key = $2`,
		userID, week,
	)
	return scanBucket(row)
}

// AddBucketLesson adds the lesson to the week's distinct set and bumps the
// bucket counter only when the set actually grew; the goal_met flip is guarded
// so it can happen at most once per bucket regardless of concurrent writers.
func (repo streakRepository) AddBucketLesson(ctx context.Context, userID string, week core.WeekKey, lessonID string, at time.Time, goal int, exec ...core.DBExecutor) (streak.WeeklyBucket, bool, error) {
	ex := repo.getExec(exec)

	res, err := ex.ExecContext(ctx, `
		INSERT INTO streak_bucket_lessons (user_id, week_key, lesson_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, week_key, lesson_id) DO NOTHING`,
		userID, week, lessonID,
	)
	if err != nil {
		return streak.WeeklyBucket{}, false, errors.Wrap(err, "inserting bucket lesson")
	}
	added, err := rowsAffected(res)
	if err != nil {
		return streak.WeeklyBucket{}, false, err
	}

	var justMet bool
	if added {
		if _, err = ex.ExecContext(ctx, `
			INSERT INTO streak_weekly_buckets (user_id, week_key, lessons_completed)
			VALUES ($1, $2, 1)
			ON CONFLICT (user_id, week_key)
			DO UPDATE SET lessons_completed = streak_weekly_buckets.lessons_completed + 1`,
			userID, week,
		); err != nil {
			return streak.WeeklyBucket{}, false, errors.Wrap(err, "bumping bucket counter")
		}

		res, err = ex.ExecContext(ctx, `
			UPDATE streak_weekly_buckets
			SET goal_met = TRUE, goal_met_at = $3
			WHERE user_id = $1 AND week_key = $2 AND NOT goal_met AND lessons_completed >= $4`,
			userID, week, at, goal,
		)
		if err != nil {
			return streak.WeeklyBucket{}, false, errors.Wrap(err, "flipping goal_met")
		}
		if justMet, err = rowsAffected(res); err != nil {
			return streak.WeeklyBucket{}, false, err
		}
	}

	bucket, err := repo.GetBucket(ctx, userID, week, exec...)
	return bucket, justMet, err
}

func (repo streakRepository) MarkBucketGoalMet(ctx context.Context, userID string, week core.WeekKey, at time.Time, exec ...core.DBExecutor) error {
	_, err := repo.getExec(exec).ExecContext(ctx, `
		INSERT INTO streak_weekly_buckets (user_id, week_key, lessons_completed, goal_met, goal_met_at)
		VALUES ($1, $2, 0, TRUE, $3)
		ON CONFLICT (user_id, week_key)
		DO UPDATE SET goal_met = TRUE,
		              goal_met_at = COALESCE(streak_weekly_buckets.goal_met_at, EXCLUDED.goal_met_at)`,
		userID, week, at,
	)
	return errors.Wrap(err, "waiving bucket goal")
}

func (repo streakRepository) GetState(ctx context.Context, userID string, exec ...core.DBExecutor) (streak.State, error) {
	return scanState(repo.getExec(exec).QueryRowContext(ctx, `
		SELECT user_id, current_streak, longest_streak, last_evaluated_week
		FROM streak_states
		WHERE user_id = $1`,
		userID,
	))
}

func (repo streakRepository) CreateState(ctx context.Context, st streak.State, exec ...core.DBExecutor) (streak.State, error) {
	_, err := repo.getExec(exec).ExecContext(ctx, `
		INSERT INTO streak_states (user_id, current_streak, longest_streak, last_evaluated_week, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (user_id) DO NOTHING`,
		st.UserID, st.CurrentStreak, st.LongestStreak, st.LastEvaluatedWeek,
	)
	if err != nil {
		return streak.State{}, errors.Wrap(err, "inserting streak state")
	}
	// the stored row wins on concurrent first completions
	return repo.GetState(ctx, st.UserID, exec...)
}

func (repo streakRepository) SaveState(ctx context.Context, st streak.State, exec ...core.DBExecutor) error {
	_, err := repo.getExec(exec).ExecContext(ctx, `
		INSERT INTO streak_states (user_id, current_streak, longest_streak, last_evaluated_week, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (user_id)
		DO UPDATE SET current_streak      = EXCLUDED.current_streak,
		              longest_streak      = EXCLUDED.longest_streak,
		              last_evaluated_week = EXCLUDED.last_evaluated_week,
		              updated_at          = now()`,
		st.UserID, st.CurrentStreak, st.LongestStreak, st.LastEvaluatedWeek,
	)
	return errors.Wrap(err, "saving streak state")
}

func (repo streakRepository) CreateLedgerEntry(ctx context.Context, entry streak.LedgerEntry, exec ...core.DBExecutor) (bool, error) {
	res, err := repo.getExec(exec).ExecContext(ctx, `
		INSERT INTO streak_points_ledger (id, user_id, delta, reason, ref_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, reason, ref_key) DO NOTHING`,
		entry.ID, entry.UserID, entry.Delta, entry.Reason, entry.RefKey, entry.CreatedAt,
	)
	if err != nil {
		return false, errors.Wrap(err, "appending ledger entry")
	}
	return rowsAffected(res)
}

func (repo streakRepository) GetBalance(ctx context.Context, userID string, exec ...core.DBExecutor) (int, error) {
	var balance int
	err := repo.getExec(exec).QueryRowContext(ctx, `
		SELECT COALESCE(SUM(delta), 0) FROM streak_points_ledger WHERE user_id = $1`,
		userID,
	).Scan(&balance)
	return balance, errors.Wrap(err, "summing ledger")
}

func (repo streakRepository) QueryBadges(ctx context.Context, userID string, exec ...core.DBExecutor) ([]streak.Badge, error) {
	rows, err := repo.getExec(exec).QueryContext(ctx, `
		SELECT user_id, badge_level, earned_at, streak_when_earned
		FROM streak_badges
		WHERE user_id = $1
		ORDER BY streak_when_earned, earned_at`,
		userID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "querying badges")
	}
	defer func() { _ = rows.Close() }()

	var badges []streak.Badge
	for rows.Next() {
		var b streak.Badge
		if err = rows.Scan(&b.UserID, &b.Level, &b.EarnedAt, &b.StreakWhenEarned); err != nil {
			return nil, errors.Wrap(err, "scanning badge")
		}
		badges = append(badges, b)
	}
	return badges, errors.Wrap(rows.Err(), "querying badges")
}

func (repo streakRepository) CreateBadge(ctx context.Context, badge streak.Badge, exec ...core.DBExecutor) (bool, error) {
	res, err := repo.getExec(exec).ExecContext(ctx, `
		INSERT INTO streak_badges (user_id, badge_level, earned_at, streak_when_earned)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, badge_level) DO NOTHING`,
		badge.UserID, badge.Level, badge.EarnedAt, badge.StreakWhenEarned,
	)
	if err != nil {
		return false, errors.Wrap(err, "inserting badge")
	}
	return rowsAffected(res)
}

func (repo streakRepository) HasRecovery(ctx context.Context, userID string, week core.WeekKey, exec ...core.DBExecutor) (bool, error) {
	var found bool
	err := repo.getExec(exec).QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM streak_recoveries WHERE user_id = $1 AND week_key = $2)`,
		userID, week,
	).Scan(&found)
	return found, errors.Wrap(err, "checking recovery record")
}

func (repo streakRepository) CreateRecovery(ctx context.Context, rec streak.RecoveryRecord, exec ...core.DBExecutor) (bool, error) {
	res, err := repo.getExec(exec).ExecContext(ctx, `
		INSERT INTO streak_recoveries (user_id, week_key, points_spent, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, week_key) DO NOTHING`,
		rec.UserID, rec.Week, rec.PointsSpent, rec.CreatedAt,
	)
	if err != nil {
		return false, errors.Wrap(err, "inserting recovery record")
	}
	return rowsAffected(res)
}

func (repo streakRepository) InTransaction(ctx context.Context, fn func(tx core.DBExecutor) error) error {
	return core.RunInTx(ctx, repo.db, func(tx core.DBTransactor) error {
		return fn(tx)
	})
}

func rowsAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "reading rows affected")
	}
	return n > 0, nil
}

func scanBucket(row *sql.Row) (streak.WeeklyBucket, error) {
	var b streak.WeeklyBucket
	var metAt null.Time
	err := row.Scan(&b.UserID, &b.Week, &b.LessonsCompleted, &b.GoalMet, &metAt)
	if err == sql.ErrNoRows {
		return streak.WeeklyBucket{}, streak.ErrBucketNotFound
	}
	if err != nil {
		return streak.WeeklyBucket{}, errors.Wrap(err, "scanning bucket")
	}
	if metAt.Valid {
		t := metAt.Time
		b.GoalMetAt = &t
	}
	return b, nil
}

func scanState(row *sql.Row) (streak.State, error) {
	var st streak.State
	err := row.Scan(&st.UserID, &st.CurrentStreak, &st.LongestStreak, &st.LastEvaluatedWeek)
	if err == sql.ErrNoRows {
		return streak.State{}, streak.ErrStateNotFound
	}
	return st, errors.Wrap(err, "scanning streak state")
}
