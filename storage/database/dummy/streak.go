package dummydb

import (
	"context"
	"strings"
	"time"

	"github.com/aprendia/backend/core"
	"github.com/aprendia/backend/core/streak"
)

type streakRepository struct {
	db *streakTables
}

var _ streak.Repository = (*streakRepository)(nil) // interface compliance check

func NewStreakRepository(db *DB) streak.Repository {
	return &streakRepository{db: db.streak}
}

func key(parts ...string) string {
	return strings.Join(parts, "\x00")
}

func (repo *streakRepository) CreateCompletion(_ context.Context, c streak.Completion, _ ...core.DBExecutor) (bool, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	k := key(c.UserID, c.LessonID)
	if _, ok := repo.db.completions[k]; ok {
		return false, nil
	}
	repo.db.completions[k] = &c
	return true, nil
}

func (repo *streakRepository) GetBucket(_ context.Context, userID string, week core.WeekKey, _ ...core.DBExecutor) (streak.WeeklyBucket, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if b, ok := repo.db.buckets[key(userID, week.String())]; ok {
		return *b, nil
	}
	return streak.WeeklyBucket{}, streak.ErrBucketNotFound
}

func (repo *streakRepository) AddBucketLesson(_ context.Context, userID string, week core.WeekKey, lessonID string, at time.Time, goal int, _ ...core.DBExecutor) (streak.WeeklyBucket, bool, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	bk := key(userID, week.String())
	bucket, ok := repo.db.buckets[bk]
	if !ok {
		bucket = &streak.WeeklyBucket{UserID: userID, Week: week}
		repo.db.buckets[bk] = bucket
	}

	lk := key(userID, week.String(), lessonID)
	if !repo.db.lessons[lk] {
		repo.db.lessons[lk] = true
		bucket.LessonsCompleted++
	}

	var justMet bool
	if !bucket.GoalMet && bucket.LessonsCompleted >= goal {
		bucket.GoalMet = true
		metAt := at
		bucket.GoalMetAt = &metAt
		justMet = true
	}
	return *bucket, justMet, nil
}

func (repo *streakRepository) MarkBucketGoalMet(_ context.Context, userID string, week core.WeekKey, at time.Time, _ ...core.DBExecutor) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	bk := key(userID, week.String())
	bucket, ok := repo.db.buckets[bk]
	if !ok {
		bucket = &streak.WeeklyBucket{UserID: userID, Week: week}
		repo.db.buckets[bk] = bucket
	}
	if !bucket.GoalMet {
		bucket.GoalMet = true
		metAt := at
		bucket.GoalMetAt = &metAt
	}
	return nil
}

func (repo *streakRepository) GetState(_ context.Context, userID string, _ ...core.DBExecutor) (streak.State, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if st, ok := repo.db.states[userID]; ok {
		return *st, nil
	}
	return streak.State{}, streak.ErrStateNotFound
}

func (repo *streakRepository) CreateState(_ context.Context, st streak.State, _ ...core.DBExecutor) (streak.State, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if existing, ok := repo.db.states[st.UserID]; ok {
		return *existing, nil
	}
	repo.db.states[st.UserID] = &st
	return st, nil
}

func (repo *streakRepository) SaveState(_ context.Context, st streak.State, _ ...core.DBExecutor) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	repo.db.states[st.UserID] = &st
	return nil
}

func (repo *streakRepository) CreateLedgerEntry(_ context.Context, entry streak.LedgerEntry, _ ...core.DBExecutor) (bool, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	k := key(entry.UserID, string(entry.Reason), entry.RefKey)
	if repo.db.ledgerIdx[k] {
		return false, nil
	}
	repo.db.ledgerIdx[k] = true
	repo.db.ledger = append(repo.db.ledger, entry)
	return true, nil
}

func (repo *streakRepository) GetBalance(_ context.Context, userID string, _ ...core.DBExecutor) (int, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	var balance int
	for _, e := range repo.db.ledger {
		if e.UserID == userID {
			balance += e.Delta
		}
	}
	return balance, nil
}

func (repo *streakRepository) QueryBadges(_ context.Context, userID string, _ ...core.DBExecutor) ([]streak.Badge, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	badges := make([]streak.Badge, len(repo.db.badges[userID]))
	copy(badges, repo.db.badges[userID])
	return badges, nil
}

func (repo *streakRepository) CreateBadge(_ context.Context, badge streak.Badge, _ ...core.DBExecutor) (bool, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	for _, b := range repo.db.badges[badge.UserID] {
		if b.Level == badge.Level {
			return false, nil
		}
	}
	repo.db.badges[badge.UserID] = append(repo.db.badges[badge.UserID], badge)
	return true, nil
}

func (repo *streakRepository) HasRecovery(_ context.Context, userID string, week core.WeekKey, _ ...core.DBExecutor) (bool, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	_, ok := repo.db.recoveries[key(userID, week.String())]
	return ok, nil
}

func (repo *streakRepository) CreateRecovery(_ context.Context, rec streak.RecoveryRecord, _ ...core.DBExecutor) (bool, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	k := key(rec.UserID, rec.Week.String())
	if _, ok := repo.db.recoveries[k]; ok {
		return false, nil
	}
	repo.db.recoveries[k] = &rec
	return true, nil
}

// InTransaction runs fn against the shared tables and restores a pre-call
// snapshot on error, so partial writes from a failed fn are not observable.
func (repo *streakRepository) InTransaction(_ context.Context, fn func(tx core.DBExecutor) error) error {
	snap := repo.db.snapshot()
	if err := fn(nil); err != nil {
		repo.db.restore(snap)
		return err
	}
	return nil
}
