package streak_test

import (
	"context"
	"fmt"
	"net/mail"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aprendia/backend/core"
	"github.com/aprendia/backend/core/streak"
	emailsvc "github.com/aprendia/backend/services/email"
	dummydb "github.com/aprendia/backend/storage/database/dummy"
)

type noopLogger struct{}

func (noopLogger) Enable(bool)                  {}
func (noopLogger) Debug(string, ...interface{}) {}
func (noopLogger) Info(string, ...interface{})  {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}
func (noopLogger) Fatal(string, ...interface{}) {}

func sentSubjects() []string {
	msgs := emailsvc.GetSentMessages()
	subjects := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		subjects = append(subjects, msg.Subject)
	}
	return subjects
}

func testConfig() *core.Config {
	return &core.Config{
		AppName:         "Aprendia",
		FrontendBaseURL: "http://localhost:3000",
		Streak: core.StreakConfig{
			WeeklyGoal:          3,
			Timezone:            "UTC",
			LessonPoints:        10,
			WeeklyGoalPoints:    50,
			BadgePoints:         25,
			MilestoneBonuses:    []int{10, 20, 30, 40, 50, 60, 70},
			RecoveryBaseCost:    100,
			RecoveryCostPerWeek: 20,
		},
	}
}

type testEnv struct {
	svc    *streak.Service
	db     *dummydb.DB
	repo   streak.Repository
	setNow func(time.Time)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := dummydb.Open()
	require.NoError(t, err)

	now := inWeek(week(2021, 9), 12*time.Hour)
	clock := func() time.Time { return now }

	emailsvc.ClearSentMessages()
	conf := testConfig()
	mailer := emailsvc.NewConsoleServiceMock(conf)
	repo := dummydb.NewStreakRepository(db)
	svc := streak.NewService(repo, mailer, dummydb.NewUserDirectory(db), noopLogger{}, conf, clock)

	return &testEnv{
		svc:    svc,
		db:     db,
		repo:   repo,
		setNow: func(t2 time.Time) { now = t2 },
	}
}

func week(year, wk int) core.WeekKey {
	return core.WeekKey{Year: year, Week: wk}
}

func inWeek(w core.WeekKey, offset time.Duration) time.Time {
	return w.Monday(time.UTC).Add(offset)
}

// completeLessons records n distinct lessons for userID within week w and
// returns the last result.
func (env *testEnv) completeLessons(t *testing.T, userID string, w core.WeekKey, n int) streak.CompletionResult {
	t.Helper()

	var res streak.CompletionResult
	for i := 0; i < n; i++ {
		env.setNow(inWeek(w, time.Duration(i+1)*time.Hour))
		var err error
		res, err = env.svc.RecordCompletion(context.Background(), streak.NewCompletion{
			UserID:   userID,
			LessonID: fmt.Sprintf("%s-lesson-%d", w, i+1),
			CourseID: "go-101",
		})
		require.NoError(t, err)
		require.True(t, res.Accepted)
	}
	return res
}

func (env *testEnv) stats(t *testing.T, userID string, at time.Time) streak.Stats {
	t.Helper()

	env.setNow(at)
	stats, err := env.svc.Stats(context.Background(), userID)
	require.NoError(t, err)
	return stats
}

func Test_Service_RecordCompletion(t *testing.T) {
	w1 := week(2021, 9)
	ctx := context.Background()

	t.Run("first completion is accepted and credited", func(t *testing.T) {
		env := newTestEnv(t)
		env.setNow(inWeek(w1, time.Hour))

		res, err := env.svc.RecordCompletion(ctx, streak.NewCompletion{UserID: "alice", LessonID: "l1", CourseID: "go-101"})
		require.NoError(t, err)
		assert.True(t, res.Accepted)
		assert.Equal(t, w1, res.Week)
		assert.False(t, res.JustMetWeeklyGoal)

		stats := env.stats(t, "alice", inWeek(w1, 2*time.Hour))
		assert.Equal(t, 1, stats.CurrentWeekLessons)
		assert.Equal(t, "1/3", stats.WeekProgress)
		assert.Equal(t, 10, stats.TotalPoints)
	})

	t.Run("duplicate lesson is a no-op", func(t *testing.T) {
		env := newTestEnv(t)
		env.setNow(inWeek(w1, time.Hour))

		_, err := env.svc.RecordCompletion(ctx, streak.NewCompletion{UserID: "alice", LessonID: "l1", CourseID: "go-101"})
		require.NoError(t, err)

		res, err := env.svc.RecordCompletion(ctx, streak.NewCompletion{UserID: "alice", LessonID: "l1", CourseID: "go-101"})
		require.NoError(t, err)
		assert.False(t, res.Accepted)

		stats := env.stats(t, "alice", inWeek(w1, 2*time.Hour))
		assert.Equal(t, 1, stats.CurrentWeekLessons)
		assert.Equal(t, 10, stats.TotalPoints) // credited once
	})

	t.Run("third distinct lesson meets the weekly goal", func(t *testing.T) {
		env := newTestEnv(t)

		for i, lesson := range []string{"l1", "l2"} {
			env.setNow(inWeek(w1, time.Duration(i+1)*time.Hour))
			res, err := env.svc.RecordCompletion(ctx, streak.NewCompletion{UserID: "alice", LessonID: lesson, CourseID: "go-101"})
			require.NoError(t, err)
			assert.False(t, res.JustMetWeeklyGoal)
		}

		env.setNow(inWeek(w1, 3*time.Hour))
		res, err := env.svc.RecordCompletion(ctx, streak.NewCompletion{UserID: "alice", LessonID: "l3", CourseID: "go-101"})
		require.NoError(t, err)
		assert.True(t, res.JustMetWeeklyGoal)

		stats := env.stats(t, "alice", inWeek(w1, 4*time.Hour))
		assert.Equal(t, "3/3", stats.WeekProgress)
		assert.True(t, stats.GoalMet)
		assert.Equal(t, 3*10+50, stats.TotalPoints)
		assert.Equal(t, 0, stats.CurrentStreak) // the week has not elapsed yet
	})

	t.Run("extra lessons do not re-trigger the goal bonus", func(t *testing.T) {
		env := newTestEnv(t)
		env.completeLessons(t, "alice", w1, 3)

		env.setNow(inWeek(w1, 10*time.Hour))
		res, err := env.svc.RecordCompletion(ctx, streak.NewCompletion{UserID: "alice", LessonID: "extra", CourseID: "go-101"})
		require.NoError(t, err)
		assert.True(t, res.Accepted)
		assert.False(t, res.JustMetWeeklyGoal)

		stats := env.stats(t, "alice", inWeek(w1, 11*time.Hour))
		assert.Equal(t, 4, stats.CurrentWeekLessons)
		assert.Equal(t, 4*10+50, stats.TotalPoints)
	})
}

// flakyRepo fails the first AddBucketLesson call, simulating a transient
// storage error after the completion insert.
type flakyRepo struct {
	streak.Repository
	failures int
}

func (r *flakyRepo) AddBucketLesson(ctx context.Context, userID string, w core.WeekKey, lessonID string, at time.Time, goal int, exec ...core.DBExecutor) (streak.WeeklyBucket, bool, error) {
	if r.failures > 0 {
		r.failures--
		return streak.WeeklyBucket{}, false, errors.New("connection reset by peer")
	}
	return r.Repository.AddBucketLesson(ctx, userID, w, lessonID, at, goal, exec...)
}

func Test_Service_RecordCompletion_retryAfterStorageError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	repo := &flakyRepo{Repository: env.repo, failures: 1}
	at := inWeek(week(2021, 9), time.Hour)
	svc := streak.NewService(repo, nil, nil, noopLogger{}, testConfig(), func() time.Time { return at })

	nc := streak.NewCompletion{UserID: "alice", LessonID: "l1", CourseID: "go-101"}
	_, err := svc.RecordCompletion(ctx, nc)
	require.Error(t, err)

	// the failed attempt rolled back, so the retry is not a duplicate and the
	// lesson lands in the bucket and the ledger
	res, err := svc.RecordCompletion(ctx, nc)
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	stats, err := svc.Stats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.CurrentWeekLessons)
	assert.Equal(t, 10, stats.TotalPoints)
}

func Test_Service_streakProgression(t *testing.T) {
	env := newTestEnv(t)
	env.db.SetUserEmail("alice", mail.Address{Name: "Alice", Address: "alice@aprendia.dev"})
	w1 := week(2021, 9)

	// meet the goal four weeks in a row
	w := w1
	for i := 0; i < 4; i++ {
		env.completeLessons(t, "alice", w, 3)
		w = w.Next()
	}

	stats := env.stats(t, "alice", inWeek(week(2021, 13), time.Hour))
	assert.Equal(t, 4, stats.CurrentStreak)
	assert.Equal(t, 4, stats.LongestStreak)
	assert.Equal(t, "0/3", stats.WeekProgress)

	// 12 lessons + 4 weekly bonuses + milestones (10+20+30+40) + 3 badges
	assert.Equal(t, 120+200+100+75, stats.TotalPoints)

	require.Len(t, stats.Badges, 3)
	assert.Equal(t, streak.BadgePrincipiante, stats.Badges[0].Level)
	assert.Equal(t, streak.BadgeEstudiante, stats.Badges[1].Level)
	assert.Equal(t, streak.BadgeDedicado, stats.Badges[2].Level)
	assert.Equal(t, 4, stats.Badges[2].StreakWhenEarned)
	require.NotNil(t, stats.CurrentBadge)
	assert.Equal(t, streak.BadgeDedicado, *stats.CurrentBadge)

	assert.Contains(t, sentSubjects(), "¡Nueva insignia desbloqueada!")
}

func Test_Service_longStreakClampsMilestones(t *testing.T) {
	env := newTestEnv(t)
	w1 := week(2021, 1)

	w := w1
	for i := 0; i < 8; i++ {
		env.completeLessons(t, "alice", w, 3)
		w = w.Next()
	}

	stats := env.stats(t, "alice", inWeek(week(2021, 9), time.Hour))
	assert.Equal(t, 8, stats.CurrentStreak)
	require.NotNil(t, stats.CurrentBadge)
	assert.Equal(t, streak.BadgeEnLlamas, *stats.CurrentBadge)

	// 24 lessons + 8 weekly bonuses + milestones (10..70, then the ladder's
	// last step repeats) + 4 badges
	milestones := 10 + 20 + 30 + 40 + 50 + 60 + 70 + 70
	assert.Equal(t, 240+400+milestones+100, stats.TotalPoints)
}

func Test_Service_streakBreak(t *testing.T) {
	env := newTestEnv(t)
	env.db.SetUserEmail("alice", mail.Address{Name: "Alice", Address: "alice@aprendia.dev"})

	w1 := week(2021, 9)
	w := w1
	for i := 0; i < 3; i++ { // meet weeks 9-11, skip week 12
		env.completeLessons(t, "alice", w, 3)
		w = w.Next()
	}

	stats := env.stats(t, "alice", inWeek(week(2021, 13), time.Hour))
	assert.Equal(t, 0, stats.CurrentStreak)
	assert.Equal(t, 3, stats.LongestStreak)
	assert.Equal(t, 350, stats.TotalPoints) // 90 lessons + 150 weekly + 60 milestones + 50 badges

	// the missed week is offered for recovery
	require.NotNil(t, stats.RecoveryWeek)
	assert.Equal(t, week(2021, 12), *stats.RecoveryWeek)
	assert.Equal(t, 100+3*20, stats.RecoveryCost) // base + 3 protected weeks
	assert.True(t, stats.CanRecover)

	// the break triggered a notification quoting the repairable week
	msgs := emailsvc.GetSentMessages()
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	assert.Equal(t, "Tu racha se ha roto", last.Subject)
	assert.Contains(t, last.TextContent, "racha de 3 semanas")
	assert.Contains(t, last.TextContent, "2021-W12")
	assert.Contains(t, last.TextContent, "http://localhost:3000")
}

func Test_Service_streakBreak_sealedByLaterWeek(t *testing.T) {
	env := newTestEnv(t)
	env.db.SetUserEmail("alice", mail.Address{Name: "Alice", Address: "alice@aprendia.dev"})
	ctx := context.Background()

	// met buckets for weeks 9, 11 and 12 with a cursor still at week 8, as
	// left behind when an earlier evaluation never ran to completion
	for _, w := range []core.WeekKey{week(2021, 9), week(2021, 11), week(2021, 12)} {
		for i := 1; i <= 3; i++ {
			_, _, err := env.repo.AddBucketLesson(ctx, "alice", w, fmt.Sprintf("%s-l%d", w, i), inWeek(w, time.Hour), 3)
			require.NoError(t, err)
		}
	}
	require.NoError(t, env.repo.SaveState(ctx, streak.State{UserID: "alice", LastEvaluatedWeek: week(2021, 8)}))

	stats := env.stats(t, "alice", inWeek(week(2021, 13), time.Hour))
	assert.Equal(t, 2, stats.CurrentStreak) // weeks 11-12
	assert.Equal(t, 2, stats.LongestStreak)
	assert.Nil(t, stats.RecoveryWeek)
	assert.False(t, stats.CanRecover)

	// the mail names the week that actually broke, and offers no repair: the
	// later met weeks sealed the break
	var broken *core.EmailMessage
	for _, msg := range emailsvc.GetSentMessages() {
		if msg.Subject == "Tu racha se ha roto" {
			m := msg
			broken = &m
		}
	}
	require.NotNil(t, broken)
	assert.Contains(t, broken.TextContent, "racha de 1 semanas")
	assert.NotContains(t, broken.TextContent, "recuperar")
	assert.NotContains(t, broken.TextContent, "2021-W12")
}

func Test_Service_Recover(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	w := week(2021, 9)
	for i := 0; i < 3; i++ { // meet weeks 9-11, skip week 12
		env.completeLessons(t, "alice", w, 3)
		w = w.Next()
	}
	missed := week(2021, 12)
	now := inWeek(week(2021, 13), time.Hour)

	before := env.stats(t, "alice", now)
	require.Equal(t, 0, before.CurrentStreak)

	env.setNow(now)
	res, err := env.svc.Recover(ctx, "alice", missed)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 4, res.NewCurrentStreak)

	after := env.stats(t, "alice", now.Add(time.Hour))
	assert.Equal(t, 4, after.CurrentStreak)
	assert.Equal(t, 4, after.LongestStreak)
	// spend 160; the repaired week earns no milestone bonus, but the streak
	// crossing the DEDICADO threshold still grants its badge
	assert.Equal(t, before.TotalPoints-160+25, after.TotalPoints)
	require.NotNil(t, after.CurrentBadge)
	assert.Equal(t, streak.BadgeDedicado, *after.CurrentBadge)
	assert.Nil(t, after.RecoveryWeek)
	assert.False(t, after.CanRecover)

	// repairing the same week twice is rejected without another spend
	env.setNow(now.Add(2 * time.Hour))
	res, err = env.svc.Recover(ctx, "alice", missed)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, streak.RecoveryWeekAlreadyMet, res.Reason)

	final := env.stats(t, "alice", now.Add(3*time.Hour))
	assert.Equal(t, after.TotalPoints, final.TotalPoints)
}

func Test_Service_Recover_preconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("only the most recent elapsed week is repairable", func(t *testing.T) {
		env := newTestEnv(t)
		w := week(2021, 9)
		for i := 0; i < 3; i++ {
			env.completeLessons(t, "alice", w, 3)
			w = w.Next()
		}
		now := inWeek(week(2021, 13), time.Hour)
		before := env.stats(t, "alice", now)

		env.setNow(now)
		res, err := env.svc.Recover(ctx, "alice", week(2021, 10)) // old history
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, streak.RecoveryWrongWeek, res.Reason)

		after := env.stats(t, "alice", now.Add(time.Hour))
		assert.Equal(t, before.TotalPoints, after.TotalPoints)
		assert.Equal(t, 0, after.CurrentStreak)
	})

	t.Run("a met week cannot be repaired", func(t *testing.T) {
		env := newTestEnv(t)
		w := week(2021, 9)
		for i := 0; i < 4; i++ { // weeks 9-12 all met
			env.completeLessons(t, "alice", w, 3)
			w = w.Next()
		}

		env.setNow(inWeek(week(2021, 13), time.Hour))
		res, err := env.svc.Recover(ctx, "alice", week(2021, 12))
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, streak.RecoveryWeekAlreadyMet, res.Reason)
	})

	t.Run("insufficient points", func(t *testing.T) {
		env := newTestEnv(t)
		env.completeLessons(t, "alice", week(2021, 9), 1) // 10 points, goal unmet

		env.setNow(inWeek(week(2021, 10), time.Hour))
		res, err := env.svc.Recover(ctx, "alice", week(2021, 9))
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, streak.RecoveryInsufficientPoints, res.Reason)

		stats := env.stats(t, "alice", inWeek(week(2021, 10), 2*time.Hour))
		assert.Equal(t, 10, stats.TotalPoints) // nothing was spent
	})
}

func Test_Service_Stats_unknownUser(t *testing.T) {
	env := newTestEnv(t)

	stats := env.stats(t, "nobody", inWeek(week(2021, 9), time.Hour))
	assert.Equal(t, 0, stats.CurrentWeekLessons)
	assert.Equal(t, "0/3", stats.WeekProgress)
	assert.Equal(t, 0, stats.CurrentStreak)
	assert.Equal(t, 0, stats.TotalPoints)
	assert.Empty(t, stats.Badges)
	assert.Nil(t, stats.CurrentBadge)
	assert.Nil(t, stats.RecoveryWeek)
	assert.False(t, stats.CanRecover)
}

func Test_Service_reconcile_invariantViolation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// corrupt the stored counters; the evaluator must refuse to run on them
	err := env.repo.SaveState(ctx, streak.State{
		UserID:            "alice",
		CurrentStreak:     5,
		LongestStreak:     2,
		LastEvaluatedWeek: week(2021, 8),
	})
	require.NoError(t, err)

	env.setNow(inWeek(week(2021, 10), time.Hour))
	_, err = env.svc.Stats(ctx, "alice")
	require.Error(t, err)
	var ierr *core.InvariantError
	assert.True(t, errors.As(err, &ierr))
}
