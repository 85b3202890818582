package streak

import (
	"context"
	"fmt"
	"net/mail"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/aprendia/backend/core"
)

// Clock supplies the current time. It is injected (never read from ambient
// globals) so week math is trivially testable with fixed clocks.
type Clock func() time.Time

type (
	Repository interface {
		// CreateCompletion inserts the completion fact; created=false means the
		// (user, lesson) pair was already recorded.
		CreateCompletion(ctx context.Context, c Completion, exec ...core.DBExecutor) (created bool, err error)

		GetBucket(ctx context.Context, userID string, week core.WeekKey, exec ...core.DBExecutor) (WeeklyBucket, error)
		// AddBucketLesson adds a lesson to the week's distinct set under a single
		// atomic read-modify-write; justMet is true exactly once per bucket, when
		// the set first reaches goal.
		AddBucketLesson(ctx context.Context, userID string, week core.WeekKey, lessonID string, at time.Time, goal int, exec ...core.DBExecutor) (bucket WeeklyBucket, justMet bool, err error)
		// MarkBucketGoalMet waives the goal for a week (streak recovery); it creates
		// the bucket if the user never completed a lesson that week.
		MarkBucketGoalMet(ctx context.Context, userID string, week core.WeekKey, at time.Time, exec ...core.DBExecutor) error

		GetState(ctx context.Context, userID string, exec ...core.DBExecutor) (State, error)
		// CreateState inserts the initial state row; the stored row wins if one
		// already exists (concurrent first completions).
		CreateState(ctx context.Context, st State, exec ...core.DBExecutor) (State, error)
		SaveState(ctx context.Context, st State, exec ...core.DBExecutor) error

		// CreateLedgerEntry appends a grant/spend; created=false means an entry
		// with the same (user, reason, refKey) already exists.
		CreateLedgerEntry(ctx context.Context, entry LedgerEntry, exec ...core.DBExecutor) (created bool, err error)
		GetBalance(ctx context.Context, userID string, exec ...core.DBExecutor) (int, error)

		QueryBadges(ctx context.Context, userID string, exec ...core.DBExecutor) ([]Badge, error)
		CreateBadge(ctx context.Context, badge Badge, exec ...core.DBExecutor) (created bool, err error)

		HasRecovery(ctx context.Context, userID string, week core.WeekKey, exec ...core.DBExecutor) (bool, error)
		CreateRecovery(ctx context.Context, rec RecoveryRecord, exec ...core.DBExecutor) (created bool, err error)

		// InTransaction runs fn atomically; fn must pass tx down to every
		// repository call it makes. The completion pipeline and the recovery
		// service run inside it so partial writes can never be observed.
		InTransaction(ctx context.Context, fn func(tx core.DBExecutor) error) error
	}

	// UserDirectory resolves a verified user id to an email address.
	// User accounts are owned by the platform, not by this engine.
	UserDirectory interface {
		GetUserEmail(ctx context.Context, userID string) (mail.Address, error)
	}

	ServiceInterface interface {
		RecordCompletion(ctx context.Context, nc NewCompletion) (CompletionResult, error)
		Stats(ctx context.Context, userID string) (Stats, error)
		Recover(ctx context.Context, userID string, week core.WeekKey) (RecoveryResult, error)
	}

	Service struct {
		repo      Repository
		mailSvc   core.EmailService
		directory UserDirectory
		logger    core.Logger
		conf      *core.Config
		loc       *time.Location
		now       Clock
	}
)

var _ ServiceInterface = (*Service)(nil)

func NewService(
	repo Repository,
	mailSvc core.EmailService,
	directory UserDirectory,
	logger core.Logger,
	conf *core.Config,
	clock ...Clock,
) *Service {
	loc, err := time.LoadLocation(conf.Streak.Timezone)
	if err != nil {
		logger.Warn(fmt.Sprintf("unknown streak timezone %q, falling back to UTC", conf.Streak.Timezone))
		loc = time.UTC
	}
	now := Clock(time.Now)
	if len(clock) > 0 {
		now = clock[0]
	}
	return &Service{
		repo:      repo,
		mailSvc:   mailSvc,
		directory: directory,
		logger:    logger,
		conf:      conf,
		loc:       loc,
		now:       now,
	}
}

// RecordCompletion records "user completed lesson at now", exactly once per
// (user, lesson) pair. Duplicate reports are a normal condition (retries,
// double tabs) and return Accepted=false without error. The whole pipeline
// runs in one transaction: a failed call leaves no partial writes behind, so
// a caller's retry starts over instead of hitting the duplicate branch with
// the bucket update and grants missing.
func (svc *Service) RecordCompletion(ctx context.Context, nc NewCompletion) (CompletionResult, error) {
	now := svc.now()
	week := core.WeekKeyOf(now, svc.loc)

	var res CompletionResult
	err := svc.repo.InTransaction(ctx, func(tx core.DBExecutor) error {
		created, err := svc.repo.CreateCompletion(ctx, Completion{
			UserID:      nc.UserID,
			LessonID:    nc.LessonID,
			CourseID:    nc.CourseID,
			CompletedAt: now.UTC(),
		}, tx)
		if err != nil {
			return errors.Wrap(err, "recording completion")
		}
		if !created {
			res = CompletionResult{Week: week}
			return nil
		}

		if err = svc.ensureState(ctx, nc.UserID, week, tx); err != nil {
			return err
		}

		_, justMet, err := svc.repo.AddBucketLesson(ctx, nc.UserID, week, nc.LessonID, now.UTC(), svc.conf.Streak.WeeklyGoal, tx)
		if err != nil {
			return errors.Wrap(err, "updating weekly bucket")
		}

		if _, err = svc.grant(ctx, nc.UserID, ReasonLessonCompleted, nc.LessonID, svc.conf.Streak.LessonPoints, tx); err != nil {
			return err
		}
		if justMet {
			if _, err = svc.grant(ctx, nc.UserID, ReasonWeeklyGoalMet, week.String(), svc.conf.Streak.WeeklyGoalPoints, tx); err != nil {
				return err
			}
		}

		newBadge, err := svc.reconcile(ctx, nc.UserID, now, tx)
		if err != nil {
			return err
		}

		res = CompletionResult{
			Accepted:          true,
			Week:              week,
			JustMetWeeklyGoal: justMet,
			NewBadge:          newBadge,
		}
		return nil
	})
	if err != nil {
		return CompletionResult{}, err
	}
	return res, nil
}

// Stats reconciles the user's streak against elapsed weeks and returns the
// composed read-model. Reads re-derive the truth from bucket history, so
// correctness never depends on a background job having run.
func (svc *Service) Stats(ctx context.Context, userID string) (Stats, error) {
	now := svc.now()
	week := core.WeekKeyOf(now, svc.loc)

	if _, err := svc.reconcile(ctx, userID, now); err != nil {
		return Stats{}, err
	}

	st, err := svc.repo.GetState(ctx, userID)
	if err != nil && err != ErrStateNotFound {
		return Stats{}, errors.Wrap(err, "getting streak state")
	}

	bucket, err := svc.repo.GetBucket(ctx, userID, week)
	if err != nil && err != ErrBucketNotFound {
		return Stats{}, errors.Wrap(err, "getting current week bucket")
	}

	balance, err := svc.repo.GetBalance(ctx, userID)
	if err != nil {
		return Stats{}, errors.Wrap(err, "getting points balance")
	}

	badges, err := svc.repo.QueryBadges(ctx, userID)
	if err != nil {
		return Stats{}, errors.Wrap(err, "querying badges")
	}
	if badges == nil {
		badges = []Badge{} // marshals as [] rather than null
	}

	stats := Stats{
		CurrentWeekLessons: bucket.LessonsCompleted,
		WeekProgress:       fmt.Sprintf("%d/%d", bucket.LessonsCompleted, svc.conf.Streak.WeeklyGoal),
		GoalMet:            bucket.GoalMet,
		CurrentStreak:      st.CurrentStreak,
		LongestStreak:      st.LongestStreak,
		TotalPoints:        balance,
		Badges:             badges,
	}
	if lvl, ok := HighestBadgeFor(st.CurrentStreak); ok {
		stats.CurrentBadge = &lvl
	}

	recoverable, wPrev, cost, err := svc.recoveryOffer(ctx, userID, week)
	if err != nil {
		return Stats{}, err
	}
	stats.RecoveryCost = cost
	if recoverable {
		stats.RecoveryWeek = &wPrev
		stats.CanRecover = balance >= cost
	}
	return stats, nil
}

// Recover spends points to retroactively mark the most recent fully-elapsed,
// goal-unmet week as met, preserving streak continuity. Precondition failures
// come back as typed reasons, never as errors. The mutation is one transaction:
// a spend without the streak benefit can never be observed.
func (svc *Service) Recover(ctx context.Context, userID string, week core.WeekKey) (RecoveryResult, error) {
	now := svc.now()
	wPrev := core.WeekKeyOf(now, svc.loc).Prev()

	// materialize the break before judging the request
	if _, err := svc.reconcile(ctx, userID, now); err != nil {
		return RecoveryResult{}, err
	}

	// recovery only repairs the break point, not arbitrary history
	if week != wPrev {
		return RecoveryResult{Reason: RecoveryWrongWeek}, nil
	}
	bucket, err := svc.repo.GetBucket(ctx, userID, week)
	if err != nil && err != ErrBucketNotFound {
		return RecoveryResult{}, errors.Wrap(err, "getting bucket")
	}
	if bucket.GoalMet {
		return RecoveryResult{Reason: RecoveryWeekAlreadyMet}, nil
	}
	if repaired, err := svc.repo.HasRecovery(ctx, userID, week); err != nil {
		return RecoveryResult{}, errors.Wrap(err, "checking recovery record")
	} else if repaired {
		return RecoveryResult{Reason: RecoveryAlreadyRecovered}, nil
	}

	cost, err := svc.recoveryCost(ctx, userID, week)
	if err != nil {
		return RecoveryResult{}, err
	}
	balance, err := svc.repo.GetBalance(ctx, userID)
	if err != nil {
		return RecoveryResult{}, errors.Wrap(err, "getting points balance")
	}
	if balance < cost {
		return RecoveryResult{Reason: RecoveryInsufficientPoints}, nil
	}

	var result RecoveryResult
	var newBadge *BadgeLevel
	err = svc.repo.InTransaction(ctx, func(tx core.DBExecutor) error {
		created, err := svc.repo.CreateRecovery(ctx, RecoveryRecord{
			UserID:      userID,
			Week:        week,
			PointsSpent: cost,
			CreatedAt:   now.UTC(),
		}, tx)
		if err != nil {
			return errors.Wrap(err, "creating recovery record")
		}
		if !created { // lost a race against a concurrent recovery
			result = RecoveryResult{Reason: RecoveryAlreadyRecovered}
			return nil
		}

		if _, err = svc.grant(ctx, userID, ReasonRecoverySpend, week.String(), -cost, tx); err != nil {
			return err
		}
		if err = svc.repo.MarkBucketGoalMet(ctx, userID, week, now.UTC(), tx); err != nil {
			return errors.Wrap(err, "marking bucket goal met")
		}

		// recompute the streak from immutable bucket history, now including the
		// repaired week. A waived week preserves continuity but does not re-earn
		// its milestone bonus.
		streak, err := svc.metWeeksEndingAt(ctx, userID, week, tx)
		if err != nil {
			return err
		}

		st, err := svc.repo.GetState(ctx, userID, tx)
		if err != nil {
			return errors.Wrap(err, "getting streak state")
		}
		st.CurrentStreak = streak
		if st.CurrentStreak > st.LongestStreak {
			st.LongestStreak = st.CurrentStreak
		}
		st.LastEvaluatedWeek = week
		if err = svc.repo.SaveState(ctx, st, tx); err != nil {
			return errors.Wrap(err, "saving streak state")
		}

		newBadge, err = svc.assignBadges(ctx, userID, st.CurrentStreak, now, tx)
		if err != nil {
			return err
		}

		result = RecoveryResult{Success: true, NewCurrentStreak: streak}
		return nil
	})
	if err != nil {
		return RecoveryResult{}, err
	}

	if result.Success && newBadge != nil {
		svc.notifyBadgeEarned(ctx, userID, *newBadge)
	}
	return result, nil
}

// ensureState lazily creates the streak state on a user's first ever event.
// The cursor starts at the week before the event so the first walk begins at
// the event's own week once it has elapsed.
func (svc *Service) ensureState(ctx context.Context, userID string, week core.WeekKey, exec ...core.DBExecutor) error {
	_, err := svc.repo.GetState(ctx, userID, exec...)
	if err == nil {
		return nil
	}
	if err != ErrStateNotFound {
		return errors.Wrap(err, "getting streak state")
	}
	_, err = svc.repo.CreateState(ctx, State{
		UserID:            userID,
		LastEvaluatedWeek: week.Prev(),
	}, exec...)
	return errors.Wrap(err, "creating streak state")
}

// reconcile walks the user's cursor forward over fully-elapsed weeks, extending
// or breaking the streak from bucket history. Idempotent: once the cursor sits
// on the last elapsed week the walk is a no-op. The current week is never
// evaluated; only elapsed weeks count.
func (svc *Service) reconcile(ctx context.Context, userID string, now time.Time, exec ...core.DBExecutor) (*BadgeLevel, error) {
	wPrev := core.WeekKeyOf(now, svc.loc).Prev()

	st, err := svc.repo.GetState(ctx, userID, exec...)
	if err == ErrStateNotFound { // no activity yet, nothing to evaluate
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "getting streak state")
	}

	if st.LongestStreak < st.CurrentStreak {
		ierr := core.NewInvariantError("longestStreak >= currentStreak",
			"user %s: longest=%d current=%d", userID, st.LongestStreak, st.CurrentStreak)
		svc.logger.Error(ierr.Error(), ierr, core.UserTag{ID: userID})
		return nil, ierr
	}

	if !st.LastEvaluatedWeek.Before(wPrev) {
		return nil, nil // already reconciled
	}

	var newBadge *BadgeLevel
	var broke bool
	var brokenWeek core.WeekKey
	var lostStreak int

	for w := st.LastEvaluatedWeek.Next(); !w.After(wPrev); w = w.Next() {
		bucket, err := svc.repo.GetBucket(ctx, userID, w, exec...)
		if err != nil && err != ErrBucketNotFound {
			return nil, errors.Wrap(err, "getting bucket")
		}

		if err == nil && bucket.GoalMet {
			st.CurrentStreak++
			if st.CurrentStreak > st.LongestStreak {
				st.LongestStreak = st.CurrentStreak
			}
			if _, err = svc.grant(ctx, userID, ReasonStreakMilestone, w.String(), svc.milestoneBonus(st.CurrentStreak), exec...); err != nil {
				return nil, err
			}
			lvl, err := svc.assignBadges(ctx, userID, st.CurrentStreak, now, exec...)
			if err != nil {
				return nil, err
			}
			if lvl != nil {
				newBadge = lvl
			}
		} else {
			if st.CurrentStreak > 0 {
				broke = true
				brokenWeek = w
				lostStreak = st.CurrentStreak
			}
			st.CurrentStreak = 0
		}
		st.LastEvaluatedWeek = w
	}

	if err = svc.repo.SaveState(ctx, st, exec...); err != nil {
		return nil, errors.Wrap(err, "saving streak state")
	}

	if newBadge != nil {
		svc.notifyBadgeEarned(ctx, userID, *newBadge)
	}
	if broke {
		// only wPrev is repairable; a break deeper in the walked history has
		// been sealed by a later goal-met week and gets no recovery offer
		svc.notifyStreakBroken(ctx, userID, lostStreak, brokenWeek, brokenWeek == wPrev)
	}
	return newBadge, nil
}

// assignBadges back-fills every missing tier up to streak, so a user's badge
// set is always a gap-free prefix of the ladder. Returns the highest tier newly
// earned, if any.
func (svc *Service) assignBadges(ctx context.Context, userID string, streak int, now time.Time, exec ...core.DBExecutor) (*BadgeLevel, error) {
	if streak < BadgeLadder[0].Threshold {
		return nil, nil
	}

	existing, err := svc.repo.QueryBadges(ctx, userID, exec...)
	if err != nil {
		return nil, errors.Wrap(err, "querying badges")
	}
	have := make(map[BadgeLevel]bool, len(existing))
	for _, b := range existing {
		have[b.Level] = true
	}

	var newest *BadgeLevel
	for _, tier := range BadgeLadder {
		if tier.Threshold > streak {
			break
		}
		if have[tier.Level] {
			continue
		}
		created, err := svc.repo.CreateBadge(ctx, Badge{
			UserID:           userID,
			Level:            tier.Level,
			EarnedAt:         now.UTC(),
			StreakWhenEarned: streak,
		}, exec...)
		if err != nil {
			return nil, errors.Wrap(err, "creating badge")
		}
		if created {
			if _, err = svc.grant(ctx, userID, ReasonBadgeEarned, string(tier.Level), svc.conf.Streak.BadgePoints, exec...); err != nil {
				return nil, err
			}
			lvl := tier.Level
			newest = &lvl
		}
	}
	return newest, nil
}

// grant appends a ledger entry; created=false means the cause was already
// credited (or spent) and nothing changed.
func (svc *Service) grant(ctx context.Context, userID string, reason LedgerReason, refKey string, amount int, exec ...core.DBExecutor) (bool, error) {
	if amount == 0 {
		return false, nil
	}
	created, err := svc.repo.CreateLedgerEntry(ctx, LedgerEntry{
		ID:        uuid.New().String(),
		UserID:    userID,
		Delta:     amount,
		Reason:    reason,
		RefKey:    refKey,
		CreatedAt: svc.now().UTC(),
	}, exec...)
	return created, errors.Wrap(err, "appending ledger entry")
}

// milestoneBonus returns the STREAK_MILESTONE amount for the given streak
// length; the ladder's last step repeats for longer streaks.
func (svc *Service) milestoneBonus(streak int) int {
	ladder := svc.conf.Streak.MilestoneBonuses
	if len(ladder) == 0 || streak < 1 {
		return 0
	}
	if streak > len(ladder) {
		return ladder[len(ladder)-1]
	}
	return ladder[streak-1]
}

// recoveryOffer reports whether the most recent fully-elapsed week is
// repairable, and at what cost.
func (svc *Service) recoveryOffer(ctx context.Context, userID string, current core.WeekKey) (bool, core.WeekKey, int, error) {
	wPrev := current.Prev()

	cost, err := svc.recoveryCost(ctx, userID, wPrev)
	if err != nil {
		return false, wPrev, 0, err
	}

	bucket, err := svc.repo.GetBucket(ctx, userID, wPrev)
	if err != nil && err != ErrBucketNotFound {
		return false, wPrev, cost, errors.Wrap(err, "getting bucket")
	}
	if bucket.GoalMet {
		return false, wPrev, cost, nil
	}

	// only offer recovery to users with a streak worth protecting
	protected, err := svc.metWeeksEndingAt(ctx, userID, wPrev.Prev())
	if err != nil {
		return false, wPrev, cost, err
	}
	if protected == 0 {
		return false, wPrev, cost, nil
	}

	repaired, err := svc.repo.HasRecovery(ctx, userID, wPrev)
	if err != nil {
		return false, wPrev, cost, errors.Wrap(err, "checking recovery record")
	}
	return !repaired, wPrev, cost, nil
}

// recoveryCost escalates with the streak being protected: the run of
// consecutive goal-met weeks immediately before the repaired week.
func (svc *Service) recoveryCost(ctx context.Context, userID string, week core.WeekKey, exec ...core.DBExecutor) (int, error) {
	protected, err := svc.metWeeksEndingAt(ctx, userID, week.Prev(), exec...)
	if err != nil {
		return 0, err
	}
	return svc.conf.Streak.RecoveryBaseCost + protected*svc.conf.Streak.RecoveryCostPerWeek, nil
}

// metWeeksEndingAt counts consecutive goal-met weeks walking backwards from
// week inclusive. Terminates at the first unmet or missing bucket.
func (svc *Service) metWeeksEndingAt(ctx context.Context, userID string, week core.WeekKey, exec ...core.DBExecutor) (int, error) {
	var n int
	for w := week; ; w = w.Prev() {
		bucket, err := svc.repo.GetBucket(ctx, userID, w, exec...)
		if err == ErrBucketNotFound {
			break
		}
		if err != nil {
			return 0, errors.Wrap(err, "getting bucket")
		}
		if !bucket.GoalMet {
			break
		}
		n++
	}
	return n, nil
}

// Notifications

func (svc *Service) notifyBadgeEarned(ctx context.Context, userID string, lvl BadgeLevel) {
	addr, ok := svc.lookupEmail(ctx, userID)
	if !ok {
		return
	}
	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:      []mail.Address{addr},
		Subject: "¡Nueva insignia desbloqueada!",
		TextContent: fmt.Sprintf(
			"¡Felicidades! Tu racha de estudio te ha ganado la insignia %s. Sigue así.", lvl),
	})
}

func (svc *Service) notifyStreakBroken(ctx context.Context, userID string, lostStreak int, week core.WeekKey, recoverable bool) {
	addr, ok := svc.lookupEmail(ctx, userID)
	if !ok {
		return
	}
	text := fmt.Sprintf("Perdiste tu racha de %d semanas.", lostStreak)
	if recoverable {
		text += fmt.Sprintf(
			" Aún puedes recuperar la semana %s con tus puntos desde tu panel: %s/racha",
			week, svc.conf.FrontendBaseURL)
	}
	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:          []mail.Address{addr},
		Subject:     "Tu racha se ha roto",
		TextContent: text,
	})
}

func (svc *Service) lookupEmail(ctx context.Context, userID string) (mail.Address, bool) {
	if svc.directory == nil || svc.mailSvc == nil {
		return mail.Address{}, false
	}
	addr, err := svc.directory.GetUserEmail(ctx, userID)
	if err != nil {
		svc.logger.Debug(fmt.Sprintf("no email for user %s: %v", userID, err))
		return mail.Address{}, false
	}
	return addr, true
}
