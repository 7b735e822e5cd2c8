package services

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"

	"studytimer-backend/internal/models"
)

// MaxDurationSeconds caps a session at two hours.
const MaxDurationSeconds = 7200

// coinBlockSeconds is the award granularity: one base coin per three full
// minutes of active study time.
const coinBlockSeconds = 180

// TimerStore is the durable record of sessions. Transition methods report
// whether the guarded update won; a false result means a concurrent request
// performed the transition first.
type TimerStore interface {
	Create(ctx context.Context, t *models.Timer) error
	GetOpen(ctx context.Context, userID uuid.UUID) (*models.Timer, error)
	MarkPaused(ctx context.Context, id uuid.UUID, pausedAt time.Time) (bool, error)
	MarkResumed(ctx context.Context, id uuid.UUID, totalPausedSeconds int, endTime time.Time) (bool, error)
	Complete(ctx context.Context, id, userID uuid.UUID, durationSeconds int, earnedCoins float64) (newBalance float64, won bool, err error)
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)
	ListRecent(ctx context.Context, userID uuid.UUID, limit int) ([]models.Timer, error)
	Stats(ctx context.Context, userID uuid.UUID) (*models.TimerStats, error)
}

// AccountReader provides the multiplier applied to coin awards.
type AccountReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// TimerService owns the session state machine. There is no background
// ticking: elapsed and remaining time are derived from stored timestamps on
// every read, so state survives restarts and tolerates client polling at any
// interval.
type TimerService struct {
	store TimerStore
	users AccountReader
	clock clockwork.Clock
}

func NewTimerService(store TimerStore, users AccountReader, clock clockwork.Clock) *TimerService {
	return &TimerService{store: store, users: users, clock: clock}
}

// StopResult carries the award details reported when a session completes.
type StopResult struct {
	Session     *models.Timer `json:"session"`
	EarnedCoins float64       `json:"earned_coins"`
	TotalCoins  float64       `json:"total_coins"`
}

func (s *TimerService) Start(ctx context.Context, userID uuid.UUID, durationSeconds int) (*models.Timer, error) {
	if durationSeconds <= 0 || durationSeconds > MaxDurationSeconds {
		return nil, &ValidationError{Fields: map[string]string{
			"duration_seconds": "Timer duration must be between 1 second and 2 hours",
		}}
	}

	now := s.clock.Now()
	t := &models.Timer{
		UserID:    userID,
		StartTime: now,
		EndTime:   now.Add(time.Duration(durationSeconds) * time.Second),
	}

	if err := s.store.Create(ctx, t); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &AlreadyRunningError{Message: "You already have an active timer"}
		}
		return nil, err
	}

	return t, nil
}

// Current returns the open session and its remaining seconds, or (nil, 0)
// when the owner has none. When an active session's remaining time has hit
// zero the session is completed here, on the read path.
func (s *TimerService) Current(ctx context.Context, userID uuid.UUID) (*models.Timer, int, error) {
	t, err := s.store.GetOpen(ctx, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, nil
		}
		return nil, 0, err
	}

	remaining := remainingSeconds(t, s.clock.Now())

	if remaining == 0 && t.Status == models.TimerActive {
		_, won, err := s.complete(ctx, t)
		if err != nil {
			return nil, 0, err
		}
		if !won {
			// A concurrent stop finished the session first.
			return nil, 0, nil
		}
	}

	return t, remaining, nil
}

func (s *TimerService) Pause(ctx context.Context, userID uuid.UUID) (*models.Timer, error) {
	t, err := s.store.GetOpen(ctx, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotActiveError{Message: "No active timer found"}
		}
		return nil, err
	}
	if t.Status != models.TimerActive {
		return nil, &NotActiveError{Message: "No active timer found"}
	}

	now := s.clock.Now()
	won, err := s.store.MarkPaused(ctx, t.ID, now)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, &NotActiveError{Message: "No active timer found"}
	}

	t.Status = models.TimerPaused
	t.PausedAt = &now
	return t, nil
}

func (s *TimerService) Resume(ctx context.Context, userID uuid.UUID) (*models.Timer, error) {
	t, err := s.store.GetOpen(ctx, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotPausedError{Message: "No paused timer found"}
		}
		return nil, err
	}
	if t.Status != models.TimerPaused || t.PausedAt == nil {
		return nil, &NotPausedError{Message: "No paused timer found"}
	}

	now := s.clock.Now()
	pauseSeconds := int(now.Sub(*t.PausedAt).Seconds())
	if pauseSeconds < 0 {
		pauseSeconds = 0
	}

	// The deadline shifts by the pause interval so time does not run out
	// while paused.
	newTotalPaused := t.TotalPausedSeconds + pauseSeconds
	newEnd := t.EndTime.Add(time.Duration(pauseSeconds) * time.Second)

	won, err := s.store.MarkResumed(ctx, t.ID, newTotalPaused, newEnd)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, &NotPausedError{Message: "No paused timer found"}
	}

	t.Status = models.TimerActive
	t.PausedAt = nil
	t.TotalPausedSeconds = newTotalPaused
	t.EndTime = newEnd
	return t, nil
}

func (s *TimerService) Stop(ctx context.Context, userID uuid.UUID) (*StopResult, error) {
	t, err := s.store.GetOpen(ctx, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NoSessionError{Message: "No active timer found"}
		}
		return nil, err
	}

	balance, won, err := s.complete(ctx, t)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, &NoSessionError{Message: "No active timer found"}
	}

	return &StopResult{Session: t, EarnedCoins: t.EarnedCoins, TotalCoins: balance}, nil
}

func (s *TimerService) Cancel(ctx context.Context, userID uuid.UUID) (*models.Timer, error) {
	t, err := s.store.GetOpen(ctx, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NoSessionError{Message: "No active timer found"}
		}
		return nil, err
	}

	won, err := s.store.Cancel(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, &NoSessionError{Message: "No active timer found"}
	}

	t.Status = models.TimerCancelled
	t.PausedAt = nil
	return t, nil
}

func (s *TimerService) History(ctx context.Context, userID uuid.UUID, limit int) ([]models.Timer, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.store.ListRecent(ctx, userID, limit)
}

func (s *TimerService) Stats(ctx context.Context, userID uuid.UUID) (*models.TimerStats, error) {
	return s.store.Stats(ctx, userID)
}

// complete finishes the session and credits coins in one store transaction.
// The reference instant for the elapsed computation is now for an active
// session and pausedAt for a paused one, so an in-progress pause is never
// double-subtracted. won=false means a concurrent terminal transition
// happened first and nothing was credited.
func (s *TimerService) complete(ctx context.Context, t *models.Timer) (balance float64, won bool, err error) {
	totalSeconds := activeSeconds(t, s.clock.Now())
	if totalSeconds < 0 {
		totalSeconds = 0
	}

	user, err := s.users.GetByID(ctx, t.UserID)
	if err != nil {
		return 0, false, err
	}

	earned := coinAward(totalSeconds, user.Multiplier)

	balance, won, err = s.store.Complete(ctx, t.ID, t.UserID, totalSeconds, earned)
	if err != nil || !won {
		return 0, won, err
	}

	t.Status = models.TimerCompleted
	t.PausedAt = nil
	t.EarnedCoins = earned
	t.DurationSeconds = totalSeconds
	return balance, true, nil
}

// totalDurationSeconds recovers the requested session length. Resume shifts
// EndTime forward by each pause interval (never StartTime), so subtracting
// the accumulated paused time keeps this invariant across pause/resume
// cycles.
func totalDurationSeconds(t *models.Timer) int {
	return int(t.EndTime.Sub(t.StartTime).Seconds()) - t.TotalPausedSeconds
}

// activeSeconds is wall-clock time since start minus all accumulated paused
// time. For a paused session the reference instant is pausedAt, not now.
func activeSeconds(t *models.Timer, now time.Time) int {
	ref := now
	if t.Status == models.TimerPaused && t.PausedAt != nil {
		ref = *t.PausedAt
	}
	return int(ref.Sub(t.StartTime).Seconds()) - t.TotalPausedSeconds
}

// remainingSeconds derives the countdown value from stored timestamps. A
// paused session's remaining is not floored at zero since it is not
// consuming time; an active one is, and hitting zero triggers completion on
// the read path.
func remainingSeconds(t *models.Timer, now time.Time) int {
	remaining := totalDurationSeconds(t) - activeSeconds(t, now)
	if t.Status == models.TimerActive && remaining < 0 {
		remaining = 0
	}
	return remaining
}

// coinAward is one coin per three full minutes of active time, scaled by the
// account multiplier and rounded to two decimals.
func coinAward(totalSeconds int, multiplier float64) float64 {
	base := float64(totalSeconds / coinBlockSeconds)
	return math.Round(base*multiplier*100) / 100
}

// Timer state errors

type AlreadyRunningError struct{ Message string }

func (e *AlreadyRunningError) Error() string { return e.Message }

type NotActiveError struct{ Message string }

func (e *NotActiveError) Error() string { return e.Message }

type NotPausedError struct{ Message string }

func (e *NotPausedError) Error() string { return e.Message }

type NoSessionError struct{ Message string }

func (e *NoSessionError) Error() string { return e.Message }
