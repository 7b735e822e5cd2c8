package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"studytimer-backend/internal/models"
)

type TimerRepo struct {
	pool *pgxpool.Pool
}

func NewTimerRepo(pool *pgxpool.Pool) *TimerRepo {
	return &TimerRepo{pool: pool}
}

const timerColumns = `id, user_id, start_time, end_time, paused_at, total_paused_seconds, status, earned_coins, duration_seconds, created_at`

// Create inserts the session only when the owner has no open one. The
// NOT EXISTS guard closes the check-then-insert race; pgx.ErrNoRows from the
// RETURNING scan means an open session already existed.
func (r *TimerRepo) Create(ctx context.Context, t *models.Timer) error {
	t.ID = uuid.New()

	query := `
		INSERT INTO timers (id, user_id, start_time, end_time, status)
		SELECT $1, $2, $3, $4, 'active'
		WHERE NOT EXISTS (
			SELECT 1 FROM timers
			WHERE user_id = $2 AND status IN ('active', 'paused')
		)
		RETURNING created_at`

	err := r.pool.QueryRow(ctx, query, t.ID, t.UserID, t.StartTime, t.EndTime).Scan(&t.CreatedAt)
	if err != nil {
		return err
	}

	t.Status = models.TimerActive
	return nil
}

// GetOpen returns the owner's session with status active or paused.
// Returns pgx.ErrNoRows when there is none.
func (r *TimerRepo) GetOpen(ctx context.Context, userID uuid.UUID) (*models.Timer, error) {
	t := &models.Timer{}
	query := `SELECT ` + timerColumns + `
		FROM timers
		WHERE user_id = $1 AND status IN ('active', 'paused')
		LIMIT 1`

	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&t.ID, &t.UserID, &t.StartTime, &t.EndTime, &t.PausedAt,
		&t.TotalPausedSeconds, &t.Status, &t.EarnedCoins, &t.DurationSeconds, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// MarkPaused transitions active → paused. The status guard makes the
// transition lose cleanly when a concurrent request got there first.
func (r *TimerRepo) MarkPaused(ctx context.Context, id uuid.UUID, pausedAt time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE timers
		SET status = 'paused', paused_at = $2
		WHERE id = $1 AND status = 'active'
	`, id, pausedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkResumed transitions paused → active, carrying the accumulated pause
// bookkeeping and the shifted deadline computed by the engine.
func (r *TimerRepo) MarkResumed(ctx context.Context, id uuid.UUID, totalPausedSeconds int, endTime time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE timers
		SET status = 'active', paused_at = NULL, total_paused_seconds = $2, end_time = $3
		WHERE id = $1 AND status = 'paused'
	`, id, totalPausedSeconds, endTime)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Complete finishes the session and credits the award in one transaction.
// The status guard on the terminal UPDATE guarantees the coin credit happens
// at most once even when a stop races a poll-triggered auto-complete; the
// loser sees won=false and no balance change.
func (r *TimerRepo) Complete(ctx context.Context, id, userID uuid.UUID, durationSeconds int, earnedCoins float64) (newBalance float64, won bool, err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE timers
		SET status = 'completed', paused_at = NULL, earned_coins = $2, duration_seconds = $3
		WHERE id = $1 AND status IN ('active', 'paused')
	`, id, earnedCoins, durationSeconds)
	if err != nil {
		return 0, false, err
	}
	if tag.RowsAffected() == 0 {
		return 0, false, nil
	}

	err = tx.QueryRow(ctx, `
		UPDATE users SET coins = coins + $2 WHERE id = $1 RETURNING coins
	`, userID, earnedCoins).Scan(&newBalance)
	if err != nil {
		return 0, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, false, err
	}
	return newBalance, true, nil
}

// Cancel terminates the session without any award.
func (r *TimerRepo) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE timers
		SET status = 'cancelled', paused_at = NULL
		WHERE id = $1 AND status IN ('active', 'paused')
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *TimerRepo) ListRecent(ctx context.Context, userID uuid.UUID, limit int) ([]models.Timer, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+timerColumns+`
		FROM timers
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	timers := make([]models.Timer, 0)
	for rows.Next() {
		var t models.Timer
		if err := rows.Scan(
			&t.ID, &t.UserID, &t.StartTime, &t.EndTime, &t.PausedAt,
			&t.TotalPausedSeconds, &t.Status, &t.EarnedCoins, &t.DurationSeconds, &t.CreatedAt,
		); err != nil {
			return nil, err
		}
		timers = append(timers, t)
	}

	return timers, rows.Err()
}

func (r *TimerRepo) Stats(ctx context.Context, userID uuid.UUID) (*models.TimerStats, error) {
	stats := &models.TimerStats{}
	err := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COALESCE(SUM(duration_seconds) FILTER (WHERE status = 'completed'), 0),
			COALESCE(SUM(earned_coins) FILTER (WHERE status = 'completed'), 0),
			COUNT(*) FILTER (WHERE created_at >= NOW() - INTERVAL '7 days'),
			COALESCE(SUM(duration_seconds) FILTER (WHERE status = 'completed' AND created_at >= NOW() - INTERVAL '7 days'), 0)
		FROM timers
		WHERE user_id = $1
	`, userID).Scan(
		&stats.TotalSessions,
		&stats.CompletedSessions,
		&stats.TotalStudySeconds,
		&stats.TotalCoinsEarned,
		&stats.SessionsLast7Days,
		&stats.SecondsLast7Days,
	)
	if err != nil {
		return nil, err
	}
	return stats, nil
}
