package models

import (
	"time"

	"github.com/google/uuid"
)

type TimerStatus string

const (
	TimerActive    TimerStatus = "active"
	TimerPaused    TimerStatus = "paused"
	TimerCompleted TimerStatus = "completed"
	TimerCancelled TimerStatus = "cancelled"
)

// Terminal reports whether the session can no longer transition.
func (s TimerStatus) Terminal() bool {
	return s == TimerCompleted || s == TimerCancelled
}

// Timer is one timed study session. EndTime is the deadline at which the
// session auto-completes; resuming shifts it forward by the pause interval
// so paused time never counts against the user.
type Timer struct {
	ID                 uuid.UUID   `json:"id"`
	UserID             uuid.UUID   `json:"user_id"`
	StartTime          time.Time   `json:"start_time"`
	EndTime            time.Time   `json:"end_time"`
	PausedAt           *time.Time  `json:"paused_at,omitempty"`
	TotalPausedSeconds int         `json:"total_paused_seconds"`
	Status             TimerStatus `json:"status"`
	EarnedCoins        float64     `json:"earned_coins"`
	DurationSeconds    int         `json:"duration_seconds"`
	CreatedAt          time.Time   `json:"created_at"`
}

type StartTimerRequest struct {
	DurationSeconds int `json:"duration_seconds"`
}

type TimerStats struct {
	TotalSessions     int     `json:"total_sessions"`
	CompletedSessions int     `json:"completed_sessions"`
	TotalStudySeconds int     `json:"total_study_seconds"`
	TotalCoinsEarned  float64 `json:"total_coins_earned"`
	SessionsLast7Days int     `json:"sessions_last_7_days"`
	SecondsLast7Days  int     `json:"seconds_last_7_days"`
}
