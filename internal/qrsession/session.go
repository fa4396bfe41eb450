// Package qrsession manages the per-lecture QR sessions students scan to
// prove presence. A lecture has at most one active session at a time.
package qrsession

import (
	"context"
	"errors"
	"time"
)

// State is the lifecycle state of a session. Every state other than active
// is terminal.
type State string

const (
	StateActive    State = "active"
	StateExpired   State = "expired"
	StateExhausted State = "exhausted"
	StateArchived  State = "archived"
)

// Session is one issued QR session.
type Session struct {
	ID         string     `json:"session_id"`
	LectureID  int64      `json:"lecture_id"`
	IssuedBy   int64      `json:"issued_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	MaxUsage   int        `json:"max_usage_count"`
	UsageCount int        `json:"current_usage_count"`
	State      State      `json:"status"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Remaining is the time left before expiry, never negative.
func (s Session) Remaining(now time.Time) time.Duration {
	if d := s.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// observe applies the time- and usage-driven transitions visible at now and
// reports whether the state changed.
func (s Session) observe(now time.Time) (Session, bool) {
	if s.State != StateActive {
		return s, false
	}
	switch {
	case !now.Before(s.ExpiresAt):
		s.State = StateExpired
		return s, true
	case s.UsageCount >= s.MaxUsage:
		s.State = StateExhausted
		return s, true
	}
	return s, false
}

var (
	// ErrNotFound is returned by stores for unknown sessions.
	ErrNotFound = errors.New("qrsession: not found")
	// ErrActiveExists is returned by Create when the lecture already has an
	// active session.
	ErrActiveExists = errors.New("qrsession: lecture already has an active session")
)

// Store persists sessions. Implementations keep every session, including
// terminal ones, for audit.
type Store interface {
	Get(ctx context.Context, id string) (Session, error)
	// Active returns the session stored as active for a lecture, or ErrNotFound.
	Active(ctx context.Context, lectureID int64) (Session, error)
	Create(ctx context.Context, s Session) error
	Update(ctx context.Context, s Session) error
}
