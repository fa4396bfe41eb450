package qrsession

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"attendsync/internal/apperror"
	"attendsync/internal/keylock"
	"attendsync/internal/metrics"
)

// Policy bounds issuance parameters.
type Policy struct {
	DefaultDuration time.Duration `yaml:"default_duration"`
	MinDuration     time.Duration `yaml:"min_duration"`
	MaxDuration     time.Duration `yaml:"max_duration"`
	DefaultMaxUsage int           `yaml:"default_max_usage"`
}

func DefaultPolicy() Policy {
	return Policy{
		DefaultDuration: 15 * time.Minute,
		MinDuration:     time.Minute,
		MaxDuration:     60 * time.Minute,
		DefaultMaxUsage: 1000,
	}
}

// IssueRequest asks for a session. Zero Duration and MaxUsage take the
// policy defaults.
type IssueRequest struct {
	LectureID int64
	IssuedBy  int64
	Duration  time.Duration
	MaxUsage  int
	ForceNew  bool
}

// Reason explains a failed redemption.
type Reason string

const (
	ReasonExpired         Reason = "expired"
	ReasonExhausted       Reason = "exhausted"
	ReasonNotFound        Reason = "not_found"
	ReasonLectureMismatch Reason = "lecture_mismatch"
)

// Redemption is the result of one redeem attempt. Session is the state after
// the attempt; it is zero when the session does not exist.
type Redemption struct {
	OK      bool
	Reason  Reason
	Session Session
}

// Manager issues and redeems sessions. All state changes for a lecture
// happen under that lecture's lock.
type Manager struct {
	store   Store
	locks   keylock.Locker
	policy  Policy
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l.Named("qrsession") }
}

// NewManager creates a manager.
func NewManager(store Store, locks keylock.Locker, policy Policy, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		locks:  locks,
		policy: policy,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) normalize(req IssueRequest) (IssueRequest, error) {
	if req.LectureID <= 0 {
		return req, apperror.Validation("lecture_id is required")
	}
	if req.Duration == 0 {
		req.Duration = m.policy.DefaultDuration
	}
	if req.Duration < m.policy.MinDuration || req.Duration > m.policy.MaxDuration {
		return req, apperror.Validation(fmt.Sprintf("duration_minutes must be between %d and %d",
			int(m.policy.MinDuration/time.Minute), int(m.policy.MaxDuration/time.Minute)))
	}
	if req.MaxUsage == 0 {
		req.MaxUsage = m.policy.DefaultMaxUsage
	}
	if req.MaxUsage < 1 {
		return req, apperror.Validation("max_usage_count must be at least 1")
	}
	return req, nil
}

// Issue returns the lecture's active session, creating one if none is
// active. With ForceNew an active session is archived and replaced. created
// reports whether a new session was made.
func (m *Manager) Issue(ctx context.Context, req IssueRequest) (sess Session, created bool, err error) {
	req, err = m.normalize(req)
	if err != nil {
		return Session{}, false, err
	}
	unlock, err := m.locks.Lock(ctx, keylock.QRLecture(req.LectureID))
	if err != nil {
		return Session{}, false, err
	}
	defer unlock()

	now := m.now().UTC()
	current, err := m.store.Active(ctx, req.LectureID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return Session{}, false, err
	default:
		current, err = m.settle(ctx, current, now)
		if err != nil {
			return Session{}, false, err
		}
		if current.State == StateActive {
			if !req.ForceNew {
				m.metrics.QRIssued("existing")
				return current, false, nil
			}
			current.State = StateArchived
			if err := m.store.Update(ctx, current); err != nil {
				return Session{}, false, err
			}
			m.logger.Info("session archived", zap.String("session_id", current.ID), zap.Int64("lecture_id", req.LectureID))
		}
	}

	sess = Session{
		ID:        uuid.NewString(),
		LectureID: req.LectureID,
		IssuedBy:  req.IssuedBy,
		CreatedAt: now,
		ExpiresAt: now.Add(req.Duration),
		MaxUsage:  req.MaxUsage,
		State:     StateActive,
	}
	if err := m.store.Create(ctx, sess); err != nil {
		return Session{}, false, err
	}
	m.metrics.QRIssued("new")
	m.logger.Info("session issued",
		zap.String("session_id", sess.ID),
		zap.Int64("lecture_id", sess.LectureID),
		zap.Time("expires_at", sess.ExpiresAt),
		zap.Int("max_usage", sess.MaxUsage))
	return sess, true, nil
}

// Get returns a session with lazy expiry applied.
func (m *Manager) Get(ctx context.Context, id string) (Session, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if s.State != StateActive {
		return s, nil
	}
	unlock, err := m.locks.Lock(ctx, keylock.QRLecture(s.LectureID))
	if err != nil {
		return Session{}, err
	}
	defer unlock()
	if s, err = m.store.Get(ctx, id); err != nil {
		return Session{}, err
	}
	return m.settle(ctx, s, m.now().UTC())
}

// Redeem consumes one use of a session.
func (m *Manager) Redeem(ctx context.Context, id string) (Redemption, error) {
	return m.redeem(ctx, id, 0)
}

// RedeemForLecture consumes one use of a session that must belong to
// lectureID. A session of another lecture is refused without consuming use.
func (m *Manager) RedeemForLecture(ctx context.Context, id string, lectureID int64) (Redemption, error) {
	return m.redeem(ctx, id, lectureID)
}

func (m *Manager) redeem(ctx context.Context, id string, lectureID int64) (Redemption, error) {
	red, err := m.tryRedeem(ctx, id, lectureID)
	if err != nil {
		return Redemption{}, err
	}
	if red.OK {
		m.metrics.QRRedeemed("ok")
	} else {
		m.metrics.QRRedeemed(string(red.Reason))
	}
	return red, nil
}

func (m *Manager) tryRedeem(ctx context.Context, id string, lectureID int64) (Redemption, error) {
	if id == "" {
		return Redemption{Reason: ReasonNotFound}, nil
	}
	s, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Redemption{Reason: ReasonNotFound}, nil
	}
	if err != nil {
		return Redemption{}, err
	}
	if lectureID != 0 && s.LectureID != lectureID {
		return Redemption{Reason: ReasonLectureMismatch, Session: s}, nil
	}

	unlock, err := m.locks.Lock(ctx, keylock.QRLecture(s.LectureID))
	if err != nil {
		return Redemption{}, err
	}
	defer unlock()

	// Re-read under the lock; the first read only located the lecture.
	if s, err = m.store.Get(ctx, id); err != nil {
		return Redemption{}, err
	}
	now := m.now().UTC()
	if s, err = m.settle(ctx, s, now); err != nil {
		return Redemption{}, err
	}
	if reason, ok := refusal(s.State); ok {
		return Redemption{Reason: reason, Session: s}, nil
	}

	s.UsageCount++
	s.LastUsedAt = &now
	if s.UsageCount >= s.MaxUsage {
		s.State = StateExhausted
	}
	if err := m.store.Update(ctx, s); err != nil {
		return Redemption{}, err
	}
	if s.State == StateExhausted {
		m.logger.Info("session exhausted", zap.String("session_id", s.ID), zap.Int("usage", s.UsageCount))
	}
	return Redemption{OK: true, Session: s}, nil
}

// Release returns one use of a session, undoing a redemption whose
// attendance record could not be stored. A session exhausted by that use
// becomes active again unless it has expired or the lecture has another
// active session by now.
func (m *Manager) Release(ctx context.Context, id string) error {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	unlock, err := m.locks.Lock(ctx, keylock.QRLecture(s.LectureID))
	if err != nil {
		return err
	}
	defer unlock()

	if s, err = m.store.Get(ctx, id); err != nil {
		return err
	}
	if s.UsageCount == 0 {
		return nil
	}
	s.UsageCount--
	if s.State == StateExhausted && s.UsageCount < s.MaxUsage {
		_, err := m.store.Active(ctx, s.LectureID)
		switch {
		case errors.Is(err, ErrNotFound):
			s.State = StateActive
			s, _ = s.observe(m.now().UTC())
		case err != nil:
			return err
		}
	}
	if err := m.store.Update(ctx, s); err != nil {
		return err
	}
	m.metrics.QRRedeemed("released")
	m.logger.Info("session use released",
		zap.String("session_id", s.ID),
		zap.Int("usage", s.UsageCount),
		zap.String("state", string(s.State)))
	return nil
}

// refusal maps a non-active state to the reason a redemption fails. An
// archived session was superseded, which the client sees as expired.
func refusal(st State) (Reason, bool) {
	switch st {
	case StateActive:
		return "", false
	case StateExhausted:
		return ReasonExhausted, true
	default:
		return ReasonExpired, true
	}
}

// settle persists any transition observed at now. Callers hold the lecture lock.
func (m *Manager) settle(ctx context.Context, s Session, now time.Time) (Session, error) {
	next, changed := s.observe(now)
	if !changed {
		return s, nil
	}
	if err := m.store.Update(ctx, next); err != nil {
		return Session{}, err
	}
	m.logger.Debug("session transitioned",
		zap.String("session_id", next.ID),
		zap.String("from", string(s.State)),
		zap.String("to", string(next.State)))
	return next, nil
}
