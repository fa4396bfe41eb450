package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"attendsync/internal/apperror"
	"attendsync/internal/catalog"
	"attendsync/internal/events"
	"attendsync/internal/geofence"
	"attendsync/internal/keylock"
	"attendsync/internal/logging"
	"attendsync/internal/metrics"
	"attendsync/internal/qrsession"
	"attendsync/internal/version"
)

// Policy tunes ingestion.
type Policy struct {
	MaxBatchSize int `yaml:"max_batch_size"`
	// RequireLocation rejects fixes outside the room; otherwise they are
	// accepted with location_verified=false.
	RequireLocation      bool            `yaml:"require_location"`
	EnforceLectureWindow bool            `yaml:"enforce_lecture_window"`
	EarlyGrace           time.Duration   `yaml:"early_grace"`
	LateGrace            time.Duration   `yaml:"late_grace"`
	MaxClockSkew         time.Duration   `yaml:"max_clock_skew"`
	BatchLogTTL          time.Duration   `yaml:"batch_log_ttl"`
	Geofence             geofence.Policy `yaml:"geofence"`
}

func DefaultPolicy() Policy {
	return Policy{
		MaxBatchSize:         100,
		RequireLocation:      true,
		EnforceLectureWindow: true,
		EarlyGrace:           15 * time.Minute,
		LateGrace:            30 * time.Minute,
		MaxClockSkew:         5 * time.Minute,
		BatchLogTTL:          24 * time.Hour,
		Geofence:             geofence.DefaultPolicy(),
	}
}

// Catalog is the reference data ingestion needs.
type Catalog interface {
	Lecture(ctx context.Context, id int64) (catalog.Lecture, error)
	Room(ctx context.Context, id int64) (catalog.Room, error)
}

// Redeemer consumes QR session uses. Release returns a use whose claim could
// not be stored.
type Redeemer interface {
	RedeemForLecture(ctx context.Context, sessionID string, lectureID int64) (qrsession.Redemption, error)
	Release(ctx context.Context, sessionID string) error
}

// TokenVerifier checks the signed token a device scanned from the QR code.
type TokenVerifier interface {
	Verify(token, sessionID string, lectureID int64, now time.Time) error
}

// Deps are the collaborators of a Service. Tokens, Events, Batches, Logger
// and Metrics are optional.
type Deps struct {
	Store    Store
	Catalog  Catalog
	QR       Redeemer
	Tokens   TokenVerifier
	Locks    keylock.Locker
	Versions version.Counter
	Events   events.Publisher
	Batches  BatchLog
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Service ingests offline attendance batches.
type Service struct {
	store    Store
	catalog  Catalog
	qr       Redeemer
	tokens   TokenVerifier
	locks    keylock.Locker
	versions version.Counter
	events   events.Publisher
	batches  BatchLog
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	validate *validator.Validate
	policy   Policy
	checks   []check
}

// NewService creates a service.
func NewService(d Deps, policy Policy) *Service {
	s := &Service{
		store:    d.Store,
		catalog:  d.Catalog,
		qr:       d.QR,
		tokens:   d.Tokens,
		locks:    d.Locks,
		versions: d.Versions,
		events:   d.Events,
		batches:  d.Batches,
		logger:   d.Logger,
		metrics:  d.Metrics,
		now:      d.Now,
		policy:   policy,
	}
	if s.events == nil {
		s.events = events.Discard{}
	}
	if s.batches == nil {
		s.batches = NewMemoryBatchLog(policy.BatchLogTTL)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.Named("ingest")
	if s.now == nil {
		s.now = time.Now
	}
	if s.policy.MaxBatchSize <= 0 {
		s.policy.MaxBatchSize = 100
	}
	s.validate = validator.New()
	s.validate.RegisterTagNameFunc(apperror.JSONTagName)
	s.checks = []check{
		{name: "lecture_window", run: s.checkWindow},
		{name: "qr", run: s.checkQR},
		{name: "geofence", run: s.checkLocation},
	}
	return s
}

// Ingest processes a batch for one student. Structural problems fail the
// whole batch; everything else is reported per record. Ingestion runs to
// completion even if ctx is cancelled.
func (s *Service) Ingest(ctx context.Context, studentID int64, b Batch) (BatchResult, error) {
	ctx = context.WithoutCancel(ctx)
	log := logging.FromContext(ctx, s.logger)

	if studentID <= 0 {
		return BatchResult{}, apperror.Validation("student_id is required")
	}
	if b.ID == "" {
		return BatchResult{}, apperror.Validation("batch_id is required")
	}
	if len(b.Claims) == 0 {
		return BatchResult{}, apperror.Validation("attendance_records must not be empty")
	}
	if len(b.Claims) > s.policy.MaxBatchSize {
		return BatchResult{}, apperror.Validation(fmt.Sprintf("at most %d attendance_records per batch", s.policy.MaxBatchSize))
	}

	prior, ok, err := s.batches.Get(ctx, studentID, b.ID)
	switch {
	case err != nil:
		log.Warn("batch log lookup failed", zap.String("batch_id", b.ID), zap.Error(err))
	case ok && sameClaims(prior, b):
		log.Info("batch replayed from log", zap.String("batch_id", b.ID), zap.Int64("student_id", studentID))
		return prior, nil
	case ok:
		log.Warn("batch id reused with different records", zap.String("batch_id", b.ID), zap.Int64("student_id", studentID))
	}

	start := time.Now()
	res := BatchResult{BatchID: b.ID, Results: make([]RecordResult, len(b.Claims))}
	for i, c := range b.Claims {
		r := s.ingestOne(ctx, studentID, b, c)
		r.Index = i
		res.Results[i] = r
		s.metrics.RecordIngested(string(r.Status), string(r.Reason))
	}
	res.Summary = summarize(res.Results)
	s.metrics.BatchIngested(time.Since(start))

	if res.Summary.Reasons[ReasonInternal] == 0 {
		if err := s.batches.Put(ctx, studentID, b.ID, res); err != nil {
			log.Warn("batch log write failed", zap.String("batch_id", b.ID), zap.Error(err))
		}
	}
	log.Info("batch ingested",
		zap.String("batch_id", b.ID),
		zap.Int64("student_id", studentID),
		zap.Int("accepted", res.Summary.Accepted),
		zap.Int("rejected", res.Summary.Rejected),
		zap.Int("conflicted", res.Summary.Conflicted))
	return res, nil
}

// sameClaims reports whether a logged result answers exactly the claims of b.
func sameClaims(prior BatchResult, b Batch) bool {
	if len(prior.Results) != len(b.Claims) {
		return false
	}
	for i, c := range b.Claims {
		if prior.Results[i].LocalID != c.LocalID {
			return false
		}
	}
	return true
}

// Record returns one stored record.
func (s *Service) Record(ctx context.Context, id string) (Record, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) internalError(ctx context.Context, res RecordResult, err error) RecordResult {
	logging.FromContext(ctx, s.logger).Error("record ingestion failed", zap.String("local_id", res.LocalID), zap.Error(err))
	res.Status, res.Reason, res.Message = StatusRejected, ReasonInternal, "record could not be stored, retry later"
	return res
}

// ingestOne runs the ordered checks for one claim. The critical section,
// from the idempotency lookup to the write, holds the (student, lecture) lock.
func (s *Service) ingestOne(ctx context.Context, studentID int64, b Batch, c Claim) RecordResult {
	res := RecordResult{LocalID: c.LocalID}
	if msg, ok := s.validateClaim(c); !ok {
		res.Status, res.Reason, res.Message = StatusRejected, ReasonValidation, msg
		return res
	}

	lec, err := s.catalog.Lecture(ctx, c.LectureID)
	if errors.Is(err, catalog.ErrNotFound) {
		res.Status, res.Reason, res.Message = StatusRejected, ReasonLectureNotFound, fmt.Sprintf("lecture %d does not exist", c.LectureID)
		return res
	}
	if err != nil {
		return s.internalError(ctx, res, err)
	}
	room, roomErr := s.catalog.Room(ctx, lec.RoomID)

	unlock, err := s.locks.Lock(ctx, keylock.Attendance(studentID, c.LectureID))
	if err != nil {
		return s.internalError(ctx, res, err)
	}
	defer unlock()

	prior, err := s.store.ByLocalID(ctx, studentID, c.LocalID)
	if err == nil {
		return replay(res, prior)
	}
	if !errors.Is(err, ErrNotFound) {
		return s.internalError(ctx, res, err)
	}

	a := &attempt{claim: c, lecture: lec, room: room, roomErr: roomErr, record: s.newRecord(studentID, b, c)}
	out := s.decide(ctx, res, a)
	if a.redeemed && !a.stored {
		s.releaseQR(ctx, a)
	}
	return out
}

func (s *Service) decide(ctx context.Context, res RecordResult, a *attempt) RecordResult {
	for _, ch := range s.checks {
		reason, msg, err := ch.run(ctx, a)
		if err != nil {
			return s.internalError(ctx, res, fmt.Errorf("%s check: %w", ch.name, err))
		}
		if reason != ReasonNone {
			return s.persistRejection(ctx, res, a, reason, msg)
		}
	}
	return s.persistAccepted(ctx, res, a)
}

// releaseQR gives back the session use of a claim that left no record, so a
// retry of the same claim does not spend a second use.
func (s *Service) releaseQR(ctx context.Context, a *attempt) {
	if err := s.qr.Release(ctx, a.claim.QRSessionID); err != nil {
		logging.FromContext(ctx, s.logger).Error("qr use not released",
			zap.String("session_id", a.claim.QRSessionID),
			zap.String("local_id", a.claim.LocalID),
			zap.Error(err))
	}
}

func (s *Service) validateClaim(c Claim) (string, bool) {
	if err := s.validate.Struct(c); err != nil {
		return apperror.MapValidationError(err).Message, false
	}
	if c.CheckInTime.After(s.now().Add(s.policy.MaxClockSkew)) {
		return "check_in_time is in the future", false
	}
	return "", true
}

func (s *Service) newRecord(studentID int64, b Batch, c Claim) Record {
	now := s.now().UTC()
	return Record{
		ID:           newID(),
		StudentID:    studentID,
		LectureID:    c.LectureID,
		LocalID:      c.LocalID,
		DeviceID:     b.DeviceID,
		BatchID:      b.ID,
		QRSessionID:  c.QRSessionID,
		Latitude:     c.Latitude,
		Longitude:    c.Longitude,
		Altitude:     c.Altitude,
		Accuracy:     c.Accuracy,
		CheckInTime:  c.CheckInTime.UTC(),
		FaceVerified: c.FaceVerified,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func replay(res RecordResult, prior Record) RecordResult {
	res.Status = prior.Outcome
	res.Reason = prior.Reason
	res.Message = prior.Message
	res.RecordID = prior.ID
	res.ConflictID = prior.ConflictID
	res.AttendanceType = prior.Type
	res.Verified = prior.VerificationCompleted()
	res.Duplicate = true
	return res
}

// insert stamps rec with the next attendance version and writes it. The
// version stays reserved until the write returns. When a concurrent
// submission of the same local id won the race, the earlier outcome is
// returned instead and ok is false.
func (s *Service) insert(ctx context.Context, res RecordResult, rec Record, write func(Record) error) (out RecordResult, ok bool) {
	v, release, err := s.versions.Next(ctx, version.Attendance)
	if err != nil {
		return s.internalError(ctx, res, err), false
	}
	rec.Version = v
	err = write(rec)
	release()
	if errors.Is(err, ErrDuplicateLocalID) {
		prior, gerr := s.store.ByLocalID(ctx, rec.StudentID, rec.LocalID)
		if gerr != nil {
			return s.internalError(ctx, res, gerr), false
		}
		return replay(res, prior), false
	}
	if err != nil {
		return s.internalError(ctx, res, err), false
	}
	return res, true
}

func (s *Service) persistRejection(ctx context.Context, res RecordResult, a *attempt, reason Reason, msg string) RecordResult {
	rec := a.record
	rec.Outcome, rec.Status, rec.Reason, rec.Message = StatusRejected, StatusRejected, reason, msg
	out, ok := s.insert(ctx, res, rec, func(r Record) error { return s.store.Insert(ctx, r) })
	if !ok {
		return out
	}
	a.stored = true
	out.Status, out.Reason, out.Message, out.RecordID = StatusRejected, reason, msg, rec.ID
	return out
}

func (s *Service) persistAccepted(ctx context.Context, res RecordResult, a *attempt) RecordResult {
	rec := a.record
	rec.Type = TypeOnTime
	if rec.CheckInTime.After(a.lecture.LateAfter()) {
		rec.Type = TypeLate
	}

	existing, err := s.store.Accepted(ctx, rec.StudentID, rec.LectureID)
	if err != nil {
		return s.internalError(ctx, res, err)
	}
	if len(existing) == 0 {
		rec.Outcome, rec.Status = StatusAccepted, StatusAccepted
		out, ok := s.insert(ctx, res, rec, func(r Record) error { return s.store.Insert(ctx, r) })
		if !ok {
			return out
		}
		a.stored = true
		out.Status, out.RecordID, out.AttendanceType, out.Verified = StatusAccepted, rec.ID, rec.Type, rec.VerificationCompleted()
		return out
	}

	original := existing[0]
	c := Conflict{
		ID:                newID(),
		StudentID:         rec.StudentID,
		LectureID:         rec.LectureID,
		OriginalID:        original.ID,
		ChallengerID:      rec.ID,
		ChallengerLocalID: rec.LocalID,
		DetectedAt:        s.now().UTC(),
		State:             ConflictOpen,
	}
	rec.Outcome, rec.Status, rec.Reason, rec.ConflictID = StatusConflicted, StatusConflicted, ReasonDuplicateStudent, c.ID
	rec.Message = "an accepted record already exists for this lecture"
	out, ok := s.insert(ctx, res, rec, func(r Record) error { return s.store.InsertConflicted(ctx, r, c) })
	if !ok {
		return out
	}
	a.stored = true
	out.Status, out.Reason, out.Message = StatusConflicted, ReasonDuplicateStudent, rec.Message
	out.RecordID, out.ConflictID, out.AttendanceType = rec.ID, c.ID, rec.Type

	s.metrics.Conflict("detected", "")
	s.publish(ctx, events.ConflictDetected, c)
	return out
}

func (s *Service) publish(ctx context.Context, typ events.Type, c Conflict) {
	msg, err := events.New(typ, c.ID, events.Conflict{
		ConflictID:       c.ID,
		StudentID:        c.StudentID,
		LectureID:        c.LectureID,
		OriginalID:       c.OriginalID,
		ChallengerID:     c.ChallengerID,
		Strategy:         string(c.Strategy),
		ResolvedRecordID: c.ResolvedRecordID,
	})
	if err == nil {
		err = s.events.Publish(ctx, msg)
	}
	if err != nil {
		logging.FromContext(ctx, s.logger).Warn("publish event failed",
			zap.String("type", string(typ)), zap.String("conflict_id", c.ID), zap.Error(err))
		return
	}
	s.metrics.Event("published", string(typ))
}
