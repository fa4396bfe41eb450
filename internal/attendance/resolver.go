package attendance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"attendsync/internal/apperror"
	"attendsync/internal/events"
	"attendsync/internal/keylock"
	"attendsync/internal/logging"
	"attendsync/internal/metrics"
	"attendsync/internal/version"
)

// Strategy decides how a conflict collapses.
type Strategy string

const (
	// StrategySkip keeps the server's accepted record.
	StrategySkip Strategy = "skip"
	// StrategyOverwrite accepts the challenger.
	StrategyOverwrite Strategy = "overwrite"
	// StrategyMerge synthesizes one record from both.
	StrategyMerge Strategy = "merge"
)

// ParseStrategy accepts the canonical names and the client aliases
// keep_server and keep_local.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "skip", "keep_server":
		return StrategySkip, nil
	case "overwrite", "keep_local":
		return StrategyOverwrite, nil
	case "merge":
		return StrategyMerge, nil
	}
	return "", apperror.ErrStrategyUnsupported.WithMessage(fmt.Sprintf("resolution strategy %q is not supported", s))
}

// Resolution is the result of resolving one conflict.
type Resolution struct {
	Conflict Conflict `json:"conflict"`
	// Record is the record left accepted for the pair, if any.
	Record   *Record  `json:"resolved_record,omitempty"`
	Rejected []string `json:"rejected_record_ids"`
	// AlreadyResolved marks a stored resolution returned without recomputing.
	AlreadyResolved bool `json:"already_resolved"`
}

// Resolver applies strategies to conflict cases.
type Resolver struct {
	store    Store
	locks    keylock.Locker
	versions version.Counter
	events   events.Publisher
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewResolver creates a resolver. ev, logger and m may be nil.
func NewResolver(store Store, locks keylock.Locker, versions version.Counter, ev events.Publisher, logger *zap.Logger, m *metrics.Metrics) *Resolver {
	if ev == nil {
		ev = events.Discard{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:    store,
		locks:    locks,
		versions: versions,
		events:   ev,
		logger:   logger.Named("resolver"),
		metrics:  m,
		now:      time.Now,
	}
}

// Resolve applies strategy to a conflict. Resolving a resolved conflict
// returns the stored outcome whatever strategy is passed.
func (r *Resolver) Resolve(ctx context.Context, conflictID string, strategy Strategy) (Resolution, error) {
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return Resolution{}, err
	}
	unlockConflict, err := r.locks.Lock(ctx, keylock.Conflict(conflictID))
	if err != nil {
		return Resolution{}, err
	}
	defer unlockConflict()

	c, err := r.store.Conflict(ctx, conflictID)
	if errors.Is(err, ErrNotFound) {
		return Resolution{}, apperror.ErrNotFound.WithMessage("conflict not found")
	}
	if err != nil {
		return Resolution{}, err
	}
	if c.State == ConflictResolved {
		return r.stored(ctx, c)
	}

	unlockPair, err := r.locks.Lock(ctx, keylock.Attendance(c.StudentID, c.LectureID))
	if err != nil {
		return Resolution{}, err
	}
	defer unlockPair()

	var holds version.Holds
	defer func() { holds.Release() }()
	w, res, err := r.plan(ctx, c, strategy, &holds)
	if err != nil {
		return Resolution{}, err
	}
	if err := r.store.ApplyResolution(ctx, w); err != nil {
		return Resolution{}, fmt.Errorf("apply resolution %s: %w", c.ID, err)
	}

	r.metrics.Conflict("resolved", string(strategy))
	logging.FromContext(ctx, r.logger).Info("conflict resolved",
		zap.String("conflict_id", c.ID),
		zap.String("strategy", string(strategy)),
		zap.String("resolved_record_id", w.Conflict.ResolvedRecordID))
	r.publish(ctx, w.Conflict)
	return res, nil
}

// plan computes every write of a resolution without applying it. The versions
// it stamps stay reserved in holds until the caller has applied the writes.
func (r *Resolver) plan(ctx context.Context, c Conflict, strategy Strategy, holds *version.Holds) (ResolutionWrite, Resolution, error) {
	original, err := r.store.Get(ctx, c.OriginalID)
	if err != nil {
		return ResolutionWrite{}, Resolution{}, fmt.Errorf("load original %s: %w", c.OriginalID, err)
	}
	challenger, err := r.store.Get(ctx, c.ChallengerID)
	if err != nil {
		return ResolutionWrite{}, Resolution{}, fmt.Errorf("load challenger %s: %w", c.ChallengerID, err)
	}
	accepted, err := r.store.Accepted(ctx, c.StudentID, c.LectureID)
	if err != nil {
		return ResolutionWrite{}, Resolution{}, err
	}

	var (
		keep    *Record
		insert  *Record
		changes []StatusChange
		reject  = map[string]Reason{}
	)
	switch strategy {
	case StrategySkip:
		reject[challenger.ID] = ReasonSuperseded
		if len(accepted) > 0 {
			k := accepted[0]
			keep = &k
		}
	case StrategyOverwrite:
		for _, rec := range accepted {
			reject[rec.ID] = ReasonSuperseded
		}
		reject[original.ID] = ReasonSuperseded
		delete(reject, challenger.ID)
		k := challenger
		keep = &k
	case StrategyMerge:
		for _, rec := range accepted {
			reject[rec.ID] = ReasonSuperseded
		}
		reject[original.ID] = ReasonMerged
		reject[challenger.ID] = ReasonMerged
		m := merge(c, original, challenger)
		v, err := holds.Reserve(ctx, r.versions, version.Attendance)
		if err != nil {
			return ResolutionWrite{}, Resolution{}, err
		}
		m.Version = v
		m.CreatedAt, m.UpdatedAt = r.now().UTC(), r.now().UTC()
		insert, keep = &m, &m
	}

	if strategy == StrategyOverwrite && challenger.Status != StatusAccepted {
		v, err := holds.Reserve(ctx, r.versions, version.Attendance)
		if err != nil {
			return ResolutionWrite{}, Resolution{}, err
		}
		changes = append(changes, StatusChange{RecordID: challenger.ID, Status: StatusAccepted, Version: v})
		keep.Status, keep.StatusReason, keep.Version = StatusAccepted, ReasonNone, v
	}
	rejected := make([]string, 0, len(reject))
	for _, id := range []string{original.ID, challenger.ID} {
		if reason, ok := reject[id]; ok {
			rejected = append(rejected, id)
			delete(reject, id)
			ch, err := r.rejectChange(ctx, holds, id, reason)
			if err != nil {
				return ResolutionWrite{}, Resolution{}, err
			}
			changes = append(changes, ch)
		}
	}
	for _, rec := range accepted {
		if reason, ok := reject[rec.ID]; ok {
			rejected = append(rejected, rec.ID)
			ch, err := r.rejectChange(ctx, holds, rec.ID, reason)
			if err != nil {
				return ResolutionWrite{}, Resolution{}, err
			}
			changes = append(changes, ch)
		}
	}

	now := r.now().UTC()
	c.State, c.Strategy, c.ResolvedAt = ConflictResolved, strategy, &now
	if keep != nil {
		c.ResolvedRecordID = keep.ID
	}
	w := ResolutionWrite{Conflict: c, Changes: changes, Insert: insert}
	return w, Resolution{Conflict: c, Record: keep, Rejected: rejected}, nil
}

func (r *Resolver) rejectChange(ctx context.Context, holds *version.Holds, id string, reason Reason) (StatusChange, error) {
	v, err := holds.Reserve(ctx, r.versions, version.Attendance)
	if err != nil {
		return StatusChange{}, err
	}
	return StatusChange{RecordID: id, Status: StatusRejected, Reason: reason, Version: v}, nil
}

// stored rebuilds the resolution of an already resolved conflict.
func (r *Resolver) stored(ctx context.Context, c Conflict) (Resolution, error) {
	res := Resolution{Conflict: c, AlreadyResolved: true}
	if c.ResolvedRecordID != "" {
		rec, err := r.store.Get(ctx, c.ResolvedRecordID)
		if err != nil {
			return Resolution{}, err
		}
		res.Record = &rec
	}
	for _, id := range []string{c.OriginalID, c.ChallengerID} {
		if id == c.ResolvedRecordID {
			continue
		}
		rec, err := r.store.Get(ctx, id)
		if err != nil {
			return Resolution{}, err
		}
		if rec.Status == StatusRejected {
			res.Rejected = append(res.Rejected, id)
		}
	}
	return res, nil
}

// ResolveForPair resolves the open conflicts of a (student, lecture). With
// localID set only the case whose challenger carries that local id is
// resolved. When nothing is open the stored resolutions are returned.
func (r *Resolver) ResolveForPair(ctx context.Context, studentID, lectureID int64, strategy Strategy, localID string) ([]Resolution, error) {
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return nil, err
	}
	cases, err := r.store.Conflicts(ctx, ConflictFilter{StudentID: studentID, LectureID: lectureID})
	if err != nil {
		return nil, err
	}
	var open, done []Conflict
	for _, c := range cases {
		if localID != "" && c.ChallengerLocalID != localID {
			continue
		}
		if c.State == ConflictOpen {
			open = append(open, c)
		} else {
			done = append(done, c)
		}
	}
	if len(open) == 0 && len(done) == 0 {
		return nil, apperror.ErrNotFound.WithMessage("no conflicts for this student and lecture")
	}
	targets := open
	if len(targets) == 0 {
		targets = done
	}
	out := make([]Resolution, 0, len(targets))
	for _, c := range targets {
		res, err := r.Resolve(ctx, c.ID, strategy)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

// OpenConflicts lists a student's open conflicts, oldest first.
func (r *Resolver) OpenConflicts(ctx context.Context, studentID int64) ([]Conflict, error) {
	return r.store.Conflicts(ctx, ConflictFilter{StudentID: studentID, State: ConflictOpen})
}

// ResolveStale applies strategy to every open conflict detected more than
// olderThan ago and returns how many it resolved. A failing case is logged
// and skipped.
func (r *Resolver) ResolveStale(ctx context.Context, strategy Strategy, olderThan time.Duration) (int, error) {
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return 0, err
	}
	open, err := r.store.Conflicts(ctx, ConflictFilter{State: ConflictOpen})
	if err != nil {
		return 0, err
	}
	cutoff := r.now().Add(-olderThan)
	log := logging.FromContext(ctx, r.logger)
	n := 0
	for _, c := range open {
		if c.DetectedAt.After(cutoff) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if _, err := r.Resolve(ctx, c.ID, strategy); err != nil {
			log.Warn("auto-resolve failed", zap.String("conflict_id", c.ID), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

// Conflict returns one case.
func (r *Resolver) Conflict(ctx context.Context, id string) (Conflict, error) {
	c, err := r.store.Conflict(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Conflict{}, apperror.ErrNotFound.WithMessage("conflict not found")
	}
	return c, err
}

func (r *Resolver) publish(ctx context.Context, c Conflict) {
	msg, err := events.New(events.ConflictResolved, c.ID, events.Conflict{
		ConflictID:       c.ID,
		StudentID:        c.StudentID,
		LectureID:        c.LectureID,
		OriginalID:       c.OriginalID,
		ChallengerID:     c.ChallengerID,
		Strategy:         string(c.Strategy),
		ResolvedRecordID: c.ResolvedRecordID,
	})
	if err == nil {
		err = r.events.Publish(ctx, msg)
	}
	if err != nil {
		r.logger.Warn("publish event failed", zap.String("conflict_id", c.ID), zap.Error(err))
		return
	}
	r.metrics.Event("published", string(events.ConflictResolved))
}

// mergedID is stable per conflict so a retried merge cannot create a second
// synthesized record.
func mergedID(conflictID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("merge:"+conflictID)).String()
}

// merge builds the synthesized record: earliest check-in, verification flags
// ANDed, and the fix and margins of the more conservative input.
func merge(c Conflict, original, challenger Record) Record {
	first := original
	if challenger.CheckInTime.Before(original.CheckInTime) {
		first = challenger
	}
	geo := original
	if conservative(challenger, original) {
		geo = challenger
	}
	return Record{
		ID:               mergedID(c.ID),
		StudentID:        c.StudentID,
		LectureID:        c.LectureID,
		LocalID:          "merge:" + c.ID,
		DeviceID:         first.DeviceID,
		BatchID:          first.BatchID,
		QRSessionID:      first.QRSessionID,
		Latitude:         geo.Latitude,
		Longitude:        geo.Longitude,
		Altitude:         geo.Altitude,
		Accuracy:         geo.Accuracy,
		HorizontalMargin: geo.HorizontalMargin,
		VerticalMargin:   geo.VerticalMargin,
		CheckInTime:      first.CheckInTime,
		Type:             first.Type,
		LocationVerified: original.LocationVerified && challenger.LocationVerified,
		QRVerified:       original.QRVerified && challenger.QRVerified,
		FaceVerified:     original.FaceVerified && challenger.FaceVerified,
		Outcome:          StatusAccepted,
		Status:           StatusAccepted,
		Reason:           ReasonMerged,
		ConflictID:       c.ID,
	}
}

// conservative reports whether a has a strictly smaller margin than b:
// horizontal first, then vertical. Unknown margins count as unbounded.
func conservative(a, b Record) bool {
	ah, bh := margin(a.HorizontalMargin), margin(b.HorizontalMargin)
	if ah != bh {
		return ah < bh
	}
	return margin(a.VerticalMargin) < margin(b.VerticalMargin)
}

func margin(m *float64) float64 {
	if m == nil {
		return math.Inf(1)
	}
	return *m
}
