package syncdelta

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"attendsync/internal/apperror"
	"attendsync/internal/attendance"
	"attendsync/internal/catalog"
	"attendsync/internal/logging"
	"attendsync/internal/metrics"
	"attendsync/internal/version"
)

// Records is the attendance read side the engine needs.
type Records interface {
	Changed(ctx context.Context, studentID, since int64) ([]attendance.Record, error)
}

// Changes holds changed entities grouped by kind, each ascending by version.
type Changes struct {
	Subjects   []catalog.Subject   `json:"subjects"`
	Rooms      []catalog.Room      `json:"rooms"`
	Schedules  []catalog.Schedule  `json:"schedules"`
	Lectures   []catalog.Lecture   `json:"lectures"`
	Attendance []attendance.Record `json:"attendance"`
}

func (c Changes) counts() map[version.Kind]int {
	return map[version.Kind]int{
		version.Subjects:   len(c.Subjects),
		version.Rooms:      len(c.Rooms),
		version.Schedules:  len(c.Schedules),
		version.Lectures:   len(c.Lectures),
		version.Attendance: len(c.Attendance),
	}
}

func (c Changes) empty() bool {
	for _, n := range c.counts() {
		if n > 0 {
			return false
		}
	}
	return true
}

// Metadata describes the response itself.
type Metadata struct {
	SyncTimestamp time.Time              `json:"sync_timestamp"`
	DataVersion   string                 `json:"data_version"`
	Versions      map[version.Kind]int64 `json:"versions"`
	Counts        map[version.Kind]int   `json:"counts"`
	// FullResync is set when the whole scope was sent, either on request or
	// because the student's profile changed since the cursor.
	FullResync bool `json:"full_resync"`
}

// Delta is the answer to one sync request.
type Delta struct {
	Changes    Changes          `json:"changes"`
	HasChanges bool             `json:"has_changes"`
	NewCursor  string           `json:"data_version"`
	Profile    *catalog.Student `json:"student_profile,omitempty"`
	Metadata   Metadata         `json:"sync_metadata"`
}

// Engine computes deltas.
type Engine struct {
	catalog  catalog.Reader
	records  Records
	versions version.Counter
	cursors  CursorStore
	stats    StatsSource
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithStats enables Status.
func WithStats(s StatsSource) Option { return func(e *Engine) { e.stats = s } }

// NewEngine creates an engine. cursors may be nil, in which case cursors are
// kept in memory.
func NewEngine(cat catalog.Reader, records Records, versions version.Counter, cursors CursorStore, opts ...Option) *Engine {
	e := &Engine{
		catalog:  cat,
		records:  records,
		versions: versions,
		cursors:  cursors,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.cursors == nil {
		e.cursors = NewMemoryCursorStore()
	}
	e.logger = e.logger.Named("syncdelta")
	return e
}

// Full returns the student's whole scope and profile.
func (e *Engine) Full(ctx context.Context, studentID int64) (Delta, error) {
	d, err := e.compute(ctx, studentID, "", true)
	e.record("full", err)
	return d, err
}

// Delta returns what changed since the cursor token. The token is stored as
// the student's acknowledged cursor. A cursor ahead of the server fails with
// SYNC_VERSION_MISMATCH.
func (e *Engine) Delta(ctx context.Context, studentID int64, token string) (Delta, error) {
	d, err := e.compute(ctx, studentID, token, false)
	e.record("delta", err)
	return d, err
}

func (e *Engine) record(mode string, err error) {
	switch {
	case err == nil:
		e.metrics.Sync(mode, "ok")
	case errors.Is(err, apperror.ErrSyncVersionMismatch):
		e.metrics.Sync(mode, "mismatch")
	default:
		e.metrics.Sync(mode, "error")
	}
}

func (e *Engine) compute(ctx context.Context, studentID int64, token string, full bool) (Delta, error) {
	log := logging.FromContext(ctx, e.logger)
	cur, err := DecodeCursor(token)
	if err != nil {
		return Delta{}, err
	}

	// Nothing past the stable versions is read, so a write still in flight
	// below them cannot be skipped by the cursor.
	stable, err := e.versions.Current(ctx)
	if err != nil {
		return Delta{}, err
	}
	for k, v := range cur.Versions {
		if v > stable[k] {
			log.Info("sync cursor ahead of server",
				zap.Int64("student_id", studentID), zap.String("kind", string(k)),
				zap.Int64("cursor", v), zap.Int64("server", stable[k]))
			return Delta{}, apperror.ErrSyncVersionMismatch
		}
	}

	student, err := e.catalog.Student(ctx, studentID)
	if errors.Is(err, catalog.ErrNotFound) {
		return Delta{}, apperror.ErrNotFound.WithMessage("student not found")
	}
	if err != nil {
		return Delta{}, err
	}

	if token != "" {
		if err := e.cursors.Ack(ctx, studentID, cur); err != nil {
			log.Warn("cursor acknowledgement failed", zap.Int64("student_id", studentID), zap.Error(err))
		}
	}

	scopeChanged := !cur.IsZero() && student.Version > cur.version(version.Students)
	if scopeChanged || cur.IsZero() {
		full = true
	}
	since := cur
	if full {
		since = Cursor{Versions: map[version.Kind]int64{}}
	}

	changes, known, err := e.load(ctx, student, since, stable)
	if err != nil {
		return Delta{}, err
	}

	now := e.now().UTC()
	d := Delta{Changes: changes, HasChanges: !changes.empty() || scopeChanged}
	if full {
		d.Profile = &student
	}

	next := cur
	if d.HasChanges || token == "" {
		next = merge(cur, Cursor{Versions: changes.maxVersions()})
		next.Versions[version.Students] = max(next.Versions[version.Students], student.Version)
		for k, v := range next.Versions {
			next.Versions[k] = min(v, stable[k])
		}
		next.Known = known
		next.Clock = cur.Clock + 1
		next.Timestamp = now
		d.NewCursor = next.Encode()
	} else {
		d.NewCursor = token
	}

	d.Metadata = Metadata{
		SyncTimestamp: now,
		DataVersion:   d.NewCursor,
		Versions:      next.Versions,
		Counts:        changes.counts(),
		FullResync:    full,
	}
	log.Debug("sync computed",
		zap.Int64("student_id", studentID),
		zap.Bool("full", full),
		zap.Bool("has_changes", d.HasChanges))
	return d, nil
}

// load reads the student's scope concurrently. It keeps what changed in
// (since, stable], plus everything the device has not held before: subjects,
// rooms and schedules missing from since.Known, and the lectures of such
// schedules. known is the reference data held once the delta is applied.
func (e *Engine) load(ctx context.Context, student catalog.Student, since Cursor, stable map[version.Kind]int64) (out Changes, known Known, err error) {
	schedules, err := e.catalog.Schedules(ctx, student.Section, student.StudyYear)
	if err != nil {
		return Changes{}, Known{}, err
	}
	var subjectIDs, roomIDs, scheduleIDs []int64
	for _, s := range schedules {
		subjectIDs = append(subjectIDs, s.SubjectID)
		roomIDs = append(roomIDs, s.RoomID)
		scheduleIDs = append(scheduleIDs, s.ID)
	}

	var (
		subjects []catalog.Subject
		lectures []catalog.Lecture
		records  []attendance.Record
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		subjects, err = e.catalog.Subjects(gctx, subjectIDs)
		return err
	})
	g.Go(func() error {
		var err error
		lectures, err = e.catalog.LecturesBySchedule(gctx, scheduleIDs)
		return err
	})
	g.Go(func() error {
		var err error
		records, err = e.records.Changed(gctx, student.ID, since.version(version.Attendance))
		return err
	})
	if err := g.Wait(); err != nil {
		return Changes{}, Known{}, err
	}

	// Lectures can be held in a room other than the schedule's.
	for _, l := range lectures {
		roomIDs = append(roomIDs, l.RoomID)
	}
	rooms, err := e.catalog.Rooms(ctx, roomIDs)
	if err != nil {
		return Changes{}, Known{}, err
	}

	window := func(k version.Kind, v int64) bool {
		return v > since.version(k) && v <= stable[k]
	}
	heldSubjects, heldRooms, heldSchedules := setOf(since.Known.Subjects), setOf(since.Known.Rooms), setOf(since.Known.Schedules)

	out.Subjects = pick(subjects, func(s catalog.Subject) bool {
		return window(version.Subjects, s.Version) || !heldSubjects.has(s.ID)
	}, func(s catalog.Subject) int64 { return s.Version })
	out.Rooms = pick(rooms, func(r catalog.Room) bool {
		return window(version.Rooms, r.Version) || !heldRooms.has(r.ID)
	}, func(r catalog.Room) int64 { return r.Version })
	out.Schedules = pick(schedules, func(s catalog.Schedule) bool {
		return window(version.Schedules, s.Version) || !heldSchedules.has(s.ID)
	}, func(s catalog.Schedule) int64 { return s.Version })
	out.Lectures = pick(lectures, func(l catalog.Lecture) bool {
		return window(version.Lectures, l.Version) || !heldSchedules.has(l.ScheduleID)
	}, func(l catalog.Lecture) int64 { return l.Version })
	out.Attendance = pick(records, func(r attendance.Record) bool {
		return window(version.Attendance, r.Version)
	}, func(r attendance.Record) int64 { return r.Version })

	known = Known{
		Subjects:  idsOf(subjects, func(s catalog.Subject) int64 { return s.ID }),
		Rooms:     idsOf(rooms, func(r catalog.Room) int64 { return r.ID }),
		Schedules: idsOf(schedules, func(s catalog.Schedule) int64 { return s.ID }),
	}
	return out, known, nil
}

// pick keeps the items matching keep, ascending by version.
func pick[T any](items []T, keep func(T) bool, ver func(T) int64) []T {
	out := make([]T, 0, len(items))
	for _, it := range items {
		if keep(it) {
			out = append(out, it)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return ver(out[i]) < ver(out[j]) })
	return out
}

func idsOf[T any](items []T, id func(T) int64) []int64 {
	s := make(idSet, len(items))
	for _, it := range items {
		s[id(it)] = struct{}{}
	}
	return s.sorted()
}

func (c Changes) maxVersions() map[version.Kind]int64 {
	m := map[version.Kind]int64{}
	for _, s := range c.Subjects {
		m[version.Subjects] = max(m[version.Subjects], s.Version)
	}
	for _, r := range c.Rooms {
		m[version.Rooms] = max(m[version.Rooms], r.Version)
	}
	for _, s := range c.Schedules {
		m[version.Schedules] = max(m[version.Schedules], s.Version)
	}
	for _, l := range c.Lectures {
		m[version.Lectures] = max(m[version.Lectures], l.Version)
	}
	for _, r := range c.Attendance {
		m[version.Attendance] = max(m[version.Attendance], r.Version)
	}
	return m
}
