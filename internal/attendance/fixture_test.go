package attendance

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"attendsync/internal/catalog"
	"attendsync/internal/events"
	"attendsync/internal/keylock"
	"attendsync/internal/qrsession"
	"attendsync/internal/version"
)

var (
	roomCenter   = [2]float64{33.3152, 44.3661}
	lectureStart = time.Date(2024, 3, 4, 8, 30, 0, 0, time.UTC)
)

// metersNorth returns the latitude d meters north of the room center.
func metersNorth(d float64) float64 {
	return roomCenter[0] + d/(6371000*math.Pi/180)
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []events.Message
}

func (p *recordingPublisher) Publish(_ context.Context, m events.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, m)
	return nil
}

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.msgs))
	for _, m := range p.msgs {
		out = append(out, m.Type)
	}
	return out
}

type fixture struct {
	deps     Deps
	store    *MemoryStore
	svc      *Service
	resolver *Resolver
	qr       *qrsession.Manager
	events   *recordingPublisher
	now      time.Time
	session  string
}

func newFixture(t *testing.T, policy Policy) *fixture {
	t.Helper()
	ctx := context.Background()
	now := lectureStart.Add(10 * time.Minute)
	clock := func() time.Time { return now }

	versions := version.NewMemory()
	cat := catalog.NewMemory()
	reg := catalog.NewRegistry(cat, versions, nil)
	_, err := reg.PutRoom(ctx, catalog.Room{ID: 1, Name: "A-101", CenterLat: roomCenter[0], CenterLon: roomCenter[1],
		Width: 8, Height: 6, FloorAltitude: 30, CeilingHeight: 3.5, Active: true})
	require.NoError(t, err)
	_, err = reg.PutSchedule(ctx, catalog.Schedule{ID: 1, SubjectID: 1, RoomID: 1, Section: "A", StudyYear: 1,
		Weekday: 1, StartTime: "08:30", EndTime: "10:00", Active: true})
	require.NoError(t, err)
	_, err = reg.PutLecture(ctx, catalog.Lecture{ID: 1, ScheduleID: 1, ScheduledStart: lectureStart,
		ScheduledEnd: lectureStart.Add(90 * time.Minute), LateThresholdMinutes: 15})
	require.NoError(t, err)
	_, err = reg.PutLecture(ctx, catalog.Lecture{ID: 2, ScheduleID: 1, RoomID: 42, ScheduledStart: lectureStart,
		ScheduledEnd: lectureStart.Add(90 * time.Minute)})
	require.NoError(t, err)

	locks := keylock.NewLocal()
	qr := qrsession.NewManager(qrsession.NewMemoryStore(), locks, qrsession.DefaultPolicy(), qrsession.WithClock(clock))
	sess, _, err := qr.Issue(ctx, qrsession.IssueRequest{LectureID: 1})
	require.NoError(t, err)

	store := NewMemoryStore()
	pub := &recordingPublisher{}
	deps := Deps{
		Store:    store,
		Catalog:  catalog.NewCached(cat, time.Minute),
		QR:       qr,
		Locks:    locks,
		Versions: versions,
		Events:   pub,
		Now:      clock,
	}
	return &fixture{
		deps:     deps,
		store:    store,
		svc:      NewService(deps, policy),
		resolver: NewResolver(store, locks, versions, pub, nil, nil),
		qr:       qr,
		events:   pub,
		now:      now,
		session:  sess.ID,
	}
}

// failingStore fails the next failures inserts.
type failingStore struct {
	*MemoryStore
	mu       sync.Mutex
	failures int
}

func (s *failingStore) Insert(ctx context.Context, r Record) error {
	s.mu.Lock()
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return s.MemoryStore.Insert(ctx, r)
}

// claim is a valid on-time check-in at the room center.
func (f *fixture) claim(localID string) Claim {
	return Claim{
		LocalID:      localID,
		LectureID:    1,
		QRSessionID:  f.session,
		Latitude:     roomCenter[0],
		Longitude:    roomCenter[1],
		Accuracy:     1,
		CheckInTime:  lectureStart.Add(5 * time.Minute),
		FaceVerified: true,
	}
}
