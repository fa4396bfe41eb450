package attendance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendsync/internal/apperror"
	"attendsync/internal/events"
	"attendsync/internal/qrsession"
)

func TestIngest_AcceptsOnTime(t *testing.T) {
	f := newFixture(t, DefaultPolicy())

	res, err := f.svc.Ingest(context.Background(), 7, Batch{ID: "b-1", DeviceID: "d-1", Claims: []Claim{f.claim("L1")}})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)

	r := res.Results[0]
	assert.Equal(t, StatusAccepted, r.Status)
	assert.Equal(t, TypeOnTime, r.AttendanceType)
	assert.True(t, r.Verified)
	assert.False(t, r.Duplicate)
	assert.Equal(t, Summary{Total: 1, Accepted: 1, SuccessRate: 100, Reasons: map[Reason]int{}}, res.Summary)

	rec, err := f.store.Get(context.Background(), r.RecordID)
	require.NoError(t, err)
	assert.True(t, rec.LocationVerified)
	assert.True(t, rec.QRVerified)
	require.NotNil(t, rec.HorizontalMargin)
	assert.InDelta(t, 2.0, *rec.HorizontalMargin, 0.05)
	assert.Equal(t, "d-1", rec.DeviceID)
	assert.Positive(t, rec.Version)
}

func TestIngest_IdempotentReplay(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()

	bad := f.claim("L2")
	bad.QRSessionID = "unknown"
	claims := []Claim{f.claim("L1"), bad}

	first, err := f.svc.Ingest(ctx, 7, Batch{ID: "b-1", Claims: claims})
	require.NoError(t, err)
	before, err := f.store.Changed(ctx, 7, 0)
	require.NoError(t, err)

	// Same batch id: answered from the batch log.
	again, err := f.svc.Ingest(ctx, 7, Batch{ID: "b-1", Claims: claims})
	require.NoError(t, err)
	assert.Equal(t, first, again)

	// New batch id, same claims: answered record by record.
	retry, err := f.svc.Ingest(ctx, 7, Batch{ID: "b-2", Claims: claims})
	require.NoError(t, err)
	assert.Equal(t, first.Summary, retry.Summary)
	for i := range retry.Results {
		assert.True(t, retry.Results[i].Duplicate)
		assert.Equal(t, first.Results[i].RecordID, retry.Results[i].RecordID)
		assert.Equal(t, first.Results[i].Status, retry.Results[i].Status)
		assert.Equal(t, first.Results[i].Reason, retry.Results[i].Reason)
	}

	after, err := f.store.Changed(ctx, 7, 0)
	require.NoError(t, err)
	assert.Len(t, after, len(before))

	got, err := f.qr.Get(ctx, f.session)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsageCount)
}

func TestIngest_QRInvalid(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	c := f.claim("L1")
	c.QRSessionID = "missing"

	res, err := f.svc.Ingest(context.Background(), 7, Batch{ID: "b-1", Claims: []Claim{c}})
	require.NoError(t, err)
	r := res.Results[0]
	assert.Equal(t, StatusRejected, r.Status)
	assert.Equal(t, ReasonQRInvalid, r.Reason)
	assert.Equal(t, string(qrsession.ReasonNotFound), r.Message)
	assert.NotEmpty(t, r.RecordID)
	assert.Equal(t, 1, res.Summary.Reasons[ReasonQRInvalid])
}

func TestIngest_QRTokenMismatch(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	f.svc.tokens = qrsession.NewSigner([]byte("k"), "attendsync", 0)
	c := f.claim("L1")
	c.QRToken = "not-a-jwt"

	res, err := f.svc.Ingest(context.Background(), 7, Batch{ID: "b-1", Claims: []Claim{c}})
	require.NoError(t, err)
	assert.Equal(t, ReasonQRInvalid, res.Results[0].Reason)

	got, err := f.qr.Get(context.Background(), f.session)
	require.NoError(t, err)
	assert.Zero(t, got.UsageCount)
}

func TestIngest_LocationPolicy(t *testing.T) {
	far := func(f *fixture) Claim {
		c := f.claim("L1")
		c.Latitude = metersNorth(50)
		c.Accuracy = 3.5
		return c
	}

	t.Run("required", func(t *testing.T) {
		f := newFixture(t, DefaultPolicy())
		res, err := f.svc.Ingest(context.Background(), 7, Batch{ID: "b-1", Claims: []Claim{far(f)}})
		require.NoError(t, err)
		assert.Equal(t, ReasonLocationInvalid, res.Results[0].Reason)

		rec, err := f.store.Get(context.Background(), res.Results[0].RecordID)
		require.NoError(t, err)
		require.NotNil(t, rec.HorizontalMargin)
		assert.InDelta(t, -50.5, *rec.HorizontalMargin, 0.2)
		assert.True(t, rec.QRVerified)
	})

	t.Run("advisory", func(t *testing.T) {
		p := DefaultPolicy()
		p.RequireLocation = false
		f := newFixture(t, p)
		res, err := f.svc.Ingest(context.Background(), 7, Batch{ID: "b-1", Claims: []Claim{far(f)}})
		require.NoError(t, err)
		assert.Equal(t, StatusAccepted, res.Results[0].Status)
		assert.False(t, res.Results[0].Verified)
	})

	t.Run("lenient center fix", func(t *testing.T) {
		f := newFixture(t, DefaultPolicy())
		c := f.claim("L1")
		c.Accuracy = 3.5
		res, err := f.svc.Ingest(context.Background(), 7, Batch{ID: "b-1", Claims: []Claim{c}})
		require.NoError(t, err)
		assert.Equal(t, StatusAccepted, res.Results[0].Status)
		assert.True(t, res.Results[0].Verified)
	})

	t.Run("altitude", func(t *testing.T) {
		f := newFixture(t, DefaultPolicy())
		c := f.claim("L1")
		alt := 50.0
		c.Altitude = &alt
		res, err := f.svc.Ingest(context.Background(), 7, Batch{ID: "b-1", Claims: []Claim{c}})
		require.NoError(t, err)
		assert.Equal(t, ReasonLocationInvalid, res.Results[0].Reason)
	})
}

func TestIngest_RoomMisconfigured(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	sess, _, err := f.qr.Issue(context.Background(), qrsession.IssueRequest{LectureID: 2})
	require.NoError(t, err)
	c := f.claim("L1")
	c.LectureID, c.QRSessionID = 2, sess.ID

	res, err := f.svc.Ingest(context.Background(), 7, Batch{ID: "b-1", Claims: []Claim{c}})
	require.NoError(t, err)
	assert.Equal(t, ReasonRoomMisconfigured, res.Results[0].Reason)
}

func TestIngest_ConflictOnSecondLocalID(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	f.svc.now = func() time.Time { return lectureStart.Add(30 * time.Minute) }
	second := f.claim("L2")
	second.CheckInTime = lectureStart.Add(20 * time.Minute)

	res, err := f.svc.Ingest(context.Background(), 7, Batch{ID: "b-1", Claims: []Claim{f.claim("L1"), second}})
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, res.Results[0].Status)

	r := res.Results[1]
	assert.Equal(t, StatusConflicted, r.Status)
	assert.Equal(t, ReasonDuplicateStudent, r.Reason)
	assert.Equal(t, TypeLate, r.AttendanceType)
	require.NotEmpty(t, r.ConflictID)
	assert.Equal(t, 1, res.Summary.Conflicted)

	c, err := f.store.Conflict(context.Background(), r.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, ConflictOpen, c.State)
	assert.Equal(t, res.Results[0].RecordID, c.OriginalID)
	assert.Equal(t, r.RecordID, c.ChallengerID)
	assert.Equal(t, []events.Type{events.ConflictDetected}, f.events.types())
}

func TestIngest_NotPersisted(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	badLat := f.claim("L1")
	badLat.Latitude = 120
	noLecture := f.claim("L2")
	noLecture.LectureID = 99
	future := f.claim("L3")
	future.CheckInTime = f.now.Add(time.Hour)
	missing := f.claim("")

	res, err := f.svc.Ingest(context.Background(), 7, Batch{ID: "b-1", Claims: []Claim{badLat, noLecture, future, missing}})
	require.NoError(t, err)
	assert.Equal(t, ReasonValidation, res.Results[0].Reason)
	assert.Equal(t, "Recorded Latitude must be at most 90", res.Results[0].Message)
	assert.Equal(t, ReasonLectureNotFound, res.Results[1].Reason)
	assert.Equal(t, ReasonValidation, res.Results[2].Reason)
	assert.Equal(t, ReasonValidation, res.Results[3].Reason)
	assert.Equal(t, 4, res.Summary.Rejected)

	recs, err := f.store.Changed(context.Background(), 7, 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestIngest_OutsideWindow(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	c := f.claim("L1")
	c.CheckInTime = lectureStart.Add(-time.Hour)

	res, err := f.svc.Ingest(context.Background(), 7, Batch{ID: "b-1", Claims: []Claim{c}})
	require.NoError(t, err)
	assert.Equal(t, ReasonOutsideWindow, res.Results[0].Reason)

	got, err := f.qr.Get(context.Background(), f.session)
	require.NoError(t, err)
	assert.Zero(t, got.UsageCount)
}

func TestIngest_BatchStructure(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, 7, Batch{Claims: []Claim{f.claim("L1")}})
	assert.ErrorIs(t, err, apperror.ErrValidation)

	_, err = f.svc.Ingest(ctx, 7, Batch{ID: "b-1"})
	assert.ErrorIs(t, err, apperror.ErrValidation)

	many := make([]Claim, 101)
	for i := range many {
		many[i] = f.claim(fmt.Sprintf("L%d", i))
	}
	_, err = f.svc.Ingest(ctx, 7, Batch{ID: "b-2", Claims: many})
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestIngest_IgnoresCancellation(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.svc.Ingest(ctx, 7, Batch{ID: "b-1", Claims: []Claim{f.claim("L1")}})
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, res.Results[0].Status)
}

func TestStats(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()
	bad := f.claim("L3")
	bad.QRSessionID = "x"
	_, err := f.svc.Ingest(ctx, 7, Batch{ID: "b-1", Claims: []Claim{f.claim("L1"), f.claim("L2"), bad}})
	require.NoError(t, err)

	st, err := f.svc.Stats(ctx, 7, lectureStart.Add(-24*time.Hour), true)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 1, st.Accepted)
	assert.Equal(t, 1, st.Conflicted)
	assert.Equal(t, 1, st.Rejected)
	assert.Equal(t, 1, st.OpenConflicts)
	assert.Equal(t, 1, st.Reasons[ReasonQRInvalid])
	assert.Len(t, st.NeedsAttention, 1)
	assert.Equal(t, 100.0, st.CompletionRate())
}

func TestIngest_StorageFailureGivesBackQRUse(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()
	d := f.deps
	d.Store = &failingStore{MemoryStore: f.store, failures: 1}
	svc := NewService(d, DefaultPolicy())
	batch := Batch{ID: "b-1", Claims: []Claim{f.claim("L1")}}

	first, err := svc.Ingest(ctx, 7, batch)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, first.Results[0].Status)
	assert.Equal(t, ReasonInternal, first.Results[0].Reason)
	got, err := f.qr.Get(ctx, f.session)
	require.NoError(t, err)
	assert.Zero(t, got.UsageCount)
	recs, err := f.store.Changed(ctx, 7, 0)
	require.NoError(t, err)
	assert.Empty(t, recs)

	// The failed batch was not remembered, so the same batch id is retried.
	retry, err := svc.Ingest(ctx, 7, batch)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, retry.Results[0].Status)
	assert.False(t, retry.Results[0].Duplicate)
	got, err = f.qr.Get(ctx, f.session)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsageCount)
}

func TestIngest_ReusedBatchIDWithNewRecords(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, 7, Batch{ID: "b-1", Claims: []Claim{f.claim("L1")}})
	require.NoError(t, err)

	res, err := f.svc.Ingest(ctx, 7, Batch{ID: "b-1", Claims: []Claim{f.claim("L1"), f.claim("L2")}})
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.True(t, res.Results[0].Duplicate)
	assert.Equal(t, "L2", res.Results[1].LocalID)
	assert.Equal(t, StatusConflicted, res.Results[1].Status)

	recs, err := f.store.Changed(ctx, 7, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}
