package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendsync/internal/attendance"
	"attendsync/internal/auth"
	"attendsync/internal/catalog"
	"attendsync/internal/keylock"
	"attendsync/internal/qrsession"
	"attendsync/internal/response"
	"attendsync/internal/syncdelta"
	"attendsync/internal/version"
)

var (
	signingKey   = []byte("handler-test-key")
	lectureStart = time.Date(2024, 3, 4, 8, 30, 0, 0, time.UTC)
)

type env struct {
	router *gin.Engine
	issuer auth.Issuer
	qr     *qrsession.Manager
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	now := lectureStart.Add(10 * time.Minute)
	clock := func() time.Time { return now }

	versions := version.NewMemory()
	cat := catalog.NewMemory()
	reg := catalog.NewRegistry(cat, versions, nil)
	_, err := reg.PutRoom(ctx, catalog.Room{ID: 1, Name: "A-101", CenterLat: 33.3152, CenterLon: 44.3661,
		Width: 8, Height: 6, FloorAltitude: 30, CeilingHeight: 3.5, Active: true})
	require.NoError(t, err)
	_, err = reg.PutSubject(ctx, catalog.Subject{ID: 1, Code: "CS101", Name: "Programming", Active: true})
	require.NoError(t, err)
	_, err = reg.PutSchedule(ctx, catalog.Schedule{ID: 1, SubjectID: 1, TeacherID: 3, RoomID: 1, Section: "A",
		StudyYear: 1, Weekday: 1, StartTime: "08:30", EndTime: "10:00", Active: true})
	require.NoError(t, err)
	_, err = reg.PutLecture(ctx, catalog.Lecture{ID: 1, ScheduleID: 1, ScheduledStart: lectureStart,
		ScheduledEnd: lectureStart.Add(90 * time.Minute), LateThresholdMinutes: 15})
	require.NoError(t, err)
	_, err = reg.PutStudent(ctx, catalog.Student{ID: 7, UniversityID: "U-7", FullName: "Student Seven", Section: "A", StudyYear: 1})
	require.NoError(t, err)

	locks := keylock.NewLocal()
	qr := qrsession.NewManager(qrsession.NewMemoryStore(), locks, qrsession.DefaultPolicy(), qrsession.WithClock(clock))
	records := attendance.NewMemoryStore()
	svc := attendance.NewService(attendance.Deps{
		Store:    records,
		Catalog:  cat,
		QR:       qr,
		Locks:    locks,
		Versions: versions,
		Now:      clock,
	}, attendance.DefaultPolicy())
	engine := syncdelta.NewEngine(cat, records, versions, syncdelta.NewMemoryCursorStore(),
		syncdelta.WithClock(clock), syncdelta.WithStats(svc))

	h := New(Deps{
		QR:       qr,
		Signer:   qrsession.NewSigner([]byte("qr-key"), "attendsync", 0),
		Catalog:  cat,
		Registry: reg,
		Ingest:   svc,
		Resolver: attendance.NewResolver(records, locks, versions, nil, nil, nil),
		Sync:     engine,
		Now:      clock,
	})
	policy, err := auth.NewPolicy()
	require.NoError(t, err)

	r := gin.New()
	h.Register(r, auth.Bearer(signingKey, "attendsync"), policy)
	return &env{
		router: r,
		issuer: auth.Issuer{Name: "attendsync", Key: signingKey, AccessTTL: time.Hour, RefreshTTL: time.Hour},
		qr:     qr,
	}
}

func (e *env) token(t *testing.T, role auth.Role, userID, studentID int64) string {
	t.Helper()
	pair, err := e.issuer.Issue(userID, role, studentID)
	require.NoError(t, err)
	return pair.AccessToken
}

func (e *env) student(t *testing.T) string { return e.token(t, auth.RoleStudent, 11, 7) }

type envelope struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorBody `json:"error"`
}

func (e *env) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var out envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return w, out
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func (e *env) session(t *testing.T) string {
	t.Helper()
	s, _, err := e.qr.Issue(context.Background(), qrsession.IssueRequest{LectureID: 1, IssuedBy: 3})
	require.NoError(t, err)
	return s.ID
}

func claim(session, localID string, minute int) attendance.Claim {
	return attendance.Claim{
		LocalID:     localID,
		LectureID:   1,
		QRSessionID: session,
		Latitude:    33.3152,
		Longitude:   44.3661,
		Accuracy:    2,
		CheckInTime: lectureStart.Add(time.Duration(minute) * time.Minute),
	}
}

func TestGenerateQR(t *testing.T) {
	e := newEnv(t)
	teacher := e.token(t, auth.RoleTeacher, 3, 0)

	w, body := e.do(t, http.MethodPost, "/api/attendance/generate-qr/1", teacher, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	first := decode[generateQRResponse](t, body.Data)
	assert.Equal(t, "new", first.Status)
	assert.Equal(t, int64(900), first.RemainingSeconds)
	assert.Equal(t, first.Session.ID, first.Payload.SessionID)
	assert.NotEmpty(t, first.Payload.Token)

	w, body = e.do(t, http.MethodPost, "/api/attendance/generate-qr/1", teacher, gin.H{"max_usage_count": 5})
	require.Equal(t, http.StatusOK, w.Code)
	second := decode[generateQRResponse](t, body.Data)
	assert.Equal(t, "existing", second.Status)
	assert.Equal(t, first.Session.ID, second.Session.ID)

	w, body = e.do(t, http.MethodPost, "/api/attendance/generate-qr/1", teacher, gin.H{"force_new": true})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.NotEqual(t, first.Session.ID, decode[generateQRResponse](t, body.Data).Session.ID)
}

func TestGenerateQR_Refusals(t *testing.T) {
	e := newEnv(t)
	cases := []struct {
		name   string
		path   string
		token  string
		body   any
		status int
		code   string
	}{
		{"no token", "/api/attendance/generate-qr/1", "", nil, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"student", "/api/attendance/generate-qr/1", e.student(t), nil, http.StatusForbidden, "FORBIDDEN"},
		{"other teacher", "/api/attendance/generate-qr/1", e.token(t, auth.RoleTeacher, 4, 0), nil, http.StatusForbidden, "FORBIDDEN"},
		{"unknown lecture", "/api/attendance/generate-qr/99", e.token(t, auth.RoleAdmin, 1, 0), nil, http.StatusNotFound, "NOT_FOUND"},
		{"bad id", "/api/attendance/generate-qr/abc", e.token(t, auth.RoleAdmin, 1, 0), nil, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"bad duration", "/api/attendance/generate-qr/1", e.token(t, auth.RoleAdmin, 1, 0), gin.H{"duration_minutes": -5}, http.StatusBadRequest, "VALIDATION_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, body := e.do(t, http.MethodPost, tc.path, tc.token, tc.body)
			assert.Equal(t, tc.status, w.Code)
			assert.False(t, body.Success)
			require.NotNil(t, body.Error)
			assert.Equal(t, tc.code, body.Error.Code)
		})
	}
}

func TestBatchUpload(t *testing.T) {
	e := newEnv(t)
	sid := e.session(t)
	batch := attendance.Batch{ID: "b-1", DeviceID: "phone", Claims: []attendance.Claim{
		claim(sid, "l-1", 5),
		{LocalID: "l-2", LectureID: 1, QRSessionID: sid, Latitude: 120, CheckInTime: lectureStart},
	}}

	w, body := e.do(t, http.MethodPost, "/api/attendance/batch-upload", e.student(t), batch)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[attendance.BatchResult](t, body.Data)
	require.Len(t, res.Results, 2)
	assert.Equal(t, attendance.StatusAccepted, res.Results[0].Status)
	assert.Equal(t, attendance.ReasonValidation, res.Results[1].Reason)
	assert.Equal(t, 1, res.Summary.Accepted)
	assert.Equal(t, 1, res.Summary.Rejected)

	_, replay := e.do(t, http.MethodPost, "/api/attendance/batch-upload", e.student(t), batch)
	assert.JSONEq(t, string(body.Data), string(replay.Data))

	w, body = e.do(t, http.MethodGet, "/api/attendance/records/"+res.Results[0].RecordID, e.student(t), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "l-1", decode[attendance.Record](t, body.Data).LocalID)

	w, _ = e.do(t, http.MethodGet, "/api/attendance/records/"+res.Results[0].RecordID, e.token(t, auth.RoleStudent, 12, 8), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBatchUpload_Invalid(t *testing.T) {
	e := newEnv(t)

	w, body := e.do(t, http.MethodPost, "/api/attendance/batch-upload", e.student(t), attendance.Batch{ID: "b-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", body.Error.Code)

	w, _ = e.do(t, http.MethodPost, "/api/attendance/batch-upload", e.token(t, auth.RoleTeacher, 3, 0), attendance.Batch{ID: "b-1"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestConflictsAndResolve(t *testing.T) {
	e := newEnv(t)
	sid := e.session(t)
	batch := attendance.Batch{ID: "b-1", Claims: []attendance.Claim{claim(sid, "l-1", 5), claim(sid, "l-2", 6)}}
	_, body := e.do(t, http.MethodPost, "/api/attendance/batch-upload", e.student(t), batch)
	require.Equal(t, 1, decode[attendance.BatchResult](t, body.Data).Summary.Conflicted)

	w, body := e.do(t, http.MethodGet, "/api/attendance/conflicts", e.student(t), nil)
	require.Equal(t, http.StatusOK, w.Code)
	listed := decode[struct {
		Conflicts []attendance.Conflict `json:"conflicts"`
		Count     int                   `json:"count"`
	}](t, body.Data)
	require.Equal(t, 1, listed.Count)
	assert.Equal(t, "l-2", listed.Conflicts[0].ChallengerLocalID)

	teacher := e.token(t, auth.RoleTeacher, 3, 0)
	w, _ = e.do(t, http.MethodGet, "/api/attendance/conflicts", teacher, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = e.do(t, http.MethodGet, "/api/attendance/conflicts?student_id=7", teacher, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, body = e.do(t, http.MethodPost, "/api/attendance/resolve-conflicts", e.student(t), gin.H{"conflicts": []gin.H{
		{"lecture_id": 1, "resolution_strategy": "keep_server"},
		{"lecture_id": 1, "resolution_strategy": "coin_flip"},
		{"student_id": 8, "lecture_id": 1, "resolution_strategy": "merge"},
		{"conflict_id": listed.Conflicts[0].ID, "resolution_strategy": "skip"},
	}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode[resolveResponse](t, body.Data)
	assert.Equal(t, resolveSummary{Total: 4, Resolved: 2, Failed: 2}, out.Summary)

	assert.True(t, out.Results[0].Success)
	assert.Equal(t, int64(7), out.Results[0].StudentID)
	require.Len(t, out.Results[0].Resolutions, 1)
	assert.Equal(t, attendance.ConflictResolved, out.Results[0].Resolutions[0].Conflict.State)

	assert.Equal(t, "CONFLICT_STRATEGY_UNSUPPORTED", out.Results[1].Error.Code)
	assert.Equal(t, "FORBIDDEN", out.Results[2].Error.Code)

	require.True(t, out.Results[3].Success)
	assert.True(t, out.Results[3].Resolutions[0].AlreadyResolved)

	_, body = e.do(t, http.MethodGet, "/api/attendance/conflicts", e.student(t), nil)
	assert.Contains(t, string(body.Data), `"count":0`)
}

func TestSyncData(t *testing.T) {
	e := newEnv(t)

	w, body := e.do(t, http.MethodGet, "/api/student/sync-data", e.student(t), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	full := decode[fullSyncResponse](t, body.Data)
	require.NotNil(t, full.Profile)
	assert.Equal(t, int64(7), full.Profile.ID)
	assert.Len(t, full.Rooms, 1)
	assert.Len(t, full.Lectures, 1)
	assert.True(t, full.Metadata.FullResync)
	require.NotEmpty(t, full.Metadata.DataVersion)

	w, body = e.do(t, http.MethodGet, "/api/student/incremental-sync?data_version="+full.Metadata.DataVersion, e.student(t), nil)
	require.Equal(t, http.StatusOK, w.Code)
	delta := decode[syncdelta.Delta](t, body.Data)
	assert.False(t, delta.HasChanges)
	assert.Equal(t, full.Metadata.DataVersion, delta.NewCursor)

	w, body = e.do(t, http.MethodGet, "/api/student/incremental-sync?last_sync=2024-03-01T00:00:00Z", e.student(t), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[syncdelta.Delta](t, body.Data).Metadata.FullResync)
}

func TestIncrementalSync_Errors(t *testing.T) {
	e := newEnv(t)
	ahead := syncdelta.Cursor{Versions: map[version.Kind]int64{version.Rooms: 999}, Clock: 1}.Encode()

	w, body := e.do(t, http.MethodGet, "/api/student/incremental-sync", e.student(t), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", body.Error.Code)

	w, body = e.do(t, http.MethodGet, "/api/student/incremental-sync?data_version="+ahead, e.student(t), nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "SYNC_VERSION_MISMATCH", body.Error.Code)

	w, _ = e.do(t, http.MethodGet, "/api/student/incremental-sync?data_version=bogus!", e.student(t), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = e.do(t, http.MethodGet, "/api/student/sync-data", e.token(t, auth.RoleTeacher, 3, 0), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestSyncStatus(t *testing.T) {
	e := newEnv(t)
	sid := e.session(t)
	_, _ = e.do(t, http.MethodPost, "/api/attendance/batch-upload", e.student(t),
		attendance.Batch{ID: "b-1", Claims: []attendance.Claim{claim(sid, "l-1", 5)}})

	w, body := e.do(t, http.MethodGet, "/api/attendance/sync-status?since_date=2024-03-01&detailed_analysis=true", e.student(t), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	st := decode[syncdelta.Status](t, body.Data)
	assert.Equal(t, 1, st.Statistics.Total)
	assert.Equal(t, 1, st.RecordStatus["accepted"])
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), st.Since)

	w, _ = e.do(t, http.MethodGet, "/api/attendance/sync-status?since_date=yesterday", e.student(t), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = e.do(t, http.MethodGet, "/api/attendance/sync-status?since_date=2030-01-01", e.student(t), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParseSince(t *testing.T) {
	got, err := parseSince("2024-03-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), got)

	got, err = parseSince("2024-03-01T10:00:00+03:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC), got)

	got, err = parseSince("")
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestAdminCatalog(t *testing.T) {
	e := newEnv(t)
	admin := e.token(t, auth.RoleAdmin, 1, 0)

	w, body := e.do(t, http.MethodPut, "/api/admin/rooms", admin, gin.H{
		"id": 2, "name": "B-201", "center_latitude": 33.3160, "center_longitude": 44.3670,
		"ceiling_height": 3, "width_m": 10, "height_m": 8, "is_active": true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	room := decode[catalog.Room](t, body.Data)
	assert.Len(t, room.Boundary, 4)
	assert.Positive(t, room.Version)

	w, body = e.do(t, http.MethodPut, "/api/admin/rooms", admin, gin.H{"id": 3, "name": "C", "ceiling_height": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", body.Error.Code)

	w, _ = e.do(t, http.MethodPut, "/api/admin/lectures", admin, gin.H{
		"id": 5, "schedule_id": 42,
		"scheduled_start": lectureStart, "scheduled_end": lectureStart.Add(time.Hour),
	})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = e.do(t, http.MethodPut, "/api/admin/subjects", e.token(t, auth.RoleTeacher, 3, 0), gin.H{"id": 9, "code": "X"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

type checkFunc func(ctx context.Context) bool

func (f checkFunc) Healthy(ctx context.Context) bool { return f(ctx) }

func TestHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	up := checkFunc(func(context.Context) bool { return true })
	down := checkFunc(func(context.Context) bool { return false })

	for _, tc := range []struct {
		name   string
		checks map[string]Checker
		status int
	}{
		{"all up", map[string]Checker{"postgres": up, "redis": up}, http.StatusOK},
		{"redis down", map[string]Checker{"postgres": up, "redis": down}, http.StatusServiceUnavailable},
		{"nothing to check", nil, http.StatusOK},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := gin.New()
			r.GET("/healthz", Health(tc.checks))
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			assert.Equal(t, tc.status, w.Code)
		})
	}
}
