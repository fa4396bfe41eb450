package attendance

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v9"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var recordRowColumns = []string{"id", "student_id", "lecture_id", "local_id", "device_id", "batch_id", "qr_session_id",
	"latitude", "longitude", "altitude", "accuracy", "check_in_time",
	"location_verified", "qr_verified", "face_verified", "horizontal_margin", "vertical_margin",
	"attendance_type", "outcome", "reason", "message", "status", "status_reason", "conflict_id", "version", "created_at", "updated_at"}

func sampleRecord() Record {
	now := time.Date(2024, 3, 4, 8, 40, 0, 0, time.UTC)
	return Record{ID: "r-1", StudentID: 7, LectureID: 1, LocalID: "L1", Latitude: 33.3, Longitude: 44.3,
		Accuracy: 2, CheckInTime: now, Type: TypeOnTime, Outcome: StatusAccepted, Status: StatusAccepted,
		Version: 3, CreatedAt: now, UpdatedAt: now}
}

func TestRepository_ByLocalID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE student_id = $1 AND local_id = $2`)).
		WithArgs(int64(7), "L1").
		WillReturnRows(sqlmock.NewRows(recordRowColumns).AddRow(
			"r-1", 7, 1, "L1", "d-1", "b-1", "qr-1",
			33.3, 44.3, nil, 2.0, now,
			true, true, false, 1.5, nil,
			"late", "accepted", nil, nil, "rejected", "superseded", "c-1", 9, now, now))
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE student_id = $1 AND local_id = $2`)).
		WithArgs(int64(7), "L2").
		WillReturnRows(sqlmock.NewRows(recordRowColumns))

	repo := NewRepository(db)
	rec, err := repo.ByLocalID(context.Background(), 7, "L1")
	require.NoError(t, err)
	assert.Equal(t, TypeLate, rec.Type)
	assert.Equal(t, StatusAccepted, rec.Outcome)
	assert.Equal(t, StatusRejected, rec.Status)
	assert.Equal(t, ReasonSuperseded, rec.StatusReason)
	assert.Nil(t, rec.Altitude)
	require.NotNil(t, rec.HorizontalMargin)
	assert.Equal(t, 1.5, *rec.HorizontalMargin)
	assert.Equal(t, "c-1", rec.ConflictID)

	_, err = repo.ByLocalID(context.Background(), 7, "L2")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_InsertDuplicateLocalID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO attendance_records`)).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "uq_attendance_student_local"})

	err = NewRepository(db).Insert(context.Background(), sampleRecord())
	assert.ErrorIs(t, err, ErrDuplicateLocalID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_InsertConflicted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rec := sampleRecord()
	rec.Outcome, rec.Status, rec.Reason, rec.ConflictID = StatusConflicted, StatusConflicted, ReasonDuplicateStudent, "c-1"
	c := Conflict{ID: "c-1", StudentID: 7, LectureID: 1, OriginalID: "r-0", ChallengerID: rec.ID,
		ChallengerLocalID: rec.LocalID, DetectedAt: rec.CreatedAt, State: ConflictOpen}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO attendance_records`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO attendance_conflicts`)).
		WithArgs("c-1", int64(7), int64(1), "r-0", "r-1", "L1", rec.CreatedAt, "open",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, NewRepository(db).InsertConflicted(context.Background(), rec, c))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ApplyResolutionRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE attendance_records`)).
		WithArgs("r-1", "rejected", sqlmock.AnyArg(), int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = NewRepository(db).ApplyResolution(context.Background(), ResolutionWrite{
		Conflict: Conflict{ID: "c-1", State: ConflictResolved, Strategy: StrategySkip},
		Changes:  []StatusChange{{RecordID: "r-1", Status: StatusRejected, Reason: ReasonSuperseded, Version: 10}},
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ConflictsFilter(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE student_id = $1 AND state = $2 ORDER BY detected_at, id`)).
		WithArgs(int64(7), "open").
		WillReturnRows(sqlmock.NewRows([]string{"id", "student_id", "lecture_id", "original_record_id",
			"challenger_record_id", "challenger_local_id", "detected_at", "state", "strategy",
			"resolved_record_id", "resolved_at"}).
			AddRow("c-1", 7, 1, "r-0", "r-1", "L1", now, "open", nil, nil, nil))

	cs, err := NewRepository(db).Conflicts(context.Background(), ConflictFilter{StudentID: 7, State: ConflictOpen})
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, ConflictOpen, cs[0].State)
	assert.Nil(t, cs[0].ResolvedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisBatchLog(t *testing.T) {
	client, mock := redismock.NewClientMock()
	log := NewRedisBatchLog(client, time.Hour)
	ctx := context.Background()

	res := BatchResult{BatchID: "b-1", Results: []RecordResult{{LocalID: "L1", Status: StatusAccepted}},
		Summary: Summary{Total: 1, Accepted: 1, SuccessRate: 100, Reasons: map[Reason]int{}}}
	raw, err := json.Marshal(res)
	require.NoError(t, err)

	mock.ExpectGet("batch:7:b-1").RedisNil()
	mock.ExpectSet("batch:7:b-1", raw, time.Hour).SetVal("OK")
	mock.ExpectGet("batch:7:b-1").SetVal(string(raw))

	_, ok, err := log.Get(ctx, 7, "b-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, log.Put(ctx, 7, "b-1", res))

	got, ok, err := log.Get(ctx, 7, "b-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, res, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryBatchLog(t *testing.T) {
	log := NewMemoryBatchLog(time.Minute)
	ctx := context.Background()
	_, ok, err := log.Get(ctx, 7, "b-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, log.Put(ctx, 7, "b-1", BatchResult{BatchID: "b-1"}))
	got, ok, err := log.Get(ctx, 7, "b-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "b-1", got.BatchID)

	_, ok, _ = log.Get(ctx, 8, "b-1")
	assert.False(t, ok)
}
