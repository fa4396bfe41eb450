package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Repository persists records and conflicts in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const recordColumns = `id, student_id, lecture_id, local_id, device_id, batch_id, qr_session_id,
	latitude, longitude, altitude, accuracy, check_in_time,
	location_verified, qr_verified, face_verified, horizontal_margin, vertical_margin,
	attendance_type, outcome, reason, message, status, status_reason, conflict_id, version, created_at, updated_at`

const conflictColumns = `id, student_id, lecture_id, original_record_id, challenger_record_id, challenger_local_id,
	detected_at, state, strategy, resolved_record_id, resolved_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(s rowScanner) (Record, error) {
	var (
		r                         Record
		alt, hMargin, vMargin     sql.NullFloat64
		deviceID, batchID, qrID   sql.NullString
		typ, reason, msg, conflID sql.NullString
		statusReason              sql.NullString
	)
	err := s.Scan(&r.ID, &r.StudentID, &r.LectureID, &r.LocalID, &deviceID, &batchID, &qrID,
		&r.Latitude, &r.Longitude, &alt, &r.Accuracy, &r.CheckInTime,
		&r.LocationVerified, &r.QRVerified, &r.FaceVerified, &hMargin, &vMargin,
		&typ, &r.Outcome, &reason, &msg, &r.Status, &statusReason, &conflID, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	r.DeviceID, r.BatchID, r.QRSessionID = deviceID.String, batchID.String, qrID.String
	r.Type, r.Reason, r.Message, r.ConflictID = Type(typ.String), Reason(reason.String), msg.String, conflID.String
	r.StatusReason = Reason(statusReason.String)
	r.Altitude, r.HorizontalMargin, r.VerticalMargin = floatPtr(alt), floatPtr(hMargin), floatPtr(vMargin)
	return r, nil
}

func scanConflict(s rowScanner) (Conflict, error) {
	var (
		c                  Conflict
		strategy, resolved sql.NullString
		resolvedAt         sql.NullTime
	)
	err := s.Scan(&c.ID, &c.StudentID, &c.LectureID, &c.OriginalID, &c.ChallengerID, &c.ChallengerLocalID,
		&c.DetectedAt, &c.State, &strategy, &resolved, &resolvedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conflict{}, ErrNotFound
		}
		return Conflict{}, err
	}
	c.Strategy, c.ResolvedRecordID = Strategy(strategy.String), resolved.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		c.ResolvedAt = &t
	}
	return c, nil
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (r *Repository) queryRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// Get returns a single record by id.
func (r *Repository) Get(ctx context.Context, id string) (Record, error) {
	return scanRecord(r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM attendance_records WHERE id = $1`, id))
}

// ByLocalID returns the record a student submitted under a local id.
func (r *Repository) ByLocalID(ctx context.Context, studentID int64, localID string) (Record, error) {
	return scanRecord(r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE student_id = $1 AND local_id = $2
	`, studentID, localID))
}

// Accepted lists accepted records of one (student, lecture).
func (r *Repository) Accepted(ctx context.Context, studentID, lectureID int64) ([]Record, error) {
	return r.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE student_id = $1 AND lecture_id = $2 AND status = 'accepted'
		ORDER BY version
	`, studentID, lectureID)
}

// Changed lists a student's records with version above since.
func (r *Repository) Changed(ctx context.Context, studentID, since int64) ([]Record, error) {
	return r.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE student_id = $1 AND version > $2
		ORDER BY version
	`, studentID, since)
}

// Since lists a student's records checked in at or after t.
func (r *Repository) Since(ctx context.Context, studentID int64, t time.Time) ([]Record, error) {
	return r.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE student_id = $1 AND check_in_time >= $2
		ORDER BY check_in_time
	`, studentID, t)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRecord(ctx context.Context, ex execer, rec Record) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO attendance_records (`+recordColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27)
	`, rec.ID, rec.StudentID, rec.LectureID, rec.LocalID, nullString(rec.DeviceID), nullString(rec.BatchID), nullString(rec.QRSessionID),
		rec.Latitude, rec.Longitude, rec.Altitude, rec.Accuracy, rec.CheckInTime,
		rec.LocationVerified, rec.QRVerified, rec.FaceVerified, rec.HorizontalMargin, rec.VerticalMargin,
		nullString(string(rec.Type)), string(rec.Outcome), nullString(string(rec.Reason)), nullString(rec.Message),
		string(rec.Status), nullString(string(rec.StatusReason)), nullString(rec.ConflictID), rec.Version, rec.CreatedAt, rec.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "uq_attendance_student_local" {
		return ErrDuplicateLocalID
	}
	return err
}

// Insert writes a new record.
func (r *Repository) Insert(ctx context.Context, rec Record) error {
	return insertRecord(ctx, r.db, rec)
}

// InsertConflicted writes a conflicted record and its case in one transaction.
func (r *Repository) InsertConflicted(ctx context.Context, rec Record, c Conflict) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertRecord(ctx, tx, rec); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO attendance_conflicts (`+conflictColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, c.ID, c.StudentID, c.LectureID, c.OriginalID, c.ChallengerID, c.ChallengerLocalID,
		c.DetectedAt, string(c.State), nullString(string(c.Strategy)), nullString(c.ResolvedRecordID), c.ResolvedAt); err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	return tx.Commit()
}

// Conflict returns a single case by id.
func (r *Repository) Conflict(ctx context.Context, id string) (Conflict, error) {
	return scanConflict(r.db.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM attendance_conflicts WHERE id = $1`, id))
}

// Conflicts returns cases matching f, oldest first.
func (r *Repository) Conflicts(ctx context.Context, f ConflictFilter) ([]Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM attendance_conflicts`
	args := []any{}
	clauses := []string{}
	if f.StudentID != 0 {
		args = append(args, f.StudentID)
		clauses = append(clauses, fmt.Sprintf("student_id = $%d", len(args)))
	}
	if f.LectureID != 0 {
		args = append(args, f.LectureID)
		clauses = append(clauses, fmt.Sprintf("lecture_id = $%d", len(args)))
	}
	if f.State != "" {
		args = append(args, string(f.State))
		clauses = append(clauses, fmt.Sprintf("state = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY detected_at, id"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ApplyResolution commits one resolution atomically.
func (r *Repository) ApplyResolution(ctx context.Context, w ResolutionWrite) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if w.Insert != nil {
		if err := insertRecord(ctx, tx, *w.Insert); err != nil {
			return fmt.Errorf("insert merged record: %w", err)
		}
	}
	for _, ch := range w.Changes {
		res, err := tx.ExecContext(ctx, `
			UPDATE attendance_records
			SET status = $2, status_reason = $3, version = $4, updated_at = NOW()
			WHERE id = $1
		`, ch.RecordID, string(ch.Status), nullString(string(ch.Reason)), ch.Version)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("record %s: %w", ch.RecordID, ErrNotFound)
		}
	}
	c := w.Conflict
	if _, err := tx.ExecContext(ctx, `
		UPDATE attendance_conflicts
		SET state = $2, strategy = $3, resolved_record_id = $4, resolved_at = $5
		WHERE id = $1
	`, c.ID, string(c.State), nullString(string(c.Strategy)), nullString(c.ResolvedRecordID), c.ResolvedAt); err != nil {
		return err
	}
	return tx.Commit()
}
