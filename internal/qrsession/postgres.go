package qrsession

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresStore persists sessions in the qr_sessions table. A partial unique
// index on (lecture_id) WHERE state = 'active' backs the one-active rule
// across instances.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sessionColumns = `id, lecture_id, issued_by, created_at, expires_at, max_usage, usage_count, state, last_used_at`

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var (
		s        Session
		issuedBy sql.NullInt64
		lastUsed sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.LectureID, &issuedBy, &s.CreatedAt, &s.ExpiresAt, &s.MaxUsage, &s.UsageCount, &s.State, &lastUsed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	s.IssuedBy = issuedBy.Int64
	if lastUsed.Valid {
		t := lastUsed.Time
		s.LastUsedAt = &t
	}
	return s, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (Session, error) {
	return scanSession(p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM qr_sessions WHERE id = $1`, id))
}

func (p *PostgresStore) Active(ctx context.Context, lectureID int64) (Session, error) {
	return scanSession(p.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM qr_sessions
		WHERE lecture_id = $1 AND state = 'active'
	`, lectureID))
}

func (p *PostgresStore) Create(ctx context.Context, s Session) error {
	var issuedBy any
	if s.IssuedBy != 0 {
		issuedBy = s.IssuedBy
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO qr_sessions (`+sessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, s.ID, s.LectureID, issuedBy, s.CreatedAt, s.ExpiresAt, s.MaxUsage, s.UsageCount, string(s.State), s.LastUsedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrActiveExists
	}
	return err
}

func (p *PostgresStore) Update(ctx context.Context, s Session) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE qr_sessions
		SET usage_count = $2, state = $3, last_used_at = $4, updated_at = NOW()
		WHERE id = $1
	`, s.ID, s.UsageCount, string(s.State), s.LastUsedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrActiveExists
	}
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
