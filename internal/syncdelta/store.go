package syncdelta

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"attendsync/internal/version"
)

// CursorStore remembers the last cursor each student acknowledged. Ack never
// moves a kind backwards.
type CursorStore interface {
	Ack(ctx context.Context, studentID int64, c Cursor) error
	Last(ctx context.Context, studentID int64) (Cursor, bool, error)
}

// MemoryCursorStore keeps cursors in process.
type MemoryCursorStore struct {
	mu      sync.Mutex
	cursors map[int64]Cursor
}

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[int64]Cursor)}
}

func (m *MemoryCursorStore) Ack(_ context.Context, studentID int64, c Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[studentID] = merge(m.cursors[studentID], c)
	return nil
}

func (m *MemoryCursorStore) Last(_ context.Context, studentID int64) (Cursor, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[studentID]
	return c, ok, nil
}

// ackScript raises each field of the hash to the given value if it is lower.
// ARGV holds field/value pairs.
const ackScript = `for i = 1, #ARGV, 2 do
	local cur = tonumber(redis.call("HGET", KEYS[1], ARGV[i]) or "0")
	if tonumber(ARGV[i + 1]) > cur then
		redis.call("HSET", KEYS[1], ARGV[i], ARGV[i + 1])
	end
end
return 1`

// RedisCursorStore keeps one hash per student: a field per kind plus the
// clock and the acknowledgement time in unix milliseconds.
type RedisCursorStore struct {
	client *redis.Client
	prefix string
}

func NewRedisCursorStore(client *redis.Client) *RedisCursorStore {
	return &RedisCursorStore{client: client, prefix: "sync:cursor:"}
}

func (r *RedisCursorStore) key(studentID int64) string {
	return r.prefix + strconv.FormatInt(studentID, 10)
}

func (r *RedisCursorStore) Ack(ctx context.Context, studentID int64, c Cursor) error {
	args := make([]any, 0, 2*len(version.Kinds)+4)
	for _, k := range version.Kinds {
		if v, ok := c.Versions[k]; ok {
			args = append(args, string(k), v)
		}
	}
	args = append(args, "_clock", c.Clock, "_acked", c.Timestamp.UnixMilli())
	return r.client.Eval(ctx, ackScript, []string{r.key(studentID)}, args...).Err()
}

func (r *RedisCursorStore) Last(ctx context.Context, studentID int64) (Cursor, bool, error) {
	m, err := r.client.HGetAll(ctx, r.key(studentID)).Result()
	if err != nil {
		return Cursor{}, false, err
	}
	if len(m) == 0 {
		return Cursor{}, false, nil
	}
	c := Cursor{Versions: make(map[version.Kind]int64, len(m))}
	for field, raw := range m {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Cursor{}, false, fmt.Errorf("cursor field %s: %w", field, err)
		}
		switch field {
		case "_clock":
			c.Clock = n
		case "_acked":
			c.Timestamp = time.UnixMilli(n).UTC()
		default:
			c.Versions[version.Kind(field)] = n
		}
	}
	return c, true, nil
}

// PostgresCursorStore keeps one row per (student, kind) in sync_cursors.
type PostgresCursorStore struct {
	db *sql.DB
}

func NewPostgresCursorStore(db *sql.DB) *PostgresCursorStore {
	return &PostgresCursorStore{db: db}
}

func (p *PostgresCursorStore) Ack(ctx context.Context, studentID int64, c Cursor) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, k := range version.Kinds {
		v, ok := c.Versions[k]
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sync_cursors (student_id, kind, version, clock, acked_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (student_id, kind) DO UPDATE
			SET version = GREATEST(sync_cursors.version, EXCLUDED.version),
				clock = GREATEST(sync_cursors.clock, EXCLUDED.clock),
				acked_at = GREATEST(sync_cursors.acked_at, EXCLUDED.acked_at)
		`, studentID, string(k), v, c.Clock, c.Timestamp); err != nil {
			return fmt.Errorf("ack %s: %w", k, err)
		}
	}
	return tx.Commit()
}

func (p *PostgresCursorStore) Last(ctx context.Context, studentID int64) (Cursor, bool, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT kind, version, clock, acked_at FROM sync_cursors WHERE student_id = $1
	`, studentID)
	if err != nil {
		return Cursor{}, false, err
	}
	defer rows.Close()

	c := Cursor{Versions: map[version.Kind]int64{}}
	found := false
	for rows.Next() {
		var (
			kind  string
			v     int64
			clock int64
			acked time.Time
		)
		if err := rows.Scan(&kind, &v, &clock, &acked); err != nil {
			return Cursor{}, false, err
		}
		found = true
		c.Versions[version.Kind(kind)] = v
		if clock > c.Clock {
			c.Clock = clock
		}
		if acked.After(c.Timestamp) {
			c.Timestamp = acked
		}
	}
	return c, found, rows.Err()
}
