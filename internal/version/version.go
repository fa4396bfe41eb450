// Package version hands out per-entity-type monotonic version numbers. Every
// write to a synced entity stamps the row with the next version of its kind;
// sync cursors compare against these numbers.
//
// A version is reserved before its write commits, so a reader could see
// version 5 committed while version 4 is still in flight. Current therefore
// reports the stable version of each kind: the highest version below which
// no reservation is outstanding. Readers that never look past it cannot skip
// a write that commits late.
package version

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Kind names a synced entity type.
type Kind string

const (
	Students   Kind = "students"
	Subjects   Kind = "subjects"
	Rooms      Kind = "rooms"
	Schedules  Kind = "schedules"
	Lectures   Kind = "lectures"
	Attendance Kind = "attendance"
)

// Kinds lists every kind, dependencies before dependents.
var Kinds = []Kind{Students, Subjects, Rooms, Schedules, Lectures, Attendance}

// DefaultLease bounds how long a shared counter waits for a reservation
// whose holder died before releasing it.
const DefaultLease = time.Minute

// Counter issues versions.
type Counter interface {
	// Next reserves the next version of kind. release must be called once
	// the write carrying the version has committed or failed.
	Next(ctx context.Context, kind Kind) (v int64, release func(), err error)
	// Current returns the stable version of every kind seen so far.
	Current(ctx context.Context) (map[Kind]int64, error)
}

// Holds collects reservations that are released together, typically after
// one transaction stamping several rows.
type Holds []func()

// Reserve takes the next version of kind from c and keeps its release.
func (h *Holds) Reserve(ctx context.Context, c Counter, kind Kind) (int64, error) {
	v, release, err := c.Next(ctx, kind)
	if err != nil {
		return 0, err
	}
	*h = append(*h, release)
	return v, nil
}

// Release releases every reservation.
func (h Holds) Release() {
	for _, release := range h {
		release()
	}
}

// stable lowers last to just below the smallest pending version.
func stable(last int64, pending []int64) int64 {
	for _, v := range pending {
		if v-1 < last {
			last = v - 1
		}
	}
	return last
}

// Memory is an in-process Counter.
type Memory struct {
	mu      sync.Mutex
	last    map[Kind]int64
	pending map[Kind]map[int64]struct{}
}

func NewMemory() *Memory {
	return &Memory{last: make(map[Kind]int64), pending: make(map[Kind]map[int64]struct{})}
}

func (m *Memory) Next(_ context.Context, kind Kind) (int64, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last[kind]++
	v := m.last[kind]
	if m.pending[kind] == nil {
		m.pending[kind] = make(map[int64]struct{})
	}
	m.pending[kind][v] = struct{}{}

	var once sync.Once
	return v, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.pending[kind], v)
			m.mu.Unlock()
		})
	}, nil
}

func (m *Memory) Current(context.Context) (map[Kind]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Kind]int64, len(m.last))
	for k, last := range m.last {
		pending := make([]int64, 0, len(m.pending[k]))
		for v := range m.pending[k] {
			pending = append(pending, v)
		}
		out[k] = stable(last, pending)
	}
	return out, nil
}

// Postgres keeps counters in the entity_versions table and outstanding
// reservations in version_reservations.
type Postgres struct {
	db    *sql.DB
	lease time.Duration
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, lease: DefaultLease}
}

// Next is an atomic increment-and-reserve, safe across instances.
func (p *Postgres) Next(ctx context.Context, kind Kind) (int64, func(), error) {
	var next int64
	err := p.db.QueryRowContext(ctx, `
		WITH bumped AS (
			INSERT INTO entity_versions (kind, last_value, updated_at)
			VALUES ($1, 1, NOW())
			ON CONFLICT (kind) DO UPDATE
			SET last_value = entity_versions.last_value + 1, updated_at = NOW()
			RETURNING last_value
		)
		INSERT INTO version_reservations (kind, version, expires_at)
		SELECT $1, last_value, NOW() + make_interval(secs => $2) FROM bumped
		RETURNING version
	`, string(kind), p.lease.Seconds()).Scan(&next)
	if err != nil {
		return 0, nil, err
	}
	return next, func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		// A reservation left behind stops counting once its lease runs out.
		_, _ = p.db.ExecContext(rctx, `DELETE FROM version_reservations WHERE kind = $1 AND version = $2`, string(kind), next)
	}, nil
}

func (p *Postgres) Current(ctx context.Context) (map[Kind]int64, error) {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM version_reservations WHERE expires_at <= NOW()`); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT e.kind, LEAST(e.last_value, COALESCE(MIN(r.version) - 1, e.last_value))
		FROM entity_versions e
		LEFT JOIN version_reservations r ON r.kind = e.kind AND r.expires_at > NOW()
		GROUP BY e.kind, e.last_value
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[Kind]int64)
	for rows.Next() {
		var (
			kind string
			v    int64
		)
		if err := rows.Scan(&kind, &v); err != nil {
			return nil, err
		}
		out[Kind(kind)] = v
	}
	return out, rows.Err()
}

// reserveScript bumps the counter and records the reservation in one step,
// so Current never sees the new version without its reservation.
const reserveScript = `local v = redis.call("HINCRBY", KEYS[1], ARGV[1], 1)
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[1] .. ":" .. v)
return v`

// Redis keeps counters in one hash and reservations in a sorted set scored by
// lease deadline.
type Redis struct {
	client  *redis.Client
	key     string
	pending string
	lease   time.Duration
	now     func() time.Time
}

func NewRedis(client *redis.Client, key string) *Redis {
	if key == "" {
		key = "sync:versions"
	}
	return &Redis{client: client, key: key, pending: key + ":pending", lease: DefaultLease, now: time.Now}
}

func (r *Redis) Next(ctx context.Context, kind Kind) (int64, func(), error) {
	deadline := r.now().Add(r.lease).UnixMilli()
	v, err := r.client.Eval(ctx, reserveScript, []string{r.key, r.pending}, string(kind), deadline).Int64()
	if err != nil {
		return 0, nil, err
	}
	member := fmt.Sprintf("%s:%d", kind, v)
	return v, func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_ = r.client.ZRem(rctx, r.pending, member).Err()
	}, nil
}

// Current drops expired reservations, then reads the counters before the live
// reservations. Next is atomic, so a reservation taken in between is above
// every counter value read.
func (r *Redis) Current(ctx context.Context) (map[Kind]int64, error) {
	now := r.now().UnixMilli()
	if err := r.client.ZRemRangeByScore(ctx, r.pending, "-inf", strconv.FormatInt(now, 10)).Err(); err != nil {
		return nil, err
	}
	raw, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, err
	}
	members, err := r.client.ZRangeByScore(ctx, r.pending, &redis.ZRangeBy{
		Min: fmt.Sprintf("(%d", now),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	pending := make(map[Kind][]int64)
	for _, m := range members {
		kind, v, ok := strings.Cut(m, ":")
		if !ok {
			continue
		}
		n, err := parseInt(v)
		if err != nil {
			return nil, err
		}
		pending[Kind(kind)] = append(pending[Kind(kind)], n)
	}

	out := make(map[Kind]int64, len(raw))
	for k, v := range raw {
		n, err := parseInt(v)
		if err != nil {
			return nil, err
		}
		out[Kind(k)] = stable(n, pending[Kind(k)])
	}
	return out, nil
}
