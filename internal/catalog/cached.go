package catalog

import (
	"context"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// Cached fronts a Reader with a short-lived cache for the lecture and room
// lookups every ingested record performs. Concurrent misses for the same key
// share one load. Scope queries pass through.
type Cached struct {
	Reader
	cache *gocache.Cache
	group singleflight.Group
}

// NewCached wraps r. A non-positive ttl defaults to 30 seconds.
func NewCached(r Reader, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cached{Reader: r, cache: gocache.New(ttl, 2*ttl)}
}

func (c *Cached) Lecture(ctx context.Context, id int64) (Lecture, error) {
	v, err := c.load(ctx, "lecture:"+strconv.FormatInt(id, 10), func(ctx context.Context) (any, error) {
		return c.Reader.Lecture(ctx, id)
	})
	if err != nil {
		return Lecture{}, err
	}
	return v.(Lecture), nil
}

func (c *Cached) Room(ctx context.Context, id int64) (Room, error) {
	v, err := c.load(ctx, "room:"+strconv.FormatInt(id, 10), func(ctx context.Context) (any, error) {
		return c.Reader.Room(ctx, id)
	})
	if err != nil {
		return Room{}, err
	}
	return v.(Room), nil
}

// Forget drops every cached entry.
func (c *Cached) Forget() {
	c.cache.Flush()
}

func (c *Cached) load(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		c.cache.SetDefault(key, v)
		return v, nil
	})
	return v, err
}
