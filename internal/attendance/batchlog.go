package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// BatchLog remembers batch results so a retried batch id is answered
// without touching storage.
type BatchLog interface {
	Get(ctx context.Context, studentID int64, batchID string) (BatchResult, bool, error)
	Put(ctx context.Context, studentID int64, batchID string, res BatchResult) error
}

func batchKey(studentID int64, batchID string) string {
	return fmt.Sprintf("batch:%d:%s", studentID, batchID)
}

// MemoryBatchLog keeps results in process for ttl.
type MemoryBatchLog struct {
	cache *gocache.Cache
}

func NewMemoryBatchLog(ttl time.Duration) *MemoryBatchLog {
	return &MemoryBatchLog{cache: gocache.New(ttl, ttl/2)}
}

func (l *MemoryBatchLog) Get(_ context.Context, studentID int64, batchID string) (BatchResult, bool, error) {
	v, ok := l.cache.Get(batchKey(studentID, batchID))
	if !ok {
		return BatchResult{}, false, nil
	}
	return v.(BatchResult), true, nil
}

func (l *MemoryBatchLog) Put(_ context.Context, studentID int64, batchID string, res BatchResult) error {
	l.cache.SetDefault(batchKey(studentID, batchID), res)
	return nil
}

// RedisBatchLog stores results as JSON with a TTL.
type RedisBatchLog struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisBatchLog(client *redis.Client, ttl time.Duration) *RedisBatchLog {
	return &RedisBatchLog{client: client, ttl: ttl}
}

func (l *RedisBatchLog) Get(ctx context.Context, studentID int64, batchID string) (BatchResult, bool, error) {
	raw, err := l.client.Get(ctx, batchKey(studentID, batchID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return BatchResult{}, false, nil
	}
	if err != nil {
		return BatchResult{}, false, err
	}
	var res BatchResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return BatchResult{}, false, err
	}
	return res, true, nil
}

func (l *RedisBatchLog) Put(ctx context.Context, studentID int64, batchID string, res BatchResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return l.client.Set(ctx, batchKey(studentID, batchID), raw, l.ttl).Err()
}
