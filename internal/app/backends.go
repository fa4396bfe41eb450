// Package app assembles the storage, locking and messaging backends selected
// by configuration. Both binaries build on it.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"attendsync/internal/attendance"
	"attendsync/internal/catalog"
	"attendsync/internal/config"
	"attendsync/internal/events"
	"attendsync/internal/handler"
	"attendsync/internal/keylock"
	"attendsync/internal/qrsession"
	"attendsync/internal/store"
	"attendsync/internal/syncdelta"
	"attendsync/internal/version"
)

const (
	eventsRedisKey = "attendsync:events"
	versionsKey    = "attendsync:versions"
	queueBuffer    = 256
)

// Backends are the process-wide stores. Close releases the connections.
type Backends struct {
	DB    *store.DB
	Redis *store.Redis

	Catalog  catalog.Store
	Versions version.Counter
	Locks    keylock.Locker
	Sessions qrsession.Store
	Records  attendance.Store
	Batches  attendance.BatchLog
	Cursors  syncdelta.CursorStore
	Queue    events.Queue
}

// Open connects what cfg selects. Postgres is migrated on open.
func Open(ctx context.Context, cfg config.App, logger *zap.Logger) (*Backends, error) {
	b := &Backends{}
	if needs(cfg, "postgres") {
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		b.DB = db
		if err := db.Migrate(ctx); err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	if needs(cfg, "redis") {
		b.Redis = store.NewRedis(cfg.RedisAddr)
		if !b.Redis.Healthy(ctx) {
			logger.Warn("redis not reachable at startup", zap.String("addr", cfg.RedisAddr))
		}
	}

	if cfg.StoreBackend == "postgres" {
		b.Catalog = catalog.NewPostgres(b.DB.Client)
		b.Sessions = qrsession.NewPostgresStore(b.DB.Client)
		b.Records = attendance.NewRepository(b.DB.Client)
	} else {
		b.Catalog = catalog.NewMemory()
		b.Sessions = qrsession.NewMemoryStore()
		b.Records = attendance.NewMemoryStore()
	}

	switch cfg.VersionBackend {
	case "postgres":
		b.Versions = version.NewPostgres(b.DB.Client)
	case "redis":
		b.Versions = version.NewRedis(b.Redis.Client, versionsKey)
	default:
		b.Versions = version.NewMemory()
	}

	switch cfg.CursorBackend {
	case "postgres":
		b.Cursors = syncdelta.NewPostgresCursorStore(b.DB.Client)
	case "redis":
		b.Cursors = syncdelta.NewRedisCursorStore(b.Redis.Client)
	default:
		b.Cursors = syncdelta.NewMemoryCursorStore()
	}

	if cfg.LockBackend == "redis" {
		b.Locks = keylock.NewRedis(b.Redis.Client, cfg.LockTTL, logger)
	} else {
		b.Locks = keylock.NewLocal()
	}

	if cfg.BatchLogBackend == "redis" {
		b.Batches = attendance.NewRedisBatchLog(b.Redis.Client, cfg.Policies.Ingest.BatchLogTTL)
	} else {
		b.Batches = attendance.NewMemoryBatchLog(cfg.Policies.Ingest.BatchLogTTL)
	}

	switch cfg.QueueBackend {
	case "redis":
		b.Queue = events.NewRedisQueue(b.Redis.Client, eventsRedisKey, logger)
	case "kafka":
		b.Queue = events.NewKafkaQueue(events.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroupID,
		}, logger)
	default:
		b.Queue = events.NewInMemory(queueBuffer)
	}

	logger.Info("backends ready",
		zap.String("store", cfg.StoreBackend),
		zap.String("versions", cfg.VersionBackend),
		zap.String("cursors", cfg.CursorBackend),
		zap.String("locks", cfg.LockBackend),
		zap.String("batch_log", cfg.BatchLogBackend),
		zap.String("queue", cfg.QueueBackend))
	return b, nil
}

func needs(cfg config.App, backend string) bool {
	for _, v := range []string{cfg.StoreBackend, cfg.VersionBackend, cfg.CursorBackend, cfg.LockBackend, cfg.BatchLogBackend, cfg.QueueBackend} {
		if v == backend {
			return true
		}
	}
	return false
}

// Checks are the dependencies /healthz reports on.
func (b *Backends) Checks() map[string]handler.Checker {
	out := make(map[string]handler.Checker)
	if b.DB != nil {
		out["postgres"] = b.DB
	}
	if b.Redis != nil {
		out["redis"] = b.Redis
	}
	return out
}

// Close releases every connection, reporting all failures.
func (b *Backends) Close() error {
	var errs []error
	if c, ok := b.Queue.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	errs = append(errs, b.Redis.Close(), b.DB.Close())
	return errors.Join(errs...)
}
