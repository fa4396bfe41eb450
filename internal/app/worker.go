package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"attendsync/internal/attendance"
	"attendsync/internal/events"
	"attendsync/internal/metrics"
)

const defaultSweepInterval = time.Minute

// Worker follows the conflict event stream and, when a strategy is
// configured, resolves conflicts nobody acted on in time.
type Worker struct {
	queue    events.Queue
	resolver *attendance.Resolver
	strategy attendance.Strategy
	after    time.Duration
	interval time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewWorker creates a worker. An empty strategy disables the sweep.
func NewWorker(q events.Queue, r *attendance.Resolver, strategy string, after time.Duration, logger *zap.Logger, m *metrics.Metrics) (*Worker, error) {
	w := &Worker{
		queue:    q,
		resolver: r,
		after:    after,
		interval: defaultSweepInterval,
		logger:   logger.Named("worker"),
		metrics:  m,
	}
	if strategy != "" {
		s, err := attendance.ParseStrategy(strategy)
		if err != nil {
			return nil, err
		}
		w.strategy = s
	}
	return w, nil
}

// Run blocks until ctx is done or the queue closes.
func (w *Worker) Run(ctx context.Context) error {
	msgs, err := w.queue.Consume(ctx)
	if err != nil {
		return err
	}
	var tick <-chan time.Time
	if w.strategy != "" {
		t := time.NewTicker(w.interval)
		defer t.Stop()
		tick = t.C
	}
	w.logger.Info("worker started", zap.String("auto_resolve", string(w.strategy)), zap.Duration("after", w.after))
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return nil
		case msg, ok := <-msgs:
			if !ok {
				w.logger.Info("event stream closed")
				return nil
			}
			w.handle(msg)
		case <-tick:
			w.sweep(ctx)
		}
	}
}

func (w *Worker) handle(msg events.Message) {
	w.metrics.Event("consumed", string(msg.Type))
	var c events.Conflict
	if err := msg.Decode(&c); err != nil {
		w.logger.Warn("undecodable event", zap.String("event_id", msg.ID), zap.String("type", string(msg.Type)), zap.Error(err))
		return
	}
	fields := []zap.Field{
		zap.String("event_id", msg.ID),
		zap.String("conflict_id", c.ConflictID),
		zap.Int64("student_id", c.StudentID),
		zap.Int64("lecture_id", c.LectureID),
	}
	switch msg.Type {
	case events.ConflictDetected:
		w.logger.Info("conflict detected", fields...)
	case events.ConflictResolved:
		w.logger.Info("conflict resolved", append(fields, zap.String("strategy", c.Strategy))...)
	default:
		w.logger.Debug("ignored event", fields...)
	}
}

func (w *Worker) sweep(ctx context.Context) {
	n, err := w.resolver.ResolveStale(ctx, w.strategy, w.after)
	if err != nil {
		w.logger.Error("auto-resolve sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		w.logger.Info("stale conflicts resolved", zap.Int("count", n), zap.String("strategy", string(w.strategy)))
	}
}
