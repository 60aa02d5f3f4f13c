// Package reconciler applies cache-originated balance deltas to the store.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	obslogger "github.com/smallbiznis/entitlements/internal/observability/logger"
	"github.com/smallbiznis/entitlements/internal/observability/metrics"
	"github.com/smallbiznis/entitlements/internal/queue"
	"github.com/smallbiznis/entitlements/pkg/db"
	"github.com/smallbiznis/entitlements/pkg/telemetry/correlation"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Config tunes the worker loop.
type Config struct {
	BatchSize    int
	PollInterval time.Duration
	// ConflictRetries bounds re-reads after a concurrent row write.
	ConflictRetries int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ConflictRetries <= 0 {
		c.ConflictRetries = 5
	}
	return c
}

// Worker drains the sync queue. Delivery is at least once; the applied-message table makes
// every message take effect at most once.
type Worker struct {
	db      *gorm.DB
	repo    domain.Repository
	queue   *queue.Queue
	clock   clock.Clock
	metrics *metrics.Metrics
	cfg     Config
	log     *zap.Logger
}

func NewWorker(db *gorm.DB, repo domain.Repository, q *queue.Queue, clk clock.Clock, m *metrics.Metrics, cfg Config, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Worker{
		db:      db,
		repo:    repo,
		queue:   q,
		clock:   clk,
		metrics: m,
		cfg:     cfg.withDefaults(),
		log:     log.Named("reconciler"),
	}
}

// RunForever polls until ctx is cancelled.
func (w *Worker) RunForever(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for {
			n, err := w.RunOnce(ctx)
			if err != nil && ctx.Err() == nil {
				w.log.Error("sync batch failed", zap.Error(err))
			}
			// keep draining while batches come back full
			if err != nil || n < w.cfg.BatchSize {
				break
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce reclaims lapsed leases and processes one batch. Messages that fail stay
// reserved and are redelivered once their lease lapses.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	now := w.clock.Now()
	ctx = correlation.WithID(ctx, correlation.New(now))
	log := obslogger.WithContext(ctx, w.log)
	if moved, err := w.queue.Reclaim(ctx, now); err != nil {
		return 0, err
	} else if moved > 0 {
		log.Info("redelivering sync messages", zap.Int("count", moved))
	}

	items, err := w.queue.Reserve(ctx, w.cfg.BatchSize, now)
	if err != nil {
		return 0, err
	}

	var errs []error
	for _, raw := range items {
		var msg domain.SyncMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil || msg.ID == "" {
			log.Error("dropping undecodable sync message", zap.String("payload", raw), zap.Error(err))
			w.metrics.RecordSyncMessage(ctx, "invalid")
			if err := w.queue.Ack(ctx, raw); err != nil {
				errs = append(errs, err)
			}
			continue
		}

		outcome, err := w.apply(ctx, msg)
		if err != nil {
			w.metrics.RecordSyncMessage(ctx, "failed")
			log.Warn("sync message not applied",
				zap.String("message_id", msg.ID),
				zap.String("entitlement_id", msg.EntitlementID.String()),
				zap.Error(err),
			)
			errs = append(errs, domain.NewError(domain.KindSyncApplyFailure, "", err))
			continue
		}

		w.metrics.RecordSyncMessage(ctx, string(outcome))
		if outcome != domain.SyncOutcomeApplied {
			log.Info("sync message skipped",
				zap.String("message_id", msg.ID),
				zap.String("outcome", string(outcome)),
			)
		}
		if err := w.queue.Ack(ctx, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return len(items), errors.Join(errs...)
}

func (w *Worker) apply(ctx context.Context, msg domain.SyncMessage) (domain.SyncOutcome, error) {
	var lastErr error
	for attempt := 0; attempt < w.cfg.ConflictRetries; attempt++ {
		outcome, err := w.repo.ApplySync(ctx, w.db, msg, w.clock.Now())
		if err == nil {
			return outcome, nil
		}
		// another worker committed the same message between our marker insert and commit
		if db.IsDuplicateKeyErr(err) {
			return domain.SyncDuplicate, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

// Recover returns lapsed leases to the ready list and reports the queue depth afterwards.
// It lets a deployment without a running worker notice and resume a stuck backlog.
func (w *Worker) Recover(ctx context.Context) (moved int, ready int64, reserved int64, err error) {
	moved, err = w.queue.Reclaim(ctx, w.clock.Now())
	if err != nil {
		return 0, 0, 0, err
	}
	ready, reserved, err = w.queue.Depth(ctx)
	if err != nil {
		return moved, 0, 0, err
	}
	return moved, ready, reserved, nil
}
