package reconciler

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/smallbiznis/entitlements/internal/observability/metrics"
	"github.com/smallbiznis/entitlements/internal/queue"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Repo    domain.Repository
	Client  *redis.Client
	Clock   clock.Clock
	Config  config.Config
	Metrics *metrics.Metrics `optional:"true"`
	Log     *zap.Logger
}

func Provide(p Params) *Worker {
	q := queue.New(p.Client, p.Config.Sync.QueueKey, p.Config.Sync.Visibility)
	return NewWorker(p.DB, p.Repo, q, p.Clock, p.Metrics, Config{
		BatchSize:       p.Config.Sync.BatchSize,
		PollInterval:    p.Config.Sync.PollInterval,
		ConflictRetries: p.Config.Sync.ConflictRetries,
	}, p.Log)
}

// Module provides the worker without running it; the balance service reads pending
// deltas through it.
var Module = fx.Module("balance.reconciler",
	fx.Provide(Provide),
)

// RunnerModule drains the sync queue for the lifetime of the application.
var RunnerModule = fx.Module("balance.reconciler.runner",
	fx.Invoke(runWorker),
)

func runWorker(lc fx.Lifecycle, w *Worker) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := w.RunForever(ctx); err != nil && ctx.Err() == nil {
					w.log.Error("reconciler stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}
