// Package topup enqueues automatic top-up jobs when a customer's balance runs low.
package topup

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/entitlements/internal/cache"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/smallbiznis/entitlements/internal/observability/metrics"
	"github.com/smallbiznis/entitlements/internal/queue"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultQueueKey     = "entitlements:topup"
	defaultDedupeWindow = 5 * time.Minute
	evaluateTimeout     = 2 * time.Second
)

// Job asks the billing side to grant quantity more of a feature.
type Job struct {
	OrgID          snowflake.ID       `json:"tenant"`
	Environment    domain.Environment `json:"environment"`
	CustomerID     snowflake.ID       `json:"customerId"`
	FeatureID      string             `json:"featureId"`
	Quantity       float64            `json:"quantity"`
	IdempotencyKey string             `json:"idempotencyKey"`
	RequestedAt    int64              `json:"requestedAt"`
}

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

// Trigger checks the top-up rule of a feature after each successful deduction.
type Trigger struct {
	db      *gorm.DB
	repo    domain.Repository
	client  *redis.Client
	queue   *queue.Queue
	rules   cache.TopUpRuleCache
	clock   clock.Clock
	metrics *metrics.Metrics
	log     *zap.Logger

	enabled bool
	window  time.Duration

	wg sync.WaitGroup
}

func New(p Params) *Trigger {
	cfg := p.Config.TopUp
	key := cfg.QueueKey
	if key == "" {
		key = defaultQueueKey
	}
	window := cfg.DedupeWindow
	if window <= 0 {
		window = defaultDedupeWindow
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Trigger{
		db:      p.DB,
		repo:    p.Repo,
		client:  p.Client,
		queue:   queue.New(p.Client, key, p.Config.Sync.Visibility),
		rules:   cache.NewTopUpRuleCache(cfg.RuleCacheSize, cfg.RuleCacheTTL),
		clock:   clk,
		metrics: p.Metrics,
		log:     log.Named("topup.trigger"),
		enabled: cfg.Enabled,
		window:  window,
	}
}

// Observe evaluates the rule in the background; the deduction that caused it never waits.
func (t *Trigger) Observe(ctx context.Context, scope domain.Scope, featureID string, total float64) {
	if !t.enabled {
		return
	}
	ctx = context.WithoutCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, evaluateTimeout)
		defer cancel()
		if _, err := t.Evaluate(ctx, scope, featureID, total); err != nil {
			t.log.Warn("top-up evaluation failed",
				zap.String("customer_id", scope.CustomerID.String()),
				zap.String("feature_id", featureID),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until every background evaluation returned.
func (t *Trigger) Wait() {
	t.wg.Wait()
}

// Evaluate enqueues a top-up job when an enabled rule's threshold is crossed and no job
// for the same feature was enqueued within the dedupe window. It reports whether a job
// was enqueued.
func (t *Trigger) Evaluate(ctx context.Context, scope domain.Scope, featureID string, total float64) (bool, error) {
	rule, err := t.rule(ctx, scope, featureID)
	if err != nil {
		return false, err
	}
	if rule == nil || !rule.Enabled || rule.Quantity <= 0 || total >= rule.Threshold {
		return false, nil
	}

	key := ulid.Make().String()
	claimed, err := t.client.SetNX(ctx, dedupeKey(scope, featureID), key, t.window).Result()
	if err != nil {
		return false, fmt.Errorf("claim top-up window: %w", err)
	}
	if !claimed {
		return false, nil
	}

	payload, err := json.Marshal(Job{
		OrgID:          scope.OrgID,
		Environment:    scope.Environment,
		CustomerID:     scope.CustomerID,
		FeatureID:      featureID,
		Quantity:       rule.Quantity,
		IdempotencyKey: key,
		RequestedAt:    t.clock.Now().UnixMilli(),
	})
	if err != nil {
		return false, err
	}
	if err := t.queue.Enqueue(ctx, payload); err != nil {
		// release the window so the next deduction retries
		t.client.Del(context.WithoutCancel(ctx), dedupeKey(scope, featureID))
		return false, fmt.Errorf("enqueue top-up: %w", err)
	}

	t.metrics.RecordTopUp(ctx, featureID)
	t.log.Info("top-up enqueued",
		zap.String("customer_id", scope.CustomerID.String()),
		zap.String("feature_id", featureID),
		zap.Float64("total", total),
		zap.Float64("threshold", rule.Threshold),
		zap.Float64("quantity", rule.Quantity),
		zap.String("idempotency_key", key),
	)
	return true, nil
}

// ForgetRule drops a cached rule after it was edited.
func (t *Trigger) ForgetRule(scope domain.Scope, featureID string) {
	t.rules.ForgetRule(scope, featureID)
}

func (t *Trigger) rule(ctx context.Context, scope domain.Scope, featureID string) (*domain.AutoTopUpRule, error) {
	if rule, found := t.rules.GetRule(scope, featureID); found {
		return rule, nil
	}
	rule, err := t.repo.FindTopUpRule(ctx, t.db, scope, featureID)
	if err != nil {
		return nil, err
	}
	t.rules.SetRule(scope, featureID, rule)
	return rule, nil
}

func dedupeKey(scope domain.Scope, featureID string) string {
	return fmt.Sprintf("entitlements:topup:dedupe:%s:%s:%s:%s", scope.OrgID, scope.Environment, scope.CustomerID, featureID)
}
