package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/balance/domain"
	"github.com/smallbiznis/entitlements/internal/balance/reconciler"
	"github.com/smallbiznis/entitlements/internal/balancecache"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	"github.com/smallbiznis/entitlements/internal/entitlement/deduction"
	entdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/smallbiznis/entitlements/internal/lock"
	obslogger "github.com/smallbiznis/entitlements/internal/observability/logger"
	"github.com/smallbiznis/entitlements/internal/observability/metrics"
	"github.com/smallbiznis/entitlements/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("entitlements/balance")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       entdomain.Repository
	Cache      *balancecache.Cache
	Locker     *lock.Locker
	Reconciler *reconciler.Worker
	Policy     *config.PolicyHolder
	Clock      clock.Clock
	Config     config.Config
	Metrics    *metrics.Metrics `optional:"true"`
	Observer   domain.Observer  `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       entdomain.Repository
	cache      *balancecache.Cache
	locker     *lock.Locker
	reconciler *reconciler.Worker
	policy     *config.PolicyHolder
	clock      clock.Clock
	metrics    *metrics.Metrics
	observer   domain.Observer

	cacheTimeout time.Duration
	writeRetries int
}

func New(p Params) domain.Service {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	cacheTimeout := p.Config.Cache.CallTimeout
	if cacheTimeout <= 0 {
		cacheTimeout = 500 * time.Millisecond
	}
	writeRetries := p.Config.Cache.WriteRetries
	if writeRetries <= 0 {
		writeRetries = 3
	}
	return &Service{
		db:           p.DB,
		log:          log.Named("balance.service"),
		genID:        p.GenID,
		repo:         p.Repo,
		cache:        p.Cache,
		locker:       p.Locker,
		reconciler:   p.Reconciler,
		policy:       p.Policy,
		clock:        clk,
		metrics:      p.Metrics,
		observer:     p.Observer,
		cacheTimeout: cacheTimeout,
		writeRetries: writeRetries,
	}
}

func (s *Service) Deduct(ctx context.Context, req domain.DeductRequest) (domain.DeductResult, error) {
	res, err := s.DeductBatch(ctx, domain.BatchRequest{
		Scope:     req.Scope,
		EntityID:  req.EntityID,
		FeatureID: req.FeatureID,
		Amounts:   []float64{req.Amount},
		Options:   req.Options,
	})
	if err != nil {
		return domain.DeductResult{}, err
	}
	item := res.Items[0]
	if !item.OK {
		return domain.DeductResult{NewBalance: res.NewBalance, Remaining: item.Remaining, Path: res.Path},
			entdomain.InsufficientBalance(req.FeatureID)
	}
	return domain.DeductResult{
		NewBalance: res.NewBalance,
		Deducted:   item.Deducted,
		Remaining:  item.Remaining,
		Path:       res.Path,
	}, nil
}

// DeductBatch applies amounts in order. The cache serves it when it can; a cache-unusable
// outcome moves it to the locked store path. A rejected amount is reported in the result
// and never retried against the store.
func (s *Service) DeductBatch(ctx context.Context, req domain.BatchRequest) (domain.BatchResult, error) {
	if err := validateTarget(req.Scope, req.FeatureID); err != nil {
		return domain.BatchResult{}, err
	}
	if err := validateAmounts(req.Amounts); err != nil {
		return domain.BatchResult{}, err
	}

	ctx, _ = correlation.Ensure(ctx)
	ctx = obslogger.ContextWithCustomer(ctx, string(req.Scope.Environment), req.Scope.CustomerID.String())
	ctx, span := tracer.Start(ctx, "balance.deduct", trace.WithAttributes(
		attribute.String("feature_id", req.FeatureID),
		attribute.Int("amounts", len(req.Amounts)),
	))
	defer span.End()

	started := time.Now()
	policy := s.policy.Get()
	opts := deduction.Options{
		Overage:             req.Options.OverageBehaviour,
		AlterGrantedBalance: req.Options.AlterGrantedBalance,
		Precedence:          policy.Precedence,
	}
	if opts.Overage == "" {
		opts.Overage = policy.DefaultOverage
	}

	res, err := s.deductCache(ctx, req, opts)
	if err != nil {
		if !entdomain.FallbackEligible(err) {
			s.metrics.RecordDeduction(ctx, string(domain.PathCache), "error", time.Since(started))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return domain.BatchResult{}, err
		}

		code := entdomain.CodeOf(err)
		s.metrics.RecordFallback(ctx, code)
		obslogger.WithContext(ctx, s.log).Info("cache unusable, deducting from store",
			zap.String("feature_id", req.FeatureID),
			zap.String("code", code),
			zap.Error(err),
		)

		res, err = s.deductStore(ctx, req, opts)
		if err != nil {
			s.metrics.RecordDeduction(ctx, string(domain.PathStore), "error", time.Since(started))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return domain.BatchResult{}, err
		}
	}

	outcome := "success"
	if !res.Success {
		outcome = "insufficient"
	}
	s.metrics.RecordDeduction(ctx, string(res.Path), outcome, time.Since(started))
	span.SetAttributes(attribute.String("path", string(res.Path)), attribute.String("outcome", outcome))

	if res.SuccessCount > 0 && s.observer != nil {
		s.observer.Observe(ctx, req.Scope, req.FeatureID, res.NewBalance)
	}
	return res, nil
}

func (s *Service) deductCache(ctx context.Context, req domain.BatchRequest, opts deduction.Options) (domain.BatchResult, error) {
	cctx, cancel := context.WithTimeout(ctx, s.cacheTimeout)
	defer cancel()

	out, err := s.cache.AtomicDeduct(cctx, balancecache.DeductRequest{
		Scope:               req.Scope,
		FeatureID:           req.FeatureID,
		EntityID:            req.EntityID,
		Amounts:             req.Amounts,
		Overage:             opts.Overage,
		AlterGrantedBalance: opts.AlterGrantedBalance,
		Precedence:          opts.Precedence,
		Now:                 s.clock.Now(),
	})
	if err != nil {
		return domain.BatchResult{}, err
	}
	return batchResult(out.Items, out.SuccessCount, out.Deducted, out.NewTotal, domain.PathCache), nil
}

func (s *Service) deductStore(ctx context.Context, req domain.BatchRequest, opts deduction.Options) (domain.BatchResult, error) {
	var res domain.BatchResult
	_, err := s.locked(ctx, req.Scope, func(ctx context.Context, view *storeView) error {
		resolved, ok := view.resolved(req.FeatureID)
		if !ok {
			return featureNotFound(req.FeatureID)
		}
		target := deduction.BuildSources(resolved, req.EntityID, view.nowMs())
		if target.Empty() {
			return entityNotFound(req.FeatureID, req.EntityID)
		}

		opts.Overage = deduction.EffectiveOverage(resolved.Feature, anyPaid(resolved), opts.Overage)
		out := deduction.Plan(deduction.Request{
			Target:  target,
			Credit:  view.credit(resolved.Feature),
			Amounts: req.Amounts,
			Options: opts,
		})
		if err := s.commit(ctx, view.now, out.Changes); err != nil {
			return err
		}
		res = batchResult(out.Items, out.SuccessCount, out.Deducted, out.Target.Total(), domain.PathStore)
		return nil
	})
	return res, err
}

// SetBalance moves the current-period balance of a feature to req.TargetBalance. It runs
// as a store deduction of the difference that also shifts the granted adjustment.
func (s *Service) SetBalance(ctx context.Context, req domain.SetBalanceRequest) error {
	if err := validateTarget(req.Scope, req.FeatureID); err != nil {
		return err
	}
	if math.IsNaN(req.TargetBalance) || math.IsInf(req.TargetBalance, 0) {
		return entdomain.NewError(entdomain.KindInvalidArgument, "", entdomain.ErrInvalidAmount)
	}

	ctx, span := tracer.Start(ctx, "balance.set", trace.WithAttributes(
		attribute.String("feature_id", req.FeatureID),
	))
	defer span.End()

	_, err := s.locked(ctx, req.Scope, func(ctx context.Context, view *storeView) error {
		resolved, ok := view.resolved(req.FeatureID)
		if !ok {
			return featureNotFound(req.FeatureID)
		}

		all := deduction.BuildSources(resolved, req.EntityID, view.nowMs())
		target := deduction.Sources{FeatureID: req.FeatureID}
		var current float64
		for _, src := range all.Primary {
			if src.Kind != entdomain.SourceBalance {
				continue
			}
			if req.EntitlementID != 0 && src.EntitlementID != req.EntitlementID {
				continue
			}
			src.Overage = true
			src.Min = nil
			target.Primary = append(target.Primary, src)
			current += src.Balance
		}
		if len(target.Primary) == 0 {
			return entityNotFound(req.FeatureID, req.EntityID)
		}

		amount := current - req.TargetBalance
		if amount == 0 {
			return nil
		}
		out := deduction.Plan(deduction.Request{
			Target:  target,
			Amounts: []float64{amount},
			Options: deduction.Options{
				Overage:             entdomain.OverageCap,
				AlterGrantedBalance: true,
				Precedence:          s.policy.Get().Precedence,
			},
		})
		s.log.Info("setting balance",
			zap.String("customer_id", req.Scope.CustomerID.String()),
			zap.String("feature_id", req.FeatureID),
			zap.Float64("from", current),
			zap.Float64("to", req.TargetBalance),
		)
		return s.commit(ctx, view.now, out.Changes)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// SetDetails updates descriptive fields of a cached customer. An uncached customer is not
// an error; the details are simply not kept.
func (s *Service) SetDetails(ctx context.Context, scope entdomain.Scope, details domain.Details) error {
	if !scope.Valid() {
		return entdomain.NewError(entdomain.KindInvalidArgument, "", entdomain.ErrInvalidScope)
	}
	err := s.cache.SetCachedDetails(ctx, scope, details)
	if errors.Is(err, balancecache.ErrNotCached) {
		s.log.Debug("customer not cached, details dropped", zap.String("customer_id", scope.CustomerID.String()))
		return nil
	}
	return err
}

func batchResult(items []deduction.Item, successCount int, deducted, newBalance float64, path domain.Path) domain.BatchResult {
	res := domain.BatchResult{
		Success:      successCount == len(items),
		SuccessCount: successCount,
		Deducted:     deducted,
		NewBalance:   newBalance,
		Items:        make([]domain.ItemResult, 0, len(items)),
		Path:         path,
	}
	for _, item := range items {
		res.Items = append(res.Items, domain.ItemResult{
			Amount:    item.Amount,
			Deducted:  item.Deducted,
			Remaining: item.Remaining,
			OK:        item.OK,
		})
	}
	return res
}

func validateTarget(scope entdomain.Scope, featureID string) error {
	if !scope.Valid() {
		return entdomain.NewError(entdomain.KindInvalidArgument, "", entdomain.ErrInvalidScope)
	}
	if strings.TrimSpace(featureID) == "" {
		return entdomain.NewError(entdomain.KindInvalidArgument, "", entdomain.ErrInvalidFeatureID)
	}
	return nil
}

func validateAmounts(amounts []float64) error {
	if len(amounts) == 0 {
		return entdomain.NewError(entdomain.KindInvalidArgument, "", entdomain.ErrInvalidAmount)
	}
	for _, amount := range amounts {
		if math.IsNaN(amount) || math.IsInf(amount, 0) {
			return entdomain.NewError(entdomain.KindInvalidArgument, "", entdomain.ErrInvalidAmount)
		}
	}
	return nil
}

func featureNotFound(featureID string) error {
	return entdomain.NewError(entdomain.KindNotFound, entdomain.CodeFeatureNotFound,
		fmt.Errorf("%w: %s", entdomain.ErrFeatureNotFound, featureID))
}

func entityNotFound(featureID, entityID string) error {
	return entdomain.NewError(entdomain.KindNotFound, entdomain.CodeFeatureNotFound,
		fmt.Errorf("%w: feature %s entity %q", entdomain.ErrEntitlementNotFound, featureID, entityID))
}

func anyPaid(res entdomain.Resolved) bool {
	for i := range res.Entitlements {
		if res.Templates[res.Entitlements[i].TemplateID].Paid {
			return true
		}
	}
	return false
}
