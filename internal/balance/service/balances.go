package service

import (
	"context"
	"errors"

	"github.com/smallbiznis/entitlements/internal/balance/domain"
	"github.com/smallbiznis/entitlements/internal/balancecache"
	entdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"go.uber.org/zap"
)

// GetBalances serves the cached entry. A missing entry, or one holding a feature whose
// reset is due, is rebuilt from the store under the customer lock first.
func (s *Service) GetBalances(ctx context.Context, scope entdomain.Scope) (domain.Snapshot, error) {
	if !scope.Valid() {
		return domain.Snapshot{}, entdomain.NewError(entdomain.KindInvalidArgument, "", entdomain.ErrInvalidScope)
	}

	ctx, span := tracer.Start(ctx, "balance.get")
	defer span.End()

	view, err := s.cache.Read(ctx, scope, s.clock.Now())
	switch {
	case err == nil && len(view.Due) == 0:
		return domain.Snapshot{
			Scope:    scope,
			Details:  view.Details,
			Features: view.Features,
			Source:   domain.PathCache,
		}, nil
	case err == nil:
		s.log.Debug("cached balances due for reset", zap.Strings("features", view.Due))
	case !errors.Is(err, balancecache.ErrNotCached):
		s.log.Warn("balance cache read failed", zap.String("customer_id", scope.CustomerID.String()), zap.Error(err))
	}

	rebuilt, err := s.locked(ctx, scope, nil)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return rebuilt.snapshot(), nil
}

// FreshBalances reads the store with every undelivered cache delta applied. It takes no
// lock and resets nothing, so a due feature shows its pre-reset balance.
func (s *Service) FreshBalances(ctx context.Context, scope entdomain.Scope) (domain.Snapshot, error) {
	if !scope.Valid() {
		return domain.Snapshot{}, entdomain.NewError(entdomain.KindInvalidArgument, "", entdomain.ErrInvalidScope)
	}

	ctx, span := tracer.Start(ctx, "balance.fresh")
	defer span.End()

	view, err := s.load(ctx, scope)
	if err != nil {
		return domain.Snapshot{}, err
	}
	view.details = s.cachedDetails(ctx, scope)
	return view.snapshot(), nil
}
