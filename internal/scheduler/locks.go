package scheduler

import (
	"context"
	"time"

	entdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/smallbiznis/entitlements/internal/lock"
	obsmetrics "github.com/smallbiznis/entitlements/internal/observability/metrics"
)

// claimCustomer takes the customer lock without waiting. A customer busy on the store path
// is left for the next run; the request that holds the lock resets its due rows anyway.
func (s *Scheduler) claimCustomer(ctx context.Context, scope entdomain.Scope) (func(), bool, error) {
	key := lock.CustomerKey(scope)
	start := time.Now()
	token, ok, err := s.locker.TryAcquire(ctx, key, s.locker.TTL())
	obsmetrics.Scheduler().ObserveLockWait(obsmetrics.LockResourceCustomerBalance, time.Since(start))
	if err != nil || !ok {
		return nil, false, err
	}
	release := func() {
		s.locker.Release(context.WithoutCancel(ctx), key, token)
	}
	return release, true, nil
}

// fetchDueScopes reads the page of due rows after the cursor and returns the customers this
// run has not visited yet, with the cursor at the page's last row. A nil cursor means no
// due rows remain past after.
func (s *Scheduler) fetchDueScopes(ctx context.Context, now time.Time, after *entdomain.DueCursor, visited map[entdomain.Scope]struct{}) ([]entdomain.Scope, *entdomain.DueCursor, error) {
	start := time.Now()
	rows, err := s.repo.ListDue(ctx, s.db, now.UnixMilli(), after, s.cfg.ResetBatch)
	obsmetrics.Scheduler().ObserveLockWait(obsmetrics.LockResourceDueEntitlements, time.Since(start))
	if err != nil {
		return nil, nil, err
	}
	if len(rows) == 0 {
		return nil, nil, nil
	}
	last := rows[len(rows)-1]
	next := &entdomain.DueCursor{NextResetAt: *last.NextResetAt, ID: last.ID}

	scopes := make([]entdomain.Scope, 0)
	for i := range rows {
		scope := rows[i].Scope()
		if _, ok := visited[scope]; ok {
			continue
		}
		visited[scope] = struct{}{}
		scopes = append(scopes, scope)
	}
	return scopes, next, nil
}
