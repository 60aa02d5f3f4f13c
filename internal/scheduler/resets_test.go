package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/smallbiznis/entitlements/internal/lock"
	obsmetrics "github.com/smallbiznis/entitlements/internal/observability/metrics"
	"github.com/smallbiznis/entitlements/internal/testkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var otherScope = domain.Scope{OrgID: testkit.Scope.OrgID, Environment: testkit.Scope.Environment, CustomerID: 3003}

func msPtr(t time.Time) *int64 {
	ms := t.UnixMilli()
	return &ms
}

func floatPtr(v float64) *float64 { return &v }

func dailyTemplate(h *harness) domain.EntitlementTemplate {
	return h.fx.Template(domain.EntitlementTemplate{
		FeatureID:       "api_calls",
		Allowance:       100,
		Interval:        domain.IntervalDay,
		RolloverEnabled: true,
		RolloverMax:     floatPtr(25),
	})
}

func TestResetEntitlementsJobResetsDueCustomers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	now := h.clock.Now()
	tmpl := dailyTemplate(h)

	due := h.fx.Entitlement(testkit.Scope, "api_calls", tmpl, domain.CustomerEntitlement{
		Balance:     40,
		NextResetAt: msPtr(now.Add(-time.Hour)),
		LastResetAt: msPtr(now.Add(-25 * time.Hour)),
	})
	notDue := h.fx.Entitlement(otherScope, "api_calls", tmpl, domain.CustomerEntitlement{
		Balance:     7,
		NextResetAt: msPtr(now.Add(time.Hour)),
		LastResetAt: msPtr(now.Add(-23 * time.Hour)),
	})
	dueKey := h.cacheEntry(t, testkit.Scope)
	otherKey := h.cacheEntry(t, otherScope)

	// a cache deduction from before the boundary, not yet delivered
	h.enqueue(t, domain.SyncMessage{
		ID: "pre-reset", OrgID: testkit.Scope.OrgID, Environment: testkit.Scope.Environment, CustomerID: testkit.Scope.CustomerID,
		FeatureID: "api_calls", EntitlementID: due.ID, Source: domain.SourceBalance,
		Delta: -10, SourceTimestamp: now.Add(-2 * time.Hour).UnixMilli(),
	})

	require.NoError(t, h.sched.ResetEntitlementsJob(ctx))

	got := h.fx.Reload(due.ID)
	assert.Equal(t, 100.0, got.Balance)
	require.NotNil(t, got.NextResetAt)
	assert.Equal(t, now.Add(23*time.Hour).UnixMilli(), *got.NextResetAt)
	require.NotNil(t, got.LastResetAt)
	assert.Equal(t, now.Add(-time.Hour).UnixMilli(), *got.LastResetAt)

	// the undelivered delta counts toward the carried balance: 40-10 capped at 25
	require.Len(t, got.Rollovers, 1)
	assert.Equal(t, 25.0, got.Rollovers[0].Balance)
	require.NotNil(t, got.Rollovers[0].ExpiresAt)
	assert.Equal(t, time.Date(2026, 6, 10, 11, 0, 0, 0, time.UTC).UnixMilli(), *got.Rollovers[0].ExpiresAt)

	assert.False(t, h.mr.Exists(dueKey))
	assert.True(t, h.mr.Exists(otherKey))
	assert.Equal(t, 7.0, h.fx.Reload(notDue.ID).Balance)

	// the delta predates the new interval and is dropped on delivery
	_, err := h.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100.0, h.fx.Reload(due.ID).Balance)

	assert.Equal(t, 1.0, h.counter(t, "entitlements_scheduler_batch_processed_total", map[string]string{
		"job":      jobResetEntitlements,
		"resource": "entitlements",
	}))
}

func TestResetEntitlementsJobDefersLockedCustomer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	now := h.clock.Now()
	tmpl := dailyTemplate(h)

	ent := h.fx.Entitlement(testkit.Scope, "api_calls", tmpl, domain.CustomerEntitlement{
		Balance:     60,
		NextResetAt: msPtr(now.Add(-time.Minute)),
	})

	key := lock.CustomerKey(testkit.Scope)
	token, ok, err := h.locker.TryAcquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.sched.ResetEntitlementsJob(ctx))
	assert.Equal(t, 60.0, h.fx.Reload(ent.ID).Balance)
	assert.Equal(t, 1.0, h.counter(t, "entitlements_scheduler_batch_deferred_total", map[string]string{
		"job":    jobResetEntitlements,
		"reason": obsmetrics.SchedulerBatchDeferredReasonCustomerLocked,
	}))

	h.locker.Release(ctx, key, token)
	require.NoError(t, h.sched.ResetEntitlementsJob(ctx))
	assert.Equal(t, 100.0, h.fx.Reload(ent.ID).Balance)
}

func TestResetEntitlementsJobPagesPastLockedCustomers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{ResetBatch: 2})
	now := h.clock.Now()
	tmpl := dailyTemplate(h)

	busyCalls := h.fx.Entitlement(testkit.Scope, "api_calls", tmpl, domain.CustomerEntitlement{
		Balance:     10,
		NextResetAt: msPtr(now.Add(-2 * time.Hour)),
	})
	busyStorage := h.fx.Entitlement(testkit.Scope, "storage", tmpl, domain.CustomerEntitlement{
		Balance:     10,
		NextResetAt: msPtr(now.Add(-2 * time.Hour)),
	})
	waiting := h.fx.Entitlement(otherScope, "api_calls", tmpl, domain.CustomerEntitlement{
		Balance:     10,
		NextResetAt: msPtr(now.Add(-time.Hour)),
	})

	key := lock.CustomerKey(testkit.Scope)
	token, ok, err := h.locker.TryAcquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	defer h.locker.Release(ctx, key, token)

	// the first page holds only the locked customer's rows
	require.NoError(t, h.sched.ResetEntitlementsJob(ctx))

	assert.Equal(t, 100.0, h.fx.Reload(waiting.ID).Balance)
	assert.Equal(t, 10.0, h.fx.Reload(busyCalls.ID).Balance)
	assert.Equal(t, 10.0, h.fx.Reload(busyStorage.ID).Balance)
}

func TestResetEntitlementsJobSkipsRowsWithoutTemplate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	now := h.clock.Now()
	tmpl := dailyTemplate(h)

	orphan := h.fx.Entitlement(testkit.Scope, "api_calls", domain.EntitlementTemplate{ID: h.fx.ID()}, domain.CustomerEntitlement{
		Balance:     5,
		NextResetAt: msPtr(now.Add(-time.Minute)),
	})
	ent := h.fx.Entitlement(otherScope, "api_calls", tmpl, domain.CustomerEntitlement{
		Balance:     5,
		NextResetAt: msPtr(now.Add(-time.Minute)),
	})

	require.NoError(t, h.sched.ResetEntitlementsJob(ctx))
	assert.Equal(t, 5.0, h.fx.Reload(orphan.ID).Balance)
	assert.Equal(t, 100.0, h.fx.Reload(ent.ID).Balance)
}

func TestExpireRolloversJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{RolloverScan: 1})
	now := h.clock.Now()
	tmpl := dailyTemplate(h)

	ent := h.fx.Entitlement(testkit.Scope, "api_calls", tmpl, domain.CustomerEntitlement{
		Balance: 100,
		Rollovers: []domain.Rollover{
			{Balance: 10, ExpiresAt: msPtr(now.Add(-time.Minute))},
			{Balance: 20, ExpiresAt: msPtr(now.Add(-time.Second))},
			{Balance: 30, ExpiresAt: msPtr(now.Add(24 * time.Hour))},
		},
	})
	key := h.cacheEntry(t, testkit.Scope)

	require.NoError(t, h.sched.ExpireRolloversJob(ctx))

	got := h.fx.Reload(ent.ID)
	require.Len(t, got.Rollovers, 1)
	assert.Equal(t, 30.0, got.Rollovers[0].Balance)
	assert.Equal(t, int64(2), got.Version)
	assert.False(t, h.mr.Exists(key))
}

func TestRecoverSyncJobReclaimsLapsedLeases(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	require.NoError(t, h.queue.Enqueue(ctx, []byte(`{"id":"a"}`)))
	require.NoError(t, h.queue.Enqueue(ctx, []byte(`{"id":"b"}`)))
	_, err := h.queue.Reserve(ctx, 10, h.clock.Now())
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	require.NoError(t, h.sched.RecoverSyncJob(ctx))

	ready, reserved, err := h.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), ready)
	assert.Zero(t, reserved)
	assert.Equal(t, 2.0, getGaugeValue(t, h.registry, "entitlements_sync_queue_depth", map[string]string{
		"service": "entitlements",
		"env":     "test",
		"state":   "ready",
	}))
}

func TestRunOnceRunsOnlyEnabledJobs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{EnabledJobs: []string{jobExpireRollovers}})
	now := h.clock.Now()
	tmpl := dailyTemplate(h)

	ent := h.fx.Entitlement(testkit.Scope, "api_calls", tmpl, domain.CustomerEntitlement{
		Balance:     60,
		NextResetAt: msPtr(now.Add(-time.Minute)),
		Rollovers:   []domain.Rollover{{Balance: 10, ExpiresAt: msPtr(now.Add(-time.Minute))}},
	})

	require.NoError(t, h.sched.RunOnce(ctx))

	got := h.fx.Reload(ent.ID)
	assert.Equal(t, 60.0, got.Balance)
	assert.Empty(t, got.Rollovers)
}
