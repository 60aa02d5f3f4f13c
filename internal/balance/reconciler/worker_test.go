package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/smallbiznis/entitlements/internal/entitlement/repository"
	"github.com/smallbiznis/entitlements/internal/queue"
	"github.com/smallbiznis/entitlements/internal/testkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type flakyRepo struct {
	domain.Repository
	failures int
}

func (r *flakyRepo) ApplySync(ctx context.Context, db *gorm.DB, msg domain.SyncMessage, now time.Time) (domain.SyncOutcome, error) {
	if r.failures > 0 {
		r.failures--
		return "", errors.New("connection reset")
	}
	return r.Repository.ApplySync(ctx, db, msg, now)
}

type harness struct {
	db     *gorm.DB
	fx     *testkit.Fixtures
	queue  *queue.Queue
	clock  *clock.FakeClock
	worker *Worker
	repo   *flakyRepo
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testkit.NewDB(t)
	_, client := testkit.NewRedis(t)
	q := queue.New(client, "entitlements:sync", 30*time.Second)
	clk := clock.NewFakeClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	repo := &flakyRepo{Repository: repository.Provide()}
	return &harness{
		db:     db,
		fx:     testkit.NewFixtures(t, db),
		queue:  q,
		clock:  clk,
		repo:   repo,
		worker: NewWorker(db, repo, q, clk, nil, Config{BatchSize: 10}, zap.NewNop()),
	}
}

func (h *harness) enqueue(t *testing.T, msg domain.SyncMessage) {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, h.queue.Enqueue(context.Background(), raw))
}

func TestRunOnceAppliesRedeliveredMessageOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	tmpl := h.fx.Template(domain.EntitlementTemplate{Allowance: 100})
	ent := h.fx.Entitlement(testkit.Scope, "api_calls", tmpl, domain.CustomerEntitlement{Balance: 100})

	msg := domain.SyncMessage{
		ID: "m-1", OrgID: testkit.Scope.OrgID, Environment: testkit.Scope.Environment, CustomerID: testkit.Scope.CustomerID,
		FeatureID: "api_calls", EntitlementID: ent.ID, Source: domain.SourceBalance,
		Delta: -30, SourceTimestamp: h.clock.Now().UnixMilli(),
	}
	h.enqueue(t, msg)
	h.enqueue(t, msg)

	n, err := h.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got := h.fx.Reload(ent.ID)
	assert.Equal(t, 70.0, got.Balance)
	assert.Equal(t, int64(1), got.Version)

	ready, reserved, err := h.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, ready)
	assert.Zero(t, reserved)
}

func TestRunOnceRedeliversFailedMessages(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	tmpl := h.fx.Template(domain.EntitlementTemplate{Allowance: 100})
	ent := h.fx.Entitlement(testkit.Scope, "api_calls", tmpl, domain.CustomerEntitlement{Balance: 100, AdditionalBalance: 10})

	h.repo.failures = 1
	h.enqueue(t, domain.SyncMessage{
		ID: "m-add", OrgID: testkit.Scope.OrgID, Environment: testkit.Scope.Environment, CustomerID: testkit.Scope.CustomerID,
		FeatureID: "api_calls", EntitlementID: ent.ID, Source: domain.SourceAdditional,
		Delta: -4, SourceTimestamp: h.clock.Now().UnixMilli(),
	})

	_, err := h.worker.RunOnce(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSyncApplyFailure)
	assert.Equal(t, 10.0, h.fx.Reload(ent.ID).AdditionalBalance)

	// still leased: nothing to do yet
	n, err := h.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(31 * time.Second)
	n, err = h.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 6.0, h.fx.Reload(ent.ID).AdditionalBalance)
}

func TestRunOnceDropsUndecodablePayload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.queue.Enqueue(ctx, []byte("{not json")))

	n, err := h.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ready, reserved, err := h.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, ready+reserved)
}

func TestPendingAndOverlay(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	tmpl := h.fx.Template(domain.EntitlementTemplate{Allowance: 100})
	lastReset := h.clock.Now().Add(-time.Hour).UnixMilli()
	expires := h.clock.Now().Add(24 * time.Hour).UnixMilli()
	ent := h.fx.Entitlement(testkit.Scope, "api_calls", tmpl, domain.CustomerEntitlement{
		Balance: 100, AdditionalBalance: 20, LastResetAt: &lastReset, ResetSeq: 1,
		Rollovers: []domain.Rollover{{Balance: 15, ExpiresAt: &expires}},
	})
	other := domain.Scope{OrgID: testkit.Scope.OrgID, Environment: testkit.Scope.Environment, CustomerID: 9999}

	base := domain.SyncMessage{
		OrgID: testkit.Scope.OrgID, Environment: testkit.Scope.Environment, CustomerID: testkit.Scope.CustomerID,
		FeatureID: "api_calls", EntitlementID: ent.ID, SourceTimestamp: h.clock.Now().UnixMilli(), ResetSeq: 1,
	}
	applied := base
	applied.ID, applied.Source, applied.Delta = "applied", domain.SourceBalance, -10
	pendingBalance := base
	pendingBalance.ID, pendingBalance.Source, pendingBalance.Delta = "pending-balance", domain.SourceBalance, -5
	stale := base
	stale.ID, stale.Source, stale.Delta, stale.ResetSeq = "stale", domain.SourceBalance, -50, 0
	lateAdditional := base
	lateAdditional.ID, lateAdditional.Source, lateAdditional.Delta, lateAdditional.ResetSeq = "late-additional", domain.SourceAdditional, -2, 0
	rollover := base
	rollover.ID, rollover.Source, rollover.Delta, rollover.RolloverID = "rollover", domain.SourceRollover, -3, ent.Rollovers[0].ID
	foreign := base
	foreign.ID, foreign.OrgID, foreign.CustomerID, foreign.Delta, foreign.Source = "foreign", other.OrgID, other.CustomerID, -1, domain.SourceBalance

	for _, msg := range []domain.SyncMessage{applied, pendingBalance, stale, lateAdditional, rollover, foreign} {
		h.enqueue(t, msg)
	}
	outcome, err := h.repo.ApplySync(ctx, h.db, applied, h.clock.Now())
	require.NoError(t, err)
	require.Equal(t, domain.SyncOutcomeApplied, outcome)

	queued, err := h.worker.Queued(ctx, testkit.Scope)
	require.NoError(t, err)
	assert.Len(t, queued, 5)

	pending, err := h.worker.Pending(ctx, h.db, queued)
	require.NoError(t, err)
	ids := make([]string, 0, len(pending))
	for _, msg := range pending {
		ids = append(ids, msg.ID)
	}
	assert.ElementsMatch(t, []string{"pending-balance", "stale", "late-additional", "rollover"}, ids)

	stored := h.fx.Reload(ent.ID)
	fresh := Overlay([]domain.CustomerEntitlement{stored}, pending)
	require.Len(t, fresh, 1)
	assert.Equal(t, 85.0, fresh[0].Balance)
	assert.Equal(t, 18.0, fresh[0].AdditionalBalance)
	require.Len(t, fresh[0].Rollovers, 1)
	assert.Equal(t, 12.0, fresh[0].Rollovers[0].Balance)

	// the input rows are not modified
	assert.Equal(t, 90.0, stored.Balance)
	assert.Equal(t, 15.0, stored.Rollovers[0].Balance)
}

func TestFreshFoldsPendingDeltas(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	tmpl := h.fx.Template(domain.EntitlementTemplate{Allowance: 100})
	ent := h.fx.Entitlement(testkit.Scope, "api_calls", tmpl, domain.CustomerEntitlement{Balance: 100, AdditionalBalance: 20})

	h.enqueue(t, domain.SyncMessage{
		ID: "fresh-1", OrgID: testkit.Scope.OrgID, Environment: testkit.Scope.Environment, CustomerID: testkit.Scope.CustomerID,
		FeatureID: "api_calls", EntitlementID: ent.ID, Source: domain.SourceBalance,
		Delta: -25, SourceTimestamp: h.clock.Now().UnixMilli(),
	})
	h.enqueue(t, domain.SyncMessage{
		ID: "fresh-2", OrgID: testkit.Scope.OrgID, Environment: testkit.Scope.Environment, CustomerID: testkit.Scope.CustomerID,
		FeatureID: "api_calls", EntitlementID: ent.ID, Source: domain.SourceAdditional,
		Delta: -5, SourceTimestamp: h.clock.Now().UnixMilli(),
	})

	rows, err := h.worker.Fresh(ctx, testkit.Scope)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 75.0, rows[0].Balance)
	assert.Equal(t, 15.0, rows[0].AdditionalBalance)
	assert.Equal(t, 100.0, h.fx.Reload(ent.ID).Balance)
}

func TestRecoverReclaimsLapsedLeases(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.queue.Enqueue(ctx, []byte(`{"id":"a"}`)))
	require.NoError(t, h.queue.Enqueue(ctx, []byte(`{"id":"b"}`)))

	leased, err := h.queue.Reserve(ctx, 10, h.clock.Now())
	require.NoError(t, err)
	require.Len(t, leased, 2)

	moved, ready, reserved, err := h.worker.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)
	assert.Zero(t, ready)
	assert.Equal(t, int64(2), reserved)

	h.clock.Advance(31 * time.Second)
	moved, ready, reserved, err = h.worker.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)
	assert.Equal(t, int64(2), ready)
	assert.Zero(t, reserved)
}
