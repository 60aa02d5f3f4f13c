package repository

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/smallbiznis/entitlements/internal/testkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func int64Ptr(v int64) *int64 { return &v }

func TestApplySyncIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := testkit.NewDB(t)
	fx := testkit.NewFixtures(t, db)
	r := Provide()

	tmpl := fx.Template(domain.EntitlementTemplate{Allowance: 100})
	ent := fx.Entitlement(testkit.Scope, "api_calls", tmpl, domain.CustomerEntitlement{Balance: 100})

	msg := domain.SyncMessage{
		ID:              "01J0000000000000000000000A",
		OrgID:           testkit.Scope.OrgID,
		Environment:     testkit.Scope.Environment,
		CustomerID:      testkit.Scope.CustomerID,
		FeatureID:       "api_calls",
		EntitlementID:   ent.ID,
		Source:          domain.SourceBalance,
		Delta:           -30,
		SourceTimestamp: time.Now().UnixMilli(),
	}

	outcome, err := r.ApplySync(ctx, db, msg, time.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.SyncOutcomeApplied, outcome)

	outcome, err = r.ApplySync(ctx, db, msg, time.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.SyncDuplicate, outcome)

	got := fx.Reload(ent.ID)
	assert.Equal(t, 70.0, got.Balance)
	assert.Equal(t, int64(1), got.Version)

	applied, err := r.AppliedMessageIDs(ctx, db, []string{msg.ID, "other"})
	require.NoError(t, err)
	assert.Contains(t, applied, msg.ID)
	assert.NotContains(t, applied, "other")
}

func TestApplySyncSources(t *testing.T) {
	ctx := context.Background()
	db := testkit.NewDB(t)
	fx := testkit.NewFixtures(t, db)
	r := Provide()

	tmpl := fx.Template(domain.EntitlementTemplate{Allowance: 10, EntityFeatureID: "seats"})
	ent := domain.CustomerEntitlement{
		AdditionalBalance: 50,
		LastResetAt:       int64Ptr(1_000),
		ResetSeq:          2,
		Rollovers:         []domain.Rollover{{Balance: 8}},
	}
	ent.SetEntityMap(domain.EntityBalances{"seat_1": {Balance: 10}})
	ent = fx.Entitlement(testkit.Scope, "api_calls", tmpl, ent)

	base := domain.SyncMessage{
		OrgID:           testkit.Scope.OrgID,
		Environment:     testkit.Scope.Environment,
		CustomerID:      testkit.Scope.CustomerID,
		FeatureID:       "api_calls",
		EntitlementID:   ent.ID,
		SourceTimestamp: 2_000,
		ResetSeq:        2,
	}

	entity := base
	entity.ID, entity.Source, entity.EntityID, entity.Delta, entity.AdjustmentDelta = "m1", domain.SourceBalance, "seat_1", -4, -4
	additional := base
	additional.ID, additional.Source, additional.Delta = "m2", domain.SourceAdditional, -20
	rollover := base
	rollover.ID, rollover.Source, rollover.RolloverID, rollover.Delta = "m3", domain.SourceRollover, ent.Rollovers[0].ID, -3
	stale := base
	stale.ID, stale.Source, stale.EntityID, stale.Delta, stale.ResetSeq = "m4", domain.SourceBalance, "seat_1", -1, 1
	orphan := base
	orphan.ID, orphan.Source, orphan.RolloverID, orphan.Delta = "m5", domain.SourceRollover, snowflake.ID(42), -1

	want := map[string]domain.SyncOutcome{
		"m1": domain.SyncOutcomeApplied,
		"m2": domain.SyncOutcomeApplied,
		"m3": domain.SyncOutcomeApplied,
		"m4": domain.SyncStale,
		"m5": domain.SyncOrphaned,
	}
	for _, msg := range []domain.SyncMessage{entity, additional, rollover, stale, orphan} {
		outcome, err := r.ApplySync(ctx, db, msg, time.Now())
		require.NoError(t, err)
		assert.Equal(t, want[msg.ID], outcome, msg.ID)
	}

	got := fx.Reload(ent.ID)
	assert.Equal(t, domain.EntityBalance{Balance: 6, Adjustment: -4}, got.EntityMap()["seat_1"])
	assert.Equal(t, 30.0, got.AdditionalBalance)
	require.Len(t, got.Rollovers, 1)
	assert.Equal(t, 5.0, got.Rollovers[0].Balance)
	assert.Equal(t, 3.0, got.Rollovers[0].Usage)

	// stale additional-balance deltas are still applied: that pool survives resets
	late := base
	late.ID, late.Source, late.Delta, late.ResetSeq = "m6", domain.SourceAdditional, -5, 0
	outcome, err := r.ApplySync(ctx, db, late, time.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.SyncOutcomeApplied, outcome)
}

func TestUpdateBalancesVersionConflict(t *testing.T) {
	ctx := context.Background()
	db := testkit.NewDB(t)
	fx := testkit.NewFixtures(t, db)
	r := Provide()

	tmpl := fx.Template(domain.EntitlementTemplate{Allowance: 100})
	ent := fx.Entitlement(testkit.Scope, "api_calls", tmpl, domain.CustomerEntitlement{Balance: 100})

	err := r.UpdateBalances(ctx, db, domain.BalanceUpdate{EntitlementID: ent.ID, ExpectedVersion: 0, Balance: 90, UpdatedAt: time.Now()})
	require.NoError(t, err)

	err = r.UpdateBalances(ctx, db, domain.BalanceUpdate{EntitlementID: ent.ID, ExpectedVersion: 0, Balance: 80, UpdatedAt: time.Now()})
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
	assert.Equal(t, 90.0, fx.Reload(ent.ID).Balance)
}

func TestApplyResetsSkipsRacedRows(t *testing.T) {
	ctx := context.Background()
	db := testkit.NewDB(t)
	fx := testkit.NewFixtures(t, db)
	r := Provide()

	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	due := now.Add(-time.Hour).UnixMilli()
	tmpl := fx.Template(domain.EntitlementTemplate{Allowance: 100})
	first := fx.Entitlement(testkit.Scope, "api_calls", tmpl, domain.CustomerEntitlement{
		Balance:           40,
		AdditionalBalance: 7,
		NextResetAt:       &due,
		Rollovers:         []domain.Rollover{{Balance: 5, ExpiresAt: int64Ptr(due - 1)}},
	})
	second := fx.Entitlement(testkit.Scope, "storage", tmpl, domain.CustomerEntitlement{Balance: 10, NextResetAt: &due})

	next := now.AddDate(0, 1, 0).UnixMilli()
	staleExpected := due - 10
	resets := []domain.ResetRequest{
		{
			EntitlementID:       first.ID,
			ExpectedNextResetAt: &due,
			Balance:             100,
			NextResetAt:         &next,
			LastResetAt:         &due,
			ResetAnchorAt:       &due,
			RolloverToInsert:    &domain.Rollover{ID: fx.ID(), Balance: 40},
			DeleteRolloverIDs:   []snowflake.ID{first.Rollovers[0].ID},
		},
		{
			EntitlementID:       second.ID,
			ExpectedNextResetAt: &staleExpected,
			Balance:             100,
			NextResetAt:         &next,
		},
	}

	res, err := r.ApplyResets(ctx, db, resets, now)
	require.NoError(t, err)
	require.Contains(t, res.Applied, first.ID)
	assert.Equal(t, []snowflake.ID{second.ID}, res.Skipped)
	assert.Equal(t, 7.0, res.Applied[first.ID].AdditionalBalance)
	assert.Equal(t, int64(1), res.Applied[first.ID].Version)

	got := fx.Reload(first.ID)
	assert.Equal(t, 100.0, got.Balance)
	assert.Equal(t, 7.0, got.AdditionalBalance)
	assert.Equal(t, int64(1), got.ResetSeq)
	require.NotNil(t, got.ResetAnchorAt)
	assert.Equal(t, due, *got.ResetAnchorAt)
	require.NotNil(t, got.NextResetAt)
	assert.Equal(t, next, *got.NextResetAt)
	require.Len(t, got.Rollovers, 1)
	assert.Equal(t, 40.0, got.Rollovers[0].Balance)

	assert.Equal(t, 10.0, fx.Reload(second.ID).Balance)
	assert.Equal(t, int64(0), fx.Reload(second.ID).ResetSeq)

	// a second submission of the same batch is a no-op
	res, err = r.ApplyResets(ctx, db, resets[:1], now)
	require.NoError(t, err)
	assert.Empty(t, res.Applied)
	assert.Equal(t, []snowflake.ID{first.ID}, res.Skipped)
}

func TestListDueAndExpiredRollovers(t *testing.T) {
	ctx := context.Background()
	db := testkit.NewDB(t)
	fx := testkit.NewFixtures(t, db)
	r := Provide()

	nowMs := int64(10_000)
	tmpl := fx.Template(domain.EntitlementTemplate{Allowance: 1})
	due := fx.Entitlement(testkit.Scope, "a", tmpl, domain.CustomerEntitlement{
		NextResetAt: int64Ptr(9_000),
		Rollovers: []domain.Rollover{
			{Balance: 1, ExpiresAt: int64Ptr(5_000)},
			{Balance: 1, ExpiresAt: int64Ptr(50_000)},
			{Balance: 1},
		},
	})
	fx.Entitlement(testkit.Scope, "b", tmpl, domain.CustomerEntitlement{NextResetAt: int64Ptr(20_000)})
	fx.Entitlement(testkit.Scope, "c", tmpl, domain.CustomerEntitlement{})

	rows, err := r.ListDue(ctx, db, nowMs, nil, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, due.ID, rows[0].ID)

	owners, err := r.DeleteExpiredRollovers(ctx, db, nowMs, 10)
	require.NoError(t, err)
	assert.Equal(t, []snowflake.ID{due.ID}, owners)

	found, err := r.FindByID(ctx, db, due.ID)
	require.NoError(t, err)
	require.Len(t, found.Rollovers, 2)
	assert.NotNil(t, found.Rollovers[0].ExpiresAt)
	assert.Nil(t, found.Rollovers[1].ExpiresAt)
}

func TestStaleForRowComparesResetCounters(t *testing.T) {
	ent := &domain.CustomerEntitlement{ResetSeq: 3, LastResetAt: int64Ptr(5_000)}

	current := domain.SyncMessage{Source: domain.SourceBalance, ResetSeq: 3, SourceTimestamp: 4_999}
	assert.False(t, StaleForRow(ent, current), "a deduction read after the reset is never stale")

	older := domain.SyncMessage{Source: domain.SourceBalance, ResetSeq: 2, SourceTimestamp: 6_000}
	assert.True(t, StaleForRow(ent, older))

	rollover := domain.SyncMessage{Source: domain.SourceRollover, ResetSeq: 0}
	assert.False(t, StaleForRow(ent, rollover))
}

func TestListDuePagesByCursor(t *testing.T) {
	ctx := context.Background()
	db := testkit.NewDB(t)
	fx := testkit.NewFixtures(t, db)
	r := Provide()

	tmpl := fx.Template(domain.EntitlementTemplate{Allowance: 1})
	first := fx.Entitlement(testkit.Scope, "a", tmpl, domain.CustomerEntitlement{NextResetAt: int64Ptr(1_000)})
	second := fx.Entitlement(testkit.Scope, "b", tmpl, domain.CustomerEntitlement{NextResetAt: int64Ptr(2_000)})
	third := fx.Entitlement(testkit.Scope, "c", tmpl, domain.CustomerEntitlement{NextResetAt: int64Ptr(2_000)})
	fx.Entitlement(testkit.Scope, "d", tmpl, domain.CustomerEntitlement{NextResetAt: int64Ptr(90_000)})

	var seen []snowflake.ID
	var cursor *domain.DueCursor
	for page := 0; page < 5; page++ {
		rows, err := r.ListDue(ctx, db, 10_000, cursor, 2)
		require.NoError(t, err)
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			seen = append(seen, row.ID)
		}
		last := rows[len(rows)-1]
		cursor = &domain.DueCursor{NextResetAt: *last.NextResetAt, ID: last.ID}
	}
	assert.Equal(t, []snowflake.ID{first.ID, second.ID, third.ID}, seen)
}

func TestSkipLockedOnlyOnLockingDialects(t *testing.T) {
	pg, err := gorm.Open(postgres.New(postgres.Config{DSN: "host=localhost user=entitlements dbname=entitlements sslmode=disable"}),
		&gorm.Config{DryRun: true, DisableAutomaticPing: true})
	require.NoError(t, err)

	expiring := func(tx *gorm.DB) *gorm.DB {
		var rows []domain.Rollover
		return skipLocked(tx).Where("expires_at <= ?", 1).Order("id").Limit(5).Find(&rows)
	}

	sql := pg.ToSQL(expiring)
	assert.Contains(t, sql, "LIMIT 5 FOR UPDATE SKIP LOCKED")

	lite := testkit.NewDB(t)
	assert.NotContains(t, lite.ToSQL(expiring), "FOR UPDATE")
}

func TestFindFeatureWithCreditLinks(t *testing.T) {
	ctx := context.Background()
	db := testkit.NewDB(t)
	fx := testkit.NewFixtures(t, db)
	r := Provide()

	fx.Feature(testkit.Scope, "credits", domain.FeatureKindCreditSystem)
	fx.Feature(testkit.Scope, "api_calls", domain.FeatureKindSingleUse, domain.CreditLink{CreditFeatureID: "credits", CreditCost: 0.5})

	feature, err := r.FindFeature(ctx, db, testkit.Scope.OrgID, testkit.Scope.Environment, "api_calls")
	require.NoError(t, err)
	require.NotNil(t, feature)
	require.Len(t, feature.CreditLinks, 1)
	assert.Equal(t, 0.5, feature.CreditLinks[0].CreditCost)

	missing, err := r.FindFeature(ctx, db, testkit.Scope.OrgID, domain.EnvironmentSandbox, "api_calls")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
