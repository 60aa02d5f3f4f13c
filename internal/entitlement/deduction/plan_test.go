package deduction

import (
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func int64Ptr(v int64) *int64 { return &v }

func singleBalance(balance float64) Sources {
	return Sources{
		FeatureID: "api_calls",
		Primary: []Source{{
			Key: "b:1", Kind: domain.SourceBalance, FeatureID: "api_calls", EntitlementID: 1, Balance: balance,
		}},
		Additional: []Source{{
			Key: "a:1", Kind: domain.SourceAdditional, FeatureID: "api_calls", EntitlementID: 1,
		}},
	}
}

func TestPlanCapThenReject(t *testing.T) {
	opts := Options{Overage: domain.OverageCap}

	first := Plan(Request{Target: singleBalance(100), Amounts: []float64{30}, Options: opts})
	require.True(t, first.Success())
	assert.Equal(t, 30.0, first.Deducted)
	assert.Equal(t, 70.0, first.Target.Total())
	assert.Equal(t, 0.0, first.Items[0].Remaining)

	second := Plan(Request{Target: first.Target, Amounts: []float64{80}, Options: opts})
	require.True(t, second.Success())
	assert.Equal(t, 70.0, second.Items[0].Deducted)
	assert.Equal(t, 10.0, second.Items[0].Remaining)
	assert.Equal(t, 0.0, second.Target.Total())

	rejected := Plan(Request{Target: first.Target, Amounts: []float64{80}, Options: Options{Overage: domain.OverageReject}})
	assert.False(t, rejected.Success())
	assert.Equal(t, 0, rejected.SuccessCount)
	assert.Empty(t, rejected.Changes)
	assert.Equal(t, 70.0, rejected.Target.Total())
}

func TestPlanConsumptionOrder(t *testing.T) {
	target := Sources{
		FeatureID: "api_calls",
		Primary: []Source{
			{Key: "b:1", Kind: domain.SourceBalance, EntitlementID: 1, Balance: 10},
			{Key: "r:7", Kind: domain.SourceRollover, EntitlementID: 1, RolloverID: 7, Balance: 5, ExpiresAt: int64Ptr(100)},
			{Key: "r:8", Kind: domain.SourceRollover, EntitlementID: 1, RolloverID: 8, Balance: 5, ExpiresAt: int64Ptr(200)},
		},
		Additional: []Source{{Key: "a:1", Kind: domain.SourceAdditional, EntitlementID: 1, Balance: 20}},
	}

	out := Plan(Request{Target: target, Amounts: []float64{22}, Options: Options{Overage: domain.OverageReject}})
	require.True(t, out.Success())
	require.Len(t, out.Changes, 4)

	keys := make([]string, 0, len(out.Changes))
	for _, ch := range out.Changes {
		keys = append(keys, ch.Source.Key)
	}
	assert.Equal(t, []string{"b:1", "r:7", "r:8", "a:1"}, keys)
	assert.Equal(t, 0.0, out.Target.Primary[0].Balance)
	assert.Equal(t, 0.0, out.Target.Primary[2].Balance)
	assert.Equal(t, 18.0, out.Target.Additional[0].Balance)
	// the input is not mutated
	assert.Equal(t, 10.0, target.Primary[0].Balance)
}

func TestPlanOverage(t *testing.T) {
	target := singleBalance(10)
	target.Primary[0].Overage = true
	target.Primary[0].Min = Float(-25)
	target.Additional[0].Balance = 5

	out := Plan(Request{Target: target, Amounts: []float64{30}, Options: Options{Overage: domain.OverageReject}})
	require.True(t, out.Success())
	// additional is exhausted before the balance goes into overage
	assert.Equal(t, -15.0, out.Target.Primary[0].Balance)
	assert.Equal(t, 0.0, out.Target.Additional[0].Balance)

	out = Plan(Request{Target: out.Target, Amounts: []float64{20}, Options: Options{Overage: domain.OverageCap}})
	require.True(t, out.Success())
	assert.Equal(t, 10.0, out.Items[0].Deducted)
	assert.Equal(t, -25.0, out.Target.Primary[0].Balance)

	unbounded := singleBalance(0)
	unbounded.Primary[0].Overage = true
	out = Plan(Request{Target: unbounded, Amounts: []float64{1000}, Options: Options{Overage: domain.OverageReject}})
	require.True(t, out.Success())
	assert.Equal(t, -1000.0, out.Target.Primary[0].Balance)
}

func TestPlanCreditSystem(t *testing.T) {
	credits := Sources{
		FeatureID: "credits",
		Primary:   []Source{{Key: "b:9", Kind: domain.SourceBalance, FeatureID: "credits", EntitlementID: 9, Balance: 100}},
	}

	cases := []struct {
		name           string
		precedence     domain.Precedence
		wantAdditional float64
		wantCredits    float64
	}{
		{name: "additional first", precedence: domain.PrecedenceAdditionalFirst, wantAdditional: 0, wantCredits: 80},
		{name: "credit first", precedence: domain.PrecedenceCreditFirst, wantAdditional: 5, wantCredits: 70},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			target := singleBalance(10)
			target.Additional[0].Balance = 5

			out := Plan(Request{
				Target:  target,
				Credit:  &Credit{FeatureID: "credits", Rate: 2, Sources: credits},
				Amounts: []float64{25},
				Options: Options{Overage: domain.OverageReject, Precedence: tc.precedence},
			})
			require.True(t, out.Success())
			assert.Equal(t, 25.0, out.Deducted)
			assert.Equal(t, tc.wantAdditional, out.Target.Additional[0].Balance)
			assert.Equal(t, tc.wantCredits, out.Credit.Sources.Primary[0].Balance)
		})
	}
}

func TestPlanCreditShortfallRejects(t *testing.T) {
	credits := Sources{
		FeatureID: "credits",
		Primary:   []Source{{Key: "b:9", Kind: domain.SourceBalance, EntitlementID: 9, Balance: 4}},
	}
	out := Plan(Request{
		Target:  singleBalance(1),
		Credit:  &Credit{FeatureID: "credits", Rate: 2, Sources: credits},
		Amounts: []float64{5},
		Options: Options{Overage: domain.OverageReject},
	})
	assert.False(t, out.Success())
	assert.Equal(t, 4.0, out.Credit.Sources.Primary[0].Balance)
	assert.Equal(t, 1.0, out.Target.Total())
}

func TestPlanBatchPartialSuccess(t *testing.T) {
	out := Plan(Request{
		Target:  singleBalance(50),
		Amounts: []float64{20, 40, 30},
		Options: Options{Overage: domain.OverageReject},
	})
	assert.Equal(t, 2, out.SuccessCount)
	assert.True(t, out.Items[0].OK)
	assert.False(t, out.Items[1].OK)
	assert.True(t, out.Items[2].OK)
	assert.Equal(t, 50.0, out.Deducted)
	assert.Equal(t, 0.0, out.Target.Total())
}

func TestPlanRefundCreditsFirstSource(t *testing.T) {
	out := Plan(Request{
		Target:  singleBalance(5),
		Amounts: []float64{-10},
		Options: Options{Overage: domain.OverageReject, AlterGrantedBalance: true},
	})
	require.True(t, out.Success())
	assert.Equal(t, 15.0, out.Target.Primary[0].Balance)
	assert.Equal(t, 10.0, out.Target.Primary[0].Adjustment)
	require.Len(t, out.Changes, 1)
	assert.Equal(t, -10.0, out.Changes[0].Deducted)
	assert.Equal(t, 10.0, out.Changes[0].AdjustmentDelta)
}

func TestBuildSourcesEntityScoped(t *testing.T) {
	tmpl := domain.EntitlementTemplate{ID: 3, EntityFeatureID: "seats", Allowance: 10}
	row := domain.CustomerEntitlement{ID: 1, FeatureID: "api_calls", TemplateID: 3, AdditionalBalance: 4}
	row.SetEntityMap(domain.EntityBalances{
		"user_b": {Balance: 7},
		"user_a": {Balance: 3},
	})
	row.Rollovers = []domain.Rollover{
		{ID: 20, ExpiresAt: int64Ptr(5000)},
		{ID: 21, ExpiresAt: int64Ptr(50)},
	}
	row.Rollovers[0].Entities = datatypes.NewJSONType(domain.EntityBalances{"user_a": {Balance: 2}})

	resolved := domain.Resolved{
		Feature:      domain.Feature{ID: "api_calls"},
		Entitlements: []domain.CustomerEntitlement{row},
		Templates:    map[snowflake.ID]domain.EntitlementTemplate{3: tmpl},
	}

	all := BuildSources(resolved, "", 100)
	keys := []string{}
	for _, src := range all.Primary {
		keys = append(keys, src.Key)
	}
	assert.Equal(t, []string{"b:1:user_a", "b:1:user_b", "r:20:user_a"}, keys)
	assert.Equal(t, 16.0, all.Total())

	one := BuildSources(resolved, "user_b", 100)
	require.Len(t, one.Primary, 1)
	assert.Equal(t, 7.0, one.Primary[0].Balance)
	require.Len(t, one.Additional, 1)

	missing := BuildSources(resolved, "user_z", 100)
	assert.True(t, missing.Empty())
}

func TestEffectiveOverage(t *testing.T) {
	seat := domain.Feature{Kind: domain.FeatureKindContinuousUse}
	assert.Equal(t, domain.OverageReject, EffectiveOverage(seat, true, domain.OverageCap))
	assert.Equal(t, domain.OverageCap, EffectiveOverage(seat, false, domain.OverageCap))
	assert.Equal(t, domain.OverageCap, EffectiveOverage(domain.Feature{Kind: domain.FeatureKindSingleUse}, true, ""))
}
