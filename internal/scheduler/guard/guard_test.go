package guard

import (
	"testing"
	"time"

	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/stretchr/testify/assert"
)

func TestEnsureEntitlementCanReset(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second).UnixMilli()
	future := now.Add(time.Second).UnixMilli()
	tmpl := &domain.EntitlementTemplate{Allowance: 10, Interval: domain.IntervalMonth}

	assert.ErrorIs(t, EnsureEntitlementCanReset(domain.CustomerEntitlement{}, tmpl, now), ErrResetNotScheduled)
	assert.ErrorIs(t, EnsureEntitlementCanReset(domain.CustomerEntitlement{NextResetAt: &future}, tmpl, now), ErrResetNotDue)
	assert.ErrorIs(t, EnsureEntitlementCanReset(domain.CustomerEntitlement{NextResetAt: &past}, nil, now), ErrMissingTemplate)
	assert.NoError(t, EnsureEntitlementCanReset(domain.CustomerEntitlement{NextResetAt: &past}, tmpl, now))

	exact := now.UnixMilli()
	assert.NoError(t, EnsureEntitlementCanReset(domain.CustomerEntitlement{NextResetAt: &exact}, tmpl, now))
}
