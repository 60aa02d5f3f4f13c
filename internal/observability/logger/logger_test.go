package logger

import (
	"context"
	"testing"

	"github.com/smallbiznis/entitlements/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextAddsCarriedFieldsOnly(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)

	ctx := correlation.WithID(context.Background(), "corr-1")
	ctx = ContextWithOrgID(ctx, "1001")
	ctx = ContextWithCustomer(ctx, "live", "2002")
	ctx = ContextWithActor(ctx, "system", "scheduler")

	WithContext(ctx, base).Info("reset")
	WithContext(context.Background(), base).Info("bare")

	require.Equal(t, 2, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "corr-1", fields["correlation_id"])
	assert.Equal(t, "1001", fields["org_id"])
	assert.Equal(t, "live", fields["environment"])
	assert.Equal(t, "2002", fields["customer_id"])
	assert.Equal(t, "scheduler", fields["actor_id"])
	assert.NotContains(t, fields, "trace_id")

	assert.Empty(t, logs.All()[1].ContextMap())
}

func TestContextWithCustomerIgnoresEmptyID(t *testing.T) {
	ctx := ContextWithCustomer(context.Background(), "live", " ")
	env, id := CustomerFromContext(ctx)
	assert.Empty(t, env)
	assert.Empty(t, id)
}
