package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func TestGormLoggerReportsFailuresWithCorrelation(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := NewGormLogger(zap.New(core), DefaultGormLoggerConfig())

	ctx := ContextWithOrgID(context.Background(), "1001")
	sql := `UPDATE "customer_entitlements" SET balance = balance + $1 WHERE id = $2 AND version = $3`
	l.Trace(ctx, time.Now(), func() (string, int64) { return sql, 0 }, errors.New("deadlock detected"))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "gorm.query", entry.Message)
	fields := entry.ContextMap()
	assert.Equal(t, "UPDATE", fields["operation"])
	assert.Equal(t, "customer_entitlements", fields["table"])
	assert.Equal(t, "1001", fields["org_id"])
}

func TestGormLoggerSkipsFastQueriesAndMissingRecords(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := NewGormLogger(zap.New(core), DefaultGormLoggerConfig())

	fc := func() (string, int64) { return "SELECT * FROM entitlement_templates", 1 }
	l.Trace(context.Background(), time.Now(), fc, nil)
	l.Trace(context.Background(), time.Now(), fc, gormlogger.ErrRecordNotFound)
	assert.Zero(t, logs.Len())

	l.Trace(context.Background(), time.Now().Add(-time.Second), fc, nil)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, zap.WarnLevel, logs.All()[0].Level)
}

func TestTableFromSQL(t *testing.T) {
	cases := []struct {
		sql  string
		want string
	}{
		{sql: `SELECT id FROM customer_entitlements WHERE next_reset_at <= ?`, want: "customer_entitlements"},
		{sql: `INSERT INTO "sync_applied" ("message_id") VALUES ($1)`, want: "sync_applied"},
		{sql: `DELETE FROM entitlement_rollovers WHERE id IN (?)`, want: "entitlement_rollovers"},
		{sql: `SELECT 1`, want: ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tableFromSQL(tc.sql), tc.sql)
	}
}
