package observability

import (
	"testing"
	"time"

	"github.com/smallbiznis/entitlements/internal/config"
	"github.com/stretchr/testify/assert"
	gormlogger "gorm.io/gorm/logger"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig(config.Config{
		Environment: "production",
		Observability: config.ObservabilityConfig{
			SamplingRatio: 4,
		},
	})

	assert.Equal(t, "entitlements", cfg.ServiceName)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "grpc", cfg.OtelExporterProtocol)
	assert.Equal(t, 1.0, cfg.OtelSamplingRatio)
	assert.False(t, cfg.Debug())
}

func TestGormLoggerFollowsDebug(t *testing.T) {
	prod := LoadConfig(config.Config{
		Environment:   "production",
		Observability: config.ObservabilityConfig{SlowQuery: 250 * time.Millisecond},
	})
	out := prod.GormLogger()
	assert.Equal(t, gormlogger.Warn, out.Level)
	assert.Equal(t, 250*time.Millisecond, out.SlowThreshold)
	assert.True(t, out.IgnoreRecordNotFound)

	dev := LoadConfig(config.Config{Environment: "development"})
	out = dev.GormLogger()
	assert.Equal(t, gormlogger.Info, out.Level)
	assert.Equal(t, 100*time.Millisecond, out.SlowThreshold)
}
