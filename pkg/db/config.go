package db

import (
	"database/sql"
	"time"

	"github.com/smallbiznis/entitlements/internal/config"
)

type Config struct {
	Type     string
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	SSLMode  string
	Pool     PoolConfig
}

// PoolConfig sizes the connection pool. Zero values keep the driver defaults.
type PoolConfig struct {
	MaxIdle     int
	MaxOpen     int
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// Apply sets the non-zero limits on the pool.
func (p PoolConfig) Apply(pool *sql.DB) {
	if p.MaxIdle > 0 {
		pool.SetMaxIdleConns(p.MaxIdle)
	}
	if p.MaxOpen > 0 {
		pool.SetMaxOpenConns(p.MaxOpen)
	}
	if p.MaxLifetime > 0 {
		pool.SetConnMaxLifetime(p.MaxLifetime)
	}
	if p.MaxIdleTime > 0 {
		pool.SetConnMaxIdleTime(p.MaxIdleTime)
	}
}

// ConfigFrom picks the database settings out of the application config.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		Type:     cfg.DBType,
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		Name:     cfg.DBName,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		SSLMode:  cfg.DBSSLMode,
		Pool: PoolConfig{
			MaxIdle:     cfg.DBMaxIdleConn,
			MaxOpen:     cfg.DBMaxOpenConn,
			MaxLifetime: time.Duration(cfg.DBConnMaxLifetime) * time.Second,
			MaxIdleTime: time.Duration(cfg.DBConnMaxIdleTime) * time.Second,
		},
	}
}
