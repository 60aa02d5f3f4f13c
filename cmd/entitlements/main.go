package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/balance"
	balancedomain "github.com/smallbiznis/entitlements/internal/balance/domain"
	"github.com/smallbiznis/entitlements/internal/balance/reconciler"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	"github.com/smallbiznis/entitlements/internal/entitlement"
	"github.com/smallbiznis/entitlements/internal/lock"
	"github.com/smallbiznis/entitlements/internal/migration"
	"github.com/smallbiznis/entitlements/internal/observability"
	"github.com/smallbiznis/entitlements/internal/scheduler"
	"github.com/smallbiznis/entitlements/internal/topup"
	"github.com/smallbiznis/entitlements/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Balance engine
		entitlement.Module,
		lock.Module,
		balance.Module,
		topup.Module,

		// Background workers; deploy apps/syncworker and apps/scheduler to run them separately.
		reconciler.RunnerModule,
		scheduler.Module,

		fx.Invoke(func(_ balancedomain.Service, cfg config.Config, log *zap.Logger) {
			log.Info("balance engine ready",
				zap.String("service", cfg.AppName),
				zap.String("environment", cfg.Environment),
				zap.Int64("node_id", cfg.NodeID),
			)
		}),
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) *snowflake.Node {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		panic(err)
	}
	return node
}
