package balancecache

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/entitlements/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Client *redis.Client
	Config config.Config
	Log    *zap.Logger
}

func Provide(p Params) *Cache {
	return New(p.Client, p.Config.Sync.QueueKey, Config{TTL: p.Config.Cache.TTL}, p.Log)
}

var Module = fx.Module("balance.cache",
	fx.Provide(Provide),
)
