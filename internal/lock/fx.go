package lock

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

func Provide(p Params) *Locker {
	return NewLocker(p.Client, Config{
		TTL:           p.Config.Lock.TTL,
		RetryInterval: p.Config.Lock.RetryInterval,
		MaxWait:       p.Config.Lock.MaxWait,
	}, p.Log)
}

var Module = fx.Module("customer.lock",
	fx.Provide(Provide),
)
