package balance

import (
	"github.com/smallbiznis/entitlements/internal/balance/reconciler"
	"github.com/smallbiznis/entitlements/internal/balance/service"
	"github.com/smallbiznis/entitlements/internal/balancecache"
	"go.uber.org/fx"
)

// Module provides the balance service with its cache and pending-delta reader.
var Module = fx.Module("balance.service",
	balancecache.Module,
	reconciler.Module,
	fx.Provide(service.New),
)
