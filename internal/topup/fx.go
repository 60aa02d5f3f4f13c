package topup

import (
	"context"

	balancedomain "github.com/smallbiznis/entitlements/internal/balance/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("topup",
	fx.Provide(New),
	fx.Provide(func(t *Trigger) balancedomain.Observer { return t }),
	fx.Invoke(registerLifecycle),
)

func registerLifecycle(lc fx.Lifecycle, t *Trigger) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			done := make(chan struct{})
			go func() {
				t.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}
