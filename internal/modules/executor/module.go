package executor

import (
	"context"
	"copytrade_bot/internal/modules/config"
	"copytrade_bot/internal/modules/executor/service"
	"copytrade_bot/internal/notify"

	"go.uber.org/fx"
)

func Module() fx.Option {
	return fx.Module("executor",
		fx.Provide(
			func(cfg *config.Config, n notify.Notifier) *service.Pool {
				return service.NewPool(cfg.Executor, n)
			},
		),
		fx.Invoke(
			func(lc fx.Lifecycle, p *service.Pool) {
				lc.Append(fx.Hook{
					OnStart: func(context.Context) error {
						p.Start()
						return nil
					},
					// дорабатываем то, что уже принято
					OnStop: p.Stop,
				})
			},
		),
	)
}
