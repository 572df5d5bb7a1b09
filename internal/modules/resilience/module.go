package resilience

import (
	"context"
	"copytrade_bot/internal/modules/config"
	"copytrade_bot/internal/modules/resilience/service"
	store "copytrade_bot/internal/modules/store/service"

	"go.uber.org/fx"
)

// Module оборачивает primary-хранилище в Guard. Всё ядро получает store.Store уже через него.
func Module() fx.Option {
	return fx.Module("resilience",
		fx.Provide(
			fx.Annotate(
				func(cfg *config.Config, primary store.Store) *service.Guard {
					return service.NewGuard(cfg.Resilience, primary)
				},
				fx.ParamTags(``, `name:"primary"`),
			),
			fx.Annotate(
				func(primary store.Store, g *service.Guard) store.Store {
					return service.NewGuardedStore(primary, g)
				},
				fx.ParamTags(`name:"primary"`, ``),
			),
		),
		// фоновая проба живёт всё время работы приложения
		fx.Invoke(
			func(lc fx.Lifecycle, g *service.Guard) {
				ctx, cancel := context.WithCancel(context.Background())
				lc.Append(fx.Hook{
					OnStart: func(context.Context) error {
						go g.Run(ctx)
						return nil
					},
					OnStop: func(context.Context) error {
						cancel()
						return nil
					},
				})
			},
		),
	)
}
