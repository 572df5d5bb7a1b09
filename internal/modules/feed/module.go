package feed

import (
	"context"
	"copytrade_bot/internal/modules/feed/service"

	"go.uber.org/fx"
)

func Module() fx.Option {
	return fx.Module("feed",
		fx.Provide(
			service.NewHub,
		),
		fx.Invoke(
			func(lc fx.Lifecycle, h *service.Hub) {
				ctx, cancel := context.WithCancel(context.Background())
				lc.Append(fx.Hook{
					OnStart: func(context.Context) error {
						go h.Run(ctx)
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
