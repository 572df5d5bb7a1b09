package distribution

import (
	"copytrade_bot/internal/modules/distribution/service"
	feed "copytrade_bot/internal/modules/feed/service"

	"go.uber.org/fx"
)

func Module() fx.Option {
	return fx.Module("distribution",
		fx.Provide(
			// лента сделок — единственный подписчик итогов раздачи
			func(h *feed.Hub) service.Publisher { return h },
			service.NewEngine,
		),
	)
}
