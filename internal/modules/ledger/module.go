package ledger

import (
	"copytrade_bot/internal/modules/ledger/service"

	"go.uber.org/fx"
)

func Module() fx.Option {
	return fx.Module("ledger",
		fx.Provide(
			service.NewLedger,
		),
	)
}
