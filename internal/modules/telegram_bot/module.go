package telegram

import (
	"context"
	"copytrade_bot/internal/modules/telegram_bot/service"
	trading "copytrade_bot/internal/modules/trading/service"
	"copytrade_bot/internal/notify"

	"go.uber.org/fx"
)

func Module() fx.Option {
	return fx.Module("telegram",
		// 1. Клиент Telegram (nil без токена)
		fx.Provide(
			service.NewTelegram,
		),

		// 2. Канал уведомлений: Telegram, а без него — лог
		fx.Provide(
			func(t *service.Telegram) notify.Notifier {
				if t == nil {
					return notify.NewStdout()
				}
				return t
			},
		),

		// Запуск цикла обновлений через Lifecycle
		fx.Invoke(
			func(lc fx.Lifecycle, t *service.Telegram, svc *trading.Service) {
				if t == nil {
					return
				}
				lc.Append(fx.Hook{
					OnStart: func(context.Context) error {
						t.Start(svc)
						return nil
					},
					OnStop: func(context.Context) error {
						t.Stop()
						return nil
					},
				})
			},
		),
	)
}
