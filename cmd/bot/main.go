package main

import (
	"context"
	"copytrade_bot/internal/modules/config"
	"copytrade_bot/internal/modules/distribution"
	"copytrade_bot/internal/modules/executor"
	"copytrade_bot/internal/modules/feed"
	"copytrade_bot/internal/modules/health"
	"copytrade_bot/internal/modules/ledger"
	"copytrade_bot/internal/modules/postgres"
	"copytrade_bot/internal/modules/resilience"
	"copytrade_bot/internal/modules/store"
	"copytrade_bot/internal/modules/trading"
	"copytrade_bot/pkg/logger"
	"copytrade_bot/pkg/tracing"
	"log"
	"time"

	telegram "copytrade_bot/internal/modules/telegram_bot"

	"go.uber.org/fx"
)

const stopTimeout = 30 * time.Second

func main() {
	app := fx.New(
		fx.Provide(
			func() context.Context {
				return context.Background()
			},
		),
		config.Module(),
		// логгер и трейсер нужны раньше остальных модулей
		fx.Module("observability", fx.Invoke(initLogger, initTracing)),
		postgres.Module(),
		store.Module(),
		resilience.Module(),
		feed.Module(),
		telegram.Module(),
		executor.Module(),
		ledger.Module(),
		distribution.Module(),
		trading.Module(),
		health.Module(),
	)
	if err := app.Start(context.Background()); err != nil {
		log.Fatal(err)
	}

	sig := <-app.Done()
	logger.Info("shutting down on %s", sig)

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := app.Stop(ctx); err != nil {
		logger.Error("stop: %v", err)
	}
	logger.Sync()
}

func initLogger(cfg *config.Config) error {
	return logger.Init(cfg.Service.LogLevel, cfg.Service.Name)
}

func initTracing(lc fx.Lifecycle, cfg *config.Config) error {
	if !cfg.Tracing.Enabled {
		return nil
	}
	tracing.SetServiceName(cfg.Service.Name)
	_, closer, err := tracing.InitTracer(tracing.Config{Host: cfg.Tracing.Host, Port: cfg.Tracing.Port})
	if err != nil {
		return err
	}
	lc.Append(fx.StopHook(closer))
	return nil
}
