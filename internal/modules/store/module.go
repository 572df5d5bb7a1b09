package store

import (
	"context"
	"copytrade_bot/internal/modules/config"
	"copytrade_bot/internal/modules/store/service"
	"copytrade_bot/pkg/db"
	"copytrade_bot/pkg/logger"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

// Module отдаёт primary-хранилище (name:"primary"): Postgres, если есть пул, иначе память;
// при заданном redis.url — с кэшем поверх.
func Module() fx.Option {
	return fx.Module("store",
		fx.Provide(
			fx.Annotate(
				NewPrimary,
				fx.ResultTags(`name:"primary"`),
			),
		),
	)
}

func NewPrimary(ctx context.Context, lc fx.Lifecycle, cfg *config.Config, tx db.TxManager) (service.Store, error) {
	if tx == nil {
		return service.NewMemoryStore(), nil
	}

	pg := service.NewPgStore(tx)
	if err := pg.Migrate(ctx); err != nil {
		return nil, err
	}
	if cfg.Redis.URL == "" {
		return pg, nil
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	lc.Append(fx.StopHook(func() error { return rdb.Close() }))
	if err := rdb.Ping(ctx).Err(); err != nil {
		// кэш не обязателен
		logger.Warn("redis unavailable, cache disabled: %v", err)
		return pg, nil
	}
	logger.Info("store: postgres with redis cache (ttl %s)", cfg.Redis.CacheTTL)
	return service.NewCachedStore(pg, rdb, cfg.Redis.CacheTTL), nil
}
