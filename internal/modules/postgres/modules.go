package postgres

import (
	"context"
	"copytrade_bot/internal/modules/config"
	"copytrade_bot/pkg/db"
	"copytrade_bot/pkg/logger"
	"fmt"

	"go.uber.org/fx"
)

// Module поднимает пул к мастеру. Без DSN отдаёт nil, и хранилище уходит в память.
func Module() fx.Option {
	return fx.Module("postgres",
		fx.Provide(
			func(ctx context.Context, lc fx.Lifecycle, cfg *config.Config) (db.TxManager, error) {
				if cfg.DB.DSN == "" {
					logger.Warn("db.dsn is empty, running on in-memory store")
					return nil, nil
				}
				poolMaster, err := db.NewPool(ctx, db.PoolConfig{
					DSN:      cfg.DB.DSN,
					MinConns: cfg.DB.MinConns,
					MaxConns: cfg.DB.MaxConns,
				})
				if err != nil {
					return nil, fmt.Errorf("failed to create poolMaster: %w", err)
				}

				err = poolMaster.Ping(ctx)
				if err != nil {
					poolMaster.Close()
					return nil, err
				}

				m := db.NewPgTxManager(poolMaster)
				lc.Append(fx.StopHook(m.Close))
				return m, nil
			},
		),
	)
}
