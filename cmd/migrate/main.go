package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"copytrade_bot/internal/modules/config"
	store "copytrade_bot/internal/modules/store/service"
	"copytrade_bot/pkg/db"

	"github.com/pkg/errors"
)

const migrateTimeout = time.Minute

func run(printOnly bool) error {
	if printOnly {
		_, err := fmt.Fprint(os.Stdout, store.Schema())
		return err
	}

	cfg, err := config.NewConfig()
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	if cfg.DB.DSN == "" {
		return errors.New("db.dsn is empty, nothing to migrate")
	}

	ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
	defer cancel()

	pool, err := db.NewPool(ctx, db.PoolConfig{DSN: cfg.DB.DSN, MinConns: 1, MaxConns: 2})
	if err != nil {
		return errors.Wrap(err, "connect")
	}
	tx := db.NewPgTxManager(pool)
	defer tx.Close()

	if err = store.NewPgStore(tx).Migrate(ctx); err != nil {
		return errors.Wrap(err, "apply schema")
	}
	return nil
}

// migrate применяет схему хранилища без запуска бота.
func main() {
	printOnly := flag.Bool("print", false, "print schema and exit")
	flag.Parse()

	if err := run(*printOnly); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
	if !*printOnly {
		fmt.Println("schema applied")
	}
}
