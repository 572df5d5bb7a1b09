package health

import (
	"context"
	"copytrade_bot/internal/modules/config"
	feed "copytrade_bot/internal/modules/feed/service"
	"copytrade_bot/internal/modules/health/service"
	resilience "copytrade_bot/internal/modules/resilience/service"
	"copytrade_bot/pkg/logger"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/fx"
)

type Config struct {
	Addr string // например ":8080"
}

func NewConfig(cfg *config.Config) Config {
	return Config{Addr: fmt.Sprintf("%s:%d", cfg.Service.Host, cfg.Service.AdminPort)}
}

func NewState(g *resilience.Guard, h *feed.Hub) *service.State {
	return service.NewState(g, h)
}

func NewRouter(state *service.State, h *feed.Hub) chi.Router {
	return service.NewRouter(state, h.HandleWS)
}

func RunHTTP(lc fx.Lifecycle, cfg Config, state *service.State, r chi.Router) {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", cfg.Addr)
			if err != nil {
				return err
			}
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("admin http: %v", err)
				}
			}()
			logger.Info("admin http listening on %s", cfg.Addr)
			state.SetReady(true)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			state.SetReady(false)
			return srv.Shutdown(ctx)
		},
	})
}

func Module() fx.Option {
	return fx.Module("health",
		fx.Provide(
			NewState,
			NewConfig,
			NewRouter,
		),
		fx.Invoke(RunHTTP),
	)
}
