package trading

import (
	"copytrade_bot/internal/modules/config"
	distribution "copytrade_bot/internal/modules/distribution/service"
	executor "copytrade_bot/internal/modules/executor/service"
	resilience "copytrade_bot/internal/modules/resilience/service"
	"copytrade_bot/internal/modules/trading/service"

	"go.uber.org/fx"
)

// admins — операторы из конфига (admin_ids / ADMIN_IDS).
type admins struct{ cfg *config.Config }

func (a admins) IsAuthorized(id int64) bool { return a.cfg.IsAdmin(id) }

func Module() fx.Option {
	return fx.Module("trading",
		fx.Provide(
			func(cfg *config.Config) service.Authorizer { return admins{cfg: cfg} },
			func(e *distribution.Engine) service.Distributor { return e },
			func(p *executor.Pool) service.Submitter { return p },
			func(g *resilience.Guard) service.HealthReporter { return g },
			service.NewService,
		),
	)
}
