package service

import (
	"context"
	"copytrade_bot/internal/metrics"
	"copytrade_bot/internal/models"
	"copytrade_bot/internal/modules/config"
	feed "copytrade_bot/internal/modules/feed/service"
	store "copytrade_bot/internal/modules/store/service"
	"copytrade_bot/internal/notify"
	"copytrade_bot/pkg/logger"
	"copytrade_bot/pkg/tracing"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

var hundred = decimal.NewFromInt(100)

// Result — итог раздачи одной закрытой позиции.
type Result struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"` // уже начислено раньше или участник выбыл
	Failed    int `json:"failed"`
}

// Applied — сколько участников в итоге имеют запись по этой сделке.
func (r Result) Applied() int { return r.Succeeded + r.Skipped }

type Publisher interface {
	Publish(ev feed.Event)
}

// Engine раскатывает доходность закрытой позиции на баланс каждого активного участника.
// Каждый участник — отдельная атомарная запись; сбой одного не трогает остальных.
type Engine struct {
	store     store.Store
	notifier  notify.Notifier
	publisher Publisher
	cfg       config.Distribution

	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}
}

func NewEngine(cfg *config.Config, st store.Store, n notify.Notifier, p Publisher) *Engine {
	return &Engine{
		store:     st,
		notifier:  n,
		publisher: p,
		cfg:       cfg.Distribution,
		inFlight:  make(map[uuid.UUID]struct{}),
	}
}

// Distribute применяет доходность canonical ко всем eligible участникам.
// Повторный вызов для той же позиции безопасен: уже начисленные считаются Skipped.
func (e *Engine) Distribute(ctx context.Context, canonical *models.Position) (res Result, err error) {
	ctx, finish := tracing.Start(ctx, "distribution.Distribute")
	defer func() {
		finish(err)
		if err != nil {
			err = fmt.Errorf("distribution.Distribute: %w", err)
		}
	}()

	if err = validate(canonical); err != nil {
		return res, err
	}
	if !e.acquire(canonical.ID) {
		return res, fmt.Errorf("position %s: %w", canonical.ID, models.ErrDistributionInFlight)
	}
	defer e.release(canonical.ID)

	start := time.Now()
	participants, err := e.store.ListEligibleParticipants(ctx)
	if err != nil {
		return res, err
	}
	res.Attempted = len(participants)
	if len(participants) == 0 {
		logger.Info("distribution %s: no eligible participants", *canonical.ExitReference)
		return res, nil
	}

	var succeeded, skipped, failed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(e.concurrency())
	for _, p := range participants {
		g.Go(func() error {
			switch outcome := e.creditOne(ctx, canonical, p); outcome {
			case outcomeSucceeded:
				succeeded.Add(1)
			case outcomeSkipped:
				skipped.Add(1)
			default:
				failed.Add(1)
			}
			// ошибка одного участника не должна отменять остальных
			return nil
		})
	}
	_ = g.Wait()

	res.Succeeded = int(succeeded.Load())
	res.Skipped = int(skipped.Load())
	res.Failed = int(failed.Load())
	metrics.DistributionLatency.Observe(time.Since(start).Seconds())

	logger.Info("distribution %s %s %s%%: attempted=%d succeeded=%d skipped=%d failed=%d",
		canonical.Instrument, *canonical.ExitReference, canonical.ReturnPct.StringFixed(2),
		res.Attempted, res.Succeeded, res.Skipped, res.Failed)

	if e.publisher != nil {
		e.publisher.Publish(feed.Event{Type: feed.EventDistributed, Data: map[string]any{
			"position_id": canonical.ID.String(),
			"instrument":  canonical.Instrument,
			"return_pct":  canonical.ReturnPct.StringFixed(2),
			"result":      res,
		}})
	}

	if res.Failed > 0 {
		return res, fmt.Errorf("%w: %d of %d participants failed", models.ErrPartialDistribution, res.Failed, res.Attempted)
	}
	return res, nil
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeSkipped
	outcomeFailed
)

func (e *Engine) creditOne(ctx context.Context, canonical *models.Position, p models.Participant) outcome {
	ret := *canonical.ReturnPct
	ref := models.ParticipantReference(*canonical.ExitReference, p.ID)

	res, err := e.store.Credit(ctx, models.Credit{
		ParticipantID: p.ID,
		Reference:     ref,
		Note:          fmt.Sprintf("%s %s%%", canonical.Instrument, ret.StringFixed(2)),
		// дельта от баланса, прочитанного под блокировкой, а не от снимка списка
		Delta: func(balance decimal.Decimal) decimal.Decimal {
			return balance.Mul(ret).Div(hundred)
		},
		Derivative:      canonical.Derive(p.ID, ref),
		RequireEligible: true,
	})
	switch {
	case err == nil:
	case errors.Is(err, models.ErrDuplicateReference), errors.Is(err, models.ErrParticipantIneligible):
		metrics.Distributions.WithLabelValues("skipped").Inc()
		return outcomeSkipped
	default:
		logger.Error("distribution %s: participant %d failed: %v", ref, p.ID, err)
		metrics.Distributions.WithLabelValues("failed").Inc()
		return outcomeFailed
	}

	metrics.Distributions.WithLabelValues("succeeded").Inc()
	sign := "📈"
	if res.Entry.Amount.IsNegative() {
		sign = "📉"
	}
	notify.Notifyf(ctx, e.notifier, p.ID, "%s %s closed %s%%\nChange: %s\nBalance: %s",
		sign, canonical.Instrument, signed(ret.StringFixed(2), ret),
		signed(res.Entry.Amount.StringFixed(6), res.Entry.Amount), res.Balance.StringFixed(6))
	return outcomeSucceeded
}

func (e *Engine) concurrency() int {
	if e.cfg.Concurrency > 0 {
		return e.cfg.Concurrency
	}
	return 1
}

func (e *Engine) acquire(id uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inFlight[id]; busy {
		return false
	}
	e.inFlight[id] = struct{}{}
	return true
}

func (e *Engine) release(id uuid.UUID) {
	e.mu.Lock()
	delete(e.inFlight, id)
	e.mu.Unlock()
}

func validate(p *models.Position) error {
	switch {
	case p == nil:
		return errors.New("nil position")
	case !p.IsCanonical():
		return fmt.Errorf("position %s is not canonical", p.ID)
	case p.Status != models.PositionClosed || p.ReturnPct == nil || p.ExitReference == nil:
		return fmt.Errorf("position %s is not closed", p.ID)
	}
	return nil
}

func signed(s string, d decimal.Decimal) string {
	if d.IsNegative() {
		return s
	}
	return "+" + s
}
