package service

import (
	"context"
	"copytrade_bot/internal/metrics"
	"copytrade_bot/internal/models"
	"copytrade_bot/internal/modules/config"
	distribution "copytrade_bot/internal/modules/distribution/service"
	executor "copytrade_bot/internal/modules/executor/service"
	feed "copytrade_bot/internal/modules/feed/service"
	ledger "copytrade_bot/internal/modules/ledger/service"
	parser "copytrade_bot/internal/modules/parser/service"
	resilience "copytrade_bot/internal/modules/resilience/service"
	store "copytrade_bot/internal/modules/store/service"
	"copytrade_bot/internal/notify"
	"copytrade_bot/pkg/logger"
	"copytrade_bot/pkg/tracing"
	"errors"
	"fmt"
	"strings"
)

// Authorizer — кому можно слать отчёты о сделках и админские команды.
type Authorizer interface {
	IsAuthorized(operatorID int64) bool
}

type Submitter interface {
	Submit(task executor.Task) (executor.Ack, error)
}

type Distributor interface {
	Distribute(ctx context.Context, canonical *models.Position) (distribution.Result, error)
}

type HealthReporter interface {
	Snapshot() resilience.State
}

// Message — входящее текстовое сообщение, уже без привязки к Telegram.
type Message struct {
	ChatID   int64
	SenderID int64
	Username string
	Text     string
}

// Service — вход в ядро: parse -> apply -> notify.
type Service struct {
	cfg       config.Distribution
	auth      Authorizer
	store     store.Store
	ledger    *ledger.Ledger
	engine    Distributor
	pool      Submitter
	notifier  notify.Notifier
	publisher distribution.Publisher
	health    HealthReporter
}

func NewService(
	cfg *config.Config,
	auth Authorizer,
	st store.Store,
	l *ledger.Ledger,
	engine Distributor,
	pool Submitter,
	n notify.Notifier,
	pub distribution.Publisher,
	health HealthReporter,
) *Service {
	return &Service{
		cfg:       cfg.Distribution,
		auth:      auth,
		store:     st,
		ledger:    l,
		engine:    engine,
		pool:      pool,
		notifier:  n,
		publisher: pub,
		health:    health,
	}
}

// HandleMessage разбирает одно сообщение и возвращает ответ отправителю.
// handled=false — текст не наш (не команда и не отчёт), фронт решает сам.
func (s *Service) HandleMessage(ctx context.Context, msg Message) (reply string, handled bool) {
	ctx, finish := tracing.Start(ctx, "trading.HandleMessage")
	defer finish(nil)

	text := strings.TrimSpace(msg.Text)
	if strings.HasPrefix(text, "/") {
		return s.handleCommand(ctx, msg, text), true
	}

	ev, err := parser.Parse(text)
	if errors.Is(err, models.ErrNotTradeReport) {
		return "", false
	}
	if !s.auth.IsAuthorized(msg.SenderID) {
		logger.Warn("trade report from unauthorized sender %d ignored", msg.SenderID)
		return replyUnauthorized, true
	}
	if err != nil {
		metrics.TradeReports.WithLabelValues("unknown", "parse_error").Inc()
		var pe *parser.ParseError
		if errors.As(err, &pe) {
			return pe.Error(), true
		}
		return err.Error(), true
	}

	switch e := ev.(type) {
	case models.EntryEvent:
		return s.handleEntry(ctx, e), true
	case models.ExitEvent:
		return s.handleExit(ctx, msg, e), true
	default:
		return "", false
	}
}

func (s *Service) handleEntry(ctx context.Context, e models.EntryEvent) string {
	leg := e.Details()
	p, err := s.ledger.OpenPosition(ctx, leg.Instrument, leg.Price, leg.Reference, leg.Link)
	if err != nil {
		metrics.TradeReports.WithLabelValues(string(models.ActionEntry), outcomeOf(err)).Inc()
		return s.replyForError(err, leg)
	}
	metrics.TradeReports.WithLabelValues(string(models.ActionEntry), "ok").Inc()
	s.publish(feed.EventPositionOpened, p)
	return formatEntry(p)
}

func (s *Service) handleExit(ctx context.Context, msg Message, e models.ExitEvent) string {
	leg := e.Details()
	p, ret, err := s.ledger.MatchPosition(ctx, leg.Instrument, leg.Price, leg.Reference, leg.Link)
	if err != nil {
		metrics.TradeReports.WithLabelValues(string(models.ActionExit), outcomeOf(err)).Inc()
		return s.replyForError(err, leg)
	}
	metrics.TradeReports.WithLabelValues(string(models.ActionExit), "ok").Inc()
	s.publish(feed.EventPositionClosed, p)

	head := formatExit(p, ret)

	// маленькую раздачу считаем прямо здесь, большую — в фоне
	n, err := s.store.CountEligible(ctx)
	if err == nil && n <= s.cfg.InlineMax {
		res, err := s.engine.Distribute(ctx, p)
		return head + "\n" + formatDistribution(res, err, *p.ExitReference)
	}
	if err != nil {
		logger.Warn("count eligible before distribution %s: %v", *p.ExitReference, err)
	}
	return head + "\n" + s.submitDistribution(msg.ChatID, p, n)
}

// submitDistribution отправляет раздачу в фон; итог придёт отдельным сообщением.
func (s *Service) submitDistribution(replyTo int64, p *models.Position, eligible int) string {
	ref := *p.ExitReference
	_, err := s.pool.Submit(executor.Task{
		Key:     p.ID.String(),
		Kind:    "distribution",
		ReplyTo: replyTo,
		Run: func(ctx context.Context) (string, error) {
			res, err := s.engine.Distribute(ctx, p)
			if err != nil && !errors.Is(err, models.ErrPartialDistribution) {
				return "", err
			}
			return fmt.Sprintf("%s %s: %s", p.Instrument, ref, formatDistribution(res, err, ref)), nil
		},
	})
	if err != nil {
		logger.Error("submit distribution %s: %v", ref, err)
		return fmt.Sprintf("⏳ Distribution queue is busy. Retry later with /redistribute %s", ref)
	}
	if eligible > 0 {
		return fmt.Sprintf("⏳ Distributing to %d participants in background…", eligible)
	}
	return "⏳ Distributing in background…"
}

func (s *Service) replyForError(err error, leg models.Leg) string {
	switch {
	case errors.Is(err, models.ErrDuplicateReference):
		return fmt.Sprintf("ℹ️ Already processed: %s", leg.Reference)
	case errors.Is(err, models.ErrNoOpenPosition):
		return fmt.Sprintf("❗️ No matching entry found for %s", leg.Instrument)
	case errors.Is(err, models.ErrInvalidPrice):
		return fmt.Sprintf("❗️ Invalid price %s for %s", leg.Price, leg.Instrument)
	case errors.Is(err, models.ErrStoreUnavailable):
		return replyStoreUnavailable
	default:
		logger.Error("trade report %s %s failed: %v", leg.Instrument, leg.Reference, err)
		return replyStoreUnavailable
	}
}

func (s *Service) publish(kind string, p *models.Position) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(feed.Event{Type: kind, Data: p})
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, models.ErrDuplicateReference):
		return "duplicate"
	case errors.Is(err, models.ErrNoOpenPosition):
		return "no_open_position"
	case errors.Is(err, models.ErrInvalidPrice):
		return "invalid_price"
	case errors.Is(err, models.ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "error"
	}
}
