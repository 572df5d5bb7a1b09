package service

import (
	"context"
	"copytrade_bot/internal/models"
	store "copytrade_bot/internal/modules/store/service"
	"copytrade_bot/pkg/logger"
	"copytrade_bot/pkg/tracing"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger — канонические позиции оператора: открытие по entry, FIFO-сопоставление по exit.
// Операции по одному инструменту идут строго по очереди.
type Ledger struct {
	store store.Store
	now   func() time.Time

	mu    sync.Mutex
	locks map[string]*instrumentLock
}

type instrumentLock struct {
	mu   sync.Mutex
	refs int
}

func NewLedger(st store.Store) *Ledger {
	return &Ledger{
		store: st,
		now:   time.Now,
		locks: make(map[string]*instrumentLock),
	}
}

func (l *Ledger) lock(instrument string) func() {
	l.mu.Lock()
	il, ok := l.locks[instrument]
	if !ok {
		il = &instrumentLock{}
		l.locks[instrument] = il
	}
	il.refs++
	l.mu.Unlock()

	il.mu.Lock()
	return func() {
		il.mu.Unlock()
		l.mu.Lock()
		il.refs--
		if il.refs == 0 {
			delete(l.locks, instrument)
		}
		l.mu.Unlock()
	}
}

// OpenPosition записывает entry-ногу как новую открытую каноническую позицию.
func (l *Ledger) OpenPosition(
	ctx context.Context,
	instrument string,
	price decimal.Decimal,
	reference, link string,
) (p *models.Position, err error) {
	ctx, finish := tracing.Start(ctx, "ledger.OpenPosition")
	defer func() {
		finish(err)
		if err != nil {
			err = fmt.Errorf("ledger.OpenPosition: %w", err)
		}
	}()

	instrument = strings.ToUpper(instrument)
	// с нулевой ценой входа доходность не определена
	if !price.IsPositive() {
		return nil, fmt.Errorf("entry price %s: %w", price, models.ErrInvalidPrice)
	}

	unlock := l.lock(instrument)
	defer unlock()

	if _, err = l.store.GetPositionByEntryReference(ctx, reference); err == nil {
		return nil, fmt.Errorf("entry %s: %w", reference, models.ErrDuplicateReference)
	} else if !errors.Is(err, models.ErrPositionNotFound) {
		return nil, err
	}

	p = &models.Position{
		ID:             uuid.New(),
		Instrument:     instrument,
		Status:         models.PositionOpen,
		EntryPrice:     price,
		EntryReference: reference,
		EntryLink:      link,
		EntryAt:        l.now(),
	}
	if err = l.store.CreatePosition(ctx, p); err != nil {
		return nil, err
	}
	logger.Info("opened %s @ %s ref=%s", instrument, price, reference)
	return p, nil
}

// MatchPosition закрывает самую старую открытую позицию по инструменту (строгий FIFO)
// и возвращает её вместе с доходностью в процентах.
func (l *Ledger) MatchPosition(
	ctx context.Context,
	instrument string,
	exitPrice decimal.Decimal,
	exitReference, link string,
) (p *models.Position, ret decimal.Decimal, err error) {
	ctx, finish := tracing.Start(ctx, "ledger.MatchPosition")
	defer func() {
		finish(err)
		if err != nil {
			err = fmt.Errorf("ledger.MatchPosition: %w", err)
		}
	}()

	instrument = strings.ToUpper(instrument)
	unlock := l.lock(instrument)
	defer unlock()

	if _, err = l.store.GetPositionByExitReference(ctx, exitReference); err == nil {
		return nil, decimal.Zero, fmt.Errorf("exit %s: %w", exitReference, models.ErrDuplicateReference)
	} else if !errors.Is(err, models.ErrPositionNotFound) {
		return nil, decimal.Zero, err
	}

	closedAt := l.now()
	p, err = l.store.CloseOldestOpen(ctx, instrument, func(pos *models.Position) error {
		_, err := pos.Close(exitPrice, exitReference, link, closedAt)
		return err
	})
	if err != nil {
		return nil, decimal.Zero, err
	}
	ret = *p.ReturnPct
	logger.Info("closed %s entry=%s exit=%s return=%s%% ref=%s",
		instrument, p.EntryPrice, exitPrice, ret.StringFixed(2), exitReference)
	return p, ret, nil
}

// OpenPositions — открытые канонические позиции, старые первыми.
func (l *Ledger) OpenPositions(ctx context.Context) ([]models.Position, error) {
	out, err := l.store.ListOpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger.OpenPositions: %w", err)
	}
	return out, nil
}

// ClosedByExitReference — закрытая каноническая позиция по reference выхода (для повторной раздачи).
func (l *Ledger) ClosedByExitReference(ctx context.Context, reference string) (*models.Position, error) {
	p, err := l.store.GetPositionByExitReference(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("ledger.ClosedByExitReference: %w", err)
	}
	return p, nil
}
