package service

import (
	"context"
	"copytrade_bot/internal/models"
	store "copytrade_bot/internal/modules/store/service"
	"errors"
)

// GuardedStore — Store, каждый вызов которого идёт через Guard.
// Ядро получает только его, сырой Store видят лишь проба и адаптеры.
type GuardedStore struct {
	inner store.Store
	guard *Guard
}

var _ store.Store = (*GuardedStore)(nil)

func NewGuardedStore(inner store.Store, guard *Guard) *GuardedStore {
	return &GuardedStore{inner: inner, guard: guard}
}

func (s *GuardedStore) Guard() *Guard { return s.guard }

func (s *GuardedStore) EnsureParticipant(ctx context.Context, id int64, username string) (*models.Participant, bool, error) {
	type ensured struct {
		p       *models.Participant
		created bool
	}
	out, err := Do(ctx, s.guard, "EnsureParticipant", ensured{}, func(ctx context.Context) (ensured, error) {
		p, created, err := s.inner.EnsureParticipant(ctx, id, username)
		return ensured{p: p, created: created}, err
	})
	return out.p, out.created, err
}

func (s *GuardedStore) GetParticipant(ctx context.Context, id int64) (*models.Participant, error) {
	return Do(ctx, s.guard, "GetParticipant", nil, func(ctx context.Context) (*models.Participant, error) {
		return s.inner.GetParticipant(ctx, id)
	})
}

func (s *GuardedStore) FindByUsername(ctx context.Context, username string) (*models.Participant, error) {
	return Do(ctx, s.guard, "FindByUsername", nil, func(ctx context.Context) (*models.Participant, error) {
		return s.inner.FindByUsername(ctx, username)
	})
}

func (s *GuardedStore) ListEligibleParticipants(ctx context.Context) ([]models.Participant, error) {
	return Do(ctx, s.guard, "ListEligibleParticipants", nil, s.inner.ListEligibleParticipants)
}

func (s *GuardedStore) CountEligible(ctx context.Context) (int, error) {
	return Do(ctx, s.guard, "CountEligible", 0, s.inner.CountEligible)
}

func (s *GuardedStore) SetStatus(ctx context.Context, id int64, status models.ParticipantStatus) error {
	return Exec(ctx, s.guard, "SetStatus", func(ctx context.Context) error {
		return s.inner.SetStatus(ctx, id, status)
	})
}

func (s *GuardedStore) Credit(ctx context.Context, c models.Credit) (*models.CreditResult, error) {
	return Do(ctx, s.guard, "Credit", nil, func(ctx context.Context) (*models.CreditResult, error) {
		return s.inner.Credit(ctx, c)
	})
}

func (s *GuardedStore) Adjust(ctx context.Context, a models.Adjustment) (*models.CreditResult, error) {
	return Do(ctx, s.guard, "Adjust", nil, func(ctx context.Context) (*models.CreditResult, error) {
		return s.inner.Adjust(ctx, a)
	})
}

// CreatePosition: попытка могла закоммитить и потерять ответ. Повтор сначала
// ищет позицию по entry reference и не выдаёт свою же запись за дубль.
func (s *GuardedStore) CreatePosition(ctx context.Context, p *models.Position) error {
	attempted := false
	return Exec(ctx, s.guard, "CreatePosition", func(ctx context.Context) error {
		if attempted {
			got, err := s.inner.GetPositionByEntryReference(ctx, p.EntryReference)
			switch {
			case err == nil && got.ID == p.ID:
				return nil
			case err != nil && !errors.Is(err, models.ErrPositionNotFound):
				return err
			}
		}
		attempted = true
		return s.inner.CreatePosition(ctx, p)
	})
}

// CloseOldestOpen не идемпотентен: повтор после потерянного коммита закрыл бы
// следующую ногу. Поэтому повтор сначала ищет позицию по exit reference,
// который closeFn проставил в прошлой попытке.
func (s *GuardedStore) CloseOldestOpen(ctx context.Context, instrument string, closeFn func(p *models.Position) error) (*models.Position, error) {
	var exitRef string
	track := func(p *models.Position) error {
		if err := closeFn(p); err != nil {
			return err
		}
		if p.ExitReference != nil {
			exitRef = *p.ExitReference
		}
		return nil
	}
	return Do(ctx, s.guard, "CloseOldestOpen", nil, func(ctx context.Context) (*models.Position, error) {
		if exitRef != "" {
			p, err := s.inner.GetPositionByExitReference(ctx, exitRef)
			if err == nil {
				return p, nil
			}
			if !errors.Is(err, models.ErrPositionNotFound) {
				return nil, err
			}
		}
		return s.inner.CloseOldestOpen(ctx, instrument, track)
	})
}

func (s *GuardedStore) GetPositionByEntryReference(ctx context.Context, reference string) (*models.Position, error) {
	return Do(ctx, s.guard, "GetPositionByEntryReference", nil, func(ctx context.Context) (*models.Position, error) {
		return s.inner.GetPositionByEntryReference(ctx, reference)
	})
}

func (s *GuardedStore) GetPositionByExitReference(ctx context.Context, reference string) (*models.Position, error) {
	return Do(ctx, s.guard, "GetPositionByExitReference", nil, func(ctx context.Context) (*models.Position, error) {
		return s.inner.GetPositionByExitReference(ctx, reference)
	})
}

func (s *GuardedStore) ListOpenPositions(ctx context.Context) ([]models.Position, error) {
	return Do(ctx, s.guard, "ListOpenPositions", nil, s.inner.ListOpenPositions)
}

func (s *GuardedStore) ListLedger(ctx context.Context, participantID int64, limit int) ([]models.LedgerEntry, error) {
	return Do(ctx, s.guard, "ListLedger", nil, func(ctx context.Context) ([]models.LedgerEntry, error) {
		return s.inner.ListLedger(ctx, participantID, limit)
	})
}

// Ping идёт мимо счётчика сбоев: это и есть проба.
func (s *GuardedStore) Ping(ctx context.Context) error {
	return s.inner.Ping(ctx)
}
