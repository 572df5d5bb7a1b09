package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"copytrade_bot/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore — Store на map'ах. Один мьютекс на всё: read-modify-write баланса
// выполняется целиком под ним.
type MemoryStore struct {
	mu sync.RWMutex

	participants map[int64]*models.Participant
	positions    []*models.Position // в порядке вставки, он же tie-break для FIFO
	entryRefs    map[string]*models.Position
	exitRefs     map[string]*models.Position // только канонические
	ledger       []models.LedgerEntry
	ledgerRefs   map[string]struct{}

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		participants: make(map[int64]*models.Participant),
		entryRefs:    make(map[string]*models.Position),
		exitRefs:     make(map[string]*models.Position),
		ledgerRefs:   make(map[string]struct{}),
		now:          time.Now,
	}
}

func (s *MemoryStore) EnsureParticipant(_ context.Context, id int64, username string) (*models.Participant, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.participants[id]; ok {
		if username != "" && p.Username != username {
			p.Username = username
			p.UpdatedAt = s.now()
		}
		cp := *p
		return &cp, false, nil
	}
	p := models.NewParticipant(id, username, s.now())
	s.participants[id] = p
	cp := *p
	return &cp, true, nil
}

func (s *MemoryStore) GetParticipant(_ context.Context, id int64) (*models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.participants[id]
	if !ok {
		return nil, fmt.Errorf("participant %d: %w", id, models.ErrParticipantNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) FindByUsername(_ context.Context, username string) (*models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	username = strings.TrimPrefix(username, "@")
	for _, p := range s.participants {
		if strings.EqualFold(p.Username, username) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("participant @%s: %w", username, models.ErrParticipantNotFound)
}

func (s *MemoryStore) ListEligibleParticipants(_ context.Context) ([]models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		if p.Eligible() {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CountEligible(ctx context.Context) (int, error) {
	list, err := s.ListEligibleParticipants(ctx)
	return len(list), err
}

func (s *MemoryStore) SetStatus(_ context.Context, id int64, status models.ParticipantStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[id]
	if !ok {
		return fmt.Errorf("participant %d: %w", id, models.ErrParticipantNotFound)
	}
	p.Status = status
	p.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) Credit(_ context.Context, c models.Credit) (*models.CreditResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[c.ParticipantID]
	if !ok {
		return nil, fmt.Errorf("participant %d: %w", c.ParticipantID, models.ErrParticipantNotFound)
	}
	if _, dup := s.ledgerRefs[c.Reference]; dup {
		return nil, fmt.Errorf("ledger reference %s: %w", c.Reference, models.ErrDuplicateReference)
	}
	if c.RequireEligible && !p.Eligible() {
		return nil, fmt.Errorf("participant %d: %w", p.ID, models.ErrParticipantIneligible)
	}
	if c.Derivative != nil {
		if _, dup := s.entryRefs[c.Derivative.EntryReference]; dup {
			return nil, fmt.Errorf("position reference %s: %w", c.Derivative.EntryReference, models.ErrDuplicateReference)
		}
	}

	delta := c.Delta(p.Balance)
	now := s.now()
	entry := models.LedgerEntry{
		ID:            uuid.New(),
		ParticipantID: p.ID,
		Amount:        delta,
		Category:      models.CategoryForDelta(delta),
		Reference:     c.Reference,
		Note:          c.Note,
		CreatedAt:     now,
	}
	if c.Derivative != nil {
		d := *c.Derivative
		entry.PositionID = &d.ID
		s.positions = append(s.positions, &d)
		s.entryRefs[d.EntryReference] = &d
	}
	s.ledger = append(s.ledger, entry)
	s.ledgerRefs[entry.Reference] = struct{}{}
	p.Balance = p.Balance.Add(delta)
	p.UpdatedAt = now

	return &models.CreditResult{Entry: &entry, Balance: p.Balance}, nil
}

func (s *MemoryStore) Adjust(_ context.Context, a models.Adjustment) (*models.CreditResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[a.ParticipantID]
	if !ok {
		return nil, fmt.Errorf("participant %d: %w", a.ParticipantID, models.ErrParticipantNotFound)
	}
	if _, dup := s.ledgerRefs[a.Reference]; dup {
		return nil, fmt.Errorf("ledger reference %s: %w", a.Reference, models.ErrDuplicateReference)
	}
	next := p.Balance.Add(a.Amount)
	if next.IsNegative() {
		return nil, fmt.Errorf("balance %s, amount %s: %w", p.Balance, a.Amount, models.ErrInsufficientBalance)
	}

	now := s.now()
	entry := models.LedgerEntry{
		ID:            uuid.New(),
		ParticipantID: p.ID,
		Amount:        a.Amount,
		Category:      models.CategoryAdjustment,
		Reference:     a.Reference,
		Note:          a.Note,
		CreatedAt:     now,
	}
	s.ledger = append(s.ledger, entry)
	s.ledgerRefs[entry.Reference] = struct{}{}
	// первое пополнение фиксирует базовый вклад
	if p.BaselineContribution.IsZero() && a.Amount.IsPositive() {
		p.BaselineContribution = a.Amount
	}
	p.Balance = next
	p.UpdatedAt = now

	return &models.CreditResult{Entry: &entry, Balance: next}, nil
}

func (s *MemoryStore) CreatePosition(_ context.Context, p *models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.entryRefs[p.EntryReference]; dup {
		return fmt.Errorf("entry reference %s: %w", p.EntryReference, models.ErrDuplicateReference)
	}
	cp := *p
	s.positions = append(s.positions, &cp)
	s.entryRefs[cp.EntryReference] = &cp
	return nil
}

func (s *MemoryStore) CloseOldestOpen(_ context.Context, instrument string, closeFn func(p *models.Position) error) (*models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *models.Position
	for _, p := range s.positions {
		if !p.IsCanonical() || p.Status != models.PositionOpen || p.Instrument != instrument {
			continue
		}
		// строго раньше: при равных временах выигрывает вставленная первой
		if oldest == nil || p.EntryAt.Before(oldest.EntryAt) {
			oldest = p
		}
	}
	if oldest == nil {
		return nil, fmt.Errorf("instrument %s: %w", instrument, models.ErrNoOpenPosition)
	}

	cp := *oldest
	if err := closeFn(&cp); err != nil {
		return nil, err
	}
	if cp.ExitReference != nil {
		if _, dup := s.exitRefs[*cp.ExitReference]; dup {
			return nil, fmt.Errorf("exit reference %s: %w", *cp.ExitReference, models.ErrDuplicateReference)
		}
		s.exitRefs[*cp.ExitReference] = oldest
	}
	*oldest = cp
	out := cp
	return &out, nil
}

func (s *MemoryStore) GetPositionByEntryReference(_ context.Context, reference string) (*models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.entryRefs[reference]
	if !ok {
		return nil, fmt.Errorf("entry reference %s: %w", reference, models.ErrPositionNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetPositionByExitReference(_ context.Context, reference string) (*models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.exitRefs[reference]
	if !ok {
		return nil, fmt.Errorf("exit reference %s: %w", reference, models.ErrPositionNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListOpenPositions(_ context.Context) ([]models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Position
	for _, p := range s.positions {
		if p.IsCanonical() && p.Status == models.PositionOpen {
			out = append(out, *p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EntryAt.Before(out[j].EntryAt) })
	return out, nil
}

func (s *MemoryStore) ListLedger(_ context.Context, participantID int64, limit int) ([]models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.LedgerEntry
	for i := len(s.ledger) - 1; i >= 0; i-- {
		if s.ledger[i].ParticipantID != participantID {
			continue
		}
		out = append(out, s.ledger[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// Seed — завести участника с балансом (тесты, локальный запуск).
func (s *MemoryStore) Seed(id int64, username string, balance decimal.Decimal, status models.ParticipantStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := models.NewParticipant(id, username, s.now())
	p.Balance = balance
	p.BaselineContribution = balance
	p.Status = status
	s.participants[id] = p
}
