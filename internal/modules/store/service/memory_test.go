package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"copytrade_bot/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openPosition(instrument, ref string, at time.Time) *models.Position {
	return &models.Position{
		ID:             uuid.New(),
		Instrument:     instrument,
		Status:         models.PositionOpen,
		EntryPrice:     decimal.RequireFromString("0.0041"),
		EntryReference: ref,
		EntryAt:        at,
	}
}

func TestMemoryStore_EnsureParticipant(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	p, created, err := s.EnsureParticipant(ctx, 42, "alice")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.ParticipantActive, p.Status)
	assert.True(t, p.Balance.IsZero())

	p, created, err = s.EnsureParticipant(ctx, 42, "alice_new")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "alice_new", p.Username)

	found, err := s.FindByUsername(ctx, "@ALICE_new")
	require.NoError(t, err)
	assert.Equal(t, int64(42), found.ID)

	_, err = s.GetParticipant(ctx, 7)
	assert.ErrorIs(t, err, models.ErrParticipantNotFound)
}

func TestMemoryStore_CloseOldestOpenIsFIFO(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.CreatePosition(ctx, openPosition("ZING", "b", t0.Add(2*time.Minute))))
	require.NoError(t, s.CreatePosition(ctx, openPosition("ZING", "a", t0.Add(time.Minute))))
	require.NoError(t, s.CreatePosition(ctx, openPosition("OTHER", "z", t0)))

	err := s.CreatePosition(ctx, openPosition("ZING", "a", t0))
	assert.ErrorIs(t, err, models.ErrDuplicateReference)

	closeWith := func(ref string) func(p *models.Position) error {
		return func(p *models.Position) error {
			_, err := p.Close(decimal.RequireFromString("0.0065"), ref, "", t0.Add(time.Hour))
			return err
		}
	}

	p, err := s.CloseOldestOpen(ctx, "ZING", closeWith("x1"))
	require.NoError(t, err)
	assert.Equal(t, "a", p.EntryReference)

	p, err = s.CloseOldestOpen(ctx, "ZING", closeWith("x2"))
	require.NoError(t, err)
	assert.Equal(t, "b", p.EntryReference)

	_, err = s.CloseOldestOpen(ctx, "ZING", closeWith("x3"))
	assert.ErrorIs(t, err, models.ErrNoOpenPosition)

	closed, err := s.GetPositionByExitReference(ctx, "x1")
	require.NoError(t, err)
	assert.Equal(t, models.PositionClosed, closed.Status)

	open, err := s.ListOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "OTHER", open[0].Instrument)
}

func TestMemoryStore_CreditIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Seed(1, "u1", decimal.RequireFromString("2.0"), models.ParticipantActive)

	tenPct := func(b decimal.Decimal) decimal.Decimal { return b.Div(decimal.NewFromInt(10)) }

	res, err := s.Credit(ctx, models.Credit{ParticipantID: 1, Reference: "x_u1", Delta: tenPct, RequireEligible: true})
	require.NoError(t, err)
	assert.True(t, res.Balance.Equal(decimal.RequireFromString("2.2")))
	assert.Equal(t, models.CategoryProfit, res.Entry.Category)

	_, err = s.Credit(ctx, models.Credit{ParticipantID: 1, Reference: "x_u1", Delta: tenPct, RequireEligible: true})
	assert.ErrorIs(t, err, models.ErrDuplicateReference)

	p, err := s.GetParticipant(ctx, 1)
	require.NoError(t, err)
	assert.True(t, p.Balance.Equal(decimal.RequireFromString("2.2")))

	entries, err := s.ListLedger(ctx, 1, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMemoryStore_CreditRejectsIneligible(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Seed(1, "zero", decimal.Zero, models.ParticipantActive)
	s.Seed(2, "off", decimal.NewFromInt(5), models.ParticipantInactive)

	for _, id := range []int64{1, 2} {
		_, err := s.Credit(ctx, models.Credit{
			ParticipantID:   id,
			Reference:       models.ParticipantReference("x", id),
			Delta:           func(b decimal.Decimal) decimal.Decimal { return b },
			RequireEligible: true,
		})
		assert.ErrorIs(t, err, models.ErrParticipantIneligible)
	}

	n, err := s.CountEligible(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryStore_Adjust(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, _, err := s.EnsureParticipant(ctx, 5, "bob")
	require.NoError(t, err)

	res, err := s.Adjust(ctx, models.Adjustment{ParticipantID: 5, Amount: decimal.NewFromInt(3), Reference: "adj-1"})
	require.NoError(t, err)
	assert.True(t, res.Balance.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, models.CategoryAdjustment, res.Entry.Category)

	_, err = s.Adjust(ctx, models.Adjustment{ParticipantID: 5, Amount: decimal.NewFromInt(-4), Reference: "adj-2"})
	assert.ErrorIs(t, err, models.ErrInsufficientBalance)

	p, err := s.GetParticipant(ctx, 5)
	require.NoError(t, err)
	assert.True(t, p.Balance.Equal(decimal.NewFromInt(3)))
	assert.True(t, p.BaselineContribution.Equal(decimal.NewFromInt(3)))
}

func TestMemoryStore_ConcurrentCreditsSerialize(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Seed(1, "u1", decimal.NewFromInt(100), models.ParticipantActive)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Credit(ctx, models.Credit{
				ParticipantID: 1,
				Reference:     uuid.NewString(),
				Delta:         func(decimal.Decimal) decimal.Decimal { return decimal.NewFromInt(1) },
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	p, err := s.GetParticipant(ctx, 1)
	require.NoError(t, err)
	assert.True(t, p.Balance.Equal(decimal.NewFromInt(150)), p.Balance.String())
}
