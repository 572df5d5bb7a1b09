package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"copytrade_bot/internal/models"
	store "copytrade_bot/internal/modules/store/service"
	"copytrade_bot/pkg/logger"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.InitNop()
	m.Run()
}

// ledgerWithClock — часы, которые каждый вызов сдвигаются на минуту.
func ledgerWithClock() (*Ledger, *store.MemoryStore) {
	st := store.NewMemoryStore()
	l := NewLedger(st)
	var mu sync.Mutex
	t := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Minute)
		return t
	}
	return l, st
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestOpenPosition_Idempotent(t *testing.T) {
	ctx := context.Background()
	l, st := ledgerWithClock()

	p, err := l.OpenPosition(ctx, "zing", d("0.0041"), "abc", "https://solscan.io/tx/abc")
	require.NoError(t, err)
	assert.Equal(t, "ZING", p.Instrument)
	assert.Equal(t, models.PositionOpen, p.Status)
	assert.True(t, p.IsCanonical())

	_, err = l.OpenPosition(ctx, "ZING", d("0.0041"), "abc", "https://solscan.io/tx/abc")
	assert.ErrorIs(t, err, models.ErrDuplicateReference)

	open, err := st.ListOpenPositions(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestOpenPosition_ZeroPriceRejected(t *testing.T) {
	l, _ := ledgerWithClock()
	_, err := l.OpenPosition(context.Background(), "ZING", decimal.Zero, "abc", "")
	assert.ErrorIs(t, err, models.ErrInvalidPrice)
}

func TestMatchPosition_FIFO(t *testing.T) {
	ctx := context.Background()
	l, _ := ledgerWithClock()

	for i, price := range []string{"1", "2", "3"} {
		_, err := l.OpenPosition(ctx, "ZING", d(price), fmt.Sprintf("in%d", i+1), "")
		require.NoError(t, err)
	}

	p, _, err := l.MatchPosition(ctx, "ZING", d("4"), "out1", "")
	require.NoError(t, err)
	assert.Equal(t, "in1", p.EntryReference)

	p, _, err = l.MatchPosition(ctx, "ZING", d("4"), "out2", "")
	require.NoError(t, err)
	assert.Equal(t, "in2", p.EntryReference)

	open, err := l.OpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "in3", open[0].EntryReference)
}

func TestMatchPosition_Return(t *testing.T) {
	ctx := context.Background()
	l, _ := ledgerWithClock()

	_, err := l.OpenPosition(ctx, "AAA", d("0.0041"), "a-in", "")
	require.NoError(t, err)
	_, err = l.OpenPosition(ctx, "BBB", d("0.0074"), "b-in", "")
	require.NoError(t, err)

	p, ret, err := l.MatchPosition(ctx, "AAA", d("0.0074"), "a-out", "tx/a-out")
	require.NoError(t, err)
	assert.Equal(t, "80.49", ret.StringFixed(2))
	assert.Equal(t, models.PositionClosed, p.Status)
	assert.Equal(t, "a-out", *p.ExitReference)
	assert.Equal(t, "tx/a-out", p.ExitLink)
	require.NotNil(t, p.ExitAt)

	_, ret, err = l.MatchPosition(ctx, "BBB", d("0.0041"), "b-out", "")
	require.NoError(t, err)
	assert.Equal(t, "-44.59", ret.StringFixed(2))
}

func TestMatchPosition_Errors(t *testing.T) {
	ctx := context.Background()
	l, _ := ledgerWithClock()

	_, _, err := l.MatchPosition(ctx, "ZING", d("1"), "out", "")
	assert.ErrorIs(t, err, models.ErrNoOpenPosition)

	_, err = l.OpenPosition(ctx, "ZING", d("1"), "in1", "")
	require.NoError(t, err)
	_, err = l.OpenPosition(ctx, "ZING", d("1"), "in2", "")
	require.NoError(t, err)

	_, _, err = l.MatchPosition(ctx, "ZING", d("2"), "out", "")
	require.NoError(t, err)

	// тот же exit второй раз не закрывает следующую позицию
	_, _, err = l.MatchPosition(ctx, "ZING", d("2"), "out", "")
	assert.ErrorIs(t, err, models.ErrDuplicateReference)

	open, err := l.OpenPositions(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	closed, err := l.ClosedByExitReference(ctx, "out")
	require.NoError(t, err)
	assert.Equal(t, "in1", closed.EntryReference)

	_, err = l.ClosedByExitReference(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrPositionNotFound)
}

func TestMatchPosition_ConcurrentExitsCloseDistinctPositions(t *testing.T) {
	ctx := context.Background()
	l, _ := ledgerWithClock()

	const n = 20
	for i := 0; i < n; i++ {
		_, err := l.OpenPosition(ctx, "ZING", d("1"), fmt.Sprintf("in%d", i), "")
		require.NoError(t, err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]bool{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, _, err := l.MatchPosition(ctx, "ZING", d("2"), fmt.Sprintf("out%d", i), "")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			seen[p.EntryReference] = true
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Len(t, seen, n)
	_, _, err := l.MatchPosition(ctx, "ZING", d("2"), "extra", "")
	assert.ErrorIs(t, err, models.ErrNoOpenPosition)
}
