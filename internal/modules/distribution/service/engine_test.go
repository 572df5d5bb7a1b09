package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"copytrade_bot/internal/models"
	"copytrade_bot/internal/modules/config"
	feed "copytrade_bot/internal/modules/feed/service"
	resilience "copytrade_bot/internal/modules/resilience/service"
	store "copytrade_bot/internal/modules/store/service"
	"copytrade_bot/internal/notify"
	"copytrade_bot/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.InitNop()
	m.Run()
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// failingStore роняет Credit для выбранных участников.
type failingStore struct {
	store.Store
	mu     sync.Mutex
	failOn map[int64]bool
	calls  map[int64]int
}

func (f *failingStore) Credit(ctx context.Context, c models.Credit) (*models.CreditResult, error) {
	f.mu.Lock()
	fail := f.failOn[c.ParticipantID]
	if f.calls == nil {
		f.calls = make(map[int64]int)
	}
	f.calls[c.ParticipantID]++
	f.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset by peer")
	}
	return f.Store.Credit(ctx, c)
}

func (f *failingStore) callsFor(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *failingStore) heal() {
	f.mu.Lock()
	f.failOn = nil
	f.mu.Unlock()
}

// blockingStore держит ListEligibleParticipants до release.
type blockingStore struct {
	store.Store
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) ListEligibleParticipants(ctx context.Context) ([]models.Participant, error) {
	close(b.entered)
	<-b.release
	return b.Store.ListEligibleParticipants(ctx)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []feed.Event
}

func (r *recordingPublisher) Publish(ev feed.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func newEngine(st store.Store) (*Engine, *notify.Recorder, *recordingPublisher) {
	cfg := config.Default()
	cfg.Distribution.Concurrency = 3
	rec := notify.NewRecorder()
	pub := &recordingPublisher{}
	return NewEngine(cfg, st, rec, pub), rec, pub
}

func closedPosition(t *testing.T, entry, exit, exitRef string) *models.Position {
	t.Helper()
	p := &models.Position{
		ID:             uuid.New(),
		Instrument:     "ZING",
		Status:         models.PositionOpen,
		EntryPrice:     d(entry),
		EntryReference: exitRef + "-in",
		EntryAt:        time.Now().Add(-time.Hour),
	}
	_, err := p.Close(d(exit), exitRef, "https://solscan.io/tx/"+exitRef, time.Now())
	require.NoError(t, err)
	return p
}

func balance(t *testing.T, st store.Store, id int64) decimal.Decimal {
	t.Helper()
	p, err := st.GetParticipant(context.Background(), id)
	require.NoError(t, err)
	return p.Balance
}

func TestDistribute_Proportional(t *testing.T) {
	st := store.NewMemoryStore()
	st.Seed(1, "a", d("2.0"), models.ParticipantActive)
	st.Seed(2, "zero", decimal.Zero, models.ParticipantActive)
	st.Seed(3, "off", d("5"), models.ParticipantInactive)
	e, rec, pub := newEngine(st)

	pos := closedPosition(t, "1", "1.1", "x10")
	res, err := e.Distribute(context.Background(), pos)
	require.NoError(t, err)
	assert.Equal(t, Result{Attempted: 1, Succeeded: 1}, res)

	assert.Equal(t, "2.2", balance(t, st, 1).StringFixed(1))
	assert.True(t, balance(t, st, 2).IsZero())
	assert.True(t, balance(t, st, 3).Equal(d("5")))

	entries, err := st.ListLedger(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.CategoryProfit, entries[0].Category)
	assert.Equal(t, "0.2", entries[0].Amount.StringFixed(1))
	assert.Equal(t, "x10_u1", entries[0].Reference)
	require.NotNil(t, entries[0].PositionID)

	derived, err := st.GetPositionByEntryReference(context.Background(), "x10_u1")
	require.NoError(t, err)
	assert.Equal(t, pos.ID, *derived.PairedPositionID)
	assert.Equal(t, int64(1), *derived.ParticipantID)
	assert.Equal(t, models.PositionClosed, derived.Status)

	msgs := rec.To(1)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "+10.00%")
	assert.Empty(t, rec.To(2))
	assert.Len(t, pub.events, 1)
}

func TestDistribute_ZingScenario(t *testing.T) {
	st := store.NewMemoryStore()
	st.Seed(1, "a", d("1.0"), models.ParticipantActive)
	st.Seed(2, "b", d("0.5"), models.ParticipantActive)
	st.Seed(3, "c", d("10.0"), models.ParticipantActive)
	e, _, _ := newEngine(st)

	pos := closedPosition(t, "0.0041", "0.0065", "zing-out")
	assert.Equal(t, "58.54", pos.ReturnPct.StringFixed(2))

	res, err := e.Distribute(context.Background(), pos)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Succeeded)

	assert.Equal(t, "1.5854", balance(t, st, 1).StringFixed(4))
	assert.Equal(t, "0.7927", balance(t, st, 2).StringFixed(4))
	assert.Equal(t, "15.854", balance(t, st, 3).StringFixed(3))
}

func TestDistribute_LossAndZeroReturn(t *testing.T) {
	st := store.NewMemoryStore()
	st.Seed(1, "a", d("4"), models.ParticipantActive)
	e, _, _ := newEngine(st)

	_, err := e.Distribute(context.Background(), closedPosition(t, "2", "1", "loss"))
	require.NoError(t, err)
	assert.True(t, balance(t, st, 1).Equal(d("2")))

	_, err = e.Distribute(context.Background(), closedPosition(t, "1", "1", "flat"))
	require.NoError(t, err)
	assert.True(t, balance(t, st, 1).Equal(d("2")))

	entries, err := st.ListLedger(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// новые первыми
	assert.Equal(t, models.CategoryProfit, entries[0].Category)
	assert.True(t, entries[0].Amount.IsZero())
	assert.Equal(t, models.CategoryLoss, entries[1].Category)
}

func TestDistribute_NoEligible(t *testing.T) {
	st := store.NewMemoryStore()
	st.Seed(1, "zero", decimal.Zero, models.ParticipantActive)
	e, _, _ := newEngine(st)

	res, err := e.Distribute(context.Background(), closedPosition(t, "1", "2", "none"))
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}

func TestDistribute_PartialFailureIsolation(t *testing.T) {
	mem := store.NewMemoryStore()
	for id := int64(1); id <= 5; id++ {
		mem.Seed(id, "", d("1"), models.ParticipantActive)
	}
	st := &failingStore{Store: mem, failOn: map[int64]bool{3: true}}
	e, _, _ := newEngine(st)

	pos := closedPosition(t, "1", "2", "partial")
	res, err := e.Distribute(context.Background(), pos)
	assert.ErrorIs(t, err, models.ErrPartialDistribution)
	assert.Equal(t, Result{Attempted: 5, Succeeded: 4, Failed: 1}, res)
	assert.Equal(t, 4, res.Applied())

	for _, id := range []int64{1, 2, 4, 5} {
		assert.True(t, balance(t, mem, id).Equal(d("2")), "participant %d", id)
	}
	assert.True(t, balance(t, mem, 3).Equal(d("1")))

	// повторная раздача после восстановления докатывает только упавшего
	st.heal()
	res, err = e.Distribute(context.Background(), pos)
	require.NoError(t, err)
	assert.Equal(t, Result{Attempted: 5, Succeeded: 1, Skipped: 4}, res)
	for id := int64(1); id <= 5; id++ {
		assert.True(t, balance(t, mem, id).Equal(d("2")), "participant %d", id)
	}
}

func TestDistribute_PartialFailureThroughGuard(t *testing.T) {
	mem := store.NewMemoryStore()
	for id := int64(1); id <= 5; id++ {
		mem.Seed(id, "", d("1"), models.ParticipantActive)
	}
	failing := &failingStore{Store: mem, failOn: map[int64]bool{3: true}}
	guard := resilience.NewGuard(config.Resilience{
		FailureThreshold: 3,
		Retries:          2,
		RetryDelay:       time.Millisecond,
		CallTimeout:      time.Second,
		CheckInterval:    time.Minute,
	}, mem)
	e, _, _ := newEngine(resilience.NewGuardedStore(failing, guard))

	pos := closedPosition(t, "1", "2", "guarded")
	res, err := e.Distribute(context.Background(), pos)
	assert.ErrorIs(t, err, models.ErrPartialDistribution)
	assert.Equal(t, Result{Attempted: 5, Succeeded: 4, Failed: 1}, res)
	// упавший участник прошёл все повторы, остальные с первой попытки
	assert.Equal(t, 3, failing.callsFor(3))
	assert.Equal(t, 1, failing.callsFor(1))
	// один сбой ниже порога не выключает хранилище
	assert.True(t, guard.Healthy())
	assert.True(t, balance(t, mem, 3).Equal(d("1")))

	failing.heal()
	res, err = e.Distribute(context.Background(), pos)
	require.NoError(t, err)
	assert.Equal(t, Result{Attempted: 5, Succeeded: 1, Skipped: 4}, res)
	assert.True(t, balance(t, mem, 3).Equal(d("2")))
	assert.True(t, guard.Healthy())
}

func TestDistribute_RepeatIsNoop(t *testing.T) {
	st := store.NewMemoryStore()
	st.Seed(1, "a", d("2"), models.ParticipantActive)
	e, rec, _ := newEngine(st)
	pos := closedPosition(t, "1", "1.5", "again")

	_, err := e.Distribute(context.Background(), pos)
	require.NoError(t, err)
	res, err := e.Distribute(context.Background(), pos)
	require.NoError(t, err)
	assert.Equal(t, Result{Attempted: 1, Skipped: 1}, res)
	assert.True(t, balance(t, st, 1).Equal(d("3")))
	assert.Len(t, rec.To(1), 1)
}

func TestDistribute_InFlightGuard(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.Seed(1, "a", d("1"), models.ParticipantActive)
	st := &blockingStore{Store: mem, entered: make(chan struct{}), release: make(chan struct{})}
	e, _, _ := newEngine(st)
	pos := closedPosition(t, "1", "2", "busy")

	errCh := make(chan error, 1)
	go func() {
		_, err := e.Distribute(context.Background(), pos)
		errCh <- err
	}()
	<-st.entered

	_, err := e.Distribute(context.Background(), pos)
	assert.ErrorIs(t, err, models.ErrDistributionInFlight)

	close(st.release)
	require.NoError(t, <-errCh)
}

func TestDistribute_RejectsOpenPosition(t *testing.T) {
	e, _, _ := newEngine(store.NewMemoryStore())
	_, err := e.Distribute(context.Background(), &models.Position{ID: uuid.New(), Status: models.PositionOpen})
	assert.Error(t, err)
}
