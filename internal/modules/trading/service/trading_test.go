package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"copytrade_bot/internal/models"
	"copytrade_bot/internal/modules/config"
	distribution "copytrade_bot/internal/modules/distribution/service"
	executor "copytrade_bot/internal/modules/executor/service"
	ledger "copytrade_bot/internal/modules/ledger/service"
	resilience "copytrade_bot/internal/modules/resilience/service"
	store "copytrade_bot/internal/modules/store/service"
	"copytrade_bot/internal/notify"
	"copytrade_bot/pkg/logger"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	operatorID = int64(100)
	chatID     = int64(555)
)

func TestMain(m *testing.M) {
	logger.InitNop()
	m.Run()
}

type staticAuth map[int64]bool

func (a staticAuth) IsAuthorized(id int64) bool { return a[id] }

type fixture struct {
	svc  *Service
	mem  *store.MemoryStore
	rec  *notify.Recorder
	pool *executor.Pool
}

func newFixture(t *testing.T, inlineMax int) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Distribution.InlineMax = inlineMax
	cfg.Executor.Workers = 2
	cfg.Executor.QueueSize = 8
	cfg.Executor.TaskTimeout = 5 * time.Second

	mem := store.NewMemoryStore()
	guard := resilience.NewGuard(cfg.Resilience, mem)
	st := resilience.NewGuardedStore(mem, guard)
	rec := notify.NewRecorder()
	pool := executor.NewPool(cfg.Executor, rec)
	pool.Start()
	t.Cleanup(func() { _ = pool.Stop(context.Background()) })

	engine := distribution.NewEngine(cfg, st, rec, nil)
	svc := NewService(cfg, staticAuth{operatorID: true}, st, ledger.NewLedger(st), engine, pool, rec, nil, guard)
	return &fixture{svc: svc, mem: mem, rec: rec, pool: pool}
}

func (f *fixture) send(t *testing.T, from int64, text string) string {
	t.Helper()
	reply, handled := f.svc.HandleMessage(context.Background(), Message{ChatID: chatID, SenderID: from, Text: text})
	require.True(t, handled, "message %q not handled", text)
	return reply
}

func (f *fixture) balance(t *testing.T, id int64) decimal.Decimal {
	t.Helper()
	p, err := f.mem.GetParticipant(context.Background(), id)
	require.NoError(t, err)
	return p.Balance
}

func TestHandleMessage_EntryExitInline(t *testing.T) {
	f := newFixture(t, 5)
	f.mem.Seed(1, "alice", decimal.RequireFromString("2"), models.ParticipantActive)

	reply := f.send(t, operatorID, "entry $zing 1 https://solscan.io/tx/in1")
	assert.Contains(t, reply, "Entry recorded: ZING @ 1")

	reply = f.send(t, operatorID, "entry $ZING 1 https://solscan.io/tx/in1")
	assert.Equal(t, "ℹ️ Already processed: in1", reply)

	reply = f.send(t, operatorID, "exit $ZING 1.1 https://solscan.io/tx/out1")
	assert.Contains(t, reply, "ZING closed")
	assert.Contains(t, reply, "+10.00%")
	assert.Contains(t, reply, "Applied to 1/1 participants.")
	assert.Equal(t, "2.2", f.balance(t, 1).StringFixed(1))
	require.Len(t, f.rec.To(1), 1)

	reply = f.send(t, operatorID, "exit $ZING 1.1 https://solscan.io/tx/out1")
	assert.Equal(t, "ℹ️ Already processed: out1", reply)
	assert.Equal(t, "2.2", f.balance(t, 1).StringFixed(1))
}

func TestHandleMessage_ExitWithoutEntry(t *testing.T) {
	f := newFixture(t, 5)
	reply := f.send(t, operatorID, "exit $ABC 2 https://solscan.io/tx/x")
	assert.Equal(t, "❗️ No matching entry found for ABC", reply)
}

func TestHandleMessage_BackgroundDistribution(t *testing.T) {
	f := newFixture(t, 0)
	f.mem.Seed(1, "alice", decimal.RequireFromString("1"), models.ParticipantActive)
	f.mem.Seed(2, "bob", decimal.RequireFromString("3"), models.ParticipantActive)

	f.send(t, operatorID, "entry $SOL 10 https://solscan.io/tx/a")
	reply := f.send(t, operatorID, "exit $SOL 5 https://solscan.io/tx/b")
	assert.Contains(t, reply, "Distributing to 2 participants in background")

	require.Eventually(t, func() bool { return len(f.rec.To(chatID)) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, f.rec.To(chatID)[0], "Applied to 2/2 participants.")
	assert.True(t, f.balance(t, 1).Equal(decimal.RequireFromString("0.5")))
	assert.True(t, f.balance(t, 2).Equal(decimal.RequireFromString("1.5")))
}

func TestHandleMessage_Unrelated(t *testing.T) {
	f := newFixture(t, 5)

	_, handled := f.svc.HandleMessage(context.Background(), Message{SenderID: operatorID, Text: "gm everyone"})
	assert.False(t, handled)

	assert.Equal(t, replyUnauthorized, f.send(t, 7, "entry $ZING 1 https://solscan.io/tx/z"))

	reply := f.send(t, operatorID, "entry ZING 1 https://solscan.io/tx/z")
	assert.True(t, strings.HasPrefix(reply, "❗️"), reply)

	positions, err := f.mem.ListOpenPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestCommands_StartBalanceHelp(t *testing.T) {
	f := newFixture(t, 5)

	assert.Contains(t, f.send(t, 42, "/balance"), "not registered")

	reply := f.send(t, 42, "/start")
	assert.Contains(t, reply, "Welcome!")
	assert.Contains(t, f.send(t, 42, "/start@copytrade_bot"), "Welcome back")

	assert.Contains(t, f.send(t, 42, "/balance"), "Balance: 0.000000")

	assert.NotContains(t, f.send(t, 42, "/help"), "/adjust")
	assert.Contains(t, f.send(t, operatorID, "/help"), "/adjust")
}

func TestCommands_AdminOnly(t *testing.T) {
	f := newFixture(t, 5)
	for _, cmd := range []string{"/positions", "/health", "/adjust 1 5", "/deactivate 1", "/redistribute x"} {
		assert.Equal(t, replyUnauthorized, f.send(t, 42, cmd), cmd)
	}
}

func TestCommands_AdjustInBackground(t *testing.T) {
	f := newFixture(t, 5)
	f.mem.Seed(1, "alice", decimal.Zero, models.ParticipantActive)

	assert.Equal(t, replyAdjustAck, f.send(t, operatorID, "/adjust @Alice 5 initial deposit"))
	require.Eventually(t, func() bool { return len(f.rec.To(chatID)) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, f.rec.To(chatID)[0], "adjusted by +5.000000")
	assert.True(t, f.balance(t, 1).Equal(decimal.NewFromInt(5)))
	require.Len(t, f.rec.To(1), 1)
	assert.Contains(t, f.rec.To(1)[0], "initial deposit")

	assert.Equal(t, replyAdjustAck, f.send(t, operatorID, "/adjust 1 -10"))
	require.Eventually(t, func() bool { return len(f.rec.To(chatID)) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, f.rec.To(chatID)[1], "rejected")
	assert.True(t, f.balance(t, 1).Equal(decimal.NewFromInt(5)))

	assert.Contains(t, f.send(t, operatorID, "/adjust 1 abc"), "Invalid amount")
}

func TestCommands_StatusPositionsHealth(t *testing.T) {
	f := newFixture(t, 5)
	f.mem.Seed(1, "alice", decimal.NewFromInt(1), models.ParticipantActive)

	assert.Contains(t, f.send(t, operatorID, "/deactivate 1"), "inactive")
	n, err := f.mem.CountEligible(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Contains(t, f.send(t, operatorID, "/activate @alice"), "active")
	assert.Contains(t, f.send(t, operatorID, "/activate 9"), "not found")

	assert.Equal(t, "📭 No open positions", f.send(t, operatorID, "/positions"))
	f.send(t, operatorID, "entry $WIF 2 https://solscan.io/tx/w1")
	assert.Contains(t, f.send(t, operatorID, "/positions"), "WIF @ 2")

	assert.Contains(t, f.send(t, operatorID, "/health"), "healthy")
}

func TestCommands_Redistribute(t *testing.T) {
	f := newFixture(t, 5)
	f.mem.Seed(1, "alice", decimal.NewFromInt(2), models.ParticipantActive)
	f.send(t, operatorID, "entry $BONK 1 https://solscan.io/tx/r1")
	f.send(t, operatorID, "exit $BONK 2 https://solscan.io/tx/r2")
	assert.True(t, f.balance(t, 1).Equal(decimal.NewFromInt(4)))

	assert.Contains(t, f.send(t, operatorID, "/redistribute nope"), "No closed position")

	f.send(t, operatorID, "/redistribute r2")
	require.Eventually(t, func() bool { return len(f.rec.To(chatID)) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, f.rec.To(chatID)[0], "Applied to 1/1 participants.")
	// уже применено — баланс не меняется
	assert.True(t, f.balance(t, 1).Equal(decimal.NewFromInt(4)))
}
