package service

import (
	"context"
	"copytrade_bot/internal/metrics"
	"copytrade_bot/internal/models"
	"copytrade_bot/internal/modules/config"
	"copytrade_bot/pkg/logger"
	"fmt"
	"sync/atomic"
	"time"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// Guard — общее на процесс состояние здоровья хранилища.
// Healthy -> (failures >= threshold) -> Unhealthy -> (успешная проба) -> Healthy.
type Guard struct {
	cfg    config.Resilience
	pinger Pinger

	healthy   atomic.Bool
	failures  atomic.Int64
	lastCheck atomic.Int64 // unix nano
	lastError atomic.Value // string
}

// State — снимок для /health и /healthz.
type State struct {
	Healthy   bool      `json:"healthy"`
	Failures  int64     `json:"consecutive_failures"`
	Threshold int       `json:"failure_threshold"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

func NewGuard(cfg config.Resilience, pinger Pinger) *Guard {
	g := &Guard{cfg: cfg, pinger: pinger}
	g.healthy.Store(true)
	g.lastError.Store("")
	metrics.StoreHealthy.Set(1)
	metrics.StoreConsecutiveFailures.Set(0)
	return g
}

func (g *Guard) Healthy() bool { return g.healthy.Load() }

func (g *Guard) Snapshot() State {
	s := State{
		Healthy:   g.healthy.Load(),
		Failures:  g.failures.Load(),
		Threshold: g.cfg.FailureThreshold,
		LastError: g.lastError.Load().(string),
	}
	if u := g.lastCheck.Load(); u != 0 {
		s.LastCheck = time.Unix(0, u)
	}
	return s
}

// Run — фоновая проверка раз в CheckInterval, до отмены ctx.
func (g *Guard) Run(ctx context.Context) {
	t := time.NewTicker(g.cfg.CheckInterval)
	defer t.Stop()

	g.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			g.Check(ctx)
		}
	}
}

// Check пингует хранилище. Успех возвращает Healthy, провал считается как обычный сбой.
func (g *Guard) Check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	if err := g.pinger.Ping(pctx); err != nil {
		if ctx.Err() != nil {
			return false
		}
		logger.Warn("store health check failed: %v", err)
		g.recordFailure(err)
		return false
	}

	g.lastCheck.Store(time.Now().UnixNano())
	g.failures.Store(0)
	metrics.StoreConsecutiveFailures.Set(0)
	if g.healthy.CompareAndSwap(false, true) {
		logger.Info("store recovered, accepting calls again")
		metrics.StoreHealthy.Set(1)
	}
	return true
}

func (g *Guard) recordSuccess() {
	if g.failures.Swap(0) != 0 {
		metrics.StoreConsecutiveFailures.Set(0)
	}
}

func (g *Guard) recordFailure(err error) {
	g.lastError.Store(err.Error())
	n := g.failures.Add(1)
	metrics.StoreConsecutiveFailures.Set(float64(n))
	if n >= int64(g.cfg.FailureThreshold) && g.healthy.CompareAndSwap(true, false) {
		logger.Error("store marked unhealthy after %d consecutive failures: %v", n, err)
		metrics.StoreHealthy.Set(0)
	}
}

// Do выполняет вызов хранилища с таймаутом и повторами.
// Unhealthy: вызова нет, сразу def + ErrStoreUnavailable.
// Доменные ошибки (дубль, не найдено и т.п.) возвращаются как есть и сбоем не считаются.
func Do[T any](ctx context.Context, g *Guard, op string, def T, fn func(ctx context.Context) (T, error)) (T, error) {
	if !g.Healthy() {
		metrics.StoreCalls.WithLabelValues(op, "rejected").Inc()
		return def, fmt.Errorf("%s: %w", op, models.ErrStoreUnavailable)
	}

	var lastErr error
	for attempt := 0; attempt <= g.cfg.Retries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, g.cfg.RetryDelay); err != nil {
				return def, fmt.Errorf("%s: %w", op, err)
			}
		}

		v, err := call(ctx, g.cfg.CallTimeout, fn)
		if err == nil {
			g.recordSuccess()
			metrics.StoreCalls.WithLabelValues(op, "ok").Inc()
			return v, nil
		}
		if models.IsDomain(err) {
			g.recordSuccess()
			metrics.StoreCalls.WithLabelValues(op, "domain").Inc()
			return v, err
		}
		// вызывающий сам ушёл — хранилище тут ни при чём
		if ctx.Err() != nil {
			return def, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		lastErr = err
		logger.Warn("store call %s failed (attempt %d/%d): %v", op, attempt+1, g.cfg.Retries+1, err)
	}

	g.recordFailure(lastErr)
	metrics.StoreCalls.WithLabelValues(op, "failed").Inc()
	return def, fmt.Errorf("%s: %w: %w", op, models.ErrStoreUnavailable, lastErr)
}

// Exec — Do для вызовов без результата.
func Exec(ctx context.Context, g *Guard, op string, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, g, op, struct{}{}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func call[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (v T, err error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in store call: %v", p)
		}
	}()

	return fn(cctx)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
