package service

import (
	"context"
	"copytrade_bot/internal/metrics"
	"copytrade_bot/internal/models"
	"copytrade_bot/internal/modules/config"
	"copytrade_bot/internal/notify"
	"copytrade_bot/pkg/logger"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultAck    = "Request accepted, processing in the background."
	notifyTimeout = 10 * time.Second
)

var ErrStopped = errors.New("executor is stopped")

// Task — единица фоновой работы. Run получает собственный контекст пула, а не контекст запроса.
type Task struct {
	// Key — задачи с одинаковым ключом выполняются строго по очереди (id позиции, id участника).
	Key string
	// Kind — для логов и метрик: distribution, adjustment, ...
	Kind string
	// ReplyTo — кому отправить итоговый текст; 0 — никому.
	ReplyTo int64
	// AckText — что сразу ответить инициатору.
	AckText string
	Run     func(ctx context.Context) (string, error)
}

// Ack — немедленный ответ на Submit.
type Ack struct {
	ID      uuid.UUID
	Message string
}

type job struct {
	id   uuid.UUID
	task Task
}

// Pool — ограниченный набор воркеров над ограниченной очередью.
// Переполнение — отказ (ErrQueueFull), а не ожидание.
type Pool struct {
	cfg      config.Executor
	notifier notify.Notifier

	queue chan *job

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
	started bool
	// принятые, но ещё не начатые задачи: в канале и в хвостах lanes
	pending int
	// ключ занят -> хвост ожидающих задач с этим ключом
	lanes map[string][]*job
}

func NewPool(cfg config.Executor, notifier notify.Notifier) *Pool {
	root, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:      cfg,
		notifier: notifier,
		queue:    make(chan *job, cfg.QueueSize),
		root:     root,
		cancel:   cancel,
		lanes:    make(map[string][]*job),
	}
}

// Start поднимает воркеров. Повторный вызов ничего не делает.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	logger.Info("executor started: %d workers, queue %d", p.cfg.Workers, p.cfg.QueueSize)
}

// Submit кладёт задачу в очередь и сразу возвращается.
func (p *Pool) Submit(task Task) (Ack, error) {
	if task.Run == nil {
		return Ack{}, errors.New("executor: task without Run")
	}
	j := &job{id: uuid.New(), task: task}
	if j.task.Key == "" {
		j.task.Key = j.id.String()
	}
	if j.task.AckText == "" {
		j.task.AckText = defaultAck
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return Ack{}, ErrStopped
	}
	if p.pending >= p.cfg.QueueSize {
		metrics.Tasks.WithLabelValues(task.Kind, "rejected").Inc()
		return Ack{}, fmt.Errorf("executor.Submit %s: %w", task.Kind, models.ErrQueueFull)
	}
	select {
	case p.queue <- j:
	default:
		metrics.Tasks.WithLabelValues(task.Kind, "rejected").Inc()
		return Ack{}, fmt.Errorf("executor.Submit %s: %w", task.Kind, models.ErrQueueFull)
	}
	p.pending++
	metrics.QueueDepth.Set(float64(p.pending))
	return Ack{ID: j.id, Message: j.task.AckText}, nil
}

// Stop перестаёт принимать задачи и ждёт, пока воркеры доработают очередь.
// Если ctx истёк раньше — отменяет контекст текущих задач.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.queue {
		if !p.claim(j) {
			continue
		}
		for j != nil {
			p.run(j)
			j = p.next(j.task.Key)
		}
	}
}

// claim занимает ключ. Если ключ уже занят — задача встаёт в хвост и её выполнит тот, кто держит ключ.
// Задача в хвосте по-прежнему занимает место в очереди.
func (p *Pool) claim(j *job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if lane, busy := p.lanes[j.task.Key]; busy {
		p.lanes[j.task.Key] = append(lane, j)
		return false
	}
	p.lanes[j.task.Key] = []*job{}
	p.dequeued()
	return true
}

func (p *Pool) next(key string) *job {
	p.mu.Lock()
	defer p.mu.Unlock()
	lane := p.lanes[key]
	if len(lane) == 0 {
		delete(p.lanes, key)
		return nil
	}
	p.lanes[key] = lane[1:]
	p.dequeued()
	return lane[0]
}

// dequeued вызывается под p.mu, когда задача уходит на выполнение.
func (p *Pool) dequeued() {
	p.pending--
	metrics.QueueDepth.Set(float64(p.pending))
}

func (p *Pool) run(j *job) {
	t := j.task
	start := time.Now()

	text, err := p.execute(j)
	if err != nil {
		logger.Error("task %s [%s key=%s] failed after %s: %v", j.id, t.Kind, t.Key, time.Since(start), err)
		metrics.Tasks.WithLabelValues(t.Kind, "failed").Inc()
		if text == "" {
			text = fmt.Sprintf("❗️ %s failed: %v", t.Kind, err)
		}
	} else {
		logger.Info("task %s [%s key=%s] done in %s", j.id, t.Kind, t.Key, time.Since(start))
		metrics.Tasks.WithLabelValues(t.Kind, "ok").Inc()
	}

	if t.ReplyTo == 0 || text == "" {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(p.root), notifyTimeout)
	defer cancel()
	notify.Notifyf(nctx, p.notifier, t.ReplyTo, "%s", text)
}

func (p *Pool) execute(j *job) (text string, err error) {
	ctx, cancel := context.WithTimeout(p.root, p.cfg.TaskTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return j.task.Run(ctx)
}
