package notify

import (
	"context"
	"copytrade_bot/pkg/logger"
	"fmt"
	"sync"
)

// Notifier — канал доставки сообщений участникам и оператору. Fire-and-forget:
// ошибка доставки логируется вызывающим и ничего не откатывает.
type Notifier interface {
	Notify(ctx context.Context, participantID int64, text string) error
}

// Notifyf — форматирующий хелпер поверх любого Notifier.
func Notifyf(ctx context.Context, n Notifier, participantID int64, format string, args ...any) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, participantID, fmt.Sprintf(format, args...)); err != nil {
		logger.Warn("notify %d: %v", participantID, err)
	}
}

// Stdout — заглушка без Telegram, всё пишет в лог.
type Stdout struct{}

func NewStdout() *Stdout { return &Stdout{} }

func (s *Stdout) Notify(_ context.Context, participantID int64, text string) error {
	logger.Info("notify [%d]: %s", participantID, text)
	return nil
}

// Message — одно доставленное сообщение (для Recorder).
type Message struct {
	To   int64
	Text string
}

// Recorder складывает сообщения в память; нужен тестам и локальной отладке.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
	ch   chan Message
}

func NewRecorder() *Recorder {
	return &Recorder{ch: make(chan Message, 1024)}
}

func (r *Recorder) Notify(_ context.Context, participantID int64, text string) error {
	m := Message{To: participantID, Text: text}
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
	select {
	case r.ch <- m:
	default:
	}
	return nil
}

// Messages — копия всего доставленного.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

// To — сообщения конкретному получателю.
func (r *Recorder) To(id int64) []string {
	var out []string
	for _, m := range r.Messages() {
		if m.To == id {
			out = append(out, m.Text)
		}
	}
	return out
}

// C — поток доставленных сообщений.
func (r *Recorder) C() <-chan Message { return r.ch }
