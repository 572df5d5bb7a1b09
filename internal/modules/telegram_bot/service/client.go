package service

import (
	"context"
	"copytrade_bot/internal/modules/config"
	trading "copytrade_bot/internal/modules/trading/service"
	"copytrade_bot/pkg/logger"
	"fmt"
	"sync"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Handler — ядро, которому фронт отдаёт каждое текстовое сообщение.
type Handler interface {
	HandleMessage(ctx context.Context, msg trading.Message) (reply string, handled bool)
}

// Telegram — long-polling фронт и канал уведомлений участникам.
type Telegram struct {
	bot *tgbot.BotAPI
	cfg *config.Config

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewTelegram без токена возвращает nil: бот работает без фронта, уведомления идут в лог.
func NewTelegram(cfg *config.Config) (*Telegram, error) {
	if cfg.Telegram.Token == "" {
		logger.Warn("telegram.token is empty, telegram front end disabled")
		return nil, nil
	}
	b, err := tgbot.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram.NewTelegram: %w", err)
	}
	logger.Info("telegram authorized as @%s", b.Self.UserName)

	return &Telegram{
		bot:  b,
		cfg:  cfg,
		done: make(chan struct{}),
	}, nil
}

func (t *Telegram) Send(_ context.Context, chatID int64, text string) (tgbot.Message, error) {
	var last tgbot.Message
	for _, part := range chunks(text, maxMessageLen) {
		m, err := t.bot.Send(tgbot.NewMessage(chatID, part))
		if err != nil {
			return last, err
		}
		last = m
	}
	return last, nil
}

func (t *Telegram) SendF(ctx context.Context, chatID int64, format string, args ...any) (tgbot.Message, error) {
	return t.Send(ctx, chatID, fmt.Sprintf(format, args...))
}

// Notify — личное сообщение участнику: его chat id совпадает с user id.
func (t *Telegram) Notify(ctx context.Context, participantID int64, text string) error {
	_, err := t.Send(ctx, participantID, text)
	return err
}

// Start запускает цикл обновлений в фоне. Обновления обрабатываются по одному.
func (t *Telegram) Start(h Handler) {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	u := tgbot.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		defer close(t.done)
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				t.safeHandle(ctx, h, update)
			}
		}
	}()
}

func (t *Telegram) Stop() {
	t.once.Do(func() {
		if t.cancel == nil {
			return
		}
		t.bot.StopReceivingUpdates()
		t.cancel()
		<-t.done
	})
}

func (t *Telegram) safeHandle(ctx context.Context, h Handler, update tgbot.Update) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("telegram update %d panic: %v", update.UpdateID, r)
		}
	}()
	t.handleUpdate(ctx, h, update)
}
