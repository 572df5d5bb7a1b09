// Package service — хранилище участников, позиций и леджера.
// Postgres — источник правды, Redis — read-through кэш поверх него,
// in-memory — для тестов и локального запуска без базы.
package service

import (
	"context"

	"copytrade_bot/internal/models"
)

// Store — всё, что ядру нужно от хранилища. Вызывается только через resilience.Guard.
type Store interface {
	// --- участники ---

	// EnsureParticipant создаёт участника при первом обращении; created=true, если создан сейчас.
	EnsureParticipant(ctx context.Context, id int64, username string) (p *models.Participant, created bool, err error)
	GetParticipant(ctx context.Context, id int64) (*models.Participant, error)
	FindByUsername(ctx context.Context, username string) (*models.Participant, error)
	// ListEligibleParticipants — active и balance > 0, по возрастанию id.
	ListEligibleParticipants(ctx context.Context) ([]models.Participant, error)
	CountEligible(ctx context.Context) (int, error)
	SetStatus(ctx context.Context, id int64, status models.ParticipantStatus) error

	// Credit атомарно: читает баланс под блокировкой, считает дельту, пишет баланс,
	// запись леджера и производную позицию. Повторный reference -> ErrDuplicateReference.
	Credit(ctx context.Context, credit models.Credit) (*models.CreditResult, error)
	// Adjust — ручная корректировка, итоговый баланс не может уйти в минус.
	Adjust(ctx context.Context, adj models.Adjustment) (*models.CreditResult, error)

	// --- позиции ---

	CreatePosition(ctx context.Context, p *models.Position) error
	// CloseOldestOpen берёт самую старую открытую каноническую позицию по инструменту,
	// отдаёт её в closeFn и сохраняет результат. Нет открытых -> ErrNoOpenPosition.
	CloseOldestOpen(ctx context.Context, instrument string, closeFn func(p *models.Position) error) (*models.Position, error)
	GetPositionByEntryReference(ctx context.Context, reference string) (*models.Position, error)
	// GetPositionByExitReference ищет только среди канонических позиций.
	GetPositionByExitReference(ctx context.Context, reference string) (*models.Position, error)
	ListOpenPositions(ctx context.Context) ([]models.Position, error)

	// --- леджер ---

	// ListLedger — последние записи участника, новые первыми.
	ListLedger(ctx context.Context, participantID int64, limit int) ([]models.LedgerEntry, error)

	Ping(ctx context.Context) error
}
