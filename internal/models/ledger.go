package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type LedgerCategory string

const (
	CategoryProfit     LedgerCategory = "profit"
	CategoryLoss       LedgerCategory = "loss"
	CategoryDeposit    LedgerCategory = "deposit"
	CategoryWithdrawal LedgerCategory = "withdrawal"
	CategoryAdjustment LedgerCategory = "adjustment"
)

// LedgerEntry — неизменяемая запись об изменении баланса. Reference уникален
// и служит доказательством того, что событие уже применено.
type LedgerEntry struct {
	ID            uuid.UUID       `json:"id"`
	ParticipantID int64           `json:"participant_id"`
	Amount        decimal.Decimal `json:"amount"` // со знаком
	Category      LedgerCategory  `json:"category"`
	Reference     string          `json:"reference"`
	PositionID    *uuid.UUID      `json:"position_id,omitempty"`
	Note          string          `json:"note"`
	CreatedAt     time.Time       `json:"created_at"`
}

// CategoryForDelta: ноль тоже profit, чтобы в истории была запись о каждой сделке.
func CategoryForDelta(delta decimal.Decimal) LedgerCategory {
	if delta.IsNegative() {
		return CategoryLoss
	}
	return CategoryProfit
}

// Credit — запрос на атомарное изменение баланса одного участника.
// Delta считается от баланса, прочитанного внутри той же транзакции.
type Credit struct {
	ParticipantID int64
	Reference     string
	Note          string
	Delta         func(balance decimal.Decimal) decimal.Decimal
	// Derivative, если задан, вставляется вместе с записью (только для раздачи по сделке).
	Derivative *Position
	// RequireEligible — участник должен быть active и с balance > 0 на момент записи.
	RequireEligible bool
}

// Adjustment — ручная корректировка баланса администратором.
type Adjustment struct {
	ParticipantID int64
	Amount        decimal.Decimal
	Reference     string
	Note          string
}

// CreditResult — что получилось после атомарной записи.
type CreditResult struct {
	Entry   *LedgerEntry
	Balance decimal.Decimal // баланс после изменения
}
