package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ParticipantStatus string

const (
	ParticipantActive   ParticipantStatus = "active"
	ParticipantInactive ParticipantStatus = "inactive"
)

// Participant — аккаунт, на баланс которого раскатывается результат сделок.
// Создаётся при первом обращении, никогда не удаляется, только деактивируется.
type Participant struct {
	ID int64 `json:"id"` // Telegram user ID

	Username             string            `json:"username"`
	Balance              decimal.Decimal   `json:"balance"`
	BaselineContribution decimal.Decimal   `json:"baseline_contribution"`
	Status               ParticipantStatus `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Eligible — участвует ли в раздаче прямо сейчас.
func (p *Participant) Eligible() bool {
	return p != nil && p.Status == ParticipantActive && p.Balance.GreaterThan(decimal.Zero)
}

func NewParticipant(id int64, username string, now time.Time) *Participant {
	return &Participant{
		ID:        id,
		Username:  username,
		Balance:   decimal.Zero,
		Status:    ParticipantActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
