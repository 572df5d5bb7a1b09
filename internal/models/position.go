package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

var hundred = decimal.NewFromInt(100)

// Position — одна нога сделки. Каноническая позиция (ParticipantID == nil) — это сделка оператора,
// производная — её копия на конкретного участника (PairedPositionID указывает на каноническую).
type Position struct {
	ID         uuid.UUID      `json:"id"`
	Instrument string         `json:"instrument"`
	Status     PositionStatus `json:"status"`

	EntryPrice     decimal.Decimal `json:"entry_price"`
	EntryReference string          `json:"entry_reference"`
	EntryLink      string          `json:"entry_link,omitempty"`
	EntryAt        time.Time       `json:"entry_at"`

	ExitPrice     *decimal.Decimal `json:"exit_price,omitempty"`
	ExitReference *string          `json:"exit_reference,omitempty"`
	ExitLink      string           `json:"exit_link,omitempty"`
	ExitAt        *time.Time       `json:"exit_at,omitempty"`

	ReturnPct *decimal.Decimal `json:"return_pct,omitempty"`

	ParticipantID    *int64     `json:"participant_id,omitempty"`
	PairedPositionID *uuid.UUID `json:"paired_position_id,omitempty"`
}

func (p *Position) IsCanonical() bool { return p.ParticipantID == nil }

// Close проставляет выход и считает доходность. Переход open -> closed необратим.
func (p *Position) Close(exitPrice decimal.Decimal, reference, link string, at time.Time) (decimal.Decimal, error) {
	if p.Status != PositionOpen {
		return decimal.Zero, fmt.Errorf("position %s is %s", p.ID, p.Status)
	}
	ret, err := ReturnPct(p.EntryPrice, exitPrice)
	if err != nil {
		return decimal.Zero, err
	}
	ref := reference
	p.ExitPrice = &exitPrice
	p.ExitReference = &ref
	p.ExitLink = link
	p.ExitAt = &at
	p.ReturnPct = &ret
	p.Status = PositionClosed
	return ret, nil
}

// ReturnPct = (exit - entry) / entry * 100
func ReturnPct(entry, exit decimal.Decimal) (decimal.Decimal, error) {
	if !entry.IsPositive() {
		return decimal.Zero, fmt.Errorf("entry price %s: %w", entry, ErrInvalidPrice)
	}
	return exit.Sub(entry).Div(entry).Mul(hundred), nil
}

// Derive строит закрытую производную позицию участника под каноническую.
func (p *Position) Derive(participantID int64, reference string) *Position {
	pid := participantID
	paired := p.ID
	d := &Position{
		ID:               uuid.New(),
		Instrument:       p.Instrument,
		Status:           PositionClosed,
		EntryPrice:       p.EntryPrice,
		EntryReference:   reference,
		EntryLink:        p.EntryLink,
		EntryAt:          p.EntryAt,
		ExitPrice:        p.ExitPrice,
		ExitLink:         p.ExitLink,
		ExitAt:           p.ExitAt,
		ReturnPct:        p.ReturnPct,
		ParticipantID:    &pid,
		PairedPositionID: &paired,
	}
	return d
}

// ParticipantReference — ключ идемпотентности раздачи: "<exitRef>_u<participantID>".
func ParticipantReference(exitReference string, participantID int64) string {
	return fmt.Sprintf("%s_u%d", exitReference, participantID)
}
