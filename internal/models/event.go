package models

import "github.com/shopspring/decimal"

type Action string

const (
	ActionEntry Action = "entry"
	ActionExit  Action = "exit"
)

// TradeEvent — результат разбора отчёта оператора: либо EntryEvent, либо ExitEvent.
type TradeEvent interface {
	Action() Action
	Details() Leg
}

// Leg — общие поля обеих ног.
type Leg struct {
	Instrument string          // без "$", в верхнем регистре
	Price      decimal.Decimal // >= 0
	Reference  string          // ключ идемпотентности (последний сегмент ссылки)
	Link       string          // исходный токен как прислал оператор
}

type EntryEvent struct{ Leg }

func (EntryEvent) Action() Action { return ActionEntry }
func (e EntryEvent) Details() Leg { return e.Leg }

type ExitEvent struct{ Leg }

func (ExitEvent) Action() Action { return ActionExit }
func (e ExitEvent) Details() Leg { return e.Leg }
