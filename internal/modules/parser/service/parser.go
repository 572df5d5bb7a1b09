package service

import (
	"copytrade_bot/internal/models"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Формат отчёта: <ACTION> <$INSTRUMENT> <PRICE> <REFERENCE>
// ACTION: entry|exit, без учёта регистра; buy|sell — старые синонимы.
var actions = map[string]models.Action{
	"entry": models.ActionEntry,
	"buy":   models.ActionEntry,
	"exit":  models.ActionExit,
	"sell":  models.ActionExit,
}

var instrumentRe = regexp.MustCompile(`^\$([A-Za-z0-9_]+)$`)

// ParseError — текст похож на отчёт, но разобрать его нельзя. Error() можно отдавать оператору как есть.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "❗️ " + e.Reason }

func (e *ParseError) Unwrap() error { return models.ErrParse }

func parseErr(format string, args ...any) error {
	return &ParseError{Reason: fmt.Sprintf(format, args...)}
}

const usage = "format: <entry|exit> $SYMBOL <price> <tx link>"

// Parse разбирает отчёт оператора. Без побочных эффектов.
// Если первое слово не глагол действия — models.ErrNotTradeReport (это не ошибка, просто не наш текст).
func Parse(text string) (models.TradeEvent, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil, models.ErrNotTradeReport
	}
	action, ok := actions[strings.ToLower(fields[0])]
	if !ok {
		return nil, models.ErrNotTradeReport
	}
	if len(fields) != 4 {
		return nil, parseErr("expected 4 fields, got %d; %s", len(fields), usage)
	}

	m := instrumentRe.FindStringSubmatch(fields[1])
	if m == nil {
		return nil, parseErr("instrument %q must look like $SYMBOL; %s", fields[1], usage)
	}

	price, err := decimal.NewFromString(fields[2])
	if err != nil {
		return nil, parseErr("price %q is not a number", fields[2])
	}
	if price.IsNegative() {
		return nil, parseErr("price %s must not be negative", price)
	}

	ref := ReferenceOf(fields[3])
	if ref == "" {
		return nil, parseErr("reference %q has no transaction id", fields[3])
	}

	leg := models.Leg{
		Instrument: strings.ToUpper(m[1]),
		Price:      price,
		Reference:  ref,
		Link:       fields[3],
	}
	if action == models.ActionEntry {
		return models.EntryEvent{Leg: leg}, nil
	}
	return models.ExitEvent{Leg: leg}, nil
}

// ReferenceOf — ключ идемпотентности: последний сегмент пути ссылки
// (https://solscan.io/tx/abc123 и tx/abc123 дают abc123).
func ReferenceOf(link string) string {
	if i := strings.IndexAny(link, "?#"); i >= 0 {
		link = link[:i]
	}
	link = strings.TrimRight(link, "/")
	if i := strings.LastIndex(link, "/"); i >= 0 {
		link = link[i+1:]
	}
	// от схемы без пути ("https:") ничего не остаётся
	if strings.HasSuffix(link, ":") {
		return ""
	}
	return link
}
