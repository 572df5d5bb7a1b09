package service

import (
	"copytrade_bot/internal/models"
	distribution "copytrade_bot/internal/modules/distribution/service"
	resilience "copytrade_bot/internal/modules/resilience/service"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	replyUnauthorized     = "⛔️ Not authorized"
	replyStoreUnavailable = "⏳ Processing, try again shortly"
	replyAdjustAck        = "Balance adjustment is being processed in the background."

	helpText = "Commands:\n" +
		"/start — register\n" +
		"/balance — balance and recent history\n" +
		"/help — this message"

	adminHelpText = "\n\nOperator:\n" +
		"entry $SYM <price> <tx link> — open position\n" +
		"exit $SYM <price> <tx link> — close oldest position and distribute\n" +
		"/positions — open positions\n" +
		"/redistribute <exit ref> — retry distribution for a closed position\n" +
		"/adjust <id|@username> <amount> [reason] — adjust balance\n" +
		"/activate <id>, /deactivate <id>\n" +
		"/health — store health"
)

func formatEntry(p *models.Position) string {
	return fmt.Sprintf("✅ Entry recorded: %s @ %s\nref: %s", p.Instrument, p.EntryPrice, p.EntryReference)
}

func formatExit(p *models.Position, ret decimal.Decimal) string {
	return fmt.Sprintf("✅ %s closed: %s → %s (%s%%)\nref: %s",
		p.Instrument, p.EntryPrice, p.ExitPrice, signedPct(ret), *p.ExitReference)
}

func formatDistribution(res distribution.Result, err error, exitRef string) string {
	switch {
	case err == nil && res.Attempted == 0:
		return "No eligible participants."
	case err == nil:
		return fmt.Sprintf("Applied to %d/%d participants.", res.Applied(), res.Attempted)
	case errors.Is(err, models.ErrPartialDistribution):
		return fmt.Sprintf("⚠️ Applied to %d/%d participants. Retry the rest with /redistribute %s",
			res.Applied(), res.Attempted, exitRef)
	case errors.Is(err, models.ErrDistributionInFlight):
		return "ℹ️ Distribution is already running."
	case errors.Is(err, models.ErrStoreUnavailable):
		return fmt.Sprintf("%s. Distribution pending: /redistribute %s", replyStoreUnavailable, exitRef)
	default:
		return fmt.Sprintf("❗️ Distribution failed: %v. Retry with /redistribute %s", err, exitRef)
	}
}

func formatBalance(p *models.Participant, entries []models.LedgerEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "💰 Balance: %s\n", p.Balance.StringFixed(6))
	if p.BaselineContribution.IsPositive() {
		pnl := p.Balance.Sub(p.BaselineContribution)
		pct := pnl.Div(p.BaselineContribution).Mul(decimal.NewFromInt(100))
		fmt.Fprintf(&b, "P/L: %s (%s%%)\n", signed(pnl.StringFixed(6), pnl), signedPct(pct))
	}
	if p.Status != models.ParticipantActive {
		fmt.Fprintf(&b, "Status: %s\n", p.Status)
	}
	if len(entries) == 0 {
		return b.String()
	}
	b.WriteString("\nRecent:\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%s %s %s %s\n",
			e.CreatedAt.UTC().Format("01-02 15:04"), e.Category,
			signed(e.Amount.StringFixed(6), e.Amount), e.Note)
	}
	return b.String()
}

func formatPositions(list []models.Position) string {
	if len(list) == 0 {
		return "📭 No open positions"
	}
	var b strings.Builder
	b.WriteString("📊 Open positions:\n")
	for _, p := range list {
		fmt.Fprintf(&b, "- %s @ %s since %s (ref %s)\n",
			p.Instrument, p.EntryPrice, p.EntryAt.UTC().Format(time.DateTime), p.EntryReference)
	}
	return b.String()
}

func formatHealth(s resilience.State) string {
	status := "🟢 healthy"
	if !s.Healthy {
		status = "🔴 unhealthy"
	}
	checked := "never"
	if !s.LastCheck.IsZero() {
		checked = s.LastCheck.UTC().Format(time.DateTime)
	}
	out := fmt.Sprintf("Store: %s\nFailures: %d/%d\nLast check: %s", status, s.Failures, s.Threshold, checked)
	if s.LastError != "" {
		out += "\nLast error: " + s.LastError
	}
	return out
}

func signedPct(d decimal.Decimal) string {
	return signed(d.StringFixed(2), d)
}

func signed(s string, d decimal.Decimal) string {
	if d.IsNegative() {
		return s
	}
	return "+" + s
}
