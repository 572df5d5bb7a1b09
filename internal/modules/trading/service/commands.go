package service

import (
	"context"
	"copytrade_bot/internal/models"
	executor "copytrade_bot/internal/modules/executor/service"
	"copytrade_bot/internal/notify"
	"copytrade_bot/pkg/logger"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const balanceHistory = 5

func (s *Service) handleCommand(ctx context.Context, msg Message, text string) string {
	fields := strings.Fields(text)
	// /cmd@botname -> cmd
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	args := fields[1:]

	switch cmd {
	case "start":
		return s.handleStart(ctx, msg)
	case "balance":
		return s.handleBalance(ctx, msg.SenderID)
	case "help":
		if s.auth.IsAuthorized(msg.SenderID) {
			return helpText + adminHelpText
		}
		return helpText
	}

	if !s.auth.IsAuthorized(msg.SenderID) {
		return replyUnauthorized
	}

	switch cmd {
	case "positions":
		return s.handlePositions(ctx)
	case "health":
		return formatHealth(s.health.Snapshot())
	case "redistribute":
		return s.handleRedistribute(ctx, msg, args)
	case "adjust":
		return s.handleAdjust(msg, args)
	case "activate":
		return s.handleSetStatus(ctx, args, models.ParticipantActive)
	case "deactivate":
		return s.handleSetStatus(ctx, args, models.ParticipantInactive)
	default:
		return "Unknown command. /help"
	}
}

func (s *Service) handleStart(ctx context.Context, msg Message) string {
	p, created, err := s.store.EnsureParticipant(ctx, msg.SenderID, msg.Username)
	if err != nil {
		logger.Error("handleStart %d: %v", msg.SenderID, err)
		return replyStoreUnavailable
	}
	if created {
		logger.Info("new participant %d @%s", p.ID, p.Username)
		return "👋 Welcome! You are registered.\nYour balance: " + p.Balance.StringFixed(6) + "\n\n" + helpText
	}
	return "👋 Welcome back!\nYour balance: " + p.Balance.StringFixed(6)
}

func (s *Service) handleBalance(ctx context.Context, id int64) string {
	p, err := s.store.GetParticipant(ctx, id)
	if errors.Is(err, models.ErrParticipantNotFound) {
		return "You are not registered yet, send /start"
	}
	if err != nil {
		return replyStoreUnavailable
	}
	entries, err := s.store.ListLedger(ctx, id, balanceHistory)
	if err != nil {
		logger.Warn("ledger history %d: %v", id, err)
	}
	return formatBalance(p, entries)
}

func (s *Service) handlePositions(ctx context.Context) string {
	list, err := s.ledger.OpenPositions(ctx)
	if err != nil {
		return replyStoreUnavailable
	}
	return formatPositions(list)
}

func (s *Service) handleRedistribute(ctx context.Context, msg Message, args []string) string {
	if len(args) != 1 {
		return "Usage: /redistribute <exit ref>"
	}
	p, err := s.ledger.ClosedByExitReference(ctx, args[0])
	switch {
	case errors.Is(err, models.ErrPositionNotFound):
		return fmt.Sprintf("❗️ No closed position with exit ref %s", args[0])
	case err != nil:
		return replyStoreUnavailable
	}
	return s.submitDistribution(msg.ChatID, p, 0)
}

func (s *Service) handleSetStatus(ctx context.Context, args []string, status models.ParticipantStatus) string {
	if len(args) != 1 {
		return fmt.Sprintf("Usage: /%s <participant id|@username>", verbFor(status))
	}
	id, err := s.resolveParticipant(ctx, args[0])
	if err != nil {
		return replyForLookup(err, args[0])
	}
	if err = s.store.SetStatus(ctx, id, status); err != nil {
		return replyForLookup(err, args[0])
	}
	return fmt.Sprintf("✅ Participant %d is now %s", id, status)
}

// handleAdjust — ручная корректировка всегда через фон: запрос отвечает сразу,
// итог приходит отдельным сообщением.
func (s *Service) handleAdjust(msg Message, args []string) string {
	if len(args) < 2 {
		return "Usage: /adjust <participant id|@username> <amount> [reason]"
	}
	target := args[0]
	amount, err := decimal.NewFromString(args[1])
	if err != nil || amount.IsZero() {
		return fmt.Sprintf("❗️ Invalid amount %q", args[1])
	}
	reason := strings.Join(args[2:], " ")
	if reason == "" {
		reason = "manual adjustment"
	}
	reference := "adj_" + uuid.NewString()

	ack, err := s.pool.Submit(executor.Task{
		Key:     "participant:" + strings.ToLower(strings.TrimPrefix(target, "@")),
		Kind:    "adjustment",
		ReplyTo: msg.ChatID,
		AckText: replyAdjustAck,
		Run: func(ctx context.Context) (string, error) {
			id, err := s.resolveParticipant(ctx, target)
			if err != nil {
				return replyForLookup(err, target), nil
			}
			res, err := s.store.Adjust(ctx, models.Adjustment{
				ParticipantID: id,
				Amount:        amount,
				Reference:     reference,
				Note:          reason,
			})
			switch {
			case errors.Is(err, models.ErrInsufficientBalance):
				return fmt.Sprintf("❗️ Adjustment %s for %d rejected: balance would go negative", amount, id), nil
			case err != nil:
				return "", err
			}
			notify.Notifyf(ctx, s.notifier, id, "💼 Balance adjusted by %s (%s)\nBalance: %s",
				signed(amount.StringFixed(6), amount), reason, res.Balance.StringFixed(6))
			return fmt.Sprintf("✅ Participant %d adjusted by %s, balance %s",
				id, signed(amount.StringFixed(6), amount), res.Balance.StringFixed(6)), nil
		},
	})
	if err != nil {
		logger.Error("submit adjustment for %s: %v", target, err)
		return "⏳ Background queue is busy, try again shortly"
	}
	return ack.Message
}

func (s *Service) resolveParticipant(ctx context.Context, target string) (int64, error) {
	if id, err := strconv.ParseInt(target, 10, 64); err == nil {
		p, err := s.store.GetParticipant(ctx, id)
		if err != nil {
			return 0, err
		}
		return p.ID, nil
	}
	p, err := s.store.FindByUsername(ctx, target)
	if err != nil {
		return 0, err
	}
	return p.ID, nil
}

func replyForLookup(err error, target string) string {
	switch {
	case errors.Is(err, models.ErrParticipantNotFound):
		return fmt.Sprintf("❗️ Participant %s not found", target)
	case errors.Is(err, models.ErrStoreUnavailable):
		return replyStoreUnavailable
	default:
		logger.Error("participant %s: %v", target, err)
		return replyStoreUnavailable
	}
}

func verbFor(status models.ParticipantStatus) string {
	if status == models.ParticipantActive {
		return "activate"
	}
	return "deactivate"
}
