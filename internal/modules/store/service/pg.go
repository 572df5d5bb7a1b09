package service

import (
	"context"
	"copytrade_bot/internal/models"
	"copytrade_bot/pkg/db"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schema string

// Schema — DDL, который Migrate применяет к базе.
func Schema() string { return schema }

const positionColumns = `id::TEXT, instrument, status,
	entry_price::TEXT, entry_reference, entry_link, entry_at,
	exit_price::TEXT, exit_reference, exit_link, exit_at,
	return_pct::TEXT, participant_id, paired_position_id::TEXT`

const participantColumns = `id, username, balance::TEXT, baseline_contribution::TEXT, status, created_at, updated_at`

// PgStore — Store поверх Postgres. Деньги хранятся в NUMERIC и ходят через TEXT,
// чтобы не терять точность на float.
type PgStore struct {
	db  db.TxManager
	now func() time.Time
}

func NewPgStore(tx db.TxManager) *PgStore {
	return &PgStore{db: tx, now: time.Now}
}

// Migrate применяет схему; идемпотентно.
func (s *PgStore) Migrate(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.Migrate: %w", err)
		}
	}()
	_, err = s.db.Conn().Exec(ctx, schema)
	return err
}

func (s *PgStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PgStore) EnsureParticipant(ctx context.Context, id int64, username string) (p *models.Participant, created bool, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.EnsureParticipant: %w", err)
		}
	}()

	err = s.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		now := s.now()
		tag, err := tx.Exec(ctxTx,
			`INSERT INTO participants (id, username, status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $4)
			 ON CONFLICT (id) DO NOTHING`,
			id, username, models.ParticipantActive, now)
		if err != nil {
			return err
		}
		created = tag.RowsAffected() == 1
		if !created && username != "" {
			if _, err = tx.Exec(ctxTx,
				`UPDATE participants SET username = $2, updated_at = $3 WHERE id = $1 AND username <> $2`,
				id, username, now); err != nil {
				return err
			}
		}
		p, err = scanParticipant(tx.QueryRow(ctxTx,
			`SELECT `+participantColumns+` FROM participants WHERE id = $1`, id))
		return err
	})
	return p, created, err
}

func (s *PgStore) GetParticipant(ctx context.Context, id int64) (p *models.Participant, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.GetParticipant: %w", err)
		}
	}()
	p, err = scanParticipant(s.db.Conn().QueryRow(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("participant %d: %w", id, models.ErrParticipantNotFound)
	}
	return p, err
}

func (s *PgStore) FindByUsername(ctx context.Context, username string) (p *models.Participant, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.FindByUsername: %w", err)
		}
	}()
	username = strings.TrimPrefix(username, "@")
	p, err = scanParticipant(s.db.Conn().QueryRow(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE lower(username) = lower($1) LIMIT 1`, username))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("participant @%s: %w", username, models.ErrParticipantNotFound)
	}
	return p, err
}

func (s *PgStore) ListEligibleParticipants(ctx context.Context) (out []models.Participant, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.ListEligibleParticipants: %w", err)
		}
	}()

	err = s.db.RunRepeatableRead(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctxTx,
			`SELECT `+participantColumns+` FROM participants
			 WHERE status = $1 AND balance > 0 ORDER BY id`, models.ParticipantActive)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			p, err := scanParticipant(rows)
			if err != nil {
				return err
			}
			out = append(out, *p)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PgStore) CountEligible(ctx context.Context) (n int, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.CountEligible: %w", err)
		}
	}()
	err = s.db.Conn().QueryRow(ctx,
		`SELECT count(*) FROM participants WHERE status = $1 AND balance > 0`,
		models.ParticipantActive).Scan(&n)
	return n, err
}

func (s *PgStore) SetStatus(ctx context.Context, id int64, status models.ParticipantStatus) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.SetStatus: %w", err)
		}
	}()
	tag, err := s.db.Conn().Exec(ctx,
		`UPDATE participants SET status = $2, updated_at = $3 WHERE id = $1`, id, status, s.now())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("participant %d: %w", id, models.ErrParticipantNotFound)
	}
	return nil
}

func (s *PgStore) Credit(ctx context.Context, c models.Credit) (res *models.CreditResult, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.Credit: %w", err)
		}
	}()

	err = s.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		p, err := lockParticipant(ctxTx, tx, c.ParticipantID)
		if err != nil {
			return err
		}
		if err = ensureFreshReference(ctxTx, tx, c.Reference); err != nil {
			return err
		}
		if c.RequireEligible && !p.Eligible() {
			return fmt.Errorf("participant %d: %w", p.ID, models.ErrParticipantIneligible)
		}

		delta := c.Delta(p.Balance)
		entry := models.LedgerEntry{
			ID:            uuid.New(),
			ParticipantID: p.ID,
			Amount:        delta,
			Category:      models.CategoryForDelta(delta),
			Reference:     c.Reference,
			Note:          c.Note,
			CreatedAt:     s.now(),
		}
		if c.Derivative != nil {
			if err = insertPosition(ctxTx, tx, c.Derivative); err != nil {
				return err
			}
			entry.PositionID = &c.Derivative.ID
		}
		balance := p.Balance.Add(delta)
		if err = writeEntry(ctxTx, tx, &entry, balance, p.BaselineContribution); err != nil {
			return err
		}
		res = &models.CreditResult{Entry: &entry, Balance: balance}
		return nil
	})
	return res, mapUnique(err)
}

func (s *PgStore) Adjust(ctx context.Context, a models.Adjustment) (res *models.CreditResult, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.Adjust: %w", err)
		}
	}()

	err = s.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		p, err := lockParticipant(ctxTx, tx, a.ParticipantID)
		if err != nil {
			return err
		}
		if err = ensureFreshReference(ctxTx, tx, a.Reference); err != nil {
			return err
		}
		balance := p.Balance.Add(a.Amount)
		if balance.IsNegative() {
			return fmt.Errorf("balance %s, amount %s: %w", p.Balance, a.Amount, models.ErrInsufficientBalance)
		}
		baseline := p.BaselineContribution
		if baseline.IsZero() && a.Amount.IsPositive() {
			baseline = a.Amount
		}

		entry := models.LedgerEntry{
			ID:            uuid.New(),
			ParticipantID: p.ID,
			Amount:        a.Amount,
			Category:      models.CategoryAdjustment,
			Reference:     a.Reference,
			Note:          a.Note,
			CreatedAt:     s.now(),
		}
		if err = writeEntry(ctxTx, tx, &entry, balance, baseline); err != nil {
			return err
		}
		res = &models.CreditResult{Entry: &entry, Balance: balance}
		return nil
	})
	return res, mapUnique(err)
}

func (s *PgStore) CreatePosition(ctx context.Context, p *models.Position) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.CreatePosition: %w", err)
		}
	}()
	err = s.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		return insertPosition(ctxTx, tx, p)
	})
	return mapUnique(err)
}

func (s *PgStore) CloseOldestOpen(ctx context.Context, instrument string, closeFn func(p *models.Position) error) (out *models.Position, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.CloseOldestOpen: %w", err)
		}
	}()

	err = s.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		// другой процесс с тем же инструментом ждёт здесь до конца транзакции
		if _, err := tx.Exec(ctxTx, `SELECT pg_advisory_xact_lock(hashtext($1))`, instrument); err != nil {
			return err
		}
		p, err := scanPosition(tx.QueryRow(ctxTx,
			`SELECT `+positionColumns+` FROM positions
			 WHERE instrument = $1 AND status = $2 AND participant_id IS NULL
			 ORDER BY entry_at, seq
			 LIMIT 1
			 FOR UPDATE`, instrument, models.PositionOpen))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("instrument %s: %w", instrument, models.ErrNoOpenPosition)
		}
		if err != nil {
			return err
		}
		if err = closeFn(p); err != nil {
			return err
		}
		_, err = tx.Exec(ctxTx,
			`UPDATE positions
			 SET status = $2, exit_price = $3::NUMERIC, exit_reference = $4, exit_link = $5,
			     exit_at = $6, return_pct = $7::NUMERIC
			 WHERE id = $1::UUID`,
			p.ID.String(), p.Status, decimalArg(p.ExitPrice), p.ExitReference, p.ExitLink,
			p.ExitAt, decimalArg(p.ReturnPct))
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, mapUnique(err)
}

func (s *PgStore) GetPositionByEntryReference(ctx context.Context, reference string) (p *models.Position, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.GetPositionByEntryReference: %w", err)
		}
	}()
	p, err = scanPosition(s.db.Conn().QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE entry_reference = $1`, reference))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("entry reference %s: %w", reference, models.ErrPositionNotFound)
	}
	return p, err
}

func (s *PgStore) GetPositionByExitReference(ctx context.Context, reference string) (p *models.Position, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.GetPositionByExitReference: %w", err)
		}
	}()
	p, err = scanPosition(s.db.Conn().QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE exit_reference = $1 AND participant_id IS NULL`, reference))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("exit reference %s: %w", reference, models.ErrPositionNotFound)
	}
	return p, err
}

func (s *PgStore) ListOpenPositions(ctx context.Context) (out []models.Position, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.ListOpenPositions: %w", err)
		}
	}()
	rows, err := s.db.Conn().Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE status = $1 AND participant_id IS NULL
		 ORDER BY entry_at, seq`, models.PositionOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PgStore) ListLedger(ctx context.Context, participantID int64, limit int) (out []models.LedgerEntry, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.ListLedger: %w", err)
		}
	}()
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Conn().Query(ctx,
		`SELECT id::TEXT, participant_id, amount::TEXT, category, reference, position_id::TEXT, note, created_at
		 FROM ledger_entries WHERE participant_id = $1
		 ORDER BY created_at DESC LIMIT $2`, participantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e          models.LedgerEntry
			id, amount string
			positionID *string
		)
		if err = rows.Scan(&id, &e.ParticipantID, &amount, &e.Category, &e.Reference, &positionID, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		e.Amount, _ = decimal.NewFromString(amount)
		if positionID != nil {
			pid, err := uuid.Parse(*positionID)
			if err != nil {
				return nil, err
			}
			e.PositionID = &pid
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- helpers ---

func lockParticipant(ctx context.Context, tx pgx.Tx, id int64) (*models.Participant, error) {
	p, err := scanParticipant(tx.QueryRow(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("participant %d: %w", id, models.ErrParticipantNotFound)
	}
	return p, err
}

// ensureFreshReference — проверка до вставки, чтобы не валить транзакцию на unique violation.
func ensureFreshReference(ctx context.Context, tx pgx.Tx, reference string) error {
	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE reference = $1)`, reference).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("ledger reference %s: %w", reference, models.ErrDuplicateReference)
	}
	return nil
}

func writeEntry(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry, balance, baseline decimal.Decimal) error {
	var positionID *string
	if e.PositionID != nil {
		s := e.PositionID.String()
		positionID = &s
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, participant_id, amount, category, reference, position_id, note, created_at)
		 VALUES ($1::UUID, $2, $3::NUMERIC, $4, $5, $6::UUID, $7, $8)`,
		e.ID.String(), e.ParticipantID, e.Amount.String(), e.Category, e.Reference, positionID, e.Note, e.CreatedAt,
	); err != nil {
		return err
	}
	_, err := tx.Exec(ctx,
		`UPDATE participants SET balance = $2::NUMERIC, baseline_contribution = $3::NUMERIC, updated_at = $4
		 WHERE id = $1`,
		e.ParticipantID, balance.String(), baseline.String(), e.CreatedAt)
	return err
}

func insertPosition(ctx context.Context, tx pgx.Tx, p *models.Position) error {
	var paired *string
	if p.PairedPositionID != nil {
		s := p.PairedPositionID.String()
		paired = &s
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO positions (id, instrument, status, entry_price, entry_reference, entry_link, entry_at,
		                        exit_price, exit_reference, exit_link, exit_at, return_pct,
		                        participant_id, paired_position_id)
		 VALUES ($1::UUID, $2, $3, $4::NUMERIC, $5, $6, $7, $8::NUMERIC, $9, $10, $11, $12::NUMERIC, $13, $14::UUID)`,
		p.ID.String(), p.Instrument, p.Status, p.EntryPrice.String(), p.EntryReference, p.EntryLink, p.EntryAt,
		decimalArg(p.ExitPrice), p.ExitReference, p.ExitLink, p.ExitAt, decimalArg(p.ReturnPct),
		p.ParticipantID, paired,
	)
	return err
}

func decimalArg(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func mapUnique(err error) error {
	if err != nil && db.IsUniqueViolation(err) && !errors.Is(err, models.ErrDuplicateReference) {
		return fmt.Errorf("%w: %v", models.ErrDuplicateReference, err)
	}
	return err
}

func scanParticipant(row pgx.Row) (*models.Participant, error) {
	var (
		p                 models.Participant
		balance, baseline string
	)
	if err := row.Scan(&p.ID, &p.Username, &balance, &baseline, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Balance, _ = decimal.NewFromString(balance)
	p.BaselineContribution, _ = decimal.NewFromString(baseline)
	return &p, nil
}

func scanPosition(row pgx.Row) (*models.Position, error) {
	var (
		p                   models.Position
		id, entry           string
		exit, ret, pairedID *string
	)
	err := row.Scan(&id, &p.Instrument, &p.Status,
		&entry, &p.EntryReference, &p.EntryLink, &p.EntryAt,
		&exit, &p.ExitReference, &p.ExitLink, &p.ExitAt,
		&ret, &p.ParticipantID, &pairedID)
	if err != nil {
		return nil, err
	}
	if p.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	p.EntryPrice, _ = decimal.NewFromString(entry)
	p.ExitPrice = parseDecimalPtr(exit)
	p.ReturnPct = parseDecimalPtr(ret)
	if pairedID != nil {
		paired, err := uuid.Parse(*pairedID)
		if err != nil {
			return nil, err
		}
		p.PairedPositionID = &paired
	}
	return &p, nil
}

func parseDecimalPtr(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}
