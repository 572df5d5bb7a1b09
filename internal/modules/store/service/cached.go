package service

import (
	"context"
	"copytrade_bot/internal/models"
	"copytrade_bot/pkg/logger"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// CachedStore — read-through кэш в Redis над основным Store.
// Пишем всегда в primary, читаем сначала из Redis. Всё, что участвует в раздаче
// (список eligible, блокировки), идёт мимо кэша.
//
// Ключи кэша участника содержат его поколение (gen:participant:<id>). Каждая запись
// в primary увеличивает поколение, поэтому чтение, начатое до записи, кладёт
// старое значение под ключ, который уже никто не читает.
type CachedStore struct {
	Store // primary, для не кэшируемых методов

	rdb redis.Cmdable
	ttl time.Duration
}

func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- запись: primary, затем новое поколение ---

func (s *CachedStore) EnsureParticipant(ctx context.Context, id int64, username string) (*models.Participant, bool, error) {
	p, created, err := s.Store.EnsureParticipant(ctx, id, username)
	if err != nil {
		return nil, false, err
	}
	s.bump(ctx, id)
	return p, created, nil
}

func (s *CachedStore) SetStatus(ctx context.Context, id int64, status models.ParticipantStatus) error {
	if err := s.Store.SetStatus(ctx, id, status); err != nil {
		return err
	}
	s.bump(ctx, id)
	return nil
}

func (s *CachedStore) Credit(ctx context.Context, c models.Credit) (*models.CreditResult, error) {
	res, err := s.Store.Credit(ctx, c)
	if err != nil {
		return nil, err
	}
	s.bump(ctx, c.ParticipantID)
	return res, nil
}

func (s *CachedStore) Adjust(ctx context.Context, a models.Adjustment) (*models.CreditResult, error) {
	res, err := s.Store.Adjust(ctx, a)
	if err != nil {
		return nil, err
	}
	s.bump(ctx, a.ParticipantID)
	return res, nil
}

// --- read-through ---

func (s *CachedStore) GetParticipant(ctx context.Context, id int64) (*models.Participant, error) {
	gen, ok := s.generation(ctx, id)
	if !ok {
		return s.Store.GetParticipant(ctx, id)
	}
	key := participantKey(id, gen)

	var p models.Participant
	if s.get(ctx, key, &p) {
		return &p, nil
	}
	out, err := s.Store.GetParticipant(ctx, id)
	if err != nil {
		return nil, err
	}
	s.put(ctx, key, out)
	return out, nil
}

// ListLedger кэширует ровно запрошенный limit: срез под меньший limit не отдаётся за полный.
func (s *CachedStore) ListLedger(ctx context.Context, participantID int64, limit int) ([]models.LedgerEntry, error) {
	if limit < 0 {
		limit = 0
	}
	gen, ok := s.generation(ctx, participantID)
	if !ok {
		return s.Store.ListLedger(ctx, participantID, limit)
	}
	key := ledgerKey(participantID, gen, limit)

	var entries []models.LedgerEntry
	if s.get(ctx, key, &entries) {
		return entries, nil
	}
	entries, err := s.Store.ListLedger(ctx, participantID, limit)
	if err != nil {
		return nil, err
	}
	s.put(ctx, key, entries)
	return entries, nil
}

func (s *CachedStore) Ping(ctx context.Context) error {
	if err := s.Store.Ping(ctx); err != nil {
		return err
	}
	// Redis без кэша не делает хранилище недоступным
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping failed: %v", err)
	}
	return nil
}

// --- helpers ---

// generation — текущее поколение участника; ok=false, если Redis не ответил (тогда кэш не трогаем).
func (s *CachedStore) generation(ctx context.Context, id int64) (int64, bool) {
	gen, err := s.rdb.Get(ctx, generationKey(id)).Int64()
	switch {
	case err == nil:
		return gen, true
	case errors.Is(err, redis.Nil):
		return 0, true
	default:
		logger.Warn("redis get %s: %v", generationKey(id), err)
		return 0, false
	}
}

func (s *CachedStore) bump(ctx context.Context, id int64) {
	if err := s.rdb.Incr(ctx, generationKey(id)).Err(); err != nil {
		// старое значение проживёт не дольше ttl
		logger.Warn("redis incr %s: %v", generationKey(id), err)
	}
}

func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return sonic.Unmarshal(data, dst) == nil
}

func (s *CachedStore) put(ctx context.Context, key string, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
		logger.Warn("redis set %s: %v", key, err)
	}
}

func generationKey(id int64) string { return fmt.Sprintf("gen:participant:%d", id) }

func participantKey(id, gen int64) string { return fmt.Sprintf("participant:%d:g%d", id, gen) }

func ledgerKey(id, gen int64, limit int) string {
	return fmt.Sprintf("ledger:%d:g%d:n%d", id, gen, limit)
}
