package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/betmesh/exchange-engine/internal/liquidity"
	"github.com/betmesh/exchange-engine/internal/model"
	"github.com/betmesh/exchange-engine/internal/position"
	"github.com/betmesh/exchange-engine/internal/queue"
)

// CachedStore wraps a Store with a Redis read-through cache for the hot
// read paths: markets, orders, and market liquidities. Writes go to the
// underlying store first and invalidate the cache on success. Cache
// failures are logged and degrade to the underlying store, never surfaced.
type CachedStore struct {
	inner  Store
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedStore wraps inner with a Redis cache using the given TTL.
func NewCachedStore(inner Store, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedStore {
	return &CachedStore{inner: inner, client: client, ttl: ttl, logger: logger}
}

func marketCacheKey(id string) string      { return "engine:market:" + id }
func orderCacheKey(id string) string       { return "engine:order:" + id }
func liquiditiesCacheKey(id string) string { return "engine:liquidities:" + id }

func (s *CachedStore) cacheGet(ctx context.Context, key string, v any) bool {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("cache get failed", "key", key, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Warn("cache entry corrupt", "key", key, "error", err)
		return false
	}
	return true
}

func (s *CachedStore) cacheSet(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		s.logger.Warn("cache set failed", "key", key, "error", err)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		s.logger.Warn("cache invalidate failed", "keys", keys, "error", err)
	}
}

// --- Markets ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	return s.inner.CreateMarket(ctx, m)
}

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m model.Market
	if s.cacheGet(ctx, marketCacheKey(id), &m) {
		return &m, nil
	}
	got, err := s.inner.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, marketCacheKey(id), got)
	return got, nil
}

func (s *CachedStore) UpdateMarket(ctx context.Context, m *model.Market) error {
	if err := s.inner.UpdateMarket(ctx, m); err != nil {
		return err
	}
	s.invalidate(ctx, marketCacheKey(m.ID))
	return nil
}

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.inner.ListMarkets(ctx)
}

// --- Orders ---

func (s *CachedStore) PutOrder(ctx context.Context, o *model.Order) error {
	if err := s.inner.PutOrder(ctx, o); err != nil {
		return err
	}
	s.invalidate(ctx, orderCacheKey(o.ID))
	return nil
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	var o model.Order
	if s.cacheGet(ctx, orderCacheKey(id), &o) {
		return &o, nil
	}
	got, err := s.inner.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, orderCacheKey(id), got)
	return got, nil
}

func (s *CachedStore) DeleteOrder(ctx context.Context, id string) error {
	if err := s.inner.DeleteOrder(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, orderCacheKey(id))
	return nil
}

func (s *CachedStore) ListOrdersByMarket(ctx context.Context, marketID string) ([]model.Order, error) {
	return s.inner.ListOrdersByMarket(ctx, marketID)
}

// --- Market positions (uncached: mutated on nearly every operation) ---

func (s *CachedStore) PutPosition(ctx context.Context, p *position.Position) error {
	return s.inner.PutPosition(ctx, p)
}

func (s *CachedStore) GetPosition(ctx context.Context, marketID, purchaser string) (*position.Position, error) {
	return s.inner.GetPosition(ctx, marketID, purchaser)
}

func (s *CachedStore) DeletePosition(ctx context.Context, marketID, purchaser string) error {
	return s.inner.DeletePosition(ctx, marketID, purchaser)
}

func (s *CachedStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]position.Position, error) {
	return s.inner.ListPositionsByMarket(ctx, marketID)
}

// --- Matching pools (uncached) ---

func (s *CachedStore) PutPool(ctx context.Context, p *liquidity.Pool) error {
	return s.inner.PutPool(ctx, p)
}

func (s *CachedStore) GetPool(ctx context.Context, marketID string, outcome int, price decimal.Decimal, side model.Side) (*liquidity.Pool, error) {
	return s.inner.GetPool(ctx, marketID, outcome, price, side)
}

func (s *CachedStore) DeletePool(ctx context.Context, marketID string, outcome int, price decimal.Decimal, side model.Side) error {
	return s.inner.DeletePool(ctx, marketID, outcome, price, side)
}

// --- Market liquidities ---

func (s *CachedStore) PutLiquidities(ctx context.Context, ml *liquidity.MarketLiquidities) error {
	if err := s.inner.PutLiquidities(ctx, ml); err != nil {
		return err
	}
	s.invalidate(ctx, liquiditiesCacheKey(ml.MarketID))
	return nil
}

func (s *CachedStore) GetLiquidities(ctx context.Context, marketID string) (*liquidity.MarketLiquidities, error) {
	var ml liquidity.MarketLiquidities
	if s.cacheGet(ctx, liquiditiesCacheKey(marketID), &ml) {
		return &ml, nil
	}
	got, err := s.inner.GetLiquidities(ctx, marketID)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, liquiditiesCacheKey(marketID), got)
	return got, nil
}

// --- Queues (uncached: strict FIFO state must never be stale) ---

func (s *CachedStore) GetRequestQueue(ctx context.Context, marketID string) (*queue.Fifo[model.OrderRequest], error) {
	return s.inner.GetRequestQueue(ctx, marketID)
}

func (s *CachedStore) PutRequestQueue(ctx context.Context, marketID string, q *queue.Fifo[model.OrderRequest]) error {
	return s.inner.PutRequestQueue(ctx, marketID, q)
}

func (s *CachedStore) GetMatchQueue(ctx context.Context, marketID string) (*queue.Fifo[queue.MatchTick], error) {
	return s.inner.GetMatchQueue(ctx, marketID)
}

func (s *CachedStore) PutMatchQueue(ctx context.Context, marketID string, q *queue.Fifo[queue.MatchTick]) error {
	return s.inner.PutMatchQueue(ctx, marketID, q)
}

// --- Trades ---

func (s *CachedStore) PutTrade(ctx context.Context, t *model.Trade) error {
	return s.inner.PutTrade(ctx, t)
}

func (s *CachedStore) ListTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	return s.inner.ListTradesByMarket(ctx, marketID)
}

// --- Commission payments ---

func (s *CachedStore) AppendCommissionPayments(ctx context.Context, marketID string, payments []model.CommissionPayment) error {
	return s.inner.AppendCommissionPayments(ctx, marketID, payments)
}

func (s *CachedStore) ListCommissionPayments(ctx context.Context, marketID string) ([]model.CommissionPayment, error) {
	return s.inner.ListCommissionPayments(ctx, marketID)
}
