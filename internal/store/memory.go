package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/betmesh/exchange-engine/internal/liquidity"
	"github.com/betmesh/exchange-engine/internal/model"
	"github.com/betmesh/exchange-engine/internal/position"
	"github.com/betmesh/exchange-engine/internal/queue"
)

// MemoryStore implements Store with in-memory maps. Accounts are stored in
// their JSON form so every read hands back an independent copy. Used for
// testing and development; not suitable for production (no persistence).
type MemoryStore struct {
	mu            sync.RWMutex
	markets       map[string][]byte
	orders        map[string][]byte
	orderMarkets  map[string]string // order id -> market id
	positions     map[string][]byte
	pools         map[string][]byte
	liquidities   map[string][]byte
	requestQueues map[string][]byte
	matchQueues   map[string][]byte
	trades        map[string][]model.Trade
	commissions   map[string][]model.CommissionPayment
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:       make(map[string][]byte),
		orders:        make(map[string][]byte),
		orderMarkets:  make(map[string]string),
		positions:     make(map[string][]byte),
		pools:         make(map[string][]byte),
		liquidities:   make(map[string][]byte),
		requestQueues: make(map[string][]byte),
		matchQueues:   make(map[string][]byte),
		trades:        make(map[string][]model.Trade),
		commissions:   make(map[string][]model.CommissionPayment),
	}
}

func put(m map[string][]byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m[key] = data
	return nil
}

func get(m map[string][]byte, key string, v any) error {
	data, ok := m[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return json.Unmarshal(data, v)
}

// --- Markets ---

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("market %s already exists", m.ID)
	}
	return put(s.markets, m.ID, m)
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var m model.Market
	if err := get(s.markets, id, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *MemoryStore) UpdateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; !ok {
		return fmt.Errorf("%w: market %s", ErrNotFound, m.ID)
	}
	return put(s.markets, m.ID, m)
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for id := range s.markets {
		var m model.Market
		if err := get(s.markets, id, &m); err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, nil
}

// --- Orders ---

func (s *MemoryStore) PutOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.orderMarkets[o.ID] = o.MarketID
	return put(s.orders, o.ID, o)
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var o model.Order
	if err := get(s.orders, id, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *MemoryStore) DeleteOrder(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[id]; !ok {
		return fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	delete(s.orders, id)
	delete(s.orderMarkets, id)
	return nil
}

func (s *MemoryStore) ListOrdersByMarket(_ context.Context, marketID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orders []model.Order
	for id, mkt := range s.orderMarkets {
		if mkt != marketID {
			continue
		}
		var o model.Order
		if err := get(s.orders, id, &o); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// --- Positions ---

func (s *MemoryStore) PutPosition(_ context.Context, p *position.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return put(s.positions, position.Key(p.MarketID, p.Purchaser), p)
}

func (s *MemoryStore) GetPosition(_ context.Context, marketID, purchaser string) (*position.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p position.Position
	if err := get(s.positions, position.Key(marketID, purchaser), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *MemoryStore) DeletePosition(_ context.Context, marketID, purchaser string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := position.Key(marketID, purchaser)
	if _, ok := s.positions[key]; !ok {
		return fmt.Errorf("%w: position %s", ErrNotFound, key)
	}
	delete(s.positions, key)
	return nil
}

func (s *MemoryStore) ListPositionsByMarket(_ context.Context, marketID string) ([]position.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []position.Position
	for key := range s.positions {
		var p position.Position
		if err := get(s.positions, key, &p); err != nil {
			return nil, err
		}
		if p.MarketID == marketID {
			positions = append(positions, p)
		}
	}
	return positions, nil
}

// --- Matching pools ---

func (s *MemoryStore) PutPool(_ context.Context, p *liquidity.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return put(s.pools, p.Key(), p)
}

func (s *MemoryStore) GetPool(_ context.Context, marketID string, outcome int, price decimal.Decimal, side model.Side) (*liquidity.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p liquidity.Pool
	if err := get(s.pools, liquidity.PoolKey(marketID, outcome, price, side), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *MemoryStore) DeletePool(_ context.Context, marketID string, outcome int, price decimal.Decimal, side model.Side) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := liquidity.PoolKey(marketID, outcome, price, side)
	if _, ok := s.pools[key]; !ok {
		return fmt.Errorf("%w: pool %s", ErrNotFound, key)
	}
	delete(s.pools, key)
	return nil
}

// --- Market liquidities ---

func (s *MemoryStore) PutLiquidities(_ context.Context, ml *liquidity.MarketLiquidities) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return put(s.liquidities, ml.MarketID, ml)
}

func (s *MemoryStore) GetLiquidities(_ context.Context, marketID string) (*liquidity.MarketLiquidities, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ml liquidity.MarketLiquidities
	if err := get(s.liquidities, marketID, &ml); err != nil {
		return nil, err
	}
	return &ml, nil
}

// --- Queues ---

func (s *MemoryStore) GetRequestQueue(_ context.Context, marketID string) (*queue.Fifo[model.OrderRequest], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := queue.NewFifo[model.OrderRequest](queue.RequestCapacity)
	if data, ok := s.requestQueues[marketID]; ok {
		if err := json.Unmarshal(data, q); err != nil {
			return nil, err
		}
	}
	return q, nil
}

func (s *MemoryStore) PutRequestQueue(_ context.Context, marketID string, q *queue.Fifo[model.OrderRequest]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return put(s.requestQueues, marketID, q)
}

func (s *MemoryStore) GetMatchQueue(_ context.Context, marketID string) (*queue.Fifo[queue.MatchTick], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := queue.NewFifo[queue.MatchTick](queue.MatchCapacity)
	if data, ok := s.matchQueues[marketID]; ok {
		if err := json.Unmarshal(data, q); err != nil {
			return nil, err
		}
	}
	return q, nil
}

func (s *MemoryStore) PutMatchQueue(_ context.Context, marketID string, q *queue.Fifo[queue.MatchTick]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return put(s.matchQueues, marketID, q)
}

// --- Trades ---

func (s *MemoryStore) PutTrade(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades[t.MarketID] = append(s.trades[t.MarketID], *t)
	return nil
}

func (s *MemoryStore) ListTradesByMarket(_ context.Context, marketID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Trade, len(s.trades[marketID]))
	copy(out, s.trades[marketID])
	return out, nil
}

// --- Commission payments ---

func (s *MemoryStore) AppendCommissionPayments(_ context.Context, marketID string, payments []model.CommissionPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commissions[marketID] = append(s.commissions[marketID], payments...)
	return nil
}

func (s *MemoryStore) ListCommissionPayments(_ context.Context, marketID string) ([]model.CommissionPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.CommissionPayment, len(s.commissions[marketID]))
	copy(out, s.commissions[marketID])
	return out, nil
}
