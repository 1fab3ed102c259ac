package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/betmesh/exchange-engine/internal/liquidity"
	"github.com/betmesh/exchange-engine/internal/model"
	"github.com/betmesh/exchange-engine/internal/position"
	"github.com/betmesh/exchange-engine/internal/queue"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Accounts are stored keyed-document style: deterministic key columns for
// addressing plus the full account as JSONB. Monetary values inside the
// documents are decimal strings, never floats.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) getDoc(ctx context.Context, query, key string, v any) error {
	var data []byte
	if err := s.pool.QueryRow(ctx, query, key).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return err
	}
	return json.Unmarshal(data, v)
}

// --- Markets ---

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO markets (id, data) VALUES ($1, $2::JSONB)`,
		m.ID, data)
	return err
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m model.Market
	if err := s.getDoc(ctx, `SELECT data FROM markets WHERE id = $1`, id, &m); err != nil {
		return nil, fmt.Errorf("get market: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) UpdateMarket(ctx context.Context, m *model.Market) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET data = $2::JSONB WHERE id = $1`,
		m.ID, data)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: market %s", ErrNotFound, m.ID)
	}
	return nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM markets ORDER BY data->>'created_at' DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var m model.Market
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

// --- Orders ---

func (s *PostgresStore) PutOrder(ctx context.Context, o *model.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO orders (id, market_id, data) VALUES ($1, $2, $3::JSONB)
		 ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`,
		o.ID, o.MarketID, data)
	return err
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	var o model.Order
	if err := s.getDoc(ctx, `SELECT data FROM orders WHERE id = $1`, id, &o); err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return &o, nil
}

func (s *PostgresStore) DeleteOrder(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) ListOrdersByMarket(ctx context.Context, marketID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM orders WHERE market_id = $1 ORDER BY data->>'created_at'`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var o model.Order
		if err := json.Unmarshal(data, &o); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// --- Positions ---

func (s *PostgresStore) PutPosition(ctx context.Context, p *position.Position) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO market_positions (key, market_id, data) VALUES ($1, $2, $3::JSONB)
		 ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data`,
		position.Key(p.MarketID, p.Purchaser), p.MarketID, data)
	return err
}

func (s *PostgresStore) GetPosition(ctx context.Context, marketID, purchaser string) (*position.Position, error) {
	var p position.Position
	err := s.getDoc(ctx, `SELECT data FROM market_positions WHERE key = $1`,
		position.Key(marketID, purchaser), &p)
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) DeletePosition(ctx context.Context, marketID, purchaser string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM market_positions WHERE key = $1`,
		position.Key(marketID, purchaser))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: position %s", ErrNotFound, position.Key(marketID, purchaser))
	}
	return nil
}

func (s *PostgresStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]position.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM market_positions WHERE market_id = $1`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []position.Position
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var p position.Position
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// --- Matching pools ---

func (s *PostgresStore) PutPool(ctx context.Context, p *liquidity.Pool) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO matching_pools (key, market_id, data) VALUES ($1, $2, $3::JSONB)
		 ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data`,
		p.Key(), p.MarketID, data)
	return err
}

func (s *PostgresStore) GetPool(ctx context.Context, marketID string, outcome int, price decimal.Decimal, side model.Side) (*liquidity.Pool, error) {
	var p liquidity.Pool
	err := s.getDoc(ctx, `SELECT data FROM matching_pools WHERE key = $1`,
		liquidity.PoolKey(marketID, outcome, price, side), &p)
	if err != nil {
		return nil, fmt.Errorf("get pool: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) DeletePool(ctx context.Context, marketID string, outcome int, price decimal.Decimal, side model.Side) error {
	key := liquidity.PoolKey(marketID, outcome, price, side)
	tag, err := s.pool.Exec(ctx, `DELETE FROM matching_pools WHERE key = $1`, key)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: pool %s", ErrNotFound, key)
	}
	return nil
}

// --- Market liquidities ---

func (s *PostgresStore) PutLiquidities(ctx context.Context, ml *liquidity.MarketLiquidities) error {
	data, err := json.Marshal(ml)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO market_liquidities (market_id, data) VALUES ($1, $2::JSONB)
		 ON CONFLICT (market_id) DO UPDATE SET data = EXCLUDED.data`,
		ml.MarketID, data)
	return err
}

func (s *PostgresStore) GetLiquidities(ctx context.Context, marketID string) (*liquidity.MarketLiquidities, error) {
	var ml liquidity.MarketLiquidities
	if err := s.getDoc(ctx, `SELECT data FROM market_liquidities WHERE market_id = $1`, marketID, &ml); err != nil {
		return nil, fmt.Errorf("get liquidities: %w", err)
	}
	return &ml, nil
}

// --- Queues ---

func (s *PostgresStore) GetRequestQueue(ctx context.Context, marketID string) (*queue.Fifo[model.OrderRequest], error) {
	q := queue.NewFifo[model.OrderRequest](queue.RequestCapacity)
	err := s.getDoc(ctx, `SELECT data FROM request_queues WHERE market_id = $1`, marketID, q)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get request queue: %w", err)
	}
	return q, nil
}

func (s *PostgresStore) PutRequestQueue(ctx context.Context, marketID string, q *queue.Fifo[model.OrderRequest]) error {
	data, err := json.Marshal(q)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO request_queues (market_id, data) VALUES ($1, $2::JSONB)
		 ON CONFLICT (market_id) DO UPDATE SET data = EXCLUDED.data`,
		marketID, data)
	return err
}

func (s *PostgresStore) GetMatchQueue(ctx context.Context, marketID string) (*queue.Fifo[queue.MatchTick], error) {
	q := queue.NewFifo[queue.MatchTick](queue.MatchCapacity)
	err := s.getDoc(ctx, `SELECT data FROM match_queues WHERE market_id = $1`, marketID, q)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get match queue: %w", err)
	}
	return q, nil
}

func (s *PostgresStore) PutMatchQueue(ctx context.Context, marketID string, q *queue.Fifo[queue.MatchTick]) error {
	data, err := json.Marshal(q)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO match_queues (market_id, data) VALUES ($1, $2::JSONB)
		 ON CONFLICT (market_id) DO UPDATE SET data = EXCLUDED.data`,
		marketID, data)
	return err
}

// --- Trades ---

func (s *PostgresStore) PutTrade(ctx context.Context, t *model.Trade) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO trades (key, market_id, data) VALUES ($1, $2, $3::JSONB)
		 ON CONFLICT (key) DO NOTHING`,
		model.TradeKey(t.AgainstOrderID, t.ForOrderID, t.TakerSide), t.MarketID, data)
	return err
}

func (s *PostgresStore) ListTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM trades WHERE market_id = $1 ORDER BY data->>'executed_at'`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var t model.Trade
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// --- Commission payments ---

func (s *PostgresStore) AppendCommissionPayments(ctx context.Context, marketID string, payments []model.CommissionPayment) error {
	for _, p := range payments {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO commission_payments (market_id, data) VALUES ($1, $2::JSONB)`,
			marketID, data); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) ListCommissionPayments(ctx context.Context, marketID string) ([]model.CommissionPayment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM commission_payments WHERE market_id = $1 ORDER BY id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []model.CommissionPayment
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var p model.CommissionPayment
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}
