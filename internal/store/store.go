// Package store defines durable, keyed storage for the engine's account
// types: markets, orders, market positions, matching pools, market
// liquidities, trades, commission payments, and the two bounded queues.
// Every account is independently addressable by a deterministic key derived
// from stable identifying fields.
//
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/betmesh/exchange-engine/internal/liquidity"
	"github.com/betmesh/exchange-engine/internal/model"
	"github.com/betmesh/exchange-engine/internal/position"
	"github.com/betmesh/exchange-engine/internal/queue"
)

// ErrNotFound is returned when a keyed account does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface for all engine accounts.
//
// Queue getters return a fresh empty queue at the standard capacity when
// none has been stored yet, so markets need no explicit queue bootstrap.
type Store interface {
	// --- Markets ---

	CreateMarket(ctx context.Context, m *model.Market) error
	GetMarket(ctx context.Context, id string) (*model.Market, error)
	UpdateMarket(ctx context.Context, m *model.Market) error
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// --- Orders ---

	PutOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	DeleteOrder(ctx context.Context, id string) error
	ListOrdersByMarket(ctx context.Context, marketID string) ([]model.Order, error)

	// --- Market positions ---

	PutPosition(ctx context.Context, p *position.Position) error
	GetPosition(ctx context.Context, marketID, purchaser string) (*position.Position, error)
	DeletePosition(ctx context.Context, marketID, purchaser string) error
	ListPositionsByMarket(ctx context.Context, marketID string) ([]position.Position, error)

	// --- Matching pools ---

	PutPool(ctx context.Context, p *liquidity.Pool) error
	GetPool(ctx context.Context, marketID string, outcome int, price decimal.Decimal, side model.Side) (*liquidity.Pool, error)
	DeletePool(ctx context.Context, marketID string, outcome int, price decimal.Decimal, side model.Side) error

	// --- Market liquidities ---

	PutLiquidities(ctx context.Context, ml *liquidity.MarketLiquidities) error
	GetLiquidities(ctx context.Context, marketID string) (*liquidity.MarketLiquidities, error)

	// --- Queues ---

	GetRequestQueue(ctx context.Context, marketID string) (*queue.Fifo[model.OrderRequest], error)
	PutRequestQueue(ctx context.Context, marketID string, q *queue.Fifo[model.OrderRequest]) error
	GetMatchQueue(ctx context.Context, marketID string) (*queue.Fifo[queue.MatchTick], error)
	PutMatchQueue(ctx context.Context, marketID string, q *queue.Fifo[queue.MatchTick]) error

	// --- Trades (immutable) ---

	PutTrade(ctx context.Context, t *model.Trade) error
	ListTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error)

	// --- Commission payments ---

	AppendCommissionPayments(ctx context.Context, marketID string, payments []model.CommissionPayment) error
	ListCommissionPayments(ctx context.Context, marketID string) ([]model.CommissionPayment, error)
}
