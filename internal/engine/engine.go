// Package engine implements the order matching and settlement engine: it
// consumes the order request queue and the matching queue, mutates matching
// pools, market positions, and market liquidities, and on settlement walks
// orders and positions to compute payouts and commission.
//
// Every exported operation is one bounded processing step. Long-running work
// (sweeping many resting orders, settling a whole market) is never performed
// as one unit — callers loop "process next" until a queue reports empty.
//
// All monetary values use shopspring/decimal — never float64 for money.
package engine

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/betmesh/exchange-engine/internal/auth"
	"github.com/betmesh/exchange-engine/internal/clock"
	"github.com/betmesh/exchange-engine/internal/escrow"
	"github.com/betmesh/exchange-engine/internal/product"
	"github.com/betmesh/exchange-engine/internal/risk"
	"github.com/betmesh/exchange-engine/internal/store"
)

// Validation errors: deterministic, non-retryable without changing the
// request, state left unchanged.
var (
	ErrMarketStatus     = errors.New("engine: market in wrong status for this action")
	ErrOutcomeIndex     = errors.New("engine: outcome index out of range")
	ErrSynthesizedPrice = errors.New("engine: price carries only synthesized liquidity")
	ErrOrderNotOpen     = errors.New("engine: order has no cancellable unmatched stake")
)

// Timing errors: retryable later without modification.
var (
	ErrInPlayDelay     = errors.New("engine: in-play delay not yet elapsed")
	ErrEventNotStarted = errors.New("engine: event has not started")
	ErrEventStarted    = errors.New("engine: event already started")
)

// Consistency errors: caller sequencing mistakes, non-retryable until the
// precondition is independently satisfied.
var (
	ErrMatchQueueNotEmpty = errors.New("engine: matching queue not drained")
	ErrOutcomeDeclared    = errors.New("engine: winning outcome already declared")
	ErrOrdersUnsettled    = errors.New("engine: purchaser orders not yet settled")
	ErrNotClosable        = errors.New("engine: account not in a closable state")
)

// Touched lists the storage keys an operation mutated, sufficient for a
// caller to re-fetch affected state.
type Touched []string

func (t *Touched) add(keys ...string) {
	*t = append(*t, keys...)
}

// Key prefixes for touched-account reporting.
func marketKey(id string) string       { return "market/" + id }
func orderKey(id string) string        { return "order/" + id }
func positionKey(key string) string    { return "position/" + key }
func poolKey(key string) string        { return "pool/" + key }
func liquiditiesKey(id string) string  { return "liquidities/" + id }
func requestQueueKey(id string) string { return "request-queue/" + id }
func matchQueueKey(id string) string   { return "match-queue/" + id }
func tradeKey(key string) string       { return "trade/" + key }

// Config wires the engine's external collaborators.
type Config struct {
	Store    store.Store
	Escrow   escrow.Escrow
	Auth     auth.Authorizer
	Clock    clock.Clock
	Risk     *risk.Checker
	Products *product.Registry
	Logger   *slog.Logger
}

// Engine orchestrates all account mutations. Uses a mutex for serialized
// step execution (single-instance). For horizontal scaling, replace with
// distributed locking or database-level optimistic concurrency.
type Engine struct {
	mu       sync.Mutex
	store    store.Store
	escrow   escrow.Escrow
	auth     auth.Authorizer
	clock    clock.Clock
	risk     *risk.Checker
	products *product.Registry
	logger   *slog.Logger
}

// New creates an engine from its collaborators.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rk := cfg.Risk
	if rk == nil {
		rk = risk.NewChecker(decimal.Zero, decimal.Zero)
	}
	pr := cfg.Products
	if pr == nil {
		pr = product.NewRegistry()
	}
	ck := cfg.Clock
	if ck == nil {
		ck = clock.System{}
	}
	return &Engine{
		store:    cfg.Store,
		escrow:   cfg.Escrow,
		auth:     cfg.Auth,
		clock:    ck,
		risk:     rk,
		products: pr,
		logger:   logger,
	}
}
