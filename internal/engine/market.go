package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betmesh/exchange-engine/internal/ladder"
	"github.com/betmesh/exchange-engine/internal/liquidity"
	"github.com/betmesh/exchange-engine/internal/metrics"
	"github.com/betmesh/exchange-engine/internal/model"
	"github.com/betmesh/exchange-engine/internal/store"
)

// CreateMarketParams describes a new market.
type CreateMarketParams struct {
	ID            string
	Title         string
	OutcomeCount  int
	Prices        []decimal.Decimal
	DecimalLimit  int32
	InPlayEnabled bool
	InPlayDelay   time.Duration
	EventStart    time.Time
}

// CreateMarket creates a market in INITIALIZING status together with its
// empty liquidity aggregate, and records the caller as market authority.
func (e *Engine) CreateMarket(ctx context.Context, caller string, p CreateMarketParams) (Touched, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p.OutcomeCount < 2 {
		return nil, fmt.Errorf("%w: %d", ErrOutcomeIndex, p.OutcomeCount)
	}
	lad, err := ladder.New(p.Prices)
	if err != nil {
		return nil, err
	}
	p.Prices = lad.Prices()
	if p.DecimalLimit < 0 {
		p.DecimalLimit = 0
	}

	m := &model.Market{
		ID:             p.ID,
		Title:          p.Title,
		OutcomeCount:   p.OutcomeCount,
		Prices:         p.Prices,
		Status:         model.MarketInitializing,
		WinningOutcome: -1,
		DecimalLimit:   p.DecimalLimit,
		InPlayEnabled:  p.InPlayEnabled,
		InPlayDelay:    p.InPlayDelay,
		EventStart:     p.EventStart,
		CreatedAt:      e.clock.Now(),
	}
	if err := e.store.CreateMarket(ctx, m); err != nil {
		return nil, err
	}
	if err := e.store.PutLiquidities(ctx, liquidity.NewMarketLiquidities(m.ID)); err != nil {
		return nil, err
	}
	if r, ok := e.auth.(interface{ SetMarketAuthority(marketID, caller string) }); ok {
		r.SetMarketAuthority(m.ID, caller)
	}

	e.logger.Info("market created", "market_id", m.ID, "outcomes", m.OutcomeCount)
	return Touched{marketKey(m.ID), liquiditiesKey(m.ID)}, nil
}

// OpenMarket transitions a market from INITIALIZING to OPEN, admitting
// order requests.
func (e *Engine) OpenMarket(ctx context.Context, caller, marketID string) (Touched, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	touched, err := e.transition(ctx, caller, marketID, model.MarketInitializing, model.MarketOpen, nil)
	if err == nil {
		metrics.ActiveMarkets.Inc()
	}
	return touched, err
}

// LockMarket transitions a market from OPEN to LOCKED, stopping order intake
// unless the market is in play.
func (e *Engine) LockMarket(ctx context.Context, caller, marketID string) (Touched, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.transition(ctx, caller, marketID, model.MarketOpen, model.MarketLocked,
		func(m *model.Market) { m.LockedAt = e.clock.Now() })
}

// MoveMarketToInplay flips the in-play flag once the event has started.
// Order requests on an in-play market activate only after the market's
// in-play delay has elapsed since submission.
func (e *Engine) MoveMarketToInplay(ctx context.Context, caller, marketID string) (Touched, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.auth.MarketAuthority(ctx, caller, marketID); err != nil {
		return nil, err
	}
	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if !m.InPlayEnabled {
		return nil, fmt.Errorf("%w: market %s does not allow in-play", ErrMarketStatus, marketID)
	}
	if m.Status != model.MarketOpen && m.Status != model.MarketLocked {
		return nil, fmt.Errorf("%w: %s is %s", ErrMarketStatus, marketID, m.Status)
	}
	if e.clock.Now().Before(m.EventStart) {
		return nil, fmt.Errorf("%w: market %s starts %s", ErrEventNotStarted, marketID, m.EventStart)
	}
	if m.InPlay {
		return Touched{marketKey(marketID)}, nil // idempotent
	}

	m.InPlay = true
	if err := e.store.UpdateMarket(ctx, m); err != nil {
		return nil, err
	}
	e.logger.Info("market in play", "market_id", marketID)
	return Touched{marketKey(marketID)}, nil
}

// SettleMarket declares the winning outcome and moves the market to
// READY_FOR_SETTLEMENT. Permitted only from OPEN or LOCKED, only once, and
// only after the matching queue has fully drained.
func (e *Engine) SettleMarket(ctx context.Context, caller, marketID string, winningOutcome int) (Touched, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.auth.MarketAuthority(ctx, caller, marketID); err != nil {
		return nil, err
	}
	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.Status != model.MarketOpen && m.Status != model.MarketLocked {
		return nil, fmt.Errorf("%w: %s is %s", ErrMarketStatus, marketID, m.Status)
	}
	if m.WinningOutcome >= 0 {
		return nil, fmt.Errorf("%w: market %s winner %d", ErrOutcomeDeclared, marketID, m.WinningOutcome)
	}
	if winningOutcome < 0 || winningOutcome >= m.OutcomeCount {
		return nil, fmt.Errorf("%w: %d", ErrOutcomeIndex, winningOutcome)
	}
	mq, err := e.store.GetMatchQueue(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if mq.Len() > 0 {
		return nil, fmt.Errorf("%w: %d ticks pending", ErrMatchQueueNotEmpty, mq.Len())
	}

	m.WinningOutcome = winningOutcome
	m.Status = model.MarketReadyForSettlement
	m.SettledAt = e.clock.Now()
	// A market with no live accounts finalizes immediately.
	if err := e.maybeFinalize(ctx, m); err != nil {
		return nil, err
	}
	if err := e.store.UpdateMarket(ctx, m); err != nil {
		return nil, err
	}
	metrics.ActiveMarkets.Dec()
	e.logger.Info("market ready for settlement",
		"market_id", marketID, "winning_outcome", winningOutcome)
	return Touched{marketKey(marketID)}, nil
}

// VoidMarket moves a market to READY_TO_VOID from any pre-settlement status.
// Void and settlement are mutually exclusive terminal paths.
func (e *Engine) VoidMarket(ctx context.Context, caller, marketID string) (Touched, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.auth.MarketAuthority(ctx, caller, marketID); err != nil {
		return nil, err
	}
	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	switch m.Status {
	case model.MarketInitializing, model.MarketOpen, model.MarketLocked:
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrMarketStatus, marketID, m.Status)
	}
	wasTrading := m.Status != model.MarketInitializing

	m.Status = model.MarketReadyToVoid
	if err := e.maybeFinalize(ctx, m); err != nil {
		return nil, err
	}
	if err := e.store.UpdateMarket(ctx, m); err != nil {
		return nil, err
	}
	if wasTrading {
		metrics.ActiveMarkets.Dec()
	}
	e.logger.Info("market voided", "market_id", marketID)
	return Touched{marketKey(marketID)}, nil
}

// UpdateMarketLiquidities synthesizes (or refreshes) a cross liquidity point
// for targetOutcome from the current resting liquidity of one source pool per
// other outcome. Source points must exist as direct liquidity on the given
// side.
func (e *Engine) UpdateMarketLiquidities(ctx context.Context, caller, marketID string, side model.Side, targetOutcome int, sources []liquidity.Source) (Touched, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.auth.Crank(ctx, caller); err != nil {
		return nil, err
	}
	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if targetOutcome < 0 || targetOutcome >= m.OutcomeCount {
		return nil, fmt.Errorf("%w: %d", ErrOutcomeIndex, targetOutcome)
	}
	ml, err := e.store.GetLiquidities(ctx, marketID)
	if err != nil {
		return nil, err
	}

	srcLiq := make([]liquidity.SourceLiquidity, len(sources))
	for i, s := range sources {
		point, ok := ml.Direct(side, s.Outcome, s.Price)
		if !ok {
			return nil, fmt.Errorf("%w: source %d@%s", liquidity.ErrPointNotFound, s.Outcome, s.Price)
		}
		srcLiq[i] = liquidity.SourceLiquidity{
			Outcome:   s.Outcome,
			Price:     s.Price,
			Liquidity: point.Liquidity,
		}
	}
	point, err := ml.SynthesizeCross(side, targetOutcome, m.OutcomeCount, srcLiq)
	if err != nil {
		return nil, err
	}
	if err := e.store.PutLiquidities(ctx, ml); err != nil {
		return nil, err
	}
	e.logger.Debug("cross liquidity synthesized",
		"market_id", marketID, "outcome", targetOutcome,
		"price", point.Price, "liquidity", point.Liquidity)
	return Touched{liquiditiesKey(marketID)}, nil
}

// transition applies an authority-gated single-step status change.
func (e *Engine) transition(ctx context.Context, caller, marketID string, from, to model.MarketStatus, mutate func(*model.Market)) (Touched, error) {
	if err := e.auth.MarketAuthority(ctx, caller, marketID); err != nil {
		return nil, err
	}
	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.Status != from {
		return nil, fmt.Errorf("%w: %s is %s, need %s", ErrMarketStatus, marketID, m.Status, from)
	}
	m.Status = to
	if mutate != nil {
		mutate(m)
	}
	if err := e.store.UpdateMarket(ctx, m); err != nil {
		return nil, err
	}
	e.logger.Info("market status", "market_id", marketID, "status", to)
	return Touched{marketKey(marketID)}, nil
}

// maybeFinalize transitions a fully-settled or fully-voided market to its
// terminal status once all orders and positions are settled.
func (e *Engine) maybeFinalize(ctx context.Context, m *model.Market) error {
	if m.UnsettledOrders > 0 || m.UnsettledPositions > 0 {
		return nil
	}
	switch m.Status {
	case model.MarketReadyForSettlement:
		m.Status = model.MarketSettled
	case model.MarketReadyToVoid:
		m.Status = model.MarketVoided
	default:
		return nil
	}
	e.logger.Info("market finalized", "market_id", m.ID, "status", m.Status)
	return nil
}

// loadOrCreatePosition fetches the purchaser's position, creating an empty
// one (and bumping the market's unsettled-position counter) on first touch.
func (e *Engine) loadOrCreatePosition(ctx context.Context, m *model.Market, purchaser string) (*positionRecord, error) {
	p, err := e.store.GetPosition(ctx, m.ID, purchaser)
	if err == nil {
		return &positionRecord{pos: p}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return &positionRecord{pos: newPosition(m, purchaser), created: true}, nil
}
