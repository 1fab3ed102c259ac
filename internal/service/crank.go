package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/betmesh/exchange-engine/internal/engine"
	"github.com/betmesh/exchange-engine/internal/metrics"
	"github.com/betmesh/exchange-engine/internal/model"
	"github.com/betmesh/exchange-engine/internal/queue"
	"github.com/betmesh/exchange-engine/internal/store"
)

// Crank drives the engine's step-bounded operations in the background:
// it sweeps every market on an interval, activating queued order
// requests, processing match ticks, and walking settlement/void markets
// to completion. Each step is independently safe to repeat, so the
// crank holds no state between sweeps and competing crank instances do
// not conflict.
type Crank struct {
	engine   *engine.Engine
	store    store.Store
	caller   string
	interval time.Duration
	logger   *slog.Logger
}

// NewCrank creates a crank driver that invokes engine steps as caller.
func NewCrank(eng *engine.Engine, st store.Store, caller string, interval time.Duration, logger *slog.Logger) *Crank {
	if logger == nil {
		logger = slog.Default()
	}
	return &Crank{engine: eng, store: st, caller: caller, interval: interval, logger: logger}
}

// Run sweeps until ctx is cancelled. Must be called in a goroutine.
func (c *Crank) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Sweep performs one pass over all markets. Exported so tests and
// single-shot tools can drive the queues without the ticker loop.
func (c *Crank) Sweep(ctx context.Context) {
	markets, err := c.store.ListMarkets(ctx)
	if err != nil {
		c.logger.Error("crank: list markets failed", "err", err)
		return
	}

	for i := range markets {
		m := &markets[i]
		switch m.Status {
		case model.MarketOpen, model.MarketLocked:
			c.drainRequests(ctx, m.ID)
			c.drainMatches(ctx, m.ID)
		case model.MarketReadyForSettlement:
			c.settleAccounts(ctx, m)
		case model.MarketReadyToVoid:
			c.voidAccounts(ctx, m)
		}
	}
}

// drainRequests activates queued order requests until the queue is empty
// or reports a retryable condition. Rejected requests are consumed by
// the engine, so the loop continues past them.
func (c *Crank) drainRequests(ctx context.Context, marketID string) {
	for {
		_, err := c.engine.ProcessNextOrderRequest(ctx, c.caller, marketID)
		switch {
		case errors.Is(err, queue.ErrQueueEmpty):
			metrics.CrankSteps.WithLabelValues("request", "empty").Inc()
			return
		case errors.Is(err, engine.ErrInPlayDelay), errors.Is(err, queue.ErrQueueFull):
			// Head not consumed; retry on the next sweep.
			metrics.CrankSteps.WithLabelValues("request", "deferred").Inc()
			return
		case err != nil:
			metrics.CrankSteps.WithLabelValues("request", "rejected").Inc()
			c.logger.Info("crank: order request rejected", "market", marketID, "err", err)
		default:
			metrics.CrankSteps.WithLabelValues("request", "ok").Inc()
		}
	}
}

func (c *Crank) drainMatches(ctx context.Context, marketID string) {
	for {
		_, err := c.engine.ProcessNextMatchTick(ctx, c.caller, marketID)
		switch {
		case errors.Is(err, queue.ErrQueueEmpty):
			metrics.CrankSteps.WithLabelValues("match", "empty").Inc()
			return
		case err != nil:
			metrics.CrankSteps.WithLabelValues("match", "error").Inc()
			c.logger.Error("crank: match tick failed", "market", marketID, "err", err)
			return
		default:
			metrics.CrankSteps.WithLabelValues("match", "ok").Inc()
		}
	}
}

// settleAccounts walks a market awaiting settlement: every order is
// settled first, then every position. Both steps are idempotent, so a
// partially-settled market from a prior sweep resumes cleanly.
func (c *Crank) settleAccounts(ctx context.Context, m *model.Market) {
	orders, err := c.store.ListOrdersByMarket(ctx, m.ID)
	if err != nil {
		c.logger.Error("crank: list orders failed", "market", m.ID, "err", err)
		return
	}
	for i := range orders {
		if orders[i].Terminal() {
			continue
		}
		if _, err := c.engine.SettleOrder(ctx, c.caller, orders[i].ID); err != nil {
			metrics.CrankSteps.WithLabelValues("settle_order", "error").Inc()
			c.logger.Error("crank: settle order failed", "order", orders[i].ID, "err", err)
			return
		}
		metrics.CrankSteps.WithLabelValues("settle_order", "ok").Inc()
	}

	positions, err := c.store.ListPositionsByMarket(ctx, m.ID)
	if err != nil {
		c.logger.Error("crank: list positions failed", "market", m.ID, "err", err)
		return
	}
	for i := range positions {
		if positions[i].Settled {
			continue
		}
		if _, err := c.engine.SettleMarketPosition(ctx, c.caller, m.ID, positions[i].Purchaser); err != nil {
			metrics.CrankSteps.WithLabelValues("settle_position", "error").Inc()
			c.logger.Error("crank: settle position failed", "market", m.ID, "purchaser", positions[i].Purchaser, "err", err)
			return
		}
		metrics.CrankSteps.WithLabelValues("settle_position", "ok").Inc()
	}
}

func (c *Crank) voidAccounts(ctx context.Context, m *model.Market) {
	orders, err := c.store.ListOrdersByMarket(ctx, m.ID)
	if err != nil {
		c.logger.Error("crank: list orders failed", "market", m.ID, "err", err)
		return
	}
	for i := range orders {
		if orders[i].Terminal() {
			continue
		}
		if _, err := c.engine.VoidOrder(ctx, c.caller, orders[i].ID); err != nil {
			metrics.CrankSteps.WithLabelValues("void_order", "error").Inc()
			c.logger.Error("crank: void order failed", "order", orders[i].ID, "err", err)
			return
		}
		metrics.CrankSteps.WithLabelValues("void_order", "ok").Inc()
	}

	positions, err := c.store.ListPositionsByMarket(ctx, m.ID)
	if err != nil {
		c.logger.Error("crank: list positions failed", "market", m.ID, "err", err)
		return
	}
	for i := range positions {
		if positions[i].Settled {
			continue
		}
		if _, err := c.engine.VoidMarketPosition(ctx, c.caller, m.ID, positions[i].Purchaser); err != nil {
			metrics.CrankSteps.WithLabelValues("void_position", "error").Inc()
			c.logger.Error("crank: void position failed", "market", m.ID, "purchaser", positions[i].Purchaser, "err", err)
			return
		}
		metrics.CrankSteps.WithLabelValues("void_position", "ok").Inc()
	}
}
