package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/betmesh/exchange-engine/internal/liquidity"
	"github.com/betmesh/exchange-engine/internal/model"
	"github.com/betmesh/exchange-engine/internal/position"
	"github.com/betmesh/exchange-engine/internal/queue"
	"github.com/betmesh/exchange-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedMarket(t *testing.T, s *store.MemoryStore, id string) *model.Market {
	t.Helper()
	m := &model.Market{
		ID:             id,
		Title:          "test",
		OutcomeCount:   3,
		Prices:         []decimal.Decimal{d(2.0), d(3.0)},
		Status:         model.MarketOpen,
		WinningOutcome: -1,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, s.CreateMarket(context.Background(), m))
	return m
}

func TestMarketRoundTrip(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	seedMarket(t, s, "m1")

	got, err := s.GetMarket(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, "m1", got.ID)
	require.Equal(t, model.MarketOpen, got.Status)

	// Reads hand back independent copies.
	got.Status = model.MarketVoided
	again, err := s.GetMarket(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, model.MarketOpen, again.Status)

	_, err = s.GetMarket(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.Error(t, s.CreateMarket(ctx, &model.Market{ID: "m1"}), "duplicate id must be rejected")
}

func TestOrdersListedByMarket(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	seedMarket(t, s, "m1")
	seedMarket(t, s, "m2")

	for i, marketID := range []string{"m1", "m1", "m2"} {
		require.NoError(t, s.PutOrder(ctx, &model.Order{
			ID:       string(rune('a' + i)),
			MarketID: marketID,
			Side:     model.SideFor,
			Status:   model.OrderOpen,
			Stake:    d(10),
		}))
	}

	orders, err := s.ListOrdersByMarket(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, orders, 2)

	require.NoError(t, s.DeleteOrder(ctx, "a"))
	orders, err = s.ListOrdersByMarket(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, orders, 1)

	_, err = s.GetOrder(ctx, "a")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPositionKeyedByMarketAndPurchaser(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	pos := position.New("m1", "alice", 3)
	require.NoError(t, s.PutPosition(ctx, pos))

	got, err := s.GetPosition(ctx, "m1", "alice")
	require.NoError(t, err)
	require.Equal(t, "alice", got.Purchaser)
	require.Len(t, got.Matched, 3)

	_, err = s.GetPosition(ctx, "m1", "bob")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.DeletePosition(ctx, "m1", "alice"))
	_, err = s.GetPosition(ctx, "m1", "alice")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPoolKeyIncludesSide(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	forPool := liquidity.NewPool("m1", 0, d(2.0), model.SideFor)
	forPool.Enqueue("o1", d(10))
	require.NoError(t, s.PutPool(ctx, forPool))

	// Same coordinates on the opposite side are a distinct pool.
	_, err := s.GetPool(ctx, "m1", 0, d(2.0), model.SideAgainst)
	require.ErrorIs(t, err, store.ErrNotFound)

	got, err := s.GetPool(ctx, "m1", 0, d(2.0), model.SideFor)
	require.NoError(t, err)
	require.True(t, got.LiquidityAmount.Equal(d(10)))
}

func TestQueueGettersBootstrapFreshQueues(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	rq, err := s.GetRequestQueue(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, 0, rq.Len())
	require.Equal(t, queue.RequestCapacity, rq.Cap())

	mq, err := s.GetMatchQueue(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, queue.MatchCapacity, mq.Cap())

	// Stored queue state survives the JSON round trip.
	require.NoError(t, rq.Enqueue(model.OrderRequest{ID: "r1", MarketID: "m1"}))
	require.NoError(t, s.PutRequestQueue(ctx, "m1", rq))

	reloaded, err := s.GetRequestQueue(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, 1, reloaded.Len())
	head, err := reloaded.Peek()
	require.NoError(t, err)
	require.Equal(t, "r1", head.ID)
}

func TestTradesAndCommissionsAccumulate(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.PutTrade(ctx, &model.Trade{ID: "t1", MarketID: "m1", Stake: d(5)}))
	require.NoError(t, s.PutTrade(ctx, &model.Trade{ID: "t2", MarketID: "m1", Stake: d(7)}))

	trades, err := s.ListTradesByMarket(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, trades, 2)

	require.NoError(t, s.AppendCommissionPayments(ctx, "m1", []model.CommissionPayment{
		{MarketID: "m1", From: "alice", To: "book", Amount: d(1.1)},
	}))
	payments, err := s.ListCommissionPayments(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, payments, 1)
	require.True(t, payments[0].Amount.Equal(d(1.1)))
}
