// Package escrow is the collateral custody collaborator: it holds a fungible
// unit on behalf of a market and releases it back to purchasers as exposure
// unwinds.
//
// Invariant: a market's escrow balance always equals the sum of all
// outstanding market-position collateral for that market.
//
// All monetary values use shopspring/decimal — never float64 for money.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds is returned when a purchaser cannot cover a deposit.
	ErrInsufficientFunds = errors.New("escrow: insufficient purchaser funds")

	// ErrInsufficientEscrow is returned when a release exceeds the market's
	// escrow balance. This signals an accounting bug, not a user error.
	ErrInsufficientEscrow = errors.New("escrow: release exceeds escrow balance")

	// ErrInvalidAmount is returned for negative transfer amounts.
	ErrInvalidAmount = errors.New("escrow: amount must not be negative")
)

// Escrow moves collateral between purchaser wallets and market escrow
// accounts. Implementations must be safe for concurrent use.
type Escrow interface {
	// Deposit moves amount from the purchaser's wallet into the market escrow.
	Deposit(ctx context.Context, marketID, purchaser string, amount decimal.Decimal) error

	// Release moves amount from the market escrow back to the purchaser.
	Release(ctx context.Context, marketID, purchaser string, amount decimal.Decimal) error

	// Balance returns the market's current escrow balance.
	Balance(ctx context.Context, marketID string) (decimal.Decimal, error)
}

// Memory is an in-memory double-entry Escrow, used for testing and
// single-node deployments. Wallets must be funded before depositing.
type Memory struct {
	mu      sync.Mutex
	wallets map[string]decimal.Decimal
	markets map[string]decimal.Decimal
}

// NewMemory creates an empty in-memory escrow.
func NewMemory() *Memory {
	return &Memory{
		wallets: make(map[string]decimal.Decimal),
		markets: make(map[string]decimal.Decimal),
	}
}

// Fund credits a purchaser's wallet.
func (m *Memory) Fund(purchaser string, amount decimal.Decimal) {
	m.mu.Lock()
	m.wallets[purchaser] = m.wallets[purchaser].Add(amount)
	m.mu.Unlock()
}

// WalletBalance returns a purchaser's wallet balance.
func (m *Memory) WalletBalance(purchaser string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wallets[purchaser]
}

func (m *Memory) Deposit(_ context.Context, marketID, purchaser string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.wallets[purchaser].LessThan(amount) {
		return fmt.Errorf("%w: purchaser %s needs %s", ErrInsufficientFunds, purchaser, amount)
	}
	m.wallets[purchaser] = m.wallets[purchaser].Sub(amount)
	m.markets[marketID] = m.markets[marketID].Add(amount)
	return nil
}

func (m *Memory) Release(_ context.Context, marketID, purchaser string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.markets[marketID].LessThan(amount) {
		return fmt.Errorf("%w: market %s holds %s, release %s",
			ErrInsufficientEscrow, marketID, m.markets[marketID], amount)
	}
	m.markets[marketID] = m.markets[marketID].Sub(amount)
	m.wallets[purchaser] = m.wallets[purchaser].Add(amount)
	return nil
}

func (m *Memory) Balance(_ context.Context, marketID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markets[marketID], nil
}
