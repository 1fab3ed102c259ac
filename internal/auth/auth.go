// Package auth provides the capability checks the engine performs before any
// state mutation: is this caller allowed to crank a processing step, is this
// caller the order's purchaser, is this caller the market authority.
// Authorization failure is a terminal error for the call, never retryable.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNotCrankOperator is returned when the caller may not invoke
	// processing steps.
	ErrNotCrankOperator = errors.New("auth: caller is not an authorized crank operator")

	// ErrNotPurchaser is returned when the caller does not own the order.
	ErrNotPurchaser = errors.New("auth: caller is not the order purchaser")

	// ErrNotMarketAuthority is returned when the caller may not administer
	// the market.
	ErrNotMarketAuthority = errors.New("auth: caller is not the market authority")
)

// Authorizer is the capability check injected into every engine operation.
type Authorizer interface {
	// Crank authorizes invoking a bounded processing step.
	Crank(ctx context.Context, caller string) error

	// Purchaser authorizes acting on an order owned by purchaser.
	Purchaser(ctx context.Context, caller, purchaser string) error

	// MarketAuthority authorizes administering marketID.
	MarketAuthority(ctx context.Context, caller, marketID string) error
}

// Registry is an allowlist-backed Authorizer. Cranking is permissionless by
// default: any caller may drive processing steps unless an explicit operator
// set is configured.
type Registry struct {
	mu          sync.RWMutex
	operators   map[string]bool // empty = permissionless cranking
	authorities map[string]string
}

// NewRegistry creates a registry with permissionless cranking.
func NewRegistry() *Registry {
	return &Registry{
		operators:   make(map[string]bool),
		authorities: make(map[string]string),
	}
}

// AllowOperator restricts cranking to registered operators.
func (r *Registry) AllowOperator(caller string) {
	r.mu.Lock()
	r.operators[caller] = true
	r.mu.Unlock()
}

// SetMarketAuthority names the caller allowed to administer a market.
func (r *Registry) SetMarketAuthority(marketID, caller string) {
	r.mu.Lock()
	r.authorities[marketID] = caller
	r.mu.Unlock()
}

func (r *Registry) Crank(_ context.Context, caller string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.operators) == 0 || r.operators[caller] {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotCrankOperator, caller)
}

func (r *Registry) Purchaser(_ context.Context, caller, purchaser string) error {
	if caller != purchaser {
		return fmt.Errorf("%w: %s", ErrNotPurchaser, caller)
	}
	return nil
}

func (r *Registry) MarketAuthority(_ context.Context, caller, marketID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	authority, ok := r.authorities[marketID]
	if !ok || authority == caller {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotMarketAuthority, caller)
}
