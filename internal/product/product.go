// Package product handles product (betting operator) identifier validation
// and commission-rate configuration. Products front the exchange and earn a
// commission on the profit of bets matched through them; the rate in force
// at order creation is snapshotted onto the order.
package product

import (
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/shopspring/decimal"
)

// idRegex matches a product identifier: lowercase slug, 3 to 32 chars.
// Example: sharp-odds, bookie-a.
var idRegex = regexp.MustCompile(`^[a-z][a-z0-9-]{2,31}$`)

var (
	ErrInvalidProductID = errors.New("product: invalid product identifier")
	ErrInvalidRate      = errors.New("product: commission rate must be in [0, 1)")
	ErrUnknownProduct   = errors.New("product: unknown product")
)

var one = decimal.NewFromInt(1)

// Product is one registered betting operator.
type Product struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	CommissionRate decimal.Decimal `json:"commission_rate"`
}

// ValidateID checks a product identifier's format.
func ValidateID(id string) error {
	if !idRegex.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidProductID, id)
	}
	return nil
}

// Registry is the process-wide product configuration, injected into order
// creation as a capability object rather than read as a singleton.
type Registry struct {
	mu       sync.RWMutex
	products map[string]Product
}

// NewRegistry creates an empty product registry.
func NewRegistry() *Registry {
	return &Registry{products: make(map[string]Product)}
}

// Register adds or updates a product. Existing orders keep the rate they
// snapshotted at creation.
func (r *Registry) Register(id, title string, rate decimal.Decimal) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(one) {
		return fmt.Errorf("%w: %s", ErrInvalidRate, rate)
	}

	r.mu.Lock()
	r.products[id] = Product{ID: id, Title: title, CommissionRate: rate}
	r.mu.Unlock()
	return nil
}

// Rate returns the current commission rate for a product. The empty product
// id is the direct channel: zero commission, always valid.
func (r *Registry) Rate(id string) (decimal.Decimal, error) {
	if id == "" {
		return decimal.Zero, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.products[id]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownProduct, id)
	}
	return p.CommissionRate, nil
}

// Get returns a registered product.
func (r *Registry) Get(id string) (Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.products[id]
	if !ok {
		return Product{}, fmt.Errorf("%w: %q", ErrUnknownProduct, id)
	}
	return p, nil
}
