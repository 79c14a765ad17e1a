package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/mbd888/lockdrop/internal/circuitbreaker"
	"github.com/mbd888/lockdrop/internal/lockdrop"
)

// ErrUnavailable is returned while the backend's circuit is open.
var ErrUnavailable = errors.New("settlement: backend unavailable")

// Guarded puts a circuit breaker in front of a settlement backend so an
// unreachable node fails lock and release calls fast. Caller mistakes
// (errors matching lockdrop.ErrInsufficientValue) never trip it.
type Guarded struct {
	next    lockdrop.Settlement
	breaker *circuitbreaker.Breaker
}

// NewGuarded wraps next with breaker.
func NewGuarded(next lockdrop.Settlement, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Guarded {
	if logger != nil {
		breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
			logger.Warn("settlement circuit changed", "op", key, "from", from.String(), "to", to.String())
		})
	}
	return &Guarded{next: next, breaker: breaker}
}

func infraFailure(err error) bool {
	return !errors.Is(err, lockdrop.ErrInsufficientValue) &&
		!errors.Is(err, context.Canceled)
}

// Collect delegates to the wrapped backend.
func (g *Guarded) Collect(ctx context.Context, from common.Address, amount *uint256.Int, ref string) (string, error) {
	var out string
	err := g.breaker.Do("collect", infraFailure, func() error {
		var err error
		out, err = g.next.Collect(ctx, from, amount, ref)
		return err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return "", fmt.Errorf("%w: collect", ErrUnavailable)
	}
	return out, err
}

// Payout delegates to the wrapped backend.
func (g *Guarded) Payout(ctx context.Context, to common.Address, amount *uint256.Int) (string, error) {
	var out string
	err := g.breaker.Do("payout", infraFailure, func() error {
		var err error
		out, err = g.next.Payout(ctx, to, amount)
		return err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return "", fmt.Errorf("%w: payout", ErrUnavailable)
	}
	return out, err
}

// SeedReferences forwards to the wrapped backend when it tracks references.
func (g *Guarded) SeedReferences(refs []string) {
	if s, ok := g.next.(lockdrop.ReferenceSeeder); ok {
		s.SeedReferences(refs)
	}
}

// State reports the circuit state for op ("collect" or "payout").
func (g *Guarded) State(op string) circuitbreaker.State {
	return g.breaker.State(op)
}

var (
	_ lockdrop.Settlement      = (*Guarded)(nil)
	_ lockdrop.ReferenceSeeder = (*Guarded)(nil)
)
