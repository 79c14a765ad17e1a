package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/mbd888/lockdrop/internal/circuitbreaker"
	"github.com/mbd888/lockdrop/internal/lockdrop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakySettlement struct {
	collectErr error
	payoutErr  error
	calls      int
	seeded     []string
}

func (f *flakySettlement) Collect(context.Context, common.Address, *uint256.Int, string) (string, error) {
	f.calls++
	return "c", f.collectErr
}

func (f *flakySettlement) Payout(context.Context, common.Address, *uint256.Int) (string, error) {
	f.calls++
	return "p", f.payoutErr
}

func (f *flakySettlement) SeedReferences(refs []string) { f.seeded = refs }

func TestGuarded_TripsOnInfraFailures(t *testing.T) {
	next := &flakySettlement{payoutErr: errors.New("rpc timeout")}
	g := NewGuarded(next, circuitbreaker.New(2, time.Hour), nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := g.Payout(ctx, alice, uint256.NewInt(1))
		require.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateOpen, g.State("payout"))

	_, err := g.Payout(ctx, alice, uint256.NewInt(1))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 2, next.calls, "open circuit must not reach the backend")

	// Collect has its own circuit.
	ref, err := g.Collect(ctx, alice, uint256.NewInt(1), "")
	require.NoError(t, err)
	assert.Equal(t, "c", ref)
}

func TestGuarded_ValueErrorsDoNotTrip(t *testing.T) {
	next := &flakySettlement{collectErr: ErrValueMismatch}
	g := NewGuarded(next, circuitbreaker.New(1, time.Hour), nil)

	for i := 0; i < 3; i++ {
		_, err := g.Collect(context.Background(), alice, uint256.NewInt(1), "0x01")
		assert.ErrorIs(t, err, lockdrop.ErrInsufficientValue)
	}
	assert.Equal(t, circuitbreaker.StateClosed, g.State("collect"))
}

func TestGuarded_SeedsWrappedBackend(t *testing.T) {
	next := &flakySettlement{}
	g := NewGuarded(next, circuitbreaker.New(1, time.Hour), nil)

	g.SeedReferences([]string{"0xabc"})
	assert.Equal(t, []string{"0xabc"}, next.seeded)

	// Backends without references are fine.
	NewGuarded(NewMemoryBank(), circuitbreaker.New(1, time.Hour), nil).SeedReferences([]string{"x"})
}
