package settlement

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/mbd888/lockdrop/internal/units"
)

// MemoryBank holds free balances and the custody pool in memory.
type MemoryBank struct {
	mu       sync.Mutex
	balances map[common.Address]*uint256.Int
	custody  *uint256.Int
}

// NewMemoryBank creates an empty bank.
func NewMemoryBank() *MemoryBank {
	return &MemoryBank{
		balances: make(map[common.Address]*uint256.Int),
		custody:  new(uint256.Int),
	}
}

// Fund credits an owner's free balance.
func (b *MemoryBank) Fund(owner common.Address, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	bal := b.balance(owner)
	sum, overflow := new(uint256.Int).AddOverflow(bal, amount)
	if overflow {
		return fmt.Errorf("settlement: funding %s overflows", owner.Hex())
	}
	bal.Set(sum)
	return nil
}

// BalanceOf returns an owner's free balance.
func (b *MemoryBank) BalanceOf(owner common.Address) *uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(uint256.Int).Set(b.balance(owner))
}

// Custody returns the value currently held in custody.
func (b *MemoryBank) Custody() *uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(uint256.Int).Set(b.custody)
}

// Balance returns the custody pool, matching ChainCustody.Balance.
func (b *MemoryBank) Balance(context.Context) (*uint256.Int, error) {
	return b.Custody(), nil
}

// SeedCustody sets the custody pool, used after a ledger restore since
// free balances are not persisted.
func (b *MemoryBank) SeedCustody(total *uint256.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.custody = new(uint256.Int).Set(total)
}

// Collect moves amount from the owner's free balance into custody.
// ref is ignored: value is attached by debiting the balance directly.
func (b *MemoryBank) Collect(_ context.Context, from common.Address, amount *uint256.Int, _ string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if amount == nil || amount.IsZero() {
		return "", ErrDepositRequired
	}
	bal := b.balance(from)
	if bal.Lt(amount) {
		return "", fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, units.Format(bal), units.Format(amount))
	}
	bal.Sub(bal, amount)
	b.custody.Add(b.custody, amount)
	return "mem-" + uuid.NewString(), nil
}

// Payout moves amount from custody to the owner's free balance.
func (b *MemoryBank) Payout(_ context.Context, to common.Address, amount *uint256.Int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.custody.Lt(amount) {
		return "", fmt.Errorf("%w: have %s, need %s", ErrCustodyShortfall, units.Format(b.custody), units.Format(amount))
	}
	b.custody.Sub(b.custody, amount)
	bal := b.balance(to)
	bal.Add(bal, amount)
	return "mem-" + uuid.NewString(), nil
}

// Ping always succeeds.
func (b *MemoryBank) Ping(context.Context) error { return nil }

func (b *MemoryBank) balance(owner common.Address) *uint256.Int {
	bal, ok := b.balances[owner]
	if !ok {
		bal = new(uint256.Int)
		b.balances[owner] = bal
	}
	return bal
}
