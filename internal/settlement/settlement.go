// Package settlement moves value between owners and lock custody.
//
// Two backends implement lockdrop.Settlement:
//   - MemoryBank keeps balances in process (development and tests)
//   - ChainCustody verifies native-value deposits to a custody wallet and
//     pays releases out of it with signed transfers
package settlement

import (
	"errors"
	"fmt"

	"github.com/mbd888/lockdrop/internal/lockdrop"
)

// Errors that mean no usable value was attached to a lock call. They all
// match lockdrop.ErrInsufficientValue.
var (
	ErrInsufficientFunds = fmt.Errorf("%w: owner balance too low", lockdrop.ErrInsufficientValue)
	ErrDepositRequired   = fmt.Errorf("%w: deposit transaction required", lockdrop.ErrInsufficientValue)
	ErrDepositReused     = fmt.Errorf("%w: deposit already counted", lockdrop.ErrInsufficientValue)
	ErrDepositFailed     = fmt.Errorf("%w: deposit transaction reverted", lockdrop.ErrInsufficientValue)
	ErrDepositSender     = fmt.Errorf("%w: deposit not sent by caller", lockdrop.ErrInsufficientValue)
	ErrDepositRecipient  = fmt.Errorf("%w: deposit not sent to custody", lockdrop.ErrInsufficientValue)
	ErrValueMismatch     = fmt.Errorf("%w: deposit value differs from amount", lockdrop.ErrInsufficientValue)
)

// Infrastructure errors. The lock call may be retried.
var (
	ErrDepositPending   = errors.New("settlement: deposit not yet mined")
	ErrDepositNotFound  = errors.New("settlement: deposit transaction not found")
	ErrCustodyShortfall = errors.New("settlement: custody balance too low")
	ErrPayoutReverted   = errors.New("settlement: payout transaction reverted")
	ErrInvalidKey       = errors.New("settlement: invalid custody private key")
	ErrRPCConnection    = errors.New("settlement: RPC connection failed")
)

// TransferError wraps chain failures with context
type TransferError struct {
	Op     string // Operation that failed
	TxHash string // Transaction hash if available
	Err    error
}

func (e *TransferError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("settlement: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("settlement: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

var (
	_ lockdrop.Settlement      = (*MemoryBank)(nil)
	_ lockdrop.Settlement      = (*ChainCustody)(nil)
	_ lockdrop.ReferenceSeeder = (*ChainCustody)(nil)
)
