package lockdrop

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/mbd888/lockdrop/internal/account"
	"github.com/mbd888/lockdrop/internal/units"
)

// EventType names an entry in the lock event log.
type EventType string

const (
	EventLocked   EventType = "locked"
	EventReleased EventType = "released"
	// EventMatured is a notification only; it does not change the ledger.
	EventMatured EventType = "matured"
)

// Event is an immutable entry of the lock event log.
type Event struct {
	ID        string // Assigned by the service
	Seq       int64  // Assigned by the event store
	Type      EventType
	Owner     common.Address
	Amount    *uint256.Int
	UnlockAt  *time.Time // Effective unlockAt after a lock
	Reference string     // Settlement reference (deposit or payout tx)
	At        time.Time
}

type eventJSON struct {
	ID        string     `json:"id"`
	Seq       int64      `json:"seq,omitempty"`
	Type      EventType  `json:"type"`
	Owner     string     `json:"owner"`
	Amount    string     `json:"amount"`
	AmountRaw string     `json:"amountRaw"`
	UnlockAt  *time.Time `json:"unlockAt,omitempty"`
	Reference string     `json:"reference,omitempty"`
	At        time.Time  `json:"at"`
}

// MarshalJSON renders amounts both in UNIT and in base units.
func (e Event) MarshalJSON() ([]byte, error) {
	raw := "0"
	if e.Amount != nil {
		raw = e.Amount.Dec()
	}
	return json.Marshal(eventJSON{
		ID:        e.ID,
		Seq:       e.Seq,
		Type:      e.Type,
		Owner:     account.Hex(e.Owner),
		Amount:    units.Format(e.Amount),
		AmountRaw: raw,
		UnlockAt:  e.UnlockAt,
		Reference: e.Reference,
		At:        e.At,
	})
}

// UnmarshalJSON accepts the form produced by MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	var v eventJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	amount, err := units.ParseBase(v.AmountRaw)
	if err != nil {
		return err
	}
	*e = Event{
		ID:        v.ID,
		Seq:       v.Seq,
		Type:      v.Type,
		Owner:     common.HexToAddress(v.Owner),
		Amount:    amount,
		UnlockAt:  v.UnlockAt,
		Reference: v.Reference,
		At:        v.At,
	}
	return nil
}

// Apply folds one logged event into the ledger. It trusts the log: the
// checks made when the event was produced are not repeated, only the
// arithmetic invariants are.
func (l *Ledger) Apply(e Event) error {
	switch e.Type {
	case EventLocked:
		if e.Amount == nil || e.Amount.IsZero() {
			return fmt.Errorf("replay: locked event %s has no amount", e.ID)
		}
		if _, overflow := new(uint256.Int).AddOverflow(l.total, e.Amount); overflow {
			return fmt.Errorf("replay: event %s: %w", e.ID, ErrAmountOverflow)
		}
		rec, ok := l.records[e.Owner]
		if !ok {
			rec = &Record{Owner: e.Owner, Amount: new(uint256.Int), LockedAt: e.At}
			l.records[e.Owner] = rec
		}
		rec.Amount.Add(rec.Amount, e.Amount)
		rec.UpdatedAt = e.At
		rec.UnlockAt = copyTime(e.UnlockAt)
		l.total.Add(l.total, e.Amount)

	case EventReleased:
		rec, ok := l.records[e.Owner]
		if !ok {
			return fmt.Errorf("replay: release of %s without a lock", e.Owner.Hex())
		}
		if e.Amount == nil || !rec.Amount.Eq(e.Amount) {
			return fmt.Errorf("replay: release of %s does not match locked amount", e.Owner.Hex())
		}
		delete(l.records, e.Owner)
		l.total.Sub(l.total, rec.Amount)

	case EventMatured:
		// Notification only.

	default:
		return fmt.Errorf("replay: unknown event type %q", e.Type)
	}
	return nil
}

// Replay rebuilds a ledger from an ordered event log.
func Replay(policy Policy, events []Event) (*Ledger, error) {
	l := NewLedger(policy)
	for _, e := range events {
		if err := l.Apply(e); err != nil {
			return nil, err
		}
	}
	if err := l.Audit(); err != nil {
		return nil, err
	}
	return l, nil
}
