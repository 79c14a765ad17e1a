// Package lockdrop holds value in time-locked custody.
//
// Flow:
//  1. Owner locks value: attached value moves into custody, the owner's
//     record is created or topped up, totalLocked grows
//  2. unlockAt passes: the lock is matured
//  3. Owner releases: the whole amount goes back to the owner, the record
//     is removed, totalLocked shrinks
//
// The Ledger is the authoritative state and is deterministic: every call
// takes its timestamp explicitly and returns the events it produced. The
// Service hosts one Ledger per deployment and adds serialization,
// settlement, persistence and notification.
package lockdrop

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientValue = errors.New("insufficient value")
	ErrInvalidUnlockTime = errors.New("invalid unlock time")
	ErrNoLockedFunds     = errors.New("no locked funds")
	ErrLockNotMatured    = errors.New("lock not matured")
	ErrInvalidAccount    = errors.New("invalid account")
	ErrAmountOverflow    = errors.New("amount overflow")
)

// TopUpPolicy decides what a second lock by the same owner does to unlockAt.
type TopUpPolicy string

const (
	// TopUpKeep leaves the existing unlockAt untouched.
	TopUpKeep TopUpPolicy = "keep"
	// TopUpExtend moves unlockAt to the later of the existing and new values.
	TopUpExtend TopUpPolicy = "extend"
	// TopUpReset replaces unlockAt with the value computed for this call.
	TopUpReset TopUpPolicy = "reset"
)

// ParseTopUpPolicy parses a policy name; empty means TopUpExtend.
func ParseTopUpPolicy(s string) (TopUpPolicy, error) {
	switch p := TopUpPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return TopUpExtend, nil
	case TopUpKeep, TopUpExtend, TopUpReset:
		return p, nil
	}
	return "", fmt.Errorf("unknown top-up policy %q (want keep, extend or reset)", s)
}

// Policy configures a Ledger.
type Policy struct {
	TopUp TopUpPolicy
	// DefaultPeriod is applied when a lock carries no unlockAt.
	// Zero means such locks have no time restriction.
	DefaultPeriod time.Duration
}

// DefaultPolicy extends unlockAt on top-up and imposes no default period.
func DefaultPolicy() Policy {
	return Policy{TopUp: TopUpExtend}
}

// State of an owner's lock at a point in time.
type State string

const (
	StateUnlocked State = "unlocked" // No record
	StateLocked   State = "locked"   // Held, unlockAt in the future
	StateMatured  State = "matured"  // Held, releasable
)

// Record is one owner's locked value.
type Record struct {
	Owner     common.Address
	Amount    *uint256.Int
	LockedAt  time.Time
	UpdatedAt time.Time
	UnlockAt  *time.Time // nil: no time restriction
}

// Matured reports whether the record may be released at now.
func (r *Record) Matured(now time.Time) bool {
	return r.UnlockAt == nil || !now.Before(*r.UnlockAt)
}

// State returns the lifecycle state at now.
func (r *Record) State(now time.Time) State {
	if r == nil || r.Amount == nil || r.Amount.IsZero() {
		return StateUnlocked
	}
	if r.Matured(now) {
		return StateMatured
	}
	return StateLocked
}

func (r *Record) clone() *Record {
	cp := *r
	cp.Amount = new(uint256.Int).Set(r.Amount)
	if r.UnlockAt != nil {
		t := *r.UnlockAt
		cp.UnlockAt = &t
	}
	return &cp
}

// Call carries what the host delivers with every mutating call.
type Call struct {
	Caller common.Address
	Value  *uint256.Int // Value attached to the call; nil means none
	Now    time.Time
}

// LockRequest is the payload of a lock call.
type LockRequest struct {
	Amount   *uint256.Int
	UnlockAt *time.Time
}

// Outcome is the result of a successful state transition.
type Outcome struct {
	Record *Record      // State after the call; nil once released
	Amount *uint256.Int // Value moved by this call
	Events []Event
}

// Ledger owns every lock record and the running total.
// It is not safe for concurrent use; Service serializes access.
type Ledger struct {
	policy  Policy
	records map[common.Address]*Record
	total   *uint256.Int
}

// NewLedger creates an empty ledger.
func NewLedger(policy Policy) *Ledger {
	if policy.TopUp == "" {
		policy.TopUp = TopUpExtend
	}
	return &Ledger{
		policy:  policy,
		records: make(map[common.Address]*Record),
		total:   new(uint256.Int),
	}
}

// Policy returns the ledger's configuration.
func (l *Ledger) Policy() Policy {
	return l.policy
}

// CheckLock validates a lock call and returns the record it would produce,
// without changing the ledger.
func (l *Ledger) CheckLock(call Call, req LockRequest) (*Record, error) {
	if call.Caller == (common.Address{}) {
		return nil, ErrInvalidAccount
	}
	if req.Amount == nil || req.Amount.IsZero() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInsufficientValue)
	}
	if call.Value == nil || call.Value.IsZero() {
		return nil, fmt.Errorf("%w: no value attached", ErrInsufficientValue)
	}
	if !call.Value.Eq(req.Amount) {
		return nil, fmt.Errorf("%w: attached %s, declared %s", ErrInsufficientValue, call.Value.Dec(), req.Amount.Dec())
	}
	if req.UnlockAt != nil && !req.UnlockAt.After(call.Now) {
		return nil, fmt.Errorf("%w: %s is not after %s", ErrInvalidUnlockTime,
			req.UnlockAt.UTC().Format(time.RFC3339), call.Now.UTC().Format(time.RFC3339))
	}
	if _, overflow := new(uint256.Int).AddOverflow(l.total, req.Amount); overflow {
		return nil, ErrAmountOverflow
	}

	unlockAt := req.UnlockAt
	if unlockAt == nil && l.policy.DefaultPeriod > 0 {
		t := call.Now.Add(l.policy.DefaultPeriod)
		unlockAt = &t
	}

	existing, ok := l.records[call.Caller]
	if !ok {
		return &Record{
			Owner:     call.Caller,
			Amount:    new(uint256.Int).Set(req.Amount),
			LockedAt:  call.Now,
			UpdatedAt: call.Now,
			UnlockAt:  copyTime(unlockAt),
		}, nil
	}

	next := existing.clone()
	// Cannot overflow: the record is bounded by total.
	next.Amount.Add(next.Amount, req.Amount)
	next.UpdatedAt = call.Now
	next.UnlockAt = topUpUnlock(l.policy.TopUp, existing.UnlockAt, unlockAt)
	return next, nil
}

// Lock moves the call's value into custody for the caller.
func (l *Ledger) Lock(call Call, req LockRequest) (*Outcome, error) {
	next, err := l.CheckLock(call, req)
	if err != nil {
		return nil, err
	}

	l.records[next.Owner] = next
	l.total.Add(l.total, req.Amount)

	amount := new(uint256.Int).Set(req.Amount)
	return &Outcome{
		Record: next.clone(),
		Amount: amount,
		Events: []Event{{
			Type:     EventLocked,
			Owner:    next.Owner,
			Amount:   new(uint256.Int).Set(amount),
			UnlockAt: copyTime(next.UnlockAt),
			At:       call.Now,
		}},
	}, nil
}

// CheckRelease validates a release by caller at now and returns the record
// that would be paid out, without changing the ledger.
func (l *Ledger) CheckRelease(caller common.Address, now time.Time) (*Record, error) {
	if caller == (common.Address{}) {
		return nil, ErrInvalidAccount
	}
	rec, ok := l.records[caller]
	if !ok || rec.Amount.IsZero() {
		return nil, ErrNoLockedFunds
	}
	if !rec.Matured(now) {
		return nil, fmt.Errorf("%w: unlocks at %s", ErrLockNotMatured, rec.UnlockAt.UTC().Format(time.RFC3339))
	}
	return rec.clone(), nil
}

// Release removes the caller's record and returns the amount owed to them.
func (l *Ledger) Release(caller common.Address, now time.Time) (*Outcome, error) {
	rec, err := l.CheckRelease(caller, now)
	if err != nil {
		return nil, err
	}

	delete(l.records, caller)
	l.total.Sub(l.total, rec.Amount)

	return &Outcome{
		Amount: new(uint256.Int).Set(rec.Amount),
		Events: []Event{{
			Type:   EventReleased,
			Owner:  caller,
			Amount: new(uint256.Int).Set(rec.Amount),
			At:     now,
		}},
	}, nil
}

// BalanceOf returns the owner's locked amount, zero when there is no record.
func (l *Ledger) BalanceOf(owner common.Address) *uint256.Int {
	if rec, ok := l.records[owner]; ok {
		return new(uint256.Int).Set(rec.Amount)
	}
	return new(uint256.Int)
}

// Get returns a copy of the owner's record.
func (l *Ledger) Get(owner common.Address) (*Record, bool) {
	rec, ok := l.records[owner]
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}

// TotalLocked returns the sum of all locked amounts.
func (l *Ledger) TotalLocked() *uint256.Int {
	return new(uint256.Int).Set(l.total)
}

// Owners returns the number of owners with a lock.
func (l *Ledger) Owners() int {
	return len(l.records)
}

// Records returns copies of all records ordered by owner.
func (l *Ledger) Records() []*Record {
	out := make([]*Record, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Owner.Cmp(out[j].Owner) < 0
	})
	return out
}

// Matured returns the time-restricted records releasable at now, earliest
// unlockAt first. Records without unlockAt are never reported.
func (l *Ledger) Matured(now time.Time) []*Record {
	var out []*Record
	for _, rec := range l.records {
		if rec.UnlockAt != nil && rec.Matured(now) {
			out = append(out, rec.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UnlockAt.Equal(*out[j].UnlockAt) {
			return out[i].UnlockAt.Before(*out[j].UnlockAt)
		}
		return out[i].Owner.Cmp(out[j].Owner) < 0
	})
	return out
}

// Audit verifies that totalLocked equals the sum over records and that no
// zero record is retained.
func (l *Ledger) Audit() error {
	sum := new(uint256.Int)
	for owner, rec := range l.records {
		if rec.Amount.IsZero() {
			return fmt.Errorf("audit: zero record retained for %s", owner.Hex())
		}
		if _, overflow := sum.AddOverflow(sum, rec.Amount); overflow {
			return fmt.Errorf("audit: record sum overflows")
		}
	}
	if !sum.Eq(l.total) {
		return fmt.Errorf("audit: totalLocked %s != sum of records %s", l.total.Dec(), sum.Dec())
	}
	return nil
}

func topUpUnlock(policy TopUpPolicy, existing, requested *time.Time) *time.Time {
	switch policy {
	case TopUpKeep:
		return copyTime(existing)
	case TopUpReset:
		return copyTime(requested)
	default:
		// A lock without restriction gains the new one; never shorten.
		if existing == nil {
			return copyTime(requested)
		}
		if requested != nil && requested.After(*existing) {
			return copyTime(requested)
		}
		return copyTime(existing)
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
