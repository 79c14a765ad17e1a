package lockdrop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/mbd888/lockdrop/internal/metrics"
	"github.com/mbd888/lockdrop/internal/retry"
	"github.com/mbd888/lockdrop/internal/syncutil"
	"github.com/mbd888/lockdrop/internal/traces"
	"github.com/mbd888/lockdrop/internal/units"
)

// Settlement moves value between owners and custody.
type Settlement interface {
	// Collect confirms that amount from the owner is in custody and returns
	// a reference for the transfer. ref is caller supplied proof (a deposit
	// transaction hash) and may be empty for in-process settlement.
	Collect(ctx context.Context, from common.Address, amount *uint256.Int, ref string) (string, error)
	// Payout moves amount out of custody to the owner and returns its reference.
	Payout(ctx context.Context, to common.Address, amount *uint256.Int) (string, error)
}

// ReferenceSeeder is implemented by settlements that must not accept a
// deposit reference twice. Restore feeds it the references already logged.
type ReferenceSeeder interface {
	SeedReferences(refs []string)
}

// EventFilter narrows an event log query.
type EventFilter struct {
	Owner    *common.Address
	Types    []EventType
	AfterSeq int64
	Limit    int
}

// EventStore persists the event log.
type EventStore interface {
	// Append stores e and returns it with Seq assigned. Appending an ID that
	// already exists returns the stored event.
	Append(ctx context.Context, e Event) (Event, error)
	List(ctx context.Context, filter EventFilter) ([]Event, error)
	// All returns the full log in Seq order.
	All(ctx context.Context) ([]Event, error)
}

// EventSink receives events after they are journaled.
type EventSink interface {
	Name() string
	Publish(ctx context.Context, e Event) error
}

// SettlementError reports a failed value transfer. The ledger is unchanged.
type SettlementError struct {
	Op  string // "collect" or "payout"
	Err error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("settlement %s failed: %v", e.Op, e.Err)
}

func (e *SettlementError) Unwrap() error { return e.Err }

// ErrJournalUnavailable is returned while the event store cannot take
// appends. Lock refunds the collected value; other calls are refused until
// the backlog of applied but unjournaled events is written.
var ErrJournalUnavailable = errors.New("event journal unavailable")

// LockInput is a lock call as delivered by the host.
type LockInput struct {
	Caller     common.Address
	Amount     *uint256.Int
	Value      *uint256.Int // Attached value; nil means none
	UnlockAt   *time.Time
	DepositRef string
}

// Result describes a completed lock or release.
type Result struct {
	Owner       common.Address
	Amount      *uint256.Int // Moved by this call
	Record      *Record      // Nil after release
	State       State        // Of Record at call time
	TotalLocked *uint256.Int
	Reference   string
	Events      []Event
}

// Summary is a point-in-time view of the ledger.
type Summary struct {
	TotalLocked *uint256.Int
	Owners      int
	Policy      Policy
	At          time.Time
}

// Service hosts a Ledger: it serializes calls, settles value, journals the
// events and fans them out to sinks.
type Service struct {
	mu        *syncutil.ContextMutex
	ledger    *Ledger
	store     EventStore
	settle    Settlement
	sinks     []EventSink
	now       func() time.Time
	logger    *slog.Logger
	announced map[common.Address]time.Time // unlockAt already reported as matured
	backlog   []Event                      // applied to the ledger, not yet in store
}

// NewService creates a service with an empty ledger. Call Restore to load
// an existing event log.
func NewService(policy Policy, store EventStore, settle Settlement, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		mu:        syncutil.NewContextMutex(),
		ledger:    NewLedger(policy),
		store:     store,
		settle:    settle,
		now:       time.Now,
		logger:    logger,
		announced: make(map[common.Address]time.Time),
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithSink adds an event sink.
func (s *Service) WithSink(sink EventSink) *Service {
	s.sinks = append(s.sinks, sink)
	return s
}

// Policy returns the ledger configuration.
func (s *Service) Policy() Policy {
	return s.ledger.Policy()
}

// Restore rebuilds the ledger from the event store.
func (s *Service) Restore(ctx context.Context) error {
	unlock, err := s.mu.LockContext(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.flush(ctx); err != nil {
		return err
	}
	events, err := s.store.All(ctx)
	if err != nil {
		return fmt.Errorf("load event log: %w", err)
	}
	ledger, err := Replay(s.ledger.Policy(), events)
	if err != nil {
		return err
	}

	announced := make(map[common.Address]time.Time)
	var refs []string
	for _, e := range events {
		switch e.Type {
		case EventLocked:
			if e.Reference != "" {
				refs = append(refs, e.Reference)
			}
		case EventMatured:
			if e.UnlockAt != nil {
				announced[e.Owner] = *e.UnlockAt
			}
		case EventReleased:
			delete(announced, e.Owner)
		}
	}
	if seeder, ok := s.settle.(ReferenceSeeder); ok {
		seeder.SeedReferences(refs)
	}

	s.ledger = ledger
	s.announced = announced
	s.observe()

	s.logger.Info("ledger restored",
		"events", len(events),
		"owners", ledger.Owners(),
		"totalLocked", units.Format(ledger.TotalLocked()))
	return nil
}

// Lock moves the attached value into custody for the caller.
func (s *Service) Lock(ctx context.Context, in LockInput) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "lockdrop.Lock", traces.Owner(in.Caller), traces.Amount(in.Amount))
	defer span.End()

	unlock, err := s.mu.LockContext(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	call := Call{Caller: in.Caller, Value: in.Value, Now: s.now()}
	req := LockRequest{Amount: in.Amount, UnlockAt: in.UnlockAt}

	next, err := s.ledger.CheckLock(call, req)
	if err != nil {
		s.reject("lock", err)
		traces.Fail(span, err)
		return nil, err
	}
	if err := s.flush(ctx); err != nil {
		traces.Fail(span, err)
		return nil, err
	}

	ref, err := s.settle.Collect(ctx, in.Caller, in.Value, in.DepositRef)
	if err != nil {
		traces.Fail(span, err)
		if errors.Is(err, ErrInsufficientValue) {
			s.reject("lock", err)
			return nil, err
		}
		metrics.SettlementFailuresTotal.WithLabelValues("collect").Inc()
		return nil, &SettlementError{Op: "collect", Err: err}
	}

	// Journaled before the ledger changes, then applied as Replay applies it.
	e := Event{
		Type:     EventLocked,
		Owner:    in.Caller,
		Amount:   new(uint256.Int).Set(req.Amount),
		UnlockAt: copyTime(next.UnlockAt),
		At:       call.Now,
	}
	events, err := s.journal(ctx, []Event{e}, ref)
	if err == nil {
		err = s.ledger.Apply(events[0])
	}
	if err != nil {
		s.refund(ctx, in.Caller, in.Value, ref, err)
		traces.Fail(span, err)
		return nil, err
	}

	rec, _ := s.ledger.Get(in.Caller)
	for _, e := range events {
		s.publish(ctx, e)
	}
	metrics.LocksTotal.Inc()
	s.observe()
	span.SetAttributes(traces.Reference(ref))

	s.logger.Info("funds locked",
		"owner", in.Caller.Hex(),
		"amount", units.Format(req.Amount),
		"balance", units.Format(rec.Amount),
		"unlockAt", rec.UnlockAt,
		"ref", ref)

	return &Result{
		Owner:       in.Caller,
		Amount:      new(uint256.Int).Set(req.Amount),
		Record:      rec,
		State:       rec.State(call.Now),
		TotalLocked: s.ledger.TotalLocked(),
		Reference:   ref,
		Events:      events,
	}, nil
}

// refund hands collected value back after a lock could not be recorded.
func (s *Service) refund(ctx context.Context, owner common.Address, amount *uint256.Int, ref string, cause error) {
	s.logger.Error("lock not recorded, refunding",
		"owner", owner.Hex(), "amount", units.Format(amount), "ref", ref, "error", cause)
	if _, err := s.settle.Payout(context.WithoutCancel(ctx), owner, amount); err != nil {
		metrics.SettlementFailuresTotal.WithLabelValues("payout").Inc()
		s.logger.Error("CRITICAL: refund after failed lock did not settle",
			"owner", owner.Hex(), "amount", units.Format(amount), "ref", ref, "error", err)
	}
}

// Release pays the caller's whole matured lock back to them.
func (s *Service) Release(ctx context.Context, caller common.Address) (*Result, error) {
	return s.release(ctx, caller, "owner")
}

// ReleaseMatured releases owner's lock on their behalf once it is matured.
// It goes through the same checks and settlement as Release.
func (s *Service) ReleaseMatured(ctx context.Context, owner common.Address) (*Result, error) {
	return s.release(ctx, owner, "auto")
}

func (s *Service) release(ctx context.Context, caller common.Address, trigger string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "lockdrop.Release", traces.Owner(caller))
	defer span.End()

	unlock, err := s.mu.LockContext(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now()
	rec, err := s.ledger.CheckRelease(caller, now)
	if err != nil {
		s.reject("release", err)
		traces.Fail(span, err)
		return nil, err
	}
	if err := s.flush(ctx); err != nil {
		traces.Fail(span, err)
		return nil, err
	}

	ref, err := s.settle.Payout(ctx, caller, rec.Amount)
	if err != nil {
		metrics.SettlementFailuresTotal.WithLabelValues("payout").Inc()
		traces.Fail(span, err)
		s.logger.Warn("payout failed, lock kept",
			"owner", caller.Hex(), "amount", units.Format(rec.Amount), "error", err)
		return nil, &SettlementError{Op: "payout", Err: err}
	}

	out, err := s.ledger.Release(caller, now)
	if err != nil {
		// The payout has been sent; the record must not be released twice.
		s.logger.Error("CRITICAL: release failed after payout",
			"owner", caller.Hex(), "amount", units.Format(rec.Amount), "ref", ref, "error", err)
		traces.Fail(span, err)
		return nil, err
	}
	delete(s.announced, caller)

	events := s.commitReleased(ctx, out.Events, ref)
	metrics.ReleasesTotal.WithLabelValues(trigger).Inc()
	metrics.LockHeldDuration.Observe(now.Sub(rec.LockedAt).Seconds())
	s.observe()
	span.SetAttributes(traces.Amount(out.Amount), traces.Reference(ref))

	s.logger.Info("funds released",
		"owner", caller.Hex(),
		"amount", units.Format(out.Amount),
		"trigger", trigger,
		"ref", ref)

	return &Result{
		Owner:       caller,
		Amount:      out.Amount,
		State:       StateUnlocked,
		TotalLocked: s.ledger.TotalLocked(),
		Reference:   ref,
		Events:      events,
	}, nil
}

// BalanceOf returns the owner's locked amount, zero when there is none.
func (s *Service) BalanceOf(ctx context.Context, owner common.Address) (*uint256.Int, error) {
	unlock, err := s.mu.LockContext(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.ledger.BalanceOf(owner), nil
}

// LockOf returns the owner's record and its state now. The record is nil
// and the state StateUnlocked when the owner holds nothing.
func (s *Service) LockOf(ctx context.Context, owner common.Address) (*Record, State, error) {
	unlock, err := s.mu.LockContext(ctx)
	if err != nil {
		return nil, "", err
	}
	defer unlock()

	rec, ok := s.ledger.Get(owner)
	if !ok {
		return nil, StateUnlocked, nil
	}
	return rec, rec.State(s.now()), nil
}

// Summary returns the running total and owner count.
func (s *Service) Summary(ctx context.Context) (*Summary, error) {
	unlock, err := s.mu.LockContext(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return &Summary{
		TotalLocked: s.ledger.TotalLocked(),
		Owners:      s.ledger.Owners(),
		Policy:      s.ledger.Policy(),
		At:          s.now(),
	}, nil
}

// Matured returns the time-restricted locks releasable now.
func (s *Service) Matured(ctx context.Context) ([]*Record, error) {
	unlock, err := s.mu.LockContext(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.ledger.Matured(s.now()), nil
}

// AnnounceMatured emits one Matured event per lock whose unlockAt has
// passed since the last announcement.
func (s *Service) AnnounceMatured(ctx context.Context) ([]Event, error) {
	unlock, err := s.mu.LockContext(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.flush(ctx); err != nil {
		return nil, err
	}
	now := s.now()
	var fresh []Event
	for _, rec := range s.ledger.Matured(now) {
		if at, ok := s.announced[rec.Owner]; ok && at.Equal(*rec.UnlockAt) {
			continue
		}
		fresh = append(fresh, Event{
			Type:     EventMatured,
			Owner:    rec.Owner,
			Amount:   new(uint256.Int).Set(rec.Amount),
			UnlockAt: copyTime(rec.UnlockAt),
			At:       now,
		})
	}
	if len(fresh) == 0 {
		return nil, nil
	}
	stored, err := s.journal(ctx, fresh, "")
	for _, e := range stored {
		s.announced[e.Owner] = *e.UnlockAt
		s.publish(ctx, e)
	}
	metrics.MaturedNotificationsTotal.Add(float64(len(stored)))
	return stored, err
}

// Events queries the event log.
func (s *Service) Events(ctx context.Context, filter EventFilter) ([]Event, error) {
	return s.store.List(ctx, filter)
}

// Audit checks the ledger invariants and that every applied event is in
// the journal. It retries a pending backlog first.
func (s *Service) Audit(ctx context.Context) error {
	unlock, err := s.mu.LockContext(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if err := s.flush(ctx); err != nil {
		return err
	}
	return s.ledger.Audit()
}

// journal stamps events and appends them in order, retrying each with
// retry.Journal. It stops at the first event the store does not take and
// returns the ones stored before it.
func (s *Service) journal(ctx context.Context, events []Event, ref string) ([]Event, error) {
	ctx = context.WithoutCancel(ctx)
	out := make([]Event, 0, len(events))
	for _, e := range events {
		e.ID = uuid.NewString()
		if ref != "" {
			e.Reference = ref
		}
		stored, err := retry.Value(ctx, retry.Journal, func() (Event, error) {
			return s.store.Append(ctx, e)
		})
		if err != nil {
			metrics.JournalFailuresTotal.Inc()
			s.logger.Error("event not journaled",
				"id", e.ID, "type", e.Type, "owner", e.Owner.Hex(),
				"amount", units.Format(e.Amount), "ref", e.Reference, "error", err)
			return out, fmt.Errorf("%w: %v", ErrJournalUnavailable, err)
		}
		out = append(out, stored)
	}
	return out, nil
}

// commitReleased journals the events of a release that has already paid
// out. Events the store does not take go to the backlog, and the service
// refuses further calls until flush writes them.
func (s *Service) commitReleased(ctx context.Context, events []Event, ref string) []Event {
	stored, err := s.journal(ctx, events, ref)
	for _, e := range stored {
		s.publish(ctx, e)
	}
	if err == nil {
		return stored
	}
	out := stored
	for _, e := range events[len(stored):] {
		e.ID = uuid.NewString()
		if ref != "" {
			e.Reference = ref
		}
		s.backlog = append(s.backlog, e)
		out = append(out, e)
	}
	metrics.JournalBacklog.Set(float64(len(s.backlog)))
	s.logger.Error("CRITICAL: release paid out but not journaled, refusing calls until the journal recovers",
		"backlog", len(s.backlog), "error", err)
	return out
}

// flush writes the backlog to the store in order and publishes each event
// once stored. Each event gets one attempt; the retries ran when it was
// first committed.
func (s *Service) flush(ctx context.Context) error {
	if len(s.backlog) == 0 {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	for len(s.backlog) > 0 {
		stored, err := s.store.Append(ctx, s.backlog[0])
		if err != nil {
			return fmt.Errorf("%w: %d applied events pending: %v", ErrJournalUnavailable, len(s.backlog), err)
		}
		s.backlog = s.backlog[1:]
		metrics.JournalBacklog.Set(float64(len(s.backlog)))
		s.publish(ctx, stored)
	}
	s.logger.Info("journal backlog written")
	return nil
}

func (s *Service) publish(ctx context.Context, e Event) {
	for _, sink := range s.sinks {
		if err := sink.Publish(ctx, e); err != nil {
			metrics.EventsPublishedTotal.WithLabelValues(sink.Name(), "error").Inc()
			s.logger.Warn("event publish failed", "sink", sink.Name(), "id", e.ID, "error", err)
			continue
		}
		metrics.EventsPublishedTotal.WithLabelValues(sink.Name(), "ok").Inc()
	}
}

func (s *Service) observe() {
	metrics.TotalLocked.Set(units.Float(s.ledger.TotalLocked()))
	metrics.LockOwners.Set(float64(s.ledger.Owners()))
}

func (s *Service) reject(op string, err error) {
	metrics.RejectionsTotal.WithLabelValues(op, reason(err)).Inc()
}

func reason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientValue):
		return "insufficient_value"
	case errors.Is(err, ErrInvalidUnlockTime):
		return "invalid_unlock_time"
	case errors.Is(err, ErrNoLockedFunds):
		return "no_locked_funds"
	case errors.Is(err, ErrLockNotMatured):
		return "not_matured"
	case errors.Is(err, ErrInvalidAccount):
		return "invalid_account"
	case errors.Is(err, ErrAmountOverflow):
		return "overflow"
	default:
		return "other"
	}
}
