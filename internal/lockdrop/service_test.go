package lockdrop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// mockSettlement records transfers and can be told to fail.
type mockSettlement struct {
	mu         sync.Mutex
	collected  map[common.Address]uint64
	paid       map[common.Address]uint64
	collectErr error
	payoutErr  error
	seeded     []string
	n          int
}

func newMockSettlement() *mockSettlement {
	return &mockSettlement{
		collected: make(map[common.Address]uint64),
		paid:      make(map[common.Address]uint64),
	}
}

func (m *mockSettlement) Collect(_ context.Context, from common.Address, amount *uint256.Int, ref string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.collectErr != nil {
		return "", m.collectErr
	}
	m.collected[from] += amount.Uint64()
	m.n++
	if ref != "" {
		return ref, nil
	}
	return fmt.Sprintf("collect-%d", m.n), nil
}

func (m *mockSettlement) Payout(_ context.Context, to common.Address, amount *uint256.Int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.payoutErr != nil {
		return "", m.payoutErr
	}
	m.paid[to] += amount.Uint64()
	m.n++
	return fmt.Sprintf("payout-%d", m.n), nil
}

func (m *mockSettlement) SeedReferences(refs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seeded = append(m.seeded, refs...)
}

// failingStore rejects every append while down.
type failingStore struct {
	*MemoryStore
	down    bool
	appends int
}

func (f *failingStore) Append(ctx context.Context, e Event) (Event, error) {
	f.appends++
	if f.down {
		return Event{}, errors.New("database unavailable")
	}
	return f.MemoryStore.Append(ctx, e)
}

// recordingSink keeps published events.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(policy Policy) (*Service, *mockSettlement, *MemoryStore, *fakeClock) {
	settle := newMockSettlement()
	store := NewMemoryStore()
	clock := &fakeClock{now: t0}
	svc := NewService(policy, store, settle, quietLogger()).WithClock(clock.Now)
	return svc, settle, store, clock
}

func lockInput(owner common.Address, amount uint64, unlockAt *time.Time) LockInput {
	return LockInput{Caller: owner, Amount: u(amount), Value: u(amount), UnlockAt: unlockAt}
}

func TestService_LockAndRelease(t *testing.T) {
	svc, settle, store, _ := newTestService(DefaultPolicy())
	sink := &recordingSink{}
	svc.WithSink(sink)
	ctx := context.Background()

	res, err := svc.Lock(ctx, lockInput(alice, 1000, nil))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if res.State != StateMatured {
		t.Errorf("unrestricted lock should be matured, got %s", res.State)
	}
	if _, err := svc.Lock(ctx, lockInput(alice, 1000, nil)); err != nil {
		t.Fatalf("top-up: %v", err)
	}

	bal, _ := svc.BalanceOf(ctx, alice)
	if !bal.Eq(u(2000)) {
		t.Fatalf("expected balance 2000, got %s", bal.Dec())
	}

	res, err = svc.Release(ctx, alice)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !res.Amount.Eq(u(2000)) || !res.TotalLocked.IsZero() {
		t.Fatalf("unexpected release result: %+v", res)
	}
	if settle.collected[alice] != 2000 || settle.paid[alice] != 2000 {
		t.Fatalf("settlement mismatch: collected %d paid %d", settle.collected[alice], settle.paid[alice])
	}

	events, _ := store.All(ctx)
	if len(events) != 3 {
		t.Fatalf("expected 3 journaled events, got %d", len(events))
	}
	for i, e := range events {
		if e.ID == "" || e.Seq != int64(i+1) || e.Reference == "" {
			t.Errorf("event %d not stamped: %+v", i, e)
		}
	}
	if events[2].Type != EventReleased || events[2].Reference != res.Reference {
		t.Errorf("expected released event with payout ref, got %+v", events[2])
	}
	if len(sink.events) != 3 {
		t.Errorf("expected 3 published events, got %d", len(sink.events))
	}
	if err := svc.Audit(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestService_MaturityScenario(t *testing.T) {
	svc, _, _, clock := newTestService(DefaultPolicy())
	ctx := context.Background()

	if _, err := svc.Lock(ctx, lockInput(alice, 7, at(100*time.Second))); err != nil {
		t.Fatal(err)
	}

	clock.Advance(50 * time.Second)
	if _, err := svc.Release(ctx, alice); !errors.Is(err, ErrLockNotMatured) {
		t.Fatalf("expected ErrLockNotMatured, got %v", err)
	}
	_, state, _ := svc.LockOf(ctx, alice)
	if state != StateLocked {
		t.Fatalf("expected locked, got %s", state)
	}

	clock.Advance(100 * time.Second)
	res, err := svc.Release(ctx, alice)
	if err != nil {
		t.Fatalf("release after maturity: %v", err)
	}
	if len(res.Events) != 1 || res.Events[0].Type != EventReleased || !res.Events[0].Amount.Eq(u(7)) {
		t.Fatalf("expected Released(alice, 7), got %+v", res.Events)
	}
}

func TestService_RejectedLockSkipsSettlement(t *testing.T) {
	svc, settle, store, _ := newTestService(DefaultPolicy())
	ctx := context.Background()

	if _, err := svc.Lock(ctx, lockInput(alice, 0, nil)); !errors.Is(err, ErrInsufficientValue) {
		t.Fatalf("expected ErrInsufficientValue, got %v", err)
	}
	if settle.n != 0 {
		t.Fatal("rejected lock must not reach settlement")
	}
	events, _ := store.All(ctx)
	if len(events) != 0 {
		t.Fatal("rejected lock must not be journaled")
	}
}

func TestService_CollectFailure(t *testing.T) {
	svc, settle, store, _ := newTestService(DefaultPolicy())
	ctx := context.Background()

	settle.collectErr = errors.New("rpc timeout")
	_, err := svc.Lock(ctx, lockInput(alice, 5, nil))
	var serr *SettlementError
	if !errors.As(err, &serr) || serr.Op != "collect" {
		t.Fatalf("expected collect SettlementError, got %v", err)
	}

	settle.collectErr = fmt.Errorf("%w: deposit was 4", ErrInsufficientValue)
	if _, err := svc.Lock(ctx, lockInput(alice, 5, nil)); !errors.Is(err, ErrInsufficientValue) {
		t.Fatalf("expected ErrInsufficientValue passthrough, got %v", err)
	} else if errors.As(err, &serr) {
		t.Fatal("value mismatch must not be reported as a settlement failure")
	}

	bal, _ := svc.BalanceOf(ctx, alice)
	if !bal.IsZero() {
		t.Fatal("failed collect must not lock anything")
	}
	events, _ := store.All(ctx)
	if len(events) != 0 {
		t.Fatal("failed collect must not be journaled")
	}
}

func TestService_PayoutFailureKeepsLock(t *testing.T) {
	svc, settle, _, _ := newTestService(DefaultPolicy())
	ctx := context.Background()

	if _, err := svc.Lock(ctx, lockInput(alice, 9, nil)); err != nil {
		t.Fatal(err)
	}

	settle.payoutErr = errors.New("custody wallet empty")
	_, err := svc.Release(ctx, alice)
	var serr *SettlementError
	if !errors.As(err, &serr) || serr.Op != "payout" {
		t.Fatalf("expected payout SettlementError, got %v", err)
	}

	bal, _ := svc.BalanceOf(ctx, alice)
	sum, _ := svc.Summary(ctx)
	if !bal.Eq(u(9)) || !sum.TotalLocked.Eq(u(9)) {
		t.Fatal("failed payout must leave the lock in place")
	}

	settle.payoutErr = nil
	if _, err := svc.Release(ctx, alice); err != nil {
		t.Fatalf("retry after payout recovered: %v", err)
	}
}

func TestService_JournalFailureRefundsLock(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for journal retries")
	}
	store := &failingStore{MemoryStore: NewMemoryStore()}
	settle := newMockSettlement()
	svc := NewService(DefaultPolicy(), store, settle, quietLogger())
	sink := &recordingSink{}
	svc.WithSink(sink)
	ctx := context.Background()

	if _, err := svc.Lock(ctx, lockInput(alice, 5, nil)); err != nil {
		t.Fatal(err)
	}

	store.down = true
	before := store.appends
	if _, err := svc.Lock(ctx, lockInput(alice, 3, nil)); !errors.Is(err, ErrJournalUnavailable) {
		t.Fatalf("expected ErrJournalUnavailable, got %v", err)
	}
	if store.appends-before < 2 {
		t.Errorf("expected journal retries, got %d attempts", store.appends-before)
	}
	bal, _ := svc.BalanceOf(ctx, alice)
	if !bal.Eq(u(5)) {
		t.Fatalf("unjournaled top-up must not change the balance, got %s", bal.Dec())
	}
	if settle.collected[alice] != 8 || settle.paid[alice] != 3 {
		t.Fatalf("expected the 3 to be refunded: collected %d paid %d", settle.collected[alice], settle.paid[alice])
	}
	if len(sink.events) != 1 {
		t.Errorf("sinks must only see journaled events, got %d", len(sink.events))
	}

	store.down = false
	res, err := svc.Release(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Amount.Eq(u(5)) {
		t.Fatalf("expected release of 5, got %s", res.Amount.Dec())
	}

	restored := NewService(DefaultPolicy(), store, newMockSettlement(), quietLogger())
	if err := restored.Restore(ctx); err != nil {
		t.Fatalf("restore after journal outage: %v", err)
	}
	sum, _ := restored.Summary(ctx)
	if !sum.TotalLocked.IsZero() || sum.Owners != 0 {
		t.Fatalf("restored ledger should be empty, got %+v", sum)
	}
}

func TestService_UnjournaledReleaseBlocksUntilWritten(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for journal retries")
	}
	store := &failingStore{MemoryStore: NewMemoryStore()}
	settle := newMockSettlement()
	svc := NewService(DefaultPolicy(), store, settle, quietLogger())
	sink := &recordingSink{}
	svc.WithSink(sink)
	ctx := context.Background()

	if _, err := svc.Lock(ctx, lockInput(alice, 4, nil)); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Lock(ctx, lockInput(bob, 2, nil)); err != nil {
		t.Fatal(err)
	}

	store.down = true
	res, err := svc.Release(ctx, alice)
	if err != nil {
		t.Fatalf("release already paid out must report success: %v", err)
	}
	if settle.paid[alice] != 4 || res.Events[0].ID == "" || res.Events[0].Seq != 0 {
		t.Fatalf("unexpected release: paid %d events %+v", settle.paid[alice], res.Events)
	}

	if err := svc.Audit(ctx); !errors.Is(err, ErrJournalUnavailable) {
		t.Fatalf("audit must fail while the backlog is pending, got %v", err)
	}
	if _, err := svc.Lock(ctx, lockInput(bob, 1, nil)); !errors.Is(err, ErrJournalUnavailable) {
		t.Fatalf("expected lock to be refused, got %v", err)
	}
	if _, err := svc.Release(ctx, bob); !errors.Is(err, ErrJournalUnavailable) {
		t.Fatalf("expected release to be refused, got %v", err)
	}
	if settle.collected[bob] != 2 || settle.paid[bob] != 0 {
		t.Fatal("refused calls must not settle")
	}

	store.down = false
	if err := svc.Audit(ctx); err != nil {
		t.Fatalf("audit after recovery: %v", err)
	}
	events, _ := store.All(ctx)
	if len(events) != 3 || events[2].Type != EventReleased || events[2].ID != res.Events[0].ID {
		t.Fatalf("expected the release to be written last, got %+v", events)
	}
	if len(sink.events) != 3 {
		t.Errorf("expected the release to be published once written, got %d", len(sink.events))
	}

	restored := NewService(DefaultPolicy(), store, newMockSettlement(), quietLogger())
	if err := restored.Restore(ctx); err != nil {
		t.Fatal(err)
	}
	bal, _ := restored.BalanceOf(ctx, alice)
	sum, _ := restored.Summary(ctx)
	if !bal.IsZero() || !sum.TotalLocked.Eq(u(2)) {
		t.Fatalf("restored ledger mismatch: alice %s total %s", bal.Dec(), sum.TotalLocked.Dec())
	}
}

func TestService_SinkFailureIsNotFatal(t *testing.T) {
	svc, _, _, _ := newTestService(DefaultPolicy())
	svc.WithSink(&recordingSink{err: errors.New("broker down")})

	if _, err := svc.Lock(context.Background(), lockInput(alice, 1, nil)); err != nil {
		t.Fatalf("sink failure must not fail the lock: %v", err)
	}
}

func TestService_Restore(t *testing.T) {
	svc, _, store, clock := newTestService(DefaultPolicy())
	ctx := context.Background()

	in := lockInput(alice, 10, at(time.Hour))
	in.DepositRef = "0xaaa"
	if _, err := svc.Lock(ctx, in); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Lock(ctx, lockInput(bob, 4, nil)); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Release(ctx, bob); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Hour)
	if _, err := svc.AnnounceMatured(ctx); err != nil {
		t.Fatal(err)
	}

	settle := newMockSettlement()
	restored := NewService(DefaultPolicy(), store, settle, quietLogger()).WithClock(clock.Now)
	if err := restored.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}

	sum, _ := restored.Summary(ctx)
	if !sum.TotalLocked.Eq(u(10)) || sum.Owners != 1 {
		t.Fatalf("unexpected restored summary: %+v", sum)
	}
	if len(settle.seeded) != 2 || settle.seeded[0] != "0xaaa" {
		t.Fatalf("expected deposit refs to be seeded, got %v", settle.seeded)
	}

	// Alice was announced before the restart and must not be announced again.
	fresh, err := restored.AnnounceMatured(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(fresh) != 0 {
		t.Fatalf("expected no repeat announcement, got %d", len(fresh))
	}
}

func TestService_AnnounceMaturedOnce(t *testing.T) {
	svc, _, store, clock := newTestService(DefaultPolicy())
	ctx := context.Background()

	if _, err := svc.Lock(ctx, lockInput(alice, 2, at(time.Minute))); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Lock(ctx, lockInput(bob, 2, nil)); err != nil {
		t.Fatal(err)
	}

	if fresh, _ := svc.AnnounceMatured(ctx); len(fresh) != 0 {
		t.Fatalf("nothing has matured yet, got %d", len(fresh))
	}

	clock.Advance(time.Minute)
	fresh, err := svc.AnnounceMatured(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(fresh) != 1 || fresh[0].Owner != alice || fresh[0].Type != EventMatured {
		t.Fatalf("expected one Matured(alice), got %+v", fresh)
	}
	if fresh, _ := svc.AnnounceMatured(ctx); len(fresh) != 0 {
		t.Fatalf("expected no repeat, got %d", len(fresh))
	}

	// A top-up that moves unlockAt makes the lock eligible again later.
	if _, err := svc.Lock(ctx, lockInput(alice, 1, at(2*time.Hour))); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Hour)
	if fresh, _ := svc.AnnounceMatured(ctx); len(fresh) != 1 {
		t.Fatalf("expected re-announcement after extension, got %d", len(fresh))
	}

	matured, _ := store.List(ctx, EventFilter{Types: []EventType{EventMatured}})
	if len(matured) != 2 {
		t.Fatalf("expected 2 matured events in log, got %d", len(matured))
	}
	bal, _ := svc.BalanceOf(ctx, alice)
	if !bal.Eq(u(3)) {
		t.Fatal("announcements must not change balances")
	}
}

func TestService_ReleaseMatured(t *testing.T) {
	svc, settle, _, clock := newTestService(DefaultPolicy())
	ctx := context.Background()

	if _, err := svc.Lock(ctx, lockInput(alice, 6, at(time.Hour))); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ReleaseMatured(ctx, alice); !errors.Is(err, ErrLockNotMatured) {
		t.Fatalf("expected ErrLockNotMatured, got %v", err)
	}

	clock.Advance(time.Hour)
	if _, err := svc.ReleaseMatured(ctx, alice); err != nil {
		t.Fatal(err)
	}
	if settle.paid[alice] != 6 {
		t.Fatalf("expected payout of 6, got %d", settle.paid[alice])
	}
}

func TestService_ContextCancelledWhileBusy(t *testing.T) {
	svc, _, _, _ := newTestService(DefaultPolicy())

	unlock, err := svc.mu.LockContext(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := svc.Lock(ctx, lockInput(alice, 1, nil)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestService_ConcurrentLocks(t *testing.T) {
	svc, _, store, _ := newTestService(DefaultPolicy())
	ctx := context.Background()

	owners := []common.Address{alice, bob}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(owner common.Address) {
			defer wg.Done()
			if _, err := svc.Lock(ctx, lockInput(owner, 1, nil)); err != nil {
				t.Errorf("lock: %v", err)
			}
		}(owners[i%2])
	}
	wg.Wait()

	sum, _ := svc.Summary(ctx)
	if !sum.TotalLocked.Eq(u(50)) {
		t.Fatalf("expected total 50, got %s", sum.TotalLocked.Dec())
	}
	if err := svc.Audit(ctx); err != nil {
		t.Fatal(err)
	}
	events, _ := store.All(ctx)
	if len(events) != 50 {
		t.Fatalf("expected 50 events, got %d", len(events))
	}
}
