package reconciliation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/mbd888/lockdrop/internal/account"
	"github.com/mbd888/lockdrop/internal/lockdrop"
	"github.com/mbd888/lockdrop/internal/settlement"
	"github.com/mbd888/lockdrop/internal/units"
)

type mockLedger struct {
	total *uint256.Int
	err   error
}

func (m *mockLedger) Summary(context.Context) (*lockdrop.Summary, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &lockdrop.Summary{TotalLocked: new(uint256.Int).Set(m.total)}, nil
}

type mockCustody struct {
	balance *uint256.Int
	err     error
}

func (m *mockCustody) Balance(context.Context) (*uint256.Int, error) {
	if m.err != nil {
		return nil, m.err
	}
	return new(uint256.Int).Set(m.balance), nil
}

func TestCheck_Covered(t *testing.T) {
	// Custody keeps a surplus for transaction fees.
	svc := NewService(&mockLedger{total: units.MustParse("125")}, &mockCustody{balance: units.MustParse("125.5")})

	res, err := svc.Check(context.Background())
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !res.Covered || res.Shortfall != "" {
		t.Errorf("expected covered, got %+v", res)
	}
	if res.Custody != "125.5" || res.TotalLocked != "125" {
		t.Errorf("unexpected amounts: %+v", res)
	}
}

func TestCheck_Shortfall(t *testing.T) {
	svc := NewService(&mockLedger{total: units.MustParse("130")}, &mockCustody{balance: units.MustParse("125")})

	res, err := svc.Check(context.Background())
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if res.Covered {
		t.Fatal("expected shortfall")
	}
	if res.Shortfall != "5" {
		t.Errorf("Shortfall = %q, want 5", res.Shortfall)
	}
}

func TestHealthy_NeedsTwoConsecutiveShortfalls(t *testing.T) {
	ledger := &mockLedger{total: units.MustParse("10")}
	custody := &mockCustody{balance: units.MustParse("9")}
	svc := NewService(ledger, custody)
	ctx := context.Background()

	_, _ = svc.Check(ctx)
	if !svc.Healthy() {
		t.Fatal("a single shortfall must not mark custody unhealthy")
	}
	_, _ = svc.Check(ctx)
	if svc.Healthy() {
		t.Fatal("two consecutive shortfalls must mark custody unhealthy")
	}

	custody.balance = units.MustParse("10")
	_, _ = svc.Check(ctx)
	if !svc.Healthy() {
		t.Fatal("a covered run resets the count")
	}
	if last, n := svc.Last(); n != 0 || !last.Covered {
		t.Errorf("Last() = %+v, %d", last, n)
	}
}

func TestCheck_Errors(t *testing.T) {
	boom := errors.New("rpc down")

	svc := NewService(&mockLedger{total: new(uint256.Int)}, &mockCustody{err: boom})
	if _, err := svc.Check(context.Background()); !errors.Is(err, boom) {
		t.Errorf("expected custody error, got %v", err)
	}

	svc = NewService(&mockLedger{err: boom}, &mockCustody{balance: new(uint256.Int)})
	if _, err := svc.Check(context.Background()); !errors.Is(err, boom) {
		t.Errorf("expected ledger error, got %v", err)
	}
	if last, _ := svc.Last(); last != nil {
		t.Error("failed runs must not replace the last result")
	}
}

func TestCheck_AgainstLockService(t *testing.T) {
	bank := settlement.NewMemoryBank()
	owner := account.MustParse("0x00000000000000000000000000000000000000a1")
	if err := bank.Fund(owner, units.MustParse("10")); err != nil {
		t.Fatal(err)
	}
	lockSvc := lockdrop.NewService(lockdrop.DefaultPolicy(), lockdrop.NewMemoryStore(), bank, nil)
	amount := units.MustParse("6")
	if _, err := lockSvc.Lock(context.Background(), lockdrop.LockInput{Caller: owner, Amount: amount, Value: amount}); err != nil {
		t.Fatal(err)
	}

	res, err := NewService(lockSvc, bank).Check(context.Background())
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !res.Covered || res.Custody != "6" || res.TotalLocked != "6" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestTimer_RunsImmediatelyAndStops(t *testing.T) {
	svc := NewService(&mockLedger{total: new(uint256.Int)}, &mockCustody{balance: new(uint256.Int)})
	timer := NewTimer(svc, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()

	deadline := time.After(time.Second)
	for {
		if last, _ := svc.Last(); last != nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timer did not run a check on start")
		case <-time.After(5 * time.Millisecond):
		}
	}

	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	if timer.Running() {
		t.Error("Running() should be false after stop")
	}
}
