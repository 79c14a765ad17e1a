// Package reconciliation compares the custody balance against the ledger's
// total locked value.
package reconciliation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/mbd888/lockdrop/internal/lockdrop"
	"github.com/mbd888/lockdrop/internal/units"
)

// LedgerSummary reports the ledger's totals. *lockdrop.Service implements it.
type LedgerSummary interface {
	Summary(ctx context.Context) (*lockdrop.Summary, error)
}

// Custodian reports the value held in custody.
type Custodian interface {
	Balance(ctx context.Context) (*uint256.Int, error)
}

// Result holds the outcome of one reconciliation check.
type Result struct {
	Covered     bool      `json:"covered"`
	Custody     string    `json:"custody"`
	TotalLocked string    `json:"totalLocked"`
	Shortfall   string    `json:"shortfall,omitempty"`
	CheckedAt   time.Time `json:"checkedAt"`
}

// Service checks that custody covers every lock.
type Service struct {
	ledger  LedgerSummary
	custody Custodian
	now     func() time.Time

	mu         sync.Mutex
	last       *Result
	shortfalls int // consecutive runs with a shortfall
}

// NewService creates a reconciliation service.
func NewService(ledger LedgerSummary, custody Custodian) *Service {
	return &Service{ledger: ledger, custody: custody, now: time.Now}
}

// Check compares custody with total locked. The custody balance is read
// before the ledger total; a lock settling in between makes a single run
// report a shortfall that the next run clears.
func (s *Service) Check(ctx context.Context) (*Result, error) {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	held, err := s.custody.Balance(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to read custody balance: %w", err)
	}
	sum, err := s.ledger.Summary(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to read ledger total: %w", err)
	}

	res := &Result{
		Covered:     !held.Lt(sum.TotalLocked),
		Custody:     units.Format(held),
		TotalLocked: units.Format(sum.TotalLocked),
		CheckedAt:   s.now().UTC(),
	}
	shortfall := new(uint256.Int)
	if !res.Covered {
		shortfall.Sub(sum.TotalLocked, held)
		res.Shortfall = units.Format(shortfall)
	}
	custodyBalance.Set(units.Float(held))
	custodyShortfall.Set(units.Float(shortfall))

	s.mu.Lock()
	s.last = res
	if res.Covered {
		s.shortfalls = 0
	} else {
		s.shortfalls++
	}
	s.mu.Unlock()
	return res, nil
}

// Last returns the most recent result and how many consecutive runs have
// reported a shortfall.
func (s *Service) Last() (*Result, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.shortfalls
}

// Healthy reports false once two consecutive runs have seen a shortfall.
func (s *Service) Healthy() bool {
	_, n := s.Last()
	return n < 2
}
