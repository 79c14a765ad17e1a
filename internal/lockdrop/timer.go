package lockdrop

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/lockdrop/internal/units"
)

// Timer periodically announces matured locks and, when autoRelease is set,
// returns them to their owners.
type Timer struct {
	service     *Service
	interval    time.Duration
	autoRelease bool
	logger      *slog.Logger
	stop        chan struct{}
	running     atomic.Bool
}

// NewTimer creates a maturity timer. A non-positive interval means 30s.
func NewTimer(service *Service, interval time.Duration, autoRelease bool, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		service:     service,
		interval:    interval,
		autoRelease: autoRelease,
		logger:      logger,
		stop:        make(chan struct{}, 1),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the maturity loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in maturity timer", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	announced, err := t.service.AnnounceMatured(ctx)
	if err != nil {
		t.logger.Warn("failed to announce matured locks", "error", err)
		return
	}
	for _, e := range announced {
		t.logger.Info("lock matured", "owner", e.Owner.Hex(), "amount", units.Format(e.Amount), "unlockAt", e.UnlockAt)
	}

	if !t.autoRelease {
		return
	}

	matured, err := t.service.Matured(ctx)
	if err != nil {
		t.logger.Warn("failed to list matured locks", "error", err)
		return
	}
	for _, rec := range matured {
		res, err := t.service.ReleaseMatured(ctx, rec.Owner)
		if err != nil {
			t.logger.Warn("failed to auto-release lock", "owner", rec.Owner.Hex(), "error", err)
			continue
		}
		t.logger.Info("auto-released lock", "owner", rec.Owner.Hex(), "amount", units.Format(res.Amount), "ref", res.Reference)
	}
}
