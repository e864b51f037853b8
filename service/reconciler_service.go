package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vocdoni/ballotbox/log"
	"github.com/vocdoni/ballotbox/reconciler"
)

// Reconciler runs sync and verification passes.
type Reconciler interface {
	Sync(ctx context.Context) (*reconciler.SyncSummary, error)
	Verify(ctx context.Context) (*reconciler.Report, error)
}

// ReconcilerService runs a sync pass followed by a verification pass on a
// fixed interval.
type ReconcilerService struct {
	engine   Reconciler
	interval time.Duration
	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	passes   chan struct{}
}

// NewReconciler creates a new ReconcilerService.
func NewReconciler(engine Reconciler, interval time.Duration) *ReconcilerService {
	return &ReconcilerService{
		engine:   engine,
		interval: interval,
		passes:   make(chan struct{}, 1),
	}
}

// Start begins the periodic passes. The first one runs right away.
func (rs *ReconcilerService) Start(ctx context.Context) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.cancel != nil {
		return fmt.Errorf("service already running")
	}
	if rs.interval <= 0 {
		return fmt.Errorf("invalid reconcile interval %s", rs.interval)
	}
	ctx, rs.cancel = context.WithCancel(ctx)

	rs.wg.Add(1)
	go func() {
		defer rs.wg.Done()
		ticker := time.NewTicker(rs.interval)
		defer ticker.Stop()
		for {
			rs.runPass(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	log.Infow("reconciler started", "interval", rs.interval.String())
	return nil
}

// Stop halts the service and waits for a running pass to return.
func (rs *ReconcilerService) Stop() {
	rs.mu.Lock()
	if rs.cancel != nil {
		rs.cancel()
		rs.cancel = nil
	}
	rs.mu.Unlock()
	rs.wg.Wait()
}

// Passes returns a channel receiving a value after each completed pass,
// dropped when nobody reads it.
func (rs *ReconcilerService) Passes() <-chan struct{} {
	return rs.passes
}

func (rs *ReconcilerService) runPass(ctx context.Context) {
	summary, err := rs.engine.Sync(ctx)
	if err != nil {
		log.Warnw("sync pass failed", "error", err)
	} else if summary.Failed > 0 {
		log.Warnw("sync pass left records pending", "failed", summary.Failed, "pending", summary.TotalPending)
	}
	if ctx.Err() != nil {
		return
	}
	report, err := rs.engine.Verify(ctx)
	switch {
	case err != nil:
		log.Warnw("verification pass failed", "error", err)
	case !report.Consistent:
		log.Warnw("local votes inconsistent with ledger",
			"discrepancies", len(report.Discrepancies),
			"total", report.TotalVotes)
	default:
		log.Debugw("local votes consistent with ledger", "total", report.TotalVotes)
	}
	select {
	case rs.passes <- struct{}{}:
	default:
	}
}
