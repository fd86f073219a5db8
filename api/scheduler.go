/*
scheduler.go - Automated reconciliation scheduler

PURPOSE:
  Periodically reconciles every wallet: the stored balance is compared
  with the sum of its completed transactions. Discrepancies are recorded
  and logged for investigation; nothing is ever repaired automatically.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start, then on every tick
  - Each sweep is recorded as a ReconciliationRun (ULID id) when a
    RunStore is available, for audit and admin display
  - A failing wallet does not stop the sweep; the run is marked failed
    with the first error

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 hour, RECONCILE_INTERVAL)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewReconciliationScheduler(ledger, runs, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: ReconcileWallet endpoint (manual, single wallet)
  - wallet/service.go: ReconcileWallet
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/warp/coin-ledger/wallet"
)

// Reconciler is the part of the wallet engine a sweep needs.
type Reconciler interface {
	ListUserIDs(ctx context.Context) ([]wallet.UserID, error)
	ReconcileWallet(ctx context.Context, userID wallet.UserID) (wallet.Reconciliation, error)
}

// ReconciliationScheduler sweeps all wallets on an interval.
type ReconciliationScheduler struct {
	Ledger        Reconciler
	Runs          wallet.RunStore // optional
	CheckInterval time.Duration
	Enabled       bool

	logger *zap.Logger
	now    func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	sweep  sync.Mutex
}

// NewReconciliationScheduler creates a new scheduler. runs may be nil.
func NewReconciliationScheduler(ledger Reconciler, runs wallet.RunStore, logger *zap.Logger) *ReconciliationScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReconciliationScheduler{
		Ledger:        ledger,
		Runs:          runs,
		CheckInterval: time.Hour,
		Enabled:       true,
		logger:        logger.Named("reconciliation"),
		now:           time.Now,
	}
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled || rs.CheckInterval <= 0 {
		rs.logger.Info("scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run(rs.ticker, rs.stop)

	rs.logger.Info("scheduler started", zap.Duration("interval", rs.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight sweep to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.logger.Info("scheduler stopped")
	}
}

func (rs *ReconciliationScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Run immediately on start
	rs.RunNow(ctx)

	for {
		select {
		case <-ticker.C:
			rs.RunNow(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow sweeps every wallet once and returns the recorded run.
// Concurrent calls are serialized.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) wallet.ReconciliationRun {
	rs.sweep.Lock()
	defer rs.sweep.Unlock()

	run := wallet.ReconciliationRun{
		ID:            "recon_" + ulid.Make().String(),
		StartedAt:     rs.now(),
		Status:        "running",
		Discrepancies: []wallet.Reconciliation{},
	}
	rs.save(ctx, run)

	userIDs, err := rs.Ledger.ListUserIDs(ctx)
	if err != nil {
		rs.logger.Error("listing wallets failed", zap.String("run_id", run.ID), zap.Error(err))
		return rs.finish(ctx, run, err)
	}

	var firstErr error
	for _, userID := range userIDs {
		if ctx.Err() != nil {
			firstErr = ctx.Err()
			break
		}
		result, err := rs.Ledger.ReconcileWallet(ctx, userID)
		if err != nil {
			rs.logger.Error("reconciling wallet failed",
				zap.String("run_id", run.ID),
				zap.String("user_id", string(userID)),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		run.WalletsChecked++
		if result.Status == wallet.ReconcileDiscrepancy {
			run.Discrepancies = append(run.Discrepancies, result)
		}
	}

	return rs.finish(ctx, run, firstErr)
}

func (rs *ReconciliationScheduler) finish(ctx context.Context, run wallet.ReconciliationRun, err error) wallet.ReconciliationRun {
	run.CompletedAt = rs.now()
	run.Status = "completed"
	if err != nil {
		run.Status = "failed"
		run.Error = err.Error()
	}
	rs.save(context.WithoutCancel(ctx), run)

	rs.logger.Info("reconciliation sweep finished",
		zap.String("run_id", run.ID),
		zap.String("status", run.Status),
		zap.Int("wallets_checked", run.WalletsChecked),
		zap.Int("discrepancies", len(run.Discrepancies)),
	)
	return run
}

func (rs *ReconciliationScheduler) save(ctx context.Context, run wallet.ReconciliationRun) {
	if rs.Runs == nil {
		return
	}
	if err := rs.Runs.SaveReconciliationRun(ctx, run); err != nil {
		rs.logger.Warn("saving reconciliation run failed", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// NextRunTime returns when the next scheduled sweep will occur, or the zero
// time when the scheduler is not running.
func (rs *ReconciliationScheduler) NextRunTime() time.Time {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.ticker == nil {
		return time.Time{}
	}
	return rs.now().Add(rs.CheckInterval)
}
