package payments

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/taskescrow/internal/chain"
)

// DefaultReconcileInterval is how often unresolved ledger calls are re-checked.
const DefaultReconcileInterval = 30 * time.Second

// Reconciler polls the ledger for payments whose last transaction timed
// out, and moves them to whatever state the ledger reports.
type Reconciler struct {
	service  *Service
	store    Store
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

func NewReconciler(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		service:  service,
		store:    store,
		interval: interval,
		batch:    100,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the loop is active.
func (r *Reconciler) Running() bool {
	return r.running.Load()
}

// Start runs the loop until ctx ends or Stop is called. Call in a goroutine.
func (r *Reconciler) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeSweep(ctx)
		}
	}
}

// Stop signals the loop to exit.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Reconciler) safeSweep(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic in payment reconciler", "panic", fmt.Sprint(p))
		}
	}()
	r.Sweep(ctx)
}

// Sweep re-checks one batch and returns how many payments were resolved.
func (r *Reconciler) Sweep(ctx context.Context) int {
	pending, err := r.store.ListPending(ctx, r.batch)
	if err != nil {
		r.logger.Warn("failed to list unresolved payments", "error", err)
		return 0
	}

	resolved := 0
	for _, p := range pending {
		updated, err := r.service.Reconcile(ctx, p.ID)
		switch {
		case err != nil && chain.IsPending(err):
			r.logger.Debug("ledger outcome still unknown", "payment_id", p.ID, "tx_hash", p.PendingTxID)
			continue
		case updated != nil && updated.PendingTxID == "":
			resolved++
			r.logger.Info("reconciled payment",
				"payment_id", p.ID, "op", p.PendingOp, "tx_hash", p.PendingTxID, "status", updated.Status)
		case err != nil:
			r.logger.Warn("failed to reconcile payment", "payment_id", p.ID, "error", err)
		}
	}
	return resolved
}
