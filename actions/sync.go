package actions

import (
	"context"

	"github.com/pkg/errors"

	"github.com/dualwrite/dualwrite/reconcile"
	"github.com/dualwrite/dualwrite/types"
)

// TriggerSync runs a reconciliation pass synchronously and returns the
// synchronized-record count plus post-run store stats.
func (a *Actions) TriggerSync(ctx context.Context) (*SyncResult, error) {
	a.log.Info("Manual reconciliation triggered")

	synced, err := a.cfg.Reconciler.Run(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to run reconciliation")
	}

	return &SyncResult{
		Synced: synced,
		Stats:  a.cfg.Reconciler.StoreStats(ctx),
	}, nil
}

// Metrics snapshots every component's counters
func (a *Actions) Metrics() *MetricsSnapshot {
	return &MetricsSnapshot{
		Capture:   a.cfg.Capture.Metrics(),
		Outbox:    a.cfg.Relay.Metrics(),
		Primary:   a.cfg.PrimaryConsumer.Metrics(),
		Secondary: a.cfg.SecondaryConsumer.Metrics(),
	}
}

// StoreStats returns both stores' record counts and their difference
func (a *Actions) StoreStats(ctx context.Context) reconcile.Stats {
	return a.cfg.Reconciler.StoreStats(ctx)
}

// OutboxStats returns outbox entry counts grouped by delivery status
func (a *Actions) OutboxStats(ctx context.Context) (map[types.OutboxStatus]int64, error) {
	return a.cfg.Relay.Stats(ctx)
}
