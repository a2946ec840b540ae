package orchestrator

import (
	"context"
	"time"

	"apex-orchestrator/internal/logging"
	"apex-orchestrator/internal/sandbox"
	"apex-orchestrator/internal/store"
)

// nonTerminalStatuses are the record states a crash can leave orphaned.
var nonTerminalStatuses = []string{
	StateQueued.String(), StatePreparing.String(), StateLaunching.String(), StateRunning.String(),
}

// Reconciler implements spec.md §5's crash-recovery sweep: on process
// startup, reconcile persisted non-terminal Execution records against live
// sandboxes — if the sandbox is gone, the record is marked crashed outright;
// if it is still there, it is destroyed (once older than
// ContainerCleanupHours) before the record is marked crashed, so a restart
// never leaks a container the crashed process started. Since the in-memory
// registry is always empty immediately after a restart, any record still
// non-terminal at boot is, by construction, an orphan from a prior crash —
// there is no live fibre left to finish it.
type Reconciler struct {
	executions store.ExecutionRecordStore
	settings   store.SettingsStore
	driver     sandbox.Driver
}

func NewReconciler(executions store.ExecutionRecordStore, settings store.SettingsStore, driver sandbox.Driver) *Reconciler {
	return &Reconciler{executions: executions, settings: settings, driver: driver}
}

// Reconcile marks every record still listed non-terminal as crashed, after
// resolving whatever sandbox that execution had against the Docker daemon.
// userIDs is the set of users whose recent records should be checked;
// callers typically source this from a startup query over all users with
// any activity in the reconciliation window.
func (r *Reconciler) Reconcile(ctx context.Context, userIDs []uint) (int, error) {
	settings, err := r.settings.Get(ctx)
	if err != nil {
		return 0, err
	}
	cleanupAge := time.Duration(settings.ContainerCleanupHours) * time.Hour

	fixed := 0
	for _, uid := range userIDs {
		recent, err := r.executions.Recent(ctx, uid, 50)
		if err != nil {
			return fixed, err
		}
		for _, rec := range recent {
			if !isNonTerminalStatus(rec.Status) {
				continue
			}
			if !r.reconcileOne(ctx, rec, cleanupAge) {
				continue
			}
			fixed++
		}
	}
	return fixed, nil
}

// reconcileOne resolves one orphaned record's sandbox and, once it is safe
// to conclude the record crashed, commits the terminal write. It returns
// false if the record was left untouched (sandbox present, not yet past
// ContainerCleanupHours — still possibly live) or the write failed.
func (r *Reconciler) reconcileOne(ctx context.Context, rec store.ExecutionRecord, cleanupAge time.Duration) bool {
	handle, createdAt, found, err := r.driver.Lookup(ctx, rec.ID)
	if err != nil {
		logging.S().Warnw("reconciler: sandbox lookup failed, leaving record for next sweep", "execution", rec.ID, "error", err)
		return false
	}

	if found {
		if time.Since(createdAt) < cleanupAge {
			logging.S().Infow("reconciler: sandbox still within cleanup window, leaving record", "execution", rec.ID, "age", time.Since(createdAt))
			return false
		}
		if err := r.driver.Destroy(ctx, handle); err != nil {
			logging.S().Warnw("reconciler: failed to destroy orphaned sandbox", "execution", rec.ID, "error", err)
			return false
		}
	}

	now := time.Now().UTC()
	if err := r.executions.UpdateTerminal(ctx, rec.ID, store.ExecutionRecord{
		Status:            "crashed",
		TerminationReason: "crashed",
		EndedAt:           &now,
	}); err != nil {
		logging.S().Warnw("reconciler: failed to mark orphaned record crashed", "execution", rec.ID, "error", err)
		return false
	}
	return true
}

func isNonTerminalStatus(status string) bool {
	for _, s := range nonTerminalStatuses {
		if s == status {
			return true
		}
	}
	return false
}
