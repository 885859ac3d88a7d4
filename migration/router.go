package migration

import (
	"context"
	"sync"
	"time"

	"github.com/gurre/ddlog-backup/ddlogerr"
	"github.com/gurre/ddlog-backup/metadata"
	"github.com/gurre/ddlog-backup/sourcedb"
	"github.com/gurre/ddlog-backup/txlog"
)

// FinalizeResult is returned by Router.Finalize, per spec §4.8.

// Router is the write-routing value a ready migration exposes, per spec
// §9 DESIGN NOTES' "model as a value with two operations rather than an
// overloaded callable" — Submit forwards live writes to the source while
// capture is still running, Finalize stops capture and completes the
// migration.
type Router struct {
	controller *Controller
	opts       Options

	mu        sync.Mutex
	rec       metadata.MigrationRecord
	finalized bool
}

func (c *Controller) newRouter(opts Options, rec metadata.MigrationRecord) *Router {
	return &Router{controller: c, opts: opts, rec: rec}
}

// Submit forwards tuples to the source DB as a transaction. The source
// DB's commit hook delivers the resulting tx-report to the running
// txlog.Capture synchronously, before Transact returns, so the caller's
// return implies the commit is queued for capture. It reaches the tx log
// file on the Appender's flush cadence, not before Submit returns;
// Finalize drains whatever is still queued.
func (r *Router) Submit(ctx context.Context, tuples []sourcedb.Tuple) (sourcedb.TxReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return sourcedb.TxReport{}, ddlogerr.New(ddlogerr.Fatal, "migration_completed", map[string]any{
			"migration_id": r.rec.MigrationID,
		})
	}
	return r.controller.Source.Transact(ctx, tuples)
}

// Finalize unsubscribes capture, drains any remaining tx log entries into
// the target, and transitions the migration to completed. Subsequent
// Submit or Finalize calls return migration_completed, directing the
// caller to the target handle this call returns.
func (r *Router) Finalize(ctx context.Context) (FinalizeResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return FinalizeResult{}, ddlogerr.New(ddlogerr.Fatal, "migration_completed", map[string]any{
			"migration_id": r.rec.MigrationID,
		})
	}

	c := r.controller
	rec, err := c.transitionTo(ctx, r.rec, metadata.StateFinalizing)
	if err != nil {
		return FinalizeResult{}, err
	}

	if err := c.stopCapture(ctx); err != nil {
		return FinalizeResult{}, err
	}

	reader := txlog.NewReader(rec.TxLogPath)
	lastT, err := reader.ReplayFrom(ctx, rec.LastReplayedT, c.Dest)
	if err != nil {
		return FinalizeResult{}, err
	}
	rec.LastReplayedT = lastT

	now := time.Now().UTC()
	rec.State = metadata.StateCompleted
	rec.UpdatedAt = now
	rec.CompletedAt = &now
	if err := c.Meta.WriteMigrationRecord(ctx, rec.MigrationID, rec); err != nil {
		return FinalizeResult{}, err
	}
	if err := c.Meta.ReleaseLock(ctx, rec.DatabaseID); err != nil {
		return FinalizeResult{}, err
	}

	r.rec = rec
	r.finalized = true
	c.setState(csCompleted)

	return FinalizeResult{Status: "completed", MigrationID: rec.MigrationID, TargetHandle: c.Dest}, nil
}
