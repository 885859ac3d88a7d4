// Package migration implements the live-migration controller (C8): a
// persisted state machine driving initializing → backup → restore →
// catching-up → ready → finalizing → completed, plus the write-routing
// function exposed while the migration is ready for cutover. Grounded on
// spirit.Runner's migrationState/currentState shape
// (pkg/migration/runner.go), relabeled to this module's states, and on
// coordinator.Coordinator's "persist state, then act" checkpoint
// discipline generalized from a periodic timer to every transition.
package migration

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/gurre/ddlog-backup/backup"
	"github.com/gurre/ddlog-backup/ddlogerr"
	"github.com/gurre/ddlog-backup/metadata"
	"github.com/gurre/ddlog-backup/restore"
	"github.com/gurre/ddlog-backup/sourcedb"
	"github.com/gurre/ddlog-backup/txlog"
)

// controllerState mirrors spirit.Runner's atomically-addressed
// migrationState int32, relabeled to this module's state names. It is the
// Controller's in-process fast path; metadata.MigrationState is the
// persisted, human-readable twin written to the migration record.
type controllerState int32

const (
	csInitializing controllerState = iota
	csBackup
	csRestore
	csCatchingUp
	csReady
	csFinalizing
	csCompleted
	csArchived
	csFailed
)

func (s controllerState) String() string {
	return string(s.toMetadata())
}

func (s controllerState) toMetadata() metadata.MigrationState {
	switch s {
	case csInitializing:
		return metadata.StateInitializing
	case csBackup:
		return metadata.StateBackup
	case csRestore:
		return metadata.StateRestore
	case csCatchingUp:
		return metadata.StateCatchingUp
	case csReady:
		return metadata.StateReady
	case csFinalizing:
		return metadata.StateFinalizing
	case csCompleted:
		return metadata.StateCompleted
	case csArchived:
		return metadata.StateArchived
	case csFailed:
		return metadata.StateFailed
	}
	return metadata.StateFailed
}

func fromMetadata(s metadata.MigrationState) controllerState {
	switch s {
	case metadata.StateInitializing:
		return csInitializing
	case metadata.StateBackup:
		return csBackup
	case metadata.StateRestore:
		return csRestore
	case metadata.StateCatchingUp:
		return csCatchingUp
	case metadata.StateReady:
		return csReady
	case metadata.StateFinalizing:
		return csFinalizing
	case metadata.StateCompleted:
		return csCompleted
	case metadata.StateArchived:
		return csArchived
	default:
		return csFailed
	}
}

func isTerminal(s metadata.MigrationState) bool {
	return s == metadata.StateCompleted || s == metadata.StateArchived || s == metadata.StateFailed
}

// Options configures a migration run, per spec §4.8 and §3's migration
// record fields.
type Options struct {
	MigrationID       string
	DatabaseID        string
	SourceConfig      string
	TargetConfig      string
	BackupOptions     backup.Options
	RestoreOptions    restore.Options
	CaptureCapacity   int
	FlushEvery        int
	FlushInterval     time.Duration
	CaptureGapMargin  int64
	CatchUpQuiescence time.Duration
}

// DefaultCatchUpQuiescence is D from spec §4.8's "catching-up" definition:
// the log cursor has reached the live tail once the capture queue is
// empty and no new entries have appeared for this long.
const DefaultCatchUpQuiescence = 500 * time.Millisecond

// catchUpPollInterval is how often runCatchUp re-checks the log and
// capture queue while waiting for quiescence.
const catchUpPollInterval = 50 * time.Millisecond

func (o Options) withDefaults() Options {
	if o.CaptureGapMargin <= 0 {
		o.CaptureGapMargin = 1
	}
	if o.CatchUpQuiescence <= 0 {
		o.CatchUpQuiescence = DefaultCatchUpQuiescence
	}
	return o
}

// Controller drives the migration state machine of spec §4.8.
type Controller struct {
	Meta          *metadata.Store
	Source        sourcedb.SourceDB
	Dest          sourcedb.TargetDB
	BackupEngine  *backup.Engine
	RestoreEngine *restore.Engine
	Logger        zerolog.Logger
	TxLogDir      string

	state controllerState // atomic; mirrors the persisted record's State

	mu           sync.Mutex
	capture      *txlog.Capture
	appender     *txlog.Appender
	unsubscribe  func()
	appenderDone chan error
}

// NewController constructs a Controller.
func NewController(meta *metadata.Store, source sourcedb.SourceDB, dest sourcedb.TargetDB, backupEngine *backup.Engine, restoreEngine *restore.Engine, txLogDir string, logger zerolog.Logger) *Controller {
	return &Controller{
		Meta:          meta,
		Source:        source,
		Dest:          dest,
		BackupEngine:  backupEngine,
		RestoreEngine: restoreEngine,
		TxLogDir:      txLogDir,
		Logger:        logger,
	}
}

func (c *Controller) getState() controllerState {
	return controllerState(atomic.LoadInt32((*int32)(&c.state)))
}

func (c *Controller) setState(s controllerState) {
	atomic.StoreInt32((*int32)(&c.state), int32(s))
}

// State reports the controller's current state without touching the
// metadata store, for progress reporting.
func (c *Controller) State() string {
	return c.getState().String()
}

// Run drives the migration through initializing, backup, restore, and
// catch-up, returning a Router once the migration reaches ready. A fresh
// call with the same Options.MigrationID resumes a non-terminal migration
// from its persisted state rather than starting over.
func (c *Controller) Run(ctx context.Context, opts Options) (*Router, error) {
	opts = opts.withDefaults()
	log := c.Logger.With().
		Str("operation", "migration").
		Str("migration_id", opts.MigrationID).
		Str("database_id", opts.DatabaseID).
		Logger()

	rec, err := c.initializing(ctx, opts)
	if err != nil {
		return nil, err
	}
	c.setState(fromMetadata(rec.State))

	for {
		log.Info().Str("state", string(rec.State)).Msg("migration transition")
		switch rec.State {
		case metadata.StateInitializing:
			rec, err = c.enterBackup(ctx, opts, rec)
		case metadata.StateBackup:
			rec, err = c.runBackup(ctx, opts, rec)
		case metadata.StateRestore:
			rec, err = c.runRestore(ctx, opts, rec)
		case metadata.StateCatchingUp:
			rec, err = c.runCatchUp(ctx, opts, rec)
		case metadata.StateReady:
			c.setState(csReady)
			return c.newRouter(opts, rec), nil
		case metadata.StateFailed:
			return nil, ddlogerr.New(ddlogerr.CaptureGap, "migration previously failed", map[string]any{
				"migration_id": rec.MigrationID, "reason": rec.FailureReason,
			})
		default:
			return nil, ddlogerr.New(ddlogerr.Fatal, "unexpected migration state on resume", map[string]any{"state": rec.State})
		}
		if err != nil {
			return nil, err
		}
		c.setState(fromMetadata(rec.State))
	}
}

// initializing creates (or loads, for resume) the migration record and
// acquires the exclusive per-database migration lock, per spec §4.8's
// "fails with already_in_progress if any non-terminal migration exists
// for this database_id with a different migration_id."
func (c *Controller) initializing(ctx context.Context, opts Options) (metadata.MigrationRecord, error) {
	existing, err := c.Meta.ReadMigrationRecord(ctx, opts.MigrationID)
	if err == nil {
		if isTerminal(existing.State) {
			return metadata.MigrationRecord{}, ddlogerr.New(ddlogerr.Fatal, "migration already in a terminal state", map[string]any{
				"migration_id": opts.MigrationID, "state": existing.State,
			})
		}
		return existing, nil
	}

	lockErr := c.acquireDatabaseLock(ctx, opts)
	if lockErr != nil {
		return metadata.MigrationRecord{}, lockErr
	}

	now := time.Now().UTC()
	rec := metadata.MigrationRecord{
		MigrationID:  opts.MigrationID,
		State:        metadata.StateInitializing,
		DatabaseID:   opts.DatabaseID,
		SourceConfig: opts.SourceConfig,
		TargetConfig: opts.TargetConfig,
		TxLogPath:    filepath.Join(c.TxLogDir, opts.MigrationID+".tx.log"),
		StartedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.Meta.WriteMigrationRecord(ctx, opts.MigrationID, rec); err != nil {
		return metadata.MigrationRecord{}, err
	}
	return rec, nil
}

// acquireDatabaseLock reuses the C1/C5 PutIfAbsent lock primitive, keyed
// by database_id and tagged with this migration's id via LockInfo.Host so
// a resuming call for the same migration_id can tell its own lock apart
// from a different migration already holding it.
func (c *Controller) acquireDatabaseLock(ctx context.Context, opts Options) error {
	_, err := c.Meta.TryAcquireLock(ctx, opts.DatabaseID, metadata.LockInfo{
		PID:       os.Getpid(),
		Host:      opts.MigrationID,
		StartedAt: time.Now().UTC(),
	})
	if err == nil {
		return nil
	}
	if !ddlogerr.Is(err, ddlogerr.Conflict) {
		return err
	}
	info, readErr := c.Meta.ReadLockInfo(ctx, opts.DatabaseID)
	if readErr != nil {
		return err
	}
	if info.Host == opts.MigrationID {
		return nil
	}
	return ddlogerr.New(ddlogerr.Conflict, "a different migration is already in progress for this database", map[string]any{
		"database_id":        opts.DatabaseID,
		"holder_migration_id": info.Host,
	})
}

// transitionTo persists rec's new state before returning, per spirit's
// checkpoint-dump-before-cutover discipline generalized to every state
// transition rather than a periodic timer.
func (c *Controller) transitionTo(ctx context.Context, rec metadata.MigrationRecord, next metadata.MigrationState) (metadata.MigrationRecord, error) {
	rec.State = next
	rec.UpdatedAt = time.Now().UTC()
	if err := c.Meta.WriteMigrationRecord(ctx, rec.MigrationID, rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// enterBackup transitions initializing → backup, persisting before
// starting capture so a crash between the two resumes back into backup
// rather than silently skipping capture.
func (c *Controller) enterBackup(ctx context.Context, opts Options, rec metadata.MigrationRecord) (metadata.MigrationRecord, error) {
	return c.transitionTo(ctx, rec, metadata.StateBackup)
}

// runBackup starts tx capture (so commits after the backup's snapshot are
// not lost, per spec §4.8) and then invokes the backup engine.
func (c *Controller) runBackup(ctx context.Context, opts Options, rec metadata.MigrationRecord) (metadata.MigrationRecord, error) {
	if err := c.startCapture(ctx, opts, rec); err != nil {
		return rec, err
	}

	backupOpts := opts.BackupOptions
	backupOpts.DatabaseID = opts.DatabaseID
	res, err := c.BackupEngine.Run(ctx, c.Source, backupOpts)
	if err != nil {
		return rec, err
	}
	rec.InitialBackupID = res.BackupID
	return c.transitionTo(ctx, rec, metadata.StateRestore)
}

// runRestore loads the migration's initial backup into the target.
func (c *Controller) runRestore(ctx context.Context, opts Options, rec metadata.MigrationRecord) (metadata.MigrationRecord, error) {
	if _, err := c.RestoreEngine.Run(ctx, c.Dest, opts.DatabaseID, rec.InitialBackupID, opts.RestoreOptions); err != nil {
		return rec, err
	}
	return c.transitionTo(ctx, rec, metadata.StateCatchingUp)
}

// runCatchUp drains the tx log captured during backup/restore into the
// target until the log cursor reaches the live tail, per spec §4.8:
// "drain the tx log into the target using C7's replay loop until the log
// cursor reaches the 'live tail' (queue empty and no new entries in the
// last D ms; D default 500)."
//
// Before (re-)starting capture, it first checks for a resume discontinuity:
// commits made while no capture was subscribed (an unclean prior stop)
// can never be recovered by draining, so that gap is checked once, up
// front, against CaptureGapMargin and fails fast with capture_gap rather
// than looping forever. Once capture is running, new commits keep
// arriving live, so the loop below is a quiescence wait, not a second
// capture_gap check.
func (c *Controller) runCatchUp(ctx context.Context, opts Options, rec metadata.MigrationRecord) (metadata.MigrationRecord, error) {
	reader := txlog.NewReader(rec.TxLogPath)

	preMaxT, err := c.Source.MaxT(ctx)
	if err != nil {
		return rec, err
	}
	lastT, err := reader.ReplayFrom(ctx, rec.LastReplayedT, c.Dest)
	if err != nil {
		return rec, err
	}
	rec.LastReplayedT = lastT

	if preMaxT-lastT > opts.CaptureGapMargin {
		rec.FailureReason = "capture_gap"
		failed, ferr := c.transitionTo(ctx, rec, metadata.StateFailed)
		if ferr != nil {
			return rec, ferr
		}
		return failed, ddlogerr.New(ddlogerr.CaptureGap, "tx log discontinuity on migration resume", map[string]any{
			"migration_id": rec.MigrationID, "last_replayed_t": lastT, "source_max_t": preMaxT,
		})
	}

	if err := c.startCapture(ctx, opts, rec); err != nil {
		return rec, err
	}

	var quietSince time.Time
	for {
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		default:
		}

		// Force whatever Append has buffered out to disk so ReplayFrom can
		// see it without waiting for the Appender's own flushEvery/
		// flushInterval cadence.
		if err := c.flushCaptureBuffer(); err != nil {
			return rec, err
		}

		newLastT, err := reader.ReplayFrom(ctx, lastT, c.Dest)
		if err != nil {
			return rec, err
		}
		rec.LastReplayedT = newLastT

		if newLastT != lastT || !c.captureQueueEmpty() {
			quietSince = time.Time{}
		} else if quietSince.IsZero() {
			quietSince = time.Now()
		}
		lastT = newLastT

		if !quietSince.IsZero() && time.Since(quietSince) >= opts.CatchUpQuiescence {
			return c.transitionTo(ctx, rec, metadata.StateReady)
		}

		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-time.After(catchUpPollInterval):
		}
	}
}

// flushCaptureBuffer forces the running Appender's in-memory buffer to
// disk immediately, outside its normal flushEvery/flushInterval cadence.
// A no-op if capture isn't running.
func (c *Controller) flushCaptureBuffer() error {
	c.mu.Lock()
	appender := c.appender
	c.mu.Unlock()
	if appender == nil {
		return nil
	}
	return appender.Flush()
}

// captureQueueEmpty reports whether the running Capture's bounded channel
// currently holds any unflushed commits. Reports true if capture isn't
// running (nothing to drain).
func (c *Controller) captureQueueEmpty() bool {
	c.mu.Lock()
	capture := c.capture
	c.mu.Unlock()
	if capture == nil {
		return true
	}
	return capture.Pending() == 0
}

// startCapture subscribes a txlog.Capture to the source DB and starts its
// Appender, idempotently: a call while capture is already running is a
// no-op, so re-entering backup or catch-up on resume never double-
// subscribes.
func (c *Controller) startCapture(ctx context.Context, opts Options, rec metadata.MigrationRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capture != nil {
		return nil
	}

	appender, err := txlog.NewAppender(rec.TxLogPath, opts.FlushEvery, opts.FlushInterval, c.Logger)
	if err != nil {
		return err
	}
	capture := txlog.NewCapture(opts.CaptureCapacity, c.Logger)
	unsubscribe, err := c.Source.Subscribe(capture)
	if err != nil {
		_ = appender.Close()
		return err
	}

	done := make(chan error, 1)
	go func() { done <- appender.Run(ctx, capture) }()

	c.capture = capture
	c.appender = appender
	c.unsubscribe = unsubscribe
	c.appenderDone = done
	return nil
}

// stopCapture unsubscribes first (no further OnCommit calls can arrive),
// then closes the capture channel so the in-flight Appender.Run drains
// whatever was already buffered and returns, and waits for it to finish
// so every buffered entry is fsynced to disk before the caller reads the
// log file back.
func (c *Controller) stopCapture(ctx context.Context) error {
	c.mu.Lock()
	capture := c.capture
	unsubscribe := c.unsubscribe
	done := c.appenderDone
	c.capture = nil
	c.appender = nil
	c.unsubscribe = nil
	c.appenderDone = nil
	c.mu.Unlock()

	if capture == nil {
		return nil
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	capture.Close()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FinalizeResult is returned by Router.Finalize, per spec §4.8.
type FinalizeResult struct {
	Status       string
	MigrationID  string
	TargetHandle sourcedb.TargetDB
}
