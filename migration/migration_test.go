package migration

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gurre/ddlog-backup/backup"
	"github.com/gurre/ddlog-backup/ddlogerr"
	"github.com/gurre/ddlog-backup/metadata"
	"github.com/gurre/ddlog-backup/restore"
	"github.com/gurre/ddlog-backup/sourcedb"
	"github.com/gurre/ddlog-backup/store"
)

func strTuple(e int64, a string, s string, tx int64) sourcedb.Tuple {
	return sourcedb.Tuple{E: e, A: sourcedb.Ident(a), V: sourcedb.VString{S: s}, T: tx, Added: true}
}

type memSnapshot struct {
	tuples     []sourcedb.Tuple
	schema     []sourcedb.Tuple
	config     map[string]sourcedb.Value
	maxE, maxT int64
}

func (s memSnapshot) DatomsEAVT(ctx context.Context) (sourcedb.Iterator, error) {
	return sourcedb.NewSliceIterator(s.tuples), nil
}
func (s memSnapshot) Schema(ctx context.Context) ([]sourcedb.Tuple, error) { return s.schema, nil }
func (s memSnapshot) Config(ctx context.Context) (map[string]sourcedb.Value, error) {
	return s.config, nil
}
func (s memSnapshot) MaxE(ctx context.Context) (int64, error) { return s.maxE, nil }
func (s memSnapshot) MaxT(ctx context.Context) (int64, error) { return s.maxT, nil }

// memSourceDB is a minimal in-memory sourcedb.SourceDB that actually
// delivers commit hooks synchronously, unlike backup/restore's
// read-only fakes, so migration's capture-during-write behavior can be
// exercised end to end.
type memSourceDB struct {
	mu        sync.Mutex
	tuples    []sourcedb.Tuple
	schema    []sourcedb.Tuple
	config    map[string]sourcedb.Value
	nextE     int64
	nextT     int64
	listeners []sourcedb.Listener
}

func newMemSourceDB(tuples []sourcedb.Tuple, nextE, nextT int64) *memSourceDB {
	return &memSourceDB{tuples: tuples, nextE: nextE, nextT: nextT}
}

func (m *memSourceDB) Snapshot(ctx context.Context) (sourcedb.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := make([]sourcedb.Tuple, len(m.tuples))
	copy(snap, m.tuples)
	return memSnapshot{tuples: snap, schema: m.schema, config: m.config, maxE: m.nextE - 1, maxT: m.nextT - 1}, nil
}

func (m *memSourceDB) Transact(ctx context.Context, tuples []sourcedb.Tuple) (sourcedb.TxReport, error) {
	m.mu.Lock()
	t := m.nextT
	m.nextT++
	stamped := make([]sourcedb.Tuple, len(tuples))
	for i, tp := range tuples {
		tp.T = t
		stamped[i] = tp
	}
	m.tuples = append(m.tuples, stamped...)
	listeners := make([]sourcedb.Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		if l != nil {
			listeners = append(listeners, l)
		}
	}
	m.mu.Unlock()

	report := sourcedb.TxReport{T: t, CommittedAt: time.Unix(t, 0).UTC(), Tuples: stamped}
	for _, l := range listeners {
		l.OnCommit(report)
	}
	return report, nil
}

func (m *memSourceDB) Subscribe(l sourcedb.Listener) (func(), error) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	idx := len(m.listeners) - 1
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.listeners[idx] = nil
	}, nil
}

func (m *memSourceDB) MaxEID(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextE - 1, nil
}
func (m *memSourceDB) MaxT(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextT - 1, nil
}

type fakeTargetDB struct {
	mu      sync.Mutex
	hasUser bool
	loaded  []sourcedb.Tuple
}

func (f *fakeTargetDB) LoadPreFormed(ctx context.Context, tuples []sourcedb.Tuple) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded = append(f.loaded, tuples...)
	return nil
}
func (f *fakeTargetDB) SetWatermarks(ctx context.Context, maxE, maxT int64) error { return nil }
func (f *fakeTargetDB) HasUserTuples(ctx context.Context) (bool, error)          { return f.hasUser, nil }
func (f *fakeTargetDB) InstallSchema(ctx context.Context, schema []sourcedb.Tuple) error {
	return nil
}
func (f *fakeTargetDB) InstallConfig(ctx context.Context, config map[string]sourcedb.Value) error {
	return nil
}

func newTestController(t *testing.T, source *memSourceDB, target *fakeTargetDB) (*Controller, *metadata.Store) {
	t.Helper()
	backend, err := store.NewFileStore("file://" + t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	meta := metadata.NewStore(backend)
	backupEngine := backup.NewEngine(meta, backend, zerolog.Nop())
	restoreEngine := restore.NewEngine(meta, backend, zerolog.Nop())
	return NewController(meta, source, target, backupEngine, restoreEngine, t.TempDir(), zerolog.Nop()), meta
}

func TestController_RunDrivesToReadyAndFinalizeCompletesCapturedWrites(t *testing.T) {
	var initial []sourcedb.Tuple
	for tx := int64(0); tx < 5; tx++ {
		initial = append(initial, strTuple(tx, ":user/name", "v", tx))
	}
	source := newMemSourceDB(initial, 6, 5)
	target := &fakeTargetDB{}

	controller, meta := newTestController(t, source, target)
	ctx := context.Background()

	opts := Options{
		MigrationID:       "m1",
		DatabaseID:        "db1",
		BackupOptions:     backup.Options{ChunkBytes: 1 << 20},
		RestoreOptions:    restore.Options{},
		CaptureCapacity:   10,
		FlushEvery:        1,
		FlushInterval:     time.Hour,
		CaptureGapMargin:  1000,
		CatchUpQuiescence: 20 * time.Millisecond,
	}

	router, err := controller.Run(ctx, opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if router == nil {
		t.Fatalf("expected a router once ready")
	}
	if len(target.loaded) != len(initial) {
		t.Fatalf("got %d tuples loaded by restore, want %d", len(target.loaded), len(initial))
	}

	if _, err := router.Submit(ctx, []sourcedb.Tuple{strTuple(100, ":user/name", "new", 0)}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	res, err := router.Finalize(ctx)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if res.Status != "completed" {
		t.Fatalf("got status %q, want completed", res.Status)
	}

	found := false
	for _, tup := range target.loaded {
		if tup.E == 100 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the submitted write to be drained into the target, got %+v", target.loaded)
	}

	if _, err := router.Submit(ctx, []sourcedb.Tuple{strTuple(200, ":user/name", "late", 0)}); !ddlogerr.Is(err, ddlogerr.Fatal) {
		t.Fatalf("expected migration_completed fatal error after Finalize, got %v", err)
	}

	rec, err := meta.ReadMigrationRecord(ctx, "m1")
	if err != nil {
		t.Fatalf("ReadMigrationRecord: %v", err)
	}
	if rec.State != metadata.StateCompleted || rec.CompletedAt == nil {
		t.Fatalf("got record %+v, want a completed migration with CompletedAt set", rec)
	}
}

func TestController_RunRejectsConcurrentMigrationForSameDatabase(t *testing.T) {
	source := newMemSourceDB(nil, 1, 1)
	target := &fakeTargetDB{}
	controller1, meta := newTestController(t, source, target)
	ctx := context.Background()

	opts1 := Options{MigrationID: "m1", DatabaseID: "db1", CaptureCapacity: 10, FlushEvery: 1, FlushInterval: time.Hour, CaptureGapMargin: 1000, CatchUpQuiescence: 20 * time.Millisecond}
	router, err := controller1.Run(ctx, opts1)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if router == nil {
		t.Fatalf("expected a router")
	}

	target2 := &fakeTargetDB{}
	backend2, err := store.NewFileStore("file://" + t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	controller2 := NewController(meta, source, target2, backup.NewEngine(meta, backend2, zerolog.Nop()), restore.NewEngine(meta, backend2, zerolog.Nop()), t.TempDir(), zerolog.Nop())

	_, err = controller2.Run(ctx, Options{MigrationID: "m2", DatabaseID: "db1", CaptureCapacity: 10, FlushEvery: 1, FlushInterval: time.Hour, CaptureGapMargin: 1000, CatchUpQuiescence: 20 * time.Millisecond})
	if !ddlogerr.Is(err, ddlogerr.Conflict) {
		t.Fatalf("expected conflict error for a second migration on the same database, got %v", err)
	}

	if _, err := router.Finalize(ctx); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	controller3 := NewController(meta, source, target2, backup.NewEngine(meta, backend2, zerolog.Nop()), restore.NewEngine(meta, backend2, zerolog.Nop()), t.TempDir(), zerolog.Nop())
	if _, err := controller3.Run(ctx, Options{MigrationID: "m3", DatabaseID: "db1", CaptureCapacity: 10, FlushEvery: 1, FlushInterval: time.Hour, CaptureGapMargin: 1000, CatchUpQuiescence: 20 * time.Millisecond}); err != nil {
		t.Fatalf("expected the lock to be free once m1 finalized, got: %v", err)
	}
}

func TestController_RunDetectsCaptureGapOnResume(t *testing.T) {
	source := newMemSourceDB(nil, 1, 101)
	target := &fakeTargetDB{}
	controller, meta := newTestController(t, source, target)
	ctx := context.Background()

	now := time.Now().UTC()
	rec := metadata.MigrationRecord{
		MigrationID:   "m1",
		State:         metadata.StateCatchingUp,
		DatabaseID:    "db1",
		TxLogPath:     filepath.Join(t.TempDir(), "missing.tx.log"),
		LastReplayedT: 0,
		StartedAt:     now,
		UpdatedAt:     now,
	}
	if err := meta.WriteMigrationRecord(ctx, "m1", rec); err != nil {
		t.Fatalf("WriteMigrationRecord: %v", err)
	}

	_, err := controller.Run(ctx, Options{MigrationID: "m1", DatabaseID: "db1", CaptureGapMargin: 1})
	if !ddlogerr.Is(err, ddlogerr.CaptureGap) {
		t.Fatalf("expected a capture_gap error, got %v", err)
	}

	got, err := meta.ReadMigrationRecord(ctx, "m1")
	if err != nil {
		t.Fatalf("ReadMigrationRecord: %v", err)
	}
	if got.State != metadata.StateFailed || got.FailureReason != "capture_gap" {
		t.Fatalf("got record %+v, want failed/capture_gap", got)
	}
}
