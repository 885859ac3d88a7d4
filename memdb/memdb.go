// Package memdb is a reference, in-memory implementation of
// sourcedb.SourceDB, sourcedb.TargetDB, and sourcedb.ContentStore, used by
// cmd/ddlog-gen to synthesize a Datalog database to back up/restore/
// migrate, and reusable by integration tests that need a real (not
// hand-rolled per test) source/target pair. Grounded on
// migration/migration_test.go's memSourceDB/fakeTargetDB shape
// (synchronous commit-hook delivery, a simple tuple slice as the log),
// generalized into one shared type that also satisfies ContentStore by
// treating every Transact, and every distinct tx loaded via LoadPreFormed,
// as one content-addressed commit.
package memdb

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gurre/ddlog-backup/sourcedb"
)

type commitRecord struct {
	parent string
	keys   []string
	at     time.Time
}

// DB is an in-memory Datalog database: an append-only tuple log, a schema,
// a config map, and a content-addressed commit DAG over the same writes.
// The zero value is not usable; construct with New.
type DB struct {
	mu sync.Mutex

	tuples []sourcedb.Tuple
	schema []sourcedb.Tuple
	config map[string]sourcedb.Value

	nextE int64
	nextT int64

	listeners []sourcedb.Listener

	headCommit string
	commits    map[string]commitRecord
	liveKeys   map[string]bool
}

// New constructs an empty DB, suitable as either a SourceDB to back up
// from or an empty TargetDB to restore/migrate into.
func New() *DB {
	return &DB{
		nextE:    1,
		nextT:    1,
		commits:  make(map[string]commitRecord),
		liveKeys: make(map[string]bool),
	}
}

// --- sourcedb.SourceDB ---

type dbSnapshot struct {
	tuples []sourcedb.Tuple
	schema []sourcedb.Tuple
	config map[string]sourcedb.Value
	maxE   int64
	maxT   int64
}

func (s dbSnapshot) DatomsEAVT(ctx context.Context) (sourcedb.Iterator, error) {
	return sourcedb.NewSliceIterator(s.tuples), nil
}
func (s dbSnapshot) Schema(ctx context.Context) ([]sourcedb.Tuple, error) { return s.schema, nil }
func (s dbSnapshot) Config(ctx context.Context) (map[string]sourcedb.Value, error) {
	return s.config, nil
}
func (s dbSnapshot) MaxE(ctx context.Context) (int64, error) { return s.maxE, nil }
func (s dbSnapshot) MaxT(ctx context.Context) (int64, error) { return s.maxT, nil }

// Snapshot opens a consistent read handle over the DB's current state, per
// spec §4.5 step 2.
func (d *DB) Snapshot(ctx context.Context) (sourcedb.Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	snap := make([]sourcedb.Tuple, len(d.tuples))
	copy(snap, d.tuples)
	return dbSnapshot{
		tuples: snap,
		schema: append([]sourcedb.Tuple(nil), d.schema...),
		config: d.config,
		maxE:   d.nextE - 1,
		maxT:   d.nextT - 1,
	}, nil
}

// Transact stamps tuples with a fresh tx id, appends them to the log,
// records them as one content-addressed commit, and delivers the
// resulting tx-report to every subscriber synchronously before returning
// (§4.7's ordering guarantee).
func (d *DB) Transact(ctx context.Context, tuples []sourcedb.Tuple) (sourcedb.TxReport, error) {
	d.mu.Lock()
	t := d.nextT
	d.nextT++
	stamped := make([]sourcedb.Tuple, len(tuples))
	for i, tp := range tuples {
		tp.T = t
		stamped[i] = tp
	}
	d.tuples = append(d.tuples, stamped...)

	commitID := fmt.Sprintf("t%d", t)
	keys := make([]string, len(stamped))
	for i, tp := range stamped {
		keys[i] = tupleKey(tp)
		d.liveKeys[keys[i]] = true
	}
	d.commits[commitID] = commitRecord{parent: d.headCommit, keys: keys, at: time.Now().UTC()}
	d.headCommit = commitID

	listeners := make([]sourcedb.Listener, 0, len(d.listeners))
	for _, l := range d.listeners {
		if l != nil {
			listeners = append(listeners, l)
		}
	}
	d.mu.Unlock()

	report := sourcedb.TxReport{T: t, CommittedAt: time.Now().UTC(), Tuples: stamped}
	for _, l := range listeners {
		l.OnCommit(report)
	}
	return report, nil
}

// Subscribe registers l for synchronous commit notifications, returning an
// unsubscribe closure. Grounded on memSourceDB.Subscribe's nil-out-by-index
// shape (migration/migration_test.go) so unsubscribing mid-iteration never
// shifts other listeners' indices.
func (d *DB) Subscribe(l sourcedb.Listener) (func(), error) {
	d.mu.Lock()
	d.listeners = append(d.listeners, l)
	idx := len(d.listeners) - 1
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.listeners[idx] = nil
	}, nil
}

func (d *DB) MaxEID(ctx context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nextE - 1, nil
}

func (d *DB) MaxT(ctx context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nextT - 1, nil
}

// NextEntityID reserves and returns n fresh, contiguous entity ids, for
// callers (cmd/ddlog-gen) synthesizing new entities outside of a Transact
// call's own tuples.
func (d *DB) NextEntityID(n int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	first := d.nextE
	d.nextE += int64(n)
	return first
}

// --- sourcedb.TargetDB ---

// LoadPreFormed appends pre-stamped tuples verbatim, preserving entity ids
// and tx values, per §4.6 step 5's "assigns no new tx" contract. Each
// distinct tx among the loaded tuples is also recorded as a "t{tx}"
// commit on the linear chain, the same shape Transact records.
func (d *DB) LoadPreFormed(ctx context.Context, tuples []sourcedb.Tuple) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tuples = append(d.tuples, tuples...)
	for _, tp := range tuples {
		k := tupleKey(tp)
		d.liveKeys[k] = true
		commitID := fmt.Sprintf("t%d", tp.T)
		rec, ok := d.commits[commitID]
		if !ok {
			rec = commitRecord{parent: d.headCommit, at: time.Now().UTC()}
			d.headCommit = commitID
		}
		rec.keys = append(rec.keys, k)
		d.commits[commitID] = rec
	}
	return nil
}

func (d *DB) SetWatermarks(ctx context.Context, maxE, maxT int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if maxE+1 > d.nextE {
		d.nextE = maxE + 1
	}
	if maxT+1 > d.nextT {
		d.nextT = maxT + 1
	}
	return nil
}

func (d *DB) HasUserTuples(ctx context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tuples) > 0, nil
}

func (d *DB) InstallSchema(ctx context.Context, schema []sourcedb.Tuple) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.schema = schema
	return nil
}

func (d *DB) InstallConfig(ctx context.Context, config map[string]sourcedb.Value) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.config = config
	return nil
}

// --- sourcedb.ContentStore ---

func (d *DB) Heads(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.headCommit == "" {
		return nil, nil
	}
	return []string{d.headCommit}, nil
}

func (d *DB) Parents(ctx context.Context, commitID string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.commits[commitID]
	if !ok || rec.parent == "" {
		return nil, nil
	}
	return []string{rec.parent}, nil
}

func (d *DB) Keys(ctx context.Context, commitID string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.commits[commitID].keys, nil
}

func (d *DB) CommitTime(ctx context.Context, commitID string) (time.Time, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.commits[commitID].at, nil
}

func (d *DB) AllKeys(ctx context.Context) (sourcedb.StringIterator, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.liveKeys))
	for k := range d.liveKeys {
		keys = append(keys, k)
	}
	return &stringSliceIterator{items: keys}, nil
}

func (d *DB) Delete(ctx context.Context, keys []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range keys {
		delete(d.liveKeys, k)
	}
	return nil
}

// tupleKey derives a stable content-addressed key for a tuple, the way a
// real content-addressed store would hash a datom's canonical bytes rather
// than use an incrementing id.
func tupleKey(t sourcedb.Tuple) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%v|%d|%t", t.E, t.A, t.V, t.T, t.Added)
	return fmt.Sprintf("%x", h.Sum(nil))
}

type stringSliceIterator struct {
	items []string
	pos   int
}

func (s *stringSliceIterator) HasNext() bool { return s.pos < len(s.items) }
func (s *stringSliceIterator) Next() (string, error) {
	if s.pos >= len(s.items) {
		return "", io.EOF
	}
	v := s.items[s.pos]
	s.pos++
	return v, nil
}
func (s *stringSliceIterator) Close() error { return nil }
