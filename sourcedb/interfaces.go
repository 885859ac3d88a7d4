package sourcedb

import (
	"context"
	"time"
)

// Iterator is a pull-based, finite stream of tuples already in EAVT/commit
// order, supporting single-pass constant-memory iteration (§9 DESIGN
// NOTES: "persistent sequences without realization").
type Iterator interface {
	HasNext() bool
	Next() (Tuple, error)
	Close() error
}

// Snapshot is a consistent read handle opened at the start of a backup, per
// §4.5 step 2 ("open a consistent read handle").
type Snapshot interface {
	DatomsEAVT(ctx context.Context) (Iterator, error)
	Schema(ctx context.Context) ([]Tuple, error)
	Config(ctx context.Context) (map[string]Value, error)
	MaxE(ctx context.Context) (int64, error)
	MaxT(ctx context.Context) (int64, error)
}

// TxReport is the record delivered to a Listener after each commit, and the
// unit the backup/restore/migration pipeline threads through txlog.
type TxReport struct {
	T           int64
	CommittedAt time.Time
	Tuples      []Tuple
}

// Listener receives tx-reports synchronously on the source DB's commit
// path. Implementations must not block beyond a bounded enqueue (§4.7,
// §9 DESIGN NOTES).
type Listener interface {
	OnCommit(report TxReport)
}

// SourceDB is the inward contract this module consumes from the Datalog
// engine: snapshotting, transacting, and commit-hook subscription.
type SourceDB interface {
	Snapshot(ctx context.Context) (Snapshot, error)
	Transact(ctx context.Context, tuples []Tuple) (TxReport, error)
	Subscribe(l Listener) (unsubscribe func(), err error)
	MaxEID(ctx context.Context) (int64, error)
	MaxT(ctx context.Context) (int64, error)
}

// TargetDB is the inward contract for the empty database a restore or
// migration catch-up loads pre-formed tuples into.
type TargetDB interface {
	// LoadPreFormed is the privileged ingest path that assigns no new tx
	// and preserves entity ids, per §4.6 step 5.
	LoadPreFormed(ctx context.Context, tuples []Tuple) error
	SetWatermarks(ctx context.Context, maxE, maxT int64) error
	HasUserTuples(ctx context.Context) (bool, error)
	InstallSchema(ctx context.Context, schema []Tuple) error
	InstallConfig(ctx context.Context, config map[string]Value) error
}

// ContentStore is the inward contract over the content-addressed store
// underlying the source DB, consumed only by the GC engine (C9).
type ContentStore interface {
	Heads(ctx context.Context) ([]string, error)
	Parents(ctx context.Context, commitID string) ([]string, error)
	Keys(ctx context.Context, commitID string) ([]string, error)
	CommitTime(ctx context.Context, commitID string) (time.Time, error)
	AllKeys(ctx context.Context) (StringIterator, error)
	Delete(ctx context.Context, keys []string) error
}

// StringIterator is a single-pass iterator over opaque content-addressed
// keys, used by the GC engine's sweep phase.
type StringIterator interface {
	HasNext() bool
	Next() (string, error)
	Close() error
}
