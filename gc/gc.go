// Package gc implements the garbage collection engine (C9): a resumable
// mark phase over the commit DAG followed by a batched sweep phase, per
// spec §4.9. Grounded on cuemby-warren's use of go.etcd.io/bbolt as durable
// embedded KV state (other_examples "pkg-storage-doc.go") and on
// yonasBSD-openbao's raft FSM for the actual bolt.Tx/Bucket call shape
// (other_examples "physical-raft-fsm.go"), chosen over the teacher's
// checkpoint/metadata.Store YAML documents because a mark set can grow to
// millions of commit and content keys, where an embedded B+tree beats a
// flat document.
package gc

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"

	"github.com/gurre/ddlog-backup/ddlogerr"
	"github.com/gurre/ddlog-backup/metrics"
	"github.com/gurre/ddlog-backup/sourcedb"
)

var (
	bucketMeta      = []byte("meta")
	bucketFrontier  = []byte("frontier")
	bucketVisited   = []byte("visited")
	bucketReachable = []byte("reachable")
)

var keyMarkComplete = []byte("mark_complete")

// Backend selects the batch_size/parallel_batches defaults from spec
// §4.9's table. The zero value is BackendObjectStore.
type Backend string

const (
	BackendObjectStore Backend = "object_store"
	BackendRelational  Backend = "relational"
	BackendFile        Backend = "file"
	BackendMemory      Backend = "memory"
)

type backendDefaults struct {
	batchSize       int
	parallelBatches int
}

var backendTable = map[Backend]backendDefaults{
	BackendObjectStore: {batchSize: 1000, parallelBatches: 3},
	BackendRelational:  {batchSize: 5000, parallelBatches: 1},
	BackendFile:        {batchSize: 100, parallelBatches: 10},
	BackendMemory:      {batchSize: 1000, parallelBatches: 1},
}

// Options configures a GC run, per spec §4.9's inputs.
type Options struct {
	DatabaseID         string
	Backend            Backend
	BatchSize          int
	ParallelBatches    int
	CheckpointInterval int
	RetentionSeconds   int64
	DryRun             bool
	ForceNew           bool

	// OnMetricsReady, if set, is called once with the run's
	// *metrics.Metrics before the mark phase starts, so a caller can mount
	// its Handler() on an HTTP server and scrape live mark/sweep progress.
	OnMetricsReady func(*metrics.Metrics)
}

func (o Options) withDefaults() Options {
	if o.Backend == "" {
		o.Backend = BackendObjectStore
	}
	defaults := backendTable[o.Backend]
	if o.BatchSize <= 0 {
		o.BatchSize = defaults.batchSize
	}
	if o.ParallelBatches <= 0 {
		o.ParallelBatches = defaults.parallelBatches
	}
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = 1000
	}
	return o
}

// Result is the outcome of a GC run, per spec §4.9's "returns
// {reachable_count, would_delete_count} without mutation" safety contract.
type Result struct {
	ReachableCount   int64
	WouldDeleteCount int64
	DeletedCount     int64
	DryRun           bool
	Report           metrics.Report
}

// Engine runs the mark/sweep algorithm of spec §4.9 against a
// sourcedb.ContentStore.
type Engine struct {
	// CheckpointDir holds the per-database bbolt checkpoint files, one per
	// database_id, so a resumed run reopens exactly the mark state it left
	// behind.
	CheckpointDir string
	Logger        zerolog.Logger
}

// NewEngine constructs an Engine rooted at checkpointDir.
func NewEngine(checkpointDir string, logger zerolog.Logger) *Engine {
	return &Engine{CheckpointDir: checkpointDir, Logger: logger}
}

func (e *Engine) checkpointPath(databaseID string) string {
	return filepath.Join(e.CheckpointDir, databaseID+".gc.bbolt")
}

// Run executes the mark phase (resumable BFS over the commit DAG) and the
// sweep phase (batched delete of all_keys - reachable), per spec §4.9.
func (e *Engine) Run(ctx context.Context, db sourcedb.ContentStore, opts Options) (Result, error) {
	opts = opts.withDefaults()
	log := e.Logger.With().
		Str("operation", "gc").
		Str("database_id", opts.DatabaseID).
		Bool("dry_run", opts.DryRun).
		Logger()

	if err := os.MkdirAll(e.CheckpointDir, 0o755); err != nil {
		return Result{}, ddlogerr.Wrap(ddlogerr.Resource, "failed creating gc checkpoint directory", err)
	}
	path := e.checkpointPath(opts.DatabaseID)
	if opts.ForceNew {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return Result{}, ddlogerr.Wrap(ddlogerr.Resource, "failed removing existing gc checkpoint for force_new", err)
		}
		log.Info().Msg("force_new: discarded existing gc checkpoint")
	}

	boltDB, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return Result{}, ddlogerr.Wrap(ddlogerr.Resource, "failed opening gc checkpoint", err)
	}
	defer boltDB.Close()

	if err := initBuckets(boltDB); err != nil {
		return Result{}, err
	}

	collector := metrics.NewMetrics()
	if opts.OnMetricsReady != nil {
		opts.OnMetricsReady(collector)
	}

	resuming, err := markAlreadyComplete(boltDB)
	if err != nil {
		return Result{}, err
	}
	if !resuming {
		if err := e.mark(ctx, boltDB, db, opts, collector, log); err != nil {
			return Result{}, err
		}
	} else {
		log.Info().Msg("resuming: mark phase already complete, proceeding directly to sweep")
	}

	result, err := e.sweep(ctx, boltDB, db, opts, collector, log)
	if err != nil {
		return Result{}, err
	}
	result.Report = collector.GenerateReport()
	return result, nil
}

func initBuckets(db *bbolt.DB) error {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketFrontier, bucketVisited, bucketReachable} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ddlogerr.Wrap(ddlogerr.Resource, "failed initializing gc checkpoint buckets", err)
	}
	return nil
}

func markAlreadyComplete(db *bbolt.DB) (bool, error) {
	var complete bool
	err := db.View(func(tx *bbolt.Tx) error {
		complete = tx.Bucket(bucketMeta).Get(keyMarkComplete) != nil
		return nil
	})
	if err != nil {
		return false, ddlogerr.Wrap(ddlogerr.Resource, "failed reading gc checkpoint state", err)
	}
	return complete, nil
}

// mark walks the commit DAG from each branch head, persisting the visited
// and reachable-key sets every opts.CheckpointInterval commits or 30
// seconds, whichever comes first, so a crash resumes from the last
// committed bbolt transaction rather than restarting the whole walk.
//
// retention_seconds bounds how far back a branch's reachability is
// honored for GC purposes: once a commit predates the retention window,
// its referenced keys (and everything further back in its ancestry) are
// treated as already durably captured by prior backups and are eligible
// for sweep even though the commit is technically still an ancestor of a
// live head.
func (e *Engine) mark(ctx context.Context, boltDB *bbolt.DB, db sourcedb.ContentStore, opts Options, collector *metrics.Metrics, log zerolog.Logger) error {
	tx, err := boltDB.Begin(true)
	if err != nil {
		return ddlogerr.Wrap(ddlogerr.Resource, "failed beginning gc mark transaction", err)
	}
	frontier := tx.Bucket(bucketFrontier)
	visited := tx.Bucket(bucketVisited)

	if isEmpty(frontier) && isEmpty(visited) {
		heads, err := db.Heads(ctx)
		if err != nil {
			tx.Rollback()
			return ddlogerr.Wrap(ddlogerr.Transient, "failed listing branch heads", err)
		}
		for _, h := range heads {
			if err := visited.Put([]byte(h), []byte{1}); err != nil {
				tx.Rollback()
				return ddlogerr.Wrap(ddlogerr.Resource, "failed seeding gc visited set", err)
			}
			if err := frontier.Put([]byte(h), []byte{1}); err != nil {
				tx.Rollback()
				return ddlogerr.Wrap(ddlogerr.Resource, "failed seeding gc frontier", err)
			}
		}
		log.Info().Int("heads", len(heads)).Msg("seeded mark frontier from branch heads")
	}
	if err := tx.Commit(); err != nil {
		return ddlogerr.Wrap(ddlogerr.Resource, "failed committing gc mark seed", err)
	}

	var retentionCutoff time.Time
	if opts.RetentionSeconds > 0 {
		retentionCutoff = time.Now().Add(-time.Duration(opts.RetentionSeconds) * time.Second)
	}

	tx, err = boltDB.Begin(true)
	if err != nil {
		return ddlogerr.Wrap(ddlogerr.Resource, "failed beginning gc mark transaction", err)
	}
	processed := 0
	lastFlush := time.Now()
	commitsWalked := 0

	flush := func() error {
		if err := tx.Commit(); err != nil {
			return ddlogerr.Wrap(ddlogerr.Resource, "failed checkpointing gc mark progress", err)
		}
		processed = 0
		lastFlush = time.Now()
		tx, err = boltDB.Begin(true)
		if err != nil {
			return ddlogerr.Wrap(ddlogerr.Resource, "failed reopening gc mark transaction", err)
		}
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			tx.Rollback()
			return err
		}

		frontier = tx.Bucket(bucketFrontier)
		visited = tx.Bucket(bucketVisited)
		reachable := tx.Bucket(bucketReachable)

		k, _ := frontier.Cursor().First()
		if k == nil {
			break
		}
		commitID := string(k)
		if err := frontier.Delete(k); err != nil {
			tx.Rollback()
			return ddlogerr.Wrap(ddlogerr.Resource, "failed dequeuing gc frontier entry", err)
		}

		withinRetention := true
		if opts.RetentionSeconds > 0 {
			committedAt, err := db.CommitTime(ctx, commitID)
			if err != nil {
				tx.Rollback()
				return ddlogerr.Wrap(ddlogerr.Transient, "failed reading commit time", err)
			}
			withinRetention = committedAt.After(retentionCutoff)
		}

		if withinRetention {
			keys, err := db.Keys(ctx, commitID)
			if err != nil {
				tx.Rollback()
				return ddlogerr.Wrap(ddlogerr.Transient, "failed listing commit keys", err)
			}
			for _, key := range keys {
				if err := reachable.Put([]byte(key), []byte{1}); err != nil {
					tx.Rollback()
					return ddlogerr.Wrap(ddlogerr.Resource, "failed marking key reachable", err)
				}
			}

			parents, err := db.Parents(ctx, commitID)
			if err != nil {
				tx.Rollback()
				return ddlogerr.Wrap(ddlogerr.Transient, "failed listing commit parents", err)
			}
			for _, p := range parents {
				if visited.Get([]byte(p)) != nil {
					continue
				}
				if err := visited.Put([]byte(p), []byte{1}); err != nil {
					tx.Rollback()
					return ddlogerr.Wrap(ddlogerr.Resource, "failed marking commit visited", err)
				}
				if err := frontier.Put([]byte(p), []byte{1}); err != nil {
					tx.Rollback()
					return ddlogerr.Wrap(ddlogerr.Resource, "failed enqueuing commit parent", err)
				}
			}
		}

		processed++
		commitsWalked++
		collector.RecordTuples(1)
		collector.RecordProgress(commitsWalked, commitsWalked+frontier.Stats().KeyN)
		if processed >= opts.CheckpointInterval || time.Since(lastFlush) >= 30*time.Second {
			log.Debug().Int("commits_walked", commitsWalked).Msg("gc mark checkpoint")
			if err := flush(); err != nil {
				return err
			}
		}
	}

	if err := tx.Bucket(bucketMeta).Put(keyMarkComplete, []byte{1}); err != nil {
		tx.Rollback()
		return ddlogerr.Wrap(ddlogerr.Resource, "failed marking gc mark phase complete", err)
	}
	if err := tx.Commit(); err != nil {
		return ddlogerr.Wrap(ddlogerr.Resource, "failed committing gc mark completion", err)
	}
	log.Info().Int("commits_walked", commitsWalked).Msg("mark phase complete")
	return nil
}

// sweep computes all_keys - reachable and, unless opts.DryRun, deletes the
// difference in batches of opts.BatchSize fanned out across
// opts.ParallelBatches workers via errgroup.WithContext, grounded on
// dgraph's restore_map.go parallel-worker fan-out (chosen over the
// teacher's hand-rolled WaitGroup+channel pool because sweep workers need
// first-error-wins cancellation, which errgroup gives for free).
func (e *Engine) sweep(ctx context.Context, boltDB *bbolt.DB, db sourcedb.ContentStore, opts Options, collector *metrics.Metrics, log zerolog.Logger) (Result, error) {
	readTx, err := boltDB.Begin(false)
	if err != nil {
		return Result{}, ddlogerr.Wrap(ddlogerr.Resource, "failed opening gc sweep read transaction", err)
	}
	defer readTx.Rollback()
	reachable := readTx.Bucket(bucketReachable)
	reachableCount := int64(reachable.Stats().KeyN)

	keys, err := db.AllKeys(ctx)
	if err != nil {
		return Result{}, ddlogerr.Wrap(ddlogerr.Transient, "failed listing all content keys", err)
	}
	defer keys.Close()

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, opts.ParallelBatches)

	var wouldDelete, deleted int64
	batch := make([]string, 0, opts.BatchSize)

	submit := func(toDelete []string) {
		collector.RecordChunkWritten(0)
		if opts.DryRun || len(toDelete) == 0 {
			return
		}
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()
			if err := db.Delete(gctx, toDelete); err != nil {
				collector.RecordError()
				return ddlogerr.Wrap(ddlogerr.Transient, "failed deleting gc sweep batch", err)
			}
			return nil
		})
	}

	for keys.HasNext() {
		if err := gctx.Err(); err != nil {
			break
		}
		key, err := keys.Next()
		if err != nil {
			return Result{}, ddlogerr.Wrap(ddlogerr.Transient, "failed reading next content key", err)
		}
		collector.RecordTuples(1)
		if reachable.Get([]byte(key)) != nil {
			continue
		}
		batch = append(batch, key)
		wouldDelete++
		if len(batch) >= opts.BatchSize {
			toDelete := batch
			deleted += int64(len(toDelete))
			batch = make([]string, 0, opts.BatchSize)
			submit(toDelete)
		}
	}
	if len(batch) > 0 {
		deleted += int64(len(batch))
		submit(batch)
	}

	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	if opts.DryRun {
		deleted = 0
	}
	log.Info().
		Int64("reachable_count", reachableCount).
		Int64("would_delete_count", wouldDelete).
		Int64("deleted_count", deleted).
		Msg("sweep phase complete")

	return Result{
		ReachableCount:   reachableCount,
		WouldDeleteCount: wouldDelete,
		DeletedCount:     deleted,
		DryRun:           opts.DryRun,
	}, nil
}

func isEmpty(b *bbolt.Bucket) bool {
	k, _ := b.Cursor().First()
	return k == nil
}
