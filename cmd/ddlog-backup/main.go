// Package main implements ddlog-backup, the operator-facing CLI for the
// backup/restore/migrate/gc/verify/cleanup-incomplete operations of spec
// §6's option table. Grounded on cmd/ddb-pitr/main.go's flag-to-Config-to-
// coordinator wiring, generalized from one flag.FlagSet and one Coordinator
// to cobra subcommands, one per operation, each binding its flags into a
// config.Options and handing off to the matching engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/gurre/ddlog-backup/backup"
	"github.com/gurre/ddlog-backup/cleanup"
	"github.com/gurre/ddlog-backup/config"
	"github.com/gurre/ddlog-backup/gc"
	"github.com/gurre/ddlog-backup/memdb"
	"github.com/gurre/ddlog-backup/metadata"
	"github.com/gurre/ddlog-backup/metrics"
	"github.com/gurre/ddlog-backup/migration"
	"github.com/gurre/ddlog-backup/restore"
	"github.com/gurre/ddlog-backup/sourcedb"
	"github.com/gurre/ddlog-backup/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ddlog-backup",
		Short: "Backup, restore, migrate, and garbage-collect a Datalog database",
	}
	root.PersistentFlags().String("store", "", "store location (file:// or s3://)")
	root.PersistentFlags().String("database-id", "", "logical database namespace")
	root.PersistentFlags().Duration("shutdown-timeout", config.DefaultShutdownTimeout, "graceful shutdown timeout")

	root.AddCommand(
		newBackupCmd(),
		newRestoreCmd(),
		newVerifyCmd(),
		newMigrateCmd(),
		newGCCmd(),
		newCleanupIncompleteCmd(),
	)
	return root
}

// signalContext returns a context canceled on SIGINT/SIGTERM, the way
// cmd/ddb-pitr/main.go's ctx/cancel pair lets a run wind down gracefully.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}

func baseOptions(cmd *cobra.Command, op config.Operation) (config.Options, error) {
	storeURI, _ := cmd.Flags().GetString("store")
	databaseID, _ := cmd.Flags().GetString("database-id")
	shutdownTimeout, _ := cmd.Flags().GetDuration("shutdown-timeout")
	return config.Options{
		Operation:       op,
		StoreURI:        storeURI,
		DatabaseID:      databaseID,
		ShutdownTimeout: shutdownTimeout,
	}, nil
}

// openStoreAndMeta dispatches opts.StoreURI to a store.Store via
// store.Open and wraps it in a metadata.Store, the one-two setup every
// subcommand below needs before constructing its engine.
func openStoreAndMeta(ctx context.Context, opts config.Options) (store.Store, *metadata.Store, error) {
	backend, err := store.Open(ctx, opts.StoreURI)
	if err != nil {
		return nil, nil, err
	}
	return backend, metadata.NewStore(backend), nil
}

// fixtureDB synthesizes an in-memory Datalog database with n entities.
// This module has no concrete external Datalog driver in its dependency
// surface (unlike cmd/ddb-pitr, which talks to a real DynamoDB table), so
// the backup/migrate/gc subcommands below exercise the full pipeline
// against memdb as a stand-in source; a real deployment embeds this
// library directly and supplies its own sourcedb.SourceDB/ContentStore
// rather than invoking this CLI for those operations.
func fixtureDB(ctx context.Context, n int) (*memdb.DB, error) {
	db := memdb.New()
	schema := []sourcedb.Tuple{
		{E: 0, A: ":db/ident", V: sourcedb.VKeyword{K: ":user/name"}},
		{E: 0, A: ":db/ident", V: sourcedb.VKeyword{K: ":user/email"}},
	}
	if err := db.InstallSchema(ctx, schema); err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		e := db.NextEntityID(1)
		tup := sourcedb.Tuple{E: e, A: ":user/name", V: sourcedb.VString{S: fmt.Sprintf("user-%d", e)}, Added: true}
		if _, err := db.Transact(ctx, []sourcedb.Tuple{tup}); err != nil {
			return nil, err
		}
	}
	return db, nil
}

// serveMetrics starts an HTTP server at addr exposing collector's counters
// at /metrics for Prometheus to scrape while the run it belongs to is
// still in flight, grounded on observability.NewDiagnosticsServer's
// mux-plus-background-goroutine shape. A blank addr is a no-op (returns a
// stop func that does nothing). The caller should defer the returned stop func to shut
// the server down once the run completes.
func serveMetrics(addr string, collector *metrics.Metrics, logger zerolog.Logger) (func(), error) {
	if addr == "" {
		return func() {}, nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s for metrics: %w", addr, err)
	}
	srv := &http.Server{Handler: mux}
	go func() {
		if serveErr := srv.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logger.Warn().Err(serveErr).Msg("metrics server stopped")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func newBackupCmd() *cobra.Command {
	var backupID string
	var chunkBytes int64
	var compressionLevel, parallel, items int
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Seal a new backup of a Datalog database",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, _ := baseOptions(cmd, config.OperationBackup)
			opts.BackupID = backupID
			opts.ChunkBytes = chunkBytes
			opts.CompressionLevel = compressionLevel
			opts.Parallel = parallel
			if err := opts.Validate(); err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			logger := newLogger()

			backend, meta, err := openStoreAndMeta(ctx, opts)
			if err != nil {
				return err
			}
			db, err := fixtureDB(ctx, items)
			if err != nil {
				return err
			}

			var stopMetrics func()
			eng := backup.NewEngine(meta, backend, logger)
			res, err := eng.Run(ctx, db, backup.Options{
				ChunkBytes:       opts.ChunkBytes,
				CompressionLevel: opts.CompressionLevel,
				ParallelUploads:  opts.Parallel,
				DatabaseID:       opts.DatabaseID,
				BackupID:         opts.BackupID,
				OnMetricsReady: func(collector *metrics.Metrics) {
					stop, serveErr := serveMetrics(metricsAddr, collector, logger)
					if serveErr != nil {
						logger.Warn().Err(serveErr).Msg("failed starting metrics server")
						return
					}
					stopMetrics = stop
				},
			})
			if stopMetrics != nil {
				stopMetrics()
			}
			if err != nil {
				return err
			}
			fmt.Printf("backup complete: backup_id=%s tuples=%d chunks=%d\n", res.BackupID, res.TupleCount, res.ChunkCount)
			return nil
		},
	}
	cmd.Flags().StringVar(&backupID, "backup-id", "", "backup id (new uuid if empty)")
	cmd.Flags().Int64Var(&chunkBytes, "chunk-bytes", 0, "chunk size budget (0 = default)")
	cmd.Flags().IntVar(&compressionLevel, "compression-level", 6, "gzip compression level, 1..9")
	cmd.Flags().IntVar(&parallel, "parallel", 4, "parallel chunk uploads")
	cmd.Flags().IntVar(&items, "items", 100, "fixture entity count (no external source is wired into this CLI)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve live Prometheus /metrics on while this run is in flight (empty = disabled)")
	return cmd
}

func newRestoreCmd() *cobra.Command {
	var backupID string
	var batchSize int
	var verifyChecksums bool

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Load a sealed backup into a fresh target database",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, _ := baseOptions(cmd, config.OperationRestore)
			opts.BackupID = backupID
			opts.BatchSize = batchSize
			opts.VerifyChecksums = verifyChecksums
			if err := opts.Validate(); err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			logger := newLogger()

			backend, meta, err := openStoreAndMeta(ctx, opts)
			if err != nil {
				return err
			}

			dest := memdb.New()
			eng := restore.NewEngine(meta, backend, logger)
			res, err := eng.Run(ctx, dest, opts.DatabaseID, opts.BackupID, restore.Options{
				VerifyChecksums: opts.VerifyChecksums,
				BatchSize:       opts.BatchSize,
			})
			if err != nil {
				return err
			}
			fmt.Printf("restore complete: tuples=%d chunks=%d\n", res.TuplesRestored, res.ChunksRead)
			return nil
		},
	}
	cmd.Flags().StringVar(&backupID, "backup-id", "", "backup id to restore (required)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 10_000, "tuples loaded per batch")
	cmd.Flags().BoolVar(&verifyChecksums, "verify-checksums", true, "verify each chunk's checksum while merging")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	var backupID string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Confirm a sealed backup's manifest and chunk checksums without loading it",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, _ := baseOptions(cmd, config.OperationVerify)
			opts.BackupID = backupID
			if err := opts.Validate(); err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			logger := newLogger()

			backend, meta, err := openStoreAndMeta(ctx, opts)
			if err != nil {
				return err
			}

			eng := restore.NewEngine(meta, backend, logger)
			res, err := eng.VerifyBackup(ctx, opts.DatabaseID, opts.BackupID)
			if err != nil {
				return err
			}
			fmt.Printf("verify: success=%t chunks=%d tuples=%d\n", res.Success, res.ChunkCount, res.TupleCount)
			for _, c := range res.Chunks {
				if !c.OK {
					fmt.Printf("  chunk %d FAILED: %s\n", c.ChunkID, c.Err)
				}
			}
			if !res.Success {
				return fmt.Errorf("verification found corrupted chunks")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&backupID, "backup-id", "", "backup id to verify (required)")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	var migrationID string
	var captureCapacity, flushEvery, items int
	var flushInterval, catchUpQuiescence time.Duration
	var captureGapMargin int64

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Move a Datalog database to a new engine/location with a bounded cutover window",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, _ := baseOptions(cmd, config.OperationMigrate)
			opts.MigrationID = migrationID
			if err := opts.Validate(); err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			logger := newLogger()

			backend, meta, err := openStoreAndMeta(ctx, opts)
			if err != nil {
				return err
			}

			source, err := fixtureDB(ctx, items)
			if err != nil {
				return err
			}
			dest := memdb.New()

			backupEngine := backup.NewEngine(meta, backend, logger)
			restoreEngine := restore.NewEngine(meta, backend, logger)
			ctrl := migration.NewController(meta, source, dest, backupEngine, restoreEngine, os.TempDir(), logger)

			router, err := ctrl.Run(ctx, migration.Options{
				MigrationID:       opts.MigrationID,
				DatabaseID:        opts.DatabaseID,
				CaptureCapacity:   captureCapacity,
				FlushEvery:        flushEvery,
				FlushInterval:     flushInterval,
				CaptureGapMargin:  captureGapMargin,
				CatchUpQuiescence: catchUpQuiescence,
			})
			if err != nil {
				return err
			}
			_ = router
			fmt.Printf("migration %s ready: the target of database %s has caught up with the source\n", opts.MigrationID, opts.DatabaseID)
			return nil
		},
	}
	cmd.Flags().StringVar(&migrationID, "migration-id", "", "migration id (required)")
	cmd.Flags().IntVar(&captureCapacity, "capture-capacity", 10_000, "in-memory capture buffer size; commits block while it is full")
	cmd.Flags().IntVar(&flushEvery, "flush-every", 1000, "transactions between capture-log flushes")
	cmd.Flags().DurationVar(&flushInterval, "flush-interval", time.Minute, "max time between capture-log flushes")
	cmd.Flags().Int64Var(&captureGapMargin, "capture-gap-margin", 1, "tx slack tolerated when resuming capture after a backup")
	cmd.Flags().DurationVar(&catchUpQuiescence, "catch-up-quiescence", migration.DefaultCatchUpQuiescence, "how long the capture queue must stay empty before catch-up declares the live tail reached")
	cmd.Flags().IntVar(&items, "items", 100, "fixture entity count for the pre-cutover source (no external source is wired into this CLI)")
	return cmd
}

func newGCCmd() *cobra.Command {
	var parallel, batchSize, checkpointInterval, items int
	var retentionSeconds int64
	var dryRun, forceNew bool
	var checkpointDir string
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Mark-and-sweep unreachable content from a database's content store",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, _ := baseOptions(cmd, config.OperationGC)
			opts.Parallel = parallel
			opts.BatchSize = batchSize
			opts.CheckpointInterval = checkpointInterval
			opts.RetentionSeconds = retentionSeconds
			opts.DryRun = dryRun
			opts.ForceNew = forceNew
			if err := opts.Validate(); err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			logger := newLogger()

			db, err := fixtureDB(ctx, items)
			if err != nil {
				return err
			}

			var stopMetrics func()
			eng := gc.NewEngine(checkpointDir, logger)
			res, err := eng.Run(ctx, db, gc.Options{
				DatabaseID:         opts.DatabaseID,
				BatchSize:          opts.BatchSize,
				ParallelBatches:    opts.Parallel,
				CheckpointInterval: opts.CheckpointInterval,
				RetentionSeconds:   opts.RetentionSeconds,
				DryRun:             opts.DryRun,
				ForceNew:           opts.ForceNew,
				OnMetricsReady: func(collector *metrics.Metrics) {
					stop, serveErr := serveMetrics(metricsAddr, collector, logger)
					if serveErr != nil {
						logger.Warn().Err(serveErr).Msg("failed starting metrics server")
						return
					}
					stopMetrics = stop
				},
			})
			if stopMetrics != nil {
				stopMetrics()
			}
			if err != nil {
				return err
			}
			fmt.Printf("gc complete: reachable=%d would_delete=%d deleted=%d dry_run=%t\n",
				res.ReachableCount, res.WouldDeleteCount, res.DeletedCount, res.DryRun)
			return nil
		},
	}
	cmd.Flags().IntVar(&parallel, "parallel", 0, "parallel sweep batches (0 = backend default)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "keys deleted per sweep batch (0 = backend default)")
	cmd.Flags().IntVar(&checkpointInterval, "checkpoint-interval", 0, "commits visited between mark-phase checkpoints (0 = 1000)")
	cmd.Flags().Int64Var(&retentionSeconds, "retention-seconds", 0, "only reachable commits younger than this many seconds keep their keys from being swept (0 = every reachable commit does)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", true, "report what would be deleted without deleting")
	cmd.Flags().BoolVar(&forceNew, "force-new", false, "discard any existing mark-phase checkpoint and restart the scan")
	cmd.Flags().StringVar(&checkpointDir, "checkpoint-dir", ".", "directory holding the per-database gc checkpoint file")
	cmd.Flags().IntVar(&items, "items", 100, "fixture entity count for the content store (no external content store is wired into this CLI)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve live Prometheus /metrics on while this run is in flight (empty = disabled)")
	return cmd
}

func newCleanupIncompleteCmd() *cobra.Command {
	var olderThanSeconds int64
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "cleanup-incomplete",
		Short: "Sweep backups left without a complete-marker by an aborted run",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, _ := baseOptions(cmd, config.OperationCleanupIncomplete)
			opts.OlderThanSeconds = olderThanSeconds
			opts.DryRun = dryRun
			if err := opts.Validate(); err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			logger := newLogger()

			backend, meta, err := openStoreAndMeta(ctx, opts)
			if err != nil {
				return err
			}

			eng := cleanup.NewEngine(meta, backend, logger)
			res, err := eng.Run(ctx, cleanup.Options{
				DatabaseID:       opts.DatabaseID,
				OlderThanSeconds: opts.OlderThanSeconds,
				DryRun:           opts.DryRun,
			})
			if err != nil {
				return err
			}
			fmt.Printf("cleanup-incomplete: scanned=%d removed=%d dry_run=%t\n", res.Scanned, len(res.Removed), res.DryRun)
			for _, id := range res.Removed {
				fmt.Printf("  %s\n", id)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&olderThanSeconds, "older-than-seconds", 86400, "age threshold for an incomplete backup (required, must be positive)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", true, "report what would be removed without deleting")
	return cmd
}
