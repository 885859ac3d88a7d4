// Package backup implements the backup engine (C5): lock, snapshot,
// pipeline, chunk-finalize, seal, per spec §4.5. Grounded on
// coordinator.Coordinator's worker-pool/checkpoint shape
// (coordinator/coordinator.go), generalized from "pull S3 export files,
// write DynamoDB" to "pull tuples from a source-DB snapshot, chunk, encode,
// upload to an object store."
package backup

import (
	"bytes"
	"context"
	"encoding/hex"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gurre/ddlog-backup/chunker"
	"github.com/gurre/ddlog-backup/codec"
	"github.com/gurre/ddlog-backup/ddlogerr"
	"github.com/gurre/ddlog-backup/metadata"
	"github.com/gurre/ddlog-backup/metrics"
	"github.com/gurre/ddlog-backup/sourcedb"
	"github.com/gurre/ddlog-backup/store"
)

// Options configures a backup run, per spec §4.5's inputs.
type Options struct {
	ChunkBytes       int64
	CompressionLevel int
	ParallelUploads  int
	DatabaseID       string
	BackupID         string
	ReportURI        string

	// OnMetricsReady, if set, is called once with the run's *metrics.Metrics
	// before the pipeline starts, so a caller can mount its Handler() on an
	// HTTP server and scrape live progress while the run is in flight.
	OnMetricsReady func(*metrics.Metrics)
}

func (o Options) withDefaults() Options {
	if o.ChunkBytes <= 0 {
		o.ChunkBytes = chunker.DefaultChunkBytes
	}
	if o.CompressionLevel == 0 {
		o.CompressionLevel = 6
	}
	if o.ParallelUploads <= 0 {
		o.ParallelUploads = 1
	}
	if o.BackupID == "" {
		o.BackupID = uuid.NewString()
	}
	return o
}

// Result is the outcome of a backup run, per spec §4.5's contract.
type Result struct {
	Success    bool
	BackupID   string
	PathOrURI  string
	TupleCount int64
	ChunkCount int
	TotalBytes int64
}

// ReportUploader uploads a finished run's metrics.Report to an external
// location, kept from coordinator.ReportUploader/aws.S3ReportUploader,
// repointed at backup stats instead of restore stats.
type ReportUploader interface {
	UploadReport(ctx context.Context, uri string, report metrics.Report) error
}

// Engine runs the backup algorithm of spec §4.5 against dest.
type Engine struct {
	Meta           *metadata.Store
	Dest           store.Store
	Retrier        store.Retrier
	Logger         zerolog.Logger
	ReportUploader ReportUploader
}

// NewEngine constructs an Engine with the default retry policy.
func NewEngine(meta *metadata.Store, dest store.Store, logger zerolog.Logger) *Engine {
	return &Engine{Meta: meta, Dest: dest, Retrier: store.DefaultRetrier(), Logger: logger}
}

type chunkResult struct {
	desc       metadata.ChunkDescriptor
	tupleCount int
}

// Run executes the backup algorithm: acquire lock, snapshot, pipeline,
// chunk-finalize, seal, per spec §4.5.
func (e *Engine) Run(ctx context.Context, source sourcedb.SourceDB, opts Options) (Result, error) {
	opts = opts.withDefaults()
	log := e.Logger.With().
		Str("operation", "backup").
		Str("database_id", opts.DatabaseID).
		Str("backup_id", opts.BackupID).
		Logger()

	overwrote, err := e.acquireLock(ctx, opts.DatabaseID)
	if err != nil {
		log.Error().Err(err).Msg("failed acquiring backup lock")
		return Result{}, err
	}
	defer func() {
		if relErr := e.Meta.ReleaseLock(ctx, opts.DatabaseID); relErr != nil {
			log.Warn().Err(relErr).Msg("failed releasing backup lock")
		}
	}()
	if overwrote {
		log.Warn().Msg("took over a stale backup lock")
	}

	snap, err := source.Snapshot(ctx)
	if err != nil {
		return Result{}, ddlogerr.Wrap(ddlogerr.Fatal, "failed opening source snapshot", err)
	}
	maxE, err := snap.MaxE(ctx)
	if err != nil {
		return Result{}, err
	}
	maxT, err := snap.MaxT(ctx)
	if err != nil {
		return Result{}, err
	}
	schema, err := snap.Schema(ctx)
	if err != nil {
		return Result{}, err
	}
	config, err := snap.Config(ctx)
	if err != nil {
		return Result{}, err
	}
	iter, err := snap.DatomsEAVT(ctx)
	if err != nil {
		return Result{}, err
	}

	schemaInline, err := metadata.EncodeSchemaInline(schema, opts.CompressionLevel)
	if err != nil {
		return Result{}, err
	}
	configInline, err := metadata.EncodeConfigInline(config, opts.CompressionLevel)
	if err != nil {
		return Result{}, err
	}

	man := metadata.Manifest{
		BackupID:      opts.BackupID,
		Type:          "full",
		CreatedAt:     time.Now().UTC(),
		DatabaseID:    opts.DatabaseID,
		FormatVersion: codec.FormatVersion,
		Compression:   "gzip",
		SchemaInline:  schemaInline,
		ConfigInline:  configInline,
		LockTakeover:  overwrote,
	}

	collector := metrics.NewMetrics()
	if opts.OnMetricsReady != nil {
		opts.OnMetricsReady(collector)
	}
	completed, err := e.runPipeline(ctx, opts, iter, collector, log)
	if err != nil {
		return Result{}, err
	}

	ids := make([]uint64, 0, len(completed))
	for id := range completed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var tupleCount int64
	var totalBytes int64
	chunks := make([]metadata.ChunkDescriptor, 0, len(ids))
	for _, id := range ids {
		desc := completed[id]
		chunks = append(chunks, desc)
		tupleCount += int64(desc.TupleCount)
		totalBytes += desc.CompressedBytes
	}

	man.Chunks = chunks
	man.Stats = metadata.Stats{
		TupleCount: tupleCount,
		ChunkCount: len(chunks),
		TotalBytes: totalBytes,
		MaxE:       maxE,
		MaxT:       maxT,
	}
	if len(chunks) > 0 {
		man.Stats.TMin = chunks[0].TMin
		man.Stats.TMax = chunks[len(chunks)-1].TMax
	}
	man.Completed = true

	// Seal: manifest, then complete-marker, then delete the checkpoint.
	if err := e.Meta.WriteManifest(ctx, opts.DatabaseID, opts.BackupID, man); err != nil {
		return Result{}, err
	}
	if err := e.Meta.WriteMarker(ctx, opts.DatabaseID, opts.BackupID); err != nil {
		return Result{}, err
	}
	if err := e.Meta.DeleteCheckpoint(ctx, metadata.CheckpointKey(opts.DatabaseID, opts.BackupID)); err != nil {
		log.Warn().Err(err).Msg("failed deleting checkpoint after seal")
	}

	report := collector.GenerateReport()
	log.Info().
		Int64("tuples", tupleCount).
		Int("chunks", len(chunks)).
		Int64("bytes", totalBytes).
		Msg("backup completed")
	if opts.ReportURI != "" && e.ReportUploader != nil {
		if err := e.ReportUploader.UploadReport(ctx, opts.ReportURI, report); err != nil {
			log.Warn().Err(err).Msg("failed uploading report")
		}
	}

	return Result{
		Success:    true,
		BackupID:   opts.BackupID,
		PathOrURI:  metadata.ManifestKey(opts.DatabaseID, opts.BackupID),
		TupleCount: tupleCount,
		ChunkCount: len(chunks),
		TotalBytes: totalBytes,
	}, nil
}

// acquireLock claims the backup lock for databaseID, per spec §4.5 step 1.
func (e *Engine) acquireLock(ctx context.Context, databaseID string) (overwrote bool, err error) {
	host, _ := os.Hostname()
	return e.Meta.TryAcquireLock(ctx, databaseID, metadata.LockInfo{
		PID:       os.Getpid(),
		Host:      host,
		StartedAt: time.Now().UTC(),
	})
}

// runPipeline wires the chunker through a bounded pool of encode/upload
// workers, per spec §4.5 step 3's "bounded queue of P in-flight chunks."
// Chunk ids are assigned serially by the chunker; completion order across
// workers may differ, so the caller sorts by id before sealing.
func (e *Engine) runPipeline(
	ctx context.Context,
	opts Options,
	iter sourcedb.Iterator,
	collector *metrics.Metrics,
	log zerolog.Logger,
) (map[uint64]metadata.ChunkDescriptor, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := chunker.New(opts.ChunkBytes)
	chunksCh, chunkErrc := ch.Run(runCtx, iter)

	results := make(chan chunkResult)
	workerErrs := make(chan error, opts.ParallelUploads)

	var wg sync.WaitGroup
	for i := 0; i < opts.ParallelUploads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range chunksCh {
				res, err := e.encodeAndUpload(runCtx, opts, c)
				if err != nil {
					collector.RecordError()
					select {
					case workerErrs <- err:
					default:
					}
					cancel()
					return
				}
				select {
				case results <- res:
				case <-runCtx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	completed := make(map[uint64]metadata.ChunkDescriptor)
	startedAt := time.Now().UTC()

	for res := range results {
		completed[res.desc.ChunkID] = res.desc
		collector.RecordTuples(res.tupleCount)
		collector.RecordChunkWritten(res.desc.CompressedBytes)

		ids := make([]uint64, 0, len(completed))
		for id := range completed {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		cp := metadata.Checkpoint{
			Operation: metadata.OperationBackup,
			StartedAt: startedAt,
			UpdatedAt: time.Now().UTC(),
			Progress: metadata.Progress{
				TotalChunks:     len(completed),
				CompletedChunks: ids,
				LastTx:          res.desc.TMax,
			},
		}
		if err := e.Meta.WriteCheckpoint(ctx, metadata.CheckpointKey(opts.DatabaseID, opts.BackupID), cp); err != nil {
			log.Warn().Err(err).Msg("failed writing checkpoint")
		}
	}

	if err := <-chunkErrc; err != nil {
		return nil, err
	}
	select {
	case err := <-workerErrs:
		if err != nil {
			return nil, err
		}
	default:
	}

	return completed, nil
}

// encodeAndUpload encodes one chunk and uploads it with the engine's retry
// policy, per spec §4.1's transient-retry contract.
func (e *Engine) encodeAndUpload(ctx context.Context, opts Options, c chunker.Chunk) (chunkResult, error) {
	var buf bytes.Buffer
	encRes, err := codec.Encode(&buf, c.ChunkID, c.Tuples, opts.CompressionLevel)
	if err != nil {
		return chunkResult{}, err
	}

	key := metadata.ChunkKey(opts.DatabaseID, opts.BackupID, c.ChunkID)
	body := buf.Bytes()
	if err := e.Retrier.Do(ctx, func(ctx context.Context) error {
		_, putErr := e.Dest.Put(ctx, key, bytes.NewReader(body), int64(len(body)), nil)
		return putErr
	}); err != nil {
		return chunkResult{}, err
	}

	return chunkResult{
		desc: metadata.ChunkDescriptor{
			ChunkID:          c.ChunkID,
			TMin:             c.TMin,
			TMax:             c.TMax,
			TupleCount:       encRes.TupleCount,
			CompressedBytes:  int64(len(body)),
			SHA256:           hex.EncodeToString(encRes.SHA256[:]),
			StorageKey:       key,
			PartialCommitPfx: c.PartialCommitPrefix,
		},
		tupleCount: len(c.Tuples),
	}, nil
}

// CleanupIncomplete removes any backup under databaseID that lacks a
// complete-marker and has had no object written to it in the last
// olderThan, per spec §4.5's "location left in a state the engine can
// distinguish as incomplete." It returns the backup ids it removed.
func (e *Engine) CleanupIncomplete(ctx context.Context, databaseID string, olderThan time.Duration) ([]string, error) {
	it, err := e.Dest.List(ctx, databaseID+"/")
	if err != nil {
		return nil, err
	}
	defer it.Close()

	type group struct {
		keys      []string
		lastMod   time.Time
		hasMarker bool
	}
	groups := make(map[string]*group)

	for it.HasNext() {
		d, err := it.Next()
		if err != nil {
			return nil, err
		}
		rel := d.Key
		if len(rel) > len(databaseID)+1 {
			rel = rel[len(databaseID)+1:]
		} else {
			continue
		}

		slash := indexByte(rel, '/')
		if slash < 0 {
			continue
		}
		backupID := rel[:slash]

		g, ok := groups[backupID]
		if !ok {
			g = &group{}
			groups[backupID] = g
		}
		g.keys = append(g.keys, d.Key)
		if d.Mtime.After(g.lastMod) {
			g.lastMod = d.Mtime
		}
		if hasSuffix(rel, "/complete.marker") {
			g.hasMarker = true
		}
	}

	cutoff := time.Now().Add(-olderThan)
	var removed []string
	for backupID, g := range groups {
		if g.hasMarker || g.lastMod.After(cutoff) {
			continue
		}
		if err := e.Dest.DeleteMany(ctx, g.keys); err != nil {
			return removed, err
		}
		removed = append(removed, backupID)
	}
	return removed, nil
}

func indexByte(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}
