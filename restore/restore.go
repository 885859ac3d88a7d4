// Package restore implements the restore engine (C6): manifest/marker
// verification, per-chunk streaming decode, k-way merge by the canonical
// ordering key, and batched loading into an empty target DB, per spec
// §4.6. Grounded on coordinator.Coordinator's worker-pool shape
// (coordinator/coordinator.go) for chunk prefetch, generalized with a
// container/heap min-heap merge the teacher's single-stream restore never
// needed (dgraph's worker/restore_map.go errgroup fan-out grounds the
// parallel chunk-reading half of this package).
package restore

import (
	"container/heap"
	"context"
	"encoding/hex"
	"errors"
	"io"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/gurre/ddlog-backup/codec"
	"github.com/gurre/ddlog-backup/ddlogerr"
	"github.com/gurre/ddlog-backup/metadata"
	"github.com/gurre/ddlog-backup/metrics"
	"github.com/gurre/ddlog-backup/sourcedb"
	"github.com/gurre/ddlog-backup/store"
)

// Options configures a restore run, per spec §4.6's inputs.
type Options struct {
	VerifyChecksums bool
	BatchSize       int
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 10_000
	}
	return o
}

// Result is the outcome of a restore run, per spec §4.6's contract.
type Result struct {
	Success        bool
	TuplesRestored int64
	ChunksRead     int
}

// Engine runs the restore algorithm of spec §4.6, reading from src.
type Engine struct {
	Meta   *metadata.Store
	Src    store.Store
	Logger zerolog.Logger
}

// NewEngine constructs an Engine.
func NewEngine(meta *metadata.Store, src store.Store, logger zerolog.Logger) *Engine {
	return &Engine{Meta: meta, Src: src, Logger: logger}
}

// chunkCursor holds one chunk's open decoder and the tuple waiting at its
// head, the unit the merge heap orders by.
type chunkCursor struct {
	chunkID uint64
	dec     *codec.Decoder
	desc    metadata.ChunkDescriptor
	head    sourcedb.Tuple
	hasHead bool
}

// cursorHeap implements container/heap.Interface, ordering by the
// canonical key from sourcedb.OrderKey, tie-broken by chunk id so the
// total order is well-defined even for duplicate keys across chunks.
type cursorHeap []*chunkCursor

func (h cursorHeap) Len() int { return len(h) }
func (h cursorHeap) Less(i, j int) bool {
	ki, kj := sourcedb.KeyOf(h[i].head), sourcedb.KeyOf(h[j].head)
	if ki != kj {
		return ki.Less(kj)
	}
	return h[i].chunkID < h[j].chunkID
}
func (h cursorHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *cursorHeap) Push(x any)        { *h = append(*h, x.(*chunkCursor)) }
func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Run executes the restore algorithm: read manifest, install schema/config,
// k-way merge chunks into batches flushed at commit boundaries, then write
// watermarks, per spec §4.6.
func (e *Engine) Run(ctx context.Context, dest sourcedb.TargetDB, databaseID, backupID string, opts Options) (Result, error) {
	opts = opts.withDefaults()
	log := e.Logger.With().
		Str("operation", "restore").
		Str("database_id", databaseID).
		Str("backup_id", backupID).
		Logger()

	hasUser, err := dest.HasUserTuples(ctx)
	if err != nil {
		return Result{}, err
	}
	if hasUser {
		return Result{}, ddlogerr.New(ddlogerr.Fatal, "restore target already has user tuples", nil)
	}

	marker, err := e.Meta.MarkerExists(ctx, databaseID, backupID)
	if err != nil {
		return Result{}, err
	}
	if !marker {
		return Result{}, ddlogerr.New(ddlogerr.Fatal, "backup has no complete-marker", map[string]any{
			"database_id": databaseID, "backup_id": backupID,
		})
	}

	man, err := e.Meta.ReadManifest(ctx, databaseID, backupID)
	if err != nil {
		return Result{}, err
	}
	if man.FormatVersion != codec.FormatVersion {
		return Result{}, ddlogerr.New(ddlogerr.Fatal, "incompatible chunk format version", map[string]any{
			"manifest_version": man.FormatVersion, "supported_version": codec.FormatVersion,
		})
	}

	schema, err := metadata.DecodeSchemaInline(man.SchemaInline)
	if err != nil {
		return Result{}, err
	}
	if err := dest.InstallSchema(ctx, schema); err != nil {
		return Result{}, err
	}
	config, err := metadata.DecodeConfigInline(man.ConfigInline)
	if err != nil {
		return Result{}, err
	}
	if err := dest.InstallConfig(ctx, config); err != nil {
		return Result{}, err
	}

	collector := metrics.NewMetrics()
	tuplesRestored, err := e.mergeAndLoad(ctx, dest, man, opts, collector, log)
	if err != nil {
		return Result{}, err
	}

	if err := dest.SetWatermarks(ctx, man.Stats.MaxE, man.Stats.MaxT); err != nil {
		return Result{}, err
	}

	log.Info().Int64("tuples", tuplesRestored).Int("chunks", len(man.Chunks)).Msg("restore completed")
	return Result{Success: true, TuplesRestored: tuplesRestored, ChunksRead: len(man.Chunks)}, nil
}

// mergeAndLoad opens one streaming decoder per chunk (prefetched and
// decompressed concurrently via errgroup, per spec §4.6's complexity note
// "one decoded tuple per chunk"), seeds a min-heap on their head tuples,
// and pops/pushes/flushes into dest at batch_size/commit boundaries. When
// opts.VerifyChecksums is set, each chunk's checksum is checked the
// instant its decoder reaches EOF rather than after the whole merge
// finishes, so a corrupt chunk fails the run before a later flush can
// load its tail tuples into dest.
func (e *Engine) mergeAndLoad(
	ctx context.Context,
	dest sourcedb.TargetDB,
	man metadata.Manifest,
	opts Options,
	collector *metrics.Metrics,
	log zerolog.Logger,
) (int64, error) {
	cursors := make([]*chunkCursor, len(man.Chunks))

	g, gctx := errgroup.WithContext(ctx)
	for i, desc := range man.Chunks {
		i, desc := i, desc
		g.Go(func() error {
			cur, err := e.openCursor(gctx, desc)
			if err != nil {
				return err
			}
			cursors[i] = cur
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	defer func() {
		for _, c := range cursors {
			if c != nil && c.dec != nil {
				c.dec.Close()
			}
		}
	}()

	log.Debug().Int("chunks", len(cursors)).Msg("opened restore cursors")

	h := make(cursorHeap, 0, len(cursors))
	for _, c := range cursors {
		if !c.hasHead {
			// Chunk was already exhausted (or empty) while opening: verify
			// now, before the merge loop can flush anything from it.
			if opts.VerifyChecksums {
				if err := e.verifyChunk(c, collector); err != nil {
					return 0, err
				}
			}
			continue
		}
		h = append(h, c)
	}
	heap.Init(&h)

	var buf []sourcedb.Tuple
	var tuplesRestored int64

	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		if err := dest.LoadPreFormed(ctx, buf); err != nil {
			return err
		}
		tuplesRestored += int64(len(buf))
		collector.RecordTuples(len(buf))
		buf = buf[:0]
		return nil
	}

	for h.Len() > 0 {
		c := heap.Pop(&h).(*chunkCursor)
		buf = append(buf, c.head)

		closesCommit := h.Len() == 0 || h[0].head.T != c.head.T

		if err := e.advanceCursor(c); err != nil {
			return 0, err
		}
		if c.hasHead {
			heap.Push(&h, c)
		} else if opts.VerifyChecksums {
			// c's decoder just reached EOF: verify its checksum immediately,
			// before the flush below (or any later one) can carry its tail
			// tuples into dest. A failure here returns before dest sees
			// anything from this chunk that hasn't already been flushed.
			if err := e.verifyChunk(c, collector); err != nil {
				return 0, err
			}
		}

		if len(buf) >= opts.BatchSize && closesCommit {
			if err := flush(); err != nil {
				return 0, err
			}
		}
	}

	if err := flush(); err != nil {
		return 0, err
	}

	return tuplesRestored, nil
}

// verifyChunk checks c's decoder-computed digest against its manifest
// checksum. Only valid to call once c.dec has reached EOF.
func (e *Engine) verifyChunk(c *chunkCursor, collector *metrics.Metrics) error {
	expected, err := decodeSHA256(c.desc.SHA256)
	if err != nil {
		return err
	}
	if err := c.dec.Verify(expected); err != nil {
		collector.RecordError()
		return err
	}
	return nil
}

func (e *Engine) openCursor(ctx context.Context, desc metadata.ChunkDescriptor) (*chunkCursor, error) {
	rc, err := e.Src.Get(ctx, desc.StorageKey)
	if err != nil {
		return nil, err
	}
	dec, err := codec.NewDecoder(rc)
	if err != nil {
		rc.Close()
		return nil, err
	}
	cur := &chunkCursor{chunkID: desc.ChunkID, dec: dec, desc: desc}
	if err := e.advanceCursor(cur); err != nil {
		return nil, err
	}
	return cur, nil
}

func (e *Engine) advanceCursor(c *chunkCursor) error {
	t, err := c.dec.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			c.hasHead = false
			return nil
		}
		return err
	}
	c.head = t
	c.hasHead = true
	return nil
}

func decodeSHA256(hexStr string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(hexStr)
	if err != nil || len(raw) != len(out) {
		return out, ddlogerr.New(ddlogerr.Data, "malformed chunk sha256 in manifest", map[string]any{"sha256": hexStr})
	}
	copy(out[:], raw)
	return out, nil
}
