// Package chunker implements the chunker (C4): partitioning a lazy,
// already EAVT/commit-ordered tuple stream into size-bounded ordered
// chunks, preserving commit boundaries except when a single commit
// exceeds the byte budget. Grounded on coordinator.worker's
// accumulate-until-threshold inner loop (`len(batch) >= c.cfg.BatchSize`),
// generalized from item-count batching to byte-budget batching with the
// commit-boundary rule from spec §4.4.
package chunker

import (
	"context"
	"math/big"

	"github.com/gurre/ddlog-backup/sourcedb"
)

// DefaultChunkBytes is the chunk size budget used when callers don't
// override it, per spec §6.
const DefaultChunkBytes = 64 * 1024 * 1024

// Chunk is an ordered, size-bounded slice of tuples ready for the codec,
// per spec §3.
type Chunk struct {
	ChunkID             uint64
	Tuples              []sourcedb.Tuple
	TMin                int64
	TMax                int64
	PartialCommitPrefix bool
}

// Chunker partitions a tuple iterator into Chunks, one live accumulator at
// a time so memory stays O(chunk_bytes) rather than O(N), per spec §4.4.
type Chunker struct {
	chunkBytes int64
}

// New creates a Chunker with the given byte budget. A non-positive budget
// is replaced with DefaultChunkBytes.
func New(chunkBytes int64) *Chunker {
	if chunkBytes <= 0 {
		chunkBytes = DefaultChunkBytes
	}
	return &Chunker{chunkBytes: chunkBytes}
}

// Run consumes it and streams Chunks on the returned channel. The error
// channel receives at most one error and is closed alongside the chunk
// channel. Callers must drain both. At least one chunk is always emitted,
// even for an empty iterator, per spec §4.5's "chunk_count is always
// max(1, ceil(tuples/chunk_capacity))".
func (c *Chunker) Run(ctx context.Context, it sourcedb.Iterator) (<-chan Chunk, <-chan error) {
	out := make(chan Chunk)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		var chunkID uint64
		var current []sourcedb.Tuple
		var currentBytes int64
		emittedAny := false

		emit := func(tuples []sourcedb.Tuple, partial bool) bool {
			if len(tuples) == 0 && emittedAny {
				return true
			}
			chunk := Chunk{
				ChunkID:             chunkID,
				Tuples:              tuples,
				PartialCommitPrefix: partial,
			}
			if len(tuples) > 0 {
				chunk.TMin = tuples[0].T
				chunk.TMax = tuples[len(tuples)-1].T
			}
			chunkID++
			emittedAny = true
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				errc <- ctx.Err()
				return false
			}
		}

		var commitBuf []sourcedb.Tuple
		var commitBytes int64
		var lastT int64
		haveCommit := false

		flushCommit := func() bool {
			if len(commitBuf) == 0 {
				return true
			}

			// A commit that alone exceeds the budget must be split into
			// contiguous slices; all but the last are emitted immediately
			// with PartialCommitPrefix=true, and the last slice seeds the
			// next live chunk so following commits can still share it.
			if commitBytes > c.chunkBytes && len(commitBuf) > 1 {
				if len(current) > 0 {
					if !emit(current, false) {
						return false
					}
					current = nil
					currentBytes = 0
				}
				slices := splitByBudget(commitBuf, c.chunkBytes)
				for i, slice := range slices {
					if i == len(slices)-1 {
						current = slice
						currentBytes = estimateTuples(slice)
						break
					}
					if !emit(slice, true) {
						return false
					}
				}
				commitBuf = nil
				commitBytes = 0
				return true
			}

			if currentBytes+commitBytes > c.chunkBytes && len(current) > 0 {
				if !emit(current, false) {
					return false
				}
				current = nil
				currentBytes = 0
			}
			current = append(current, commitBuf...)
			currentBytes += commitBytes
			commitBuf = nil
			commitBytes = 0
			return true
		}

		for it.HasNext() {
			select {
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			default:
			}

			t, err := it.Next()
			if err != nil {
				errc <- err
				return
			}

			if haveCommit && t.T != lastT {
				if !flushCommit() {
					return
				}
			}
			commitBuf = append(commitBuf, t)
			commitBytes += EstimateTupleBytes(t)
			lastT = t.T
			haveCommit = true
		}

		if !flushCommit() {
			return
		}
		emit(current, false)
	}()

	return out, errc
}

func estimateTuples(tuples []sourcedb.Tuple) int64 {
	var total int64
	for _, t := range tuples {
		total += EstimateTupleBytes(t)
	}
	return total
}

// splitByBudget slices tuples (all sharing one commit's `t`) into
// contiguous runs each at or under budget, with at least one tuple per
// slice so progress is always made even if a single tuple exceeds budget.
func splitByBudget(tuples []sourcedb.Tuple, budget int64) [][]sourcedb.Tuple {
	var slices [][]sourcedb.Tuple
	var cur []sourcedb.Tuple
	var curBytes int64
	for _, t := range tuples {
		size := EstimateTupleBytes(t)
		if len(cur) > 0 && curBytes+size > budget {
			slices = append(slices, cur)
			cur = nil
			curBytes = 0
		}
		cur = append(cur, t)
		curBytes += size
	}
	if len(cur) > 0 {
		slices = append(slices, cur)
	}
	return slices
}

// EstimateTupleBytes returns an approximate serialized size for a tuple,
// used to drive the chunker's byte budget without actually encoding it.
// The estimate is deliberately conservative (erring high) since chunk_bytes
// is advisory, per spec §4.4.
func EstimateTupleBytes(t sourcedb.Tuple) int64 {
	const fixedOverhead = 1 + 1 + 1 + 10 + 10 // tag + added + dict-index + e-varint + t-varint, worst case
	return fixedOverhead + int64(len(t.A)) + valueSize(t.V)
}

func valueSize(v sourcedb.Value) int64 {
	switch val := v.(type) {
	case sourcedb.VString:
		return int64(len(val.S))
	case sourcedb.VKeyword:
		return int64(len(val.K))
	case sourcedb.VInt64:
		return 8
	case sourcedb.VBigDecimal:
		return bigRatSize(val.D)
	case sourcedb.VUUID:
		return 16
	case sourcedb.VInstant:
		return 8
	case sourcedb.VBool:
		return 1
	case sourcedb.VBytes:
		return int64(len(val.B))
	case sourcedb.VRef:
		return 8
	case sourcedb.VFloat64:
		return 8
	default:
		return 16
	}
}

func bigRatSize(r *big.Rat) int64 {
	if r == nil {
		return 2
	}
	return int64(len(r.Num().Bytes())+len(r.Denom().Bytes())) + 2
}
