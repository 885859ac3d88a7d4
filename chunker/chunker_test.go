package chunker

import (
	"context"
	"testing"

	"github.com/gurre/ddlog-backup/sourcedb"
)

func drain(t *testing.T, out <-chan Chunk, errc <-chan error) []Chunk {
	t.Helper()
	var chunks []Chunk
	for c := range out {
		chunks = append(chunks, c)
	}
	if err := <-errc; err != nil {
		t.Fatalf("chunker error: %v", err)
	}
	return chunks
}

func strTuple(e int64, a string, s string, tx int64) sourcedb.Tuple {
	return sourcedb.Tuple{E: e, A: sourcedb.Ident(a), V: sourcedb.VString{S: s}, T: tx, Added: true}
}

func TestChunker_EmptyStreamEmitsOneChunk(t *testing.T) {
	c := New(DefaultChunkBytes)
	out, errc := c.Run(context.Background(), sourcedb.NewSliceIterator(nil))
	chunks := drain(t, out, errc)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if len(chunks[0].Tuples) != 0 {
		t.Fatalf("expected empty chunk, got %d tuples", len(chunks[0].Tuples))
	}
}

func TestChunker_SmallStreamStaysInOneChunk(t *testing.T) {
	tuples := []sourcedb.Tuple{
		strTuple(1, ":user/name", "Ada", 100),
		strTuple(1, ":user/email", "ada@x.test", 100),
		strTuple(2, ":user/name", "Bob", 101),
	}
	c := New(DefaultChunkBytes)
	out, errc := c.Run(context.Background(), sourcedb.NewSliceIterator(tuples))
	chunks := drain(t, out, errc)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if len(chunks[0].Tuples) != 3 {
		t.Fatalf("got %d tuples, want 3", len(chunks[0].Tuples))
	}
}

func TestChunker_NeverSplitsACommitThatFitsBudget(t *testing.T) {
	// Each commit is small; a tight budget should still force a split
	// between commits, never within one.
	var tuples []sourcedb.Tuple
	for tx := int64(0); tx < 20; tx++ {
		tuples = append(tuples,
			strTuple(tx, ":user/name", "user-name-value", tx),
			strTuple(tx, ":user/email", "user-email-value", tx),
		)
	}

	c := New(150)
	out, errc := c.Run(context.Background(), sourcedb.NewSliceIterator(tuples))
	chunks := drain(t, out, errc)

	if len(chunks) < 2 {
		t.Fatalf("expected budget to force multiple chunks, got %d", len(chunks))
	}
	for _, chunk := range chunks {
		seen := make(map[int64]int)
		for _, tup := range chunk.Tuples {
			seen[tup.T]++
		}
		for tx, count := range seen {
			if count != 2 && !chunk.PartialCommitPrefix {
				t.Fatalf("commit %d split across non-partial chunk boundary: count=%d", tx, count)
			}
		}
	}
}

func TestChunker_SplitsOversizedCommitWithPartialPrefix(t *testing.T) {
	var tuples []sourcedb.Tuple
	for i := 0; i < 10; i++ {
		tuples = append(tuples, strTuple(int64(i), ":user/bio", "a long bio field repeated many times over", 42))
	}

	c := New(100)
	out, errc := c.Run(context.Background(), sourcedb.NewSliceIterator(tuples))
	chunks := drain(t, out, errc)

	if len(chunks) < 2 {
		t.Fatalf("expected the oversized commit to be split into multiple chunks, got %d", len(chunks))
	}

	var total int
	sawPartial := false
	for i, chunk := range chunks {
		total += len(chunk.Tuples)
		if chunk.PartialCommitPrefix {
			sawPartial = true
		}
		if i < len(chunks)-1 && !chunk.PartialCommitPrefix {
			t.Fatalf("chunk %d is not the last chunk of the split commit but lacks PartialCommitPrefix", i)
		}
	}
	if !sawPartial {
		t.Fatalf("expected at least one chunk marked PartialCommitPrefix")
	}
	if total != len(tuples) {
		t.Fatalf("got %d total tuples across chunks, want %d", total, len(tuples))
	}
}

func TestChunker_PreservesOrderAcrossChunks(t *testing.T) {
	var tuples []sourcedb.Tuple
	for tx := int64(0); tx < 50; tx++ {
		tuples = append(tuples, strTuple(tx, ":user/name", "v", tx))
	}

	c := New(40)
	out, errc := c.Run(context.Background(), sourcedb.NewSliceIterator(tuples))
	chunks := drain(t, out, errc)

	var lastT int64 = -1
	for _, chunk := range chunks {
		for _, tup := range chunk.Tuples {
			if tup.T < lastT {
				t.Fatalf("tuple order violated: %d after %d", tup.T, lastT)
			}
			lastT = tup.T
		}
	}
}

func TestChunker_ContextCancellationStopsProduction(t *testing.T) {
	var tuples []sourcedb.Tuple
	for tx := int64(0); tx < 1000; tx++ {
		tuples = append(tuples, strTuple(tx, ":user/name", "v", tx))
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := New(8)
	out, errc := c.Run(ctx, sourcedb.NewSliceIterator(tuples))

	cancel()
	for range out {
	}
	if err := <-errc; err == nil {
		t.Fatalf("expected cancellation error")
	}
}
