package restore

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/gurre/ddlog-backup/metadata"
	"github.com/gurre/ddlog-backup/sourcedb"
	"github.com/gurre/ddlog-backup/store"
)

func TestEngine_VerifyBackupConfirmsAllChunkChecksums(t *testing.T) {
	backend, err := store.NewFileStore("file://" + t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	var tuples []sourcedb.Tuple
	for tx := int64(0); tx < 30; tx++ {
		tuples = append(tuples, strTuple(tx, ":user/name", "name-value", tx))
	}
	seedBackup(t, backend, tuples, 60)

	meta := metadata.NewStore(backend)
	eng := NewEngine(meta, backend, zerolog.Nop())

	res, err := eng.VerifyBackup(context.Background(), "db1", "b1")
	if err != nil {
		t.Fatalf("VerifyBackup: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.TupleCount != int64(len(tuples)) {
		t.Fatalf("got tuple count %d, want %d", res.TupleCount, len(tuples))
	}
	if res.ChunkCount <= 1 {
		t.Fatalf("expected more than one chunk from a small chunk_bytes seed, got %d", res.ChunkCount)
	}
	for _, cv := range res.Chunks {
		if !cv.OK {
			t.Fatalf("chunk %d failed verification: %s", cv.ChunkID, cv.Err)
		}
	}
}

func TestEngine_VerifyBackupFailsWithoutCompleteMarker(t *testing.T) {
	backend, err := store.NewFileStore("file://" + t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	meta := metadata.NewStore(backend)
	eng := NewEngine(meta, backend, zerolog.Nop())

	_, err = eng.VerifyBackup(context.Background(), "db1", "missing")
	if err == nil || !strings.Contains(err.Error(), "complete-marker") {
		t.Fatalf("expected a complete-marker error, got %v", err)
	}
}

func TestEngine_VerifyBackupDetectsCorruptedChunk(t *testing.T) {
	backend, err := store.NewFileStore("file://" + t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	seedBackup(t, backend, []sourcedb.Tuple{strTuple(1, ":user/name", "a", 0)}, 1<<20)

	meta := metadata.NewStore(backend)
	man, err := meta.ReadManifest(context.Background(), "db1", "b1")
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if len(man.Chunks) != 1 {
		t.Fatalf("expected exactly one chunk, got %d", len(man.Chunks))
	}
	man.Chunks[0].SHA256 = strings.Repeat("0", 64)
	if err := meta.WriteManifest(context.Background(), "db1", "b1", man); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}

	eng := NewEngine(meta, backend, zerolog.Nop())
	res, err := eng.VerifyBackup(context.Background(), "db1", "b1")
	if err != nil {
		t.Fatalf("VerifyBackup: %v", err)
	}
	if res.Success {
		t.Fatalf("expected verification to fail on a tampered checksum")
	}
	if len(res.Chunks) != 1 || res.Chunks[0].OK {
		t.Fatalf("expected the single chunk to be marked failed, got %+v", res.Chunks)
	}
}
