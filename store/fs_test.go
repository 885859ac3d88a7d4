package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/gurre/ddlog-backup/ddlogerr"
)

func TestFileStore_PutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore("file://" + dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	ctx := context.Background()
	body := []byte("chunk payload")
	if _, err := fs.Put(ctx, "backups/db1/chunk-0.bin", bytes.NewReader(body), int64(len(body)), nil); err != nil {
		t.Fatalf("Put: %v", err)
	}

	rc, err := fs.Get(ctx, "backups/db1/chunk-0.bin")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("got %q, want %q", got, body)
	}
}

func TestFileStore_GetMissingKeyIsDataError(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore("file://" + dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	_, err = fs.Get(context.Background(), "nope")
	if err == nil {
		t.Fatalf("expected error for missing key")
	}
	if !ddlogerr.Is(err, ddlogerr.Data) {
		t.Fatalf("expected a Data error for missing key, got %v", err)
	}
}

func TestFileStore_PathEscapeRejected(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore("file://" + dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	_, err = fs.Put(context.Background(), "../../etc/passwd", bytes.NewReader(nil), 0, nil)
	if err == nil {
		t.Fatalf("expected escape attempt to be rejected")
	}
}

func TestFileStore_PutIfAbsentRejectsSecondWriter(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore("file://" + dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	ctx := context.Background()
	if err := fs.PutIfAbsent(ctx, "locks/migration-1", []byte("holder-a")); err != nil {
		t.Fatalf("first PutIfAbsent: %v", err)
	}
	err = fs.PutIfAbsent(ctx, "locks/migration-1", []byte("holder-b"))
	if !ddlogerr.Is(err, ddlogerr.Conflict) {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestFileStore_ListReturnsAllKeysUnderPrefix(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore("file://" + dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("chunks/chunk-%d.bin", i)
		if _, err := fs.Put(ctx, key, bytes.NewReader([]byte("x")), 1, nil); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}

	it, err := fs.List(ctx, "chunks")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	defer it.Close()

	count := 0
	for it.HasNext() {
		if _, err := it.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
		count++
	}
	if count != 3 {
		t.Fatalf("got %d entries, want 3", count)
	}
}

func TestFileStore_ExistsReflectsWrites(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore("file://" + dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	ctx := context.Background()
	ok, err := fs.Exists(ctx, "manifest.yaml")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Fatalf("expected manifest to not exist yet")
	}

	if _, err := fs.Put(ctx, "manifest.yaml", bytes.NewReader([]byte("v: 1")), 4, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ok, err = fs.Exists(ctx, "manifest.yaml")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !ok {
		t.Fatalf("expected manifest to exist after Put")
	}
}

func TestFileStore_RejectsRelativeRoot(t *testing.T) {
	if _, err := NewFileStore("file://relative/path"); err == nil {
		t.Fatalf("expected relative root to be rejected")
	}
}

func TestFileStore_DeleteIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore("file://" + dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	ctx := context.Background()
	if _, err := fs.Put(ctx, "a", bytes.NewReader([]byte("x")), 1, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := fs.Delete(ctx, "a"); err != nil {
		t.Fatalf("first Delete: %v", err)
	}
	if err := fs.Delete(ctx, "a"); err != nil {
		t.Fatalf("second Delete should be a no-op, got: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "a")); !os.IsNotExist(err) {
		t.Fatalf("expected file to be gone")
	}
}
