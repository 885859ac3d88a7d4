package cleanup

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/gurre/ddlog-backup/metadata"
	"github.com/gurre/ddlog-backup/store"
)

func writeIncompleteBackup(t *testing.T, backend store.Store, databaseID, backupID string) {
	t.Helper()
	body := []byte("partial chunk bytes")
	key := databaseID + "/" + backupID + "/chunks/datoms-0.bin.gz"
	if _, err := backend.Put(context.Background(), key, bytes.NewReader(body), int64(len(body)), nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func TestEngine_RunRemovesIncompleteBackupOlderThanThreshold(t *testing.T) {
	backend, err := store.NewFileStore("file://" + t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	writeIncompleteBackup(t, backend, "db1", "b1")

	meta := metadata.NewStore(backend)
	eng := NewEngine(meta, backend, zerolog.Nop())

	res, err := eng.Run(context.Background(), Options{DatabaseID: "db1", OlderThanSeconds: 0})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Removed) != 1 || res.Removed[0] != "b1" {
		t.Fatalf("got removed %v, want [b1]", res.Removed)
	}

	it, err := backend.List(context.Background(), "db1/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if it.HasNext() {
		t.Fatalf("expected no remaining objects under db1/ after sweep")
	}
}

func TestEngine_RunSkipsCompleteBackups(t *testing.T) {
	backend, err := store.NewFileStore("file://" + t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	writeIncompleteBackup(t, backend, "db1", "b1")

	meta := metadata.NewStore(backend)
	if err := meta.WriteManifest(context.Background(), "db1", "b1", metadata.Manifest{BackupID: "b1", FormatVersion: 1}); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}
	if err := meta.WriteMarker(context.Background(), "db1", "b1"); err != nil {
		t.Fatalf("WriteMarker: %v", err)
	}

	eng := NewEngine(meta, backend, zerolog.Nop())
	res, err := eng.Run(context.Background(), Options{DatabaseID: "db1", OlderThanSeconds: 0})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Removed) != 0 {
		t.Fatalf("expected a complete backup to survive the sweep, got removed %v", res.Removed)
	}
}

func TestEngine_RunSkipsRecentIncompleteBackups(t *testing.T) {
	backend, err := store.NewFileStore("file://" + t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	writeIncompleteBackup(t, backend, "db1", "b1")

	meta := metadata.NewStore(backend)
	eng := NewEngine(meta, backend, zerolog.Nop())

	res, err := eng.Run(context.Background(), Options{DatabaseID: "db1", OlderThanSeconds: 3600})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Removed) != 0 {
		t.Fatalf("expected a freshly-written incomplete backup to survive a 1-hour threshold, got %v", res.Removed)
	}
}

func TestEngine_RunDryRunReportsWithoutDeleting(t *testing.T) {
	backend, err := store.NewFileStore("file://" + t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	writeIncompleteBackup(t, backend, "db1", "b1")

	meta := metadata.NewStore(backend)
	eng := NewEngine(meta, backend, zerolog.Nop())

	res, err := eng.Run(context.Background(), Options{DatabaseID: "db1", OlderThanSeconds: 0, DryRun: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Removed) != 1 {
		t.Fatalf("expected dry_run to still report the removable backup, got %v", res.Removed)
	}

	it, err := backend.List(context.Background(), "db1/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !it.HasNext() {
		t.Fatalf("expected objects to survive under dry_run")
	}
}
