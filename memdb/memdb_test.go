package memdb

import (
	"context"
	"testing"

	"github.com/gurre/ddlog-backup/sourcedb"
)

func strTuple(e int64, a string, s string) sourcedb.Tuple {
	return sourcedb.Tuple{E: e, A: sourcedb.Ident(a), V: sourcedb.VString{S: s}, Added: true}
}

type recordingListener struct{ reports []sourcedb.TxReport }

func (r *recordingListener) OnCommit(report sourcedb.TxReport) { r.reports = append(r.reports, report) }

func TestDB_TransactDeliversCommitHookSynchronously(t *testing.T) {
	db := New()
	l := &recordingListener{}
	unsub, err := db.Subscribe(l)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	if _, err := db.Transact(context.Background(), []sourcedb.Tuple{strTuple(1, ":user/name", "alice")}); err != nil {
		t.Fatalf("Transact: %v", err)
	}
	if len(l.reports) != 1 || len(l.reports[0].Tuples) != 1 {
		t.Fatalf("expected exactly one delivered report with one tuple, got %+v", l.reports)
	}
}

func TestDB_SnapshotReflectsTransactedTuples(t *testing.T) {
	db := New()
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		if _, err := db.Transact(ctx, []sourcedb.Tuple{strTuple(i, ":user/name", "u")}); err != nil {
			t.Fatalf("Transact: %v", err)
		}
	}

	snap, err := db.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	it, err := snap.DatomsEAVT(ctx)
	if err != nil {
		t.Fatalf("DatomsEAVT: %v", err)
	}
	var count int
	for it.HasNext() {
		if _, err := it.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
		count++
	}
	if count != 3 {
		t.Fatalf("got %d datoms, want 3", count)
	}
}

func TestDB_LoadPreFormedPreservesEntityAndTx(t *testing.T) {
	db := New()
	ctx := context.Background()
	tup := sourcedb.Tuple{E: 42, A: ":user/name", V: sourcedb.VString{S: "bob"}, T: 7, Added: true}
	if err := db.LoadPreFormed(ctx, []sourcedb.Tuple{tup}); err != nil {
		t.Fatalf("LoadPreFormed: %v", err)
	}
	hasUser, err := db.HasUserTuples(ctx)
	if err != nil {
		t.Fatalf("HasUserTuples: %v", err)
	}
	if !hasUser {
		t.Fatalf("expected HasUserTuples true after LoadPreFormed")
	}

	snap, _ := db.Snapshot(ctx)
	it, _ := snap.DatomsEAVT(ctx)
	got, err := it.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got.E != 42 || got.T != 7 {
		t.Fatalf("got tuple %+v, want E=42 T=7 preserved", got)
	}
}

func TestDB_ContentStoreTracksCommitsAndKeys(t *testing.T) {
	db := New()
	ctx := context.Background()
	if _, err := db.Transact(ctx, []sourcedb.Tuple{strTuple(1, ":user/name", "a")}); err != nil {
		t.Fatalf("Transact: %v", err)
	}
	if _, err := db.Transact(ctx, []sourcedb.Tuple{strTuple(2, ":user/name", "b")}); err != nil {
		t.Fatalf("Transact: %v", err)
	}

	heads, err := db.Heads(ctx)
	if err != nil || len(heads) != 1 {
		t.Fatalf("Heads: %v, %v", heads, err)
	}
	parents, err := db.Parents(ctx, heads[0])
	if err != nil {
		t.Fatalf("Parents: %v", err)
	}
	if len(parents) != 1 {
		t.Fatalf("expected the second commit to have one parent, got %v", parents)
	}

	keys, err := db.Keys(ctx, heads[0])
	if err != nil || len(keys) != 1 {
		t.Fatalf("Keys: %v, %v", keys, err)
	}

	it, err := db.AllKeys(ctx)
	if err != nil {
		t.Fatalf("AllKeys: %v", err)
	}
	var allKeys []string
	for it.HasNext() {
		k, err := it.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		allKeys = append(allKeys, k)
	}
	if len(allKeys) != 2 {
		t.Fatalf("got %d live keys, want 2", len(allKeys))
	}

	if err := db.Delete(ctx, keys); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	it2, _ := db.AllKeys(ctx)
	var remaining int
	for it2.HasNext() {
		if _, err := it2.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
		remaining++
	}
	if remaining != 1 {
		t.Fatalf("got %d remaining keys after Delete, want 1", remaining)
	}
}

func TestDB_NextEntityIDReservesContiguousRange(t *testing.T) {
	db := New()
	first := db.NextEntityID(5)
	second := db.NextEntityID(3)
	if second != first+5 {
		t.Fatalf("got second range start %d, want %d", second, first+5)
	}
}
