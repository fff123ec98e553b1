package core

import (
	"bytes"
	"context"
	"testing"
)

func TestFileStoreRoundtrip(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := fs.Store(ctx, "amp/context/abcd", []byte("payload")); err != nil {
		t.Fatalf("store: %v", err)
	}
	v, ok, err := fs.Retrieve(ctx, "amp/context/abcd")
	if err != nil || !ok || !bytes.Equal(v, []byte("payload")) {
		t.Fatalf("retrieve: %v %v %q", err, ok, v)
	}
	keys, err := fs.ListKeys(ctx, "amp/context/")
	if err != nil || len(keys) != 1 || keys[0] != "amp/context/abcd" {
		t.Fatalf("list: %v %v", err, keys)
	}
	removed, err := fs.Remove(ctx, "amp/context/abcd")
	if err != nil || !removed {
		t.Fatalf("remove: %v %v", err, removed)
	}
	if _, ok, _ := fs.Retrieve(ctx, "amp/context/abcd"); ok {
		t.Fatalf("key survived removal")
	}
}

func TestFileStoreEscapesHostileKeys(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	fs, err := NewFileStore(base)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	hostile := "snapshot/../../escape"
	if err := fs.Store(ctx, hostile, []byte("x")); err != nil {
		t.Fatalf("store: %v", err)
	}
	v, ok, err := fs.Retrieve(ctx, hostile)
	if err != nil || !ok || string(v) != "x" {
		t.Fatalf("roundtrip: %v %v", err, ok)
	}
	keys, _ := fs.ListKeys(ctx, "snapshot/")
	if len(keys) != 1 || keys[0] != hostile {
		t.Fatalf("keys=%v", keys)
	}
}

func TestFileStoreBatchAndStats(t *testing.T) {
	ctx := context.Background()
	fs, _ := NewFileStore(t.TempDir())
	if err := fs.StoreBatch(ctx, map[string][]byte{
		"a/1": []byte("x"),
		"a/2": []byte("yy"),
		"b/1": []byte("zzz"),
	}); err != nil {
		t.Fatalf("batch: %v", err)
	}
	got, err := fs.RetrieveBatch(ctx, []string{"a/1", "a/2", "missing"})
	if err != nil || len(got) != 2 {
		t.Fatalf("retrieve batch: %v %v", err, got)
	}
	stats, err := fs.Stats(ctx)
	if err != nil || stats.Keys != 3 || stats.TotalBytes != 6 {
		t.Fatalf("stats: %v %+v", err, stats)
	}
	if err := fs.ClearAll(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	stats, _ = fs.Stats(ctx)
	if stats.Keys != 0 {
		t.Fatalf("clear left %d keys", stats.Keys)
	}
}

func TestProdJournalPersistence(t *testing.T) {
	ctx := context.Background()
	reg := NewReducerRegistry()
	RegisterCoreReducers(reg)
	base := t.TempDir()
	cfg := ProdConfig{
		Device:    DeviceIdFromEntropy([32]byte{1}),
		Authority: AuthorityIdFromEntropy([32]byte{1}),
		BasePath:  base,
	}
	p, err := NewProdEffectSystem(cfg, reg, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctxID := ContextIdFromEntropy([32]byte{2})
	owner := AuthorityIdFromEntropy([32]byte{1})
	f := contactFactAt(t, owner, AuthorityIdFromEntropy([32]byte{3}), "persisted", 1)
	if err := p.MergeFacts(ctx, ctxID, []Fact{f}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if err := p.PersistJournal(ctx, ctxID); err != nil {
		t.Fatalf("persist: %v", err)
	}

	// A fresh system over the same base path reloads the journal.
	p2, err := NewProdEffectSystem(cfg, reg, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	j, err := p2.GetJournal(ctx, ctxID)
	if err != nil {
		t.Fatalf("get journal: %v", err)
	}
	if j.Len() != 1 {
		t.Fatalf("reloaded len=%d want 1", j.Len())
	}
	st := j.Reduce()
	if len(st.Contacts) != 1 {
		t.Fatalf("reloaded state wrong")
	}
}
