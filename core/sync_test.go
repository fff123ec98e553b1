package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func syncCfg() SyncConfig {
	cfg := DefaultSyncConfig()
	cfg.Timeout = time.Second
	cfg.MaxRounds = 4
	cfg.BatchSize = 2
	return cfg
}

func TestSyncConvergesToEqualSets(t *testing.T) {
	owner := AuthorityIdFromEntropy([32]byte{1})
	ctxID := ContextIdFromEntropy([32]byte{9})
	_ = ctxID

	a := NewJournal("a", testRegistry(t))
	b := NewJournal("b", testRegistry(t))
	for i := 0; i < 7; i++ {
		f := contactFactAt(t, owner, AuthorityIdFromEntropy([32]byte{byte(i + 1)}), fmt.Sprintf("a%d", i), uint64(i))
		if err := a.Append(f); err != nil {
			t.Fatalf("append a: %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		f := contactFactAt(t, owner, AuthorityIdFromEntropy([32]byte{byte(50 + i)}), fmt.Sprintf("b%d", i), uint64(i))
		if err := b.Append(f); err != nil {
			t.Fatalf("append b: %v", err)
		}
	}

	peer := &LocalSyncPeer{Journal: b}
	if err := SyncJournal(context.Background(), a, ContextIdFromEntropy([32]byte{9}), peer, syncCfg()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	ah, bh := a.Hashes(), b.Hashes()
	if len(ah) != 12 || len(bh) != 12 {
		t.Fatalf("sets not equal: |a|=%d |b|=%d", len(ah), len(bh))
	}
	for i := range ah {
		if ah[i] != bh[i] {
			t.Fatalf("hash %d differs after sync", i)
		}
	}
}

type failingPeer struct{}

func (failingPeer) Digest(context.Context, ContextId) (SyncDigest, error) {
	return SyncDigest{}, fmt.Errorf("%w: unreachable", ErrNetwork)
}
func (failingPeer) Fetch(context.Context, SyncWant) (SyncFacts, error) {
	return SyncFacts{}, fmt.Errorf("%w: unreachable", ErrNetwork)
}
func (failingPeer) Offer(context.Context, SyncFacts) error {
	return fmt.Errorf("%w: unreachable", ErrNetwork)
}

func TestSyncAbortsAfterMaxRounds(t *testing.T) {
	a := NewJournal("a", testRegistry(t))
	err := SyncJournal(context.Background(), a, ContextIdFromEntropy([32]byte{9}), failingPeer{}, syncCfg())
	if err == nil {
		t.Fatalf("unreachable peer did not abort")
	}
	if !errors.Is(err, ErrNetwork) && !errors.Is(err, ErrPartitioned) {
		t.Fatalf("unexpected error kind: %v", err)
	}
}

// Partition then heal: both sides keep growing, the join restores
// convergence.
func TestPartitionHealConvergence(t *testing.T) {
	owner := AuthorityIdFromEntropy([32]byte{1})
	a := NewJournal("a", testRegistry(t))
	b := NewJournal("b", testRegistry(t))

	// Shared prefix.
	shared := contactFactAt(t, owner, AuthorityIdFromEntropy([32]byte{2}), "shared", 1)
	_ = a.Append(shared)
	_ = b.Append(shared)

	// Divergence while partitioned.
	_ = a.Append(contactFactAt(t, owner, AuthorityIdFromEntropy([32]byte{3}), "only-a", 2))
	_ = b.Append(contactFactAt(t, owner, AuthorityIdFromEntropy([32]byte{4}), "only-b", 3))

	// Heal.
	if err := SyncJournal(context.Background(), a, ContextIdFromEntropy([32]byte{9}), &LocalSyncPeer{Journal: b}, syncCfg()); err != nil {
		t.Fatalf("heal sync: %v", err)
	}
	if a.Len() != 3 || b.Len() != 3 {
		t.Fatalf("post-heal sizes |a|=%d |b|=%d want 3", a.Len(), b.Len())
	}
}

// An equivocation proof in a peer's journal is merged as evidence, not
// treated as a sync failure.
func TestEquivocationProofMergesDuringSync(t *testing.T) {
	a := NewJournal("a", testRegistry(t))
	b := NewJournal("b", testRegistry(t))

	proof := EquivocationProof{
		Context:        ContextIdFromEntropy([32]byte{9}),
		Witness:        AuthorityIdFromEntropy([32]byte{7}),
		ConsensusID:    Hash32{1},
		PrestateHash:   Hash32{2},
		FirstResultID:  Hash32{3},
		SecondResultID: Hash32{4},
		Timestamp:      2000,
	}
	f, err := proof.ToFact(AuthorityIdFromEntropy([32]byte{7}))
	if err != nil {
		t.Fatalf("to fact: %v", err)
	}
	if err := b.Append(f); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := SyncJournal(context.Background(), a, ContextIdFromEntropy([32]byte{9}), &LocalSyncPeer{Journal: b}, syncCfg()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	st := a.Reduce()
	if len(st.Evidence) != 1 {
		t.Fatalf("evidence not merged")
	}
}

func TestSyncManagerFansOut(t *testing.T) {
	agent := simAgent(t, 50, nil)
	ctxID := ContextIdFromEntropy([32]byte{50})
	ctx := context.Background()
	if err := agent.Contexts().AddContact(ctx, ctxID, AuthorityIdFromEntropy([32]byte{51}), "p"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	owner := AuthorityIdFromEntropy([32]byte{1})
	remote1 := NewJournal("r1", testRegistry(t))
	remote2 := NewJournal("r2", testRegistry(t))
	_ = remote1.Append(contactFactAt(t, owner, AuthorityIdFromEntropy([32]byte{60}), "r1", 5))
	_ = remote2.Append(contactFactAt(t, owner, AuthorityIdFromEntropy([32]byte{61}), "r2", 6))

	err := agent.Sync().SyncContext(ctx, ctxID, []SyncPeer{
		&LocalSyncPeer{Journal: remote1},
		&LocalSyncPeer{Journal: remote2},
	})
	if err != nil {
		t.Fatalf("sync context: %v", err)
	}
	j, _ := agent.Effects().GetJournal(ctx, ctxID)
	if j.Len() != 3 {
		t.Fatalf("len=%d want 3", j.Len())
	}
}
