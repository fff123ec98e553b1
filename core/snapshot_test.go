package core

import (
	"context"
	"testing"
)

func seededTree(t *testing.T, leaves int) *TreeState {
	t.Helper()
	st := NewTreeState()
	epoch, base := st.ParentBinding()
	for i := 1; i <= leaves; i++ {
		if _, err := st.Apply(addLeafOp(epoch, base, LeafId(i), 0, 1)); err != nil {
			t.Fatalf("seed leaf %d: %v", i, err)
		}
	}
	return st
}

func TestSnapshotSealAtThreshold(t *testing.T) {
	st := seededTree(t, 3)
	mgr := NewSnapshotManager(2)

	id, err := mgr.Propose(st, Hash32{1}, 1, 5000)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	sealed, err := mgr.Approve(Partial{ProposalID: id, Signer: 1, Signature: []byte{1}, Timestamp: 5001})
	if err != nil {
		t.Fatalf("approve 1: %v", err)
	}
	if sealed != nil {
		t.Fatalf("sealed below threshold")
	}
	sealed, err = mgr.Approve(Partial{ProposalID: id, Signer: 2, Signature: []byte{2}, Timestamp: 5002})
	if err != nil {
		t.Fatalf("approve 2: %v", err)
	}
	if sealed == nil {
		t.Fatalf("not sealed at threshold")
	}
	if sealed.Epoch != st.Epoch || sealed.Commitment != st.RootCommitment() {
		t.Fatalf("sealed snapshot does not match tree state")
	}
	if err := sealed.Validate(); err != nil {
		t.Fatalf("sealed snapshot invalid: %v", err)
	}
	if _, ok := mgr.Latest(); !ok {
		t.Fatalf("latest snapshot missing")
	}

	// Sealed snapshots persist under the per-account key.
	store := simSystem(1)
	account := AccountIdFromEntropy([32]byte{1})
	if err := mgr.PersistSealed(context.Background(), store, account); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if ok, _ := store.Exists(context.Background(), SnapshotStorageKey(account, sealed.Epoch)); !ok {
		t.Fatalf("snapshot blob missing from storage")
	}
}

func TestSnapshotDuplicateApprovalsDoNotSeal(t *testing.T) {
	st := seededTree(t, 2)
	mgr := NewSnapshotManager(2)
	id, _ := mgr.Propose(st, Hash32{1}, 1, 5000)

	// The same signer approving twice counts once.
	if _, err := mgr.Approve(Partial{ProposalID: id, Signer: 1}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	sealed, err := mgr.Approve(Partial{ProposalID: id, Signer: 1})
	if err != nil {
		t.Fatalf("approve dup: %v", err)
	}
	if sealed != nil {
		t.Fatalf("duplicate approvals sealed the snapshot")
	}
}

func TestSnapshotRestoreBinding(t *testing.T) {
	st := seededTree(t, 2)
	epoch, base := st.ParentBinding()
	rot := AttestedOp{Op: TreeOp{ParentEpoch: epoch, ParentCommitment: base, Kind: OpRotateEpoch, Version: 1}, SignerCount: 1}
	if _, err := st.Apply(rot); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	snap := SnapshotFromTree(st, 9000)

	restored := snap.RestoreTree()
	re, rb := restored.ParentBinding()
	we, wb := st.ParentBinding()
	if re != we || rb != wb {
		t.Fatalf("restored binding (%d,%s) != (%d,%s)", re, rb, we, wb)
	}
}

func TestCompactOpsKeepsPostCutVerifiable(t *testing.T) {
	genesis := NewTreeState()
	epoch, base := genesis.ParentBinding()
	ops := []AttestedOp{
		addLeafOp(epoch, base, 1, 0, 1),
		addLeafOp(epoch, base, 2, 0, 1),
	}
	st := ReduceTree(ops, nil)
	e2, b2 := st.ParentBinding()
	rot := AttestedOp{Op: TreeOp{ParentEpoch: e2, ParentCommitment: b2, Kind: OpRotateEpoch, Version: 1}, SignerCount: 1}
	if _, err := st.Apply(rot); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	all := append(ops, rot)
	e3, _ := st.ParentBinding()
	post := addLeafOp(e3, st.RootCommitment(), 3, 0, 1)
	_ = post

	sealed := SnapshotFromTree(st, 1)
	kept, droppedRoot, proofs := CompactOps(all, sealed)
	if len(kept) == len(all) {
		t.Fatalf("nothing compacted")
	}
	if droppedRoot.IsZero() {
		t.Fatalf("no merkle root over dropped ops")
	}
	// Each dropped op's hash remains verifiable against the root.
	if len(proofs) == 0 {
		t.Fatalf("no proofs emitted")
	}
	h := ops[0].Hash()
	if !VerifyMerkleProof(&proofs[0], droppedRoot, h.Bytes()) {
		t.Fatalf("dropped op proof rejected")
	}
}
