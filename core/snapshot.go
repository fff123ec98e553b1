package core

// snapshot.go – threshold-sealed tree snapshots.
//
// A snapshot captures tree state at an epoch boundary; a cut names the ops
// it covers. Sealing follows proposer → collect partial approvals → seal at
// the approval threshold. After sealing, pre-cut ops may be garbage
// collected; merkle proofs over included commitments keep them verifiable.

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Snapshot is an immutable capture of tree state at an epoch boundary.
type Snapshot struct {
	Epoch      Epoch     `cbor:"1,keyasint"`
	Commitment Hash32    `cbor:"2,keyasint"`
	Roster     []LeafId  `cbor:"3,keyasint"`
	Policies   []struct {
		Node   NodeIndex `cbor:"1,keyasint"`
		Policy Policy    `cbor:"2,keyasint"`
	} `cbor:"4,keyasint"`
	StateCID  *Hash32 `cbor:"5,keyasint,omitempty"`
	Timestamp uint64  `cbor:"6,keyasint"`
	Version   uint8   `cbor:"7,keyasint"`
}

// SnapshotFromTree captures the given tree state.
func SnapshotFromTree(t *TreeState, timestamp uint64) Snapshot {
	s := Snapshot{Epoch: t.Epoch, Commitment: t.RootCommitment(), Timestamp: timestamp, Version: 1}
	for id := range t.Leaves {
		s.Roster = append(s.Roster, id)
	}
	sort.Slice(s.Roster, func(a, b int) bool { return s.Roster[a] < s.Roster[b] })
	nodes := make([]NodeIndex, 0, len(t.Policies))
	for n := range t.Policies {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(a, b int) bool { return nodes[a] < nodes[b] })
	for _, n := range nodes {
		s.Policies = append(s.Policies, struct {
			Node   NodeIndex `cbor:"1,keyasint"`
			Policy Policy    `cbor:"2,keyasint"`
		}{n, t.Policies[n]})
	}
	return s
}

// Validate checks the structural invariants of a deserialized snapshot.
func (s *Snapshot) Validate() error {
	if len(s.Roster) == 0 {
		return fmt.Errorf("%w: snapshot roster empty", ErrInvalid)
	}
	if s.Version != 1 {
		return fmt.Errorf("%w: snapshot version %d", ErrSchemaUnsupported, s.Version)
	}
	return nil
}

// RestoreTree rebuilds a tree state from a snapshot; ops after the cut
// replay on top of it.
func (s *Snapshot) RestoreTree() *TreeState {
	t := NewTreeState()
	t.Epoch = s.Epoch
	for _, id := range s.Roster {
		// Roster-only restore: each leaf carries only its id, and StateCID
		// is not read here. The slot is reserved so parent bindings hold.
		t.Leaves[id] = LeafNode{LeafID: id}
	}
	for _, p := range s.Policies {
		t.Policies[p.Node] = p.Policy
	}
	t.epochBase = s.Commitment
	return t
}

// Cut proposes which ops a snapshot includes.
type Cut struct {
	Epoch      Epoch    `cbor:"1,keyasint"`
	Commitment Hash32   `cbor:"2,keyasint"`
	CutCID     Hash32   `cbor:"3,keyasint"`
	Proposer   LeafId   `cbor:"4,keyasint"`
	Timestamp  uint64   `cbor:"5,keyasint"`
}

// ProposalId identifies a snapshot proposal: the hash of its cut.
type ProposalId Hash32

// ProposalIdFromCut derives the proposal id.
func ProposalIdFromCut(c Cut) ProposalId {
	raw, err := MarshalCanonical(c)
	if err != nil {
		panic(err)
	}
	return ProposalId(HashDomain("aura/cut", raw))
}

// Partial is one signer's approval share over a proposal id.
type Partial struct {
	ProposalID ProposalId `cbor:"1,keyasint"`
	Signer     LeafId     `cbor:"2,keyasint"`
	Signature  []byte     `cbor:"3,keyasint"`
	Timestamp  uint64     `cbor:"4,keyasint"`
}

//---------------------------------------------------------------------
// Snapshot manager
//---------------------------------------------------------------------

type snapshotProposal struct {
	cut      Cut
	snapshot Snapshot
	partials map[LeafId]Partial
}

// SnapshotManager runs the propose/approve/seal sequence and keeps the
// sealed snapshots; pruning the ops they cover is done by CompactOps.
type SnapshotManager struct {
	mu                sync.Mutex
	approvalThreshold int
	proposals         map[ProposalId]*snapshotProposal
	sealed            []Snapshot
}

// NewSnapshotManager creates a manager with the configured quorum.
func NewSnapshotManager(approvalThreshold int) *SnapshotManager {
	if approvalThreshold < 1 {
		approvalThreshold = 1
	}
	return &SnapshotManager{
		approvalThreshold: approvalThreshold,
		proposals:         make(map[ProposalId]*snapshotProposal),
	}
}

// Propose registers a cut over the given tree state and returns its
// proposal id.
func (m *SnapshotManager) Propose(t *TreeState, cutCID Hash32, proposer LeafId, timestamp uint64) (ProposalId, error) {
	if len(t.Leaves) == 0 {
		return ProposalId{}, fmt.Errorf("%w: cannot snapshot empty roster", ErrInvalid)
	}
	cut := Cut{Epoch: t.Epoch, Commitment: t.RootCommitment(), CutCID: cutCID, Proposer: proposer, Timestamp: timestamp}
	id := ProposalIdFromCut(cut)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.proposals[id]; dup {
		return id, nil
	}
	m.proposals[id] = &snapshotProposal{
		cut:      cut,
		snapshot: SnapshotFromTree(t, timestamp),
		partials: make(map[LeafId]Partial),
	}
	logrus.Infof("snapshot proposal %x at %s by leaf %d", id[:8], t.Epoch, proposer)
	return id, nil
}

// Approve records one partial. When the approval threshold is reached the
// snapshot seals and is returned; otherwise the returned snapshot is nil.
func (m *SnapshotManager) Approve(p Partial) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prop, ok := m.proposals[p.ProposalID]
	if !ok {
		return nil, fmt.Errorf("%w: proposal %x", ErrNotFound, p.ProposalID[:8])
	}
	prop.partials[p.Signer] = p
	if len(prop.partials) < m.approvalThreshold {
		return nil, nil
	}
	sealedCopy := prop.snapshot
	m.sealed = append(m.sealed, sealedCopy)
	delete(m.proposals, p.ProposalID)
	logrus.Infof("snapshot sealed at %s with %d approvals", sealedCopy.Epoch, len(prop.partials))
	return &sealedCopy, nil
}

// Sealed returns the sealed snapshots, oldest first.
func (m *SnapshotManager) Sealed() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, len(m.sealed))
	copy(out, m.sealed)
	return out
}

// Latest returns the most recent sealed snapshot.
func (m *SnapshotManager) Latest() (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sealed) == 0 {
		return Snapshot{}, false
	}
	return m.sealed[len(m.sealed)-1], true
}

// PersistSealed writes every sealed snapshot blob keyed by (account, epoch).
func (m *SnapshotManager) PersistSealed(ctx context.Context, store StorageEffects, account AccountId) error {
	for _, s := range m.Sealed() {
		raw, err := MarshalCanonical(s)
		if err != nil {
			return err
		}
		if err := store.Store(ctx, SnapshotStorageKey(account, s.Epoch), raw); err != nil {
			return err
		}
	}
	return nil
}

// CompactOps drops ops bound to an epoch before the sealed epoch, returning the surviving
// suffix and a merkle root over the commitments of the dropped prefix so the
// compacted history stays verifiable.
func CompactOps(ops []AttestedOp, sealed Snapshot) (kept []AttestedOp, droppedRoot Hash32, proofs []MerkleProof) {
	var droppedLeaves [][]byte
	for _, op := range ops {
		if op.Op.ParentEpoch < sealed.Epoch {
			h := op.Hash()
			droppedLeaves = append(droppedLeaves, h.Bytes())
		} else {
			kept = append(kept, op)
		}
	}
	if len(droppedLeaves) == 0 {
		return kept, Hash32{}, nil
	}
	droppedRoot = BuildMerkleRoot(droppedLeaves)
	proofs = make([]MerkleProof, 0, len(droppedLeaves))
	for i := range droppedLeaves {
		p, err := GenerateMerkleProof(droppedLeaves, i)
		if err != nil {
			continue
		}
		proofs = append(proofs, p)
	}
	return kept, droppedRoot, proofs
}
