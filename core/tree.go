package core

// tree.go – the ratchet commitment tree.
//
// The tree is derived from the journal's tree-op subset. Ops bind to the
// (parent_epoch, parent_commitment) pair of the epoch they mutate: the
// commitment frozen at the last rotation, not the running root. Within an
// epoch concurrent ops therefore share one parent binding and reduce to the
// same state in any arrival order, with H(op) as the final tie-break.

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

//---------------------------------------------------------------------
// Leaves, nodes, policies
//---------------------------------------------------------------------

// LeafId identifies a leaf slot in the tree.
type LeafId uint32

// NodeIndex identifies a policy-bearing inner node.
type NodeIndex uint32

// LeafRole distinguishes device leaves from guardian leaves.
type LeafRole uint8

const (
	RoleDevice LeafRole = iota + 1
	RoleGuardian
)

// LeafNode is a device or guardian occupying a leaf slot.
type LeafNode struct {
	LeafID    LeafId   `cbor:"1,keyasint"`
	DeviceID  DeviceId `cbor:"2,keyasint"`
	Role      LeafRole `cbor:"3,keyasint"`
	PublicKey []byte   `cbor:"4,keyasint"`
	Meta      []byte   `cbor:"5,keyasint,omitempty"`
}

// PolicyKind discriminates the three policy shapes.
type PolicyKind uint8

const (
	PolicyAny PolicyKind = iota + 1
	PolicyThreshold
	PolicyAll
)

// Policy restricts which signer sets may operate under an inner node.
// Policies form a partial order by restrictiveness: Any < Threshold < All.
// Threshold{m,n} is at least as restrictive as Threshold{m',n'} when m >= m'
// and n <= n'; Threshold{n,n} counts as at least as restrictive as All.
type Policy struct {
	Kind PolicyKind `cbor:"1,keyasint"`
	M    uint16     `cbor:"2,keyasint,omitempty"`
	N    uint16     `cbor:"3,keyasint,omitempty"`
}

// AnyPolicy requires a single signer.
func AnyPolicy() Policy { return Policy{Kind: PolicyAny} }

// ThresholdPolicy requires m of n signers.
func ThresholdPolicy(m, n uint16) Policy { return Policy{Kind: PolicyThreshold, M: m, N: n} }

// AllPolicy requires every signer.
func AllPolicy() Policy { return Policy{Kind: PolicyAll} }

// RequiredSigners returns the signer count the policy demands given the
// current roster size.
func (p Policy) RequiredSigners(roster int) int {
	switch p.Kind {
	case PolicyThreshold:
		return int(p.M)
	case PolicyAll:
		return roster
	default:
		return 1
	}
}

// MoreRestrictiveOrEqual reports whether p is at least as restrictive as old
// under the policy partial order.
func (p Policy) MoreRestrictiveOrEqual(old Policy) bool {
	rank := func(k PolicyKind) int {
		switch k {
		case PolicyAny:
			return 0
		case PolicyThreshold:
			return 1
		default:
			return 2
		}
	}
	if rank(p.Kind) != rank(old.Kind) {
		if rank(p.Kind) < rank(old.Kind) {
			// Threshold{n,n} is equivalent to All over the same set.
			return old.Kind == PolicyAll && p.Kind == PolicyThreshold && p.M == p.N
		}
		return true
	}
	if p.Kind == PolicyThreshold {
		return p.M >= old.M && p.N <= old.N
	}
	return true
}

//---------------------------------------------------------------------
// Tree operations
//---------------------------------------------------------------------

// TreeOpKind discriminates tree mutations.
type TreeOpKind uint8

const (
	OpAddLeaf TreeOpKind = iota + 1
	OpRemoveLeaf
	OpChangePolicy
	OpRotateEpoch
)

// TreeOp mutates the tree state it was signed against.
type TreeOp struct {
	ParentEpoch      Epoch       `cbor:"1,keyasint"`
	ParentCommitment Hash32      `cbor:"2,keyasint"`
	Kind             TreeOpKind  `cbor:"3,keyasint"`
	Version          uint16      `cbor:"4,keyasint"`
	Leaf             *LeafNode   `cbor:"5,keyasint,omitempty"`
	Under            NodeIndex   `cbor:"6,keyasint,omitempty"`
	LeafID           LeafId      `cbor:"7,keyasint,omitempty"`
	Node             NodeIndex   `cbor:"8,keyasint,omitempty"`
	Policy           *Policy     `cbor:"9,keyasint,omitempty"`
	Affected         []NodeIndex `cbor:"10,keyasint,omitempty"`
}

// AttestedOp wraps a TreeOp with its aggregate signature and signer count.
type AttestedOp struct {
	Op          TreeOp `cbor:"1,keyasint"`
	AggSig      []byte `cbor:"2,keyasint"`
	SignerCount uint16 `cbor:"3,keyasint"`
}

// Hash returns the content hash used as the reduction tie-break.
func (a AttestedOp) Hash() Hash32 {
	b, err := MarshalCanonical(a.Op)
	if err != nil {
		panic(err)
	}
	return HashDomain("aura/tree-op", b)
}

// SigningMessage is the byte string the aggregate signature covers.
func (a AttestedOp) SigningMessage() []byte {
	b, err := MarshalCanonical(a.Op)
	if err != nil {
		panic(err)
	}
	return b
}

//---------------------------------------------------------------------
// Tree state
//---------------------------------------------------------------------

// OpSigVerifier checks an op's aggregate signature against the group
// verification key. Verification is delegated to the ceremony engine; a nil
// verifier accepts (testing configuration).
type OpSigVerifier func(op AttestedOp) error

// TreeState is the derived state of the commitment tree.
type TreeState struct {
	Epoch    Epoch
	Leaves   map[LeafId]LeafNode
	Policies map[NodeIndex]Policy

	// epochBase is the commitment ops of the current epoch bind against,
	// frozen at the last rotation.
	epochBase Hash32

	verifier OpSigVerifier
}

// NewTreeState returns the genesis tree: epoch 0, empty roster, zero base
// commitment.
func NewTreeState() *TreeState {
	return &TreeState{
		Leaves:   make(map[LeafId]LeafNode),
		Policies: make(map[NodeIndex]Policy),
	}
}

// WithVerifier installs the aggregate-signature verifier.
func (t *TreeState) WithVerifier(v OpSigVerifier) *TreeState {
	t.verifier = v
	return t
}

// ParentBinding returns the (epoch, commitment) new ops must bind to.
func (t *TreeState) ParentBinding() (Epoch, Hash32) { return t.Epoch, t.epochBase }

// commitmentBody is the canonical serialization unit for root commitments.
type commitmentBody struct {
	Epoch    Epoch      `cbor:"1,keyasint"`
	Leaves   []LeafNode `cbor:"2,keyasint"`
	Policies []struct {
		Node   NodeIndex `cbor:"1,keyasint"`
		Policy Policy    `cbor:"2,keyasint"`
	} `cbor:"3,keyasint"`
}

// RootCommitment hashes the canonical in-order serialization of
// (epoch, leaves sorted by id, policies sorted by node index).
func (t *TreeState) RootCommitment() Hash32 {
	body := commitmentBody{Epoch: t.Epoch}
	ids := make([]LeafId, 0, len(t.Leaves))
	for id := range t.Leaves {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	for _, id := range ids {
		body.Leaves = append(body.Leaves, t.Leaves[id])
	}
	nodes := make([]NodeIndex, 0, len(t.Policies))
	for n := range t.Policies {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(a, b int) bool { return nodes[a] < nodes[b] })
	for _, n := range nodes {
		body.Policies = append(body.Policies, struct {
			Node   NodeIndex `cbor:"1,keyasint"`
			Policy Policy    `cbor:"2,keyasint"`
		}{n, t.Policies[n]})
	}
	raw, err := MarshalCanonical(body)
	if err != nil {
		panic(err)
	}
	return HashDomain("aura/tree", raw)
}

// governingPolicy returns the policy for a node, defaulting to Any.
func (t *TreeState) governingPolicy(n NodeIndex) Policy {
	if p, ok := t.Policies[n]; ok {
		return p
	}
	return AnyPolicy()
}

// Apply validates and applies one attested op. It returns rotated=true when
// the op advanced the epoch.
func (t *TreeState) Apply(a AttestedOp) (rotated bool, err error) {
	if a.Op.ParentEpoch != t.Epoch || a.Op.ParentCommitment != t.epochBase {
		return false, fmt.Errorf("%w: parent binding (%d,%s) does not match tree (%d,%s)",
			ErrInvalid, a.Op.ParentEpoch, a.Op.ParentCommitment, t.Epoch, t.epochBase)
	}
	if t.verifier != nil {
		if verr := t.verifier(a); verr != nil {
			return false, fmt.Errorf("%w: aggregate signature: %v", ErrAuthorizationFailed, verr)
		}
	}

	switch a.Op.Kind {
	case OpAddLeaf:
		if a.Op.Leaf == nil {
			return false, fmt.Errorf("%w: add-leaf without leaf", ErrInvalid)
		}
		if err := t.requireSigners(a, a.Op.Under); err != nil {
			return false, err
		}
		if _, exists := t.Leaves[a.Op.Leaf.LeafID]; exists {
			return false, fmt.Errorf("%w: leaf %d occupied", ErrInvalid, a.Op.Leaf.LeafID)
		}
		t.Leaves[a.Op.Leaf.LeafID] = *a.Op.Leaf

	case OpRemoveLeaf:
		if err := t.requireSigners(a, a.Op.Under); err != nil {
			return false, err
		}
		if _, exists := t.Leaves[a.Op.LeafID]; !exists {
			return false, fmt.Errorf("%w: leaf %d", ErrNotFound, a.Op.LeafID)
		}
		delete(t.Leaves, a.Op.LeafID)

	case OpChangePolicy:
		if a.Op.Policy == nil {
			return false, fmt.Errorf("%w: change-policy without policy", ErrInvalid)
		}
		current := t.governingPolicy(a.Op.Node)
		if !a.Op.Policy.MoreRestrictiveOrEqual(current) {
			return false, fmt.Errorf("%w: policy on node %d may only tighten", ErrInvalid, a.Op.Node)
		}
		if err := t.requireSigners(a, a.Op.Node); err != nil {
			return false, err
		}
		t.Policies[a.Op.Node] = *a.Op.Policy

	case OpRotateEpoch:
		if err := t.requireSigners(a, 0); err != nil {
			return false, err
		}
		t.Epoch++
		t.epochBase = t.RootCommitment()
		return true, nil

	default:
		return false, fmt.Errorf("%w: tree op kind %d", ErrInvalid, a.Op.Kind)
	}
	return false, nil
}

func (t *TreeState) requireSigners(a AttestedOp, node NodeIndex) error {
	need := t.governingPolicy(node).RequiredSigners(len(t.Leaves))
	if int(a.SignerCount) < need {
		return fmt.Errorf("%w: %d signers, policy requires %d", ErrAuthorizationFailed, a.SignerCount, need)
	}
	return nil
}

//---------------------------------------------------------------------
// Reduction
//---------------------------------------------------------------------

// ReduceTree folds an op-log into a tree state. Ops are ordered by
// (parent_epoch, H(op)); ops whose parent binding no longer matches are
// skipped with a log entry, so the result is independent of arrival order.
func ReduceTree(ops []AttestedOp, verifier OpSigVerifier) *TreeState {
	sorted := make([]AttestedOp, len(ops))
	copy(sorted, ops)
	sort.Slice(sorted, func(a, b int) bool {
		oa, ob := sorted[a], sorted[b]
		if oa.Op.ParentEpoch != ob.Op.ParentEpoch {
			return oa.Op.ParentEpoch < ob.Op.ParentEpoch
		}
		ha, hb := oa.Hash(), ob.Hash()
		return ha.Less(hb)
	})
	st := NewTreeState().WithVerifier(verifier)
	for _, op := range sorted {
		if _, err := st.Apply(op); err != nil {
			logrus.Debugf("tree reduce: skipping op %s: %v", op.Hash(), err)
		}
	}
	return st
}

// LeafCommitments returns the canonical leaf byte strings, sorted by id,
// for merkle proof generation over the roster.
func (t *TreeState) LeafCommitments() [][]byte {
	ids := make([]LeafId, 0, len(t.Leaves))
	for id := range t.Leaves {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	out := make([][]byte, 0, len(ids))
	for _, id := range ids {
		leaf := t.Leaves[id]
		raw, err := MarshalCanonical(leaf)
		if err != nil {
			panic(err)
		}
		out = append(out, raw)
	}
	return out
}
