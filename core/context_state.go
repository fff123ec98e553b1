package core

// context_state.go – the typed state a journal reduces to.
//
// Every fragment is a CRDT under the reduction order: grow-only sets for
// guardians, grants and evidence, last-writer-wins registers for contacts and
// channel membership. Maps are keyed by display-stable hex strings so the
// canonical CBOR encoding of a state is byte-identical across peers.

import "encoding/hex"

// Fact type ids understood by the core reducers.
const (
	FactTypeContact             = "contact"
	FactTypeGuardianBinding     = "guardian-binding"
	FactTypeRecoveryGrant       = "recovery-grant"
	FactTypeInvitation          = "invitation"
	FactTypeTreeOp              = "tree-op"
	FactTypeCommit              = "consensus-commit"
	FactTypeEquivocationProof   = "equivocation-proof"
	FactTypeChannelCheckpoint   = "amp-channel-checkpoint"
	FactTypeChannelPolicy       = "amp-channel-policy"
	FactTypeChannelMembership   = "amp-channel-membership"
	FactTypeChannelBumpProposed = "amp-channel-bump-proposed"
	FactTypeChannelBumpCommit   = "amp-channel-bump-committed"
	FactTypeChannelMessage      = "amp-channel-message"
)

//---------------------------------------------------------------------
// Fragments
//---------------------------------------------------------------------

// ContactEntry is an LWW register for one contact binding.
type ContactEntry struct {
	Owner     AuthorityId `cbor:"1,keyasint"`
	Contact   AuthorityId `cbor:"2,keyasint"`
	Petname   string      `cbor:"3,keyasint"`
	Removed   bool        `cbor:"4,keyasint"`
	UpdatedMs uint64      `cbor:"5,keyasint"`
}

// GuardianBinding empowers an authority to co-sign recovery or channel bumps.
type GuardianBinding struct {
	Guardian AuthorityId `cbor:"1,keyasint"`
	Subject  AuthorityId `cbor:"2,keyasint"`
	BoundMs  uint64      `cbor:"3,keyasint"`
}

// RecoveryGrant is a threshold-signed authorization to rotate account keys.
type RecoveryGrant struct {
	Account     AccountId `cbor:"1,keyasint"`
	GrantedTo   AuthorityId `cbor:"2,keyasint"`
	Epoch       Epoch     `cbor:"3,keyasint"`
	SignerCount uint16    `cbor:"4,keyasint"`
	GrantedMs   uint64    `cbor:"5,keyasint"`
}

// CommitRecord is the reduced form of a consensus commit fact.
type CommitRecord struct {
	ConsensusID  Hash32   `cbor:"1,keyasint"`
	PrestateHash Hash32   `cbor:"2,keyasint"`
	ResultID     Hash32   `cbor:"3,keyasint"`
	Signers      []uint16 `cbor:"4,keyasint"`
	Signature    []byte   `cbor:"5,keyasint"`
}

// MemberEntry is the LWW membership register for one channel participant.
type MemberEntry struct {
	Member    AuthorityId `cbor:"1,keyasint"`
	Joined    bool        `cbor:"2,keyasint"`
	UpdatedMs uint64      `cbor:"3,keyasint"`
}

// ChannelState is the reduced AMP channel fragment.
type ChannelState struct {
	Context      ContextId              `cbor:"1,keyasint"`
	Channel      ChannelId              `cbor:"2,keyasint"`
	ChanEpoch    uint64                 `cbor:"3,keyasint"`
	BaseGen      uint64                 `cbor:"4,keyasint"`
	Window       uint32                 `cbor:"5,keyasint"`
	CkCommitment Hash32                 `cbor:"6,keyasint"`
	SkipWindow   uint32                 `cbor:"7,keyasint"`
	Members      map[string]MemberEntry `cbor:"8,keyasint"`
	// ProposedBumps holds bump ids awaiting commit, keyed by bump id hex.
	ProposedBumps map[string]ProposedEpochBump `cbor:"9,keyasint"`
	MessageCount  uint64                       `cbor:"10,keyasint"`
}

// ProposedEpochBump proposes advancing a channel epoch.
type ProposedEpochBump struct {
	Context     ContextId `cbor:"1,keyasint"`
	Channel     ChannelId `cbor:"2,keyasint"`
	ParentEpoch uint64    `cbor:"3,keyasint"`
	NewEpoch    uint64    `cbor:"4,keyasint"`
	BumpID      Hash32    `cbor:"5,keyasint"`
	Reason      string    `cbor:"6,keyasint"`
}

//---------------------------------------------------------------------
// ContextState
//---------------------------------------------------------------------

// ContextState is the deterministic fold of a journal.
type ContextState struct {
	Contacts       map[string]ContactEntry    `cbor:"1,keyasint"`
	Guardians      map[string]GuardianBinding `cbor:"2,keyasint"`
	RecoveryGrants []RecoveryGrant            `cbor:"3,keyasint"`
	Invitations    map[string]Invitation      `cbor:"4,keyasint"`
	Channels       map[string]*ChannelState   `cbor:"5,keyasint"`
	TreeOps        []AttestedOp               `cbor:"6,keyasint"`
	Commits        []CommitRecord             `cbor:"7,keyasint"`
	Evidence       []EquivocationProof        `cbor:"8,keyasint"`
}

// NewContextState returns an empty state.
func NewContextState() *ContextState {
	return &ContextState{
		Contacts:    make(map[string]ContactEntry),
		Guardians:   make(map[string]GuardianBinding),
		Invitations: make(map[string]Invitation),
		Channels:    make(map[string]*ChannelState),
	}
}

// CanonicalBytes encodes the state with the deterministic CBOR profile.
// Two states are equal iff their canonical bytes are equal.
func (st *ContextState) CanonicalBytes() ([]byte, error) {
	return MarshalCanonical(st)
}

func (st *ContextState) channel(ctx ContextId, ch ChannelId) *ChannelState {
	key := hex.EncodeToString(ch[:])
	cs, ok := st.Channels[key]
	if !ok {
		cs = &ChannelState{
			Context:       ctx,
			Channel:       ch,
			Members:       make(map[string]MemberEntry),
			ProposedBumps: make(map[string]ProposedEpochBump),
		}
		st.Channels[key] = cs
	}
	return cs
}

func authorityKey(a AuthorityId) string { return hex.EncodeToString(a[:]) }
