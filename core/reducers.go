package core

// reducers.go – the built-in fact reducers.
//
// Each reducer consumes facts of a single type id and updates one typed
// fragment of ContextState. Registration happens once at process init via
// RegisterCoreReducers; applications register additional domain reducers on
// the same registry without touching this file.

import (
	"encoding/hex"
	"fmt"
	"sort"
)

// RegisterCoreReducers installs every reducer the core ships with.
func RegisterCoreReducers(reg *ReducerRegistry) {
	reg.Register(contactReducer{})
	reg.Register(guardianReducer{})
	reg.Register(recoveryGrantReducer{})
	reg.Register(invitationReducer{})
	reg.Register(treeOpReducer{})
	reg.Register(commitReducer{})
	reg.Register(equivocationReducer{})
	reg.Register(channelCheckpointReducer{})
	reg.Register(channelPolicyReducer{})
	reg.Register(channelMembershipReducer{})
	reg.Register(channelBumpProposedReducer{})
	reg.Register(channelBumpCommitReducer{})
	reg.Register(channelMessageReducer{})
}

//---------------------------------------------------------------------
// Contact facts – last-writer-wins by order timestamp
//---------------------------------------------------------------------

// ContactFactKind discriminates add/remove/rename events.
type ContactFactKind uint8

const (
	ContactAdded ContactFactKind = iota + 1
	ContactRemoved
	ContactRenamed
)

// ContactFact is the payload of a "contact" fact.
type ContactFact struct {
	Kind    ContactFactKind `cbor:"1,keyasint"`
	Context ContextId       `cbor:"2,keyasint"`
	Owner   AuthorityId     `cbor:"3,keyasint"`
	Contact AuthorityId     `cbor:"4,keyasint"`
	Petname string          `cbor:"5,keyasint,omitempty"`
	AtMs    uint64          `cbor:"6,keyasint"`
}

type contactReducer struct{}

func (contactReducer) TypeID() string { return FactTypeContact }

func (contactReducer) Apply(st *ContextState, f Fact) error {
	var cf ContactFact
	if err := f.DecodePayload(&cf); err != nil {
		return err
	}
	key := authorityKey(cf.Contact)
	entry := ContactEntry{Owner: cf.Owner, Contact: cf.Contact, UpdatedMs: cf.AtMs}
	switch cf.Kind {
	case ContactAdded:
		entry.Petname = cf.Petname
	case ContactRenamed:
		prev, ok := st.Contacts[key]
		if ok && prev.Removed {
			// Rename of a removed contact is a no-op.
			return nil
		}
		entry.Petname = cf.Petname
	case ContactRemoved:
		entry.Removed = true
	default:
		return fmt.Errorf("%w: contact kind %d", ErrInvalid, cf.Kind)
	}
	// Reduction applies facts in total order, so the last write is the
	// last applied: plain overwrite implements LWW.
	st.Contacts[key] = entry
	return nil
}

//---------------------------------------------------------------------
// Guardian bindings – grow-only
//---------------------------------------------------------------------

// GuardianFact binds a guardian authority to a subject authority.
type GuardianFact struct {
	Context  ContextId   `cbor:"1,keyasint"`
	Guardian AuthorityId `cbor:"2,keyasint"`
	Subject  AuthorityId `cbor:"3,keyasint"`
	AtMs     uint64      `cbor:"4,keyasint"`
}

type guardianReducer struct{}

func (guardianReducer) TypeID() string { return FactTypeGuardianBinding }

func (guardianReducer) Apply(st *ContextState, f Fact) error {
	var gf GuardianFact
	if err := f.DecodePayload(&gf); err != nil {
		return err
	}
	key := authorityKey(gf.Guardian)
	if _, ok := st.Guardians[key]; ok {
		return nil
	}
	st.Guardians[key] = GuardianBinding{Guardian: gf.Guardian, Subject: gf.Subject, BoundMs: gf.AtMs}
	return nil
}

//---------------------------------------------------------------------
// Recovery grants – grow-only, sorted for canonical state
//---------------------------------------------------------------------

type recoveryGrantReducer struct{}

func (recoveryGrantReducer) TypeID() string { return FactTypeRecoveryGrant }

func (recoveryGrantReducer) Apply(st *ContextState, f Fact) error {
	var rg RecoveryGrant
	if err := f.DecodePayload(&rg); err != nil {
		return err
	}
	for _, have := range st.RecoveryGrants {
		if have == rg {
			return nil
		}
	}
	st.RecoveryGrants = append(st.RecoveryGrants, rg)
	sort.Slice(st.RecoveryGrants, func(a, b int) bool {
		ga, gb := st.RecoveryGrants[a], st.RecoveryGrants[b]
		if ga.Epoch != gb.Epoch {
			return ga.Epoch < gb.Epoch
		}
		return hex.EncodeToString(ga.GrantedTo[:]) < hex.EncodeToString(gb.GrantedTo[:])
	})
	return nil
}

//---------------------------------------------------------------------
// Invitations – lifecycle derived from event facts
//---------------------------------------------------------------------

type invitationReducer struct{}

func (invitationReducer) TypeID() string { return FactTypeInvitation }

func (invitationReducer) Apply(st *ContextState, f Fact) error {
	var ev InvitationFact
	if err := f.DecodePayload(&ev); err != nil {
		return err
	}
	return applyInvitationEvent(st, ev)
}

//---------------------------------------------------------------------
// Tree ops – collected in reduction order for tree derivation
//---------------------------------------------------------------------

type treeOpReducer struct{}

func (treeOpReducer) TypeID() string { return FactTypeTreeOp }

func (treeOpReducer) Apply(st *ContextState, f Fact) error {
	var op AttestedOp
	if err := f.DecodePayload(&op); err != nil {
		return err
	}
	st.TreeOps = append(st.TreeOps, op)
	return nil
}

//---------------------------------------------------------------------
// Consensus commits – grow-only, sorted by consensus id
//---------------------------------------------------------------------

type commitReducer struct{}

func (commitReducer) TypeID() string { return FactTypeCommit }

func (commitReducer) Apply(st *ContextState, f Fact) error {
	var cr CommitRecord
	if err := f.DecodePayload(&cr); err != nil {
		return err
	}
	for _, have := range st.Commits {
		if have.ConsensusID == cr.ConsensusID && have.ResultID == cr.ResultID {
			return nil
		}
	}
	st.Commits = append(st.Commits, cr)
	sort.Slice(st.Commits, func(a, b int) bool {
		return st.Commits[a].ConsensusID.Less(st.Commits[b].ConsensusID)
	})
	return nil
}

//---------------------------------------------------------------------
// Equivocation evidence – permanent, never garbage-collected
//---------------------------------------------------------------------

type equivocationReducer struct{}

func (equivocationReducer) TypeID() string { return FactTypeEquivocationProof }

func (equivocationReducer) Apply(st *ContextState, f Fact) error {
	var p EquivocationProof
	if err := f.DecodePayload(&p); err != nil {
		return err
	}
	for _, have := range st.Evidence {
		if have.Equal(p) {
			return nil
		}
	}
	st.Evidence = append(st.Evidence, p)
	sort.Slice(st.Evidence, func(a, b int) bool {
		ka, kb := st.Evidence[a].key(), st.Evidence[b].key()
		return ka < kb
	})
	return nil
}

//---------------------------------------------------------------------
// AMP channel facts
//---------------------------------------------------------------------

// ChannelCheckpoint anchors a channel at a (chan_epoch, base_gen) pair.
type ChannelCheckpoint struct {
	Context      ContextId `cbor:"1,keyasint"`
	Channel      ChannelId `cbor:"2,keyasint"`
	ChanEpoch    uint64    `cbor:"3,keyasint"`
	BaseGen      uint64    `cbor:"4,keyasint"`
	Window       uint32    `cbor:"5,keyasint"`
	CkCommitment Hash32    `cbor:"6,keyasint"`
}

type channelCheckpointReducer struct{}

func (channelCheckpointReducer) TypeID() string { return FactTypeChannelCheckpoint }

func (channelCheckpointReducer) Apply(st *ContextState, f Fact) error {
	var cp ChannelCheckpoint
	if err := f.DecodePayload(&cp); err != nil {
		return err
	}
	cs := st.channel(cp.Context, cp.Channel)
	// Checkpoints only advance: a stale checkpoint merged late cannot
	// rewind the channel.
	if cp.ChanEpoch < cs.ChanEpoch || (cp.ChanEpoch == cs.ChanEpoch && cp.BaseGen < cs.BaseGen) {
		return nil
	}
	cs.ChanEpoch = cp.ChanEpoch
	cs.BaseGen = cp.BaseGen
	cs.Window = cp.Window
	cs.CkCommitment = cp.CkCommitment
	return nil
}

// ChannelPolicyFact updates a channel's skip window.
type ChannelPolicyFact struct {
	Context    ContextId `cbor:"1,keyasint"`
	Channel    ChannelId `cbor:"2,keyasint"`
	SkipWindow uint32    `cbor:"3,keyasint"`
}

type channelPolicyReducer struct{}

func (channelPolicyReducer) TypeID() string { return FactTypeChannelPolicy }

func (channelPolicyReducer) Apply(st *ContextState, f Fact) error {
	var pf ChannelPolicyFact
	if err := f.DecodePayload(&pf); err != nil {
		return err
	}
	cs := st.channel(pf.Context, pf.Channel)
	cs.SkipWindow = pf.SkipWindow
	return nil
}

// ChannelMembershipFact records a join or leave event. Concurrent joins and
// leaves resolve last-writer-wins under the journal's deterministic
// tie-break.
type ChannelMembershipFact struct {
	Context ContextId   `cbor:"1,keyasint"`
	Channel ChannelId   `cbor:"2,keyasint"`
	Member  AuthorityId `cbor:"3,keyasint"`
	Joined  bool        `cbor:"4,keyasint"`
	AtMs    uint64      `cbor:"5,keyasint"`
}

type channelMembershipReducer struct{}

func (channelMembershipReducer) TypeID() string { return FactTypeChannelMembership }

func (channelMembershipReducer) Apply(st *ContextState, f Fact) error {
	var mf ChannelMembershipFact
	if err := f.DecodePayload(&mf); err != nil {
		return err
	}
	cs := st.channel(mf.Context, mf.Channel)
	cs.Members[authorityKey(mf.Member)] = MemberEntry{Member: mf.Member, Joined: mf.Joined, UpdatedMs: mf.AtMs}
	return nil
}

type channelBumpProposedReducer struct{}

func (channelBumpProposedReducer) TypeID() string { return FactTypeChannelBumpProposed }

func (channelBumpProposedReducer) Apply(st *ContextState, f Fact) error {
	var pb ProposedEpochBump
	if err := f.DecodePayload(&pb); err != nil {
		return err
	}
	cs := st.channel(pb.Context, pb.Channel)
	if pb.ParentEpoch < cs.ChanEpoch {
		// Proposal against an epoch that has already advanced.
		return nil
	}
	cs.ProposedBumps[pb.BumpID.Hex()] = pb
	return nil
}

// CommittedEpochBump finalizes a proposed bump under threshold approval.
type CommittedEpochBump struct {
	Context     ContextId `cbor:"1,keyasint"`
	Channel     ChannelId `cbor:"2,keyasint"`
	BumpID      Hash32    `cbor:"3,keyasint"`
	NewEpoch    uint64    `cbor:"4,keyasint"`
	SignerCount uint16    `cbor:"5,keyasint"`
}

type channelBumpCommitReducer struct{}

func (channelBumpCommitReducer) TypeID() string { return FactTypeChannelBumpCommit }

func (channelBumpCommitReducer) Apply(st *ContextState, f Fact) error {
	var cb CommittedEpochBump
	if err := f.DecodePayload(&cb); err != nil {
		return err
	}
	cs := st.channel(cb.Context, cb.Channel)
	delete(cs.ProposedBumps, cb.BumpID.Hex())
	if cb.NewEpoch > cs.ChanEpoch {
		cs.ChanEpoch = cb.NewEpoch
		cs.BaseGen = 0
	}
	return nil
}

// ChannelMessageFact carries one AMP ciphertext generation.
type ChannelMessageFact struct {
	Context    ContextId   `cbor:"1,keyasint"`
	Channel    ChannelId   `cbor:"2,keyasint"`
	Sender     AuthorityId `cbor:"3,keyasint"`
	Generation uint64      `cbor:"4,keyasint"`
	Ciphertext []byte      `cbor:"5,keyasint"`
}

type channelMessageReducer struct{}

func (channelMessageReducer) TypeID() string { return FactTypeChannelMessage }

func (channelMessageReducer) Apply(st *ContextState, f Fact) error {
	var mf ChannelMessageFact
	if err := f.DecodePayload(&mf); err != nil {
		return err
	}
	cs := st.channel(mf.Context, mf.Channel)
	cs.MessageCount++
	if mf.Generation >= cs.BaseGen {
		cs.BaseGen = mf.Generation + 1
	}
	return nil
}
