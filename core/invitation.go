package core

// invitation.go – time-bounded invitations between authorities.
//
// An invitation's lifecycle (Pending → Accepted | Declined | Cancelled |
// Expired) is derived by journal reduction over invitation event facts. Ids
// are content-derived and prefixed "inv-".

import (
	"context"
	"fmt"
	"sort"
)

// InvitationStatus is the derived lifecycle state.
type InvitationStatus uint8

const (
	InvitationPending InvitationStatus = iota + 1
	InvitationAccepted
	InvitationDeclined
	InvitationCancelled
	InvitationExpired
)

func (s InvitationStatus) String() string {
	switch s {
	case InvitationPending:
		return "pending"
	case InvitationAccepted:
		return "accepted"
	case InvitationDeclined:
		return "declined"
	case InvitationCancelled:
		return "cancelled"
	case InvitationExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// InvitationKind discriminates what the invitation offers.
type InvitationKind uint8

const (
	InviteContact InvitationKind = iota + 1
	InviteGuardian
	InviteChannel
)

// Invitation is the reduced state of one invitation.
type Invitation struct {
	InvitationID     string           `cbor:"1,keyasint"`
	Kind             InvitationKind   `cbor:"2,keyasint"`
	Sender           AuthorityId      `cbor:"3,keyasint"`
	Receiver         AuthorityId      `cbor:"4,keyasint"`
	Status           InvitationStatus `cbor:"5,keyasint"`
	Petname          string           `cbor:"6,keyasint,omitempty"`
	Message          string           `cbor:"7,keyasint,omitempty"`
	SubjectAuthority AuthorityId      `cbor:"8,keyasint,omitempty"`
	ChannelName      string           `cbor:"9,keyasint,omitempty"`
	CreatedAtMs      uint64           `cbor:"10,keyasint"`
	ExpiresAtMs      uint64           `cbor:"11,keyasint,omitempty"`
}

// invitationEventKind discriminates lifecycle events.
type invitationEventKind uint8

const (
	invitationCreated invitationEventKind = iota + 1
	invitationAccepted
	invitationDeclined
	invitationCancelled
)

// InvitationFact is the payload of an "invitation" fact.
type InvitationFact struct {
	Event            invitationEventKind `cbor:"1,keyasint"`
	InvitationID     string              `cbor:"2,keyasint"`
	Kind             InvitationKind      `cbor:"3,keyasint,omitempty"`
	Sender           AuthorityId         `cbor:"4,keyasint,omitempty"`
	Receiver         AuthorityId         `cbor:"5,keyasint,omitempty"`
	Petname          string              `cbor:"6,keyasint,omitempty"`
	Message          string              `cbor:"7,keyasint,omitempty"`
	SubjectAuthority AuthorityId         `cbor:"8,keyasint,omitempty"`
	ChannelName      string              `cbor:"9,keyasint,omitempty"`
	AtMs             uint64              `cbor:"10,keyasint"`
	ExpiresAtMs      uint64              `cbor:"11,keyasint,omitempty"`
}

func applyInvitationEvent(st *ContextState, ev InvitationFact) error {
	switch ev.Event {
	case invitationCreated:
		if _, dup := st.Invitations[ev.InvitationID]; dup {
			return nil
		}
		st.Invitations[ev.InvitationID] = Invitation{
			InvitationID:     ev.InvitationID,
			Kind:             ev.Kind,
			Sender:           ev.Sender,
			Receiver:         ev.Receiver,
			Status:           InvitationPending,
			Petname:          ev.Petname,
			Message:          ev.Message,
			SubjectAuthority: ev.SubjectAuthority,
			ChannelName:      ev.ChannelName,
			CreatedAtMs:      ev.AtMs,
			ExpiresAtMs:      ev.ExpiresAtMs,
		}
	case invitationAccepted, invitationDeclined, invitationCancelled:
		inv, ok := st.Invitations[ev.InvitationID]
		if !ok {
			return fmt.Errorf("%w: invitation %s", ErrNotFound, ev.InvitationID)
		}
		if inv.Status != InvitationPending {
			// Terminal states never transition again.
			return nil
		}
		if inv.ExpiresAtMs != 0 && ev.AtMs > inv.ExpiresAtMs {
			inv.Status = InvitationExpired
		} else {
			switch ev.Event {
			case invitationAccepted:
				inv.Status = InvitationAccepted
			case invitationDeclined:
				inv.Status = InvitationDeclined
			default:
				inv.Status = InvitationCancelled
			}
		}
		st.Invitations[ev.InvitationID] = inv
	default:
		return fmt.Errorf("%w: invitation event %d", ErrInvalid, ev.Event)
	}
	return nil
}

//---------------------------------------------------------------------
// Invitation service
//---------------------------------------------------------------------

// InvitationService exposes the invitation operations over a context
// journal. Every produced fact goes through the effect system, which the
// guard chain fronts in the full pipeline.
type InvitationService struct {
	effects   EffectSystem
	authority AuthorityId
	contextID ContextId
}

// NewInvitationService binds the service to a context.
func NewInvitationService(effects EffectSystem, authority AuthorityId, contextID ContextId) *InvitationService {
	return &InvitationService{effects: effects, authority: authority, contextID: contextID}
}

func (s *InvitationService) emit(ctx context.Context, ev InvitationFact) error {
	env, err := EncodeFactPayload(FactTypeInvitation, 1, ev)
	if err != nil {
		return err
	}
	order, err := s.effects.OrderTime(ctx)
	if err != nil {
		return err
	}
	f, err := NewFact(env, OrderClock(order), s.authority, FactProof{Kind: ProofDevice})
	if err != nil {
		return err
	}
	return s.effects.InsertRelationalFact(ctx, s.contextID, f)
}

func (s *InvitationService) newInvitationID(ctx context.Context, receiver AuthorityId, kind InvitationKind, atMs uint64) (string, error) {
	entropy, err := s.effects.RandomBytes32(ctx)
	if err != nil {
		return "", err
	}
	body, err := MarshalCanonical(struct {
		Sender   AuthorityId `cbor:"1,keyasint"`
		Receiver AuthorityId `cbor:"2,keyasint"`
		Kind     InvitationKind `cbor:"3,keyasint"`
		AtMs     uint64      `cbor:"4,keyasint"`
		Entropy  [32]byte    `cbor:"5,keyasint"`
	}{s.authority, receiver, kind, atMs, entropy})
	if err != nil {
		return "", err
	}
	h := HashDomain("aura/invitation", body)
	return "inv-" + h.Hex()[:24], nil
}

func (s *InvitationService) create(ctx context.Context, ev InvitationFact) (Invitation, error) {
	if err := s.emit(ctx, ev); err != nil {
		return Invitation{}, err
	}
	return s.Get(ctx, ev.InvitationID)
}

// InviteAsContact sends a contact invitation with an optional petname and
// message. expiresInMs of zero means no expiry.
func (s *InvitationService) InviteAsContact(ctx context.Context, receiver AuthorityId, petname, message string, expiresInMs uint64) (Invitation, error) {
	now, err := s.effects.PhysicalTime(ctx)
	if err != nil {
		return Invitation{}, err
	}
	id, err := s.newInvitationID(ctx, receiver, InviteContact, now.Ms)
	if err != nil {
		return Invitation{}, err
	}
	ev := InvitationFact{
		Event:        invitationCreated,
		InvitationID: id,
		Kind:         InviteContact,
		Sender:       s.authority,
		Receiver:     receiver,
		Petname:      petname,
		Message:      message,
		AtMs:         now.Ms,
	}
	if expiresInMs > 0 {
		ev.ExpiresAtMs = now.Ms + expiresInMs
	}
	return s.create(ctx, ev)
}

// InviteAsGuardian asks receiver to guard subject.
func (s *InvitationService) InviteAsGuardian(ctx context.Context, receiver, subject AuthorityId, message string, expiresInMs uint64) (Invitation, error) {
	now, err := s.effects.PhysicalTime(ctx)
	if err != nil {
		return Invitation{}, err
	}
	id, err := s.newInvitationID(ctx, receiver, InviteGuardian, now.Ms)
	if err != nil {
		return Invitation{}, err
	}
	ev := InvitationFact{
		Event:            invitationCreated,
		InvitationID:     id,
		Kind:             InviteGuardian,
		Sender:           s.authority,
		Receiver:         receiver,
		Message:          message,
		SubjectAuthority: subject,
		AtMs:             now.Ms,
	}
	if expiresInMs > 0 {
		ev.ExpiresAtMs = now.Ms + expiresInMs
	}
	return s.create(ctx, ev)
}

// InviteToChannel invites receiver into a named channel.
func (s *InvitationService) InviteToChannel(ctx context.Context, receiver AuthorityId, channelName, message string, expiresInMs uint64) (Invitation, error) {
	now, err := s.effects.PhysicalTime(ctx)
	if err != nil {
		return Invitation{}, err
	}
	id, err := s.newInvitationID(ctx, receiver, InviteChannel, now.Ms)
	if err != nil {
		return Invitation{}, err
	}
	ev := InvitationFact{
		Event:        invitationCreated,
		InvitationID: id,
		Kind:         InviteChannel,
		Sender:       s.authority,
		Receiver:     receiver,
		ChannelName:  channelName,
		Message:      message,
		AtMs:         now.Ms,
	}
	if expiresInMs > 0 {
		ev.ExpiresAtMs = now.Ms + expiresInMs
	}
	return s.create(ctx, ev)
}

func (s *InvitationService) transition(ctx context.Context, id string, event invitationEventKind) (Invitation, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return Invitation{}, err
	}
	now, err := s.effects.PhysicalTime(ctx)
	if err != nil {
		return Invitation{}, err
	}
	if err := s.emit(ctx, InvitationFact{Event: event, InvitationID: id, AtMs: now.Ms}); err != nil {
		return Invitation{}, err
	}
	return s.Get(ctx, id)
}

// Accept marks a pending invitation accepted.
func (s *InvitationService) Accept(ctx context.Context, id string) (Invitation, error) {
	return s.transition(ctx, id, invitationAccepted)
}

// Decline marks a pending invitation declined.
func (s *InvitationService) Decline(ctx context.Context, id string) (Invitation, error) {
	return s.transition(ctx, id, invitationDeclined)
}

// Cancel withdraws a pending invitation.
func (s *InvitationService) Cancel(ctx context.Context, id string) (Invitation, error) {
	return s.transition(ctx, id, invitationCancelled)
}

// Get returns the invitation's reduced state.
func (s *InvitationService) Get(ctx context.Context, id string) (Invitation, error) {
	j, err := s.effects.GetJournal(ctx, s.contextID)
	if err != nil {
		return Invitation{}, err
	}
	inv, ok := j.Reduce().Invitations[id]
	if !ok {
		return Invitation{}, fmt.Errorf("%w: invitation %s", ErrNotFound, id)
	}
	return inv, nil
}

// ListPending returns pending, unexpired invitations sorted by id.
func (s *InvitationService) ListPending(ctx context.Context) ([]Invitation, error) {
	j, err := s.effects.GetJournal(ctx, s.contextID)
	if err != nil {
		return nil, err
	}
	now, err := s.effects.PhysicalTime(ctx)
	if err != nil {
		return nil, err
	}
	var out []Invitation
	for _, inv := range j.Reduce().Invitations {
		if inv.Status != InvitationPending {
			continue
		}
		if inv.ExpiresAtMs != 0 && now.Ms > inv.ExpiresAtMs {
			continue
		}
		out = append(out, inv)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].InvitationID < out[b].InvitationID })
	return out, nil
}
