package core

// context_manager.go – cross-authority relational contexts.
//
// A context is a fact journal scoped to a ContextId carrying contacts,
// guardian bindings, recovery grants and AMP channel state. Every operation
// appends a fact through the effect system; state is always derived by
// reduction, never mutated in place.

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// ContextManager owns the local account's relational contexts.
type ContextManager struct {
	mu        sync.Mutex
	effects   EffectSystem
	authority AuthorityId
	invites   map[ContextId]*InvitationService
}

// NewContextManager binds the manager to the effect system.
func NewContextManager(effects EffectSystem, authority AuthorityId) *ContextManager {
	return &ContextManager{
		effects:   effects,
		authority: authority,
		invites:   make(map[ContextId]*InvitationService),
	}
}

// Invitations returns the invitation service for a context.
func (m *ContextManager) Invitations(contextID ContextId) *InvitationService {
	m.mu.Lock()
	defer m.mu.Unlock()
	svc, ok := m.invites[contextID]
	if !ok {
		svc = NewInvitationService(m.effects, m.authority, contextID)
		m.invites[contextID] = svc
	}
	return svc
}

func (m *ContextManager) emit(ctx context.Context, contextID ContextId, typeID string, payload interface{}) error {
	env, err := EncodeFactPayload(typeID, 1, payload)
	if err != nil {
		return err
	}
	order, err := m.effects.OrderTime(ctx)
	if err != nil {
		return err
	}
	f, err := NewFact(env, OrderClock(order), m.authority, FactProof{Kind: ProofDevice})
	if err != nil {
		return err
	}
	return m.effects.InsertRelationalFact(ctx, contextID, f)
}

//---------------------------------------------------------------------
// Contacts – LWW by order timestamp
//---------------------------------------------------------------------

// AddContact binds a contact under a petname.
func (m *ContextManager) AddContact(ctx context.Context, contextID ContextId, contact AuthorityId, petname string) error {
	now, err := m.effects.PhysicalTime(ctx)
	if err != nil {
		return err
	}
	return m.emit(ctx, contextID, FactTypeContact, ContactFact{
		Kind:    ContactAdded,
		Context: contextID,
		Owner:   m.authority,
		Contact: contact,
		Petname: petname,
		AtMs:    now.Ms,
	})
}

// RemoveContact tombstones a contact binding.
func (m *ContextManager) RemoveContact(ctx context.Context, contextID ContextId, contact AuthorityId) error {
	now, err := m.effects.PhysicalTime(ctx)
	if err != nil {
		return err
	}
	return m.emit(ctx, contextID, FactTypeContact, ContactFact{
		Kind:    ContactRemoved,
		Context: contextID,
		Owner:   m.authority,
		Contact: contact,
		AtMs:    now.Ms,
	})
}

// RenameContact updates the petname of an existing contact.
func (m *ContextManager) RenameContact(ctx context.Context, contextID ContextId, contact AuthorityId, petname string) error {
	now, err := m.effects.PhysicalTime(ctx)
	if err != nil {
		return err
	}
	return m.emit(ctx, contextID, FactTypeContact, ContactFact{
		Kind:    ContactRenamed,
		Context: contextID,
		Owner:   m.authority,
		Contact: contact,
		Petname: petname,
		AtMs:    now.Ms,
	})
}

// ListContacts returns the live contact entries sorted by petname.
func (m *ContextManager) ListContacts(ctx context.Context, contextID ContextId) ([]ContactEntry, error) {
	j, err := m.effects.GetJournal(ctx, contextID)
	if err != nil {
		return nil, err
	}
	var out []ContactEntry
	for _, c := range j.Reduce().Contacts {
		if !c.Removed {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Petname != out[b].Petname {
			return out[a].Petname < out[b].Petname
		}
		return authorityKey(out[a].Contact) < authorityKey(out[b].Contact)
	})
	return out, nil
}

//---------------------------------------------------------------------
// Guardians and recovery
//---------------------------------------------------------------------

// BindGuardian empowers guardian to co-sign recovery for subject.
func (m *ContextManager) BindGuardian(ctx context.Context, contextID ContextId, guardian, subject AuthorityId) error {
	now, err := m.effects.PhysicalTime(ctx)
	if err != nil {
		return err
	}
	return m.emit(ctx, contextID, FactTypeGuardianBinding, GuardianFact{
		Context:  contextID,
		Guardian: guardian,
		Subject:  subject,
		AtMs:     now.Ms,
	})
}

// ListGuardians returns the bound guardians sorted by id.
func (m *ContextManager) ListGuardians(ctx context.Context, contextID ContextId) ([]GuardianBinding, error) {
	j, err := m.effects.GetJournal(ctx, contextID)
	if err != nil {
		return nil, err
	}
	var out []GuardianBinding
	for _, g := range j.Reduce().Guardians {
		out = append(out, g)
	}
	sort.Slice(out, func(a, b int) bool {
		return authorityKey(out[a].Guardian) < authorityKey(out[b].Guardian)
	})
	return out, nil
}

// GrantRecovery records a threshold-signed recovery grant. The commit fact
// carrying the signature lands separately; the grant references it via the
// signer count.
func (m *ContextManager) GrantRecovery(ctx context.Context, contextID ContextId, account AccountId, grantee AuthorityId, epoch Epoch, signerCount uint16) error {
	now, err := m.effects.PhysicalTime(ctx)
	if err != nil {
		return err
	}
	return m.emit(ctx, contextID, FactTypeRecoveryGrant, RecoveryGrant{
		Account:     account,
		GrantedTo:   grantee,
		Epoch:       epoch,
		SignerCount: signerCount,
		GrantedMs:   now.Ms,
	})
}

//---------------------------------------------------------------------
// Persistence
//---------------------------------------------------------------------

// PersistAll flushes to storage the journal of every context whose
// invitation service has been opened through Invitations. Other contexts are
// not persisted here.
func (m *ContextManager) PersistAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]ContextId, 0, len(m.invites))
	for id := range m.invites {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.effects.PersistJournal(ctx, id); err != nil {
			return fmt.Errorf("persist context %s: %w", id, err)
		}
	}
	return nil
}

// MergeRemote merges facts received from a peer into a context and surfaces
// any equivocation evidence they carry.
func (m *ContextManager) MergeRemote(ctx context.Context, contextID ContextId, facts []Fact) error {
	if err := m.effects.MergeFacts(ctx, contextID, facts); err != nil {
		return err
	}
	for _, f := range facts {
		if f.Envelope.TypeID != FactTypeEquivocationProof {
			continue
		}
		var proof EquivocationProof
		if err := f.DecodePayload(&proof); err != nil {
			continue
		}
		if err := m.effects.RecordEvidence(ctx, proof.ConsensusID, proof); err != nil {
			logrus.Warnf("context %s: evidence persist failed: %v", contextID, err)
		}
	}
	return nil
}
