package core

// equivocation.go – detection of witnesses binding two results to one
// consensus instance.
//
// Per (context, witness, consensus_id, prestate_hash) the tracker records
// the first observed result_id. A later share binding a different result_id
// is rejected and yields an EquivocationProof. Proofs accumulate until the
// caller drains them into journal emission; as journal facts they are
// permanent and survive snapshots.

import (
	"fmt"
	"sync"
)

// EquivocationProof is first-class evidence of a double-binding witness.
type EquivocationProof struct {
	Context        ContextId   `cbor:"1,keyasint"`
	Witness        AuthorityId `cbor:"2,keyasint"`
	ConsensusID    Hash32      `cbor:"3,keyasint"`
	PrestateHash   Hash32      `cbor:"4,keyasint"`
	FirstResultID  Hash32      `cbor:"5,keyasint"`
	SecondResultID Hash32      `cbor:"6,keyasint"`
	Timestamp      uint64      `cbor:"7,keyasint"`
}

// Equal reports structural equality.
func (p EquivocationProof) Equal(o EquivocationProof) bool { return p == o }

func (p EquivocationProof) key() string {
	return p.Context.String() + "/" + p.Witness.String() + "/" + p.ConsensusID.Hex() + "/" + p.FirstResultID.Hex() + "/" + p.SecondResultID.Hex()
}

// ToFact wraps the proof as a journal fact ordered by its detection time.
func (p EquivocationProof) ToFact(origin AuthorityId) (Fact, error) {
	env, err := EncodeFactPayload(FactTypeEquivocationProof, 1, p)
	if err != nil {
		return Fact{}, err
	}
	return NewFact(env, PhysicalClock(p.Timestamp), origin, FactProof{Kind: ProofNone})
}

//---------------------------------------------------------------------
// Witness tracker
//---------------------------------------------------------------------

type bindingKey struct {
	Context      ContextId
	Witness      AuthorityId
	ConsensusID  Hash32
	PrestateHash Hash32
}

type firstBinding struct {
	resultID Hash32
	share    SignatureShare
}

// WitnessTracker records signature shares with equivocation detection.
// One tracker instance serves one ceremony coordinator.
type WitnessTracker struct {
	mu       sync.Mutex
	bindings map[bindingKey]firstBinding
	shares   []SignatureShare
	proofs   []EquivocationProof
}

// NewWitnessTracker returns an empty tracker.
func NewWitnessTracker() *WitnessTracker {
	return &WitnessTracker{bindings: make(map[bindingKey]firstBinding)}
}

// RecordShare records a witness's share for (consensus_id, prestate_hash,
// result_id). The first binding per witness wins; a second share binding a
// different result_id is rejected, not counted toward threshold, and yields
// a proof.
func (w *WitnessTracker) RecordShare(
	context ContextId,
	witness AuthorityId,
	share SignatureShare,
	consensusID, prestateHash, resultID Hash32,
	timestamp uint64,
) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := bindingKey{Context: context, Witness: witness, ConsensusID: consensusID, PrestateHash: prestateHash}
	first, seen := w.bindings[key]
	if !seen {
		w.bindings[key] = firstBinding{resultID: resultID, share: share}
		w.shares = append(w.shares, share)
		return nil
	}
	if first.resultID == resultID {
		// Idempotent re-send of the same binding.
		return nil
	}
	w.proofs = append(w.proofs, EquivocationProof{
		Context:        context,
		Witness:        witness,
		ConsensusID:    consensusID,
		PrestateHash:   prestateHash,
		FirstResultID:  first.resultID,
		SecondResultID: resultID,
		Timestamp:      timestamp,
	})
	return fmt.Errorf("%w: witness %s bound %s then %s", ErrEquivocationDetected,
		witness, first.resultID, resultID)
}

// Shares returns the accepted shares in arrival order.
func (w *WitnessTracker) Shares() []SignatureShare {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]SignatureShare, len(w.shares))
	copy(out, w.shares)
	return out
}

// Proofs returns the accumulated proofs without draining them.
func (w *WitnessTracker) Proofs() []EquivocationProof {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]EquivocationProof, len(w.proofs))
	copy(out, w.proofs)
	return out
}

// DrainProofs returns and clears the accumulated proofs. Callers emit the
// drained proofs into the journal; clearing prevents duplicate emission.
func (w *WitnessTracker) DrainProofs() []EquivocationProof {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.proofs
	w.proofs = nil
	return out
}
