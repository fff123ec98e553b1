package core

// fact.go – the atomic unit of journal state.
//
// A Fact wraps a typed envelope (type id, schema version, DAG-CBOR payload)
// with an order timestamp, an origin authority and an authorization proof.
// Facts are content-addressed: the hash covers the canonical CBOR encoding
// of the envelope, the order time and the origin (not the proof), so two
// facts with identical content dedup to one journal entry.

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MaxFactPayloadBytes caps the DAG-CBOR encoding of a fact payload.
// Relational bindings alias the same cap.
const (
	MaxFactPayloadBytes          = 65536
	MaxRelationalBindingBytes    = MaxFactPayloadBytes
	factHashDomain               = "aura/fact"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	// Core deterministic profile: definite lengths, sorted map keys,
	// shortest-form integers. Every persisted or transmitted structure in
	// the core goes through these modes.
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Errorf("cbor enc mode: %w", err))
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Errorf("cbor dec mode: %w", err))
	}
	encMode = em
	decMode = dm
}

// MarshalCanonical encodes v with the core's deterministic CBOR profile.
func MarshalCanonical(v interface{}) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: cbor encode: %v", ErrInvalid, err)
	}
	return b, nil
}

// UnmarshalCanonical decodes CBOR produced by MarshalCanonical.
func UnmarshalCanonical(data []byte, v interface{}) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: cbor decode: %v", ErrInvalid, err)
	}
	return nil
}

//---------------------------------------------------------------------
// Envelope
//---------------------------------------------------------------------

// FactEncoding names the payload encoding. DAG-CBOR is the only wire and
// at-rest form the core accepts.
type FactEncoding uint8

const (
	EncodingDagCbor FactEncoding = 1
)

// FactEnvelope is the wire and at-rest canonical form of a fact body.
// type_id examples: "contact", "recovery-grant", "amp-channel-membership".
type FactEnvelope struct {
	TypeID        string       `cbor:"1,keyasint"`
	SchemaVersion uint16       `cbor:"2,keyasint"`
	Encoding      FactEncoding `cbor:"3,keyasint"`
	Payload       []byte       `cbor:"4,keyasint"`
}

// NewEnvelope builds a validated envelope around an already-encoded payload.
func NewEnvelope(typeID string, schemaVersion uint16, payload []byte) (FactEnvelope, error) {
	if typeID == "" {
		return FactEnvelope{}, fmt.Errorf("%w: empty type id", ErrInvalid)
	}
	if len(payload) > MaxFactPayloadBytes {
		return FactEnvelope{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), MaxFactPayloadBytes)
	}
	return FactEnvelope{TypeID: typeID, SchemaVersion: schemaVersion, Encoding: EncodingDagCbor, Payload: payload}, nil
}

//---------------------------------------------------------------------
// Order time
//---------------------------------------------------------------------

// OrderKind selects which OrderTime variant is populated.
type OrderKind uint8

const (
	// OrderKindClock is a content-derived deterministic tie-breaker.
	OrderKindClock OrderKind = 1
	// OrderKindPhysical is wall-clock milliseconds with optional uncertainty.
	OrderKindPhysical OrderKind = 2
	// OrderKindProvenanced is a stamp accompanied by signed time witnesses.
	OrderKindProvenanced OrderKind = 3
)

// TimeProof is a signed witness statement over a physical stamp.
type TimeProof struct {
	Witness   AuthorityId `cbor:"1,keyasint"`
	Signature []byte      `cbor:"2,keyasint"`
}

// OrderTime is the fact's position in the journal order. The ordering policy
// between concurrent facts is fixed per fact class: deterministic classes
// compare clocks, physical classes compare milliseconds; Hash(content) breaks
// the remaining ties either way.
type OrderTime struct {
	Kind        OrderKind   `cbor:"1,keyasint"`
	Clock       Hash32      `cbor:"2,keyasint,omitempty"`
	Ms          uint64      `cbor:"3,keyasint,omitempty"`
	Uncertainty uint64      `cbor:"4,keyasint,omitempty"`
	Proofs      []TimeProof `cbor:"5,keyasint,omitempty"`
	Origin      AuthorityId `cbor:"6,keyasint,omitempty"`
}

// OrderClock wraps a content-derived hash as an order time.
func OrderClock(h Hash32) OrderTime { return OrderTime{Kind: OrderKindClock, Clock: h} }

// PhysicalClock wraps wall-clock milliseconds as an order time.
func PhysicalClock(ms uint64) OrderTime { return OrderTime{Kind: OrderKindPhysical, Ms: ms} }

// Compare orders two OrderTimes: physical stamps dominate by milliseconds,
// deterministic clocks by hash; mixed kinds order by kind tag so the total
// order stays stable across peers.
func (t OrderTime) Compare(o OrderTime) int {
	if t.Kind != o.Kind {
		if t.Kind < o.Kind {
			return -1
		}
		return 1
	}
	switch t.Kind {
	case OrderKindClock:
		return bytes.Compare(t.Clock[:], o.Clock[:])
	default:
		switch {
		case t.Ms < o.Ms:
			return -1
		case t.Ms > o.Ms:
			return 1
		}
	}
	return 0
}

//---------------------------------------------------------------------
// Authorization proofs
//---------------------------------------------------------------------

// ProofKind names the authorization class attached to a fact.
type ProofKind uint8

const (
	// ProofNone marks facts produced by local reduction (evidence, tests).
	ProofNone ProofKind = 0
	// ProofThreshold is an aggregate group signature plus signer count.
	ProofThreshold ProofKind = 1
	// ProofDevice is a single-device certificate signature.
	ProofDevice ProofKind = 2
	// ProofCapability is a capability-token reference.
	ProofCapability ProofKind = 3
)

// FactProof carries the authorization evidence for a fact. Which kind is
// appropriate depends on the fact class: tree ops carry threshold proofs,
// relational facts carry device or capability proofs.
type FactProof struct {
	Kind        ProofKind `cbor:"1,keyasint"`
	Signature   []byte    `cbor:"2,keyasint,omitempty"`
	SignerCount uint16    `cbor:"3,keyasint,omitempty"`
	PublicKey   []byte    `cbor:"4,keyasint,omitempty"`
	TokenHash   Hash32    `cbor:"5,keyasint,omitempty"`
}

//---------------------------------------------------------------------
// Fact
//---------------------------------------------------------------------

// Fact is the atomic unit of journal state.
type Fact struct {
	Envelope  FactEnvelope `cbor:"1,keyasint"`
	OrderTime OrderTime    `cbor:"2,keyasint"`
	Origin    AuthorityId  `cbor:"3,keyasint"`
	Proof     FactProof    `cbor:"4,keyasint"`
}

// NewFact assembles a fact and validates its envelope cap.
func NewFact(env FactEnvelope, at OrderTime, origin AuthorityId, proof FactProof) (Fact, error) {
	if len(env.Payload) > MaxFactPayloadBytes {
		return Fact{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(env.Payload), MaxFactPayloadBytes)
	}
	return Fact{Envelope: env, OrderTime: at, Origin: origin, Proof: proof}, nil
}

// contentKey is the hashed portion of a fact: proof bytes are excluded so a
// re-signed duplicate still dedups to the same entry.
type contentKey struct {
	Envelope  FactEnvelope `cbor:"1,keyasint"`
	OrderTime OrderTime    `cbor:"2,keyasint"`
	Origin    AuthorityId  `cbor:"3,keyasint"`
}

// Hash returns the content hash identifying this fact in a journal.
func (f Fact) Hash() Hash32 {
	b, err := MarshalCanonical(contentKey{Envelope: f.Envelope, OrderTime: f.OrderTime, Origin: f.Origin})
	if err != nil {
		// Canonical encoding of a validated fact cannot fail.
		panic(err)
	}
	return HashDomain(factHashDomain, b)
}

// Less orders facts for reduction: primary by OrderTime under the class
// policy, tie-break by content hash lex-ascending.
func (f Fact) Less(o Fact) bool {
	if c := f.OrderTime.Compare(o.OrderTime); c != 0 {
		return c < 0
	}
	fh, oh := f.Hash(), o.Hash()
	return bytes.Compare(fh[:], oh[:]) < 0
}

// DecodePayload decodes the envelope payload into v.
func (f Fact) DecodePayload(v interface{}) error {
	return UnmarshalCanonical(f.Envelope.Payload, v)
}

// EncodeFactPayload is a convenience for building envelopes from typed
// payload structs.
func EncodeFactPayload(typeID string, schemaVersion uint16, payload interface{}) (FactEnvelope, error) {
	raw, err := MarshalCanonical(payload)
	if err != nil {
		return FactEnvelope{}, err
	}
	return NewEnvelope(typeID, schemaVersion, raw)
}
