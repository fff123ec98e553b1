package core

import (
	"bytes"
	"testing"
)

func TestOrderTimeCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b OrderTime
		want int
	}{
		{"PhysicalEarlier", PhysicalClock(1), PhysicalClock(2), -1},
		{"PhysicalLater", PhysicalClock(3), PhysicalClock(2), 1},
		{"PhysicalEqual", PhysicalClock(2), PhysicalClock(2), 0},
		{"ClockLex", OrderClock(Hash32{1}), OrderClock(Hash32{2}), -1},
		{"MixedKinds", OrderClock(Hash32{9}), PhysicalClock(1), -1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.a.Compare(tc.b); got != tc.want {
				t.Fatalf("got %d want %d", got, tc.want)
			}
			if got := tc.b.Compare(tc.a); got != -tc.want {
				t.Fatalf("asymmetric compare")
			}
		})
	}
}

func TestFactHashExcludesProof(t *testing.T) {
	env, err := NewEnvelope(FactTypeContact, 1, []byte{0xa0})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	origin := AuthorityIdFromEntropy([32]byte{1})
	f1, _ := NewFact(env, PhysicalClock(1), origin, FactProof{Kind: ProofDevice, Signature: []byte{1}})
	f2, _ := NewFact(env, PhysicalClock(1), origin, FactProof{Kind: ProofDevice, Signature: []byte{2}})
	if f1.Hash() != f2.Hash() {
		t.Fatalf("re-signed fact hashes differently")
	}
	f3, _ := NewFact(env, PhysicalClock(2), origin, FactProof{})
	if f1.Hash() == f3.Hash() {
		t.Fatalf("distinct facts collide")
	}
}

func TestEnvelopeCaps(t *testing.T) {
	if _, err := NewEnvelope("", 1, nil); err == nil {
		t.Fatalf("empty type id accepted")
	}
	if _, err := NewEnvelope("x", 1, make([]byte, MaxFactPayloadBytes)); err != nil {
		t.Fatalf("at-cap payload rejected: %v", err)
	}
	if _, err := NewEnvelope("x", 1, make([]byte, MaxFactPayloadBytes+1)); err == nil {
		t.Fatalf("over-cap payload accepted")
	}
	// Relational bindings share the same cap.
	if MaxRelationalBindingBytes != MaxFactPayloadBytes {
		t.Fatalf("relational cap diverged from fact cap")
	}
}

func TestCanonicalEncodingIsStable(t *testing.T) {
	payload := ContactFact{
		Kind:    ContactAdded,
		Context: ContextIdFromEntropy([32]byte{1}),
		Owner:   AuthorityIdFromEntropy([32]byte{2}),
		Contact: AuthorityIdFromEntropy([32]byte{3}),
		Petname: "stable",
		AtMs:    42,
	}
	a, err := MarshalCanonical(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b, _ := MarshalCanonical(payload)
	if !bytes.Equal(a, b) {
		t.Fatalf("canonical encoding unstable")
	}
	var decoded ContactFact
	if err := UnmarshalCanonical(a, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded != payload {
		t.Fatalf("roundtrip mangled payload")
	}
}

func TestIdentifierDisplayForms(t *testing.T) {
	e := entropyBytes(5)
	if got := AuthorityIdFromEntropy(e).String(); len(got) != len("auth:")+16 {
		t.Fatalf("authority display %q", got)
	}
	ctx := ContextIdFromEntropy(e)
	parsed, err := ContextIdFromHex(ctx.String()[len("ctx:"):])
	if err != nil || parsed != ctx {
		t.Fatalf("context display roundtrip: %v", err)
	}
	if _, err := ContextIdFromHex("zz"); err == nil {
		t.Fatalf("bad hex accepted")
	}
}
