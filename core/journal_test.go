package core

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"
)

// ------------------------------------------------------------
// Helpers
// ------------------------------------------------------------

func testRegistry(t *testing.T) *ReducerRegistry {
	t.Helper()
	reg := NewReducerRegistry()
	RegisterCoreReducers(reg)
	return reg
}

func contactFactAt(t *testing.T, owner, contact AuthorityId, petname string, ms uint64) Fact {
	t.Helper()
	ctx := ContextIdFromEntropy([32]byte{9})
	env, err := EncodeFactPayload(FactTypeContact, 1, ContactFact{
		Kind:    ContactAdded,
		Context: ctx,
		Owner:   owner,
		Contact: contact,
		Petname: petname,
		AtMs:    ms,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f, err := NewFact(env, PhysicalClock(ms), owner, FactProof{Kind: ProofDevice})
	if err != nil {
		t.Fatalf("fact: %v", err)
	}
	return f
}

func journalWithFacts(t *testing.T, facts ...Fact) *Journal {
	t.Helper()
	j := NewJournal("test", testRegistry(t))
	for _, f := range facts {
		if err := j.Append(f); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	return j
}

func reducedBytes(t *testing.T, j *Journal) []byte {
	t.Helper()
	raw, err := j.Reduce().CanonicalBytes()
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	return raw
}

// ------------------------------------------------------------
// P2: append idempotence
// ------------------------------------------------------------

func TestAppendIdempotent(t *testing.T) {
	owner := AuthorityIdFromEntropy([32]byte{1})
	contact := AuthorityIdFromEntropy([32]byte{2})
	f := contactFactAt(t, owner, contact, "alice", 1000)

	j := journalWithFacts(t, f)
	if err := j.Append(f); err != nil {
		t.Fatalf("second append: %v", err)
	}
	if j.Len() != 1 {
		t.Fatalf("len=%d want 1", j.Len())
	}
}

// ------------------------------------------------------------
// P1: journal confluence – join commutativity, associativity,
// and reduction stability under permutation
// ------------------------------------------------------------

func TestJoinConfluence(t *testing.T) {
	owner := AuthorityIdFromEntropy([32]byte{1})
	var facts []Fact
	for i := 0; i < 9; i++ {
		contact := AuthorityIdFromEntropy([32]byte{byte(10 + i)})
		facts = append(facts, contactFactAt(t, owner, contact, fmt.Sprintf("peer-%d", i), uint64(1000+i%3)))
	}
	a := journalWithFacts(t, facts[0:3]...)
	b := journalWithFacts(t, facts[3:6]...)
	c := journalWithFacts(t, facts[6:9]...)

	ab := a.Join(b)
	ba := b.Join(a)
	if !bytes.Equal(reducedBytes(t, ab), reducedBytes(t, ba)) {
		t.Fatalf("reduce(A∪B) != reduce(B∪A)")
	}
	abc := ab.Join(c)
	bca := b.Join(c).Join(a)
	if !bytes.Equal(reducedBytes(t, abc), reducedBytes(t, bca)) {
		t.Fatalf("join not associative under reduction")
	}
	// Idempotence of join.
	if !bytes.Equal(reducedBytes(t, ab.Join(ab)), reducedBytes(t, ab)) {
		t.Fatalf("join not idempotent")
	}
}

func TestReducePermutationInvariant(t *testing.T) {
	owner := AuthorityIdFromEntropy([32]byte{1})
	var facts []Fact
	for i := 0; i < 12; i++ {
		contact := AuthorityIdFromEntropy([32]byte{byte(50 + i)})
		// Shared timestamps force the hash tie-break to do the ordering.
		facts = append(facts, contactFactAt(t, owner, contact, fmt.Sprintf("p%d", i), 1000))
	}
	want := reducedBytes(t, journalWithFacts(t, facts...))

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 10; trial++ {
		perm := rng.Perm(len(facts))
		shuffled := make([]Fact, len(facts))
		for i, p := range perm {
			shuffled[i] = facts[p]
		}
		got := reducedBytes(t, journalWithFacts(t, shuffled...))
		if !bytes.Equal(got, want) {
			t.Fatalf("trial %d: permuted reduction differs", trial)
		}
	}
}

// ------------------------------------------------------------
// Append failure modes
// ------------------------------------------------------------

func TestAppendRejectsOversizedPayload(t *testing.T) {
	j := NewJournal("test", testRegistry(t))
	f := Fact{
		Envelope:  FactEnvelope{TypeID: FactTypeContact, SchemaVersion: 1, Encoding: EncodingDagCbor, Payload: make([]byte, MaxFactPayloadBytes+1)},
		OrderTime: PhysicalClock(1),
	}
	if err := j.Append(f); err == nil {
		t.Fatalf("expected payload too large")
	}
}

func TestAppendRejectsUnknownSchema(t *testing.T) {
	j := NewJournal("test", testRegistry(t))
	env, _ := NewEnvelope("totally-unknown", 1, []byte{0xa0})
	f, _ := NewFact(env, PhysicalClock(1), AuthorityId{}, FactProof{})
	if err := j.Append(f); err == nil {
		t.Fatalf("expected schema unsupported")
	}
}

func TestReduceSkipsUnknownTypes(t *testing.T) {
	// A journal without a registry accepts anything and reduces to the
	// empty state: forward-compatible input never fails reduction.
	j := NewJournal("open", nil)
	env, _ := NewEnvelope("mystery", 1, []byte{0xa0})
	f, _ := NewFact(env, PhysicalClock(1), AuthorityId{}, FactProof{})
	if err := j.Append(f); err != nil {
		t.Fatalf("append: %v", err)
	}
	st := j.Reduce()
	if len(st.Contacts) != 0 {
		t.Fatalf("unexpected state from unknown fact")
	}
}

// ------------------------------------------------------------
// Cursor iteration
// ------------------------------------------------------------

func TestFactsSinceCursor(t *testing.T) {
	owner := AuthorityIdFromEntropy([32]byte{1})
	var facts []Fact
	for i := 0; i < 5; i++ {
		facts = append(facts, contactFactAt(t, owner, AuthorityIdFromEntropy([32]byte{byte(i + 1)}), "x", uint64(i)))
	}
	j := journalWithFacts(t, facts...)

	it := j.FactsSince(Cursor{})
	var first []Fact
	for i := 0; i < 3; i++ {
		f, ok := it.Next()
		if !ok {
			t.Fatalf("iterator exhausted early")
		}
		first = append(first, f)
	}
	cursor := it.Cursor()

	// Re-seed from the cursor; remaining facts must not overlap.
	rest := j.FactsSince(cursor)
	count := 0
	for {
		f, ok := rest.Next()
		if !ok {
			break
		}
		for _, seen := range first {
			if seen.Hash() == f.Hash() {
				t.Fatalf("cursor yielded already-seen fact")
			}
		}
		count++
	}
	if count != 2 {
		t.Fatalf("rest=%d want 2", count)
	}
}

// ------------------------------------------------------------
// Persistence roundtrip
// ------------------------------------------------------------

func TestJournalPersistenceRoundtrip(t *testing.T) {
	owner := AuthorityIdFromEntropy([32]byte{1})
	j := journalWithFacts(t,
		contactFactAt(t, owner, AuthorityIdFromEntropy([32]byte{2}), "a", 1),
		contactFactAt(t, owner, AuthorityIdFromEntropy([32]byte{3}), "b", 2),
	)
	raw, err := j.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	loaded, err := LoadJournal(raw, testRegistry(t), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(reducedBytes(t, loaded), reducedBytes(t, j)) {
		t.Fatalf("loaded journal reduces differently")
	}
}
