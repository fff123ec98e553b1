package core

// journal.go – append-only ordered fact set with deterministic reduction.
//
// A journal is an unordered set of facts under a namespace. Joins are set
// union (commutative, associative, idempotent); reduction folds the facts in
// their total order (order time, then content hash) through a type-id-indexed
// registry of reducers. For any permutation of the same fact set the reduced
// state is byte-identical.

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

//---------------------------------------------------------------------
// Reducer registry
//---------------------------------------------------------------------

// Reducer folds facts of one type id into a typed fragment of ContextState.
type Reducer interface {
	TypeID() string
	Apply(st *ContextState, f Fact) error
}

// ReducerRegistry indexes reducers by fact type id. It is populated at
// process init; adding a new fact type means registering a reducer, never
// editing the journal itself.
type ReducerRegistry struct {
	mu       sync.RWMutex
	reducers map[string]Reducer
}

// NewReducerRegistry returns an empty registry.
func NewReducerRegistry() *ReducerRegistry {
	return &ReducerRegistry{reducers: make(map[string]Reducer)}
}

// Register installs a reducer for its type id, replacing any previous one.
func (r *ReducerRegistry) Register(red Reducer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reducers[red.TypeID()] = red
}

// Lookup returns the reducer for a type id.
func (r *ReducerRegistry) Lookup(typeID string) (Reducer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	red, ok := r.reducers[typeID]
	return red, ok
}

// Supports reports whether a type id has a registered reducer.
func (r *ReducerRegistry) Supports(typeID string) bool {
	_, ok := r.Lookup(typeID)
	return ok
}

//---------------------------------------------------------------------
// Journal
//---------------------------------------------------------------------

// ProofVerifier validates a fact's authorization proof before it enters the
// journal. A nil verifier accepts everything (simulation configuration).
type ProofVerifier func(Fact) error

// Journal is a set of facts under a namespace. Writes are serialized by the
// journal's own lock; readers take snapshots.
type Journal struct {
	mu        sync.RWMutex
	namespace string
	facts     map[Hash32]Fact
	registry  *ReducerRegistry
	verifier  ProofVerifier
}

// NewJournal creates an empty journal bound to a reducer registry.
func NewJournal(namespace string, registry *ReducerRegistry) *Journal {
	return &Journal{
		namespace: namespace,
		facts:     make(map[Hash32]Fact),
		registry:  registry,
	}
}

// WithVerifier sets the proof verifier applied on Append.
func (j *Journal) WithVerifier(v ProofVerifier) *Journal {
	j.verifier = v
	return j
}

// Namespace returns the journal's namespace.
func (j *Journal) Namespace() string { return j.namespace }

// Len returns the number of distinct facts.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.facts)
}

// Append inserts a fact if its content hash is unseen; re-appending the same
// fact is a no-op. It fails with ErrPayloadTooLarge when the payload exceeds
// the class cap, ErrSchemaUnsupported when the type id is unregistered, and
// ErrInvalid when the authorization proof does not verify.
func (j *Journal) Append(f Fact) error {
	if len(f.Envelope.Payload) > MaxFactPayloadBytes {
		return fmt.Errorf("%w: payload %d bytes", ErrPayloadTooLarge, len(f.Envelope.Payload))
	}
	if j.registry != nil && !j.registry.Supports(f.Envelope.TypeID) {
		return fmt.Errorf("%w: %q", ErrSchemaUnsupported, f.Envelope.TypeID)
	}
	if j.verifier != nil {
		if err := j.verifier(f); err != nil {
			return fmt.Errorf("%w: proof: %v", ErrInvalid, err)
		}
	}
	h := f.Hash()
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, seen := j.facts[h]; seen {
		return nil
	}
	j.facts[h] = f
	return nil
}

// Contains reports whether the journal holds a fact with the given hash.
func (j *Journal) Contains(h Hash32) bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	_, ok := j.facts[h]
	return ok
}

// Get returns the fact with the given content hash.
func (j *Journal) Get(h Hash32) (Fact, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	f, ok := j.facts[h]
	return f, ok
}

// Merge unions the other journal's facts into this one in place. Duplicate
// facts are idempotent. Merge bypasses proof verification for facts the peer
// already verified only when no verifier is configured.
func (j *Journal) Merge(other *Journal) {
	other.mu.RLock()
	incoming := make([]Fact, 0, len(other.facts))
	for _, f := range other.facts {
		incoming = append(incoming, f)
	}
	other.mu.RUnlock()

	for _, f := range incoming {
		if err := j.Append(f); err != nil {
			logrus.Warnf("journal %s: merge skipped fact %s: %v", j.namespace, f.Hash(), err)
		}
	}
}

// Join returns a new journal holding the set union of both operands. Pure:
// neither operand is mutated.
func (j *Journal) Join(other *Journal) *Journal {
	out := NewJournal(j.namespace, j.registry)
	j.mu.RLock()
	for h, f := range j.facts {
		out.facts[h] = f
	}
	j.mu.RUnlock()
	other.mu.RLock()
	for h, f := range other.facts {
		out.facts[h] = f
	}
	other.mu.RUnlock()
	return out
}

// Hashes returns the sorted content hashes of all facts. Used by sync digest
// rounds.
func (j *Journal) Hashes() []Hash32 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]Hash32, 0, len(j.facts))
	for h := range j.facts {
		out = append(out, h)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Less(out[b]) })
	return out
}

// Facts returns all facts in reduction order.
func (j *Journal) Facts() []Fact {
	j.mu.RLock()
	out := make([]Fact, 0, len(j.facts))
	for _, f := range j.facts {
		out = append(out, f)
	}
	j.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool { return out[a].Less(out[b]) })
	return out
}

// Reduce folds the journal into a ContextState. Unknown type ids are skipped
// with a log entry: reduction never fails on forward-compatible input.
func (j *Journal) Reduce() *ContextState {
	st := NewContextState()
	for _, f := range j.Facts() {
		if j.registry == nil {
			logrus.Debugf("journal %s: no registry, skipping %q", j.namespace, f.Envelope.TypeID)
			continue
		}
		red, ok := j.registry.Lookup(f.Envelope.TypeID)
		if !ok {
			logrus.Debugf("journal %s: no reducer for %q, skipping", j.namespace, f.Envelope.TypeID)
			continue
		}
		if err := red.Apply(st, f); err != nil {
			logrus.Warnf("journal %s: reducer %q rejected fact %s: %v", j.namespace, f.Envelope.TypeID, f.Hash(), err)
		}
	}
	return st
}

//---------------------------------------------------------------------
// Cursor iteration
//---------------------------------------------------------------------

// Cursor marks a position in the hash-sorted fact sequence. The zero cursor
// starts at the beginning.
type Cursor struct {
	After Hash32
	set   bool
}

// CursorAfter resumes iteration after the given hash.
func CursorAfter(h Hash32) Cursor { return Cursor{After: h, set: true} }

// FactIterator walks a finite snapshot of the journal. It is not restartable
// mid-iteration; re-seed from the cursor of the last yielded fact.
type FactIterator struct {
	facts []Fact
	pos   int
}

// Next yields the next fact, or ok=false when exhausted.
func (it *FactIterator) Next() (Fact, bool) {
	if it.pos >= len(it.facts) {
		return Fact{}, false
	}
	f := it.facts[it.pos]
	it.pos++
	return f, true
}

// Cursor returns the resume point after the last yielded fact.
func (it *FactIterator) Cursor() Cursor {
	if it.pos == 0 {
		return Cursor{}
	}
	return CursorAfter(it.facts[it.pos-1].Hash())
}

// FactsSince returns an iterator over facts ordered by content hash,
// starting after the cursor position.
func (j *Journal) FactsSince(c Cursor) *FactIterator {
	j.mu.RLock()
	all := make([]Fact, 0, len(j.facts))
	for _, f := range j.facts {
		all = append(all, f)
	}
	j.mu.RUnlock()
	sort.Slice(all, func(a, b int) bool {
		ha, hb := all[a].Hash(), all[b].Hash()
		return ha.Less(hb)
	})
	start := 0
	if c.set {
		for i, f := range all {
			if f.Hash() == c.After {
				start = i + 1
				break
			}
		}
	}
	return &FactIterator{facts: all[start:]}
}

//---------------------------------------------------------------------
// Persistence form
//---------------------------------------------------------------------

// journalBlob is the serialized journal: facts sorted by hash for a
// deterministic at-rest encoding.
type journalBlob struct {
	Namespace string `cbor:"1,keyasint"`
	Facts     []Fact `cbor:"2,keyasint"`
}

// MarshalBinary encodes the journal as canonical CBOR.
func (j *Journal) MarshalBinary() ([]byte, error) {
	return MarshalCanonical(journalBlob{Namespace: j.namespace, Facts: j.sortedByHash()})
}

func (j *Journal) sortedByHash() []Fact {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]Fact, 0, len(j.facts))
	for _, f := range j.facts {
		out = append(out, f)
	}
	sort.Slice(out, func(a, b int) bool {
		ha, hb := out[a].Hash(), out[b].Hash()
		return ha.Less(hb)
	})
	return out
}

// LoadJournal decodes a journal blob, re-inserting every fact through Append
// so caps and proofs are revalidated on load.
func LoadJournal(data []byte, registry *ReducerRegistry, verifier ProofVerifier) (*Journal, error) {
	var blob journalBlob
	if err := UnmarshalCanonical(data, &blob); err != nil {
		return nil, err
	}
	j := NewJournal(blob.Namespace, registry).WithVerifier(verifier)
	for _, f := range blob.Facts {
		if err := j.Append(f); err != nil {
			return nil, fmt.Errorf("load journal %s: %w", blob.Namespace, err)
		}
	}
	return j, nil
}
