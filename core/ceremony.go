package core

// ceremony.go – the threshold ceremony engine.
//
// Production signing runs two rounds: witnesses publish nonce commitments,
// then signature shares over (consensus_id, prestate_hash, result_id); the
// coordinator aggregates shares into one Ed25519 signature. In steady state
// the engine pipelines to a single round trip: every share message carries
// the witness's commitment for the *next* round, so the coordinator already
// holds ≥ threshold commitments when the next ceremony starts. An epoch
// change flushes every cached nonce and commitment; the first round after a
// flush is a 2-RTT warm-up.

import (
	"crypto/ed25519"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

//---------------------------------------------------------------------
// Messages
//---------------------------------------------------------------------

// ConsensusMessage is the byte string a ceremony signs.
func ConsensusMessage(consensusID, prestateHash, resultID Hash32) []byte {
	msg := make([]byte, 0, 32*3+len("aura/consensus")+1)
	msg = append(msg, []byte("aura/consensus")...)
	msg = append(msg, 0)
	msg = append(msg, consensusID[:]...)
	msg = append(msg, prestateHash[:]...)
	msg = append(msg, resultID[:]...)
	return msg
}

// SignRequest asks a witness for its round-2 share.
type SignRequest struct {
	Epoch        Epoch
	ConsensusID  Hash32
	PrestateHash Hash32
	ResultID     Hash32
	Package      SigningPackage
}

// ShareResponse is a witness's round-2 answer. NextCommitment pre-publishes
// the nonce commitment for the following round (the pipelining piggyback).
type ShareResponse struct {
	Witness        AuthorityId
	Share          SignatureShare
	ResultID       Hash32
	NextCommitment *NonceCommitment
}

// CommitFact is the threshold-signed result of a completed ceremony.
type CommitFact struct {
	ConsensusID  Hash32   `cbor:"1,keyasint"`
	PrestateHash Hash32   `cbor:"2,keyasint"`
	ResultID     Hash32   `cbor:"3,keyasint"`
	Signers      []uint16 `cbor:"4,keyasint"`
	Signature    []byte   `cbor:"5,keyasint"`
}

// ToFact wraps the commit as a journal fact.
func (c CommitFact) ToFact(origin AuthorityId, atMs uint64) (Fact, error) {
	env, err := EncodeFactPayload(FactTypeCommit, 1, CommitRecord{
		ConsensusID:  c.ConsensusID,
		PrestateHash: c.PrestateHash,
		ResultID:     c.ResultID,
		Signers:      c.Signers,
		Signature:    c.Signature,
	})
	if err != nil {
		return Fact{}, err
	}
	return NewFact(env, PhysicalClock(atMs), origin, FactProof{
		Kind:        ProofThreshold,
		Signature:   c.Signature,
		SignerCount: uint16(len(c.Signers)),
	})
}

//---------------------------------------------------------------------
// Witness
//---------------------------------------------------------------------

// Witness holds one participant's key share and its single-use nonce for the
// current epoch. Nonce material never leaves the witness; on epoch change
// the pending nonce is dropped.
type Witness struct {
	mu        sync.Mutex
	authority AuthorityId
	share     KeyShare
	pkg       *PublicKeyPackage
	rng       io.Reader
	epoch     Epoch
	pending   *Nonce
}

// NewWitness creates a witness bound to its key share.
func NewWitness(authority AuthorityId, share KeyShare, pkg *PublicKeyPackage, epoch Epoch, rng io.Reader) *Witness {
	return &Witness{authority: authority, share: share, pkg: pkg, rng: rng, epoch: epoch}
}

// Authority returns the witness's authority id.
func (w *Witness) Authority() AuthorityId { return w.authority }

// Identifier returns the FROST signer identifier.
func (w *Witness) Identifier() uint16 { return w.share.Identifier }

// PrePublish draws a nonce for the epoch and returns its commitment. The
// previous pending nonce, if any, is discarded.
func (w *Witness) PrePublish(epoch Epoch) (NonceCommitment, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if epoch < w.epoch {
		return NonceCommitment{}, fmt.Errorf("%w: epoch %s behind witness epoch %s", ErrInvalid, epoch, w.epoch)
	}
	w.epoch = epoch
	n, err := GenerateNonce(epoch, w.rng)
	if err != nil {
		return NonceCommitment{}, err
	}
	w.pending = n
	return n.Commitment(w.share.Identifier), nil
}

// HandleSignRequest produces the round-2 share using the pending nonce and
// piggybacks the commitment for the next round.
func (w *Witness) HandleSignRequest(req SignRequest) (ShareResponse, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if req.Epoch != w.epoch {
		return ShareResponse{}, fmt.Errorf("%w: sign request epoch %s, witness at %s", ErrInvalid, req.Epoch, w.epoch)
	}
	if w.pending == nil || w.pending.Epoch != req.Epoch {
		return ShareResponse{}, fmt.Errorf("%w: no nonce for %s", ErrInvalid, req.Epoch)
	}
	nonce := w.pending
	w.pending = nil
	sh, err := Sign(w.share, nonce, req.Package)
	if err != nil {
		return ShareResponse{}, err
	}
	// Pipelining: pre-generate the next round's nonce while answering this
	// one, so the coordinator can skip round 1 next time.
	next, err := GenerateNonce(req.Epoch, w.rng)
	if err != nil {
		return ShareResponse{}, err
	}
	w.pending = next
	nc := next.Commitment(w.share.Identifier)
	return ShareResponse{
		Witness:        w.authority,
		Share:          sh,
		ResultID:       req.ResultID,
		NextCommitment: &nc,
	}, nil
}

// FlushEpoch invalidates the pending nonce and advances the witness epoch.
func (w *Witness) FlushEpoch(newEpoch Epoch) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = nil
	w.epoch = newEpoch
}

//---------------------------------------------------------------------
// Coordinator-side commitment cache
//---------------------------------------------------------------------

// CacheStats summarizes the pipelined commitment cache.
type CacheStats struct {
	CachedCount    int
	Threshold      int
	Epoch          Epoch
	CanUseFastPath bool
}

type cachedCommitment struct {
	commitment NonceCommitment
	epoch      Epoch
}

// CommitmentCache holds witnesses' pre-published nonce commitments, keyed by
// authority and bound to an epoch. Flushed wholesale on epoch change.
type CommitmentCache struct {
	mu        sync.Mutex
	epoch     Epoch
	threshold int
	entries   map[AuthorityId]cachedCommitment
}

// NewCommitmentCache creates a cache for the given epoch and threshold.
func NewCommitmentCache(epoch Epoch, threshold int) *CommitmentCache {
	return &CommitmentCache{epoch: epoch, threshold: threshold, entries: make(map[AuthorityId]cachedCommitment)}
}

// Put stores a witness's commitment; commitments from other epochs are
// rejected.
func (c *CommitmentCache) Put(witness AuthorityId, nc NonceCommitment, epoch Epoch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return fmt.Errorf("%w: commitment for %s, cache at %s", ErrInvalid, epoch, c.epoch)
	}
	c.entries[witness] = cachedCommitment{commitment: nc, epoch: epoch}
	return nil
}

// Take removes and returns exactly n cached commitments with their witnesses,
// choosing the lowest signer ids. When fewer than n are cached it returns
// false and leaves the cache untouched.
func (c *CommitmentCache) Take(n int) (map[AuthorityId]NonceCommitment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) < n {
		return nil, false
	}
	type pair struct {
		a  AuthorityId
		cc cachedCommitment
	}
	all := make([]pair, 0, len(c.entries))
	for a, cc := range c.entries {
		all = append(all, pair{a, cc})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].cc.commitment.Signer < all[j].cc.commitment.Signer })
	out := make(map[AuthorityId]NonceCommitment, n)
	for _, p := range all[:n] {
		out[p.a] = p.cc.commitment
		delete(c.entries, p.a)
	}
	return out, true
}

// FastPathReady reports whether ≥ threshold distinct witnesses have cached
// commitments for the current epoch.
func (c *CommitmentCache) FastPathReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries) >= c.threshold
}

// Flush drops every cached commitment and rebinds the cache to newEpoch.
func (c *CommitmentCache) Flush(newEpoch Epoch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[AuthorityId]cachedCommitment)
	c.epoch = newEpoch
}

// Stats returns a snapshot of cache occupancy.
func (c *CommitmentCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		CachedCount:    len(c.entries),
		Threshold:      c.threshold,
		Epoch:          c.epoch,
		CanUseFastPath: len(c.entries) >= c.threshold,
	}
}

//---------------------------------------------------------------------
// Ceremony state machine
//---------------------------------------------------------------------

// CeremonyPhase is the engine's per-run state.
type CeremonyPhase uint8

const (
	PhaseInit CeremonyPhase = iota
	PhaseCommit
	PhaseShare
	PhaseAggregate
	PhaseCommitted
	PhaseAborted
)

func (p CeremonyPhase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseCommit:
		return "commit"
	case PhaseShare:
		return "share"
	case PhaseAggregate:
		return "aggregate"
	case PhaseCommitted:
		return "committed"
	default:
		return "aborted"
	}
}

// CeremonyResult reports a completed or aborted run.
type CeremonyResult struct {
	Phase       CeremonyPhase
	Commit      *CommitFact
	AbortReason string
	RoundTrips  int
}

// CeremonyEngine coordinates signing ceremonies over a fixed witness roster.
// The engine owns the coordinator-side commitment cache; each witness owns
// its nonce material.
type CeremonyEngine struct {
	mu        sync.Mutex
	context   ContextId
	epoch     Epoch
	threshold uint16
	pkg       *PublicKeyPackage
	witnesses map[AuthorityId]*Witness
	cache     *CommitmentCache
	tracker   *WitnessTracker
	demoted   map[AuthorityId]bool
	clock     func() uint64
}

// NewCeremonyEngine builds an engine over in-process witnesses. Remote
// deployments substitute transport-backed witness proxies with the same
// surface.
func NewCeremonyEngine(context ContextId, epoch Epoch, pkg *PublicKeyPackage, witnesses []*Witness, clock func() uint64) *CeremonyEngine {
	wm := make(map[AuthorityId]*Witness, len(witnesses))
	for _, w := range witnesses {
		wm[w.Authority()] = w
	}
	return &CeremonyEngine{
		context:   context,
		epoch:     epoch,
		threshold: pkg.Threshold,
		pkg:       pkg,
		witnesses: wm,
		cache:     NewCommitmentCache(epoch, int(pkg.Threshold)),
		tracker:   NewWitnessTracker(),
		demoted:   make(map[AuthorityId]bool),
		clock:     clock,
	}
}

// CacheStats exposes the pipelined cache occupancy.
func (e *CeremonyEngine) CacheStats() CacheStats { return e.cache.Stats() }

// Tracker exposes the equivocation tracker for proof draining.
func (e *CeremonyEngine) Tracker() *WitnessTracker { return e.tracker }

// RotateEpoch flushes all cached nonce material and advances the engine
// epoch. A ceremony in flight restarts from Init.
func (e *CeremonyEngine) RotateEpoch(newEpoch Epoch) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.epoch = newEpoch
	e.cache.Flush(newEpoch)
	for _, w := range e.witnesses {
		w.FlushEpoch(newEpoch)
	}
	logrus.Infof("ceremony engine: epoch rotated to %s, caches flushed", newEpoch)
}

// Run executes one signing ceremony over (consensus_id, prestate_hash,
// result_id). Steady state takes the fast path: cached commitments skip
// round 1 and the whole ceremony is one exchange.
func (e *CeremonyEngine) Run(consensusID, prestateHash, resultID Hash32) CeremonyResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	roundTrips := 0

	// Round 1: gather nonce commitments, from the cache when warm.
	commitments := make(map[AuthorityId]NonceCommitment)
	if cached, ok := e.cache.Take(int(e.threshold)); ok {
		commitments = cached
	} else {
		// Warm-up: fresh nonces invalidate any below-threshold leftovers
		// in the cache, so drop them before collecting.
		e.cache.Flush(e.epoch)
		roundTrips++
		for a, w := range e.witnesses {
			if e.demoted[a] {
				continue
			}
			nc, err := w.PrePublish(e.epoch)
			if err != nil {
				logrus.Warnf("ceremony: witness %s round 1 failed: %v", a, err)
				continue
			}
			commitments[a] = nc
			if len(commitments) == int(e.threshold) {
				break
			}
		}
	}
	if len(commitments) < int(e.threshold) {
		return CeremonyResult{Phase: PhaseAborted, AbortReason: "below-threshold commitments", RoundTrips: roundTrips}
	}

	// Round 2: collect shares.
	roundTrips++
	ncList := make([]NonceCommitment, 0, len(commitments))
	for _, nc := range commitments {
		ncList = append(ncList, nc)
	}
	sp := NewSigningPackage(ConsensusMessage(consensusID, prestateHash, resultID), ncList)
	req := SignRequest{Epoch: e.epoch, ConsensusID: consensusID, PrestateHash: prestateHash, ResultID: resultID, Package: sp}

	var accepted []SignatureShare
	var signers []uint16
	for a := range commitments {
		w := e.witnesses[a]
		resp, err := w.HandleSignRequest(req)
		if err != nil {
			logrus.Warnf("ceremony: witness %s round 2 failed: %v", a, err)
			continue
		}
		if err := e.tracker.RecordShare(e.context, a, resp.Share, consensusID, prestateHash, resp.ResultID, e.clock()); err != nil {
			logrus.Warnf("ceremony: %v", err)
			continue
		}
		if err := VerifyShare(resp.Share, e.pkg, sp); err != nil {
			// A bad share demotes only that witness.
			e.demoted[a] = true
			logrus.Warnf("ceremony: demoting witness %s: %v", a, err)
			continue
		}
		accepted = append(accepted, resp.Share)
		signers = append(signers, resp.Share.Signer)
		if resp.NextCommitment != nil {
			if err := e.cache.Put(a, *resp.NextCommitment, e.epoch); err != nil {
				logrus.Debugf("ceremony: pipelined commitment dropped: %v", err)
			}
		}
	}

	if len(accepted) < int(e.threshold) {
		return CeremonyResult{Phase: PhaseAborted, AbortReason: "below-threshold shares", RoundTrips: roundTrips}
	}
	sig, err := Aggregate(accepted, e.pkg, sp)
	if err != nil {
		return CeremonyResult{Phase: PhaseAborted, AbortReason: err.Error(), RoundTrips: roundTrips}
	}
	sort.Slice(signers, func(a, b int) bool { return signers[a] < signers[b] })
	return CeremonyResult{
		Phase: PhaseCommitted,
		Commit: &CommitFact{
			ConsensusID:  consensusID,
			PrestateHash: prestateHash,
			ResultID:     resultID,
			Signers:      signers,
			Signature:    sig,
		},
		RoundTrips: roundTrips,
	}
}

// VerifyCommit checks a commit fact's aggregate signature against the group
// verification key. Tree application delegates here for AttestedOps.
func VerifyCommit(c CommitFact, pkg *PublicKeyPackage) error {
	msg := ConsensusMessage(c.ConsensusID, c.PrestateHash, c.ResultID)
	if len(c.Signature) != 64 {
		return fmt.Errorf("%w: signature length %d", ErrInvalid, len(c.Signature))
	}
	if !ed25519.Verify(pkg.GroupKey, msg, c.Signature) {
		return fmt.Errorf("%w: commit signature", ErrAuthorizationFailed)
	}
	return nil
}
