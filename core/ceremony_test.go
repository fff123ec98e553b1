package core

import (
	"crypto/ed25519"
	"testing"
)

func ceremonySetup(t *testing.T, threshold, signers uint16) (*CeremonyEngine, []*Witness, *PublicKeyPackage) {
	t.Helper()
	shares, pkg := dealerSetup(t, threshold, signers)
	witnesses := make([]*Witness, signers)
	for i, ks := range shares {
		authority := AuthorityIdFromEntropy([32]byte{byte(100 + i)})
		witnesses[i] = NewWitness(authority, ks, pkg, 1, NewDeterministicReader([32]byte{byte(20 + i)}))
	}
	clockMs := uint64(1000)
	engine := NewCeremonyEngine(ContextIdFromEntropy([32]byte{1}), 1, pkg, witnesses, func() uint64 {
		clockMs += 1000
		return clockMs
	})
	return engine, witnesses, pkg
}

// ------------------------------------------------------------
// S5: warm-up then single-RTT steady state
// ------------------------------------------------------------

func TestPipelinedSteadyState(t *testing.T) {
	engine, _, pkg := ceremonySetup(t, 2, 3)

	warm := engine.Run(Hash32{1}, Hash32{2}, Hash32{3})
	if warm.Phase != PhaseCommitted {
		t.Fatalf("warm-up aborted: %s", warm.AbortReason)
	}
	if warm.RoundTrips != 2 {
		t.Fatalf("warm-up rtt=%d want 2", warm.RoundTrips)
	}

	stats := engine.CacheStats()
	if !stats.CanUseFastPath {
		t.Fatalf("fast path not available after warm-up (cached=%d)", stats.CachedCount)
	}

	fast := engine.Run(Hash32{4}, Hash32{5}, Hash32{6})
	if fast.Phase != PhaseCommitted {
		t.Fatalf("fast round aborted: %s", fast.AbortReason)
	}
	if fast.RoundTrips != 1 {
		t.Fatalf("steady-state rtt=%d want 1", fast.RoundTrips)
	}
	if len(fast.Commit.Signers) != 2 {
		t.Fatalf("commit lists %d signers, want exactly the signing witnesses", len(fast.Commit.Signers))
	}
	if !ed25519.Verify(pkg.GroupKey, ConsensusMessage(Hash32{4}, Hash32{5}, Hash32{6}), fast.Commit.Signature) {
		t.Fatalf("fast-path commit does not verify")
	}
}

// ------------------------------------------------------------
// P8: pipelined and unpipelined rounds commit the same result,
// and epoch change flushes all cached nonce material
// ------------------------------------------------------------

func TestPipelinedMatchesUnpipelined(t *testing.T) {
	cid, pre, res := Hash32{10}, Hash32{11}, Hash32{12}

	pipelined, _, pkgA := ceremonySetup(t, 2, 3)
	_ = pipelined.Run(Hash32{1}, Hash32{1}, Hash32{1}) // warm the cache
	fast := pipelined.Run(cid, pre, res)

	fresh, _, pkgB := ceremonySetup(t, 2, 3)
	slow := fresh.Run(cid, pre, res)

	if fast.Phase != PhaseCommitted || slow.Phase != PhaseCommitted {
		t.Fatalf("ceremony aborted")
	}
	if fast.Commit.ConsensusID != slow.Commit.ConsensusID ||
		fast.Commit.PrestateHash != slow.Commit.PrestateHash ||
		fast.Commit.ResultID != slow.Commit.ResultID {
		t.Fatalf("pipelined and unpipelined commits disagree")
	}
	msg := ConsensusMessage(cid, pre, res)
	if !ed25519.Verify(pkgA.GroupKey, msg, fast.Commit.Signature) {
		t.Fatalf("pipelined signature invalid")
	}
	if !ed25519.Verify(pkgB.GroupKey, msg, slow.Commit.Signature) {
		t.Fatalf("unpipelined signature invalid")
	}
}

func TestEpochRotationFlushesCache(t *testing.T) {
	engine, _, _ := ceremonySetup(t, 2, 3)
	_ = engine.Run(Hash32{1}, Hash32{2}, Hash32{3})
	if !engine.CacheStats().CanUseFastPath {
		t.Fatalf("cache not warm")
	}

	engine.RotateEpoch(2)
	stats := engine.CacheStats()
	if stats.CachedCount != 0 {
		t.Fatalf("cache survived rotation: %d entries", stats.CachedCount)
	}
	if stats.Epoch != 2 {
		t.Fatalf("cache epoch=%s want 2", stats.Epoch)
	}

	// First round after the flush is a 2-RTT warm-up again.
	r := engine.Run(Hash32{7}, Hash32{8}, Hash32{9})
	if r.Phase != PhaseCommitted {
		t.Fatalf("post-rotation round aborted: %s", r.AbortReason)
	}
	if r.RoundTrips != 2 {
		t.Fatalf("post-rotation rtt=%d want 2", r.RoundTrips)
	}
}

func TestCommitFactVerification(t *testing.T) {
	engine, _, pkg := ceremonySetup(t, 2, 3)
	r := engine.Run(Hash32{1}, Hash32{2}, Hash32{3})
	if r.Phase != PhaseCommitted {
		t.Fatalf("aborted: %s", r.AbortReason)
	}
	if err := VerifyCommit(*r.Commit, pkg); err != nil {
		t.Fatalf("commit verify: %v", err)
	}
	bad := *r.Commit
	bad.ResultID = Hash32{0xde}
	if err := VerifyCommit(bad, pkg); err == nil {
		t.Fatalf("tampered commit verified")
	}
}
