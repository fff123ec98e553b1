package core

// sync.go – journal synchronization and anti-entropy.
//
// Pairwise sync exchanges fact digests, then transfers the missing facts.
// Digest rounds are bounded and time-limited; when the digests still differ
// after the maximum round count the session aborts with ErrPartitioned, and
// when the last round itself fails, its error is returned. Two participants that complete a
// sync without partition hold equal fact sets afterwards. Equivocation
// proofs arriving during sync are merged as evidence like any other fact.

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SyncConfig mirrors the sync.* configuration block.
type SyncConfig struct {
	BatchSize         int           `mapstructure:"batch_size"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxConcurrent     int           `mapstructure:"max_concurrent"`
	RetryEnabled      bool          `mapstructure:"retry_enabled"`
	ApprovalThreshold int           `mapstructure:"approval_threshold"`
	QuorumSize        int           `mapstructure:"quorum_size"`
	MaxRounds         int           `mapstructure:"max_rounds"`
}

// DefaultSyncConfig returns workable defaults.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		BatchSize:         256,
		Timeout:           5 * time.Second,
		MaxConcurrent:     4,
		RetryEnabled:      true,
		ApprovalThreshold: 2,
		QuorumSize:        3,
		MaxRounds:         8,
	}
}

//---------------------------------------------------------------------
// Wire messages
//---------------------------------------------------------------------

// SyncDigest advertises a journal's fact hashes for one round.
type SyncDigest struct {
	Context ContextId `cbor:"1,keyasint"`
	Round   int       `cbor:"2,keyasint"`
	Hashes  []Hash32  `cbor:"3,keyasint"`
}

// SyncWant requests the facts behind the listed hashes.
type SyncWant struct {
	Context ContextId `cbor:"1,keyasint"`
	Hashes  []Hash32  `cbor:"2,keyasint"`
}

// SyncFacts transfers requested facts.
type SyncFacts struct {
	Context ContextId `cbor:"1,keyasint"`
	Facts   []Fact    `cbor:"2,keyasint"`
}

//---------------------------------------------------------------------
// Peer abstraction
//---------------------------------------------------------------------

// SyncPeer is the remote side of a sync session.
type SyncPeer interface {
	// Digest returns the peer's current fact hashes for the context.
	Digest(ctx context.Context, contextID ContextId) (SyncDigest, error)
	// Fetch returns the facts behind the given hashes.
	Fetch(ctx context.Context, want SyncWant) (SyncFacts, error)
	// Offer pushes facts to the peer; the peer merges them.
	Offer(ctx context.Context, facts SyncFacts) error
}

// LocalSyncPeer adapts a local journal as a SyncPeer, used in-process and by
// tests.
type LocalSyncPeer struct {
	Journal *Journal
}

func (p *LocalSyncPeer) Digest(_ context.Context, contextID ContextId) (SyncDigest, error) {
	return SyncDigest{Context: contextID, Hashes: p.Journal.Hashes()}, nil
}

func (p *LocalSyncPeer) Fetch(_ context.Context, want SyncWant) (SyncFacts, error) {
	out := SyncFacts{Context: want.Context}
	for _, h := range want.Hashes {
		if f, ok := p.Journal.Get(h); ok {
			out.Facts = append(out.Facts, f)
		}
	}
	return out, nil
}

func (p *LocalSyncPeer) Offer(_ context.Context, facts SyncFacts) error {
	for _, f := range facts.Facts {
		if err := p.Journal.Append(f); err != nil {
			logrus.Warnf("sync offer: fact rejected: %v", err)
		}
	}
	return nil
}

//---------------------------------------------------------------------
// Session
//---------------------------------------------------------------------

func missingHashes(have map[Hash32]bool, theirs []Hash32) []Hash32 {
	var out []Hash32
	for _, h := range theirs {
		if !have[h] {
			out = append(out, h)
		}
	}
	return out
}

// SyncJournal runs a bounded pairwise sync of the local journal against the
// peer. Both sides converge to the union when no partition interrupts.
func SyncJournal(ctx context.Context, local *Journal, contextID ContextId, peer SyncPeer, cfg SyncConfig) error {
	for round := 0; round < cfg.MaxRounds; round++ {
		roundCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		err := syncRound(roundCtx, local, contextID, peer, cfg, round)
		cancel()
		if err != nil {
			if cfg.RetryEnabled && round < cfg.MaxRounds-1 {
				logrus.Warnf("sync round %d failed, retrying: %v", round, err)
				continue
			}
			return err
		}
		// Converged when the digests match.
		theirs, err := peer.Digest(ctx, contextID)
		if err != nil {
			return fmt.Errorf("%w: digest: %v", ErrNetwork, err)
		}
		have := make(map[Hash32]bool)
		for _, h := range local.Hashes() {
			have[h] = true
		}
		if len(missingHashes(have, theirs.Hashes)) == 0 && len(theirs.Hashes) == len(have) {
			return nil
		}
	}
	return fmt.Errorf("%w: sync exceeded %d rounds", ErrPartitioned, cfg.MaxRounds)
}

func syncRound(ctx context.Context, local *Journal, contextID ContextId, peer SyncPeer, cfg SyncConfig, round int) error {
	theirs, err := peer.Digest(ctx, contextID)
	if err != nil {
		return fmt.Errorf("%w: digest: %v", ErrNetwork, err)
	}
	have := make(map[Hash32]bool)
	for _, h := range local.Hashes() {
		have[h] = true
	}

	// Pull what we miss, batched.
	want := missingHashes(have, theirs.Hashes)
	for start := 0; start < len(want); start += cfg.BatchSize {
		end := start + cfg.BatchSize
		if end > len(want) {
			end = len(want)
		}
		facts, err := peer.Fetch(ctx, SyncWant{Context: contextID, Hashes: want[start:end]})
		if err != nil {
			return fmt.Errorf("%w: fetch: %v", ErrNetwork, err)
		}
		for _, f := range facts.Facts {
			if err := local.Append(f); err != nil {
				// An unverifiable fact is the peer's problem; an
				// equivocation proof is evidence, merged like any fact.
				logrus.Warnf("sync round %d: fact rejected: %v", round, err)
			}
		}
	}

	// Push what they miss, batched.
	theirSet := make(map[Hash32]bool, len(theirs.Hashes))
	for _, h := range theirs.Hashes {
		theirSet[h] = true
	}
	var offer []Fact
	for _, h := range local.Hashes() {
		if !theirSet[h] {
			if f, ok := local.Get(h); ok {
				offer = append(offer, f)
			}
		}
	}
	for start := 0; start < len(offer); start += cfg.BatchSize {
		end := start + cfg.BatchSize
		if end > len(offer) {
			end = len(offer)
		}
		if err := peer.Offer(ctx, SyncFacts{Context: contextID, Facts: offer[start:end]}); err != nil {
			return fmt.Errorf("%w: offer: %v", ErrNetwork, err)
		}
	}
	return nil
}

//---------------------------------------------------------------------
// Manager
//---------------------------------------------------------------------

// SyncManager fans out sync sessions across peers with bounded concurrency.
type SyncManager struct {
	effects EffectSystem
	cfg     SyncConfig
}

// NewSyncManager binds the manager.
func NewSyncManager(effects EffectSystem, cfg SyncConfig) *SyncManager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &SyncManager{effects: effects, cfg: cfg}
}

// SyncContext synchronizes one context journal against every peer. Peer
// failures are logged, not fatal: a partitioned peer catches up on heal.
func (m *SyncManager) SyncContext(ctx context.Context, contextID ContextId, peers []SyncPeer) error {
	local, err := m.effects.GetJournal(ctx, contextID)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MaxConcurrent)
	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			if err := SyncJournal(gctx, local, contextID, peer, m.cfg); err != nil {
				logrus.Warnf("sync context %s: peer failed: %v", contextID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return m.effects.PersistJournal(ctx, contextID)
}
