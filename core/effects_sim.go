package core

// effects_sim.go – the deterministic testing/simulation effect handlers.
//
// Given the same seed, every effect in this configuration replays
// identically: storage is in-memory, the clock only moves when advanced or
// slept, randomness is a seeded BLAKE3 stream, and transport is an
// in-process hub routing envelopes between simulated devices.

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"lukechampine.com/blake3"
)

//---------------------------------------------------------------------
// Deterministic randomness
//---------------------------------------------------------------------

// DeterministicReader yields a reproducible byte stream from a 32-byte seed.
type DeterministicReader struct {
	mu      sync.Mutex
	seed    [32]byte
	counter uint64
	buf     []byte
}

// NewDeterministicReader creates a stream for the seed.
func NewDeterministicReader(seed [32]byte) *DeterministicReader {
	return &DeterministicReader{seed: seed}
}

func (r *DeterministicReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.buf) < len(p) {
		var block [8]byte
		binary.LittleEndian.PutUint64(block[:], r.counter)
		r.counter++
		h := blake3.New(64, nil)
		h.Write(r.seed[:])
		h.Write(block[:])
		r.buf = append(r.buf, h.Sum(nil)...)
	}
	n := copy(p, r.buf[:len(p)])
	r.buf = r.buf[n:]
	return n, nil
}

//---------------------------------------------------------------------
// Simulation hub
//---------------------------------------------------------------------

// SimHub routes envelopes between simulated devices in-process.
type SimHub struct {
	mu      sync.Mutex
	inboxes map[DeviceId]chan TransportEnvelope
	descs   map[DeviceId]PeerDescriptor
}

// NewSimHub creates an empty hub shared by a set of SimEffectSystems.
func NewSimHub() *SimHub {
	return &SimHub{
		inboxes: make(map[DeviceId]chan TransportEnvelope),
		descs:   make(map[DeviceId]PeerDescriptor),
	}
}

func (h *SimHub) attach(desc PeerDescriptor) chan TransportEnvelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan TransportEnvelope, 256)
	h.inboxes[desc.Device] = ch
	h.descs[desc.Device] = desc
	return ch
}

func (h *SimHub) route(env TransportEnvelope) error {
	h.mu.Lock()
	ch, ok := h.inboxes[env.Destination]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no route to %s", ErrNetwork, env.Destination)
	}
	ch <- env
	return nil
}

func (h *SimHub) peers(self DeviceId) []PeerDescriptor {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]PeerDescriptor, 0, len(h.descs))
	for id, d := range h.descs {
		if id != self {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(a, b int) bool { return string(out[a].Device[:]) < string(out[b].Device[:]) })
	return out
}

//---------------------------------------------------------------------
// SimEffectSystem
//---------------------------------------------------------------------

// SimConfig seeds one simulated device.
type SimConfig struct {
	Seed        [32]byte
	Device      DeviceId
	Authority   AuthorityId
	StartTimeMs uint64
	FlowLimit   uint64
	Epoch       Epoch
}

// SimEffectSystem is the deterministic EffectSystem implementation.
type SimEffectSystem struct {
	cfg SimConfig

	storageMu sync.RWMutex
	storage   map[string][]byte

	timeMu sync.Mutex
	nowMs  uint64

	orderMu      sync.Mutex
	orderCounter uint64

	rng *DeterministicReader

	journalMu sync.Mutex
	journals  map[ContextId]*Journal
	registry  *ReducerRegistry

	ledger *FlowLedger

	hub   *SimHub
	inbox chan TransportEnvelope

	leakMu sync.Mutex
	leaks  map[ObserverClass]float64

	issuerKeys map[AuthorityId][]byte
}

// NewSimEffectSystem builds a simulated device attached to the hub.
func NewSimEffectSystem(cfg SimConfig, hub *SimHub, registry *ReducerRegistry) *SimEffectSystem {
	if cfg.FlowLimit == 0 {
		cfg.FlowLimit = 1_000
	}
	s := &SimEffectSystem{
		cfg:        cfg,
		storage:    make(map[string][]byte),
		nowMs:      cfg.StartTimeMs,
		rng:        NewDeterministicReader(cfg.Seed),
		journals:   make(map[ContextId]*Journal),
		registry:   registry,
		hub:        hub,
		leaks:      make(map[ObserverClass]float64),
		issuerKeys: make(map[AuthorityId][]byte),
	}
	s.ledger = NewFlowLedger(cfg.FlowLimit, cfg.Epoch, func() uint64 { return s.currentMs() })
	if hub != nil {
		s.inbox = hub.attach(PeerDescriptor{Device: cfg.Device, Authority: cfg.Authority})
	}
	return s
}

// Rand exposes the deterministic reader for ceremony nonce generation.
func (s *SimEffectSystem) Rand() *DeterministicReader { return s.rng }

// AdvanceTime moves the simulated clock forward.
func (s *SimEffectSystem) AdvanceTime(ms uint64) {
	s.timeMu.Lock()
	s.nowMs += ms
	s.timeMu.Unlock()
}

func (s *SimEffectSystem) currentMs() uint64 {
	s.timeMu.Lock()
	defer s.timeMu.Unlock()
	return s.nowMs
}

//------------------------------------------------------------------
// StorageEffects
//------------------------------------------------------------------

func (s *SimEffectSystem) Store(_ context.Context, key string, value []byte) error {
	s.storageMu.Lock()
	defer s.storageMu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.storage[key] = cp
	return nil
}

func (s *SimEffectSystem) Retrieve(_ context.Context, key string) ([]byte, bool, error) {
	s.storageMu.RLock()
	defer s.storageMu.RUnlock()
	v, ok := s.storage[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

func (s *SimEffectSystem) Remove(_ context.Context, key string) (bool, error) {
	s.storageMu.Lock()
	defer s.storageMu.Unlock()
	_, ok := s.storage[key]
	delete(s.storage, key)
	return ok, nil
}

func (s *SimEffectSystem) ListKeys(_ context.Context, prefix string) ([]string, error) {
	s.storageMu.RLock()
	defer s.storageMu.RUnlock()
	var out []string
	for k := range s.storage {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *SimEffectSystem) Exists(_ context.Context, key string) (bool, error) {
	s.storageMu.RLock()
	defer s.storageMu.RUnlock()
	_, ok := s.storage[key]
	return ok, nil
}

func (s *SimEffectSystem) StoreBatch(ctx context.Context, kv map[string][]byte) error {
	for k, v := range kv {
		if err := s.Store(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *SimEffectSystem) RetrieveBatch(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, ok, err := s.Retrieve(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

func (s *SimEffectSystem) ClearAll(_ context.Context) error {
	s.storageMu.Lock()
	defer s.storageMu.Unlock()
	s.storage = make(map[string][]byte)
	return nil
}

func (s *SimEffectSystem) Stats(_ context.Context) (StorageStats, error) {
	s.storageMu.RLock()
	defer s.storageMu.RUnlock()
	var bytes int64
	for _, v := range s.storage {
		bytes += int64(len(v))
	}
	return StorageStats{Keys: len(s.storage), TotalBytes: bytes}, nil
}

//------------------------------------------------------------------
// JournalEffects
//------------------------------------------------------------------

func (s *SimEffectSystem) journal(contextID ContextId) *Journal {
	s.journalMu.Lock()
	defer s.journalMu.Unlock()
	j, ok := s.journals[contextID]
	if !ok {
		j = NewJournal("amp/context/"+contextID.String(), s.registry)
		s.journals[contextID] = j
	}
	return j
}

func (s *SimEffectSystem) MergeFacts(_ context.Context, contextID ContextId, facts []Fact) error {
	j := s.journal(contextID)
	for _, f := range facts {
		if err := j.Append(f); err != nil {
			return err
		}
	}
	return nil
}

func (s *SimEffectSystem) GetJournal(_ context.Context, contextID ContextId) (*Journal, error) {
	return s.journal(contextID), nil
}

func (s *SimEffectSystem) PersistJournal(ctx context.Context, contextID ContextId) error {
	raw, err := s.journal(contextID).MarshalBinary()
	if err != nil {
		return err
	}
	return s.Store(ctx, ContextStorageKey(contextID), raw)
}

func (s *SimEffectSystem) RefineCaps(_ context.Context, _ ContextId, caps CapSet) (CapSet, error) {
	return caps, nil
}

func (s *SimEffectSystem) GetFlowBudget(_ context.Context, contextID ContextId, peer DeviceId) (FlowBudget, error) {
	return s.ledger.Budget(contextID, peer), nil
}

func (s *SimEffectSystem) UpdateFlowBudget(_ context.Context, contextID ContextId, peer DeviceId, budget FlowBudget) error {
	s.ledger.SetBudget(contextID, peer, budget)
	return nil
}

func (s *SimEffectSystem) ChargeFlowBudget(_ context.Context, contextID ContextId, peer DeviceId, cost uint64) (Receipt, error) {
	return s.ledger.Charge(contextID, peer, cost)
}

//------------------------------------------------------------------
// Time
//------------------------------------------------------------------

func (s *SimEffectSystem) PhysicalTime(_ context.Context) (PhysicalTime, error) {
	return PhysicalTime{Ms: s.currentMs()}, nil
}

func (s *SimEffectSystem) SleepMs(_ context.Context, ms uint64) error {
	s.AdvanceTime(ms)
	return nil
}

func (s *SimEffectSystem) Now(_ context.Context) time.Time {
	return time.UnixMilli(int64(s.currentMs()))
}

func (s *SimEffectSystem) OrderTime(_ context.Context) (Hash32, error) {
	s.orderMu.Lock()
	defer s.orderMu.Unlock()
	s.orderCounter++
	var block [8]byte
	binary.BigEndian.PutUint64(block[:], s.orderCounter)
	// Counter-prefixed so later stamps sort after earlier ones under the
	// journal's lexicographic clock order; the hashed tail keeps stamps
	// from different devices distinct.
	tail := HashDomain("aura/order", s.cfg.Seed[:], block[:])
	var out Hash32
	copy(out[:8], block[:])
	copy(out[8:], tail[8:])
	return out, nil
}

//------------------------------------------------------------------
// Random
//------------------------------------------------------------------

func (s *SimEffectSystem) RandomBytes(_ context.Context, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := s.rng.Read(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SimEffectSystem) RandomBytes32(ctx context.Context) ([32]byte, error) {
	var out [32]byte
	raw, err := s.RandomBytes(ctx, 32)
	if err != nil {
		return out, err
	}
	copy(out[:], raw)
	return out, nil
}

func (s *SimEffectSystem) RandomUint64(ctx context.Context) (uint64, error) {
	raw, err := s.RandomBytes(ctx, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(raw), nil
}

func (s *SimEffectSystem) RandomUUID(ctx context.Context) (string, error) {
	raw, err := s.RandomBytes(ctx, 16)
	if err != nil {
		return "", err
	}
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

//------------------------------------------------------------------
// Transport
//------------------------------------------------------------------

func (s *SimEffectSystem) SendEnvelope(_ context.Context, env TransportEnvelope) error {
	if s.hub == nil {
		return fmt.Errorf("%w: no hub attached", ErrNetwork)
	}
	return s.hub.route(env)
}

func (s *SimEffectSystem) ReceiveEnvelope(ctx context.Context) (TransportEnvelope, error) {
	if s.inbox == nil {
		return TransportEnvelope{}, fmt.Errorf("%w: no hub attached", ErrNetwork)
	}
	select {
	case env := <-s.inbox:
		return env, nil
	case <-ctx.Done():
		return TransportEnvelope{}, fmt.Errorf("%w: receive", ErrTimeout)
	}
}

func (s *SimEffectSystem) BootstrapDescriptor(_ context.Context) (PeerDescriptor, error) {
	return PeerDescriptor{Device: s.cfg.Device, Authority: s.cfg.Authority}, nil
}

func (s *SimEffectSystem) ListPeers(_ context.Context) ([]PeerDescriptor, error) {
	if s.hub == nil {
		return nil, nil
	}
	return s.hub.peers(s.cfg.Device), nil
}

//------------------------------------------------------------------
// AmpJournalEffects
//------------------------------------------------------------------

func (s *SimEffectSystem) InsertRelationalFact(ctx context.Context, contextID ContextId, f Fact) error {
	return s.MergeFacts(ctx, contextID, []Fact{f})
}

func (s *SimEffectSystem) ChannelState(_ context.Context, contextID ContextId, channel ChannelId) (*ChannelState, error) {
	st := s.journal(contextID).Reduce()
	cs, ok := st.Channels[channelKey(channel)]
	if !ok {
		return nil, fmt.Errorf("%w: channel %s", ErrNotFound, channel)
	}
	return cs, nil
}

func (s *SimEffectSystem) RecordEvidence(ctx context.Context, consensusID Hash32, proof EquivocationProof) error {
	key := EvidenceStorageKey(consensusID)
	existing, _, err := s.Retrieve(ctx, key)
	if err != nil {
		return err
	}
	var proofs []EquivocationProof
	if existing != nil {
		if err := UnmarshalCanonical(existing, &proofs); err != nil {
			return err
		}
	}
	for _, have := range proofs {
		if have.Equal(proof) {
			return nil
		}
	}
	proofs = append(proofs, proof)
	raw, err := MarshalCanonical(proofs)
	if err != nil {
		return err
	}
	return s.Store(ctx, key, raw)
}

func (s *SimEffectSystem) ListEvidence(ctx context.Context, consensusID Hash32) ([]EquivocationProof, error) {
	raw, ok, err := s.Retrieve(ctx, EvidenceStorageKey(consensusID))
	if err != nil || !ok {
		return nil, err
	}
	var proofs []EquivocationProof
	if err := UnmarshalCanonical(raw, &proofs); err != nil {
		return nil, err
	}
	return proofs, nil
}

//------------------------------------------------------------------
// Authorization, flow, leakage
//------------------------------------------------------------------

func (s *SimEffectSystem) VerifyToken(_ context.Context, token *CapabilityToken, operation, scope string) (CapSet, int, error) {
	pub, ok := s.issuerKeys[token.Root.Issuer]
	if !ok {
		return CapSet{}, 0, fmt.Errorf("%w: unknown issuer", ErrAuthorizationFailed)
	}
	if scope == "" {
		scope = operation
	}
	return token.Verify(pub, s.currentMs(), scope)
}

// TrustIssuer registers an authority's verification key for token checks.
func (s *SimEffectSystem) TrustIssuer(a AuthorityId, pub []byte) {
	s.issuerKeys[a] = pub
}

func (s *SimEffectSystem) ChargeFlow(ctx context.Context, contextID ContextId, peer DeviceId, cost uint64) (Receipt, error) {
	return s.ledger.Charge(contextID, peer, cost)
}

func (s *SimEffectSystem) RemainingFlow(_ context.Context, contextID ContextId, peer DeviceId) (uint64, error) {
	return s.ledger.Budget(contextID, peer).Remaining(), nil
}

func (s *SimEffectSystem) RotateBudgets(_ context.Context, newEpoch Epoch) error {
	s.ledger.Rotate(newEpoch)
	return nil
}

func (s *SimEffectSystem) RecordLeakage(_ context.Context, ev LeakageEvent) error {
	s.leakMu.Lock()
	defer s.leakMu.Unlock()
	s.leaks[ev.Observer] += ev.Bits
	return nil
}

func (s *SimEffectSystem) LeakageSpent(_ context.Context, observer ObserverClass) (float64, error) {
	s.leakMu.Lock()
	defer s.leakMu.Unlock()
	return s.leaks[observer], nil
}

//---------------------------------------------------------------------
// Storage key layout
//---------------------------------------------------------------------

// ContextStorageKey is the persisted-journal key for a context.
func ContextStorageKey(contextID ContextId) string {
	return "amp/context/" + contextID.hexBody()
}

// EvidenceStorageKey is the evidence-record key for a consensus id.
func EvidenceStorageKey(consensusID Hash32) string {
	return "amp/evidence/" + consensusID.Hex()
}

// SnapshotStorageKey keys per-account snapshot blobs by (account, epoch).
func SnapshotStorageKey(account AccountId, epoch Epoch) string {
	return fmt.Sprintf("snapshot/%s/%d", account, uint64(epoch))
}

func (c ContextId) hexBody() string {
	return strings.TrimPrefix(c.String(), "ctx:")
}

func channelKey(ch ChannelId) string {
	return strings.TrimPrefix(ch.String(), "chan:")
}
