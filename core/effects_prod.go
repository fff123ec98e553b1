package core

// effects_prod.go – the production effect handlers.
//
// Storage is a file-backed k/v store under storage.base_path (atomic
// rename writes, escaped keys), time is the wall clock, randomness is
// crypto/rand, and transport is the authenticated TCP stack. The trait
// surface is identical to the simulation configuration; binding happens via
// EffectSystemBuilder at process start.

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

//---------------------------------------------------------------------
// File-backed storage
//---------------------------------------------------------------------

// FileStore persists values as individual files under a base directory.
// Keys are escaped so slash-separated namespaces map to directories.
type FileStore struct {
	base string
	mu   sync.RWMutex
}

// NewFileStore creates the base directory if needed.
func NewFileStore(base string) (*FileStore, error) {
	if err := os.MkdirAll(base, 0o700); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %v", ErrStorage, base, err)
	}
	return &FileStore{base: base}, nil
}

func (f *FileStore) path(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = escapeKeyPart(p)
	}
	return filepath.Join(append([]string{f.base}, parts...)...)
}

func escapeKeyPart(p string) string {
	// Dot-only parts would walk out of the base directory.
	if p == "." || p == ".." {
		return strings.ReplaceAll(p, ".", "%2e")
	}
	var b strings.Builder
	for _, r := range p {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.', r == ':':
			b.WriteRune(r)
		default:
			b.WriteString(fmt.Sprintf("%%%02x", r))
		}
	}
	return b.String()
}

// Store writes atomically: temp file then rename.
func (f *FileStore) Store(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := f.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func (f *FileStore) Retrieve(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	raw, err := os.ReadFile(f.path(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return raw, true, nil
}

func (f *FileStore) Remove(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(f.path(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return true, nil
}

func (f *FileStore) ListKeys(_ context.Context, prefix string) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []string
	err := filepath.Walk(f.base, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || strings.HasSuffix(path, ".tmp") {
			return err
		}
		rel, err := filepath.Rel(f.base, path)
		if err != nil {
			return err
		}
		key := unescapeKey(filepath.ToSlash(rel))
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	sort.Strings(out)
	return out, nil
}

func unescapeKey(k string) string {
	var b strings.Builder
	for i := 0; i < len(k); i++ {
		if k[i] == '%' && i+2 < len(k) {
			if raw, err := hex.DecodeString(k[i+1 : i+3]); err == nil {
				b.WriteByte(raw[0])
				i += 2
				continue
			}
		}
		b.WriteByte(k[i])
	}
	return b.String()
}

func (f *FileStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := f.Retrieve(ctx, key)
	return ok, err
}

func (f *FileStore) StoreBatch(ctx context.Context, kv map[string][]byte) error {
	for k, v := range kv {
		if err := f.Store(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}

func (f *FileStore) RetrieveBatch(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, ok, err := f.Retrieve(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

func (f *FileStore) ClearAll(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.RemoveAll(f.base); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return os.MkdirAll(f.base, 0o700)
}

func (f *FileStore) Stats(ctx context.Context) (StorageStats, error) {
	keys, err := f.ListKeys(ctx, "")
	if err != nil {
		return StorageStats{}, err
	}
	var bytes int64
	for _, k := range keys {
		if v, ok, _ := f.Retrieve(ctx, k); ok {
			bytes += int64(len(v))
		}
	}
	return StorageStats{Keys: len(keys), TotalBytes: bytes}, nil
}

//---------------------------------------------------------------------
// ProdEffectSystem
//---------------------------------------------------------------------

// ProdConfig binds the production handlers.
type ProdConfig struct {
	Device    DeviceId
	Authority AuthorityId
	BasePath  string
	FlowLimit uint64
	Epoch     Epoch
}

// ProdEffectSystem is the OS-backed EffectSystem implementation.
type ProdEffectSystem struct {
	cfg   ProdConfig
	store *FileStore

	journalMu sync.Mutex
	journals  map[ContextId]*Journal
	registry  *ReducerRegistry

	ledger    *FlowLedger
	transport *TCPTransport

	orderMu      sync.Mutex
	orderCounter uint64
	orderSalt    [32]byte

	leakMu sync.Mutex
	leaks  map[ObserverClass]float64

	issuerKeys map[AuthorityId][]byte
}

// NewProdEffectSystem opens the file store and assembles the handlers. The
// transport may be nil for storage-only processes.
func NewProdEffectSystem(cfg ProdConfig, registry *ReducerRegistry, transport *TCPTransport) (*ProdEffectSystem, error) {
	store, err := NewFileStore(cfg.BasePath)
	if err != nil {
		return nil, err
	}
	if cfg.FlowLimit == 0 {
		cfg.FlowLimit = 10_000
	}
	p := &ProdEffectSystem{
		cfg:        cfg,
		store:      store,
		journals:   make(map[ContextId]*Journal),
		registry:   registry,
		transport:  transport,
		leaks:      make(map[ObserverClass]float64),
		issuerKeys: make(map[AuthorityId][]byte),
	}
	if _, err := rand.Read(p.orderSalt[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	p.ledger = NewFlowLedger(cfg.FlowLimit, cfg.Epoch, func() uint64 { return uint64(time.Now().UnixMilli()) })
	return p, nil
}

//------------------------------------------------------------------
// StorageEffects – delegated to the file store
//------------------------------------------------------------------

func (p *ProdEffectSystem) Store(ctx context.Context, key string, value []byte) error {
	return p.store.Store(ctx, key, value)
}
func (p *ProdEffectSystem) Retrieve(ctx context.Context, key string) ([]byte, bool, error) {
	return p.store.Retrieve(ctx, key)
}
func (p *ProdEffectSystem) Remove(ctx context.Context, key string) (bool, error) {
	return p.store.Remove(ctx, key)
}
func (p *ProdEffectSystem) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	return p.store.ListKeys(ctx, prefix)
}
func (p *ProdEffectSystem) Exists(ctx context.Context, key string) (bool, error) {
	return p.store.Exists(ctx, key)
}
func (p *ProdEffectSystem) StoreBatch(ctx context.Context, kv map[string][]byte) error {
	return p.store.StoreBatch(ctx, kv)
}
func (p *ProdEffectSystem) RetrieveBatch(ctx context.Context, keys []string) (map[string][]byte, error) {
	return p.store.RetrieveBatch(ctx, keys)
}
func (p *ProdEffectSystem) ClearAll(ctx context.Context) error { return p.store.ClearAll(ctx) }
func (p *ProdEffectSystem) Stats(ctx context.Context) (StorageStats, error) {
	return p.store.Stats(ctx)
}

//------------------------------------------------------------------
// JournalEffects
//------------------------------------------------------------------

func (p *ProdEffectSystem) journal(ctx context.Context, contextID ContextId) (*Journal, error) {
	p.journalMu.Lock()
	defer p.journalMu.Unlock()
	j, ok := p.journals[contextID]
	if ok {
		return j, nil
	}
	raw, found, err := p.store.Retrieve(ctx, ContextStorageKey(contextID))
	if err != nil {
		return nil, err
	}
	if found {
		j, err = LoadJournal(raw, p.registry, nil)
		if err != nil {
			return nil, err
		}
	} else {
		j = NewJournal("amp/context/"+contextID.String(), p.registry)
	}
	p.journals[contextID] = j
	return j, nil
}

func (p *ProdEffectSystem) MergeFacts(ctx context.Context, contextID ContextId, facts []Fact) error {
	j, err := p.journal(ctx, contextID)
	if err != nil {
		return err
	}
	for _, f := range facts {
		if err := j.Append(f); err != nil {
			return err
		}
	}
	return nil
}

func (p *ProdEffectSystem) GetJournal(ctx context.Context, contextID ContextId) (*Journal, error) {
	return p.journal(ctx, contextID)
}

func (p *ProdEffectSystem) PersistJournal(ctx context.Context, contextID ContextId) error {
	j, err := p.journal(ctx, contextID)
	if err != nil {
		return err
	}
	raw, err := j.MarshalBinary()
	if err != nil {
		return err
	}
	return p.store.Store(ctx, ContextStorageKey(contextID), raw)
}

func (p *ProdEffectSystem) RefineCaps(_ context.Context, _ ContextId, caps CapSet) (CapSet, error) {
	return caps, nil
}

func (p *ProdEffectSystem) GetFlowBudget(_ context.Context, contextID ContextId, peer DeviceId) (FlowBudget, error) {
	return p.ledger.Budget(contextID, peer), nil
}

func (p *ProdEffectSystem) UpdateFlowBudget(_ context.Context, contextID ContextId, peer DeviceId, budget FlowBudget) error {
	p.ledger.SetBudget(contextID, peer, budget)
	return nil
}

func (p *ProdEffectSystem) ChargeFlowBudget(_ context.Context, contextID ContextId, peer DeviceId, cost uint64) (Receipt, error) {
	return p.ledger.Charge(contextID, peer, cost)
}

//------------------------------------------------------------------
// Time, random
//------------------------------------------------------------------

func (p *ProdEffectSystem) PhysicalTime(_ context.Context) (PhysicalTime, error) {
	return PhysicalTime{Ms: uint64(time.Now().UnixMilli())}, nil
}

func (p *ProdEffectSystem) SleepMs(ctx context.Context, ms uint64) error {
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: sleep", ErrTimeout)
	}
}

func (p *ProdEffectSystem) Now(_ context.Context) time.Time { return time.Now() }

func (p *ProdEffectSystem) OrderTime(_ context.Context) (Hash32, error) {
	p.orderMu.Lock()
	defer p.orderMu.Unlock()
	p.orderCounter++
	var block [16]byte
	binary.BigEndian.PutUint64(block[:8], uint64(time.Now().UnixNano()))
	binary.BigEndian.PutUint64(block[8:], p.orderCounter)
	// Time-and-counter prefixed for lexicographic monotonicity; hashed
	// tail disambiguates devices sharing a nanosecond.
	tail := HashDomain("aura/order", p.orderSalt[:], block[:])
	var out Hash32
	copy(out[:16], block[:])
	copy(out[16:], tail[16:])
	return out, nil
}

func (p *ProdEffectSystem) RandomBytes(_ context.Context, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return out, nil
}

func (p *ProdEffectSystem) RandomBytes32(ctx context.Context) ([32]byte, error) {
	var out [32]byte
	raw, err := p.RandomBytes(ctx, 32)
	if err != nil {
		return out, err
	}
	copy(out[:], raw)
	return out, nil
}

func (p *ProdEffectSystem) RandomUint64(ctx context.Context) (uint64, error) {
	raw, err := p.RandomBytes(ctx, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(raw), nil
}

func (p *ProdEffectSystem) RandomUUID(_ context.Context) (string, error) {
	return uuid.NewString(), nil
}

//------------------------------------------------------------------
// Transport – delegated to the TCP stack
//------------------------------------------------------------------

func (p *ProdEffectSystem) SendEnvelope(ctx context.Context, env TransportEnvelope) error {
	if p.transport == nil {
		return fmt.Errorf("%w: no transport bound", ErrNetwork)
	}
	return p.transport.SendEnvelope(ctx, env)
}

func (p *ProdEffectSystem) ReceiveEnvelope(ctx context.Context) (TransportEnvelope, error) {
	if p.transport == nil {
		return TransportEnvelope{}, fmt.Errorf("%w: no transport bound", ErrNetwork)
	}
	return p.transport.ReceiveEnvelope(ctx)
}

func (p *ProdEffectSystem) BootstrapDescriptor(ctx context.Context) (PeerDescriptor, error) {
	if p.transport == nil {
		return PeerDescriptor{Device: p.cfg.Device, Authority: p.cfg.Authority}, nil
	}
	return p.transport.BootstrapDescriptor(ctx)
}

func (p *ProdEffectSystem) ListPeers(ctx context.Context) ([]PeerDescriptor, error) {
	if p.transport == nil {
		return nil, nil
	}
	return p.transport.ListPeers(ctx)
}

//------------------------------------------------------------------
// AmpJournalEffects
//------------------------------------------------------------------

func (p *ProdEffectSystem) InsertRelationalFact(ctx context.Context, contextID ContextId, f Fact) error {
	if err := p.MergeFacts(ctx, contextID, []Fact{f}); err != nil {
		return err
	}
	return p.PersistJournal(ctx, contextID)
}

func (p *ProdEffectSystem) ChannelState(ctx context.Context, contextID ContextId, channel ChannelId) (*ChannelState, error) {
	j, err := p.journal(ctx, contextID)
	if err != nil {
		return nil, err
	}
	st := j.Reduce()
	cs, ok := st.Channels[channelKey(channel)]
	if !ok {
		return nil, fmt.Errorf("%w: channel %s", ErrNotFound, channel)
	}
	return cs, nil
}

func (p *ProdEffectSystem) RecordEvidence(ctx context.Context, consensusID Hash32, proof EquivocationProof) error {
	key := EvidenceStorageKey(consensusID)
	existing, _, err := p.Retrieve(ctx, key)
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
	logrus.Warnf("evidence recorded for consensus %s: witness %s equivocated", consensusID, proof.Witness)
	return p.Store(ctx, key, raw)
}

func (p *ProdEffectSystem) ListEvidence(ctx context.Context, consensusID Hash32) ([]EquivocationProof, error) {
	raw, ok, err := p.Retrieve(ctx, EvidenceStorageKey(consensusID))
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

// TrustIssuer registers an authority's verification key for token checks.
func (p *ProdEffectSystem) TrustIssuer(a AuthorityId, pub []byte) {
	p.issuerKeys[a] = pub
}

func (p *ProdEffectSystem) VerifyToken(_ context.Context, token *CapabilityToken, operation, scope string) (CapSet, int, error) {
	pub, ok := p.issuerKeys[token.Root.Issuer]
	if !ok {
		return CapSet{}, 0, fmt.Errorf("%w: unknown issuer", ErrAuthorizationFailed)
	}
	if scope == "" {
		scope = operation
	}
	return token.Verify(pub, uint64(time.Now().UnixMilli()), scope)
}

func (p *ProdEffectSystem) ChargeFlow(_ context.Context, contextID ContextId, peer DeviceId, cost uint64) (Receipt, error) {
	return p.ledger.Charge(contextID, peer, cost)
}

func (p *ProdEffectSystem) RemainingFlow(_ context.Context, contextID ContextId, peer DeviceId) (uint64, error) {
	return p.ledger.Budget(contextID, peer).Remaining(), nil
}

func (p *ProdEffectSystem) RotateBudgets(_ context.Context, newEpoch Epoch) error {
	p.ledger.Rotate(newEpoch)
	return nil
}

func (p *ProdEffectSystem) RecordLeakage(_ context.Context, ev LeakageEvent) error {
	p.leakMu.Lock()
	defer p.leakMu.Unlock()
	p.leaks[ev.Observer] += ev.Bits
	return nil
}

func (p *ProdEffectSystem) LeakageSpent(_ context.Context, observer ObserverClass) (float64, error) {
	p.leakMu.Lock()
	defer p.leakMu.Unlock()
	return p.leaks[observer], nil
}

//---------------------------------------------------------------------
// Builder
//---------------------------------------------------------------------

// Compile-time conformance of both configurations.
var (
	_ EffectSystem = (*SimEffectSystem)(nil)
	_ EffectSystem = (*ProdEffectSystem)(nil)
)

// EffectSystemBuilder binds one configuration at process start.
type EffectSystemBuilder struct {
	registry *ReducerRegistry
	sim      *SimConfig
	hub      *SimHub
	prod     *ProdConfig
	trans    *TCPTransport
}

// NewEffectSystemBuilder starts a builder over the reducer registry.
func NewEffectSystemBuilder(registry *ReducerRegistry) *EffectSystemBuilder {
	return &EffectSystemBuilder{registry: registry}
}

// Testing selects the deterministic configuration.
func (b *EffectSystemBuilder) Testing(cfg SimConfig, hub *SimHub) *EffectSystemBuilder {
	b.sim = &cfg
	b.hub = hub
	return b
}

// Production selects the OS-backed configuration.
func (b *EffectSystemBuilder) Production(cfg ProdConfig, transport *TCPTransport) *EffectSystemBuilder {
	b.prod = &cfg
	b.trans = transport
	return b
}

// Build returns the bound effect system.
func (b *EffectSystemBuilder) Build() (EffectSystem, error) {
	switch {
	case b.sim != nil:
		return NewSimEffectSystem(*b.sim, b.hub, b.registry), nil
	case b.prod != nil:
		return NewProdEffectSystem(*b.prod, b.registry, b.trans)
	default:
		return nil, fmt.Errorf("%w: no effect configuration selected", ErrInvalid)
	}
}
