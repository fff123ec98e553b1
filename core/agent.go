package core

// agent.go – assembly of the consensus-journal core into a runnable agent.
//
// An agent owns one device's effect system, context manager, channel
// coordinator, peer management and sync manager. The builder binds either
// the deterministic testing configuration (seeded entropy, in-process hub)
// or the production configuration (file storage, TCP transport, LAN
// discovery).

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// AgentConfig collects the recognized configuration blocks.
type AgentConfig struct {
	Device       DeviceId
	Authority    AuthorityId
	Account      AccountId
	BindAddress  string
	BasePath     string
	LanDiscovery LanDiscoveryConfig
	Sync         SyncConfig
	Epoch        EpochConfig
	FlowLimit    uint64
}

// DefaultAgentConfig returns workable defaults for a production agent.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		BindAddress:  "127.0.0.1:0",
		BasePath:     "./aura-data",
		LanDiscovery: DefaultLanDiscoveryConfig(),
		Sync:         DefaultSyncConfig(),
		Epoch:        DefaultEpochConfig(),
		FlowLimit:    10_000,
	}
}

// AuraAgent is a running device.
type AuraAgent struct {
	cfg      AgentConfig
	effects  EffectSystem
	registry *ReducerRegistry

	contexts  *ContextManager
	channels  *AmpChannelCoordinator
	syncMgr   *SyncManager
	guard     *GuardChain
	peers     *PeerManagement
	transport *TCPTransport
	discovery *LanDiscovery

	deviceKey ed25519.PrivateKey

	mu      sync.Mutex
	started bool
}

// AgentBuilder assembles an agent step by step.
type AgentBuilder struct {
	cfg       AgentConfig
	seed      [32]byte
	seeded    bool
	hub       *SimHub
	deviceKey ed25519.PrivateKey
}

// NewAgentBuilder starts from defaults.
func NewAgentBuilder() *AgentBuilder {
	return &AgentBuilder{cfg: DefaultAgentConfig()}
}

// WithConfig replaces the whole configuration.
func (b *AgentBuilder) WithConfig(cfg AgentConfig) *AgentBuilder {
	b.cfg = cfg
	return b
}

// WithEntropy derives the agent's identifiers and device key from 32 bytes
// of entropy, so seeded agents reproduce across runs.
func (b *AgentBuilder) WithEntropy(entropy [32]byte) *AgentBuilder {
	b.seed = entropy
	b.seeded = true
	b.cfg.Authority = AuthorityIdFromEntropy(entropy)
	b.cfg.Account = AccountIdFromEntropy(entropy)
	b.cfg.Device = DeviceIdFromEntropy(entropy)
	keySeed := HashDomain("aura/device-key", entropy[:])
	b.deviceKey = ed25519.NewKeyFromSeed(keySeed[:])
	return b
}

// WithHub attaches the simulation hub for testing builds.
func (b *AgentBuilder) WithHub(hub *SimHub) *AgentBuilder {
	b.hub = hub
	return b
}

func (b *AgentBuilder) registry() *ReducerRegistry {
	reg := NewReducerRegistry()
	RegisterCoreReducers(reg)
	return reg
}

// BuildTesting binds the deterministic configuration.
func (b *AgentBuilder) BuildTesting() (*AuraAgent, error) {
	if !b.seeded {
		return nil, fmt.Errorf("%w: testing agent needs entropy", ErrInvalid)
	}
	reg := b.registry()
	effects := NewSimEffectSystem(SimConfig{
		Seed:      b.seed,
		Device:    b.cfg.Device,
		Authority: b.cfg.Authority,
		FlowLimit: b.cfg.FlowLimit,
	}, b.hub, reg)
	return b.assemble(effects, reg, nil, nil)
}

// BuildProduction binds the OS-backed configuration and opens the transport.
func (b *AgentBuilder) BuildProduction() (*AuraAgent, error) {
	if b.deviceKey == nil {
		_, key, err := ed25519.GenerateKey(nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInternal, err)
		}
		b.deviceKey = key
	}
	reg := b.registry()
	caps := NewCapSet(CapProtocolExecute, CapStorageWrite, CapStorageRead)
	transport := NewTCPTransport(b.cfg.Device, b.cfg.Authority, b.deviceKey, caps, TCPTransportConfig{
		BindAddress: b.cfg.BindAddress,
	})
	effects, err := NewProdEffectSystem(ProdConfig{
		Device:    b.cfg.Device,
		Authority: b.cfg.Authority,
		BasePath:  b.cfg.BasePath,
		FlowLimit: b.cfg.FlowLimit,
	}, reg, transport)
	if err != nil {
		return nil, err
	}
	var discovery *LanDiscovery
	if b.cfg.LanDiscovery.Enabled {
		discovery = NewLanDiscovery(b.cfg.LanDiscovery, PeerDescriptor{
			Device:     b.cfg.Device,
			Authority:  b.cfg.Authority,
			CapBuckets: caps.CapBuckets(),
			CapHash:    caps.Hash(),
		})
	}
	return b.assemble(effects, reg, transport, discovery)
}

func (b *AgentBuilder) assemble(effects EffectSystem, reg *ReducerRegistry, transport *TCPTransport, discovery *LanDiscovery) (*AuraAgent, error) {
	agent := &AuraAgent{
		cfg:       b.cfg,
		effects:   effects,
		registry:  reg,
		contexts:  NewContextManager(effects, b.cfg.Authority),
		channels:  NewAmpChannelCoordinator(effects, b.cfg.Authority),
		syncMgr:   NewSyncManager(effects, b.cfg.Sync),
		transport: transport,
		discovery: discovery,
		deviceKey: b.deviceKey,
	}
	if transport != nil {
		agent.peers = NewPeerManagement(transport, discovery)
	}
	clock := func() uint64 {
		t, err := effects.PhysicalTime(context.Background())
		if err != nil {
			return 0
		}
		return t.Ms
	}
	ledger := NewFlowLedger(b.cfg.FlowLimit, 0, clock)
	issuers := make(map[AuthorityId]ed25519.PublicKey)
	if b.deviceKey != nil {
		issuers[b.cfg.Authority] = b.deviceKey.Public().(ed25519.PublicKey)
	}
	agent.guard = NewGuardChain(issuers, ledger, NewSystemInterpreter(effects), clock)
	return agent, nil
}

// Effects exposes the bound effect system.
func (a *AuraAgent) Effects() EffectSystem { return a.effects }

// Contexts exposes the relational context manager.
func (a *AuraAgent) Contexts() *ContextManager { return a.contexts }

// Channels exposes the AMP channel coordinator.
func (a *AuraAgent) Channels() *AmpChannelCoordinator { return a.channels }

// Invitations returns the invitation service for a context.
func (a *AuraAgent) Invitations(contextID ContextId) *InvitationService {
	return a.contexts.Invitations(contextID)
}

// Guard exposes the guard chain.
func (a *AuraAgent) Guard() *GuardChain { return a.guard }

// Peers exposes peer management; nil in the testing configuration.
func (a *AuraAgent) Peers() *PeerManagement { return a.peers }

// Sync exposes the sync manager.
func (a *AuraAgent) Sync() *SyncManager { return a.syncMgr }

// DeviceKey returns the agent's Ed25519 signing key.
func (a *AuraAgent) DeviceKey() ed25519.PrivateKey { return a.deviceKey }

// Config returns the agent configuration.
func (a *AuraAgent) Config() AgentConfig { return a.cfg }

// StartServices opens the transport listener and LAN discovery.
func (a *AuraAgent) StartServices() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}
	if a.transport != nil {
		if err := a.transport.Listen(); err != nil {
			return err
		}
	}
	if a.discovery != nil {
		// Advertise the bound transport address once it is known.
		a.discovery.self.Address = a.transport.Addr()
		if err := a.discovery.Start(); err != nil {
			return err
		}
	}
	a.started = true
	logrus.Infof("agent %s started (device %s)", a.cfg.Authority, a.cfg.Device)
	return nil
}

// Ping reports liveness.
func (a *AuraAgent) Ping() string { return "pong" }

// ForceSync synchronizes one context against the given peers immediately.
func (a *AuraAgent) ForceSync(ctx context.Context, contextID ContextId, peers []SyncPeer) error {
	return a.syncMgr.SyncContext(ctx, contextID, peers)
}

// RefreshAccount re-persists the context journals that PersistAll covers.
func (a *AuraAgent) RefreshAccount(ctx context.Context) error {
	return a.contexts.PersistAll(ctx)
}

// Shutdown stops services.
func (a *AuraAgent) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.discovery != nil {
		a.discovery.Stop()
	}
	if a.transport != nil {
		_ = a.transport.Close()
	}
	a.started = false
}
