package core

// peer_management.go – discovery, connection and advertisement helpers
// built around the authenticated transport and LAN discovery.
//
// Public advertisements are capability-blinded: they expose buckets and a
// set hash, never exact permission counts. A full manifest is revealed only
// after a trust handshake with the peer.

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// PeerInfo is the management view of one known peer.
type PeerInfo struct {
	Device     DeviceId
	Authority  AuthorityId
	Address    string
	CapBuckets []string
	CapHash    Hash32
	Trusted    bool
	UpdatedMs  uint64
}

// PeerManagement wraps the transport and discovery services to expose peer
// operations to the agent and the CLI.
type PeerManagement struct {
	transport *TCPTransport
	discovery *LanDiscovery

	mu        sync.RWMutex
	known     map[DeviceId]PeerInfo
	manifests map[DeviceId]CapSet
}

// NewPeerManagement wraps an existing transport; discovery may be nil.
func NewPeerManagement(t *TCPTransport, d *LanDiscovery) *PeerManagement {
	return &PeerManagement{
		transport: t,
		discovery: d,
		known:     make(map[DeviceId]PeerInfo),
		manifests: make(map[DeviceId]CapSet),
	}
}

// AddPeer dials and authenticates the address, recording the peer.
func (pm *PeerManagement) AddPeer(addr string) (DeviceId, error) {
	device, err := pm.transport.Dial(addr)
	if err != nil {
		return DeviceId{}, err
	}
	pm.mu.Lock()
	pm.known[device] = PeerInfo{Device: device, Address: addr, UpdatedMs: uint64(time.Now().UnixMilli())}
	pm.mu.Unlock()
	return device, nil
}

// RemovePeer forgets a peer and drops its channel.
func (pm *PeerManagement) RemovePeer(device DeviceId) {
	pm.transport.dropPeer(device)
	pm.mu.Lock()
	delete(pm.known, device)
	delete(pm.manifests, device)
	pm.mu.Unlock()
}

// ListPeers returns known peers merged with the live transport set, sorted
// by DeviceId.
func (pm *PeerManagement) ListPeers(ctx context.Context) ([]PeerInfo, error) {
	live, err := pm.transport.ListPeers(ctx)
	if err != nil {
		return nil, err
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	merged := make(map[DeviceId]PeerInfo, len(pm.known)+len(live))
	for id, info := range pm.known {
		merged[id] = info
	}
	for _, d := range live {
		info := merged[d.Device]
		info.Device = d.Device
		info.Authority = d.Authority
		if d.Address != "" {
			info.Address = d.Address
		}
		merged[d.Device] = info
	}
	out := make([]PeerInfo, 0, len(merged))
	for _, info := range merged {
		out = append(out, info)
	}
	sort.Slice(out, func(a, b int) bool { return string(out[a].Device[:]) < string(out[b].Device[:]) })
	return out, nil
}

// DiscoverPeers pulls LAN-discovered descriptors into the known set and
// returns everything currently visible.
func (pm *PeerManagement) DiscoverPeers(ctx context.Context) ([]PeerInfo, error) {
	if pm.discovery != nil {
		for _, desc := range pm.discovery.Peers() {
			pm.mu.Lock()
			info := pm.known[desc.Device]
			info.Device = desc.Device
			info.Authority = desc.Authority
			info.Address = desc.Address
			info.CapBuckets = desc.CapBuckets
			info.CapHash = desc.CapHash
			info.UpdatedMs = uint64(time.Now().UnixMilli())
			pm.known[desc.Device] = info
			pm.mu.Unlock()
		}
	}
	return pm.ListPeers(ctx)
}

// RevealManifest records a peer's full capability manifest after a trust
// handshake. The manifest must match the advertised hash.
func (pm *PeerManagement) RevealManifest(device DeviceId, manifest CapSet) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	info, ok := pm.known[device]
	if !ok {
		return fmt.Errorf("%w: peer %s", ErrNotFound, device)
	}
	if !info.CapHash.IsZero() && manifest.Hash() != info.CapHash {
		return fmt.Errorf("%w: manifest does not match advertised hash", ErrAuthorizationFailed)
	}
	pm.manifests[device] = manifest
	info.Trusted = true
	pm.known[device] = info
	logrus.Infof("peer %s manifest revealed: %s", device, manifest)
	return nil
}

// Manifest returns a trusted peer's capability set.
func (pm *PeerManagement) Manifest(device DeviceId) (CapSet, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	m, ok := pm.manifests[device]
	return m, ok
}
