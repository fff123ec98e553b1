package core

// lan_discovery.go – UDP broadcast peer discovery.
//
// An enabled agent announces its peer descriptor on the configured broadcast
// address at a fixed interval and listens on the same port for other
// descriptors. Discovered peers feed the transport's dial path.

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LanDiscoveryConfig mirrors the lan_discovery.* configuration block.
type LanDiscoveryConfig struct {
	Port               int    `mapstructure:"port"`
	AnnounceIntervalMs int    `mapstructure:"announce_interval_ms"`
	Enabled            bool   `mapstructure:"enabled"`
	BindAddr           string `mapstructure:"bind_addr"`
	BroadcastAddr      string `mapstructure:"broadcast_addr"`
}

// DefaultLanDiscoveryConfig returns the disabled default.
func DefaultLanDiscoveryConfig() LanDiscoveryConfig {
	return LanDiscoveryConfig{
		Port:               47201,
		AnnounceIntervalMs: 1000,
		BindAddr:           "0.0.0.0",
		BroadcastAddr:      "255.255.255.255",
	}
}

// LanDiscovery announces and collects peer descriptors on a LAN segment.
type LanDiscovery struct {
	cfg   LanDiscoveryConfig
	self  PeerDescriptor
	mu    sync.RWMutex
	peers map[DeviceId]PeerDescriptor
	conn  *net.UDPConn
	stop  chan struct{}
	once  sync.Once
}

// NewLanDiscovery builds a discovery service announcing the given descriptor.
func NewLanDiscovery(cfg LanDiscoveryConfig, self PeerDescriptor) *LanDiscovery {
	return &LanDiscovery{
		cfg:   cfg,
		self:  self,
		peers: make(map[DeviceId]PeerDescriptor),
		stop:  make(chan struct{}),
	}
}

// Start binds the listen socket and launches the announce and listen loops.
func (d *LanDiscovery) Start() error {
	if !d.cfg.Enabled {
		return nil
	}
	addr := &net.UDPAddr{IP: net.ParseIP(d.cfg.BindAddr), Port: d.cfg.Port}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("%w: lan listen %s:%d: %v", ErrNetwork, d.cfg.BindAddr, d.cfg.Port, err)
	}
	d.conn = conn
	go d.listenLoop()
	go d.announceLoop()
	logrus.Infof("lan discovery on port %d, announcing every %dms", d.cfg.Port, d.cfg.AnnounceIntervalMs)
	return nil
}

func (d *LanDiscovery) announceLoop() {
	target := &net.UDPAddr{IP: net.ParseIP(d.cfg.BroadcastAddr), Port: d.cfg.Port}
	ticker := time.NewTicker(time.Duration(d.cfg.AnnounceIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			raw, err := MarshalCanonical(d.self)
			if err != nil {
				continue
			}
			if _, err := d.conn.WriteToUDP(raw, target); err != nil {
				logrus.Debugf("lan announce: %v", err)
			}
		}
	}
}

func (d *LanDiscovery) listenLoop() {
	buf := make([]byte, 2048)
	for {
		select {
		case <-d.stop:
			return
		default:
		}
		_ = d.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, src, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		var desc PeerDescriptor
		if err := UnmarshalCanonical(buf[:n], &desc); err != nil {
			continue
		}
		if desc.Device == d.self.Device {
			continue
		}
		// Announcements carry no routable port for the announcer's TCP
		// listener when behind NAT; prefer the advertised address, fall
		// back to the datagram source.
		if desc.Address == "" {
			desc.Address = src.IP.String()
		}
		d.mu.Lock()
		_, known := d.peers[desc.Device]
		d.peers[desc.Device] = desc
		d.mu.Unlock()
		if !known {
			logrus.Infof("lan discovery: found peer %s at %s", desc.Device, desc.Address)
		}
	}
}

// Peers returns the descriptors discovered so far.
func (d *LanDiscovery) Peers() []PeerDescriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]PeerDescriptor, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p)
	}
	return out
}

// Lookup returns a discovered peer by authority.
func (d *LanDiscovery) Lookup(authority AuthorityId) (PeerDescriptor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, p := range d.peers {
		if p.Authority == authority {
			return p, true
		}
	}
	return PeerDescriptor{}, false
}

// Stop shuts down the loops and closes the socket.
func (d *LanDiscovery) Stop() {
	d.once.Do(func() {
		close(d.stop)
		if d.conn != nil {
			_ = d.conn.Close()
		}
	})
}
