package core

import (
	"fmt"
	"net"
	"testing"
	"time"
)

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("probe port: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	_ = conn.Close()
	return port
}

func TestLanDiscoveryReceivesAnnouncements(t *testing.T) {
	port := freeUDPPort(t)
	self := PeerDescriptor{
		Device:    DeviceIdFromEntropy(entropyBytes(1)),
		Authority: AuthorityIdFromEntropy(entropyBytes(1)),
		Address:   "127.0.0.1:9001",
	}
	cfg := LanDiscoveryConfig{
		Port:               port,
		AnnounceIntervalMs: 100,
		Enabled:            true,
		BindAddr:           "127.0.0.1",
		BroadcastAddr:      "127.0.0.1",
	}
	d := NewLanDiscovery(cfg, self)
	if err := d.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	// A second agent announces directly to the listen socket.
	peer := PeerDescriptor{
		Device:    DeviceIdFromEntropy(entropyBytes(2)),
		Authority: AuthorityIdFromEntropy(entropyBytes(2)),
		Address:   "127.0.0.1:9002",
	}
	raw, err := MarshalCanonical(peer)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	conn, err := net.Dial("udp4", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := conn.Write(raw); err != nil {
			t.Fatalf("announce: %v", err)
		}
		if _, ok := d.Lookup(peer.Authority); ok {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	got, ok := d.Lookup(peer.Authority)
	if !ok {
		t.Fatalf("peer not discovered")
	}
	if got.Device != peer.Device || got.Address != "127.0.0.1:9002" {
		t.Fatalf("descriptor mangled: %+v", got)
	}
	if len(d.Peers()) != 1 {
		t.Fatalf("peers=%d want 1", len(d.Peers()))
	}
}

func TestLanDiscoveryIgnoresSelf(t *testing.T) {
	port := freeUDPPort(t)
	self := PeerDescriptor{
		Device:    DeviceIdFromEntropy(entropyBytes(1)),
		Authority: AuthorityIdFromEntropy(entropyBytes(1)),
	}
	cfg := LanDiscoveryConfig{
		Port:               port,
		AnnounceIntervalMs: 50,
		Enabled:            true,
		BindAddr:           "127.0.0.1",
		BroadcastAddr:      "127.0.0.1",
	}
	d := NewLanDiscovery(cfg, self)
	if err := d.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	// Our own announcements loop back on 127.0.0.1 and must be dropped.
	time.Sleep(300 * time.Millisecond)
	if n := len(d.Peers()); n != 0 {
		t.Fatalf("discovered self: %d peers", n)
	}
}

func TestLanDiscoveryDisabledIsNoop(t *testing.T) {
	d := NewLanDiscovery(LanDiscoveryConfig{Enabled: false}, PeerDescriptor{})
	if err := d.Start(); err != nil {
		t.Fatalf("disabled start: %v", err)
	}
	d.Stop()
}
