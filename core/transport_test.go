package core

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"testing"
	"time"
)

func transportFixture(t *testing.T, seedByte byte) *TCPTransport {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	seed[0] = seedByte
	key := ed25519.NewKeyFromSeed(seed)
	device := DeviceIdFromEntropy([32]byte{seedByte})
	authority := AuthorityIdFromEntropy([32]byte{seedByte})
	tr := NewTCPTransport(device, authority, key, NewCapSet(CapProtocolExecute), TCPTransportConfig{
		BindAddress: "127.0.0.1:0",
		IdleTimeout: time.Minute,
	})
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestEnvelopeFramingRoundtrip(t *testing.T) {
	env := TransportEnvelope{
		Source:      DeviceIdFromEntropy([32]byte{1}),
		Destination: DeviceIdFromEntropy([32]byte{2}),
		Context:     ContextIdFromEntropy([32]byte{3}),
		Payload:     []byte("framed"),
		Metadata:    map[string]string{"k": "v"},
	}
	var buf bytes.Buffer
	if err := WriteEnvelope(&buf, env); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadEnvelope(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Source != env.Source || got.Destination != env.Destination || got.Context != env.Context {
		t.Fatalf("header fields mangled")
	}
	if !bytes.Equal(got.Payload, env.Payload) {
		t.Fatalf("payload mangled")
	}
	if got.Metadata["k"] != "v" {
		t.Fatalf("metadata mangled")
	}
}

func TestHandshakeAndEnvelopeDelivery(t *testing.T) {
	a := transportFixture(t, 1)
	b := transportFixture(t, 2)
	if err := a.Listen(); err != nil {
		t.Fatalf("listen a: %v", err)
	}
	if err := b.Listen(); err != nil {
		t.Fatalf("listen b: %v", err)
	}

	peer, err := a.Dial(b.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if peer != b.device {
		t.Fatalf("handshake bound wrong device")
	}

	env := TransportEnvelope{
		Source:      a.device,
		Destination: b.device,
		Context:     ContextIdFromEntropy([32]byte{3}),
		Payload:     []byte("lan-envelope-test"),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.SendEnvelope(ctx, env); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := b.ReceiveEnvelope(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if got.Source != a.device || got.Destination != b.device {
		t.Fatalf("source/destination not bit-equal")
	}
	if !bytes.Equal(got.Payload, []byte("lan-envelope-test")) {
		t.Fatalf("payload not bit-equal")
	}
}

func TestHandshakeReplayRejected(t *testing.T) {
	a := transportFixture(t, 1)
	nonce := [32]byte{9}
	resp := a.respond(handshakeChallenge{Nonce: nonce, TimestampMs: 1})

	b := transportFixture(t, 2)
	if err := b.verifyResponse(nonce, resp); err != nil {
		t.Fatalf("first response rejected: %v", err)
	}
	// Replaying the same counter must fail the nonce ledger.
	if err := b.verifyResponse(nonce, resp); err == nil {
		t.Fatalf("replayed handshake accepted")
	}
}

func TestHandshakeBadSignatureRejected(t *testing.T) {
	a := transportFixture(t, 1)
	b := transportFixture(t, 2)
	resp := a.respond(handshakeChallenge{Nonce: [32]byte{9}, TimestampMs: 1})
	resp.Signature[0] ^= 0xff
	if err := b.verifyResponse([32]byte{9}, resp); err == nil {
		t.Fatalf("tampered handshake accepted")
	}
}

func TestBootstrapDescriptorIsCapabilityBlinded(t *testing.T) {
	a := transportFixture(t, 1)
	desc, err := a.BootstrapDescriptor(context.Background())
	if err != nil {
		t.Fatalf("descriptor: %v", err)
	}
	if len(desc.CapBuckets) == 0 {
		t.Fatalf("no capability buckets advertised")
	}
	for _, b := range desc.CapBuckets {
		if b != "protocol" && b != "storage" && b != "admin" && b != "custom" {
			t.Fatalf("bucket %q leaks capability detail", b)
		}
	}
	if desc.CapHash.IsZero() {
		t.Fatalf("capability hash missing")
	}
}
