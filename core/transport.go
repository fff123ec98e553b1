package core

// transport.go – authenticated envelopes over TCP.
//
// Envelopes are framed with a fixed header (magic, source, destination,
// context) followed by a length-prefixed CBOR body carrying payload,
// metadata and the optional flow receipt. On first contact a two-message
// challenge/response handshake binds the remote DeviceId to a verified
// Ed25519 key; replay is prevented by a monotone per-peer nonce ledger.
// Idle channels are reaped after a configurable timeout.

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TransportEnvelope is the unit of transmission between devices.
type TransportEnvelope struct {
	Source      DeviceId          `cbor:"1,keyasint"`
	Destination DeviceId          `cbor:"2,keyasint"`
	Context     ContextId         `cbor:"3,keyasint"`
	Payload     []byte            `cbor:"4,keyasint"`
	Metadata    map[string]string `cbor:"5,keyasint,omitempty"`
	Receipt     *Receipt          `cbor:"6,keyasint,omitempty"`
}

const envelopeMagic = uint32(0x41555241) // "AURA"

type envelopeBody struct {
	Payload  []byte            `cbor:"1,keyasint"`
	Metadata map[string]string `cbor:"2,keyasint,omitempty"`
	Receipt  *Receipt          `cbor:"3,keyasint,omitempty"`
}

// WriteEnvelope frames an envelope onto w.
func WriteEnvelope(w io.Writer, env TransportEnvelope) error {
	body, err := MarshalCanonical(envelopeBody{Payload: env.Payload, Metadata: env.Metadata, Receipt: env.Receipt})
	if err != nil {
		return err
	}
	header := make([]byte, 4+32+32+16+4)
	binary.BigEndian.PutUint32(header[0:4], envelopeMagic)
	copy(header[4:36], env.Source[:])
	copy(header[36:68], env.Destination[:])
	copy(header[68:84], env.Context[:])
	binary.BigEndian.PutUint32(header[84:88], uint32(len(body)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("%w: write header: %v", ErrNetwork, err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("%w: write body: %v", ErrNetwork, err)
	}
	return nil
}

// ReadEnvelope reads one framed envelope from r.
func ReadEnvelope(r io.Reader) (TransportEnvelope, error) {
	header := make([]byte, 4+32+32+16+4)
	if _, err := io.ReadFull(r, header); err != nil {
		return TransportEnvelope{}, fmt.Errorf("%w: read header: %v", ErrNetwork, err)
	}
	if binary.BigEndian.Uint32(header[0:4]) != envelopeMagic {
		return TransportEnvelope{}, fmt.Errorf("%w: bad envelope magic", ErrInvalid)
	}
	var env TransportEnvelope
	copy(env.Source[:], header[4:36])
	copy(env.Destination[:], header[36:68])
	copy(env.Context[:], header[68:84])
	size := binary.BigEndian.Uint32(header[84:88])
	if size > uint32(MaxFactPayloadBytes)*2 {
		return TransportEnvelope{}, fmt.Errorf("%w: envelope body %d bytes", ErrPayloadTooLarge, size)
	}
	raw := make([]byte, size)
	if _, err := io.ReadFull(r, raw); err != nil {
		return TransportEnvelope{}, fmt.Errorf("%w: read body: %v", ErrNetwork, err)
	}
	var body envelopeBody
	if err := UnmarshalCanonical(raw, &body); err != nil {
		return TransportEnvelope{}, err
	}
	env.Payload = body.Payload
	env.Metadata = body.Metadata
	env.Receipt = body.Receipt
	return env, nil
}

//---------------------------------------------------------------------
// Handshake
//---------------------------------------------------------------------

type handshakeChallenge struct {
	Nonce       [32]byte `cbor:"1,keyasint"`
	TimestampMs uint64   `cbor:"2,keyasint"`
}

type handshakeResponse struct {
	Device      DeviceId    `cbor:"1,keyasint"`
	Authority   AuthorityId `cbor:"2,keyasint"`
	PublicKey   []byte      `cbor:"3,keyasint"`
	Counter     uint64      `cbor:"4,keyasint"`
	TimestampMs uint64      `cbor:"5,keyasint"`
	Signature   []byte      `cbor:"6,keyasint"`
}

func responseSigningBytes(nonce [32]byte, counter, ts uint64) []byte {
	buf := make([]byte, 0, 32+16+len("aura/handshake")+1)
	buf = append(buf, []byte("aura/handshake")...)
	buf = append(buf, 0)
	buf = append(buf, nonce[:]...)
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], counter)
	buf = append(buf, n[:]...)
	binary.BigEndian.PutUint64(n[:], ts)
	buf = append(buf, n[:]...)
	return buf
}

func writeFrame(w io.Writer, msgType byte, v interface{}) error {
	raw, err := MarshalCanonical(v)
	if err != nil {
		return err
	}
	head := make([]byte, 5)
	head[0] = msgType
	binary.BigEndian.PutUint32(head[1:5], uint32(len(raw)))
	if _, err := w.Write(head); err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return nil
}

func readFrame(r io.Reader, wantType byte, v interface{}) error {
	head := make([]byte, 5)
	if _, err := io.ReadFull(r, head); err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if head[0] != wantType {
		return fmt.Errorf("%w: frame type %d, want %d", ErrInvalid, head[0], wantType)
	}
	size := binary.BigEndian.Uint32(head[1:5])
	if size > 1<<20 {
		return fmt.Errorf("%w: frame %d bytes", ErrPayloadTooLarge, size)
	}
	raw := make([]byte, size)
	if _, err := io.ReadFull(r, raw); err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return UnmarshalCanonical(raw, v)
}

const (
	frameChallenge = byte(1)
	frameResponse  = byte(2)
	frameEnvelope  = byte(3)
)

//---------------------------------------------------------------------
// Authenticated peer channel
//---------------------------------------------------------------------

type peerChannel struct {
	device    DeviceId
	authority AuthorityId
	publicKey ed25519.PublicKey
	addr      string
	conn      net.Conn
	writeMu   sync.Mutex
	lastSeen  time.Time
}

// TCPTransportConfig tunes the transport.
type TCPTransportConfig struct {
	BindAddress string
	IdleTimeout time.Duration
}

// TCPTransport is the production TransportEffects implementation.
type TCPTransport struct {
	device    DeviceId
	authority AuthorityId
	key       ed25519.PrivateKey
	cfg       TCPTransportConfig

	mu      sync.RWMutex
	ln      net.Listener
	peers   map[DeviceId]*peerChannel
	ledger  map[DeviceId]uint64 // monotone per-peer handshake counters
	counter uint64              // our own outbound counter
	inbox   chan TransportEnvelope
	caps    CapSet
	closed  chan struct{}
}

// NewTCPTransport creates an unbound transport; call Listen to serve.
func NewTCPTransport(device DeviceId, authority AuthorityId, key ed25519.PrivateKey, caps CapSet, cfg TCPTransportConfig) *TCPTransport {
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	return &TCPTransport{
		device:    device,
		authority: authority,
		key:       key,
		cfg:       cfg,
		peers:     make(map[DeviceId]*peerChannel),
		ledger:    make(map[DeviceId]uint64),
		inbox:     make(chan TransportEnvelope, 256),
		caps:      caps,
		closed:    make(chan struct{}),
	}
}

// Listen binds the configured address and serves inbound connections.
func (t *TCPTransport) Listen() error {
	ln, err := net.Listen("tcp", t.cfg.BindAddress)
	if err != nil {
		return fmt.Errorf("%w: listen %s: %v", ErrNetwork, t.cfg.BindAddress, err)
	}
	t.mu.Lock()
	t.ln = ln
	t.mu.Unlock()
	go t.acceptLoop(ln)
	go t.reapLoop()
	logrus.Infof("transport listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound listen address.
func (t *TCPTransport) Addr() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.ln == nil {
		return ""
	}
	return t.ln.Addr().String()
}

func (t *TCPTransport) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			logrus.Warnf("transport accept: %v", err)
			return
		}
		go func() {
			if err := t.handleInbound(conn); err != nil {
				logrus.Warnf("transport inbound %s: %v", conn.RemoteAddr(), err)
				_ = conn.Close()
			}
		}()
	}
}

// handleInbound runs the server side of the handshake: challenge out,
// response in, then mirror roles so the binding is mutual.
func (t *TCPTransport) handleInbound(conn net.Conn) error {
	nonce, err := randomNonce32()
	if err != nil {
		return err
	}
	now := uint64(time.Now().UnixMilli())
	if err := writeFrame(conn, frameChallenge, handshakeChallenge{Nonce: nonce, TimestampMs: now}); err != nil {
		return err
	}
	var resp handshakeResponse
	if err := readFrame(conn, frameResponse, &resp); err != nil {
		return err
	}
	if err := t.verifyResponse(nonce, resp); err != nil {
		return err
	}
	// Mirror: answer the peer's challenge so it can bind us too.
	var peerChal handshakeChallenge
	if err := readFrame(conn, frameChallenge, &peerChal); err != nil {
		return err
	}
	if err := writeFrame(conn, frameResponse, t.respond(peerChal)); err != nil {
		return err
	}
	t.register(resp, conn)
	go t.readLoop(resp.Device, conn)
	return nil
}

// Dial connects, authenticates and registers a peer channel.
func (t *TCPTransport) Dial(addr string) (DeviceId, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return DeviceId{}, fmt.Errorf("%w: dial %s: %v", ErrNetwork, addr, err)
	}
	var chal handshakeChallenge
	if err := readFrame(conn, frameChallenge, &chal); err != nil {
		_ = conn.Close()
		return DeviceId{}, err
	}
	if err := writeFrame(conn, frameResponse, t.respond(chal)); err != nil {
		_ = conn.Close()
		return DeviceId{}, err
	}
	// Mirror: challenge the server.
	nonce, err := randomNonce32()
	if err != nil {
		_ = conn.Close()
		return DeviceId{}, err
	}
	if err := writeFrame(conn, frameChallenge, handshakeChallenge{Nonce: nonce, TimestampMs: uint64(time.Now().UnixMilli())}); err != nil {
		_ = conn.Close()
		return DeviceId{}, err
	}
	var resp handshakeResponse
	if err := readFrame(conn, frameResponse, &resp); err != nil {
		_ = conn.Close()
		return DeviceId{}, err
	}
	if err := t.verifyResponse(nonce, resp); err != nil {
		_ = conn.Close()
		return DeviceId{}, err
	}
	t.registerAddr(resp, conn, addr)
	go t.readLoop(resp.Device, conn)
	return resp.Device, nil
}

func (t *TCPTransport) respond(chal handshakeChallenge) handshakeResponse {
	t.mu.Lock()
	t.counter++
	counter := t.counter
	t.mu.Unlock()
	ts := uint64(time.Now().UnixMilli())
	return handshakeResponse{
		Device:      t.device,
		Authority:   t.authority,
		PublicKey:   t.key.Public().(ed25519.PublicKey),
		Counter:     counter,
		TimestampMs: ts,
		Signature:   ed25519.Sign(t.key, responseSigningBytes(chal.Nonce, counter, ts)),
	}
}

func (t *TCPTransport) verifyResponse(nonce [32]byte, resp handshakeResponse) error {
	if len(resp.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: handshake public key", ErrInvalid)
	}
	if !ed25519.Verify(resp.PublicKey, responseSigningBytes(nonce, resp.Counter, resp.TimestampMs), resp.Signature) {
		return fmt.Errorf("%w: handshake signature", ErrAuthorizationFailed)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, seen := t.ledger[resp.Device]; seen && resp.Counter <= last {
		return fmt.Errorf("%w: handshake replay from %s", ErrAuthorizationFailed, resp.Device)
	}
	t.ledger[resp.Device] = resp.Counter
	return nil
}

func (t *TCPTransport) register(resp handshakeResponse, conn net.Conn) {
	t.registerAddr(resp, conn, conn.RemoteAddr().String())
}

func (t *TCPTransport) registerAddr(resp handshakeResponse, conn net.Conn, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.peers[resp.Device]; ok && old.conn != nil {
		_ = old.conn.Close()
	}
	t.peers[resp.Device] = &peerChannel{
		device:    resp.Device,
		authority: resp.Authority,
		publicKey: resp.PublicKey,
		addr:      addr,
		conn:      conn,
		lastSeen:  time.Now(),
	}
	logrus.Infof("transport: authenticated peer %s at %s", resp.Device, addr)
}

func (t *TCPTransport) readLoop(device DeviceId, conn net.Conn) {
	for {
		head := make([]byte, 1)
		if _, err := io.ReadFull(conn, head); err != nil {
			t.dropPeer(device)
			return
		}
		if head[0] != frameEnvelope {
			t.dropPeer(device)
			return
		}
		env, err := ReadEnvelope(conn)
		if err != nil {
			logrus.Warnf("transport: envelope from %s: %v", device, err)
			t.dropPeer(device)
			return
		}
		t.mu.Lock()
		if pc, ok := t.peers[device]; ok {
			pc.lastSeen = time.Now()
		}
		t.mu.Unlock()
		select {
		case t.inbox <- env:
		case <-t.closed:
			return
		}
	}
}

func (t *TCPTransport) dropPeer(device DeviceId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pc, ok := t.peers[device]; ok {
		if pc.conn != nil {
			_ = pc.conn.Close()
		}
		delete(t.peers, device)
	}
}

func (t *TCPTransport) reapLoop() {
	ticker := time.NewTicker(t.cfg.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-t.cfg.IdleTimeout)
			t.mu.Lock()
			for id, pc := range t.peers {
				if pc.lastSeen.Before(cutoff) {
					if pc.conn != nil {
						_ = pc.conn.Close()
					}
					delete(t.peers, id)
					logrus.Debugf("transport: reaped idle peer %s", id)
				}
			}
			t.mu.Unlock()
		}
	}
}

//---------------------------------------------------------------------
// TransportEffects surface
//---------------------------------------------------------------------

// SendEnvelope routes the envelope: directly when the destination is an
// authenticated peer, otherwise via known peers in deterministic order
// (sorted by DeviceId).
func (t *TCPTransport) SendEnvelope(ctx context.Context, env TransportEnvelope) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	t.mu.RLock()
	pc, direct := t.peers[env.Destination]
	var relays []*peerChannel
	if !direct {
		for _, p := range t.peers {
			relays = append(relays, p)
		}
	}
	t.mu.RUnlock()

	if direct {
		return t.writeTo(pc, env)
	}
	sort.Slice(relays, func(a, b int) bool {
		return string(relays[a].device[:]) < string(relays[b].device[:])
	})
	for _, relay := range relays {
		if err := t.writeTo(relay, env); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: no route to %s", ErrNetwork, env.Destination)
}

func (t *TCPTransport) writeTo(pc *peerChannel, env TransportEnvelope) error {
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	if _, err := pc.conn.Write([]byte{frameEnvelope}); err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return WriteEnvelope(pc.conn, env)
}

// ReceiveEnvelope blocks until an envelope arrives or the context expires.
func (t *TCPTransport) ReceiveEnvelope(ctx context.Context) (TransportEnvelope, error) {
	select {
	case env := <-t.inbox:
		return env, nil
	case <-ctx.Done():
		return TransportEnvelope{}, fmt.Errorf("%w: receive", ErrTimeout)
	case <-t.closed:
		return TransportEnvelope{}, fmt.Errorf("%w: transport closed", ErrNetwork)
	}
}

// BootstrapDescriptor returns our public advertisement: capability buckets
// and a set hash, never the full manifest.
func (t *TCPTransport) BootstrapDescriptor(ctx context.Context) (PeerDescriptor, error) {
	return PeerDescriptor{
		Device:     t.device,
		Authority:  t.authority,
		Address:    t.Addr(),
		CapBuckets: t.caps.CapBuckets(),
		CapHash:    t.caps.Hash(),
	}, nil
}

// ListPeers returns the authenticated peer set sorted by DeviceId.
func (t *TCPTransport) ListPeers(ctx context.Context) ([]PeerDescriptor, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]PeerDescriptor, 0, len(t.peers))
	for _, pc := range t.peers {
		out = append(out, PeerDescriptor{Device: pc.device, Authority: pc.authority, Address: pc.addr})
	}
	sort.Slice(out, func(a, b int) bool { return string(out[a].Device[:]) < string(out[b].Device[:]) })
	return out, nil
}

// Close shuts the transport down.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.closed:
		return nil
	default:
	}
	close(t.closed)
	if t.ln != nil {
		_ = t.ln.Close()
	}
	for _, pc := range t.peers {
		if pc.conn != nil {
			_ = pc.conn.Close()
		}
	}
	t.peers = make(map[DeviceId]*peerChannel)
	return nil
}

func randomNonce32() ([32]byte, error) {
	var n [32]byte
	if _, err := rand.Read(n[:]); err != nil {
		return n, fmt.Errorf("%w: nonce: %v", ErrInternal, err)
	}
	return n, nil
}
