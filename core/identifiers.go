package core

// identifiers.go – stable principal and scope identifiers for the Aura
// consensus-journal core.
//
// Every identifier is an opaque 16- or 32-byte value with a documented
// display form. Identifiers are derived from entropy via domain-separated
// BLAKE3 so that a test seeded from a fixed byte pattern produces the same
// principal on every run.

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// Hash32 is a 32-byte BLAKE3 content hash.
type Hash32 [32]byte

// Epoch is a monotone per-account counter bounding nonce and budget validity.
type Epoch uint64

// AccountId identifies a group of devices behind one threshold key.
type AccountId [32]byte

// AuthorityId identifies a logical identity owning a group verification key.
type AuthorityId [32]byte

// DeviceId identifies a single physical device.
type DeviceId [32]byte

// GuardianId identifies a guardian principal.
type GuardianId [32]byte

// ContextId identifies a relational scope (pairwise or group relationship).
type ContextId [16]byte

// ChannelId identifies an AMP messaging channel.
type ChannelId [16]byte

// HomeId identifies a replication home unit.
type HomeId [16]byte

// NeighborhoodId identifies a replication neighborhood.
type NeighborhoodId [16]byte

//---------------------------------------------------------------------
// Domain-separated hashing
//---------------------------------------------------------------------

// HashDomain computes a BLAKE3 hash over data, prefixed with the domain tag
// and a zero separator so that hashes from distinct domains never collide.
func HashDomain(domain string, data ...[]byte) Hash32 {
	h := blake3.New(32, nil)
	h.Write([]byte(domain))
	h.Write([]byte{0})
	for _, d := range data {
		h.Write(d)
	}
	var out Hash32
	copy(out[:], h.Sum(nil))
	return out
}

func (h Hash32) Hex() string      { return hex.EncodeToString(h[:]) }
func (h Hash32) String() string   { return "h32:" + h.Hex()[:16] }
func (h Hash32) IsZero() bool     { return h == Hash32{} }
func (h Hash32) Bytes() []byte    { return h[:] }
func (h Hash32) Less(o Hash32) bool { return bytes.Compare(h[:], o[:]) < 0 }

//---------------------------------------------------------------------
// Entropy constructors
//---------------------------------------------------------------------

// AccountIdFromEntropy derives a stable AccountId from 32 bytes of entropy.
func AccountIdFromEntropy(entropy [32]byte) AccountId {
	return AccountId(HashDomain("aura/id/account", entropy[:]))
}

// AuthorityIdFromEntropy derives a stable AuthorityId from 32 bytes of entropy.
func AuthorityIdFromEntropy(entropy [32]byte) AuthorityId {
	return AuthorityId(HashDomain("aura/id/authority", entropy[:]))
}

// DeviceIdFromEntropy derives a stable DeviceId from 32 bytes of entropy.
func DeviceIdFromEntropy(entropy [32]byte) DeviceId {
	return DeviceId(HashDomain("aura/id/device", entropy[:]))
}

// GuardianIdFromEntropy derives a stable GuardianId from 32 bytes of entropy.
func GuardianIdFromEntropy(entropy [32]byte) GuardianId {
	return GuardianId(HashDomain("aura/id/guardian", entropy[:]))
}

// ContextIdFromEntropy derives a stable ContextId from 32 bytes of entropy.
func ContextIdFromEntropy(entropy [32]byte) ContextId {
	h := HashDomain("aura/id/context", entropy[:])
	var id ContextId
	copy(id[:], h[:16])
	return id
}

// ChannelIdFromBytes builds a ChannelId from the first 16 bytes of b.
func ChannelIdFromBytes(b []byte) ChannelId {
	var id ChannelId
	copy(id[:], b)
	return id
}

//---------------------------------------------------------------------
// Display forms
//---------------------------------------------------------------------

func (a AccountId) String() string    { return "acct:" + hex.EncodeToString(a[:8]) }
func (a AuthorityId) String() string  { return "auth:" + hex.EncodeToString(a[:8]) }
func (d DeviceId) String() string     { return "dev:" + hex.EncodeToString(d[:8]) }
func (g GuardianId) String() string   { return "guard:" + hex.EncodeToString(g[:8]) }
func (c ContextId) String() string    { return "ctx:" + hex.EncodeToString(c[:]) }
func (c ChannelId) String() string    { return "chan:" + hex.EncodeToString(c[:]) }
func (h HomeId) String() string       { return "home:" + hex.EncodeToString(h[:]) }
func (n NeighborhoodId) String() string { return "nbhd:" + hex.EncodeToString(n[:]) }
func (e Epoch) String() string        { return fmt.Sprintf("epoch-%d", uint64(e)) }

// ContextIdFromHex parses the hex body of a ContextId display form.
func ContextIdFromHex(s string) (ContextId, error) {
	var id ContextId
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(id) {
		return id, fmt.Errorf("%w: context id %q", ErrInvalid, s)
	}
	copy(id[:], raw)
	return id, nil
}
