package core

// session_ticket.go – short-lived scoped authorization records.
//
// A ticket authorizes one operation scope for a bounded time window. It is
// valid when its signature verifies against the issuer's Ed25519 key, the
// current time lies inside [issued_at, expires_at], and the scope matches
// the requested operation exactly.

import (
	"crypto/ed25519"
	"fmt"

	"github.com/google/uuid"
)

// SessionTicket is a signed, scoped authorization record.
type SessionTicket struct {
	SessionID      string   `cbor:"1,keyasint"`
	IssuerDeviceID DeviceId `cbor:"2,keyasint"`
	IssuedAtMs     uint64   `cbor:"3,keyasint"`
	ExpiresAtMs    uint64   `cbor:"4,keyasint"`
	Scope          string   `cbor:"5,keyasint"`
	Nonce          [32]byte `cbor:"6,keyasint"`
	Signature      []byte   `cbor:"7,keyasint"`
}

func (t *SessionTicket) signingBytes() ([]byte, error) {
	body := struct {
		SessionID      string   `cbor:"1,keyasint"`
		IssuerDeviceID DeviceId `cbor:"2,keyasint"`
		IssuedAtMs     uint64   `cbor:"3,keyasint"`
		ExpiresAtMs    uint64   `cbor:"4,keyasint"`
		Scope          string   `cbor:"5,keyasint"`
		Nonce          [32]byte `cbor:"6,keyasint"`
	}{t.SessionID, t.IssuerDeviceID, t.IssuedAtMs, t.ExpiresAtMs, t.Scope, t.Nonce}
	return MarshalCanonical(body)
}

// IssueSessionTicket signs a ticket for the given scope and validity window.
func IssueSessionTicket(issuer DeviceId, key ed25519.PrivateKey, scope string, issuedAtMs, expiresAtMs uint64, nonce [32]byte) (*SessionTicket, error) {
	if expiresAtMs <= issuedAtMs {
		return nil, fmt.Errorf("%w: ticket window [%d,%d]", ErrInvalid, issuedAtMs, expiresAtMs)
	}
	t := &SessionTicket{
		SessionID:      "sess-" + uuid.NewString(),
		IssuerDeviceID: issuer,
		IssuedAtMs:     issuedAtMs,
		ExpiresAtMs:    expiresAtMs,
		Scope:          scope,
		Nonce:          nonce,
	}
	raw, err := t.signingBytes()
	if err != nil {
		return nil, err
	}
	t.Signature = ed25519.Sign(key, raw)
	return t, nil
}

// Validate checks signature, time window and exact scope match.
func (t *SessionTicket) Validate(issuerPub ed25519.PublicKey, nowMs uint64, operation string) error {
	raw, err := t.signingBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(issuerPub, raw, t.Signature) {
		return fmt.Errorf("%w: ticket signature", ErrAuthorizationFailed)
	}
	if nowMs < t.IssuedAtMs || nowMs > t.ExpiresAtMs {
		return fmt.Errorf("%w: ticket outside validity window", ErrAuthorizationFailed)
	}
	if t.Scope != operation {
		return fmt.Errorf("%w: ticket scope %q, operation %q", ErrAuthorizationFailed, t.Scope, operation)
	}
	return nil
}
