package core

// frost.go – FROST-Ed25519 threshold signing primitives.
//
// Implements share generation (trusted dealer and two-round Pedersen DKG)
// and the two-round signing flow: round 1 publishes nonce commitments,
// round 2 publishes signature shares bound to the message and the commitment
// list. Aggregation yields a standard Ed25519 signature verifiable with the
// group verification key.

import (
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"filippo.io/edwards25519"
	"lukechampine.com/blake3"
)

//---------------------------------------------------------------------
// Key material
//---------------------------------------------------------------------

// KeyShare is one participant's slice of the group signing key. Identifiers
// are 1-based; identifier 0 is invalid.
type KeyShare struct {
	Identifier uint16
	Secret     *edwards25519.Scalar
	Public     *edwards25519.Point
	GroupKey   ed25519.PublicKey
}

// PublicKeyPackage carries the group verification key and per-signer
// verification shares.
type PublicKeyPackage struct {
	GroupKey     ed25519.PublicKey
	SignerShares map[uint16][]byte
	Threshold    uint16
	MaxSigners   uint16
}

// VerificationShare returns signer i's public share as a point.
func (p *PublicKeyPackage) VerificationShare(id uint16) (*edwards25519.Point, error) {
	raw, ok := p.SignerShares[id]
	if !ok {
		return nil, fmt.Errorf("no verification share for signer %d", id)
	}
	return new(edwards25519.Point).SetBytes(raw)
}

func randomScalar(rng io.Reader) (*edwards25519.Scalar, error) {
	var wide [64]byte
	if _, err := io.ReadFull(rng, wide[:]); err != nil {
		return nil, err
	}
	return new(edwards25519.Scalar).SetUniformBytes(wide[:])
}

func scalarFromID(id uint16) *edwards25519.Scalar {
	var b [32]byte
	binary.LittleEndian.PutUint16(b[:2], id)
	s, err := new(edwards25519.Scalar).SetCanonicalBytes(b[:])
	if err != nil {
		panic(err)
	}
	return s
}

// evalPoly evaluates f(x) for coefficients in ascending degree order.
func evalPoly(coeffs []*edwards25519.Scalar, x *edwards25519.Scalar) *edwards25519.Scalar {
	acc := new(edwards25519.Scalar)
	for i := len(coeffs) - 1; i >= 0; i-- {
		acc.Multiply(acc, x)
		acc.Add(acc, coeffs[i])
	}
	return acc
}

// GenerateKeyShares deals t-of-n shares from fresh randomness. The dealer
// secret is discarded; only shares and the public package survive.
func GenerateKeyShares(threshold, signers uint16, rng io.Reader) ([]KeyShare, *PublicKeyPackage, error) {
	if threshold == 0 || signers == 0 || threshold > signers {
		return nil, nil, fmt.Errorf("%w: %d-of-%d", ErrInvalid, threshold, signers)
	}
	coeffs := make([]*edwards25519.Scalar, threshold)
	for i := range coeffs {
		s, err := randomScalar(rng)
		if err != nil {
			return nil, nil, err
		}
		coeffs[i] = s
	}
	groupPoint := new(edwards25519.Point).ScalarBaseMult(coeffs[0])
	pkg := &PublicKeyPackage{
		GroupKey:     ed25519.PublicKey(groupPoint.Bytes()),
		SignerShares: make(map[uint16][]byte, signers),
		Threshold:    threshold,
		MaxSigners:   signers,
	}
	shares := make([]KeyShare, 0, signers)
	for id := uint16(1); id <= signers; id++ {
		secret := evalPoly(coeffs, scalarFromID(id))
		public := new(edwards25519.Point).ScalarBaseMult(secret)
		pkg.SignerShares[id] = public.Bytes()
		shares = append(shares, KeyShare{
			Identifier: id,
			Secret:     secret,
			Public:     public,
			GroupKey:   pkg.GroupKey,
		})
	}
	return shares, pkg, nil
}

//---------------------------------------------------------------------
// Pedersen DKG (two rounds, no dealer)
//---------------------------------------------------------------------

// DKGRound1 is a participant's broadcast: commitments to its polynomial.
type DKGRound1 struct {
	From        uint16
	Commitments [][]byte
}

// DKGRound2Share is the private share participant From sends to To.
type DKGRound2Share struct {
	From  uint16
	To    uint16
	Share []byte
}

// DKGParticipant runs one participant's side of the distributed key
// generation.
type DKGParticipant struct {
	id        uint16
	threshold uint16
	signers   uint16
	coeffs    []*edwards25519.Scalar
	received  map[uint16][]*edwards25519.Point
	shares    map[uint16]*edwards25519.Scalar
}

// NewDKGParticipant initializes participant id for a t-of-n ceremony.
func NewDKGParticipant(id, threshold, signers uint16, rng io.Reader) (*DKGParticipant, error) {
	if id == 0 || id > signers || threshold == 0 || threshold > signers {
		return nil, fmt.Errorf("%w: dkg participant %d in %d-of-%d", ErrInvalid, id, threshold, signers)
	}
	coeffs := make([]*edwards25519.Scalar, threshold)
	for i := range coeffs {
		s, err := randomScalar(rng)
		if err != nil {
			return nil, err
		}
		coeffs[i] = s
	}
	return &DKGParticipant{
		id:        id,
		threshold: threshold,
		signers:   signers,
		coeffs:    coeffs,
		received:  make(map[uint16][]*edwards25519.Point),
		shares:    make(map[uint16]*edwards25519.Scalar),
	}, nil
}

// Round1 broadcasts the polynomial commitments.
func (p *DKGParticipant) Round1() DKGRound1 {
	out := DKGRound1{From: p.id, Commitments: make([][]byte, len(p.coeffs))}
	for i, c := range p.coeffs {
		out.Commitments[i] = new(edwards25519.Point).ScalarBaseMult(c).Bytes()
	}
	return out
}

// AcceptRound1 records a peer's broadcast.
func (p *DKGParticipant) AcceptRound1(msg DKGRound1) error {
	if len(msg.Commitments) != int(p.threshold) {
		return fmt.Errorf("%w: dkg commitment count %d", ErrInvalid, len(msg.Commitments))
	}
	points := make([]*edwards25519.Point, len(msg.Commitments))
	for i, raw := range msg.Commitments {
		pt, err := new(edwards25519.Point).SetBytes(raw)
		if err != nil {
			return fmt.Errorf("%w: dkg commitment: %v", ErrInvalid, err)
		}
		points[i] = pt
	}
	p.received[msg.From] = points
	return nil
}

// Round2 produces the private shares destined for each peer.
func (p *DKGParticipant) Round2() []DKGRound2Share {
	out := make([]DKGRound2Share, 0, p.signers)
	for to := uint16(1); to <= p.signers; to++ {
		share := evalPoly(p.coeffs, scalarFromID(to))
		out = append(out, DKGRound2Share{From: p.id, To: to, Share: share.Bytes()})
	}
	return out
}

// AcceptRound2 verifies a received share against the sender's round-1
// commitments and stores it.
func (p *DKGParticipant) AcceptRound2(msg DKGRound2Share) error {
	if msg.To != p.id {
		return fmt.Errorf("%w: share addressed to %d", ErrInvalid, msg.To)
	}
	commits, ok := p.received[msg.From]
	if !ok {
		return fmt.Errorf("%w: no round-1 broadcast from %d", ErrInvalid, msg.From)
	}
	share, err := new(edwards25519.Scalar).SetCanonicalBytes(msg.Share)
	if err != nil {
		return fmt.Errorf("%w: dkg share: %v", ErrInvalid, err)
	}
	// share·B must equal Σ id^k · Φ_k.
	x := scalarFromID(p.id)
	expect := new(edwards25519.Point).Set(commits[len(commits)-1])
	for i := len(commits) - 2; i >= 0; i-- {
		expect.ScalarMult(x, expect)
		expect.Add(expect, commits[i])
	}
	got := new(edwards25519.Point).ScalarBaseMult(share)
	if got.Equal(expect) != 1 {
		return fmt.Errorf("%w: dkg share from %d fails commitment check", ErrAuthorizationFailed, msg.From)
	}
	p.shares[msg.From] = share
	return nil
}

// Finalize combines the received shares into this participant's key share
// and the group public key package.
func (p *DKGParticipant) Finalize() (KeyShare, *PublicKeyPackage, error) {
	if len(p.shares) != int(p.signers) {
		return KeyShare{}, nil, fmt.Errorf("%w: dkg has %d of %d shares", ErrInvalid, len(p.shares), p.signers)
	}
	secret := new(edwards25519.Scalar)
	for _, s := range p.shares {
		secret.Add(secret, s)
	}
	groupPoint := new(edwards25519.Point)
	first := true
	froms := make([]uint16, 0, len(p.received))
	for from := range p.received {
		froms = append(froms, from)
	}
	sort.Slice(froms, func(a, b int) bool { return froms[a] < froms[b] })
	for _, from := range froms {
		c0 := p.received[from][0]
		if first {
			groupPoint.Set(c0)
			first = false
		} else {
			groupPoint.Add(groupPoint, c0)
		}
	}
	share := KeyShare{
		Identifier: p.id,
		Secret:     secret,
		Public:     new(edwards25519.Point).ScalarBaseMult(secret),
		GroupKey:   ed25519.PublicKey(groupPoint.Bytes()),
	}
	pkg := &PublicKeyPackage{
		GroupKey:     share.GroupKey,
		SignerShares: map[uint16][]byte{p.id: share.Public.Bytes()},
		Threshold:    p.threshold,
		MaxSigners:   p.signers,
	}
	return share, pkg, nil
}

//---------------------------------------------------------------------
// Signing round 1: nonces and commitments
//---------------------------------------------------------------------

// Nonce is a signer's single-use (hiding, binding) nonce pair. Nonces are
// owned by the producing device, bound to an epoch, and invalidated wholesale
// on epoch change.
type Nonce struct {
	Hiding  *edwards25519.Scalar
	Binding *edwards25519.Scalar
	Epoch   Epoch
	used    bool
}

// NonceCommitment is the public half of a nonce pair.
type NonceCommitment struct {
	Signer  uint16 `cbor:"1,keyasint"`
	Hiding  []byte `cbor:"2,keyasint"`
	Binding []byte `cbor:"3,keyasint"`
}

// GenerateNonce draws a fresh nonce pair for the given epoch.
func GenerateNonce(epoch Epoch, rng io.Reader) (*Nonce, error) {
	d, err := randomScalar(rng)
	if err != nil {
		return nil, err
	}
	e, err := randomScalar(rng)
	if err != nil {
		return nil, err
	}
	return &Nonce{Hiding: d, Binding: e, Epoch: epoch}, nil
}

// Commitment returns the public commitment for this nonce.
func (n *Nonce) Commitment(signer uint16) NonceCommitment {
	return NonceCommitment{
		Signer:  signer,
		Hiding:  new(edwards25519.Point).ScalarBaseMult(n.Hiding).Bytes(),
		Binding: new(edwards25519.Point).ScalarBaseMult(n.Binding).Bytes(),
	}
}

// MarkUsed consumes the nonce; a second use is an error.
func (n *Nonce) MarkUsed() error {
	if n.used {
		return errors.New("nonce reuse")
	}
	n.used = true
	return nil
}

//---------------------------------------------------------------------
// Signing round 2: binding factors, shares, aggregation
//---------------------------------------------------------------------

// SignatureShare is one witness's round-2 contribution.
type SignatureShare struct {
	Signer uint16 `cbor:"1,keyasint"`
	Share  []byte `cbor:"2,keyasint"`
}

// SigningPackage fixes the message and the participating commitment set for
// one signing run. Commitments are sorted by signer so every participant
// derives identical binding factors.
type SigningPackage struct {
	Message     []byte
	Commitments []NonceCommitment
}

// NewSigningPackage builds a package over the given commitments.
func NewSigningPackage(message []byte, commitments []NonceCommitment) SigningPackage {
	sorted := make([]NonceCommitment, len(commitments))
	copy(sorted, commitments)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a].Signer < sorted[b].Signer })
	return SigningPackage{Message: message, Commitments: sorted}
}

// Signers returns the participating identifiers in ascending order.
func (sp *SigningPackage) Signers() []uint16 {
	out := make([]uint16, len(sp.Commitments))
	for i, c := range sp.Commitments {
		out[i] = c.Signer
	}
	return out
}

func (sp *SigningPackage) encodeCommitments() []byte {
	var buf []byte
	for _, c := range sp.Commitments {
		var id [2]byte
		binary.LittleEndian.PutUint16(id[:], c.Signer)
		buf = append(buf, id[:]...)
		buf = append(buf, c.Hiding...)
		buf = append(buf, c.Binding...)
	}
	return buf
}

// bindingFactor derives ρ_i from the signer id, the message and the full
// commitment list.
func (sp *SigningPackage) bindingFactor(signer uint16) *edwards25519.Scalar {
	h := blake3.New(64, nil)
	h.Write([]byte("aura/frost/rho"))
	h.Write([]byte{0})
	var id [2]byte
	binary.LittleEndian.PutUint16(id[:], signer)
	h.Write(id[:])
	msgHash := blake3.Sum256(sp.Message)
	h.Write(msgHash[:])
	h.Write(sp.encodeCommitments())
	s, _ := new(edwards25519.Scalar).SetUniformBytes(h.Sum(nil))
	return s
}

// groupCommitment computes R = Σ (D_i + ρ_i·E_i).
func (sp *SigningPackage) groupCommitment() (*edwards25519.Point, error) {
	R := new(edwards25519.Point)
	first := true
	for _, c := range sp.Commitments {
		D, err := new(edwards25519.Point).SetBytes(c.Hiding)
		if err != nil {
			return nil, fmt.Errorf("%w: hiding commitment: %v", ErrInvalid, err)
		}
		E, err := new(edwards25519.Point).SetBytes(c.Binding)
		if err != nil {
			return nil, fmt.Errorf("%w: binding commitment: %v", ErrInvalid, err)
		}
		rho := sp.bindingFactor(c.Signer)
		term := new(edwards25519.Point).ScalarMult(rho, E)
		term.Add(D, term)
		if first {
			R.Set(term)
			first = false
		} else {
			R.Add(R, term)
		}
	}
	if first {
		return nil, fmt.Errorf("%w: empty commitment set", ErrInvalid)
	}
	return R, nil
}

// challenge computes the Ed25519 challenge c = SHA-512(R || A || M) mod L.
func challenge(R *edwards25519.Point, groupKey ed25519.PublicKey, message []byte) *edwards25519.Scalar {
	h := sha512.New()
	h.Write(R.Bytes())
	h.Write(groupKey)
	h.Write(message)
	s, _ := new(edwards25519.Scalar).SetUniformBytes(h.Sum(nil))
	return s
}

// lagrangeCoefficient computes λ_i over the signer set at x = 0.
func lagrangeCoefficient(id uint16, signers []uint16) (*edwards25519.Scalar, error) {
	num := new(edwards25519.Scalar)
	den := new(edwards25519.Scalar)
	one := scalarFromID(1)
	num.Multiply(one, one) // num = 1
	den.Multiply(one, one) // den = 1
	xi := scalarFromID(id)
	for _, j := range signers {
		if j == id {
			continue
		}
		xj := scalarFromID(j)
		num.Multiply(num, xj)
		diff := new(edwards25519.Scalar).Subtract(xj, xi)
		den.Multiply(den, diff)
	}
	if den.Equal(new(edwards25519.Scalar)) == 1 {
		return nil, fmt.Errorf("%w: duplicate signer %d", ErrInvalid, id)
	}
	return num.Multiply(num, den.Invert(den)), nil
}

// Sign produces signer's round-2 share. The nonce is consumed.
func Sign(share KeyShare, nonce *Nonce, sp SigningPackage) (SignatureShare, error) {
	if err := nonce.MarkUsed(); err != nil {
		return SignatureShare{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	R, err := sp.groupCommitment()
	if err != nil {
		return SignatureShare{}, err
	}
	c := challenge(R, share.GroupKey, sp.Message)
	lambda, err := lagrangeCoefficient(share.Identifier, sp.Signers())
	if err != nil {
		return SignatureShare{}, err
	}
	rho := sp.bindingFactor(share.Identifier)

	// z_i = d_i + e_i·ρ_i + λ_i·s_i·c
	z := new(edwards25519.Scalar).Multiply(nonce.Binding, rho)
	z.Add(z, nonce.Hiding)
	term := new(edwards25519.Scalar).Multiply(lambda, share.Secret)
	term.Multiply(term, c)
	z.Add(z, term)
	return SignatureShare{Signer: share.Identifier, Share: z.Bytes()}, nil
}

// VerifyShare checks z_i·B == D_i + ρ_i·E_i + c·λ_i·Y_i.
func VerifyShare(sh SignatureShare, pkg *PublicKeyPackage, sp SigningPackage) error {
	z, err := new(edwards25519.Scalar).SetCanonicalBytes(sh.Share)
	if err != nil {
		return fmt.Errorf("%w: share scalar: %v", ErrInvalid, err)
	}
	var commit *NonceCommitment
	for i := range sp.Commitments {
		if sp.Commitments[i].Signer == sh.Signer {
			commit = &sp.Commitments[i]
			break
		}
	}
	if commit == nil {
		return fmt.Errorf("%w: signer %d not in commitment set", ErrInvalid, sh.Signer)
	}
	D, err := new(edwards25519.Point).SetBytes(commit.Hiding)
	if err != nil {
		return fmt.Errorf("%w: hiding commitment: %v", ErrInvalid, err)
	}
	E, err := new(edwards25519.Point).SetBytes(commit.Binding)
	if err != nil {
		return fmt.Errorf("%w: binding commitment: %v", ErrInvalid, err)
	}
	Y, err := pkg.VerificationShare(sh.Signer)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	R, err := sp.groupCommitment()
	if err != nil {
		return err
	}
	c := challenge(R, pkg.GroupKey, sp.Message)
	lambda, err := lagrangeCoefficient(sh.Signer, sp.Signers())
	if err != nil {
		return err
	}
	rho := sp.bindingFactor(sh.Signer)

	lhs := new(edwards25519.Point).ScalarBaseMult(z)
	rhs := new(edwards25519.Point).ScalarMult(rho, E)
	rhs.Add(D, rhs)
	cl := new(edwards25519.Scalar).Multiply(c, lambda)
	rhs.Add(rhs, new(edwards25519.Point).ScalarMult(cl, Y))
	if lhs.Equal(rhs) != 1 {
		return fmt.Errorf("%w: signature share from %d", ErrAuthorizationFailed, sh.Signer)
	}
	return nil
}

// Aggregate combines ≥ threshold verified shares into an Ed25519 signature.
func Aggregate(shares []SignatureShare, pkg *PublicKeyPackage, sp SigningPackage) ([]byte, error) {
	if len(shares) < int(pkg.Threshold) {
		return nil, fmt.Errorf("%w: %d shares, threshold %d", ErrInvalid, len(shares), pkg.Threshold)
	}
	R, err := sp.groupCommitment()
	if err != nil {
		return nil, err
	}
	z := new(edwards25519.Scalar)
	for _, sh := range shares {
		zi, err := new(edwards25519.Scalar).SetCanonicalBytes(sh.Share)
		if err != nil {
			return nil, fmt.Errorf("%w: share scalar: %v", ErrInvalid, err)
		}
		z.Add(z, zi)
	}
	sig := make([]byte, 0, ed25519.SignatureSize)
	sig = append(sig, R.Bytes()...)
	sig = append(sig, z.Bytes()...)
	if !ed25519.Verify(pkg.GroupKey, sp.Message, sig) {
		return nil, fmt.Errorf("%w: aggregate does not verify", ErrAuthorizationFailed)
	}
	return sig, nil
}
