// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package frost

import (
	"bytes"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"
	"sort"

	"filippo.io/edwards25519"
	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"
)

// SignatureLength is the length of an aggregated signature.
const SignatureLength = 64

var (
	// ErrNonceUsed is returned when a nonce is used a second time.
	ErrNonceUsed = errors.New("frost: nonce already used")

	// ErrInvalidShare is returned for a signature share that does not
	// verify.
	ErrInvalidShare = errors.New("frost: invalid signature share")

	// ErrInvalidPackage is returned for a malformed signing package.
	ErrInvalidPackage = errors.New("frost: invalid signing package")
)

// Commitment is a signer's public nonce commitment.
type Commitment struct {
	ID      ID     `cbor:"1,keyasint"`
	Hiding  []byte `cbor:"2,keyasint"`
	Binding []byte `cbor:"3,keyasint"`
}

// Equal returns true iff c and o are the same commitment.
func (c *Commitment) Equal(o *Commitment) bool {
	return c.ID == o.ID && bytes.Equal(c.Hiding, o.Hiding) && bytes.Equal(c.Binding, o.Binding)
}

// Nonce is a signer's secret nonce pair.  A Nonce signs at most once.
type Nonce struct {
	Commitment *Commitment

	hiding  *edwards25519.Scalar
	binding *edwards25519.Scalar
}

func generateNonce(secret *edwards25519.Scalar) (*edwards25519.Scalar, error) {
	var b [32]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		return nil, err
	}
	return HashToScalar("nonce", b[:], secret.Bytes()), nil
}

// NewNonce generates a fresh nonce pair and its commitment.
func NewNonce(k *KeyShare) (*Nonce, error) {
	d, err := generateNonce(k.Secret)
	if err != nil {
		return nil, err
	}
	e, err := generateNonce(k.Secret)
	if err != nil {
		return nil, err
	}
	return &Nonce{
		Commitment: &Commitment{
			ID:      k.ID,
			Hiding:  new(edwards25519.Point).ScalarBaseMult(d).Bytes(),
			Binding: new(edwards25519.Point).ScalarBaseMult(e).Bytes(),
		},
		hiding:  d,
		binding: e,
	}, nil
}

// Reset clears the nonce.  It can no longer sign.
func (n *Nonce) Reset() {
	zero := edwards25519.NewScalar()
	if n.hiding != nil {
		n.hiding.Set(zero)
		n.binding.Set(zero)
	}
	n.hiding, n.binding = nil, nil
}

// SigningPackage is the message and signer commitments for one signing
// session.
type SigningPackage struct {
	Message     []byte        `cbor:"1,keyasint"`
	Commitments []*Commitment `cbor:"2,keyasint"`
}

// NewSigningPackage builds a package, sorting the commitments by signer.
func NewSigningPackage(msg []byte, commitments []*Commitment) (*SigningPackage, error) {
	p := &SigningPackage{
		Message:     msg,
		Commitments: append([]*Commitment{}, commitments...),
	}
	sort.Slice(p.Commitments, func(i, j int) bool { return p.Commitments[i].ID < p.Commitments[j].ID })
	if _, err := p.decode(); err != nil {
		return nil, err
	}
	return p, nil
}

// Signers returns the signer set.
func (p *SigningPackage) Signers() []ID {
	ids := make([]ID, len(p.Commitments))
	for i, c := range p.Commitments {
		ids[i] = c.ID
	}
	return ids
}

// Commitment returns the commitment of signer id.
func (p *SigningPackage) Commitment(id ID) (*Commitment, bool) {
	for _, c := range p.Commitments {
		if c.ID == id {
			return c, true
		}
	}
	return nil, false
}

type decodedCommitment struct {
	hiding  *edwards25519.Point
	binding *edwards25519.Point
}

func (p *SigningPackage) decode() (map[ID]*decodedCommitment, error) {
	if err := checkSet(p.Signers()); err != nil {
		return nil, ErrInvalidPackage
	}
	out := make(map[ID]*decodedCommitment, len(p.Commitments))
	for i, c := range p.Commitments {
		if i > 0 && p.Commitments[i-1].ID >= c.ID {
			return nil, ErrInvalidPackage
		}
		d, err := ParsePoint(c.Hiding)
		if err != nil {
			return nil, ErrInvalidPackage
		}
		e, err := ParsePoint(c.Binding)
		if err != nil {
			return nil, ErrInvalidPackage
		}
		out[c.ID] = &decodedCommitment{hiding: d, binding: e}
	}
	return out, nil
}

func (p *SigningPackage) encodeCommitments() []byte {
	var b bytes.Buffer
	for _, c := range p.Commitments {
		b.Write(c.ID.bytes())
		b.Write(c.Hiding)
		b.Write(c.Binding)
	}
	return b.Bytes()
}

// session holds the values every party derives from a signing package.
type session struct {
	commitments map[ID]*decodedCommitment
	rho         map[ID]*edwards25519.Scalar
	r           *edwards25519.Point
	challenge   *edwards25519.Scalar
}

func newSession(groupKey *edwards25519.Point, p *SigningPackage) (*session, error) {
	dec, err := p.decode()
	if err != nil {
		return nil, err
	}
	msgHash := sha512.Sum512(p.Message)
	comHash := sha512.Sum512(p.encodeCommitments())
	y := groupKey.Bytes()

	s := &session{
		commitments: dec,
		rho:         make(map[ID]*edwards25519.Scalar, len(dec)),
		r:           edwards25519.NewIdentityPoint(),
	}
	for id, c := range dec {
		rho := HashToScalar("rho", y, msgHash[:], comHash[:], id.bytes())
		s.rho[id] = rho
		s.r.Add(s.r, c.hiding)
		s.r.Add(s.r, new(edwards25519.Point).ScalarMult(rho, c.binding))
	}
	s.challenge = challenge(s.r, groupKey, p.Message)
	return s, nil
}

// challenge is the Ed25519 challenge, H(R || A || M), so the aggregate is
// an ordinary Ed25519 signature.
func challenge(r, groupKey *edwards25519.Point, msg []byte) *edwards25519.Scalar {
	h := sha512.New()
	h.Write(r.Bytes())
	h.Write(groupKey.Bytes())
	h.Write(msg)
	c, err := edwards25519.NewScalar().SetUniformBytes(h.Sum(nil))
	if err != nil {
		panic("BUG: frost: SetUniformBytes: " + err.Error())
	}
	return c
}

// SignatureShare is one signer's contribution to a signature.
type SignatureShare struct {
	ID ID     `cbor:"1,keyasint"`
	Z  []byte `cbor:"2,keyasint"`
}

// Sign produces k's signature share for p using nonce n, which must be the
// nonce committed to in p.  n is consumed.
func Sign(k *KeyShare, n *Nonce, p *SigningPackage) (*SignatureShare, error) {
	if n.hiding == nil {
		return nil, ErrNonceUsed
	}
	defer n.Reset()

	c, ok := p.Commitment(k.ID)
	if !ok || !c.Equal(n.Commitment) {
		return nil, fmt.Errorf("%w: nonce is not committed in package", ErrInvalidPackage)
	}
	s, err := newSession(k.GroupKey, p)
	if err != nil {
		return nil, err
	}
	lambda, err := Lagrange(k.ID, p.Signers())
	if err != nil {
		return nil, err
	}

	// z = d + e*rho + lambda*s*c
	z := edwards25519.NewScalar().MultiplyAdd(n.binding, s.rho[k.ID], n.hiding)
	lsc := edwards25519.NewScalar().Multiply(lambda, k.Secret)
	z.MultiplyAdd(lsc, s.challenge, z)
	return &SignatureShare{ID: k.ID, Z: z.Bytes()}, nil
}

// VerifyShare checks a signature share against the signer's public share.
func VerifyShare(groupKey, publicShare *edwards25519.Point, share *SignatureShare, p *SigningPackage) error {
	s, err := newSession(groupKey, p)
	if err != nil {
		return err
	}
	return s.verifyShare(publicShare, share, p.Signers())
}

func (s *session) verifyShare(publicShare *edwards25519.Point, share *SignatureShare, signers []ID) error {
	c, ok := s.commitments[share.ID]
	if !ok {
		return fmt.Errorf("%w: %d is not a signer", ErrInvalidShare, share.ID)
	}
	z, err := ParseScalar(share.Z)
	if err != nil {
		return ErrInvalidShare
	}
	lambda, err := Lagrange(share.ID, signers)
	if err != nil {
		return err
	}

	// z*G == D + rho*E + (c*lambda)*Y
	rhs := new(edwards25519.Point).ScalarMult(s.rho[share.ID], c.binding)
	rhs.Add(rhs, c.hiding)
	cl := edwards25519.NewScalar().Multiply(s.challenge, lambda)
	rhs.Add(rhs, new(edwards25519.Point).ScalarMult(cl, publicShare))
	lhs := new(edwards25519.Point).ScalarBaseMult(z)
	if lhs.Equal(rhs) != 1 {
		return ErrInvalidShare
	}
	return nil
}

// Aggregate combines one valid share from every signer in p into a
// signature.  Every share is verified first; the error wraps
// ErrInvalidShare and names the first bad signer.
func Aggregate(k *KeyShare, p *SigningPackage, shares []*SignatureShare) ([]byte, error) {
	s, err := newSession(k.GroupKey, p)
	if err != nil {
		return nil, err
	}
	signers := p.Signers()
	if len(shares) != len(signers) {
		return nil, fmt.Errorf("frost: have %d shares for %d signers", len(shares), len(signers))
	}

	z := edwards25519.NewScalar()
	seen := make(map[ID]bool, len(shares))
	for _, sh := range shares {
		if seen[sh.ID] {
			return nil, fmt.Errorf("%w: duplicate share from %d", ErrInvalidShare, sh.ID)
		}
		seen[sh.ID] = true
		pub, ok := k.PublicShares[sh.ID]
		if !ok {
			return nil, fmt.Errorf("%w: unknown signer %d", ErrInvalidShare, sh.ID)
		}
		if err := s.verifyShare(pub, sh, signers); err != nil {
			return nil, fmt.Errorf("%w: signer %d", err, sh.ID)
		}
		zi, _ := ParseScalar(sh.Z)
		z.Add(z, zi)
	}

	sig := make([]byte, 0, SignatureLength)
	sig = append(sig, s.r.Bytes()...)
	sig = append(sig, z.Bytes()...)
	return sig, nil
}

// Verify checks an aggregated signature as an Ed25519 signature under the
// group key.
func Verify(groupKey, msg, sig []byte) bool {
	if len(sig) != SignatureLength {
		return false
	}
	pk, err := ed25519.Scheme().UnmarshalBinaryPublicKey(groupKey)
	if err != nil {
		return false
	}
	return ed25519.Scheme().Verify(pk, msg, sig, nil)
}
