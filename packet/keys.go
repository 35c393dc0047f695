package packet

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
)

// ErrKeyAgreement is returned when the peer's public key is not a valid
// X25519 point.
var ErrKeyAgreement = errors.New("packet: key agreement failed")

// KeyPair holds one endpoint's ephemeral handshake key material.
type KeyPair struct {
	priv   *ecdh.PrivateKey
	Public [32]byte
	Random [16]byte
}

// NewKeyPair generates an ephemeral X25519 key pair and the random nonce
// carried beside it in the Crypto frame.
func NewKeyPair() (*KeyPair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	kp := &KeyPair{priv: priv}
	copy(kp.Public[:], priv.PublicKey().Bytes())
	if _, err := rand.Read(kp.Random[:]); err != nil {
		return nil, err
	}
	return kp, nil
}

// Keys holds the derived per-direction sealers for one connection.
type Keys struct {
	Send *Sealer
	Recv *Sealer
}

// Derive computes the per-direction AEAD keys from the X25519 shared secret
// and both sides' handshake randoms.  Both endpoints call it with the same
// randoms in initiator-first order; initiator selects the "c" direction for
// sending, the responder the "s" direction.
func (kp *KeyPair) Derive(peerPublic [32]byte, initRandom, respRandom [16]byte, initiator bool) (*Keys, error) {
	peer, err := ecdh.X25519().NewPublicKey(peerPublic[:])
	if err != nil {
		return nil, ErrKeyAgreement
	}
	secret, err := kp.priv.ECDH(peer)
	if err != nil {
		return nil, ErrKeyAgreement
	}

	c := expand(secret, initRandom, respRandom, 'c')
	s := expand(secret, initRandom, respRandom, 's')

	cSeal, err := NewSealer(c[:16], c[16:28])
	if err != nil {
		return nil, err
	}
	sSeal, err := NewSealer(s[:16], s[16:28])
	if err != nil {
		return nil, err
	}
	if initiator {
		return &Keys{Send: cSeal, Recv: sSeal}, nil
	}
	return &Keys{Send: sSeal, Recv: cSeal}, nil
}

// expand stretches the shared secret into 16 bytes of AES key and 12 bytes
// of IV for one direction.
func expand(secret []byte, initRandom, respRandom [16]byte, dir byte) [32]byte {
	h := sha256.New()
	h.Write(secret)
	h.Write(initRandom[:])
	h.Write(respRandom[:])
	h.Write([]byte{dir})
	var out [32]byte
	h.Sum(out[:0])
	return out
}

// SessionTokenFor derives the opaque 32 byte session token issued to a peer:
// a hash over the shared handshake randoms and the issuing endpoint's
// secret.  The token is reproducible by the issuer, opaque to the holder.
func SessionTokenFor(endpointSecret []byte, initRandom, respRandom [16]byte) [32]byte {
	h := sha256.New()
	h.Write(endpointSecret)
	h.Write(initRandom[:])
	h.Write(respRandom[:])
	var out [32]byte
	h.Sum(out[:0])
	return out
}
