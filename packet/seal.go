package packet

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
)

// Sealer encrypts outgoing payloads with one direction's key material.  The
// cleartext header is bound as associated data, so any tampering with the
// version, CIDs, packet number, or lengths fails authentication on open.
type Sealer struct {
	aead cipher.AEAD
	iv   [12]byte
}

// NewSealer builds a Sealer from a 16 byte AES key and a 12 byte IV.
func NewSealer(key, iv []byte) (*Sealer, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	s := &Sealer{aead: aead}
	copy(s.iv[:], iv)
	return s, nil
}

// Overhead returns the AEAD tag size added to every sealed payload.
func (s *Sealer) Overhead() int {
	return s.aead.Overhead()
}

// nonce is iv XOR the big-endian full packet number in the low 8 bytes, so
// every packet number yields a distinct nonce under the same key.
func (s *Sealer) nonce(pn uint64) []byte {
	var n [12]byte
	copy(n[:], s.iv[:])
	var pnb [8]byte
	binary.BigEndian.PutUint64(pnb[:], pn)
	for i := 0; i < 8; i++ {
		n[4+i] ^= pnb[i]
	}
	return n[:]
}

// Seal encrypts plaintext under the full packet number, binding header as
// associated data, and appends ciphertext plus tag to dst.
func (s *Sealer) Seal(dst, header, plaintext []byte, pn uint64) []byte {
	return s.aead.Seal(dst, s.nonce(pn), plaintext, header)
}

// Open authenticates and decrypts a sealed payload.  It returns
// ErrAEADFailure on any authentication failure; the caller counts those and
// silently drops the connection after three in a row.
func (s *Sealer) Open(dst, header, ciphertext []byte, pn uint64) ([]byte, error) {
	out, err := s.aead.Open(dst, s.nonce(pn), ciphertext, header)
	if err != nil {
		return nil, ErrAEADFailure
	}
	return out, nil
}
