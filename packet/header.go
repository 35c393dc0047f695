// Package packet implements the outer packet layer: header serialization,
// packet number truncation and recovery, AEAD sealing and opening, handshake
// key derivation, and the PacketOut record that tracks every sent packet
// from scheduling through acknowledgment or loss.
package packet

import (
	"encoding/binary"
	"errors"
)

// Error types.
var (
	ErrHeaderTooShort = errors.New("packet: header truncated")
	ErrBadPnLen       = errors.New("packet: packet number length not in 1..4")
	ErrPayloadLength  = errors.New("packet: payload length exceeds datagram")
	ErrAEADFailure    = errors.New("packet: AEAD open failed")
)

// MaxPacketNumber is the largest representable packet number.
const MaxPacketNumber = uint64(1)<<62 - 1

// InvalidPacketNumber marks fields that do not hold a packet number yet.
const InvalidPacketNumber = MaxPacketNumber + 1

// ValidPacketNumber reports whether pn is a representable packet number.
func ValidPacketNumber(pn uint64) bool {
	return pn <= MaxPacketNumber
}

// fixedHeaderLen is the size of the header before the variable-length packet
// number field: version(4) + dcid(4) + scid(4) + pn_len(1).
const fixedHeaderLen = 13

// trailerLen is flags(1) + payload_len(2) after the packet number bytes.
const trailerLen = 3

// Header is the cleartext outer packet header.  PnLen bytes of truncated
// packet number follow the fixed fields; Flags and PayloadLen follow those.
type Header struct {
	Version    uint32
	DCID       uint32
	SCID       uint32
	PnLen      uint8
	PnBits     uint32 // truncated packet number, low PnLen bytes significant
	Flags      uint8
	PayloadLen uint16
}

// Len returns the encoded header size.
func (h *Header) Len() int {
	return fixedHeaderLen + int(h.PnLen) + trailerLen
}

// Encode appends the wire form of the header to b.
func (h *Header) Encode(b []byte) []byte {
	b = append(b,
		byte(h.Version), byte(h.Version>>8), byte(h.Version>>16), byte(h.Version>>24),
		byte(h.DCID), byte(h.DCID>>8), byte(h.DCID>>16), byte(h.DCID>>24),
		byte(h.SCID), byte(h.SCID>>8), byte(h.SCID>>16), byte(h.SCID>>24),
		h.PnLen)
	for i := uint8(0); i < h.PnLen; i++ {
		b = append(b, byte(h.PnBits>>(8*i)))
	}
	return append(b, h.Flags, byte(h.PayloadLen), byte(h.PayloadLen>>8))
}

// ParseHeader parses the header at the front of a datagram and returns it
// with the offset of the payload.  The payload length is validated against
// the datagram size.
func ParseHeader(b []byte) (*Header, int, error) {
	if len(b) < fixedHeaderLen {
		return nil, 0, ErrHeaderTooShort
	}
	h := &Header{
		Version: binary.LittleEndian.Uint32(b[0:4]),
		DCID:    binary.LittleEndian.Uint32(b[4:8]),
		SCID:    binary.LittleEndian.Uint32(b[8:12]),
		PnLen:   b[12],
	}
	if h.PnLen < 1 || h.PnLen > 4 {
		return nil, 0, ErrBadPnLen
	}
	n := fixedHeaderLen
	if len(b) < n+int(h.PnLen)+trailerLen {
		return nil, 0, ErrHeaderTooShort
	}
	for i := uint8(0); i < h.PnLen; i++ {
		h.PnBits |= uint32(b[n+int(i)]) << (8 * i)
	}
	n += int(h.PnLen)
	h.Flags = b[n]
	h.PayloadLen = binary.LittleEndian.Uint16(b[n+1 : n+3])
	n += trailerLen
	if len(b) < n+int(h.PayloadLen) {
		return nil, 0, ErrPayloadLength
	}
	return h, n, nil
}

// PeekDCID extracts the destination connection ID from a raw datagram
// without a full header parse.  The endpoint uses it to route datagrams.
func PeekDCID(b []byte) (uint32, bool) {
	if len(b) < 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b[4:8]), true
}

// TruncateLen picks the smallest packet number encoding that lets the peer
// recover pn given that it has acknowledged everything up to largestAcked.
// The window of candidate numbers must cover twice the distance.
func TruncateLen(pn, largestAcked uint64) uint8 {
	var dist uint64
	if largestAcked == InvalidPacketNumber {
		dist = pn + 1
	} else {
		dist = pn - largestAcked
	}
	switch {
	case dist < 1<<7:
		return 1
	case dist < 1<<15:
		return 2
	case dist < 1<<23:
		return 3
	default:
		return 4
	}
}

// RecoverPacketNumber reconstructs the full packet number from its truncated
// encoding, choosing the candidate closest to one past the highest packet
// number received so far.
func RecoverPacketNumber(truncated uint32, pnLen uint8, highestReceived uint64) uint64 {
	window := uint64(1) << (8 * pnLen)
	half := window / 2
	expected := uint64(0)
	if highestReceived != InvalidPacketNumber {
		expected = highestReceived + 1
	}
	candidate := (expected &^ (window - 1)) | uint64(truncated)
	if candidate+half <= expected && candidate+window <= MaxPacketNumber {
		return candidate + window
	}
	if candidate > expected+half && candidate >= window {
		return candidate - window
	}
	return candidate
}
