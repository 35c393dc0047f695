// Package frame implements the typed frames carried in transport packets:
// the on-wire encoding and decoding of all eighteen frame types, and the
// ACK-range arithmetic used to describe sets of received packet numbers.
//
// All multi-byte integers are little-endian.  Every frame starts with a one
// byte type tag.  Decoders never read past the input they are given and
// return ErrFrameFormat when a field overflows the input or violates a
// type-specific constraint.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Error types.
var (
	ErrFrameFormat = errors.New("frame: malformed frame")
	ErrUnknownType = errors.New("frame: unknown frame type")
)

// Type is the one byte frame type tag.
type Type uint8

// The frame types.
const (
	TypeInvalid         Type = 0x00
	TypeStream          Type = 0x01
	TypeAck             Type = 0x02
	TypePadding         Type = 0x03
	TypeResetStream     Type = 0x04
	TypeConnectionClose Type = 0x05
	TypeBlocked         Type = 0x06
	TypeStreamBlocked   Type = 0x07
	TypePing            Type = 0x08
	TypeMaxData         Type = 0x09
	TypeMaxStreamData   Type = 0x0A
	TypeMaxStreams      Type = 0x0B
	TypePathChallenge   Type = 0x0C
	TypePathResponse    Type = 0x0D
	TypeCrypto          Type = 0x0E
	TypeSessionToken    Type = 0x0F
	TypeAckFrequency    Type = 0x10
	TypeVersion         Type = 0x11
	typeMax             Type = 0x12
)

var typeNames = map[Type]string{
	TypeInvalid:         "Invalid",
	TypeStream:          "Stream",
	TypeAck:             "Ack",
	TypePadding:         "Padding",
	TypeResetStream:     "ResetStream",
	TypeConnectionClose: "ConnectionClose",
	TypeBlocked:         "Blocked",
	TypeStreamBlocked:   "StreamBlocked",
	TypePing:            "Ping",
	TypeMaxData:         "MaxData",
	TypeMaxStreamData:   "MaxStreamData",
	TypeMaxStreams:      "MaxStreams",
	TypePathChallenge:   "PathChallenge",
	TypePathResponse:    "PathResponse",
	TypeCrypto:          "Crypto",
	TypeSessionToken:    "SessionToken",
	TypeAckFrequency:    "AckFrequency",
	TypeVersion:         "Version",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UnknownFrame(%#02x)", uint8(t))
}

// TypeBit is a bitmap over frame types, used to record which frame types a
// packet contains.
type TypeBit uint32

// Bit returns the TypeBit with only t's bit set.
func (t Type) Bit() TypeBit {
	return TypeBit(1) << t
}

// Has reports whether the bitmap contains t.
func (b TypeBit) Has(t Type) bool {
	return b&t.Bit() != 0
}

func (b TypeBit) String() string {
	var parts []string
	for t := TypeInvalid; t < typeMax; t++ {
		if b.Has(t) {
			parts = append(parts, t.String())
		}
	}
	return strings.Join(parts, "|")
}

// Sizes of the fixed-length frame fields.
const (
	PathTokenSize    = 8
	CryptoRandomSize = 16
	CryptoDataSize   = 32
	SessionTokenSize = 32

	// FinFlag marks a Stream frame that carries the stream's final offset.
	FinFlag uint8 = 0x80
)

// A Frame is one typed unit carried in a packet payload.
type Frame interface {
	// Type returns the frame's one byte type tag.
	Type() Type
	// Encode appends the frame's wire form, including the type tag, to b
	// and returns the extended slice.
	Encode(b []byte) []byte
	// Len returns the encoded size in bytes, including the type tag.
	Len() int
}

// Stream carries stream payload bytes at an absolute offset.
type Stream struct {
	StreamID uint16
	Flags    uint8
	Offset   uint64
	Data     []byte
}

// Fin reports whether the frame carries the stream's final offset.
func (f *Stream) Fin() bool { return f.Flags&FinFlag != 0 }

func (f *Stream) Type() Type { return TypeStream }

func (f *Stream) Len() int { return 1 + 2 + 1 + 8 + 2 + len(f.Data) }

func (f *Stream) Encode(b []byte) []byte {
	b = append(b, byte(TypeStream))
	b = le16(b, f.StreamID)
	b = append(b, f.Flags)
	b = le64(b, f.Offset)
	b = le16(b, uint16(len(f.Data)))
	return append(b, f.Data...)
}

// AckRange describes one alternating run of unacked and acked packets below
// the previous range: Gap+1 unacked packet numbers followed by Length+1
// acked packet numbers.
type AckRange struct {
	Gap    uint32
	Length uint32
}

// Ack acknowledges ranges of packet numbers descending from Largest.  The
// first contiguous run covers FirstRange+1 packets ending at Largest; each
// entry of Ranges then describes Gap+1 unacked packets followed by Length+1
// acked packets.  Ranges holds only the ranges beyond the first; peers that
// count the first range in the range count are rejected as malformed.
type Ack struct {
	DelayMS    uint16
	Largest    uint64
	FirstRange uint64
	Ranges     []AckRange
}

func (f *Ack) Type() Type { return TypeAck }

func (f *Ack) Len() int { return 1 + 2 + 8 + 8 + 1 + 8*len(f.Ranges) }

func (f *Ack) Encode(b []byte) []byte {
	b = append(b, byte(TypeAck))
	b = le16(b, f.DelayMS)
	b = le64(b, f.Largest)
	b = le64(b, f.FirstRange)
	b = append(b, byte(len(f.Ranges)))
	for _, r := range f.Ranges {
		b = le32(b, r.Gap)
		b = le32(b, r.Length)
	}
	return b
}

// Smallest returns the lowest packet number the frame acknowledges.
func (f *Ack) Smallest() uint64 {
	low := f.Largest - f.FirstRange
	for _, r := range f.Ranges {
		low -= uint64(r.Gap) + 1 + uint64(r.Length) + 1
	}
	return low
}

// Acked reports every acknowledged packet number in descending order,
// walking the ranges downward from Largest exactly as they lie on the wire.
func (f *Ack) Acked() []uint64 {
	var acked []uint64
	pn := f.Largest
	for i := uint64(0); i <= f.FirstRange; i++ {
		acked = append(acked, pn)
		pn--
	}
	// pn is now the highest unacknowledged number below the first run.
	for _, r := range f.Ranges {
		top := pn - uint64(r.Gap) - 1
		for i := uint64(0); i <= uint64(r.Length); i++ {
			acked = append(acked, top-i)
		}
		pn = top - uint64(r.Length) - 1
	}
	return acked
}

// Padding expands a packet by Length arbitrary bytes.  The byte values are
// not meaningful; decoders skip them.
type Padding struct {
	Length uint16
}

func (f *Padding) Type() Type { return TypePadding }

func (f *Padding) Len() int { return 1 + 2 + int(f.Length) }

func (f *Padding) Encode(b []byte) []byte {
	b = append(b, byte(TypePadding))
	b = le16(b, f.Length)
	return append(b, make([]byte, f.Length)...)
}

// ResetStream abruptly terminates the sending side of a stream.
type ResetStream struct {
	StreamID    uint16
	ErrorCode   ErrorCode
	FinalOffset uint64
}

func (f *ResetStream) Type() Type { return TypeResetStream }

func (f *ResetStream) Len() int { return 1 + 2 + 2 + 8 }

func (f *ResetStream) Encode(b []byte) []byte {
	b = append(b, byte(TypeResetStream))
	b = le16(b, f.StreamID)
	b = le16(b, uint16(f.ErrorCode))
	return le64(b, f.FinalOffset)
}

// ConnectionClose announces the connection is being torn down.  Reason is
// UTF-8 and may be empty.
type ConnectionClose struct {
	ErrorCode ErrorCode
	Reason    string
}

func (f *ConnectionClose) Type() Type { return TypeConnectionClose }

func (f *ConnectionClose) Len() int { return 1 + 2 + 2 + len(f.Reason) }

func (f *ConnectionClose) Encode(b []byte) []byte {
	b = append(b, byte(TypeConnectionClose))
	b = le16(b, uint16(f.ErrorCode))
	b = le16(b, uint16(len(f.Reason)))
	return append(b, f.Reason...)
}

// Blocked reports that the sender has connection-level data to send but is
// blocked at MaximumData by the peer's flow-control limit.
type Blocked struct {
	MaximumData uint64
}

func (f *Blocked) Type() Type { return TypeBlocked }

func (f *Blocked) Len() int { return 1 + 8 }

func (f *Blocked) Encode(b []byte) []byte {
	b = append(b, byte(TypeBlocked))
	return le64(b, f.MaximumData)
}

// StreamBlocked is the stream-level analog of Blocked.
type StreamBlocked struct {
	StreamID          uint16
	MaximumStreamData uint64
}

func (f *StreamBlocked) Type() Type { return TypeStreamBlocked }

func (f *StreamBlocked) Len() int { return 1 + 2 + 8 }

func (f *StreamBlocked) Encode(b []byte) []byte {
	b = append(b, byte(TypeStreamBlocked))
	b = le16(b, f.StreamID)
	return le64(b, f.MaximumStreamData)
}

// Ping elicits an acknowledgment.  It has no body.
type Ping struct{}

func (f *Ping) Type() Type { return TypePing }

func (f *Ping) Len() int { return 1 }

func (f *Ping) Encode(b []byte) []byte { return append(b, byte(TypePing)) }

// MaxData advertises the connection-level flow control limit as an absolute
// offset.  Absolute values make the frame idempotent: processing the same
// frame twice cannot inflate the credit, and reordered or retransmitted
// copies are harmless.
type MaxData struct {
	MaximumData uint64
}

func (f *MaxData) Type() Type { return TypeMaxData }

func (f *MaxData) Len() int { return 1 + 8 }

func (f *MaxData) Encode(b []byte) []byte {
	b = append(b, byte(TypeMaxData))
	return le64(b, f.MaximumData)
}

// MaxStreamData advertises a stream-level flow control limit, also as an
// absolute offset.
type MaxStreamData struct {
	StreamID          uint16
	MaximumStreamData uint64
}

func (f *MaxStreamData) Type() Type { return TypeMaxStreamData }

func (f *MaxStreamData) Len() int { return 1 + 2 + 8 }

func (f *MaxStreamData) Encode(b []byte) []byte {
	b = append(b, byte(TypeMaxStreamData))
	b = le16(b, f.StreamID)
	return le64(b, f.MaximumStreamData)
}

// Stream type values for MaxStreams.
const (
	StreamTypeBidi uint8 = 0
	StreamTypeUni  uint8 = 1
)

// MaxStreams advertises the maximum number of streams of the given type the
// peer may open.
type MaxStreams struct {
	StreamType uint8
	Maximum    uint16
}

func (f *MaxStreams) Type() Type { return TypeMaxStreams }

func (f *MaxStreams) Len() int { return 1 + 1 + 2 }

func (f *MaxStreams) Encode(b []byte) []byte {
	b = append(b, byte(TypeMaxStreams))
	b = append(b, f.StreamType)
	return le16(b, f.Maximum)
}

// PathChallenge probes a network path with a fresh random token.
type PathChallenge struct {
	Token [PathTokenSize]byte
}

func (f *PathChallenge) Type() Type { return TypePathChallenge }

func (f *PathChallenge) Len() int { return 1 + PathTokenSize }

func (f *PathChallenge) Encode(b []byte) []byte {
	b = append(b, byte(TypePathChallenge))
	return append(b, f.Token[:]...)
}

// PathResponse echoes the token of a PathChallenge received on the path.
type PathResponse struct {
	Token [PathTokenSize]byte
}

func (f *PathResponse) Type() Type { return TypePathResponse }

func (f *PathResponse) Len() int { return 1 + PathTokenSize }

func (f *PathResponse) Encode(b []byte) []byte {
	b = append(b, byte(TypePathResponse))
	return append(b, f.Token[:]...)
}

// Crypto carries handshake key material: a random nonce and the sender's
// key-agreement public data.
type Crypto struct {
	Random [CryptoRandomSize]byte
	Data   [CryptoDataSize]byte
}

func (f *Crypto) Type() Type { return TypeCrypto }

func (f *Crypto) Len() int { return 1 + CryptoRandomSize + CryptoDataSize }

func (f *Crypto) Encode(b []byte) []byte {
	b = append(b, byte(TypeCrypto))
	b = append(b, f.Random[:]...)
	return append(b, f.Data[:]...)
}

// SessionToken hands the peer an opaque token it may present on reconnect.
// EffectiveSeconds of zero means the maximum lifetime (about 18.2 hours).
type SessionToken struct {
	EffectiveSeconds uint16
	Token            [SessionTokenSize]byte
}

func (f *SessionToken) Type() Type { return TypeSessionToken }

func (f *SessionToken) Len() int { return 1 + 2 + SessionTokenSize }

func (f *SessionToken) Encode(b []byte) []byte {
	b = append(b, byte(TypeSessionToken))
	b = le16(b, f.EffectiveSeconds)
	return append(b, f.Token[:]...)
}

// AckFrequency tunes the peer's acknowledgment behavior.  The receiver keeps
// the configuration with the highest Seq seen; lower sequence numbers are
// stale and ignored, so reordered frames cannot roll the config back.
type AckFrequency struct {
	Seq                   uint8
	AckElicitingThreshold uint8
	ReorderingThreshold   uint8
	MaxAckDelayMS         uint32
}

func (f *AckFrequency) Type() Type { return TypeAckFrequency }

func (f *AckFrequency) Len() int { return 1 + 1 + 1 + 1 + 4 }

func (f *AckFrequency) Encode(b []byte) []byte {
	b = append(b, byte(TypeAckFrequency))
	b = append(b, f.Seq, f.AckElicitingThreshold, f.ReorderingThreshold)
	return le32(b, f.MaxAckDelayMS)
}

// Version carries the sender's protocol version for negotiation.
type Version struct {
	Version uint32
}

func (f *Version) Type() Type { return TypeVersion }

func (f *Version) Len() int { return 1 + 4 }

func (f *Version) Encode(b []byte) []byte {
	b = append(b, byte(TypeVersion))
	return le32(b, f.Version)
}

// Decode parses the first frame in b and returns it along with the number of
// bytes consumed.
func Decode(b []byte) (Frame, int, error) {
	if len(b) == 0 {
		return nil, 0, ErrFrameFormat
	}
	t := Type(b[0])
	body := b[1:]
	var (
		f   Frame
		n   int
		err error
	)
	switch t {
	case TypeStream:
		f, n, err = decodeStream(body)
	case TypeAck:
		f, n, err = decodeAck(body)
	case TypePadding:
		f, n, err = decodePadding(body)
	case TypeResetStream:
		f, n, err = decodeResetStream(body)
	case TypeConnectionClose:
		f, n, err = decodeConnectionClose(body)
	case TypeBlocked:
		f, n, err = decodeBlocked(body)
	case TypeStreamBlocked:
		f, n, err = decodeStreamBlocked(body)
	case TypePing:
		f, n, err = &Ping{}, 0, nil
	case TypeMaxData:
		f, n, err = decodeMaxData(body)
	case TypeMaxStreamData:
		f, n, err = decodeMaxStreamData(body)
	case TypeMaxStreams:
		f, n, err = decodeMaxStreams(body)
	case TypePathChallenge:
		f, n, err = decodePathChallenge(body)
	case TypePathResponse:
		f, n, err = decodePathResponse(body)
	case TypeCrypto:
		f, n, err = decodeCrypto(body)
	case TypeSessionToken:
		f, n, err = decodeSessionToken(body)
	case TypeAckFrequency:
		f, n, err = decodeAckFrequency(body)
	case TypeVersion:
		f, n, err = decodeVersion(body)
	default:
		return nil, 0, ErrUnknownType
	}
	if err != nil {
		return nil, 0, err
	}
	return f, 1 + n, nil
}

// DecodeAll parses every frame in a packet payload.
func DecodeAll(b []byte) ([]Frame, error) {
	var frames []Frame
	for len(b) > 0 {
		f, n, err := Decode(b)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
		b = b[n:]
	}
	return frames, nil
}

func decodeStream(b []byte) (Frame, int, error) {
	if len(b) < 13 {
		return nil, 0, ErrFrameFormat
	}
	f := &Stream{
		StreamID: binary.LittleEndian.Uint16(b[0:2]),
		Flags:    b[2],
		Offset:   binary.LittleEndian.Uint64(b[3:11]),
	}
	length := int(binary.LittleEndian.Uint16(b[11:13]))
	if len(b) < 13+length {
		return nil, 0, ErrFrameFormat
	}
	f.Data = b[13 : 13+length]
	return f, 13 + length, nil
}

func decodeAck(b []byte) (Frame, int, error) {
	if len(b) < 19 {
		return nil, 0, ErrFrameFormat
	}
	f := &Ack{
		DelayMS:    binary.LittleEndian.Uint16(b[0:2]),
		Largest:    binary.LittleEndian.Uint64(b[2:10]),
		FirstRange: binary.LittleEndian.Uint64(b[10:18]),
	}
	count := int(b[18])
	n := 19
	if len(b) < n+8*count {
		return nil, 0, ErrFrameFormat
	}
	if f.FirstRange > f.Largest {
		return nil, 0, ErrFrameFormat
	}
	// Walk the ranges downward, rejecting any frame whose lowest packet
	// number would underflow zero.
	low := f.Largest - f.FirstRange
	for i := 0; i < count; i++ {
		r := AckRange{
			Gap:    binary.LittleEndian.Uint32(b[n:]),
			Length: binary.LittleEndian.Uint32(b[n+4:]),
		}
		n += 8
		span := uint64(r.Gap) + 1 + uint64(r.Length) + 1
		if span > low {
			return nil, 0, ErrFrameFormat
		}
		low -= span
		f.Ranges = append(f.Ranges, r)
	}
	return f, n, nil
}

func decodePadding(b []byte) (Frame, int, error) {
	if len(b) < 2 {
		return nil, 0, ErrFrameFormat
	}
	length := int(binary.LittleEndian.Uint16(b[0:2]))
	if len(b) < 2+length {
		return nil, 0, ErrFrameFormat
	}
	return &Padding{Length: uint16(length)}, 2 + length, nil
}

func decodeResetStream(b []byte) (Frame, int, error) {
	if len(b) < 12 {
		return nil, 0, ErrFrameFormat
	}
	return &ResetStream{
		StreamID:    binary.LittleEndian.Uint16(b[0:2]),
		ErrorCode:   ErrorCode(binary.LittleEndian.Uint16(b[2:4])),
		FinalOffset: binary.LittleEndian.Uint64(b[4:12]),
	}, 12, nil
}

func decodeConnectionClose(b []byte) (Frame, int, error) {
	if len(b) < 4 {
		return nil, 0, ErrFrameFormat
	}
	length := int(binary.LittleEndian.Uint16(b[2:4]))
	if len(b) < 4+length {
		return nil, 0, ErrFrameFormat
	}
	return &ConnectionClose{
		ErrorCode: ErrorCode(binary.LittleEndian.Uint16(b[0:2])),
		Reason:    string(b[4 : 4+length]),
	}, 4 + length, nil
}

func decodeBlocked(b []byte) (Frame, int, error) {
	if len(b) < 8 {
		return nil, 0, ErrFrameFormat
	}
	return &Blocked{MaximumData: binary.LittleEndian.Uint64(b[0:8])}, 8, nil
}

func decodeStreamBlocked(b []byte) (Frame, int, error) {
	if len(b) < 10 {
		return nil, 0, ErrFrameFormat
	}
	return &StreamBlocked{
		StreamID:          binary.LittleEndian.Uint16(b[0:2]),
		MaximumStreamData: binary.LittleEndian.Uint64(b[2:10]),
	}, 10, nil
}

func decodeMaxData(b []byte) (Frame, int, error) {
	if len(b) < 8 {
		return nil, 0, ErrFrameFormat
	}
	return &MaxData{MaximumData: binary.LittleEndian.Uint64(b[0:8])}, 8, nil
}

func decodeMaxStreamData(b []byte) (Frame, int, error) {
	if len(b) < 10 {
		return nil, 0, ErrFrameFormat
	}
	return &MaxStreamData{
		StreamID:          binary.LittleEndian.Uint16(b[0:2]),
		MaximumStreamData: binary.LittleEndian.Uint64(b[2:10]),
	}, 10, nil
}

func decodeMaxStreams(b []byte) (Frame, int, error) {
	if len(b) < 3 {
		return nil, 0, ErrFrameFormat
	}
	if b[0] != StreamTypeBidi && b[0] != StreamTypeUni {
		return nil, 0, ErrFrameFormat
	}
	return &MaxStreams{
		StreamType: b[0],
		Maximum:    binary.LittleEndian.Uint16(b[1:3]),
	}, 3, nil
}

func decodePathChallenge(b []byte) (Frame, int, error) {
	if len(b) < PathTokenSize {
		return nil, 0, ErrFrameFormat
	}
	f := &PathChallenge{}
	copy(f.Token[:], b)
	return f, PathTokenSize, nil
}

func decodePathResponse(b []byte) (Frame, int, error) {
	if len(b) < PathTokenSize {
		return nil, 0, ErrFrameFormat
	}
	f := &PathResponse{}
	copy(f.Token[:], b)
	return f, PathTokenSize, nil
}

func decodeCrypto(b []byte) (Frame, int, error) {
	if len(b) < CryptoRandomSize+CryptoDataSize {
		return nil, 0, ErrFrameFormat
	}
	f := &Crypto{}
	copy(f.Random[:], b[:CryptoRandomSize])
	copy(f.Data[:], b[CryptoRandomSize:CryptoRandomSize+CryptoDataSize])
	return f, CryptoRandomSize + CryptoDataSize, nil
}

func decodeSessionToken(b []byte) (Frame, int, error) {
	if len(b) < 2+SessionTokenSize {
		return nil, 0, ErrFrameFormat
	}
	f := &SessionToken{EffectiveSeconds: binary.LittleEndian.Uint16(b[0:2])}
	copy(f.Token[:], b[2:2+SessionTokenSize])
	return f, 2 + SessionTokenSize, nil
}

func decodeAckFrequency(b []byte) (Frame, int, error) {
	if len(b) < 7 {
		return nil, 0, ErrFrameFormat
	}
	return &AckFrequency{
		Seq:                   b[0],
		AckElicitingThreshold: b[1],
		ReorderingThreshold:   b[2],
		MaxAckDelayMS:         binary.LittleEndian.Uint32(b[3:7]),
	}, 7, nil
}

func decodeVersion(b []byte) (Frame, int, error) {
	if len(b) < 4 {
		return nil, 0, ErrFrameFormat
	}
	return &Version{Version: binary.LittleEndian.Uint32(b[0:4])}, 4, nil
}

func le16(b []byte, v uint16) []byte {
	return append(b, byte(v), byte(v>>8))
}

func le32(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func le64(b []byte, v uint64) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}
