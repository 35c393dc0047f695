package packet

import (
	"github.com/eular/utp/congestion"
	"github.com/eular/utp/frame"
)

// Flags records where a PacketOut is in its lifecycle and how it must be
// handled on the wire.
type Flags uint16

// PacketOut flags.
const (
	FlagHello     Flags = 1 << 0 // carries Initial or handshake frames
	FlagEncrypted Flags = 1 << 1 // payload has been sealed
	FlagResetPn   Flags = 1 << 2 // packet number must be reassigned
	FlagNoEncrypt Flags = 1 << 3 // sent in cleartext (pre-handshake)
	FlagMtuProbe  Flags = 1 << 4 // DPLPMTUD probe, loss does not count
	FlagUnacked   Flags = 1 << 5 // on the unacknowledged list
	FlagSched     Flags = 1 << 6 // on the scheduler queue
	FlagLost      Flags = 1 << 7 // on the loss chain awaiting retransmit
)

// NoLossChain marks the end of a loss chain.
const NoLossChain = int32(-1)

// FrameMeta records one frame's position inside a packet buffer, plus the
// stream bytes it carries when the frame is stream data.  Lost packets are
// unwound frame by frame from these records.
type FrameMeta struct {
	Type         frame.Type
	Offset       uint16 // frame start within the packet buffer
	Length       uint16 // encoded frame length
	StreamID     uint16
	StreamOffset uint64
	DataLen      uint16 // stream payload bytes carried
	Fin          bool
	HasStream    bool
}

// inlineMetas is the common case: nearly all packets carry a handful of
// frames, so metadata lives inline and only unusually dense packets spill
// to the heap.
const inlineMetas = 4

// PacketOut tracks one sent (or about to be sent) packet from assembly
// until it is acknowledged or declared lost and released back to the pool.
type PacketOut struct {
	PackNo   uint64
	AckNo    uint64 // largest received pn when the packet carries an Ack
	SentTime uint64 // µs, monotonic

	Buf        []byte // serialized frames, then sealed in place
	AllocSize  uint16
	DataSize   uint16
	SealedSize uint16

	FrameTypes frame.TypeBit
	Flags      Flags

	BWState *congestion.PacketState

	// LossNext chains lost packets awaiting retransmission.  The chain is
	// an index into the owning pool, never a pointer, so records can be
	// relocated and reused safely.
	LossNext int32

	Metas []FrameMeta

	poolIndex int32
	inline    [inlineMetas]FrameMeta
}

// Reset prepares a pooled record for reuse.
func (po *PacketOut) Reset() {
	idx := po.poolIndex
	inl := po.inline
	*po = PacketOut{}
	po.inline = inl
	po.poolIndex = idx
	po.PackNo = InvalidPacketNumber
	po.AckNo = InvalidPacketNumber
	po.LossNext = NoLossChain
	po.Metas = po.inline[:0]
}

// Index returns the record's slot in its pool.
func (po *PacketOut) Index() int32 {
	return po.poolIndex
}

// AddMeta appends one frame's metadata.
func (po *PacketOut) AddMeta(m FrameMeta) {
	po.Metas = append(po.Metas, m)
	po.FrameTypes |= m.Type.Bit()
}

// AckEliciting reports whether the packet must be acknowledged by the peer.
// Pure Ack and Padding packets are not ack-eliciting.
func (po *PacketOut) AckEliciting() bool {
	return po.FrameTypes&^(frame.TypeAck.Bit()|frame.TypePadding.Bit()) != 0
}

// StreamBytes returns the total stream payload bytes the packet carries.
func (po *PacketOut) StreamBytes() int {
	total := 0
	for i := range po.Metas {
		if po.Metas[i].HasStream {
			total += int(po.Metas[i].DataLen)
		}
	}
	return total
}
