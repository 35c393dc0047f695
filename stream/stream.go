// Package stream implements the per-stream send and receive machinery:
// offset-addressed byte buffers, flow control accounting, FIN handling, and
// the stream state machines.  The stream is the authority on which bytes
// must be retransmitted; lost packets re-request ranges from their owning
// streams rather than replaying stale serializations.
package stream

import (
	"bytes"
	"errors"

	"github.com/eular/utp/frame"
)

// Error types.
var (
	ErrFlowControl         = errors.New("stream: peer exceeded advertised flow control limit")
	ErrFinalOffsetMismatch = errors.New("stream: data extends past a received FIN")
	ErrOverlapMismatch     = errors.New("stream: overlapping data does not match")
	ErrStreamState         = errors.New("stream: operation invalid in current state")
	ErrStreamClosed        = errors.New("stream: stream closed")
)

// SendState is the sending half's state machine.
type SendState int32

// Send states.
const (
	SendReady SendState = iota
	SendSend
	SendDataSent
	SendResetSent
	SendDataRecvd
	SendResetRecvd
)

// RecvState is the receiving half's state machine.
type RecvState int32

// Recv states.
const (
	RecvRecv RecvState = iota
	RecvSizeKnown
	RecvDataRecvd
	RecvResetRecvd
	RecvDataRead
	RecvResetRead
)

// byteRange is a half-open range [lo, hi) of stream offsets.
type byteRange struct {
	lo, hi uint64
}

// Stream is one bidirectional stream.  All methods run on the endpoint
// loop; nothing here locks.
type Stream struct {
	ID uint16

	// Send side.
	sendState SendState
	sendBase  uint64 // offset of sendBuf[0]
	sendBuf   []byte // retained bytes sendBase..writeOffset
	writeOff  uint64 // next byte the application writes
	sentOff   uint64 // highest contiguous offset handed to the scheduler
	ackedOff  uint64 // contiguous acked prefix
	acked     []byteRange
	pending   []byteRange // ranges awaiting (re)send, sorted by lo
	finQueued bool
	finSent   bool
	finAcked  bool

	// Peer's flow control limit for us (absolute offset).
	PeerMaxStreamData uint64

	// Receive side.
	recvState  RecvState
	recvRanges []recvRange
	readOff    uint64
	highestOff uint64

	// Our advertised limit and the window used to slide it.
	LocalMaxStreamData uint64
	RecvWindow         uint64

	finRecvd    bool
	finalOffset uint64
	hasFinal    bool
}

type recvRange struct {
	off  uint64
	data []byte
}

// New creates a stream with the given initial flow control state.
func New(id uint16, peerMaxData, localMaxData uint64) *Stream {
	return &Stream{
		ID:                 id,
		PeerMaxStreamData:  peerMaxData,
		LocalMaxStreamData: localMaxData,
		RecvWindow:         localMaxData,
	}
}

// State returns the sending half's state.
func (s *Stream) State() SendState { return s.sendState }

// RecvSide returns the receiving half's state.
func (s *Stream) RecvSide() RecvState { return s.recvState }

// Write appends p to the send buffer.  Bytes are retained until acked.
func (s *Stream) Write(p []byte) (int, error) {
	switch s.sendState {
	case SendResetSent, SendResetRecvd, SendDataRecvd:
		return 0, ErrStreamClosed
	}
	if s.finQueued {
		return 0, ErrStreamState
	}
	s.sendBuf = append(s.sendBuf, p...)
	s.addPending(s.writeOff, s.writeOff+uint64(len(p)))
	s.writeOff += uint64(len(p))
	s.sendState = SendSend
	return len(p), nil
}

// CloseWrite queues a FIN at the current write offset.
func (s *Stream) CloseWrite() error {
	switch s.sendState {
	case SendResetSent, SendResetRecvd:
		return ErrStreamClosed
	}
	s.finQueued = true
	return nil
}

// FinQueued reports whether a FIN still needs to be carried in a frame.
func (s *Stream) FinQueued() bool {
	return s.finQueued && !s.finSent
}

// HasPending reports whether the stream has bytes (or a FIN) to send within
// its own flow control limit.  connLimit is the remaining connection-level
// credit in bytes.
func (s *Stream) HasPending(connLimit uint64) bool {
	if s.FinQueued() {
		return true
	}
	if len(s.pending) == 0 || connLimit == 0 {
		return false
	}
	return s.pending[0].lo < s.PeerMaxStreamData
}

// Blocked reports whether the stream has data it cannot send purely because
// of its stream-level limit.
func (s *Stream) Blocked() bool {
	return len(s.pending) > 0 && s.pending[0].lo >= s.PeerMaxStreamData
}

// NextFrame builds the next Stream frame, honoring the stream limit, the
// connection credit, and maxPayload bytes of room.  It returns nil when
// nothing is sendable.  The returned frame's data aliases the send buffer;
// it must be serialized before the next ack can trim the buffer.
func (s *Stream) NextFrame(maxPayload int, connLimit uint64) *frame.Stream {
	if maxPayload <= 0 {
		return nil
	}
	for len(s.pending) > 0 {
		r := s.pending[0]
		if r.lo >= s.writeOff || r.lo >= r.hi {
			s.pending = s.pending[1:]
			continue
		}
		if r.lo >= s.PeerMaxStreamData {
			return s.finOnlyFrame()
		}
		hi := r.hi
		if hi > s.PeerMaxStreamData {
			hi = s.PeerMaxStreamData
		}
		if hi-r.lo > connLimit {
			hi = r.lo + connLimit
		}
		if hi-r.lo > uint64(maxPayload) {
			hi = r.lo + uint64(maxPayload)
		}
		if hi == r.lo {
			return nil
		}
		f := &frame.Stream{
			StreamID: s.ID,
			Offset:   r.lo,
			Data:     s.sendBuf[r.lo-s.sendBase : hi-s.sendBase],
		}
		if hi == r.hi {
			s.pending = s.pending[1:]
		} else {
			s.pending[0].lo = hi
		}
		if hi > s.sentOff {
			s.sentOff = hi
		}
		// A FIN rides along when the frame ends exactly at the final
		// offset and nothing else is pending.
		if s.finQueued && hi == s.writeOff {
			f.Flags |= frame.FinFlag
			s.finSent = true
			s.sendState = SendDataSent
		}
		return f
	}
	return s.finOnlyFrame()
}

func (s *Stream) finOnlyFrame() *frame.Stream {
	if !s.FinQueued() || len(s.pending) > 0 {
		return nil
	}
	s.finSent = true
	s.sendState = SendDataSent
	return &frame.Stream{
		StreamID: s.ID,
		Flags:    frame.FinFlag,
		Offset:   s.writeOff,
	}
}

// Requeue puts a lost range (and FIN, if it was lost) back on the pending
// list.  Only the not-yet-acked parts are re-queued.
func (s *Stream) Requeue(offset uint64, length uint16, fin bool) {
	if fin {
		s.finSent = false
	}
	lo, hi := offset, offset+uint64(length)
	if lo < s.ackedOff {
		lo = s.ackedOff
	}
	for _, a := range s.acked {
		// Clip against out-of-order acked ranges one piece at a time; the
		// common case is no overlap at all.
		if a.lo <= lo && lo < a.hi {
			lo = a.hi
		}
	}
	if lo < hi {
		s.addPending(lo, hi)
	}
}

// MarkAcked records that the peer acknowledged [offset, offset+length), and
// trims the retained buffer when the contiguous acked prefix advances.
func (s *Stream) MarkAcked(offset uint64, length uint16, fin bool) {
	if fin {
		s.finAcked = true
	}
	lo, hi := offset, offset+uint64(length)
	if hi > lo {
		s.acked = append(s.acked, byteRange{lo, hi})
	}
	// Advance the contiguous prefix.
	for progress := true; progress; {
		progress = false
		for i := 0; i < len(s.acked); i++ {
			a := s.acked[i]
			if a.lo <= s.ackedOff && a.hi > s.ackedOff {
				s.ackedOff = a.hi
				s.acked = append(s.acked[:i], s.acked[i+1:]...)
				progress = true
				break
			}
			if a.hi <= s.ackedOff {
				s.acked = append(s.acked[:i], s.acked[i+1:]...)
				progress = true
				break
			}
		}
	}
	if trim := s.ackedOff - s.sendBase; trim > 0 {
		s.sendBuf = s.sendBuf[trim:]
		s.sendBase = s.ackedOff
	}
	if s.finAcked && s.ackedOff == s.writeOff && s.sendState == SendDataSent {
		s.sendState = SendDataRecvd
	}
}

// AllAcked reports whether every written byte (and the FIN, if queued) has
// been acknowledged.
func (s *Stream) AllAcked() bool {
	if s.ackedOff != s.writeOff {
		return false
	}
	return !s.finQueued || s.finAcked
}

func (s *Stream) addPending(lo, hi uint64) {
	// Insert keeping the list sorted; merge with neighbors when adjacent.
	i := 0
	for i < len(s.pending) && s.pending[i].lo < lo {
		i++
	}
	s.pending = append(s.pending, byteRange{})
	copy(s.pending[i+1:], s.pending[i:])
	s.pending[i] = byteRange{lo, hi}
	// Coalesce overlapping or adjacent neighbors.
	for j := 0; j+1 < len(s.pending); {
		if s.pending[j].hi >= s.pending[j+1].lo {
			if s.pending[j+1].hi > s.pending[j].hi {
				s.pending[j].hi = s.pending[j+1].hi
			}
			s.pending = append(s.pending[:j+1], s.pending[j+2:]...)
		} else {
			j++
		}
	}
}

// Receive inserts an incoming Stream frame into the reassembly buffer.
// Overlapping data must match what was already received byte for byte.
func (s *Stream) Receive(f *frame.Stream) error {
	switch s.recvState {
	case RecvResetRecvd, RecvResetRead, RecvDataRead:
		return ErrStreamState
	}
	end := f.Offset + uint64(len(f.Data))
	if end > s.LocalMaxStreamData {
		return ErrFlowControl
	}
	if s.hasFinal {
		if end > s.finalOffset {
			return ErrFinalOffsetMismatch
		}
		if f.Fin() && f.Offset+uint64(len(f.Data)) != s.finalOffset {
			return ErrFinalOffsetMismatch
		}
	}
	if f.Fin() {
		if s.hasFinal && s.finalOffset != end {
			return ErrFinalOffsetMismatch
		}
		if end < s.highestOff {
			return ErrFinalOffsetMismatch
		}
		s.hasFinal = true
		s.finalOffset = end
		s.finRecvd = true
		if s.recvState == RecvRecv {
			s.recvState = RecvSizeKnown
		}
	}
	if end > s.highestOff {
		s.highestOff = end
	}
	if len(f.Data) > 0 && end > s.readOff {
		if err := s.insert(f.Offset, f.Data); err != nil {
			return err
		}
	}
	if s.hasFinal && s.contiguousTo(s.finalOffset) {
		if s.recvState == RecvSizeKnown {
			s.recvState = RecvDataRecvd
		}
	}
	return nil
}

func (s *Stream) insert(off uint64, data []byte) error {
	// Trim the part already delivered.
	if off < s.readOff {
		skip := s.readOff - off
		if skip >= uint64(len(data)) {
			return nil
		}
		off = s.readOff
		data = data[skip:]
	}
	// Validate against every overlapping stored range, then store only the
	// genuinely new pieces.
	i := 0
	for i < len(s.recvRanges) && s.recvRanges[i].off+uint64(len(s.recvRanges[i].data)) <= off {
		i++
	}
	for len(data) > 0 && i < len(s.recvRanges) {
		r := s.recvRanges[i]
		rEnd := r.off + uint64(len(r.data))
		end := off + uint64(len(data))
		if end <= r.off {
			break
		}
		if off < r.off {
			// Leading piece before this range is new.
			n := r.off - off
			s.storeRange(i, off, append([]byte(nil), data[:n]...))
			off += n
			data = data[n:]
			i++
			continue
		}
		// Overlap: bytes must agree.
		ovEnd := end
		if rEnd < ovEnd {
			ovEnd = rEnd
		}
		if !bytes.Equal(data[:ovEnd-off], r.data[off-r.off:ovEnd-r.off]) {
			return ErrOverlapMismatch
		}
		data = data[ovEnd-off:]
		off = ovEnd
		if off >= rEnd {
			i++
		}
	}
	if len(data) > 0 {
		s.storeRange(i, off, append([]byte(nil), data...))
	}
	return nil
}

func (s *Stream) storeRange(i int, off uint64, data []byte) {
	s.recvRanges = append(s.recvRanges, recvRange{})
	copy(s.recvRanges[i+1:], s.recvRanges[i:])
	s.recvRanges[i] = recvRange{off: off, data: data}
}

func (s *Stream) contiguousTo(target uint64) bool {
	next := s.readOff
	for _, r := range s.recvRanges {
		if r.off > next {
			return false
		}
		if end := r.off + uint64(len(r.data)); end > next {
			next = end
		}
		if next >= target {
			return true
		}
	}
	return next >= target
}

// Read returns the contiguous bytes available past the delivery offset,
// consuming them.  The second result reports whether the stream has ended
// (FIN received and all bytes delivered).
func (s *Stream) Read() ([]byte, bool) {
	var out []byte
	for len(s.recvRanges) > 0 {
		r := s.recvRanges[0]
		if r.off > s.readOff {
			break
		}
		end := r.off + uint64(len(r.data))
		if end > s.readOff {
			out = append(out, r.data[s.readOff-r.off:]...)
			s.readOff = end
		}
		s.recvRanges = s.recvRanges[1:]
	}
	finished := s.finRecvd && s.hasFinal && s.readOff >= s.finalOffset
	if finished && s.recvState == RecvDataRecvd {
		s.recvState = RecvDataRead
	}
	return out, finished
}

// ReadOffset returns the delivery offset.
func (s *Stream) ReadOffset() uint64 { return s.readOff }

// HighestOff returns the highest received offset.
func (s *Stream) HighestOff() uint64 { return s.highestOff }

// WriteOffset returns the highest offset the application has written.
func (s *Stream) WriteOffset() uint64 { return s.writeOff }

// ShouldAdvertise reports whether the local flow control limit should be
// raised, which happens once delivery crosses the half-window watermark.
// The new limit to advertise is returned.
func (s *Stream) ShouldAdvertise() (uint64, bool) {
	newLimit := s.readOff + s.RecvWindow
	if newLimit >= s.LocalMaxStreamData+s.RecvWindow/2 {
		return newLimit, true
	}
	return 0, false
}

// Advertised records that newLimit was carried in a MaxStreamData frame.
func (s *Stream) Advertised(newLimit uint64) {
	if newLimit > s.LocalMaxStreamData {
		s.LocalMaxStreamData = newLimit
	}
}

// UpdatePeerLimit applies a MaxStreamData frame.  The absolute encoding
// makes it idempotent; stale frames cannot shrink the limit.
func (s *Stream) UpdatePeerLimit(limit uint64) {
	if limit > s.PeerMaxStreamData {
		s.PeerMaxStreamData = limit
	}
}

// Reset applies a ResetStream frame from the peer.
func (s *Stream) Reset(finalOffset uint64) {
	s.recvState = RecvResetRecvd
	s.finalOffset = finalOffset
	s.hasFinal = true
	s.recvRanges = nil
}

// ResetSent marks the sending half reset locally.
func (s *Stream) ResetSent() {
	s.sendState = SendResetSent
	s.pending = nil
	s.sendBuf = nil
	s.finQueued = false
}

// FinRecvd reports whether a FIN has been received.
func (s *Stream) FinRecvd() bool { return s.finRecvd }

// FinSent reports whether a FIN has been sent.
func (s *Stream) FinSent() bool { return s.finSent }
