package connection

import (
	"crypto/rand"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/eular/utp/congestion"
	"github.com/eular/utp/frame"
	"github.com/eular/utp/metrics"
	"github.com/eular/utp/packet"
	"github.com/eular/utp/stream"
)

// ProtocolVersion is the wire version this implementation speaks.
const ProtocolVersion = 1

// Header flag bits.
const (
	// HeaderFlagHello marks cleartext handshake packets, sent before keys
	// exist.
	HeaderFlagHello = 0x01
)

// State is the connection state machine.
type State int32

// Connection states.
const (
	Disconnected State = iota
	WaitSendInitial
	InitialSent
	Wait0RTT
	Connected
	CloseSent
	CloseReceived
	PtoTimedWait
)

var stateName = map[State]string{
	Disconnected:    "Disconnected",
	WaitSendInitial: "WaitSendInitial",
	InitialSent:     "InitialSent",
	Wait0RTT:        "Wait0RTT",
	Connected:       "Connected",
	CloseSent:       "CloseSent",
	CloseReceived:   "CloseReceived",
	PtoTimedWait:    "PtoTimedWait",
}

func (s State) String() string {
	if n, ok := stateName[s]; ok {
		return n
	}
	return fmt.Sprintf("UnknownState(%d)", int32(s))
}

// Statistic is the per-connection counters surfaced to the application.
type Statistic struct {
	PingCount  uint64
	PongCount  uint64
	TxBytes    uint64
	AckedBytes uint64
	RtxBytes   uint64
	SRTT       uint64 // µs
	RTTVar     uint64 // µs
	RTO        uint64 // µs
}

// aeadFailureLimit closes the connection silently after this many
// consecutive failed opens.
const aeadFailureLimit = 3

// maxAckRanges bounds the ranges carried in one Ack frame.
const maxAckRanges = 32

// Window-probe (BLOCKED) backoff bounds, after the KCP WASK schedule.
const (
	probeInitUS  = 7000 * 1000
	probeLimitUS = 120000 * 1000
)

// SendFunc transmits one datagram.  It reports ErrWouldBlock (via
// IsWouldBlock) when the socket cannot accept more data.
type SendFunc func(b []byte, to *net.UDPAddr) error

// Conn is one transport connection.  Every method must be called from the
// owning endpoint's loop goroutine; Conn has no internal locking.
type Conn struct {
	LocalCID uint32
	PeerCID  uint32
	UUID     string

	cfg       Config
	initiator bool
	state     State
	remote    *net.UDPAddr

	pool *packet.Pool
	send SendFunc

	// Handshake material.
	keyPair     *packet.KeyPair
	keys        *packet.Keys
	localRandom [16]byte
	peerRandom  [16]byte
	peerPublic  [32]byte
	sessionTok  [32]byte
	hasSessTok  bool

	aeadFailures int

	// Packet number state.
	nextPackNo      uint64
	largestAcked    uint64
	highestReceived uint64

	// Receive-side ack bookkeeping.
	received          frame.RangeSet
	ackElicitingCount uint8
	firstUnackedAt    uint64 // µs arrival of the oldest unacked eliciting packet
	ackQueued         bool
	lastAckSent       uint64

	// Peer AckFrequency config.
	ackFreqSeq       uint8
	ackThreshold     uint8
	reorderThreshold uint32
	maxAckDelayUS    uint64

	// Sender-side loss state.
	unacked          []*packet.PacketOut
	unackedEliciting int
	lossHead         int32
	lossTail         int32

	rtt      congestion.RTTStats
	sampler  *congestion.Sampler
	bbr      *congestion.BBR
	inflight uint64

	mtu  mtuProber
	path pathState

	// Streams.
	streams        map[uint16]*stream.Stream
	nextStreamID   uint16
	peerMaxStreams uint16
	maxStreams     uint16
	rrCursor       uint16 // round-robin position for stream scheduling

	// Connection-level flow control.
	peerMaxData     uint64 // our send limit (absolute)
	sentData        uint64 // stream bytes sent (highest offset sum)
	localMaxData    uint64 // peer's send limit
	recvData        uint64 // stream bytes received
	deliveredData   uint64 // stream bytes delivered to the app
	connRecvWindow  uint64
	advertiseMax    bool
	advertiseMaxSID []uint16
	blockedAt       uint64 // next BLOCKED probe time, 0 = not probing
	blockedWait     uint64

	// Close/drain.
	closeCode   frame.ErrorCode
	closeReason string
	closeQueued bool
	closeSent   bool

	// Deadlines (µs, 0 = unarmed).
	handshakeAt   uint64
	handshakeRTO  uint64
	synRemaining  uint16
	idleAt        uint64
	ptoAt         uint64
	ptoCount      uint32
	lastEliciting uint64
	keepaliveAt   uint64
	keepaliveMiss uint16
	drainAt       uint64
	ackAt         uint64

	pingQueued       bool
	advertiseBlocked bool
	resetQueued      []frame.ResetStream

	// Pacing.
	lastSendTime uint64
	paceBudget   float64
	writeBlocked bool

	stats Statistic

	// Callbacks, invoked synchronously from the loop.
	OnConnected      func(err error)
	OnClosed         func(code frame.ErrorCode)
	OnStreamReadable func(id uint16)
}

// New creates a connection.  The caller (the endpoint) assigns the local
// CID and provides the shared packet pool and the datagram send function.
func New(cfg Config, localCID uint32, remote *net.UDPAddr, initiator bool, pool *packet.Pool, send SendFunc) *Conn {
	sampler := congestion.NewSampler(int(cfg.SendWindow) * 8)
	c := &Conn{
		LocalCID:  localCID,
		cfg:       cfg,
		initiator: initiator,
		state:     Disconnected,
		remote:    remote,
		pool:      pool,
		send:      send,

		largestAcked:    packet.InvalidPacketNumber,
		highestReceived: packet.InvalidPacketNumber,
		lossHead:        packet.NoLossChain,
		lossTail:        packet.NoLossChain,

		sampler: sampler,

		streams:        make(map[uint16]*stream.Stream),
		nextStreamID:   1,
		maxStreams:     256,
		peerMaxStreams: 256,

		ackThreshold:  cfg.AckElicitingThreshold,
		maxAckDelayUS: uint64(cfg.MaxAckDelay / time.Microsecond),

		synRemaining: cfg.SynRetries,
	}
	if !initiator {
		c.nextStreamID = 2
	}
	c.bbr = congestion.NewBBR(&c.rtt, sampler)
	c.bbr.SetOnModeChange(func(from, to congestion.Mode) {
		metrics.BBRModeTransitions.WithLabelValues(from.String(), to.String()).Inc()
	})
	c.reorderThreshold = cfg.ReorderingThreshold

	window := uint64(cfg.RecvWindow) * uint64(cfg.InitialMSS)
	c.connRecvWindow = window
	c.localMaxData = window
	c.peerMaxData = window // assumed symmetric until the peer says otherwise

	c.mtu.init(&c.cfg, remote)
	c.path.init(remote)
	return c
}

// State returns the connection state.
func (c *Conn) State() State { return c.state }

// Remote returns the current peer address.
func (c *Conn) Remote() *net.UDPAddr { return c.path.addr }

// Statistic returns a snapshot of the connection counters.
func (c *Conn) Statistic() Statistic {
	st := c.stats
	st.SRTT = c.rtt.SmoothedRTT()
	st.RTTVar = c.rtt.Var()
	st.RTO = c.rtt.RTO(c.maxAckDelayUS, c.cfg.InitialRTO, c.cfg.EffectiveMinRTO(), c.cfg.MaxRTO)
	return st
}

// MSS returns the connection's current maximum segment size.
func (c *Conn) MSS() uint16 { return c.mtu.mss }

// SetLinkMTU narrows the MTU search from the bound interface's link MTU.
func (c *Conn) SetLinkMTU(linkMTU uint16) { c.mtu.SetUpperBound(linkMTU) }

// SessionToken returns the session token minted for (or received from) the
// peer, if any.
func (c *Conn) SessionToken() ([32]byte, bool) { return c.sessionTok, c.hasSessTok }

// Connect starts the client handshake.
func (c *Conn) Connect(now uint64) error {
	if c.state != Disconnected {
		return fmt.Errorf("connection: connect in state %v", c.state)
	}
	kp, err := packet.NewKeyPair()
	if err != nil {
		return err
	}
	c.keyPair = kp
	c.localRandom = kp.Random
	c.state = WaitSendInitial
	c.handshakeRTO = c.cfg.InitialRTO
	c.sendInitial(now)
	return nil
}

// sendInitial builds and transmits the cleartext Initial packet.
func (c *Conn) sendInitial(now uint64) {
	po := c.pool.Get()
	if po == nil {
		c.enterDisconnected(frame.Internal)
		return
	}
	var payload []byte
	cr := &frame.Crypto{Random: c.keyPair.Random, Data: c.keyPair.Public}
	payload = cr.Encode(payload)
	payload = (&frame.Version{Version: ProtocolVersion}).Encode(payload)
	po.AddMeta(packet.FrameMeta{Type: frame.TypeCrypto, Length: uint16(cr.Len())})
	po.AddMeta(packet.FrameMeta{Type: frame.TypeVersion})
	po.Flags |= packet.FlagHello | packet.FlagNoEncrypt
	po.Buf = payload
	if c.transmit(now, po, true) {
		if c.state == WaitSendInitial {
			c.state = InitialSent
		}
		c.handshakeAt = now + c.handshakeRTO
	}
}

// AcceptInitial handles a client Initial on a freshly minted responder
// connection: derive keys and answer with our own handshake packet.
func (c *Conn) AcceptInitial(now uint64, hdr *packet.Header, cr *frame.Crypto, endpointSecret []byte) error {
	kp, err := packet.NewKeyPair()
	if err != nil {
		return err
	}
	c.keyPair = kp
	c.peerRandom = cr.Random
	c.peerPublic = cr.Data
	c.keys, err = kp.Derive(cr.Data, cr.Random, kp.Random, false)
	if err != nil {
		return err
	}
	c.sessionTok = packet.SessionTokenFor(endpointSecret, cr.Random, kp.Random)
	c.hasSessTok = true

	// The Initial itself must enter the ack state, or the client keeps
	// retransmitting it.
	pn := packet.RecoverPacketNumber(hdr.PnBits, hdr.PnLen, c.highestReceived)
	c.acceptPacketNumber(now, pn)
	c.noteAckEliciting(now)

	c.state = Connected
	c.armIdle(now)
	c.armKeepalive(now)
	c.sendHelloReply(now)
	if c.cfg.EnableDPLPMTUD {
		c.mtu.start(now)
	}
	return nil
}

// sendHelloReply transmits (or re-transmits) the responder's cleartext
// handshake packet.
func (c *Conn) sendHelloReply(now uint64) {
	po := c.pool.Get()
	if po == nil {
		return
	}
	var payload []byte
	reply := &frame.Crypto{Random: c.keyPair.Random, Data: c.keyPair.Public}
	payload = reply.Encode(payload)
	tok := &frame.SessionToken{Token: c.sessionTok}
	payload = tok.Encode(payload)
	po.AddMeta(packet.FrameMeta{Type: frame.TypeCrypto})
	po.AddMeta(packet.FrameMeta{Type: frame.TypeSessionToken})
	po.Flags |= packet.FlagHello | packet.FlagNoEncrypt
	po.Buf = payload
	c.transmit(now, po, true)
}

// Receive processes one datagram addressed to this connection.
func (c *Conn) Receive(now uint64, data []byte, from *net.UDPAddr) {
	hdr, off, err := packet.ParseHeader(data)
	if err != nil {
		metrics.DecodeErrors.WithLabelValues("header").Inc()
		return
	}
	headerBytes := data[:off]
	payload := data[off : off+int(hdr.PayloadLen)]

	pn := packet.RecoverPacketNumber(hdr.PnBits, hdr.PnLen, c.highestReceived)
	var plaintext []byte
	if hdr.Flags&HeaderFlagHello != 0 {
		plaintext = payload
	} else {
		if c.keys == nil {
			metrics.DecodeErrors.WithLabelValues("no_keys").Inc()
			return
		}
		plaintext, err = c.keys.Recv.Open(nil, headerBytes, payload, pn)
		if err != nil {
			c.aeadFailures++
			metrics.AEADFailures.Inc()
			log.Println("AEAD open failed on conn", c.LocalCID, "count", c.aeadFailures)
			if c.aeadFailures >= aeadFailureLimit {
				// Silent close: nothing goes on the wire.
				c.enterDisconnected(frame.Internal)
			}
			return
		}
		c.aeadFailures = 0
	}
	// A replayed packet number must not re-dispatch its frames.
	if c.received.Contains(pn) {
		return
	}
	c.acceptPacketNumber(now, pn)
	if hdr.SCID != 0 {
		c.PeerCID = hdr.SCID
	}

	c.path.observe(c, now, from, len(data))
	c.armIdle(now)

	frames, err := frame.DecodeAll(plaintext)
	if err != nil {
		metrics.DecodeErrors.WithLabelValues("frame").Inc()
		c.CloseWithError(now, frame.FrameFormatError, err.Error())
		return
	}
	eliciting := false
	for _, f := range frames {
		if f.Type() != frame.TypeAck && f.Type() != frame.TypePadding {
			eliciting = true
		}
		c.dispatch(now, f)
		if c.state == Disconnected {
			return
		}
	}
	if eliciting {
		c.noteAckEliciting(now)
	}
	c.schedule(now)
	c.maybeProbe(now)
}

func (c *Conn) acceptPacketNumber(now uint64, pn uint64) {
	c.received.Add(pn)
	if c.highestReceived == packet.InvalidPacketNumber || pn > c.highestReceived {
		c.highestReceived = pn
	}
	metrics.PacketsReceived.Inc()
}

func (c *Conn) noteAckEliciting(now uint64) {
	if c.ackElicitingCount == 0 {
		c.firstUnackedAt = now
	}
	c.ackElicitingCount++
	threshold := c.ackThreshold
	if threshold == 0 {
		threshold = 1
	}
	if c.ackElicitingCount >= threshold {
		c.ackQueued = true
		c.ackAt = 0
	} else if c.ackAt == 0 {
		c.ackAt = now + c.maxAckDelayUS
	}
}

// dispatch routes one decoded frame.
func (c *Conn) dispatch(now uint64, f frame.Frame) {
	switch f := f.(type) {
	case *frame.Ack:
		c.handleAck(now, f)
	case *frame.Stream:
		c.handleStream(now, f)
	case *frame.ResetStream:
		c.handleResetStream(f)
	case *frame.MaxData:
		// Absolute offsets make this idempotent.
		if f.MaximumData > c.peerMaxData {
			c.peerMaxData = f.MaximumData
			c.blockedAt = 0
		}
	case *frame.MaxStreamData:
		if s, ok := c.streams[f.StreamID]; ok {
			s.UpdatePeerLimit(f.MaximumStreamData)
		}
	case *frame.MaxStreams:
		if f.StreamType == frame.StreamTypeBidi && f.Maximum > c.peerMaxStreams {
			c.peerMaxStreams = f.Maximum
		}
	case *frame.Blocked, *frame.StreamBlocked:
		// The peer is probing for window updates; our regular MaxData
		// advertisement logic answers.
		c.advertiseMax = true
	case *frame.Ping:
		c.stats.PongCount++
	case *frame.PathChallenge:
		c.path.onChallenge(f.Token)
	case *frame.PathResponse:
		c.path.onResponse(c, f.Token)
	case *frame.Crypto:
		c.handleCrypto(now, f)
	case *frame.SessionToken:
		c.sessionTok = f.Token
		c.hasSessTok = true
	case *frame.AckFrequency:
		// Highest sequence wins; reordered stale configs are ignored.
		if f.Seq > c.ackFreqSeq || c.ackFreqSeq == 0 {
			c.ackFreqSeq = f.Seq
			c.ackThreshold = f.AckElicitingThreshold
			c.reorderThreshold = uint32(f.ReorderingThreshold)
			c.maxAckDelayUS = uint64(f.MaxAckDelayMS) * 1000
		}
	case *frame.Version:
		if f.Version != ProtocolVersion {
			c.CloseWithError(now, frame.VersionMismatch, "")
		}
	case *frame.ConnectionClose:
		c.handleConnectionClose(now, f)
	case *frame.Padding:
		// skip
	}
}

func (c *Conn) handleCrypto(now uint64, f *frame.Crypto) {
	if c.keys != nil {
		// A duplicate Initial means our handshake reply was lost.
		if !c.initiator && f.Random == c.peerRandom {
			c.sendHelloReply(now)
		}
		return
	}
	if c.keyPair == nil {
		return
	}
	keys, err := c.keyPair.Derive(f.Data, c.keyPair.Random, f.Random, true)
	if err != nil {
		c.enterDisconnected(frame.Internal)
		if c.OnConnected != nil {
			c.OnConnected(err)
		}
		return
	}
	c.keys = keys
	c.peerRandom = f.Random
	c.peerPublic = f.Data
	c.handshakeAt = 0
	if c.state == InitialSent || c.state == Wait0RTT {
		c.state = Connected
		c.armIdle(now)
		c.armKeepalive(now)
		if c.cfg.EnableDPLPMTUD {
			c.mtu.start(now)
		}
		metrics.ConnectionsEstablished.Inc()
		if c.OnConnected != nil {
			c.OnConnected(nil)
		}
	}
}

func (c *Conn) handleStream(now uint64, f *frame.Stream) {
	if c.state != Connected && c.state != CloseSent {
		return
	}
	s := c.getOrCreateStream(f.StreamID)
	if s == nil {
		c.CloseWithError(now, frame.StreamLimitError, "")
		return
	}
	// Connection-level flow control sums the per-stream high-water marks.
	end := f.Offset + uint64(len(f.Data))
	var newBytes uint64
	if end > s.HighestOff() {
		newBytes = end - s.HighestOff()
	}
	if c.recvData+newBytes > c.localMaxData {
		c.CloseWithError(now, frame.FlowControlViolation, "connection flow control")
		return
	}
	if err := s.Receive(f); err != nil {
		switch err {
		case stream.ErrFlowControl:
			c.CloseWithError(now, frame.FlowControlViolation, "")
		case stream.ErrFinalOffsetMismatch:
			c.CloseWithError(now, frame.FrameFormatError, "final offset mismatch")
		default:
			c.CloseWithError(now, frame.StreamStateError, "")
		}
		return
	}
	c.recvData += newBytes
	if c.OnStreamReadable != nil {
		c.OnStreamReadable(f.StreamID)
	}
}

func (c *Conn) handleResetStream(f *frame.ResetStream) {
	if s, ok := c.streams[f.StreamID]; ok {
		s.Reset(f.FinalOffset)
		if c.OnStreamReadable != nil {
			c.OnStreamReadable(f.StreamID)
		}
	}
}

func (c *Conn) handleConnectionClose(now uint64, f *frame.ConnectionClose) {
	switch c.state {
	case Connected:
		c.state = CloseReceived
		c.ackQueued = true
		c.armDrain(now)
		if c.OnClosed != nil {
			c.OnClosed(f.ErrorCode)
		}
	case CloseSent:
		c.state = PtoTimedWait
		c.armDrain(now)
	case CloseReceived, PtoTimedWait:
		// Duplicate; the drain timer is already running.
	default:
		c.enterDisconnected(f.ErrorCode)
	}
}

// CreateStream opens a new locally-initiated stream.
func (c *Conn) CreateStream() (uint16, error) {
	if c.state != Connected {
		return 0, stream.ErrStreamClosed
	}
	if uint16(len(c.streams)) >= c.peerMaxStreams {
		return 0, stream.ErrStreamState
	}
	id := c.nextStreamID
	c.nextStreamID += 2
	c.streams[id] = stream.New(id, c.connRecvWindow, c.connRecvWindow)
	return id, nil
}

func (c *Conn) getOrCreateStream(id uint16) *stream.Stream {
	if s, ok := c.streams[id]; ok {
		return s
	}
	if uint16(len(c.streams)) >= c.maxStreams {
		return nil
	}
	s := stream.New(id, c.connRecvWindow, c.connRecvWindow)
	c.streams[id] = s
	return s
}

// Write queues application bytes on a stream.
func (c *Conn) Write(now uint64, id uint16, p []byte) (int, error) {
	if c.state != Connected {
		return 0, stream.ErrStreamClosed
	}
	s, ok := c.streams[id]
	if !ok {
		return 0, stream.ErrStreamClosed
	}
	n, err := s.Write(p)
	if err != nil {
		return n, err
	}
	c.schedule(now)
	return n, nil
}

// Read drains available in-order bytes from a stream.
func (c *Conn) Read(now uint64, id uint16) ([]byte, bool, error) {
	s, ok := c.streams[id]
	if !ok {
		return nil, false, stream.ErrStreamClosed
	}
	data, fin := s.Read()
	c.deliveredData += uint64(len(data))
	// Slide the flow control windows as the application consumes data.
	if limit, ok := s.ShouldAdvertise(); ok {
		s.Advertised(limit)
		c.advertiseMaxSID = append(c.advertiseMaxSID, id)
	}
	if c.deliveredData+c.connRecvWindow >= c.localMaxData+c.connRecvWindow/2 {
		c.localMaxData = c.deliveredData + c.connRecvWindow
		c.advertiseMax = true
	}
	c.schedule(now)
	return data, fin, nil
}

// ResetStream abruptly terminates the sending side of a stream; buffered
// and in-flight data for it is abandoned.
func (c *Conn) ResetStream(now uint64, id uint16, code frame.ErrorCode) error {
	s, ok := c.streams[id]
	if !ok {
		return stream.ErrStreamClosed
	}
	final := s.WriteOffset()
	s.ResetSent()
	c.resetQueued = append(c.resetQueued, frame.ResetStream{
		StreamID:    id,
		ErrorCode:   code,
		FinalOffset: final,
	})
	c.schedule(now)
	return nil
}

// CloseStream queues a FIN on a stream.
func (c *Conn) CloseStream(now uint64, id uint16) error {
	s, ok := c.streams[id]
	if !ok {
		return stream.ErrStreamClosed
	}
	if err := s.CloseWrite(); err != nil {
		return err
	}
	c.schedule(now)
	return nil
}

// Close starts a graceful close: pending stream data is flushed, then a
// ConnectionClose is sent and the connection drains for 3 PTO periods.
// Close is idempotent.
func (c *Conn) Close(now uint64) {
	c.CloseWithError(now, frame.NoError, "")
}

// CloseWithError starts a close with the given code.
func (c *Conn) CloseWithError(now uint64, code frame.ErrorCode, reason string) {
	switch c.state {
	case Disconnected, CloseSent, CloseReceived, PtoTimedWait:
		return
	case WaitSendInitial, InitialSent, Wait0RTT:
		// Cancelling an in-progress connect sends nothing; state is freed
		// when the handshake timer expires so forged Initials cannot
		// exhaust us.
		c.closeCode = frame.Cancelled
		return
	}
	c.closeCode = code
	c.closeReason = reason
	c.closeQueued = true
	c.state = CloseSent
	c.armDrain(now)
	c.schedule(now)
}

// Shutdown tears the connection down immediately without draining.
func (c *Conn) Shutdown() {
	c.enterDisconnected(frame.Cancelled)
}

func (c *Conn) enterDisconnected(code frame.ErrorCode) {
	if c.state == Disconnected {
		return
	}
	prev := c.state
	c.state = Disconnected
	c.releaseAll()
	metrics.ConnectionsClosed.WithLabelValues(code.String()).Inc()
	log.Printf("conn %d closed (%v) from %v: tx=%d rtx=%d ping=%d pong=%d",
		c.LocalCID, code, prev, c.stats.TxBytes, c.stats.RtxBytes,
		c.stats.PingCount, c.stats.PongCount)
	if prev != CloseSent && prev != CloseReceived && prev != PtoTimedWait {
		if c.OnClosed != nil {
			c.OnClosed(code)
		}
	}
}

// releaseAll returns every in-flight record to the pool.
func (c *Conn) releaseAll() {
	for _, po := range c.unacked {
		if po.BWState != nil {
			c.sampler.OnPacketLost(po.BWState)
			po.BWState = nil
		}
		c.pool.Put(po)
	}
	c.unacked = nil
	c.unackedEliciting = 0
	for idx := c.lossHead; idx != packet.NoLossChain; {
		po := c.pool.At(idx)
		next := po.LossNext
		c.pool.Put(po)
		idx = next
	}
	c.lossHead = packet.NoLossChain
	c.lossTail = packet.NoLossChain
}

// Advance fires due timers and runs the scheduler.  It returns the next
// deadline in µs, or 0 if no timer is armed.
func (c *Conn) Advance(now uint64) uint64 {
	switch c.state {
	case Disconnected:
		return 0
	case InitialSent, WaitSendInitial:
		if c.handshakeAt != 0 && now >= c.handshakeAt {
			c.onHandshakeTimeout(now)
		}
	case CloseSent, CloseReceived, PtoTimedWait:
		if c.drainAt != 0 && now >= c.drainAt {
			c.enterDisconnected(c.closeCode)
			return 0
		}
	}
	if c.idleAt != 0 && now >= c.idleAt {
		log.Println("conn", c.LocalCID, "idle timeout")
		c.enterDisconnected(frame.Timeout)
		return 0
	}
	if c.ptoAt != 0 && now >= c.ptoAt {
		c.onPTO(now)
	}
	if c.keepaliveAt != 0 && now >= c.keepaliveAt {
		c.onKeepalive(now)
	}
	if c.mtu.deadline != 0 && now >= c.mtu.deadline {
		c.mtu.onTimeout(c, now)
	}
	if c.ackAt != 0 && now >= c.ackAt {
		c.ackQueued = true
		c.ackAt = 0
	}
	if c.blockedAt != 0 && now >= c.blockedAt {
		c.queueBlockedProbe(now)
	}
	c.schedule(now)
	c.maybeProbe(now)
	return c.nextDeadline()
}

// OnICMPFragNeeded feeds an ICMP fragmentation-needed report into the MTU
// prober.
func (c *Conn) OnICMPFragNeeded(now uint64, nextHopMTU uint32) {
	c.mtu.onICMPFragNeeded(c, now, nextHopMTU)
}

// OnUnreachable tears the connection down after an ICMP unreachable report.
func (c *Conn) OnUnreachable(now uint64) {
	c.CloseWithError(now, frame.TransportUnreachable, "icmp unreachable")
	c.enterDisconnected(frame.TransportUnreachable)
}

func (c *Conn) nextDeadline() uint64 {
	min := uint64(0)
	add := func(d uint64) {
		if d != 0 && (min == 0 || d < min) {
			min = d
		}
	}
	add(c.handshakeAt)
	add(c.idleAt)
	add(c.ptoAt)
	add(c.keepaliveAt)
	add(c.drainAt)
	add(c.ackAt)
	add(c.mtu.deadline)
	add(c.blockedAt)
	return min
}

func (c *Conn) onHandshakeTimeout(now uint64) {
	if c.closeCode != frame.NoError {
		// connect() was cancelled; free quietly.
		c.enterDisconnected(frame.Cancelled)
		return
	}
	if c.synRemaining == 0 {
		c.enterDisconnected(frame.Timeout)
		if c.OnConnected != nil {
			c.OnConnected(fmt.Errorf("connection: handshake timeout"))
		}
		return
	}
	c.synRemaining--
	c.handshakeRTO *= 2
	c.sendInitial(now)
}

// pto returns the current probe timeout in µs.
func (c *Conn) pto() uint64 {
	return c.rtt.RTO(c.maxAckDelayUS, c.cfg.InitialRTO, c.cfg.EffectiveMinRTO(), c.cfg.MaxRTO)
}

func (c *Conn) onPTO(now uint64) {
	c.ptoAt = 0
	if c.unackedEliciting == 0 {
		return
	}
	if c.ptoCount >= c.cfg.MaxRetransmissions {
		log.Println("conn", c.LocalCID, "PTO budget exhausted")
		c.closeCode = frame.Timeout
		c.state = PtoTimedWait
		c.armDrain(now)
		return
	}
	c.ptoCount++
	metrics.PTOFired.Inc()
	c.sendProbe(now)
	c.armPTO(now)
}

func (c *Conn) armPTO(now uint64) {
	if c.unackedEliciting == 0 {
		c.ptoAt = 0
		return
	}
	timeout := c.pto() << c.ptoCount
	if timeout > c.cfg.MaxRTO {
		timeout = c.cfg.MaxRTO
	}
	c.ptoAt = now + timeout
}

func (c *Conn) onKeepalive(now uint64) {
	c.keepaliveAt = 0
	if c.state != Connected || c.cfg.KeepaliveInterval <= 0 {
		return
	}
	if c.keepaliveMiss >= c.cfg.KeepaliveRetries {
		c.enterDisconnected(frame.Timeout)
		return
	}
	c.keepaliveMiss++
	c.sendProbe(now)
	c.stats.PingCount++
	c.armKeepalive(now)
}

func (c *Conn) armKeepalive(now uint64) {
	if c.cfg.KeepaliveInterval <= 0 {
		c.keepaliveAt = 0
		return
	}
	c.keepaliveAt = now + uint64(c.cfg.KeepaliveInterval/time.Microsecond)
}

func (c *Conn) armIdle(now uint64) {
	if c.cfg.IdleTimeout <= 0 {
		c.idleAt = 0
		return
	}
	c.idleAt = now + uint64(c.cfg.IdleTimeout/time.Microsecond)
	c.keepaliveMiss = 0
}

func (c *Conn) armDrain(now uint64) {
	c.drainAt = now + 3*c.pto()
}

// queueBlockedProbe emits a BLOCKED frame when the peer's credit has been
// exhausted for the probe interval, with doubling backoff.
func (c *Conn) queueBlockedProbe(now uint64) {
	if c.sentData < c.peerMaxData {
		c.blockedAt = 0
		c.blockedWait = 0
		return
	}
	c.blockedWait *= 2
	if c.blockedWait < probeInitUS {
		c.blockedWait = probeInitUS
	}
	if c.blockedWait > probeLimitUS {
		c.blockedWait = probeLimitUS
	}
	c.blockedAt = now + c.blockedWait
	c.advertiseBlocked = true
}

// Drained reports whether the connection is fully torn down and its CID can
// be released.
func (c *Conn) Drained() bool {
	return c.state == Disconnected
}

// randToken fills an 8-byte path token.
func randToken() (tok [8]byte) {
	if _, err := rand.Read(tok[:]); err != nil {
		panic(err)
	}
	return tok
}
