// Package endpoint multiplexes many transport connections over one UDP
// socket.  It owns the socket, the CID allocation bitmap, and the single
// goroutine loop on which all connection state is mutated.  Incoming
// datagrams are routed by the destination CID in the cleartext header;
// unknown CIDs are dropped unless the datagram is a client Initial and an
// accept callback is registered.
package endpoint

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/eular/utp/clock"
	"github.com/eular/utp/connection"
	"github.com/eular/utp/eventsocket"
	"github.com/eular/utp/frame"
	"github.com/eular/utp/metrics"
	"github.com/eular/utp/packet"
	"github.com/eular/utp/trace"
)

// Error types.
var (
	ErrClosed    = errors.New("endpoint: endpoint closed")
	ErrNoFreeCID = errors.New("endpoint: no free connection IDs")
)

// cidSlots is the number of locally assignable connection IDs.  CID 0 is
// reserved to mean "not yet known" on client Initials.
const cidSlots = 65535

// maxDatagram is the largest datagram the reader accepts.
const maxDatagram = 65536

// loopPollInterval caps how long the loop sleeps with no armed deadline.
const loopPollInterval = 100 * time.Millisecond

type inbound struct {
	data []byte
	from *net.UDPAddr
}

// Endpoint owns one UDP socket and the connections multiplexed over it.
type Endpoint struct {
	cfg   connection.Config
	sock  *net.UDPConn
	local *net.UDPAddr

	linkMTU uint16 // interface MTU when bound to a device, else 0

	// secret keys the session tokens this endpoint issues.
	secret [32]byte

	pool   *packet.Pool
	conns  map[uint32]*connection.Conn
	byAddr map[string]uint32 // responder connections, for duplicate Initials
	cids   [cidSlots/64 + 1]uint64

	onNew func(*connection.Conn)

	// tokens remembers session tokens issued to peers, with expiry, so a
	// reconnecting holder can be recognized.
	tokens map[[32]byte]time.Time

	events eventsocket.Server

	traceC    chan<- []*trace.Record
	lastTrace uint64

	cmdC chan func()
	pktC chan inbound
	done chan struct{}
}

// traceIntervalUS is how often connection snapshots go to the trace saver.
const traceIntervalUS = 1000 * 1000

// Bind creates the endpoint's UDP socket with the transport socket options
// (DF bit, error queue, buffer sizes, optional interface binding) and
// starts the endpoint loop.
func Bind(ip string, port int, ifname string, cfg connection.Config) (*Endpoint, error) {
	e := &Endpoint{
		cfg:    cfg,
		pool:   packet.NewPool(int(cfg.SendWindow) * 64),
		conns:  make(map[uint32]*connection.Conn),
		byAddr: make(map[string]uint32),
		tokens: make(map[[32]byte]time.Time),
		events: eventsocket.NullServer(),
		cmdC:   make(chan func(), 64),
		pktC:   make(chan inbound, 256),
		done:   make(chan struct{}),
	}
	if _, err := rand.Read(e.secret[:]); err != nil {
		return nil, err
	}

	sock, err := openSocket(ip, port, ifname)
	if err != nil {
		return nil, err
	}
	e.sock = sock
	e.local = sock.LocalAddr().(*net.UDPAddr)
	if ifname != "" {
		if mtu, err := interfaceMTU(ifname); err == nil {
			e.linkMTU = mtu
		} else {
			log.Println("could not read MTU of", ifname, ":", err)
		}
	}

	go e.readLoop()
	go e.run()
	log.Println("endpoint bound to", e.local)
	return e, nil
}

// LocalAddr returns the bound address.
func (e *Endpoint) LocalAddr() *net.UDPAddr { return e.local }

// SetEventServer publishes connection lifecycle events to srv.
func (e *Endpoint) SetEventServer(srv eventsocket.Server) {
	e.do(func() { e.events = srv })
}

// SetTraceChannel streams periodic connection snapshots to a trace saver.
func (e *Endpoint) SetTraceChannel(ch chan<- []*trace.Record) {
	e.do(func() { e.traceC = ch })
}

func (e *Endpoint) snapshot(c *connection.Conn, closed bool) *trace.Record {
	st := c.Statistic()
	return &trace.Record{
		UUID:      c.UUID,
		Timestamp: time.Now(),
		State:     c.State().String(),
		SRTT:      st.SRTT,
		RTTVar:    st.RTTVar,
		RTO:       st.RTO,
		TxBytes:   st.TxBytes,
		RtxBytes:  st.RtxBytes,
		PingCount: st.PingCount,
		PongCount: st.PongCount,
		MSS:       c.MSS(),
		Closed:    closed,
	}
}

// maybeTrace emits one snapshot batch per trace interval.
func (e *Endpoint) maybeTrace(now uint64) {
	if e.traceC == nil || now-e.lastTrace < traceIntervalUS {
		return
	}
	e.lastTrace = now
	recs := make([]*trace.Record, 0, len(e.conns))
	for _, c := range e.conns {
		recs = append(recs, e.snapshot(c, false))
	}
	if len(recs) == 0 {
		return
	}
	select {
	case e.traceC <- recs:
	default:
		// The saver is behind; dropping a snapshot batch is harmless.
	}
}

// Listen registers the accept callback invoked (on the endpoint loop) for
// every connection accepted from a peer Initial.
func (e *Endpoint) Listen(onNew func(*connection.Conn)) {
	e.do(func() { e.onNew = onNew })
}

// Connect starts a client handshake toward ip:port.  onConnected fires on
// the endpoint loop when the handshake completes or fails.
func (e *Endpoint) Connect(ip string, port int, timeout time.Duration, onConnected func(*connection.Conn, error)) (*connection.Conn, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
	if addr.IP == nil {
		return nil, fmt.Errorf("endpoint: bad address %q", ip)
	}
	var (
		conn *connection.Conn
		err  error
	)
	e.doWait(func() {
		cid, ok := e.allocCID()
		if !ok {
			err = ErrNoFreeCID
			return
		}
		c := connection.New(e.cfg, cid, addr, true, e.pool, e.sendDatagram)
		c.UUID = connUUID(cid)
		if e.linkMTU != 0 {
			c.SetLinkMTU(e.linkMTU)
		}
		c.OnConnected = func(cerr error) {
			if cerr == nil {
				e.flowCreated(c)
			}
			if onConnected != nil {
				onConnected(c, cerr)
			}
		}
		c.OnClosed = func(code frame.ErrorCode) {
			e.flowDeleted(c)
		}
		e.conns[cid] = c
		metrics.OpenConnections.Set(float64(len(e.conns)))
		if err = c.Connect(clock.Now()); err != nil {
			delete(e.conns, cid)
			e.freeCID(cid)
			metrics.OpenConnections.Set(float64(len(e.conns)))
			return
		}
		conn = c
	})
	return conn, err
}

// Close gracefully closes a connection; the CID is retired after the
// 3-PTO drain.
func (e *Endpoint) Close(c *connection.Conn, timeout time.Duration) {
	e.do(func() { c.Close(clock.Now()) })
}

// Shutdown tears a connection down immediately.
func (e *Endpoint) Shutdown(c *connection.Conn) {
	e.do(func() { c.Shutdown() })
}

// CreateStream opens a stream on a connection.
func (e *Endpoint) CreateStream(c *connection.Conn) (uint16, error) {
	var (
		id  uint16
		err error
	)
	e.doWait(func() { id, err = c.CreateStream() })
	return id, err
}

// Write queues bytes on a stream.
func (e *Endpoint) Write(c *connection.Conn, streamID uint16, p []byte) (int, error) {
	var (
		n   int
		err error
	)
	e.doWait(func() { n, err = c.Write(clock.Now(), streamID, p) })
	return n, err
}

// Read drains available in-order bytes from a stream.  fin reports that
// the peer finished the stream and everything has been delivered.
func (e *Endpoint) Read(c *connection.Conn, streamID uint16) (data []byte, fin bool, err error) {
	e.doWait(func() { data, fin, err = c.Read(clock.Now(), streamID) })
	return data, fin, err
}

// CloseStream sends a FIN on a stream.
func (e *Endpoint) CloseStream(c *connection.Conn, streamID uint16) error {
	var err error
	e.doWait(func() { err = c.CloseStream(clock.Now(), streamID) })
	return err
}

// Statistic snapshots a connection's counters.
func (e *Endpoint) Statistic(c *connection.Conn) connection.Statistic {
	var st connection.Statistic
	e.doWait(func() { st = c.Statistic() })
	return st
}

// Stop closes the socket and terminates the loop.  Connections are shut
// down without draining.
func (e *Endpoint) Stop() {
	e.doWait(func() {
		for cid, c := range e.conns {
			c.Shutdown()
			e.freeCID(cid)
		}
		e.conns = make(map[uint32]*connection.Conn)
	})
	close(e.done)
	e.sock.Close()
}

// do posts fn to the loop without waiting.
func (e *Endpoint) do(fn func()) {
	select {
	case e.cmdC <- fn:
	case <-e.done:
	}
}

// doWait posts fn to the loop and waits for it to run.
func (e *Endpoint) doWait(fn func()) {
	doneC := make(chan struct{})
	e.do(func() {
		fn()
		close(doneC)
	})
	select {
	case <-doneC:
	case <-e.done:
	}
}

// readLoop blocks on the socket and feeds datagrams to the endpoint loop.
func (e *Endpoint) readLoop() {
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := e.sock.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-e.done:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				continue
			}
			log.Println("endpoint read error:", err)
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case e.pktC <- inbound{data: data, from: from}:
		case <-e.done:
			return
		}
	}
}

// run is the endpoint loop.  All connection state is mutated here and only
// here; there is no locking anywhere in the engine.
func (e *Endpoint) run() {
	timer := time.NewTimer(loopPollInterval)
	defer timer.Stop()
	for {
		select {
		case <-e.done:
			return
		case fn := <-e.cmdC:
			fn()
		case in := <-e.pktC:
			e.handleDatagram(in)
			// Drain any burst that arrived while we were busy.
			for drained := 0; drained < 64; drained++ {
				select {
				case more := <-e.pktC:
					e.handleDatagram(more)
				default:
					drained = 64
				}
			}
		case <-timer.C:
		}

		now := clock.Now()
		e.pollErrQueue(now)
		next := uint64(0)
		for cid, c := range e.conns {
			d := c.Advance(now)
			if c.Drained() {
				e.retire(cid, c)
				continue
			}
			if d != 0 && (next == 0 || d < next) {
				next = d
			}
		}
		e.maybeTrace(now)

		sleep := loopPollInterval
		if next != 0 {
			if next <= now {
				sleep = time.Millisecond
			} else if d := clock.Duration(next - now); d < sleep {
				sleep = d
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(sleep)
	}
}

func (e *Endpoint) handleDatagram(in inbound) {
	now := clock.Now()
	dcid, ok := packet.PeekDCID(in.data)
	if !ok {
		metrics.DecodeErrors.WithLabelValues("runt").Inc()
		return
	}
	if c, ok := e.conns[dcid]; ok && dcid != 0 {
		c.Receive(now, in.data, in.from)
		return
	}
	// Unknown CID: only a client Initial may mint state.
	hdr, off, err := packet.ParseHeader(in.data)
	if err != nil || hdr.Flags&connection.HeaderFlagHello == 0 {
		metrics.DecodeErrors.WithLabelValues("unknown_cid").Inc()
		return
	}
	// A duplicate Initial from a known peer means our handshake reply was
	// lost; route it to the existing connection.
	if cid, ok := e.byAddr[in.from.String()]; ok {
		if c, ok := e.conns[cid]; ok {
			c.Receive(now, in.data, in.from)
			return
		}
	}
	if e.onNew == nil {
		return
	}
	e.accept(now, hdr, in.data[off:off+int(hdr.PayloadLen)], in.from)
}

// sessionTokenLifetime is how long an issued token stays honored: the
// maximum the wire field can express (65535 s, about 18.2 h).
const sessionTokenLifetime = 65535 * time.Second

// accept mints a responder connection from a client Initial.
func (e *Endpoint) accept(now uint64, hdr *packet.Header, payload []byte, from *net.UDPAddr) {
	frames, err := frame.DecodeAll(payload)
	if err != nil {
		metrics.DecodeErrors.WithLabelValues("initial").Inc()
		return
	}
	var cr *frame.Crypto
	resumed := false
	for _, f := range frames {
		switch f := f.(type) {
		case *frame.Crypto:
			if cr == nil {
				cr = f
			}
		case *frame.SessionToken:
			if exp, ok := e.tokens[f.Token]; ok && time.Now().Before(exp) {
				resumed = true
			}
		}
	}
	if cr == nil {
		return
	}
	if resumed {
		log.Println("accepting resumed session from", from)
	}
	cid, ok := e.allocCID()
	if !ok {
		log.Println("accept dropped: CID space exhausted")
		return
	}
	c := connection.New(e.cfg, cid, from, false, e.pool, e.sendDatagram)
	c.UUID = connUUID(cid)
	c.PeerCID = hdr.SCID
	if e.linkMTU != 0 {
		c.SetLinkMTU(e.linkMTU)
	}
	c.OnClosed = func(code frame.ErrorCode) {
		e.flowDeleted(c)
	}
	if err := c.AcceptInitial(now, hdr, cr, e.secret[:]); err != nil {
		log.Println("accept failed:", err)
		e.freeCID(cid)
		return
	}
	e.conns[cid] = c
	e.byAddr[from.String()] = cid
	if tok, ok := c.SessionToken(); ok {
		e.tokens[tok] = time.Now().Add(sessionTokenLifetime)
		// Opportunistically drop expired tokens so the map stays bounded.
		for t, exp := range e.tokens {
			if time.Now().After(exp) {
				delete(e.tokens, t)
			}
		}
	}
	metrics.OpenConnections.Set(float64(len(e.conns)))
	e.flowCreated(c)
	if e.onNew != nil {
		e.onNew(c)
	}
}

func (e *Endpoint) retire(cid uint32, c *connection.Conn) {
	delete(e.conns, cid)
	for addr, id := range e.byAddr {
		if id == cid {
			delete(e.byAddr, addr)
		}
	}
	e.freeCID(cid)
	metrics.OpenConnections.Set(float64(len(e.conns)))
	if e.traceC != nil {
		select {
		case e.traceC <- []*trace.Record{e.snapshot(c, true)}:
		default:
		}
	}
}

func (e *Endpoint) flowCreated(c *connection.Conn) {
	remote := c.Remote()
	e.events.FlowCreated(time.Now(), c.UUID, eventsocket.FlowID{
		Src:   e.local.IP.String(),
		Dst:   remote.IP.String(),
		SPort: uint16(e.local.Port),
		DPort: uint16(remote.Port),
		CID:   c.LocalCID,
	})
}

func (e *Endpoint) flowDeleted(c *connection.Conn) {
	e.events.FlowDeleted(time.Now(), c.UUID)
}

func (e *Endpoint) sendDatagram(b []byte, to *net.UDPAddr) error {
	_, err := e.sock.WriteToUDP(b, to)
	return err
}

// allocCID takes the lowest free CID slot.  Slot 0 is never handed out.
func (e *Endpoint) allocCID() (uint32, bool) {
	for i := 1; i <= cidSlots; i++ {
		w, b := i/64, uint(i%64)
		if e.cids[w]&(1<<b) == 0 {
			e.cids[w] |= 1 << b
			return uint32(i), true
		}
	}
	return 0, false
}

func (e *Endpoint) freeCID(cid uint32) {
	if cid == 0 || cid > cidSlots {
		return
	}
	w, b := cid/64, uint(cid%64)
	e.cids[w] &^= 1 << b
}

// findByAddr locates a connection by its current peer address; the error
// queue only gives us addresses, not CIDs.
func (e *Endpoint) findByAddr(addr *net.UDPAddr) *connection.Conn {
	for _, c := range e.conns {
		r := c.Remote()
		if r != nil && r.Port == addr.Port && r.IP.Equal(addr.IP) {
			return c
		}
	}
	return nil
}
