package connection

import (
	"net"

	"github.com/eular/utp/metrics"
)

// amplificationFactor caps bytes sent on an unvalidated path at this many
// times the bytes received from it, so a spoofed source address cannot turn
// the endpoint into a traffic amplifier.
const amplificationFactor = 3

// pathState validates the peer's network path across address migrations.
type pathState struct {
	addr      *net.UDPAddr
	validated bool

	token           [8]byte
	challengeQueued bool

	peerToken      [8]byte
	responseQueued bool

	bytesSent uint64 // on the unvalidated path
	bytesRecv uint64
}

func (p *pathState) init(remote *net.UDPAddr) {
	p.addr = remote
	// The original path is validated implicitly by the handshake.
	p.validated = true
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a != nil && b != nil && a.Port == b.Port && a.IP.Equal(b.IP)
}

// observe notes the source address of a received datagram.  A changed
// address marks the path unvalidated and queues a fresh challenge.
func (p *pathState) observe(c *Conn, now uint64, from *net.UDPAddr, size int) {
	if sameAddr(p.addr, from) {
		if !p.validated {
			p.bytesRecv += uint64(size)
		}
		return
	}
	p.addr = from
	p.validated = false
	p.token = randToken()
	p.challengeQueued = true
	p.bytesSent = 0
	p.bytesRecv = uint64(size)
	metrics.PathMigrations.Inc()
	c.schedule(now)
}

// sendAllowance returns how many more bytes may go out on the path.
func (p *pathState) sendAllowance() uint64 {
	if p.validated {
		return ^uint64(0)
	}
	limit := amplificationFactor * p.bytesRecv
	if p.bytesSent >= limit {
		return 0
	}
	return limit - p.bytesSent
}

// onChallenge queues a response echoing the peer's most recent token.
func (p *pathState) onChallenge(token [8]byte) {
	p.peerToken = token
	p.responseQueued = true
}

// onResponse validates the path if the token matches the outstanding
// challenge.
func (p *pathState) onResponse(c *Conn, token [8]byte) {
	if p.validated || token != p.token {
		return
	}
	p.validated = true
	metrics.PathValidations.Inc()
}
