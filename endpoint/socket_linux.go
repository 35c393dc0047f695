package endpoint

import (
	"context"
	"log"
	"net"
	"syscall"
	"unsafe"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/eular/utp/metrics"
)

// Socket buffer sizes.  Large enough to absorb bursts at the rates the
// pacer produces on a LAN.
const (
	sockBufSize = 1 << 20
)

// openSocket creates the UDP socket with the transport's socket options:
// don't-fragment (so path MTU discovery works), error-queue delivery (so
// ICMP reaches the prober), pktinfo, and optional interface binding.
func openSocket(ip string, port int, ifname string) (*net.UDPConn, error) {
	addr := net.UDPAddr{IP: net.ParseIP(ip), Port: port}
	network := "udp4"
	if addr.IP != nil && addr.IP.To4() == nil {
		network = "udp6"
	}

	var optErr error
	lc := net.ListenConfig{
		Control: func(network, address string, raw syscall.RawConn) error {
			return raw.Control(func(fd uintptr) {
				s := int(fd)
				optErr = firstErr(
					unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1),
					unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_RCVBUF, sockBufSize),
					unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_SNDBUF, sockBufSize),
				)
				if network == "udp6" {
					optErr = firstErr(optErr,
						unix.SetsockoptInt(s, unix.IPPROTO_IPV6, unix.IPV6_MTU_DISCOVER, unix.IPV6_PMTUDISC_DO),
						unix.SetsockoptInt(s, unix.IPPROTO_IPV6, unix.IPV6_RECVERR, 1),
						unix.SetsockoptInt(s, unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1),
						unix.SetsockoptInt(s, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1),
					)
				} else {
					optErr = firstErr(optErr,
						unix.SetsockoptInt(s, unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DO),
						unix.SetsockoptInt(s, unix.IPPROTO_IP, unix.IP_RECVERR, 1),
						unix.SetsockoptInt(s, unix.IPPROTO_IP, unix.IP_PKTINFO, 1),
					)
				}
				if ifname != "" {
					optErr = firstErr(optErr,
						unix.SetsockoptString(s, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, ifname))
				}
			})
		},
	}
	pc, err := lc.ListenPacket(context.Background(), network, addr.String())
	if err != nil {
		return nil, err
	}
	if optErr != nil {
		pc.Close()
		return nil, optErr
	}
	return pc.(*net.UDPConn), nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// interfaceMTU reads the link MTU of a named interface via netlink; the
// prober uses it as an upper bound for the path MTU search.
func interfaceMTU(ifname string) (uint16, error) {
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return 0, err
	}
	return uint16(link.Attrs().MTU), nil
}

// pollErrQueue drains pending ICMP messages from the socket error queue so
// they are consumed before normal data.  Fragmentation-needed reports feed
// the MTU prober; unreachable reports close the affected connection.
func (e *Endpoint) pollErrQueue(now uint64) {
	raw, err := e.sock.SyscallConn()
	if err != nil {
		return
	}
	buf := make([]byte, 1024)
	oob := make([]byte, 1024)
	raw.Control(func(fd uintptr) {
		for {
			_, oobn, _, from, err := unix.Recvmsg(int(fd), buf, oob, unix.MSG_ERRQUEUE|unix.MSG_DONTWAIT)
			if err != nil {
				return
			}
			cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
			if err != nil {
				continue
			}
			addr := udpAddrFromSockaddr(from)
			for _, cm := range cmsgs {
				e.handleErrCmsg(now, cm, addr)
			}
		}
	})
}

func udpAddrFromSockaddr(sa unix.Sockaddr) *net.UDPAddr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.UDPAddr{IP: net.IP(sa.Addr[:]), Port: sa.Port}
	case *unix.SockaddrInet6:
		return &net.UDPAddr{IP: net.IP(sa.Addr[:]), Port: sa.Port}
	}
	return nil
}

func (e *Endpoint) handleErrCmsg(now uint64, cm unix.SocketControlMessage, addr *net.UDPAddr) {
	isErr := (cm.Header.Level == unix.IPPROTO_IP && cm.Header.Type == unix.IP_RECVERR) ||
		(cm.Header.Level == unix.IPPROTO_IPV6 && cm.Header.Type == unix.IPV6_RECVERR)
	if !isErr || len(cm.Data) < int(unsafe.Sizeof(unix.SockExtendedErr{})) {
		return
	}
	ee := (*unix.SockExtendedErr)(unsafe.Pointer(&cm.Data[0]))
	if ee.Origin != unix.SO_EE_ORIGIN_ICMP && ee.Origin != unix.SO_EE_ORIGIN_ICMP6 {
		return
	}
	if addr == nil {
		return
	}
	c := e.findByAddr(addr)
	if c == nil {
		return
	}
	switch {
	case ee.Origin == unix.SO_EE_ORIGIN_ICMP && ee.Type == uint8(ipv4ICMPDestUnreach) && ee.Code == uint8(ipv4ICMPFragNeeded):
		log.Println("ICMP frag-needed from", addr, "mtu", ee.Info)
		metrics.ErrorCount.WithLabelValues("icmp_frag_needed").Inc()
		c.OnICMPFragNeeded(now, ee.Info)
	case ee.Origin == unix.SO_EE_ORIGIN_ICMP && ee.Type == uint8(ipv4ICMPDestUnreach):
		log.Println("ICMP unreachable from", addr, "code", ee.Code)
		metrics.ErrorCount.WithLabelValues("icmp_unreachable").Inc()
		c.OnUnreachable(now)
	case ee.Origin == unix.SO_EE_ORIGIN_ICMP6 && ee.Type == uint8(ipv6ICMPPacketTooBig):
		metrics.ErrorCount.WithLabelValues("icmp_frag_needed").Inc()
		c.OnICMPFragNeeded(now, ee.Info)
	case ee.Origin == unix.SO_EE_ORIGIN_ICMP6 && ee.Type == uint8(ipv6ICMPDestUnreach):
		metrics.ErrorCount.WithLabelValues("icmp_unreachable").Inc()
		c.OnUnreachable(now)
	}
}

// ICMP message types, from RFC 792 and RFC 4443.
const (
	ipv4ICMPDestUnreach  = 3
	ipv4ICMPFragNeeded   = 4
	ipv6ICMPDestUnreach  = 1
	ipv6ICMPPacketTooBig = 2
)
