package connection

import (
	"net"
	"testing"

	"github.com/eular/utp/frame"
	"github.com/eular/utp/packet"
)

func testConn() *Conn {
	cfg := DefaultConfig()
	cfg.KeepaliveInterval = 0
	remote := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 9999}
	return New(cfg, 1, remote, true, packet.NewPool(64), func(b []byte, to *net.UDPAddr) error {
		return nil
	})
}

// TestMaxDataIdempotent: MAX_DATA carries an absolute offset, so processing
// the same frame twice must not raise the credit beyond the single value,
// and a stale lower value must not shrink it.
func TestMaxDataIdempotent(t *testing.T) {
	c := testConn()
	before := c.peerMaxData
	c.dispatch(1000, &frame.MaxData{MaximumData: before + 5000})
	if c.peerMaxData != before+5000 {
		t.Fatal("credit should rise to the advertised value")
	}
	c.dispatch(1001, &frame.MaxData{MaximumData: before + 5000})
	if c.peerMaxData != before+5000 {
		t.Error("duplicate MAX_DATA must not change the credit")
	}
	c.dispatch(1002, &frame.MaxData{MaximumData: before})
	if c.peerMaxData != before+5000 {
		t.Error("stale MAX_DATA must not shrink the credit")
	}
}

// TestAckFrequencyOrdering: the highest sequence number wins; a reordered
// older config must be ignored.
func TestAckFrequencyOrdering(t *testing.T) {
	c := testConn()
	c.dispatch(1000, &frame.AckFrequency{Seq: 2, AckElicitingThreshold: 10, ReorderingThreshold: 5, MaxAckDelayMS: 50})
	if c.ackThreshold != 10 || c.maxAckDelayUS != 50000 {
		t.Fatal("first config should apply")
	}
	c.dispatch(1001, &frame.AckFrequency{Seq: 1, AckElicitingThreshold: 1, ReorderingThreshold: 1, MaxAckDelayMS: 1})
	if c.ackThreshold != 10 {
		t.Error("stale AckFrequency must be ignored")
	}
	c.dispatch(1002, &frame.AckFrequency{Seq: 3, AckElicitingThreshold: 4, ReorderingThreshold: 4, MaxAckDelayMS: 10})
	if c.ackThreshold != 4 || c.reorderThreshold != 4 {
		t.Error("newer AckFrequency should apply")
	}
}

// TestPathMigration: a datagram from a new source address marks the path
// unvalidated, queues a challenge, and caps sending at 3x received bytes
// until the matching response arrives.
func TestPathMigration(t *testing.T) {
	c := testConn()
	c.state = Connected
	if !c.path.validated {
		t.Fatal("initial path starts validated")
	}

	newAddr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 77), Port: 7777}
	c.path.observe(c, 1000, newAddr, 500)
	if c.path.validated {
		t.Error("path should be unvalidated after migration")
	}
	if c.path.token == ([8]byte{}) {
		t.Error("a fresh challenge token should exist")
	}
	if got := c.path.sendAllowance(); got == 0 || got > 1500 {
		t.Error("allowance should be capped at 3x received = 1500, got", got)
	}
	if c.Remote() != newAddr {
		t.Error("remote should follow the new path")
	}

	// A response with the wrong token does nothing.
	c.path.onResponse(c, [8]byte{1, 2, 3})
	if c.path.validated {
		t.Error("wrong token must not validate")
	}
	c.path.onResponse(c, c.path.token)
	if !c.path.validated {
		t.Error("matching token should validate the path")
	}
	if c.path.sendAllowance() != ^uint64(0) {
		t.Error("validated path is uncapped")
	}
}

// TestPathChallengeEcho: a challenge from the peer queues a response with
// the same token.
func TestPathChallengeEcho(t *testing.T) {
	c := testConn()
	tok := [8]byte{9, 8, 7, 6, 5, 4, 3, 2}
	c.dispatch(1000, &frame.PathChallenge{Token: tok})
	if !c.path.responseQueued || c.path.peerToken != tok {
		t.Error("challenge should queue an echo of the token")
	}
}

// TestPacketNumbersIncrease: every transmit gets a strictly larger packet
// number.
func TestPacketNumbersIncrease(t *testing.T) {
	c := testConn()
	c.state = Connected
	prev := c.nextPackNo
	for i := 0; i < 20; i++ {
		c.pingQueued = true
		c.sendProbe(uint64(1000 + i))
		if c.nextPackNo != prev+1 {
			t.Fatal("packet number did not advance by one:", prev, "->", c.nextPackNo)
		}
		prev = c.nextPackNo
	}
}

func TestConfigPartialUpdate(t *testing.T) {
	cfg := DefaultConfig()
	update := Config{Interval: 20, NoDelay: true, Resend: 2, NoCwnd: true}
	cfg.ApplyPartial(KeyInterval, update)
	if cfg.Interval != 20 {
		t.Error("interval should update")
	}
	if cfg.NoDelay || cfg.Resend != 0 || cfg.NoCwnd {
		t.Error("unselected fields must keep their current values")
	}
	cfg.ApplyPartial(KeyAll, update)
	if !cfg.NoDelay || cfg.Resend != 2 || !cfg.NoCwnd {
		t.Error("KeyAll should apply everything")
	}
}

func TestConfigPresets(t *testing.T) {
	if NormalConfig().NoDelay {
		t.Error("normal preset is not nodelay")
	}
	f3 := Fast3Config()
	if !f3.NoDelay || f3.Interval != 10 || f3.Resend != 2 || !f3.NoCwnd {
		t.Error("fast3 preset wrong:", f3)
	}
	fastCfg := FastConfig()
	if fastCfg.EffectiveMinRTO() != minRTOUS {
		t.Error("non-nodelay floor should be the normal min RTO")
	}
	fast2Cfg := Fast2Config()
	if fast2Cfg.EffectiveMinRTO() != minRTONoDelayUS {
		t.Error("nodelay floor should be the nodelay min RTO")
	}
}

// TestBlockedProbeBackoff: the BLOCKED probe interval doubles and is capped.
func TestBlockedProbeBackoff(t *testing.T) {
	c := testConn()
	c.state = Connected
	c.sentData = c.peerMaxData // credit exhausted
	now := uint64(1000)
	c.blockedWait = 0
	c.queueBlockedProbe(now)
	if c.blockedWait != probeInitUS {
		t.Fatal("first wait should be the initial probe interval, got", c.blockedWait)
	}
	first := c.blockedAt
	c.queueBlockedProbe(first)
	if c.blockedWait != 2*probeInitUS {
		t.Error("wait should double, got", c.blockedWait)
	}
	for i := 0; i < 10; i++ {
		c.queueBlockedProbe(c.blockedAt)
	}
	if c.blockedWait != probeLimitUS {
		t.Error("wait should cap at the probe limit, got", c.blockedWait)
	}
}
