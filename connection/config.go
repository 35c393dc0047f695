// Package connection implements the transport engine's per-connection
// machinery: the handshake and close state machine, the unacked-packet list
// and loss detector, the packet scheduler that turns stream bytes into
// sealed datagrams under the congestion controller's pacing budget, the
// DPLPMTUD prober, and path validation for address migration.
package connection

import "time"

// Config carries the connection-level knobs.  New uses every field as given
// and substitutes no defaults for zero values; DefaultConfig and the presets
// return complete configurations.  ApplyPartial merges an update into an
// existing config keeping current values for unspecified fields.
type Config struct {
	// RTO bounds (µs).
	InitialRTO uint64
	MinRTO     uint64
	MaxRTO     uint64

	// NoDelay trades latency for spurious retransmits: it lowers the RTO
	// floor to MinRTONoDelay.
	NoDelay bool

	// Interval is a re-poll interval in ms that the presets set and
	// ApplyPartial copies; no part of the engine reads it.
	Interval uint32

	// Resend is a fast-retransmit ACK threshold that the presets set and
	// ApplyPartial copies; no part of the engine reads it, and loss
	// detection uses only the packet and time thresholds.
	Resend uint32

	// NoCwnd disables the congestion window (flow control still applies).
	NoCwnd bool

	// MSS bounds.
	InitialMSS   uint16
	IPv6MinMSS   uint16
	LocalhostMSS uint32

	// Window sizes, in packets.
	SendWindow uint32
	RecvWindow uint32

	// Keepalive.
	KeepaliveInterval   time.Duration
	KeepaliveTimeoutRTT uint32 // a timeout in RTTs; no part of the engine reads it
	KeepaliveRetries    uint16

	// Handshake and teardown retry budgets.
	SynRetries uint16
	FinRetries uint16

	// MTU probing.
	MTUProbeTimeout time.Duration
	MTUProbeRetries uint16

	// Loss detection.
	ReorderingThreshold uint32 // packets
	FastRetransmitLimit uint32
	MaxRetransmissions  uint32

	// Ack scheduling defaults; AckFrequency frames override them.
	AckElicitingThreshold uint8
	MaxAckDelay           time.Duration

	// Idle teardown.
	IdleTimeout time.Duration

	// EnableDPLPMTUD turns the prober on.
	EnableDPLPMTUD bool
}

// Timing constants shared with the KCP-era defaults.
const (
	minRTONoDelayUS = 30 * 1000
	minRTOUS        = 100 * 1000
	initialRTOUS    = 200 * 1000
	maxRTOUS        = 6000 * 1000
)

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		InitialRTO: initialRTOUS,
		MinRTO:     minRTOUS,
		MaxRTO:     maxRTOUS,

		Interval: 40,

		InitialMSS:   1400,
		IPv6MinMSS:   1280,
		LocalhostMSS: 65536,

		SendWindow: 32,
		RecvWindow: 128,

		KeepaliveInterval:   10 * time.Second,
		KeepaliveTimeoutRTT: 10,
		KeepaliveRetries:    5,

		SynRetries: 2,
		FinRetries: 2,

		MTUProbeTimeout: 1500 * time.Millisecond,
		MTUProbeRetries: 3,

		ReorderingThreshold: 3,
		FastRetransmitLimit: 5,
		MaxRetransmissions:  5,

		AckElicitingThreshold: 2,
		MaxAckDelay:           25 * time.Millisecond,

		IdleTimeout: 30 * time.Second,

		EnableDPLPMTUD: true,
	}
}

// Presets mirroring the classic profiles.
func NormalConfig() Config { return DefaultConfig() }

func FastConfig() Config {
	c := DefaultConfig()
	c.Interval = 30
	c.Resend = 2
	c.NoCwnd = true
	return c
}

func Fast2Config() Config {
	c := FastConfig()
	c.NoDelay = true
	c.Interval = 20
	return c
}

func Fast3Config() Config {
	c := Fast2Config()
	c.Interval = 10
	return c
}

// ConfigKey selects which fields ApplyPartial takes from the update.
type ConfigKey uint32

// Config keys.
const (
	KeyNoDelay ConfigKey = 1 << iota
	KeyInterval
	KeyResend
	KeyNoCwnd
	KeyAll ConfigKey = KeyNoDelay | KeyInterval | KeyResend | KeyNoCwnd
)

// ApplyPartial merges the selected fields of update into c.  Unselected
// fields keep their current values.
func (c *Config) ApplyPartial(keys ConfigKey, update Config) {
	if keys&KeyNoDelay != 0 {
		c.NoDelay = update.NoDelay
	}
	if keys&KeyInterval != 0 {
		c.Interval = update.Interval
	}
	if keys&KeyResend != 0 {
		c.Resend = update.Resend
	}
	if keys&KeyNoCwnd != 0 {
		c.NoCwnd = update.NoCwnd
	}
}

// EffectiveMinRTO returns the RTO floor honoring NoDelay.
func (c *Config) EffectiveMinRTO() uint64 {
	if c.NoDelay {
		return minRTONoDelayUS
	}
	return c.MinRTO
}
