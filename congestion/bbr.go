package congestion

import (
	"math/rand"
	"time"

	"github.com/m-lab/go/logx"
)

// Mode is the BBRv1 state machine phase.
type Mode int32

// The four BBRv1 phases.
const (
	StartUp Mode = iota
	Drain
	ProbeBW
	ProbeRTT
)

var modeName = map[Mode]string{
	StartUp:  "StartUp",
	Drain:    "Drain",
	ProbeBW:  "ProbeBW",
	ProbeRTT: "ProbeRTT",
}

func (m Mode) String() string {
	if s, ok := modeName[m]; ok {
		return s
	}
	return "UnknownMode"
}

// RecoveryState tracks the loss-recovery sub-machine.
type RecoveryState int32

// Recovery states.
const (
	NotInRecovery RecoveryState = iota
	Conservation                // hold the window, minimize further loss
	Growth                      // window may grow again
)

// Tunables, after the Chromium/lsquic BBRv1 constants.
const (
	// Maximum segment size used for congestion window computations.
	defaultTCPMSS = 1460
	maxSegment    = defaultTCPMSS

	// Minimum CWND so delayed acks do not depress bandwidth measurement.
	minCongestionWindow = 4 * defaultTCPMSS

	// STARTUP gain, 2/ln(2).
	highGain = 2.885

	initialCongestionWindowPackets = 32
	maxCongestionWindowPackets     = 2000

	// min_rtt expires after this long without a new low.
	minRTTExpiry = 10 * 1000 * 1000 // µs

	// A new RTT within this factor of min_rtt is similar enough to skip
	// PROBE_RTT when the flow has been app-limited.
	similarMinRTTThreshold = 1.125

	// STARTUP must see bandwidth grow by this factor each round, or after
	// startupRounds flat rounds the pipe is declared full.
	startupGrowthTarget = 1.25
	startupRounds       = 3

	// Fraction of BDP used for the PROBE_RTT window when BDP-based.
	moderateProbeRTTMultiplier = 0.75

	// Minimum time spent in PROBE_RTT once inflight has drained.
	probeRTTTime = 200 * 1000 // µs

	// Fallback min_rtt when no measurement exists yet.
	fallbackMinRTT = 25 * 1000 // µs
)

// pacingGainCycle is the PROBE_BW gain sequence: one probing phase, one
// draining phase, six cruising phases.
var pacingGainCycle = [...]float64{1.25, 0.75, 1, 1, 1, 1, 1, 1}

// Behavior flags, off by default; tests and tuning flip them.
const (
	flagInAck uint32 = 1 << iota
	flagLastSampleAppLimited
	flagHasNonAppLimited
	flagAppLimitedSinceProbeRTT
	flagProbeRTTDisabledIfAppLimited
	flagProbeRTTSkippedIfSimilarRTT
	flagExitStartupOnLoss
	flagIsAtFullBandwidth
	flagExitingQuiescence
	flagProbeRTTRoundPassed
	flagFlexibleAppLimited
	flagDrainToTarget
	flagExpireAckAggInStartup
	flagProbeRTTBasedOnBDP
	flagEnableAckAggInStartup
)

// ackState accumulates the per-ack-event inputs between OnBeginAck and
// OnEndAck.
type ackState struct {
	samples          []Sample
	ackTime          uint64
	maxPackNo        uint64
	ackedBytes       uint64
	lostBytes        uint64
	totalAckedBefore uint64
	inflightBytes    uint64
	hasLosses        bool
}

var bbrLog = logx.NewLogEvery(nil, time.Second)

// BBR is the BBRv1 congestion controller.  It consumes per-packet send,
// ack, and loss events plus the bandwidth sampler's measurements, and
// produces a pacing rate and congestion window for the scheduler.
type BBR struct {
	mode          Mode
	recoveryState RecoveryState
	flags         uint32

	rttStats *RTTStats
	sampler  *Sampler

	maxBandwidth MinMax // over 10 round trips
	maxAckHeight MinMax // ack aggregation extreme, same window

	initCwnd uint64
	minCwnd  uint64
	maxCwnd  uint64
	cwnd     uint64

	aggregationEpochStart uint64
	aggregationEpochBytes uint64

	lastSentPackNo      uint64
	currentRoundTripEnd uint64
	endRecoveryAt       uint64
	roundCount          uint64

	pacingRate       Bandwidth
	startupBytesLost uint64

	pacingGain   float64
	highGain     float64
	highCwndGain float64
	drainGain    float64
	cwndGain     float64

	nStartupRtts  uint32
	roundWoBwGain uint32
	bwAtLastRound Bandwidth

	cycleOffset    int
	lastCycleStart uint64
	exitProbeRTTAt uint64

	minRTTSinceLastProbe uint64
	minRTT               uint64
	minRTTTimestamp      uint64
	recoveryWindow       uint64

	ack ackState

	// onModeChange, when set, observes every mode transition.  The metrics
	// layer hangs a counter off it.
	onModeChange func(from, to Mode)
}

// NewBBR creates a controller bound to the connection's RTT estimator and
// bandwidth sampler.
func NewBBR(rttStats *RTTStats, sampler *Sampler) *BBR {
	b := &BBR{
		mode:     StartUp,
		rttStats: rttStats,
		sampler:  sampler,

		initCwnd: initialCongestionWindowPackets * defaultTCPMSS,
		cwnd:     initialCongestionWindowPackets * defaultTCPMSS,
		maxCwnd:  maxCongestionWindowPackets * defaultTCPMSS,
		minCwnd:  minCongestionWindow,

		highGain:     highGain,
		highCwndGain: highGain,
		drainGain:    1.0 / highGain,
		pacingGain:   1.0,
		nStartupRtts: startupRounds,

		currentRoundTripEnd:  invalidPackNo,
		minRTTSinceLastProbe: ^uint64(0),
	}
	b.maxBandwidth.Init(10)
	b.maxAckHeight.Init(10)
	b.setStartupValues()
	return b
}

const invalidPackNo = ^uint64(0)

// SetOnModeChange registers a mode transition observer.
func (b *BBR) SetOnModeChange(fn func(from, to Mode)) {
	b.onModeChange = fn
}

// Mode returns the current phase.
func (b *BBR) Mode() Mode { return b.mode }

// ExitStartupOnLoss makes the first loss end STARTUP, in addition to the
// flat-bandwidth exit: the first round start that finds the controller in
// loss recovery declares full bandwidth.
func (b *BBR) ExitStartupOnLoss() {
	b.flags |= flagExitStartupOnLoss
}

// PacingRate returns the target send rate in bytes per second.
func (b *BBR) PacingRate() uint64 {
	if b.pacingRate != 0 {
		return b.pacingRate.ToBytesPerSec()
	}
	bw := BandwidthFromBytesAndDelta(b.initCwnd, b.getMinRTT())
	return bw.Times(b.highCwndGain).ToBytesPerSec()
}

// Cwnd returns the congestion window in bytes.
func (b *BBR) Cwnd() uint64 {
	switch {
	case b.mode == ProbeRTT:
		return b.probeRTTCwnd()
	case b.inRecovery():
		if b.recoveryWindow < b.cwnd {
			return b.recoveryWindow
		}
		return b.cwnd
	default:
		return b.cwnd
	}
}

// BandwidthEstimate returns the windowed maximum bandwidth in bits/sec.
func (b *BBR) BandwidthEstimate() Bandwidth {
	return Bandwidth(b.maxBandwidth.Get())
}

// InRecovery reports whether loss recovery is active.
func (b *BBR) InRecovery() bool { return b.inRecovery() }

// OnPacketSent registers a send with the controller and the sampler, and
// returns the sampler state to attach to the packet.
func (b *BBR) OnPacketSent(packNo uint64, size uint16, sentTime, inflight uint64, appLimited bool) *PacketState {
	st := b.sampler.OnPacketSent(packNo, size, sentTime, inflight)
	b.lastSentPackNo = packNo
	if appLimited {
		b.appLimited(inflight)
	}
	return st
}

// OnBeginAck opens an ack event.  inflight is the bytes in flight before
// any packet in this ack is processed.
func (b *BBR) OnBeginAck(ackTime, inflight uint64) {
	if b.flags&flagInAck != 0 {
		panic("congestion: OnBeginAck without OnEndAck")
	}
	b.flags |= flagInAck
	b.ack = ackState{
		ackTime:          ackTime,
		maxPackNo:        invalidPackNo,
		inflightBytes:    inflight,
		totalAckedBefore: b.sampler.TotalAcked(),
	}
}

// OnAck processes one acked packet within the open ack event.
func (b *BBR) OnAck(st *PacketState, packNo uint64, size uint16, now uint64) {
	if b.flags&flagInAck == 0 {
		panic("congestion: OnAck outside ack event")
	}
	if sample, ok := b.sampler.OnPacketAcked(st, now); ok {
		b.ack.samples = append(b.ack.samples, sample)
	}
	if b.ack.maxPackNo == invalidPackNo || packNo > b.ack.maxPackNo {
		b.ack.maxPackNo = packNo
	}
	b.ack.ackedBytes += uint64(size)
}

// OnLost processes one lost packet within the open ack event.
func (b *BBR) OnLost(st *PacketState, size uint16) {
	b.sampler.OnPacketLost(st)
	b.ack.hasLosses = true
	b.ack.lostBytes += uint64(size)
	if b.mode == StartUp {
		b.startupBytesLost += uint64(size)
	}
}

// OnEndAck closes the ack event and recomputes pacing rate and cwnd.
// inflight is the bytes in flight after the ack was applied.
func (b *BBR) OnEndAck(inflight uint64) {
	if b.flags&flagInAck == 0 {
		panic("congestion: OnEndAck without OnBeginAck")
	}
	b.flags &^= flagInAck

	bytesAcked := b.sampler.TotalAcked() - b.ack.totalAckedBefore
	var isRoundStart, minRTTExpired bool
	var excessAcked uint64
	if b.ack.ackedBytes > 0 {
		isRoundStart = b.currentRoundTripEnd == invalidPackNo ||
			b.ack.maxPackNo > b.currentRoundTripEnd
		if isRoundStart {
			b.roundCount++
			b.currentRoundTripEnd = b.lastSentPackNo
		}
		minRTTExpired = b.updateBandwidthAndMinRTT()
		b.updateRecoveryState(isRoundStart)
		excessAcked = b.updateAckAggregationBytes(bytesAcked)
	}

	if b.mode == ProbeBW {
		b.updateGainCyclePhase(inflight)
	}
	if isRoundStart && b.flags&flagIsAtFullBandwidth == 0 {
		b.checkIsFullBwReached()
	}
	b.maybeExitStartupOrDrain(b.ack.ackTime, inflight)
	b.maybeEnterOrExitProbeRTT(b.ack.ackTime, isRoundStart, minRTTExpired, inflight)

	b.calculatePacingRate()
	b.calculateCwnd(bytesAcked, excessAcked)
	b.calculateRecoveryWindow(bytesAcked, b.ack.lostBytes, inflight)
}

func (b *BBR) setStartupValues() {
	b.pacingGain = b.highGain
	b.cwndGain = b.highCwndGain
}

func (b *BBR) getMinRTT() uint64 {
	if b.minRTT > 0 {
		return b.minRTT
	}
	if mr := b.rttStats.MinRTT(); mr != 0 {
		return mr
	}
	return fallbackMinRTT
}

func (b *BBR) probeRTTCwnd() uint64 {
	if b.flags&flagProbeRTTBasedOnBDP != 0 {
		return b.targetCwnd(moderateProbeRTTMultiplier)
	}
	return b.minCwnd
}

func (b *BBR) targetCwnd(gain float64) uint64 {
	bw := Bandwidth(b.maxBandwidth.Get())
	bdp := b.getMinRTT() * bw.ToBytesPerSec() / 1000000
	cwnd := uint64(gain * float64(bdp))
	if cwnd == 0 {
		cwnd = uint64(gain * float64(b.initCwnd))
	}
	if cwnd < b.minCwnd {
		return b.minCwnd
	}
	return cwnd
}

func (b *BBR) inRecovery() bool {
	return b.recoveryState != NotInRecovery
}

func (b *BBR) appLimited(inflight uint64) {
	cwnd := b.Cwnd()
	if inflight >= cwnd {
		return
	}
	if b.flags&flagFlexibleAppLimited != 0 && b.isPipeSufficientlyFull(inflight) {
		return
	}
	b.flags |= flagAppLimitedSinceProbeRTT
	b.sampler.AppLimited()
}

func (b *BBR) isPipeSufficientlyFull(inflight uint64) bool {
	switch {
	case b.mode == StartUp:
		// STARTUP exits without a 25% bandwidth increase, so the window
		// must be more than 25% above target to fill the pipe.
		return inflight >= b.targetCwnd(1.5)
	case b.pacingGain > 1:
		return inflight >= b.targetCwnd(b.pacingGain)
	default:
		return inflight >= b.targetCwnd(1.1)
	}
}

func (b *BBR) updateBandwidthAndMinRTT() bool {
	sampleMinRTT := ^uint64(0)
	for _, s := range b.ack.samples {
		if s.AppLimited {
			b.flags |= flagLastSampleAppLimited
		} else {
			b.flags &^= flagLastSampleAppLimited
			b.flags |= flagHasNonAppLimited
		}
		if s.RTT < sampleMinRTT {
			sampleMinRTT = s.RTT
		}
		if !s.AppLimited || uint64(s.Bandwidth) > b.maxBandwidth.Get() {
			b.maxBandwidth.UpdateMax(b.roundCount, uint64(s.Bandwidth))
		}
	}
	if sampleMinRTT == ^uint64(0) {
		return false
	}

	if sampleMinRTT < b.minRTTSinceLastProbe {
		b.minRTTSinceLastProbe = sampleMinRTT
	}
	minRTTExpired := b.minRTT != 0 && b.ack.ackTime > b.minRTTTimestamp+minRTTExpiry
	if minRTTExpired || sampleMinRTT < b.minRTT || b.minRTT == 0 {
		if minRTTExpired && b.shouldExtendMinRTTExpiry() {
			minRTTExpired = false
		} else {
			bbrLog.Println("min rtt updated:", b.minRTT, "->", sampleMinRTT)
			b.minRTT = sampleMinRTT
		}
		b.minRTTTimestamp = b.ack.ackTime
		b.minRTTSinceLastProbe = ^uint64(0)
		b.flags &^= flagAppLimitedSinceProbeRTT
	}
	return minRTTExpired
}

func (b *BBR) updateRecoveryState(isRoundStart bool) {
	// Recovery ends after a full round with no losses.
	if b.ack.hasLosses {
		b.endRecoveryAt = b.lastSentPackNo
	}
	switch b.recoveryState {
	case NotInRecovery:
		if b.ack.hasLosses {
			b.recoveryState = Conservation
			// recoveryWindow is computed in calculateRecoveryWindow.
			b.recoveryWindow = 0
			// Conservation lasts a whole round; restart the round now.
			b.currentRoundTripEnd = b.lastSentPackNo
		}
	case Conservation:
		if isRoundStart {
			b.recoveryState = Growth
		}
		fallthrough
	case Growth:
		if !b.ack.hasLosses && b.ack.maxPackNo > b.endRecoveryAt {
			b.recoveryState = NotInRecovery
		}
	}
}

func (b *BBR) calculatePacingRate() {
	bw := Bandwidth(b.maxBandwidth.Get())
	if bw == 0 {
		return
	}
	targetRate := bw.Times(b.pacingGain)
	if b.flags&flagIsAtFullBandwidth != 0 {
		b.pacingRate = targetRate
		return
	}
	// Until a bandwidth estimate exists, pace at initial window over RTT.
	if b.pacingRate == 0 && b.rttStats.MinRTT() != 0 {
		b.pacingRate = BandwidthFromBytesAndDelta(b.initCwnd, b.rttStats.MinRTT())
		return
	}
	// During STARTUP the pacing rate only ratchets upward.
	if b.pacingRate < targetRate {
		b.pacingRate = targetRate
	}
}

func (b *BBR) calculateCwnd(bytesAcked, excessAcked uint64) {
	if b.mode == ProbeRTT {
		return
	}
	targetWindow := b.targetCwnd(b.cwndGain)
	if b.flags&flagIsAtFullBandwidth != 0 {
		targetWindow += b.maxAckHeight.Get()
	} else if b.flags&flagEnableAckAggInStartup != 0 {
		targetWindow += excessAcked
	}

	if b.flags&flagIsAtFullBandwidth != 0 {
		if b.cwnd+bytesAcked < targetWindow {
			b.cwnd += bytesAcked
		} else {
			b.cwnd = targetWindow
		}
	} else if b.cwnd < targetWindow || b.sampler.TotalAcked() < b.initCwnd {
		b.cwnd += bytesAcked
	}

	if b.cwnd < b.minCwnd {
		b.cwnd = b.minCwnd
	}
	if b.cwnd > b.maxCwnd {
		b.cwnd = b.maxCwnd
	}
}

func (b *BBR) calculateRecoveryWindow(bytesAcked, bytesLost, inflight uint64) {
	if b.recoveryState == NotInRecovery {
		return
	}
	if b.recoveryWindow == 0 {
		b.recoveryWindow = inflight + bytesAcked
		if b.recoveryWindow < b.minCwnd {
			b.recoveryWindow = b.minCwnd
		}
		return
	}
	// Further loss during recovery shrinks the window, never below one MSS.
	if b.recoveryWindow >= bytesLost {
		b.recoveryWindow -= bytesLost
	} else {
		b.recoveryWindow = maxSegment
	}
	if b.recoveryState == Growth {
		b.recoveryWindow += bytesAcked
	}
	if min := inflight + bytesAcked; b.recoveryWindow < min {
		b.recoveryWindow = min
	}
	if b.recoveryWindow < b.minCwnd {
		b.recoveryWindow = b.minCwnd
	}
}

func (b *BBR) updateAckAggregationBytes(bytesAcked uint64) uint64 {
	ackTime := b.ack.ackTime
	expectedAcked := b.maxBandwidth.Get() * (ackTime - b.aggregationEpochStart) / 8 / 1000000

	// When the ack arrival rate falls back to the estimated bandwidth, the
	// aggregation epoch resets.
	if b.aggregationEpochBytes <= expectedAcked {
		b.aggregationEpochStart = ackTime
		b.aggregationEpochBytes = bytesAcked
		return 0
	}
	b.aggregationEpochBytes += bytesAcked
	diff := b.aggregationEpochBytes - expectedAcked
	b.maxAckHeight.UpdateMax(b.roundCount, diff)
	return diff
}

func (b *BBR) updateGainCyclePhase(inflight uint64) {
	priorInflight := b.ack.inflightBytes
	now := b.ack.ackTime

	advance := now-b.lastCycleStart >= b.getMinRTT()

	// In the probing phase, stay until inflight actually reaches the
	// probing target, unless losses force the issue.
	if b.pacingGain > 1.0 && !b.ack.hasLosses && priorInflight < b.targetCwnd(b.pacingGain) {
		advance = false
	}
	// In the draining phase, leave as soon as inflight reaches the BDP.
	if b.pacingGain < 1.0 && inflight <= b.targetCwnd(1.0) {
		advance = true
	}

	if advance {
		b.cycleOffset = (b.cycleOffset + 1) % len(pacingGainCycle)
		b.lastCycleStart = now
		if b.flags&flagDrainToTarget != 0 && b.pacingGain < 1.0 &&
			pacingGainCycle[b.cycleOffset] == 1.0 && inflight > b.targetCwnd(1.0) {
			return
		}
		b.pacingGain = pacingGainCycle[b.cycleOffset]
	}
}

func (b *BBR) checkIsFullBwReached() {
	if b.flags&flagExitStartupOnLoss != 0 && b.inRecovery() {
		b.flags |= flagIsAtFullBandwidth
		bbrLog.Println("loss recovery in STARTUP: full BW reached")
		return
	}
	if b.flags&flagLastSampleAppLimited != 0 {
		return
	}
	target := b.bwAtLastRound.Times(startupGrowthTarget)
	bw := Bandwidth(b.maxBandwidth.Get())
	if bw >= target {
		b.bwAtLastRound = bw
		b.roundWoBwGain = 0
		if b.flags&flagExpireAckAggInStartup != 0 {
			b.maxAckHeight.Reset(MinMaxSample{Time: b.roundCount})
		}
		return
	}
	b.roundWoBwGain++
	if b.roundWoBwGain >= b.nStartupRtts {
		b.flags |= flagIsAtFullBandwidth
		bbrLog.Println("no bandwidth growth for", b.roundWoBwGain, "rounds: full BW reached")
	}
}

func (b *BBR) maybeExitStartupOrDrain(now, inflight uint64) {
	if b.mode == StartUp && b.flags&flagIsAtFullBandwidth != 0 {
		b.setMode(Drain)
		b.pacingGain = b.drainGain
		b.cwndGain = b.highCwndGain
	}
	if b.mode == Drain && inflight <= b.targetCwnd(1.0) {
		b.enterProbeBWMode(now)
	}
}

func (b *BBR) maybeEnterOrExitProbeRTT(now uint64, isRoundStart, minRTTExpired bool, inflight uint64) {
	if minRTTExpired && b.flags&flagExitingQuiescence == 0 && b.mode != ProbeRTT {
		b.setMode(ProbeRTT)
		b.pacingGain = 1.0
		// Pick the exit time only once inflight has drained to target.
		b.exitProbeRTTAt = 0
	}

	if b.mode == ProbeRTT {
		b.sampler.AppLimited()
		if b.exitProbeRTTAt == 0 {
			if inflight < b.probeRTTCwnd()+maxSegment {
				b.flags &^= flagProbeRTTRoundPassed
				b.exitProbeRTTAt = now + probeRTTTime
			}
		} else {
			if isRoundStart {
				b.flags |= flagProbeRTTRoundPassed
			}
			if now >= b.exitProbeRTTAt && b.flags&flagProbeRTTRoundPassed != 0 {
				b.minRTTTimestamp = now
				if b.flags&flagIsAtFullBandwidth == 0 {
					b.enterStartupMode()
				} else {
					b.enterProbeBWMode(now)
				}
			}
		}
	}
	b.flags &^= flagExitingQuiescence
}

func (b *BBR) shouldExtendMinRTTExpiry() bool {
	const bothDisabled = flagAppLimitedSinceProbeRTT | flagProbeRTTDisabledIfAppLimited
	if b.flags&bothDisabled == bothDisabled {
		return true
	}
	const bothSimilar = flagAppLimitedSinceProbeRTT | flagProbeRTTSkippedIfSimilarRTT
	increased := float64(b.minRTTSinceLastProbe) > float64(b.minRTT)*similarMinRTTThreshold
	if b.flags&bothSimilar == bothSimilar && !increased {
		return true
	}
	return false
}

func (b *BBR) setMode(newMode Mode) {
	if b.mode == newMode {
		return
	}
	bbrLog.Println("mode change", b.mode, "->", newMode)
	if b.onModeChange != nil {
		b.onModeChange(b.mode, newMode)
	}
	b.mode = newMode
}

func (b *BBR) enterProbeBWMode(now uint64) {
	b.setMode(ProbeBW)
	b.cwndGain = 2.0

	// Randomize the starting phase, but never begin on the draining gain:
	// shrinking before ever probing would be wrong.
	offset := rand.Intn(len(pacingGainCycle) - 1)
	if offset >= 1 {
		offset++
	}
	b.cycleOffset = offset
	b.lastCycleStart = now
	b.pacingGain = pacingGainCycle[b.cycleOffset]
}

func (b *BBR) enterStartupMode() {
	b.setMode(StartUp)
	b.setStartupValues()
}
