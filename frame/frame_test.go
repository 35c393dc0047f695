package frame_test

import (
	"math/rand"
	"testing"

	"github.com/go-test/deep"

	"github.com/eular/utp/frame"
)

// allFrames returns one instance of every frame type with non-trivial field
// values.
func allFrames() []frame.Frame {
	return []frame.Frame{
		&frame.Stream{StreamID: 7, Flags: frame.FinFlag, Offset: 1 << 33, Data: []byte("payload")},
		&frame.Ack{DelayMS: 12, Largest: 100, FirstRange: 5, Ranges: []frame.AckRange{{Gap: 3, Length: 2}, {Gap: 4, Length: 5}}},
		&frame.Padding{Length: 16},
		&frame.ResetStream{StreamID: 3, ErrorCode: frame.StreamStateError, FinalOffset: 4096},
		&frame.ConnectionClose{ErrorCode: frame.Timeout, Reason: "idle timeout"},
		&frame.Blocked{MaximumData: 1 << 20},
		&frame.StreamBlocked{StreamID: 9, MaximumStreamData: 1 << 18},
		&frame.Ping{},
		&frame.MaxData{MaximumData: 1 << 22},
		&frame.MaxStreamData{StreamID: 2, MaximumStreamData: 1 << 21},
		&frame.MaxStreams{StreamType: frame.StreamTypeUni, Maximum: 64},
		&frame.PathChallenge{Token: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}},
		&frame.PathResponse{Token: [8]byte{8, 7, 6, 5, 4, 3, 2, 1}},
		&frame.Crypto{Random: [16]byte{1}, Data: [32]byte{2}},
		&frame.SessionToken{EffectiveSeconds: 3600, Token: [32]byte{9}},
		&frame.AckFrequency{Seq: 3, AckElicitingThreshold: 10, ReorderingThreshold: 3, MaxAckDelayMS: 25},
		&frame.Version{Version: 1},
	}
}

func TestRoundTripAllTypes(t *testing.T) {
	for _, f := range allFrames() {
		b := f.Encode(nil)
		if len(b) != f.Len() {
			t.Errorf("%v: encoded %d bytes, Len() says %d", f.Type(), len(b), f.Len())
		}
		decoded, n, err := frame.Decode(b)
		if err != nil {
			t.Fatalf("%v: decode failed: %v", f.Type(), err)
		}
		if n != len(b) {
			t.Errorf("%v: decode consumed %d of %d bytes", f.Type(), n, len(b))
		}
		// Padding decodes without preserving byte content; compare type only.
		if f.Type() == frame.TypePadding {
			if decoded.Type() != frame.TypePadding {
				t.Error("padding did not round trip")
			}
			continue
		}
		if diff := deep.Equal(f, decoded); diff != nil {
			t.Errorf("%v: round trip mismatch: %v", f.Type(), diff)
		}
	}
}

func TestDecodeAllSequence(t *testing.T) {
	var b []byte
	for _, f := range allFrames() {
		b = f.Encode(b)
	}
	frames, err := frame.DecodeAll(b)
	if err != nil {
		t.Fatal("DecodeAll failed:", err)
	}
	if len(frames) != len(allFrames()) {
		t.Errorf("decoded %d frames, want %d", len(frames), len(allFrames()))
	}
}

func TestDecodeTruncated(t *testing.T) {
	for _, f := range allFrames() {
		b := f.Encode(nil)
		for cut := 1; cut < len(b); cut++ {
			if _, _, err := frame.Decode(b[:cut]); err == nil && f.Type() != frame.TypePadding {
				// A truncated padding frame may still parse when the cut
				// lands past its declared length; all others must fail.
				if cut < f.Len() {
					t.Errorf("%v: decode of %d/%d bytes should fail", f.Type(), cut, len(b))
					break
				}
			}
		}
	}
}

func TestDecodeUnknownType(t *testing.T) {
	if _, _, err := frame.Decode([]byte{0xEE, 0, 0}); err == nil {
		t.Error("unknown frame type should fail to decode")
	}
}

func TestAckUnderflowRejected(t *testing.T) {
	// Largest 10, first range 5 acks down to 5; a further range spanning 10
	// packets would go below zero.
	f := &frame.Ack{Largest: 10, FirstRange: 5, Ranges: []frame.AckRange{{Gap: 4, Length: 4}}}
	b := f.Encode(nil)
	if _, _, err := frame.Decode(b); err == nil {
		t.Error("underflowing ack ranges should be rejected")
	}
}

func TestAckAckedWalk(t *testing.T) {
	// The worked example: received 95-100, 90-92, 80-85.
	f := &frame.Ack{
		Largest:    100,
		FirstRange: 5,
		Ranges: []frame.AckRange{
			{Gap: 1, Length: 2}, // 93-94 missing, 90-92 acked
			{Gap: 3, Length: 5}, // 86-89 missing, 80-85 acked
		},
	}
	want := map[uint64]bool{}
	for pn := uint64(95); pn <= 100; pn++ {
		want[pn] = true
	}
	for pn := uint64(90); pn <= 92; pn++ {
		want[pn] = true
	}
	for pn := uint64(80); pn <= 85; pn++ {
		want[pn] = true
	}
	got := f.Acked()
	if len(got) != len(want) {
		t.Fatalf("acked %d packets, want %d: %v", len(got), len(want), got)
	}
	for _, pn := range got {
		if !want[pn] {
			t.Error("unexpected acked pn", pn)
		}
	}
	if f.Smallest() != 80 {
		t.Error("smallest should be 80, got", f.Smallest())
	}
}

// TestRangeSetReconstruction is the ACK range round-trip property: any set
// of received packet numbers must survive RangeSet -> Ack -> Acked intact.
func TestRangeSetReconstruction(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	for trial := 0; trial < 100; trial++ {
		want := map[uint64]bool{}
		var set frame.RangeSet
		for i := 0; i < 60; i++ {
			pn := uint64(rnd.Intn(200))
			want[pn] = true
			set.Add(pn)
		}
		ack := set.Ack(0, 255)
		if ack == nil {
			t.Fatal("ack should not be nil")
		}
		got := map[uint64]bool{}
		for _, pn := range ack.Acked() {
			if got[pn] {
				t.Fatal("duplicate pn in Acked():", pn)
			}
			got[pn] = true
		}
		if diff := deep.Equal(want, got); diff != nil {
			t.Fatalf("trial %d: reconstruction mismatch: %v", trial, diff)
		}
	}
}

func TestRangeSetDuplicatesAndOrder(t *testing.T) {
	var set frame.RangeSet
	for _, pn := range []uint64{5, 3, 5, 4, 10, 11, 9, 1} {
		set.Add(pn)
	}
	if !set.Contains(3) || !set.Contains(11) || set.Contains(6) {
		t.Error("membership wrong")
	}
	if max, ok := set.Max(); !ok || max != 11 {
		t.Error("max should be 11, got", max)
	}
	// 1, 3-5, 9-11 -> 3 ranges.
	if set.Len() != 3 {
		t.Error("expected 3 ranges, got", set.Len())
	}
}

func TestErrorCodeString(t *testing.T) {
	tests := []struct {
		want string
		c    frame.ErrorCode
	}{
		{"NoError", frame.NoError},
		{"Timeout", frame.Timeout},
		{"FlowControlViolation", frame.FlowControlViolation},
		{"ApplicationError(0x0180)", frame.ErrorCode(0x0180)},
	}
	for _, tt := range tests {
		if got := tt.c.String(); got != tt.want {
			t.Errorf("ErrorCode.String() = %v, want %v", got, tt.want)
		}
	}
}

func TestTypeBit(t *testing.T) {
	var b frame.TypeBit
	b |= frame.TypeStream.Bit()
	b |= frame.TypeAck.Bit()
	if !b.Has(frame.TypeStream) || !b.Has(frame.TypeAck) || b.Has(frame.TypePing) {
		t.Error("bitmap membership wrong")
	}
	if b.String() != "Stream|Ack" {
		t.Error("bitmap string:", b.String())
	}
}
