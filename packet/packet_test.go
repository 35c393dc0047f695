package packet_test

import (
	"bytes"
	"testing"

	"github.com/go-test/deep"

	"github.com/eular/utp/packet"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := &packet.Header{
		Version:    1,
		DCID:       0xDEADBEEF,
		SCID:       0x01020304,
		PnLen:      3,
		PnBits:     0x00ABCDEF,
		Flags:      0x01,
		PayloadLen: 0,
	}
	b := h.Encode(nil)
	if len(b) != h.Len() {
		t.Errorf("encoded %d bytes, Len() says %d", len(b), h.Len())
	}
	got, off, err := packet.ParseHeader(b)
	if err != nil {
		t.Fatal("parse failed:", err)
	}
	if off != len(b) {
		t.Error("offset", off, "!= header length", len(b))
	}
	if diff := deep.Equal(h, got); diff != nil {
		t.Error("header mismatch:", diff)
	}
}

func TestHeaderRejects(t *testing.T) {
	h := &packet.Header{Version: 1, PnLen: 2, PayloadLen: 10}
	b := h.Encode(nil)
	if _, _, err := packet.ParseHeader(b[:8]); err == nil {
		t.Error("truncated header should fail")
	}
	// Declared payload longer than datagram.
	if _, _, err := packet.ParseHeader(b); err == nil {
		t.Error("payload overrun should fail")
	}
	// Bad pn length.
	bad := h.Encode(nil)
	bad[12] = 9
	if _, _, err := packet.ParseHeader(bad); err == nil {
		t.Error("pn_len 9 should fail")
	}
}

func TestPeekDCID(t *testing.T) {
	h := &packet.Header{DCID: 42, PnLen: 1}
	b := h.Encode(nil)
	dcid, ok := packet.PeekDCID(b)
	if !ok || dcid != 42 {
		t.Error("PeekDCID got", dcid, ok)
	}
	if _, ok := packet.PeekDCID(b[:3]); ok {
		t.Error("runt datagram should not yield a DCID")
	}
}

func TestPacketNumberRecovery(t *testing.T) {
	// For a spread of histories and deltas, the truncate/recover pair must
	// be lossless.
	histories := []uint64{0, 1, 200, 255, 256, 1 << 16, 1<<24 + 5, 1 << 30}
	for _, highest := range histories {
		for delta := uint64(1); delta < 300; delta += 7 {
			pn := highest + delta
			pnLen := packet.TruncateLen(pn, highest)
			truncated := uint32(pn) & (uint32(1)<<(8*pnLen) - 1)
			got := packet.RecoverPacketNumber(truncated, pnLen, highest)
			if got != pn {
				t.Fatalf("highest %d pn %d len %d: recovered %d", highest, pn, pnLen, got)
			}
		}
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 16)
	iv := bytes.Repeat([]byte{0x22}, 12)
	s, err := packet.NewSealer(key, iv)
	if err != nil {
		t.Fatal(err)
	}
	header := []byte("header-bytes")
	plaintext := []byte("the payload")
	sealed := s.Seal(nil, header, plaintext, 77)

	out, err := s.Open(nil, header, sealed, 77)
	if err != nil {
		t.Fatal("open failed:", err)
	}
	if !bytes.Equal(out, plaintext) {
		t.Error("plaintext mismatch")
	}

	// Wrong packet number, tampered header, tampered ciphertext all fail.
	if _, err := s.Open(nil, header, sealed, 78); err == nil {
		t.Error("wrong pn should fail")
	}
	badHeader := append([]byte(nil), header...)
	badHeader[0] ^= 1
	if _, err := s.Open(nil, badHeader, sealed, 77); err == nil {
		t.Error("tampered header should fail")
	}
	badSealed := append([]byte(nil), sealed...)
	badSealed[0] ^= 1
	if _, err := s.Open(nil, header, badSealed, 77); err == nil {
		t.Error("tampered ciphertext should fail")
	}
}

func TestKeyAgreement(t *testing.T) {
	client, err := packet.NewKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	server, err := packet.NewKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	ck, err := client.Derive(server.Public, client.Random, server.Random, true)
	if err != nil {
		t.Fatal(err)
	}
	sk, err := server.Derive(client.Public, client.Random, server.Random, false)
	if err != nil {
		t.Fatal(err)
	}

	header := []byte("hdr")
	msg := []byte("client to server")
	sealed := ck.Send.Seal(nil, header, msg, 1)
	out, err := sk.Recv.Open(nil, header, sealed, 1)
	if err != nil {
		t.Fatal("server could not open client packet:", err)
	}
	if !bytes.Equal(out, msg) {
		t.Error("message mismatch")
	}

	// And the reverse direction uses distinct keys.
	sealed2 := sk.Send.Seal(nil, header, msg, 1)
	if bytes.Equal(sealed, sealed2) {
		t.Error("directions should not share key material")
	}
	if _, err := ck.Recv.Open(nil, header, sealed2, 1); err != nil {
		t.Error("client could not open server packet:", err)
	}
}

func TestSessionTokenDeterministic(t *testing.T) {
	secret := []byte("endpoint secret")
	var r1, r2 [16]byte
	r1[0], r2[0] = 1, 2
	a := packet.SessionTokenFor(secret, r1, r2)
	b := packet.SessionTokenFor(secret, r1, r2)
	if a != b {
		t.Error("token derivation must be deterministic")
	}
	c := packet.SessionTokenFor(secret, r2, r1)
	if a == c {
		t.Error("token must depend on the randoms")
	}
}
