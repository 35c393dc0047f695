package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/m-lab/go/rtx"

	"github.com/eular/utp/connection"
	"github.com/eular/utp/endpoint"
)

// TestEchoRoundTrip runs the tiny-echo scenario over loopback: a client
// writes "hello" on a stream, the echo server sends it back with a FIN, and
// the client ends up with a nonzero smoothed RTT.
func TestEchoRoundTrip(t *testing.T) {
	cfg := connection.DefaultConfig()
	cfg.KeepaliveInterval = 0

	server, err := endpoint.Bind("127.0.0.1", 0, "", cfg)
	rtx.Must(err, "Could not bind server endpoint")
	defer server.Stop()
	server.Listen(echo)

	client, err := endpoint.Bind("127.0.0.1", 0, "", cfg)
	rtx.Must(err, "Could not bind client endpoint")
	defer client.Stop()

	connected := make(chan error, 1)
	c, err := client.Connect("127.0.0.1", server.LocalAddr().Port, 5*time.Second,
		func(_ *connection.Conn, cerr error) { connected <- cerr })
	rtx.Must(err, "Could not start connect")
	select {
	case err = <-connected:
		rtx.Must(err, "Handshake failed")
	case <-time.After(5 * time.Second):
		t.Fatal("handshake timed out")
	}

	sid, err := client.CreateStream(c)
	rtx.Must(err, "Could not create stream")
	_, err = client.Write(c, sid, []byte("hello"))
	rtx.Must(err, "Could not write")
	rtx.Must(client.CloseStream(c, sid), "Could not close stream")

	var got []byte
	var fin bool
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && (!fin || len(got) < 5) {
		data, f, rerr := client.Read(c, sid)
		if rerr == nil {
			got = append(got, data...)
			fin = fin || f
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("echoed %q, want %q", got, "hello")
	}
	if !fin {
		t.Error("no FIN observed from the server")
	}

	st := client.Statistic(c)
	if st.SRTT == 0 {
		t.Error("client srtt should be nonzero after echo exchange")
	}
	if st.TxBytes < 5 {
		t.Error("client tx_bytes too small:", st.TxBytes)
	}
	if st.RtxBytes != 0 {
		t.Error("lossless loopback should not retransmit, rtx =", st.RtxBytes)
	}

	client.Close(c, time.Second)
}

// TestBulkTransfer pushes 256 KiB through the echo server and expects every
// byte back, exercising flow control window updates and ack batching.
func TestBulkTransfer(t *testing.T) {
	if testing.Short() {
		t.Skip("bulk transfer in -short mode")
	}
	cfg := connection.DefaultConfig()
	cfg.KeepaliveInterval = 0

	server, err := endpoint.Bind("127.0.0.1", 0, "", cfg)
	rtx.Must(err, "Could not bind server endpoint")
	defer server.Stop()
	server.Listen(echo)

	client, err := endpoint.Bind("127.0.0.1", 0, "", cfg)
	rtx.Must(err, "Could not bind client endpoint")
	defer client.Stop()

	connected := make(chan error, 1)
	c, err := client.Connect("127.0.0.1", server.LocalAddr().Port, 5*time.Second,
		func(_ *connection.Conn, cerr error) { connected <- cerr })
	rtx.Must(err, "Could not start connect")
	rtx.Must(<-connected, "Handshake failed")

	sid, err := client.CreateStream(c)
	rtx.Must(err, "Could not create stream")

	const total = 256 * 1024
	payload := make([]byte, 8192)
	for i := range payload {
		payload[i] = byte(i)
	}
	written := 0
	received := 0
	deadline := time.Now().Add(30 * time.Second)
	for received < total && time.Now().Before(deadline) {
		if written < total {
			n, werr := client.Write(c, sid, payload)
			if werr == nil {
				written += n
			}
		}
		data, _, rerr := client.Read(c, sid)
		if rerr == nil {
			received += len(data)
		}
		time.Sleep(time.Millisecond)
	}
	if received != total {
		t.Fatalf("received %d of %d echoed bytes", received, total)
	}
	client.Close(c, time.Second)
}
