// Main package in utpload implements a load-generating client: it opens a
// number of connections to a utp server, pushes bulk data on each, and
// writes a per-connection result CSV at the end of the run.
package main

import (
	"errors"
	"flag"
	"os"
	"sync"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/eular/utp/connection"
	"github.com/eular/utp/endpoint"
)

var (
	server   = flag.String("server", "127.0.0.1", "Server address to connect to.")
	port     = flag.Int("port", 9000, "Server port.")
	conns    = flag.Int("connections", 1, "Number of concurrent connections.")
	byteSize = flag.Int("bytes", 1<<20, "Bytes to push on each connection.")
	timeout  = flag.Duration("timeout", 30*time.Second, "Per-connection run timeout.")
	out      = flag.String("out", "utpload-results.csv", "Result CSV path.")
)

// result is one connection's outcome, marshalled to CSV at the end.
type result struct {
	RunID    string        `csv:"run_id"`
	Conn     int           `csv:"conn"`
	Bytes    int           `csv:"bytes"`
	Elapsed  time.Duration `csv:"elapsed"`
	TxBytes  uint64        `csv:"tx_bytes"`
	RtxBytes uint64        `csv:"rtx_bytes"`
	SRTTus   uint64        `csv:"srtt_us"`
	Err      string        `csv:"error"`
}

func runOne(log *logrus.Entry, ep *endpoint.Endpoint, idx int, res *result) {
	start := time.Now()
	connected := make(chan error, 1)
	c, err := ep.Connect(*server, *port, *timeout, func(_ *connection.Conn, cerr error) {
		connected <- cerr
	})
	if err != nil {
		res.Err = err.Error()
		return
	}
	select {
	case err = <-connected:
	case <-time.After(*timeout):
		err = errors.New("connect timeout")
	}
	if err != nil {
		res.Err = err.Error()
		ep.Shutdown(c)
		return
	}
	log.WithField("conn", idx).Info("connected")

	sid, err := ep.CreateStream(c)
	if err != nil {
		res.Err = err.Error()
		ep.Shutdown(c)
		return
	}
	payload := make([]byte, 64*1024)
	remaining := *byteSize
	deadline := time.Now().Add(*timeout)
	for remaining > 0 && time.Now().Before(deadline) {
		chunk := payload
		if remaining < len(chunk) {
			chunk = chunk[:remaining]
		}
		n, werr := ep.Write(c, sid, chunk)
		if werr != nil {
			res.Err = werr.Error()
			break
		}
		remaining -= n
		// Let the scheduler drain; writes are buffered, not blocking.
		time.Sleep(time.Millisecond)
	}
	ep.CloseStream(c, sid)

	st := ep.Statistic(c)
	res.Bytes = *byteSize - remaining
	res.Elapsed = time.Since(start)
	res.TxBytes = st.TxBytes
	res.RtxBytes = st.RtxBytes
	res.SRTTus = st.SRTT
	ep.Close(c, *timeout)
	log.WithFields(logrus.Fields{
		"conn":    idx,
		"bytes":   res.Bytes,
		"elapsed": res.Elapsed,
		"rtx":     res.RtxBytes,
	}).Info("done")
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from environment variables")

	runID := xid.New().String()
	logger := logrus.WithField("run_id", runID)
	logger.WithFields(logrus.Fields{
		"server":      *server,
		"port":        *port,
		"connections": *conns,
	}).Info("starting load run")

	ep, err := endpoint.Bind("0.0.0.0", 0, "", connection.DefaultConfig())
	rtx.Must(err, "Could not bind client endpoint")
	defer ep.Stop()

	results := make([]*result, *conns)
	var wg sync.WaitGroup
	for i := 0; i < *conns; i++ {
		results[i] = &result{RunID: runID, Conn: i}
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			runOne(logger, ep, idx, results[idx])
		}(i)
	}
	wg.Wait()

	f, err := os.Create(*out)
	rtx.Must(err, "Could not create %q", *out)
	defer f.Close()
	rtx.Must(gocsv.Marshal(results, f), "Could not write results CSV")
	logger.WithField("out", *out).Info("results written")
}
