package main

// utpd is a UDP transport echo daemon: every byte a peer writes on any
// stream is echoed back on the same stream.  It exists to exercise the
// transport end to end and as a ready-made peer for utpload.

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	_ "net/http/pprof" // Support profiling

	"github.com/eular/utp/clock"
	"github.com/eular/utp/connection"
	"github.com/eular/utp/endpoint"
	"github.com/eular/utp/eventsocket"
	"github.com/eular/utp/trace"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	listenIP   = flag.String("ip", "0.0.0.0", "Local IP to bind.")
	listenPort = flag.Int("port", 9000, "Local UDP port to bind.")
	ifname     = flag.String("interface", "", "Optional interface to bind to.")
	promPort   = flag.String("prom", ":9090", "Prometheus metrics export address and port. Default is ':9090'")
	eventsock  = flag.String("eventsocket", "", "Unix-domain socket on which to publish connection events.")
	tracing    = flag.Bool("trace", false, "Write per-connection trace files to the working directory.")
	outputDir  = flag.String("output", "", "Directory in which to put trace files. Default is the current directory.")

	ctx, cancel = context.WithCancel(context.Background())
)

// echo wires a freshly-accepted connection to echo every stream back to
// the peer.  The callback runs on the endpoint loop, so connection methods
// are called directly.
func echo(c *connection.Conn) {
	log.Println("accepted connection", c.UUID, "from", c.Remote())
	c.OnStreamReadable = func(id uint16) {
		now := clock.Now()
		data, fin, err := c.Read(now, id)
		if err != nil {
			return
		}
		if len(data) > 0 {
			c.Write(now, id, data)
		}
		if fin {
			c.CloseStream(now, id)
		}
	}
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from environment variables")

	if *outputDir != "" {
		rtx.Must(os.Chdir(*outputDir), "Could not change to the directory %s", *outputDir)
	}

	// Expose prometheus and pprof metrics on a separate port.
	promSrv := prometheusx.MustStartPrometheus(*promPort)
	defer promSrv.Shutdown(ctx)

	ep, err := endpoint.Bind(*listenIP, *listenPort, *ifname, connection.DefaultConfig())
	rtx.Must(err, "Could not bind endpoint on %s:%d", *listenIP, *listenPort)
	defer ep.Stop()

	if *eventsock != "" {
		srv := eventsocket.New(*eventsock)
		rtx.Must(srv.Listen(), "Could not listen on %q", *eventsock)
		go srv.Serve(ctx)
		ep.SetEventServer(srv)
	}

	if *tracing {
		svr := trace.NewSaver(3)
		recChan := make(chan []*trace.Record, 2)
		go svr.RecordSaverLoop(recChan)
		defer close(recChan)
		ep.SetTraceChannel(recChan)
	}

	ep.Listen(echo)
	log.Println("utpd listening on", ep.LocalAddr())

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigC:
		log.Println("signal received, shutting down")
	case <-ctx.Done():
	}
	cancel()
}
