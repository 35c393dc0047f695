// example-eventsocket-client is a minimal reference implementation of a
// utp eventsocket client.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"

	"github.com/eular/utp/eventsocket"
)

var (
	mainCtx, mainCancel = context.WithCancel(context.Background())
)

// event contains fields for an open event.
type event struct {
	timestamp time.Time
	uuid      string
	id        *eventsocket.FlowID
}

// handler implements the eventsocket.Handler interface.
type handler struct {
	events chan event
}

// Open is called by the endpoint synchronously for every connection open
// event.
func (h *handler) Open(ctx context.Context, timestamp time.Time, uuid string, id *eventsocket.FlowID) {
	log.Println("open ", uuid, timestamp, id)
	h.events <- event{timestamp: timestamp, uuid: uuid, id: id}
}

// Close is called single-threaded and blocking for every connection close
// event.
func (h *handler) Close(ctx context.Context, timestamp time.Time, uuid string, id *eventsocket.FlowID) {
	log.Println("close", uuid, timestamp)
}

// ProcessOpenEvents reads and processes events received by the open handler.
func (h *handler) ProcessOpenEvents(ctx context.Context) {
	for {
		select {
		case e := <-h.events:
			log.Println("processing", e)
		case <-ctx.Done():
			log.Println("shutdown")
			return
		}
	}
}

func main() {
	defer mainCancel()

	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from environment variables")

	if *eventsocket.Filename == "" {
		log.Fatal("The -utp.eventsocket flag is required")
	}

	h := &handler{events: make(chan event)}

	// Process events received by the eventsocket handler.
	go h.ProcessOpenEvents(mainCtx)

	// Begin listening on the eventsocket for new events, and dispatch them to
	// the given handler.
	eventsocket.MustRun(mainCtx, *eventsocket.Filename, h)
}
