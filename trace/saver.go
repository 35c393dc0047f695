// Package trace contains all logic for writing connection trace records to
// files.
//  1. Sets up a channel that accepts slices of *trace.Record
//  2. Maintains a map of Connections, one for each connection.
//  3. Uses several marshaller goroutines to convert records to JSONL and
//     write them to zstd files.
//  4. Rotates Connection output files every 10 minutes for long lasting
//     connections.
package trace

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/eular/utp/zstd"
)

// Errors generated by trace functions.
var (
	ErrNoMarshallers = errors.New("trace: Saver has zero Marshallers")
	ErrNoUUID        = errors.New("trace: record has no UUID")
)

// Record is one connection snapshot.  Field names are stable: the utptrace
// tool maps them straight to CSV columns.
type Record struct {
	UUID      string
	Timestamp time.Time
	State     string
	SRTT      uint64 // µs
	RTTVar    uint64 // µs
	RTO       uint64 // µs
	TxBytes   uint64
	RtxBytes  uint64
	PingCount uint64
	PongCount uint64
	MSS       uint16
	Closed    bool
}

// Task represents a single marshalling task, specifying the record and the
// writer.
type Task struct {
	// nil Record means close the writer.
	Record *Record
	Writer io.WriteCloser
}

// MarshalChan is a channel of marshalling tasks.
type MarshalChan chan<- Task

func runMarshaller(taskChan <-chan Task, wg *sync.WaitGroup) {
	for task := range taskChan {
		if task.Record == nil {
			task.Writer.Close()
			continue
		}
		if task.Writer == nil {
			log.Fatal("Nil writer")
		}
		b, err := json.Marshal(task.Record)
		if err != nil {
			log.Println(err)
			continue
		}
		b = append(b, '\n')
		if _, err = task.Writer.Write(b); err != nil {
			log.Println(err)
		}
	}
	log.Println("Marshaller Done")
	wg.Done()
}

func newMarshaller(wg *sync.WaitGroup) MarshalChan {
	marshChan := make(chan Task, 100)
	wg.Add(1)
	go runMarshaller(marshChan, wg)
	return marshChan
}

// Connection objects handle all output associated with a single connection.
type Connection struct {
	UUID       string
	StartTime  time.Time // Time the connection was first recorded.
	Sequence   int       // Increments for long running connections.
	Expiration time.Time // Time we will swap files and increment Sequence.
	Writer     io.WriteCloser
}

func newConnection(uuid string, timestamp time.Time) *Connection {
	return &Connection{UUID: uuid, StartTime: timestamp, Expiration: time.Now()}
}

// Rotate opens the next writer for a connection.
func (conn *Connection) Rotate(fileAgeLimit time.Duration) error {
	date := conn.StartTime.Format("20060102Z150405.000")
	var err error
	conn.Writer, err = zstd.NewWriter(fmt.Sprintf("%s_%s_%05d.jsonl.zst", date, conn.UUID, conn.Sequence))
	if err != nil {
		return err
	}
	conn.Expiration = conn.Expiration.Add(fileAgeLimit)
	conn.Sequence++
	return nil
}

// Stats counts records as they pass through the saver.
type Stats struct {
	TotalCount  int
	NewCount    int
	ClosedCount int
}

// Print prints out some basic stats about saver use.
func (stats *Stats) Print() {
	log.Printf("Trace stats: total %d new %d closed %d\n",
		stats.TotalCount, stats.NewCount, stats.ClosedCount)
}

// Saver writes connection trace records to rotated, compressed files.  It
// handles arbitrary connections keyed by UUID.
type Saver struct {
	FileAgeLimit time.Duration
	MarshalChans []MarshalChan
	Done         *sync.WaitGroup // All marshallers will call Done on this.
	Connections  map[string]*Connection

	stats Stats
}

// NewSaver creates a new Saver.  numMarshaller controls how many
// marshalling goroutines distribute the workload.
func NewSaver(numMarshaller int) *Saver {
	m := make([]MarshalChan, 0, numMarshaller)
	wg := &sync.WaitGroup{}
	for i := 0; i < numMarshaller; i++ {
		m = append(m, newMarshaller(wg))
	}
	return &Saver{
		FileAgeLimit: 10 * time.Minute,
		MarshalChans: m,
		Done:         wg,
		Connections:  make(map[string]*Connection, 500),
	}
}

// queue routes a record to the marshaller owning its connection's file.
func (svr *Saver) queue(rec *Record) error {
	if rec.UUID == "" {
		return ErrNoUUID
	}
	if len(svr.MarshalChans) < 1 {
		return ErrNoMarshallers
	}
	q := svr.MarshalChans[hashUUID(rec.UUID)%len(svr.MarshalChans)]
	conn, ok := svr.Connections[rec.UUID]
	if !ok {
		svr.stats.NewCount++
		conn = newConnection(rec.UUID, rec.Timestamp)
		svr.Connections[rec.UUID] = conn
	}
	if time.Now().After(conn.Expiration) && conn.Writer != nil {
		q <- Task{nil, conn.Writer} // Close the previous file.
		conn.Writer = nil
	}
	if conn.Writer == nil {
		if err := conn.Rotate(svr.FileAgeLimit); err != nil {
			return err
		}
	}
	q <- Task{rec, conn.Writer}
	return nil
}

func hashUUID(uuid string) int {
	h := 0
	for i := 0; i < len(uuid); i++ {
		h = h*31 + int(uuid[i])
	}
	if h < 0 {
		h = -h
	}
	return h
}

func (svr *Saver) endConn(uuid string) {
	q := svr.MarshalChans[hashUUID(uuid)%len(svr.MarshalChans)]
	conn, ok := svr.Connections[uuid]
	if ok && conn.Writer != nil {
		q <- Task{nil, conn.Writer}
		delete(svr.Connections, uuid)
	}
}

// RecordSaverLoop consumes batches of records until the channel closes.
// Records flagged Closed retire the connection's file.
func (svr *Saver) RecordSaverLoop(recChan <-chan []*Record) {
	log.Println("Starting trace Saver")
	for recs := range recChan {
		for i := range recs {
			if recs[i] == nil {
				log.Println("Error: nil trace record")
				continue
			}
			svr.stats.TotalCount++
			if err := svr.queue(recs[i]); err != nil {
				log.Println(err)
			}
			if recs[i].Closed {
				svr.stats.ClosedCount++
				svr.endConn(recs[i].UUID)
			}
		}
	}
	svr.Close()
	svr.stats.Print()
}

// Close shuts down all the marshallers, and waits for all files to be
// closed.
func (svr *Saver) Close() {
	log.Println("Terminating trace Saver")
	log.Println("Total of", len(svr.Connections), "connections active.")
	for uuid := range svr.Connections {
		svr.endConn(uuid)
	}
	log.Println("Closing Marshallers")
	for i := range svr.MarshalChans {
		close(svr.MarshalChans[i])
	}
	svr.Done.Wait()
}

// Stats returns the saver stats.
func (svr *Saver) Stats() Stats {
	return svr.stats
}
