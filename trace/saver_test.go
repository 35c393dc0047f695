package trace

import (
	"io/ioutil"
	"os"
	"strings"
	"testing"
	"time"
)

func TestQueueRequiresUUID(t *testing.T) {
	svr := NewSaver(1)
	defer svr.Close()
	if err := svr.queue(&Record{}); err != ErrNoUUID {
		t.Error("record without UUID should be rejected, got", err)
	}
}

func TestNoMarshallers(t *testing.T) {
	svr := &Saver{Connections: make(map[string]*Connection)}
	if err := svr.queue(&Record{UUID: "u"}); err != ErrNoMarshallers {
		t.Error("expected ErrNoMarshallers, got", err)
	}
}

func TestHashUUIDStable(t *testing.T) {
	if hashUUID("abc") != hashUUID("abc") {
		t.Error("hash must be deterministic")
	}
	if hashUUID("abc") < 0 {
		t.Error("hash must be non-negative")
	}
}

func TestRecordSaverLoop(t *testing.T) {
	dir, err := ioutil.TempDir("", "TestRecordSaverLoop")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)

	svr := NewSaver(2)
	recChan := make(chan []*Record, 2)
	done := make(chan struct{})
	go func() {
		svr.RecordSaverLoop(recChan)
		close(done)
	}()

	now := time.Now()
	recChan <- []*Record{
		{UUID: "host_1_00000001", Timestamp: now, State: "Connected", TxBytes: 10},
		{UUID: "host_1_00000002", Timestamp: now, State: "Connected", TxBytes: 20},
	}
	recChan <- []*Record{
		{UUID: "host_1_00000001", Timestamp: now, State: "Disconnected", Closed: true},
	}
	close(recChan)
	<-done

	stats := svr.Stats()
	if stats.TotalCount != 3 {
		t.Error("expected 3 records, got", stats.TotalCount)
	}
	if stats.NewCount != 2 {
		t.Error("expected 2 new connections, got", stats.NewCount)
	}
	if stats.ClosedCount != 1 {
		t.Error("expected 1 closed connection, got", stats.ClosedCount)
	}

	files, err := ioutil.ReadDir(".")
	if err != nil {
		t.Fatal(err)
	}
	seen := 0
	for _, f := range files {
		if strings.Contains(f.Name(), "host_1_") && strings.HasSuffix(f.Name(), ".jsonl.zst") {
			seen++
		}
	}
	if seen != 2 {
		t.Error("expected one trace file per connection, found", seen)
	}
}
