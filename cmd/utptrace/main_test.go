package main

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/m-lab/go/rtx"

	"github.com/eular/utp/trace"
)

func TestMainTooManyArgs(t *testing.T) {
	defer func(args []string) {
		os.Args = args
		logFatal = log.Fatal
	}(os.Args)

	os.Args = []string{"test_utptrace", "file1", "file2"}
	logFatal = func(...interface{}) {
		panic("panic instead of log.Fatal")
	}

	defer func() {
		e := recover()
		if e == nil {
			t.Error("Should have panicked")
		}
	}()

	main()
}

func TestOpenFile(t *testing.T) {
	dir, err := ioutil.TempDir("", "TestOpenFile")
	rtx.Must(err, "Could not make tempdir")
	defer os.RemoveAll(dir)
	rtx.Must(ioutil.WriteFile(dir+"/test.txt", []byte("abcd"), 0666), "Could not write test.txt")
	r, err := openFile(dir + "/test.txt")
	rtx.Must(err, "Could not open file")
	b, err := ioutil.ReadAll(r)
	rtx.Must(err, "Could not read file")
	if string(b) != "abcd" {
		t.Errorf("%q != \"abcd\"", string(b))
	}
}

func TestFileToCSV(t *testing.T) {
	jsonl := `{"UUID":"host_1_00000001","Timestamp":"2026-01-01T00:00:00Z","State":"Connected","SRTT":1500,"RTTVar":200,"RTO":200000,"TxBytes":1024,"RtxBytes":0,"PingCount":1,"PongCount":1,"MSS":1400,"Closed":false}
{"UUID":"host_1_00000001","Timestamp":"2026-01-01T00:00:01Z","State":"Disconnected","SRTT":1500,"RTTVar":200,"RTO":200000,"TxBytes":2048,"RtxBytes":100,"PingCount":2,"PongCount":2,"MSS":1400,"Closed":true}
`
	recs, err := readRecords(strings.NewReader(jsonl))
	rtx.Must(err, "Could not read test records")
	if len(recs) != 2 {
		t.Fatal("Expected 2 records, got", len(recs))
	}
	if recs[0].UUID != "host_1_00000001" || recs[0].MSS != 1400 {
		t.Error("Bad first record:", recs[0])
	}
	if !recs[1].Closed {
		t.Error("Second record should be Closed")
	}

	buf := bytes.NewBuffer(nil)
	if err := toCSV(recs, buf); err != nil {
		t.Fatal("Conversion problem", err)
	}
	lines := strings.Split(buf.String(), "\n")
	// Header, two records, and the final empty string from Split.
	if len(lines) != 4 {
		t.Errorf("Expected 4 lines, got %d:\n%s", len(lines), buf.String())
	}
	header := strings.Split(lines[0], ",")
	if header[0] != "UUID" {
		t.Error("Incorrect header", header[0])
	}
}

func TestRecordRoundTrip(t *testing.T) {
	// A record written by the saver must come back identical.
	rec := &trace.Record{
		UUID:      "host_2_00000002",
		Timestamp: time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC),
		State:     "Connected",
		SRTT:      1234,
		TxBytes:   99,
		MSS:       1280,
	}
	line, err := json.Marshal(rec)
	rtx.Must(err, "Could not marshal record")
	recs, err := readRecords(bytes.NewReader(line))
	rtx.Must(err, "Could not read record back")
	if len(recs) != 1 {
		t.Fatal("expected one record, got", len(recs))
	}
	got := recs[0]
	if got.UUID != rec.UUID || !got.Timestamp.Equal(rec.Timestamp) || got.State != rec.State ||
		got.SRTT != rec.SRTT || got.TxBytes != rec.TxBytes || got.MSS != rec.MSS {
		t.Errorf("record did not round trip: %+v", got)
	}
	buf := bytes.NewBuffer(nil)
	rtx.Must(toCSV([]*trace.Record{rec}, buf), "Could not marshal record")
	if !strings.Contains(buf.String(), "host_2_00000002") {
		t.Error("CSV output missing UUID:", buf.String())
	}
}
