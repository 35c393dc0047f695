// Main package in utptrace implements a command line tool for converting
// connection trace files (JSONL, possibly zstd-compressed) to CSV files.
package main

import (
	"bufio"
	"encoding/json"
	"io"
	"log"
	"os"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/m-lab/go/rtx"

	"github.com/eular/utp/trace"
	"github.com/eular/utp/zstd"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	// A variable to enable mocking for testing.
	logFatal = log.Fatal
)

// readRecords parses trace records from the reader.
func readRecords(rdr io.Reader) ([]*trace.Record, error) {
	var recs []*trace.Record
	s := bufio.NewScanner(rdr)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		rec := &trace.Record{}
		if err := json.Unmarshal([]byte(line), rec); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, s.Err()
}

func toCSV(recs []*trace.Record, wtr io.Writer) error {
	return gocsv.Marshal(recs, wtr)
}

// openFile either opens a file, or opens and unzips a file that ends with .zst
func openFile(fn string) (io.ReadCloser, error) {
	if strings.HasSuffix(fn, ".zst") {
		return zstd.NewReader(fn), nil
	}
	return os.Open(fn)
}

func main() {
	args := os.Args[1:]

	var source io.ReadCloser
	var err error
	source = os.Stdin
	if len(args) == 1 {
		source, err = openFile(args[0])
		rtx.Must(err, "Could not open file %q", args[0])
	} else if len(args) > 1 {
		logFatal("Too many command-line arguments.")
	}
	defer source.Close()

	recs, err := readRecords(source)
	rtx.Must(err, "Could not read trace records")
	rtx.Must(toCSV(recs, os.Stdout), "Could not convert input to CSV")
}
