package zstd_test

import (
	"io"
	"io/ioutil"
	"os"
	"testing"

	"github.com/m-lab/go/rtx"

	"github.com/eular/utp/zstd"
)

func TestRoundTrip(t *testing.T) {
	tmpdir, err := ioutil.TempDir("", "TestZstdRoundTrip")
	rtx.Must(err, "Could not create tempdir")
	defer os.RemoveAll(tmpdir)

	data := make([]byte, 10000)
	for i := range data {
		data[i] = byte((i * 37) % 256)
	}

	w, err := zstd.NewWriter(tmpdir + "/test.zst")
	rtx.Must(err, "Could not create writer")
	n, err := w.Write(data)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(data) {
		t.Error("Short write:", n)
	}
	// Close waits for the zstd process to finish writing to disk.
	rtx.Must(w.Close(), "Could not close writer")

	read := make([]byte, 20000)
	r := zstd.NewReader(tmpdir + "/test.zst")
	defer r.Close()
	// Interesting...  Sometimes this requires multiple calls to read.
	n, err = io.ReadAtLeast(r, read, len(data))
	if err != nil {
		t.Error(err)
	}
	if n != len(data) {
		t.Error("Wrong number of bytes", n)
	}

	for i := range data {
		if data[i] != read[i] {
			t.Fatal("Data mismatch at", i)
		}
	}
}
