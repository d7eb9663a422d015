package transport

import (
	"fmt"
	"io"
	"time"

	"github.com/palmkit/hotsync-engine/pkg/types"
)

// Direction tags a recorded chunk with the side that produced it.
type Direction byte

const (
	DirRead Direction = iota
	DirWrite
)

func (d Direction) String() string {
	if d == DirRead {
		return "<<"
	}
	return ">>"
}

// Entry is one captured chunk of traffic.
type Entry struct {
	When time.Time
	Dir  Direction
	Data []byte
}

// Recorder captures raw traffic in both directions for diagnostics and
// replay. It is not safe for concurrent use; a session records from its
// own goroutine only.
type Recorder struct {
	entries []Entry
}

func (r *Recorder) record(dir Direction, p []byte) {
	data := make([]byte, len(p))
	copy(data, p)
	r.entries = append(r.entries, Entry{When: time.Now(), Dir: dir, Data: data})
}

// Entries returns the captured traffic in arrival order.
func (r *Recorder) Entries() []Entry {
	return r.entries
}

// BytesRead totals the captured device-to-host traffic.
func (r *Recorder) BytesRead() int {
	n := 0
	for _, e := range r.entries {
		if e.Dir == DirRead {
			n += len(e.Data)
		}
	}
	return n
}

// Dump writes a hex transcript of the capture.
func (r *Recorder) Dump(w io.Writer) error {
	for _, e := range r.entries {
		if _, err := fmt.Fprintf(w, "%s %s % x\n",
			e.When.Format(time.RFC3339Nano), e.Dir, e.Data); err != nil {
			return err
		}
	}
	return nil
}

type recordedDuplex struct {
	d   types.Duplex
	rec *Recorder
}

// Record wraps a duplex so every chunk crossing it is captured.
func Record(d types.Duplex, rec *Recorder) types.Duplex {
	return &recordedDuplex{d: d, rec: rec}
}

func (r *recordedDuplex) Read(p []byte) (int, error) {
	n, err := r.d.Read(p)
	if n > 0 {
		r.rec.record(DirRead, p[:n])
	}
	return n, err
}

func (r *recordedDuplex) Write(p []byte) (int, error) {
	n, err := r.d.Write(p)
	if n > 0 {
		r.rec.record(DirWrite, p[:n])
	}
	return n, err
}

func (r *recordedDuplex) Close() error {
	return r.d.Close()
}
