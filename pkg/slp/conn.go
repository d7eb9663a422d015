package slp

import (
	"bufio"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/palmkit/hotsync-engine/pkg/types"
)

// ErrReadTimeout is returned by Socket.ReadFrameTimeout when no frame
// arrives within the deadline.
var ErrReadTimeout = timeoutError{}

type timeoutError struct{}

func (timeoutError) Error() string { return "slp: read timeout" }
func (timeoutError) Timeout() bool { return true }

// Conn frames a raw byte duplex into SLP datagrams. A reader goroutine
// runs a byte-oriented scanner: it hunts for the preamble, validates
// the header checksum and trailing CRC, and drops anything malformed,
// resynchronizing by advancing a single byte. Socket filtering is not
// done here; consumers subscribe by socket pair.
type Conn struct {
	duplex types.Duplex
	reader *bufio.Reader

	mu      sync.Mutex
	sockets map[socketPair]*Socket
	readErr error
	closed  chan struct{}

	log *logrus.Entry
}

type socketPair struct {
	local, remote byte
}

func NewConn(duplex types.Duplex) *Conn {
	c := &Conn{
		duplex:  duplex,
		reader:  bufio.NewReaderSize(duplex, 4096),
		sockets: map[socketPair]*Socket{},
		closed:  make(chan struct{}),
		log:     logrus.WithField("layer", "slp"),
	}
	go c.readLoop()
	return c
}

// Subscribe registers interest in frames addressed to local that were
// sent from remote. Frames for unsubscribed pairs are dropped.
func (c *Conn) Subscribe(local, remote byte) *Socket {
	s := &Socket{
		conn:    c,
		local:   local,
		remote:  remote,
		pending: make(chan *Frame, 64),
	}
	c.mu.Lock()
	c.sockets[socketPair{local, remote}] = s
	c.mu.Unlock()
	return s
}

// WriteFrame encodes and transmits one frame.
func (c *Conn) WriteFrame(f *Frame) error {
	buf, err := f.Encode()
	if err != nil {
		return err
	}
	_, err = c.duplex.Write(buf)
	return err
}

// Close closes the underlying duplex; the reader goroutine exits on
// the resulting read failure.
func (c *Conn) Close() error {
	return c.duplex.Close()
}

func (c *Conn) readLoop() {
	for {
		f, err := c.readFrame()
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			close(c.closed)
			if err != io.EOF {
				c.log.WithError(err).Debug("Frame reader stopped")
			}
			return
		}
		c.dispatch(f)
	}
}

func (c *Conn) dispatch(f *Frame) {
	c.mu.Lock()
	s, ok := c.sockets[socketPair{f.Dest, f.Src}]
	c.mu.Unlock()
	if !ok {
		c.log.WithFields(logrus.Fields{"dest": f.Dest, "src": f.Src, "type": f.Type}).
			Debug("Dropping frame for unsubscribed socket pair")
		return
	}
	select {
	case s.pending <- f:
	default:
		c.log.WithFields(logrus.Fields{"dest": f.Dest, "src": f.Src}).
			Warn("Dropping frame: subscriber queue full")
	}
}

// readFrame scans the byte stream for the next well-formed frame.
func (c *Conn) readFrame() (*Frame, error) {
	hdr := make([]byte, headerSize)
	for {
		if err := c.scanPreamble(); err != nil {
			return nil, err
		}
		copy(hdr, preamble[:])
		if _, err := io.ReadFull(c.reader, hdr[3:]); err != nil {
			return nil, err
		}
		if headerChecksum(hdr[:8]) != hdr[8] {
			c.log.Warn("Dropping frame: bad header checksum")
			continue
		}
		bodyLen := int(binary.BigEndian.Uint16(hdr[6:8]))
		body := make([]byte, bodyLen+crcSize)
		if _, err := io.ReadFull(c.reader, body); err != nil {
			return nil, err
		}
		crc := updateCRC16(Checksum16(hdr), body[:bodyLen])
		if crc != binary.BigEndian.Uint16(body[bodyLen:]) {
			c.log.Warn("Dropping frame: bad CRC")
			continue
		}
		return &Frame{
			Dest: hdr[3],
			Src:  hdr[4],
			Type: hdr[5],
			Body: body[:bodyLen],
		}, nil
	}
}

// scanPreamble consumes bytes until the 3-byte preamble has been seen,
// advancing one byte at a time on a mismatch.
func (c *Conn) scanPreamble() error {
	matched := 0
	for matched < len(preamble) {
		b, err := c.reader.ReadByte()
		if err != nil {
			return err
		}
		if b == preamble[matched] {
			matched++
			continue
		}
		if b == preamble[0] {
			matched = 1
		} else {
			matched = 0
		}
	}
	return nil
}

func (c *Conn) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

// Socket is one subscribed endpoint pair on a Conn.
type Socket struct {
	conn          *Conn
	local, remote byte
	pending       chan *Frame
}

// ReadFrame returns the next frame addressed to this socket pair.
func (s *Socket) ReadFrame() (*Frame, error) {
	select {
	case f := <-s.pending:
		return f, nil
	case <-s.conn.closed:
		return s.drain()
	}
}

// ReadFrameTimeout is ReadFrame with a deadline; it returns
// ErrReadTimeout when it expires.
func (s *Socket) ReadFrameTimeout(d time.Duration) (*Frame, error) {
	select {
	case f := <-s.pending:
		return f, nil
	case <-s.conn.closed:
		return s.drain()
	case <-time.After(d):
		return nil, ErrReadTimeout
	}
}

// drain hands out frames queued before the reader stopped.
func (s *Socket) drain() (*Frame, error) {
	select {
	case f := <-s.pending:
		return f, nil
	default:
		return nil, s.conn.err()
	}
}

// WriteFrame sends body to the remote socket with the given packet type.
func (s *Socket) WriteFrame(pktType byte, body []byte) error {
	return s.conn.WriteFrame(&Frame{
		Dest: s.remote,
		Src:  s.local,
		Type: pktType,
		Body: body,
	})
}
