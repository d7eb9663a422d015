// Package netsync implements the framing used over TCP and over USB
// devices that advertise the network HotSync stack. Messages are
// length-prefixed with a small header; there is no per-packet ack and
// no resync, so any framing error is fatal to the session.
package netsync

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/palmkit/hotsync-engine/pkg/types"
)

const headerSize = 6 // data type + transaction ID + 4-byte length

const dataTypeMessage = 0x01

var ErrBadHandshake = errors.New("netsync: handshake mismatch")

// The fixed preamble frames exchanged at session start. The device
// opens with the 0x90 wakeup; the host answers with the 0x92 form and
// the device confirms with 0x93. Each is expected byte-for-byte.
var (
	deviceWakeup = []byte{
		0x90, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x20,
		0x00, 0x00, 0x00, 0x08, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00,
	}
	hostReply = []byte{
		0x92, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x20,
		0x00, 0x00, 0x00, 0x24, 0xFF, 0xFF, 0xFF, 0xFF, 0x3C, 0x00,
		0x3C, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00,
	}
	deviceConfirm = []byte{
		0x93, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x20,
		0x00, 0x00, 0x00, 0x08, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00,
	}
)

// Conn frames a raw duplex into NetSync messages. It implements
// types.MessageDuplex.
type Conn struct {
	duplex types.Duplex
	reader *bufio.Reader
	writer *bufio.Writer
	xid    byte
	log    *logrus.Entry
}

func NewConn(duplex types.Duplex) *Conn {
	return &Conn{
		duplex: duplex,
		reader: bufio.NewReaderSize(duplex, 8096),
		writer: bufio.NewWriterSize(duplex, 8096),
		log:    logrus.WithField("layer", "netsync"),
	}
}

// WriteMessage wraps p in the NetSync envelope and transmits it.
func (c *Conn) WriteMessage(p []byte) error {
	c.xid++
	if c.xid == 0x00 || c.xid == 0xFF {
		c.xid = 0x01
	}
	hdr := make([]byte, headerSize)
	hdr[0] = dataTypeMessage
	hdr[1] = c.xid
	binary.BigEndian.PutUint32(hdr[2:], uint32(len(p)))
	if _, err := c.writer.Write(hdr); err != nil {
		return err
	}
	if len(p) > 0 {
		if _, err := c.writer.Write(p); err != nil {
			return err
		}
	}
	return c.writer.Flush()
}

// ReadMessage consumes one envelope and returns its body.
func (c *Conn) ReadMessage() ([]byte, error) {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(c.reader, hdr); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(hdr[2:])
	body := make([]byte, length)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Conn) Close() error {
	return c.duplex.Close()
}

// Handshake runs the host side of the fixed preamble exchange. Every
// byte is checked; a mismatch is fatal since this framing has no way
// to resynchronize.
func (c *Conn) Handshake() error {
	if err := c.expect(deviceWakeup); err != nil {
		return err
	}
	if _, err := c.writer.Write(hostReply); err != nil {
		return err
	}
	if err := c.writer.Flush(); err != nil {
		return err
	}
	if err := c.expect(deviceConfirm); err != nil {
		return err
	}
	c.log.Debug("NetSync handshake complete")
	return nil
}

// RespondHandshake runs the device side of the preamble exchange; tests
// use it to emulate a handheld.
func (c *Conn) RespondHandshake() error {
	if _, err := c.writer.Write(deviceWakeup); err != nil {
		return err
	}
	if err := c.writer.Flush(); err != nil {
		return err
	}
	if err := c.expect(hostReply); err != nil {
		return err
	}
	if _, err := c.writer.Write(deviceConfirm); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *Conn) expect(want []byte) error {
	got := make([]byte, len(want))
	if _, err := io.ReadFull(c.reader, got); err != nil {
		return errors.Wrap(err, "reading handshake frame")
	}
	if !bytes.Equal(got, want) {
		return errors.Wrapf(ErrBadHandshake, "frame 0x%02x", got[0])
	}
	return nil
}
