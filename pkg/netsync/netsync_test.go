package netsync

import (
	"bytes"
	"io"
	"net"
	"testing"

	. "gopkg.in/check.v1"
)

func Test(t *testing.T) { TestingT(t) }

type TestSuite struct{}

var _ = Suite(&TestSuite{})

type fakeDuplex struct {
	in  io.Reader
	out bytes.Buffer
}

func (d *fakeDuplex) Read(p []byte) (int, error)  { return d.in.Read(p) }
func (d *fakeDuplex) Write(p []byte) (int, error) { return d.out.Write(p) }
func (d *fakeDuplex) Close() error                { return nil }

func (s *TestSuite) TestFrame300ByteBody(c *C) {
	body := make([]byte, 300)
	for i := range body {
		body[i] = byte(i)
	}
	d := &fakeDuplex{in: bytes.NewReader(nil)}
	conn := NewConn(d)
	c.Assert(conn.WriteMessage(body), IsNil)

	raw := d.out.Bytes()
	c.Assert(raw, HasLen, headerSize+300)
	c.Assert(raw[0], Equals, byte(dataTypeMessage))
	c.Assert(raw[1], Equals, byte(0x01)) // first transaction
	c.Assert(raw[2:6], DeepEquals, []byte{0x00, 0x00, 0x01, 0x2C})
	c.Assert(raw[6:], DeepEquals, body)

	back := NewConn(&fakeDuplex{in: bytes.NewReader(raw)})
	got, err := back.ReadMessage()
	c.Assert(err, IsNil)
	c.Assert(got, DeepEquals, body)
}

func (s *TestSuite) TestEmptyBody(c *C) {
	d := &fakeDuplex{in: bytes.NewReader(nil)}
	conn := NewConn(d)
	c.Assert(conn.WriteMessage(nil), IsNil)

	back := NewConn(&fakeDuplex{in: bytes.NewReader(d.out.Bytes())})
	got, err := back.ReadMessage()
	c.Assert(err, IsNil)
	c.Assert(got, HasLen, 0)
}

func (s *TestSuite) TestTransactionIDAdvances(c *C) {
	d := &fakeDuplex{in: bytes.NewReader(nil)}
	conn := NewConn(d)
	c.Assert(conn.WriteMessage([]byte{0xAA}), IsNil)
	c.Assert(conn.WriteMessage([]byte{0xBB}), IsNil)

	raw := d.out.Bytes()
	c.Assert(raw[1], Equals, byte(0x01))
	c.Assert(raw[headerSize+1+1], Equals, byte(0x02))
}

func (s *TestSuite) TestHandshake(c *C) {
	host, device := net.Pipe()
	hc := NewConn(host)
	dc := NewConn(device)

	errc := make(chan error, 1)
	go func() { errc <- dc.RespondHandshake() }()

	c.Assert(hc.Handshake(), IsNil)
	c.Assert(<-errc, IsNil)

	// DLP traffic flows after the preamble.
	go func() { errc <- dc.WriteMessage([]byte("sysinfo")) }()
	got, err := hc.ReadMessage()
	c.Assert(err, IsNil)
	c.Assert(got, DeepEquals, []byte("sysinfo"))
	c.Assert(<-errc, IsNil)
}

func (s *TestSuite) TestHandshakeMismatchFatal(c *C) {
	bogus := make([]byte, len(deviceWakeup))
	copy(bogus, deviceWakeup)
	bogus[0] = 0x91

	conn := NewConn(&fakeDuplex{in: bytes.NewReader(bogus)})
	err := conn.Handshake()
	c.Assert(err, NotNil)
}
