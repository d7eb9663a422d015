package padp

import (
	"errors"
	"math/rand"
	"net"
	"testing"
	"time"

	. "gopkg.in/check.v1"

	"github.com/palmkit/hotsync-engine/pkg/slp"
)

func Test(t *testing.T) { TestingT(t) }

type TestSuite struct{}

var _ = Suite(&TestSuite{})

// pair returns two PADP connections talking to each other over an
// in-memory pipe.
func pair() (*Conn, *Conn) {
	a, b := net.Pipe()
	return New(slp.NewConn(a)), New(slp.NewConn(b))
}

func (s *TestSuite) TestSingleFragmentRoundTrip(c *C) {
	tx, rx := pair()
	defer tx.Close()

	payload := []byte("short message")
	errc := make(chan error, 1)
	go func() { errc <- tx.WriteMessage(payload) }()

	got, err := rx.ReadMessage()
	c.Assert(err, IsNil)
	c.Assert(got, DeepEquals, payload)
	c.Assert(<-errc, IsNil)
}

func (s *TestSuite) TestLargeMessageReassembly(c *C) {
	tx, rx := pair()
	defer tx.Close()

	payload := make([]byte, 1<<20)
	rnd := rand.New(rand.NewSource(42))
	rnd.Read(payload)

	errc := make(chan error, 1)
	go func() { errc <- tx.WriteMessage(payload) }()

	got, err := rx.ReadMessage()
	c.Assert(err, IsNil)
	c.Assert(<-errc, IsNil)
	c.Assert(got, DeepEquals, payload)
}

func (s *TestSuite) TestEmptyMessage(c *C) {
	tx, rx := pair()
	defer tx.Close()

	errc := make(chan error, 1)
	go func() { errc <- tx.WriteMessage(nil) }()

	got, err := rx.ReadMessage()
	c.Assert(err, IsNil)
	c.Assert(got, HasLen, 0)
	c.Assert(<-errc, IsNil)
}

// rawPeer speaks SLP directly so tests can misbehave at the fragment
// level.
type rawPeer struct {
	sock *slp.Socket
}

func newRawPeer(d net.Conn) *rawPeer {
	return &rawPeer{sock: slp.NewConn(d).Subscribe(slp.SocketDLP, slp.SocketDLP)}
}

func (p *rawPeer) readData(c *C) *packet {
	for {
		frame, err := p.sock.ReadFrame()
		c.Assert(err, IsNil)
		pkt, err := decodePacket(frame.Body)
		c.Assert(err, IsNil)
		if pkt.pktType == typeData {
			return pkt
		}
	}
}

func (p *rawPeer) ack(c *C, pkt *packet) {
	reply := &packet{pktType: typeAck, flags: pkt.flags, tid: pkt.tid, sizeOrOffset: pkt.sizeOrOffset}
	c.Assert(p.sock.WriteFrame(slp.TypePADP, reply.encode()), IsNil)
}

func (s *TestSuite) TestDroppedAckTriggersRetransmit(c *C) {
	a, b := net.Pipe()
	tx := New(slp.NewConn(a))
	tx.AckTimeout = 50 * time.Millisecond
	peer := newRawPeer(b)

	payload := make([]byte, FragmentSize+10) // two fragments
	errc := make(chan error, 1)
	go func() { errc <- tx.WriteMessage(payload) }()

	first := peer.readData(c)
	c.Assert(first.flags&flagFirst, Not(Equals), byte(0))
	c.Assert(first.sizeOrOffset, Equals, uint32(len(payload)))
	// Drop the first ack; the sender must retransmit the same fragment.
	again := peer.readData(c)
	c.Assert(again.tid, Equals, first.tid)
	c.Assert(again.sizeOrOffset, Equals, first.sizeOrOffset)
	c.Assert(again.payload, DeepEquals, first.payload)
	peer.ack(c, again)

	second := peer.readData(c)
	c.Assert(second.flags&flagLast, Not(Equals), byte(0))
	c.Assert(second.sizeOrOffset, Equals, uint32(FragmentSize))
	peer.ack(c, second)

	c.Assert(<-errc, IsNil)
}

func (s *TestSuite) TestRetryExhaustion(c *C) {
	a, b := net.Pipe()
	tx := New(slp.NewConn(a))
	tx.AckTimeout = 10 * time.Millisecond
	tx.MaxRetries = 2
	peer := newRawPeer(b)

	errc := make(chan error, 1)
	go func() { errc <- tx.WriteMessage([]byte("doomed")) }()

	// Retry limit 2 means exactly 3 transmissions, none acked.
	for i := 0; i < 3; i++ {
		peer.readData(c)
	}
	err := <-errc
	c.Assert(err, NotNil)
	c.Assert(errors.Is(err, ErrTimeout), Equals, true)
}

func (s *TestSuite) TestDuplicateFragmentReacked(c *C) {
	a, b := net.Pipe()
	rx := New(slp.NewConn(a))
	peer := newRawPeer(b)

	got := make(chan []byte, 1)
	go func() {
		m, err := rx.ReadMessage()
		c.Check(err, IsNil)
		got <- m
	}()

	one := &packet{pktType: typeData, flags: flagFirst, tid: 7, sizeOrOffset: 10,
		payload: []byte("01234")}
	c.Assert(peer.sock.WriteFrame(slp.TypePADP, one.encode()), IsNil)
	ack1, err := peer.sock.ReadFrame()
	c.Assert(err, IsNil)
	// Send the same fragment again: it must be re-acked, not appended.
	c.Assert(peer.sock.WriteFrame(slp.TypePADP, one.encode()), IsNil)
	ack2, err := peer.sock.ReadFrame()
	c.Assert(err, IsNil)
	c.Assert(ack2.Body, DeepEquals, ack1.Body)

	two := &packet{pktType: typeData, flags: flagLast, tid: 7, sizeOrOffset: 5,
		payload: []byte("56789")}
	c.Assert(peer.sock.WriteFrame(slp.TypePADP, two.encode()), IsNil)
	_, err = peer.sock.ReadFrame()
	c.Assert(err, IsNil)

	c.Assert(<-got, DeepEquals, []byte("0123456789"))
}

func (s *TestSuite) TestFragmentGapAborts(c *C) {
	a, b := net.Pipe()
	rx := New(slp.NewConn(a))
	peer := newRawPeer(b)

	errc := make(chan error, 1)
	go func() {
		_, err := rx.ReadMessage()
		errc <- err
	}()

	one := &packet{pktType: typeData, flags: flagFirst, tid: 9, sizeOrOffset: 3000,
		payload: make([]byte, FragmentSize)}
	c.Assert(peer.sock.WriteFrame(slp.TypePADP, one.encode()), IsNil)
	_, err := peer.sock.ReadFrame()
	c.Assert(err, IsNil)

	// Skip ahead: offset 2048 while only 1024 bytes have arrived.
	gap := &packet{pktType: typeData, flags: flagLast, tid: 9, sizeOrOffset: 2048,
		payload: make([]byte, FragmentSize)}
	c.Assert(peer.sock.WriteFrame(slp.TypePADP, gap.encode()), IsNil)

	err = <-errc
	c.Assert(err, NotNil)
	c.Assert(errors.Is(err, ErrProtocol), Equals, true)
}

func (s *TestSuite) TestTransactionIDSkipsReserved(c *C) {
	conn := &Conn{tid: 0xFE}
	c.Assert(conn.nextTid(), Equals, byte(0x01)) // 0xFF skipped
	conn.tid = 0xFF
	c.Assert(conn.nextTid(), Equals, byte(0x01)) // wraps past 0x00
}
