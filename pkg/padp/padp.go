// Package padp implements the Packet Assembly/Disassembly Protocol,
// the reliability layer of the HotSync serial stack. Logical messages
// are fragmented into acknowledged segments carried in SLP frames on
// the DLP socket pair.
package padp

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/palmkit/hotsync-engine/pkg/slp"
)

const (
	// FragmentSize is the largest payload carried by one data packet.
	FragmentSize = 1024

	// DefaultAckTimeout is how long a sender waits for each ack.
	DefaultAckTimeout = 2 * time.Second

	// DefaultMaxRetries is how many times a fragment is retransmitted
	// before the whole message fails.
	DefaultMaxRetries = 10

	headerSize = 7
)

// Packet types.
const (
	typeData   = 0x01
	typeAck    = 0x02
	typeTickle = 0x04
)

// Header flags.
const (
	flagFirst  = 0x80
	flagLast   = 0x40
	flagMemErr = 0x20
)

var (
	ErrTimeout      = errors.New("padp: ack timeout")
	ErrProtocol     = errors.New("padp: protocol violation")
	ErrRemoteMemory = errors.New("padp: remote reported memory error")
)

type packet struct {
	pktType      byte
	flags        byte
	tid          byte
	sizeOrOffset uint32
	payload      []byte
}

func (p *packet) encode() []byte {
	buf := make([]byte, headerSize+len(p.payload))
	buf[0] = p.pktType
	buf[1] = p.flags
	buf[2] = p.tid
	binary.BigEndian.PutUint32(buf[3:], p.sizeOrOffset)
	copy(buf[headerSize:], p.payload)
	return buf
}

func decodePacket(body []byte) (*packet, error) {
	if len(body) < headerSize {
		return nil, errors.Wrapf(ErrProtocol, "short packet: %d bytes", len(body))
	}
	return &packet{
		pktType:      body[0],
		flags:        body[1],
		tid:          body[2],
		sizeOrOffset: binary.BigEndian.Uint32(body[3:7]),
		payload:      body[headerSize:],
	}, nil
}

// Conn sends and receives whole PADP messages over an SLP socket.
// It implements types.MessageDuplex.
type Conn struct {
	sock       *slp.Socket
	closer     interface{ Close() error }
	tid        byte
	AckTimeout time.Duration
	MaxRetries int
	log        *logrus.Entry
}

// New layers PADP over the DLP socket pair of the given SLP
// connection.
func New(conn *slp.Conn) *Conn {
	return &Conn{
		sock:       conn.Subscribe(slp.SocketDLP, slp.SocketDLP),
		closer:     conn,
		AckTimeout: DefaultAckTimeout,
		MaxRetries: DefaultMaxRetries,
		log:        logrus.WithField("layer", "padp"),
	}
}

func (c *Conn) Close() error {
	return c.closer.Close()
}

// nextTid advances the transaction ID, skipping the reserved values
// 0x00 and 0xFF.
func (c *Conn) nextTid() byte {
	c.tid++
	if c.tid == 0x00 || c.tid == 0xFF {
		c.tid = 0x01
	}
	return c.tid
}

// WriteMessage fragments p and transmits it, waiting for a matching
// ack after every fragment. Each fragment is retransmitted up to
// MaxRetries times before the message fails with ErrTimeout.
func (c *Conn) WriteMessage(p []byte) error {
	tid := c.nextTid()
	total := uint32(len(p))

	for offset := 0; ; {
		end := offset + FragmentSize
		if end > len(p) {
			end = len(p)
		}
		pkt := &packet{
			pktType: typeData,
			tid:     tid,
			payload: p[offset:end],
		}
		if offset == 0 {
			pkt.flags |= flagFirst
			pkt.sizeOrOffset = total
		} else {
			pkt.sizeOrOffset = uint32(offset)
		}
		if end == len(p) {
			pkt.flags |= flagLast
		}
		if err := c.sendFragment(pkt); err != nil {
			return err
		}
		if end == len(p) {
			return nil
		}
		offset = end
	}
}

// sendFragment transmits pkt and waits for its ack, retransmitting on
// timeout.
func (c *Conn) sendFragment(pkt *packet) error {
	body := pkt.encode()
	for attempt := 0; ; attempt++ {
		if err := c.sock.WriteFrame(slp.TypePADP, body); err != nil {
			return err
		}
		err := c.awaitAck(pkt)
		if err == nil {
			return nil
		}
		if !errors.Is(err, slp.ErrReadTimeout) {
			return err
		}
		if attempt >= c.MaxRetries {
			return errors.Wrapf(ErrTimeout, "fragment at %d gave up after %d transmissions",
				pkt.sizeOrOffset, attempt+1)
		}
		c.log.WithFields(logrus.Fields{"tid": pkt.tid, "attempt": attempt + 1}).
			Warn("Ack timeout, retransmitting fragment")
	}
}

// awaitAck consumes frames until a matching ack arrives or the
// timeout expires. Stale acks and tickles are ignored.
func (c *Conn) awaitAck(sent *packet) error {
	deadline := time.Now().Add(c.AckTimeout)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return slp.ErrReadTimeout
		}
		frame, err := c.sock.ReadFrameTimeout(remain)
		if err != nil {
			return err
		}
		pkt, err := decodePacket(frame.Body)
		if err != nil {
			return err
		}
		switch pkt.pktType {
		case typeAck:
			if pkt.flags&flagMemErr != 0 {
				return ErrRemoteMemory
			}
			if pkt.tid == sent.tid && pkt.sizeOrOffset == sent.sizeOrOffset {
				return nil
			}
			c.log.WithFields(logrus.Fields{"tid": pkt.tid, "want": sent.tid}).
				Debug("Ignoring stale ack")
		case typeTickle:
			deadline = time.Now().Add(c.AckTimeout)
		default:
			c.log.WithField("type", pkt.pktType).Debug("Ignoring packet while awaiting ack")
		}
	}
}

// ReadMessage reassembles the next inbound message, acknowledging
// every data fragment. Duplicate fragments are re-acked and dropped;
// out-of-order fragments abort the message.
func (c *Conn) ReadMessage() ([]byte, error) {
	var (
		buf     []byte
		total   uint32
		tid     byte
		started bool
	)
	for {
		frame, err := c.sock.ReadFrame()
		if err != nil {
			return nil, err
		}
		pkt, err := decodePacket(frame.Body)
		if err != nil {
			return nil, err
		}
		switch pkt.pktType {
		case typeData:
		case typeTickle, typeAck:
			continue
		default:
			return nil, errors.Wrapf(ErrProtocol, "unexpected packet type 0x%02x", pkt.pktType)
		}
		if pkt.flags&flagMemErr != 0 {
			return nil, ErrRemoteMemory
		}

		if !started {
			if pkt.flags&flagFirst == 0 {
				// Leftover fragment of an aborted message.
				c.ack(pkt)
				continue
			}
			started = true
			tid = pkt.tid
			total = pkt.sizeOrOffset
			buf = make([]byte, 0, total)
		} else {
			if pkt.tid != tid {
				return nil, errors.Wrapf(ErrProtocol, "transaction changed mid-message: 0x%02x -> 0x%02x", tid, pkt.tid)
			}
			if pkt.flags&flagFirst != 0 {
				// The opening fragment again: its ack was lost.
				c.log.Debug("Re-acking duplicate opening fragment")
				c.ack(pkt)
				continue
			}
			offset := pkt.sizeOrOffset
			switch {
			case offset < uint32(len(buf)):
				c.log.WithField("offset", offset).Debug("Re-acking duplicate fragment")
				c.ack(pkt)
				continue
			case offset > uint32(len(buf)):
				return nil, errors.Wrapf(ErrProtocol, "fragment gap: have %d bytes, got offset %d", len(buf), offset)
			}
		}

		buf = append(buf, pkt.payload...)
		c.ack(pkt)

		if pkt.flags&flagLast != 0 {
			if uint32(len(buf)) != total {
				return nil, errors.Wrapf(ErrProtocol, "message size mismatch: declared %d, got %d", total, len(buf))
			}
			return buf, nil
		}
		if uint32(len(buf)) > total {
			return nil, errors.Wrapf(ErrProtocol, "message overflow: declared %d, got %d", total, len(buf))
		}
	}
}

// ack mirrors the transaction ID and size-or-offset of the received
// fragment.
func (c *Conn) ack(pkt *packet) {
	reply := &packet{
		pktType:      typeAck,
		flags:        pkt.flags &^ flagMemErr,
		tid:          pkt.tid,
		sizeOrOffset: pkt.sizeOrOffset,
	}
	if err := c.sock.WriteFrame(slp.TypePADP, reply.encode()); err != nil {
		c.log.WithError(err).Warn("Failed to send ack")
	}
}
