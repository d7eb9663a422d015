// Package cmp implements the Connection Management Protocol, the
// one-shot parameter negotiation that precedes DLP on serial-like
// transports.
package cmp

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/palmkit/hotsync-engine/pkg/types"
)

// Packet types.
const (
	TypeWakeup   = 0x01
	TypeInit     = 0x02
	TypeAbort    = 0x03
	TypeExtended = 0x04
)

// Init flags.
const (
	FlagChangeBaud = 0x80
)

const packetSize = 10

var (
	ErrShortPacket = errors.New("cmp: short packet")
	ErrAborted     = errors.New("cmp: device aborted connection")
	ErrUnexpected  = errors.New("cmp: unexpected packet type")
)

// Packet is one fixed-size CMP exchange unit.
type Packet struct {
	Type     byte
	Flags    byte
	VerMajor byte
	VerMinor byte
	Baud     uint32
}

func (p *Packet) Encode() []byte {
	buf := make([]byte, packetSize)
	buf[0] = p.Type
	buf[1] = p.Flags
	buf[2] = p.VerMajor
	buf[3] = p.VerMinor
	binary.BigEndian.PutUint32(buf[6:], p.Baud)
	return buf
}

func Decode(b []byte) (*Packet, error) {
	if len(b) < packetSize {
		return nil, errors.Wrapf(ErrShortPacket, "%d bytes", len(b))
	}
	return &Packet{
		Type:     b[0],
		Flags:    b[1],
		VerMajor: b[2],
		VerMinor: b[3],
		Baud:     binary.BigEndian.Uint32(b[6:10]),
	}, nil
}

// Result captures what the device proposed during the handshake.
type Result struct {
	VerMajor byte
	VerMinor byte
	Baud     uint32
}

// Handshake runs the host side of the wakeup/init exchange: wait for
// the device's wakeup, echo its parameters back in an init packet.
// There is no negotiation beyond the echo.
func Handshake(link types.MessageDuplex) (*Result, error) {
	msg, err := link.ReadMessage()
	if err != nil {
		return nil, errors.Wrap(err, "waiting for wakeup")
	}
	pkt, err := Decode(msg)
	if err != nil {
		return nil, err
	}
	switch pkt.Type {
	case TypeWakeup:
	case TypeAbort:
		return nil, ErrAborted
	default:
		return nil, errors.Wrapf(ErrUnexpected, "0x%02x", pkt.Type)
	}

	logrus.WithFields(logrus.Fields{
		"version": logrus.Fields{"major": pkt.VerMajor, "minor": pkt.VerMinor},
		"baud":    pkt.Baud,
	}).Debug("CMP wakeup received")

	reply := &Packet{
		Type:     TypeInit,
		VerMajor: pkt.VerMajor,
		VerMinor: pkt.VerMinor,
		Baud:     pkt.Baud,
	}
	if err := link.WriteMessage(reply.Encode()); err != nil {
		return nil, errors.Wrap(err, "sending init")
	}
	return &Result{VerMajor: pkt.VerMajor, VerMinor: pkt.VerMinor, Baud: pkt.Baud}, nil
}
