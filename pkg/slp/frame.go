package slp

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Packet types carried in the SLP header. The wire values are the ones
// Palm OS assigns: system/raw traffic is 0, PADP is 2, loopback is 3.
const (
	TypeRaw      = 0x00
	TypePADP     = 0x02
	TypeLoopback = 0x03
)

// SocketDLP is the socket ID the DLP channel lives on, in both
// directions.
const SocketDLP = 0x03

var preamble = [3]byte{0xBE, 0xEF, 0xED}

const (
	headerSize = 9 // preamble + dest + src + type + size + checksum
	crcSize    = 2

	// MaxBodyLen is bounded by the 16-bit size field.
	MaxBodyLen = 0xFFFF
)

var (
	ErrBadHeaderChecksum = errors.New("slp: header checksum mismatch")
	ErrBadCRC            = errors.New("slp: frame CRC mismatch")
	ErrBodyTooLarge      = errors.New("slp: body exceeds 65535 bytes")
)

// Frame is one link-level datagram.
type Frame struct {
	Dest byte
	Src  byte
	Type byte
	Body []byte
}

// Encode serializes the frame, computing the header checksum and the
// trailing CRC.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Body) > MaxBodyLen {
		return nil, errors.Wrapf(ErrBodyTooLarge, "%d bytes", len(f.Body))
	}
	buf := make([]byte, headerSize+len(f.Body)+crcSize)
	copy(buf, preamble[:])
	buf[3] = f.Dest
	buf[4] = f.Src
	buf[5] = f.Type
	binary.BigEndian.PutUint16(buf[6:], uint16(len(f.Body)))
	buf[8] = headerChecksum(buf[:8])
	copy(buf[headerSize:], f.Body)
	crc := Checksum16(buf[:headerSize+len(f.Body)])
	binary.BigEndian.PutUint16(buf[headerSize+len(f.Body):], crc)
	return buf, nil
}

// headerChecksum is the sum of the header bytes preceding the checksum
// slot, modulo 256.
func headerChecksum(hdr []byte) byte {
	var sum byte
	for _, b := range hdr {
		sum += b
	}
	return sum
}
