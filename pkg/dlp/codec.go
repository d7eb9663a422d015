package dlp

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// UseColdSyncLongArgs switches long-argument headers from the
// pilot-link encoding (0x40 in the ID's top bits) to the ColdSync one
// (both top bits set). The historical record never settled which one
// devices expect; pilot-link is the default.
var UseColdSyncLongArgs = false

const (
	argIDBase = 0x20

	respBit = 0x80

	classTiny  = 0x00 // top bits 00, 1-byte length
	classShort = 0x80 // top bits 10, 2-byte length
	classLong  = 0x40 // top bits 01, 4-byte length
	classMask  = 0xC0
)

// encodeRequest serializes cmd plus one payload per non-nil argument.
func encodeRequest(s *Schema, payloads [][]byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(s.Cmd)
	count := 0
	for _, p := range payloads {
		if p != nil {
			count++
		}
	}
	buf.WriteByte(byte(count))
	for i, p := range payloads {
		if p == nil {
			continue
		}
		writeArgHeader(&buf, byte(argIDBase+i), len(p))
		buf.Write(p)
	}
	return buf.Bytes()
}

// writeArgHeader picks the smallest size class that can hold length.
func writeArgHeader(buf *bytes.Buffer, id byte, length int) {
	switch {
	case length <= 0xFF:
		buf.WriteByte(id)
		buf.WriteByte(byte(length))
	case length <= 0xFFFF:
		buf.WriteByte(id | classShort)
		buf.WriteByte(0)
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(length))
		buf.Write(b[:])
	default:
		cls := byte(classLong)
		if UseColdSyncLongArgs {
			cls = classMask
		}
		buf.WriteByte(id | cls)
		buf.WriteByte(0)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(length))
		buf.Write(b[:])
	}
}

// decodeResponse validates the response envelope against the schema
// and returns one payload per present argument, indexed by schema
// position.
func decodeResponse(s *Schema, msg []byte) ([][]byte, error) {
	r := bytes.NewReader(msg)
	cmd, err := r.ReadByte()
	if err != nil {
		return nil, errors.Wrap(ErrMalformedArgument, "empty response")
	}
	if cmd != s.Cmd|respBit {
		return nil, errors.Wrapf(ErrCommandMismatch, "request 0x%02x, response 0x%02x", s.Cmd, cmd)
	}
	argc, err := r.ReadByte()
	if err != nil {
		return nil, errors.Wrap(ErrMalformedArgument, "truncated response header")
	}
	var errno [2]byte
	if _, err := io.ReadFull(r, errno[:]); err != nil {
		return nil, errors.Wrap(ErrMalformedArgument, "truncated error code")
	}
	if code := binary.BigEndian.Uint16(errno[:]); code != CodeNone {
		return nil, &Error{Code: code}
	}

	if int(argc) > len(s.Resp) {
		return nil, errors.Wrapf(ErrArgCountMismatch, "%s: schema has %d, response has %d",
			s.Name, len(s.Resp), argc)
	}
	required := 0
	for _, a := range s.Resp {
		if !a.Optional {
			required++
		}
	}
	if int(argc) < required {
		return nil, errors.Wrapf(ErrArgCountMismatch, "%s: schema requires %d, response has %d",
			s.Name, required, argc)
	}

	payloads := make([][]byte, len(s.Resp))
	for i := 0; i < int(argc); i++ {
		id, length, err := readArgHeader(r)
		if err != nil {
			return nil, err
		}
		idx := int(id) - argIDBase
		if idx < 0 || idx >= len(s.Resp) {
			return nil, errors.Wrapf(ErrMalformedArgument, "argument ID 0x%02x out of range", id)
		}
		p := make([]byte, length)
		if _, err := io.ReadFull(r, p); err != nil {
			return nil, errors.Wrapf(ErrMalformedArgument, "argument 0x%02x truncated", id)
		}
		payloads[idx] = p
	}
	return payloads, nil
}

func readArgHeader(r *bytes.Reader) (id byte, length int, err error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, 0, errors.Wrap(ErrMalformedArgument, "missing argument header")
	}
	id = b &^ classMask
	switch b & classMask {
	case classTiny:
		n, err := r.ReadByte()
		if err != nil {
			return 0, 0, errors.Wrap(ErrMalformedArgument, "missing tiny length")
		}
		return id, int(n), nil
	case classShort:
		var buf [3]byte // pad + 2-byte length
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, 0, errors.Wrap(ErrMalformedArgument, "missing short length")
		}
		return id, int(binary.BigEndian.Uint16(buf[1:])), nil
	case classLong:
		var buf [5]byte // pad + 4-byte length
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, 0, errors.Wrap(ErrMalformedArgument, "missing long length")
		}
		return id, int(binary.BigEndian.Uint32(buf[1:])), nil
	default:
		if UseColdSyncLongArgs {
			var buf [5]byte
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return 0, 0, errors.Wrap(ErrMalformedArgument, "missing long length")
			}
			return id, int(binary.BigEndian.Uint32(buf[1:])), nil
		}
		return 0, 0, errors.Wrapf(ErrMalformedArgument, "unknown size class in 0x%02x", b)
	}
}
