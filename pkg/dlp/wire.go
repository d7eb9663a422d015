package dlp

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"github.com/pkg/errors"
)

// FieldType enumerates the primitive wire encodings a schema field can
// have. All integers are big-endian.
type FieldType int

const (
	Uint8 FieldType = iota
	Uint16
	Uint32
	FixedBytes // Len bytes, zero-padded on encode
	CString    // null-terminated string
	DateTime   // 8-byte Palm date/time, zero meaning "never"
	Tail       // all remaining payload bytes
)

// Field describes one slot of an argument payload.
type Field struct {
	Name string
	Type FieldType
	Len  int // FixedBytes only
}

// Arg describes one argument of a request or response. Fields are laid
// out back to back; a Tail field must come last.
type Arg struct {
	Fields   []Field
	Optional bool
}

// Schema binds a command ID to the argument layout of its request and
// paired response. Argument IDs are implicit: sequential from 0x20 in
// declaration order.
type Schema struct {
	Name string
	Cmd  byte
	Req  []Arg
	Resp []Arg
}

func encodeFields(fields []Field, vals []interface{}) ([]byte, error) {
	if len(vals) != len(fields) {
		return nil, errors.Errorf("dlp: %d values for %d fields", len(vals), len(fields))
	}
	var buf bytes.Buffer
	for i, f := range fields {
		switch f.Type {
		case Uint8:
			buf.WriteByte(vals[i].(byte))
		case Uint16:
			var b [2]byte
			binary.BigEndian.PutUint16(b[:], vals[i].(uint16))
			buf.Write(b[:])
		case Uint32:
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], vals[i].(uint32))
			buf.Write(b[:])
		case FixedBytes:
			b := make([]byte, f.Len)
			copy(b, vals[i].([]byte))
			buf.Write(b)
		case CString:
			buf.WriteString(vals[i].(string))
			buf.WriteByte(0)
		case DateTime:
			buf.Write(encodeDateTime(vals[i].(time.Time)))
		case Tail:
			buf.Write(vals[i].([]byte))
		default:
			return nil, errors.Errorf("dlp: unknown field type %d", f.Type)
		}
	}
	return buf.Bytes(), nil
}

func decodeFields(fields []Field, payload []byte) ([]interface{}, error) {
	vals := make([]interface{}, 0, len(fields))
	r := bytes.NewReader(payload)
	for _, f := range fields {
		switch f.Type {
		case Uint8:
			b, err := r.ReadByte()
			if err != nil {
				return nil, shortField(f, err)
			}
			vals = append(vals, b)
		case Uint16:
			var b [2]byte
			if _, err := io.ReadFull(r, b[:]); err != nil {
				return nil, shortField(f, err)
			}
			vals = append(vals, binary.BigEndian.Uint16(b[:]))
		case Uint32:
			var b [4]byte
			if _, err := io.ReadFull(r, b[:]); err != nil {
				return nil, shortField(f, err)
			}
			vals = append(vals, binary.BigEndian.Uint32(b[:]))
		case FixedBytes:
			b := make([]byte, f.Len)
			if _, err := io.ReadFull(r, b); err != nil {
				return nil, shortField(f, err)
			}
			vals = append(vals, b)
		case CString:
			s, err := readCString(r)
			if err != nil {
				return nil, shortField(f, err)
			}
			vals = append(vals, s)
		case DateTime:
			b := make([]byte, 8)
			if _, err := io.ReadFull(r, b); err != nil {
				return nil, shortField(f, err)
			}
			vals = append(vals, decodeDateTime(b))
		case Tail:
			b := make([]byte, r.Len())
			r.Read(b)
			vals = append(vals, b)
		default:
			return nil, errors.Errorf("dlp: unknown field type %d", f.Type)
		}
	}
	return vals, nil
}

func shortField(f Field, err error) error {
	return errors.Wrapf(ErrMalformedArgument, "field %q truncated (%v)", f.Name, err)
}

func readCString(r *bytes.Reader) (string, error) {
	var out []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			return string(out), nil
		}
		out = append(out, b)
	}
}

// Palm date/time: year(2) month day hour minute second pad(1). A zero
// year means the timestamp is unset.
func encodeDateTime(t time.Time) []byte {
	b := make([]byte, 8)
	if t.IsZero() {
		return b
	}
	binary.BigEndian.PutUint16(b, uint16(t.Year()))
	b[2] = byte(t.Month())
	b[3] = byte(t.Day())
	b[4] = byte(t.Hour())
	b[5] = byte(t.Minute())
	b[6] = byte(t.Second())
	return b
}

func decodeDateTime(b []byte) time.Time {
	year := int(binary.BigEndian.Uint16(b))
	if year == 0 {
		return time.Time{}
	}
	return time.Date(year, time.Month(b[2]), int(b[3]),
		int(b[4]), int(b[5]), int(b[6]), 0, time.UTC)
}
