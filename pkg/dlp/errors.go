package dlp

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrCommandMismatch   = errors.New("dlp: response command does not match request")
	ErrArgCountMismatch  = errors.New("dlp: argument count does not match schema")
	ErrMalformedArgument = errors.New("dlp: malformed argument")
)

// Error is a non-zero error code carried in a DLP response. The
// request was delivered and understood; the device refused it.
type Error struct {
	Code uint16
}

func (e *Error) Error() string {
	return fmt.Sprintf("dlp: device error 0x%04x (%s)", e.Code, ErrorName(e.Code))
}

// Response error codes.
const (
	CodeNone          uint16 = 0x0000
	CodeSystem        uint16 = 0x0001
	CodeIllegalReq    uint16 = 0x0002
	CodeMemory        uint16 = 0x0003
	CodeParam         uint16 = 0x0004
	CodeNotFound      uint16 = 0x0005
	CodeNoneOpen      uint16 = 0x0006
	CodeDatabaseOpen  uint16 = 0x0007
	CodeTooManyOpen   uint16 = 0x0008
	CodeAlreadyExists uint16 = 0x0009
	CodeCantOpen      uint16 = 0x000A
	CodeRecordDeleted uint16 = 0x000B
	CodeRecordBusy    uint16 = 0x000C
	CodeNotSupported  uint16 = 0x000D
	CodeReadOnly      uint16 = 0x000F
	CodeSpace         uint16 = 0x0010
	CodeLimit         uint16 = 0x0011
	CodeSyncCancelled uint16 = 0x0012
	CodeBadWrapper    uint16 = 0x0013
	CodeArgument      uint16 = 0x0014
	CodeArgumentSize  uint16 = 0x0015
)

var errorNames = map[uint16]string{
	CodeNone:          "no error",
	CodeSystem:        "general system error",
	CodeIllegalReq:    "unknown request",
	CodeMemory:        "insufficient memory",
	CodeParam:         "invalid parameter",
	CodeNotFound:      "not found",
	CodeNoneOpen:      "no open databases",
	CodeDatabaseOpen:  "database already open",
	CodeTooManyOpen:   "too many open databases",
	CodeAlreadyExists: "already exists",
	CodeCantOpen:      "cannot open",
	CodeRecordDeleted: "record deleted",
	CodeRecordBusy:    "record busy",
	CodeNotSupported:  "not supported",
	CodeReadOnly:      "read only",
	CodeSpace:         "insufficient space",
	CodeLimit:         "limit reached",
	CodeSyncCancelled: "sync cancelled by user",
	CodeBadWrapper:    "bad argument wrapper",
	CodeArgument:      "missing argument",
	CodeArgumentSize:  "bad argument size",
}

// ErrorName returns the documented description for a response error
// code.
func ErrorName(code uint16) string {
	if name, ok := errorNames[code]; ok {
		return name
	}
	return "unknown error"
}
