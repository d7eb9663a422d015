package util

import (
	"hash/fnv"
	"regexp"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// NewUUID returns a fresh random identifier string.
func NewUUID() string {
	return uuid.New().String()
}

// DeriveID32 maps an identifier string onto the 32-bit ID space the
// device stores in its lastSyncPC field. Zero is reserved for "never
// synced", so it is never returned.
func DeriveID32(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	id := h.Sum32()
	if id == 0 {
		id = 1
	}
	return id
}

// SafeName rewrites a device-supplied database name so it is usable as
// a file name. Palm names may contain anything up to 31 bytes.
func SafeName(name string) string {
	if name == "" {
		return "_"
	}
	return unsafeNameChars.ReplaceAllString(name, "_")
}

// IsDeviceBusy reports whether an open or claim failure means another
// process holds the device.
func IsDeviceBusy(err error) bool {
	var errno syscall.Errno
	return errors.As(err, &errno) && errno == unix.EBUSY
}

// IsPermission reports whether an open failure is a permission problem
// (typically missing udev rules).
func IsPermission(err error) bool {
	var errno syscall.Errno
	return errors.As(err, &errno) && errno == unix.EACCES
}
