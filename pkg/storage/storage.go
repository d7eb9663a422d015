package storage

import (
	"time"

	"github.com/cockroachdb/errors"
)

// ErrNotFound marks lookups for users, databases, or install items
// that do not exist.
var ErrNotFound = errors.New("storage: not found")

// IsNotFound reports whether err is a missing-entry failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// UserRecord is what the host remembers about a device owner between
// syncs. LastSyncDate is the sync anchor compared against the value
// the device reports.
type UserRecord struct {
	Name         string    `json:"name"`
	UserID       uint32    `json:"userId"`
	LastSyncPC   uint32    `json:"lastSyncPc"`
	LastSyncDate time.Time `json:"lastSyncDate"`
}

// InstallItem is one queued database waiting to be created on the
// device at the next sync.
type InstallItem struct {
	Name string
	Data []byte
}

// Store is the persistence surface the orchestrator and conduits use.
type Store interface {
	// EnsureUser creates the user's area if it does not exist yet.
	EnsureUser(name string) error
	HasUser(name string) (bool, error)
	// User returns the remembered record, or an error marked
	// ErrNotFound.
	User(name string) (*UserRecord, error)
	SaveUser(rec *UserRecord) error

	ListDatabases(user string) ([]string, error)
	HasDatabase(user, name string) (bool, error)
	ReadDatabase(user, name string) ([]byte, error)
	WriteDatabase(user, name string, data []byte) error

	// InstallQueue lists databases queued for installation.
	InstallQueue(user string) ([]InstallItem, error)
	// ConsumeInstall removes a queue entry once it has been written
	// to the device.
	ConsumeInstall(user, name string) error

	// ComputerID is this host's stable identifier, written into the
	// device's lastSyncPC field.
	ComputerID() (uint32, error)

	Close() error
}
