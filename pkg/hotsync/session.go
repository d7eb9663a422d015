// Package hotsync drives a full synchronization session: it discovers
// a device, layers the right protocol stack over its transport, runs
// the handshake, and executes the conduit pipeline against the open
// DLP connection.
package hotsync

import (
	"time"

	"github.com/palmkit/hotsync-engine/pkg/dlp"
	"github.com/palmkit/hotsync-engine/pkg/storage"
	"github.com/palmkit/hotsync-engine/pkg/transport"
	"github.com/palmkit/hotsync-engine/pkg/types"
)

// State is where a session currently sits in its lifecycle.
type State int

const (
	StateDiscovered State = iota
	StateOpened
	StateClaimed
	StateConfigured
	StateHandshaking
	StateSyncing
	StateEnding
	StateClosed
	StateWaitDisconnect
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateOpened:
		return "opened"
	case StateClaimed:
		return "claimed"
	case StateConfigured:
		return "configured"
	case StateHandshaking:
		return "handshaking"
	case StateSyncing:
		return "syncing"
	case StateEnding:
		return "ending"
	case StateClosed:
		return "closed"
	case StateWaitDisconnect:
		return "wait-disconnect"
	}
	return "unknown"
}

// SyncType classifies a session by how much work the conduits must do.
type SyncType int

const (
	// SyncFirst means the device is unknown locally; everything is
	// downloaded.
	SyncFirst SyncType = iota
	// SyncFast means the device last synced with this host and the
	// anchors agree; per-record modified flags are trusted.
	SyncFast
	// SyncSlow means the device is known but the anchors diverge;
	// records are compared one by one.
	SyncSlow
)

func (t SyncType) String() string {
	switch t {
	case SyncFast:
		return "fast"
	case SyncSlow:
		return "slow"
	default:
		return "first"
	}
}

// Session is the mutable context of one device connection. It is
// created when the device is opened, mutated only by the orchestrator
// goroutine, and discarded after the conduit pipeline completes.
type Session struct {
	Device   string
	Stack    types.ProtocolStack
	Recorder *transport.Recorder

	Sys  *dlp.SysInfo
	User *dlp.UserInfo
	Type SyncType

	Started time.Time
}

// Conduit is one pluggable synchronization step. Conduits run
// sequentially against the open DLP connection; a failure is logged
// and the remaining conduits still run.
type Conduit interface {
	Name() string
	Execute(conn *dlp.Connection, sess *Session, store storage.Store) error
}
