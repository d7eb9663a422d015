package conduit

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/palmkit/hotsync-engine/pkg/dlp"
	"github.com/palmkit/hotsync-engine/pkg/hotsync"
	"github.com/palmkit/hotsync-engine/pkg/storage"
	"github.com/palmkit/hotsync-engine/pkg/util"
)

// SyncInfo stamps the sync identity on both sides: the device learns
// this host's computer ID and the sync timestamp, storage remembers
// the matching anchor, and the device's sync log gets an entry. It
// runs last in Defaults; the server runs it even when an earlier
// conduit failed, so the anchor advances whenever SyncInfo itself
// succeeds.
type SyncInfo struct {
	// Now is the clock; tests substitute a fixed one.
	Now func() time.Time
}

func (s *SyncInfo) Name() string { return "syncinfo" }

func (s *SyncInfo) Execute(conn *dlp.Connection, sess *hotsync.Session, store storage.Store) error {
	log := logrus.WithField("conduit", s.Name())
	if sess.User == nil || sess.User.Name == "" {
		log.Warn("Device has no user name, not writing sync identity")
		return nil
	}

	cid, err := store.ComputerID()
	if err != nil {
		return errors.Wrap(err, "resolving computer ID")
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	// The wire format carries whole seconds only.
	anchor := now().Truncate(time.Second)

	ui := *sess.User
	modFlags := byte(dlp.ModSyncPC | dlp.ModSyncDate)
	if ui.UserID == 0 {
		ui.UserID = util.DeriveID32(util.NewUUID())
		modFlags |= dlp.ModUserID
		log.WithField("userID", fmt.Sprintf("0x%08x", ui.UserID)).Info("Assigned new user ID")
	}
	ui.LastSyncPC = cid
	ui.LastSyncDate = anchor

	if err := conn.WriteUserInfo(&ui, modFlags); err != nil {
		return errors.Wrap(err, "writing user info")
	}
	if err := conn.AddSyncLogEntry(fmt.Sprintf("HotSync completed (%s sync)\n", sess.Type)); err != nil {
		return errors.Wrap(err, "writing sync log")
	}

	if err := store.SaveUser(&storage.UserRecord{
		Name:         ui.Name,
		UserID:       ui.UserID,
		LastSyncPC:   cid,
		LastSyncDate: anchor,
	}); err != nil {
		return errors.Wrap(err, "saving user record")
	}
	sess.User = &ui
	return nil
}

// Defaults is the standard pipeline order: install queued databases,
// download the device, then stamp the sync identity.
func Defaults() []hotsync.Conduit {
	return []hotsync.Conduit{
		&Install{},
		&Download{},
		&SyncInfo{},
	}
}
