package hotsync

import (
	"time"

	"github.com/pkg/errors"

	"github.com/palmkit/hotsync-engine/pkg/dlp"
	"github.com/palmkit/hotsync-engine/pkg/storage"
)

// Classify decides how the session will sync by comparing the identity
// the device reports against what the host remembers. An unknown
// device syncs from scratch; a device whose last sync was with this
// host and whose anchors agree syncs incrementally; anything else gets
// the record-by-record comparison.
func Classify(store storage.Store, ui *dlp.UserInfo) (SyncType, error) {
	if ui.Name == "" {
		return SyncFirst, nil
	}
	has, err := store.HasUser(ui.Name)
	if err != nil {
		return SyncFirst, errors.Wrapf(err, "looking up user %s", ui.Name)
	}
	if !has {
		return SyncFirst, nil
	}
	rec, err := store.User(ui.Name)
	if err != nil {
		if storage.IsNotFound(err) {
			return SyncFirst, nil
		}
		return SyncFirst, errors.Wrapf(err, "reading user %s", ui.Name)
	}
	if rec.LastSyncPC == ui.LastSyncPC && anchorsAgree(rec, ui) {
		return SyncFast, nil
	}
	return SyncSlow, nil
}

// anchorsAgree compares the host's remembered sync anchor with the
// timestamp stamped onto the device at the end of the previous
// session. Sub-second precision is not representable on the wire, so
// the comparison truncates.
func anchorsAgree(rec *storage.UserRecord, ui *dlp.UserInfo) bool {
	if rec.LastSyncDate.IsZero() || ui.LastSyncDate.IsZero() {
		return false
	}
	return rec.LastSyncDate.Truncate(time.Second).Equal(ui.LastSyncDate.Truncate(time.Second))
}
