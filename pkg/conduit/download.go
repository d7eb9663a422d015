package conduit

import (
	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/palmkit/hotsync-engine/pkg/dlp"
	"github.com/palmkit/hotsync-engine/pkg/hotsync"
	"github.com/palmkit/hotsync-engine/pkg/storage"
)

// resource databases (PRC) carry code, not records; their layout is
// the file-format library's business.
const dbFlagResource = 0x0001

// Download backs up the device's databases into storage. On a fast
// sync only records the device flagged as modified are fetched and
// merged; on a first or slow sync every record database is downloaded
// whole. Resource databases are skipped in both cases.
type Download struct {
	// Progress, when set, is called after each database with the
	// number processed so far and the total.
	Progress func(name string, done, total int)
}

func (d *Download) Name() string { return "download" }

func (d *Download) Execute(conn *dlp.Connection, sess *hotsync.Session, store storage.Store) error {
	log := logrus.WithField("conduit", d.Name())
	if sess.User == nil || sess.User.Name == "" {
		log.Warn("Device has no user name, skipping download")
		return nil
	}
	user := sess.User.Name

	dbs, err := conn.ReadDBList(dlp.DBListRAM, 0)
	if err != nil {
		return errors.Wrap(err, "listing databases")
	}

	for i, db := range dbs {
		if db.Flags&dbFlagResource != 0 {
			continue
		}
		if err := d.fetchDB(conn, sess, store, user, db, log); err != nil {
			return errors.Wrapf(err, "downloading %s", db.Name)
		}
		if d.Progress != nil {
			d.Progress(db.Name, i+1, len(dbs))
		}
	}
	return nil
}

func (d *Download) fetchDB(conn *dlp.Connection, sess *hotsync.Session, store storage.Store,
	user string, db dlp.DBInfo, log *logrus.Entry) error {
	incremental := false
	if sess.Type == hotsync.SyncFast {
		has, err := store.HasDatabase(user, db.Name)
		if err != nil {
			return err
		}
		incremental = has
	}

	handle, err := conn.OpenDB(0, dlp.OpenModeRead|dlp.OpenModeWrite|dlp.OpenModeSecret, db.Name)
	if err != nil {
		return errors.Wrap(err, "opening database")
	}
	defer conn.CloseDB(handle)

	var archive *Archive
	if incremental {
		archive, err = d.fetchModified(conn, store, user, db, handle)
	} else {
		archive, err = d.fetchFull(conn, db, handle)
	}
	if err != nil {
		return err
	}

	data := archive.Encode()
	if err := store.WriteDatabase(user, db.Name, data); err != nil {
		return errors.Wrap(err, "writing database")
	}
	if err := conn.ResetSyncFlags(handle); err != nil {
		return errors.Wrap(err, "resetting sync flags")
	}
	log.WithFields(logrus.Fields{
		"db":      db.Name,
		"records": len(archive.Records),
		"size":    units.HumanSize(float64(len(data))),
	}).Info("Database downloaded")
	return nil
}

func (d *Download) fetchFull(conn *dlp.Connection, db dlp.DBInfo, handle byte) (*Archive, error) {
	archive := &Archive{
		Creator: db.Creator,
		Type:    db.Type,
		Flags:   db.Flags,
		Version: db.Version,
	}
	count, err := conn.ReadOpenDBInfo(handle)
	if err != nil {
		return nil, errors.Wrap(err, "reading record count")
	}
	for i := uint16(0); i < count; i++ {
		rec, err := conn.ReadRecordByIndex(handle, i)
		if err != nil {
			return nil, errors.Wrapf(err, "reading record %d", i)
		}
		if rec.Attrs&(dlp.AttrDeleted|dlp.AttrArchived) != 0 {
			continue
		}
		archive.Records = append(archive.Records, *rec)
	}
	return archive, nil
}

func (d *Download) fetchModified(conn *dlp.Connection, store storage.Store,
	user string, db dlp.DBInfo, handle byte) (*Archive, error) {
	data, err := store.ReadDatabase(user, db.Name)
	if err != nil {
		return nil, errors.Wrap(err, "reading local copy")
	}
	archive, err := DecodeArchive(data)
	if err != nil {
		return nil, err
	}

	var updates []dlp.Record
	for {
		rec, err := conn.ReadNextModifiedRecord(handle)
		if err != nil {
			if dlp.IsNotFound(err) {
				break
			}
			return nil, errors.Wrap(err, "reading modified record")
		}
		updates = append(updates, *rec)
	}
	archive.merge(updates)
	return archive, nil
}
