package conduit

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/palmkit/hotsync-engine/pkg/dlp"
	"github.com/palmkit/hotsync-engine/pkg/hotsync"
	"github.com/palmkit/hotsync-engine/pkg/storage"
)

// Install creates queued databases on the device. Each successfully
// installed entry is consumed from the queue; a failing entry is left
// queued for the next session.
type Install struct{}

func (i *Install) Name() string { return "install" }

func (i *Install) Execute(conn *dlp.Connection, sess *hotsync.Session, store storage.Store) error {
	log := logrus.WithField("conduit", i.Name())
	if sess.User == nil || sess.User.Name == "" {
		return nil
	}
	user := sess.User.Name

	queue, err := store.InstallQueue(user)
	if err != nil {
		return errors.Wrap(err, "listing install queue")
	}
	for _, item := range queue {
		if err := i.installOne(conn, item); err != nil {
			return errors.Wrapf(err, "installing %s", item.Name)
		}
		if err := store.ConsumeInstall(user, item.Name); err != nil {
			return errors.Wrapf(err, "consuming queue entry %s", item.Name)
		}
		log.WithField("db", item.Name).Info("Database installed")
	}
	return nil
}

func (i *Install) installOne(conn *dlp.Connection, item storage.InstallItem) error {
	archive, err := DecodeArchive(item.Data)
	if err != nil {
		return err
	}

	// A leftover copy from an earlier failed install would make
	// CreateDB fail; replace it.
	if err := conn.DeleteDB(0, item.Name); err != nil && !dlp.IsNotFound(err) {
		return errors.Wrap(err, "deleting previous copy")
	}
	handle, err := conn.CreateDB(archive.Creator, archive.Type, 0, archive.Flags, archive.Version, item.Name)
	if err != nil {
		return errors.Wrap(err, "creating database")
	}
	defer conn.CloseDB(handle)

	for _, rec := range archive.Records {
		if _, err := conn.WriteRecord(handle, &rec); err != nil {
			return errors.Wrapf(err, "writing record 0x%08x", rec.ID)
		}
	}
	return nil
}
