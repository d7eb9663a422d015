package storage

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/palmkit/hotsync-engine/pkg/util"
)

const (
	userFileName  = "user.json"
	dbDirName     = "databases"
	installDir    = "install"
	idFileName    = "computer-id"
	dirPerm       = 0755
	filePerm      = 0644
	lockFileName  = ".lock"
	archiveSuffix = ".pkdb"
)

// ErrLocked means another process holds the storage area.
var ErrLocked = errors.New("storage: area is locked by another process")

// FileStore keeps each user's databases and install queue under a
// directory tree:
//
//	root/computer-id
//	root/users/<user>/user.json
//	root/users/<user>/databases/<db>.pkdb
//	root/users/<user>/install/<db>.pkdb
//
// The root is guarded by a flock so two daemons cannot share it.
type FileStore struct {
	root string
	lock *flock.Flock
	log  *logrus.Entry
}

func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, errors.Wrapf(err, "creating storage root %s", root)
	}
	lock := flock.New(filepath.Join(root, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "locking storage root")
	}
	if !locked {
		return nil, errors.Mark(errors.Newf("storage root %s", root), ErrLocked)
	}
	return &FileStore{
		root: root,
		lock: lock,
		log:  logrus.WithField("storage", root),
	}, nil
}

func (f *FileStore) Close() error {
	return f.lock.Unlock()
}

func (f *FileStore) userDir(name string) string {
	return filepath.Join(f.root, "users", util.SafeName(name))
}

func (f *FileStore) dbPath(user, name string) string {
	return filepath.Join(f.userDir(user), dbDirName, util.SafeName(name)+archiveSuffix)
}

func (f *FileStore) EnsureUser(name string) error {
	for _, dir := range []string{
		filepath.Join(f.userDir(name), dbDirName),
		filepath.Join(f.userDir(name), installDir),
	} {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return errors.Wrapf(err, "creating user area for %s", name)
		}
	}
	return nil
}

func (f *FileStore) HasUser(name string) (bool, error) {
	_, err := os.Stat(f.userDir(name))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "checking user %s", name)
	}
	return true, nil
}

func (f *FileStore) User(name string) (*UserRecord, error) {
	data, err := os.ReadFile(filepath.Join(f.userDir(name), userFileName))
	if os.IsNotExist(err) {
		return nil, errors.Mark(errors.Newf("user %s", name), ErrNotFound)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading user %s", name)
	}
	rec := &UserRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, errors.Wrapf(err, "parsing user record for %s", name)
	}
	return rec, nil
}

func (f *FileStore) SaveUser(rec *UserRecord) error {
	if err := f.EnsureUser(rec.Name); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding user record")
	}
	return errors.Wrapf(
		os.WriteFile(filepath.Join(f.userDir(rec.Name), userFileName), data, filePerm),
		"saving user %s", rec.Name)
}

func (f *FileStore) ListDatabases(user string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(f.userDir(user), dbDirName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "listing databases for %s", user)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) == archiveSuffix {
			names = append(names, name[:len(name)-len(archiveSuffix)])
		}
	}
	return names, nil
}

func (f *FileStore) HasDatabase(user, name string) (bool, error) {
	_, err := os.Stat(f.dbPath(user, name))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "checking database %s", name)
	}
	return true, nil
}

func (f *FileStore) ReadDatabase(user, name string) ([]byte, error) {
	data, err := os.ReadFile(f.dbPath(user, name))
	if os.IsNotExist(err) {
		return nil, errors.Mark(errors.Newf("database %s", name), ErrNotFound)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading database %s", name)
	}
	return data, nil
}

func (f *FileStore) WriteDatabase(user, name string, data []byte) error {
	if err := f.EnsureUser(user); err != nil {
		return err
	}
	path := f.dbPath(user, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, filePerm); err != nil {
		return errors.Wrapf(err, "writing database %s", name)
	}
	return errors.Wrapf(os.Rename(tmp, path), "committing database %s", name)
}

func (f *FileStore) InstallQueue(user string) ([]InstallItem, error) {
	dir := filepath.Join(f.userDir(user), installDir)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "listing install queue for %s", user)
	}
	var items []InstallItem
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, errors.Wrapf(err, "reading install entry %s", e.Name())
		}
		name := e.Name()
		if filepath.Ext(name) == archiveSuffix {
			name = name[:len(name)-len(archiveSuffix)]
		}
		items = append(items, InstallItem{Name: name, Data: data})
	}
	return items, nil
}

func (f *FileStore) ConsumeInstall(user, name string) error {
	path := filepath.Join(f.userDir(user), installDir, util.SafeName(name)+archiveSuffix)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return errors.Mark(errors.Newf("install entry %s", name), ErrNotFound)
		}
		return errors.Wrapf(err, "removing install entry %s", name)
	}
	return nil
}

// ComputerID derives a stable 32-bit host identifier from a UUID kept
// in the storage root, generating it on first use.
func (f *FileStore) ComputerID() (uint32, error) {
	path := filepath.Join(f.root, idFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		id := util.NewUUID()
		if err := os.WriteFile(path, []byte(id), filePerm); err != nil {
			return 0, errors.Wrap(err, "persisting computer ID")
		}
		f.log.WithField("id", id).Info("Generated computer ID")
		return util.DeriveID32(id), nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "reading computer ID")
	}
	return util.DeriveID32(string(data)), nil
}
