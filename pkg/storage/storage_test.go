package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	. "gopkg.in/check.v1"
)

func Test(t *testing.T) { TestingT(t) }

type TestSuite struct{}

var _ = Suite(&TestSuite{})

func (s *TestSuite) newFileStore(c *C) (*FileStore, string) {
	root := c.MkDir()
	store, err := NewFileStore(root)
	c.Assert(err, IsNil)
	return store, root
}

func (s *TestSuite) TestFileStoreUserLifecycle(c *C) {
	store, _ := s.newFileStore(c)
	defer store.Close()

	has, err := store.HasUser("alice")
	c.Assert(err, IsNil)
	c.Assert(has, Equals, false)

	_, err = store.User("alice")
	c.Assert(IsNotFound(err), Equals, true)

	c.Assert(store.EnsureUser("alice"), IsNil)
	has, err = store.HasUser("alice")
	c.Assert(err, IsNil)
	c.Assert(has, Equals, true)

	// The area exists but no record has been saved yet.
	_, err = store.User("alice")
	c.Assert(IsNotFound(err), Equals, true)

	anchor := time.Date(2006, 7, 15, 10, 30, 0, 0, time.UTC)
	rec := &UserRecord{
		Name:         "alice",
		UserID:       0x1234,
		LastSyncPC:   0xDEADBEEF,
		LastSyncDate: anchor,
	}
	c.Assert(store.SaveUser(rec), IsNil)

	got, err := store.User("alice")
	c.Assert(err, IsNil)
	c.Assert(got.UserID, Equals, uint32(0x1234))
	c.Assert(got.LastSyncPC, Equals, uint32(0xDEADBEEF))
	c.Assert(got.LastSyncDate.Equal(anchor), Equals, true)
}

func (s *TestSuite) TestFileStoreDatabases(c *C) {
	store, _ := s.newFileStore(c)
	defer store.Close()

	names, err := store.ListDatabases("alice")
	c.Assert(err, IsNil)
	c.Assert(names, HasLen, 0)

	_, err = store.ReadDatabase("alice", "MemoDB")
	c.Assert(IsNotFound(err), Equals, true)

	c.Assert(store.WriteDatabase("alice", "MemoDB", []byte("payload")), IsNil)
	c.Assert(store.WriteDatabase("alice", "AddressDB", []byte("other")), IsNil)

	has, err := store.HasDatabase("alice", "MemoDB")
	c.Assert(err, IsNil)
	c.Assert(has, Equals, true)

	data, err := store.ReadDatabase("alice", "MemoDB")
	c.Assert(err, IsNil)
	c.Assert(string(data), Equals, "payload")

	// Overwrites replace the previous contents.
	c.Assert(store.WriteDatabase("alice", "MemoDB", []byte("newer")), IsNil)
	data, err = store.ReadDatabase("alice", "MemoDB")
	c.Assert(err, IsNil)
	c.Assert(string(data), Equals, "newer")

	names, err = store.ListDatabases("alice")
	c.Assert(err, IsNil)
	c.Assert(names, HasLen, 2)
}

func (s *TestSuite) TestFileStoreSanitizesNames(c *C) {
	store, root := s.newFileStore(c)
	defer store.Close()

	c.Assert(store.WriteDatabase("Jo Smith", "Memo/Pad DB", []byte("x")), IsNil)
	data, err := store.ReadDatabase("Jo Smith", "Memo/Pad DB")
	c.Assert(err, IsNil)
	c.Assert(string(data), Equals, "x")

	// Nothing escapes the storage tree.
	_, err = os.Stat(filepath.Join(root, "users", "Jo_Smith", "databases", "Memo_Pad_DB.pkdb"))
	c.Assert(err, IsNil)
}

func (s *TestSuite) TestFileStoreInstallQueue(c *C) {
	store, root := s.newFileStore(c)
	defer store.Close()
	c.Assert(store.EnsureUser("alice"), IsNil)

	items, err := store.InstallQueue("alice")
	c.Assert(err, IsNil)
	c.Assert(items, HasLen, 0)

	// The queue is just files dropped into the install directory.
	queued := filepath.Join(root, "users", "alice", "install", "AddressDB.pkdb")
	c.Assert(os.WriteFile(queued, []byte("archive"), 0644), IsNil)

	items, err = store.InstallQueue("alice")
	c.Assert(err, IsNil)
	c.Assert(items, HasLen, 1)
	c.Assert(items[0].Name, Equals, "AddressDB")
	c.Assert(string(items[0].Data), Equals, "archive")

	c.Assert(store.ConsumeInstall("alice", "AddressDB"), IsNil)
	items, err = store.InstallQueue("alice")
	c.Assert(err, IsNil)
	c.Assert(items, HasLen, 0)

	err = store.ConsumeInstall("alice", "AddressDB")
	c.Assert(IsNotFound(err), Equals, true)
}

func (s *TestSuite) TestFileStoreComputerID(c *C) {
	store, root := s.newFileStore(c)

	id, err := store.ComputerID()
	c.Assert(err, IsNil)
	c.Assert(id, Not(Equals), uint32(0))

	again, err := store.ComputerID()
	c.Assert(err, IsNil)
	c.Assert(again, Equals, id)

	// The identifier survives a restart.
	c.Assert(store.Close(), IsNil)
	reopened, err := NewFileStore(root)
	c.Assert(err, IsNil)
	defer reopened.Close()
	after, err := reopened.ComputerID()
	c.Assert(err, IsNil)
	c.Assert(after, Equals, id)
}

func (s *TestSuite) TestFileStoreLocking(c *C) {
	store, root := s.newFileStore(c)

	_, err := NewFileStore(root)
	c.Assert(errors.Is(err, ErrLocked), Equals, true)

	c.Assert(store.Close(), IsNil)
	second, err := NewFileStore(root)
	c.Assert(err, IsNil)
	c.Assert(second.Close(), IsNil)
}

func (s *TestSuite) TestMemoryStore(c *C) {
	store := NewMemoryStore(0xDEADBEEF)
	defer store.Close()

	id, err := store.ComputerID()
	c.Assert(err, IsNil)
	c.Assert(id, Equals, uint32(0xDEADBEEF))

	_, err = store.User("alice")
	c.Assert(IsNotFound(err), Equals, true)

	rec := &UserRecord{Name: "alice", UserID: 7}
	c.Assert(store.SaveUser(rec), IsNil)
	got, err := store.User("alice")
	c.Assert(err, IsNil)
	c.Assert(got.UserID, Equals, uint32(7))

	// The store hands out copies, not aliases.
	got.UserID = 99
	again, err := store.User("alice")
	c.Assert(err, IsNil)
	c.Assert(again.UserID, Equals, uint32(7))

	has, err := store.HasUser("alice")
	c.Assert(err, IsNil)
	c.Assert(has, Equals, true)
}

func (s *TestSuite) TestMemoryStoreInstallQueue(c *C) {
	store := NewMemoryStore(1)
	store.QueueInstall("alice", "MemoDB", []byte("a"))
	store.QueueInstall("alice", "AddressDB", []byte("b"))

	items, err := store.InstallQueue("alice")
	c.Assert(err, IsNil)
	c.Assert(items, HasLen, 2)
	c.Assert(items[0].Name, Equals, "AddressDB")
	c.Assert(items[1].Name, Equals, "MemoDB")

	c.Assert(store.ConsumeInstall("alice", "MemoDB"), IsNil)
	items, err = store.InstallQueue("alice")
	c.Assert(err, IsNil)
	c.Assert(items, HasLen, 1)

	err = store.ConsumeInstall("alice", "MemoDB")
	c.Assert(IsNotFound(err), Equals, true)
}
