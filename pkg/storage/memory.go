package storage

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// MemoryStore is the in-memory Store used by tests and one-shot
// commands that do not need persistence.
type MemoryStore struct {
	mu        sync.Mutex
	users     map[string]*UserRecord
	areas     map[string]bool
	databases map[string]map[string][]byte
	installs  map[string]map[string][]byte
	id        uint32
}

func NewMemoryStore(computerID uint32) *MemoryStore {
	return &MemoryStore{
		users:     map[string]*UserRecord{},
		areas:     map[string]bool{},
		databases: map[string]map[string][]byte{},
		installs:  map[string]map[string][]byte{},
		id:        computerID,
	}
}

func (m *MemoryStore) EnsureUser(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.areas[name] = true
	return nil
}

func (m *MemoryStore) HasUser(name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.areas[name], nil
}

func (m *MemoryStore) User(name string) (*UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.users[name]
	if !ok {
		return nil, errors.Mark(errors.Newf("user %s", name), ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) SaveUser(rec *UserRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.users[rec.Name] = &cp
	m.areas[rec.Name] = true
	return nil
}

func (m *MemoryStore) ListDatabases(user string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name := range m.databases[user] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStore) HasDatabase(user, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.databases[user][name]
	return ok, nil
}

func (m *MemoryStore) ReadDatabase(user, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.databases[user][name]
	if !ok {
		return nil, errors.Mark(errors.Newf("database %s", name), ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) WriteDatabase(user, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.databases[user] == nil {
		m.databases[user] = map[string][]byte{}
	}
	m.databases[user][name] = append([]byte(nil), data...)
	return nil
}

// QueueInstall adds a database to the user's install queue.
func (m *MemoryStore) QueueInstall(user, name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.installs[user] == nil {
		m.installs[user] = map[string][]byte{}
	}
	m.installs[user][name] = append([]byte(nil), data...)
}

func (m *MemoryStore) InstallQueue(user string) ([]InstallItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []InstallItem
	for name, data := range m.installs[user] {
		items = append(items, InstallItem{Name: name, Data: append([]byte(nil), data...)})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items, nil
}

func (m *MemoryStore) ConsumeInstall(user, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.installs[user][name]; !ok {
		return errors.Mark(errors.Newf("install entry %s", name), ErrNotFound)
	}
	delete(m.installs[user], name)
	return nil
}

func (m *MemoryStore) ComputerID() (uint32, error) {
	return m.id, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
