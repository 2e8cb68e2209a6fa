package keyserver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/org/sealaudit/internal/apperr"
)

// ShareStore persists one key server's wrapped shares, keyed by report id.
type ShareStore interface {
	Put(ctx context.Context, reportID string, wrapped []byte) error
	Get(ctx context.Context, reportID string) ([]byte, error)
	Close() error
}

type MemoryShareStore struct {
	mu     sync.RWMutex
	shares map[string][]byte
}

func NewMemoryShareStore() *MemoryShareStore {
	return &MemoryShareStore{shares: make(map[string][]byte)}
}

func (m *MemoryShareStore) Put(_ context.Context, reportID string, wrapped []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shares[reportID] = append([]byte(nil), wrapped...)
	return nil
}

func (m *MemoryShareStore) Get(_ context.Context, reportID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.shares[reportID]
	if !ok {
		return nil, fmt.Errorf("share for report %s: %w", reportID, apperr.ErrNotFound)
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryShareStore) Close() error { return nil }

const sharePrefix = "share/"

// BadgerShareStore keeps shares in an embedded Badger database so a key
// server survives restarts.
type BadgerShareStore struct {
	db *badger.DB
}

// OpenBadgerShareStore opens (or creates) the database in dir. An empty dir
// opens an in-memory database.
func OpenBadgerShareStore(dir string) (*BadgerShareStore, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening share store %q: %w", dir, err)
	}
	return &BadgerShareStore{db: db}, nil
}

func (b *BadgerShareStore) Put(_ context.Context, reportID string, wrapped []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(sharePrefix+reportID), wrapped)
	})
}

func (b *BadgerShareStore) Get(_ context.Context, reportID string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(sharePrefix + reportID))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("share for report %s: %w", reportID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading share for report %s: %w", reportID, err)
	}
	return out, nil
}

func (b *BadgerShareStore) Close() error {
	return b.db.Close()
}
