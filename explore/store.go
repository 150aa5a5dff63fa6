package explore

import (
	"encoding/binary"
	"fmt"

	"github.com/dgraph-io/badger/v3"
)

// StateStore records the set of visited state fingerprints. The engine calls
// Add once per discovered state; the store answers whether the fingerprint
// had been seen before.
//
// The default MemoryStore keeps everything in one map. BadgerStore spills the
// set to disk for state spaces that outgrow memory; it persists fingerprints
// only, never document or actor state.
type StateStore interface {
	Add(fp uint64) (seen bool, err error)
	Count() int
	Close() error
}

type MemoryStore struct {
	seen map[uint64]struct{}
}

var _ StateStore = &MemoryStore{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[uint64]struct{})}
}

func (s *MemoryStore) Add(fp uint64) (bool, error) {
	if _, ok := s.seen[fp]; ok {
		return true, nil
	}
	s.seen[fp] = struct{}{}
	return false, nil
}

func (s *MemoryStore) Count() int {
	return len(s.seen)
}

func (s *MemoryStore) Close() error {
	return nil
}

type BadgerStore struct {
	db    *badger.DB
	count int
}

var _ StateStore = &BadgerStore{}

// NewBadgerStore opens (or creates) an on-disk fingerprint set under dir.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Add(fp uint64) (bool, error) {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], fp)

	seen := false
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key[:])
		if err == nil {
			seen = true
			return nil
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(key[:], nil)
	})
	if err != nil {
		return false, fmt.Errorf("state store add: %w", err)
	}
	if !seen {
		s.count++
	}
	return seen, nil
}

func (s *BadgerStore) Count() int {
	return s.count
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
