// internal/storage/badger_store.go
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

var ErrNotFound = errors.New("entity not found")

// Entity represents any storable entity with an ID
type Entity interface {
	GetID() string
}

// BadgerStore provides generic JSON storage under a key prefix.
type BadgerStore struct {
	db     *badger.DB
	prefix string
}

func NewBadgerStore(db *badger.DB, prefix string) *BadgerStore {
	return &BadgerStore{
		db:     db,
		prefix: prefix,
	}
}

// OpenOptions returns badger options for dir. An in-memory database ignores dir.
func OpenOptions(dir string, inMemory bool) badger.Options {
	if inMemory {
		opts := badger.DefaultOptions("").WithInMemory(true)
		opts.Logger = nil
		return opts
	}
	opts := badger.DefaultOptions(dir).
		WithLoggingLevel(badger.WARNING).
		WithNumVersionsToKeep(1)
	opts.Logger = nil
	return opts
}

func (s *BadgerStore) DB() *badger.DB {
	return s.db
}

func (s *BadgerStore) makeKey(id string) []byte {
	return []byte(fmt.Sprintf("%s:%s", s.prefix, id))
}

func (s *BadgerStore) stripPrefix(key []byte) string {
	return strings.TrimPrefix(string(key), fmt.Sprintf("%s:", s.prefix))
}

func (s *BadgerStore) Create(entity Entity) error {
	if entity.GetID() == "" {
		return fmt.Errorf("entity ID cannot be empty")
	}

	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshaling entity: %w", err)
	}

	key := s.makeKey(entity.GetID())
	return s.db.Update(func(txn *badger.Txn) error {
		// Check if key already exists
		_, err := txn.Get(key)
		if err == nil {
			return fmt.Errorf("entity already exists: %s", entity.GetID())
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		return txn.Set(key, data)
	})
}

func (s *BadgerStore) Get(id string, v any) error {
	return s.db.View(func(txn *badger.Txn) error {
		return s.GetTxn(txn, id, v)
	})
}

func (s *BadgerStore) GetTxn(txn *badger.Txn, id string, v any) error {
	item, err := txn.Get(s.makeKey(id))
	if err == badger.ErrKeyNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

// Put creates or replaces the value stored under id.
func (s *BadgerStore) Put(id string, v any) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return s.PutTxn(txn, id, v)
	})
}

func (s *BadgerStore) PutTxn(txn *badger.Txn, id string, v any) error {
	if id == "" {
		return fmt.Errorf("entity ID cannot be empty")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling entity: %w", err)
	}
	return txn.Set(s.makeKey(id), data)
}

func (s *BadgerStore) Update(entity Entity) error {
	if entity.GetID() == "" {
		return fmt.Errorf("entity ID cannot be empty")
	}

	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshaling entity: %w", err)
	}

	key := s.makeKey(entity.GetID())
	return s.db.Update(func(txn *badger.Txn) error {
		// Check if exists
		_, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, entity.GetID())
		} else if err != nil {
			return err
		}

		return txn.Set(key, data)
	})
}

func (s *BadgerStore) Delete(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return s.DeleteTxn(txn, id)
	})
}

// DeleteTxn removes id; deleting a missing key is not an error.
func (s *BadgerStore) DeleteTxn(txn *badger.Txn, id string) error {
	return txn.Delete(s.makeKey(id))
}

func (s *BadgerStore) List(results interface{}) error {
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(s.prefix + ":")
		var values []json.RawMessage

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				values = append(values, append([]byte(nil), val...))
				return nil
			})
			if err != nil {
				return err
			}
		}

		// Marshal collected values into final result
		data, err := json.Marshal(values)
		if err != nil {
			return err
		}

		return json.Unmarshal(data, results)
	})

	if err != nil {
		return fmt.Errorf("listing entities: %w", err)
	}
	return nil
}

// IDs returns every id stored under the prefix, in key order.
func (s *BadgerStore) IDs() ([]string, error) {
	return s.IDsWithPrefix("")
}

// IDsWithPrefix returns the ids starting with idPrefix, in key order.
func (s *BadgerStore) IDsWithPrefix(idPrefix string) ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(s.prefix + ":" + idPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, s.stripPrefix(it.Item().Key()))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing ids: %w", err)
	}
	return ids, nil
}

// ClearTxn deletes every key under the prefix.
func (s *BadgerStore) ClearTxn(txn *badger.Txn) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	var keys [][]byte
	prefix := []byte(s.prefix + ":")
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, key := range keys {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}
