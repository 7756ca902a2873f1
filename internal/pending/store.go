// internal/pending/store.go
package pending

import (
	"errors"
	"fmt"

	"veracity/internal/conflict"
	"veracity/internal/storage"

	"github.com/dgraph-io/badger/v4"
)

const stateKey = "state"

// Store persists a Document in badger with one key per item and per
// conflict, so a single item's change commits in one transaction.
type Store struct {
	db        *badger.DB
	items     *storage.BadgerStore
	conflicts *storage.BadgerStore
	meta      *storage.BadgerStore
}

func NewStore(db *badger.DB) *Store {
	return &Store{
		db:        db,
		items:     storage.NewBadgerStore(db, "wc_item"),
		conflicts: storage.NewBadgerStore(db, "wc_conflict"),
		meta:      storage.NewBadgerStore(db, "wc_meta"),
	}
}

// Load reads the whole document. A fresh database yields an empty document.
func (s *Store) Load() (*Document, error) {
	doc := newDocument()

	if err := s.meta.Get(stateKey, &doc.State); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("reading working copy state: %w", err)
	}

	var items []Item
	if err := s.items.List(&items); err != nil {
		return nil, fmt.Errorf("reading working copy items: %w", err)
	}
	for _, it := range items {
		doc.Items[it.GID] = it
	}

	var records []*conflict.Record
	if err := s.conflicts.List(&records); err != nil {
		return nil, fmt.Errorf("reading conflicts: %w", err)
	}
	for _, r := range records {
		doc.Conflicts[r.ID] = r
	}
	return doc, nil
}

// Tx stages changes to a document. The changes reach the in-memory document
// only after the badger transaction commits.
type Tx struct {
	store *Store
	txn   *badger.Txn
	after []func(*Document)
}

// Update runs fn in one transaction against doc.
func (s *Store) Update(doc *Document, fn func(tx *Tx) error) error {
	tx := &Tx{store: s}
	err := s.db.Update(func(txn *badger.Txn) error {
		tx.txn = txn
		return fn(tx)
	})
	if err != nil {
		return err
	}
	for _, f := range tx.after {
		f(doc)
	}
	return nil
}

func (tx *Tx) PutItem(it Item) error {
	if err := tx.store.items.PutTxn(tx.txn, it.GID, it); err != nil {
		return fmt.Errorf("storing item %s: %w", it.GID, err)
	}
	tx.after = append(tx.after, func(d *Document) { d.Items[it.GID] = it })
	return nil
}

func (tx *Tx) DeleteItem(gid string) error {
	if err := tx.store.items.DeleteTxn(tx.txn, gid); err != nil {
		return fmt.Errorf("deleting item %s: %w", gid, err)
	}
	tx.after = append(tx.after, func(d *Document) { delete(d.Items, gid) })
	return nil
}

func (tx *Tx) PutConflict(r *conflict.Record) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid conflict: %w", err)
	}
	if err := tx.store.conflicts.PutTxn(tx.txn, r.ID, r); err != nil {
		return fmt.Errorf("storing conflict %s: %w", r.ID, err)
	}
	tx.after = append(tx.after, func(d *Document) { d.Conflicts[r.ID] = r })
	return nil
}

func (tx *Tx) SetState(st State) error {
	if err := tx.store.meta.PutTxn(tx.txn, stateKey, st); err != nil {
		return fmt.Errorf("storing working copy state: %w", err)
	}
	tx.after = append(tx.after, func(d *Document) { d.State = st })
	return nil
}

// ClearConflicts drops every conflict record.
func (tx *Tx) ClearConflicts() error {
	if err := tx.store.conflicts.ClearTxn(tx.txn); err != nil {
		return fmt.Errorf("clearing conflicts: %w", err)
	}
	tx.after = append(tx.after, func(d *Document) { d.Conflicts = make(map[string]*conflict.Record) })
	return nil
}

// ReplaceItems swaps the whole item set.
func (tx *Tx) ReplaceItems(items map[string]Item) error {
	if err := tx.store.items.ClearTxn(tx.txn); err != nil {
		return fmt.Errorf("clearing items: %w", err)
	}
	for gid, it := range items {
		if err := tx.store.items.PutTxn(tx.txn, gid, it); err != nil {
			return fmt.Errorf("storing item %s: %w", gid, err)
		}
	}
	copied := make(map[string]Item, len(items))
	for k, v := range items {
		copied[k] = v
	}
	tx.after = append(tx.after, func(d *Document) { d.Items = copied })
	return nil
}
