package storage

import (
	"errors"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (r *record) GetID() string { return r.ID }

func setupTestDB(t *testing.T) *badger.DB {
	db, err := badger.Open(OpenOptions("", true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBadgerStore_CRUD(t *testing.T) {
	store := NewBadgerStore(setupTestDB(t), "rec")

	require.NoError(t, store.Create(&record{ID: "a", Name: "first"}))
	assert.Error(t, store.Create(&record{ID: "a", Name: "dup"}))

	var got record
	require.NoError(t, store.Get("a", &got))
	assert.Equal(t, "first", got.Name)

	require.NoError(t, store.Update(&record{ID: "a", Name: "second"}))
	require.NoError(t, store.Get("a", &got))
	assert.Equal(t, "second", got.Name)

	err := store.Update(&record{ID: "missing"})
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, store.Delete("a"))
	err = store.Get("a", &got)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestBadgerStore_PrefixIsolation(t *testing.T) {
	db := setupTestDB(t)
	items := NewBadgerStore(db, "item")
	other := NewBadgerStore(db, "itemx")

	require.NoError(t, items.Put("1", &record{ID: "1"}))
	require.NoError(t, items.Put("2", &record{ID: "2"}))
	require.NoError(t, other.Put("3", &record{ID: "3"}))

	ids, err := items.IDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, ids)

	var list []record
	require.NoError(t, items.List(&list))
	assert.Len(t, list, 2)

	require.NoError(t, db.Update(items.ClearTxn))
	ids, err = items.IDs()
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = other.IDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"3"}, ids)
}
