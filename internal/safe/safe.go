// internal/safe/safe.go
package safe

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"veracity/shared/utils"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	ErrContentNotFound = errors.New("content not found")
	ErrInvalidHash     = errors.New("invalid content hash")
)

// ContentMeta stores metadata about stored content
type ContentMeta struct {
	Hash       string    `json:"hash"`
	Size       int64     `json:"size"`
	StoredSize int64     `json:"stored_size"`
	RefCount   uint32    `json:"ref_count"`
	Compressed bool      `json:"compressed"`
	CreatedAt  time.Time `json:"created_at"`
}

// Safe provides deduplicated, content-addressed blob storage. Blob bytes live
// in files under root; metadata lives in badger.
type Safe struct {
	root  string
	db    *badger.DB
	cache *lru.Cache[string, []byte]
	cm    *compressionManager
}

// Options configures Safe behavior
type Options struct {
	Root        string // Root directory path
	CacheSize   int    // Number of items to cache
	Compression CompressionOptions
}

// New creates a new Safe instance
func New(db *badger.DB, opts Options) (*Safe, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("root directory is required")
	}

	if err := os.MkdirAll(opts.Root, 0755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}

	if opts.CacheSize <= 0 {
		opts.CacheSize = 1000
	}
	cache, err := lru.New[string, []byte](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}

	if opts.Compression.SkipExtensions == nil {
		def := DefaultCompressionOptions()
		opts.Compression.SkipExtensions = def.SkipExtensions
		if opts.Compression.MinSize == 0 {
			opts.Compression.MinSize = def.MinSize
		}
	}
	cm, err := newCompressionManager(opts.Compression)
	if err != nil {
		return nil, fmt.Errorf("creating compression manager: %w", err)
	}

	return &Safe{
		root:  opts.Root,
		db:    db,
		cache: cache,
		cm:    cm,
	}, nil
}

// Store saves content and returns its hash
func (s *Safe) Store(content []byte) (string, error) {
	return s.StoreNamed("", content)
}

// StoreNamed saves content; name is only a hint for the compression policy.
func (s *Safe) StoreNamed(name string, content []byte) (string, error) {
	if content == nil {
		content = []byte{}
	}

	hash := utils.HashContent(content)

	exists, err := s.Exists(hash)
	if err != nil {
		return "", fmt.Errorf("checking existence: %w", err)
	}
	if exists {
		if err := s.incrementRefCount(hash); err != nil {
			return "", fmt.Errorf("incrementing ref count: %w", err)
		}
		return hash, nil
	}

	stored, compressed := s.cm.compress(name, content)

	contentPath := s.contentPath(hash)
	if err := os.MkdirAll(filepath.Dir(contentPath), 0755); err != nil {
		return "", fmt.Errorf("creating content directory: %w", err)
	}

	// Write through a temp file so a crash never leaves a torn blob under
	// its final name.
	tmp := contentPath + ".tmp"
	if err := os.WriteFile(tmp, stored, 0644); err != nil {
		return "", fmt.Errorf("writing content file: %w", err)
	}
	if err := os.Rename(tmp, contentPath); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("committing content file: %w", err)
	}

	meta := ContentMeta{
		Hash:       hash,
		Size:       int64(len(content)),
		StoredSize: int64(len(stored)),
		RefCount:   1,
		Compressed: compressed,
		CreatedAt:  time.Now(),
	}

	if err := s.storeMeta(meta); err != nil {
		os.Remove(contentPath)
		return "", fmt.Errorf("storing metadata: %w", err)
	}

	s.cache.Add(hash, content)

	return hash, nil
}

// Get retrieves content by hash
func (s *Safe) Get(hash string) ([]byte, error) {
	if !s.isValidHash(hash) {
		return nil, ErrInvalidHash
	}

	if content, ok := s.cache.Get(hash); ok {
		return content, nil
	}

	meta, err := s.getMeta(hash)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(s.contentPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrContentNotFound
		}
		return nil, fmt.Errorf("reading content: %w", err)
	}

	if meta.Compressed {
		content, err = s.cm.decompress(content)
		if err != nil {
			return nil, fmt.Errorf("decompressing content: %w", err)
		}
	}

	if utils.HashContent(content) != hash {
		return nil, fmt.Errorf("content hash mismatch for %s", hash)
	}

	s.cache.Add(hash, content)
	return content, nil
}

// Delete decrements the reference count and removes the blob at zero.
func (s *Safe) Delete(hash string) error {
	if !s.isValidHash(hash) {
		return ErrInvalidHash
	}

	meta, err := s.getMeta(hash)
	if err != nil {
		return fmt.Errorf("getting metadata: %w", err)
	}

	meta.RefCount--
	if meta.RefCount > 0 {
		return s.storeMeta(meta)
	}

	if err := os.Remove(s.contentPath(hash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing content file: %w", err)
	}
	if err := s.deleteMeta(hash); err != nil {
		return fmt.Errorf("deleting metadata: %w", err)
	}
	s.cache.Remove(hash)
	return nil
}

// Exists checks if content exists
func (s *Safe) Exists(hash string) (bool, error) {
	if !s.isValidHash(hash) {
		return false, ErrInvalidHash
	}

	if s.cache.Contains(hash) {
		return true, nil
	}

	_, err := s.getMeta(hash)
	if err != nil {
		if errors.Is(err, ErrContentNotFound) {
			return false, nil
		}
		return false, err
	}

	return true, nil
}

// Meta returns the stored metadata for hash.
func (s *Safe) Meta(hash string) (ContentMeta, error) {
	if !s.isValidHash(hash) {
		return ContentMeta{}, ErrInvalidHash
	}
	return s.getMeta(hash)
}

// Internal helper functions

func (s *Safe) contentPath(hash string) string {
	return filepath.Join(s.root, hash[:2], hash[2:])
}

func (s *Safe) isValidHash(hash string) bool {
	return utils.IsHash(hash)
}

func (s *Safe) incrementRefCount(hash string) error {
	meta, err := s.getMeta(hash)
	if err != nil {
		// Cached but never persisted cannot happen; treat as corruption.
		return err
	}

	meta.RefCount++
	return s.storeMeta(meta)
}

func metaKey(hash string) []byte {
	return []byte(fmt.Sprintf("blob:%s", hash))
}

func (s *Safe) storeMeta(meta ContentMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(meta.Hash), data)
	})
}

func (s *Safe) getMeta(hash string) (ContentMeta, error) {
	var meta ContentMeta

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(hash))
		if err == badger.ErrKeyNotFound {
			return ErrContentNotFound
		}
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		})
	})

	return meta, err
}

func (s *Safe) deleteMeta(hash string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(metaKey(hash))
	})
}
