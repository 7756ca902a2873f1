// internal/revert/applier.go
package revert

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"syscall"

	"veracity/internal/repo"
	"veracity/shared/utils"
)

// Observed is what the disk holds at a path.
type Observed struct {
	Exists bool
	IsDir  bool
	Hash   string
	Attrs  uint
}

// Hasher hashes the file at rel. Working copies plug in a cached hasher.
type Hasher func(rel string, info fs.FileInfo) (string, error)

// Applier performs single-item disk mutations under root. Every mutation
// either completes or leaves the previous state in place.
type Applier struct {
	root    string
	staging string
	backups *Backups
	hash    Hasher
}

func NewApplier(root, staging string, hash Hasher) *Applier {
	a := &Applier{root: root, staging: staging, backups: NewBackups(), hash: hash}
	if a.hash == nil {
		a.hash = func(rel string, _ fs.FileInfo) (string, error) {
			return utils.HashFile(a.abs(rel))
		}
	}
	return a
}

func (a *Applier) abs(rel string) string {
	return filepath.Join(a.root, filepath.FromSlash(rel))
}

// Mode maps attribute bits to a file mode.
func Mode(attrs uint) os.FileMode {
	if attrs&repo.AttrExec != 0 {
		return 0755
	}
	return 0644
}

// AttrsOf maps a file mode to attribute bits.
func AttrsOf(mode os.FileMode) uint {
	if mode.IsRegular() && mode.Perm()&0111 != 0 {
		return repo.AttrExec
	}
	return 0
}

// Observe reports what is on disk at rel.
func (a *Applier) Observe(rel string) (Observed, error) {
	info, err := os.Lstat(a.abs(rel))
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
		return Observed{}, nil
	}
	if err != nil {
		return Observed{}, fmt.Errorf("inspecting %s: %w", rel, err)
	}
	if info.IsDir() {
		return Observed{Exists: true, IsDir: true}, nil
	}
	hash, err := a.hash(rel, info)
	if err != nil {
		return Observed{}, fmt.Errorf("hashing %s: %w", rel, err)
	}
	return Observed{Exists: true, Hash: hash, Attrs: AttrsOf(info.Mode())}, nil
}

// WriteFile replaces rel with content through a temp file in the same
// directory.
func (a *Applier) WriteFile(rel string, content []byte, attrs uint) error {
	dst := a.abs(rel)
	f, err := os.CreateTemp(filepath.Dir(dst), ".vv-write-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", rel, err)
	}
	tmp := f.Name()
	_, werr := f.Write(content)
	cerr := f.Close()
	if werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Chmod(tmp, Mode(attrs))
	}
	if werr == nil {
		werr = os.Rename(tmp, dst)
	}
	if werr != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", rel, werr)
	}
	return nil
}

func (a *Applier) Mkdir(rel string) error {
	if err := os.Mkdir(a.abs(rel), 0755); err != nil && !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("creating directory %s: %w", rel, err)
	}
	return nil
}

func (a *Applier) Chmod(rel string, attrs uint) error {
	if err := os.Chmod(a.abs(rel), Mode(attrs)); err != nil {
		return fmt.Errorf("setting attributes on %s: %w", rel, err)
	}
	return nil
}

func (a *Applier) Rename(from, to string) error {
	if err := os.Rename(a.abs(from), a.abs(to)); err != nil {
		return fmt.Errorf("moving %s to %s: %w", from, to, err)
	}
	return nil
}

// Remove deletes a file or an empty directory.
func (a *Applier) Remove(rel string) error {
	if err := os.Remove(a.abs(rel)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", rel, err)
	}
	return nil
}

// Backup renames rel aside to a fresh backup name in the same directory and
// returns the backup's relative path.
func (a *Applier) Backup(rel string) (string, error) {
	dir, name := path.Split(rel)
	backup, err := a.backups.Allocate(a.abs(dir), name)
	if err != nil {
		return "", err
	}
	backupRel := path.Join(dir, backup)
	if err := a.Rename(rel, backupRel); err != nil {
		return "", err
	}
	return backupRel, nil
}

// Stage moves rel into the staging area under key.
func (a *Applier) Stage(rel, key string) error {
	if err := os.MkdirAll(a.staging, 0755); err != nil {
		return fmt.Errorf("creating staging area: %w", err)
	}
	if err := os.Rename(a.abs(rel), filepath.Join(a.staging, key)); err != nil {
		return fmt.Errorf("staging %s: %w", rel, err)
	}
	return nil
}

// Unstage moves a staged entry to rel.
func (a *Applier) Unstage(key, rel string) error {
	if err := os.Rename(filepath.Join(a.staging, key), a.abs(rel)); err != nil {
		return fmt.Errorf("placing %s: %w", rel, err)
	}
	return nil
}
