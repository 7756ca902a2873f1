// internal/revert/backups.go
package revert

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const maxBackups = 10000

// Backups allocates backup names in a directory. Names are picked against
// the live disk at the moment of the call and are never reused.
type Backups struct {
	// Format receives the original name and a sequence number.
	Format string
}

func NewBackups() *Backups {
	return &Backups{Format: "%s~sg%02d~"}
}

// Allocate returns the first unused backup name for name inside dir.
func (b *Backups) Allocate(dir, name string) (string, error) {
	for n := 0; n < maxBackups; n++ {
		candidate := fmt.Sprintf(b.Format, name, n)
		_, err := os.Lstat(filepath.Join(dir, candidate))
		if errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("checking backup name %s: %w", candidate, err)
		}
	}
	return "", fmt.Errorf("no free backup name for %s in %s", name, dir)
}
