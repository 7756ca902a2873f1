package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "merge", cfg.Merge.DefaultStrategy)
	assert.True(t, cfg.Revert.Backups)
	assert.False(t, cfg.Resolve.ExistenceBackups)
	assert.Equal(t, 1000, cfg.Repo.CacheSize)
}

func TestLoadFileClassesFromYAML(t *testing.T) {
	dir := t.TempDir()
	content := `
log_level: debug
merge:
  default_strategy: skip
  fileclasses:
    - name: text
      patterns: ["*.txt", "docs/**"]
      strategy: merge
    - name: tool
      patterns: ["*.dat"]
      strategy: external
      command: "mymerge {ancestor} {baseline} {other} {result}"
resolve:
  existence_backups: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "skip", cfg.Merge.DefaultStrategy)
	require.Len(t, cfg.Merge.FileClasses, 2)
	assert.Equal(t, []string{"*.txt", "docs/**"}, cfg.Merge.FileClasses[0].Patterns)
	assert.Equal(t, "external", cfg.Merge.FileClasses[1].Strategy)
	assert.True(t, cfg.Resolve.ExistenceBackups)
}

func TestValidateRejectsUnknownStrategy(t *testing.T) {
	cfg := Default()
	cfg.Merge.FileClasses = append(cfg.Merge.FileClasses, FileClass{Name: "x", Strategy: "guess"})

	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Merge.FileClasses = []FileClass{{Name: "ext", Strategy: "external"}}
	assert.Error(t, cfg.Validate())
}

func TestRepoPath(t *testing.T) {
	cfg := Default()
	assert.Equal(t, filepath.Join("/wc", ".vv/repo"), cfg.RepoPath("/wc"))

	cfg.Repo.Path = "/srv/repo"
	assert.Equal(t, "/srv/repo", cfg.RepoPath("/wc"))
}
