package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, 5, cfg.MaxConcurrent)
	assert.Equal(t, 10*time.Second, cfg.CycleInterval())
	assert.Equal(t, 120*time.Second, cfg.OrphanThreshold())
	assert.Equal(t, 500, cfg.SplitSize)
	assert.True(t, cfg.RefundEnabled)
	assert.Equal(t, 0.7, cfg.Router.MinScore)
	assert.Equal(t, 3, cfg.Router.SelectCandidates)
	assert.Equal(t, 5, cfg.VelocityThreshold)
	assert.Equal(t, 30*time.Minute, cfg.StickyTTL())
}

func TestLoadYAMLOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
batchSize: 25
splitSize: 250
refundEnabled: false
router:
  minScore: 0.5
  selectCandidates: 5
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.BatchSize)
	assert.Equal(t, 250, cfg.SplitSize)
	assert.False(t, cfg.RefundEnabled)
	assert.Equal(t, 0.5, cfg.Router.MinScore)
	assert.Equal(t, 5, cfg.Router.SelectCandidates)
	// Untouched keys keep their defaults.
	assert.Equal(t, 5, cfg.MaxConcurrent)
}

func TestDevProfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dev: true\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.OrphanThreshold())
	assert.Equal(t, 0.3, cfg.Router.MinScore)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SPINFORGE_DATABASE_URL", "postgres://env/spinforge")
	t.Setenv("SPINFORGE_BATCH_SIZE", "42")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/spinforge", cfg.DatabaseURL)
	assert.Equal(t, 42, cfg.BatchSize)
}
