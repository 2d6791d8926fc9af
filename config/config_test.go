package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "smoldb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o666))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
dir: /var/lib/smoldb
engine: bolt
addr: 0.0.0.0:4001
segment_size: 1048576
compaction_ratio: 0.3
sync_writes: true
pool_size: 8
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/smoldb", cfg.Dir)
	assert.Equal(t, EngineBolt, cfg.Engine)
	assert.Equal(t, "0.0.0.0:4001", cfg.Addr)
	assert.Equal(t, int64(1048576), cfg.SegmentSize)
	assert.Equal(t, 0.3, cfg.CompactionRatio)
	assert.True(t, cfg.SyncWrites)
	assert.Equal(t, int64(8), cfg.PoolSize)

	// Untouched fields keep their defaults.
	assert.Equal(t, Default().MaxConnections, cfg.MaxConnections)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "segment_sise: 1024\n")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Engine = "sled"
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.CompactionRatio = 1.2
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.SegmentSize = 0
	assert.Error(t, bad.Validate())
}
