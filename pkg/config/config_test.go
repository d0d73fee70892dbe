package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadFromEnvOverrides(t *testing.T) {
	os.Setenv("ENTDB_WAL_BACKEND", "kafka")
	os.Setenv("ENTDB_WAL_MIN_INSYNC", "3")
	os.Setenv("ENTDB_SNAPSHOT_RETENTION_DAYS", "90")
	defer func() {
		os.Unsetenv("ENTDB_WAL_BACKEND")
		os.Unsetenv("ENTDB_WAL_MIN_INSYNC")
		os.Unsetenv("ENTDB_SNAPSHOT_RETENTION_DAYS")
	}()

	cfg := LoadFromEnv()
	assert.Equal(t, "kafka", cfg.WAL.Backend)
	assert.Equal(t, 3, cfg.WAL.MinInsync)
	assert.Equal(t, 90, cfg.Snapshot.RetentionDays)
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.WAL.Backend = "rabbitmq"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.WAL.MinInsync = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Store.DataDir = ""
	assert.Error(t, cfg.Validate())
}

func TestLoadFromFileLayersOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/entdb.yaml"
	require.NoError(t, os.WriteFile(path, []byte("wal:\n  backend: kinesis\nsnapshot:\n  retention_days: 7\n"), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "kinesis", cfg.WAL.Backend)
	assert.Equal(t, 7, cfg.Snapshot.RetentionDays)
	// Unset fields keep their defaults.
	assert.Equal(t, Default().Archive.SegmentBytes, cfg.Archive.SegmentBytes)
}
