package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()
	cfg := Default()
	require.NoError(t, cfg.validate())
}

func TestLoadAppliesDefaultsForZeroFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "backend: memory\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, Default().BranchFactor, cfg.BranchFactor)
	require.Equal(t, Default().NodeCacheSize, cfg.NodeCacheSize)
}

func TestLoadOverridesProvidedFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "branchFactor: 64\nbackend: file\nfilePath: /tmp/blocks\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, uint(64), cfg.BranchFactor)
	require.Equal(t, BackendFile, cfg.Backend)
	require.Equal(t, "/tmp/blocks", cfg.FilePath)
}

func TestLoadRejectsMissingBackendFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "backend: file\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "backend: carrier-pigeon\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsTooSmallBranchFactor(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "branchFactor: 1\nbackend: memory\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	t.Parallel()
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}

func TestS3BackendRequiresBucket(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "backend: s3\ns3:\n  region: us-east-1\n")
	_, err := Load(path)
	require.Error(t, err)

	path = writeConfig(t, "backend: s3\ns3:\n  bucket: my-bucket\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "my-bucket", cfg.S3.Bucket)
}

func TestDebounceIntervalDefaultsWhenZero(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.DebounceInterval = 0
	cfg.applyDefaults()
	require.Equal(t, 250*time.Millisecond, cfg.DebounceInterval)
}
