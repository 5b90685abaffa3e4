package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMemoryConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "insight.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  inMemory: true\n"), 0o644))
	return path
}

func TestRunRefresh_HonorsTimeout(t *testing.T) {
	path := writeMemoryConfig(t)

	require.NoError(t, runRefresh(path, "", time.Minute))

	// An already-expired deadline must reach the refresh context.
	err := runRefresh(path, "", -time.Second)
	assert.Error(t, err)
}

func TestRunInit_WritesConfig(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	require.NoError(t, runInit(dir))

	raw, err := os.ReadFile(filepath.Join(dir, "insight.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "questionDimensions: 384")
}
