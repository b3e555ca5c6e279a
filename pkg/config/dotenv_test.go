package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDotEnvSetsVariables(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("EGTEST_DOTENV=hello\n"), 0o600))
	t.Setenv("EGTEST_DOTENV", "")
	os.Unsetenv("EGTEST_DOTENV")

	require.NoError(t, LoadDotEnv(envPath))
	assert.Equal(t, "hello", os.Getenv("EGTEST_DOTENV"))
}

func TestLoadDotEnvDoesNotOverwrite(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("EGTEST_KEEP=file\n"), 0o600))
	t.Setenv("EGTEST_KEEP", "env")

	require.NoError(t, LoadDotEnv(envPath))
	assert.Equal(t, "env", os.Getenv("EGTEST_KEEP"))
}

func TestLoadDotEnvMissingFileIsFine(t *testing.T) {
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "nope", ".env")))
}

func TestLoadDotEnvForConfigUsesConfigDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("EGTEST_NEXT_TO_CONFIG=yes\n"), 0o600))
	t.Setenv("EGTEST_NEXT_TO_CONFIG", "")
	os.Unsetenv("EGTEST_NEXT_TO_CONFIG")

	require.NoError(t, LoadDotEnvForConfig(filepath.Join(dir, "egregora.yaml")))
	assert.Equal(t, "yes", os.Getenv("EGTEST_NEXT_TO_CONFIG"))
}
