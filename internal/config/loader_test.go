package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, StorageBackendFile, cfg.Storage.Backend)
	assert.Equal(t, "default", cfg.Namespace)
	assert.Equal(t, 0.4, cfg.Search.BM25Weight)
	assert.Equal(t, 0.6, cfg.Search.KNNWeight)
	assert.Equal(t, 60*time.Second, cfg.Security.ScanTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.ProxyTimeout)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	content := `
server:
  port: 9999
storage:
  backend: distributed-index
  index:
    host: search.internal
    port: 9201
search:
  provider: bedrock
  modelDimensions: 1024
namespace: tenant-a
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0644))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, StorageBackendIndex, cfg.Storage.Backend)
	assert.Equal(t, "search.internal", cfg.Storage.Index.Host)
	assert.Equal(t, EmbeddingsProviderBedrock, cfg.Search.Provider)
	assert.Equal(t, 1024, cfg.Search.ModelDimensions)
	assert.Equal(t, "tenant-a", cfg.Namespace)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	dir := t.TempDir()
	content := `
storage:
  backend: file
security:
  scanEnabled: false
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0644))

	t.Setenv("STORAGE_BACKEND", "distributed-index")
	t.Setenv("SECURITY_SCAN_ENABLED", "true")
	t.Setenv("SECURITY_ANALYZERS", "rules, model ")
	t.Setenv("SECURITY_SCAN_TIMEOUT", "90s")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, StorageBackendIndex, cfg.Storage.Backend)
	assert.True(t, cfg.Security.ScanEnabled)
	assert.Equal(t, []string{"rules", "model"}, cfg.Security.Analyzers)
	assert.Equal(t, 90*time.Second, cfg.Security.ScanTimeout)
}

func TestValidateRejectsBadBackend(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Storage.Backend = "cassandra"
	assert.Error(t, Validate(&cfg))
}

func TestValidateRejectsBadDimension(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Search.ModelDimensions = 768
	assert.Error(t, Validate(&cfg))
}

func TestValidateClampsTokenBuffer(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Tokens.Buffer = time.Minute
	require.NoError(t, Validate(&cfg))
	assert.Equal(t, time.Hour, cfg.Tokens.Buffer)
}

func TestSecretFileResolution(t *testing.T) {
	dir := t.TempDir()
	secretPath := filepath.Join(dir, "fed-token")
	require.NoError(t, os.WriteFile(secretPath, []byte("s3cret-token\n"), 0600))

	content := `
auth:
  federationTokenFile: ` + secretPath + `
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0644))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "s3cret-token", cfg.Auth.FederationToken)
}
