package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
ingest:
  scan_root_path: /data/evidence
auth:
  disable_auth: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8800, cfg.Server.Port)
	assert.Equal(t, "documents", cfg.Meili.Index)
	assert.Equal(t, 6334, cfg.Qdrant.Port)
	assert.Equal(t, 500, cfg.Ingest.ChunkSize)
	assert.Equal(t, 50, cfg.Ingest.ChunkOverlap)
	assert.Equal(t, 5, cfg.Ingest.MaxArchiveDepth)
	assert.Equal(t, time.Hour, cfg.Ingest.TaskTimeout.Duration())
	assert.Equal(t, "fr", cfg.Chat.Locale)
	assert.Equal(t, 120, cfg.RateLimit.MaxRequests)
	assert.False(t, cfg.SemanticEnabled())
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, `
ingest:
  scan_root_path: /data/evidence
auth:
  disable_auth: true
`)

	t.Setenv("ARCHON_SERVER_PORT", "9100")
	t.Setenv("ARCHON_GEMINI_API_KEY", "test-key")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.True(t, cfg.SemanticEnabled())
	assert.Equal(t, "test-key", cfg.Gemini.APIKey.Value())
}

func TestValidateRejectsRelativeScanRoot(t *testing.T) {
	path := writeConfig(t, `
ingest:
  scan_root_path: relative/path
auth:
  disable_auth: true
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be absolute")
}

func TestValidateRequiresJWTSecret(t *testing.T) {
	path := writeConfig(t, `
ingest:
  scan_root_path: /data/evidence
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret_key")
}

func TestValidateChunkOverlap(t *testing.T) {
	path := writeConfig(t, `
ingest:
  scan_root_path: /data/evidence
  chunk_size: 100
  chunk_overlap: 100
auth:
  disable_auth: true
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk_overlap")
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("super-secret")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "super-secret", s.Value())

	b, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(b))
}
