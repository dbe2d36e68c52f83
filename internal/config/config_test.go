package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_PopulatesDefaults(t *testing.T) {
	cfg := New()
	assert.Equal(t, "ruleflow", cfg.Engine.Name)
	assert.Equal(t, 256, cfg.Engine.QueueSize)
	assert.True(t, cfg.Database.MigrateOnStart)
	assert.Equal(t, ":8080", cfg.APIServer.Addr)
}

func TestLoadFromFile_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ruleflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  name: custom-engine
  queue_size: 512
api_server:
  enabled: true
  jwt_secret: from-file
`), 0o644))

	cfg := New()
	require.NoError(t, loadFromFile(path, cfg))
	assert.Equal(t, "custom-engine", cfg.Engine.Name)
	assert.Equal(t, 512, cfg.Engine.QueueSize)
	assert.True(t, cfg.APIServer.Enabled)
	assert.Equal(t, "from-file", cfg.APIServer.JWTSecret)
}

func TestLoadFromFile_MissingFileIsNotAnError(t *testing.T) {
	cfg := New()
	err := loadFromFile(filepath.Join(t.TempDir(), "missing.yaml"), cfg)
	assert.NoError(t, err)
}

func TestValidate_RequiresJWTSecretWhenAPIServerEnabled(t *testing.T) {
	cfg := New()
	cfg.APIServer.Enabled = true
	cfg.APIServer.JWTSecret = ""
	assert.Error(t, cfg.Validate())

	cfg.APIServer.JWTSecret = "secret"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_RejectsNonPositiveQueueSize(t *testing.T) {
	cfg := New()
	cfg.Engine.QueueSize = 0
	assert.Error(t, cfg.Validate())
}
