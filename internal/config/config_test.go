package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	cfg := Load()
	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, StorageMemory, cfg.Storage)
	assert.Equal(t, TransportMemory, cfg.Transport)
	assert.Equal(t, time.Second, cfg.Session.RetryInitial)
	assert.Equal(t, 30*time.Second, cfg.Session.RetryMax)
	assert.Equal(t, 20, cfg.DBMaxConnections())
	assert.Equal(t, 256, cfg.Relay.WSSendBufferSize)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phonemesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server_addr: ":9000"
storage: redis
transport: ws
session:
  client_id: alice-laptop
  owner_id: alice
  retry_initial_ms: 250
relay:
  relay_url: ws://relay:8090/ws
  max_ws_connections: 50
`), 0o600))
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("STORAGE", "POSTGRES")
	t.Setenv("AUTHORITY", "true")

	cfg := Load()
	assert.Equal(t, ":9000", cfg.ServerAddr)
	assert.Equal(t, StoragePostgres, cfg.Storage)
	assert.Equal(t, TransportWS, cfg.Transport)
	assert.Equal(t, "alice-laptop", cfg.Session.ClientID)
	assert.True(t, cfg.Session.Authority)
	assert.Equal(t, 250*time.Millisecond, cfg.Session.RetryInitial)
	assert.Equal(t, "ws://relay:8090/ws", cfg.Relay.URL)
	assert.Equal(t, 50, cfg.Relay.MaxWSConnections)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cfg := &Config{Storage: "sqlite", Transport: TransportWS}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown storage "sqlite"`)
	assert.Contains(t, err.Error(), "RELAY_URL")
	assert.Contains(t, err.Error(), "CLIENT_ID")

	cfg = &Config{Storage: StorageMemory, Transport: TransportMemory, Session: SessionConfig{ClientID: "gm", Authority: true}}
	assert.NoError(t, cfg.Validate())
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("X_INT", "nope")
	assert.Equal(t, 7, envInt("X_INT", 7))
	t.Setenv("X_BOOL", "1")
	assert.True(t, envBool("X_BOOL", false))
	assert.Equal(t, "fb", envStr("X_UNSET_FOR_TEST", "fb"))
}
