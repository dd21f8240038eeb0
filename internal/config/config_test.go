package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidatesWithUserID(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.Validate(), "a user id is mandatory")

	cfg.Identity.UserID = "alice"
	assert.NoError(t, cfg.Validate())
	assert.NotEmpty(t, cfg.Paths.DataDir)
	assert.NotEmpty(t, cfg.Call.STUNServers)
	assert.True(t, cfg.Notify.Enabled)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "comms.json")

	cfg := Default()
	cfg.Identity.UserID = "alice"
	cfg.Identity.DisplayName = "Alice A."
	cfg.Realtime.NATSURL = "nats://localhost:4222"
	require.NoError(t, cfg.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestLoadLayersOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "comms.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"identity":{"user_id":"alice"}}`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.Identity.UserID)
	assert.Equal(t, Default().Realtime.MaxReconnects, cfg.Realtime.MaxReconnects)
	assert.Equal(t, Default().Call.STUNServers, cfg.Call.STUNServers)
}

func TestValidateRejectsContradictions(t *testing.T) {
	cfg := Default()
	cfg.Identity.UserID = "alice"

	cfg.Realtime.NATSURL = "nats://localhost:4222"
	cfg.Realtime.RelayURL = "wss://relay.example.com/ws"
	assert.Error(t, cfg.Validate(), "both backends at once")

	cfg.Realtime.NATSURL = ""
	assert.NoError(t, cfg.Validate())

	cfg.Realtime.RelayURL = "https://relay.example.com/ws"
	assert.Error(t, cfg.Validate(), "relay url must be a websocket url")

	cfg.Realtime.RelayURL = ""
	cfg.Paths.DataDir = ""
	assert.Error(t, cfg.Validate())
}
