package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "yamesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
server:
  addr: ":9000"
  room_tokens:
    staff: s3cret
peer:
  negotiation_timeout: 3s
  transfer:
    chunk_size: 8192
`), 0o600))

	t.Setenv("YAMESH_ADDR", ":9100")
	t.Setenv("YAMESH_TURN", "turn:turn.example.com:3478")
	t.Setenv("YAMESH_TURN_USERNAME", "alice")
	t.Setenv("YAMESH_TURN_PASSWORD", "pw")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, ":9100", cfg.Server.Addr, "env overrides file")
	assert.Equal(t, "s3cret", cfg.Server.RoomTokens["staff"])
	assert.Equal(t, 3*time.Second, cfg.Peer.NegotiationTimeout)
	assert.Equal(t, 8192, cfg.Peer.Transfer.ChunkSize)
	assert.Equal(t, uint64(1024*1024), cfg.Peer.Transfer.HighWaterMark, "unset keys keep defaults")

	require.Len(t, cfg.Peer.ICEServers, 2)
	assert.Equal(t, []string{DefaultSTUN}, cfg.Peer.ICEServers[0].URLs)
	assert.Equal(t, "alice", cfg.Peer.ICEServers[1].Username)
	assert.Equal(t, "pw", cfg.Peer.ICEServers[1].Credential)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
peer:
  transfer:
    low_water_mark: 2048
    high_water_mark: 1024
`), 0o600))

	_, err := Load(path)
	require.ErrorIs(t, err, ErrInvalidTransfer)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   error
	}{
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, ErrInvalidLog},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, ErrInvalidLog},
		{"threshold above queue", func(c *Config) { c.Server.SupersedeThreshold = c.Server.MaxQueue }, ErrInvalidServer},
		{"ping after pong", func(c *Config) { c.Server.PingPeriod = c.Server.PongWait }, ErrInvalidServer},
		{"zero timeout", func(c *Config) { c.Peer.NegotiationTimeout = 0 }, ErrInvalidPeer},
		{"cap below base", func(c *Config) { c.Peer.Backoff.Cap = time.Millisecond }, ErrInvalidPeer},
		{"empty ice server", func(c *Config) { c.Peer.ICEServers = []ICEServer{{}} }, ErrInvalidPeer},
		{"zero chunk", func(c *Config) { c.Peer.Transfer.ChunkSize = 0 }, ErrInvalidTransfer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.want)
		})
	}
}

func TestBackoffDelay(t *testing.T) {
	b := Default().Peer.Backoff
	var got []time.Duration
	for k := 1; k <= 7; k++ {
		got = append(got, b.Delay(k))
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}, got)
}
