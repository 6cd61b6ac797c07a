// Package config loads yamesh configuration.
//
// Values are resolved with the following priority, highest last:
//  1. Default()
//  2. the YAML file passed to Load, if any
//  3. YAMESH_* environment variables
//  4. CLI flags, applied by the binaries after Load returns
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAddr = ":8080"
	DefaultSTUN = "stun:stun.l.google.com:19302"
)

type Config struct {
	Log    LogConfig    `yaml:"log"`
	Server ServerConfig `yaml:"server"`
	Peer   PeerConfig   `yaml:"peer"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is console or json.
	Format string `yaml:"format"`
}

// ServerConfig configures the signaling relay.
type ServerConfig struct {
	Addr string `yaml:"addr"`

	// Shards is the number of room registry shards.
	Shards int `yaml:"shards"`

	// MaxQueue is the outbound backlog at which a connection is closed
	// as stalled.
	MaxQueue int `yaml:"max_queue"`
	// SupersedeThreshold is the backlog above which droppable envelopes
	// replace older copies with the same sender and type.
	SupersedeThreshold int `yaml:"supersede_threshold"`

	MaxMessageBytes   int64   `yaml:"max_message_bytes"`
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`

	WriteWait  time.Duration `yaml:"write_wait"`
	PongWait   time.Duration `yaml:"pong_wait"`
	PingPeriod time.Duration `yaml:"ping_period"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// RoomTokens restricts the listed rooms to joiners presenting the
	// matching token. Rooms not listed are open.
	RoomTokens map[string]string `yaml:"room_tokens"`
}

// PeerConfig configures the participant side: engine, links and
// transfers.
type PeerConfig struct {
	ServerURL  string      `yaml:"server_url"`
	ICEServers []ICEServer `yaml:"ice_servers"`

	NegotiationTimeout time.Duration  `yaml:"negotiation_timeout"`
	Backoff            BackoffConfig  `yaml:"backoff"`
	Transfer           TransferConfig `yaml:"transfer"`
}

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// BackoffConfig schedules reconnect attempt k after
// min(Base*2^(k-1), Cap).
type BackoffConfig struct {
	Base        time.Duration `yaml:"base"`
	Cap         time.Duration `yaml:"cap"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// Delay returns the wait before the given 1-based attempt.
func (b BackoffConfig) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Cap {
			return b.Cap
		}
	}
	if d > b.Cap {
		return b.Cap
	}
	return d
}

type TransferConfig struct {
	ChunkSize     int           `yaml:"chunk_size"`
	HighWaterMark uint64        `yaml:"high_water_mark"`
	LowWaterMark  uint64        `yaml:"low_water_mark"`
	MaxSize       int64         `yaml:"max_size"`
	StallTimeout  time.Duration `yaml:"stall_timeout"`
}

func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Server: ServerConfig{
			Addr:               DefaultAddr,
			Shards:             16,
			MaxQueue:           256,
			SupersedeThreshold: 32,
			MaxMessageBytes:    64 * 1024,
			MessagesPerSecond:  50,
			Burst:              100,
			WriteWait:          10 * time.Second,
			PongWait:           60 * time.Second,
			PingPeriod:         54 * time.Second,
			ShutdownTimeout:    5 * time.Second,
		},
		Peer: PeerConfig{
			ServerURL: "ws://localhost:8080/ws",
			ICEServers: []ICEServer{
				{URLs: []string{DefaultSTUN}},
			},
			NegotiationTimeout: 10 * time.Second,
			Backoff: BackoffConfig{
				Base:        time.Second,
				Cap:         30 * time.Second,
				MaxAttempts: 5,
			},
			Transfer: TransferConfig{
				ChunkSize:     16 * 1024,
				HighWaterMark: 1024 * 1024,
				LowWaterMark:  256 * 1024,
				MaxSize:       1 << 30,
				StallTimeout:  30 * time.Second,
			},
		},
	}
}

// Load applies the optional file at path and then the environment over
// Default().
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("YAMESH_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := getenv("YAMESH_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("YAMESH_SERVER_URL"); v != "" {
		c.Peer.ServerURL = v
	}
	if v := getenv("YAMESH_STUN"); v != "" {
		c.Peer.ICEServers = []ICEServer{{URLs: strings.Split(v, ",")}}
	}
	if v := getenv("YAMESH_TURN"); v != "" {
		c.Peer.ICEServers = append(c.Peer.ICEServers, ICEServer{
			URLs:       strings.Split(v, ","),
			Username:   getenv("YAMESH_TURN_USERNAME"),
			Credential: getenv("YAMESH_TURN_PASSWORD"),
		})
	}
}

var (
	ErrInvalidLog      = errors.New("invalid log config")
	ErrInvalidServer   = errors.New("invalid server config")
	ErrInvalidPeer     = errors.New("invalid peer config")
	ErrInvalidTransfer = errors.New("invalid transfer config")
)

func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: level %q", ErrInvalidLog, c.Log.Level)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("%w: format %q", ErrInvalidLog, c.Log.Format)
	}

	s := c.Server
	if s.Shards <= 0 {
		return fmt.Errorf("%w: shards must be positive", ErrInvalidServer)
	}
	if s.MaxQueue <= 0 || s.SupersedeThreshold <= 0 || s.SupersedeThreshold >= s.MaxQueue {
		return fmt.Errorf("%w: need 0 < supersede_threshold (%d) < max_queue (%d)", ErrInvalidServer, s.SupersedeThreshold, s.MaxQueue)
	}
	if s.MessagesPerSecond <= 0 || s.Burst <= 0 {
		return fmt.Errorf("%w: rate limit must be positive", ErrInvalidServer)
	}
	if s.PingPeriod >= s.PongWait {
		return fmt.Errorf("%w: ping_period must be shorter than pong_wait", ErrInvalidServer)
	}

	p := c.Peer
	if p.NegotiationTimeout <= 0 {
		return fmt.Errorf("%w: negotiation_timeout must be positive", ErrInvalidPeer)
	}
	if p.Backoff.Base <= 0 || p.Backoff.Cap < p.Backoff.Base || p.Backoff.MaxAttempts <= 0 {
		return fmt.Errorf("%w: backoff base=%s cap=%s attempts=%d", ErrInvalidPeer, p.Backoff.Base, p.Backoff.Cap, p.Backoff.MaxAttempts)
	}
	for _, srv := range p.ICEServers {
		if len(srv.URLs) == 0 {
			return fmt.Errorf("%w: ice server without urls", ErrInvalidPeer)
		}
	}
	return p.Transfer.Validate()
}

func (t TransferConfig) Validate() error {
	if t.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk_size must be positive", ErrInvalidTransfer)
	}
	if t.LowWaterMark >= t.HighWaterMark {
		return fmt.Errorf("%w: low_water_mark (%d) must be below high_water_mark (%d)", ErrInvalidTransfer, t.LowWaterMark, t.HighWaterMark)
	}
	if t.MaxSize <= 0 || t.StallTimeout <= 0 {
		return fmt.Errorf("%w: max_size and stall_timeout must be positive", ErrInvalidTransfer)
	}
	return nil
}
