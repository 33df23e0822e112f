// Package config holds the peer and relay configuration types.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DefaultSTUNServers are used when no ICE servers are configured. No TURN:
// calls that cannot connect directly fail rather than relay media.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

const (
	DefaultReadyInterval = 5 * time.Second
	DefaultStatsInterval = 10 * time.Second
)

// Config stores all parameters of a call peer, gathered from flags or the
// interactive prompts.
type Config struct {
	RelayURL string // ws(s)://host/ws
	Room     string

	// ReadyInterval is how often "ready" is re-broadcast while the peer is
	// available and not in a call. Zero broadcasts once per connection.
	ReadyInterval time.Duration

	Media Media
}

// Media configures the pion media engine.
type Media struct {
	STUNServers []string

	// ICE timeouts; zero values keep pion's defaults.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	// Optional local sources. Without them the local tracks are negotiated
	// but carry no samples.
	VideoFile string // IVF (VP8)
	AudioFile string // Ogg (Opus)
}

// Relay configures the broadcast relay server.
type Relay struct {
	Addr         string
	RoomCapacity int
}

// Default returns a Config with defaults for everything but the relay URL.
func Default() Config {
	return Config{
		Room:          "default",
		ReadyInterval: DefaultReadyInterval,
		Media: Media{
			STUNServers: append([]string(nil), DefaultSTUNServers...),
		},
	}
}

// Validate checks that the configuration can be used to start a peer.
func (c Config) Validate() error {
	if c.RelayURL == "" {
		return errors.New("missing relay URL")
	}
	if _, err := NormalizeRelayURL(c.RelayURL); err != nil {
		return err
	}
	if c.ReadyInterval < 0 {
		return fmt.Errorf("ready interval must not be negative: %s", c.ReadyInterval)
	}
	for name, d := range map[string]time.Duration{
		"ICE disconnected timeout": c.Media.DisconnectedTimeout,
		"ICE failed timeout":       c.Media.FailedTimeout,
		"ICE keepalive interval":   c.Media.KeepAliveInterval,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative: %s", name, d)
		}
	}
	for _, s := range c.Media.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
			return fmt.Errorf("invalid STUN server URL: %s", s)
		}
	}
	return nil
}

// NormalizeRelayURL validates a raw relay URL and returns the WebSocket
// endpoint: scheme forced to ws/wss (http→ws, anything else→wss) and the path
// set to /ws.
func NormalizeRelayURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid relay URL: %s", raw)
	}
	scheme := "wss"
	switch u.Scheme {
	case "ws", "http":
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}
