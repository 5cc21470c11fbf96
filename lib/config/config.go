// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the config file when --config is absent.
const EnvironmentVariable = "COLLABIFY_CONFIG"

// Environment selects an override section.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Config is the complete collabify configuration.
type Config struct {
	Environment Environment     `yaml:"environment"`
	Paths       PathsConfig     `yaml:"paths"`
	Transport   TransportConfig `yaml:"transport"`
	Awareness   AwarenessConfig `yaml:"awareness"`
	User        UserConfig      `yaml:"user"`
	Signal      SignalConfig    `yaml:"signal"`
	Links       LinksConfig     `yaml:"links"`

	Development *Overrides `yaml:"development,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides holds the fields an environment section may replace.
type Overrides struct {
	Paths     *PathsConfig     `yaml:"paths,omitempty"`
	Transport *TransportConfig `yaml:"transport,omitempty"`
}

// PathsConfig locates local state.
type PathsConfig struct {
	// Data holds the session database.
	Data string `yaml:"data"`
}

// Database returns the SQLite path inside Data.
func (p PathsConfig) Database() string {
	return filepath.Join(p.Data, "collabify.db")
}

// TransportConfig configures peer discovery and connectivity.
type TransportConfig struct {
	// Signaling lists relay websocket URLs, tried in turn until one
	// accepts the connection.
	Signaling []string `yaml:"signaling"`

	// ICEServers lists STUN/TURN servers.
	ICEServers []ICEServer `yaml:"ice_servers"`

	// ICEServersFile is a JSON-with-comments file holding an array of
	// ICE servers. Its entries are appended to ICEServers.
	ICEServersFile string `yaml:"ice_servers_file"`

	// MaxPeers caps simultaneous peer connections per room.
	MaxPeers int `yaml:"max_peers"`
}

// ICEServer mirrors RTCIceServer. urls may be a string or a list.
type ICEServer struct {
	URLs       []string `yaml:"urls" json:"-"`
	Username   string   `yaml:"username" json:"username,omitempty"`
	Credential string   `yaml:"credential" json:"credential,omitempty"`
}

// UnmarshalJSON accepts urls as either a string or an array.
func (s *ICEServer) UnmarshalJSON(data []byte) error {
	var raw struct {
		URLs       json.RawMessage `json:"urls"`
		Username   string          `json:"username"`
		Credential string          `json:"credential"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Username = raw.Username
	s.Credential = raw.Credential
	s.URLs = nil
	if len(raw.URLs) == 0 {
		return nil
	}
	var single string
	if err := json.Unmarshal(raw.URLs, &single); err == nil {
		s.URLs = []string{single}
		return nil
	}
	return json.Unmarshal(raw.URLs, &s.URLs)
}

// AwarenessConfig tunes presence liveness.
type AwarenessConfig struct {
	// Heartbeat is how often the local presence record is
	// re-broadcast.
	Heartbeat time.Duration `yaml:"heartbeat"`

	// Timeout is how long a remote record survives without renewal.
	Timeout time.Duration `yaml:"timeout"`
}

// UserConfig holds the local participant's display preferences.
type UserConfig struct {
	Name string `yaml:"name"`
}

// LinksConfig controls how shareable links are printed.
type LinksConfig struct {
	// Origin is the scheme and host of the web client the links
	// open, e.g. https://collabify.example.org.
	Origin string `yaml:"origin"`
}

// SignalConfig configures collabify-signal.
type SignalConfig struct {
	Listen      string        `yaml:"listen"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Data: filepath.Join(home, ".local", "share", "collabify"),
		},
		Transport: TransportConfig{
			Signaling: []string{"ws://localhost:4444"},
			MaxPeers:  20,
		},
		Awareness: AwarenessConfig{
			Heartbeat: 15 * time.Second,
			Timeout:   30 * time.Second,
		},
		User: UserConfig{Name: "Anonymous"},
		Signal: SignalConfig{
			Listen:      "localhost:4444",
			IdleTimeout: 30 * time.Second,
		},
		Links: LinksConfig{Origin: "http://localhost:5173"},
	}
}

// Load reads the file named by COLLABIFY_CONFIG, or returns Default
// when the variable is unset.
func Load() (*Config, error) {
	path := os.Getenv(EnvironmentVariable)
	if path == "" {
		cfg := Default()
		cfg.expandVariables()
		return cfg, nil
	}
	return LoadFile(path)
}

// LoadFile reads path over the defaults, applies the matching
// environment section, resolves the ICE server file, and validates.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.applyOverrides()
	cfg.expandVariables()
	if cfg.Transport.ICEServersFile != "" {
		servers, err := LoadICEServers(cfg.Transport.ICEServersFile)
		if err != nil {
			return nil, err
		}
		cfg.Transport.ICEServers = append(cfg.Transport.ICEServers, servers...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadICEServers parses a JSON-with-comments array of ICE servers.
func LoadICEServers(path string) ([]ICEServer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading ICE servers: %w", err)
	}
	var servers []ICEServer
	if err := json.Unmarshal(jsonc.ToJSON(data), &servers); err != nil {
		return nil, fmt.Errorf("parsing ICE servers %s: %w", path, err)
	}
	return servers, nil
}

func (c *Config) applyOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}
	if overrides.Paths != nil && overrides.Paths.Data != "" {
		c.Paths.Data = overrides.Paths.Data
	}
	if transport := overrides.Transport; transport != nil {
		if len(transport.Signaling) > 0 {
			c.Transport.Signaling = transport.Signaling
		}
		if len(transport.ICEServers) > 0 {
			c.Transport.ICEServers = transport.ICEServers
		}
		if transport.ICEServersFile != "" {
			c.Transport.ICEServersFile = transport.ICEServersFile
		}
		if transport.MaxPeers > 0 {
			c.Transport.MaxPeers = transport.MaxPeers
		}
	}
}

var variablePattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func (c *Config) expandVariables() {
	vars := map[string]string{"HOME": os.Getenv("HOME")}
	c.Paths.Data = expand(c.Paths.Data, vars)
	vars["COLLABIFY_DATA"] = c.Paths.Data
	c.Transport.ICEServersFile = expand(c.Transport.ICEServersFile, vars)
}

func expand(s string, vars map[string]string) string {
	return variablePattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := variablePattern.FindStringSubmatch(match)
		name, fallback := parts[1], parts[2]
		if value := vars[name]; value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return fallback
	})
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment %q", c.Environment))
	}
	if c.Paths.Data == "" {
		errs = append(errs, errors.New("paths.data is required"))
	}
	if len(c.Transport.Signaling) == 0 {
		errs = append(errs, errors.New("transport.signaling needs at least one relay"))
	}
	for _, raw := range c.Transport.Signaling {
		parsed, err := url.Parse(raw)
		if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("transport.signaling: %q is not a ws:// or wss:// URL", raw))
		}
	}
	for index, server := range c.Transport.ICEServers {
		if len(server.URLs) == 0 {
			errs = append(errs, fmt.Errorf("transport.ice_servers[%d] has no urls", index))
		}
	}
	if parsed, err := url.Parse(c.Links.Origin); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		errs = append(errs, fmt.Errorf("links.origin: %q is not an absolute URL", c.Links.Origin))
	}
	if c.Awareness.Heartbeat <= 0 || c.Awareness.Timeout <= c.Awareness.Heartbeat {
		errs = append(errs, fmt.Errorf("awareness.timeout (%s) must exceed a positive awareness.heartbeat (%s)",
			c.Awareness.Timeout, c.Awareness.Heartbeat))
	}
	return errors.Join(errs...)
}
