// Package config loads node and relay settings from .env files and
// OVERLAY_* environment variables layered over defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/nmxmxh/overlay/core/mesh/relay"
	"github.com/nmxmxh/overlay/core/mesh/transport"
	"github.com/nmxmxh/overlay/core/overlay"
	"github.com/nmxmxh/overlay/internal/utils"
)

// DefaultEnvPaths are tried in order; the first file that loads wins.
var DefaultEnvPaths = []string{".env", "../.env", "../../.env"}

// RelayConfig is the node's view of the relay.
type RelayConfig struct {
	URL              string        `json:"url"`
	Prefix           string        `json:"prefix"`
	HandshakeTimeout time.Duration `json:"handshake_timeout"`
	DialMaxElapsed   time.Duration `json:"dial_max_elapsed"` // Give up dialing after this long
}

// HTTPConfig configures the introspection server
type HTTPConfig struct {
	Addr string `json:"addr"`
}

// ProbeConfig drives the periodic ping over the overlay.
type ProbeConfig struct {
	Interval time.Duration `json:"interval"` // 0 disables the probe
}

// LogConfig is the serializable part of utils.LoggerConfig.
type LogConfig struct {
	Level  string           `json:"level"`
	Format string           `json:"format"`
	File   utils.FileConfig `json:"file"`
}

// Config is the node configuration.
type Config struct {
	Relay           RelayConfig      `json:"relay"`
	Overlay         overlay.Config   `json:"overlay"`
	Transport       transport.Config `json:"transport"`
	HTTP            HTTPConfig       `json:"http"`
	Probe           ProbeConfig      `json:"probe"`
	Log             LogConfig        `json:"log"`
	ShutdownTimeout time.Duration    `json:"shutdown_timeout"`
}

// Default returns the node defaults.
func Default() Config {
	return Config{
		Relay: RelayConfig{
			URL:              "ws://localhost:9000/service",
			HandshakeTimeout: 10 * time.Second,
			DialMaxElapsed:   2 * time.Minute,
		},
		Overlay:         overlay.DefaultConfig(),
		Transport:       transport.DefaultConfig(),
		HTTP:            HTTPConfig{Addr: ":8080"},
		Probe:           ProbeConfig{Interval: 10 * time.Second},
		Log:             LogConfig{Level: "info", Format: "pretty"},
		ShutdownTimeout: 10 * time.Second,
	}
}

// RelayServerConfig is the broker configuration.
type RelayServerConfig struct {
	Addr            string             `json:"addr"`
	Server          relay.ServerConfig `json:"server"`
	Log             LogConfig          `json:"log"`
	ShutdownTimeout time.Duration      `json:"shutdown_timeout"`
}

// DefaultRelayServer returns the broker defaults.
func DefaultRelayServer() RelayServerConfig {
	return RelayServerConfig{
		Addr:            ":9000",
		Server:          relay.DefaultServerConfig(),
		Log:             LogConfig{Level: "info", Format: "pretty"},
		ShutdownTimeout: 10 * time.Second,
	}
}

// LoadEnvFiles loads the first readable env file from paths, or from
// DefaultEnvPaths when none are given. Variables already set in the
// environment are not overridden. It returns the file that was loaded.
func LoadEnvFiles(paths ...string) string {
	if len(paths) == 0 {
		paths = DefaultEnvPaths
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err == nil {
			return path
		}
	}
	return ""
}

// Load reads the node configuration.
func Load(paths ...string) (Config, error) {
	envFile := LoadEnvFiles(paths...)
	cfg, err := FromEnv(os.LookupEnv)
	if err != nil {
		return Config{}, err
	}
	slog.Debug("Node config loaded", "env_file", envFile, "relay", cfg.Relay.URL, "prefix", cfg.Relay.Prefix)
	return cfg, nil
}

// LoadRelayServer reads the broker configuration.
func LoadRelayServer(paths ...string) (RelayServerConfig, error) {
	LoadEnvFiles(paths...)
	return RelayServerFromEnv(os.LookupEnv)
}

// FromEnv applies OVERLAY_* overrides from lookup over Default and
// validates the result.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	e := &env{lookup: lookup}

	e.str("OVERLAY_RELAY_URL", &cfg.Relay.URL)
	e.str("OVERLAY_RELAY_PREFIX", &cfg.Relay.Prefix)
	e.duration("OVERLAY_RELAY_HANDSHAKE_TIMEOUT", &cfg.Relay.HandshakeTimeout)
	e.duration("OVERLAY_RELAY_DIAL_MAX_ELAPSED", &cfg.Relay.DialMaxElapsed)

	e.integer("OVERLAY_MAX_PEERS", &cfg.Overlay.MaxPeers)
	e.integer("OVERLAY_TARGET_CONNECTIONS", &cfg.Overlay.TargetConnections)
	e.integer("OVERLAY_MAX_CONNECTIONS", &cfg.Overlay.MaxConnections)
	e.boolean("OVERLAY_FALLBACK_ENABLED", &cfg.Overlay.FallbackEnabled)
	e.duration("OVERLAY_CONNECT_TIMEOUT", &cfg.Overlay.ConnectTimeout)
	e.duration("OVERLAY_UPDATE_NETWORK_INTERVAL", &cfg.Overlay.UpdateNetworkInterval)
	e.duration("OVERLAY_STATUS_DEBOUNCE", &cfg.Overlay.StatusDebounce)
	e.duration("OVERLAY_PUBLISH_STATUS_INTERVAL", &cfg.Overlay.Gossip.PublishStatusInterval)
	e.float("OVERLAY_GOSSIP_RATE", &cfg.Overlay.Gossip.RateLimit.MessagesPerSecond)
	e.integer("OVERLAY_GOSSIP_BURST", &cfg.Overlay.Gossip.RateLimit.BurstSize)

	if raw, ok := e.get("OVERLAY_ICE_SERVERS"); ok {
		cfg.Transport.ICEServers = splitList(raw)
	}
	if raw, ok := e.get("OVERLAY_TURN_SERVERS"); ok {
		cfg.Transport.TURNServers = nil
		for _, item := range splitList(raw) {
			turn, err := transport.ParseTURN(item)
			if err != nil {
				e.errs = append(e.errs, fmt.Errorf("OVERLAY_TURN_SERVERS: %w", err))
				continue
			}
			cfg.Transport.TURNServers = append(cfg.Transport.TURNServers, turn)
		}
	}

	e.str("OVERLAY_HTTP_ADDR", &cfg.HTTP.Addr)
	e.duration("OVERLAY_PROBE_INTERVAL", &cfg.Probe.Interval)
	e.duration("OVERLAY_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)
	e.log(&cfg.Log)

	if err := errors.Join(e.errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// RelayServerFromEnv applies OVERLAY_* overrides over DefaultRelayServer.
func RelayServerFromEnv(lookup func(string) (string, bool)) (RelayServerConfig, error) {
	cfg := DefaultRelayServer()
	e := &env{lookup: lookup}

	e.str("OVERLAY_RELAY_ADDR", &cfg.Addr)
	e.str("OVERLAY_COMMIT_HASH", &cfg.Server.CommitHash)
	e.integer("OVERLAY_RELAY_SEND_QUEUE", &cfg.Server.SendQueue)
	e.duration("OVERLAY_RELAY_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	e.duration("OVERLAY_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)
	e.log(&cfg.Log)

	if err := errors.Join(e.errs...); err != nil {
		return RelayServerConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return RelayServerConfig{}, err
	}
	return cfg, nil
}

// Validate rejects unusable relay server settings.
func (c RelayServerConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("relay addr is required")
	}
	if c.Server.SendQueue <= 0 {
		return fmt.Errorf("relay send queue must be positive, got %d", c.Server.SendQueue)
	}
	if _, err := utils.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// Validate rejects inconsistent settings.
func (c Config) Validate() error {
	var errs []error
	o := c.Overlay
	if c.Relay.URL == "" {
		errs = append(errs, errors.New("relay url is required"))
	} else if !strings.HasPrefix(c.Relay.URL, "ws://") && !strings.HasPrefix(c.Relay.URL, "wss://") {
		errs = append(errs, fmt.Errorf("relay url %q must use ws:// or wss://", c.Relay.URL))
	}
	if strings.Contains(c.Relay.Prefix, ".") {
		errs = append(errs, fmt.Errorf("relay prefix %q must not contain '.'", c.Relay.Prefix))
	}
	if o.MaxPeers < 2 {
		errs = append(errs, fmt.Errorf("max peers must be at least 2, got %d", o.MaxPeers))
	}
	if o.TargetConnections < 0 {
		errs = append(errs, fmt.Errorf("target connections must not be negative, got %d", o.TargetConnections))
	}
	if o.MaxConnections < 1 {
		errs = append(errs, fmt.Errorf("max connections must be positive, got %d", o.MaxConnections))
	}
	if o.TargetConnections > o.MaxConnections {
		errs = append(errs, fmt.Errorf("target connections (%d) exceeds max connections (%d)",
			o.TargetConnections, o.MaxConnections))
	}
	if o.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("connect timeout must be positive"))
	}
	if o.UpdateNetworkInterval <= 0 {
		errs = append(errs, errors.New("update network interval must be positive"))
	}
	if o.Gossip.PublishStatusInterval <= 0 {
		errs = append(errs, errors.New("publish status interval must be positive"))
	}
	if o.Gossip.RateLimit.MessagesPerSecond <= 0 || o.Gossip.RateLimit.BurstSize <= 0 {
		errs = append(errs, errors.New("gossip rate limit must be positive"))
	}
	if c.Probe.Interval < 0 {
		errs = append(errs, errors.New("probe interval must not be negative"))
	}
	if _, err := utils.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RelayClient converts the relay section to a client config.
func (c Config) RelayClient() relay.ClientConfig {
	cfg := relay.DefaultClientConfig(c.Relay.URL)
	if c.Relay.HandshakeTimeout > 0 {
		cfg.HandshakeTimeout = c.Relay.HandshakeTimeout
	}
	return cfg
}

// Logger converts a log section to a logger config for component.
func (l LogConfig) Logger(component string) utils.LoggerConfig {
	cfg := utils.DefaultLoggerConfig(component)
	cfg.Level = l.Level
	if l.Format != "" {
		cfg.Format = l.Format
	}
	cfg.File = l.File
	return cfg
}

type env struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *env) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *env) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *env) integer(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: invalid integer %q", key, v))
			return
		}
		*dst = n
	}
}

func (e *env) float(key string, dst *float64) {
	if v, ok := e.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: invalid number %q", key, v))
			return
		}
		*dst = f
	}
}

func (e *env) boolean(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
			return
		}
		*dst = b
	}
}

// duration accepts Go durations ("3.5s") or bare milliseconds ("3500").
func (e *env) duration(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	if ms, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return
	}
	*dst = d
}

func (e *env) log(dst *LogConfig) {
	e.str("OVERLAY_LOG_LEVEL", &dst.Level)
	e.str("OVERLAY_LOG_FORMAT", &dst.Format)
	e.str("OVERLAY_LOG_FILE", &dst.File.Path)
	e.integer("OVERLAY_LOG_MAX_SIZE_MB", &dst.File.MaxSizeMB)
	e.integer("OVERLAY_LOG_MAX_BACKUPS", &dst.File.MaxBackups)
	e.boolean("OVERLAY_LOG_COMPRESS", &dst.File.Compress)
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
