// Package config loads the DTN node's configuration from a layered set of
// sources — a TOML file, environment variables, and command-line flags —
// with flags taking precedence over environment variables, which take
// precedence over the file, which takes precedence over the built-in
// defaults.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/dtn-relay/dtnnode/pkg/neighbor"
)

// Role selects which application hook an embedding program wires up for
// this node.
type Role string

const (
	RoleSource Role = "source"
	RoleRelay  Role = "relay"
	RoleSink   Role = "sink"
)

// Config is the fully resolved node configuration, covering every option
// in the external-interfaces configuration table.
type Config struct {
	NodeID            string `toml:"node_id"`
	NodeRole          string `toml:"node_role"`
	ListenPort        int    `toml:"listen_port"`
	Neighbors         string `toml:"neighbors"`
	StorageDir        string `toml:"storage_dir"`
	DefaultLifetimeS  uint64 `toml:"default_lifetime_s"`
	SweeperPeriodS    uint64 `toml:"sweeper_period_s"`
	ResendPeriodS     uint64 `toml:"resend_period_s"`
	MaxFrameBytes     uint64 `toml:"max_frame_bytes"`
	MetricsAddr       string `toml:"metrics_addr"`
	LogLevel          string `toml:"log_level"`
}

// Default returns a Config populated with every documented default value.
func Default() Config {
	return Config{
		ListenPort:       4556,
		StorageDir:       "./dtn_bundles",
		DefaultLifetimeS: 3600,
		SweeperPeriodS:   60,
		ResendPeriodS:    30,
		MaxFrameBytes:    1 << 20,
		LogLevel:         "info",
	}
}

// Load reads the layered configuration: defaults, then an optional TOML
// file at path (skipped if path is empty), then environment variable
// overrides. Command-line flag overrides are applied separately by the
// caller (see cmd/dtnnoded), since those are parsed by cobra before this
// function is reached.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decoding %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	return cfg, nil
}

// envPrefix is prepended to every recognized option name to form its
// environment variable, e.g. node_id -> DTNNODE_NODE_ID.
const envPrefix = "DTNNODE_"

func applyEnv(cfg *Config) {
	if v, ok := lookupEnv("NODE_ID"); ok {
		cfg.NodeID = v
	}
	if v, ok := lookupEnv("NODE_ROLE"); ok {
		cfg.NodeRole = v
	}
	if v, ok := lookupEnvInt("LISTEN_PORT"); ok {
		cfg.ListenPort = v
	}
	if v, ok := lookupEnv("NEIGHBORS"); ok {
		cfg.Neighbors = v
	}
	if v, ok := lookupEnv("STORAGE_DIR"); ok {
		cfg.StorageDir = v
	}
	if v, ok := lookupEnvUint("DEFAULT_LIFETIME_S"); ok {
		cfg.DefaultLifetimeS = v
	}
	if v, ok := lookupEnvUint("SWEEPER_PERIOD_S"); ok {
		cfg.SweeperPeriodS = v
	}
	if v, ok := lookupEnvUint("RESEND_PERIOD_S"); ok {
		cfg.ResendPeriodS = v
	}
	if v, ok := lookupEnvUint("MAX_FRAME_BYTES"); ok {
		cfg.MaxFrameBytes = v
	}
	if v, ok := lookupEnv("METRICS_ADDR"); ok {
		cfg.MetricsAddr = v
	}
	if v, ok := lookupEnv("LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
}

func lookupEnv(name string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + name)
	return v, ok && v != ""
}

func lookupEnvInt(name string) (int, bool) {
	v, ok := lookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

func lookupEnvUint(name string) (uint64, bool) {
	v, ok := lookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	return n, err == nil
}

// ValidationError marks a configuration problem that must be fixed before
// the node may start. Callers (e.g. the cmd/dtnnoded entrypoint) use this
// type to distinguish a fatal configuration error (exit code 2) from a
// fatal I/O error (exit code 1).
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func validationErrorf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// Validate reports a configuration error for anything that must be fixed
// before the node may start.
func (c Config) Validate() error {
	if c.NodeID == "" {
		return validationErrorf("config: node_id is required")
	}
	switch Role(c.NodeRole) {
	case RoleSource, RoleRelay, RoleSink:
	default:
		return validationErrorf("config: node_role must be one of source, relay, sink, got %q", c.NodeRole)
	}
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return validationErrorf("config: listen_port %d out of range", c.ListenPort)
	}
	if c.StorageDir == "" {
		return validationErrorf("config: storage_dir is required")
	}
	if c.MaxFrameBytes == 0 {
		return validationErrorf("config: max_frame_bytes must be positive")
	}
	if _, err := neighbor.ParseNeighbors(c.Neighbors); err != nil {
		return validationErrorf("config: neighbors: %v", err)
	}
	return nil
}
