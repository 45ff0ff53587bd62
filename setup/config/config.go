// Package config implements the YAML configuration tree: global
// settings plus one sub-config per component. Each component struct
// embeds `Matrix *Global` (threaded in by the top-level Defaults), has
// its own `Defaults(opts DefaultOpts)` method, and a
// `Verify(configErrs *ConfigErrors)` method that accumulates rather
// than returns on first error.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Path is a filesystem path, kept as a distinct type so config string
// fields are distinguished by role.
type Path string

// FileSizeBytes is a byte-count config value.
type FileSizeBytes int64

// ConfigErrors accumulates every validation problem found by a Verify
// pass so operators see the full list at once rather than one at a time.
type ConfigErrors []string

func (e *ConfigErrors) Add(msg string) { *e = append(*e, msg) }

func (e ConfigErrors) Error() string {
	return fmt.Sprintf("%d configuration error(s):\n  - %s", len(e), strings.Join(e, "\n  - "))
}

func checkNotEmpty(errs *ConfigErrors, key, value string) {
	if strings.TrimSpace(value) == "" {
		errs.Add(fmt.Sprintf("%s must not be empty", key))
	}
}

func checkPositive(errs *ConfigErrors, key string, value int64) {
	if value <= 0 {
		errs.Add(fmt.Sprintf("%s must be positive", key))
	}
}

// DefaultOpts controls how Defaults() seeds a fresh config: Generate is
// set when producing an example config for `-generate-config`;
// SingleDatabase collapses every component onto one DB connection string
// (monolith-friendly default).
type DefaultOpts struct {
	Generate       bool
	SingleDatabase bool
}

// DatabaseOptions is the connection config shared by every component that
// owns a storage/kv.Store.
type DatabaseOptions struct {
	ConnectionString string `yaml:"connection_string"`
	MaxOpenConns     int    `yaml:"max_open_conns,omitempty"`
	MaxIdleConns     int    `yaml:"max_idle_conns,omitempty"`
}

func (d *DatabaseOptions) Defaults(maxConns int) {
	if d.MaxOpenConns == 0 {
		d.MaxOpenConns = maxConns
	}
	if d.MaxIdleConns == 0 {
		d.MaxIdleConns = maxConns
	}
}

func (d *DatabaseOptions) Verify(errs *ConfigErrors, key string) {
	checkNotEmpty(errs, key+".connection_string", d.ConnectionString)
}

// JetStreamConfig configures the shared NATS JetStream instance every
// component consumes.
type JetStreamConfig struct {
	Addresses   []string `yaml:"addresses"`
	TopicPrefix string   `yaml:"topic_prefix"`
}

func (j JetStreamConfig) Prefixed(subject string) string {
	if j.TopicPrefix == "" {
		return subject
	}
	return j.TopicPrefix + subject
}

func (j JetStreamConfig) Durable(name string) string {
	return j.Prefixed(name) + "Durable"
}

// CacheConfig is parsed and defaulted, but nothing reads it: the
// accessor's ristretto cache is sized by constants in accessor.New.
type CacheConfig struct {
	MaxEntries int `yaml:"max_entries"`
	MaxSizeMB  int `yaml:"max_size_mb"`
}

func (c *CacheConfig) Defaults() {
	if c.MaxEntries == 0 {
		c.MaxEntries = 1_000_000
	}
	if c.MaxSizeMB == 0 {
		c.MaxSizeMB = 64
	}
}

// Global holds settings shared by every component: the server's own name,
// signing keys, default room version, and the JetStream/Cache config
// every subsystem is wired against.
type Global struct {
	ServerName        string          `yaml:"server_name"`
	PrivateKeyPath    Path            `yaml:"private_key"`
	KeyID             string          `yaml:"key_id"`
	DefaultRoomVersion string         `yaml:"default_room_version"`
	JetStream         JetStreamConfig `yaml:"jetstream"`
	Cache             CacheConfig     `yaml:"cache"`
}

func (g *Global) Defaults(opts DefaultOpts) {
	if g.DefaultRoomVersion == "" {
		g.DefaultRoomVersion = "10"
	}
	g.Cache.Defaults()
	if opts.Generate {
		g.ServerName = "localhost"
		g.PrivateKeyPath = "matrix_key.pem"
		g.KeyID = "ed25519:auto"
	}
}

func (g *Global) Verify(errs *ConfigErrors) {
	checkNotEmpty(errs, "global.server_name", g.ServerName)
	checkNotEmpty(errs, "global.private_key", string(g.PrivateKeyPath))
}

// Derived holds values computed from the rest of the config rather than
// read directly from YAML: currently just the parsed default room
// version, which several components share.
type Derived struct {
	DefaultRoomVersion string
}

// HomeserverCore is the root config tree: one sub-config per in-scope
// component plus Global/Derived.
type HomeserverCore struct {
	Version int `yaml:"version"`

	Global  Global  `yaml:"global"`
	Derived Derived `yaml:"-"`

	RoomServer       RoomServer       `yaml:"room_server"`
	FederationSender FederationSender `yaml:"federation_sender"`
	SyncAPI          SyncAPI          `yaml:"sync_api"`
	ServerKeyAPI     ServerKeyAPI     `yaml:"server_key_api"`
	Logging          FileHookLogging  `yaml:"logging"`
}

// FileHookLogging is the optional secondary log-output config (package
// internal/logging's FileHookConfig, duplicated here as the YAML-facing
// shape so internal/logging stays free of a config-package dependency).
type FileHookLogging struct {
	Enabled bool   `yaml:"enabled"`
	Path    Path   `yaml:"path"`
	Level   string `yaml:"level"`
}

// Defaults seeds every sub-config's defaults and threads the shared
// Matrix/Derived pointers through.
func (c *HomeserverCore) Defaults(opts DefaultOpts) {
	c.Version = 2
	c.Global.Defaults(opts)
	c.Derived.DefaultRoomVersion = c.Global.DefaultRoomVersion

	c.RoomServer.Matrix = &c.Global
	c.FederationSender.Matrix = &c.Global
	c.SyncAPI.Matrix = &c.Global
	c.ServerKeyAPI.Matrix = &c.Global

	c.RoomServer.Defaults(opts)
	c.FederationSender.Defaults(opts)
	c.SyncAPI.Defaults(opts)
	c.ServerKeyAPI.Defaults(opts)

	if opts.SingleDatabase && opts.Generate {
		single := DatabaseOptions{ConnectionString: "file:homeservercore.db"}
		c.RoomServer.Database = single
		c.FederationSender.Database = single
		c.SyncAPI.Database = single
	}
}

// Verify runs every sub-config's Verify, collecting all errors.
func (c *HomeserverCore) Verify() error {
	var errs ConfigErrors
	c.Global.Verify(&errs)
	c.RoomServer.Verify(&errs)
	c.FederationSender.Verify(&errs)
	c.SyncAPI.Verify(&errs)
	c.ServerKeyAPI.Verify(&errs)
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Load reads and parses a YAML config file, applying defaults first so
// zero-valued fields in the file fall back sanely, then verifying.
func Load(path string) (*HomeserverCore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var c HomeserverCore
	c.Defaults(DefaultOpts{})
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	c.RoomServer.Matrix = &c.Global
	c.FederationSender.Matrix = &c.Global
	c.SyncAPI.Matrix = &c.Global
	c.ServerKeyAPI.Matrix = &c.Global
	c.Derived.DefaultRoomVersion = c.Global.DefaultRoomVersion
	if err := c.Verify(); err != nil {
		return nil, err
	}
	return &c, nil
}

// durationYAML parses a config duration field, defaulting to fallback
// when unset or unparsable (used by sub-configs with time.Duration
// fields expressed as YAML strings).
func durationYAML(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
