package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Gate     GateConfig     `koanf:"gate"`
	Upstream UpstreamConfig `koanf:"upstream"`

	// Parsed forms, populated by Load.
	SafetyBuffer    time.Duration `koanf:"-"`
	ShutdownTimeout time.Duration `koanf:"-"`
	UpstreamURL     *url.URL      `koanf:"-"`
}

type ServerConfig struct {
	Port            int    `koanf:"port"`
	ShutdownTimeout string `koanf:"shutdown_timeout"` // duration string like "5s"
}

type GateConfig struct {
	SafetyBuffer   string `koanf:"safety_buffer"`   // duration string like "250ms"
	DeadlineHeader string `koanf:"deadline_header"` // header carrying the host deadline, unix ms
}

type UpstreamConfig struct {
	URL string `koanf:"url"`
}

// Load reads config.yaml when present, then applies FUNCGATE_* environment
// overrides (FUNCGATE_SERVER__PORT=9090 maps to server.port).
func Load() (*Config, error) {
	return LoadFile("config.yaml")
}

// LoadFile is Load with an explicit file path; a missing file is not an
// error, env vars and defaults then carry the whole configuration.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	// Environment variables override file config
	if err := k.Load(env.Provider("FUNCGATE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "FUNCGATE_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	// Default values
	if !k.Exists("server.port") {
		k.Set("server.port", 8080)
	}
	if !k.Exists("server.shutdown_timeout") {
		k.Set("server.shutdown_timeout", "5s")
	}
	if !k.Exists("gate.safety_buffer") {
		k.Set("gate.safety_buffer", "250ms")
	}
	if !k.Exists("gate.deadline_header") {
		k.Set("gate.deadline_header", "X-Function-Deadline")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	var err error
	cfg.SafetyBuffer, err = time.ParseDuration(cfg.Gate.SafetyBuffer)
	if err != nil {
		return nil, fmt.Errorf("config: gate.safety_buffer: %w", err)
	}
	cfg.ShutdownTimeout, err = time.ParseDuration(cfg.Server.ShutdownTimeout)
	if err != nil {
		return nil, fmt.Errorf("config: server.shutdown_timeout: %w", err)
	}
	if cfg.Upstream.URL != "" {
		cfg.UpstreamURL, err = url.Parse(cfg.Upstream.URL)
		if err != nil {
			return nil, fmt.Errorf("config: upstream.url: %w", err)
		}
		if cfg.UpstreamURL.Scheme == "" || cfg.UpstreamURL.Host == "" {
			return nil, fmt.Errorf("config: upstream.url %q must be absolute", cfg.Upstream.URL)
		}
	}

	return &cfg, nil
}
