// Package config handles loading and validating gateway configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix is the environment-variable prefix that can override any
// file-loaded key, e.g. SHADOWGATE_TARGET_TIMEOUT overrides
// target.timeout.
const envPrefix = "SHADOWGATE_"

// Config is the file-loaded portion of the gateway's configuration.
// The target's base URL, the model-override string, and the
// allow-anthropic-only launch permission are deliberately absent here:
// the target URL comes from the CLI only, never the file, and the
// permission flag is a launch-time decision, not something a config
// file should be able to grant itself.
type Config struct {
	Target       TargetConfig      `koanf:"target"`
	Passthrough  PassthroughConfig `koanf:"passthrough"`
	Server       ServerConfig      `koanf:"server"`
	DefaultMode  string            `koanf:"default_mode"`
	ServiceName  string            `koanf:"service_name"`
	OTLPEndpoint string            `koanf:"otlp_endpoint"`
	LogLevel     string            `koanf:"log_level"`
}

// TargetConfig holds the self-hosted target's tunables. BaseURL is
// supplied separately, from the CLI, and merged in by the caller after
// Load returns.
type TargetConfig struct {
	Timeout         time.Duration `koanf:"timeout"`
	MaxConcurrent   int64         `koanf:"max_concurrent"`
	PassthroughAuth bool          `koanf:"passthrough_auth"`
}

// PassthroughConfig holds the real Anthropic endpoint's settings.
type PassthroughConfig struct {
	BaseURL         string        `koanf:"base_url"`
	Timeout         time.Duration `koanf:"timeout"`
	PassthroughAuth bool          `koanf:"passthrough_auth"`
}

// ServerConfig holds the gateway's own HTTP listener settings.
type ServerConfig struct {
	ListenAddr   string        `koanf:"listen_addr"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// defaults seeds values a deployment can reasonably omit from its TOML
// file entirely.
func defaults() Config {
	return Config{
		Passthrough: PassthroughConfig{
			BaseURL:         "https://api.anthropic.com",
			Timeout:         60 * time.Second,
			PassthroughAuth: true,
		},
		Target: TargetConfig{
			Timeout:       30 * time.Second,
			MaxConcurrent: 4,
		},
		Server: ServerConfig{
			ListenAddr:   ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0, // streaming responses have no fixed write deadline
		},
		DefaultMode: "target",
		ServiceName: "shadowgate",
		LogLevel:    "info",
	}
}

// flatTopLevelKeys are the Config fields that live at the root, not
// under target/passthrough/server. Unlike those three, their env names
// never introduce a section boundary, so envKeyToKoanfPath must leave
// the underscores in these alone rather than turning the first one
// into a dot.
var flatTopLevelKeys = map[string]bool{
	"default_mode":  true,
	"service_name":  true,
	"otlp_endpoint": true,
	"log_level":     true,
}

// envKeyToKoanfPath turns SHADOWGATE_TARGET_MAX_CONCURRENT into
// "target.max_concurrent": the section name (target/passthrough/server)
// becomes the first path segment and everything after it stays
// underscore-joined, matching the koanf tags on TargetConfig etc. A
// plain top-level field like SHADOWGATE_DEFAULT_MODE has no section to
// split off, so it's left as "default_mode" untouched.
func envKeyToKoanfPath(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	if flatTopLevelKeys[lower] {
		return lower
	}
	section, field, found := strings.Cut(lower, "_")
	if !found {
		return lower
	}
	return section + "." + field
}

// Load reads configuration from a TOML file, layers SHADOWGATE_-
// prefixed environment variable overrides on top, and returns a fully
// populated Config. An empty path skips the file layer — defaults()
// plus any env overrides are enough to start the gateway. A non-empty
// path that can't be read or parsed is an error.
func Load(path string) (*Config, error) {
	// Load .env file into the process environment (ignored if not
	// present).
	_ = godotenv.Load()

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %q: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyToKoanfPath), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	// Start from defaults() and let koanf's mapstructure decode overlay
	// only the keys actually present in the file/env layers — fields a
	// deployment's TOML never mentions keep their default rather than
	// being zeroed out.
	cfg := defaults()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}
