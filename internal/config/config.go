// Package config loads service configuration from config.yaml and the
// environment.
//
// Precedence, lowest first: built-in defaults, the YAML file,
// NEXT_PUBLIC_API_URL / API_URL, GRAPHWEB_* variables. Nested keys use a
// double underscore: GRAPHWEB_SERVER__PORT=9000 sets server.port.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	EnvPrefix      = "GRAPHWEB_"
	DefaultPath    = "config.yaml"
	DefaultBaseURL = "http://localhost:8000"
	DefaultDepth   = 2
)

// Upstream base URL overrides, checked in order.
var baseURLEnvVars = []string{"NEXT_PUBLIC_API_URL", "API_URL"}

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Upstream  UpstreamConfig  `koanf:"upstream"`
	Graph     GraphConfig     `koanf:"graph"`
	Views     ViewsConfig     `koanf:"views"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Port int `koanf:"port" validate:"min=1,max=65535"`
	// RequestTimeout of zero leaves requests unbounded.
	RequestTimeout time.Duration `koanf:"request_timeout" validate:"min=0"`
	// CORSOrigins enables CORS for the listed origins. Empty disables it.
	CORSOrigins []string `koanf:"cors_origins"`
}

type UpstreamConfig struct {
	BaseURL string        `koanf:"base_url" validate:"required,http_url"`
	Breaker BreakerConfig `koanf:"breaker"`
}

// BreakerConfig guards the view layer's upstream calls. The /proxy routes
// are never short-circuited.
type BreakerConfig struct {
	// MaxFailures of zero disables the breaker.
	MaxFailures int           `koanf:"max_failures" validate:"min=0"`
	Cooldown    time.Duration `koanf:"cooldown" validate:"gt=0"`
}

type GraphConfig struct {
	// RootID pins the root node; when empty the first conversation is used.
	RootID string `koanf:"root_id"`
	Depth  int    `koanf:"depth" validate:"min=1,max=3"`
}

type ViewsConfig struct {
	IdleTTL       time.Duration `koanf:"idle_ttl" validate:"gt=0"`
	SweepInterval time.Duration `koanf:"sweep_interval" validate:"gt=0"`
}

type TelemetryConfig struct {
	ServiceName string `koanf:"service_name" validate:"required"`
	Tracing     bool   `koanf:"tracing"`
}

var defaults = map[string]any{
	"server.port":                   3000,
	"server.request_timeout":        "0s",
	"upstream.base_url":             DefaultBaseURL,
	"upstream.breaker.max_failures": 5,
	"upstream.breaker.cooldown":     "30s",
	"graph.depth":                   DefaultDepth,
	"views.idle_ttl":                "30m",
	"views.sweep_interval":          "1m",
	"telemetry.service_name":        "graph-web",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads path (missing file is fine), applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}

	for _, name := range baseURLEnvVars {
		if v := os.Getenv(name); v != "" {
			k.Set("upstream.base_url", v)
			break
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Upstream.BaseURL = strings.TrimRight(substituteEnvVars(cfg.Upstream.BaseURL), "/")

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
