// Package config loads service settings from an optional YAML file with
// CATEQUIZ_* environment overrides on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvFile names the variable that points at the YAML file.
const EnvFile = "CATEQUIZ_CONFIG"

type HTTP struct {
	Addr         string   `yaml:"addr" validate:"required"`
	GRPCAddr     string   `yaml:"grpc_addr"`
	RateBurst    int      `yaml:"rate_burst" validate:"gte=0"`
	RatePerSec   float64  `yaml:"rate_per_sec" validate:"gte=0"`
	MaxBodyBytes int64    `yaml:"max_body_bytes" validate:"gt=0"`
	CORSOrigins  []string `yaml:"cors_origins"`
}

type Badger struct {
	Path       string        `yaml:"path"`
	InMemory   bool          `yaml:"in_memory"`
	SyncWrites bool          `yaml:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval" validate:"gte=0"`
}

type Postgres struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns" validate:"gte=0"`
}

type Storage struct {
	Backend  string   `yaml:"backend" validate:"oneof=memory badger postgres"`
	Badger   Badger   `yaml:"badger"`
	Postgres Postgres `yaml:"postgres"`
}

type Auth struct {
	Secret   string        `yaml:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl" validate:"gt=0"`
}

type AI struct {
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	BaseURL string        `yaml:"base_url" validate:"omitempty,url"`
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

type Quiz struct {
	Validity time.Duration `yaml:"validity" validate:"gt=0"`
}

type XP struct {
	Timezone string `yaml:"timezone"`
}

type Log struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

// Config is the full service configuration.
type Config struct {
	HTTP    HTTP    `yaml:"http"`
	Storage Storage `yaml:"storage"`
	Auth    Auth    `yaml:"auth"`
	AI      AI      `yaml:"ai"`
	Quiz    Quiz    `yaml:"quiz"`
	XP      XP      `yaml:"xp"`
	Log     Log     `yaml:"log"`
}

// Default returns the settings used when neither file nor environment says otherwise.
func Default() Config {
	return Config{
		HTTP: HTTP{
			Addr:         ":8080",
			GRPCAddr:     ":9090",
			RateBurst:    40,
			RatePerSec:   20,
			MaxBodyBytes: 1 << 20,
		},
		Storage: Storage{
			Backend: "badger",
			Badger:  Badger{Path: "data/catequiz", SyncWrites: true, GCInterval: 5 * time.Minute},
			Postgres: Postgres{
				MaxOpenConns: 20,
			},
		},
		Auth: Auth{TokenTTL: 7 * 24 * time.Hour},
		AI:   AI{Model: "gpt-4o", Timeout: 60 * time.Second},
		Quiz: Quiz{Validity: 7 * 24 * time.Hour},
		XP:   XP{Timezone: "UTC"},
		Log:  Log{Level: "info"},
	}
}

// Load reads path (or $CATEQUIZ_CONFIG when path is empty), applies the
// environment and validates the result. A missing file is not an error
// when it was not named explicitly.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		if v, ok := lookup(EnvFile); ok && strings.TrimSpace(v) != "" {
			path, explicit = strings.TrimSpace(v), true
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints plus the cross-field rules of the storage section.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.Storage.Backend {
	case "badger":
		if !c.Storage.Badger.InMemory && strings.TrimSpace(c.Storage.Badger.Path) == "" {
			return errors.New("invalid config: storage.badger.path is required")
		}
	case "postgres":
		if strings.TrimSpace(c.Storage.Postgres.DSN) == "" {
			return errors.New("invalid config: storage.postgres.dsn is required")
		}
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid config: xp.timezone: %w", err)
	}
	return nil
}

// Location resolves xp.timezone; empty means UTC.
func (c Config) Location() (*time.Location, error) {
	if c.XP.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.XP.Timezone)
}

type envBinding struct {
	name string
	set  func(string) error
}

func str(dst *string) func(string) error {
	return func(v string) error { *dst = v; return nil }
}

func integer(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func int64v(dst *int64) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func float(dst *float64) func(string) error {
	return func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*dst = f
		return nil
	}
}

func boolean(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func duration(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

func list(dst *[]string) func(string) error {
	return func(v string) error {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*dst = out
		return nil
	}
}

func applyEnv(c *Config, lookup func(string) (string, bool)) error {
	bindings := []envBinding{
		{"CATEQUIZ_HTTP_ADDR", str(&c.HTTP.Addr)},
		{"CATEQUIZ_GRPC_ADDR", str(&c.HTTP.GRPCAddr)},
		{"CATEQUIZ_RATE_BURST", integer(&c.HTTP.RateBurst)},
		{"CATEQUIZ_RATE_PER_SEC", float(&c.HTTP.RatePerSec)},
		{"CATEQUIZ_MAX_BODY_BYTES", int64v(&c.HTTP.MaxBodyBytes)},
		{"CATEQUIZ_CORS_ORIGINS", list(&c.HTTP.CORSOrigins)},
		{"CATEQUIZ_STORAGE", str(&c.Storage.Backend)},
		{"CATEQUIZ_BADGER_PATH", str(&c.Storage.Badger.Path)},
		{"CATEQUIZ_BADGER_IN_MEMORY", boolean(&c.Storage.Badger.InMemory)},
		{"CATEQUIZ_BADGER_SYNC_WRITES", boolean(&c.Storage.Badger.SyncWrites)},
		{"CATEQUIZ_BADGER_GC_INTERVAL", duration(&c.Storage.Badger.GCInterval)},
		{"CATEQUIZ_PG_DSN", str(&c.Storage.Postgres.DSN)},
		{"CATEQUIZ_PG_MAX_OPEN_CONNS", integer(&c.Storage.Postgres.MaxOpenConns)},
		{"CATEQUIZ_AUTH_SECRET", str(&c.Auth.Secret)},
		{"CATEQUIZ_TOKEN_TTL", duration(&c.Auth.TokenTTL)},
		{"CATEQUIZ_OPENAI_API_KEY", str(&c.AI.APIKey)},
		{"OPENAI_API_KEY", str(&c.AI.APIKey)},
		{"CATEQUIZ_AI_MODEL", str(&c.AI.Model)},
		{"CATEQUIZ_AI_BASE_URL", str(&c.AI.BaseURL)},
		{"CATEQUIZ_AI_TIMEOUT", duration(&c.AI.Timeout)},
		{"CATEQUIZ_QUIZ_VALIDITY", duration(&c.Quiz.Validity)},
		{"CATEQUIZ_XP_TIMEZONE", str(&c.XP.Timezone)},
		{"CATEQUIZ_LOG_LEVEL", str(&c.Log.Level)},
	}
	for _, b := range bindings {
		v, ok := lookup(b.name)
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		// OPENAI_API_KEY only fills a key nobody configured.
		if b.name == "OPENAI_API_KEY" && c.AI.APIKey != "" {
			continue
		}
		if err := b.set(v); err != nil {
			return fmt.Errorf("%s: %w", b.name, err)
		}
	}
	return nil
}
