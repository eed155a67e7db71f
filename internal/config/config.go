// Package config reads process configuration from the environment, an
// optional .env file and an optional YAML policy file.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	StoreDynamoDB = "dynamodb"
	StoreSQLite   = "sqlite"
	StoreMySQL    = "mysql"

	defaultHTTPAddr  = ":8080"
	defaultSQLiteDSN = "file:support-assistant.db?_pragma=busy_timeout(5000)"
)

// Policy holds the tunable product numbers. Every field can be set in the
// policy file and overridden by its environment variable.
type Policy struct {
	GuestDailyLimit      int           `yaml:"guest_daily_limit"`
	RegisteredDailyLimit int           `yaml:"registered_daily_limit"`
	TitleMaxLength       int           `yaml:"title_max_length"`
	MaxMessageLength     int           `yaml:"max_message_length"`
	UpstreamIdleTimeout  time.Duration `yaml:"upstream_idle_timeout"`
	PersistTimeout       time.Duration `yaml:"persist_timeout"`
	TokenTTL             time.Duration `yaml:"token_ttl"`
}

func DefaultPolicy() Policy {
	return Policy{
		GuestDailyLimit:      20,
		RegisteredDailyLimit: 100,
		TitleMaxLength:       20,
		MaxMessageLength:     2000,
		UpstreamIdleTimeout:  60 * time.Second,
		PersistTimeout:       10 * time.Second,
		TokenTTL:             720 * time.Hour,
	}
}

type policyFile struct {
	Policy Policy `yaml:"policy"`
}

type Config struct {
	HTTPAddr    string
	StoreDriver string
	StateTable  string
	DatabaseDSN string
	ParamPrefix string

	DashScopeAPIKey  string
	DashScopeAppID   string
	DashScopeBaseURL string

	JWTSecret  string
	LogLevel   slog.Level
	PolicyFile string
	Policy     Policy
}

// Load reads .env (if present) into the process environment and then builds
// the configuration from it.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds the configuration from getenv.
func FromEnv(getenv func(string) string) (Config, error) {
	env := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	cfg := Config{
		HTTPAddr:         env("HTTP_ADDR", defaultHTTPAddr),
		StoreDriver:      strings.ToLower(env("STORE_DRIVER", StoreSQLite)),
		StateTable:       env("STATE_TABLE", ""),
		DatabaseDSN:      env("DATABASE_DSN", ""),
		ParamPrefix:      env("PARAM_PREFIX", ""),
		DashScopeAPIKey:  env("DASHSCOPE_API_KEY", ""),
		DashScopeAppID:   env("DASHSCOPE_APP_ID", ""),
		DashScopeBaseURL: env("DASHSCOPE_BASE_URL", ""),
		JWTSecret:        env("JWT_SECRET", ""),
		PolicyFile:       env("POLICY_FILE", ""),
		Policy:           DefaultPolicy(),
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(env("LOG_LEVEL", "INFO"))); err != nil {
		return Config{}, fmt.Errorf("config: LOG_LEVEL: %w", err)
	}

	switch cfg.StoreDriver {
	case StoreDynamoDB:
		if cfg.StateTable == "" {
			return Config{}, errors.New("config: STATE_TABLE is required for the dynamodb store")
		}
	case StoreMySQL:
		if cfg.DatabaseDSN == "" {
			return Config{}, errors.New("config: DATABASE_DSN is required for the mysql store")
		}
	case StoreSQLite:
		if cfg.DatabaseDSN == "" {
			cfg.DatabaseDSN = defaultSQLiteDSN
		}
	default:
		return Config{}, fmt.Errorf("config: unsupported STORE_DRIVER %q", cfg.StoreDriver)
	}

	if cfg.PolicyFile != "" {
		if err := readPolicyFile(cfg.PolicyFile, &cfg.Policy); err != nil {
			return Config{}, err
		}
	}
	if err := applyPolicyEnv(getenv, &cfg.Policy); err != nil {
		return Config{}, err
	}
	if err := cfg.Policy.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NewLogger returns a JSON slog logger at the configured level.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: c.LogLevel}))
}

// readPolicyFile overlays the policy block of path onto p. Keys missing from
// the file keep their current values.
func readPolicyFile(path string, p *Policy) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read policy file %s: %w", path, err)
	}
	pf := policyFile{Policy: *p}
	if err := yaml.Unmarshal(b, &pf); err != nil {
		return fmt.Errorf("config: parse policy file %s: %w", path, err)
	}
	*p = pf.Policy
	return nil
}

func applyPolicyEnv(getenv func(string) string, p *Policy) error {
	ints := []struct {
		key string
		dst *int
	}{
		{"GUEST_DAILY_LIMIT", &p.GuestDailyLimit},
		{"REGISTERED_DAILY_LIMIT", &p.RegisteredDailyLimit},
		{"TITLE_MAX_LENGTH", &p.TitleMaxLength},
		{"MAX_MESSAGE_LENGTH", &p.MaxMessageLength},
	}
	for _, f := range ints {
		v := strings.TrimSpace(getenv(f.key))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", f.key, err)
		}
		*f.dst = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"UPSTREAM_IDLE_TIMEOUT", &p.UpstreamIdleTimeout},
		{"PERSIST_TIMEOUT", &p.PersistTimeout},
		{"TOKEN_TTL", &p.TokenTTL},
	}
	for _, f := range durations {
		v := strings.TrimSpace(getenv(f.key))
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", f.key, err)
		}
		*f.dst = d
	}
	return nil
}

func (p Policy) validate() error {
	switch {
	case p.GuestDailyLimit <= 0:
		return errors.New("config: guest_daily_limit must be positive")
	case p.RegisteredDailyLimit <= 0:
		return errors.New("config: registered_daily_limit must be positive")
	case p.TitleMaxLength <= 0:
		return errors.New("config: title_max_length must be positive")
	case p.MaxMessageLength <= 0:
		return errors.New("config: max_message_length must be positive")
	case p.UpstreamIdleTimeout <= 0, p.PersistTimeout <= 0, p.TokenTTL <= 0:
		return errors.New("config: timeouts must be positive")
	}
	return nil
}
