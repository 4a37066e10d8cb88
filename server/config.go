package server

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mnehpets/instantapi/middleware"
)

const (
	envPort           = "PORT"
	envAddr           = "INSTANTAPI_ADDR"
	envTimeout        = "INSTANTAPI_TIMEOUT"
	envBodyLimit      = "INSTANTAPI_BODY_LIMIT"
	envRateLimitRPS   = "INSTANTAPI_RATE_LIMIT_RPS"
	envRateLimitBurst = "INSTANTAPI_RATE_LIMIT_BURST"
	envPingInterval   = "INSTANTAPI_PING_INTERVAL"
	envUserKey        = "INSTANTAPI_USER_KEY"
	envEnv            = "INSTANTAPI_ENV"
	envTrustProxy     = "INSTANTAPI_TRUST_PROXY"
	envAllowedOrigins = "INSTANTAPI_ALLOWED_ORIGINS"
)

// Config holds the server settings. Zero values in a YAML file leave the
// defaults in place.
type Config struct {
	// Addr is the listen address. When empty, ":<Port>" is used.
	Addr string `yaml:"addr"`
	Port int    `yaml:"port"`
	// Timeout bounds each HTTP request and each WebSocket message.
	Timeout time.Duration `yaml:"timeout"`
	// BodyLimit caps HTTP bodies and WebSocket frames, in bytes.
	BodyLimit      int64   `yaml:"bodyLimit"`
	RateLimitRPS   float64 `yaml:"rateLimitRPS"`
	RateLimitBurst int     `yaml:"rateLimitBurst"`
	// PingInterval is the WebSocket ping notification period. Negative
	// disables pings.
	PingInterval time.Duration `yaml:"pingInterval"`
	// UserKey is a hex-encoded 32-byte key for the sealed user cookie. Empty
	// disables user resolution.
	UserKey        string   `yaml:"userKey"`
	Env            string   `yaml:"env"`
	TrustProxy     bool     `yaml:"trustProxy"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Port:         3000,
		Timeout:      30 * time.Second,
		BodyLimit:    5000 * 1024,
		PingInterval: 20 * time.Second,
		Env:          "development",
	}
}

// LoadConfig builds a Config from defaults, then the YAML file at path (if
// path is non-empty), then environment variables. Variables from envFiles
// (default ".env", skipped when absent) are loaded first and never override
// variables already set.
func LoadConfig(path string, envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("loading .env: %w", err)
		}
	} else if err := godotenv.Load(envFiles...); err != nil {
		return Config{}, fmt.Errorf("loading env files: %w", err)
	}

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	var errs *multierror.Error
	if err := applyEnv(&cfg); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := cfg.Validate(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return cfg, errs.ErrorOrNil()
}

func applyEnv(cfg *Config) error {
	var errs *multierror.Error
	lookup := func(key string) (string, bool) {
		v, ok := os.LookupEnv(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	parse := func(key string, fn func(string) error) {
		if v, ok := lookup(key); ok {
			if err := fn(v); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
	}

	parse(envPort, func(v string) (err error) {
		cfg.Port, err = strconv.Atoi(v)
		return err
	})
	parse(envAddr, func(v string) error {
		cfg.Addr = v
		return nil
	})
	parse(envTimeout, func(v string) (err error) {
		cfg.Timeout, err = time.ParseDuration(v)
		return err
	})
	parse(envBodyLimit, func(v string) (err error) {
		cfg.BodyLimit, err = parseSize(v)
		return err
	})
	parse(envRateLimitRPS, func(v string) (err error) {
		cfg.RateLimitRPS, err = strconv.ParseFloat(v, 64)
		return err
	})
	parse(envRateLimitBurst, func(v string) (err error) {
		cfg.RateLimitBurst, err = strconv.Atoi(v)
		return err
	})
	parse(envPingInterval, func(v string) (err error) {
		cfg.PingInterval, err = time.ParseDuration(v)
		return err
	})
	parse(envUserKey, func(v string) error {
		cfg.UserKey = v
		return nil
	})
	parse(envEnv, func(v string) error {
		cfg.Env = strings.ToLower(v)
		return nil
	})
	parse(envTrustProxy, func(v string) (err error) {
		cfg.TrustProxy, err = strconv.ParseBool(v)
		return err
	})
	parse(envAllowedOrigins, func(v string) error {
		cfg.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
		return nil
	})
	return errs.ErrorOrNil()
}

// parseSize accepts a byte count with an optional kb or mb suffix
// (multiples of 1024).
func parseSize(v string) (int64, error) {
	s := strings.ToLower(strings.TrimSpace(v))
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "kb"):
		mult, s = 1024, strings.TrimSuffix(s, "kb")
	case strings.HasSuffix(s, "mb"):
		mult, s = 1024*1024, strings.TrimSuffix(s, "mb")
	case strings.HasSuffix(s, "b"):
		s = strings.TrimSuffix(s, "b")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", v)
	}
	return n * mult, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs *multierror.Error
	if c.Addr == "" && (c.Port < 0 || c.Port > 65535) {
		errs = multierror.Append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Addr); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("addr: %w", err))
		}
	}
	if c.Timeout <= 0 {
		errs = multierror.Append(errs, errors.New("timeout must be positive"))
	}
	if c.BodyLimit <= 0 {
		errs = multierror.Append(errs, errors.New("body limit must be positive"))
	}
	if c.RateLimitRPS < 0 {
		errs = multierror.Append(errs, errors.New("rate limit rps must not be negative"))
	}
	if c.RateLimitBurst < 0 {
		errs = multierror.Append(errs, errors.New("rate limit burst must not be negative"))
	}
	if c.UserKey != "" {
		if _, err := c.userKey(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (c Config) userKey() ([]byte, error) {
	key, err := hex.DecodeString(c.UserKey)
	if err != nil {
		return nil, fmt.Errorf("user key: %w", err)
	}
	if len(key) != middleware.KeySize {
		return nil, fmt.Errorf("user key: got %d bytes, want %d", len(key), middleware.KeySize)
	}
	return key, nil
}

// ListenAddr is Addr, or ":<Port>" when Addr is empty.
func (c Config) ListenAddr() string {
	if c.Addr != "" {
		return c.Addr
	}
	return net.JoinHostPort("", strconv.Itoa(c.Port))
}

// Production reports whether Env is "production", which silences request
// logging and marks the user cookie Secure.
func (c Config) Production() bool {
	return c.Env == "production"
}
