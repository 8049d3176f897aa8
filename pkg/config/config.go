package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ServerAddr   string   `yaml:"server_addr"`
	APIBasePath  string   `yaml:"api_base_path"`
	TrustProxy   bool     `yaml:"trust_proxy"`
	MaxBodyBytes int64    `yaml:"max_body_bytes"` // request body cap
	Outputs      []string `yaml:"outputs"`        // enabled sinks: log, kafka, postgres, nats
	TestMode     bool     `yaml:"test_mode"`

	EnableHTTPS bool   `yaml:"enable_https"`
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`

	HMACSecret  string `yaml:"hmac_secret"`
	RequireHMAC bool   `yaml:"require_hmac"`

	SessionStore    string        `yaml:"session_store"` // memory or redis
	Redis           RedisConfig   `yaml:"redis"`
	SessionTTL      time.Duration `yaml:"session_ttl"`
	RebindThreshold float64       `yaml:"rebind_threshold"`

	ValidateInterval time.Duration `yaml:"validate_interval"`
	ValidateTimeout  time.Duration `yaml:"validate_timeout"`
	AuthorityURL     string        `yaml:"authority_url"`

	Incidents IncidentConfig `yaml:"incidents"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // json or console
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type IncidentConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxAttempts   int           `yaml:"max_attempts"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	RateRPS       float64       `yaml:"rate_rps"` // per-IP intake limit
	RateBurst     int           `yaml:"rate_burst"`
}

func getOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func getBool(k string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(k)))
	switch v {
	case "1", "t", "true", "y", "yes":
		return true
	case "0", "f", "false", "n", "no":
		return false
	}
	return def
}
func getInt64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}
func getInt(k string, def int) int {
	return int(getInt64(k, int64(def)))
}
func getFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

// getDuration accepts Go durations ("30s") or plain milliseconds ("1500").
func getDuration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

func getStringSlice(k, def string) []string {
	v := os.Getenv(k)
	if v == "" {
		v = def
	}
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		ServerAddr:   ":19890",
		APIBasePath:  "/api/v1",
		MaxBodyBytes: 1 << 20, // 1 MiB
		Outputs:      []string{"log"},

		SessionStore:    "memory",
		Redis:           RedisConfig{Addr: "localhost:6379"},
		SessionTTL:      time.Hour,
		RebindThreshold: 0.8,

		ValidateInterval: 30 * time.Second,
		ValidateTimeout:  10 * time.Second,
		AuthorityURL:     "http://localhost:19890",

		Incidents: IncidentConfig{
			BatchSize:     10,
			FlushInterval: 5 * time.Second,
			MaxAttempts:   3,
			BaseDelay:     time.Second,
			MaxDelay:      30 * time.Second,
			RateRPS:       5,
			RateBurst:     20,
		},

		LogLevel:  "info",
		LogFormat: "json",
	}
}

// Load reads the configuration from environment variables.
func Load() Config {
	cfg := Defaults()
	applyEnv(&cfg)
	return cfg
}

// LoadFile reads a YAML file over the defaults, then applies environment
// overrides.
func LoadFile(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyEnv(&cfg)
	return cfg, nil
}

// applyEnv overrides cfg with any variable that is set.
func applyEnv(cfg *Config) {
	cfg.ServerAddr = getOr("SERVER_ADDR", cfg.ServerAddr)
	cfg.APIBasePath = getOr("API_BASE_PATH", cfg.APIBasePath)
	cfg.TrustProxy = getBool("TRUST_PROXY", cfg.TrustProxy)
	cfg.MaxBodyBytes = getInt64("MAX_BODY_BYTES", cfg.MaxBodyBytes)
	cfg.Outputs = getStringSlice("OUTPUTS", strings.Join(cfg.Outputs, ","))
	cfg.TestMode = getBool("TEST_MODE", cfg.TestMode)

	cfg.EnableHTTPS = getBool("ENABLE_HTTPS", cfg.EnableHTTPS)
	cfg.TLSCertFile = getOr("SSL_CERT_FILE", cfg.TLSCertFile)
	cfg.TLSKeyFile = getOr("SSL_KEY_FILE", cfg.TLSKeyFile)

	cfg.HMACSecret = getOr("HMAC_SECRET", cfg.HMACSecret)
	cfg.RequireHMAC = getBool("REQUIRE_HMAC", cfg.RequireHMAC)

	cfg.SessionStore = getOr("SESSION_STORE", cfg.SessionStore)
	cfg.Redis.Addr = getOr("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getOr("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getInt("REDIS_DB", cfg.Redis.DB)
	cfg.SessionTTL = getDuration("SESSION_TTL", cfg.SessionTTL)
	cfg.RebindThreshold = getFloat("REBIND_THRESHOLD", cfg.RebindThreshold)

	cfg.ValidateInterval = getDuration("VALIDATE_INTERVAL", cfg.ValidateInterval)
	cfg.ValidateTimeout = getDuration("VALIDATE_TIMEOUT", cfg.ValidateTimeout)
	cfg.AuthorityURL = getOr("AUTHORITY_URL", cfg.AuthorityURL)

	cfg.Incidents.BatchSize = getInt("INCIDENT_BATCH_SIZE", cfg.Incidents.BatchSize)
	cfg.Incidents.FlushInterval = getDuration("INCIDENT_FLUSH_INTERVAL", cfg.Incidents.FlushInterval)
	cfg.Incidents.MaxAttempts = getInt("INCIDENT_MAX_ATTEMPTS", cfg.Incidents.MaxAttempts)
	cfg.Incidents.BaseDelay = getDuration("INCIDENT_BASE_DELAY", cfg.Incidents.BaseDelay)
	cfg.Incidents.MaxDelay = getDuration("INCIDENT_MAX_DELAY", cfg.Incidents.MaxDelay)
	cfg.Incidents.RateRPS = getFloat("INCIDENT_RATE_RPS", cfg.Incidents.RateRPS)
	cfg.Incidents.RateBurst = getInt("INCIDENT_RATE_BURST", cfg.Incidents.RateBurst)

	cfg.LogLevel = getOr("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getOr("LOG_FORMAT", cfg.LogFormat)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.SessionStore != "memory" && c.SessionStore != "redis" {
		errs = append(errs, fmt.Errorf("SESSION_STORE must be memory or redis, got %q", c.SessionStore))
	}
	if c.RebindThreshold < 0 || c.RebindThreshold > 1 {
		errs = append(errs, fmt.Errorf("REBIND_THRESHOLD must be within [0,1], got %v", c.RebindThreshold))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("SESSION_TTL must be positive"))
	}
	if c.ValidateInterval <= 0 || c.ValidateTimeout <= 0 {
		errs = append(errs, errors.New("VALIDATE_INTERVAL and VALIDATE_TIMEOUT must be positive"))
	}
	if c.Incidents.BatchSize <= 0 {
		errs = append(errs, errors.New("INCIDENT_BATCH_SIZE must be positive"))
	}
	if c.Incidents.MaxAttempts < 1 {
		errs = append(errs, errors.New("INCIDENT_MAX_ATTEMPTS must be at least 1"))
	}
	if c.Incidents.MaxDelay < c.Incidents.BaseDelay {
		errs = append(errs, errors.New("INCIDENT_MAX_DELAY must not be below INCIDENT_BASE_DELAY"))
	}
	if c.RequireHMAC && c.HMACSecret == "" {
		errs = append(errs, errors.New("REQUIRE_HMAC needs HMAC_SECRET"))
	}
	if c.EnableHTTPS && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		errs = append(errs, errors.New("ENABLE_HTTPS needs SSL_CERT_FILE and SSL_KEY_FILE"))
	}
	return errors.Join(errs...)
}
