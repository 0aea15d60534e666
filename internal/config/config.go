package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix namespaces every environment variable read by Load.
const EnvPrefix = "DEFENCE"

// Config represents the complete engine configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" envconfig:"SERVER"`
	Logging    LoggingConfig    `yaml:"logging" envconfig:"LOGGING"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" envconfig:"TELEMETRY"`
	Hash       HashConfig       `yaml:"hash" envconfig:"HASH"`
	Rotation   RotationConfig   `yaml:"rotation" envconfig:"ROTATION"`
	Cache      CacheConfig      `yaml:"cache" envconfig:"CACHE"`
	Workers    WorkerConfig     `yaml:"workers" envconfig:"WORKERS"`
	Ledger     LedgerConfig     `yaml:"ledger" envconfig:"LEDGER"`
	Classifier ClassifierConfig `yaml:"classifier" envconfig:"CLASSIFIER"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host" envconfig:"HOST"`
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`

	// CORSOrigins lists browser origins allowed to call the API; "*" allows any.
	CORSOrigins []string `yaml:"cors_origins" envconfig:"CORS_ORIGINS"`
	// RateLimitRPS caps requests per second across all clients. 0 disables it.
	RateLimitRPS   float64 `yaml:"rate_limit_rps" envconfig:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" envconfig:"RATE_LIMIT_BURST"`
	// RequireLicense puts the hash and threat endpoints behind X-License-Key.
	RequireLicense  bool          `yaml:"require_license" envconfig:"REQUIRE_LICENSE"`
	LicenseCacheTTL time.Duration `yaml:"license_cache_ttl" envconfig:"LICENSE_CACHE_TTL"`
}

// Address returns the listen address for the HTTP server.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Format   string `yaml:"format" envconfig:"FORMAT"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// TelemetryConfig controls the OpenTelemetry providers
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" envconfig:"ENABLED"`
	ServiceName string `yaml:"service_name" envconfig:"SERVICE_NAME"`
	TraceStdout bool   `yaml:"trace_stdout" envconfig:"TRACE_STDOUT"`
}

// HashConfig selects the digest algorithms and the obfuscation layer order.
// An explicit Layers list wins over SecurityLevel.
type HashConfig struct {
	Algorithms    []string `yaml:"algorithms" envconfig:"ALGORITHMS"`
	SecurityLevel string   `yaml:"security_level" envconfig:"SECURITY_LEVEL"`
	Layers        []string `yaml:"layers" envconfig:"LAYERS"`
	Encoding      string   `yaml:"encoding" envconfig:"ENCODING"`
}

// LayerOrder resolves the configured obfuscation layers, ending with the encoding.
func (h HashConfig) LayerOrder() ([]string, error) {
	if len(h.Layers) > 0 {
		layers := make([]string, 0, len(h.Layers)+1)
		for _, l := range h.Layers {
			layers = append(layers, strings.ToLower(strings.TrimSpace(l)))
		}
		return append(layers, h.Encoding), nil
	}

	passes, ok := SecurityLevels[strings.ToLower(h.SecurityLevel)]
	if !ok {
		return nil, fmt.Errorf("unknown security level %q", h.SecurityLevel)
	}

	layers := make([]string, 0, passes*len(LayerPass)+1)
	for i := 0; i < passes; i++ {
		layers = append(layers, LayerPass...)
	}
	return append(layers, h.Encoding), nil
}

// RotationConfig controls key/salt rotation. A zero value disables a trigger.
type RotationConfig struct {
	Interval       time.Duration `yaml:"interval" envconfig:"INTERVAL"`
	CountThreshold uint64        `yaml:"count_threshold" envconfig:"COUNT_THRESHOLD"`
	KeySize        int           `yaml:"key_size" envconfig:"KEY_SIZE"`
}

// CacheConfig bounds the precomputation cache
type CacheConfig struct {
	Capacity      int  `yaml:"capacity" envconfig:"CAPACITY"`
	Shards        int  `yaml:"shards" envconfig:"SHARDS"`
	HotSet        bool `yaml:"hot_set" envconfig:"HOT_SET"`
	HotVariations int  `yaml:"hot_variations" envconfig:"HOT_VARIATIONS"`
}

// WorkerConfig sizes the hash worker pools
type WorkerConfig struct {
	PoolSize       int           `yaml:"pool_size" envconfig:"POOL_SIZE"`
	QueueBound     int           `yaml:"queue_bound" envconfig:"QUEUE_BOUND"`
	SubmitTimeout  time.Duration `yaml:"submit_timeout" envconfig:"SUBMIT_TIMEOUT"`
	TrapBurst      int           `yaml:"trap_burst" envconfig:"TRAP_BURST"`
	TrapWorkers    int           `yaml:"trap_workers" envconfig:"TRAP_WORKERS"`
	TrapQueueBound int           `yaml:"trap_queue_bound" envconfig:"TRAP_QUEUE_BOUND"`
}

// Size returns the effective pool size, defaulting to the number of CPUs.
func (w WorkerConfig) Size() int {
	if w.PoolSize <= 0 {
		return runtime.NumCPU()
	}
	return w.PoolSize
}

// LedgerConfig configures the license ledger and its store
type LedgerConfig struct {
	Driver            string        `yaml:"driver" envconfig:"DRIVER"`
	DSN               string        `yaml:"dsn" envconfig:"DSN"`
	RedisAddr         string        `yaml:"redis_addr" envconfig:"REDIS_ADDR"`
	RedisPassword     string        `yaml:"redis_password" envconfig:"REDIS_PASSWORD"`
	RedisDB           int           `yaml:"redis_db" envconfig:"REDIS_DB"`
	SigningKey        string        `yaml:"signing_key" envconfig:"SIGNING_KEY"`
	SigningKeyFile    string        `yaml:"signing_key_file" envconfig:"SIGNING_KEY_FILE"`
	KeyPassphrase     string        `yaml:"key_passphrase" envconfig:"KEY_PASSPHRASE"`
	KeyPrefix         string        `yaml:"key_prefix" envconfig:"KEY_PREFIX"`
	DefaultExpiryDays int           `yaml:"default_expiry_days" envconfig:"DEFAULT_EXPIRY_DAYS"`
	MaxRetries        int           `yaml:"max_retries" envconfig:"MAX_RETRIES"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay" envconfig:"RETRY_BASE_DELAY"`
	ValidateRPS       float64       `yaml:"validate_rps" envconfig:"VALIDATE_RPS"`
	ValidateBurst     int           `yaml:"validate_burst" envconfig:"VALIDATE_BURST"`
	LimiterCacheSize  int           `yaml:"limiter_cache_size" envconfig:"LIMITER_CACHE_SIZE"`
	TokenTTL          time.Duration `yaml:"token_ttl" envconfig:"TOKEN_TTL"`
}

// ClassifierConfig points at the remote threat classifier
type ClassifierConfig struct {
	Endpoint        string        `yaml:"endpoint" envconfig:"ENDPOINT"`
	APIKey          string        `yaml:"api_key" envconfig:"API_KEY"`
	Timeout         time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	ThreatThreshold float64       `yaml:"threat_threshold" envconfig:"THREAT_THRESHOLD"`
	MaxRetries      int           `yaml:"max_retries" envconfig:"MAX_RETRIES"`
	MonitorInterval time.Duration `yaml:"monitor_interval" envconfig:"MONITOR_INTERVAL"`
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in increasing order of precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = getConfigFilePath()
	}
	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays the YAML file onto cfg
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// getConfigFilePath returns the first config file found in the usual locations
func getConfigFilePath() string {
	locations := []string{
		"defence.yaml",
		"configs/defence.yaml",
		"../configs/defence.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return ""
}

// Validate checks a configuration built without Load.
func (c *Config) Validate() error {
	return c.validate()
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server timeouts must be positive")
	}
	if c.Server.RateLimitRPS < 0 {
		return fmt.Errorf("server rate limit must not be negative")
	}
	if c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst <= 0 {
		return fmt.Errorf("server rate limit burst must be positive")
	}
	if c.Server.LicenseCacheTTL < 0 {
		return fmt.Errorf("license cache ttl must not be negative")
	}

	if len(c.Hash.Algorithms) == 0 {
		return fmt.Errorf("at least one hash algorithm must be configured")
	}
	if !knownEncoding(c.Hash.Encoding) {
		return fmt.Errorf("unknown encoding %q", c.Hash.Encoding)
	}
	layers, err := c.Hash.LayerOrder()
	if err != nil {
		return err
	}
	for _, l := range layers[:len(layers)-1] {
		if !knownLayer(l) {
			return fmt.Errorf("unknown obfuscation layer %q", l)
		}
	}

	if c.Rotation.Interval < 0 {
		return fmt.Errorf("rotation interval must not be negative")
	}
	if c.Rotation.Interval == 0 && c.Rotation.CountThreshold == 0 {
		return fmt.Errorf("at least one rotation trigger must be enabled")
	}
	if c.Rotation.KeySize < 16 {
		return fmt.Errorf("rotation key size must be at least 16 bytes")
	}

	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache capacity must be positive")
	}
	if c.Cache.Shards <= 0 || c.Cache.Shards > c.Cache.Capacity {
		return fmt.Errorf("cache shards must be between 1 and capacity")
	}

	if c.Workers.QueueBound <= 0 {
		return fmt.Errorf("worker queue bound must be positive")
	}
	if c.Workers.SubmitTimeout <= 0 {
		return fmt.Errorf("worker submit timeout must be positive")
	}
	if c.Workers.TrapBurst <= 0 || c.Workers.TrapWorkers <= 0 || c.Workers.TrapQueueBound <= 0 {
		return fmt.Errorf("trap burst, workers and queue bound must be positive")
	}

	switch c.Ledger.Driver {
	case DriverMemory, DriverSQLite, DriverPostgres:
	case DriverRedis:
		if c.Ledger.RedisAddr == "" {
			return fmt.Errorf("redis ledger requires redis_addr")
		}
	default:
		return fmt.Errorf("unknown ledger driver %q", c.Ledger.Driver)
	}
	if c.Ledger.SigningKey != "" {
		seed, err := hex.DecodeString(c.Ledger.SigningKey)
		if err != nil || len(seed) != SigningSeedSize {
			return fmt.Errorf("signing key must be %d bytes of hex", SigningSeedSize)
		}
	}
	if c.Ledger.SigningKey != "" && c.Ledger.SigningKeyFile != "" {
		return fmt.Errorf("signing_key and signing_key_file are mutually exclusive")
	}
	if c.Ledger.MaxRetries < 0 {
		return fmt.Errorf("ledger max retries must not be negative")
	}

	if c.Classifier.ThreatThreshold < 0 || c.Classifier.ThreatThreshold > 1 {
		return fmt.Errorf("threat threshold must be within [0,1]")
	}
	if c.Classifier.MonitorInterval < 0 {
		return fmt.Errorf("monitor interval must not be negative")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		c.Logging.Level = "info"
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/defence.log"
	}

	return nil
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimitRPS:    200,
			RateLimitBurst:  400,
			LicenseCacheTTL: time.Minute,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "stdout",
			FilePath: "logs/defence.log",
		},
		Telemetry: TelemetryConfig{
			Enabled:     true,
			ServiceName: AppName,
		},
		Hash: HashConfig{
			Algorithms:    append([]string(nil), DefaultAlgorithms...),
			SecurityLevel: "high",
			Encoding:      "base64",
		},
		Rotation: RotationConfig{
			Interval:       DefaultRotationInterval,
			CountThreshold: DefaultRotationCount,
			KeySize:        32,
		},
		Cache: CacheConfig{
			Capacity:      100000,
			Shards:        16,
			HotSet:        true,
			HotVariations: 10,
		},
		Workers: WorkerConfig{
			QueueBound:     1024,
			SubmitTimeout:  2 * time.Second,
			TrapBurst:      DefaultTrapBurst,
			TrapWorkers:    1,
			TrapQueueBound: 4,
		},
		Ledger: LedgerConfig{
			Driver:            DriverSQLite,
			DSN:               "data/licenses.db",
			KeyPrefix:         "DEF",
			DefaultExpiryDays: 365,
			MaxRetries:        3,
			RetryBaseDelay:    100 * time.Millisecond,
			ValidateRPS:       50,
			ValidateBurst:     20,
			LimiterCacheSize:  10000,
			TokenTTL:          24 * time.Hour,
		},
		Classifier: ClassifierConfig{
			Timeout:         5 * time.Second,
			ThreatThreshold: 0.7,
			MaxRetries:      2,
			MonitorInterval: 30 * time.Second,
		},
	}
}
