package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		env         map[string]string
		file        string
		wantErr     string
		validateCfg func(*testing.T, *Config)
	}{
		{
			name: "defaults with no file or env",
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, DefaultAlgorithms, cfg.Hash.Algorithms)
				assert.Equal(t, "high", cfg.Hash.SecurityLevel)
				assert.Equal(t, 30*time.Second, cfg.Rotation.Interval)
				assert.Equal(t, uint64(1000), cfg.Rotation.CountThreshold)
				assert.Equal(t, 1000, cfg.Workers.TrapBurst)
				assert.Equal(t, DriverSQLite, cfg.Ledger.Driver)
				assert.Equal(t, 0.7, cfg.Classifier.ThreatThreshold)
			},
		},
		{
			name: "file overlays defaults",
			file: `
hash:
  algorithms: [sha256, blake3]
  encoding: hex
cache:
  capacity: 64
  shards: 4
`,
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, []string{"sha256", "blake3"}, cfg.Hash.Algorithms)
				assert.Equal(t, "hex", cfg.Hash.Encoding)
				assert.Equal(t, 64, cfg.Cache.Capacity)
				assert.Equal(t, 4, cfg.Cache.Shards)
				assert.Equal(t, 1024, cfg.Workers.QueueBound)
			},
		},
		{
			name: "env wins over file",
			file: "server:\n  port: 9000\n",
			env: map[string]string{
				"DEFENCE_SERVER_PORT":     "9100",
				"DEFENCE_HASH_ALGORITHMS": "sha512,blake3",
				"DEFENCE_LEDGER_DRIVER":   "memory",
			},
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9100, cfg.Server.Port)
				assert.Equal(t, []string{"sha512", "blake3"}, cfg.Hash.Algorithms)
				assert.Equal(t, DriverMemory, cfg.Ledger.Driver)
			},
		},
		{
			name:    "unknown ledger driver",
			env:     map[string]string{"DEFENCE_LEDGER_DRIVER": "mongo"},
			wantErr: "unknown ledger driver",
		},
		{
			name:    "malformed signing key",
			env:     map[string]string{"DEFENCE_LEDGER_SIGNING_KEY": "abcd"},
			wantErr: "signing key",
		},
		{
			name:    "unknown security level",
			file:    "hash:\n  security_level: extreme\n",
			wantErr: "unknown security level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			path := ""
			if tt.file != "" {
				path = filepath.Join(t.TempDir(), "defence.yaml")
				require.NoError(t, os.WriteFile(path, []byte(tt.file), 0o600))
			}

			cfg, err := Load(path)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.validateCfg(t, cfg)
		})
	}
}

func TestHashConfig_LayerOrder(t *testing.T) {
	tests := []struct {
		name  string
		cfg   HashConfig
		count int
		last  string
	}{
		{"basic level", HashConfig{SecurityLevel: "basic", Encoding: "base64"}, 3 + 1, "base64"},
		{"quantum level", HashConfig{SecurityLevel: "QUANTUM", Encoding: "hex"}, 36 + 1, "hex"},
		{"explicit layers win", HashConfig{SecurityLevel: "maximum", Layers: []string{"xor", " Permute "}, Encoding: "base58"}, 3, "base58"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			layers, err := tt.cfg.LayerOrder()
			require.NoError(t, err)
			assert.Len(t, layers, tt.count)
			assert.Equal(t, tt.last, layers[len(layers)-1])
			for _, l := range layers {
				assert.Equal(t, strings.ToLower(strings.TrimSpace(l)), l)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid default", func(*Config) {}, ""},
		{"no algorithms", func(c *Config) { c.Hash.Algorithms = nil }, "hash algorithm"},
		{"bad encoding", func(c *Config) { c.Hash.Encoding = "rot13" }, "unknown encoding"},
		{"bad layer", func(c *Config) { c.Hash.Layers = []string{"shuffle"} }, "unknown obfuscation layer"},
		{"no rotation trigger", func(c *Config) { c.Rotation.Interval = 0; c.Rotation.CountThreshold = 0 }, "rotation trigger"},
		{"zero capacity", func(c *Config) { c.Cache.Capacity = 0 }, "cache capacity"},
		{"too many shards", func(c *Config) { c.Cache.Capacity = 2; c.Cache.Shards = 3 }, "cache shards"},
		{"zero queue", func(c *Config) { c.Workers.QueueBound = 0 }, "queue bound"},
		{"redis without address", func(c *Config) { c.Ledger.Driver = DriverRedis }, "redis_addr"},
		{"threshold out of range", func(c *Config) { c.Classifier.ThreatThreshold = 1.5 }, "threat threshold"},
		{"negative rate limit", func(c *Config) { c.Server.RateLimitRPS = -1 }, "rate limit must not be negative"},
		{"rate limit without burst", func(c *Config) { c.Server.RateLimitBurst = 0 }, "burst must be positive"},
		{"rate limit disabled", func(c *Config) { c.Server.RateLimitRPS = 0; c.Server.RateLimitBurst = 0 }, ""},
		{"negative license cache ttl", func(c *Config) { c.Server.LicenseCacheTTL = -time.Second }, "license cache ttl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWorkerConfig_Size(t *testing.T) {
	assert.Equal(t, 3, WorkerConfig{PoolSize: 3}.Size())
	assert.Greater(t, WorkerConfig{}.Size(), 0)
}
