package config

import "time"

// Application info
const (
	AppName    = "defence-engine"
	AppVersion = "1.0.0"
)

// Ledger store drivers
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

const (
	DefaultRotationInterval = 30 * time.Second
	DefaultRotationCount    = 1000
	DefaultTrapBurst        = 1000

	// SigningSeedSize is the ed25519 seed length in bytes.
	SigningSeedSize = 32
)

// DefaultAlgorithms mirrors the classic four-way combination.
var DefaultAlgorithms = []string{"sha3-256", "sha3-512", "blake2b-256", "blake2s-256"}

// LayerPass is the layer group repeated once per security-level pass.
var LayerPass = []string{"substitute", "permute", "xor"}

// SecurityLevels maps a named level to its number of layer passes.
var SecurityLevels = map[string]int{
	"basic":    1,
	"standard": 3,
	"high":     5,
	"maximum":  8,
	"quantum":  12,
}

var knownLayers = map[string]bool{"substitute": true, "permute": true, "xor": true}

var knownEncodings = map[string]bool{"base64": true, "hex": true, "base58": true, "binary": true}

func knownLayer(name string) bool { return knownLayers[name] }

func knownEncoding(name string) bool { return knownEncodings[name] }
