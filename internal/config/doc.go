// Package config provides centralized configuration for the defence engine.
//
// # Configuration Sources
//
// Configuration is assembled from the following sources in order of precedence:
//
//  1. Environment variables (highest priority)
//  2. A YAML configuration file
//  3. Default values (lowest priority)
//
// # Environment Variables
//
// All environment variables follow the pattern DEFENCE_<SECTION>_<FIELD>:
//
//	DEFENCE_HASH_ALGORITHMS=sha3-256,blake3
//	DEFENCE_ROTATION_INTERVAL=30s
//	DEFENCE_WORKERS_POOL_SIZE=8
//	DEFENCE_LEDGER_DRIVER=postgres
//	DEFENCE_LEDGER_DSN=postgres://...
//
// # Security Levels
//
// Hash.SecurityLevel expands into repeated substitute/permute/xor passes:
//
//	basic=1  standard=3  high=5  maximum=8  quantum=12
//
// Hash.Layers overrides the level with an explicit order. The final
// encoding is always appended last.
package config
