package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Paths lists the on-disk locations a configuration writes to. Empty
// fields mean the feature does not touch the filesystem.
type Paths struct {
	LedgerDir string
	KeyDir    string
	LogsDir   string
}

// Paths resolves the directories the configured ledger, key file and log
// file live in.
func (c *Config) Paths() Paths {
	var p Paths
	if c.Ledger.Driver == DriverSQLite && c.Ledger.DSN != "" && c.Ledger.DSN != ":memory:" {
		p.LedgerDir = parentDir(sqlitePath(c.Ledger.DSN))
	}
	if c.Ledger.SigningKeyFile != "" {
		p.KeyDir = parentDir(c.Ledger.SigningKeyFile)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath != "" {
		p.LogsDir = parentDir(c.Logging.FilePath)
	}
	return p
}

// EnsureDirectories creates every non-empty directory in p.
func (p Paths) EnsureDirectories() error {
	logger := slog.Default()
	for _, dir := range []string{p.LedgerDir, p.KeyDir, p.LogsDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		logger.Debug("Ensured directory exists", slog.String("directory", dir))
	}
	return nil
}

// sqlitePath strips the file: scheme and query from a SQLite DSN.
func sqlitePath(dsn string) string {
	if len(dsn) > 5 && dsn[:5] == "file:" {
		dsn = dsn[5:]
	}
	for i := 0; i < len(dsn); i++ {
		if dsn[i] == '?' {
			return dsn[:i]
		}
	}
	return dsn
}

func parentDir(path string) string {
	dir := filepath.Dir(path)
	if dir == "." {
		return ""
	}
	return dir
}

// FileExists checks if a file exists
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
