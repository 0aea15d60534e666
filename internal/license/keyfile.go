package license

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/crypto/scrypt"

	"github.com/darshitp091/Defence-Engine/internal/config"
	"github.com/darshitp091/Defence-Engine/internal/digest"
)

// scryptParams controls passphrase stretching for sealed key files.
type scryptParams struct {
	N, R, P int
}

var defaultScrypt = scryptParams{N: 32768, R: 8, P: 1}

// sealedSeed is the on-disk form of a passphrase protected signing seed.
type sealedSeed struct {
	Version    uint8  `json:"version"`
	N          int    `json:"n"`
	R          int    `json:"r"`
	P          int    `json:"p"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

func seedAEAD(passphrase, salt []byte, p scryptParams) (cipher.AEAD, error) {
	key, err := scrypt.Key(passphrase, salt, p.N, p.R, p.P, 32)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	defer clear(key)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// SealSeed encrypts seed with AES-256-GCM under a scrypt derived key.
func SealSeed(seed, passphrase []byte) ([]byte, error) {
	return sealSeed(seed, passphrase, defaultScrypt)
}

func sealSeed(seed, passphrase []byte, p scryptParams) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("passphrase cannot be empty")
	}
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	gcm, err := seedAEAD(passphrase, salt, p)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return json.Marshal(sealedSeed{
		Version:    1,
		N:          p.N,
		R:          p.R,
		P:          p.P,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, seed, nil),
	})
}

// OpenSeed reverses SealSeed. A wrong passphrase fails authentication.
func OpenSeed(data, passphrase []byte) ([]byte, error) {
	var s sealedSeed
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("invalid sealed key file: %w", err)
	}
	if s.Version != 1 {
		return nil, fmt.Errorf("unsupported sealed key version %d", s.Version)
	}
	gcm, err := seedAEAD(passphrase, s.Salt, scryptParams{N: s.N, R: s.R, P: s.P})
	if err != nil {
		return nil, err
	}
	if len(s.Nonce) != gcm.NonceSize() {
		return nil, errors.New("invalid nonce size")
	}
	seed, err := gcm.Open(nil, s.Nonce, s.Ciphertext, nil)
	if err != nil {
		return nil, errors.New("failed to decrypt signing key: wrong passphrase or corrupt file")
	}
	return seed, nil
}

// LoadSigner resolves the signing key: an inline hex seed, then a key file
// (created on first use), then an ephemeral key that dies with the process.
func LoadSigner(cfg config.LedgerConfig, combiner *digest.Combiner, logger *slog.Logger) (*Signer, error) {
	if cfg.SigningKey != "" {
		return NewSignerFromHex(cfg.SigningKey, combiner)
	}
	if cfg.SigningKeyFile != "" {
		return loadOrCreateKeyFile(cfg.SigningKeyFile, []byte(cfg.KeyPassphrase), combiner, logger)
	}

	logger.Warn("no signing key configured, using an ephemeral key; issued licenses will not verify after restart")
	seed, err := GenerateSeed()
	if err != nil {
		return nil, err
	}
	return NewSigner(seed, combiner)
}

func loadOrCreateKeyFile(path string, passphrase []byte, combiner *digest.Combiner, logger *slog.Logger) (*Signer, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		seed, err := decodeKeyFile(data, passphrase)
		if err != nil {
			return nil, fmt.Errorf("signing key %s: %w", path, err)
		}
		return NewSigner(seed, combiner)
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}

	seed, err := GenerateSeed()
	if err != nil {
		return nil, err
	}
	var out []byte
	if len(passphrase) > 0 {
		if out, err = SealSeed(seed, passphrase); err != nil {
			return nil, err
		}
	} else {
		out = []byte(hex.EncodeToString(seed))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write signing key: %w", err)
	}
	logger.Info("generated new signing key",
		slog.String("path", path),
		slog.Bool("sealed", len(passphrase) > 0),
	)
	return NewSigner(seed, combiner)
}

func decodeKeyFile(data, passphrase []byte) ([]byte, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		if len(passphrase) == 0 {
			return nil, errors.New("key file is sealed but no passphrase is configured")
		}
		return OpenSeed(data, passphrase)
	}
	return hex.DecodeString(string(data))
}
