package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/caarlos0/env/v11"
	"golang.org/x/crypto/bcrypt"
)

// KeyConfig holds configuration for hashing and verifying the operator and
// transport keys that are exchanged for bearer tokens.
type KeyConfig struct {
	BcryptCost int    `env:"BCRYPT_COST" envDefault:"12"`
	Pepper     string `env:"KEY_PEPPER"` // optional global secret
}

// NewKeyConfig creates a key configuration from environment variables.
// It reads BCRYPT_COST (default: 12) and optionally KEY_PEPPER.
func NewKeyConfig() (*KeyConfig, error) {
	var cfg KeyConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("invalid BCRYPT_COST: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalize validates the configuration.
func (c *KeyConfig) normalize() error {
	if c.BcryptCost < 10 || c.BcryptCost > 14 {
		return fmt.Errorf("bcrypt cost out of range: %d (must be 10-14)", c.BcryptCost)
	}
	return nil
}

// GenerateKey returns a random 32-byte key, hex encoded.
func GenerateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HashKey hashes a key using bcrypt (with optional pepper).
func (c *KeyConfig) HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key+c.Pepper), c.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash key: %w", err)
	}
	return string(hash), nil
}

// VerifyKey verifies a key against a stored hash (with optional pepper). An
// empty hash never verifies.
func (c *KeyConfig) VerifyKey(key, storedHash string) bool {
	if storedHash == "" || key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(key+c.Pepper)) == nil
}
