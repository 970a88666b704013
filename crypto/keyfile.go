package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// LoadKeyFile reads a hex-encoded Ed25519 seed from path.
func LoadKeyFile(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode key file %s: %w", path, err)
	}
	if len(raw) != SeedSize {
		return nil, fmt.Errorf("key file %s: %w", path, ErrInvalidSeed)
	}

	var seed [SeedSize]byte
	copy(seed[:], raw)
	return FromSeed(seed)
}

// SaveKeyFile writes the seed of kp to path, readable by the owner only.
func SaveKeyFile(path string, kp *KeyPair) error {
	seed := kp.Seed()
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed[:])+"\n"), 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

// LoadOrCreateKeyFile loads the key at path, generating and saving a new one
// when the file does not exist yet.
func LoadOrCreateKeyFile(path string) (*KeyPair, error) {
	kp, err := LoadKeyFile(path)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	kp, err = GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := SaveKeyFile(path, kp); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "LoadOrCreateKeyFile",
		"path":     path,
		"id":       hex.EncodeToString(kp.Public[:8]),
	}).Info("Generated new node key")
	return kp, nil
}
