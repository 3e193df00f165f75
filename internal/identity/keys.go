package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// GenerateKeyFile creates a new Ed25519 key, stores its hex-encoded seed at
// path (0600, never overwriting) and returns the principal.
func GenerateKeyFile(path string) (string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("identity: generating key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("identity: creating key directory: %w", err)
	}
	// #nosec G304 -- operator supplied path
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("identity: creating key file: %w", err)
	}
	_, werr := f.WriteString(hex.EncodeToString(priv.Seed()) + "\n")
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return "", fmt.Errorf("identity: writing key file: %w", werr)
	}
	return hex.EncodeToString(pub), nil
}

// LoadPrivateKey reads a key written by GenerateKeyFile.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator supplied path
	if err != nil {
		return nil, fmt.Errorf("identity: reading key file: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity: %s does not contain a hex-encoded Ed25519 seed", path)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// PrincipalOf returns the principal for a private key.
func PrincipalOf(priv ed25519.PrivateKey) string {
	return hex.EncodeToString(priv.Public().(ed25519.PublicKey))
}
