package ledger

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// Signer is the abstract signing collaborator. The ledger never assumes a
// specific cryptographic algorithm; it hands the signer the record hash
// bytes and stores whatever signature comes back.
type Signer interface {
	Sign(data []byte) ([]byte, error)
	Verify(data, sig []byte) bool
}

// Ed25519Signer signs record hashes with an Ed25519 key.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewEd25519Signer wraps an existing private key.
func NewEd25519Signer(priv ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

// GenerateEd25519Signer creates a signer with a fresh random key.
func GenerateEd25519Signer() (*Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ed25519 key: %w", err)
	}
	return NewEd25519Signer(priv), nil
}

// LoadOrCreateEd25519Signer loads the hex-encoded seed at path, creating
// and persisting a new one (0600) if the file does not exist.
func LoadOrCreateEd25519Signer(path string) (*Ed25519Signer, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		seed, decErr := hex.DecodeString(strings.TrimSpace(string(data)))
		if decErr != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("key file %s: not a %d-byte hex seed", path, ed25519.SeedSize)
		}
		return NewEd25519Signer(ed25519.NewKeyFromSeed(seed)), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading key file %s: %w", path, err)
	}

	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generating key seed: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("writing key file %s: %w", path, err)
	}
	return NewEd25519Signer(ed25519.NewKeyFromSeed(seed)), nil
}

// Sign implements Signer.
func (s *Ed25519Signer) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, data), nil
}

// Verify implements Signer.
func (s *Ed25519Signer) Verify(data, sig []byte) bool {
	return ed25519.Verify(s.pub, data, sig)
}

// PublicKey returns the verification key for external audit tooling.
func (s *Ed25519Signer) PublicKey() ed25519.PublicKey {
	return s.pub
}

// noopSigner is used when signing is disabled in configuration. Records
// carry no signature and Verify accepts anything.
type noopSigner struct{}

func (noopSigner) Sign([]byte) ([]byte, error) { return nil, nil }
func (noopSigner) Verify([]byte, []byte) bool  { return true }
