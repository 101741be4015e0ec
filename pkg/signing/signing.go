// Package signing seals finalized manifests with Ed25519 so downstream
// consumers can detect post-run edits. Each environment gets its own
// deterministic keypair, derived from a master seed via HKDF-SHA256.
// Sealing is optional: without a configured seed, jobs run unsigned.
package signing

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/octavolabs/octavo/pkg/canonical"
	"github.com/octavolabs/octavo/pkg/fault"
	"github.com/octavolabs/octavo/pkg/manifest"
)

// SeedEnvVar holds the hex-encoded 32-byte master seed.
const SeedEnvVar = "OCTAVO_SIGNING_SEED"

const kdfSalt = "octavo-manifest-kdf"

// Keyring signs and verifies manifest seals for one environment.
type Keyring struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	keyID string
}

// NewKeyringFromSeed derives the environment keypair from the master
// seed. The same (seed, environment) pair always yields the same keys.
func NewKeyringFromSeed(masterSeed []byte, environment string) (*Keyring, error) {
	if len(masterSeed) != ed25519.SeedSize {
		return nil, fault.Newf(fault.Preflight, "signing.keyring",
			"master seed must be %d bytes, got %d", ed25519.SeedSize, len(masterSeed))
	}
	if environment == "" {
		return nil, fault.New(fault.Preflight, "signing.keyring", "environment must not be empty")
	}

	r := hkdf.New(sha256.New, masterSeed, []byte(kdfSalt), []byte(environment))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}

	priv := ed25519.NewKeyFromSeed(seed)
	return &Keyring{
		priv:  priv,
		pub:   priv.Public().(ed25519.PublicKey),
		keyID: "env:" + environment,
	}, nil
}

// NewKeyringFromEnv builds a keyring from OCTAVO_SIGNING_SEED. Returns
// (nil, nil) when the variable is unset, which disables sealing.
func NewKeyringFromEnv(environment string) (*Keyring, error) {
	raw := os.Getenv(SeedEnvVar)
	if raw == "" {
		return nil, nil
	}
	seed, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fault.Newf(fault.Preflight, "signing.keyring",
			"%s is not valid hex: %v", SeedEnvVar, err)
	}
	return NewKeyringFromSeed(seed, environment)
}

// PublicKey exposes the environment verification key.
func (k *Keyring) PublicKey() ed25519.PublicKey { return k.pub }

// KeyID names the key a seal was produced with.
func (k *Keyring) KeyID() string { return k.keyID }

// Seal signs the manifest content and returns the seal block to attach.
// The digest covers the canonical manifest with the seal slot empty and
// updated_at zeroed, since attaching the seal itself bumps updated_at.
func (k *Keyring) Seal(m manifest.Manifest) (manifest.Seal, error) {
	digest, err := sealDigest(m)
	if err != nil {
		return manifest.Seal{}, err
	}
	sig := ed25519.Sign(k.priv, []byte(digest))
	return manifest.Seal{
		Algorithm: "ed25519",
		KeyID:     k.keyID,
		Digest:    digest,
		Signature: hex.EncodeToString(sig),
	}, nil
}

// Verify checks a loaded manifest's seal: digest freshness first, then
// the signature.
func (k *Keyring) Verify(m manifest.Manifest) error {
	if m.Seal == nil {
		return fault.New(fault.IntegrityViolation, "signing.verify", "manifest carries no seal")
	}
	digest, err := sealDigest(m)
	if err != nil {
		return err
	}
	if digest != m.Seal.Digest {
		return fault.Newf(fault.IntegrityViolation, "signing.verify",
			"manifest content changed after sealing: digest %s, sealed %s", digest, m.Seal.Digest)
	}
	sig, err := hex.DecodeString(m.Seal.Signature)
	if err != nil {
		return fault.Wrap(fault.IntegrityViolation, "signing.verify", err)
	}
	if !ed25519.Verify(k.pub, []byte(digest), sig) {
		return fault.New(fault.IntegrityViolation, "signing.verify", "seal signature invalid")
	}
	return nil
}

func sealDigest(m manifest.Manifest) (string, error) {
	m.Seal = nil
	m.UpdatedAt = time.Time{}
	digest, err := canonical.Hash(m)
	if err != nil {
		return "", fmt.Errorf("signing: digest: %w", err)
	}
	return digest, nil
}
