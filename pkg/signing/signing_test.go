package signing_test

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octavolabs/octavo/pkg/manifest"
	"github.com/octavolabs/octavo/pkg/signing"
)

var testSeed = bytes.Repeat([]byte{0x42}, 32)

func sampleManifest() manifest.Manifest {
	return manifest.Manifest{
		ManifestVersion: manifest.Version,
		JobID:           "srd_20250301T120000Z",
		SourceID:        "srd",
		SourceSHA:       "aa00000000000000000000000000000000000000000000000000000000000000",
		Environment:     "dev",
		Phases:          []string{"A"},
		PassStates:      map[string]*manifest.PassState{"A": {Status: manifest.StatusSucceeded}},
		Gate0Decision:   manifest.GateDecision{Kind: "PROCEED"},
		FinalStatus:     manifest.FinalSucceeded,
	}
}

func TestSealAndVerify(t *testing.T) {
	kr, err := signing.NewKeyringFromSeed(testSeed, "dev")
	require.NoError(t, err)

	m := sampleManifest()
	seal, err := kr.Seal(m)
	require.NoError(t, err)
	assert.Equal(t, "ed25519", seal.Algorithm)
	assert.Equal(t, "env:dev", seal.KeyID)

	m.Seal = &seal
	require.NoError(t, kr.Verify(m))
}

func TestVerify_DetectsEdit(t *testing.T) {
	kr, err := signing.NewKeyringFromSeed(testSeed, "dev")
	require.NoError(t, err)

	m := sampleManifest()
	seal, err := kr.Seal(m)
	require.NoError(t, err)
	m.Seal = &seal

	m.PassStates["A"].ProcessedCount = 999
	assert.Error(t, kr.Verify(m))
}

func TestDerivation_PerEnvironment(t *testing.T) {
	dev, err := signing.NewKeyringFromSeed(testSeed, "dev")
	require.NoError(t, err)
	prod, err := signing.NewKeyringFromSeed(testSeed, "prod")
	require.NoError(t, err)

	assert.NotEqual(t, dev.PublicKey(), prod.PublicKey())

	// A prod keyring must not accept a dev seal.
	m := sampleManifest()
	seal, err := dev.Seal(m)
	require.NoError(t, err)
	m.Seal = &seal
	assert.Error(t, prod.Verify(m))

	// Derivation is deterministic.
	dev2, err := signing.NewKeyringFromSeed(testSeed, "dev")
	require.NoError(t, err)
	assert.Equal(t, dev.PublicKey(), dev2.PublicKey())
}

func TestNewKeyringFromEnv(t *testing.T) {
	_ = os.Unsetenv(signing.SeedEnvVar)
	kr, err := signing.NewKeyringFromEnv("dev")
	require.NoError(t, err)
	assert.Nil(t, kr, "unset seed disables sealing")

	_ = os.Setenv(signing.SeedEnvVar, "4242424242424242424242424242424242424242424242424242424242424242")
	defer os.Unsetenv(signing.SeedEnvVar)

	kr, err = signing.NewKeyringFromEnv("dev")
	require.NoError(t, err)
	require.NotNil(t, kr)

	fromSeed, err := signing.NewKeyringFromSeed(testSeed, "dev")
	require.NoError(t, err)
	assert.Equal(t, fromSeed.PublicKey(), kr.PublicKey())
}

func TestNewKeyringFromEnv_BadSeed(t *testing.T) {
	_ = os.Setenv(signing.SeedEnvVar, "not-hex")
	defer os.Unsetenv(signing.SeedEnvVar)

	_, err := signing.NewKeyringFromEnv("dev")
	assert.Error(t, err)
}

func TestSeal_IgnoresUpdatedAtChurn(t *testing.T) {
	kr, err := signing.NewKeyringFromSeed(testSeed, "dev")
	require.NoError(t, err)

	m := sampleManifest()
	seal, err := kr.Seal(m)
	require.NoError(t, err)
	m.Seal = &seal

	// Persisting the seal bumps updated_at; verification must tolerate it.
	m.UpdatedAt = m.UpdatedAt.AddDate(0, 0, 1)
	assert.NoError(t, kr.Verify(m))
}
