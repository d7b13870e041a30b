package crypto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Throwaway key used only in tests.
const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestSignSettlementRoundTrip(t *testing.T) {
	signer, err := NewSigner(testKeyHex)
	require.NoError(t, err)

	resolvedAt := time.Unix(1_700_000_000, 0)
	att, err := signer.SignSettlement("mkt-abc", 2, resolvedAt)
	require.NoError(t, err)

	assert.Equal(t, "mkt-abc", att.MarketID)
	assert.Equal(t, 2, att.Winner)
	assert.Equal(t, signer.Address().Hex(), att.Attestor)

	require.NoError(t, VerifyAttestation(att))
}

func TestVerifyAttestationRejectsTampering(t *testing.T) {
	signer, err := NewSigner("0x" + testKeyHex)
	require.NoError(t, err)

	att, err := signer.SignSettlement("mkt-abc", 0, time.Unix(1_700_000_000, 0))
	require.NoError(t, err)

	tampered := att
	tampered.Winner = 1
	assert.Error(t, VerifyAttestation(tampered))

	tampered = att
	tampered.MarketID = "mkt-xyz"
	assert.Error(t, VerifyAttestation(tampered))
}

func TestNewSignerRejectsBadKey(t *testing.T) {
	_, err := NewSigner("not-hex")
	assert.Error(t, err)
}

func TestRequestAuthRoundTrip(t *testing.T) {
	auth := RequestAuth{Secret: "s3cret"}
	now := time.Unix(1_700_000_000, 0)

	headers := auth.SignAt("POST", "/api/markets", `{"question":"?"}`, now.Unix())

	err := auth.Verify("POST", "/api/markets", `{"question":"?"}`,
		headers["X-Timestamp"], headers["X-Signature"], now.Add(time.Minute))
	require.NoError(t, err)
}

func TestRequestAuthRejectsStaleAndForged(t *testing.T) {
	auth := RequestAuth{Secret: "s3cret"}
	now := time.Unix(1_700_000_000, 0)

	headers := auth.SignAt("GET", "/api/health", "", now.Unix())

	// Stale timestamp.
	err := auth.Verify("GET", "/api/health", "",
		headers["X-Timestamp"], headers["X-Signature"], now.Add(10*time.Minute))
	assert.Error(t, err)

	// Wrong path.
	err = auth.Verify("GET", "/api/markets", "",
		headers["X-Timestamp"], headers["X-Signature"], now)
	assert.Error(t, err)

	// Wrong secret.
	other := RequestAuth{Secret: "different"}
	err = other.Verify("GET", "/api/health", "",
		headers["X-Timestamp"], headers["X-Signature"], now)
	assert.Error(t, err)
}

func TestEncryptDecryptKeyRoundTrip(t *testing.T) {
	blob, err := EncryptKey("0x"+testKeyHex, "password1")
	require.NoError(t, err)

	plain, err := DecryptKey(blob, "password1")
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, plain)

	_, err = DecryptKey(blob, "wrong")
	assert.Error(t, err)
}

func TestLoadKeyPrefersRawKey(t *testing.T) {
	key, err := LoadKey(KeyConfig{RawPrivateKey: "0x" + testKeyHex})
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, key)

	_, err = LoadKey(KeyConfig{})
	assert.Error(t, err)
}
