package crypto

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSharedSecret_Agreement tests that both sides of an honest X25519
// exchange arrive at the same shared secret and the same session key.
func TestSharedSecret_Agreement(t *testing.T) {
	issuer, err := GenerateKeyPair()
	require.NoError(t, err)
	claimer, err := GenerateKeyPair()
	require.NoError(t, err)

	issuerShared, err := SharedSecret(issuer.Secret, claimer.Public)
	require.NoError(t, err)
	claimerShared, err := SharedSecret(claimer.Secret, issuer.Public)
	require.NoError(t, err)

	assert.Equal(t, issuerShared, claimerShared)

	issuerKey, err := DeriveSessionKey(issuerShared, "pairing")
	require.NoError(t, err)
	claimerKey, err := DeriveSessionKey(claimerShared, "pairing")
	require.NoError(t, err)
	assert.Equal(t, issuerKey, claimerKey)
}

func TestSharedSecret_RejectsMalformedKeys(t *testing.T) {
	pair, err := GenerateKeyPair()
	require.NoError(t, err)

	// Too short
	_, err = SharedSecret(pair.Secret, []byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrInvalidKey)

	// All-zero public key is a low-order point
	_, err = SharedSecret(pair.Secret, make([]byte, 32))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestDeriveSessionKey_ContextSeparation(t *testing.T) {
	shared := []byte("0123456789abcdef0123456789abcdef")

	pairingKey, err := DeriveSessionKey(shared, "pairing")
	require.NoError(t, err)
	otherKey, err := DeriveSessionKey(shared, "recovery")
	require.NoError(t, err)

	assert.NotEqual(t, pairingKey, otherKey, "distinct contexts must yield distinct keys")
}

func TestDeriveDataKey_DeterministicPerVersion(t *testing.T) {
	root, err := GenerateRootKey()
	require.NoError(t, err)

	v1a, err := DeriveDataKey(root, 1)
	require.NoError(t, err)
	v1b, err := DeriveDataKey(root, 1)
	require.NoError(t, err)
	v2, err := DeriveDataKey(root, 2)
	require.NoError(t, err)

	assert.Equal(t, v1a, v1b)
	assert.NotEqual(t, v1a, v2)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	key, err := GenerateRootKey()
	require.NoError(t, err)

	plaintext := []byte("key bundle payload")
	ciphertext, err := Encrypt(key, plaintext)
	require.NoError(t, err)
	assert.NotContains(t, string(ciphertext), string(plaintext))

	decrypted, err := Decrypt(key, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestDecrypt_FailsClosed(t *testing.T) {
	key, err := GenerateRootKey()
	require.NoError(t, err)
	ciphertext, err := Encrypt(key, []byte("secret"))
	require.NoError(t, err)

	// Flipping any ciphertext bit must fail authentication
	ciphertext[len(ciphertext)-1] ^= 0x01
	out, err := Decrypt(key, ciphertext)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Nil(t, out, "no partial plaintext on tag mismatch")

	// Wrong key must fail authentication
	otherKey, err := GenerateRootKey()
	require.NoError(t, err)
	ciphertext[len(ciphertext)-1] ^= 0x01
	_, err = Decrypt(otherKey, ciphertext)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	// Truncated input is rejected before any AEAD work
	_, err = Decrypt(key, ciphertext[:10])
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestGeneratePairingCode_Format(t *testing.T) {
	format := regexp.MustCompile(`^[A-Z0-9]{6}$`)
	seen := make(map[string]bool)

	for i := 0; i < 50; i++ {
		code, err := GeneratePairingCode()
		require.NoError(t, err)
		assert.Regexp(t, format, code)
		seen[code] = true
	}
	assert.Greater(t, len(seen), 45, "codes should not collide in a small sample")
}

func TestHashPairingCode_OneWay(t *testing.T) {
	hash := HashPairingCode("AB12CD")
	assert.Len(t, hash, 64)
	assert.NotContains(t, hash, "AB12CD")
	assert.Equal(t, hash, HashPairingCode("AB12CD"))
	assert.NotEqual(t, hash, HashPairingCode("AB12CE"))
}

func TestComputeSAS_MatchesAcrossSides(t *testing.T) {
	issuer, err := GenerateKeyPair()
	require.NoError(t, err)
	claimer, err := GenerateKeyPair()
	require.NoError(t, err)

	issuerShared, err := SharedSecret(issuer.Secret, claimer.Public)
	require.NoError(t, err)
	claimerShared, err := SharedSecret(claimer.Secret, issuer.Public)
	require.NoError(t, err)

	issuerSAS, err := ComputeSAS(issuerShared)
	require.NoError(t, err)
	claimerSAS, err := ComputeSAS(claimerShared)
	require.NoError(t, err)

	assert.Equal(t, issuerSAS, claimerSAS)
	assert.Regexp(t, `^[0-9]{6}$`, issuerSAS)
}

func TestComputeSAS_DiffersForMITMSecrets(t *testing.T) {
	a := []byte("shared-secret-between-issuer-mitm")
	b := []byte("shared-secret-between-mitm-claimr")

	sasA, err := ComputeSAS(a)
	require.NoError(t, err)
	sasB, err := ComputeSAS(b)
	require.NoError(t, err)
	assert.NotEqual(t, sasA, sasB)
}

func TestSealOpen_RoundTrip(t *testing.T) {
	device, err := GenerateKeyPair()
	require.NoError(t, err)
	rootKey, err := GenerateRootKey()
	require.NoError(t, err)

	envelope, err := Seal(device.Public, rootKey)
	require.NoError(t, err)

	opened, err := Open(device.Secret, envelope)
	require.NoError(t, err)
	assert.Equal(t, rootKey, opened)
}

func TestSeal_RejectsMalformedRecipient(t *testing.T) {
	rootKey, err := GenerateRootKey()
	require.NoError(t, err)

	_, err = Seal([]byte{0x01, 0x02}, rootKey)
	assert.ErrorIs(t, err, ErrInvalidKey)

	// Low-order point
	_, err = Seal(make([]byte, 32), rootKey)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestOpen_WrongDeviceFails(t *testing.T) {
	deviceA, err := GenerateKeyPair()
	require.NoError(t, err)
	deviceB, err := GenerateKeyPair()
	require.NoError(t, err)

	envelope, err := Seal(deviceA.Public, []byte("root key material"))
	require.NoError(t, err)

	_, err = Open(deviceB.Secret, envelope)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestSignVerify(t *testing.T) {
	signer, err := GenerateSigningKey()
	require.NoError(t, err)

	message := []byte("v3|envelope-hashes")
	signature, err := Sign(signer.Private, message)
	require.NoError(t, err)

	require.NoError(t, VerifySignature(signer.Public, message, signature))

	err = VerifySignature(signer.Public, []byte("v4|envelope-hashes"), signature)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	other, err := GenerateSigningKey()
	require.NoError(t, err)
	err = VerifySignature(other.Public, message, signature)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}
