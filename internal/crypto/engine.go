package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidKey           = errors.New("invalid or malformed key")
	ErrInvalidCiphertext    = errors.New("ciphertext too short")
	ErrAuthenticationFailed = errors.New("authentication failed: ciphertext or signature rejected")
	ErrInvalidCode          = errors.New("pairing code must be 6 alphanumeric characters")
)

const (
	KeySize         = chacha20poly1305.KeySize
	PairingCodeLen  = 6
	pairingAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	// HKDF info strings. Distinct per use so a key derived for one
	// purpose can never be replayed in another.
	infoPrefix   = "wealthfolio/sync/"
	infoData     = infoPrefix + "data/v%d"
	infoSAS      = infoPrefix + "sas"
	infoEnvelope = infoPrefix + "envelope"
)

// KeyPair holds an X25519 key-agreement keypair.
type KeyPair struct {
	Public []byte
	Secret []byte
}

// SigningKeyPair holds an Ed25519 signing keypair.
type SigningKeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateRootKey returns a fresh 32-byte symmetric root key.
func GenerateRootKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate root key: %w", err)
	}
	return key, nil
}

// DeriveDataKey derives the per-version data-encryption key from the root
// key. Deterministic: same (root, version) always yields the same key.
func DeriveDataKey(rootKey []byte, version int64) ([]byte, error) {
	if len(rootKey) != KeySize {
		return nil, ErrInvalidKey
	}
	return deriveKey(rootKey, fmt.Sprintf(infoData, version))
}

// GenerateKeyPair returns a fresh X25519 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	secret := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate secret key: %w", err)
	}
	public, err := curve25519.X25519(secret, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	return &KeyPair{Public: public, Secret: secret}, nil
}

// PublicFromSecret recomputes the public half of an X25519 keypair from the
// stored secret key.
func PublicFromSecret(secret []byte) (*KeyPair, error) {
	if len(secret) != curve25519.ScalarSize {
		return nil, ErrInvalidKey
	}
	public, err := curve25519.X25519(secret, curve25519.Basepoint)
	if err != nil {
		return nil, ErrInvalidKey
	}
	return &KeyPair{Public: public, Secret: secret}, nil
}

// SharedSecret computes the X25519 shared secret between our secret key and
// their public key. Returns ErrInvalidKey for malformed or low-order inputs.
func SharedSecret(ourSecret, theirPublic []byte) ([]byte, error) {
	if len(ourSecret) != curve25519.ScalarSize || len(theirPublic) != curve25519.PointSize {
		return nil, ErrInvalidKey
	}
	shared, err := curve25519.X25519(ourSecret, theirPublic)
	if err != nil {
		return nil, ErrInvalidKey
	}
	return shared, nil
}

// DeriveSessionKey derives a symmetric key from an ECDH shared secret,
// domain-separated by context ("pairing" for the pairing protocol).
func DeriveSessionKey(sharedSecret []byte, context string) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, ErrInvalidKey
	}
	return deriveKey(sharedSecret, infoPrefix+context)
}

// Encrypt seals plaintext with XChaCha20-Poly1305. The random 24-byte nonce
// is prepended to the returned ciphertext.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ErrInvalidKey
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt. Returns
// ErrAuthenticationFailed on tag mismatch; no partial plaintext is ever
// released.
func Decrypt(key, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ErrInvalidKey
	}
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrInvalidCiphertext
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// GeneratePairingCode returns a 6-character uppercase alphanumeric code
// drawn from crypto/rand.
func GeneratePairingCode() (string, error) {
	code := make([]byte, PairingCodeLen)
	max := big.NewInt(int64(len(pairingAlphabet)))
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate pairing code: %w", err)
		}
		code[i] = pairingAlphabet[n.Int64()]
	}
	return string(code), nil
}

// NormalizePairingCode uppercases and trims user input and enforces the
// exact 6-alphanumeric shape before anything touches the network.
func NormalizePairingCode(code string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	if len(normalized) != PairingCodeLen {
		return "", ErrInvalidCode
	}
	for i := 0; i < len(normalized); i++ {
		c := normalized[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return "", ErrInvalidCode
		}
	}
	return normalized, nil
}

// HashPairingCode returns the hex SHA-256 digest of a pairing code. Only the
// digest is ever sent to the server by the issuer.
func HashPairingCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// ComputeSAS derives the short authentication string from the post-ECDH
// shared secret: a fixed 6-digit decimal both sides display for the user to
// compare. It authenticates the key agreement, not the pairing code.
func ComputeSAS(sharedSecret []byte) (string, error) {
	raw, err := deriveKeyWithInfo(sharedSecret, infoSAS, 4)
	if err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(raw) % 1_000_000
	return fmt.Sprintf("%06d", n), nil
}

// GenerateDeviceID returns an opaque unique device identifier.
func GenerateDeviceID() uuid.UUID {
	return uuid.New()
}

// GenerateSigningKey returns a fresh Ed25519 keypair for long-term device
// signatures.
func GenerateSigningKey() (*SigningKeyPair, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return &SigningKeyPair{Public: public, Private: private}, nil
}

// Sign signs message with an Ed25519 private key.
func Sign(private ed25519.PrivateKey, message []byte) ([]byte, error) {
	if len(private) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKey
	}
	return ed25519.Sign(private, message), nil
}

// VerifySignature checks an Ed25519 signature. Returns
// ErrAuthenticationFailed when the signature does not verify.
func VerifySignature(public ed25519.PublicKey, message, signature []byte) error {
	if len(public) != ed25519.PublicKeySize {
		return ErrInvalidKey
	}
	if !ed25519.Verify(public, message, signature) {
		return ErrAuthenticationFailed
	}
	return nil
}

// Seal encrypts plaintext to a recipient's X25519 public key using an
// ephemeral-static exchange: the ephemeral public key is prepended to the
// AEAD ciphertext. Used for per-device root-key envelopes, so the server
// relays envelopes it cannot open.
func Seal(recipientPublic, plaintext []byte) ([]byte, error) {
	eph, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	defer Zero(eph.Secret)
	shared, err := SharedSecret(eph.Secret, recipientPublic)
	if err != nil {
		return nil, err
	}
	defer Zero(shared)
	key, err := deriveKey(shared, infoEnvelope)
	if err != nil {
		return nil, err
	}
	defer Zero(key)
	sealed, err := Encrypt(key, plaintext)
	if err != nil {
		return nil, err
	}
	return append(eph.Public, sealed...), nil
}

// Open decrypts an envelope produced by Seal using the recipient's X25519
// secret key.
func Open(recipientSecret, envelope []byte) ([]byte, error) {
	if len(envelope) <= curve25519.PointSize {
		return nil, ErrInvalidCiphertext
	}
	ephPublic, sealed := envelope[:curve25519.PointSize], envelope[curve25519.PointSize:]
	shared, err := SharedSecret(recipientSecret, ephPublic)
	if err != nil {
		return nil, err
	}
	key, err := deriveKey(shared, infoEnvelope)
	if err != nil {
		return nil, err
	}
	defer Zero(key)
	defer Zero(shared)
	return Decrypt(key, sealed)
}

// Zero overwrites key material in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func deriveKey(secret []byte, info string) ([]byte, error) {
	return deriveKeyWithInfo(secret, info, KeySize)
}

func deriveKeyWithInfo(secret []byte, info string, size int) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrInvalidKey
	}
	out := make([]byte, size)
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return out, nil
}
