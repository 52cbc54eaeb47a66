// Package crypto provides cryptographic primitives for the hiddenwire node:
// random byte generation, hashing, Ed25519 signing for hidden-service keys,
// and AES-256-GCM sealing for device-bound key material.
//
// Security considerations:
// - All random number generation uses crypto/rand (CSPRNG)
// - Key comparisons use constant-time operations
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"strings"
)

// Key sizes
const (
	// AES256KeySize is the size of AES-256 keys.
	AES256KeySize = 32
	// SHA256Size is the size of SHA-256 digests.
	SHA256Size = 32
	// gcmNonceSize is the size of the AES-GCM nonce used by the sealing format.
	gcmNonceSize = 12
	// sealVersionPrefix tags every sealed blob with the framing version.
	sealVersionPrefix = "v1:"
)

// GenerateRandomBytes generates n random bytes using crypto/rand.
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return b, nil
}

// SHA256Hash computes the SHA-256 hash of the input.
func SHA256Hash(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// Seal encrypts plaintext under key using AES-256-GCM and frames the result
// as "v1:" + base-nothing concatenation of the 12-byte nonce and ciphertext,
// i.e. the returned bytes are sealVersionPrefix || nonce || ciphertext. This
// is the device-bound sealing format used by the Identity Vault and the
// transport's hidden-service key file for on-disk key material.
func Seal(key, plaintext, additionalData []byte) ([]byte, error) {
	if len(key) != AES256KeySize {
		return nil, fmt.Errorf("seal: key must be %d bytes, got %d", AES256KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("seal: create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("seal: create GCM: %w", err)
	}

	nonce, err := GenerateRandomBytes(gcmNonceSize)
	if err != nil {
		return nil, fmt.Errorf("seal: generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, additionalData)

	out := make([]byte, 0, len(sealVersionPrefix)+len(nonce)+len(ciphertext))
	out = append(out, []byte(sealVersionPrefix)...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// Unseal reverses Seal, validating the "v1:" framing before decrypting.
func Unseal(key, sealed, additionalData []byte) ([]byte, error) {
	if len(key) != AES256KeySize {
		return nil, fmt.Errorf("unseal: key must be %d bytes, got %d", AES256KeySize, len(key))
	}
	if !strings.HasPrefix(string(sealed), sealVersionPrefix) {
		return nil, fmt.Errorf("unseal: unrecognized sealing version")
	}
	body := sealed[len(sealVersionPrefix):]
	if len(body) < gcmNonceSize {
		return nil, fmt.Errorf("unseal: sealed blob too short")
	}
	nonce, ciphertext := body[:gcmNonceSize], body[gcmNonceSize:]

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("unseal: create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("unseal: create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("unseal: decryption failed: %w", err)
	}
	return plaintext, nil
}

// ConstantTimeCompare performs constant-time comparison of two byte slices,
// preventing timing attacks when comparing cryptographic values.
func ConstantTimeCompare(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Ed25519Verify verifies an Ed25519 signature, used for hidden-service key
// proofs and invite descriptor integrity checks.
func Ed25519Verify(publicKey, message, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
}

// Ed25519Sign signs a message with an Ed25519 private key.
func Ed25519Sign(privateKey, message []byte) ([]byte, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key length: %d", len(privateKey))
	}
	return ed25519.Sign(ed25519.PrivateKey(privateKey), message), nil
}

// GenerateEd25519KeyPair generates a new Ed25519 key pair, used for the
// node's hidden-service identity key.
func GenerateEd25519KeyPair() (publicKey, privateKey []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}
	return pub, priv, nil
}
