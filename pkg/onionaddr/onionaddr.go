// Package onionaddr parses, validates, and encodes v3 onion service
// addresses and canonicalizes identity fingerprints for the hiddenwire
// node's data model.
package onionaddr

import (
	"crypto/sha3"
	"encoding/base32"
	"fmt"
	"regexp"
	"strings"
)

const (
	// V3AddressLength is the length, in base32 characters, of a v3 onion
	// address without its ".onion" suffix.
	V3AddressLength = 56
	// V3Suffix is the standard onion service TLD.
	V3Suffix = ".onion"
	// V3Version is the only onion service version this node understands.
	V3Version   = 0x03
	v3ChecksumLen = 2
	v3PubkeyLen   = 32 // ed25519 public key
)

// Address represents a parsed v3 .onion address.
type Address struct {
	Pubkey []byte // 32-byte ed25519 public key
	Raw    string // canonical "<56 chars>.onion" form
}

// Parse parses and validates a v3 .onion address. The ".onion" suffix is
// optional on input but always present in the canonical Raw form.
func Parse(addr string) (*Address, error) {
	trimmed := strings.TrimSuffix(strings.ToLower(addr), V3Suffix)
	if len(trimmed) != V3AddressLength {
		return nil, fmt.Errorf("onionaddr: unsupported address format: must be %d characters (v3)", V3AddressLength)
	}

	decoder := base32.StdEncoding.WithPadding(base32.NoPadding)
	decoded, err := decoder.DecodeString(strings.ToUpper(trimmed))
	if err != nil {
		return nil, fmt.Errorf("onionaddr: invalid base32 encoding: %w", err)
	}

	if len(decoded) != v3PubkeyLen+v3ChecksumLen+1 {
		return nil, fmt.Errorf("onionaddr: invalid v3 address length: expected %d bytes, got %d", v3PubkeyLen+v3ChecksumLen+1, len(decoded))
	}

	pubkey := decoded[0:v3PubkeyLen]
	checksum := decoded[v3PubkeyLen : v3PubkeyLen+v3ChecksumLen]
	version := decoded[v3PubkeyLen+v3ChecksumLen]

	if version != V3Version {
		return nil, fmt.Errorf("onionaddr: invalid version byte: expected 0x03, got 0x%02x", version)
	}

	expected := checksum32(pubkey, version)
	if checksum[0] != expected[0] || checksum[1] != expected[1] {
		return nil, fmt.Errorf("onionaddr: invalid checksum")
	}

	return &Address{
		Pubkey: pubkey,
		Raw:    trimmed + V3Suffix,
	}, nil
}

// Encode builds the canonical v3 onion address for an ed25519 public key.
func Encode(pubkey []byte) (string, error) {
	if len(pubkey) != v3PubkeyLen {
		return "", fmt.Errorf("onionaddr: public key must be %d bytes, got %d", v3PubkeyLen, len(pubkey))
	}
	checksum := checksum32(pubkey, V3Version)
	data := make([]byte, 0, v3PubkeyLen+v3ChecksumLen+1)
	data = append(data, pubkey...)
	data = append(data, checksum...)
	data = append(data, V3Version)

	encoder := base32.StdEncoding.WithPadding(base32.NoPadding)
	return strings.ToLower(encoder.EncodeToString(data)) + V3Suffix, nil
}

// checksum32 computes SHA3-256(".onion checksum" || pubkey || version)[:2].
func checksum32(pubkey []byte, version byte) []byte {
	h := sha3.New256()
	h.Write([]byte(".onion checksum"))
	h.Write(pubkey)
	h.Write([]byte{version})
	return h.Sum(nil)[:2]
}

// String returns the canonical "<56 chars>.onion" form.
func (a *Address) String() string {
	return a.Raw
}

// IsOnionAddress reports whether addr looks like a v3 onion address without
// fully validating its checksum.
func IsOnionAddress(addr string) bool {
	trimmed := strings.TrimSuffix(strings.ToLower(addr), V3Suffix)
	return len(trimmed) == V3AddressLength
}

var fingerprintPattern = regexp.MustCompile(`^[0-9A-F]{40}$`)

// CanonicalizeFingerprint upper-cases and validates an identity fingerprint
// against the node's 40-hex-character invariant.
func CanonicalizeFingerprint(fp string) (string, error) {
	canon := strings.ToUpper(strings.TrimSpace(fp))
	if !fingerprintPattern.MatchString(canon) {
		return "", fmt.Errorf("onionaddr: fingerprint must match ^[0-9A-F]{40}$, got %q", fp)
	}
	return canon, nil
}
