// Package identity implements the Identity Vault: the node's single,
// long-lived OpenPGP identity (an RSA-3072 signing primary key plus an
// RSA-3072 encryption subkey) and its current hidden-service onion
// binding. The vault is sealed at rest under a device-bound key handed
// in by the caller; see DeriveDeviceKey for how that key is produced.
package identity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/opd-ai/hiddenwire/pkg/autoconfig"
	"github.com/opd-ai/hiddenwire/pkg/crypto"
	nodeerrors "github.com/opd-ai/hiddenwire/pkg/errors"
	"github.com/opd-ai/hiddenwire/pkg/onionaddr"
)

// VaultFileName is the sealed identity file's name within DataDirectory.
const VaultFileName = "identity.sealed"

// RSAKeyBits is the key size used for both the primary signing key and
// the encryption subkey. spec.md §4.1 allows any equivalent algorithm;
// RSA-3072 is chosen for broad OpenPGP-client interoperability.
const RSAKeyBits = 3072

// Identity is the node's long-lived key identity and its current
// hidden-service binding.
type Identity struct {
	Fingerprint string // 40 upper-hex, over the primary key
	Onion       string // canonical v3 onion address, "" if never bound
	Entity      *openpgp.Entity
}

// PublicKey returns the ASCII-armor-free, binary-serialized primary
// public key and subkey, suitable for embedding in an ec1 QR payload.
func (id *Identity) PublicKey() ([]byte, error) {
	var buf bytes.Buffer
	if err := id.Entity.Serialize(&buf); err != nil {
		return nil, nodeerrors.Wrap(nodeerrors.CategoryCrypto, nodeerrors.SeverityMedium, "PGP_ENCRYPT_FAIL", "failed to serialize public key", err)
	}
	return buf.Bytes(), nil
}

// Vault owns the sealed on-disk identity file and the device-bound key
// used to seal and unseal it.
type Vault struct {
	dataDir string
	sealKey []byte

	mu       sync.RWMutex
	identity *Identity
}

// New creates a vault rooted at dataDir, sealing and unsealing its
// identity file under sealKey (32 bytes, AES-256).
func New(dataDir string, sealKey []byte) (*Vault, error) {
	if len(sealKey) != crypto.AES256KeySize {
		return nil, nodeerrors.ValidationError("BAD_REQUEST", fmt.Sprintf("seal key must be %d bytes", crypto.AES256KeySize))
	}
	if err := autoconfig.EnsureDataDir(dataDir); err != nil {
		return nil, nodeerrors.Wrap(nodeerrors.CategoryRuntime, nodeerrors.SeverityCritical, "Io", "failed to create data directory", err)
	}
	return &Vault{dataDir: dataDir, sealKey: sealKey}, nil
}

// vaultPayload is the plaintext structure sealed inside the vault file.
type vaultPayload struct {
	Onion         string `json:"onion"`
	PrivateKeyPGP []byte `json:"private_key_pgp"`
}

func (v *Vault) path() string {
	return filepath.Join(v.dataDir, VaultFileName)
}

// EnsureIdentity loads the existing identity from disk, or generates and
// persists a fresh one if none exists yet. It is idempotent: calling it
// twice returns the same identity.
func (v *Vault) EnsureIdentity() (*Identity, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.identity != nil {
		return v.identity, nil
	}

	sealed, err := os.ReadFile(v.path())
	switch {
	case err == nil:
		id, loadErr := v.loadLocked(sealed)
		if loadErr != nil {
			return nil, loadErr
		}
		v.identity = id
		return id, nil
	case os.IsNotExist(err):
		id, genErr := v.generateLocked()
		if genErr != nil {
			return nil, genErr
		}
		v.identity = id
		return id, nil
	default:
		return nil, nodeerrors.Wrap(nodeerrors.CategoryRuntime, nodeerrors.SeverityCritical, "Io", "failed to read identity vault file", err)
	}
}

func (v *Vault) loadLocked(sealed []byte) (*Identity, error) {
	plaintext, err := crypto.Unseal(v.sealKey, sealed, nil)
	if err != nil {
		return nil, nodeerrors.Wrap(nodeerrors.CategoryCrypto, nodeerrors.SeverityCritical, "CRYPTO_DECRYPT_FAIL", "failed to unseal identity vault", err)
	}
	defer zero(plaintext)

	var payload vaultPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, nodeerrors.Wrap(nodeerrors.CategoryCrypto, nodeerrors.SeverityCritical, "PLAINTEXT_JSON_INVALID", "identity vault payload is corrupt", err)
	}
	defer zero(payload.PrivateKeyPGP)

	keyring, err := openpgp.ReadKeyRing(bytes.NewReader(payload.PrivateKeyPGP))
	if err != nil || len(keyring) == 0 {
		return nil, nodeerrors.Wrap(nodeerrors.CategoryCrypto, nodeerrors.SeverityCritical, "CRYPTO_DECRYPT_FAIL", "failed to parse identity private key", err)
	}

	fp := fingerprintHex(keyring[0].PrimaryKey.Fingerprint[:])
	return &Identity{Fingerprint: fp, Onion: payload.Onion, Entity: keyring[0]}, nil
}

func (v *Vault) generateLocked() (*Identity, error) {
	entity, err := openpgp.NewEntity("hiddenwire", "hiddenwire node identity", "", &packet.Config{RSABits: RSAKeyBits})
	if err != nil {
		return nil, nodeerrors.Wrap(nodeerrors.CategoryCrypto, nodeerrors.SeverityCritical, "PGP_ENCRYPT_FAIL", "failed to generate identity key pair", err)
	}

	var keyBuf bytes.Buffer
	if err := entity.SerializePrivate(&keyBuf, nil); err != nil {
		return nil, nodeerrors.Wrap(nodeerrors.CategoryCrypto, nodeerrors.SeverityCritical, "PGP_ENCRYPT_FAIL", "failed to serialize identity private key", err)
	}

	if err := v.persistLocked(vaultPayload{PrivateKeyPGP: keyBuf.Bytes()}); err != nil {
		return nil, err
	}

	fp := fingerprintHex(entity.PrimaryKey.Fingerprint[:])
	return &Identity{Fingerprint: fp, Entity: entity}, nil
}

// BindOnion records the node's current hidden-service address against
// its identity, persisting the change before returning.
func (v *Vault) BindOnion(onion string) error {
	addr, err := onionaddr.Parse(onion)
	if err != nil {
		return nodeerrors.Wrap(nodeerrors.CategoryValidation, nodeerrors.SeverityLow, "BAD_REQUEST", "invalid onion address", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.identity == nil {
		return nodeerrors.New(nodeerrors.CategorySemanticConflict, nodeerrors.SeverityHigh, "LOCAL_IDENTITY_MISSING", "identity must be ensured before binding an onion address")
	}

	var keyBuf bytes.Buffer
	if err := v.identity.Entity.SerializePrivate(&keyBuf, nil); err != nil {
		return nodeerrors.Wrap(nodeerrors.CategoryCrypto, nodeerrors.SeverityCritical, "PGP_ENCRYPT_FAIL", "failed to serialize identity private key", err)
	}

	if err := v.persistLocked(vaultPayload{Onion: addr.String(), PrivateKeyPGP: keyBuf.Bytes()}); err != nil {
		return err
	}
	v.identity.Onion = addr.String()
	return nil
}

// Current returns the already-loaded identity without touching disk or
// generating one. Callers that must distinguish "no identity yet" from
// "identity exists" — the Inbound Pipeline's recipient check, for
// instance — use this instead of EnsureIdentity, which creates one on
// first call.
func (v *Vault) Current() (*Identity, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.identity == nil {
		return nil, false
	}
	return v.identity, true
}

// HasValidOnion reports whether the identity currently has a bound,
// well-formed onion address.
func (v *Vault) HasValidOnion() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.identity == nil || v.identity.Onion == "" {
		return false
	}
	return onionaddr.IsOnionAddress(v.identity.Onion)
}

func (v *Vault) persistLocked(payload vaultPayload) error {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nodeerrors.Wrap(nodeerrors.CategoryRuntime, nodeerrors.SeverityCritical, "Io", "failed to marshal identity vault payload", err)
	}
	defer zero(plaintext)

	sealed, err := crypto.Seal(v.sealKey, plaintext, nil)
	if err != nil {
		return nodeerrors.Wrap(nodeerrors.CategoryCrypto, nodeerrors.SeverityCritical, "PGP_ENCRYPT_FAIL", "failed to seal identity vault", err)
	}

	tmp := v.path() + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return nodeerrors.Wrap(nodeerrors.CategoryRuntime, nodeerrors.SeverityCritical, "Io", "failed to write identity vault file", err)
	}
	if err := os.Rename(tmp, v.path()); err != nil {
		return nodeerrors.Wrap(nodeerrors.CategoryRuntime, nodeerrors.SeverityCritical, "Io", "failed to finalize identity vault file", err)
	}
	return nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

const hexDigits = "0123456789ABCDEF"

func fingerprintHex(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0f]
	}
	return string(out)
}
