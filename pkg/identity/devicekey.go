package identity

import (
	"os"
	"path/filepath"

	"golang.org/x/crypto/scrypt"

	"github.com/opd-ai/hiddenwire/pkg/autoconfig"
	"github.com/opd-ai/hiddenwire/pkg/config"
	"github.com/opd-ai/hiddenwire/pkg/crypto"
	nodeerrors "github.com/opd-ai/hiddenwire/pkg/errors"
)

// deviceSaltFileName holds a random, non-secret per-installation salt.
// The seal key is scrypt(salt, pin) so a PIN-less install still gets a
// key unique to this data directory, and an install with a PIN gets one
// that also requires the PIN to reproduce.
const deviceSaltFileName = "device.salt"

const deviceSaltLength = 32

// DeriveDeviceKey produces the AES-256 key used to seal the identity
// vault and hand to the transport orchestrator for its hidden-service
// key file. pin may be empty, in which case the key depends only on the
// per-installation salt file (device-bound but not PIN-protected).
func DeriveDeviceKey(dataDir string, pin string, params config.ScryptParams) ([]byte, error) {
	salt, err := loadOrCreateSalt(dataDir)
	if err != nil {
		return nil, err
	}

	key, err := scrypt.Key([]byte(pin), salt, params.N, params.R, params.P, params.DkLen)
	if err != nil {
		return nil, nodeerrors.Wrap(nodeerrors.CategoryCrypto, nodeerrors.SeverityCritical, "CRYPTO_DECRYPT_FAIL", "failed to derive device-bound key", err)
	}
	return key, nil
}

func loadOrCreateSalt(dataDir string) ([]byte, error) {
	path := filepath.Join(dataDir, deviceSaltFileName)

	salt, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(salt) != deviceSaltLength {
			return nil, nodeerrors.New(nodeerrors.CategoryRuntime, nodeerrors.SeverityCritical, "Io", "device salt file has unexpected length")
		}
		return salt, nil
	case os.IsNotExist(err):
		if mkErr := autoconfig.EnsureDataDir(dataDir); mkErr != nil {
			return nil, nodeerrors.Wrap(nodeerrors.CategoryRuntime, nodeerrors.SeverityCritical, "Io", "failed to create data directory", mkErr)
		}
		fresh, genErr := crypto.GenerateRandomBytes(deviceSaltLength)
		if genErr != nil {
			return nil, nodeerrors.Wrap(nodeerrors.CategoryRuntime, nodeerrors.SeverityCritical, "Io", "failed to generate device salt", genErr)
		}
		if writeErr := os.WriteFile(path, fresh, 0o600); writeErr != nil {
			return nil, nodeerrors.Wrap(nodeerrors.CategoryRuntime, nodeerrors.SeverityCritical, "Io", "failed to persist device salt", writeErr)
		}
		return fresh, nil
	default:
		return nil, nodeerrors.Wrap(nodeerrors.CategoryRuntime, nodeerrors.SeverityCritical, "Io", "failed to read device salt file", err)
	}
}
