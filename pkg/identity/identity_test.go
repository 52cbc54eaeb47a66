package identity

import (
	"testing"

	"github.com/opd-ai/hiddenwire/pkg/config"
	"github.com/opd-ai/hiddenwire/pkg/crypto"
	"github.com/opd-ai/hiddenwire/pkg/onionaddr"
)

func testOnionAddress(pubkey []byte) (string, error) {
	for i := range pubkey {
		pubkey[i] = byte(i)
	}
	return onionaddr.Encode(pubkey)
}

// fastScryptParams trades security for test speed; production uses
// config.DefaultConfig().PinKDF.
var fastScryptParams = config.ScryptParams{N: 1 << 10, R: 8, P: 1, DkLen: 32}

func testSealKey(t *testing.T) []byte {
	t.Helper()
	key, err := crypto.GenerateRandomBytes(crypto.AES256KeySize)
	if err != nil {
		t.Fatalf("GenerateRandomBytes() error = %v", err)
	}
	return key
}

func TestEnsureIdentity_CreatesAndPersists(t *testing.T) {
	dir := t.TempDir()
	key := testSealKey(t)

	v, err := New(dir, key)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	id, err := v.EnsureIdentity()
	if err != nil {
		t.Fatalf("EnsureIdentity() error = %v", err)
	}
	if len(id.Fingerprint) != 40 {
		t.Errorf("Fingerprint length = %d, want 40", len(id.Fingerprint))
	}
	if id.Onion != "" {
		t.Errorf("fresh identity should have no onion bound, got %q", id.Onion)
	}
}

func TestEnsureIdentity_Idempotent(t *testing.T) {
	dir := t.TempDir()
	key := testSealKey(t)

	v, err := New(dir, key)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	first, err := v.EnsureIdentity()
	if err != nil {
		t.Fatalf("first EnsureIdentity() error = %v", err)
	}
	second, err := v.EnsureIdentity()
	if err != nil {
		t.Fatalf("second EnsureIdentity() error = %v", err)
	}
	if first.Fingerprint != second.Fingerprint {
		t.Errorf("fingerprints differ across calls: %q vs %q", first.Fingerprint, second.Fingerprint)
	}
}

func TestEnsureIdentity_SurvivesReload(t *testing.T) {
	dir := t.TempDir()
	key := testSealKey(t)

	v1, err := New(dir, key)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	id1, err := v1.EnsureIdentity()
	if err != nil {
		t.Fatalf("EnsureIdentity() error = %v", err)
	}

	v2, err := New(dir, key)
	if err != nil {
		t.Fatalf("New() second vault error = %v", err)
	}
	id2, err := v2.EnsureIdentity()
	if err != nil {
		t.Fatalf("EnsureIdentity() on reloaded vault error = %v", err)
	}

	if id1.Fingerprint != id2.Fingerprint {
		t.Errorf("reloaded fingerprint = %q, want %q", id2.Fingerprint, id1.Fingerprint)
	}
}

func TestEnsureIdentity_WrongSealKeyFails(t *testing.T) {
	dir := t.TempDir()
	key1 := testSealKey(t)
	key2 := testSealKey(t)

	v1, err := New(dir, key1)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := v1.EnsureIdentity(); err != nil {
		t.Fatalf("EnsureIdentity() error = %v", err)
	}

	v2, err := New(dir, key2)
	if err != nil {
		t.Fatalf("New() second vault error = %v", err)
	}
	if _, err := v2.EnsureIdentity(); err == nil {
		t.Error("expected error unsealing identity vault with the wrong key")
	}
}

func TestBindOnion_UpdatesAndPersists(t *testing.T) {
	dir := t.TempDir()
	key := testSealKey(t)

	v, err := New(dir, key)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := v.EnsureIdentity(); err != nil {
		t.Fatalf("EnsureIdentity() error = %v", err)
	}

	if v.HasValidOnion() {
		t.Error("HasValidOnion() should be false before binding")
	}

	pubkey := make([]byte, 32)
	onion, err := testOnionAddress(pubkey)
	if err != nil {
		t.Fatalf("testOnionAddress() error = %v", err)
	}

	if err := v.BindOnion(onion); err != nil {
		t.Fatalf("BindOnion() error = %v", err)
	}
	if !v.HasValidOnion() {
		t.Error("HasValidOnion() should be true after binding")
	}

	v2, err := New(dir, key)
	if err != nil {
		t.Fatalf("New() second vault error = %v", err)
	}
	id2, err := v2.EnsureIdentity()
	if err != nil {
		t.Fatalf("EnsureIdentity() on reloaded vault error = %v", err)
	}
	if id2.Onion != onion {
		t.Errorf("reloaded onion = %q, want %q", id2.Onion, onion)
	}
}

func TestBindOnion_RejectsInvalidAddress(t *testing.T) {
	dir := t.TempDir()
	key := testSealKey(t)

	v, err := New(dir, key)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := v.EnsureIdentity(); err != nil {
		t.Fatalf("EnsureIdentity() error = %v", err)
	}

	if err := v.BindOnion("not-a-valid-onion"); err == nil {
		t.Error("expected error for invalid onion address")
	}
}

func TestNew_RejectsWrongSealKeyLength(t *testing.T) {
	dir := t.TempDir()
	if _, err := New(dir, []byte("too-short")); err == nil {
		t.Error("expected error for seal key of the wrong length")
	}
}

func TestDeriveDeviceKey_DeterministicForSameSaltAndPin(t *testing.T) {
	dir := t.TempDir()

	key1, err := DeriveDeviceKey(dir, "1234", fastScryptParams)
	if err != nil {
		t.Fatalf("DeriveDeviceKey() error = %v", err)
	}
	key2, err := DeriveDeviceKey(dir, "1234", fastScryptParams)
	if err != nil {
		t.Fatalf("DeriveDeviceKey() second call error = %v", err)
	}
	if string(key1) != string(key2) {
		t.Error("DeriveDeviceKey() should be deterministic for the same data dir and PIN")
	}
}

func TestDeriveDeviceKey_DifferentPinDifferentKey(t *testing.T) {
	dir := t.TempDir()

	key1, err := DeriveDeviceKey(dir, "1234", fastScryptParams)
	if err != nil {
		t.Fatalf("DeriveDeviceKey() error = %v", err)
	}
	key2, err := DeriveDeviceKey(dir, "5678", fastScryptParams)
	if err != nil {
		t.Fatalf("DeriveDeviceKey() error = %v", err)
	}
	if string(key1) == string(key2) {
		t.Error("different PINs should derive different keys")
	}
}

func TestDeriveDeviceKey_DifferentDataDirDifferentKey(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()

	key1, err := DeriveDeviceKey(dir1, "", fastScryptParams)
	if err != nil {
		t.Fatalf("DeriveDeviceKey() error = %v", err)
	}
	key2, err := DeriveDeviceKey(dir2, "", fastScryptParams)
	if err != nil {
		t.Fatalf("DeriveDeviceKey() error = %v", err)
	}
	if string(key1) == string(key2) {
		t.Error("different data directories should derive different keys (distinct salts)")
	}
}
