// Package codec implements the sealed-envelope codec: encrypting and
// signing an inner wire payload to a recipient's OpenPGP public key, and
// decrypting and verifying one addressed to a local identity. This is
// the only component that touches OpenPGP packet framing; callers pass
// and receive plain JSON-shaped bytes.
package codec

import (
	"bytes"
	"encoding/base64"
	"io"

	"github.com/ProtonMail/go-crypto/openpgp"

	nodeerrors "github.com/opd-ai/hiddenwire/pkg/errors"
)

// Seal encrypts plaintext to recipient and signs it with sender, then
// base64-encodes the resulting OpenPGP packet stream. This is the value
// that goes in an outer envelope's payload_pgp field.
func Seal(sender, recipient *openpgp.Entity, plaintext []byte) (string, error) {
	var cipherBuf bytes.Buffer
	w, err := openpgp.Encrypt(&cipherBuf, []*openpgp.Entity{recipient}, sender, nil, nil)
	if err != nil {
		return "", nodeerrors.Wrap(nodeerrors.CategoryCrypto, nodeerrors.SeverityHigh, "PGP_ENCRYPT_FAIL", "failed to open encrypt+sign stream", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", nodeerrors.Wrap(nodeerrors.CategoryCrypto, nodeerrors.SeverityHigh, "PGP_ENCRYPT_FAIL", "failed to write plaintext to encrypt+sign stream", err)
	}
	if err := w.Close(); err != nil {
		return "", nodeerrors.Wrap(nodeerrors.CategoryCrypto, nodeerrors.SeverityHigh, "PGP_ENCRYPT_FAIL", "failed to finalize encrypt+sign stream", err)
	}
	return base64.StdEncoding.EncodeToString(cipherBuf.Bytes()), nil
}

// OpenResult carries a successfully decrypted payload together with the
// fingerprint of the key that signed it, so the caller can cross-check
// it against the outer envelope's sender_fp without trusting the sender
// claim alone.
type OpenResult struct {
	Plaintext   []byte
	SignedByKey string // 40-hex fingerprint of the signer's primary key, uppercase
}

// Open decrypts and verifies payloadB64 using localIdentity for
// decryption and the contact's public key (as the sole entity in
// senderKeyring) for signature verification. It fails closed: a
// decryption error is reported as CRYPTO_DECRYPT_FAIL, a missing
// signature or signature-verification failure as
// SENDER_SIGNATURE_INVALID, and no partial plaintext is returned.
func Open(localIdentity *openpgp.Entity, senderKeyring openpgp.EntityList, payloadB64 string) (*OpenResult, error) {
	raw, err := base64.StdEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, nodeerrors.Wrap(nodeerrors.CategoryCrypto, nodeerrors.SeverityMedium, "CRYPTO_DECRYPT_FAIL", "payload_pgp is not valid base64", err)
	}

	keyring := append(openpgp.EntityList{localIdentity}, senderKeyring...)

	md, err := openpgp.ReadMessage(bytes.NewReader(raw), keyring, nil, nil)
	if err != nil {
		return nil, nodeerrors.Wrap(nodeerrors.CategoryCrypto, nodeerrors.SeverityMedium, "CRYPTO_DECRYPT_FAIL", "failed to open sealed message", err)
	}

	plaintext, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return nil, nodeerrors.Wrap(nodeerrors.CategoryCrypto, nodeerrors.SeverityMedium, "CRYPTO_DECRYPT_FAIL", "failed to read decrypted body", err)
	}

	// md.SignatureError is only populated once UnverifiedBody has been
	// fully drained, since verification happens at the tail of the
	// packet stream.
	if !md.IsSigned || md.SignedBy == nil {
		return nil, nodeerrors.New(nodeerrors.CategoryCrypto, nodeerrors.SeverityMedium, "SENDER_SIGNATURE_INVALID", "sealed message is not signed")
	}
	if md.SignatureError != nil {
		return nil, nodeerrors.Wrap(nodeerrors.CategoryCrypto, nodeerrors.SeverityMedium, "SENDER_SIGNATURE_INVALID", "signature verification failed", md.SignatureError)
	}

	fp := fingerprintHex(md.SignedBy.PublicKey.Fingerprint[:])
	return &OpenResult{Plaintext: plaintext, SignedByKey: fp}, nil
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
