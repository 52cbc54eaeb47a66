package wire

import (
	"bytes"
	"compress/zlib"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	nodeerrors "github.com/opd-ai/hiddenwire/pkg/errors"
	"github.com/opd-ai/hiddenwire/pkg/onionaddr"
)

const (
	ec1Magic        = "EC1"
	ec1Version byte = 1
	ec1Prefix       = "ec1|"
	ec2Prefix       = "ec2|"

	// ec1ChecksumLen is the number of leading sha256(payload) bytes
	// appended as a tamper-check trailer.
	ec1ChecksumLen = 4
)

// Contact is the canonicalized tuple recovered from an ec1 QR code: an
// identity fingerprint, its current onion address, and its OpenPGP
// public key material.
type Contact struct {
	Fingerprint string
	Onion       string
	Pubkey      []byte
}

// EncodeEC1 builds the "ec1|..." QR payload for a contact card: magic,
// version, fingerprint, onion address, and a zlib-compressed public key,
// trailed by a truncated sha256 checksum of everything preceding it.
func EncodeEC1(fingerprint, onion string, pubkey []byte) (string, error) {
	fp, err := onionaddr.CanonicalizeFingerprint(fingerprint)
	if err != nil {
		return "", nodeerrors.Wrap(nodeerrors.CategoryValidation, nodeerrors.SeverityLow, "BAD_REQUEST", "invalid fingerprint", err)
	}
	addr, err := onionaddr.Parse(onion)
	if err != nil {
		return "", nodeerrors.Wrap(nodeerrors.CategoryValidation, nodeerrors.SeverityLow, "BAD_REQUEST", "invalid onion address", err)
	}
	if len(pubkey) == 0 {
		return "", nodeerrors.ValidationError("BAD_REQUEST", "pubkey must not be empty")
	}

	compressed, err := compressPubkey(pubkey)
	if err != nil {
		return "", nodeerrors.Wrap(nodeerrors.CategoryCrypto, nodeerrors.SeverityMedium, "PGP_ENCRYPT_FAIL", "failed to compress pubkey", err)
	}

	var payload bytes.Buffer
	payload.WriteString(ec1Magic)
	payload.WriteByte(ec1Version)

	fpBytes := []byte(fp)
	writeU16(&payload, len(fpBytes))
	payload.Write(fpBytes)

	onionBytes := []byte(addr.String())
	writeU16(&payload, len(onionBytes))
	payload.Write(onionBytes)

	writeU32(&payload, len(compressed))
	payload.Write(compressed)

	sum := sha256.Sum256(payload.Bytes())
	payload.Write(sum[:ec1ChecksumLen])

	return ec1Prefix + base64.RawURLEncoding.EncodeToString(payload.Bytes()), nil
}

// DecodeEC1 parses an "ec1|..." QR payload, verifying its checksum and
// canonicalizing the recovered fingerprint and onion address. It returns
// an error if the checksum does not match, matching the round-trip law
// that a tampered payload decodes to nothing.
func DecodeEC1(s string) (*Contact, error) {
	rest, ok := strings.CutPrefix(s, ec1Prefix)
	if !ok {
		return nil, nodeerrors.ValidationError("BAD_REQUEST", "ec1 payload missing \"ec1|\" prefix")
	}

	raw, err := base64.RawURLEncoding.DecodeString(rest)
	if err != nil {
		return nil, nodeerrors.Wrap(nodeerrors.CategoryValidation, nodeerrors.SeverityLow, "BAD_REQUEST", "ec1 payload is not valid base64", err)
	}

	if len(raw) < len(ec1Magic)+1+ec1ChecksumLen {
		return nil, nodeerrors.ValidationError("BAD_REQUEST", "ec1 payload too short")
	}

	body, trailer := raw[:len(raw)-ec1ChecksumLen], raw[len(raw)-ec1ChecksumLen:]
	sum := sha256.Sum256(body)
	if !bytes.Equal(sum[:ec1ChecksumLen], trailer) {
		return nil, nodeerrors.ValidationError("BAD_REQUEST", "ec1 checksum mismatch")
	}

	r := bytes.NewReader(body)

	magic := make([]byte, len(ec1Magic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != ec1Magic {
		return nil, nodeerrors.ValidationError("BAD_REQUEST", "ec1 magic mismatch")
	}

	ver, err := r.ReadByte()
	if err != nil || ver != ec1Version {
		return nil, nodeerrors.ValidationError("UNSUPPORTED_VERSION", "ec1 version mismatch")
	}

	fpLen, err := readU16(r)
	if err != nil {
		return nil, nodeerrors.ValidationError("BAD_REQUEST", "ec1 truncated at fpLen")
	}
	fpBytes := make([]byte, fpLen)
	if _, err := io.ReadFull(r, fpBytes); err != nil {
		return nil, nodeerrors.ValidationError("BAD_REQUEST", "ec1 truncated at fingerprint")
	}

	onionLen, err := readU16(r)
	if err != nil {
		return nil, nodeerrors.ValidationError("BAD_REQUEST", "ec1 truncated at onionLen")
	}
	onionBytes := make([]byte, onionLen)
	if _, err := io.ReadFull(r, onionBytes); err != nil {
		return nil, nodeerrors.ValidationError("BAD_REQUEST", "ec1 truncated at onion")
	}

	compLen, err := readU32(r)
	if err != nil {
		return nil, nodeerrors.ValidationError("BAD_REQUEST", "ec1 truncated at compLen")
	}
	compressed := make([]byte, compLen)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return nil, nodeerrors.ValidationError("BAD_REQUEST", "ec1 truncated at compressed pubkey")
	}

	pubkey, err := decompressPubkey(compressed)
	if err != nil {
		return nil, nodeerrors.Wrap(nodeerrors.CategoryCrypto, nodeerrors.SeverityMedium, "CRYPTO_DECRYPT_FAIL", "failed to decompress pubkey", err)
	}

	fp, err := onionaddr.CanonicalizeFingerprint(string(fpBytes))
	if err != nil {
		return nil, nodeerrors.Wrap(nodeerrors.CategoryValidation, nodeerrors.SeverityLow, "BAD_REQUEST", "invalid fingerprint in ec1 payload", err)
	}
	addr, err := onionaddr.Parse(string(onionBytes))
	if err != nil {
		return nil, nodeerrors.Wrap(nodeerrors.CategoryValidation, nodeerrors.SeverityLow, "BAD_REQUEST", "invalid onion address in ec1 payload", err)
	}

	return &Contact{Fingerprint: fp, Onion: addr.String(), Pubkey: pubkey}, nil
}

// InviteDescriptor is the "ec2|<onion>|<token>" QR payload used to
// bootstrap contact exchange via an ephemeral invite hidden service.
type InviteDescriptor struct {
	Onion string
	Token string
}

// EncodeEC2 builds the "ec2|..." invite QR payload.
func EncodeEC2(onion, token string) (string, error) {
	addr, err := onionaddr.Parse(onion)
	if err != nil {
		return "", nodeerrors.Wrap(nodeerrors.CategoryValidation, nodeerrors.SeverityLow, "BAD_REQUEST", "invalid onion address", err)
	}
	if err := ValidateInviteToken(token); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%s|%s", ec2Prefix, addr.String(), token), nil
}

// DecodeEC2 parses an "ec2|<onion>|<token>" invite QR payload.
func DecodeEC2(s string) (*InviteDescriptor, error) {
	rest, ok := strings.CutPrefix(s, ec2Prefix)
	if !ok {
		return nil, nodeerrors.ValidationError("BAD_REQUEST", "ec2 payload missing \"ec2|\" prefix")
	}
	parts := strings.SplitN(rest, "|", 2)
	if len(parts) != 2 {
		return nil, nodeerrors.ValidationError("BAD_REQUEST", "ec2 payload missing token separator")
	}
	addr, err := onionaddr.Parse(parts[0])
	if err != nil {
		return nil, nodeerrors.Wrap(nodeerrors.CategoryValidation, nodeerrors.SeverityLow, "BAD_REQUEST", "invalid onion address in ec2 payload", err)
	}
	if err := ValidateInviteToken(parts[1]); err != nil {
		return nil, err
	}
	return &InviteDescriptor{Onion: addr.String(), Token: parts[1]}, nil
}

func compressPubkey(pubkey []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(pubkey); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressPubkey(compressed []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func writeU16(buf *bytes.Buffer, n int) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(n))
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, n int) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(n))
	buf.Write(b[:])
}

func readU16(r *bytes.Reader) (int, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint16(b[:])), nil
}

func readU32(r *bytes.Reader) (int, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint32(b[:])), nil
}
