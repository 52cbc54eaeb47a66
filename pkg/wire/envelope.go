// Package wire defines the node's bit-compatible wire types: the outer
// transport envelope posted to /v1/messages, the inner message and
// addr_update payloads carried inside its sealed OpenPGP blob, and the
// ec1/ec2 QR encodings used for out-of-band contact and invite exchange.
//
// Field shapes here are load-bearing: peers in the field depend on the
// exact JSON keys and the ec1 binary layout, so this package only ever
// adds optional fields, never renames or removes one.
package wire

import (
	"strings"

	nodeerrors "github.com/opd-ai/hiddenwire/pkg/errors"
	"github.com/opd-ai/hiddenwire/pkg/onionaddr"
)

// Version is the only outer-envelope and inner-payload version this node
// emits or accepts.
const Version = 1

// MaxMsgIDLength bounds msg_id per the outer envelope's wire contract.
const MaxMsgIDLength = 128

// MaxNonceLength bounds the outer envelope's nonce field.
const MaxNonceLength = 256

// MaxBodyLength bounds an inner message's plaintext body.
const MaxBodyLength = 500

// ClockSkewAllowance is the maximum amount created_at may sit in the
// future of the receiver's clock before being rejected.
const ClockSkewAllowance = 5 * 60 * 1000 // 5 minutes, in milliseconds

// EnvelopeType discriminates the outer envelope's payload kind.
type EnvelopeType string

const (
	// TypeMessage carries an inner message.
	TypeMessage EnvelopeType = "msg"
	// TypeAddrUpdate carries an inner addr_update.
	TypeAddrUpdate EnvelopeType = "addr_update"
)

// Envelope is the outer, unencrypted transport wrapper POSTed to
// /v1/messages. Only payload_pgp is opaque to the receiver until the
// sealed-envelope codec (pkg/codec) verifies and decrypts it.
type Envelope struct {
	V           int          `json:"v"`
	Type        EnvelopeType `json:"type"`
	MsgID       string       `json:"msg_id"`
	SenderFP    string       `json:"sender_fp"`
	RecipientFP string       `json:"recipient_fp"`
	CreatedAt   int64        `json:"created_at"`
	Nonce       string       `json:"nonce"`
	PayloadPGP  string       `json:"payload_pgp"`
}

// InnerMessage is the plaintext payload of a "msg" envelope, recovered
// after the sealed-envelope codec decrypts and verifies payload_pgp.
type InnerMessage struct {
	V           int    `json:"v"`
	MsgID       string `json:"msg_id"`
	ConvID      string `json:"conv_id"`
	Body        string `json:"body"`
	SenderOnion string `json:"sender_onion,omitempty"`
}

// InnerAddrUpdate is the plaintext payload of an "addr_update" envelope,
// announcing that the sender's hidden-service address has changed.
type InnerAddrUpdate struct {
	V           int    `json:"v"`
	Type        string `json:"type"`
	MsgID       string `json:"msg_id"`
	SenderFP    string `json:"sender_fp"`
	RecipientFP string `json:"recipient_fp"`
	ConvID      string `json:"conv_id"`
	TS          int64  `json:"ts"`
	Nonce       string `json:"nonce"`
	NewOnion    string `json:"new_onion"`
	OldOnion    string `json:"old_onion,omitempty"`
}

// Validate checks the outer envelope's shape invariants: version, type,
// field lengths, and canonical fingerprint form. It does not check
// created_at against wall-clock time; callers compare against their own
// clock via ValidateCreatedAt so tests can supply a fixed "now".
func (e *Envelope) Validate() error {
	if e.V != Version {
		return nodeerrors.ValidationError("UNSUPPORTED_VERSION", "envelope version must be 1")
	}
	if e.Type != TypeMessage && e.Type != TypeAddrUpdate {
		return nodeerrors.ValidationError("INVALID_TYPE", "envelope type must be \"msg\" or \"addr_update\"")
	}
	if len(e.MsgID) == 0 || len(e.MsgID) > MaxMsgIDLength {
		return nodeerrors.ValidationError("BAD_REQUEST", "msg_id must be 1..128 chars")
	}
	if _, err := onionaddr.CanonicalizeFingerprint(e.SenderFP); err != nil {
		return nodeerrors.ValidationError("BAD_REQUEST", "sender_fp must be 40 hex chars")
	}
	if _, err := onionaddr.CanonicalizeFingerprint(e.RecipientFP); err != nil {
		return nodeerrors.ValidationError("BAD_REQUEST", "recipient_fp must be 40 hex chars")
	}
	if len(e.Nonce) == 0 || len(e.Nonce) > MaxNonceLength {
		return nodeerrors.ValidationError("BAD_REQUEST", "nonce must be 1..256 chars")
	}
	if len(e.PayloadPGP) == 0 {
		return nodeerrors.ValidationError("BAD_REQUEST", "payload_pgp must not be empty")
	}
	return nil
}

// ValidateCreatedAt rejects envelopes whose created_at is further than
// ClockSkewAllowance in the future of nowMillis.
func (e *Envelope) ValidateCreatedAt(nowMillis int64) error {
	if e.CreatedAt > nowMillis+ClockSkewAllowance {
		return nodeerrors.ValidationError("BAD_REQUEST", "created_at too far in the future")
	}
	return nil
}

// Validate checks the inner message's shape: version, msg_id length,
// conv_id canonical form, body length, and sender_onion form when set.
// Matching msg_id against the outer envelope is left to the caller.
func (m *InnerMessage) Validate() error {
	if m.V != Version {
		return nodeerrors.ValidationError("UNSUPPORTED_VERSION", "inner message version must be 1")
	}
	if len(m.MsgID) == 0 || len(m.MsgID) > MaxMsgIDLength {
		return nodeerrors.ValidationError("BAD_REQUEST", "msg_id must be 1..128 chars")
	}
	if _, err := onionaddr.CanonicalizeFingerprint(m.ConvID); err != nil {
		return nodeerrors.ValidationError("CONV_ID_MISMATCH", "conv_id must be 40 hex chars")
	}
	if len(m.Body) > MaxBodyLength {
		return nodeerrors.ValidationError("BODY_TOO_LARGE", "body must be at most 500 chars")
	}
	if m.SenderOnion != "" && !onionaddr.IsOnionAddress(m.SenderOnion) {
		return nodeerrors.ValidationError("BAD_REQUEST", "sender_onion must be a v3 onion address")
	}
	return nil
}

// Validate checks the inner addr_update's shape.
func (u *InnerAddrUpdate) Validate() error {
	if u.V != Version {
		return nodeerrors.ValidationError("UNSUPPORTED_VERSION", "inner addr_update version must be 1")
	}
	if u.Type != string(TypeAddrUpdate) {
		return nodeerrors.ValidationError("INVALID_TYPE", "inner addr_update type must be \"addr_update\"")
	}
	if _, err := onionaddr.CanonicalizeFingerprint(u.SenderFP); err != nil {
		return nodeerrors.ValidationError("BAD_REQUEST", "sender_fp must be 40 hex chars")
	}
	if _, err := onionaddr.CanonicalizeFingerprint(u.RecipientFP); err != nil {
		return nodeerrors.ValidationError("BAD_REQUEST", "recipient_fp must be 40 hex chars")
	}
	if _, err := onionaddr.CanonicalizeFingerprint(u.ConvID); err != nil {
		return nodeerrors.ValidationError("CONV_ID_MISMATCH", "conv_id must be 40 hex chars")
	}
	if !strings.EqualFold(u.ConvID, u.SenderFP) {
		return nodeerrors.ValidationError("CONV_ID_MISMATCH", "conv_id must equal sender_fp")
	}
	if !onionaddr.IsOnionAddress(u.NewOnion) {
		return nodeerrors.ValidationError("BAD_REQUEST", "new_onion must be a v3 onion address")
	}
	if u.OldOnion != "" && !onionaddr.IsOnionAddress(u.OldOnion) {
		return nodeerrors.ValidationError("BAD_REQUEST", "old_onion must be a v3 onion address")
	}
	return nil
}
