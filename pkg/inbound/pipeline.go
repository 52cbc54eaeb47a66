// Package inbound implements the Inbound Pipeline (C5): the ordered
// validation, trust, replay, decrypt, and dispatch checks an envelope
// POSTed to /v1/messages must pass before it is accepted. The allowlist
// and replay checks run before decryption so an unrecognized or
// replaying sender cannot force this node to spend RSA-decrypt cycles —
// the cheap checks gate the expensive one.
package inbound

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/opd-ai/hiddenwire/pkg/codec"
	"github.com/opd-ai/hiddenwire/pkg/contacts"
	nodeerrors "github.com/opd-ai/hiddenwire/pkg/errors"
	"github.com/opd-ai/hiddenwire/pkg/identity"
	"github.com/opd-ai/hiddenwire/pkg/onionaddr"
	"github.com/opd-ai/hiddenwire/pkg/replay"
	"github.com/opd-ai/hiddenwire/pkg/store"
	"github.com/opd-ai/hiddenwire/pkg/wire"
)

// Deps wires the pipeline to its collaborators. With StrictVerifiedOnly
// set, a known-but-unverified sender is rejected rather than silently
// accepted, per spec.md §4.5 step 3. The zero value leaves it off;
// config.DefaultConfig turns it on.
type Deps struct {
	Identity           *identity.Vault
	Contacts           *contacts.Manager
	Store              *store.Store
	Replay             *replay.Guard
	StrictVerifiedOnly bool
	Now                func() time.Time
}

// Pipeline runs the seven ordered checks against an inbound outer
// envelope.
type Pipeline struct {
	deps Deps
}

// New creates a Pipeline. A nil deps.Now defaults to time.Now.
func New(deps Deps) *Pipeline {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Pipeline{deps: deps}
}

// Process runs the envelope through every check in order and returns
// the terminal Outcome.
func (p *Pipeline) Process(env wire.Envelope) Outcome {
	// 1. Envelope shape.
	if err := env.Validate(); err != nil {
		return rejectFromError(err, env.MsgID)
	}
	now := p.deps.Now().UnixMilli()
	if err := env.ValidateCreatedAt(now); err != nil {
		return rejectFromError(err, env.MsgID)
	}

	// 2. Recipient is self.
	selfID, ok := p.deps.Identity.Current()
	if !ok {
		return Rejected{Status: 422, Code: "LOCAL_IDENTITY_MISSING", MsgID: env.MsgID}
	}
	selfFP, err := onionaddr.CanonicalizeFingerprint(selfID.Fingerprint)
	if err != nil {
		return Rejected{Status: 422, Code: "LOCAL_IDENTITY_MISSING", MsgID: env.MsgID}
	}
	recipientFP, _ := onionaddr.CanonicalizeFingerprint(env.RecipientFP)
	if recipientFP != selfFP {
		return Rejected{Status: 401, Code: "RECIPIENT_NOT_SELF", MsgID: env.MsgID}
	}
	senderFP, _ := onionaddr.CanonicalizeFingerprint(env.SenderFP)

	// 3. Allowlist / strict-verified.
	contact, known, err := p.deps.Contacts.Get(senderFP)
	if err != nil {
		return Rejected{Status: 500, Code: "INTERNAL", MsgID: env.MsgID}
	}
	if !known {
		return Rejected{Status: 403, Code: "SENDER_NOT_ALLOWED", MsgID: env.MsgID}
	}
	if p.deps.StrictVerifiedOnly && contact.TrustLevel != store.TrustVerified {
		return Rejected{Status: 403, Code: "SENDER_NOT_VERIFIED", MsgID: env.MsgID}
	}

	// 4. Replay — runs before decryption by construction (step 5 follows).
	isReplay, err := p.deps.Replay.CheckAndInsert(senderFP, env.Nonce)
	if err != nil {
		return Rejected{Status: 400, Code: "BAD_REQUEST", MsgID: env.MsgID}
	}
	if isReplay {
		return Rejected{Status: 422, Code: "REPLAY_DETECTED", MsgID: env.MsgID}
	}

	// 5. Decrypt+verify.
	senderKeyring, err := openpgp.ReadKeyRing(bytes.NewReader(contact.PinnedPubKey))
	if err != nil || len(senderKeyring) == 0 {
		return Rejected{Status: 401, Code: "SENDER_UNKNOWN", MsgID: env.MsgID}
	}
	result, err := codec.Open(selfID.Entity, senderKeyring, env.PayloadPGP)
	if err != nil {
		return rejectCodecFailure(err, env.MsgID)
	}

	// 6 & 7. Inner structure + type dispatch.
	switch env.Type {
	case wire.TypeMessage:
		return p.handleMessage(env, senderFP, result.Plaintext)
	case wire.TypeAddrUpdate:
		return p.handleAddrUpdate(env, senderFP, result.Plaintext)
	default:
		return Rejected{Status: 400, Code: "INVALID_TYPE", MsgID: env.MsgID}
	}
}

func (p *Pipeline) handleMessage(env wire.Envelope, senderFP string, plaintext []byte) Outcome {
	var inner wire.InnerMessage
	if err := json.Unmarshal(plaintext, &inner); err != nil {
		return Rejected{Status: 400, Code: "BAD_REQUEST", MsgID: env.MsgID}
	}
	if inner.MsgID != env.MsgID {
		return Rejected{Status: 400, Code: "MSG_ID_MISMATCH", MsgID: env.MsgID}
	}
	if err := inner.Validate(); err != nil {
		return rejectFromError(err, env.MsgID)
	}
	if inner.ConvID != senderFP {
		return Rejected{Status: 400, Code: "CONV_ID_MISMATCH", MsgID: env.MsgID}
	}

	if inner.SenderOnion != "" {
		// Best-effort: an onion hint never blocks message acceptance.
		_ = p.deps.Contacts.ApplyInboundOnionUpdate(senderFP, inner.SenderOnion)
	}

	ptJSON, err := json.Marshal(struct {
		Body string `json:"body"`
	}{Body: inner.Body})
	if err != nil {
		return Rejected{Status: 500, Code: "INTERNAL", MsgID: env.MsgID}
	}
	ciphertext := "v1|pgp=" + env.PayloadPGP + "|pt=" + base64.StdEncoding.EncodeToString(ptJSON)

	rec := store.MessageRecord{
		ID:               env.MsgID,
		MsgID:            env.MsgID,
		ConvID:           senderFP,
		Direction:        store.DirectionIn,
		SenderFP:         senderFP,
		RecipientFP:      env.RecipientFP,
		CreatedAt:        env.CreatedAt,
		ServerReceivedAt: p.deps.Now().UnixMilli(),
		Status:           store.StatusReceived,
		Ciphertext:       ciphertext,
	}
	if _, err := p.deps.Store.InsertMessageIfAbsent(rec); err != nil {
		return Rejected{Status: 500, Code: "INTERNAL", MsgID: env.MsgID}
	}
	return Ok{MsgID: env.MsgID}
}

func (p *Pipeline) handleAddrUpdate(env wire.Envelope, senderFP string, plaintext []byte) Outcome {
	var inner wire.InnerAddrUpdate
	if err := json.Unmarshal(plaintext, &inner); err != nil {
		return Rejected{Status: 400, Code: "BAD_REQUEST", MsgID: env.MsgID}
	}
	if inner.MsgID != env.MsgID {
		return Rejected{Status: 400, Code: "MSG_ID_MISMATCH", MsgID: env.MsgID}
	}
	if err := inner.Validate(); err != nil {
		return rejectFromError(err, env.MsgID)
	}
	if inner.ConvID != senderFP {
		return Rejected{Status: 400, Code: "CONV_ID_MISMATCH", MsgID: env.MsgID}
	}

	if err := p.deps.Contacts.ApplyInboundOnionUpdate(senderFP, inner.NewOnion); err != nil {
		return Rejected{Status: 500, Code: "INTERNAL", MsgID: env.MsgID}
	}
	return Ok{MsgID: env.MsgID}
}

// rejectFromError converts a *nodeerrors.NodeError (as produced by
// wire.Envelope/InnerMessage/InnerAddrUpdate validation) into a
// Rejected outcome, mapping its code to the HTTP status spec.md §7
// assigns that code.
func rejectFromError(err error, msgID string) Outcome {
	code := nodeerrors.GetCode(err)
	if code == "" {
		code = "BAD_REQUEST"
	}
	return Rejected{Status: statusForCode(code), Code: code, MsgID: msgID}
}

// rejectCodecFailure maps a codec.Open failure to one of two
// decrypt-stage outcomes: a signature failure means the sender's pinned
// key could not have produced this message (401 SENDER_UNKNOWN);
// anything else is a generic decrypt failure (400 CRYPTO_DECRYPT_FAIL).
func rejectCodecFailure(err error, msgID string) Outcome {
	if nodeerrors.GetCode(err) == "SENDER_SIGNATURE_INVALID" {
		return Rejected{Status: 401, Code: "SENDER_UNKNOWN", MsgID: msgID}
	}
	return Rejected{Status: 400, Code: "CRYPTO_DECRYPT_FAIL", MsgID: msgID}
}

func statusForCode(code string) int {
	switch code {
	case "UNSUPPORTED_VERSION", "INVALID_TYPE", "BAD_REQUEST", "BODY_TOO_LARGE", "MSG_ID_MISMATCH", "CONV_ID_MISMATCH":
		return 400
	case "RECIPIENT_NOT_SELF":
		return 401
	case "SENDER_NOT_ALLOWED", "SENDER_NOT_VERIFIED":
		return 403
	case "LOCAL_IDENTITY_MISSING", "REPLAY_DETECTED":
		return 422
	default:
		return 400
	}
}
