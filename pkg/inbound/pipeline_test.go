package inbound

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/opd-ai/hiddenwire/pkg/codec"
	"github.com/opd-ai/hiddenwire/pkg/contacts"
	"github.com/opd-ai/hiddenwire/pkg/crypto"
	"github.com/opd-ai/hiddenwire/pkg/identity"
	"github.com/opd-ai/hiddenwire/pkg/onionaddr"
	"github.com/opd-ai/hiddenwire/pkg/replay"
	"github.com/opd-ai/hiddenwire/pkg/store"
	"github.com/opd-ai/hiddenwire/pkg/wire"
)

func generateTestEntity(t *testing.T, name string) *openpgp.Entity {
	t.Helper()
	entity, err := openpgp.NewEntity(name, "hiddenwire test identity", name+"@example.invalid", &packet.Config{RSABits: 2048})
	if err != nil {
		t.Fatalf("openpgp.NewEntity() error = %v", err)
	}
	return entity
}

func serializePublic(t *testing.T, e *openpgp.Entity) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := e.Serialize(&buf); err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	return buf.Bytes()
}

// fixture wires a full pipeline with a self identity, a sender entity
// registered as a Verified contact, and a fixed clock.
type fixture struct {
	pipeline *Pipeline
	self     *identity.Identity
	sender   *openpgp.Entity
	senderFP string
	store    *store.Store
	now      time.Time
}

func newFixture(t *testing.T, strict bool) *fixture {
	t.Helper()

	sealKey, err := crypto.GenerateRandomBytes(crypto.AES256KeySize)
	if err != nil {
		t.Fatalf("GenerateRandomBytes() error = %v", err)
	}
	vault, err := identity.New(t.TempDir(), sealKey)
	if err != nil {
		t.Fatalf("identity.New() error = %v", err)
	}
	self, err := vault.EnsureIdentity()
	if err != nil {
		t.Fatalf("EnsureIdentity() error = %v", err)
	}

	s, err := store.Open(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	sender := generateTestEntity(t, "sender")
	senderFP := fingerprintOf(sender)

	mgr := contacts.New(s)
	if _, err := mgr.UpsertMergeSafe(contacts.Incoming{Fingerprint: senderFP, PubKey: serializePublic(t, sender)}); err != nil {
		t.Fatalf("UpsertMergeSafe() error = %v", err)
	}
	if err := mgr.MarkVerified(senderFP); err != nil {
		t.Fatalf("MarkVerified() error = %v", err)
	}

	now := time.Now()
	pipeline := New(Deps{
		Identity:           vault,
		Contacts:           mgr,
		Store:              s,
		Replay:             replay.New(0),
		StrictVerifiedOnly: strict,
		Now:                func() time.Time { return now },
	})

	return &fixture{pipeline: pipeline, self: self, sender: sender, senderFP: senderFP, store: s, now: now}
}

func fingerprintOf(e *openpgp.Entity) string {
	const hexDigits = "0123456789ABCDEF"
	b := e.PrimaryKey.Fingerprint[:]
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0f]
	}
	return string(out)
}

func (f *fixture) sealedMessageEnvelope(t *testing.T, msgID, body string) wire.Envelope {
	t.Helper()
	inner := wire.InnerMessage{V: 1, MsgID: msgID, ConvID: f.senderFP, Body: body}
	plaintext, err := json.Marshal(inner)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	payload, err := codec.Seal(f.sender, f.self.Entity, plaintext)
	if err != nil {
		t.Fatalf("codec.Seal() error = %v", err)
	}
	return wire.Envelope{
		V:           1,
		Type:        wire.TypeMessage,
		MsgID:       msgID,
		SenderFP:    f.senderFP,
		RecipientFP: f.self.Fingerprint,
		CreatedAt:   f.now.UnixMilli(),
		Nonce:       "nonce-" + msgID,
		PayloadPGP:  payload,
	}
}

func TestProcess_AcceptsValidMessage(t *testing.T) {
	f := newFixture(t, true)
	env := f.sealedMessageEnvelope(t, "m1", "hello")

	outcome := f.pipeline.Process(env)
	ok, isOk := outcome.(Ok)
	if !isOk {
		t.Fatalf("outcome = %v, want Ok", outcome)
	}
	if ok.MsgID != "m1" {
		t.Errorf("MsgID = %q, want m1", ok.MsgID)
	}

	rec, found, err := f.store.GetMessage("m1")
	if err != nil || !found {
		t.Fatalf("GetMessage() = found:%v err:%v", found, err)
	}
	if rec.Status != store.StatusReceived || rec.Direction != store.DirectionIn {
		t.Errorf("stored record = %+v, want Received/In", rec)
	}
}

func TestProcess_RejectsReplay(t *testing.T) {
	f := newFixture(t, true)
	env := f.sealedMessageEnvelope(t, "m1", "hello")

	if _, ok := f.pipeline.Process(env).(Ok); !ok {
		t.Fatal("first delivery should be accepted")
	}

	outcome := f.pipeline.Process(env)
	rej, isRej := outcome.(Rejected)
	if !isRej || rej.Code != "REPLAY_DETECTED" || rej.Status != 422 {
		t.Errorf("outcome = %v, want Rejected(422, REPLAY_DETECTED)", outcome)
	}
}

func TestProcess_RejectsUnknownSender(t *testing.T) {
	f := newFixture(t, true)
	env := f.sealedMessageEnvelope(t, "m1", "hello")

	stranger := generateTestEntity(t, "stranger")
	strangerFP := fingerprintOf(stranger)
	env.SenderFP = strangerFP
	env.Nonce = "nonce-stranger"

	outcome := f.pipeline.Process(env)
	rej, isRej := outcome.(Rejected)
	if !isRej || rej.Code != "SENDER_NOT_ALLOWED" || rej.Status != 403 {
		t.Errorf("outcome = %v, want Rejected(403, SENDER_NOT_ALLOWED)", outcome)
	}
}

func TestProcess_RejectsUnverifiedSenderInStrictMode(t *testing.T) {
	f := newFixture(t, true)
	if err := f.pipeline.deps.Contacts.MarkUnverified(f.senderFP); err != nil {
		t.Fatalf("MarkUnverified() error = %v", err)
	}
	env := f.sealedMessageEnvelope(t, "m1", "hello")

	outcome := f.pipeline.Process(env)
	rej, isRej := outcome.(Rejected)
	if !isRej || rej.Code != "SENDER_NOT_VERIFIED" || rej.Status != 403 {
		t.Errorf("outcome = %v, want Rejected(403, SENDER_NOT_VERIFIED)", outcome)
	}
}

func TestProcess_AllowsUnverifiedSenderWhenNotStrict(t *testing.T) {
	f := newFixture(t, false)
	if err := f.pipeline.deps.Contacts.MarkUnverified(f.senderFP); err != nil {
		t.Fatalf("MarkUnverified() error = %v", err)
	}
	env := f.sealedMessageEnvelope(t, "m1", "hello")

	if _, ok := f.pipeline.Process(env).(Ok); !ok {
		t.Error("expected acceptance when StrictVerifiedOnly is false")
	}
}

func TestProcess_RejectsRecipientNotSelf(t *testing.T) {
	f := newFixture(t, true)
	env := f.sealedMessageEnvelope(t, "m1", "hello")
	env.RecipientFP = "BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"

	outcome := f.pipeline.Process(env)
	rej, isRej := outcome.(Rejected)
	if !isRej || rej.Code != "RECIPIENT_NOT_SELF" || rej.Status != 401 {
		t.Errorf("outcome = %v, want Rejected(401, RECIPIENT_NOT_SELF)", outcome)
	}
}

func TestProcess_RejectsMalformedEnvelope(t *testing.T) {
	f := newFixture(t, true)
	env := f.sealedMessageEnvelope(t, "m1", "hello")
	env.V = 2

	outcome := f.pipeline.Process(env)
	rej, isRej := outcome.(Rejected)
	if !isRej || rej.Code != "UNSUPPORTED_VERSION" || rej.Status != 400 {
		t.Errorf("outcome = %v, want Rejected(400, UNSUPPORTED_VERSION)", outcome)
	}
}

func TestProcess_RejectsClockSkew(t *testing.T) {
	f := newFixture(t, true)
	env := f.sealedMessageEnvelope(t, "m1", "hello")
	env.CreatedAt = f.now.UnixMilli() + wire.ClockSkewAllowance + 1

	outcome := f.pipeline.Process(env)
	rej, isRej := outcome.(Rejected)
	if !isRej || rej.Code != "BAD_REQUEST" || rej.Status != 400 {
		t.Errorf("outcome = %v, want Rejected(400, BAD_REQUEST)", outcome)
	}
}

func TestProcess_RejectsBadSignature(t *testing.T) {
	f := newFixture(t, true)
	other := generateTestEntity(t, "impostor")

	inner := wire.InnerMessage{V: 1, MsgID: "m1", ConvID: f.senderFP, Body: "hi"}
	plaintext, _ := json.Marshal(inner)
	payload, err := codec.Seal(other, f.self.Entity, plaintext)
	if err != nil {
		t.Fatalf("codec.Seal() error = %v", err)
	}

	env := wire.Envelope{
		V: 1, Type: wire.TypeMessage, MsgID: "m1", SenderFP: f.senderFP,
		RecipientFP: f.self.Fingerprint, CreatedAt: f.now.UnixMilli(),
		Nonce: "n1", PayloadPGP: payload,
	}

	outcome := f.pipeline.Process(env)
	rej, isRej := outcome.(Rejected)
	if !isRej || rej.Code != "SENDER_UNKNOWN" || rej.Status != 401 {
		t.Errorf("outcome = %v, want Rejected(401, SENDER_UNKNOWN)", outcome)
	}
}

func TestProcess_AcceptsAddrUpdateAndAppliesToContact(t *testing.T) {
	f := newFixture(t, true)
	newOnion, err := onionaddr.Encode(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("onionaddr.Encode() error = %v", err)
	}

	inner := wire.InnerAddrUpdate{
		V: 1, Type: "addr_update", MsgID: "m2", SenderFP: f.senderFP,
		RecipientFP: f.self.Fingerprint, ConvID: f.senderFP, TS: f.now.Unix(),
		Nonce: "n2", NewOnion: newOnion,
	}
	plaintext, _ := json.Marshal(inner)
	payload, err := codec.Seal(f.sender, f.self.Entity, plaintext)
	if err != nil {
		t.Fatalf("codec.Seal() error = %v", err)
	}

	env := wire.Envelope{
		V: 1, Type: wire.TypeAddrUpdate, MsgID: "m2", SenderFP: f.senderFP,
		RecipientFP: f.self.Fingerprint, CreatedAt: f.now.UnixMilli(),
		Nonce: "n2", PayloadPGP: payload,
	}

	outcome := f.pipeline.Process(env)
	if _, ok := outcome.(Ok); !ok {
		t.Fatalf("outcome = %v, want Ok", outcome)
	}

	rec, found, err := f.store.GetContact(f.senderFP)
	if err != nil || !found {
		t.Fatalf("GetContact() = found:%v err:%v", found, err)
	}
	// newFixture marks the sender Verified, so the onion update must be
	// staged as pending rather than overwriting the pinned address.
	if rec.PendingOnion != newOnion {
		t.Errorf("PendingOnion = %q, want %q", rec.PendingOnion, newOnion)
	}
	if rec.ChangeState != store.ChangeOnion {
		t.Errorf("ChangeState = %v, want ChangeOnion", rec.ChangeState)
	}

	// addr_update must not be persisted as a chat message.
	if _, found, _ := f.store.GetMessage("m2"); found {
		t.Error("addr_update should not be stored as a message")
	}
}
