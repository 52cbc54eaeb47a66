// Package invite implements the Invite Protocol (C8): short, one-shot
// tokens that let a new contact bootstrap trust out-of-band. The
// server side issues a token and serves a single-use acceptance
// response off an ephemeral hidden service; the client side scans an
// ec2 descriptor, fetches that response over SOCKS, and feeds the
// recovered contact draft into the Contact Manager's TOFU path.
package invite

import (
	"time"

	"github.com/opd-ai/hiddenwire/pkg/contacts"
	"github.com/opd-ai/hiddenwire/pkg/crypto"
	"github.com/opd-ai/hiddenwire/pkg/identity"
	"github.com/opd-ai/hiddenwire/pkg/store"
	"github.com/opd-ai/hiddenwire/pkg/wire"
)

// TokenByteLength is the amount of randomness encoded into each
// invite token: 16 bytes, base64url-no-padding, yields exactly 22
// characters — the minimum length wire.ValidateInviteToken accepts.
const TokenByteLength = 16

// DefaultTTL is how long an unused invite remains acceptable.
const DefaultTTL = 10 * time.Minute

// InvitePathPrefix is the HTTP path prefix the acceptance endpoint is
// served under on the ephemeral invite hidden service.
const InvitePathPrefix = "/invite/"

// Manager issues and accepts invites against the sealed store and the
// node's own identity.
type Manager struct {
	store    *store.Store
	identity *identity.Vault
	now      func() time.Time
}

// New creates an invite Manager.
func New(s *store.Store, id *identity.Vault) *Manager {
	return &Manager{store: s, identity: id, now: time.Now}
}

// IssueInvite generates a fresh token and records it as live until
// DefaultTTL from now.
func (m *Manager) IssueInvite() (string, error) {
	raw, err := crypto.GenerateRandomBytes(TokenByteLength)
	if err != nil {
		return "", err
	}
	token := encodeToken(raw)
	now := m.now().UnixMilli()
	rec := store.InviteRecord{
		Token:     token,
		CreatedAt: now,
		ExpiresAt: now + DefaultTTL.Milliseconds(),
	}
	if err := m.store.PutInvite(rec); err != nil {
		return "", err
	}
	return token, nil
}

// AcceptanceBody is the v=2 JSON body returned by a successful
// GET /invite/<token>.
type AcceptanceBody struct {
	V            int    `json:"v"`
	OK           bool   `json:"ok"`
	Type         string `json:"type"`
	Protocol     string `json:"protocol"`
	Fingerprint  string `json:"fingerprint"`
	PrimaryOnion string `json:"primary_onion"`
	PubB64       string `json:"pub_b64"`
	PubFmt       string `json:"pub_fmt"`
	TS           int64  `json:"ts"`
}

// AcceptOutcome is the server-side acceptance endpoint's tagged result.
type AcceptOutcome interface {
	acceptOutcome()
}

// Accepted means this call consumed the token; Body is the response
// to serve.
type Accepted struct{ Body AcceptanceBody }

func (Accepted) acceptOutcome() {}

// NotFound means the token is unknown.
type NotFound struct{}

func (NotFound) acceptOutcome() {}

// AlreadyUsed means the token was already consumed by an earlier call.
type AlreadyUsed struct{}

func (AlreadyUsed) acceptOutcome() {}

// TokenExpired means the token's TTL has elapsed.
type TokenExpired struct{}

func (TokenExpired) acceptOutcome() {}

// NotReady means the local identity has no valid published onion yet,
// so no invite can be fulfilled. Code is "NO_IDENTITY" or "NO_ONION".
type NotReady struct{ Code string }

func (NotReady) acceptOutcome() {}

// InvalidToken means token does not match the required shape; the
// caller should treat this as equivalent to NotFound without ever
// touching the store.
type InvalidToken struct{}

func (InvalidToken) acceptOutcome() {}

// Accept runs the server-side GET /invite/<token> acceptance logic.
// The atomic mark_used_if_valid check guarantees only the first caller
// for a given token observes Accepted; every other caller observes
// AlreadyUsed or TokenExpired.
func (m *Manager) Accept(token string) AcceptOutcome {
	if err := wire.ValidateInviteToken(token); err != nil {
		return InvalidToken{}
	}

	id, ok := m.identity.Current()
	if !ok {
		return NotReady{Code: "NO_IDENTITY"}
	}
	if !m.identity.HasValidOnion() {
		return NotReady{Code: "NO_ONION"}
	}

	now := m.now().UnixMilli()
	rec, found, err := m.store.GetInvite(token)
	if err != nil {
		return NotReady{Code: "INTERNAL"}
	}
	if !found {
		return NotFound{}
	}
	if rec.UsedAt != 0 {
		return AlreadyUsed{}
	}
	if rec.ExpiresAt <= now {
		return TokenExpired{}
	}

	consumed, err := m.store.MarkUsedIfValid(token, now)
	if err != nil {
		return NotReady{Code: "INTERNAL"}
	}
	if !consumed {
		// Lost the race to a concurrent caller; re-read to report the
		// precise reason.
		rec, _, _ := m.store.GetInvite(token)
		if rec != nil && rec.ExpiresAt <= now {
			return TokenExpired{}
		}
		return AlreadyUsed{}
	}

	pub, err := id.PublicKey()
	if err != nil {
		return NotReady{Code: "INTERNAL"}
	}

	return Accepted{Body: AcceptanceBody{
		V:            2,
		OK:           true,
		Type:         "invite_accept",
		Protocol:     "ec2",
		Fingerprint:  id.Fingerprint,
		PrimaryOnion: id.Onion,
		PubB64:       encodeToken(pub),
		PubFmt:       "pgp",
		TS:           now,
	}}
}

// SweepAndCount purges expired/used invites and reports how many
// remain live, so the Service Supervisor can decide whether to drop
// the ephemeral invite hidden service.
func (m *Manager) SweepAndCount() (live int, err error) {
	live, _, err = m.store.SweepInvites(m.now().UnixMilli())
	return live, err
}

// contactFromAcceptance builds a Contact Manager draft from a
// successfully fetched acceptance body. It is a plain function (not a
// method) since the client-side flow runs against a response fetched
// by a caller-supplied SOCKS-aware HTTP client, not against this
// node's own store.
func contactFromAcceptance(body AcceptanceBody) (contacts.Incoming, error) {
	pub, err := decodeToken(body.PubB64)
	if err != nil {
		return contacts.Incoming{}, err
	}
	return contacts.Incoming{
		Fingerprint: body.Fingerprint,
		Onion:       body.PrimaryOnion,
		PubKey:      pub,
	}, nil
}
