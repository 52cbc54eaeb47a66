// Package outbound implements the Outbound Sender (C6): the only
// component that places a message on the wire. It enforces contact
// trust and address-form policy before touching the network, persists
// every attempt as a Queued row before it dials out, and reports the
// terminal or retryable Result of a single send.
package outbound

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/google/uuid"

	"github.com/opd-ai/hiddenwire/pkg/codec"
	"github.com/opd-ai/hiddenwire/pkg/contacts"
	"github.com/opd-ai/hiddenwire/pkg/crypto"
	nodeerrors "github.com/opd-ai/hiddenwire/pkg/errors"
	"github.com/opd-ai/hiddenwire/pkg/identity"
	"github.com/opd-ai/hiddenwire/pkg/logger"
	"github.com/opd-ai/hiddenwire/pkg/onionaddr"
	"github.com/opd-ai/hiddenwire/pkg/store"
	"github.com/opd-ai/hiddenwire/pkg/transport"
	"github.com/opd-ai/hiddenwire/pkg/wire"
)

// NonceByteLength is the amount of randomness in a freshly generated
// outer-envelope nonce.
const NonceByteLength = 18

// MaxSealedPayloadBytes bounds the base64 payload_pgp this node will
// ever transmit. An inner message's body is already capped at
// wire.MaxBodyLength, so 128KiB of OpenPGP framing overhead is never
// approached in practice; the check exists to fail closed if codec.Seal
// is ever handed an oversized inner payload by a future caller.
const MaxSealedPayloadBytes = 2 * 64 * 1024

// Deps wires the sender to its collaborators. IngressAddr is the
// loopback host:port of the Local Ingress Server, set once it finishes
// binding; empty means "not ready yet" and a note-to-self send reports
// QueuedLocalNotReady.
type Deps struct {
	Identity        *identity.Vault
	Contacts        *contacts.Manager
	Store           *store.Store
	Transport       *transport.Orchestrator
	AllowDirectHTTP bool
	IngressAddr     func() string
	Log             *logger.Logger
	Now             func() time.Time
}

// Sender places outbound messages and address updates on the wire.
type Sender struct {
	deps Deps

	breakersMu sync.Mutex
	breakers   map[string]*nodeerrors.CircuitBreaker
}

// New creates a Sender. A nil deps.Now defaults to time.Now; a nil
// deps.Log defaults to logger.NewDefault().
func New(deps Deps) *Sender {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Log == nil {
		deps.Log = logger.NewDefault()
	}
	if deps.IngressAddr == nil {
		deps.IngressAddr = func() string { return "" }
	}
	return &Sender{deps: deps, breakers: make(map[string]*nodeerrors.CircuitBreaker)}
}

// breakerFor returns the per-destination circuit breaker for host,
// creating it on first use. Each peer's hidden service gets its own
// breaker so one unreachable contact cannot exhaust retry budget that
// would otherwise go toward a healthy one.
func (s *Sender) breakerFor(host string) *nodeerrors.CircuitBreaker {
	s.breakersMu.Lock()
	defer s.breakersMu.Unlock()
	cb, ok := s.breakers[host]
	if !ok {
		cb = nodeerrors.NewCircuitBreaker(nodeerrors.DefaultCircuitBreakerConfig())
		s.breakers[host] = cb
	}
	return cb
}

// SendMessage seals body to the contact identified by convFP and sends
// it, addressing self when convFP equals this node's own fingerprint
// (the note-to-self loopback path).
func (s *Sender) SendMessage(ctx context.Context, convFP, body string) Result {
	return s.send(ctx, convFP, func(selfFP, msgID, nonce string) (wire.EnvelopeType, []byte, error) {
		inner := wire.InnerMessage{
			V:      wire.Version,
			MsgID:  msgID,
			ConvID: convFP,
			Body:   body,
		}
		if err := inner.Validate(); err != nil {
			return "", nil, err
		}
		plaintext, err := json.Marshal(inner)
		return wire.TypeMessage, plaintext, err
	})
}

// SendAddrUpdate notifies the contact identified by convFP that this
// node's hidden-service address has changed.
func (s *Sender) SendAddrUpdate(ctx context.Context, convFP, newOnion, oldOnion string) Result {
	return s.send(ctx, convFP, func(selfFP, msgID, nonce string) (wire.EnvelopeType, []byte, error) {
		inner := wire.InnerAddrUpdate{
			V:           wire.Version,
			Type:        string(wire.TypeAddrUpdate),
			MsgID:       msgID,
			SenderFP:    selfFP,
			RecipientFP: convFP,
			ConvID:      selfFP,
			TS:          s.deps.Now().UnixMilli(),
			Nonce:       nonce,
			NewOnion:    newOnion,
			OldOnion:    oldOnion,
		}
		if err := inner.Validate(); err != nil {
			return "", nil, err
		}
		plaintext, err := json.Marshal(inner)
		return wire.TypeAddrUpdate, plaintext, err
	})
}

// buildInner produces the inner payload's envelope type and plaintext
// bytes given the local fingerprint and freshly generated msg_id/nonce.
type buildInner func(selfFP, msgID, nonce string) (wire.EnvelopeType, []byte, error)

func (s *Sender) send(ctx context.Context, convFP string, build buildInner) Result {
	log := s.deps.Log.Component("outbound").Contact(convFP)

	selfID, ok := s.deps.Identity.Current()
	if !ok {
		return FailedCryptoError{}
	}
	selfFP, err := onionaddr.CanonicalizeFingerprint(selfID.Fingerprint)
	if err != nil {
		return FailedCryptoError{}
	}
	toSelf := convFP == selfFP

	var recipientPubKey []byte
	var pinnedOnion string
	if toSelf {
		recipientPubKey, err = selfID.PublicKey()
		if err != nil {
			return FailedCryptoError{}
		}
	} else {
		contact, known, err := s.deps.Contacts.Get(convFP)
		if err != nil {
			log.Error("contact lookup failed", "error", err)
			return FailedContactNotVerified{}
		}
		if !known {
			return FailedContactNotVerified{}
		}
		if contact.TrustLevel != store.TrustVerified {
			return FailedContactNotVerified{}
		}
		recipientPubKey = contact.PinnedPubKey
		pinnedOnion = contact.PinnedOnion
	}

	var host string
	var isOnion bool
	if !toSelf {
		var fail Result
		host, isOnion, fail = resolveAddress(pinnedOnion)
		if fail != nil {
			return fail
		}
		if !isOnion && !s.deps.AllowDirectHTTP {
			return FailedBlockedDirectHttp{}
		}
	}

	msgID := uuid.New().String()
	nonceRaw, err := crypto.GenerateRandomBytes(NonceByteLength)
	if err != nil {
		return FailedCryptoError{}
	}
	nonce := base64.RawURLEncoding.EncodeToString(nonceRaw)

	envType, plaintext, err := build(selfFP, msgID, nonce)
	if err != nil {
		log.Warn("inner payload validation failed", "error", err)
		return FailedCryptoError{}
	}
	if len(plaintext) == 0 {
		return FailedCryptoError{}
	}

	recipientKeyring, err := openpgp.ReadKeyRing(bytes.NewReader(recipientPubKey))
	if err != nil || len(recipientKeyring) == 0 {
		return FailedCryptoError{}
	}
	payloadPGP, err := codec.Seal(selfID.Entity, recipientKeyring[0], plaintext)
	if err != nil {
		log.Error("seal failed", "error", err)
		return FailedCryptoError{}
	}
	if len(payloadPGP) > MaxSealedPayloadBytes {
		return FailedCryptoError{}
	}

	now := s.deps.Now().UnixMilli()
	env := wire.Envelope{
		V:           wire.Version,
		Type:        envType,
		MsgID:       msgID,
		SenderFP:    selfFP,
		RecipientFP: convFP,
		CreatedAt:   now,
		Nonce:       nonce,
		PayloadPGP:  payloadPGP,
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return FailedCryptoError{}
	}

	dbID := store.OutboundID(msgID)
	rec := store.MessageRecord{
		ID:               dbID,
		MsgID:            msgID,
		ConvID:           convFP,
		Direction:        store.DirectionOut,
		SenderFP:         selfFP,
		RecipientFP:      convFP,
		CreatedAt:        now,
		ServerReceivedAt: now,
		Status:           store.StatusQueued,
		Ciphertext:       payloadPGP,
	}
	if _, err := s.deps.Store.InsertMessageIfAbsent(rec); err != nil {
		log.Error("failed to persist outbound row", "error", err)
		return FailedCryptoError{}
	}

	var result Result
	if toSelf {
		result = s.deliverLocal(ctx, envJSON)
	} else if isOnion {
		result = s.deliverOnion(ctx, host, envJSON)
	} else {
		result = s.deliverDirect(ctx, host, envJSON)
	}

	s.recordOutcome(dbID, result)
	return result
}

func (s *Sender) deliverLocal(ctx context.Context, envJSON []byte) Result {
	addr := s.deps.IngressAddr()
	if addr == "" {
		return QueuedLocalNotReady{}
	}
	return s.post(ctx, &http.Client{Timeout: 10 * time.Second}, "http://"+addr+"/v1/messages", envJSON, QueuedLocalNotReady{})
}

func (s *Sender) deliverOnion(ctx context.Context, host string, envJSON []byte) Result {
	dialer, err := s.deps.Transport.Dialer()
	if err != nil {
		return QueuedTorNotReady{}
	}
	client := &http.Client{
		Timeout:   60 * time.Second,
		Transport: &http.Transport{Dial: dialer.Dial},
	}
	return s.postResilient(ctx, host, client, "http://"+host+"/v1/messages", envJSON, QueuedHttpFail{Code: 0})
}

func (s *Sender) deliverDirect(ctx context.Context, host string, envJSON []byte) Result {
	client := &http.Client{Timeout: 30 * time.Second}
	return s.postResilient(ctx, host, client, "http://"+host+"/v1/messages", envJSON, QueuedHttpFail{Code: 0})
}

// postResilient gates a peer POST through that host's circuit breaker
// and, while the breaker is closed, retries a transient failure under
// ConservativeRetryPolicy — retries over the anonymizing network are
// expensive, so this stays short rather than aggressive. A breaker that
// trips open fails fast with onDialFailure instead of dialing a peer
// that has been consistently unreachable.
func (s *Sender) postResilient(ctx context.Context, host string, client *http.Client, url string, body []byte, onDialFailure Result) Result {
	breaker := s.breakerFor(host)

	var result Result
	err := breaker.ExecuteWithRetry(ctx, nodeerrors.ConservativeRetryPolicy(), func() error {
		result = s.post(ctx, client, url, body, onDialFailure)
		if _, ok := result.(Sent); ok {
			return nil
		}
		return nodeerrors.TransportError("DELIVERY_ATTEMPT_FAILED", result.String(), nil)
	})
	if err != nil && result == nil {
		return onDialFailure
	}
	return result
}

func (s *Sender) post(ctx context.Context, client *http.Client, url string, body []byte, onDialFailure Result) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return QueuedHttpFail{Code: 0}
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return onDialFailure
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Sent{}
	}
	return QueuedHttpFail{Code: resp.StatusCode}
}

func (s *Sender) recordOutcome(dbID string, result Result) {
	err := s.deps.Store.UpdateMessageTx(dbID, func(existing store.MessageRecord) (store.MessageRecord, error) {
		switch r := result.(type) {
		case Sent:
			existing.Status = store.StatusSentOk
			existing.LastErrorCode = ""
		case QueuedHttpFail:
			existing.AttemptCount++
			existing.LastErrorCode = fmt.Sprintf("HTTP_%d", r.Code)
		case QueuedLocalNotReady, QueuedTorNotReady:
			// Not yet attempted; leave AttemptCount untouched.
		default:
			existing.Status = store.StatusFailed
			existing.LastErrorCode = result.String()
		}
		return existing, nil
	})
	if err != nil {
		s.deps.Log.Error("failed to record outbound outcome", "error", err, "result", result.String())
	}
}
