package outbound

import "fmt"

// Result is the Outbound Sender's tagged result for a single send
// attempt, discriminated by type switch. Every send either lands, is
// left in the store as Queued, or fails terminally. Nothing in this
// package resends a Queued row on its own.
type Result interface {
	result()
	String() string
}

// Sent means the peer (or, for a note-to-self, the local ingress loop)
// accepted the message with a 2xx response.
type Sent struct{}

func (Sent) result()         {}
func (Sent) String() string { return "Sent" }

// QueuedLocalNotReady means a note-to-self could not be delivered
// because the local ingress server has not finished starting yet. The
// row is already persisted as Queued and stays so until it is sent again.
type QueuedLocalNotReady struct{}

func (QueuedLocalNotReady) result()         {}
func (QueuedLocalNotReady) String() string { return "QueuedLocalNotReady" }

// QueuedTorNotReady means the peer's address is a valid onion but no
// SOCKS client is attached yet (the anonymizing network orchestrator
// has not reached Ready).
type QueuedTorNotReady struct{}

func (QueuedTorNotReady) result()         {}
func (QueuedTorNotReady) String() string { return "QueuedTorNotReady" }

// QueuedHttpFail means the send reached the network but the peer (or
// loopback) responded with a non-2xx status, or the request failed
// after leaving this node. Code is the HTTP status, or 0 for a
// transport-level failure with no response at all.
type QueuedHttpFail struct{ Code int }

func (QueuedHttpFail) result()         {}
func (q QueuedHttpFail) String() string { return fmt.Sprintf("QueuedHttpFail(%d)", q.Code) }

// FailedMissingAddress means the contact has no pinned onion address on
// file at all. Terminal: nothing to retry against.
type FailedMissingAddress struct{}

func (FailedMissingAddress) result()         {}
func (FailedMissingAddress) String() string { return "FailedMissingAddress" }

// FailedBadAddress means the contact's pinned onion address failed
// re-validation at send time. Terminal.
type FailedBadAddress struct{}

func (FailedBadAddress) result()         {}
func (FailedBadAddress) String() string { return "FailedBadAddress" }

// FailedBlockedDirectHttp means the resolved address is not an onion
// host and this node's configuration does not permit plaintext direct
// HTTP. Terminal.
type FailedBlockedDirectHttp struct{}

func (FailedBlockedDirectHttp) result()         {}
func (FailedBlockedDirectHttp) String() string { return "FailedBlockedDirectHttp" }

// FailedCryptoError means sealing the inner payload failed, or the
// sealed payload's size fell outside the bound this node will ever
// transmit. Terminal.
type FailedCryptoError struct{}

func (FailedCryptoError) result()         {}
func (FailedCryptoError) String() string { return "FailedCryptoError" }

// FailedContactNotVerified means the recipient is known but has not
// been promoted to Verified trust, so this node refuses to address a
// message to it at all. Terminal: the caller must verify the contact
// first.
type FailedContactNotVerified struct{}

func (FailedContactNotVerified) result()         {}
func (FailedContactNotVerified) String() string { return "FailedContactNotVerified" }
