package store

// TrustLevel is a contact's current trust standing.
type TrustLevel string

const (
	TrustUnverified TrustLevel = "Unverified"
	TrustVerified   TrustLevel = "Verified"
)

// ChangeState flags which pinned fields of a Verified contact have a
// pending, unapproved divergence.
type ChangeState string

const (
	ChangeNone   ChangeState = "None"
	ChangeKey    ChangeState = "KeyChanged"
	ChangeOnion  ChangeState = "OnionChanged"
	ChangeBoth   ChangeState = "Both"
)

// IdentityMeta is the store's cached, non-secret view of the active
// identity, kept in sync by the supervisor so health/debug endpoints
// don't need to unseal the vault.
type IdentityMeta struct {
	Fingerprint string `json:"fingerprint"`
	Onion       string `json:"onion"`
	CreatedAt   int64  `json:"created_at"`
	Active      bool   `json:"active"`
}

// ContactRecord is a contact row keyed by fingerprint.
type ContactRecord struct {
	Fingerprint     string      `json:"fingerprint"`
	PinnedOnion     string      `json:"pinned_onion"`
	PinnedPubKey    []byte      `json:"pinned_pub_key"`
	DisplayName     string      `json:"display_name,omitempty"`
	TrustLevel      TrustLevel  `json:"trust_level"`
	ChangeState     ChangeState `json:"change_state"`
	PendingOnion    string      `json:"pending_onion,omitempty"`
	PendingPubKey   []byte      `json:"pending_pub_key,omitempty"`
	CreatedAt       int64       `json:"created_at"`
}

// Direction is a message's flow relative to this node.
type Direction string

const (
	DirectionIn  Direction = "In"
	DirectionOut Direction = "Out"
)

// MessageStatus is a message row's delivery/processing state.
type MessageStatus string

const (
	StatusQueued   MessageStatus = "Queued"
	StatusSentOk   MessageStatus = "SentOk"
	StatusFailed   MessageStatus = "Failed"
	StatusReceived MessageStatus = "Received"
)

// MessageRecord is a message row. ID is the database primary key: the
// inner msg_id for inbound rows, and "OUT:<msg_id>" for outbound rows,
// so a self-message's inbound loopback copy never collides with its own
// outbound copy.
type MessageRecord struct {
	ID               string        `json:"id"`
	MsgID            string        `json:"msg_id"`
	ConvID           string        `json:"conv_id"`
	Direction        Direction     `json:"direction"`
	SenderFP         string        `json:"sender_fp"`
	RecipientFP      string        `json:"recipient_fp"`
	CreatedAt        int64         `json:"created_at"`
	ServerReceivedAt int64         `json:"server_received_at"`
	Status           MessageStatus `json:"status"`
	AttemptCount     int           `json:"attempt_count"`
	LastErrorCode    string        `json:"last_error_code,omitempty"`
	NextRetryAt      int64         `json:"next_retry_at,omitempty"`
	Ciphertext       string        `json:"ciphertext"`
}

// OrderKey is the value conversation listing sorts on:
// max(server_received_at, created_at).
func (m MessageRecord) OrderKey() int64 {
	if m.ServerReceivedAt > m.CreatedAt {
		return m.ServerReceivedAt
	}
	return m.CreatedAt
}

// OutboundID returns the database id for an outbound row carrying inner
// message id msgID.
func OutboundID(msgID string) string {
	return "OUT:" + msgID
}

// InviteRecord is an invite row keyed by token.
type InviteRecord struct {
	Token        string `json:"token"`
	CreatedAt    int64  `json:"created_at"`
	ExpiresAt    int64  `json:"expires_at"`
	UsedAt       int64  `json:"used_at,omitempty"` // 0 means unused
	ConsumerHint string `json:"consumer_hint,omitempty"`
}
