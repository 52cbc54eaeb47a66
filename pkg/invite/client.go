package invite

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"

	"github.com/opd-ai/hiddenwire/pkg/contacts"
	nodeerrors "github.com/opd-ai/hiddenwire/pkg/errors"
)

func encodeToken(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeToken(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, nodeerrors.ValidationError("BAD_REQUEST", "invite acceptance pub_b64 is not valid base64url")
	}
	return b, nil
}

// HTTPDoer is the minimal interface the client-side invite fetch
// needs; pkg/transport's SOCKS-wired *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// AcceptDescriptor fetches and validates the acceptance response for
// an ec2 invite descriptor, then returns the contact draft ready for
// contacts.Manager.UpsertMergeSafe. It never touches this node's own
// store — the caller decides when and how to upsert the result.
func AcceptDescriptor(ctx context.Context, client HTTPDoer, onion, token string) (contacts.Incoming, error) {
	url := "http://" + onion + InvitePathPrefix + token
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return contacts.Incoming{}, nodeerrors.Wrap(nodeerrors.CategoryTransport, nodeerrors.SeverityMedium, "INVITE_FETCH_FAIL", "failed to build invite request", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return contacts.Incoming{}, nodeerrors.WrapRetryable(nodeerrors.CategoryTransport, nodeerrors.SeverityMedium, "INVITE_FETCH_FAIL", "invite fetch failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return contacts.Incoming{}, nodeerrors.Wrap(nodeerrors.CategoryTransport, nodeerrors.SeverityMedium, "INVITE_FETCH_FAIL", "failed to read invite response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return contacts.Incoming{}, nodeerrors.New(nodeerrors.CategorySemanticConflict, nodeerrors.SeverityLow, inviteStatusCode(resp.StatusCode), "invite fetch returned non-200")
	}

	var ack AcceptanceBody
	if err := json.Unmarshal(body, &ack); err != nil {
		return contacts.Incoming{}, nodeerrors.Wrap(nodeerrors.CategoryValidation, nodeerrors.SeverityLow, "BAD_REQUEST", "invite response is not valid JSON", err)
	}
	if ack.V != 2 || !ack.OK || ack.Type != "invite_accept" || ack.Protocol != "ec2" {
		return contacts.Incoming{}, nodeerrors.ValidationError("BAD_REQUEST", "invite response failed shape validation")
	}

	return contactFromAcceptance(ack)
}

func inviteStatusCode(status int) string {
	switch status {
	case http.StatusNotFound:
		return "INVITE_NOT_FOUND"
	case http.StatusConflict:
		return "INVITE_USED"
	case http.StatusGone:
		return "INVITE_EXPIRED"
	default:
		return "INVITE_FETCH_FAIL"
	}
}
