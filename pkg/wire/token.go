package wire

import (
	"regexp"

	nodeerrors "github.com/opd-ai/hiddenwire/pkg/errors"
)

var inviteTokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{22,128}$`)

// ValidateInviteToken checks an invite token against the node's
// URL-safe-base64-ish shape: 22 to 128 characters of [A-Za-z0-9_-].
func ValidateInviteToken(token string) error {
	if !inviteTokenPattern.MatchString(token) {
		return nodeerrors.ValidationError("BAD_REQUEST", "invite token must match ^[A-Za-z0-9_-]{22,128}$")
	}
	return nil
}
