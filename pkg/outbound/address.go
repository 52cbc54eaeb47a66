package outbound

import (
	"net"
	"strings"

	"github.com/opd-ai/hiddenwire/pkg/onionaddr"
)

// resolveAddress classifies a contact's pinned address per spec.md
// §4.6 step 7. pkg/contacts.UpsertMergeSafe already runs every pinned
// onion through onionaddr.Parse before it reaches the store, so in
// practice addr is either "" or a valid canonical onion — the
// non-onion and bad-format branches below exist for the contact import
// paths that may one day accept a raw host:port. The tests reach them by
// rewriting a stored contact's address through store.MutateContactTx.
func resolveAddress(addr string) (host string, isOnion bool, fail Result) {
	if addr == "" {
		return "", false, FailedMissingAddress{}
	}
	if parsed, err := onionaddr.Parse(addr); err == nil {
		return parsed.String(), true, nil
	}
	if !looksLikeHostPort(addr) {
		return "", false, FailedBadAddress{}
	}
	return addr, false, nil
}

// looksLikeHostPort reports whether addr is a plausible "host:port" or
// bare hostname, so resolveAddress can distinguish a malformed address
// (reject outright) from a well-formed non-onion one (subject to the
// direct-HTTP policy check).
func looksLikeHostPort(addr string) bool {
	if strings.ContainsAny(addr, " \t\n") {
		return false
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host != ""
	}
	return addr != "" && !strings.Contains(addr, "/")
}
