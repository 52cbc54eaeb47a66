// Package contacts implements the Contact Manager (C7): trust-on-first-use
// insertion, pending-change detection for pinned (Verified) contacts, and
// the explicit trust-transition operations. All state changes run inside
// a single Sealed Store transaction so the TOFU-or-pending decision is
// atomic with respect to concurrent readers.
package contacts

import (
	"bytes"
	"time"

	nodeerrors "github.com/opd-ai/hiddenwire/pkg/errors"
	"github.com/opd-ai/hiddenwire/pkg/onionaddr"
	"github.com/opd-ai/hiddenwire/pkg/store"
)

// Incoming is a contact draft recovered from an invite acceptance, an
// inbound addr_update, a QR scan, or a manual/file import — spec.md §9
// requires all four entry points converge on the same validator and
// trust rules, which this package is that convergence point for.
type Incoming struct {
	Fingerprint string
	Onion       string // may be "" if only the key is known
	PubKey      []byte
}

// Manager mediates all contact trust decisions against the sealed
// store.
type Manager struct {
	store *store.Store
	now   func() time.Time
}

// New creates a Manager backed by s.
func New(s *store.Store) *Manager {
	return &Manager{store: s, now: time.Now}
}

func (m *Manager) nowMillis() int64 {
	return m.now().UnixMilli()
}

// UpsertMergeSafe runs the TOFU/pinning decision in spec.md §4.7 as a
// single store transaction.
func (m *Manager) UpsertMergeSafe(in Incoming) (UpsertResult, error) {
	fp, err := onionaddr.CanonicalizeFingerprint(in.Fingerprint)
	if err != nil {
		return nil, nodeerrors.Wrap(nodeerrors.CategoryValidation, nodeerrors.SeverityLow, "BAD_REQUEST", "invalid contact fingerprint", err)
	}
	onion := in.Onion
	if onion != "" {
		addr, parseErr := onionaddr.Parse(onion)
		if parseErr != nil {
			return nil, nodeerrors.Wrap(nodeerrors.CategoryValidation, nodeerrors.SeverityLow, "BAD_REQUEST", "invalid contact onion address", parseErr)
		}
		onion = addr.String()
	}

	var result UpsertResult
	now := m.nowMillis()

	err = m.store.MutateContactTx(fp, func(existing *store.ContactRecord) (*store.ContactRecord, bool, error) {
		if existing == nil {
			result = Inserted{}
			return &store.ContactRecord{
				Fingerprint: fp,
				PinnedOnion: onion,
				PinnedPubKey: in.PubKey,
				TrustLevel:  store.TrustUnverified,
				ChangeState: store.ChangeNone,
				CreatedAt:   now,
			}, false, nil
		}

		onionDiffers := onion != "" && onion != existing.PinnedOnion
		keyDiffers := len(in.PubKey) > 0 && !bytes.Equal(in.PubKey, existing.PinnedPubKey)

		if !onionDiffers && !keyDiffers {
			result = NoChange{}
			return existing, false, nil
		}

		if existing.TrustLevel != store.TrustVerified {
			next := *existing
			if onionDiffers {
				next.PinnedOnion = onion
			}
			if keyDiffers {
				next.PinnedPubKey = in.PubKey
			}
			next.ChangeState = store.ChangeNone
			next.PendingOnion = ""
			next.PendingPubKey = nil
			result = UpdatedUnverified{}
			return &next, false, nil
		}

		next := *existing
		if onionDiffers {
			next.PendingOnion = onion
		}
		if keyDiffers {
			next.PendingPubKey = in.PubKey
		}
		next.ChangeState = composeChangeState(onionDiffers, keyDiffers)
		result = PendingApproval{KeyChanged: keyDiffers, OnionChanged: onionDiffers}
		return &next, false, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ApprovePending promotes a Verified contact's pending fields into the
// pinned slots and clears the pending state. Trust level is unchanged.
func (m *Manager) ApprovePending(fp string) error {
	return m.store.MutateContactTx(fp, func(existing *store.ContactRecord) (*store.ContactRecord, bool, error) {
		if existing == nil {
			return nil, false, nodeerrors.ConflictError("RECIPIENT_UNKNOWN", "no contact for fingerprint")
		}
		next := *existing
		if next.PendingOnion != "" {
			next.PinnedOnion = next.PendingOnion
		}
		if len(next.PendingPubKey) > 0 {
			next.PinnedPubKey = next.PendingPubKey
		}
		next.PendingOnion = ""
		next.PendingPubKey = nil
		next.ChangeState = store.ChangeNone
		return &next, false, nil
	})
}

// RejectPending discards a Verified contact's pending fields, leaving
// the pinned fields untouched.
func (m *Manager) RejectPending(fp string) error {
	return m.store.MutateContactTx(fp, func(existing *store.ContactRecord) (*store.ContactRecord, bool, error) {
		if existing == nil {
			return nil, false, nodeerrors.ConflictError("RECIPIENT_UNKNOWN", "no contact for fingerprint")
		}
		next := *existing
		next.PendingOnion = ""
		next.PendingPubKey = nil
		next.ChangeState = store.ChangeNone
		return &next, false, nil
	})
}

// MarkVerified promotes a contact to Verified trust.
func (m *Manager) MarkVerified(fp string) error {
	return m.setTrustLevel(fp, store.TrustVerified)
}

// MarkUnverified demotes a contact to Unverified trust. Any pending
// state is left as-is; the next upsert will now refresh pinned fields
// directly rather than staging them as pending.
func (m *Manager) MarkUnverified(fp string) error {
	return m.setTrustLevel(fp, store.TrustUnverified)
}

func (m *Manager) setTrustLevel(fp string, level store.TrustLevel) error {
	return m.store.MutateContactTx(fp, func(existing *store.ContactRecord) (*store.ContactRecord, bool, error) {
		if existing == nil {
			return nil, false, nodeerrors.ConflictError("RECIPIENT_UNKNOWN", "no contact for fingerprint")
		}
		next := *existing
		next.TrustLevel = level
		return &next, false, nil
	})
}

// ApplyInboundOnionUpdate applies an addr_update's new_onion through
// the same TOFU-or-pending rule as UpsertMergeSafe, but restricted to
// the onion field, composing change_state with any already-pending key
// divergence rather than clobbering it.
func (m *Manager) ApplyInboundOnionUpdate(senderFP, newOnion string) error {
	fp, err := onionaddr.CanonicalizeFingerprint(senderFP)
	if err != nil {
		return nodeerrors.Wrap(nodeerrors.CategoryValidation, nodeerrors.SeverityLow, "BAD_REQUEST", "invalid sender fingerprint", err)
	}
	addr, err := onionaddr.Parse(newOnion)
	if err != nil {
		return nodeerrors.Wrap(nodeerrors.CategoryValidation, nodeerrors.SeverityLow, "BAD_REQUEST", "invalid new_onion", err)
	}
	onion := addr.String()

	return m.store.MutateContactTx(fp, func(existing *store.ContactRecord) (*store.ContactRecord, bool, error) {
		if existing == nil {
			return nil, false, nodeerrors.ConflictError("RECIPIENT_UNKNOWN", "no contact for fingerprint")
		}
		if onion == existing.PinnedOnion {
			return existing, false, nil
		}

		next := *existing
		if existing.TrustLevel != store.TrustVerified {
			next.PinnedOnion = onion
			next.PendingOnion = ""
			if next.ChangeState == store.ChangeOnion {
				next.ChangeState = store.ChangeNone
			}
			return &next, false, nil
		}

		next.PendingOnion = onion
		keyAlreadyPending := existing.ChangeState == store.ChangeKey || existing.ChangeState == store.ChangeBoth
		next.ChangeState = composeChangeState(true, keyAlreadyPending)
		return &next, false, nil
	})
}

func composeChangeState(onionChanged, keyChanged bool) store.ChangeState {
	switch {
	case onionChanged && keyChanged:
		return store.ChangeBoth
	case onionChanged:
		return store.ChangeOnion
	case keyChanged:
		return store.ChangeKey
	default:
		return store.ChangeNone
	}
}

// Get returns the contact record for fp, or ok=false if unknown.
func (m *Manager) Get(fp string) (*store.ContactRecord, bool, error) {
	canon, err := onionaddr.CanonicalizeFingerprint(fp)
	if err != nil {
		return nil, false, nodeerrors.Wrap(nodeerrors.CategoryValidation, nodeerrors.SeverityLow, "BAD_REQUEST", "invalid fingerprint", err)
	}
	return m.store.GetContact(canon)
}
