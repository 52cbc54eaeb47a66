// Package store implements the Sealed Store: a single bbolt database
// file holding the node's identity metadata, contacts, messages, and
// invites. bbolt gives us the transactional guarantees spec.md §4.2
// requires (idempotent message insert, transactional TOFU upsert,
// conditional invite consumption) without a separate database process.
package store

import (
	"encoding/json"
	"sort"

	bolt "go.etcd.io/bbolt"

	nodeerrors "github.com/opd-ai/hiddenwire/pkg/errors"
)

var (
	bucketIdentities = []byte("identities")
	bucketContacts   = []byte("contacts")
	bucketMessages   = []byte("messages")
	bucketInvites    = []byte("invites")

	identityMetaKey = []byte("active")
)

// Store is the sealed, transactional persistence layer for the node's
// identity metadata, contacts, messages, and invites. The database file
// itself is not application-layer encrypted here; content-at-rest
// encryption is provided by opening it on a filesystem path inside a
// dm-crypt/FileVault-class encrypted volume, or by wrapping Open with an
// encrypting io layer — the bucket layout and transaction semantics are
// this package's concern, matching spec.md §4.2's scope.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the bbolt database at path and ensures all
// four buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, nodeerrors.Wrap(nodeerrors.CategoryRuntime, nodeerrors.SeverityCritical, "Io", "failed to open sealed store database", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketIdentities, bucketContacts, bucketMessages, bucketInvites} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, nodeerrors.Wrap(nodeerrors.CategoryRuntime, nodeerrors.SeverityCritical, "Io", "failed to initialize sealed store buckets", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- identity metadata -----------------------------------------------

// PutIdentityMeta persists the active identity's public metadata.
func (s *Store) PutIdentityMeta(meta IdentityMeta) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketIdentities).Put(identityMetaKey, data)
	})
}

// GetIdentityMeta returns the cached identity metadata, or ok=false if
// none has been stored yet.
func (s *Store) GetIdentityMeta() (meta *IdentityMeta, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketIdentities).Get(identityMetaKey)
		if data == nil {
			return nil
		}
		var m IdentityMeta
		if unmarshalErr := json.Unmarshal(data, &m); unmarshalErr != nil {
			return unmarshalErr
		}
		meta, ok = &m, true
		return nil
	})
	if err != nil {
		return nil, false, nodeerrors.Wrap(nodeerrors.CategoryRuntime, nodeerrors.SeverityMedium, "Io", "failed to read identity metadata", err)
	}
	return meta, ok, nil
}

// --- contacts -----------------------------------------------------------

// GetContact returns the contact row for fp, or ok=false if absent.
func (s *Store) GetContact(fp string) (rec *ContactRecord, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketContacts).Get([]byte(fp))
		if data == nil {
			return nil
		}
		var r ContactRecord
		if unmarshalErr := json.Unmarshal(data, &r); unmarshalErr != nil {
			return unmarshalErr
		}
		rec, ok = &r, true
		return nil
	})
	if err != nil {
		return nil, false, nodeerrors.Wrap(nodeerrors.CategoryRuntime, nodeerrors.SeverityMedium, "Io", "failed to read contact", err)
	}
	return rec, ok, nil
}

// ListContacts returns every contact row, in no particular order.
func (s *Store) ListContacts() ([]ContactRecord, error) {
	var out []ContactRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContacts).ForEach(func(_, v []byte) error {
			var r ContactRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	})
	if err != nil {
		return nil, nodeerrors.Wrap(nodeerrors.CategoryRuntime, nodeerrors.SeverityMedium, "Io", "failed to list contacts", err)
	}
	return out, nil
}

// MutateContactTx runs fn inside a single read-write transaction,
// passing the existing record (nil if none) and writing back whatever
// fn returns (or deleting the row if fn returns nil with delete=true).
// This is the primitive pkg/contacts builds upsert_merge_safe and the
// pending-state transitions on top of, keeping each decision atomic
// with respect to concurrent readers per spec.md §4.2/§5.
func (s *Store) MutateContactTx(fp string, fn func(existing *ContactRecord) (next *ContactRecord, delete bool, err error)) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContacts)
		data := b.Get([]byte(fp))

		var existing *ContactRecord
		if data != nil {
			var r ContactRecord
			if err := json.Unmarshal(data, &r); err != nil {
				return err
			}
			existing = &r
		}

		next, del, fnErr := fn(existing)
		if fnErr != nil {
			return fnErr
		}
		if del {
			return b.Delete([]byte(fp))
		}
		if next == nil {
			return nil
		}
		encoded, err := json.Marshal(next)
		if err != nil {
			return err
		}
		return b.Put([]byte(fp), encoded)
	})
	if err != nil {
		if ne, ok := err.(*nodeerrors.NodeError); ok {
			return ne
		}
		return nodeerrors.Wrap(nodeerrors.CategoryRuntime, nodeerrors.SeverityMedium, "Io", "contact mutation failed", err)
	}
	return nil
}

// --- messages -------------------------------------------------------------

// InsertMessageIfAbsent inserts rec keyed by rec.ID unless a row with
// that id already exists, in which case it is a no-op. Returns
// inserted=false when the row already existed, satisfying the
// idempotent-insert guarantee spec.md §4.2 requires.
func (s *Store) InsertMessageIfAbsent(rec MessageRecord) (inserted bool, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		if b.Get([]byte(rec.ID)) != nil {
			return nil
		}
		data, marshalErr := json.Marshal(rec)
		if marshalErr != nil {
			return marshalErr
		}
		if putErr := b.Put([]byte(rec.ID), data); putErr != nil {
			return putErr
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, nodeerrors.Wrap(nodeerrors.CategoryRuntime, nodeerrors.SeverityMedium, "Io", "failed to insert message", err)
	}
	return inserted, nil
}

// GetMessage returns the message row for dbID, or ok=false if absent.
func (s *Store) GetMessage(dbID string) (rec *MessageRecord, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMessages).Get([]byte(dbID))
		if data == nil {
			return nil
		}
		var r MessageRecord
		if unmarshalErr := json.Unmarshal(data, &r); unmarshalErr != nil {
			return unmarshalErr
		}
		rec, ok = &r, true
		return nil
	})
	if err != nil {
		return nil, false, nodeerrors.Wrap(nodeerrors.CategoryRuntime, nodeerrors.SeverityMedium, "Io", "failed to read message", err)
	}
	return rec, ok, nil
}

// UpdateMessageTx runs fn against the existing row for dbID (which must
// already exist) and persists whatever it returns.
func (s *Store) UpdateMessageTx(dbID string, fn func(existing MessageRecord) (MessageRecord, error)) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		data := b.Get([]byte(dbID))
		if data == nil {
			return nodeerrors.ConflictError("MESSAGE_NOT_FOUND", "no message row for id "+dbID)
		}
		var existing MessageRecord
		if err := json.Unmarshal(data, &existing); err != nil {
			return err
		}
		next, fnErr := fn(existing)
		if fnErr != nil {
			return fnErr
		}
		encoded, err := json.Marshal(next)
		if err != nil {
			return err
		}
		return b.Put([]byte(dbID), encoded)
	})
	if err != nil {
		if ne, ok := err.(*nodeerrors.NodeError); ok {
			return ne
		}
		return nodeerrors.Wrap(nodeerrors.CategoryRuntime, nodeerrors.SeverityMedium, "Io", "failed to update message", err)
	}
	return nil
}

// ListConversation returns every message row for convID, sorted by
// max(server_received_at, created_at) descending per spec.md §4.2.
func (s *Store) ListConversation(convID string) ([]MessageRecord, error) {
	var out []MessageRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMessages).ForEach(func(_, v []byte) error {
			var r MessageRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.ConvID == convID {
				out = append(out, r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, nodeerrors.Wrap(nodeerrors.CategoryRuntime, nodeerrors.SeverityMedium, "Io", "failed to list conversation", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderKey() > out[j].OrderKey() })
	return out, nil
}

// --- invites ----------------------------------------------------------------

// PutInvite persists a freshly issued invite row.
func (s *Store) PutInvite(rec InviteRecord) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		data, marshalErr := json.Marshal(rec)
		if marshalErr != nil {
			return marshalErr
		}
		return tx.Bucket(bucketInvites).Put([]byte(rec.Token), data)
	})
	if err != nil {
		return nodeerrors.Wrap(nodeerrors.CategoryRuntime, nodeerrors.SeverityMedium, "Io", "failed to persist invite", err)
	}
	return nil
}

// GetInvite returns the invite row for token, or ok=false if absent.
func (s *Store) GetInvite(token string) (rec *InviteRecord, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketInvites).Get([]byte(token))
		if data == nil {
			return nil
		}
		var r InviteRecord
		if unmarshalErr := json.Unmarshal(data, &r); unmarshalErr != nil {
			return unmarshalErr
		}
		rec, ok = &r, true
		return nil
	})
	if err != nil {
		return nil, false, nodeerrors.Wrap(nodeerrors.CategoryRuntime, nodeerrors.SeverityMedium, "Io", "failed to read invite", err)
	}
	return rec, ok, nil
}

// MarkUsedIfValid atomically consumes token: it returns true only if
// the invite exists, is unused, and is not expired, and in that case
// stamps used_at=now in the same transaction. All other callers,
// including concurrent ones, receive false.
func (s *Store) MarkUsedIfValid(token string, now int64) (consumed bool, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInvites)
		data := b.Get([]byte(token))
		if data == nil {
			return nil
		}
		var rec InviteRecord
		if unmarshalErr := json.Unmarshal(data, &rec); unmarshalErr != nil {
			return unmarshalErr
		}
		if rec.UsedAt != 0 || rec.ExpiresAt <= now {
			return nil
		}
		rec.UsedAt = now
		encoded, marshalErr := json.Marshal(rec)
		if marshalErr != nil {
			return marshalErr
		}
		if putErr := b.Put([]byte(token), encoded); putErr != nil {
			return putErr
		}
		consumed = true
		return nil
	})
	if err != nil {
		return false, nodeerrors.Wrap(nodeerrors.CategoryRuntime, nodeerrors.SeverityMedium, "Io", "failed to consume invite", err)
	}
	return consumed, nil
}

// SweepInvites deletes every invite that is used or expired as of now,
// and returns the number of invites still live (unused and unexpired)
// after the sweep.
func (s *Store) SweepInvites(now int64) (live int, removed int, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInvites)
		var toDelete [][]byte
		cursorErr := b.ForEach(func(k, v []byte) error {
			var rec InviteRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.UsedAt != 0 || rec.ExpiresAt <= now {
				toDelete = append(toDelete, append([]byte(nil), k...))
			} else {
				live++
			}
			return nil
		})
		if cursorErr != nil {
			return cursorErr
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(toDelete)
		return nil
	})
	if err != nil {
		return 0, 0, nodeerrors.Wrap(nodeerrors.CategoryRuntime, nodeerrors.SeverityMedium, "Io", "failed to sweep invites", err)
	}
	return live, removed, nil
}
