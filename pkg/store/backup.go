package store

import (
	"fmt"
	"io"

	badger "github.com/dgraph-io/badger/v4"
)

// Backup streams a full, consistent copy of the canonical database to w,
// in badger's native KV-log stream format (spec §4.7 step 2: "open a
// read snapshot... the embedded store must support a consistent backup
// operation"). Badger's own MVCC snapshot makes this safe to run
// concurrently with an in-flight applier transaction.
func (s *CanonicalStore) Backup(w io.Writer) error {
	if _, err := s.db.Backup(w, 0); err != nil {
		return fmt.Errorf("store: backup canonical db: %w", err)
	}
	return nil
}

// Load restores a backup produced by Backup into this (expected to be
// empty) database.
func (s *CanonicalStore) Load(r io.Reader) error {
	if err := s.db.Load(r, 256); err != nil {
		return fmt.Errorf("store: load canonical db: %w", err)
	}
	return nil
}

// Backup streams a full, consistent copy of the mailbox database to w.
// The full-text index is not part of the stream; OpenMailboxStore
// rebuilds it from the restored items table on next open.
func (s *MailboxStore) Backup(w io.Writer) error {
	if _, err := s.db.Backup(w, 0); err != nil {
		return fmt.Errorf("store: backup mailbox db: %w", err)
	}
	return nil
}

// Load restores a backup produced by Backup into this (expected to be
// empty) database. The caller must rebuild the full-text index
// afterward (e.g. by reopening via OpenMailboxStore).
func (s *MailboxStore) Load(r io.Reader) error {
	if err := s.db.Load(r, 256); err != nil {
		return fmt.Errorf("store: load mailbox db: %w", err)
	}
	return nil
}

// AdvanceCheckpoint durably records walPosition as applied without
// running a full apply_transaction. Used by the applier's replay-safe
// path (spec §4.5: an event already present in applied_events still
// advances the checkpoint on replay) and by dead-letter handling, where
// the event is skipped but the stream must not stall on it.
func (s *CanonicalStore) AdvanceCheckpoint(walPosition uint64) error {
	return s.db.Update(func(btx *badger.Txn) error {
		return btx.Set(metaKey(metaCheckpoint), encodeU64(walPosition))
	})
}
