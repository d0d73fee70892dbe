package store

import (
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// CanonicalStore holds one tenant's nodes, edges, ACL rows,
// applied_events dedup table, and tenant_meta, all in a single badger
// database (spec §4.4, canonical.db).
type CanonicalStore struct {
	db *badger.DB
}

// OpenCanonicalStore opens (creating if absent) the badger database at
// path.
func OpenCanonicalStore(path string) (*CanonicalStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open canonical db %s: %w", path, err)
	}
	return &CanonicalStore{db: db}, nil
}

// Close releases the underlying database.
func (s *CanonicalStore) Close() error {
	return s.db.Close()
}

// Checkpoint returns the last WAL position the applier durably recorded
// as applied for this tenant, or 0 if none.
func (s *CanonicalStore) Checkpoint() (uint64, error) {
	v, err := s.getMeta(metaCheckpoint)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, nil
	}
	return decodeU64(v), nil
}

// SchemaFingerprint returns the schema fingerprint tenant_meta was last
// stamped with, or nil if the tenant has never applied an event.
func (s *CanonicalStore) SchemaFingerprint() ([]byte, error) {
	return s.getMeta(metaSchemaFingerprint)
}

func (s *CanonicalStore) getMeta(name string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(name))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			out = append([]byte(nil), v...)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: read meta %s: %w", name, err)
	}
	return out, nil
}

func encodeU64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v >> (8 * i))
	}
	return b
}

func decodeU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
