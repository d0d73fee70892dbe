package store

import (
	"encoding/json"
	"fmt"
	"math"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/entdb/entdb/pkg/search"
)

const (
	prefixItem       = "i:"  // i:<item_id> -> item record
	prefixItemByUser = "ir:" // ir:<recipient_user_id><inverted_ts><item_id> -> "" (ts DESC index)
)

// MailboxStore holds one tenant's mailbox items (spec §4.4, mailbox.db)
// plus an in-memory BM25 index over their snippets (spec §4.4, items_fts),
// rebuilt from the items table on open.
type MailboxStore struct {
	db    *badger.DB
	index *search.FulltextIndex
}

type itemRecord struct {
	RecipientUserID string         `json:"recipient_user_id"`
	RefID           string         `json:"ref_id"`
	SourceTypeID    uint32         `json:"source_type_id"`
	SourceNodeID    string         `json:"source_node_id"`
	ThreadID        string         `json:"thread_id"`
	TSMs            int64          `json:"ts_ms"`
	State           map[string]any `json:"state"`
	Snippet         string         `json:"snippet"`
}

// OpenMailboxStore opens (creating if absent) the mailbox badger
// database at path and rebuilds its full-text index from existing rows.
func OpenMailboxStore(path string) (*MailboxStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open mailbox db %s: %w", path, err)
	}
	ms := &MailboxStore{db: db, index: search.NewFulltextIndex()}
	if err := ms.rebuildIndex(); err != nil {
		db.Close()
		return nil, err
	}
	return ms, nil
}

func (ms *MailboxStore) rebuildIndex() error {
	return ms.db.View(func(btx *badger.Txn) error {
		it := btx.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(prefixItem)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id, err := splitAfterPrefix(it.Item().Key(), prefix)
			if err != nil {
				return err
			}
			var rec itemRecord
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
				return err
			}
			ms.index.Index(string(id), rec.Snippet)
		}
		return nil
	})
}

// Close releases the underlying database.
func (ms *MailboxStore) Close() error {
	return ms.db.Close()
}

func invertedTS(tsMs int64) uint64 {
	if tsMs < 0 {
		tsMs = 0
	}
	return math.MaxUint64 - uint64(tsMs)
}

func itemKey(id string) []byte {
	return append([]byte(prefixItem), id...)
}

func itemByUserKey(recipient string, tsMs int64, id string) []byte {
	k := append([]byte(prefixItemByUser), recipient...)
	k = append(k, 0)
	k = append(k, encodeU64(invertedTS(tsMs))...)
	return append(k, id...)
}

func itemByUserPrefix(recipient string) []byte {
	k := append([]byte(prefixItemByUser), recipient...)
	return append(k, 0)
}

// InsertItem adds one mailbox item, idempotent on ItemID: inserting the
// same id twice overwrites the row and re-indexes its snippet.
func (ms *MailboxStore) InsertItem(item *MailboxItem) error {
	rec := itemRecord{
		RecipientUserID: item.RecipientUserID,
		RefID:           item.RefID,
		SourceTypeID:    item.SourceTypeID,
		SourceNodeID:    item.SourceNodeID,
		ThreadID:        item.ThreadID,
		TSMs:            item.TSMs,
		State:           item.State,
		Snippet:         item.Snippet,
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encode mailbox item: %w", err)
	}
	err = ms.db.Update(func(btx *badger.Txn) error {
		if err := btx.Set(itemKey(item.ItemID), b); err != nil {
			return err
		}
		return btx.Set(itemByUserKey(item.RecipientUserID, item.TSMs, item.ItemID), nil)
	})
	if err != nil {
		return fmt.Errorf("store: insert mailbox item %s: %w", item.ItemID, err)
	}
	ms.index.Index(item.ItemID, item.Snippet)
	return nil
}

func (ms *MailboxStore) getItem(btx *badger.Txn, id string) (*MailboxItem, error) {
	item, err := btx.Get(itemKey(id))
	if err != nil {
		return nil, err
	}
	var rec itemRecord
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
		return nil, err
	}
	return &MailboxItem{
		ItemID:          id,
		RecipientUserID: rec.RecipientUserID,
		RefID:           rec.RefID,
		SourceTypeID:    rec.SourceTypeID,
		SourceNodeID:    rec.SourceNodeID,
		ThreadID:        rec.ThreadID,
		TSMs:            rec.TSMs,
		State:           rec.State,
		Snippet:         rec.Snippet,
	}, nil
}

// MailboxOptions bounds a Mailbox listing.
type MailboxOptions struct {
	Limit  int
	Offset int
}

// Mailbox returns recipient's items newest-first (spec §4.4, the
// (recipient_user_id, ts DESC) index), skipping the first Offset items
// (spec §6: mailbox(user, limit, offset)).
func (ms *MailboxStore) Mailbox(recipient string, opts MailboxOptions) ([]*MailboxItem, error) {
	var items []*MailboxItem
	skipped := 0
	err := ms.db.View(func(btx *badger.Txn) error {
		it := btx.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := itemByUserPrefix(recipient)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rest, err := splitAfterPrefix(it.Item().Key(), prefix)
			if err != nil {
				return err
			}
			if skipped < opts.Offset {
				skipped++
				continue
			}
			id := string(rest[8:]) // skip the 8-byte inverted timestamp
			mi, err := ms.getItem(btx, id)
			if err != nil {
				return err
			}
			items = append(items, mi)
			if opts.Limit > 0 && len(items) >= opts.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: mailbox %s: %w", recipient, err)
	}
	return items, nil
}

// SearchHit is one scored mailbox search result.
type SearchHit struct {
	Item  *MailboxItem
	Score float64
}

// Search runs a BM25 query over recipient's mailbox snippets (spec
// §4.4). The full-text index is tenant-wide; results are filtered to
// the requesting recipient's own items.
func (ms *MailboxStore) Search(recipient, query string, limit int) ([]SearchHit, error) {
	// Overfetch from the shared index since it isn't partitioned by
	// recipient, then filter and re-truncate.
	raw := ms.index.Search(query, limit*8+32)
	if raw == nil {
		return nil, nil
	}
	var hits []SearchHit
	err := ms.db.View(func(btx *badger.Txn) error {
		for _, r := range raw {
			mi, err := ms.getItem(btx, r.ID)
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}
			if mi.RecipientUserID != recipient {
				continue
			}
			hits = append(hits, SearchHit{Item: mi, Score: r.Score})
			if limit > 0 && len(hits) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: search recipient=%s: %w", recipient, err)
	}
	return hits, nil
}
