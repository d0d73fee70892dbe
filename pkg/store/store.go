package store

import (
	"fmt"
	"path/filepath"

	"github.com/entdb/entdb/pkg/schema"
	"github.com/entdb/entdb/pkg/txn"
)

// TenantStore bundles one tenant's canonical and mailbox stores under a
// shared directory (spec §4.4's canonical.db / mailbox.db file layout,
// §6's per-tenant data directory).
type TenantStore struct {
	Canonical *CanonicalStore
	Mailbox   *MailboxStore
}

// OpenTenantStore opens both of a tenant's stores under dir, creating
// them if absent.
func OpenTenantStore(dir string) (*TenantStore, error) {
	canonical, err := OpenCanonicalStore(filepath.Join(dir, "canonical.db"))
	if err != nil {
		return nil, err
	}
	mailbox, err := OpenMailboxStore(filepath.Join(dir, "mailbox.db"))
	if err != nil {
		canonical.Close()
		return nil, fmt.Errorf("store: open tenant store %s: %w", dir, err)
	}
	return &TenantStore{Canonical: canonical, Mailbox: mailbox}, nil
}

// Close releases both underlying databases, returning the first error
// encountered.
func (t *TenantStore) Close() error {
	err1 := t.Canonical.Close()
	err2 := t.Mailbox.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// ApplyTransaction applies event across both of a tenant's stores (spec
// §4.5): for each create_node operation with recipients, it inserts one
// mailbox item per recipient with a deterministic item_id derived from
// (event_id, op_index, recipient), then applies the event to the
// canonical store.
//
// The two stores are independent badger databases, so this cannot be one
// physical transaction. Mailbox inserts run first and are idempotent on
// item_id, so a crash between the two steps either repeats a harmless
// overwrite (mailbox done, canonical retried) or leaves an orphaned,
// otherwise-invisible item on the canonical side's extremely rare
// duplicate-id invariant violation — never a silently lost item.
//
// extractors maps a node type to the snippet extractor used for mailbox
// items created from that type; a nil map or a missing entry falls back
// to DefaultSnippetExtractor. registry is passed through to the
// canonical store to enforce create_edge's endpoint-type invariant (spec
// §3 invariant 2); a nil registry skips that check.
func (t *TenantStore) ApplyTransaction(event *txn.Event, walPosition uint64, nowMS int64, extractors map[uint32]SnippetExtractor, registry *schema.Registry) (*Result, error) {
	for i, op := range event.Operations {
		if op.Kind != txn.KindCreateNode || len(op.Recipients) == 0 {
			continue
		}
		extract := DefaultSnippetExtractor
		if fn, ok := extractors[op.TypeID]; ok {
			extract = fn
		}
		snippet := extract(op.Payload)
		for _, recipient := range op.Recipients {
			item := &MailboxItem{
				ItemID:          mailboxItemID(event.EventID, i, recipient),
				RecipientUserID: recipient,
				RefID:           op.NodeID,
				SourceTypeID:    op.TypeID,
				SourceNodeID:    op.NodeID,
				TSMs:            nowMS,
				Snippet:         snippet,
			}
			if err := t.Mailbox.InsertItem(item); err != nil {
				return nil, fmt.Errorf("store: insert mailbox item for %s: %w", recipient, err)
			}
		}
	}
	return t.Canonical.ApplyTransaction(event, walPosition, nowMS, registry)
}

func mailboxItemID(eventID string, opIndex int, recipient string) string {
	return fmt.Sprintf("%s:%d:%s", eventID, opIndex, recipient)
}
