package store

import "sort"

// SnippetExtractor derives a mailbox item's search snippet from a newly
// created node's payload. Types may register a more specific extractor;
// DefaultSnippetExtractor is the fallback (spec §4.5: "best-effort first
// string field").
type SnippetExtractor func(payload map[string]any) string

// DefaultSnippetExtractor returns the first string-valued field in
// payload, ordered by field name, or "" if none exists.
func DefaultSnippetExtractor(payload map[string]any) string {
	names := make([]string, 0, len(payload))
	for k := range payload {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		if s, ok := payload[k].(string); ok {
			return s
		}
	}
	return ""
}
