// pagination.go — Cursor-based pagination helpers for get_logs,
// get_network_requests, and conversation.list responses.
// Uses generic ApplyCursorPagination to eliminate duplication across entry types.
package pagination

import (
	"fmt"
	"strconv"
)

// LogEntry is a map-based structured log entry (see internal/logging).
// any: log fields are dynamic; a map avoids a rigid schema.
type LogEntry = map[string]any

// entryStr extracts a string field from a LogEntry map.
// Returns empty string if the field doesn't exist or isn't a string.
func entryStr(entry LogEntry, key string) string {
	if v, ok := entry[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// ============================================
// Sequenced is the interface for entries with pagination metadata.
// ============================================

// Sequenced provides access to sequence and timestamp for cursor pagination.
type Sequenced interface {
	GetSequence() int64
	GetTimestamp() string
}

// CursorParams bundles cursor pagination parameters.
type CursorParams struct {
	AfterCursor       string
	BeforeCursor      string
	SinceCursor       string
	Limit             int
	RestartOnEviction bool
}

// resolveCursorType determines which cursor string and type to use.
func resolveCursorType(after, before, since string) (string, string) {
	if after != "" {
		return after, "after"
	}
	if before != "" {
		return before, "before"
	}
	if since != "" {
		return since, "since"
	}
	return "", ""
}

// checkCursorExpired checks if the cursor has expired due to buffer overflow.
// Returns true if cursor expired and was handled (restart or error).
func checkCursorExpired[T Sequenced](
	entries []T, cursor Cursor, cursorStr string,
	restartOnEviction bool, metadata *CursorPaginationMetadata,
) error {
	if len(entries) == 0 || cursor.Sequence <= 0 {
		return nil
	}
	oldestSeq := entries[0].GetSequence()
	if cursor.Sequence >= oldestSeq {
		return nil
	}
	if restartOnEviction {
		metadata.CursorRestarted = true
		metadata.OriginalCursor = cursorStr
		metadata.Warning = fmt.Sprintf("Cursor expired (buffer overflow). Restarted from oldest available entry. Lost entries: %d to %d",
			cursor.Sequence, oldestSeq-1)
		return nil
	}
	return fmt.Errorf("cursor expired (buffer overflow). Requested sequence %d, oldest available is %d. Lost %d entries",
		cursor.Sequence, oldestSeq, oldestSeq-cursor.Sequence)
}

// filterByCursor filters entries using the cursor comparison for the given cursor type.
func filterByCursor[T Sequenced](entries []T, cursor Cursor, cursorType string) []T {
	var filtered []T
	for _, e := range entries {
		if matchesCursorType(cursor, cursorType, e.GetTimestamp(), e.GetSequence()) {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

// matchesCursorType returns true if an entry matches the cursor filter for the given type.
func matchesCursorType(cursor Cursor, cursorType, ts string, seq int64) bool {
	switch cursorType {
	case "after":
		return cursor.IsOlder(ts, seq)
	case "before":
		return cursor.IsNewer(ts, seq)
	case "since":
		return cursor.IsNewer(ts, seq) || (ts == cursor.Timestamp && seq == cursor.Sequence)
	default:
		return false
	}
}

// applyLimit trims entries to limit, respecting pagination direction.
func applyLimit[T Sequenced](entries []T, limit int, forwardPagination bool) []T {
	if limit <= 0 || limit >= len(entries) {
		return entries
	}
	if forwardPagination {
		return entries[:limit]
	}
	return entries[len(entries)-limit:]
}

// buildMetadata populates pagination metadata from the result set.
func buildMetadata[T Sequenced](entries []T, afterCursor string, countBeforeLimit int, metadata *CursorPaginationMetadata) {
	metadata.Count = len(entries)
	if len(entries) == 0 {
		return
	}
	metadata.OldestTimestamp = entries[0].GetTimestamp()
	last := entries[len(entries)-1]
	metadata.NewestTimestamp = last.GetTimestamp()
	metadata.Cursor = BuildCursor(last.GetTimestamp(), last.GetSequence())
	if countBeforeLimit > len(entries) {
		metadata.HasMore = true
	}
}

// ApplyCursorPagination is the generic cursor pagination implementation.
// Works for any Sequenced type (logs, network requests, conversation summaries).
func ApplyCursorPagination[T Sequenced](entries []T, p CursorParams) ([]T, *CursorPaginationMetadata, error) {
	metadata := &CursorPaginationMetadata{Total: len(entries)}

	cursorStr, cursorType := resolveCursorType(p.AfterCursor, p.BeforeCursor, p.SinceCursor)

	// No cursor specified - just apply limit
	if cursorStr == "" {
		countBeforeLimit := len(entries)
		entries = applyLimit(entries, p.Limit, false)
		buildMetadata(entries, p.AfterCursor, countBeforeLimit, metadata)
		return entries, metadata, nil
	}

	cursor, err := ParseCursor(cursorStr)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid cursor format: %w", err)
	}

	if err := checkCursorExpired(entries, cursor, cursorStr, p.RestartOnEviction, metadata); err != nil {
		return nil, nil, err
	}

	if !metadata.CursorRestarted {
		entries = filterByCursor(entries, cursor, cursorType)
	}

	countBeforeLimit := len(entries)
	forwardPagination := metadata.CursorRestarted || p.AfterCursor == ""
	entries = applyLimit(entries, p.Limit, forwardPagination)
	buildMetadata(entries, p.AfterCursor, countBeforeLimit, metadata)
	return entries, metadata, nil
}

// ============================================
// Log Pagination
// ============================================

// LogEntryWithSequence pairs a log entry with its sequence number and timestamp for pagination.
type LogEntryWithSequence struct {
	Entry     LogEntry
	Sequence  int64
	Timestamp string
}

// GetSequence implements Sequenced.
func (e LogEntryWithSequence) GetSequence() int64 { return e.Sequence }

// GetTimestamp implements Sequenced.
func (e LogEntryWithSequence) GetTimestamp() string { return e.Timestamp }

// EnrichLogEntries adds sequence numbers and timestamps to entries for pagination.
// Must be called with the UNFILTERED entry list to get correct sequence numbers.
func EnrichLogEntries(entries []LogEntry, logTotalAdded int64) []LogEntryWithSequence {
	enriched := make([]LogEntryWithSequence, len(entries))
	baseSeq := logTotalAdded - int64(len(entries)) + 1

	for i, entry := range entries {
		enriched[i] = LogEntryWithSequence{
			Entry:     entry,
			Sequence:  baseSeq + int64(i),
			Timestamp: entryStr(entry, "timestamp"),
		}
	}

	return enriched
}

// ApplyLogCursorPagination applies cursor-based pagination to log entries with sequence metadata.
// Returns filtered entries, cursor metadata, and any error.
func ApplyLogCursorPagination(
	enrichedEntries []LogEntryWithSequence,
	afterCursor, beforeCursor, sinceCursor string,
	limit int,
	restartOnEviction bool,
) ([]LogEntryWithSequence, *CursorPaginationMetadata, error) {
	return ApplyCursorPagination(enrichedEntries, CursorParams{
		AfterCursor:       afterCursor,
		BeforeCursor:      beforeCursor,
		SinceCursor:       sinceCursor,
		Limit:             limit,
		RestartOnEviction: restartOnEviction,
	})
}

// SerializeLogEntryWithSequence flattens an enriched log entry into the
// wire shape returned by get_logs: the original entry fields plus the
// pagination-derived timestamp and sequence, with tabId normalized to a
// string since extension-side tab ids travel as JSON numbers.
func SerializeLogEntryWithSequence(e LogEntryWithSequence) map[string]any {
	out := make(map[string]any, len(e.Entry)+2)
	for k, v := range e.Entry {
		if k == "ts" || k == "timestamp" {
			continue
		}
		out[k] = v
	}
	if tabID, ok := e.Entry["tabId"]; ok {
		out["tab_id"] = fmt.Sprintf("%v", tabID)
		if f, ok := tabID.(float64); ok {
			out["tab_id"] = strconv.FormatInt(int64(f), 10)
		}
		delete(out, "tabId")
	}
	out["timestamp"] = e.Timestamp
	out["sequence"] = e.Sequence
	return out
}

// ============================================
// Conversation Pagination
// ============================================

// ConversationEntry is a minimal conversation summary as surfaced by the
// conversation API's list operation (§4.7, Conversation API family).
type ConversationEntry struct {
	ID        string
	Title     string
	Sequence  int64
	Timestamp string
}

// GetSequence implements Sequenced.
func (e ConversationEntry) GetSequence() int64 { return e.Sequence }

// GetTimestamp implements Sequenced.
func (e ConversationEntry) GetTimestamp() string { return e.Timestamp }

// ApplyConversationCursorPagination applies cursor-based pagination to
// conversation summaries ordered oldest-to-newest by Sequence.
func ApplyConversationCursorPagination(
	entries []ConversationEntry,
	afterCursor, beforeCursor, sinceCursor string,
	limit int,
) ([]ConversationEntry, *CursorPaginationMetadata, error) {
	return ApplyCursorPagination(entries, CursorParams{
		AfterCursor:  afterCursor,
		BeforeCursor: beforeCursor,
		SinceCursor:  sinceCursor,
		Limit:        limit,
	})
}
