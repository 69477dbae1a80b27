package payment

import (
	"time"
)

// Limits bound the history log.
type Limits struct {
	MaxEntries int
	MaxAge     time.Duration
}

// DefaultLimits keeps the last 100 entries and nothing older than 30 days.
func DefaultLimits() Limits {
	return Limits{MaxEntries: 100, MaxAge: 30 * 24 * time.Hour}
}

// HistoryEntry is an archived terminal intent.
type HistoryEntry struct {
	Intent     Intent    `json:"intent"`
	ArchivedAt time.Time `json:"archived_at"`
}

// Evict applies limits to entries (oldest first) and returns the survivors.
// Entries archived before now-MaxAge go first, then the oldest beyond
// MaxEntries. The input slice is not modified.
func Evict(entries []HistoryEntry, limits Limits, now time.Time) []HistoryEntry {
	out := make([]HistoryEntry, 0, len(entries))
	for _, e := range entries {
		if limits.MaxAge > 0 && now.Sub(e.ArchivedAt) > limits.MaxAge {
			continue
		}
		out = append(out, e)
	}
	if limits.MaxEntries > 0 && len(out) > limits.MaxEntries {
		out = out[len(out)-limits.MaxEntries:]
	}
	return out
}

// History is the bounded append-only log of terminal intents.
type History struct {
	entries []HistoryEntry
	limits  Limits
}

func NewHistory(limits Limits) *History {
	return &History{limits: limits}
}

// Append archives intent and applies the limits.
func (h *History) Append(intent Intent, now time.Time) {
	h.entries = append(h.entries, HistoryEntry{Intent: intent, ArchivedAt: now})
	h.entries = Evict(h.entries, h.limits, now)
}

// Prune applies the limits without adding anything and returns the number
// of entries dropped.
func (h *History) Prune(now time.Time) int {
	before := len(h.entries)
	h.entries = Evict(h.entries, h.limits, now)
	return before - len(h.entries)
}

// Entries returns a copy, oldest first.
func (h *History) Entries() []HistoryEntry {
	return append([]HistoryEntry(nil), h.entries...)
}

func (h *History) Len() int { return len(h.entries) }

func (h *History) replace(entries []HistoryEntry) {
	h.entries = entries
}
