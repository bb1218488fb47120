package graph

import (
	"sync"
	"time"
)

// journalEntry is one write captured while the graph was unreachable.
// The query and parameters are replayed verbatim on recovery; every
// journalable query is written to be idempotent and monotonic so replay
// order plus the graph's own guards resolve conflicts (current value wins
// for heartbeats, journaled value wins for append-only records).
type journalEntry struct {
	Op       string
	Query    string
	Params   map[string]any
	Captured time.Time
}

// maxJournalEntries bounds the degraded-mode journal to prevent unbounded
// memory growth during a long outage. When full, the oldest entry is dropped;
// heartbeats and cycle records lose their oldest, least relevant data first.
const maxJournalEntries = 10000

// journal is the in-process append-only write buffer used in degraded mode.
// Safe for concurrent use.
type journal struct {
	mu      sync.Mutex
	entries []journalEntry
}

func newJournal() *journal {
	return &journal{}
}

// Append records a write for later replay. Returns the number of entries
// dropped to stay within the bound (0 or 1).
func (j *journal) Append(op, query string, params map[string]any) int {
	j.mu.Lock()
	defer j.mu.Unlock()

	dropped := 0
	if len(j.entries) >= maxJournalEntries {
		j.entries = j.entries[1:]
		dropped = 1
	}
	j.entries = append(j.entries, journalEntry{
		Op:       op,
		Query:    query,
		Params:   params,
		Captured: time.Now().UTC(),
	})
	return dropped
}

// Len returns the number of buffered entries.
func (j *journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// Drain replays buffered entries in capture order. Replay stops at the first
// failure; the failed entry and everything after it stay buffered for the
// next drain attempt. Returns the number of entries successfully replayed.
func (j *journal) Drain(apply func(journalEntry) error) (int, error) {
	j.mu.Lock()
	pending := j.entries
	j.entries = nil
	j.mu.Unlock()

	for i, e := range pending {
		if err := apply(e); err != nil {
			// Put the unreplayed tail back, in front of anything appended
			// while we were draining.
			j.mu.Lock()
			j.entries = append(pending[i:], j.entries...)
			j.mu.Unlock()
			return i, err
		}
	}
	return len(pending), nil
}
