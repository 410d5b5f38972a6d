// Package traffic holds the in-memory, bounded log of proxied
// requests that backs the admin traffic endpoints and the dashboard's
// initial "last 100" snapshot. Grounded in
// original_source/proxy/server.py::AppState.traffic_log (a
// collections.deque(maxlen=10_000)) and in the teacher's
// internal/agent/registry.go single-mutex-guarded-slice style.
package traffic

import (
	"sync"

	"github.com/promptfirewall/promptfirewall/internal/model"
)

// MaxEntries bounds the log at the same size as the original deque.
const MaxEntries = 10_000

// Log is a FIFO-bounded, mutex-guarded record of TrafficEntry values.
type Log struct {
	mu      sync.Mutex
	entries []model.TrafficEntry
}

// New returns an empty traffic log.
func New() *Log {
	return &Log{entries: make([]model.TrafficEntry, 0, MaxEntries)}
}

// Append adds entry to the log, evicting the oldest entry once the log
// reaches MaxEntries.
func (l *Log) Append(entry model.TrafficEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) >= MaxEntries {
		// Evict oldest. A slice of this bound is cheap to shift; this
		// is not a hot loop (one append per proxied request).
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:len(l.entries)-1]
	}
	l.entries = append(l.entries, entry)
}

// Last returns a copy of the most recent n entries, oldest first. If
// the log holds fewer than n entries, all of them are returned.
func (l *Log) Last(n int) []model.TrafficEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n > len(l.entries) {
		n = len(l.entries)
	}
	start := len(l.entries) - n
	out := make([]model.TrafficEntry, n)
	copy(out, l.entries[start:])
	return out
}

// All returns a copy of the entire log, oldest first.
func (l *Log) All() []model.TrafficEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.TrafficEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len reports the current number of entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Find returns the entry with the given ID and true, or a zero value
// and false if no entry matches. Used by the admin replay endpoint.
func (l *Log) Find(id string) (model.TrafficEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.ID == id {
			return e, true
		}
	}
	return model.TrafficEntry{}, false
}
