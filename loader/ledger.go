package loader

import (
	"slices"
	"sync"
)

// Ledger is the ordered record of canonical paths that finished loading through
// Require. It lives as long as the runtime that owns it.
type Ledger struct {
	mu    sync.RWMutex
	paths []string
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

// Append records path at the end of the ledger. It does not deduplicate.
func (l *Ledger) Append(path string) {
	l.mu.Lock()
	l.paths = append(l.paths, path)
	l.mu.Unlock()
}

// Contains reports whether path has been recorded.
func (l *Ledger) Contains(path string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Contains(l.paths, path)
}

// Paths returns a copy of the ledger in completion order.
func (l *Ledger) Paths() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.paths)
}

// Len returns the number of recorded paths, duplicates included.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.paths)
}

// Set replaces the path at index i. It reports false when i is out of range.
func (l *Ledger) Set(i int, path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i < 0 || i >= len(l.paths) {
		return false
	}
	l.paths[i] = path
	return true
}

// Truncate drops every path from index n on, so they can be required again.
func (l *Ledger) Truncate(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n < 0 {
		n = 0
	}
	if n < len(l.paths) {
		l.paths = l.paths[:n]
	}
}
