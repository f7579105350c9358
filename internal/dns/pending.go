package dns

import (
	"sync"
	"time"

	"dnsgate/internal/packet"
)

type pendingKey struct {
	port uint16
	id   uint16
}

// PendingForward is a query waiting for its upstream answer.
type PendingForward struct {
	// Header is the parsed header of the original query frame, without payload.
	Header packet.Header
	// Frame holds the original IPv4 and UDP header bytes.
	Frame    []byte
	ID       uint16
	Deadline time.Time
}

func (p *PendingForward) key() pendingKey {
	return pendingKey{port: p.Header.SrcPort, id: p.ID}
}

// PendingTable tracks at most one PendingForward per (source port,
// transaction id). A newer query with the same key replaces the older one,
// whose eventual answer is then discarded.
type PendingTable struct {
	mu      sync.Mutex
	entries map[pendingKey]*PendingForward
}

// NewPendingTable creates an empty table.
func NewPendingTable() *PendingTable {
	return &PendingTable{entries: make(map[pendingKey]*PendingForward)}
}

// Put stores p and reports whether it replaced an older entry.
func (t *PendingTable) Put(p *PendingForward) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, replaced := t.entries[p.key()]
	t.entries[p.key()] = p
	return replaced
}

// Take removes p if it is still the current entry for its key.
func (t *PendingTable) Take(p *PendingForward) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.entries[p.key()]; ok && cur == p {
		delete(t.entries, p.key())
		return true
	}
	return false
}

// Expire drops every entry whose deadline is before now.
func (t *PendingTable) Expire(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, p := range t.entries {
		if p.Deadline.Before(now) {
			delete(t.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of pending forwards.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
