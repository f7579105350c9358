package telemetry

import (
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"dnsgate/internal/metrics"
	"dnsgate/internal/store"
)

// BacklogCapacity is how many undelivered records are kept.
const BacklogCapacity = 50

// Backlog is the bounded FIFO of undelivered records, persisted through a
// store. Inserting beyond capacity evicts the oldest record.
type Backlog struct {
	store    store.BacklogStore
	capacity int
	metrics  *metrics.Collector
}

// NewBacklog creates a backlog over st. capacity <= 0 means BacklogCapacity.
func NewBacklog(st store.BacklogStore, capacity int, m *metrics.Collector) *Backlog {
	if capacity <= 0 {
		capacity = BacklogCapacity
	}
	return &Backlog{store: st, capacity: capacity, metrics: m}
}

// Capacity returns the maximum length.
func (b *Backlog) Capacity() int {
	return b.capacity
}

// Len returns the number of queued records.
func (b *Backlog) Len() int {
	return len(b.store.Backlog())
}

// Enqueue appends rec stamped with queuedAt and returns how many of the
// oldest records were evicted to stay within capacity.
func (b *Backlog) Enqueue(rec Record, queuedAt time.Time) (int, error) {
	ms := queuedAt.UnixMilli()
	rec.QueuedAt = &ms
	raw, err := json.Marshal(rec)
	if err != nil {
		return 0, err
	}

	evicted := 0
	n, err := b.store.UpdateBacklog(func(cur []json.RawMessage) []json.RawMessage {
		cur = append(cur, raw)
		if over := len(cur) - b.capacity; over > 0 {
			evicted = over
			cur = cur[over:]
		}
		return cur
	})
	b.metrics.BacklogLength(n)
	if evicted > 0 {
		logrus.WithField("evicted", evicted).Debug("Telemetry backlog full, oldest records evicted")
	}
	return evicted, err
}

// Records decodes the queued records, oldest first. Entries that do not
// decode are skipped.
func (b *Backlog) Records() []Record {
	raw := b.store.Backlog()
	out := make([]Record, 0, len(raw))
	for _, r := range raw {
		var rec Record
		if err := json.Unmarshal(r, &rec); err != nil {
			logrus.WithError(err).Debug("Skipping undecodable backlog entry")
			continue
		}
		out = append(out, rec)
	}
	return out
}

// settle drops the first n entries except those marked kept. Entries added
// after the flush began stay at the end.
func (b *Backlog) settle(n int, kept []bool) (int, error) {
	remaining, err := b.store.UpdateBacklog(func(cur []json.RawMessage) []json.RawMessage {
		if n > len(cur) {
			n = len(cur)
		}
		next := make([]json.RawMessage, 0, len(cur))
		for i := 0; i < n; i++ {
			if i < len(kept) && kept[i] {
				next = append(next, cur[i])
			}
		}
		return append(next, cur[n:]...)
	})
	b.metrics.BacklogLength(remaining)
	return remaining, err
}
