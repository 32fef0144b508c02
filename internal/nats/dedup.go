package nats

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// defaultMaxSeen is the maximum number of message IDs to track.
const defaultMaxSeen = 1000

// Deduplicator tracks seen message IDs so a redelivered policy message is
// applied once. Safe for concurrent use.
type Deduplicator struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	maxSeen int
	logger  *slog.Logger
}

// NewDeduplicator creates a new message deduplicator.
func NewDeduplicator(logger *slog.Logger) *Deduplicator {
	return &Deduplicator{
		seen:    make(map[string]time.Time),
		maxSeen: defaultMaxSeen,
		logger:  logger,
	}
}

// MarkSeen records id and reports whether it was new. Empty IDs are
// always treated as new.
func (d *Deduplicator) MarkSeen(id string) bool {
	if id == "" {
		return true
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		d.logger.Debug("skipping duplicate message", slog.String("message_id", id))
		return false
	}
	d.seen[id] = time.Now()
	if len(d.seen) > d.maxSeen {
		d.evictOldest()
	}
	return true
}

// evictOldest drops the oldest tenth of the entries. Caller holds d.mu.
func (d *Deduplicator) evictOldest() {
	toRemove := d.maxSeen / 10
	if toRemove < 1 {
		toRemove = 1
	}

	type entry struct {
		id   string
		time time.Time
	}
	entries := make([]entry, 0, len(d.seen))
	for id, t := range d.seen {
		entries = append(entries, entry{id, t})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].time.Before(entries[j].time) })

	for i := 0; i < toRemove && i < len(entries); i++ {
		delete(d.seen, entries[i].id)
	}

	d.logger.Debug("evicted old message IDs",
		slog.Int("removed", toRemove),
		slog.Int("remaining", len(d.seen)),
	)
}

// Count returns the current number of tracked IDs.
func (d *Deduplicator) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
