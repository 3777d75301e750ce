package monitor

import (
	"sync"
	"time"
)

// Dedup tracks previously seen item identifiers so the same announcement
// never notifies twice, including across restarts (it is part of the
// persisted snapshot). Entries only ever leave via Reset.
type Dedup struct {
	mu   sync.Mutex
	seen map[string]time.Time // id -> first seen
}

func NewDedup() *Dedup {
	return &Dedup{seen: map[string]time.Time{}}
}

func (d *Dedup) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[id]
	return ok
}

func (d *Dedup) Mark(id string, at time.Time) {
	if id == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; !ok {
		d.seen[id] = at
	}
}

// SeenBatch returns the ids not seen before, preserving input order.
// It does not mark them; callers mark after the related state commit.
func (d *Dedup) SeenBatch(ids []string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var fresh []string
	batch := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := d.seen[id]; ok {
			continue
		}
		if _, dup := batch[id]; dup {
			continue
		}
		batch[id] = struct{}{}
		fresh = append(fresh, id)
	}
	return fresh
}

// Reset drops every entry. Administrative action only.
func (d *Dedup) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = map[string]time.Time{}
}

func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

type dedupEntry struct {
	ID        string    `json:"id"`
	FirstSeen time.Time `json:"first_seen"`
}

func (d *Dedup) export() []dedupEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]dedupEntry, 0, len(d.seen))
	for id, at := range d.seen {
		out = append(out, dedupEntry{ID: id, FirstSeen: at})
	}
	return out
}

func (d *Dedup) restore(entries []dedupEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[string]time.Time, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			continue
		}
		d.seen[e.ID] = e.FirstSeen
	}
}
