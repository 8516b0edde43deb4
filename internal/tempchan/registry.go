package tempchan

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Record describes one temporary voice channel owned by the bot.
type Record struct {
	ChannelID string
	GuildID   string
	OwnerID   string
	CreatedAt time.Time
}

// Age reports how long the channel has existed at now.
func (r Record) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// Registry is the in-memory set of temporary channels, keyed by channel id.
type Registry struct {
	mu    sync.RWMutex
	store map[string]Record
}

func NewRegistry() *Registry {
	return &Registry{
		store: make(map[string]Record),
	}
}

// Insert stores rec and reports whether an existing record was overwritten.
func (r *Registry) Insert(rec Record) bool {
	if r == nil {
		return false
	}

	rec.ChannelID = strings.TrimSpace(rec.ChannelID)
	if rec.ChannelID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.store == nil {
		r.store = make(map[string]Record)
	}
	_, replaced := r.store[rec.ChannelID]
	r.store[rec.ChannelID] = rec
	return replaced
}

func (r *Registry) Contains(channelID string) bool {
	_, ok := r.Lookup(channelID)
	return ok
}

func (r *Registry) Lookup(channelID string) (Record, bool) {
	if r == nil {
		return Record{}, false
	}

	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return Record{}, false
	}

	r.mu.RLock()
	rec, ok := r.store[channelID]
	r.mu.RUnlock()
	return rec, ok
}

// Remove deletes the record for channelID. Removing an absent id is a no-op.
func (r *Registry) Remove(channelID string) bool {
	if r == nil {
		return false
	}

	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return false
	}

	r.mu.Lock()
	_, ok := r.store[channelID]
	delete(r.store, channelID)
	r.mu.Unlock()
	return ok
}

// Snapshot copies all records, oldest first. The lock is released before
// returning so callers may perform I/O while iterating.
func (r *Registry) Snapshot() []Record {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	out := make([]Record, 0, len(r.store))
	for _, rec := range r.store {
		out = append(out, rec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ChannelID < out[j].ChannelID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.store)
}
