// Package store maps info-hashes to the peer endpoints that announced
// them. Entries expire lazily and each hash holds a bounded number of
// endpoints, newest kept.
package store

import (
	"net/netip"
	"sync"
	"time"

	"github.com/wisp-net/wisp/types"
)

const (
	// MaxPerHash bounds the endpoints remembered per info-hash.
	MaxPerHash = 128
	// EntryLifetime is how long an announcement stays findable.
	EntryLifetime = 30 * time.Minute
)

type entry struct {
	ep   netip.AddrPort
	seen time.Time
}

// Store is safe for concurrent use; query handlers call it off the
// correlator's critical path.
type Store struct {
	mutex   sync.Mutex
	entries map[types.InfoHash][]entry
	now     func() time.Time
}

func New() *Store {
	return &Store{
		entries: make(map[types.InfoHash][]entry),
		now:     time.Now,
	}
}

// Find returns the live endpoints announced for h.
func (s *Store) Find(h types.InfoHash) []netip.AddrPort {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	live := s.expire(h)
	eps := make([]netip.AddrPort, 0, len(live))
	for _, e := range live {
		eps = append(eps, e.ep)
	}
	return eps
}

// Store records an announcement. A repeated endpoint refreshes in place;
// past the per-hash cap the oldest entry is dropped.
func (s *Store) Store(h types.InfoHash, ep netip.AddrPort) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	live := s.expire(h)
	for idx := range live {
		if live[idx].ep == ep {
			live[idx].seen = s.now()
			s.entries[h] = live
			return
		}
	}
	live = append(live, entry{ep: ep, seen: s.now()})
	if len(live) > MaxPerHash {
		oldest := 0
		for idx := range live {
			if live[idx].seen.Before(live[oldest].seen) {
				oldest = idx
			}
		}
		live = append(live[:oldest], live[oldest+1:]...)
	}
	s.entries[h] = live
}

// expire drops stale entries for h and returns the remainder. Caller
// holds the mutex.
func (s *Store) expire(h types.InfoHash) []entry {
	live := s.entries[h][:0:0]
	cutoff := s.now().Add(-EntryLifetime)
	for _, e := range s.entries[h] {
		if e.seen.After(cutoff) {
			live = append(live, e)
		}
	}
	if len(live) == 0 {
		delete(s.entries, h)
		return nil
	}
	s.entries[h] = live
	return live
}
