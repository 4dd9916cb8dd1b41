// Package table implements the bitwise routing table: split-on-full
// k-buckets keyed by the local node ID. It knows nothing about liveness;
// the routing package layers that on top.
package table

import (
	"sort"

	"github.com/wisp-net/wisp/types"
)

// BucketSize is k: the most members a single range holds.
const BucketSize = 8

type bucket struct {
	r     Range
	peers []types.Peer // insertion order, oldest first
}

// Table is the routing table for one local node. Not safe for concurrent
// use; ownership belongs to whoever holds the table (the policy actor).
type Table struct {
	self    types.NodeID
	buckets []*bucket
}

// New returns a table for the given local ID with a single bucket
// covering the whole keyspace.
func New(self types.NodeID) *Table {
	return &Table{
		self:    self,
		buckets: []*bucket{{r: Range{}}},
	}
}

// NodeID returns the local ID the table is keyed by.
func (t *Table) NodeID() types.NodeID {
	return t.self
}

// Ranges enumerates the current buckets' ranges.
func (t *Table) Ranges() []Range {
	rs := make([]Range, 0, len(t.buckets))
	for _, b := range t.buckets {
		rs = append(rs, b.r)
	}
	return rs
}

// NodeList enumerates every member of every bucket.
func (t *Table) NodeList() []types.Peer {
	var ps []types.Peer
	for _, b := range t.buckets {
		ps = append(ps, b.peers...)
	}
	return ps
}

// IsMember reports whether exactly this peer (ID and endpoint) is in the
// table.
func (t *Table) IsMember(p types.Peer) bool {
	b := t.bucketFor(p.ID)
	for _, q := range b.peers {
		if q == p {
			return true
		}
	}
	return false
}

// IsRange reports whether r is one of the table's current ranges.
func (t *Table) IsRange(r Range) bool {
	for _, b := range t.buckets {
		if b.r == r {
			return true
		}
	}
	return false
}

// Members returns the members of r, or nil if r is not a table range.
func (t *Table) Members(r Range) []types.Peer {
	for _, b := range t.buckets {
		if b.r == r {
			return append([]types.Peer(nil), b.peers...)
		}
	}
	return nil
}

// RangeOf returns the range whose bucket would hold id.
func (t *Table) RangeOf(id types.NodeID) Range {
	return t.bucketFor(id).r
}

// Insert adds p to its bucket. The bucket holding the local ID splits as
// needed; any other full bucket refuses, as does a duplicate ID. Callers
// detect refusal by checking IsMember afterward.
func (t *Table) Insert(p types.Peer) {
	if p.ID == t.self {
		return
	}
	for {
		b := t.bucketFor(p.ID)
		for _, q := range b.peers {
			if q.ID == p.ID {
				return
			}
		}
		if len(b.peers) < BucketSize {
			b.peers = append(b.peers, p)
			return
		}
		if !b.r.Contains(t.self) || b.r.Bits >= types.IDLen*8 {
			return
		}
		t.splitBucket(b)
	}
}

// Delete removes exactly this peer, if present.
func (t *Table) Delete(p types.Peer) {
	b := t.bucketFor(p.ID)
	for idx, q := range b.peers {
		if q == p {
			b.peers = append(b.peers[:idx], b.peers[idx+1:]...)
			return
		}
	}
}

// ClosestTo returns up to k members passing filter, ordered best-first by
// XOR distance to id.
func (t *Table) ClosestTo(id types.NodeID, filter func(types.Peer) bool, k int) []types.Peer {
	var ps []types.Peer
	for _, b := range t.buckets {
		for _, p := range b.peers {
			if filter == nil || filter(p) {
				ps = append(ps, p)
			}
		}
	}
	sort.SliceStable(ps, func(i, j int) bool {
		return types.IDLess(types.Distance(ps[i].ID, id), types.Distance(ps[j].ID, id))
	})
	if len(ps) > k {
		ps = ps[:k]
	}
	return ps
}

func (t *Table) bucketFor(id types.NodeID) *bucket {
	for _, b := range t.buckets {
		if b.r.Contains(id) {
			return b
		}
	}
	// Unreachable: the buckets partition the keyspace.
	panic("routing table lost coverage of the keyspace")
}

func (t *Table) splitBucket(b *bucket) {
	loR, hiR := b.r.split()
	lo := &bucket{r: loR}
	hi := &bucket{r: hiR}
	for _, p := range b.peers {
		if loR.Contains(p.ID) {
			lo.peers = append(lo.peers, p)
		} else {
			hi.peers = append(hi.peers, p)
		}
	}
	for idx, q := range t.buckets {
		if q == b {
			t.buckets = append(t.buckets[:idx], t.buckets[idx+1:]...)
			break
		}
	}
	t.buckets = append(t.buckets, lo, hi)
}
