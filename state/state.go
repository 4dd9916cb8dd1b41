// Package state is the policy actor: it owns the routing metadata and
// decides what inbound traffic does to it. The network correlator holds
// no routing state; everything it learns is routed through here.
package state

import (
	"github.com/Arceliar/phony"
	"go.uber.org/zap"

	"github.com/wisp-net/wisp/routing"
	"github.com/wisp-net/wisp/table"
	"github.com/wisp-net/wisp/types"
)

// K is how many neighbors a lookup answer carries.
const K = 8

// Refresher issues the refresh lookups the actor decides on. The network
// server satisfies this.
type Refresher interface {
	FindNode(p types.Peer) ([]types.Peer, error)
}

// Actor owns a routing.Routing. All access to the metadata goes through
// the inbox; the routing value itself is never shared.
type Actor struct {
	phony.Inbox
	log     *zap.Logger
	self    types.NodeID
	routing *routing.Routing
	net     Refresher
}

// New wraps a table in metadata and returns the actor that owns it.
func New(t *table.Table, log *zap.Logger, opts ...routing.Option) *Actor {
	a := &Actor{log: log}
	a.self, a.routing = routing.New(t, a, opts...)
	return a
}

// SetNetwork wires the refresher once the socket is up. Range refreshes
// are skipped until then.
func (a *Actor) SetNetwork(net Refresher) {
	phony.Block(a, func() {
		a.net = net
	})
}

// NodeID returns the local ID. It is fixed at construction, so no
// synchronization is involved.
func (a *Actor) NodeID() types.NodeID {
	return a.self
}

// ClosestTo answers a lookup: up to K good-or-questionable neighbors of
// id, good first.
func (a *Actor) ClosestTo(id types.NodeID) []types.Peer {
	var ps []types.Peer
	phony.Block(a, func() {
		ps = a.routing.Neighbors(id, K)
	})
	return ps
}

// InsertNode feeds one peer seen in inbound traffic into the table. A
// known peer gets an unsolicited touch (which only refreshes peers
// already confirmed reachable). An unknown one is inserted; if the table
// refuses it, a bad member of the same range is evicted to make room,
// and failing that the newcomer is dropped.
func (a *Actor) InsertNode(p types.Peer) {
	a.Act(nil, func() {
		if a.routing.IsMember(p) {
			a.routing.NodeTouch(p, false)
			return
		}
		err := a.routing.Insert(p)
		if _, refused := err.(routing.NotInsertedError); !refused {
			return
		}
		for _, member := range a.routing.RangeMembers(a.routing.RangeOf(p.ID)) {
			if cl, _ := a.routing.NodeState(member); cl == routing.Bad {
				if err := a.routing.Replace(member, p); err == nil {
					a.log.Debug("replaced bad node",
						zap.Stringer("evicted", member.ID),
						zap.Stringer("inserted", p.ID))
				}
				return
			}
		}
	})
}

// NotifySuccess records that p answered a request of ours: a confirmed
// reachable touch. An unknown responder is inserted first.
func (a *Actor) NotifySuccess(p types.Peer) {
	a.Act(nil, func() {
		if !a.routing.IsMember(p) {
			if err := a.routing.Insert(p); err != nil {
				return
			}
		}
		a.routing.NodeTouch(p, true)
	})
}

// ReportTimeout counts a timed-out request against p.
func (a *Actor) ReportTimeout(p types.Peer) {
	a.Act(nil, func() {
		a.routing.NodeTimeout(p)
	})
}

// RangeInactive is the wakeup hook for range timers. It re-enters
// through the inbox; the timer goroutine never touches the metadata.
func (a *Actor) RangeInactive(rg table.Range) {
	a.Act(nil, func() {
		a._refreshRange(rg)
	})
}

// Sync is a barrier over the actor's mailbox, for callers that need the
// effects of previously submitted messages to be visible.
func (a *Actor) Sync() {
	phony.Block(a, func() {})
}

// Export returns the bare routing table, timers excluded.
func (a *Actor) Export() *table.Table {
	var t *table.Table
	phony.Block(a, func() {
		t = a.routing.Export()
	})
	return t
}

// NodeCount reports the current table size.
func (a *Actor) NodeCount() int {
	var n int
	phony.Block(a, func() {
		n = len(a.routing.NodeList())
	})
	return n
}

// _refreshRange acts on one range-timer expiry: a stale range gets a
// find_node toward one of its member IDs, then the timer is rearmed
// either way.
func (a *Actor) _refreshRange(rg table.Range) {
	status, id, err := a.routing.RangeState(rg)
	if err != nil {
		// The range was split away after its timer fired.
		return
	}
	switch status {
	case routing.RangeOK, routing.RangeEmpty:
		// The range was just confirmed fresh (or has nobody to poll), so
		// it gets a full interval from now. Rearming from the oldest
		// member here would backdate the timer into the past whenever a
		// quiet member shares the range with an active one, and the
		// zero-delay timer would fire again immediately, forever.
		a.routing.ResetRangeTimer(rg, true)
	case routing.RangeNeedsRefresh:
		target := a.pickRefreshTarget(rg, id)
		a.routing.ResetRangeTimer(rg, true)
		if a.net == nil || target == nil {
			return
		}
		peer := *target
		go func() {
			if _, err := a.net.FindNode(peer); err != nil {
				a.ReportTimeout(peer)
			}
		}()
	}
}

// pickRefreshTarget finds the member whose ID the range state chose,
// skipping bad members.
func (a *Actor) pickRefreshTarget(rg table.Range, id types.NodeID) *types.Peer {
	for _, p := range a.routing.RangeMembers(rg) {
		if p.ID != id {
			continue
		}
		if cl, _ := a.routing.NodeState(p); cl == routing.Bad {
			return nil
		}
		return &p
	}
	return nil
}
