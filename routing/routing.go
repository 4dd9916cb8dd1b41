// Package routing wraps the routing table with liveness metadata: a
// last-activity clock and timeout counter per node, and a refresh timer
// per range. Node liveness (good, questionable, bad) is derived on read,
// never stored.
//
// A Routing value is owned by a single actor. Timers fire on the time
// package's goroutine and only call the owner's wakeup hook; they never
// touch the metadata themselves, so the owner re-enters through its own
// mailbox before calling back in.
package routing

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/wisp-net/wisp/table"
	"github.com/wisp-net/wisp/types"
)

const (
	// NodeTimeout is how long a node stays good after its last activity.
	NodeTimeout = 15 * time.Minute
	// RangeTimeout is how long a range can go without activity before its
	// timer asks the owner to refresh it.
	RangeTimeout = 15 * time.Minute
)

// Waker receives range-inactivity wakeups. Implementations must not call
// back into the Routing from inside the hook; they re-enter through
// their own mailbox first.
type Waker interface {
	RangeInactive(r table.Range)
}

// Class is the BEP-5 liveness classification.
type Class int

const (
	Good Class = iota
	Questionable
	Bad
)

func (c Class) String() string {
	switch c {
	case Good:
		return "good"
	case Questionable:
		return "questionable"
	case Bad:
		return "bad"
	}
	return "unknown"
}

// RangeStatus is the answer to RangeState.
type RangeStatus int

const (
	// RangeOK: some member was active within RangeTimeout.
	RangeOK RangeStatus = iota
	// RangeEmpty: the range has no members to refresh through.
	RangeEmpty
	// RangeNeedsRefresh: stale; the accompanying ID names a member to
	// direct a refresh lookup at.
	RangeNeedsRefresh
)

type nodeEntry struct {
	lastActivity time.Time
	timeoutCount int
	reachable    bool
}

type rangeEntry struct {
	lastActivity time.Time
	timer        Timer
}

// Routing is the routing table plus its metadata maps. The nodes map has
// exactly one entry per table member, the ranges map exactly one entry
// (with one live timer) per table range.
type Routing struct {
	table        *table.Table
	sched        Scheduler
	waker        Waker
	nodes        map[types.Peer]nodeEntry
	ranges       map[table.Range]rangeEntry
	nodeTimeout  time.Duration
	rangeTimeout time.Duration
}

type options struct {
	sched        Scheduler
	nodeTimeout  time.Duration
	rangeTimeout time.Duration
}

type Option func(*options)

// WithScheduler substitutes the clock and timer source, for tests.
func WithScheduler(s Scheduler) Option {
	return func(o *options) { o.sched = s }
}

func WithNodeTimeout(d time.Duration) Option {
	return func(o *options) { o.nodeTimeout = d }
}

func WithRangeTimeout(d time.Duration) Option {
	return func(o *options) { o.rangeTimeout = d }
}

// New wraps a table. Existing members start stale but not bad: their
// last activity is backdated a full NodeTimeout, with no timeouts
// counted and reachability unconfirmed. Every range gets a fresh timer a
// full RangeTimeout out. Timer state is deliberately not persisted
// anywhere; a restarted node rebuilds it from the clock, so wall time
// may warp across restarts without harm.
func New(t *table.Table, waker Waker, opts ...Option) (types.NodeID, *Routing) {
	o := options{
		sched:        realScheduler{},
		nodeTimeout:  NodeTimeout,
		rangeTimeout: RangeTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	r := &Routing{
		table:        t,
		sched:        o.sched,
		waker:        waker,
		nodes:        make(map[types.Peer]nodeEntry),
		ranges:       make(map[table.Range]rangeEntry),
		nodeTimeout:  o.nodeTimeout,
		rangeTimeout: o.rangeTimeout,
	}
	now := r.sched.Now()
	for _, p := range t.NodeList() {
		r.nodes[p] = nodeEntry{lastActivity: now.Add(-r.nodeTimeout)}
	}
	for _, rg := range t.Ranges() {
		r.ranges[rg] = rangeEntry{
			lastActivity: now,
			timer:        r.mkTimer(now, r.rangeTimeout, rg),
		}
	}
	return t.NodeID(), r
}

// IsMember reports whether exactly this peer is in the table.
func (r *Routing) IsMember(p types.Peer) bool {
	return r.table.IsMember(p)
}

// NodeList enumerates the table's members.
func (r *Routing) NodeList() []types.Peer {
	return r.table.NodeList()
}

// RangeMembers returns the members of rg, or nil for a non-range.
func (r *Routing) RangeMembers(rg table.Range) []types.Peer {
	return r.table.Members(rg)
}

// RangeOf returns the range that holds (or would hold) id.
func (r *Routing) RangeOf(id types.NodeID) table.Range {
	return r.table.RangeOf(id)
}

// Ranges enumerates the table's ranges.
func (r *Routing) Ranges() []table.Range {
	return r.table.Ranges()
}

// Insert adds a previously unknown peer with unreachable-add semantics:
// active now, no timeouts, reachability unconfirmed. If the insertion
// split a range, timers follow the range diff: removed ranges lose their
// timers, added ranges get one armed from the oldest member activity.
// NotInsertedError means the table refused the peer.
func (r *Routing) Insert(p types.Peer) error {
	if r.table.IsMember(p) {
		return PreconditionError{}
	}
	oldRanges := r.table.Ranges()
	r.table.Insert(p)
	now := r.now()
	// The insertion can split a range and still refuse the peer, so the
	// timers follow the table unconditionally.
	r.syncRangeTimers(oldRanges, now)
	if !r.table.IsMember(p) {
		return NotInsertedError{}
	}
	r.nodes[p] = nodeEntry{lastActivity: now}
	return nil
}

// Replace swaps a bad node for a new one. Preconditions: old is bad, new
// is not a member.
func (r *Routing) Replace(old, p types.Peer) error {
	if cl, _ := r.NodeState(old); cl != Bad {
		return PreconditionError{}
	}
	if r.table.IsMember(p) {
		return PreconditionError{}
	}
	r.table.Delete(old)
	delete(r.nodes, old)
	return r.Insert(p)
}

// Remove drops a bad node. Range timers are not recomputed; the next
// expiry or an explicit ResetRangeTimer corrects them.
func (r *Routing) Remove(p types.Peer) error {
	if cl, _ := r.NodeState(p); cl != Bad {
		return PreconditionError{}
	}
	r.table.Delete(p)
	delete(r.nodes, p)
	return nil
}

// NodeTouch records communication with a member. A reachable touch means
// the peer answered something we sent: it resets the entry outright. An
// unreachable touch is one-way inbound traffic: it refreshes a peer that
// was already confirmed reachable, and leaves an unverified peer
// untouched, so unsolicited traffic alone never keeps a node good.
func (r *Routing) NodeTouch(p types.Peer, reachable bool) {
	e, isIn := r.nodes[p]
	if !isIn {
		return
	}
	if !reachable && !e.reachable {
		return
	}
	r.nodes[p] = nodeEntry{
		lastActivity: r.now(),
		reachable:    e.reachable || reachable,
	}
}

// NodeTimeout counts one timed-out request against a member. The bad
// classification falls out of NodeState; nothing changes here beyond the
// counter.
func (r *Routing) NodeTimeout(p types.Peer) {
	e, isIn := r.nodes[p]
	if !isIn {
		return
	}
	e.timeoutCount++
	r.nodes[p] = e
}

// NodeState derives the liveness class. More than two consecutive
// timeouts is bad; otherwise fresh activity is good and anything older
// is questionable, with the returned duration saying how far past
// NodeTimeout the node is.
func (r *Routing) NodeState(p types.Peer) (Class, time.Duration) {
	e, isIn := r.nodes[p]
	if !isIn {
		return Bad, 0
	}
	if e.timeoutCount > 2 {
		return Bad, 0
	}
	age := r.age(e.lastActivity)
	if age < r.nodeTimeout {
		return Good, 0
	}
	return Questionable, age - r.nodeTimeout
}

// RangeState reports whether rg needs a refresh. A range is judged by
// its most recently active member; a stale range comes back with a
// uniformly chosen member ID to direct the refresh lookup at.
func (r *Routing) RangeState(rg table.Range) (RangeStatus, types.NodeID, error) {
	if !r.table.IsRange(rg) {
		return 0, types.NodeID{}, NotMemberError{}
	}
	members := r.table.Members(rg)
	if len(members) == 0 {
		return RangeEmpty, types.NodeID{}, nil
	}
	var latest time.Time
	for _, p := range members {
		if e, isIn := r.nodes[p]; isIn && e.lastActivity.After(latest) {
			latest = e.lastActivity
		}
	}
	if r.age(latest) <= r.rangeTimeout {
		return RangeOK, types.NodeID{}, nil
	}
	pick := members[rand.Intn(len(members))]
	return RangeNeedsRefresh, pick.ID, nil
}

// ResetRangeTimer cancels and rearms the range's timer. Forced resets
// start from now; otherwise the timer is backdated to the oldest member
// activity, so a long-quiet range fires promptly.
func (r *Routing) ResetRangeTimer(rg table.Range, force bool) error {
	e, isIn := r.ranges[rg]
	if !isIn {
		return NotMemberError{}
	}
	e.timer.Stop()
	now := r.now()
	start := now
	if !force {
		start = r.oldestActivity(rg, now)
	}
	r.ranges[rg] = rangeEntry{
		lastActivity: start,
		timer:        r.mkTimer(start, r.rangeTimeout, rg),
	}
	return nil
}

// Neighbors returns up to k peers closest to id: good peers first, then
// questionable ones to fill the shortfall. Bad peers never appear.
func (r *Routing) Neighbors(id types.NodeID, k int) []types.Peer {
	good := r.table.ClosestTo(id, func(p types.Peer) bool {
		cl, _ := r.NodeState(p)
		return cl == Good
	}, k)
	if len(good) >= k {
		return good
	}
	questionable := r.table.ClosestTo(id, func(p types.Peer) bool {
		cl, _ := r.NodeState(p)
		return cl == Questionable
	}, k-len(good))
	return append(good, questionable...)
}

// Export returns the bare table. Metadata and timers stay behind; they
// are rebuilt from the clock on the next New.
func (r *Routing) Export() *table.Table {
	return r.table
}

// syncRangeTimers reconciles the ranges map with the table after an
// insertion may have split a range.
func (r *Routing) syncRangeTimers(oldRanges []table.Range, now time.Time) {
	current := make(map[table.Range]bool)
	for _, rg := range r.table.Ranges() {
		current[rg] = true
	}
	for _, rg := range oldRanges {
		if !current[rg] {
			if e, isIn := r.ranges[rg]; isIn {
				e.timer.Stop()
				delete(r.ranges, rg)
			}
		}
	}
	for rg := range current {
		if _, isIn := r.ranges[rg]; isIn {
			continue
		}
		start := r.oldestActivity(rg, now)
		r.ranges[rg] = rangeEntry{
			lastActivity: start,
			timer:        r.mkTimer(start, r.rangeTimeout, rg),
		}
	}
}

// oldestActivity is the oldest member activity in the range, or now for
// an empty range.
func (r *Routing) oldestActivity(rg table.Range, now time.Time) time.Time {
	oldest := now
	for _, p := range r.table.Members(rg) {
		if e, isIn := r.nodes[p]; isIn && e.lastActivity.Before(oldest) {
			oldest = e.lastActivity
		}
	}
	return oldest
}

// mkTimer arms a one-shot firing interval after start, clamped so a
// backdated start fires immediately rather than in the past.
func (r *Routing) mkTimer(start time.Time, interval time.Duration, rg table.Range) Timer {
	d := interval - r.sched.Now().Sub(start)
	if d < 0 {
		d = 0
	}
	return r.sched.AfterFunc(d, func() {
		r.waker.RangeInactive(rg)
	})
}

func (r *Routing) now() time.Time {
	return r.sched.Now()
}

// age panics on a clock that ran backwards past a recorded activity;
// monotonic time makes that an invariant violation, not a recoverable
// condition.
func (r *Routing) age(last time.Time) time.Duration {
	now := r.sched.Now()
	if now.Before(last) {
		panic(fmt.Sprintf("monotonic clock warped to %v, before recorded activity %v", now, last))
	}
	return now.Sub(last)
}
