package state

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/Arceliar/phony"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wisp-net/wisp/network"
	"github.com/wisp-net/wisp/routing"
	"github.com/wisp-net/wisp/table"
	"github.com/wisp-net/wisp/types"
)

type fakeScheduler struct {
	mutex  sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{now: time.Unix(1000, 0)}
}

func (s *fakeScheduler) Now() time.Time {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.now
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) routing.Timer {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	t := &fakeTimer{at: s.now.Add(d), f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) advance(d time.Duration) {
	s.mutex.Lock()
	s.now = s.now.Add(d)
	s.mutex.Unlock()
}

func (s *fakeScheduler) fire() {
	s.mutex.Lock()
	var due []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired && !t.at.After(s.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	s.mutex.Unlock()
	for _, t := range due {
		t.f()
	}
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

type fakeRefresher struct {
	mutex  sync.Mutex
	err    error
	polled []types.Peer
}

func (f *fakeRefresher) FindNode(p types.Peer) ([]types.Peer, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.polled = append(f.polled, p)
	return nil, f.err
}

func (f *fakeRefresher) polledPeers() []types.Peer {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]types.Peer(nil), f.polled...)
}

func mkPeer(first byte, tail byte, port uint16) types.Peer {
	var id types.NodeID
	id[0] = first
	id[types.IDLen-1] = tail
	return types.Peer{
		ID:   id,
		Addr: netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), port),
	}
}

func newActor(t *testing.T) (*Actor, *fakeScheduler) {
	t.Helper()
	sched := newFakeScheduler()
	var selfID types.NodeID
	selfID[types.IDLen-1] = 1
	a := New(table.New(selfID), zap.NewNop(), routing.WithScheduler(sched))
	return a, sched
}

func nodeClass(a *Actor, p types.Peer) routing.Class {
	var cl routing.Class
	phony.Block(a, func() {
		cl, _ = a.routing.NodeState(p)
	})
	return cl
}

func TestInsertNodeNewAndKnown(t *testing.T) {
	a, _ := newActor(t)
	p := mkPeer(0x80, 1, 1000)

	a.InsertNode(p)
	a.Sync()
	assert.Equal(t, 1, a.NodeCount())
	assert.Equal(t, routing.Good, nodeClass(a, p))

	// A repeat sighting of a known (but unverified) peer changes nothing.
	a.InsertNode(p)
	a.Sync()
	assert.Equal(t, 1, a.NodeCount())
}

func TestInsertNodeEvictsBadMember(t *testing.T) {
	a, _ := newActor(t)
	// Fill the high-half bucket past the split so it refuses newcomers.
	var members []types.Peer
	for idx := 0; idx < table.BucketSize; idx++ {
		p := mkPeer(0x80, byte(idx+1), uint16(1000+idx))
		members = append(members, p)
		a.InsertNode(p)
	}
	a.InsertNode(mkPeer(0x01, 1, 2000)) // forces the split
	a.Sync()
	require.Equal(t, table.BucketSize+1, a.NodeCount())

	fresh := mkPeer(0x90, 1, 3000)
	a.InsertNode(fresh)
	a.Sync()
	assert.False(t, a.Export().IsMember(fresh), "full range without a bad member refuses")

	for idx := 0; idx < 3; idx++ {
		a.ReportTimeout(members[0])
	}
	a.InsertNode(fresh)
	a.Sync()
	assert.True(t, a.Export().IsMember(fresh), "a bad member makes room")
	assert.False(t, a.Export().IsMember(members[0]))
}

func TestNotifySuccessInsertsAndConfirms(t *testing.T) {
	a, _ := newActor(t)
	p := mkPeer(0x80, 1, 1000)
	a.NotifySuccess(p)
	a.Sync()
	require.Equal(t, 1, a.NodeCount())
	assert.Equal(t, routing.Good, nodeClass(a, p))

	// Timeouts pile up, then a success wipes them.
	a.ReportTimeout(p)
	a.ReportTimeout(p)
	a.ReportTimeout(p)
	a.Sync()
	require.Equal(t, routing.Bad, nodeClass(a, p))
	a.NotifySuccess(p)
	a.Sync()
	assert.Equal(t, routing.Good, nodeClass(a, p))
}

func TestRangeRefreshPollsStaleMember(t *testing.T) {
	a, sched := newActor(t)
	ref := &fakeRefresher{}
	a.SetNetwork(ref)

	p := mkPeer(0x80, 1, 1000)
	a.InsertNode(p)
	a.Sync()

	sched.advance(routing.RangeTimeout + time.Second)
	sched.fire()
	a.Sync()

	require.Eventually(t, func() bool {
		polled := ref.polledPeers()
		return len(polled) == 1 && polled[0] == p
	}, time.Second, 5*time.Millisecond, "a stale range gets a find_node toward a member")
}

func TestRangeRefreshTimeoutCountsAgainstMember(t *testing.T) {
	a, sched := newActor(t)
	ref := &fakeRefresher{err: network.TimeoutError{}}
	a.SetNetwork(ref)

	p := mkPeer(0x80, 1, 1000)
	a.InsertNode(p)
	a.Sync()

	sched.advance(routing.RangeTimeout + time.Second)
	sched.fire()

	require.Eventually(t, func() bool {
		return len(ref.polledPeers()) == 1
	}, time.Second, 5*time.Millisecond)

	// The failed refresh counts as one timeout against the polled peer:
	// together with two more it crosses into bad.
	a.ReportTimeout(p)
	a.ReportTimeout(p)
	require.Eventually(t, func() bool {
		return nodeClass(a, p) == routing.Bad
	}, time.Second, 10*time.Millisecond)
}

func TestRangeRefreshQuietRangeJustRearms(t *testing.T) {
	a, sched := newActor(t)
	ref := &fakeRefresher{}
	a.SetNetwork(ref)

	// Two members sharing the range: one stays active, one goes idle for
	// longer than the range timeout.
	active := mkPeer(0x80, 1, 1000)
	idle := mkPeer(0x81, 1, 1001)
	a.InsertNode(active)
	a.InsertNode(idle)
	a.Sync()

	sched.advance(routing.RangeTimeout - time.Minute)
	a.NotifySuccess(active)
	a.Sync()
	sched.advance(2 * time.Minute)
	sched.fire()
	a.Sync()
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, ref.polledPeers(), "a fresh range is not polled")

	// The rearm must start from now, not from the idle member's ancient
	// activity: an immediate re-fire would busy-loop the actor.
	firedAt := sched.Now()
	sched.fire()
	a.Sync()
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, ref.polledPeers())
	sched.mutex.Lock()
	var next *fakeTimer
	for _, tm := range sched.timers {
		if !tm.stopped && !tm.fired {
			next = tm
		}
	}
	sched.mutex.Unlock()
	require.NotNil(t, next, "the range must be rearmed")
	assert.Equal(t, firedAt.Add(routing.RangeTimeout), next.at,
		"the fresh interval starts from now")
}

func TestClosestToAnswersThroughRouting(t *testing.T) {
	a, _ := newActor(t)
	for idx := 0; idx < 4; idx++ {
		a.InsertNode(mkPeer(0x80, byte(idx+1), uint16(1000+idx)))
	}
	a.Sync()
	var target types.NodeID
	target[0] = 0x80
	ps := a.ClosestTo(target)
	require.Len(t, ps, 4)
}

func TestExportAndNodeID(t *testing.T) {
	var selfID types.NodeID
	selfID[types.IDLen-1] = 7
	a := New(table.New(selfID), zap.NewNop(),
		routing.WithScheduler(newFakeScheduler()))
	require.Equal(t, selfID, a.NodeID())
	p := mkPeer(0x80, 1, 1000)
	a.InsertNode(p)
	a.Sync()
	assert.True(t, a.Export().IsMember(p))
}
