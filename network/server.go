// Package network is the query/response correlation engine: one UDP
// socket, many concurrent in-flight requests multiplexed over it by
// 16-bit transaction tags. A single cooperative actor owns the socket,
// the outstanding-request table and the token queue, serializing events
// from callers, the network and timers into one total order.
package network

import (
	"math/rand"
	"net"
	"net/netip"
	"time"

	"github.com/Arceliar/phony"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"github.com/wisp-net/wisp/proto"
	"github.com/wisp-net/wisp/types"
)

// Policy is the actor that owns routing state. The correlator holds no
// routing state of its own beyond the (stable) local node ID.
type Policy interface {
	NodeID() types.NodeID
	ClosestTo(id types.NodeID) []types.Peer
	InsertNode(p types.Peer)
	NotifySuccess(p types.Peer)
}

// Values is the info-hash store consulted by the get_peers and
// announce_peer handlers.
type Values interface {
	Find(h types.InfoHash) []netip.AddrPort
	Store(h types.InfoHash, ep netip.AddrPort)
}

type tagKey struct {
	ep  netip.AddrPort
	tag uint16
}

type result struct {
	msg *proto.Message
	err error
}

type pending struct {
	waiter chan result // buffered; exactly one terminal send
	timer  *time.Timer
}

// Server is the correlator. The outstanding table, the secrets, the token
// timer, the random sources and the closed flag are touched only inside
// the actor. The reader goroutine and the query sub-tasks use pconn, cfg,
// log, policy and values, which are set in Listen and never reassigned.
type Server struct {
	phony.Inbox
	cfg         config
	log         *zap.Logger
	policy      Policy
	values      Values
	pconn       *net.UDPConn
	local       netip.AddrPort
	outstanding map[tagKey]*pending
	secrets     []uint32
	tokenTimer  *time.Timer
	randTag     func() uint16
	randSecret  func() uint32
	closed      bool
}

// Listen binds a UDP socket and starts the correlator: the reader
// goroutine, the token queue and its rotation timer.
func Listen(addr string, policy Policy, values Values, opts ...Option) (*Server, error) {
	ua, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, err
	}
	pconn, err := net.ListenUDP("udp4", ua)
	if err != nil {
		return nil, err
	}
	s := &Server{
		policy:      policy,
		values:      values,
		pconn:       pconn,
		outstanding: make(map[tagKey]*pending),
	}
	configDefaults()(&s.cfg)
	for _, opt := range opts {
		opt(&s.cfg)
	}
	s.log = s.cfg.logger
	s.local, _ = types.FromUDPAddr(pconn.LocalAddr())
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	s.randTag = func() uint16 { return uint16(rng.Uint32()) }
	s.randSecret = rng.Uint32
	for idx := 0; idx < TokenQueueLen; idx++ {
		s.secrets = append(s.secrets, s.randSecret())
	}
	s.tokenTimer = time.AfterFunc(s.cfg.tokenLifetime, s.tokenTick)
	go s.reader()
	s.log.Info("dht socket up", zap.String("addr", s.local.String()))
	return s, nil
}

// NodePort returns the bound local endpoint.
func (s *Server) NodePort() netip.AddrPort {
	return s.local
}

// Sync is a barrier: it returns once every message submitted to the
// correlator before the call has been processed.
func (s *Server) Sync() {
	phony.Block(s, func() {})
}

// Close fails outstanding requests with ClosedError, stops the token
// timer and closes the socket.
func (s *Server) Close() error {
	var err error
	phony.Block(s, func() {
		if s.closed {
			return
		}
		s.closed = true
		s.tokenTimer.Stop()
		for key, p := range s.outstanding {
			p.timer.Stop()
			delete(s.outstanding, key)
			p.waiter <- result{err: ClosedError{}}
		}
		err = s.pconn.Close()
	})
	return err
}

// Ping checks liveness. A timeout is the "pang" case: ok is false and
// err is nil. Other failures surface as errors.
func (s *Server) Ping(ep netip.AddrPort) (types.NodeID, bool, error) {
	res := s.call(ep, &proto.QueryBody{Method: proto.MethodPing})
	switch res.err.(type) {
	case nil:
	case TimeoutError:
		return types.NodeID{}, false, nil
	default:
		return types.NodeID{}, false, res.err
	}
	msg, err := expectResponse(res.msg)
	if err != nil {
		return types.NodeID{}, false, err
	}
	return msg.Sender, true, nil
}

// FindNode asks p for the nodes closest to its own ID, and on success
// tells the policy actor that p answered. The notification names p as we
// addressed it; a responder that lied about its ID is credited anyway.
func (s *Server) FindNode(p types.Peer) ([]types.Peer, error) {
	res := s.call(p.Addr, &proto.QueryBody{Method: proto.MethodFindNode, Target: p.ID})
	if res.err != nil {
		return nil, res.err
	}
	msg, err := expectResponse(res.msg)
	if err != nil {
		return nil, err
	}
	s.policy.NotifySuccess(p)
	return msg.Response.Nodes, nil
}

// FindResult is a get_peers answer: stored values, or the closest nodes
// to keep walking, plus the token for a later announce.
type FindResult struct {
	Nodes  []types.Peer
	Values []netip.AddrPort
	Token  []byte
}

// FindValue asks ep for peers announced under id.
func (s *Server) FindValue(ep netip.AddrPort, id types.InfoHash) (*FindResult, error) {
	res := s.call(ep, &proto.QueryBody{Method: proto.MethodFindValue, Hash: id})
	if res.err != nil {
		return nil, res.err
	}
	msg, err := expectResponse(res.msg)
	if err != nil {
		return nil, err
	}
	return &FindResult{
		Nodes:  msg.Response.Nodes,
		Values: msg.Response.Values,
		Token:  msg.Response.Token,
	}, nil
}

// Store announces port under id at ep, echoing a token from an earlier
// FindValue.
func (s *Server) Store(ep netip.AddrPort, token []byte, id types.InfoHash, port uint16) (types.NodeID, error) {
	res := s.call(ep, &proto.QueryBody{
		Method: proto.MethodStore,
		Hash:   id,
		Token:  token,
		Port:   port,
	})
	if res.err != nil {
		return types.NodeID{}, res.err
	}
	msg, err := expectResponse(res.msg)
	if err != nil {
		return types.NodeID{}, err
	}
	return msg.Sender, nil
}

// call submits a query to the actor and blocks the calling goroutine on
// its waiter until exactly one terminal result arrives.
func (s *Server) call(ep netip.AddrPort, q *proto.QueryBody) result {
	ep = types.NormalizeEndpoint(ep)
	ch := make(chan result, 1)
	s.Act(nil, func() {
		s._sendQuery(ep, q, ch)
	})
	s.cfg.metrics.QueryOut(q.Method.String())
	return <-ch
}

// _sendQuery allocates a fresh tag for the endpoint, sends, and parks
// the waiter behind a timeout timer. Send failures go straight to the
// waiter; nothing is left outstanding for them.
func (s *Server) _sendQuery(ep netip.AddrPort, q *proto.QueryBody, ch chan result) {
	if s.closed {
		ch <- result{err: ClosedError{}}
		return
	}
	var key tagKey
	found := false
	for idx := 0; idx < s.cfg.tagRetries; idx++ {
		key = tagKey{ep: ep, tag: s.randTag()}
		if _, isIn := s.outstanding[key]; !isIn {
			found = true
			break
		}
	}
	if !found {
		ch <- result{err: TagExhaustedError{}}
		return
	}
	bs, err := proto.Encode(&proto.Message{
		Kind:   proto.KindQuery,
		Tag:    key.tag,
		Sender: s.policy.NodeID(),
		Query:  q,
	})
	if err != nil {
		ch <- result{err: SendError{Err: err}}
		return
	}
	if _, err := s.pconn.WriteToUDPAddrPort(bs, ep); err != nil {
		ch <- result{err: SendError{Err: err}}
		return
	}
	timer := time.AfterFunc(s.cfg.queryTimeout, func() {
		s.Act(nil, func() {
			s._handleTimeout(key)
		})
	})
	s.outstanding[key] = &pending{waiter: ch, timer: timer}
}

// _handleTimeout fires when an outstanding request's timer expires. A
// missing key means the reply won the race; the late firing is dropped.
func (s *Server) _handleTimeout(key tagKey) {
	p, isIn := s.outstanding[key]
	if !isIn {
		return
	}
	delete(s.outstanding, key)
	s.cfg.metrics.Timeout()
	p.waiter <- result{err: TimeoutError{}}
}

// _handlePacket routes one decoded datagram: to its waiter if one is
// outstanding, to the query handlers if it is an unsolicited query, to
// the floor otherwise.
func (s *Server) _handlePacket(from netip.AddrPort, msg *proto.Message) {
	if s.closed {
		return
	}
	key := tagKey{ep: from, tag: msg.Tag}
	p, isIn := s.outstanding[key]
	if !isIn {
		if msg.Kind != proto.KindQuery {
			s.cfg.metrics.Drop()
			return
		}
		s.cfg.metrics.QueryIn(msg.Query.Method.String())
		peer := types.Peer{ID: msg.Sender, Addr: from}
		secrets := append([]uint32(nil), s.secrets...)
		go s.subTask("insert_node", func() {
			s.policy.InsertNode(peer)
		})
		go s.subTask("handle_query", func() {
			s.handleQuery(from, msg, secrets)
		})
		return
	}
	if msg.Kind == proto.KindQuery {
		// A waiter can only be parked behind a tag we sent a query with;
		// a query coming back on it means we are talking to ourselves.
		panic("query matched an outstanding request")
	}
	p.timer.Stop()
	delete(s.outstanding, key)
	s.cfg.metrics.Response()
	p.waiter <- result{msg: msg}
}

// subTask runs inbound-query work off the correlator's critical path.
// Panics are logged and contained; they must not take down the
// correlator or other sub-tasks.
func (s *Server) subTask(name string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("sub-task panicked",
				zap.String("task", name),
				zap.Any("panic", r))
		}
	}()
	f()
}

// reader pulls batches of at most UDPMailboxSize datagrams off the
// socket and pauses after each batch until the correlator has drained
// it. That barrier is the node's backpressure against floods.
func (s *Server) reader() {
	batch := ipv4.NewPacketConn(s.pconn)
	msgs := make([]ipv4.Message, UDPMailboxSize)
	for idx := range msgs {
		msgs[idx].Buffers = [][]byte{make([]byte, 65536)}
	}
	for {
		n, err := batch.ReadBatch(msgs, 0)
		if err != nil {
			return // socket closed
		}
		for idx := 0; idx < n; idx++ {
			from, ok := types.FromUDPAddr(msgs[idx].Addr)
			if !ok {
				continue
			}
			msg, err := proto.Decode(msgs[idx].Buffers[0][:msgs[idx].N])
			if err != nil {
				s.cfg.metrics.Drop()
				continue
			}
			s.Act(nil, func() {
				s._handlePacket(from, msg)
			})
		}
		// Rearm only after the mailbox is drained.
		phony.Block(s, func() {})
	}
}

func expectResponse(msg *proto.Message) (*proto.Message, error) {
	if msg.Kind == proto.KindError {
		return nil, RemoteError{Code: msg.Err.Code, Msg: msg.Err.Msg}
	}
	return msg, nil
}
