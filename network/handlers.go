package network

import (
	"net/netip"

	"go.uber.org/zap"

	"github.com/wisp-net/wisp/proto"
	"github.com/wisp-net/wisp/types"
)

// handleQuery serves one unsolicited inbound query. It runs as a
// sub-task off the correlator's loop, against the token-secret snapshot
// taken at dispatch time.
func (s *Server) handleQuery(from netip.AddrPort, msg *proto.Message, secrets []uint32) {
	q := msg.Query
	resp := &proto.ResponseBody{}
	switch q.Method {
	case proto.MethodPing:
	case proto.MethodFindNode:
		resp.Nodes = s.closestExcluding(q.Target, from)
	case proto.MethodFindValue:
		resp.Token = tokenBytes(tokenValue(from, secrets[len(secrets)-1]))
		if values := s.values.Find(q.Hash); len(values) > 0 {
			resp.Values = values
		} else {
			resp.Nodes = s.closestExcluding(types.NodeID(q.Hash), from)
		}
	case proto.MethodStore:
		// A bad token is ignored, not refused: the peer still gets its
		// acknowledgement, the value just isn't stored.
		if tokenValid(from, q.Token, secrets) {
			s.values.Store(q.Hash, netip.AddrPortFrom(from.Addr(), q.Port))
		} else {
			s.cfg.metrics.TokenRefusal()
			s.log.Debug("announce with stale token",
				zap.String("peer", from.String()))
		}
	}
	s.respond(from, &proto.Message{
		Kind:     proto.KindResponse,
		Tag:      msg.Tag,
		Sender:   s.policy.NodeID(),
		Response: resp,
	})
}

// closestExcluding asks routing for the neighbors of id, dropping the
// asking endpoint itself. The filter compares ip and port only; the
// asker's claimed node ID is irrelevant here.
func (s *Server) closestExcluding(id types.NodeID, from netip.AddrPort) []types.Peer {
	closest := s.policy.ClosestTo(id)
	nodes := make([]types.Peer, 0, len(closest))
	for _, p := range closest {
		if p.Addr == from {
			continue
		}
		nodes = append(nodes, p)
	}
	return nodes
}

func (s *Server) respond(to netip.AddrPort, msg *proto.Message) {
	bs, err := proto.Encode(msg)
	if err != nil {
		s.log.Error("response encode failed", zap.Error(err))
		return
	}
	if _, err := s.pconn.WriteToUDPAddrPort(bs, to); err != nil {
		s.log.Debug("response send failed",
			zap.String("peer", to.String()), zap.Error(err))
	}
}
