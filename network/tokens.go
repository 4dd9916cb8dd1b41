package network

import (
	"encoding/binary"
	"net/netip"
	"time"

	"github.com/cespare/xxhash/v2"
)

// The token queue holds the TokenQueueLen most recent random secrets,
// oldest first. Tokens are handed out against the newest secret and
// accepted against any current one, so a token stays valid for at least
// (TokenQueueLen-1) rotations after it was issued.

// tokenTick rotates the queue: drop the head, append a fresh secret,
// rearm.
func (s *Server) tokenTick() {
	s.Act(nil, func() {
		if s.closed {
			return
		}
		s.secrets = append(s.secrets[1:], s.randSecret())
		s.tokenTimer = time.AfterFunc(s.cfg.tokenLifetime, s.tokenTick)
	})
}

// tokenValue derives the 32-bit token a peer at ep should echo for the
// given secret. xxhash is not a MAC; the token filters spam, it does not
// authenticate.
func tokenValue(ep netip.AddrPort, secret uint32) uint32 {
	addr := ep.Addr().As4()
	var bs [10]byte
	copy(bs[:4], addr[:])
	binary.BigEndian.PutUint16(bs[4:6], ep.Port())
	binary.BigEndian.PutUint32(bs[6:], secret)
	return uint32(xxhash.Sum64(bs[:]))
}

// tokenBytes is the wire form of a token value.
func tokenBytes(v uint32) []byte {
	bs := make([]byte, 4)
	binary.BigEndian.PutUint32(bs, v)
	return bs
}

// tokenValid reports whether a presented token matches ep against any
// secret currently in the queue.
func tokenValid(ep netip.AddrPort, token []byte, secrets []uint32) bool {
	if len(token) != 4 {
		return false
	}
	v := binary.BigEndian.Uint32(token)
	for _, secret := range secrets {
		if tokenValue(ep, secret) == v {
			return true
		}
	}
	return false
}
