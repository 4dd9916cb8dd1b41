package store

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisp-net/wisp/types"
)

func mkHash(b byte) types.InfoHash {
	var h types.InfoHash
	h[0] = b
	return h
}

func mkEP(tail byte, port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, tail}), port)
}

func TestStoreAndFind(t *testing.T) {
	s := New()
	h := mkHash(1)
	require.Empty(t, s.Find(h))

	s.Store(h, mkEP(1, 100))
	s.Store(h, mkEP(2, 200))
	assert.ElementsMatch(t, []netip.AddrPort{mkEP(1, 100), mkEP(2, 200)}, s.Find(h))
	require.Empty(t, s.Find(mkHash(2)))
}

func TestDuplicateRefreshesInPlace(t *testing.T) {
	s := New()
	h := mkHash(1)
	s.Store(h, mkEP(1, 100))
	s.Store(h, mkEP(1, 100))
	require.Len(t, s.Find(h), 1)
}

func TestExpiry(t *testing.T) {
	s := New()
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }
	h := mkHash(1)
	s.Store(h, mkEP(1, 100))
	now = now.Add(EntryLifetime / 2)
	s.Store(h, mkEP(2, 200))

	now = now.Add(EntryLifetime/2 + time.Second)
	// The first announcement has aged out; the second survives.
	assert.Equal(t, []netip.AddrPort{mkEP(2, 200)}, s.Find(h))

	now = now.Add(EntryLifetime)
	assert.Empty(t, s.Find(h))
}

func TestPerHashCap(t *testing.T) {
	s := New()
	h := mkHash(1)
	for idx := 0; idx < MaxPerHash+10; idx++ {
		s.Store(h, mkEP(byte(idx%250), uint16(idx)))
	}
	eps := s.Find(h)
	require.Len(t, eps, MaxPerHash)
	// Newest win: the very last announcement is retained.
	assert.Contains(t, eps, mkEP(byte((MaxPerHash+9)%250), uint16(MaxPerHash+9)))
}
