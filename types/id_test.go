package types

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIDRoundTrip(t *testing.T) {
	id := RandomID()
	parsed, err := ParseID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseID("zz")
	require.Error(t, err)
	_, err = ParseID("abcd")
	require.IsType(t, BadIDError{}, err)
}

func TestBitOrder(t *testing.T) {
	var id NodeID
	id[0] = 0x80
	id[1] = 0x01
	assert.Equal(t, 1, id.Bit(0))
	assert.Equal(t, 0, id.Bit(1))
	assert.Equal(t, 1, id.Bit(15))
}

func TestDistanceAndOrder(t *testing.T) {
	var a, b NodeID
	a[0] = 0x0f
	b[0] = 0xf0
	d := Distance(a, b)
	assert.Equal(t, byte(0xff), d[0])
	assert.Equal(t, d, Distance(b, a))
	assert.True(t, IDLess(a, b))
	assert.False(t, IDLess(b, a))
	assert.False(t, IDLess(a, a))
}

func TestFromUDPAddrNormalizes(t *testing.T) {
	ua := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6881}
	ep, ok := FromUDPAddr(ua)
	require.True(t, ok)
	assert.True(t, ep.Addr().Is4())
	assert.Equal(t, uint16(6881), ep.Port())

	_, ok = FromUDPAddr(&net.TCPAddr{})
	assert.False(t, ok)
}
