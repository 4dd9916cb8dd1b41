package table

import (
	"fmt"

	"github.com/wisp-net/wisp/types"
)

// Range is the interval of the keyspace covered by one bucket: every ID
// sharing the first Bits bits of Prefix. Bits beyond the prefix are zero,
// so ranges are comparable map keys; two ranges either coincide or are
// disjoint.
type Range struct {
	Prefix types.NodeID
	Bits   int
}

// Contains reports whether id falls inside the range.
func (r Range) Contains(id types.NodeID) bool {
	for idx := 0; idx < r.Bits; idx++ {
		if id.Bit(idx) != r.Prefix.Bit(idx) {
			return false
		}
	}
	return true
}

// split halves the range. The low child keeps the prefix, the high child
// sets the next bit.
func (r Range) split() (Range, Range) {
	lo := Range{Prefix: r.Prefix, Bits: r.Bits + 1}
	hi := lo
	hi.Prefix[r.Bits/8] |= 1 << (7 - uint(r.Bits%8))
	return lo, hi
}

func (r Range) String() string {
	return fmt.Sprintf("%s/%d", r.Prefix, r.Bits)
}
