package share

import (
	"fmt"
	"sync/atomic"

	"github.com/jpillora/sizestr"
)

// ConnStats keeps track of currently open and total tunnel counts, plus
// cumulative bytes moved in each direction, for an entity (a Server or
// a Client).
type ConnStats struct {
	count        int32
	open         int32
	bytesToReq   int64
	bytesToRes   int64
}

// New adds one to the total tunnel count in a ConnStats
func (c *ConnStats) New() int32 {
	return atomic.AddInt32(&c.count, 1)
}

// Open adds one to the current open tunnel count in a ConnStats
func (c *ConnStats) Open() {
	atomic.AddInt32(&c.open, 1)
}

// Close subtracts one from the current open tunnel count in a ConnStats
func (c *ConnStats) Close() {
	atomic.AddInt32(&c.open, -1)
}

// AddRequestBytes accumulates bytes carried on the req (toward the
// remote endpoint) direction
func (c *ConnStats) AddRequestBytes(n int) {
	atomic.AddInt64(&c.bytesToReq, int64(n))
}

// AddResponseBytes accumulates bytes carried on the res (from the
// remote endpoint) direction
func (c *ConnStats) AddResponseBytes(n int) {
	atomic.AddInt64(&c.bytesToRes, int64(n))
}

func (c *ConnStats) String() string {
	return fmt.Sprintf("[%d/%d, req=%s, res=%s]",
		atomic.LoadInt32(&c.open), atomic.LoadInt32(&c.count),
		sizestr.ToString(atomic.LoadInt64(&c.bytesToReq)),
		sizestr.ToString(atomic.LoadInt64(&c.bytesToRes)))
}
