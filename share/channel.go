package share

import (
	"container/list"
	"sync"
)

// A Channel is the in-process duplex pipe that bridges a TunnelProtocol
// (the real-TCP-side adapter) to the server's PUT/GET handlers, or a
// LocalTunnelProtocol's outbound/inbound pumps to the local TCP side.
//
// It holds two independent, strictly-FIFO, unbounded queues of opaque
// byte chunks:
//
//	req — chunks flowing toward the remote endpoint (pushed by PUT /
//	      the local write queue, pulled by the TunnelProtocol consumer)
//	res — chunks flowing from the remote endpoint (pushed by inbound TCP
//	      reads, pulled by GET)
//
// Neither queue imposes a size limit; back-pressure comes from the
// single-in-flight-HTTP-exchange discipline enforced above this layer
// (LocalTunnelProtocol, §4.3), not from the Channel itself. A Channel is
// intended for exactly one producer and one consumer per direction; it
// does not split or merge chunks.
type Channel struct {
	req *byteQueue
	res *byteQueue
}

// NewChannel creates a new, empty, open Channel.
func NewChannel() *Channel {
	return &Channel{
		req: newByteQueue(),
		res: newByteQueue(),
	}
}

// PushRequest enqueues one chunk on the req queue. Never blocks, never
// fails.
func (c *Channel) PushRequest(chunk []byte) {
	c.req.push(chunk)
}

// PushResponse enqueues one chunk on the res queue. Never blocks, never
// fails.
func (c *Channel) PushResponse(chunk []byte) {
	c.res.push(chunk)
}

// PullRequest blocks until a chunk is available on the req queue (FIFO
// order) or the Channel is closed, in which case ok is false.
func (c *Channel) PullRequest() (chunk []byte, ok bool) {
	return c.req.pull()
}

// PullResponse is the symmetric counterpart of PullRequest for the res
// queue.
func (c *Channel) PullResponse() (chunk []byte, ok bool) {
	return c.res.pull()
}

// Close unblocks any goroutine currently waiting in PullRequest/
// PullResponse, causing them to return ok=false. Already-queued chunks
// that have not yet been pulled are discarded. Close is idempotent.
func (c *Channel) Close() {
	c.req.close()
	c.res.close()
}

// byteQueue is an unbounded FIFO queue of byte-slice chunks, guarded by
// a mutex and condition variable. Go's built-in channel type cannot
// express unbounded capacity, so the Channel's two directions are each
// backed by one of these instead.
type byteQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  *list.List
	closed bool
}

func newByteQueue() *byteQueue {
	q := &byteQueue{
		items: list.New(),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *byteQueue) push(chunk []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items.PushBack(chunk)
	q.cond.Signal()
}

func (q *byteQueue) pull() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.items.Len() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.items.Len() == 0 {
		return nil, false
	}
	front := q.items.Front()
	q.items.Remove(front)
	return front.Value.([]byte), true
}

func (q *byteQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items.Init()
	q.cond.Broadcast()
}
