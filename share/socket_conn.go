package share

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// SocketConn wraps a net.Conn (normally a *net.TCPConn) as the
// real-TCP-side endpoint used by TunnelProtocol. It enables keep-alive
// where the underlying connection supports it, tracks cumulative bytes
// moved in each direction, and supports half-close (CloseWrite) so a
// TunnelProtocol can signal end-of-stream to the target service without
// tearing down the read side.
type SocketConn struct {
	ShutdownHelper
	netConn         net.Conn
	NumBytesRead    int64
	NumBytesWritten int64
}

// NewSocketConn creates a new SocketConn around an already-connected or
// already-accepted net.Conn. If the connection is a *net.TCPConn (or
// otherwise implements keep-alive), keep-alive is enabled per spec.md
// §4.2 ("On attachment: enables keep-alive on the socket").
func NewSocketConn(logger Logger, netConn net.Conn) (*SocketConn, error) {
	c := &SocketConn{
		netConn: netConn,
	}
	c.InitShutdownHelper(logger.Fork("SocketConn(%s)", netConn.RemoteAddr()), c)
	if tc, ok := netConn.(interface {
		SetKeepAlive(bool) error
	}); ok {
		if err := tc.SetKeepAlive(true); err != nil {
			c.DLogf("SetKeepAlive failed, ignoring: %s", err)
		}
	}
	if tc, ok := netConn.(interface {
		SetKeepAlivePeriod(time.Duration) error
	}); ok {
		_ = tc.SetKeepAlivePeriod(30 * time.Second)
	}
	return c, nil
}

// CloseWrite shuts down the writing side of the socket, corresponding to
// net.TCPConn.CloseWrite(). If the underlying net.Conn does not support
// half-close, this is a logged no-op rather than an error.
func (c *SocketConn) CloseWrite() error {
	var err error
	if whc, ok := c.netConn.(WriteHalfCloser); ok {
		err = whc.CloseWrite()
		if err != nil {
			err = c.Errorf("CloseWrite failed: %s", err)
		}
	} else {
		c.DLogf("CloseWrite() ignored--not implemented by net.Conn implementer")
	}
	return err
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It should take completionError
// as an advisory completion value, actually shut down, then return the real completion value.
func (c *SocketConn) HandleOnceShutdown(completionErr error) error {
	err := c.netConn.Close()
	if err != nil {
		err = fmt.Errorf("%s: %s", c.Logger.Prefix(), err)
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// Read implements the io.Reader interface
func (c *SocketConn) Read(p []byte) (n int, err error) {
	n, err = c.netConn.Read(p)
	atomic.AddInt64(&c.NumBytesRead, int64(n))
	return n, err
}

// Write implements the io.Writer interface
func (c *SocketConn) Write(p []byte) (n int, err error) {
	n, err = c.netConn.Write(p)
	atomic.AddInt64(&c.NumBytesWritten, int64(n))
	return n, err
}
