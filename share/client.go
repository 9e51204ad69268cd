package share

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/jpillora/backoff"
)

// ClientConfig configures a Client (spec.md §5, §6).
type ClientConfig struct {
	// BaseURL is the tunnel server's route, e.g. "https://host:1080/aiotunnel".
	BaseURL string
	// Reverse selects reverse tunnelling.
	Reverse bool
	// LocalAddr is the local TCP endpoint: in forward mode, the address
	// this process listens on for client connections; in reverse mode,
	// the address of the local service being exposed.
	LocalAddr TargetAddr
	// RemoteAddr is the address carried in the POST body: in forward
	// mode, the target the server should dial; in reverse mode, the
	// address the server should listen on for external callers.
	RemoteAddr TargetAddr
	TLSConfig  *tls.Config
	// BackoffMax is consulted on every retry rather than once at startup,
	// so a caller backed by a live *Config (see Config.BackoffMax) picks up
	// a hot-reloaded value without restarting the client.
	BackoffMax func() time.Duration
}

// Client is the CLI-facing mode selector (spec.md §5): it either runs a
// forward-mode local listener (runForward) or a reverse-mode
// persistent dial-out loop, both built on LocalTunnelProtocol.
type Client struct {
	ShutdownHelper
	config ClientConfig
}

// NewClient creates a Client. Run does the work; it returns once ctx is
// cancelled, or earlier in forward mode if the local listener fails.
func NewClient(logger Logger, config ClientConfig) *Client {
	c := &Client{config: config}
	c.InitShutdownHelper(logger, c)
	return c
}

// HandleOnceShutdown is a no-op; Client has no resources of its own
// beyond what Run's sub-components already clean up on ctx cancellation.
func (c *Client) HandleOnceShutdown(completionErr error) error {
	return completionErr
}

// Run starts the client in whichever mode config.Reverse selects and
// blocks until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	if c.config.Reverse {
		return c.runReverse(ctx)
	}
	return c.runForward(ctx)
}

// runForward listens on config.LocalAddr and, for each accepted
// connection, registers a forward tunnel to config.RemoteAddr and
// attaches a LocalTunnelProtocol to service it (spec.md §5 forward
// mode). Grounded on the teacher's TCPProxy accept loop.
func (c *Client) runForward(ctx context.Context) error {
	l, err := net.Listen("tcp", c.config.LocalAddr.HostPort())
	if err != nil {
		return c.Errorf("listen on %s failed: %s", c.config.LocalAddr, err)
	}
	c.ILogf("listening on %s, tunnelling to %s via %s", c.config.LocalAddr, c.config.RemoteAddr, c.config.BaseURL)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.ILogf("forcing close of listener %s: %s", c.config.LocalAddr, ctx.Err())
			l.Close()
		case <-done:
		}
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				c.ILogf("accept error on %s, shutting down: %s", c.config.LocalAddr, err)
			}
			close(done)
			return nil
		}
		go c.serveForwardConn(ctx, conn)
	}
}

func (c *Client) serveForwardConn(ctx context.Context, conn net.Conn) {
	ltp, err := NewLocalTunnelProtocol(c.Logger.Fork("LocalTunnelProtocol(%s)", conn.RemoteAddr()), conn, c.config.BaseURL, c.config.RemoteAddr, c.config.TLSConfig, c.config.BackoffMax, nil)
	if err != nil {
		c.DLogf("cannot prepare tunnel for %s: %s", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	if err := ltp.Attach(ctx); err != nil {
		c.DLogf("cannot register tunnel for %s: %s", conn.RemoteAddr(), err)
		conn.Close()
	}
}

// runReverse repeatedly registers a reverse tunnel for config.RemoteAddr
// (the address the server should expose) and dials config.LocalAddr
// (the local service), redialing whenever the dial-out connection ends
// (failed dials are retried on the backoff schedule), until ctx is
// cancelled (spec.md §5 reverse mode).
func (c *Client) runReverse(ctx context.Context) error {
	b := &backoff.Backoff{Max: c.config.BackoffMax()}
	for !c.IsStartedShutdown() {
		conn, err := net.Dial("tcp", c.config.LocalAddr.HostPort())
		if err != nil {
			b.Max = c.config.BackoffMax()
			d := b.Duration()
			c.DLogf("cannot reach local service %s: %s, retrying in %s", c.config.LocalAddr, err, d)
			select {
			case <-time.After(d):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		b.Reset()
		c.ILogf("exposing %s as %s over %s", c.config.LocalAddr, c.config.RemoteAddr, c.config.BaseURL)

		onConnLost := make(chan struct{})
		ltp, err := NewLocalTunnelProtocol(c.Logger.Fork("LocalTunnelProtocol(%s)", c.config.RemoteAddr), conn, c.config.BaseURL, c.config.RemoteAddr, c.config.TLSConfig, c.config.BackoffMax, onConnLost)
		if err != nil {
			conn.Close()
			continue
		}
		if err := ltp.Attach(ctx); err != nil {
			c.DLogf("cannot register reverse tunnel for %s: %s", c.config.RemoteAddr, err)
			conn.Close()
			continue
		}

		select {
		case <-onConnLost:
		case <-ctx.Done():
			ltp.Close()
			return nil
		}
	}
	return nil
}
