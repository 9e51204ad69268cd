package share

import (
	"io"
	"net"
)

// TunnelProtocol is the TCP byte-stream adapter bound to a live TCP
// endpoint and a Channel (spec.md §4.2). It is used on whichever side
// owns the real TCP endpoint: the server in forward mode (dialed
// connection to the target service) or in reverse mode (each connection
// accepted on the externally-visible listener).
//
// On Attach: enables keep-alive on the socket (via SocketConn), starts a
// single consumer goroutine that repeatedly pulls from channel.req and
// writes each chunk to the TCP endpoint in order, and starts a reader
// goroutine that pushes each inbound TCP read onto channel.res. On peer
// half-close/EOF or any read/write error, the TCP endpoint is closed and
// the reader goroutine exits; the consumer goroutine exits once its next
// write fails or the Channel is closed. The Channel itself is left open
// (further pulls simply block) since removing the registry entry is the
// server's DELETE path's responsibility, not TunnelProtocol's.
type TunnelProtocol struct {
	logger  Logger
	conn    *SocketConn
	channel *Channel
	stats   *ConnStats
	done    chan struct{}
}

// NewTunnelProtocol wraps netConn as a TunnelProtocol bridging it to
// channel. stats may be nil if byte accounting is not needed by the
// caller.
func NewTunnelProtocol(logger Logger, netConn net.Conn, channel *Channel, stats *ConnStats) (*TunnelProtocol, error) {
	conn, err := NewSocketConn(logger, netConn)
	if err != nil {
		return nil, err
	}
	return &TunnelProtocol{
		logger:  logger,
		conn:    conn,
		channel: channel,
		stats:   stats,
		done:    make(chan struct{}),
	}, nil
}

// Attach begins servicing the tunnel: the request consumer and the
// response reader each run in their own goroutine until the underlying
// TCP endpoint is closed.
func (p *TunnelProtocol) Attach() {
	go p.consumeRequests()
	go p.readResponses()
}

// Close closes the TCP endpoint. The reader goroutine exits at once; the
// consumer goroutine exits when its next write fails or the Channel is
// closed.
func (p *TunnelProtocol) Close() error {
	return p.conn.Close()
}

// WaitClosed blocks until the TCP endpoint has finished closing.
func (p *TunnelProtocol) WaitClosed() error {
	return p.conn.WaitShutdown()
}

// consumeRequests pulls chunks from channel.req and writes them, in
// order, to the TCP endpoint (spec.md §4.2 "Ordering").
func (p *TunnelProtocol) consumeRequests() {
	defer close(p.done)
	for {
		chunk, ok := p.channel.PullRequest()
		if !ok {
			return
		}
		if _, err := p.conn.Write(chunk); err != nil {
			p.logger.DLogf("write to tunnel endpoint failed, closing: %s", err)
			p.conn.Close()
			return
		}
		if p.stats != nil {
			p.stats.AddRequestBytes(len(chunk))
		}
	}
}

// readResponses reads from the TCP endpoint and pushes each chunk onto
// channel.res, in the kernel's delivery order (spec.md §4.2 "Ordering").
func (p *TunnelProtocol) readResponses() {
	buf := make([]byte, 32*1024)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.channel.PushResponse(chunk)
			if p.stats != nil {
				p.stats.AddResponseBytes(n)
			}
		}
		if err != nil {
			if err != io.EOF {
				p.logger.DLogf("read from tunnel endpoint failed, closing: %s", err)
			} else {
				p.logger.DLogf("tunnel endpoint reached EOF, closing")
			}
			p.conn.Close()
			return
		}
	}
}
