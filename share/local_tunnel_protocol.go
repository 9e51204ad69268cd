package share

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
)

// LocalTunnelProtocol is the HTTP-polling adapter bound to a local TCP
// connection (spec.md §4.3): the forward-mode listener's accepted
// connection, or the reverse-mode dial-out connection to the target
// service. It registers a tunnel with POST, then runs two independent
// pumps against the registered cid: outbound local reads are PUT to the
// server one chunk at a time, and GET is polled repeatedly to pick up
// inbound chunks and write them to the local connection. Per spec.md
// §4.3 "at most one in-flight HTTP exchange per direction per cid", each
// pump issues its next HTTP call only after the previous one completes.
type LocalTunnelProtocol struct {
	logger     Logger
	conn       *SocketConn
	httpClient *http.Client
	baseURL    string
	target     TargetAddr
	backoffMax func() time.Duration

	cid        Cid
	writeQ     *Channel
	shutdown   int32
	onConnLost chan<- struct{}
}

// NewLocalTunnelProtocol wraps netConn (the local TCP side) as a
// LocalTunnelProtocol that will register and service a tunnel against
// baseURL (e.g. "https://tunnel.example.com/aiotunnel"). tlsConfig may
// be nil for a plain-HTTP server. onConnLost, if non-nil, is closed
// exactly once when the local connection reaches EOF or is otherwise
// torn down (used by reverse mode to notice a completed dial-out).
func NewLocalTunnelProtocol(logger Logger, netConn net.Conn, baseURL string, target TargetAddr, tlsConfig *tls.Config, backoffMax func() time.Duration, onConnLost chan<- struct{}) (*LocalTunnelProtocol, error) {
	conn, err := NewSocketConn(logger, netConn)
	if err != nil {
		return nil, err
	}
	transport := &http.Transport{TLSClientConfig: tlsConfig}
	return &LocalTunnelProtocol{
		logger:     logger,
		conn:       conn,
		httpClient: &http.Client{Transport: transport},
		baseURL:    baseURL,
		target:     target,
		backoffMax: backoffMax,
		writeQ:     NewChannel(),
		onConnLost: onConnLost,
	}, nil
}

// Attach registers the tunnel with the server and, on success, starts
// the read-local/PUT and GET/write-local pumps. It blocks until
// registration succeeds or the protocol is closed.
func (p *LocalTunnelProtocol) Attach(ctx context.Context) error {
	cid, err := p.register(ctx)
	if err != nil {
		return err
	}
	p.cid = cid
	p.logger.ILogf("%s: obtained a client id: %s", p.target, p.cid)
	go p.readLocal()
	go p.pumpWrite(ctx)
	go p.pumpRead(ctx)
	return nil
}

// register issues the POST that creates the tunnel, retrying on any
// failure (transport error or non-200 status) with the jpillora/backoff
// schedule the teacher's
// connection loop uses, until it succeeds or the protocol is closed.
func (p *LocalTunnelProtocol) register(ctx context.Context) (Cid, error) {
	b := &backoff.Backoff{Max: p.backoffMax()}
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewBufferString(p.target.String()))
		if err != nil {
			return "", newFatalError(err)
		}
		resp, err := p.httpClient.Do(req)
		if err == nil {
			body, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr == nil && resp.StatusCode == http.StatusOK {
				return Cid(body), nil
			}
			err = fmt.Errorf("registration failed with status %s", resp.Status)
		}
		if p.isShutdown() {
			return "", newFatalError(err)
		}
		b.Max = p.backoffMax()
		d := b.Duration()
		p.logger.DLogf("cannot register tunnel for %s: %s, retrying in %s", p.target, err, d)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return "", newFatalError(ctx.Err())
		}
	}
}

// readLocal reads from the local connection and enqueues each chunk for
// pumpWrite, until EOF or error closes the local connection.
func (p *LocalTunnelProtocol) readLocal() {
	buf := make([]byte, 32*1024)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.writeQ.PushRequest(chunk)
		}
		if err != nil {
			if err != io.EOF {
				p.logger.DLogf("%s: local read failed, closing: %s", p.target, err)
			} else {
				p.logger.DLogf("%s: local side reached EOF", p.target)
			}
			p.teardown()
			return
		}
	}
}

// pumpWrite drains readLocal's queue and PUTs each chunk to the server
// in order, one in-flight request at a time. Per spec.md §4.3/§7, a
// transientError (connection refused, timeout, 5xx) pauses this pump
// for the backoff schedule and retries the same chunk; any other error
// abandons the tunnel.
func (p *LocalTunnelProtocol) pumpWrite(ctx context.Context) {
	b := &backoff.Backoff{Max: p.backoffMax()}
	for {
		chunk, ok := p.writeQ.PullRequest()
		if !ok {
			return
		}
		for {
			if p.isShutdown() {
				return
			}
			url := fmt.Sprintf("%s/%s", p.baseURL, p.cid)
			req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(chunk))
			var resp *http.Response
			if err == nil {
				resp, err = p.httpClient.Do(req)
			}
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					b.Reset()
					break
				}
				err = classifyStatus(resp.StatusCode)
			} else {
				err = classifyTransportErr(err)
			}
			if !IsTransient(err) {
				p.logger.DLogf("%s: cannot reach server, closing: %s", p.target, err)
				p.teardown()
				return
			}
			b.Max = p.backoffMax()
			d := b.Duration()
			p.logger.DLogf("%s: PUT failed: %s, retrying in %s", p.target, err, d)
			select {
			case <-time.After(d):
			case <-ctx.Done():
				p.teardown()
				return
			}
		}
	}
}

// pumpRead polls GET for the registered cid and writes each delivered
// chunk to the local connection, one in-flight request at a time. Per
// spec.md §4.3/§7, a transientError pauses this pump for the backoff
// schedule and retries the same GET; any other error abandons the
// tunnel.
func (p *LocalTunnelProtocol) pumpRead(ctx context.Context) {
	url := fmt.Sprintf("%s/%s", p.baseURL, p.cid)
	b := &backoff.Backoff{Max: p.backoffMax()}
	for {
		if p.isShutdown() {
			return
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		var resp *http.Response
		if err == nil {
			resp, err = p.httpClient.Do(req)
		}
		var body []byte
		if err == nil {
			if resp.StatusCode == http.StatusOK {
				body, err = io.ReadAll(resp.Body)
			} else {
				err = classifyStatus(resp.StatusCode)
			}
			resp.Body.Close()
		} else {
			err = classifyTransportErr(err)
		}
		if err != nil {
			if !IsTransient(err) {
				p.logger.DLogf("%s: GET failed, closing: %s", p.target, err)
				p.teardown()
				return
			}
			b.Max = p.backoffMax()
			d := b.Duration()
			p.logger.DLogf("%s: GET failed: %s, retrying in %s", p.target, err, d)
			select {
			case <-time.After(d):
			case <-ctx.Done():
				p.teardown()
				return
			}
			continue
		}
		b.Reset()
		if len(body) > 0 {
			if _, err := p.conn.Write(body); err != nil {
				p.logger.DLogf("%s: local write failed, closing: %s", p.target, err)
				p.teardown()
				return
			}
		}
	}
}

// Close tears the protocol down from the outside (process shutdown).
func (p *LocalTunnelProtocol) Close() error {
	p.teardown()
	return p.conn.Close()
}

func (p *LocalTunnelProtocol) isShutdown() bool {
	return atomic.LoadInt32(&p.shutdown) != 0
}

// teardown marks the protocol shut down, issues a best-effort DELETE so
// the server can release the cid promptly, closes the local connection,
// and signals onConnLost exactly once.
func (p *LocalTunnelProtocol) teardown() {
	if !atomic.CompareAndSwapInt32(&p.shutdown, 0, 1) {
		return
	}
	p.writeQ.Close()
	p.conn.Close()
	if p.cid != "" {
		go p.deleteRemote()
	}
	if p.onConnLost != nil {
		close(p.onConnLost)
	}
}

func (p *LocalTunnelProtocol) deleteRemote() {
	url := fmt.Sprintf("%s/%s", p.baseURL, p.cid)
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		return
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.DLogf("%s: cannot communicate with server for DELETE: %s", p.target, err)
		return
	}
	resp.Body.Close()
}
