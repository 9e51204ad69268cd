package share

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jpillora/requestlog"
)

// ServerConfig configures a Server (spec.md §4.4, §6).
type ServerConfig struct {
	// BasePath is the route prefix under which the four tunnel routes
	// are bound, e.g. "/aiotunnel".
	BasePath string
	// Reverse selects reverse tunnelling: the POST body's target address
	// is bound as a locally-listening TCP endpoint rather than dialed.
	Reverse bool
	// TLSConfig, if non-nil, is applied to the listening socket.
	TLSConfig *tls.Config
	Debug     bool
}

// Server is the aiotunnel HTTP endpoint (spec.md §4.4): it accepts POST
// to mint a cid and open the corresponding TCP side (dialed in forward
// mode, listened-on in reverse mode), then PUT/GET to move bytes in each
// direction for that cid, and DELETE to tear it down.
type Server struct {
	ShutdownHelper
	config     ServerConfig
	httpServer *HTTPServer
	registry   *Registry
	stats      ConnStats
}

// NewServer creates a Server bound to config. It does not start
// listening until Run is called.
func NewServer(logger Logger, config ServerConfig) *Server {
	s := &Server{
		config:     config,
		httpServer: NewHTTPServer(logger),
		registry:   NewRegistry(),
	}
	s.InitShutdownHelper(logger, s)
	return s
}

// Run starts serving HTTP on addr until ctx is cancelled or Shutdown is
// called.
func (s *Server) Run(ctx context.Context, addr string) error {
	err := s.DoOnceActivate(
		func() error {
			s.ShutdownOnContext(ctx)

			s.ILogf("listening on %s%s", addr, s.config.BasePath)
			go func() {
				s.Shutdown(s.httpServer.ListenAndServe(ctx, addr, s.Handler(), s.config.TLSConfig))
			}()
			return nil
		},
		true,
	)
	if err != nil {
		return err
	}
	return s.WaitShutdown()
}

// Handler returns the http.Handler implementing the four tunnel routes
// under config.BasePath, optionally wrapped in access logging.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	base := s.config.BasePath
	r.Post(base, s.handlePost)
	r.Put(base+"/{cid}", s.handlePut)
	r.Get(base+"/{cid}", s.handleGet)
	r.Delete(base+"/{cid}", s.handleDelete)

	var h http.Handler = r
	if s.config.Debug {
		h = requestlog.Wrap(h)
	}
	return h
}

// HandleOnceShutdown closes every registered tunnel and the listening
// socket exactly once.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	s.registry.CloseAll()
	err := s.httpServer.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// handlePost mints a cid for the target address carried in the request
// body and opens the corresponding TCP side (spec.md §4.4, §7: a
// malformed body yields 400). In forward mode the dial happens before
// the response: a failed dial yields 502 and nothing is registered. In
// reverse mode the cid is returned while the listener is still coming
// up in the background.
//
// No authentication is performed: any caller that can reach this route
// can make the server dial, or listen on, an arbitrary host:port.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "cannot read request body", http.StatusBadRequest)
		return
	}
	target, err := ParseTargetAddr(string(body))
	if err != nil {
		s.DLogf("rejecting malformed POST body: %s", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	cid := NewCid()
	channel := NewChannel()

	if s.config.Reverse {
		s.registry.Put(cid, &Connection{Channel: channel})
		s.ILogf("opening local listener on %s for %s", target, cid)
		go s.serveReverseListener(cid, target, channel)
	} else {
		s.ILogf("opening connection to %s for %s", target, cid)
		conn, err := net.Dial("tcp", target.HostPort())
		if err != nil {
			s.DLogf("dial to %s failed: %s", target, err)
			http.Error(w, fmt.Sprintf("cannot reach %s", target), http.StatusBadGateway)
			return
		}
		tp, err := NewTunnelProtocol(s.Logger.Fork("TunnelProtocol(%s)", cid), conn, channel, &s.stats)
		if err != nil {
			conn.Close()
			http.Error(w, "cannot open tunnel", http.StatusInternalServerError)
			return
		}
		s.registry.Put(cid, &Connection{TCPEndpoint: conn, Channel: channel})
		tp.Attach()
	}

	w.WriteHeader(http.StatusOK)
	io.WriteString(w, string(cid))
}

// serveReverseListener opens an externally-visible TCP listener on
// target and bridges every accepted connection to channel. Per spec.md
// §9's documented reverse-mode behavior, every connection accepted on
// this listener shares the single Channel minted for this cid: an
// accepted connection's bytes have no way to distinguish themselves from
// a sibling connection's bytes once pushed onto channel.res, and a
// client with more than one live connection on this listener will see
// cross-talk. This mirrors the source's one-channel-per-listener design
// rather than adding per-connection demultiplexing, which is out of
// scope here.
func (s *Server) serveReverseListener(cid Cid, target TargetAddr, channel *Channel) {
	l, err := net.Listen("tcp", target.HostPort())
	if err != nil {
		s.DLogf("listen on %s failed for %s: %s", target, cid, err)
		return
	}
	if !s.registry.SetEndpoint(cid, l) {
		s.DLogf("tunnel %s was deleted before its reverse listener on %s came up, closing", cid, target)
		l.Close()
		return
	}
	for {
		nc, err := l.Accept()
		if err != nil {
			s.DLogf("accept on %s stopped for %s: %s", target, cid, err)
			return
		}
		tp, err := NewTunnelProtocol(s.Logger.Fork("TunnelProtocol(%s)", cid), nc, channel, &s.stats)
		if err != nil {
			nc.Close()
			continue
		}
		tp.Attach()
	}
}

// handlePut appends the request body to the cid's request queue. An
// unknown cid is answered with an empty 200, matching the source's
// "this tunnel is gone, quietly discard" policy (spec.md §7).
func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	cid := Cid(chi.URLParam(r, "cid"))
	conn, ok := s.registry.Get(cid)
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "cannot read request body", http.StatusBadRequest)
		return
	}
	conn.Channel.PushRequest(data)
	w.WriteHeader(http.StatusOK)
}

// handleGet blocks until a response chunk is available for cid (or the
// channel is closed) and returns it as the response body. An unknown cid
// is answered with an empty 200 (spec.md §7).
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	cid := Cid(chi.URLParam(r, "cid"))
	conn, ok := s.registry.Get(cid)
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}
	chunk, ok := conn.Channel.PullResponse()
	w.WriteHeader(http.StatusOK)
	if ok {
		w.Write(chunk)
	}
}

// handleDelete closes the cid's TCP endpoint (if any) and removes the
// registry entry (spec.md §4.4). An unknown cid is a no-op 200.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	cid := Cid(chi.URLParam(r, "cid"))
	s.registry.Delete(cid)
	w.WriteHeader(http.StatusOK)
}
