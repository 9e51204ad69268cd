package share

import (
	"io"
	"sync"
)

// Connection is the server-side record kept for each live Cid (spec.md
// §3): the TCP endpoint owned by this tunnel (the dialed connection in
// forward mode; in reverse mode the listener, which is nil until
// Server.serveReverseListener installs it with SetEndpoint) and the
// Channel bridging it to the PUT/GET handlers.
type Connection struct {
	TCPEndpoint io.Closer
	Channel     *Channel
}

// Registry maps a Cid to its Connection record. It is mutated only by
// the server's four handlers and by shutdown (spec.md §3). Per spec.md
// §9 ("Registry mutation... under true parallelism it requires a
// mutex"), a goroutine-per-request Go server serializes mutation with a
// plain sync.Mutex rather than the source's single-threaded cooperative
// interleaving.
type Registry struct {
	mu      sync.Mutex
	entries map[Cid]*Connection
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[Cid]*Connection),
	}
}

// Put registers conn under cid. The caller must ensure cid is not
// already registered (spec.md's invariant: "a cid appears in at most one
// registry entry at a time").
func (r *Registry) Put(cid Cid, conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[cid] = conn
}

// Get returns the Connection registered under cid, or (nil, false) if
// cid is not present.
func (r *Registry) Get(cid Cid) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.entries[cid]
	return conn, ok
}

// SetEndpoint attaches tcpEndpoint to the Connection registered under
// cid, if still present, and reports whether it did so. Used by the
// reverse-mode listener to fill in the Connection's TCPEndpoint once
// net.Listen succeeds, asynchronously after the registry entry was
// created with a nil TCPEndpoint (spec.md §3: "may be absent transiently
// during async setup"). Guarded by the same mutex as Delete/CloseAll so
// a racing DELETE can never observe a half-written TCPEndpoint field; if
// cid was already deleted by the time SetEndpoint runs, it reports false
// so the caller can close tcpEndpoint itself instead of leaking it.
func (r *Registry) SetEndpoint(cid Cid, tcpEndpoint io.Closer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.entries[cid]
	if ok {
		conn.TCPEndpoint = tcpEndpoint
	}
	return ok
}

// Delete removes cid from the registry and, while still holding the
// registry lock, closes the Connection's TCPEndpoint (if any) and its
// Channel (spec.md §4.4: "close the associated tcp_endpoint (if any)
// and remove the registry entry"). Performing the close under the same
// lock as SetEndpoint prevents a race between a reverse-mode listener
// still being installed and a concurrent DELETE tearing the tunnel
// down. Returns false if cid was not registered.
func (r *Registry) Delete(cid Cid) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.entries[cid]
	if !ok {
		return false
	}
	delete(r.entries, cid)
	if conn.TCPEndpoint != nil {
		conn.TCPEndpoint.Close()
	}
	conn.Channel.Close()
	return true
}

// CloseAll closes every registered TCPEndpoint and every Channel, then
// empties the registry. Used on process shutdown (spec.md §4.4).
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for cid, conn := range r.entries {
		if conn.TCPEndpoint != nil {
			conn.TCPEndpoint.Close()
		}
		conn.Channel.Close()
		delete(r.entries, cid)
	}
}

// Len returns the number of tunnels currently registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
