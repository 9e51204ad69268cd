package share

import "testing"

type fakeCloser struct {
	closed bool
}

func (f *fakeCloser) Close() error {
	f.closed = true
	return nil
}

func TestRegistryPutGetDelete(t *testing.T) {
	r := NewRegistry()
	cid := NewCid()
	conn := &Connection{Channel: NewChannel()}
	r.Put(cid, conn)

	got, ok := r.Get(cid)
	if !ok || got != conn {
		t.Fatalf("Get(%s) = %v, %v; want %v, true", cid, got, ok, conn)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}

	if ok := r.Delete(cid); !ok {
		t.Fatalf("Delete(%s) = false, want true", cid)
	}
	if _, ok := r.Get(cid); ok {
		t.Errorf("Get(%s) after Delete reported ok=true", cid)
	}
	if r.Len() != 0 {
		t.Errorf("Len() after Delete = %d, want 0", r.Len())
	}
}

func TestRegistryGetUnknownCid(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Get(NewCid()); ok {
		t.Errorf("Get on empty registry reported ok=true")
	}
	if ok := r.Delete(NewCid()); ok {
		t.Errorf("Delete on empty registry reported ok=true")
	}
}

func TestRegistrySetEndpoint(t *testing.T) {
	r := NewRegistry()
	cid := NewCid()
	r.Put(cid, &Connection{Channel: NewChannel()})

	fc := &fakeCloser{}
	if !r.SetEndpoint(cid, fc) {
		t.Fatalf("SetEndpoint(%s) = false, want true", cid)
	}
	conn, _ := r.Get(cid)
	if conn.TCPEndpoint != fc {
		t.Errorf("TCPEndpoint = %v, want %v", conn.TCPEndpoint, fc)
	}

	r.Delete(cid)
	if !fc.closed {
		t.Errorf("Delete did not close the endpoint installed by SetEndpoint")
	}
}

func TestRegistrySetEndpointUnknownCid(t *testing.T) {
	r := NewRegistry()
	fc := &fakeCloser{}
	if r.SetEndpoint(NewCid(), fc) {
		t.Errorf("SetEndpoint on unknown cid reported true")
	}
}

func TestRegistryCloseAll(t *testing.T) {
	r := NewRegistry()
	closers := make([]*fakeCloser, 3)
	for i := range closers {
		closers[i] = &fakeCloser{}
		r.Put(NewCid(), &Connection{TCPEndpoint: closers[i], Channel: NewChannel()})
	}

	r.CloseAll()

	if r.Len() != 0 {
		t.Errorf("Len() after CloseAll = %d, want 0", r.Len())
	}
	for i, fc := range closers {
		if !fc.closed {
			t.Errorf("closer %d was not closed by CloseAll", i)
		}
	}
}
