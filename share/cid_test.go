package share

import "testing"

func TestNewCidFormat(t *testing.T) {
	cid := NewCid()
	if len(cid) != 36 {
		t.Errorf("NewCid() = %q, length %d, want 36", cid, len(cid))
	}
}

func TestNewCidUnique(t *testing.T) {
	seen := make(map[Cid]bool)
	for i := 0; i < 1000; i++ {
		cid := NewCid()
		if seen[cid] {
			t.Fatalf("NewCid() produced a duplicate: %s", cid)
		}
		seen[cid] = true
	}
}
