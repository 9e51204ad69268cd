package share

import "github.com/google/uuid"

// Cid is the opaque tunnel identifier minted on POST (spec.md §3) and
// used as a path segment in every subsequent PUT/GET/DELETE for that
// tunnel. It is never reused within a process once deleted.
type Cid string

// NewCid mints a fresh, globally-unique Cid, rendered textually as a
// random (version 4) UUID, matching the "36-char UUID-like token"
// testable property in spec.md §8. A collision is a fatal invariant
// violation (spec.md §4.4); with 122 bits of randomness this is treated
// as never happening rather than checked for.
func NewCid() Cid {
	return Cid(uuid.New().String())
}
