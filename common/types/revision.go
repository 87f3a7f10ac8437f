package types

import "strconv"

// Revision identifies a point in the uplink commit history. Revisions are
// allocated strictly in order, never reused and never renumbered. Revision 0
// is the bootstrap row every deployment starts from and stands for the empty
// dataset.
type Revision int64

// Next returns the revision directly following r.
func (r Revision) Next() Revision {
	return r + 1
}

// Before reports whether r is strictly smaller than other.
func (r Revision) Before(other Revision) bool {
	return r < other
}

// After reports whether r is strictly larger than other.
func (r Revision) After(other Revision) bool {
	return r > other
}

// String implements the fmt.Stringer interface.
func (r Revision) String() string {
	return strconv.FormatInt(int64(r), 10)
}
