package slp

// Seq is a point in SLP's sequence space: a monotonically increasing
// counter shared nowhere between peers except on the wire. 64 bits is
// treated as inexhaustible; wraparound is out of scope.
type Seq uint64

// ResetSentinel is the reserved value that unconditionally bypasses
// ordering checks on either side, tolerating a peer restart without
// coordination.
const ResetSentinel Seq = 0

// IsReset reports whether s is the reset sentinel.
func (s Seq) IsReset() bool { return s == ResetSentinel }
