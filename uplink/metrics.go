package uplink

import "github.com/cubesync/cubesync/metrics"

const subsystem = "uplink"

// allocationCollisions counts revision allocation attempts lost to a
// concurrent writer. Collisions are the expected signal under contention,
// not failures; a steadily high rate means too many writers share one
// uplink.
var allocationCollisions = metrics.NewCounter(
	"allocation_collisions_total",
	subsystem,
	"Revision allocation attempts that lost the race to a concurrent writer",
	nil,
).WithLabelValues()

var pushes = metrics.NewCounter(
	"pushes_total",
	subsystem,
	"Completed push operations",
	[]string{"outcome"},
)
