package sql

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cubesync/cubesync/metrics"
)

const namespace = "database"

// queryDuration in nanoseconds.
var queryDuration = metrics.NewHistogramWithBuckets(
	"query_duration",
	namespace,
	"Duration of the query in nanoseconds",
	[]string{"query"},
	prometheus.ExponentialBuckets(100_000, 2, 20),
)
