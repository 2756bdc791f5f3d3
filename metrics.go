package rescache

import (
	"time"

	"github.com/meigma/rescache/transport"
)

// Metrics receives device events. Implementations must be safe for
// concurrent use. See the metrics/prometheus package.
type Metrics interface {
	// ObserveOpen records an open; hit reports a cache hit.
	ObserveOpen(hit bool)

	// ObserveFetch records a settled download.
	ObserveFetch(ok bool, bytes int64, elapsed time.Duration)

	// ObservePriorityChange records a sentinel-driven priority change.
	ObservePriorityChange(p transport.Priority)

	// SetHandlesInUse reports the number of allocated handle slots.
	SetHandlesInUse(n int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveOpen(bool)                         {}
func (nopMetrics) ObserveFetch(bool, int64, time.Duration)  {}
func (nopMetrics) ObservePriorityChange(transport.Priority) {}
func (nopMetrics) SetHandlesInUse(int)                      {}
