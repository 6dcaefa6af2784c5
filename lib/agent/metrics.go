package agent

import "github.com/go-i2p/hostpool/lib/metrics"

// Pool utilization metrics
var (
	// ConnectionsBusy is the number of connections assigned to consumers.
	ConnectionsBusy = metrics.NewGauge(
		"hostpool_connections_busy",
		"Number of connections currently assigned to consumers",
	)
	// ConnectionsFree is the number of idle pooled connections.
	ConnectionsFree = metrics.NewGauge(
		"hostpool_connections_free",
		"Number of idle pooled connections",
	)
	// RequestsWaiting is the number of queued requests.
	RequestsWaiting = metrics.NewGauge(
		"hostpool_requests_waiting",
		"Number of requests queued for a connection",
	)
	// DestinationsTracked is the number of live registry entries.
	DestinationsTracked = metrics.NewGauge(
		"hostpool_destinations_tracked",
		"Number of destination keys with live pool state",
	)
	// AcquireTotal is the total number of acquire attempts.
	AcquireTotal = metrics.NewCounter(
		"hostpool_acquire_total",
		"Total number of connection acquire attempts",
	)
	// AcquireReusedTotal is the number of acquisitions served from the free list.
	AcquireReusedTotal = metrics.NewCounter(
		"hostpool_acquire_reused_total",
		"Total number of acquisitions served by reusing a pooled connection",
	)
	// AcquireFailedTotal is the number of failed acquires.
	AcquireFailedTotal = metrics.NewCounter(
		"hostpool_acquire_failed_total",
		"Total number of failed connection acquires",
	)
	// DialsTotal is the number of successful dials.
	DialsTotal = metrics.NewCounter(
		"hostpool_dials_total",
		"Total number of successful dials",
	)
	// DialsFailedTotal is the number of failed dials.
	DialsFailedTotal = metrics.NewCounter(
		"hostpool_dials_failed_total",
		"Total number of failed dials",
	)
	// ReapsTotal is the number of idle connections reaped.
	ReapsTotal = metrics.NewCounter(
		"hostpool_reaps_total",
		"Total number of pooled connections closed by idle reaping",
	)
	// ReplacementsTotal is the number of replacement dials for queued demand.
	ReplacementsTotal = metrics.NewCounter(
		"hostpool_replacements_total",
		"Total number of replacement dials started for queued requests",
	)
	// AcquireLatency tracks time spent acquiring connections.
	AcquireLatency = metrics.NewHistogram(
		"hostpool_acquire_duration_seconds",
		"Time spent acquiring a connection from the pool",
		metrics.DefaultLatencyBuckets,
	)
)

// UpdateMetrics updates the pool metrics from Stats.
func UpdateMetrics(stats Stats) {
	ConnectionsBusy.Set(int64(stats.NumBusy))
	ConnectionsFree.Set(int64(stats.NumFree))
	RequestsWaiting.Set(int64(stats.NumWaiting))
	DestinationsTracked.Set(int64(stats.Destinations))

	syncCounter(AcquireTotal, stats.AcquireCount)
	syncCounter(AcquireReusedTotal, stats.AcquireReused)
	syncCounter(AcquireFailedTotal, stats.AcquireFailed)
	syncCounter(DialsTotal, stats.DialCount)
	syncCounter(DialsFailedTotal, stats.DialFailed)
	syncCounter(ReapsTotal, stats.ReapCount)
	syncCounter(ReplacementsTotal, stats.ReplacementCount)
}

// syncCounter ratchets a counter up to a lifetime total. Counters are
// monotonic, so repeated updates from the same snapshot add nothing.
func syncCounter(c *metrics.Counter, total uint64) {
	if cur := c.Value(); total > cur {
		c.Add(total - cur)
	}
}
