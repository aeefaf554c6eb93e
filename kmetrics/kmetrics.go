// Package kmetrics exports the kernel's internal counters via
// prometheus/client_golang: frame-table occupancy, page cache hit
// rates, and fault-path counters an operator can alert on.
package kmetrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// FramesFree tracks the PMM's free-frame count.
	FramesFree = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "novaos",
		Subsystem: "pmm",
		Name:      "frames_free",
		Help:      "Number of physical frames currently free in the buddy allocator.",
	})
	// FramesAllocated tracks frames in the Allocated state, whatever
	// their reference count.
	FramesAllocated = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "novaos",
		Subsystem: "pmm",
		Name:      "frames_allocated",
		Help:      "Number of physical frames currently allocated from the buddy allocator.",
	})
	// AllocTotal counts successful AllocZeroed requests; frames taken
	// with a direct AllocExact call are not counted.
	AllocTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "novaos",
		Subsystem: "pmm",
		Name:      "alloc_total",
		Help:      "Total number of successful zeroed single-frame allocation requests.",
	})
	// AllocFailedTotal counts AllocZeroed requests that failed (ENOMEM);
	// failed direct AllocExact calls are not counted.
	AllocFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "novaos",
		Subsystem: "pmm",
		Name:      "alloc_failed_total",
		Help:      "Total number of zeroed single-frame allocation requests that failed.",
	})
	// PageCacheHits counts page cache lookups that found a resident page.
	PageCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "novaos",
		Subsystem: "pagecache",
		Name:      "hits_total",
		Help:      "Page cache lookups satisfied by an already-resident page.",
	})
	// PageCacheMisses counts page cache lookups that had to fill.
	PageCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "novaos",
		Subsystem: "pagecache",
		Name:      "misses_total",
		Help:      "Page cache lookups that required filling from the filesystem.",
	})
	// CowFaults counts copy-on-write faults handled.
	CowFaults = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "novaos",
		Subsystem: "vm",
		Name:      "cow_faults_total",
		Help:      "Total number of copy-on-write page faults resolved.",
	})
	// ZodFaults counts zero-on-demand faults handled.
	ZodFaults = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "novaos",
		Subsystem: "vm",
		Name:      "zod_faults_total",
		Help:      "Total number of zero-on-demand page faults resolved.",
	})
	// PageTableFrames tracks live page-table frames: a page-table page
	// is itself a frame, so creating a table increments this and
	// destroying an emptied one decrements it.
	PageTableFrames = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "novaos",
		Subsystem: "vm",
		Name:      "page_table_frames",
		Help:      "Number of physical frames currently holding page tables.",
	})
)

// Registry bundles the collectors above for cmd/novactl to register and
// serve, kept separate from prometheus.DefaultRegisterer so tests can
// construct their own isolated registry.
func Registry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(FramesFree, FramesAllocated, AllocTotal, AllocFailedTotal,
		PageCacheHits, PageCacheMisses, CowFaults, ZodFaults, PageTableFrames)
	return r
}
