package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"jan-server/services/upload-api/internal/infrastructure/leasepool"
	"jan-server/services/upload-api/internal/infrastructure/offload"
)

// RegisterLeasePool exports pool counters, read on every scrape.
func RegisterLeasePool(reg prometheus.Registerer, stats func() leasepool.Stats) error {
	name := stats().Name
	labels := prometheus.Labels{"pool": name}
	gauge := func(metric, help string, read func(leasepool.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        metric,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return read(stats()) })
	}
	counter := func(metric, help string, read func(leasepool.Stats) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        metric,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return read(stats()) })
	}

	return register(reg,
		gauge("lease_pool_capacity", "Maximum concurrent leases", func(s leasepool.Stats) float64 { return float64(s.Capacity) }),
		gauge("lease_pool_outstanding", "Leases currently held", func(s leasepool.Stats) float64 { return float64(s.Outstanding) }),
		gauge("lease_pool_idle", "Idle connections kept for reuse", func(s leasepool.Stats) float64 { return float64(s.Idle) }),
		counter("lease_pool_waits_total", "Acquisitions that had to wait", func(s leasepool.Stats) float64 { return float64(s.Waits) }),
		counter("lease_pool_timeouts_total", "Acquisitions that timed out", func(s leasepool.Stats) float64 { return float64(s.Timeouts) }),
		counter("lease_pool_opened_total", "Connections opened by the pool", func(s leasepool.Stats) float64 { return float64(s.Opened) }),
		counter("lease_pool_closed_total", "Connections closed by the pool", func(s leasepool.Stats) float64 { return float64(s.Closed) }),
	)
}

// RegisterExecutor exports offload executor counters, read on every scrape.
func RegisterExecutor(reg prometheus.Registerer, stats func() offload.Stats) error {
	labels := prometheus.Labels{"executor": stats().Name}
	gauge := func(metric, help string, read func(offload.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        metric,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return read(stats()) })
	}
	counter := func(metric, help string, read func(offload.Stats) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        metric,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return read(stats()) })
	}

	return register(reg,
		gauge("offload_workers", "Worker goroutines", func(s offload.Stats) float64 { return float64(s.Workers) }),
		gauge("offload_pending", "Tasks queued or running", func(s offload.Stats) float64 { return float64(s.Pending) }),
		gauge("offload_running", "Tasks currently running", func(s offload.Stats) float64 { return float64(s.Running) }),
		counter("offload_completed_total", "Tasks that ran to completion", func(s offload.Stats) float64 { return float64(s.Completed) }),
		counter("offload_rejected_total", "Tasks rejected as overloaded", func(s offload.Stats) float64 { return float64(s.Rejected) }),
		counter("offload_cancelled_total", "Tasks cancelled before starting", func(s offload.Stats) float64 { return float64(s.Cancelled) }),
	)
}

func register(reg prometheus.Registerer, collectors ...prometheus.Collector) error {
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}
