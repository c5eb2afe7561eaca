// Package scheduler drives one collection loop per configured router at a
// fixed cadence. All per-router mutable state (previous counters, registry
// rows) is touched only by that router's loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/fengxsong/mikrotik_exporter/internal/collector"
	"github.com/fengxsong/mikrotik_exporter/internal/metrics"
	"github.com/fengxsong/mikrotik_exporter/internal/pool"
)

// DefaultCollectorTimeout bounds a single collector's queries within a tick.
const DefaultCollectorTimeout = 10 * time.Second

// Scheduler runs the collection loop for one router.
type Scheduler struct {
	router     string
	pool       *pool.Pool
	registry   *metrics.Registry
	collectors []collector.Collector
	interval   time.Duration
	timeout    time.Duration
	logger     log.Logger

	// previous tick's raw interface counters, for reset detection
	prev map[string]collector.InterfaceStats
	now  func() time.Time
}

func New(router string, p *pool.Pool, reg *metrics.Registry, collectors []collector.Collector, interval, timeout time.Duration, logger log.Logger) *Scheduler {
	if timeout <= 0 {
		timeout = DefaultCollectorTimeout
	}
	return &Scheduler{
		router:     router,
		pool:       p,
		registry:   reg,
		collectors: collectors,
		interval:   interval,
		timeout:    timeout,
		logger:     log.With(logger, "router", router),
		prev:       make(map[string]collector.InterfaceStats),
		now:        time.Now,
	}
}

// Run ticks until ctx is canceled. The cadence is fixed: the next tick is due
// at tick start plus the interval, immediately if a tick overran. An
// in-flight tick finishes before the loop exits; a new tick never starts
// after cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			level.Info(s.logger).Log("msg", "scheduler stopped")
			return nil
		case <-timer.C:
		}
		if ctx.Err() != nil {
			level.Info(s.logger).Log("msg", "scheduler stopped")
			return nil
		}

		tickStart := s.now()
		s.tick(ctx)

		delay := tickStart.Add(s.interval).Sub(s.now())
		if delay < 0 {
			delay = 0
		}
		timer.Reset(delay)
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	tickStart := s.now()

	// Collectors run to completion bounded by their own timeouts even when
	// shutdown arrives mid-tick; a tick either completes or does not start.
	tickCtx := context.WithoutCancel(ctx)

	var device collector.Device
	err := s.pool.WithConnection(tickCtx, s.router, func(conn pool.Conn) error {
		return s.runCollectors(tickCtx, conn, &device)
	})

	switch {
	case err == nil:
		s.detectCounterResets(device.Interfaces)
		s.registry.UpdateDevice(s.router, &device)
		s.pool.ReportSuccess(s.router)
		s.registry.ScrapeSuccess.WithLabelValues(s.router).Inc()
		s.registry.LastSuccess.WithLabelValues(s.router).Set(float64(s.now().Unix()))
		s.registry.ScrapeDuration.WithLabelValues(s.router).Set(float64(s.now().Sub(tickStart).Milliseconds()))
	case isBackoff(err):
		s.registry.ScrapeErrors.WithLabelValues(s.router).Inc()
		level.Debug(s.logger).Log("msg", "tick skipped", "err", err)
	default:
		s.pool.ReportFailure(s.router, err)
		s.registry.ScrapeErrors.WithLabelValues(s.router).Inc()
		level.Warn(s.logger).Log("msg", "tick failed", "err", err)
	}

	s.registry.ConsecutiveErrors.WithLabelValues(s.router).Set(float64(s.pool.ConsecutiveErrors(s.router)))
	s.registry.CycleDuration.WithLabelValues(s.router).Set(float64(s.now().Sub(tickStart).Milliseconds()))
}

// runCollectors runs every collector in order. A failing collector does not
// stop the ones after it, but any failure makes the tick a failure and the
// partial snapshot is discarded.
func (s *Scheduler) runCollectors(ctx context.Context, conn pool.Conn, device *collector.Device) error {
	var firstErr error
	for _, c := range s.collectors {
		collectCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := c.Collect(collectCtx, conn, device)
		cancel()
		if err != nil {
			level.Warn(s.logger).Log("msg", "collector failed", "collector", c.Name(), "err", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("collector %s: %w", c.Name(), err)
			}
		}
	}
	return firstErr
}

// detectCounterResets compares the new raw interface counters against the
// previous tick. A lower value means the upstream counter reset; the raw
// value is published as the new base either way.
func (s *Scheduler) detectCounterResets(interfaces []collector.InterfaceStats) {
	seen := make(map[string]collector.InterfaceStats, len(interfaces))
	for _, iface := range interfaces {
		if prev, ok := s.prev[iface.Name]; ok {
			if iface.RxBytes < prev.RxBytes || iface.TxBytes < prev.TxBytes ||
				iface.RxPackets < prev.RxPackets || iface.TxPackets < prev.TxPackets {
				level.Debug(s.logger).Log("msg", "counter reset detected", "interface", iface.Name)
			}
		}
		seen[iface.Name] = iface
	}
	s.prev = seen
}

func isBackoff(err error) bool {
	var boErr *pool.BackoffError
	return errors.As(err, &boErr)
}
