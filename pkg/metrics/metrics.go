// Package metrics exports planner activity as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaneisley/fetchplanner/pkg/logging"
	"github.com/shaneisley/fetchplanner/pkg/planner"
)

const namespace = "fetchplanner"

// Collector counts planner events and mirrors the planner's state in
// gauges. It implements planner.EventHandler.
type Collector struct {
	registry *prometheus.Registry

	requests    prometheus.Counter
	responses   *prometheus.CounterVec
	fetchErrors prometheus.Counter
	duration    *prometheus.HistogramVec

	queueLength        prometheus.Gauge
	inflight           prometheus.Gauge
	correction         prometheus.Gauge
	effectiveLimit     prometheus.Gauge
	rateLimitRemaining prometheus.Gauge
	lastDelay          prometheus.Gauge
	slotWaiters        prometheus.Gauge
}

var _ planner.EventHandler = (*Collector)(nil)

// New creates a Collector registered on its own registry, alongside the Go
// runtime and process collectors.
func New() (*Collector, error) {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests dispatched to the transport, retries included.",
		}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Responses received, by classification.",
		}, []string{"response_type"}),
		fetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_errors_total",
			Help:      "Attempts that failed without a usable response.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time each attempt spent in flight.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"response_type"}),
		queueLength: gauge("queue_length", "Actions waiting in the admission queue."),
		inflight:    gauge("inflight_requests", "Requests currently in flight."),
		correction:  gauge("parallel_limit_correction", "Current correction to the parallel ceiling, always <= 0."),
		effectiveLimit: gauge("effective_parallel_limit",
			"Parallel ceiling after correction."),
		rateLimitRemaining: gauge("rate_limit_remaining", "Last reported remaining requests in the window."),
		lastDelay:          gauge("last_request_delay_seconds", "Delay computed by the most recent planning."),
		slotWaiters:        gauge("slot_waiters", "Callers waiting for a free slot."),
	}

	cs := []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.requests, c.responses, c.fetchErrors, c.duration,
		c.queueLength, c.inflight, c.correction, c.effectiveLimit,
		c.rateLimitRemaining, c.lastDelay, c.slotWaiters,
	}
	for _, col := range cs {
		if err := c.registry.Register(col); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return c, nil
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	})
}

// Registry exposes the underlying registry for tests and custom handlers.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) OnRequest(p *planner.Planner, _ planner.RequestEvent) {
	c.requests.Inc()
	c.Observe(p)
}

func (c *Collector) OnResponse(p *planner.Planner, e planner.ResponseEvent) {
	label := e.ResponseType.String()
	c.responses.WithLabelValues(label).Inc()
	c.duration.WithLabelValues(label).Observe(e.Duration().Seconds())
	c.Observe(p)
}

func (c *Collector) OnFetchError(p *planner.Planner, _ planner.FetchErrorEvent) {
	c.fetchErrors.Inc()
	c.Observe(p)
}

// Observe copies the planner's current state into the gauges.
func (c *Collector) Observe(p *planner.Planner) {
	if p == nil {
		return
	}
	s := p.Snapshot()
	c.queueLength.Set(float64(s.QueueLength))
	c.inflight.Set(float64(s.InflightCount))
	c.correction.Set(float64(s.ParallelLimitCorrection))
	c.effectiveLimit.Set(float64(s.EffectiveParallelLimit))
	if s.Rate.HasRemaining {
		c.rateLimitRemaining.Set(float64(s.Rate.Remaining))
	}
	c.lastDelay.Set(s.LastRequestDelay.Seconds())
	c.slotWaiters.Set(float64(s.SlotWaiters))
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Serve exposes /metrics on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string, logger *logging.Logger) error {
	if logger == nil {
		logger = logging.Discard()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listener started", "addr", ln.Addr().String())
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
