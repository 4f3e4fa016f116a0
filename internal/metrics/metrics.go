// Package metrics exports interceptor counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Result labels for RequestsTotal.
const (
	ResultHit      = "hit"
	ResultMiss     = "miss"
	ResultFallback = "fallback"
	ResultError    = "error"
)

// Adapter records request dispatch, store writes and lifecycle phases.
// A nil *Adapter is valid and records nothing.
type Adapter struct {
	registry  *prometheus.Registry
	requests  *prometheus.CounterVec
	netFails  *prometheus.CounterVec
	writes    *prometheus.CounterVec
	lifecycle *prometheus.CounterVec
	stores    prometheus.Gauge
}

// New constructs an adapter.
//   - reg: registry to register metrics with (nil => a fresh prometheus.Registry)
//   - ns:  Prometheus namespace
func New(reg *prometheus.Registry, ns string) *Adapter {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	a := &Adapter{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "requests_total",
			Help:      "Intercepted requests by class, strategy and result",
		}, []string{"class", "strategy", "result"}),
		netFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "network_failures_total",
			Help:      "Failed network fetches by request class",
		}, []string{"class"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "store_writes_total",
			Help:      "Cache store writes by result",
		}, []string{"result"}),
		lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "lifecycle_total",
			Help:      "Install/activate runs by phase and result",
		}, []string{"phase", "result"}),
		stores: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "stores",
			Help:      "Number of cache generations on disk",
		}),
	}
	reg.MustRegister(a.requests, a.netFails, a.writes, a.lifecycle, a.stores)
	return a
}

// Registry returns the registry the adapter registered with, for /-/metrics.
func (a *Adapter) Registry() *prometheus.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

// Request increments the dispatch counter.
func (a *Adapter) Request(class, strategy, result string) {
	if a == nil {
		return
	}
	a.requests.WithLabelValues(class, strategy, result).Inc()
}

// NetworkFailure increments the network failure counter.
func (a *Adapter) NetworkFailure(class string) {
	if a == nil {
		return
	}
	a.netFails.WithLabelValues(class).Inc()
}

// StoreWrite records a store write outcome.
func (a *Adapter) StoreWrite(err error) {
	if a == nil {
		return
	}
	a.writes.WithLabelValues(resultLabel(err)).Inc()
}

// Lifecycle records an install/activate run.
func (a *Adapter) Lifecycle(phase string, err error) {
	if a == nil {
		return
	}
	a.lifecycle.WithLabelValues(phase, resultLabel(err)).Inc()
}

// Stores sets the generation gauge.
func (a *Adapter) Stores(n int) {
	if a == nil {
		return
	}
	a.stores.Set(float64(n))
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
