// Package prompush implements a Prometheus Pushgateway backend for internal/metrics.
//
// A generator run is a short-lived batch job, so metrics are collected into a
// private registry and pushed to the gateway on Flush (normally once at exit).
package prompush

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"histagg/internal/metrics"
)

// Backend implements metrics.Backend on top of a Pushgateway pusher.
type Backend struct {
	mu     sync.Mutex
	pusher *push.Pusher

	counters map[string]*prometheus.CounterVec
	hists    map[string]*prometheus.HistogramVec
	labels   map[string][]string
}

// Option customizes a Backend.
type Option func(*push.Pusher)

// WithClient sets the HTTP client used for pushes.
func WithClient(c *http.Client) Option {
	return func(p *push.Pusher) { p.Client(c) }
}

// WithGrouping adds a grouping label to the push URL.
func WithGrouping(name, value string) Option {
	return func(p *push.Pusher) { p.Grouping(name, value) }
}

// NewBackend creates a backend pushing to gatewayURL under job.
func NewBackend(job, gatewayURL string, opts ...Option) (*Backend, error) {
	job = strings.TrimSpace(job)
	gatewayURL = strings.TrimSpace(gatewayURL)
	if job == "" {
		return nil, fmt.Errorf("prompush: empty job name")
	}
	if gatewayURL == "" {
		return nil, fmt.Errorf("prompush: empty pushgateway url")
	}

	reg := prometheus.NewRegistry()
	b := &Backend{
		counters: make(map[string]*prometheus.CounterVec),
		hists:    make(map[string]*prometheus.HistogramVec),
		labels:   make(map[string][]string),
	}

	b.addCounter(reg, metrics.StepTotal, "Pipeline stage outcomes.", "step", "status")
	b.addCounter(reg, metrics.ProbesTotal, "Probes seen per resolution outcome.", "kind")
	b.addCounter(reg, metrics.HTTPRequestsTotal, "Probe registry HTTP requests.", "status")
	b.addCounter(reg, metrics.HTTPErrorsTotal, "Failed probe registry HTTP requests.", "status")

	b.addHistogram(reg, metrics.StepDurationSeconds, "Pipeline stage duration.", prometheus.DefBuckets, "step", "status")
	b.addHistogram(reg, metrics.HTTPRequestSeconds, "Time until response headers.", prometheus.DefBuckets, "status")
	b.addHistogram(reg, metrics.HTTPResponseSeconds, "Time spent reading the response body.", prometheus.DefBuckets, "status")
	b.addHistogram(reg, metrics.HTTPDownloadBytes, "Response body size.", prometheus.ExponentialBuckets(1024, 4, 10), "status")

	p := push.New(gatewayURL, job).Gatherer(reg)
	for _, o := range opts {
		o(p)
	}
	b.pusher = p
	return b, nil
}

func (b *Backend) addCounter(reg *prometheus.Registry, name, help string, labels ...string) {
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	reg.MustRegister(cv)
	b.counters[name] = cv
	b.labels[name] = labels
}

func (b *Backend) addHistogram(reg *prometheus.Registry, name, help string, buckets []float64, labels ...string) {
	hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labels)
	reg.MustRegister(hv)
	b.hists[name] = hv
	b.labels[name] = labels
}

// values orders labels the way the vector was declared; missing labels become "".
func (b *Backend) values(name string, labels metrics.Labels) []string {
	names := b.labels[name]
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = labels[n]
	}
	return out
}

// IncCounter implements metrics.Backend. Unknown names and non-positive deltas are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	cv, ok := b.counters[name]
	if !ok || delta <= 0 {
		return
	}
	cv.WithLabelValues(b.values(name, labels)...).Add(delta)
}

// ObserveHistogram implements metrics.Backend. Unknown names are ignored.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	hv, ok := b.hists[name]
	if !ok {
		return
	}
	hv.WithLabelValues(b.values(name, labels)...).Observe(value)
}

// Flush pushes the full registry, replacing whatever the gateway held for this job.
func (b *Backend) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.pusher.Push(); err != nil {
		return fmt.Errorf("prompush: push: %w", err)
	}
	return nil
}

var _ metrics.Backend = (*Backend)(nil)
