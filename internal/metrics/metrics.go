// Package metrics is the backend-agnostic metrics facade used by histagg.
//
// Core code records through the package-level helpers (RecordStep,
// RecordProbes, RecordHTTP). The process installs one Backend at start-up with
// SetBackend; until then a no-op backend swallows everything, so library code
// and tests never need to care whether metrics are enabled.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Metric names understood by the backends.
const (
	StepTotal           = "histagg_step_total"
	StepDurationSeconds = "histagg_step_duration_seconds"
	ProbesTotal         = "histagg_probes_total"
	HTTPRequestsTotal   = "histagg_http_requests_total"
	HTTPErrorsTotal     = "histagg_http_errors_total"
	HTTPRequestSeconds  = "histagg_http_request_duration_seconds"
	HTTPResponseSeconds = "histagg_http_response_duration_seconds"
	HTTPDownloadBytes   = "histagg_http_download_bytes"
)

// Labels are metric dimensions. Backends decide which labels they keep.
type Labels map[string]string

// Backend receives metric observations.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. A nil b restores the no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		backend = nopBackend{}
		return
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush flushes the current backend.
func Flush() error { return current().Flush() }

// RecordStep records one pipeline stage outcome and its duration.
func RecordStep(step, status string, d time.Duration) {
	b := current()
	l := Labels{"step": step, "status": status}
	b.IncCounter(StepTotal, 1, l)
	b.ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}

// RecordProbes records a probe count for kind (discovered, resolved, dropped).
func RecordProbes(kind string, n int) {
	if n <= 0 {
		return
	}
	current().IncCounter(ProbesTotal, float64(n), Labels{"kind": kind})
}

// RecordHTTP records one HTTP exchange. status 0 means no response was received.
// Negative durations or sizes are treated as "not measured" and skipped.
func RecordHTTP(status int, err error, request, response time.Duration, size int64) {
	b := current()
	l := Labels{"status": StatusLabel(status)}

	b.IncCounter(HTTPRequestsTotal, 1, l)
	if err != nil || status < 200 || status >= 300 {
		b.IncCounter(HTTPErrorsTotal, 1, l)
	}
	if request >= 0 {
		b.ObserveHistogram(HTTPRequestSeconds, request.Seconds(), l)
	}
	if response >= 0 {
		b.ObserveHistogram(HTTPResponseSeconds, response.Seconds(), l)
	}
	if size >= 0 {
		b.ObserveHistogram(HTTPDownloadBytes, float64(size), l)
	}
}

// StatusLabel renders an HTTP status code as a label value.
func StatusLabel(status int) string {
	if status <= 0 {
		return "error"
	}
	return strconv.Itoa(status)
}
