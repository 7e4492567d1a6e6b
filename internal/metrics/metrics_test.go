package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	kind   string
	name   string
	value  float64
	labels Labels
}

type recordingBackend struct {
	mu      sync.Mutex
	calls   []call
	flushes int
}

func (r *recordingBackend) IncCounter(name string, delta float64, labels Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{"counter", name, delta, labels})
}

func (r *recordingBackend) ObserveHistogram(name string, value float64, labels Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{"histogram", name, value, labels})
}

func (r *recordingBackend) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes++
	return nil
}

func (r *recordingBackend) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.name)
	}
	return out
}

// These tests mutate the process-wide backend and therefore do not run in parallel.

func TestRecordStep(t *testing.T) {
	rb := &recordingBackend{}
	SetBackend(rb)
	t.Cleanup(func() { SetBackend(nil) })

	RecordStep("extract", "ok", 1500*time.Millisecond)

	require.Len(t, rb.calls, 2)
	assert.Equal(t, StepTotal, rb.calls[0].name)
	assert.Equal(t, 1.0, rb.calls[0].value)
	assert.Equal(t, Labels{"step": "extract", "status": "ok"}, rb.calls[0].labels)
	assert.Equal(t, StepDurationSeconds, rb.calls[1].name)
	assert.InDelta(t, 1.5, rb.calls[1].value, 1e-9)
}

func TestRecordProbes_SkipsZero(t *testing.T) {
	rb := &recordingBackend{}
	SetBackend(rb)
	t.Cleanup(func() { SetBackend(nil) })

	RecordProbes("dropped", 0)
	RecordProbes("resolved", 3)

	require.Len(t, rb.calls, 1)
	assert.Equal(t, ProbesTotal, rb.calls[0].name)
	assert.Equal(t, 3.0, rb.calls[0].value)
	assert.Equal(t, "resolved", rb.calls[0].labels["kind"])
}

func TestRecordHTTP(t *testing.T) {
	tests := []struct {
		name   string
		status int
		err    error
		size   int64
		want   []string
	}{
		{
			name:   "success",
			status: 200,
			size:   10,
			want:   []string{HTTPRequestsTotal, HTTPRequestSeconds, HTTPResponseSeconds, HTTPDownloadBytes},
		},
		{
			name:   "server_error",
			status: 503,
			size:   -1,
			want:   []string{HTTPRequestsTotal, HTTPErrorsTotal, HTTPRequestSeconds, HTTPResponseSeconds},
		},
		{
			name:   "transport_error",
			status: 0,
			err:    errors.New("dial tcp: refused"),
			size:   -1,
			want:   []string{HTTPRequestsTotal, HTTPErrorsTotal, HTTPRequestSeconds, HTTPResponseSeconds},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rb := &recordingBackend{}
			SetBackend(rb)
			t.Cleanup(func() { SetBackend(nil) })

			RecordHTTP(tc.status, tc.err, time.Millisecond, 2*time.Millisecond, tc.size)
			assert.Equal(t, tc.want, rb.names())
		})
	}
}

func TestStatusLabel(t *testing.T) {
	assert.Equal(t, "error", StatusLabel(0))
	assert.Equal(t, "404", StatusLabel(404))
}

func TestFlush_DefaultsToNop(t *testing.T) {
	SetBackend(nil)
	assert.NoError(t, Flush())

	rb := &recordingBackend{}
	SetBackend(rb)
	t.Cleanup(func() { SetBackend(nil) })
	require.NoError(t, Flush())
	assert.Equal(t, 1, rb.flushes)
}
