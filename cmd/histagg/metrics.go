package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"histagg/internal/config"
	"histagg/internal/metrics"
	"histagg/internal/metrics/datadog"
	"histagg/internal/metrics/prompush"
)

// metricsSetup is what a backend factory needs to know about the run.
type metricsSetup struct {
	Config  config.MetricsConfig
	AggType string
	RunID   string
}

// flushOnClose adapts a push-once backend to backendCloser.
type flushOnClose struct {
	*prompush.Backend
}

func (f flushOnClose) Close() error { return f.Flush() }

// newMetricsBackend builds the configured backend. It returns nil, nil when
// metrics are disabled.
func newMetricsBackend(ctx context.Context, s metricsSetup) (backendCloser, error) {
	job := s.Config.Job
	if job == "" {
		job = "histagg"
	}

	switch s.Config.Backend {
	case "pushgateway":
		gwURL := s.Config.PushgatewayURL
		if gwURL == "" {
			gwURL = config.DefaultPushgateway
		}
		var opts []prompush.Option
		if s.AggType != "" {
			opts = append(opts, prompush.WithGrouping("agg_type", s.AggType))
		}
		b, err := prompush.NewBackend(job, gwURL, opts...)
		if err != nil {
			return nil, err
		}
		return flushOnClose{b}, nil

	case "datadog":
		tags := append([]string{}, s.Config.Tags...)
		if s.AggType != "" {
			tags = append(tags, "agg_type:"+s.AggType)
		}
		tags = append(tags, "run_id:"+s.RunID)

		// The backend flushes periodically and once more on Close.
		b, err := datadog.NewBackend(ctx, datadog.Options{
			JobName:    job,
			Tags:       tags,
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return b, nil

	case "", "none":
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown metrics backend %q", s.Config.Backend)
	}
}

// installMetrics sets the process-wide backend and returns its shutdown func.
// A backend that fails to start is logged and metrics stay disabled.
func installMetrics(ctx context.Context, d *deps, s metricsSetup, log zerolog.Logger) func() {
	b, err := d.BackendFactory(ctx, s)
	if err != nil {
		log.Warn().Err(err).Str("backend", s.Config.Backend).Msg("metrics: backend init failed; using nop")
		return func() {}
	}
	if b == nil {
		log.Debug().Str("backend", s.Config.Backend).Msg("metrics: disabled")
		return func() {}
	}

	log.Info().Str("backend", s.Config.Backend).Str("job", s.Config.Job).Msg("metrics: enabled")
	metrics.SetBackend(b)
	return func() {
		if err := b.Close(); err != nil {
			log.Warn().Err(err).Msg("metrics: close/flush error")
		}
		metrics.SetBackend(nil)
	}
}
