// Package pipeline drives one generator run: validate the selector, wait,
// load the schema, extract probes, fetch the registry, resolve, and render.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"histagg/internal/metrics"
	"histagg/internal/probeinfo"
	"histagg/internal/schema"
	"histagg/internal/sqlgen"
)

// UsageError is a bad invocation detected before any work is done.
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string { return e.Err.Error() }
func (e *UsageError) Unwrap() error { return e.Err }

// Request is one run's selection.
type Request struct {
	AggType string
	// Processes restricts emitted scopes; nil means all processes.
	Processes schema.ProcessFilter
	// Wait delays the run before any schema or registry access.
	Wait time.Duration
	// JSON wraps the query text in a JSON string literal.
	JSON bool
}

// Result is what Resolve learned about the probe set.
type Result struct {
	Kind       schema.Kind          `json:"agg_type"`
	Processes  string               `json:"processes"`
	Discovered int                  `json:"discovered"`
	Resolution probeinfo.Resolution `json:"resolution"`
}

// Runner holds the collaborators of a run. Schema and Registry are required.
type Runner struct {
	Schema   schema.Source
	Registry probeinfo.Fetcher
	// Resolver defaults to probeinfo.DefaultResolver when its Channels are empty.
	Resolver probeinfo.Resolver
	Tables   sqlgen.Tables
	Logger   zerolog.Logger

	// Sleep is a seam for tests; nil uses Sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Resolve runs every stage up to probe resolution.
func (r *Runner) Resolve(ctx context.Context, req Request) (Result, error) {
	kind, err := schema.ParseKind(req.AggType)
	if err != nil {
		return Result{}, &UsageError{Err: err}
	}
	if r.Schema == nil || r.Registry == nil {
		return Result{}, fmt.Errorf("pipeline: Schema and Registry are required")
	}

	if req.Wait > 0 {
		err := r.step("wait", func() error {
			r.Logger.Info().Dur("wait", req.Wait).Msg("waiting before run")
			return r.sleep(ctx, req.Wait)
		})
		if err != nil {
			return Result{}, err
		}
	}

	var s *schema.Schema
	if err := r.step("schema", func() (err error) {
		s, err = r.Schema.Load(ctx)
		return err
	}); err != nil {
		return Result{}, err
	}

	var probes schema.Probes
	if err := r.step("extract", func() (err error) {
		probes, err = schema.Extract(s, kind, req.Processes)
		return err
	}); err != nil {
		return Result{}, err
	}
	metrics.RecordProbes("discovered", len(probes))

	var reg probeinfo.Registry
	if err := r.step("registry", func() (err error) {
		reg, err = r.Registry.Fetch(ctx)
		return err
	}); err != nil {
		return Result{}, err
	}

	res := Result{Kind: kind, Processes: req.Processes.String(), Discovered: len(probes)}
	if err := r.step("resolve", func() (err error) {
		res.Resolution, err = r.resolver().Resolve(reg, probes, kind, req.Processes)
		return err
	}); err != nil {
		return Result{}, err
	}

	rs := res.Resolution
	metrics.RecordProbes("resolved", len(rs.Probes))
	metrics.RecordProbes("dropped", len(rs.Dropped))
	r.Logger.Info().
		Str("agg_type", string(kind)).
		Str("processes", res.Processes).
		Int("discovered", res.Discovered).
		Int("resolved", len(rs.Probes)).
		Int("missing", len(rs.Missing)).
		Int("no_channel", len(rs.NoChannel)).
		Int("incomplete", len(rs.Incomplete)).
		Strs("dropped", rs.Dropped).
		Msg("probes resolved")
	if len(rs.Incomplete) > 0 {
		r.Logger.Warn().Strs("probes", rs.Incomplete).Msg("probes without type or bucket parameters skipped")
	}
	return res, nil
}

// Generate runs the whole pipeline and returns the query text, or its JSON
// string literal when req.JSON is set.
func (r *Runner) Generate(ctx context.Context, req Request) (string, error) {
	res, err := r.Resolve(ctx, req)
	if err != nil {
		return "", err
	}

	var query string
	if err := r.step("assemble", func() (err error) {
		query, err = sqlgen.Generate(sqlgen.Options{Kind: res.Kind, Tables: r.Tables}, res.Resolution.Probes)
		return err
	}); err != nil {
		return "", err
	}
	if !req.JSON {
		return query, nil
	}

	var out string
	if err := r.step("encode", func() (err error) {
		out, err = sqlgen.EncodeJSON(query)
		return err
	}); err != nil {
		return "", err
	}
	return out, nil
}

// step times fn, records the outcome, and wraps a failure with the stage name.
func (r *Runner) step(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	d := durMS(start)
	if err != nil {
		metrics.RecordStep(name, "error", d)
		return fmt.Errorf("%s: %w", name, err)
	}
	metrics.RecordStep(name, "ok", d)
	r.Logger.Info().Str("stage", name).Dur("duration", d).Msgf("stage=%s ok duration=%s", name, d)
	return nil
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	return Sleep(ctx, d)
}

func (r *Runner) resolver() probeinfo.Resolver {
	if len(r.Resolver.Channels) == 0 {
		return probeinfo.DefaultResolver
	}
	return r.Resolver
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }
