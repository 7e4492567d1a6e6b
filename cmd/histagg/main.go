// Command histagg generates the clients-daily histogram aggregation query for
// one histogram family and writes it to stdout.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"histagg/internal/metrics"
	"histagg/internal/pipeline"
	"histagg/internal/probeinfo"
	"histagg/internal/schema"
	"histagg/internal/storage"

	// register every snapshot store; the config picks one.
	_ "histagg/internal/storage/all"
)

// backendCloser is a metrics backend the command must shut down.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// deps are external seams for testability.
//
// When to use:
//   - Unit tests: inject fake sources, a fake registry and capture output.
//   - Alternate runtimes: swap the metrics backend or storage factory.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	NewSource      func(ctx context.Context, cfg schema.SourceConfig) (schema.Source, error)
	NewFetcher     func(url string, timeout time.Duration) probeinfo.Fetcher
	NewStore       func(ctx context.Context, cfg storage.Config) (storage.SnapshotRepository, error)
	BackendFactory func(ctx context.Context, s metricsSetup) (backendCloser, error)
	Sleep          func(ctx context.Context, d time.Duration) error
	NewRunID       func() string
}

// main is intentionally small: it wires real dependencies and exits with a code.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], defaultDeps())
	stop()
	os.Exit(code)
}

func defaultDeps() deps {
	return deps{
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
		NewSource: schema.NewSource,
		NewFetcher: func(url string, timeout time.Duration) probeinfo.Fetcher {
			return probeinfo.NewClient(url, timeout)
		},
		NewStore:       storage.New,
		BackendFactory: newMetricsBackend,
		Sleep:          pipeline.Sleep,
		NewRunID:       func() string { return uuid.NewString() },
	}
}

// exitError carries an explicit exit code out of a cobra command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// run executes the command line and returns an exit code.
//
// Exit codes:
//   - 0: success.
//   - 1: the run failed (schema, registry, resolution, output).
//   - 2: usage or configuration error.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.NewSource == nil {
		d.NewSource = schema.NewSource
	}
	if d.NewFetcher == nil {
		d.NewFetcher = func(url string, timeout time.Duration) probeinfo.Fetcher {
			return probeinfo.NewClient(url, timeout)
		}
	}
	if d.NewStore == nil {
		d.NewStore = storage.New
	}
	if d.BackendFactory == nil {
		d.BackendFactory = newMetricsBackend
	}
	if d.Sleep == nil {
		d.Sleep = pipeline.Sleep
	}
	if d.NewRunID == nil {
		d.NewRunID = func() string { return uuid.NewString() }
	}

	root := newRootCmd(&d)
	root.SetArgs(args)
	root.SetOut(d.Stdout)
	root.SetErr(d.Stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(d.Stderr, "error: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(d.Stderr, "error: %v\n", err)
	var ue *pipeline.UsageError
	if errors.As(err, &ue) {
		return 2
	}
	return 1
}
