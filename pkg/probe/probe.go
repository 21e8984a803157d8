// Package probe runs the startup checks of the player.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// CheckFunc returns nil when the checked dependency is usable.
type CheckFunc func(ctx context.Context) error

// Probe is a single startup check.
type Probe struct {
	Name     string
	Check    CheckFunc
	Critical bool // a failure aborts startup
	Timeout  time.Duration
}

const defaultTimeout = 5 * time.Second

// Result is the outcome of one probe.
type Result struct {
	Probe    Probe
	Error    error
	Duration time.Duration
}

// Run executes the probes concurrently, each under its own timeout, and
// returns their results in input order.
func Run(ctx context.Context, probes []Probe) []Result {
	results := make([]Result, len(probes))

	var g errgroup.Group
	for i, p := range probes {
		g.Go(func() error {
			results[i] = runOne(ctx, p)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func runOne(ctx context.Context, p Probe) (r Result) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	r.Probe = p
	defer func() {
		if v := recover(); v != nil {
			r.Error = fmt.Errorf("probe panicked: %v", v)
		}
		r.Duration = time.Since(start)
	}()
	r.Error = p.Check(ctx)
	return r
}

// AnalyzeResults logs every result and joins the errors of failed critical probes.
func AnalyzeResults(results []Result) error {
	var critical []error

	slog.Info("Startup Checks Summary", "probes", len(results))
	for _, r := range results {
		attrs := []any{"probe", r.Probe.Name, "took", r.Duration.Round(time.Millisecond)}
		switch {
		case r.Error == nil:
			slog.Info("Probe: PASS", attrs...)
		case r.Probe.Critical:
			slog.Error("Probe: FAIL", append(attrs, "error", r.Error)...)
			critical = append(critical, fmt.Errorf("%s: %w", r.Probe.Name, r.Error))
		default:
			slog.Warn("Probe: FAIL (degraded)", append(attrs, "error", r.Error)...)
		}
	}
	return errors.Join(critical...)
}
