// Package reconciliation resolves escrows and refunds left in flight by a
// crash. Each check asks the wallet whether the in-flight credit happened and
// either finalizes or reverts the record.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Result is the outcome of one check.
type Result struct {
	Examined  int `json:"examined"`
	Finalized int `json:"finalized"`
	Reverted  int `json:"reverted"`
	Failed    int `json:"failed"`
}

// Check resolves the in-flight records of one entity kind.
type Check struct {
	Name string
	Run  func(ctx context.Context) (Result, error)
}

// Report holds the outcome of a full run.
type Report struct {
	StartedAt time.Time         `json:"startedAt"`
	Duration  time.Duration     `json:"duration"`
	Results   map[string]Result `json:"results"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// Healthy reports whether every check ran without failures.
func (r *Report) Healthy() bool {
	if len(r.Errors) > 0 {
		return false
	}
	for _, res := range r.Results {
		if res.Failed > 0 {
			return false
		}
	}
	return true
}

// Runner runs all checks and remembers the last report.
type Runner struct {
	checks []Check
	logger *slog.Logger

	mu   sync.RWMutex
	last *Report
}

// NewRunner creates a runner over checks.
func NewRunner(logger *slog.Logger, checks ...Check) *Runner {
	return &Runner{checks: checks, logger: logger}
}

// RunAll runs every check. A failing check does not stop the others; their
// errors are joined.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{
		StartedAt: start.UTC(),
		Results:   make(map[string]Result, len(r.checks)),
	}

	var errs []error
	for _, c := range r.checks {
		res, err := c.Run(ctx)
		report.Results[c.Name] = res
		observe(c.Name, res)
		if err != nil {
			if report.Errors == nil {
				report.Errors = make(map[string]string)
			}
			report.Errors[c.Name] = err.Error()
			reconcileErrors.WithLabelValues(c.Name).Inc()
			errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
		}
		if res.Finalized > 0 || res.Reverted > 0 || res.Failed > 0 {
			r.logger.Warn("reconciled in-flight records",
				"check", c.Name, "examined", res.Examined, "finalized", res.Finalized,
				"reverted", res.Reverted, "failed", res.Failed)
		}
	}

	report.Duration = time.Since(start)
	reconcileDuration.Observe(report.Duration.Seconds())

	r.mu.Lock()
	r.last = report
	r.mu.Unlock()

	return report, errors.Join(errs...)
}

// Last returns the most recent report, or nil before the first run.
func (r *Runner) Last() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}
