// Package cleanup runs best-effort teardown: an ordered list of independent
// steps where no failure, or panic, stops the steps after it.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tphummel/lab_matrix/internal/metrics"
)

// Step is one teardown action.
type Step struct {
	Name string
	// Skip, when true, records the step as skipped without running it.
	Skip bool
	Run  func(ctx context.Context) error
}

// Result is the outcome of one step.
type Result struct {
	Step     string        `json:"step"`
	Skipped  bool          `json:"skipped,omitempty"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Report lists step results in execution order.
type Report struct {
	Results []Result `json:"results"`
}

// Failed returns the results of steps that returned an error or panicked.
func (r Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// Ran reports whether the named step ran (was not skipped).
func (r Report) Ran(name string) bool {
	for _, res := range r.Results {
		if res.Step == name {
			return !res.Skipped
		}
	}
	return false
}

// Err joins every step error, or returns nil.
func (r Report) Err() error {
	var errs []error
	for _, res := range r.Failed() {
		errs = append(errs, fmt.Errorf("%s: %w", res.Step, res.Err))
	}
	return errors.Join(errs...)
}

// Pipeline runs steps in order.
type Pipeline struct {
	steps  []Step
	logger *slog.Logger
}

// NewPipeline returns a pipeline over steps.
func NewPipeline(logger *slog.Logger, steps ...Step) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{steps: steps, logger: logger}
}

// Add appends steps.
func (p *Pipeline) Add(steps ...Step) { p.steps = append(p.steps, steps...) }

// Run executes every step regardless of earlier outcomes. Failures are
// logged as warnings and collected in the report; Run itself never fails.
func (p *Pipeline) Run(ctx context.Context) Report {
	var rep Report
	for _, s := range p.steps {
		if s.Skip {
			p.logger.Info("cleanup step skipped", "step", s.Name)
			rep.Results = append(rep.Results, Result{Step: s.Name, Skipped: true})
			continue
		}
		start := time.Now()
		err := runStep(ctx, s)
		res := Result{Step: s.Name, Err: err, Duration: time.Since(start)}
		if err != nil {
			res.Error = err.Error()
			metrics.CleanupFailed(s.Name)
			p.logger.Warn("cleanup step failed", "step", s.Name, "error", err)
		} else {
			p.logger.Debug("cleanup step done", "step", s.Name, "duration", res.Duration)
		}
		rep.Results = append(rep.Results, res)
	}
	return rep
}

func runStep(ctx context.Context, s Step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.Run(ctx)
}
