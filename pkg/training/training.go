// Package training runs one distributed training session over a communicator.
//
// Every rank computes the partial result of its local shard, the partial
// results are gathered on the root rank, and the root merges them into the
// global model. Only the root returns a Result; every other rank receives
// ErrNoResult once the gather has completed.
package training

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/dyluth/warren/pkg/comm"
	"github.com/dyluth/warren/pkg/regression"
)

// ErrNoResult is returned on non-root ranks, which never hold the model.
var ErrNoResult = errors.New("no result on non-root rank")

// IsNoResult returns true if err is, or wraps, ErrNoResult.
func IsNoResult(err error) bool {
	return errors.Is(err, ErrNoResult)
}

// Group is the communicator a training session runs over.
type Group interface {
	comm.Gatherer
	Rank() int
	Size() int
}

// Options select the model for a session.
type Options struct {
	// Family defaults to linear regression.
	Family regression.Family

	// GroupSize, if set, must equal the communicator size.
	GroupSize int
}

// Result is the trained model as handed back to the caller on the root rank.
type Result struct {
	Family       regression.Family
	Coefficients []float64
	Intercept    float64
	HasIntercept bool

	// Rows is the total number of rows across all ranks.
	Rows int

	// Rank is the rank that produced the result.
	Rank int
}

// Predict returns the model output for one feature row.
func (r *Result) Predict(features []float64) (float64, error) {
	if len(features) != len(r.Coefficients) {
		return 0, fmt.Errorf("%w: %d features, model has %d", regression.ErrShapeMismatch, len(features), len(r.Coefficients))
	}
	y := r.Intercept
	for i, x := range features {
		y += r.Coefficients[i] * x
	}
	return y, nil
}

// Reduce gathers partial to the root and merges all partial results with
// solver. It is a collective: every rank of g must call it with a partial of
// the same shape. Non-root ranks return ErrNoResult.
func Reduce(ctx context.Context, g Group, solver regression.Solver, partial *regression.PartialResult) (*regression.Model, error) {
	parts, err := comm.GatherFixed[*regression.PartialResult](ctx, g, regression.CodecFor(partial), partial)
	if err != nil {
		return nil, fmt.Errorf("failed to gather partial results: %w", err)
	}
	if !g.IsRoot() {
		return nil, ErrNoResult
	}

	model, err := solver.Merge(parts)
	if err != nil {
		return nil, fmt.Errorf("failed to merge %d partial results: %w", len(parts), err)
	}
	return model, nil
}

// Train fits a model to the union of every rank's shard. It blocks until all
// ranks of g have called Train, or ctx is cancelled.
func Train(ctx context.Context, g Group, req *regression.Request, opts Options) (*Result, error) {
	family := opts.Family
	if family == 0 {
		family = regression.FamilyLinear
	}
	if opts.GroupSize != 0 && opts.GroupSize != g.Size() {
		return nil, fmt.Errorf("%w: session expects %d ranks, communicator has %d", comm.ErrConfig, opts.GroupSize, g.Size())
	}

	solver, err := regression.SelectSolver(family, req)
	if err != nil {
		return nil, err
	}

	rows, features := 0, 0
	if req.Features != nil {
		rows, features = req.Features.Dims()
	}
	log.Printf("[INFO] Rank %d/%d training %s regression on %d rows x %d features with %d threads",
		g.Rank(), g.Size(), family, rows, features, max(req.Threads, 1))

	start := time.Now()
	partial, err := solver.Partial(req)
	if err != nil {
		return nil, fmt.Errorf("rank %d failed to compute partial result: %w", g.Rank(), err)
	}
	log.Printf("[DEBUG] Rank %d partial result took %s", g.Rank(), time.Since(start))

	start = time.Now()
	model, err := Reduce(ctx, g, solver, partial)
	if err != nil {
		return nil, err
	}
	log.Printf("[INFO] Reduce of %d partial results took %s", g.Size(), time.Since(start))
	log.Printf("[INFO] %s", FormatCoefficients(model))

	return &Result{
		Family:       model.Family,
		Coefficients: model.Coefficients,
		Intercept:    model.Intercept,
		HasIntercept: model.HasIntercept,
		Rows:         model.Rows,
		Rank:         g.Rank(),
	}, nil
}

// FormatCoefficients renders the model the way the root logs it.
func FormatCoefficients(m *regression.Model) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s regression coefficients:", titleCase(m.Family.String()))
	for _, c := range m.Coefficients {
		fmt.Fprintf(&b, " %g", c)
	}
	if m.HasIntercept {
		fmt.Fprintf(&b, " intercept=%g", m.Intercept)
	}
	return b.String()
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
