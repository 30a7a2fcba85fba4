// Package regression computes linear and ridge regression models from
// horizontally partitioned data.
//
// Each worker reduces its shard to a PartialResult holding sufficient
// statistics (XᵀX, Xᵀy, row count). Partial results from all workers are
// merged by summation, which is commutative and associative, and the merged
// normal equations are solved for the global coefficients. No second pass
// over the data is needed.
package regression

import (
	"errors"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrCorruptPartial reports bytes that do not decode to a partial result.
	ErrCorruptPartial = errors.New("corrupt partial result")

	// ErrShapeMismatch reports partial results or requests of incompatible shape.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrSingular reports merged statistics with no unique solution.
	ErrSingular = errors.New("normal equations are singular")
)

// Family selects the regression model.
type Family uint8

const (
	FamilyLinear Family = iota + 1
	FamilyRidge
)

func (f Family) String() string {
	switch f {
	case FamilyLinear:
		return "linear"
	case FamilyRidge:
		return "ridge"
	default:
		return fmt.Sprintf("family(%d)", uint8(f))
	}
}

// Validate returns an error if f is not a known family.
func (f Family) Validate() error {
	if f != FamilyLinear && f != FamilyRidge {
		return fmt.Errorf("invalid model family: %s", f)
	}
	return nil
}

// ParseFamily parses "linear" or "ridge".
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "linear":
		return FamilyLinear, nil
	case "ridge":
		return FamilyRidge, nil
	default:
		return 0, fmt.Errorf("invalid model family: %q (must be 'linear' or 'ridge')", s)
	}
}

// Request is one worker's training input. It is read-only to this package.
type Request struct {
	// Features is the local n×p feature matrix.
	Features mat.Matrix

	// Labels holds the n target values.
	Labels []float64

	// FitIntercept adds a constant column to the model.
	FitIntercept bool

	// RegParam is the L2 regularisation strength used by ridge regression.
	RegParam float64

	// ElasticNetParam is the L1/L2 mixing parameter. It is accepted but no
	// solver uses it yet.
	ElasticNetParam float64

	// Threads is the number of goroutines used to accumulate statistics.
	// Values below 1 mean one.
	Threads int
}

// Validate checks that the request's shapes agree.
func (r *Request) Validate() error {
	if r.Features == nil {
		return fmt.Errorf("%w: features are required", ErrShapeMismatch)
	}
	rows, cols := r.Features.Dims()
	if cols < 1 {
		return fmt.Errorf("%w: at least one feature column is required", ErrShapeMismatch)
	}
	if len(r.Labels) != rows {
		return fmt.Errorf("%w: %d labels for %d rows", ErrShapeMismatch, len(r.Labels), rows)
	}
	if r.RegParam < 0 {
		return fmt.Errorf("reg param must be >= 0, got %g", r.RegParam)
	}
	if r.ElasticNetParam < 0 || r.ElasticNetParam > 1 {
		return fmt.Errorf("elastic net param must be in [0, 1], got %g", r.ElasticNetParam)
	}
	return nil
}

// PartialResult holds the sufficient statistics of one shard.
// It is not modified after creation.
type PartialResult struct {
	Family    Family
	Intercept bool
	Features  int
	Rows      int

	// SumSquaredLabels is Σy².
	SumSquaredLabels float64

	// Gram is XᵀX over the design matrix, k×k where k is Features plus one
	// if Intercept is set. The intercept column is last.
	Gram *mat.SymDense

	// Moment is Xᵀy over the design matrix.
	Moment *mat.VecDense
}

// Dim returns the design matrix width k.
func (p *PartialResult) Dim() int {
	return designDim(p.Features, p.Intercept)
}

func designDim(features int, intercept bool) int {
	if intercept {
		return features + 1
	}
	return features
}

// Model is the merged global model.
type Model struct {
	Family       Family
	Coefficients []float64

	// Intercept is only meaningful when HasIntercept is set.
	Intercept    float64
	HasIntercept bool

	// Rows is the number of training rows across all shards.
	Rows int
}
