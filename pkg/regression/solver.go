package regression

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// Solver computes partial results from a local shard and merges partial
// results from every shard into a global model.
type Solver interface {
	Family() Family

	// Partial makes one pass over the local shard. It never communicates.
	Partial(req *Request) (*PartialResult, error)

	// Merge combines partial results in any order and solves for the model.
	Merge(parts []*PartialResult) (*Model, error)
}

// Linear is ordinary least squares.
type Linear struct{}

func (Linear) Family() Family { return FamilyLinear }

func (Linear) Partial(req *Request) (*PartialResult, error) {
	return accumulate(req, FamilyLinear)
}

func (Linear) Merge(parts []*PartialResult) (*Model, error) {
	return merge(parts, FamilyLinear, 0)
}

// Ridge is least squares with an L2 penalty Lambda·‖β‖² on the feature
// coefficients. The intercept is not penalised.
type Ridge struct {
	Lambda float64
}

func (Ridge) Family() Family { return FamilyRidge }

func (Ridge) Partial(req *Request) (*PartialResult, error) {
	return accumulate(req, FamilyRidge)
}

func (r Ridge) Merge(parts []*PartialResult) (*Model, error) {
	if r.Lambda < 0 || math.IsNaN(r.Lambda) {
		return nil, fmt.Errorf("ridge lambda must be >= 0, got %g", r.Lambda)
	}
	return merge(parts, FamilyRidge, r.Lambda)
}

// SelectSolver returns the solver for family. The family is always an explicit
// choice: regularisation parameters never switch linear to ridge. RegParam
// becomes the ridge penalty; the elastic net parameter is not used by any
// solver and only produces a warning.
func SelectSolver(family Family, req *Request) (Solver, error) {
	if req.ElasticNetParam != 0 {
		log.Printf("[WARN] Elastic net param %g is not supported and will be ignored", req.ElasticNetParam)
	}

	switch family {
	case FamilyLinear:
		if req.RegParam != 0 {
			log.Printf("[INFO] Reg param %g has no effect on linear regression", req.RegParam)
		}
		return Linear{}, nil
	case FamilyRidge:
		return Ridge{Lambda: req.RegParam}, nil
	default:
		return nil, family.Validate()
	}
}

type blockStats struct {
	gram   *mat.SymDense
	moment *mat.VecDense
	sumSq  float64
}

// accumulate computes the shard's statistics using req.Threads goroutines
// over contiguous row blocks. Blocks are summed in order, so the result only
// depends on the data and the thread count.
func accumulate(req *Request, family Family) (*PartialResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	rows, features := req.Features.Dims()
	k := designDim(features, req.FitIntercept)

	threads := max(req.Threads, 1)
	threads = min(threads, max(rows, 1))
	chunk := (rows + threads - 1) / threads

	blocks := make([]blockStats, threads)
	var wg sync.WaitGroup
	for b := range blocks {
		lo := min(b*chunk, rows)
		hi := min(lo+chunk, rows)
		wg.Add(1)
		go func() {
			defer wg.Done()
			blocks[b] = accumulateRows(req, k, lo, hi)
		}()
	}
	wg.Wait()

	part := &PartialResult{
		Family:    family,
		Intercept: req.FitIntercept,
		Features:  features,
		Rows:      rows,
		Gram:      mat.NewSymDense(k, nil),
		Moment:    mat.NewVecDense(k, nil),
	}
	for _, block := range blocks {
		part.Gram.AddSym(part.Gram, block.gram)
		part.Moment.AddVec(part.Moment, block.moment)
		part.SumSquaredLabels += block.sumSq
	}
	return part, nil
}

func accumulateRows(req *Request, k, lo, hi int) blockStats {
	_, features := req.Features.Dims()
	stats := blockStats{
		gram:   mat.NewSymDense(k, nil),
		moment: mat.NewVecDense(k, nil),
	}

	x := mat.NewVecDense(k, nil)
	if req.FitIntercept {
		x.SetVec(features, 1)
	}
	for i := lo; i < hi; i++ {
		for j := 0; j < features; j++ {
			x.SetVec(j, req.Features.At(i, j))
		}
		y := req.Labels[i]
		stats.gram.SymRankOne(stats.gram, 1, x)
		stats.moment.AddScaledVec(stats.moment, y, x)
		stats.sumSq += y * y
	}
	return stats
}

func merge(parts []*PartialResult, family Family, lambda float64) (*Model, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: no partial results to merge", ErrShapeMismatch)
	}

	first := parts[0]
	k := first.Dim()
	gram := mat.NewSymDense(k, nil)
	moment := mat.NewVecDense(k, nil)
	rows := 0
	for i, part := range parts {
		if part.Features != first.Features || part.Intercept != first.Intercept {
			return nil, fmt.Errorf("%w: partial %d has %d features (intercept=%v), partial 0 has %d (intercept=%v)",
				ErrShapeMismatch, i, part.Features, part.Intercept, first.Features, first.Intercept)
		}
		if part.Family != family {
			return nil, fmt.Errorf("%w: partial %d was computed for %s regression, merging %s",
				ErrShapeMismatch, i, part.Family, family)
		}
		gram.AddSym(gram, part.Gram)
		moment.AddVec(moment, part.Moment)
		rows += part.Rows
	}
	if rows == 0 {
		return nil, fmt.Errorf("%w: no training rows", ErrSingular)
	}

	for j := 0; j < first.Features; j++ {
		gram.SetSym(j, j, gram.At(j, j)+lambda)
	}

	beta, err := solveNormal(gram, moment)
	if err != nil {
		return nil, err
	}

	model := &Model{
		Family:       family,
		Coefficients: append([]float64(nil), beta[:first.Features]...),
		Rows:         rows,
	}
	if first.Intercept {
		model.Intercept = beta[first.Features]
		model.HasIntercept = true
	}
	return model, nil
}

// solveNormal solves a·x = b, by Cholesky when a is positive definite and by
// QR otherwise.
func solveNormal(a *mat.SymDense, b *mat.VecDense) ([]float64, error) {
	x := mat.NewVecDense(b.Len(), nil)

	var chol mat.Cholesky
	if chol.Factorize(a) {
		if err := chol.SolveVecTo(x, b); err == nil || usableCondition(err) {
			return x.RawVector().Data, nil
		}
	}

	var qr mat.QR
	qr.Factorize(mat.DenseCopyOf(a))
	if err := qr.SolveVecTo(x, false, b); err != nil && !usableCondition(err) {
		return nil, fmt.Errorf("%w: %v", ErrSingular, err)
	}
	return x.RawVector().Data, nil
}

// usableCondition reports whether err only warns about a finite condition number.
func usableCondition(err error) bool {
	var cond mat.Condition
	if !errors.As(err, &cond) || math.IsInf(float64(cond), 0) || math.IsNaN(float64(cond)) {
		return false
	}
	log.Printf("[WARN] Normal equations are ill-conditioned (condition number %.3g)", float64(cond))
	return true
}
