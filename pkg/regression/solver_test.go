package regression

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// makeDataset returns rows samples of y = x·coefs + intercept + noise·N(0,1).
func makeDataset(rng *rand.Rand, rows int, coefs []float64, intercept, noise float64) (*mat.Dense, []float64) {
	x := mat.NewDense(rows, len(coefs), nil)
	y := make([]float64, rows)
	for i := 0; i < rows; i++ {
		y[i] = intercept + noise*rng.NormFloat64()
		for j, c := range coefs {
			v := rng.NormFloat64() * 3
			x.Set(i, j, v)
			y[i] += c * v
		}
	}
	return x, y
}

// shards splits x and y into n row blocks.
func shards(x *mat.Dense, y []float64, n int) []*Request {
	rows, cols := x.Dims()
	size := rows / n
	reqs := make([]*Request, n)
	for i := range reqs {
		lo, hi := i*size, (i+1)*size
		if i == n-1 {
			hi = rows
		}
		reqs[i] = &Request{
			Features: x.Slice(lo, hi, 0, cols),
			Labels:   y[lo:hi],
		}
	}
	return reqs
}

func TestLinear_RecoversCoefficients(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	coefs := []float64{2, -1, 0.5, 3, -4}

	t.Run("with intercept", func(t *testing.T) {
		x, y := makeDataset(rng, 200, coefs, 7.5, 0)
		part, err := Linear{}.Partial(&Request{Features: x, Labels: y, FitIntercept: true})
		require.NoError(t, err)

		model, err := Linear{}.Merge([]*PartialResult{part})
		require.NoError(t, err)
		assert.InDeltaSlice(t, coefs, model.Coefficients, 1e-9)
		assert.True(t, model.HasIntercept)
		assert.InDelta(t, 7.5, model.Intercept, 1e-9)
		assert.Equal(t, 200, model.Rows)
		assert.Equal(t, FamilyLinear, model.Family)
	})

	t.Run("without intercept", func(t *testing.T) {
		x, y := makeDataset(rng, 200, coefs, 0, 0)
		part, err := Linear{}.Partial(&Request{Features: x, Labels: y})
		require.NoError(t, err)

		model, err := Linear{}.Merge([]*PartialResult{part})
		require.NoError(t, err)
		assert.InDeltaSlice(t, coefs, model.Coefficients, 1e-9)
		assert.False(t, model.HasIntercept)
		assert.Zero(t, model.Intercept)
	})
}

func TestMerge_ShardedEqualsWhole(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	x, y := makeDataset(rng, 403, []float64{1, 2, 3}, -2, 0.5)

	whole, err := Linear{}.Partial(&Request{Features: x, Labels: y, FitIntercept: true})
	require.NoError(t, err)
	expected, err := Linear{}.Merge([]*PartialResult{whole})
	require.NoError(t, err)

	var parts []*PartialResult
	for _, req := range shards(x, y, 4) {
		req.FitIntercept = true
		part, err := Linear{}.Partial(req)
		require.NoError(t, err)
		parts = append(parts, part)
	}
	model, err := Linear{}.Merge(parts)
	require.NoError(t, err)

	assert.InDeltaSlice(t, expected.Coefficients, model.Coefficients, 1e-9)
	assert.InDelta(t, expected.Intercept, model.Intercept, 1e-9)
	assert.Equal(t, 403, model.Rows)
}

func TestMerge_IsOrderIndependent(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	x, y := makeDataset(rng, 120, []float64{0.3, -0.7, 1.1, 2}, 1, 1)

	for _, solver := range []Solver{Linear{}, Ridge{Lambda: 2.5}} {
		t.Run(solver.Family().String(), func(t *testing.T) {
			var parts []*PartialResult
			for _, req := range shards(x, y, 6) {
				req.FitIntercept = true
				part, err := solver.Partial(req)
				require.NoError(t, err)
				parts = append(parts, part)
			}
			reference, err := solver.Merge(parts)
			require.NoError(t, err)

			for trial := 0; trial < 10; trial++ {
				permuted := append([]*PartialResult(nil), parts...)
				rng.Shuffle(len(permuted), func(i, j int) { permuted[i], permuted[j] = permuted[j], permuted[i] })

				model, err := solver.Merge(permuted)
				require.NoError(t, err)
				assert.InDeltaSlice(t, reference.Coefficients, model.Coefficients, 1e-9)
				assert.InDelta(t, reference.Intercept, model.Intercept, 1e-9)
			}
		})
	}
}

func TestPartial_ThreadsAreDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	x, y := makeDataset(rng, 1000, []float64{1, -1, 2}, 0.5, 0.2)

	run := func(threads int) *PartialResult {
		part, err := Linear{}.Partial(&Request{Features: x, Labels: y, FitIntercept: true, Threads: threads})
		require.NoError(t, err)
		return part
	}

	a, b := run(4), run(4)
	assert.Equal(t, Encode(a), Encode(b), "same thread count must give identical bytes")

	single := run(1)
	assert.True(t, mat.EqualApprox(single.Gram, a.Gram, 1e-9))
	assert.True(t, mat.EqualApprox(single.Moment, a.Moment, 1e-9))
	assert.InDelta(t, single.SumSquaredLabels, a.SumSquaredLabels, 1e-6)

	t.Run("more threads than rows", func(t *testing.T) {
		small, ys := makeDataset(rng, 3, []float64{1, 2}, 0, 0)
		part, err := Linear{}.Partial(&Request{Features: small, Labels: ys, Threads: 16})
		require.NoError(t, err)
		assert.Equal(t, 3, part.Rows)
	})
}

func TestRidge(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	coefs := []float64{4, -3, 2}
	x, y := makeDataset(rng, 150, coefs, 10, 0.1)
	req := &Request{Features: x, Labels: y, FitIntercept: true}

	linearPart, err := Linear{}.Partial(req)
	require.NoError(t, err)
	linear, err := Linear{}.Merge([]*PartialResult{linearPart})
	require.NoError(t, err)

	fit := func(lambda float64) *Model {
		part, err := Ridge{}.Partial(req)
		require.NoError(t, err)
		model, err := Ridge{Lambda: lambda}.Merge([]*PartialResult{part})
		require.NoError(t, err)
		return model
	}

	t.Run("zero lambda matches linear", func(t *testing.T) {
		model := fit(0)
		assert.InDeltaSlice(t, linear.Coefficients, model.Coefficients, 1e-9)
		assert.Equal(t, FamilyRidge, model.Family)
	})

	t.Run("penalty shrinks coefficients", func(t *testing.T) {
		mild, strong := fit(10), fit(1000)
		assert.Less(t, floats.Norm(mild.Coefficients, 2), floats.Norm(linear.Coefficients, 2))
		assert.Less(t, floats.Norm(strong.Coefficients, 2), floats.Norm(mild.Coefficients, 2))
	})

	t.Run("intercept is not penalised", func(t *testing.T) {
		model := fit(1e9)
		for _, c := range model.Coefficients {
			assert.InDelta(t, 0, c, 1e-3)
		}
		assert.InDelta(t, floats.Sum(y)/float64(len(y)), model.Intercept, 1e-3)
	})

	t.Run("rejects negative lambda", func(t *testing.T) {
		_, err := Ridge{Lambda: -1}.Merge([]*PartialResult{linearPart})
		assert.Error(t, err)
	})
}

func TestMerge_RejectsIncompatiblePartials(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	x3, y3 := makeDataset(rng, 20, []float64{1, 2, 3}, 0, 0)
	x2, y2 := makeDataset(rng, 20, []float64{1, 2}, 0, 0)

	p3, err := Linear{}.Partial(&Request{Features: x3, Labels: y3})
	require.NoError(t, err)
	p2, err := Linear{}.Partial(&Request{Features: x2, Labels: y2})
	require.NoError(t, err)
	p3Intercept, err := Linear{}.Partial(&Request{Features: x3, Labels: y3, FitIntercept: true})
	require.NoError(t, err)
	p3Ridge, err := Ridge{}.Partial(&Request{Features: x3, Labels: y3})
	require.NoError(t, err)

	tests := []struct {
		name  string
		parts []*PartialResult
	}{
		{"no partials", nil},
		{"feature count", []*PartialResult{p3, p2}},
		{"intercept flag", []*PartialResult{p3, p3Intercept}},
		{"family", []*PartialResult{p3, p3Ridge}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Linear{}.Merge(tt.parts)
			assert.ErrorIs(t, err, ErrShapeMismatch)
		})
	}

	t.Run("no rows", func(t *testing.T) {
		empty := &PartialResult{
			Family:   FamilyLinear,
			Features: 3,
			Gram:     mat.NewSymDense(3, nil),
			Moment:   mat.NewVecDense(3, nil),
		}
		_, err := Linear{}.Merge([]*PartialResult{empty})
		assert.ErrorIs(t, err, ErrSingular)
	})
}

func TestRequestValidate(t *testing.T) {
	x := mat.NewDense(2, 2, []float64{1, 2, 3, 4})

	tests := []struct {
		name string
		req  Request
	}{
		{"nil features", Request{Labels: []float64{1}}},
		{"label count", Request{Features: x, Labels: []float64{1}}},
		{"negative reg param", Request{Features: x, Labels: []float64{1, 2}, RegParam: -0.1}},
		{"elastic net above one", Request{Features: x, Labels: []float64{1, 2}, ElasticNetParam: 1.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.req.Validate())
		})
	}

	valid := Request{Features: x, Labels: []float64{1, 2}, RegParam: 0.5, ElasticNetParam: 0.5}
	assert.NoError(t, valid.Validate())
}

func TestSelectSolver(t *testing.T) {
	req := &Request{RegParam: 3, ElasticNetParam: 0.5}

	solver, err := SelectSolver(FamilyLinear, req)
	require.NoError(t, err)
	assert.Equal(t, Linear{}, solver, "reg param must not switch the family")

	solver, err = SelectSolver(FamilyRidge, req)
	require.NoError(t, err)
	assert.Equal(t, Ridge{Lambda: 3}, solver)

	_, err = SelectSolver(Family(0), req)
	assert.Error(t, err)
}

func TestParseFamily(t *testing.T) {
	f, err := ParseFamily("Ridge")
	require.NoError(t, err)
	assert.Equal(t, FamilyRidge, f)

	f, err = ParseFamily(" linear ")
	require.NoError(t, err)
	assert.Equal(t, FamilyLinear, f)

	_, err = ParseFamily("lasso")
	assert.Error(t, err)
	assert.Equal(t, "family(9)", Family(9).String())
}
