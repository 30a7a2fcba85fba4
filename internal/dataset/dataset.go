// Package dataset loads a rank's training shard from CSV.
package dataset

import (
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"gonum.org/v1/gonum/mat"
)

// Shard is one rank's slice of the training set.
type Shard struct {
	FeatureNames []string
	Features     *mat.Dense
	Labels       []float64
}

// Rows returns the number of samples in the shard.
func (s *Shard) Rows() int {
	return len(s.Labels)
}

// Load reads a CSV file with a header row. If features is empty every
// column other than label is used, in file order.
func Load(path, label string, features []string) (*Shard, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open shard: %w", err)
	}
	defer f.Close()

	shard, err := Read(f, label, features)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return shard, nil
}

// Read parses CSV from r. All selected columns must be numeric.
func Read(r io.Reader, label string, features []string) (*Shard, error) {
	df := dataframe.ReadCSV(r,
		dataframe.HasHeader(true),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.Float))
	if df.Err != nil {
		return nil, fmt.Errorf("failed to parse CSV: %w", df.Err)
	}

	names := df.Names()
	if !slices.Contains(names, label) {
		return nil, fmt.Errorf("label column %q not found (columns: %v)", label, names)
	}
	if len(features) == 0 {
		for _, name := range names {
			if name != label {
				features = append(features, name)
			}
		}
	}
	if len(features) == 0 {
		return nil, fmt.Errorf("no feature columns besides label %q", label)
	}
	for _, name := range features {
		if !slices.Contains(names, name) {
			return nil, fmt.Errorf("feature column %q not found (columns: %v)", name, names)
		}
	}

	rows := df.Nrow()
	labels, err := numericColumn(df, label)
	if err != nil {
		return nil, err
	}

	x := mat.NewDense(rows, len(features), nil)
	for j, name := range features {
		values, err := numericColumn(df, name)
		if err != nil {
			return nil, err
		}
		x.SetCol(j, values)
	}

	return &Shard{
		FeatureNames: slices.Clone(features),
		Features:     x,
		Labels:       labels,
	}, nil
}

func numericColumn(df dataframe.DataFrame, name string) ([]float64, error) {
	col := df.Col(name)
	if col.Err != nil {
		return nil, fmt.Errorf("column %q: %w", name, col.Err)
	}
	values := col.Float()
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("column %q row %d: %q is not a finite number", name, i+1, col.Elem(i).String())
		}
	}
	return values, nil
}
