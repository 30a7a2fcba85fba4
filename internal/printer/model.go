package printer

import (
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
)

// ModelSummary is the trained model as shown to the user.
type ModelSummary struct {
	Family       string
	FeatureNames []string
	Coefficients []float64
	Intercept    float64
	HasIntercept bool
	Rows         int
}

// Model prints a table of coefficients, one row per feature.
// Features without a name are labelled by index.
func Model(m ModelSummary) error {
	Success("%s regression trained on %d rows\n\n", m.Family, m.Rows)

	table := tablewriter.NewWriter(stdout)
	table.Header("Feature", "Coefficient")
	for i, c := range m.Coefficients {
		name := fmt.Sprintf("x%d", i)
		if i < len(m.FeatureNames) && m.FeatureNames[i] != "" {
			name = m.FeatureNames[i]
		}
		if err := table.Append([]string{name, formatFloat(c)}); err != nil {
			return fmt.Errorf("failed to render coefficients: %w", err)
		}
	}
	if m.HasIntercept {
		if err := table.Append([]string{"(intercept)", formatFloat(m.Intercept)}); err != nil {
			return fmt.Errorf("failed to render coefficients: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render coefficients: %w", err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 10, 64)
}
