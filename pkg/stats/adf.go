package stats

import (
	"fmt"
	"math"
)

// ADFResult is the outcome of an augmented Dickey-Fuller regression without deterministic terms
type ADFResult struct {
	Stat    float64
	UsedLag int
	NObs    int
}

// DefaultMaxLag is Schwert's rule 12*(n/100)^(1/4), capped so the regression keeps enough rows
func DefaultMaxLag(nobs int) int {
	maxLag := int(math.Ceil(12 * math.Pow(float64(nobs)/100, 0.25)))
	if limit := nobs/2 - 1; limit < maxLag {
		maxLag = limit
	}
	return maxLag
}

// ADF runs the Dickey-Fuller test on x with no constant, choosing the lag by AIC up to maxLag.
// A negative maxLag selects DefaultMaxLag.
func ADF(x []float64, maxLag int) (*ADFResult, error) {
	n := len(x)
	if maxLag < 0 {
		maxLag = DefaultMaxLag(n)
	}
	if maxLag < 0 || n-1-maxLag < 2 {
		return nil, fmt.Errorf("%w: %d observations", ErrSampleTooShort, n)
	}

	diff := make([]float64, n-1)
	for i := 1; i < n; i++ {
		diff[i-1] = x[i] - x[i-1]
	}

	// lag search on the common sample that the largest lag allows
	y, rhs := adfDesign(x, diff, maxLag)
	bestLag, bestAIC := -1, math.Inf(1)
	for lag := 0; lag <= maxLag; lag++ {
		cols := make([][]float64, len(rhs))
		for i, row := range rhs {
			cols[i] = row[:lag+1]
		}
		fit, err := OLS(y, cols)
		if err != nil {
			continue
		}
		if aic := fit.AIC(); aic < bestAIC {
			bestAIC, bestLag = aic, lag
		}
	}
	if bestLag < 0 {
		return nil, fmt.Errorf("%w: no lag produced a regression", ErrDegenerateStatistic)
	}

	y, rhs = adfDesign(x, diff, bestLag)
	fit, err := OLS(y, rhs)
	if err != nil {
		return nil, err
	}
	stat := fit.TStats[0]
	if math.IsNaN(stat) || math.IsInf(stat, 0) {
		return nil, fmt.Errorf("%w: adf statistic %v", ErrDegenerateStatistic, stat)
	}

	return &ADFResult{Stat: stat, UsedLag: bestLag, NObs: fit.NObs}, nil
}

// adfDesign builds Δx_t = γ x_{t-1} + Σ φ_i Δx_{t-i} rows for t = lag .. len(diff)-1
func adfDesign(x, diff []float64, lag int) ([]float64, [][]float64) {
	rows := len(diff) - lag
	y := make([]float64, rows)
	rhs := make([][]float64, rows)
	for r := 0; r < rows; r++ {
		t := lag + r
		y[r] = diff[t]
		row := make([]float64, lag+1)
		row[0] = x[t]
		for i := 1; i <= lag; i++ {
			row[i] = diff[t-i]
		}
		rhs[r] = row
	}
	return y, rhs
}
