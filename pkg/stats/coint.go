package stats

import (
	"fmt"
	"math"
)

// collinearRSquared flags legs whose regression leaves (almost) nothing for the residual test
var collinearRSquared = 1 - 100*math.Sqrt(2.220446049250313e-16)

// CointResult is the outcome of an Engle-Granger two-step cointegration test
type CointResult struct {
	Stat       float64 // ADF t-statistic of the regression residuals
	PValue     float64 // MacKinnon approximate p-value, N=2 with constant
	HedgeRatio float64 // β of y on x
	Intercept  float64 // α of y on x
	UsedLag    int
	NObs       int
}

// Coint tests y and x for cointegration: y = α + βx + e, then ADF on e with AIC lag selection.
// Constant legs return ErrDegenerateStatistic. Perfectly collinear legs have no residual to test
// and report Stat = -Inf, PValue = 0.
func Coint(y, x []float64) (*CointResult, error) {
	if len(y) != len(x) {
		return nil, fmt.Errorf("%w: legs of length %d and %d", ErrSampleTooShort, len(y), len(x))
	}

	if len(y) >= 2 && IsDegenerateStd(StdDev(y)) {
		return nil, fmt.Errorf("%w: constant dependent leg", ErrDegenerateStatistic)
	}
	reg, err := Regress(x, y)
	if err != nil {
		return nil, fmt.Errorf("cointegrating regression: %w", err)
	}
	if reg.RSquared >= collinearRSquared {
		return &CointResult{
			Stat:       math.Inf(-1),
			PValue:     0,
			HedgeRatio: reg.Slope,
			Intercept:  reg.Intercept,
			NObs:       len(y),
		}, nil
	}

	adf, err := ADF(reg.Residuals, -1)
	if err != nil {
		return nil, fmt.Errorf("residual unit-root test: %w", err)
	}

	return &CointResult{
		Stat:       adf.Stat,
		PValue:     MacKinnonP(adf.Stat, 2),
		HedgeRatio: reg.Slope,
		Intercept:  reg.Intercept,
		UsedLag:    adf.UsedLag,
		NObs:       len(y),
	}, nil
}
