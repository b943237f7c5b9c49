package stats

import (
	"gonum.org/v1/gonum/stat/distuv"
)

// MacKinnon (1994, updated 2010) response-surface coefficients for the
// constant-only case, indexed by the number of variables N-1. Only the
// single-series ADF (N=1) and the two-variable Engle-Granger (N=2) surfaces are needed.
var (
	tauMaxC  = []float64{2.74, 0.92}
	tauMinC  = []float64{-18.83, -18.86}
	tauStarC = []float64{-1.61, -2.62}

	tauSmallPC = [][]float64{
		{2.1659, 1.4412, 0.038269},
		{2.92, 1.5012, 0.039796},
	}
	tauLargePC = [][]float64{
		{1.7339, 0.93202, -0.12745, -0.010368},
		{2.1945, 0.64695, -0.29198, -0.042377},
	}
)

// MacKinnonP returns the approximate p-value of an (augmented) Dickey-Fuller statistic
// for a regression with a constant and n integrated variables (n is clamped to 1..2).
func MacKinnonP(stat float64, n int) float64 {
	if n < 1 {
		n = 1
	}
	if n > len(tauMaxC) {
		n = len(tauMaxC)
	}
	i := n - 1

	switch {
	case stat > tauMaxC[i]:
		return 1
	case stat < tauMinC[i]:
		return 0
	}

	coef := tauLargePC[i]
	if stat <= tauStarC[i] {
		coef = tauSmallPC[i]
	}
	return distuv.UnitNormal.CDF(polyval(coef, stat))
}

// polyval evaluates c0 + c1 x + c2 x^2 + ...
func polyval(coef []float64, x float64) float64 {
	var v float64
	for j := len(coef) - 1; j >= 0; j-- {
		v = v*x + coef[j]
	}
	return v
}
