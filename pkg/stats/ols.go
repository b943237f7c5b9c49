package stats

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// OLSResult holds a multiple regression fit without an implicit constant
type OLSResult struct {
	Params []float64
	StdErr []float64
	TStats []float64
	SSR    float64
	NObs   int
	K      int
}

// AIC returns the Akaike information criterion with the gaussian log-likelihood
func (r *OLSResult) AIC() float64 {
	n := float64(r.NObs)
	llf := -n / 2 * (math.Log(2*math.Pi) + math.Log(r.SSR/n) + 1)
	return -2*llf + 2*float64(r.K)
}

// OLS regresses y on the columns of x (rows = observations)
func OLS(y []float64, x [][]float64) (*OLSResult, error) {
	n := len(y)
	if n == 0 || len(x) != n {
		return nil, fmt.Errorf("%w: %d observations for %d rows", ErrSampleTooShort, n, len(x))
	}
	k := len(x[0])
	if k == 0 || n <= k {
		return nil, fmt.Errorf("%w: %d observations for %d regressors", ErrSampleTooShort, n, k)
	}

	design := mat.NewDense(n, k, nil)
	for i, row := range x {
		design.SetRow(i, row)
	}
	target := mat.NewVecDense(n, append([]float64(nil), y...))

	var xtx mat.Dense
	xtx.Mul(design.T(), design)

	var inv mat.Dense
	if err := inv.Inverse(&xtx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDegenerateStatistic, err)
	}

	var xty mat.VecDense
	xty.MulVec(design.T(), target)

	var beta mat.VecDense
	beta.MulVec(&inv, &xty)

	var fitted mat.VecDense
	fitted.MulVec(design, &beta)

	var ssr float64
	for i := 0; i < n; i++ {
		e := y[i] - fitted.AtVec(i)
		ssr += e * e
	}

	sigma2 := ssr / float64(n-k)
	res := &OLSResult{
		Params: make([]float64, k),
		StdErr: make([]float64, k),
		TStats: make([]float64, k),
		SSR:    ssr,
		NObs:   n,
		K:      k,
	}
	for j := 0; j < k; j++ {
		res.Params[j] = beta.AtVec(j)
		res.StdErr[j] = math.Sqrt(sigma2 * inv.At(j, j))
		res.TStats[j] = res.Params[j] / res.StdErr[j]
	}
	return res, nil
}
