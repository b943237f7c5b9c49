// Package stats provides the statistical functions behind pair screening and spread normalisation
package stats

import (
	"math"
)

// DegenerateStd is the standard deviation at or below which a normalisation is undefined
const DegenerateStd = 1e-10

// Mean 计算均值
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}

	var sum float64
	for _, val := range data {
		sum += val
	}
	return sum / float64(len(data))
}

// Variance 计算总体方差 (ddof=0)
func Variance(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return sumSquares(data) / float64(len(data))
}

// SampleVariance 计算样本方差 (ddof=1)，少于两个点时返回 NaN
func SampleVariance(data []float64) float64 {
	if len(data) < 2 {
		return math.NaN()
	}
	return sumSquares(data) / float64(len(data)-1)
}

func sumSquares(data []float64) float64 {
	mean := Mean(data)
	var ss float64
	for _, val := range data {
		diff := val - mean
		ss += diff * diff
	}
	return ss
}

// StdDev 计算总体标准差
func StdDev(data []float64) float64 {
	return math.Sqrt(Variance(data))
}

// SampleStdDev 计算样本标准差
func SampleStdDev(data []float64) float64 {
	return math.Sqrt(SampleVariance(data))
}

// IsDegenerateStd reports whether std cannot be used as a divisor
func IsDegenerateStd(std float64) bool {
	return math.IsNaN(std) || math.IsInf(std, 0) || std <= DegenerateStd
}

// ZScore 计算 Z-Score
// z = (x - μ) / σ; undefined (NaN) when σ is degenerate
func ZScore(value, mean, std float64) float64 {
	if IsDegenerateStd(std) {
		return math.NaN()
	}
	return (value - mean) / std
}

// Correlation 计算 Pearson 相关系数
func Correlation(x, y []float64) float64 {
	if len(x) != len(y) || len(x) == 0 {
		return 0
	}

	meanX := Mean(x)
	meanY := Mean(y)

	var numerator, varX, varY float64
	for i := range x {
		diffX := x[i] - meanX
		diffY := y[i] - meanY
		numerator += diffX * diffY
		varX += diffX * diffX
		varY += diffY * diffY
	}

	denominator := math.Sqrt(varX * varY)
	if denominator < 1e-10 {
		return 0
	}

	return numerator / denominator
}

// SimpleRegression is the result of y = intercept + slope * x
type SimpleRegression struct {
	Slope     float64
	Intercept float64
	RSquared  float64
	Residuals []float64
}

// Regress fits y = intercept + slope * x by ordinary least squares
func Regress(x, y []float64) (*SimpleRegression, error) {
	if len(x) != len(y) {
		return nil, ErrSampleTooShort
	}
	if len(x) < 2 {
		return nil, ErrSampleTooShort
	}

	meanX := Mean(x)
	meanY := Mean(y)

	var sxy, sxx, syy float64
	for i := range x {
		dx := x[i] - meanX
		dy := y[i] - meanY
		sxy += dx * dy
		sxx += dx * dx
		syy += dy * dy
	}

	if sxx < 1e-10 {
		return nil, ErrDegenerateStatistic
	}

	slope := sxy / sxx
	intercept := meanY - slope*meanX

	residuals := make([]float64, len(y))
	var ssr float64
	for i := range y {
		residuals[i] = y[i] - (intercept + slope*x[i])
		ssr += residuals[i] * residuals[i]
	}

	rsq := 0.0
	if syy > 0 {
		rsq = 1 - ssr/syy
	}

	return &SimpleRegression{
		Slope:     slope,
		Intercept: intercept,
		RSquared:  rsq,
		Residuals: residuals,
	}, nil
}
