package spread

import (
	"fmt"
	"math"
	"time"

	"github.com/yourusername/quantlink-pairs/pkg/series"
	"github.com/yourusername/quantlink-pairs/pkg/stats"
)

// Signal is the spread and z-score of one pair over its aligned bars.
// ZScore[i] is NaN where the normalisation is undefined.
type Signal struct {
	SymbolA string
	SymbolB string
	Times   []time.Time
	PricesA []float64
	PricesB []float64
	Spread  []float64
	ZScore  []float64

	Options Options

	// global normalisation
	Mean float64
	Std  float64

	// rolling normalisation, NaN before the first full window
	RollingMean []float64
	RollingStd  []float64

	// hedge spread only; 1 and 0 otherwise
	HedgeRatio float64
	Intercept  float64
}

// Len returns the number of aligned bars
func (s *Signal) Len() int { return len(s.Times) }

// Stats 获取最后一根 bar 的统计信息
func (s *Signal) Stats() SpreadStats {
	st := SpreadStats{
		Mean:        s.Mean,
		Std:         s.Std,
		ZScore:      math.NaN(),
		HedgeRatio:  s.HedgeRatio,
		Correlation: stats.Correlation(s.PricesA, s.PricesB),
	}
	n := s.Len()
	if n == 0 {
		return st
	}
	st.CurrentSpread = s.Spread[n-1]
	st.ZScore = s.ZScore[n-1]
	if s.Options.Normalization == NormalizationRolling {
		st.Mean = s.RollingMean[n-1]
		st.Std = s.RollingStd[n-1]
	}
	return st
}

// Compute aligns a and b on timestamp and builds their signal
func Compute(a, b *series.PriceSeries, opts Options) (*Signal, error) {
	return ComputeAligned(series.Align(a, b), opts)
}

// ComputeAligned builds the signal of an already aligned pair.
// Fewer than two rows is not an error: every z-score is then NaN.
func ComputeAligned(al *series.Aligned, opts Options) (*Signal, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := validateAligned(al); err != nil {
		return nil, err
	}

	n := al.Len()
	sig := &Signal{
		SymbolA:    al.SymbolA,
		SymbolB:    al.SymbolB,
		Times:      append([]time.Time(nil), al.Times...),
		PricesA:    append([]float64(nil), al.A...),
		PricesB:    append([]float64(nil), al.B...),
		Spread:     make([]float64, n),
		ZScore:     make([]float64, n),
		Options:    opts,
		Mean:       math.NaN(),
		Std:        math.NaN(),
		HedgeRatio: 1,
	}

	if opts.Type == SpreadTypeHedge && n >= 2 {
		reg, err := stats.Regress(al.B, al.A)
		if err != nil {
			return nil, fmt.Errorf("hedge ratio %s/%s: %w", al.SymbolA, al.SymbolB, err)
		}
		sig.HedgeRatio = reg.Slope
		sig.Intercept = reg.Intercept
	}

	for i := 0; i < n; i++ {
		sig.Spread[i] = spreadValue(opts.Type, al.A[i], al.B[i], sig.HedgeRatio, sig.Intercept)
	}

	switch opts.Normalization {
	case NormalizationRolling:
		sig.RollingMean, sig.RollingStd = stats.RollingMeanStd(sig.Spread, opts.Window)
		for i := range sig.ZScore {
			sig.ZScore[i] = stats.ZScore(sig.Spread[i], sig.RollingMean[i], sig.RollingStd[i])
		}
	default:
		if n > 0 {
			sig.Mean = stats.Mean(sig.Spread)
		}
		sig.Std = stats.SampleStdDev(sig.Spread)
		for i := range sig.ZScore {
			sig.ZScore[i] = stats.ZScore(sig.Spread[i], sig.Mean, sig.Std)
		}
	}

	return sig, nil
}

// spreadValue 计算单个 bar 的 spread
func spreadValue(t SpreadType, a, b, beta, alpha float64) float64 {
	switch t {
	case SpreadTypeRatio:
		return a / b
	case SpreadTypeLog:
		return math.Log(a) - math.Log(b)
	case SpreadTypeHedge:
		return a - (beta*b + alpha)
	case SpreadTypeDifference:
		fallthrough
	default:
		return a - b
	}
}

func validateAligned(al *series.Aligned) error {
	if al == nil {
		return fmt.Errorf("%w: nil aligned pair", series.ErrInvalidInput)
	}
	n := len(al.Times)
	if len(al.A) != n || len(al.B) != n {
		return fmt.Errorf("%w: %d times, %d prices A, %d prices B", series.ErrInvalidInput, n, len(al.A), len(al.B))
	}
	for i := 0; i < n; i++ {
		if !validPrice(al.A[i]) || !validPrice(al.B[i]) {
			return fmt.Errorf("%w: non-positive or non-finite price at %s", series.ErrInvalidInput, al.Times[i].Format(time.RFC3339))
		}
		if i > 0 && !al.Times[i].After(al.Times[i-1]) {
			return fmt.Errorf("%w: timestamps not increasing at index %d", series.ErrInvalidInput, i)
		}
	}
	return nil
}

func validPrice(p float64) bool {
	return p > 0 && !math.IsInf(p, 0) && !math.IsNaN(p)
}
