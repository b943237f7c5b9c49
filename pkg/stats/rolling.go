package stats

import (
	"math"

	"github.com/markcheno/go-talib"
)

// RollingMeanStd returns the trailing mean and sample standard deviation over window
// observations ending at each index. Entries before the first full window are NaN.
func RollingMeanStd(data []float64, window int) (means, stds []float64) {
	n := len(data)
	means = make([]float64, n)
	stds = make([]float64, n)
	for i := range means {
		means[i] = math.NaN()
		stds[i] = math.NaN()
	}
	if window < 2 || n < window {
		return means, stds
	}

	sma := talib.Sma(data, window)
	// talib's StdDev is the population estimate; scale it to ddof=1
	sd := talib.StdDev(data, window, math.Sqrt(float64(window)/float64(window-1)))

	for i := window - 1; i < n; i++ {
		means[i] = sma[i]
		stds[i] = sd[i]
	}
	return means, stds
}
