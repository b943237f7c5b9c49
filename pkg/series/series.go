// Package series provides immutable price series and the alignment helpers used by the screener and the simulator
package series

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Point is a single (timestamp, price) observation
type Point struct {
	Time  time.Time
	Price float64
}

// PriceSeries is an ordered, validated price history for one symbol.
// It is never mutated after New returns.
type PriceSeries struct {
	symbol string
	points []Point
}

// New validates points and builds a PriceSeries.
// NaN prices are treated as missing observations and dropped.
func New(symbol string, points []Point) (*PriceSeries, error) {
	if symbol == "" {
		return nil, fmt.Errorf("%w: empty symbol", ErrInvalidInput)
	}

	kept := make([]Point, 0, len(points))
	for i, p := range points {
		if math.IsNaN(p.Price) {
			continue
		}
		if math.IsInf(p.Price, 0) || p.Price <= 0 {
			return nil, fmt.Errorf("%w: %s price %v at index %d", ErrInvalidInput, symbol, p.Price, i)
		}
		if n := len(kept); n > 0 && !p.Time.After(kept[n-1].Time) {
			return nil, fmt.Errorf("%w: %s timestamp %s not after %s",
				ErrInvalidInput, symbol, p.Time.Format(time.RFC3339), kept[n-1].Time.Format(time.RFC3339))
		}
		kept = append(kept, p)
	}

	return &PriceSeries{symbol: symbol, points: kept}, nil
}

// MustNew is New for fixtures; it panics on invalid input
func MustNew(symbol string, points []Point) *PriceSeries {
	s, err := New(symbol, points)
	if err != nil {
		panic(err)
	}
	return s
}

// FromPrices builds a series with one observation per step starting at start
func FromPrices(symbol string, start time.Time, step time.Duration, prices []float64) (*PriceSeries, error) {
	points := make([]Point, len(prices))
	for i, p := range prices {
		points[i] = Point{Time: start.Add(time.Duration(i) * step), Price: p}
	}
	return New(symbol, points)
}

// Symbol returns the instrument identifier
func (s *PriceSeries) Symbol() string { return s.symbol }

// Len returns the number of observations
func (s *PriceSeries) Len() int { return len(s.points) }

// At returns the i-th observation
func (s *PriceSeries) At(i int) Point { return s.points[i] }

// Points returns a copy of the observations
func (s *PriceSeries) Points() []Point {
	out := make([]Point, len(s.points))
	copy(out, s.points)
	return out
}

// Prices returns a copy of the price column
func (s *PriceSeries) Prices() []float64 {
	out := make([]float64, len(s.points))
	for i, p := range s.points {
		out[i] = p.Price
	}
	return out
}

// Range returns the first and last timestamps, zero values for an empty series
func (s *PriceSeries) Range() (time.Time, time.Time) {
	if len(s.points) == 0 {
		return time.Time{}, time.Time{}
	}
	return s.points[0].Time, s.points[len(s.points)-1].Time
}

// Between returns the observations with start <= t <= end as a new series
func (s *PriceSeries) Between(start, end time.Time) *PriceSeries {
	lo := sort.Search(len(s.points), func(i int) bool { return !s.points[i].Time.Before(start) })
	hi := sort.Search(len(s.points), func(i int) bool { return s.points[i].Time.After(end) })
	if hi < lo {
		hi = lo
	}
	out := make([]Point, hi-lo)
	copy(out, s.points[lo:hi])
	return &PriceSeries{symbol: s.symbol, points: out}
}
