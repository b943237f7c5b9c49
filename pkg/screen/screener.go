// Package screen finds cointegrated pairs in a symbol table
package screen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/quantlink-pairs/pkg/logger"
	"github.com/yourusername/quantlink-pairs/pkg/metrics"
	"github.com/yourusername/quantlink-pairs/pkg/series"
	"github.com/yourusername/quantlink-pairs/pkg/stats"
)

// Options 筛选参数
type Options struct {
	Significance float64 `yaml:"significance" mapstructure:"significance" json:"significance"`
	MaxPairs     int     `yaml:"max_pairs" mapstructure:"max_pairs" json:"max_pairs"`
	MinOverlap   int     `yaml:"min_overlap" mapstructure:"min_overlap" json:"min_overlap"`
	Workers      int     `yaml:"workers" mapstructure:"workers" json:"workers"`
}

// DefaultOptions returns significance 0.05, at most 10 pairs and a 30-bar minimum overlap
func DefaultOptions() Options {
	return Options{
		Significance: 0.05,
		MaxPairs:     10,
		MinOverlap:   30,
		Workers:      1,
	}
}

// Validate 验证参数
func (o Options) Validate() error {
	if o.Significance <= 0 || o.Significance > 1 {
		return fmt.Errorf("%w: significance must be in (0, 1], got %v", series.ErrInvalidInput, o.Significance)
	}
	if o.MaxPairs < 1 {
		return fmt.Errorf("%w: max pairs must be positive, got %d", series.ErrInvalidInput, o.MaxPairs)
	}
	// the cointegration regression and the residual test need a handful of rows
	if o.MinOverlap < 10 {
		return fmt.Errorf("%w: min overlap must be at least 10, got %d", series.ErrInvalidInput, o.MinOverlap)
	}
	if o.Workers < 0 {
		return fmt.Errorf("%w: workers must be >= 0, got %d", series.ErrInvalidInput, o.Workers)
	}
	return nil
}

// Candidate is a tested pair; SymbolA sorts before SymbolB
type Candidate struct {
	SymbolA    string  `json:"symbol_a" yaml:"symbol_a"`
	SymbolB    string  `json:"symbol_b" yaml:"symbol_b"`
	PValue     float64 `json:"pvalue" yaml:"pvalue"`
	TestStat   float64 `json:"test_stat" yaml:"test_stat"`
	HedgeRatio float64 `json:"hedge_ratio" yaml:"hedge_ratio"`
	Intercept  float64 `json:"intercept" yaml:"intercept"`
	UsedLag    int     `json:"used_lag" yaml:"used_lag"`
	Overlap    int     `json:"overlap" yaml:"overlap"`
}

// Key returns "A/B"
func (c Candidate) Key() string { return c.SymbolA + "/" + c.SymbolB }

// MarshalJSON writes a non-finite test statistic (collinear legs) as null
func (c Candidate) MarshalJSON() ([]byte, error) {
	type plain Candidate
	out := struct {
		plain
		TestStat *float64 `json:"test_stat"`
	}{plain: plain(c)}
	if !math.IsInf(c.TestStat, 0) && !math.IsNaN(c.TestStat) {
		stat := c.TestStat
		out.TestStat = &stat
	}
	return json.Marshal(out)
}

// Screener runs the Engle-Granger test over every pair of a table
type Screener struct {
	opts    Options
	log     *zap.Logger
	metrics *metrics.Recorder
}

// New creates a screener; log and rec may be nil
func New(opts Options, log *zap.Logger, rec *metrics.Recorder) (*Screener, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Workers == 0 {
		opts.Workers = 1
	}
	return &Screener{opts: opts, log: logger.OrNop(log).Named("screen"), metrics: rec}, nil
}

// Options returns the effective options
func (s *Screener) Options() Options { return s.opts }

// TestPair aligns a and b and tests them for cointegration without the significance filter.
// The returned candidate is ordered so that SymbolA < SymbolB.
func (s *Screener) TestPair(a, b *series.PriceSeries) (Candidate, error) {
	if a.Symbol() > b.Symbol() {
		a, b = b, a
	}
	al := series.Align(a, b)
	if al.Len() < s.opts.MinOverlap {
		return Candidate{}, fmt.Errorf("%w: %s/%s overlap %d < %d",
			series.ErrInsufficientData, a.Symbol(), b.Symbol(), al.Len(), s.opts.MinOverlap)
	}

	res, err := stats.Coint(al.A, al.B)
	if err != nil {
		return Candidate{}, fmt.Errorf("%s/%s: %w", a.Symbol(), b.Symbol(), err)
	}

	return Candidate{
		SymbolA:    a.Symbol(),
		SymbolB:    b.Symbol(),
		PValue:     res.PValue,
		TestStat:   res.Stat,
		HedgeRatio: res.HedgeRatio,
		Intercept:  res.Intercept,
		UsedLag:    res.UsedLag,
		Overlap:    al.Len(),
	}, nil
}

type outcome struct {
	cand Candidate
	err  error
}

// Screen tests every unordered pair and returns the qualifying ones sorted by
// (p-value, SymbolA, SymbolB), at most MaxPairs of them.
// Pairs with a short overlap or a constant leg are skipped; collinear legs rank first with p = 0.
func (s *Screener) Screen(ctx context.Context, table *series.Table) ([]Candidate, error) {
	if table == nil {
		return []Candidate{}, nil
	}
	all, err := s.TestAll(ctx, table)
	if err != nil {
		return nil, err
	}

	qualified := make([]Candidate, 0, len(all))
	for _, c := range all {
		if c.PValue < s.opts.Significance {
			qualified = append(qualified, c)
		}
	}
	if len(qualified) > s.opts.MaxPairs {
		qualified = qualified[:s.opts.MaxPairs]
	}

	s.log.Info("screen finished",
		zap.Int("symbols", table.Len()),
		zap.Int("tested", len(all)),
		zap.Int("qualified", len(qualified)),
		zap.Float64("significance", s.opts.Significance))
	return qualified, nil
}

// TestAll returns every pair that could be evaluated, sorted like Screen but unfiltered
func (s *Screener) TestAll(ctx context.Context, table *series.Table) ([]Candidate, error) {
	if table == nil {
		return []Candidate{}, nil
	}
	usable := table.DropShort(s.opts.MinOverlap)
	symbols := usable.Symbols()
	if dropped := table.Len() - usable.Len(); dropped > 0 {
		s.log.Debug("dropped short symbols", zap.Int("count", dropped), zap.Int("min_overlap", s.opts.MinOverlap))
	}

	type job struct{ a, b *series.PriceSeries }
	jobs := make([]job, 0, len(symbols)*(len(symbols)-1)/2)
	for i := 0; i < len(symbols); i++ {
		a, _ := usable.Get(symbols[i])
		for j := i + 1; j < len(symbols); j++ {
			b, _ := usable.Get(symbols[j])
			jobs = append(jobs, job{a, b})
		}
	}

	results := make([]outcome, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for i, jb := range jobs {
		if gctx.Err() != nil {
			break
		}
		i, jb := i, jb
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			c, err := s.TestPair(jb.a, jb.b)
			results[i] = outcome{cand: c, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(results))
	for i, r := range results {
		if r.err != nil {
			s.skip(jobs[i].a.Symbol(), jobs[i].b.Symbol(), r.err)
			continue
		}
		s.metrics.PairTested(r.cand.PValue < s.opts.Significance)
		out = append(out, r.cand)
	}
	SortCandidates(out)
	return out, nil
}

func (s *Screener) skip(a, b string, err error) {
	reason := Reason(err)
	s.metrics.PairSkipped("screen", reason)
	s.log.Debug("pair skipped", zap.String("a", a), zap.String("b", b), zap.String("reason", reason), zap.Error(err))
}

// Reason classifies a pair failure for logs, metrics and reports
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, series.ErrInsufficientData), errors.Is(err, stats.ErrSampleTooShort):
		return "insufficient_data"
	case errors.Is(err, stats.ErrDegenerateStatistic):
		return "degenerate"
	case errors.Is(err, series.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}

// SortCandidates orders by p-value ascending, then symbols
func SortCandidates(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].PValue != c[j].PValue {
			return c[i].PValue < c[j].PValue
		}
		if c[i].SymbolA != c[j].SymbolA {
			return c[i].SymbolA < c[j].SymbolA
		}
		return c[i].SymbolB < c[j].SymbolB
	})
}
