package backtest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/quantlink-pairs/pkg/screen"
	"github.com/yourusername/quantlink-pairs/pkg/series"
	"github.com/yourusername/quantlink-pairs/pkg/strategy/pairs"
	"github.com/yourusername/quantlink-pairs/pkg/strategy/spread"
)

// Tunable parameter names
const (
	ParamEntry      = "entry"
	ParamExit       = "exit"
	ParamExitBand   = "exit_band"
	ParamCostPerLeg = "cost_per_leg"
	ParamWindow     = "window"
)

// ParameterOptimizer performs parameter optimization using grid search over the
// candidates of one screening pass
type ParameterOptimizer struct {
	agg         *Aggregator
	paramRanges map[string]*ParamRange
	goal        OptimizationGoal
	maxWorkers  int
	log         *zap.Logger
}

// ParamRange defines the range for a parameter
type ParamRange struct {
	Name string
	Min  float64
	Max  float64
	Step float64
	Type ParamType
}

// ParamType indicates how to interpret the parameter
type ParamType int

const (
	ParamTypeFloat ParamType = iota
	ParamTypeInt
)

// OptimizationGoal defines the optimization objective
type OptimizationGoal string

const (
	GoalSharpeRatio  OptimizationGoal = "sharpe"
	GoalTotalPNL     OptimizationGoal = "pnl"
	GoalWinRate      OptimizationGoal = "win_rate"
	GoalProfitFactor OptimizationGoal = "profit_factor"
	GoalCalmarRatio  OptimizationGoal = "calmar"
)

// ParseGoal parses a goal name
func ParseGoal(s string) (OptimizationGoal, error) {
	switch g := OptimizationGoal(strings.ToLower(strings.TrimSpace(s))); g {
	case GoalSharpeRatio, GoalTotalPNL, GoalWinRate, GoalProfitFactor, GoalCalmarRatio:
		return g, nil
	default:
		return "", fmt.Errorf("%w: unknown optimization goal %q", series.ErrInvalidInput, s)
	}
}

// OptimizationResult stores the result of a single parameter combination
type OptimizationResult struct {
	Parameters map[string]float64  `yaml:"parameters" json:"parameters"`
	Metrics    OptimizationMetrics `yaml:"metrics" json:"metrics"`
	Rank       int                 `yaml:"rank" json:"rank"`
	Score      float64             `yaml:"score" json:"score"`
}

// OptimizationMetrics contains key performance metrics across all pairs
type OptimizationMetrics struct {
	SharpeRatio  float64 `yaml:"sharpe_ratio" json:"sharpe_ratio"` // average over pairs
	TotalPNL     float64 `yaml:"total_pnl" json:"total_pnl"`
	TotalReturn  float64 `yaml:"total_return" json:"total_return"`
	MaxDrawdown  float64 `yaml:"max_drawdown" json:"max_drawdown"` // worst pair
	WinRate      float64 `yaml:"win_rate" json:"win_rate"`
	ProfitFactor float64 `yaml:"profit_factor" json:"profit_factor"`
	CalmarRatio  float64 `yaml:"calmar_ratio" json:"calmar_ratio"`
	TotalTrades  int     `yaml:"total_trades" json:"total_trades"`
	Pairs        int     `yaml:"pairs" json:"pairs"`
}

// NewParameterOptimizer creates a new parameter optimizer on top of agg's policies
func NewParameterOptimizer(agg *Aggregator) *ParameterOptimizer {
	return &ParameterOptimizer{
		agg:         agg,
		paramRanges: make(map[string]*ParamRange),
		goal:        GoalSharpeRatio,
		maxWorkers:  4, // Default: 4 parallel workers
		log:         agg.root.Named("optimizer"),
	}
}

// AddParamRange adds a parameter range for optimization
func (opt *ParameterOptimizer) AddParamRange(name string, min, max, step float64, paramType ParamType) error {
	switch name {
	case ParamEntry, ParamExit, ParamExitBand, ParamCostPerLeg, ParamWindow:
	default:
		return fmt.Errorf("%w: unknown parameter %q", series.ErrInvalidInput, name)
	}
	if step <= 0 || max < min {
		return fmt.Errorf("%w: bad range for %s [%v, %v] step %v", series.ErrInvalidInput, name, min, max, step)
	}
	opt.paramRanges[name] = &ParamRange{
		Name: name,
		Min:  min,
		Max:  max,
		Step: step,
		Type: paramType,
	}
	return nil
}

// SetOptimizationGoal sets the optimization objective
func (opt *ParameterOptimizer) SetOptimizationGoal(goal OptimizationGoal) {
	opt.goal = goal
}

// SetMaxWorkers sets the maximum number of parallel workers
func (opt *ParameterOptimizer) SetMaxWorkers(workers int) {
	if workers < 1 {
		workers = 1
	}
	if workers > 16 {
		workers = 16
	}
	opt.maxWorkers = workers
}

// GridSearch evaluates every parameter combination on the given candidates and returns the
// successful ones ranked by score. Invalid combinations (e.g. exit >= entry) are skipped.
func (opt *ParameterOptimizer) GridSearch(ctx context.Context, table *series.Table, candidates []screen.Candidate, capital float64) ([]*OptimizationResult, error) {
	if err := checkCapital(capital); err != nil {
		return nil, err
	}
	combinations := opt.generateCombinations()
	total := len(combinations)
	if total == 0 {
		return nil, fmt.Errorf("%w: no parameter combinations to test", series.ErrInvalidInput)
	}

	opt.log.Info("Starting grid search optimization",
		zap.String("goal", string(opt.goal)),
		zap.Int("workers", opt.maxWorkers),
		zap.Int("combinations", total),
		zap.Int("pairs", len(candidates)))

	// Run backtests in parallel, one slot per combination
	slots := make([]*OptimizationResult, total)
	startTime := time.Now()

	var g errgroup.Group
	g.SetLimit(opt.maxWorkers)
	for i, params := range combinations {
		if ctx.Err() != nil {
			break
		}
		i, params := i, params
		g.Go(func() error {
			result, err := opt.runWithParams(ctx, table, candidates, capital, params)
			if err != nil {
				opt.log.Debug("Combination rejected",
					zap.Int("index", i+1),
					zap.Any("params", params),
					zap.Error(err))
				return nil
			}
			slots[i] = result
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	results := make([]*OptimizationResult, 0, total)
	for _, r := range slots {
		if r != nil {
			results = append(results, r)
		}
	}

	opt.log.Info("Grid search completed",
		zap.Duration("elapsed", time.Since(startTime)),
		zap.Int("successful", len(results)),
		zap.Int("total", total))

	// Sort results by score (descending); ties keep grid order
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	// Assign ranks
	for i, result := range results {
		result.Rank = i + 1
	}

	for i := 0; i < 5 && i < len(results); i++ {
		result := results[i]
		opt.log.Info("Top combination",
			zap.Int("rank", result.Rank),
			zap.Float64("score", result.Score),
			zap.Float64("sharpe", result.Metrics.SharpeRatio),
			zap.Float64("pnl", result.Metrics.TotalPNL),
			zap.Any("params", result.Parameters))
	}

	return results, nil
}

// generateCombinations generates all parameter combinations
func (opt *ParameterOptimizer) generateCombinations() []map[string]float64 {
	// Get sorted parameter names for consistent ordering
	paramNames := make([]string, 0, len(opt.paramRanges))
	for name := range opt.paramRanges {
		paramNames = append(paramNames, name)
	}
	sort.Strings(paramNames)

	// Generate value arrays for each parameter; index based so float steps do not drift
	paramValues := make([][]float64, len(paramNames))
	for i, name := range paramNames {
		r := opt.paramRanges[name]
		n := int(math.Floor((r.Max-r.Min)/r.Step+1e-9)) + 1
		values := make([]float64, 0, n)
		for k := 0; k < n; k++ {
			v := r.Min + float64(k)*r.Step
			if r.Type == ParamTypeInt {
				v = math.Trunc(v)
			} else {
				v = math.Round(v*1e9) / 1e9
			}
			values = append(values, v)
		}
		paramValues[i] = values
	}

	// Generate all combinations
	combinations := make([]map[string]float64, 0)
	if len(paramNames) == 0 {
		return combinations
	}
	opt.generateCombinationsRecursive(paramNames, paramValues, 0, make(map[string]float64), &combinations)

	return combinations
}

// generateCombinationsRecursive recursively generates combinations
func (opt *ParameterOptimizer) generateCombinationsRecursive(
	paramNames []string,
	paramValues [][]float64,
	depth int,
	current map[string]float64,
	result *[]map[string]float64,
) {
	if depth == len(paramNames) {
		// Copy current combination
		combo := make(map[string]float64)
		for k, v := range current {
			combo[k] = v
		}
		*result = append(*result, combo)
		return
	}

	// Try all values for current parameter
	paramName := paramNames[depth]
	for _, value := range paramValues[depth] {
		current[paramName] = value
		opt.generateCombinationsRecursive(paramNames, paramValues, depth+1, current, result)
	}
}

// runWithParams simulates every candidate with the given overrides
func (opt *ParameterOptimizer) runWithParams(ctx context.Context, table *series.Table, candidates []screen.Candidate, capital float64, params map[string]float64) (*OptimizationResult, error) {
	signal, sim, err := applyParams(opt.agg.signal, opt.agg.sim, params)
	if err != nil {
		return nil, err
	}

	run := &RunResult{}
	if err := opt.agg.withParams(signal, sim).evaluateAll(ctx, table, candidates, capital, run); err != nil {
		return nil, err
	}

	// Extract metrics
	totals := Summarize(run.Pairs, len(run.Skipped))
	metrics := OptimizationMetrics{
		SharpeRatio:  totals.AvgSharpe,
		TotalPNL:     totals.TotalPNL.InexactFloat64(),
		TotalReturn:  totals.ReturnPercent / 100,
		MaxDrawdown:  totals.WorstDrawdown,
		WinRate:      totals.WinRate,
		ProfitFactor: aggregateProfitFactor(run.Pairs),
		TotalTrades:  totals.TotalTrades,
		Pairs:        totals.Pairs,
	}
	var calmar float64
	for _, pr := range run.Pairs {
		calmar += pr.Performance.CalmarRatio
	}
	if len(run.Pairs) > 0 {
		metrics.CalmarRatio = calmar / float64(len(run.Pairs))
	}

	return &OptimizationResult{
		Parameters: params,
		Metrics:    metrics,
		Score:      opt.calculateScore(&metrics),
	}, nil
}

// calculateScore calculates the optimization score
func (opt *ParameterOptimizer) calculateScore(metrics *OptimizationMetrics) float64 {
	switch opt.goal {
	case GoalSharpeRatio:
		return metrics.SharpeRatio
	case GoalTotalPNL:
		return metrics.TotalPNL
	case GoalWinRate:
		return metrics.WinRate
	case GoalProfitFactor:
		return metrics.ProfitFactor
	case GoalCalmarRatio:
		return metrics.CalmarRatio
	default:
		return metrics.SharpeRatio
	}
}

func aggregateProfitFactor(results []PairResult) float64 {
	var win, loss float64
	for _, pr := range results {
		for _, t := range pr.Trades {
			pnl := t.PnL.InexactFloat64()
			if pnl > 0 {
				win += pnl
			} else {
				loss -= pnl
			}
		}
	}
	if loss > 0 {
		return win / loss
	}
	return 0
}

// applyParams overrides the tunables and validates the result
func applyParams(signal spread.Options, sim pairs.Params, params map[string]float64) (spread.Options, pairs.Params, error) {
	for name, v := range params {
		switch name {
		case ParamEntry:
			sim.Entry = v
		case ParamExit:
			sim.Exit = v
		case ParamExitBand:
			sim.ExitBand = v
		case ParamCostPerLeg:
			sim.CostPerLeg = v
		case ParamWindow:
			signal.Window = int(v)
		default:
			return signal, sim, fmt.Errorf("%w: unknown parameter %q", series.ErrInvalidInput, name)
		}
	}
	if err := signal.Validate(); err != nil {
		return signal, sim, err
	}
	if err := sim.Validate(); err != nil {
		return signal, sim, err
	}
	return signal, sim, nil
}

// tunables flattens the parameters a grid search can change
func tunables(p RunParams) map[string]float64 {
	return map[string]float64{
		ParamEntry:      p.Simulation.Entry,
		ParamExit:       p.Simulation.Exit,
		ParamExitBand:   p.Simulation.ExitBand,
		ParamCostPerLeg: p.Simulation.CostPerLeg,
		ParamWindow:     float64(p.Signal.Window),
	}
}

// GetBestResult returns the best optimization result
func GetBestResult(results []*OptimizationResult) *OptimizationResult {
	if len(results) == 0 {
		return nil
	}
	return results[0]
}

// GetTopNResults returns the top N results
func GetTopNResults(results []*OptimizationResult, n int) []*OptimizationResult {
	if n > len(results) {
		n = len(results)
	}
	return results[:n]
}
