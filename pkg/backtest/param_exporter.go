package backtest

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// OptimalParams is the YAML snapshot of the parameters a run used (or a sweep chose)
type OptimalParams struct {
	// Metadata
	GeneratedAt      time.Time `yaml:"generated_at"`
	RunID            string    `yaml:"run_id"`
	DataPeriod       string    `yaml:"data_period"`
	OptimizationGoal string    `yaml:"optimization_goal,omitempty"`

	// Pairs the parameters were evaluated on
	Pairs []string `yaml:"pairs"`

	// Effective parameters
	Parameters RunParams `yaml:"parameters"`

	// Performance metrics
	Performance PerformanceMetrics `yaml:"performance"`
}

// PerformanceMetrics contains backtest performance across pairs
type PerformanceMetrics struct {
	SharpeRatio    float64 `yaml:"sharpe_ratio"`
	MaxDrawdown    float64 `yaml:"max_drawdown"`
	TotalReturn    float64 `yaml:"total_return"`
	WinRate        float64 `yaml:"win_rate"`
	ProfitFactor   float64 `yaml:"profit_factor"`
	TotalTrades    int     `yaml:"total_trades"`
	TotalPNL       float64 `yaml:"total_pnl"`
	SkippedPairs   int     `yaml:"skipped_pairs"`
	EvaluatedPairs int     `yaml:"evaluated_pairs"`
}

// ParamExporter exports run parameters
type ParamExporter struct {
	outputDir string
	now       func() time.Time
}

// NewParamExporter creates a new parameter exporter
func NewParamExporter(outputDir string) *ParamExporter {
	return &ParamExporter{
		outputDir: outputDir,
		now:       time.Now,
	}
}

func (e *ParamExporter) snapshot(run *RunResult) *OptimalParams {
	t := run.Totals
	keys := make([]string, 0, len(run.Pairs))
	for i := range run.Pairs {
		keys = append(keys, run.Pairs[i].Key())
	}
	return &OptimalParams{
		GeneratedAt: e.now(),
		RunID:       run.RunID,
		DataPeriod: fmt.Sprintf("%s to %s",
			run.Period.Start.Format("2006-01-02"), run.Period.End.Format("2006-01-02")),
		Pairs:      keys,
		Parameters: run.Params,
		Performance: PerformanceMetrics{
			SharpeRatio:    t.AvgSharpe,
			MaxDrawdown:    t.WorstDrawdown,
			TotalReturn:    t.ReturnPercent / 100,
			WinRate:        t.WinRate,
			ProfitFactor:   aggregateProfitFactor(run.Pairs),
			TotalTrades:    t.TotalTrades,
			TotalPNL:       t.TotalPNL.InexactFloat64(),
			SkippedPairs:   t.Skipped,
			EvaluatedPairs: t.Pairs,
		},
	}
}

// ExportRunParams writes the effective parameters of run next to its report
func (e *ParamExporter) ExportRunParams(run *RunResult) (string, error) {
	return e.write(e.snapshot(run), fmt.Sprintf("params_%s_%s.yaml",
		run.StartedAt.Format("20060102_150405"), shortID(run.RunID)))
}

// ExportOptimalParams writes run's parameters with best's overrides applied and best's metrics
func (e *ParamExporter) ExportOptimalParams(run *RunResult, best *OptimizationResult, goal OptimizationGoal) (string, error) {
	if best == nil {
		return "", fmt.Errorf("no optimization result to export")
	}
	params := e.snapshot(run)
	params.OptimizationGoal = string(goal)

	signal, sim, err := applyParams(run.Params.Signal, run.Params.Simulation, best.Parameters)
	if err != nil {
		return "", fmt.Errorf("invalid optimal parameters: %w", err)
	}
	params.Parameters.Signal = signal
	params.Parameters.Simulation = sim
	params.Performance = PerformanceMetrics{
		SharpeRatio:    best.Metrics.SharpeRatio,
		MaxDrawdown:    best.Metrics.MaxDrawdown,
		TotalReturn:    best.Metrics.TotalReturn,
		WinRate:        best.Metrics.WinRate,
		ProfitFactor:   best.Metrics.ProfitFactor,
		TotalTrades:    best.Metrics.TotalTrades,
		TotalPNL:       best.Metrics.TotalPNL,
		EvaluatedPairs: best.Metrics.Pairs,
	}

	return e.write(params, fmt.Sprintf("optimal_params_%s_%s.yaml",
		e.now().Format("20060102"), shortID(run.RunID)))
}

// ExportOptimizationResults writes the ranked grid to YAML
func (e *ParamExporter) ExportOptimizationResults(run *RunResult, results []*OptimizationResult, goal OptimizationGoal) (string, error) {
	keys := make([]string, 0, len(run.Candidates))
	for _, c := range run.Candidates {
		keys = append(keys, c.Key())
	}

	// Build export structure
	export := struct {
		GeneratedAt      time.Time             `yaml:"generated_at"`
		OptimizationGoal string                `yaml:"optimization_goal"`
		Pairs            []string              `yaml:"pairs"`
		TotalTests       int                   `yaml:"total_tests"`
		Results          []*OptimizationResult `yaml:"results"`
	}{
		GeneratedAt:      e.now(),
		OptimizationGoal: string(goal),
		Pairs:            keys,
		TotalTests:       len(results),
		Results:          results,
	}

	return e.write(export, fmt.Sprintf("optimization_results_%s_%s.yaml",
		e.now().Format("20060102_150405"), shortID(run.RunID)))
}

func (e *ParamExporter) write(v interface{}, filename string) (string, error) {
	// Create output directory
	if err := os.MkdirAll(e.outputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	data, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal parameters: %w", err)
	}

	path := filepath.Join(e.outputDir, filename)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write parameters file: %w", err)
	}
	return path, nil
}

// LoadOptimalParams loads parameters from file
func LoadOptimalParams(path string) (*OptimalParams, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read parameters file: %w", err)
	}

	var params OptimalParams
	if err := yaml.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("failed to parse parameters: %w", err)
	}

	return &params, nil
}

// CompareParams compares two parameter sets
func CompareParams(baseline, current *OptimalParams) string {
	var b strings.Builder
	b.WriteString("Parameter Comparison\n")
	b.WriteString("===================\n\n")

	fmt.Fprintf(&b, "Pairs: %v\n\n", current.Pairs)

	// Performance comparison
	b.WriteString("Performance Metrics:\n")
	fmt.Fprintf(&b, "  Sharpe Ratio:      %.4f -> %.4f (%s)\n",
		baseline.Performance.SharpeRatio,
		current.Performance.SharpeRatio,
		pctChange(baseline.Performance.SharpeRatio, current.Performance.SharpeRatio))
	fmt.Fprintf(&b, "  Total PNL:         %.2f -> %.2f (%s)\n",
		baseline.Performance.TotalPNL,
		current.Performance.TotalPNL,
		pctChange(baseline.Performance.TotalPNL, current.Performance.TotalPNL))
	fmt.Fprintf(&b, "  Max Drawdown:      %.4f -> %.4f\n",
		baseline.Performance.MaxDrawdown,
		current.Performance.MaxDrawdown)
	fmt.Fprintf(&b, "  Win Rate:          %.2f%% -> %.2f%%\n",
		baseline.Performance.WinRate*100,
		current.Performance.WinRate*100)
	b.WriteString("\n")

	// Parameter changes
	b.WriteString("Parameter Changes:\n")
	before := tunables(baseline.Parameters)
	after := tunables(current.Parameters)
	names := make([]string, 0, len(after))
	for name := range after {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		marker := ""
		if before[name] != after[name] {
			marker = " *"
		}
		fmt.Fprintf(&b, "  %-20s: %v -> %v%s\n", name, before[name], after[name], marker)
	}

	return b.String()
}

func pctChange(before, after float64) string {
	if before == 0 || math.IsNaN(before) {
		return "n/a"
	}
	return fmt.Sprintf("%+.2f%%", (after/before-1)*100)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
