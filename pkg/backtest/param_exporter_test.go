package backtest

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/quantlink-pairs/pkg/series"
)

func fixedExporter(dir string) *ParamExporter {
	e := NewParamExporter(dir)
	e.now = func() time.Time { return time.Date(2024, 7, 1, 9, 30, 0, 0, time.UTC) }
	return e
}

func TestExportRunParams_RoundTrip(t *testing.T) {
	run := reportRun(t)
	dir := t.TempDir()

	path, err := fixedExporter(dir).ExportRunParams(run)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "params_20240506_070809_"+shortID(run.RunID)+".yaml"), path)

	loaded, err := LoadOptimalParams(path)
	require.NoError(t, err)
	assert.Equal(t, run.RunID, loaded.RunID)
	assert.Equal(t, run.Params, loaded.Parameters)
	assert.Equal(t, keys(run.Pairs), loaded.Pairs)
	assert.Empty(t, loaded.OptimizationGoal)
	assert.Equal(t, run.Totals.TotalTrades, loaded.Performance.TotalTrades)
	assert.Equal(t, len(run.Pairs), loaded.Performance.EvaluatedPairs)
	assert.Equal(t, run.Totals.Skipped, loaded.Performance.SkippedPairs)
	assert.True(t, strings.HasSuffix(loaded.DataPeriod, run.Period.End.Format("2006-01-02")))
}

func TestExportOptimalParams(t *testing.T) {
	run := reportRun(t)
	dir := t.TempDir()
	e := fixedExporter(dir)

	best := &OptimizationResult{
		Parameters: map[string]float64{ParamEntry: 2, ParamExit: 0.5},
		Metrics:    OptimizationMetrics{SharpeRatio: 1.4, TotalPNL: 321, TotalTrades: 12, Pairs: 2},
		Rank:       1,
	}
	path, err := e.ExportOptimalParams(run, best, GoalSharpeRatio)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "optimal_params_20240701_"+shortID(run.RunID)+".yaml"), path)

	loaded, err := LoadOptimalParams(path)
	require.NoError(t, err)
	assert.Equal(t, "sharpe", loaded.OptimizationGoal)
	assert.Equal(t, 2.0, loaded.Parameters.Simulation.Entry)
	assert.Equal(t, 0.5, loaded.Parameters.Simulation.Exit)
	assert.Equal(t, run.Params.Screen, loaded.Parameters.Screen)
	assert.Equal(t, 1.4, loaded.Performance.SharpeRatio)
	assert.Equal(t, 12, loaded.Performance.TotalTrades)
	assert.Equal(t, 2, loaded.Performance.EvaluatedPairs)

	_, err = e.ExportOptimalParams(run, nil, GoalSharpeRatio)
	assert.Error(t, err)

	bad := &OptimizationResult{Parameters: map[string]float64{ParamEntry: 0.5, ParamExit: 1}}
	_, err = e.ExportOptimalParams(run, bad, GoalSharpeRatio)
	assert.Error(t, err)
}

func TestExportOptimizationResults(t *testing.T) {
	agg := newTestAggregator(t, nil)
	table := series.TableFromMap(testData(t))
	run, err := agg.RunTable(context.Background(), table, 5000)
	require.NoError(t, err)

	opt := NewParameterOptimizer(agg)
	require.NoError(t, opt.AddParamRange(ParamEntry, 1.5, 2, 0.5, ParamTypeFloat))
	results, err := opt.GridSearch(context.Background(), table, run.Candidates, 5000)
	require.NoError(t, err)

	path, err := fixedExporter(t.TempDir()).ExportOptimizationResults(run, results, GoalSharpeRatio)
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Contains(t, filepath.Base(path), "optimization_results_20240701_093000_")
}

func TestLoadOptimalParams_Errors(t *testing.T) {
	_, err := LoadOptimalParams(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)

	_, err = LoadOptimalParams(writeFile(t, "broken.yaml", "parameters: [unclosed"))
	assert.Error(t, err)
}

func TestCompareParams(t *testing.T) {
	baseline := &OptimalParams{
		Pairs:       []string{"KO/PEP"},
		Parameters:  RunParams{Simulation: DefaultConfig().Simulation, Signal: DefaultConfig().Signal},
		Performance: PerformanceMetrics{SharpeRatio: 1, TotalPNL: 0, WinRate: 0.5},
	}
	current := &OptimalParams{
		Pairs:       []string{"KO/PEP"},
		Parameters:  baseline.Parameters,
		Performance: PerformanceMetrics{SharpeRatio: 1.5, TotalPNL: 200, WinRate: 0.6},
	}
	current.Parameters.Simulation.Entry = 2

	out := CompareParams(baseline, current)
	assert.Contains(t, out, "Parameter Comparison")
	assert.Contains(t, out, "+50.00%")
	assert.Contains(t, out, "(n/a)")
	assert.Regexp(t, `entry\s+: 1.5 -> 2 \*`, out)
	assert.Regexp(t, `exit\s+: 0 -> 0\n`, out)
}
