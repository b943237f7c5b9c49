package backtest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/quantlink-pairs/pkg/source"
	"github.com/yourusername/quantlink-pairs/pkg/strategy/pairs"
	"github.com/yourusername/quantlink-pairs/pkg/strategy/spread"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadBacktestConfig_Defaults(t *testing.T) {
	cfg, err := LoadBacktestConfig("")
	require.NoError(t, err)

	assert.Equal(t, DefaultConfig().Simulation, cfg.Simulation)
	assert.Equal(t, DefaultConfig().Output, cfg.Output)
	assert.Empty(t, cfg.Universe.Symbols)
	assert.Equal(t, "3M", cfg.Backtest.Timeframe)
	assert.Equal(t, 100000.0, cfg.Backtest.CapitalPerPair)
	assert.Equal(t, "csv", cfg.Data.SourceType)
	assert.Equal(t, 24*time.Hour, cfg.Data.Cache.MaxAge)
	assert.Equal(t, spread.NormalizationGlobal, cfg.Signal.Normalization)
	assert.Equal(t, pairs.ExitPolicyCross, cfg.Simulation.ExitPolicy)
	assert.False(t, cfg.NATS.Enabled)
}

func TestLoadBacktestConfig_File(t *testing.T) {
	path := writeFile(t, "backtest.yaml", `
backtest:
  name: energy
  start_date: "2024-01-02"
  end_date: "2024-03-29"
  capital_per_pair: 25000
  workers: 4
universe:
  symbols: [XOM, CVX, COP]
data:
  source_type: yahoo
  requests_per_second: 5
  cache:
    type: sqlite
    path: /tmp/prices.db
    max_age: 2h
screen:
  significance: 0.01
  max_pairs: 3
signal:
  type: hedge
  normalization: rolling
  window: 30
simulation:
  entry: 2
  exit: 0.5
  exit_policy: band
  exit_band: 0.25
  cost_per_leg: 1.5
  close_at_end: true
output:
  report_format: all
  save_signals: true
nats:
  enabled: true
`)

	cfg, err := LoadBacktestConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "energy", cfg.Backtest.Name)
	assert.Equal(t, 25000.0, cfg.Backtest.CapitalPerPair)
	assert.Equal(t, 4, cfg.Backtest.Workers)
	assert.Equal(t, []string{"XOM", "CVX", "COP"}, cfg.Universe.Symbols)
	assert.Equal(t, "yahoo", cfg.Data.SourceType)
	assert.Equal(t, 5.0, cfg.Data.RequestsPerSecond)
	assert.Equal(t, "sqlite", cfg.Data.Cache.Type)
	assert.Equal(t, 2*time.Hour, cfg.Data.Cache.MaxAge)
	assert.Equal(t, 0.01, cfg.Screen.Significance)
	assert.Equal(t, 3, cfg.Screen.MaxPairs)
	assert.Equal(t, 30, cfg.Screen.MinOverlap, "unset keys keep their defaults")
	assert.Equal(t, spread.SpreadTypeHedge, cfg.Signal.Type)
	assert.Equal(t, spread.NormalizationRolling, cfg.Signal.Normalization)
	assert.Equal(t, 30, cfg.Signal.Window)
	assert.Equal(t, pairs.ExitPolicyBand, cfg.Simulation.ExitPolicy)
	assert.Equal(t, 0.25, cfg.Simulation.ExitBand)
	assert.Equal(t, 1.5, cfg.Simulation.CostPerLeg)
	assert.True(t, cfg.Simulation.CloseAtEnd)
	assert.Equal(t, "all", cfg.Output.ReportFormat)
	assert.True(t, cfg.Output.SaveSignals)
	assert.True(t, cfg.Output.SaveTrades)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, "backtest.pairs", cfg.NATS.Subject)

	p, err := cfg.Period(time.Now())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), p.Start)
	assert.Equal(t, time.Date(2024, 3, 30, 0, 0, 0, 0, time.UTC), p.End)

	sim := cfg.SimulationParams()
	assert.Equal(t, 25000.0, sim.InitialCapital)
	assert.Equal(t, 2.0, sim.Entry)
}

func TestLoadBacktestConfig_EnvOverride(t *testing.T) {
	path := writeFile(t, "backtest.yaml", "backtest:\n  capital_per_pair: 25000\n")
	t.Setenv("QUANTLINK_PAIRS_BACKTEST_CAPITAL_PER_PAIR", "5000")
	t.Setenv("QUANTLINK_PAIRS_SIMULATION_ENTRY", "2.5")
	t.Setenv("QUANTLINK_PAIRS_DATA_SOURCE_TYPE", "binance")

	cfg, err := LoadBacktestConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 5000.0, cfg.Backtest.CapitalPerPair)
	assert.Equal(t, 2.5, cfg.Simulation.Entry)
	assert.Equal(t, "binance", cfg.Data.SourceType)
}

func TestLoadBacktestConfig_Errors(t *testing.T) {
	_, err := LoadBacktestConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := writeFile(t, "bad.yaml", "simulation:\n  entry: 1\n  exit: 2\n")
	_, err = LoadBacktestConfig(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *BacktestConfig)
	}{
		{"bad timeframe", func(c *BacktestConfig) { c.Backtest.Timeframe = "2Y" }},
		{"bad dates", func(c *BacktestConfig) { c.Backtest.StartDate, c.Backtest.EndDate = "2024-03-01", "2024-01-01" }},
		{"zero capital", func(c *BacktestConfig) { c.Backtest.CapitalPerPair = 0 }},
		{"negative workers", func(c *BacktestConfig) { c.Backtest.Workers = -1 }},
		{"unknown source", func(c *BacktestConfig) { c.Data.SourceType = "ftp" }},
		{"csv without path", func(c *BacktestConfig) { c.Data.DataPath = "" }},
		{"yahoo without rate", func(c *BacktestConfig) {
			c.Data.SourceType = "yahoo"
			c.Data.RequestsPerSecond = 0
		}},
		{"unknown cache", func(c *BacktestConfig) { c.Data.Cache.Type = "redis" }},
		{"sqlite without path", func(c *BacktestConfig) {
			c.Data.Cache.Type = "sqlite"
			c.Data.Cache.Path = ""
		}},
		{"significance", func(c *BacktestConfig) { c.Screen.Significance = 0 }},
		{"spread type", func(c *BacktestConfig) { c.Signal.Type = "spline" }},
		{"rolling window", func(c *BacktestConfig) {
			c.Signal.Normalization = spread.NormalizationRolling
			c.Signal.Window = 1
		}},
		{"exit above entry", func(c *BacktestConfig) { c.Simulation.Exit = 3 }},
		{"report format", func(c *BacktestConfig) { c.Output.ReportFormat = "pdf" }},
		{"result dir", func(c *BacktestConfig) { c.Output.ResultDir = "" }},
		{"nats subject", func(c *BacktestConfig) {
			c.NATS.Enabled = true
			c.NATS.Subject = ""
		}},
		{"metrics addr", func(c *BacktestConfig) {
			c.Metrics.Enabled = true
			c.Metrics.Addr = ""
		}},
	}

	require.NoError(t, DefaultConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestPeriod(t *testing.T) {
	now := time.Date(2024, 6, 15, 13, 30, 0, 0, time.UTC)
	cfg := DefaultConfig()
	cfg.Backtest.Timeframe = "1M"
	cfg.Backtest.Interval = "1h"

	p, err := cfg.Period(now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 16, 0, 0, 0, 0, time.UTC), p.End)
	assert.Equal(t, time.Date(2024, 5, 16, 0, 0, 0, 0, time.UTC), p.Start)
	assert.Equal(t, "1h", p.Interval)

	cfg.Backtest.StartDate = "2024-01-01"
	_, err = cfg.Period(now)
	assert.ErrorIs(t, err, source.ErrInvalidPeriod, "a start date needs an end date")
}

func TestSymbols(t *testing.T) {
	cfg := DefaultConfig()
	_, err := cfg.Symbols()
	assert.ErrorIs(t, err, source.ErrEmptyUniverse)

	cfg.Universe.Symbols = []string{" PEP", "KO", "PEP", ""}
	symbols, err := cfg.Symbols()
	require.NoError(t, err)
	assert.Equal(t, []string{"KO", "PEP"}, symbols)

	cfg.Universe.File = writeFile(t, "universe.csv", "Symbol,Name\nXOM,Exxon\nCVX,Chevron\n")
	symbols, err = cfg.Symbols()
	require.NoError(t, err)
	assert.Equal(t, []string{"CVX", "XOM"}, symbols)
}
