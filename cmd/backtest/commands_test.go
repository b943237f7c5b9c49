package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/yourusername/quantlink-pairs/pkg/backtest"
)

func TestParseParamRange(t *testing.T) {
	r, err := parseParamRange("entry:1.5:3:0.5")
	require.NoError(t, err)
	assert.Equal(t, backtest.ParamRange{Name: "entry", Min: 1.5, Max: 3, Step: 0.5, Type: backtest.ParamTypeFloat}, r)

	r, err = parseParamRange("window:10:40:10")
	require.NoError(t, err)
	assert.Equal(t, backtest.ParamTypeInt, r.Type)

	for _, bad := range []string{"entry", "entry:1:2", "entry:a:2:1", "entry:1:2:x"} {
		_, err := parseParamRange(bad)
		assert.Error(t, err, bad)
	}
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "entry=2 exit=0.5", formatParams(map[string]float64{"exit": 0.5, "entry": 2}))
	assert.Equal(t, "A,B", abbreviate([]string{"A", "B"}, 8))
	assert.Equal(t, "A,B,... (+2)", abbreviate([]string{"A", "B", "C", "D"}, 2))
}

// runLoad runs the app with a command that only resolves the config
func runLoad(t *testing.T, args ...string) (*backtest.BacktestConfig, error) {
	t.Helper()
	var (
		cfg     *backtest.BacktestConfig
		loadErr error
	)
	app := &cli.App{
		Flags: []cli.Flag{&cli.StringFlag{Name: "config"}},
		Commands: []*cli.Command{{
			Name:  "resolve",
			Flags: simFlags(),
			Action: func(c *cli.Context) error {
				cfg, loadErr = loadConfig(c)
				return nil
			},
		}},
	}
	require.NoError(t, app.RunContext(context.Background(), append([]string{"backtest"}, args...)))
	return cfg, loadErr
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backtest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backtest:
  start_date: "2024-01-02"
  end_date: "2024-03-29"
  capital_per_pair: 25000
universe:
  symbols: [XOM, CVX]
`), 0644))

	cfg, err := runLoad(t, "--config", path, "resolve")
	require.NoError(t, err)
	assert.Equal(t, 25000.0, cfg.Backtest.CapitalPerPair)
	assert.Equal(t, "2024-01-02", cfg.Backtest.StartDate)

	cfg, err = runLoad(t, "--config", path, "resolve",
		"--timeframe", "6M", "--capital", "5000", "-s", "KO", "-s", "PEP", "-o", "/tmp/out", "--workers", "3")
	require.NoError(t, err)
	assert.Equal(t, "6M", cfg.Backtest.Timeframe)
	assert.Empty(t, cfg.Backtest.StartDate, "a timeframe replaces the configured dates")
	assert.Equal(t, 5000.0, cfg.Backtest.CapitalPerPair)
	assert.Equal(t, []string{"KO", "PEP"}, cfg.Universe.Symbols)
	assert.Equal(t, "/tmp/out", cfg.Output.ResultDir)
	assert.Equal(t, 3, cfg.Backtest.Workers)

	_, err = runLoad(t, "--config", path, "resolve", "--capital=-1")
	assert.ErrorIs(t, err, backtest.ErrInvalidConfig)
}

func TestSession_CSVSource(t *testing.T) {
	dir := t.TempDir()
	var s *session
	app := &cli.App{
		Flags: []cli.Flag{&cli.StringFlag{Name: "config"}},
		Commands: []*cli.Command{{
			Name:  "resolve",
			Flags: simFlags(),
			Action: func(c *cli.Context) error {
				var err error
				s, err = newSession(c)
				return err
			},
		}},
	}
	require.NoError(t, app.RunContext(context.Background(),
		[]string{"backtest", "resolve", "--data", dir, "-s", "KO", "-s", "PEP", "--log-level", "error"}))
	require.NotNil(t, s)
	defer s.Close()

	p, symbols, err := s.period()
	require.NoError(t, err)
	assert.Equal(t, []string{"KO", "PEP"}, symbols)
	assert.True(t, p.Start.Before(p.End))
	assert.NotNil(t, s.agg)
	s.Close()
	assert.Empty(t, s.closers)
}
