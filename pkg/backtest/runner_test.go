package backtest

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yourusername/quantlink-pairs/pkg/metrics"
	"github.com/yourusername/quantlink-pairs/pkg/screen"
	"github.com/yourusername/quantlink-pairs/pkg/series"
	"github.com/yourusername/quantlink-pairs/pkg/source"
	"github.com/yourusername/quantlink-pairs/pkg/strategy/pairs"
	"github.com/yourusername/quantlink-pairs/pkg/strategy/spread"
)

var day0 = time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)

var testPeriod = source.Period{Start: day0, End: day0.AddDate(1, 0, 0), Interval: "1d"}

type mapSource struct {
	mu    sync.Mutex
	data  map[string]*series.PriceSeries
	calls int
	err   error
}

func (m *mapSource) Name() string { return "map" }

func (m *mapSource) Fetch(ctx context.Context, symbols []string, _ source.Period) (map[string]*series.PriceSeries, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.err != nil {
		return nil, m.err
	}
	out := make(map[string]*series.PriceSeries)
	for _, s := range symbols {
		if ps, ok := m.data[s]; ok {
			out[s] = ps
		}
	}
	return out, nil
}

type recordingPublisher struct {
	mu    sync.Mutex
	pairs []string
	runs  []string
}

func (r *recordingPublisher) PublishPair(_ context.Context, runID string, pr *PairResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pairs = append(r.pairs, runID+":"+pr.Key())
	return nil
}

func (r *recordingPublisher) PublishRun(_ context.Context, run *RunResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run.RunID)
	return errors.New("broker unavailable")
}

func mkSeries(t testing.TB, symbol string, prices []float64) *series.PriceSeries {
	t.Helper()
	s, err := series.FromPrices(symbol, day0, 24*time.Hour, prices)
	require.NoError(t, err)
	return s
}

func randomWalk(rng *rand.Rand, n int, level float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		level += rng.NormFloat64()
		out[i] = level
	}
	return out
}

// testData: X/Y and V/W cointegrated, CONST flat, SHORT too short to screen
func testData(t testing.TB) map[string]*series.PriceSeries {
	rng := rand.New(rand.NewSource(11))
	n := 200
	x := randomWalk(rng, n, 100)
	y := make([]float64, n)
	for i := range y {
		y[i] = 5 + 2*x[i] + rng.NormFloat64()
	}
	w := randomWalk(rng, n, 300)
	v := make([]float64, n)
	for i := range v {
		v[i] = 20 + 0.5*w[i] + 0.5*rng.NormFloat64()
	}
	flat := make([]float64, n)
	for i := range flat {
		flat[i] = 50
	}

	return map[string]*series.PriceSeries{
		"X":     mkSeries(t, "X", x),
		"Y":     mkSeries(t, "Y", y),
		"V":     mkSeries(t, "V", v),
		"W":     mkSeries(t, "W", w),
		"CONST": mkSeries(t, "CONST", flat),
		"SHORT": mkSeries(t, "SHORT", randomWalk(rng, 12, 40)),
	}
}

func newTestAggregator(t testing.TB, src source.Source, opts ...Option) *Aggregator {
	t.Helper()
	scrOpts := screen.DefaultOptions()
	scrOpts.Significance = 0.01
	scr, err := screen.New(scrOpts, nil, nil)
	require.NoError(t, err)
	agg, err := NewAggregator(src, scr, spread.DefaultOptions(), pairs.DefaultParams(), opts...)
	require.NoError(t, err)
	return agg
}

func sumPnL(trades []pairs.Trade) decimal.Decimal {
	total := decimal.Zero
	for _, tr := range trades {
		total = total.Add(tr.PnL)
	}
	return total
}

func keys(prs []PairResult) []string {
	out := make([]string, 0, len(prs))
	for i := range prs {
		out = append(out, prs[i].Key())
	}
	return out
}

func TestRun(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	rec := metrics.NewRecorder(reg)
	src := &mapSource{data: testData(t)}
	agg := newTestAggregator(t, src, WithLogger(zaptest.NewLogger(t)), WithMetrics(rec), WithWorkers(2))

	run, err := agg.Run(context.Background(), []string{"Y", "X", "V", "W", "CONST", "MISSING", "X"}, testPeriod, 100000)
	require.NoError(t, err)
	require.NotNil(t, run)

	_, err = uuid.Parse(run.RunID)
	assert.NoError(t, err)
	assert.Equal(t, []string{"CONST", "MISSING", "V", "W", "X", "Y"}, run.Universe)
	assert.Equal(t, []string{"CONST", "V", "W", "X", "Y"}, run.Loaded)
	assert.Equal(t, testPeriod.Start, run.Period.Start)
	assert.Equal(t, 100000.0, run.Params.CapitalPerPair)
	assert.Equal(t, 100000.0, run.Params.Simulation.InitialCapital)
	assert.Equal(t, 1, src.calls)

	require.NotNil(t, run.Pair("X/Y"))
	require.NotNil(t, run.Pair("V/W"))
	assert.Equal(t, len(run.Candidates), len(run.Pairs)+len(run.Skipped))

	// results follow screening order
	candKeys := make([]string, 0, len(run.Candidates))
	for _, c := range run.Candidates {
		candKeys = append(candKeys, c.Key())
	}
	assert.Equal(t, candKeys, keys(run.Pairs))

	capital := decimal.NewFromInt(100000)
	for _, pr := range run.Pairs {
		assert.True(t, pr.Summary.InitialCapital.Equal(capital), pr.Key())
		assert.True(t, pr.Summary.FinalCapital.Equal(capital.Add(sumPnL(pr.Trades))), pr.Key())
		assert.Len(t, pr.Equity, pr.Candidate.Overlap)
		require.NotNil(t, pr.Signal)
		assert.Equal(t, pr.Candidate.Overlap, pr.Signal.Len())
		assert.Equal(t, len(pr.Trades), pr.Performance.TotalTrades)
		for i := 1; i < len(pr.Trades); i++ {
			assert.Greater(t, pr.Trades[i].EntryIndex, pr.Trades[i-1].ExitIndex)
		}
	}

	assert.Equal(t, len(run.Pairs), run.Totals.Pairs)
	assert.True(t, run.Totals.InitialCapital.Equal(capital.Mul(decimal.NewFromInt(int64(len(run.Pairs))))))
	assert.False(t, run.FinishedAt.Before(run.StartedAt))
	assert.Equal(t, float64(len(run.Pairs)), testutil.ToFloat64(rec.PairsSimulated))
	assert.Equal(t, 1, testutil.CollectAndCount(rec.RunDuration))
}

func TestRun_DeterministicAcrossWorkers(t *testing.T) {
	t.Parallel()
	data := testData(t)

	serial, err := newTestAggregator(t, &mapSource{data: data}, WithWorkers(1)).
		Run(context.Background(), []string{"V", "W", "X", "Y"}, testPeriod, 50000)
	require.NoError(t, err)
	parallel, err := newTestAggregator(t, &mapSource{data: data}, WithWorkers(8)).
		Run(context.Background(), []string{"V", "W", "X", "Y"}, testPeriod, 50000)
	require.NoError(t, err)

	require.Equal(t, keys(serial.Pairs), keys(parallel.Pairs))
	for i := range serial.Pairs {
		assert.Equal(t, serial.Pairs[i].Trades, parallel.Pairs[i].Trades)
		assert.Equal(t, serial.Pairs[i].Summary, parallel.Pairs[i].Summary)
		assert.Equal(t, serial.Pairs[i].Performance, parallel.Pairs[i].Performance)
	}
	assert.NotEqual(t, serial.RunID, parallel.RunID)
}

func TestRun_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, err := newTestAggregator(t, nil).Run(ctx, []string{"X"}, testPeriod, 1000)
	assert.ErrorIs(t, err, ErrNoSource)

	agg := newTestAggregator(t, &mapSource{data: testData(t)})

	_, err = agg.Run(ctx, []string{"X", "Y"}, source.Period{Start: day0, End: day0}, 1000)
	assert.ErrorIs(t, err, source.ErrInvalidPeriod)

	_, err = agg.Run(ctx, []string{"X", "Y"}, testPeriod, 0)
	assert.ErrorIs(t, err, series.ErrInvalidInput)

	boom := errors.New("upstream down")
	_, err = newTestAggregator(t, &mapSource{err: boom}).Run(ctx, []string{"X", "Y"}, testPeriod, 1000)
	assert.ErrorIs(t, err, boom)
}

func TestRunTable_Empty(t *testing.T) {
	t.Parallel()
	table, err := series.NewTable()
	require.NoError(t, err)

	for name, tbl := range map[string]*series.Table{"empty": table, "nil": nil} {
		run, err := newTestAggregator(t, nil).RunTable(context.Background(), tbl, 1000)
		require.NoError(t, err, name)
		assert.Empty(t, run.Loaded, name)
		assert.Empty(t, run.Candidates, name)
		assert.Empty(t, run.Pairs, name)
		assert.Empty(t, run.Skipped, name)
		assert.True(t, run.Totals.TotalPNL.IsZero(), name)
	}
}

func TestRun_EmptyUniverse(t *testing.T) {
	t.Parallel()
	src := &mapSource{data: testData(t)}
	agg := newTestAggregator(t, src)

	for _, universe := range [][]string{nil, {" ", ""}} {
		run, err := agg.Run(context.Background(), universe, testPeriod, 1000)
		require.NoError(t, err)
		assert.Empty(t, run.Universe)
		assert.Empty(t, run.Pairs)
		assert.Empty(t, run.Skipped)
		assert.Equal(t, testPeriod.Start, run.Period.Start)
	}
	assert.Zero(t, src.calls, "nothing to fetch")
}

func TestRunPair_IdenticalSeries(t *testing.T) {
	t.Parallel()
	data := testData(t)
	x := data["X"]
	twin, err := series.New("TWIN", x.Points())
	require.NoError(t, err)
	data["TWIN"] = twin
	agg := newTestAggregator(t, &mapSource{data: data})

	run, err := agg.RunPair(context.Background(), "X", "TWIN", testPeriod, 10000)
	require.NoError(t, err)
	assert.Empty(t, run.Skipped, "identical legs are evaluated, not skipped")
	require.Len(t, run.Pairs, 1)
	pr := run.Pairs[0]
	assert.Equal(t, "TWIN/X", pr.Key())
	assert.Equal(t, 0.0, pr.Candidate.PValue)
	assert.Empty(t, pr.Trades)
	assert.Nil(t, pr.Open)
	assert.True(t, pr.Summary.FinalCapital.Equal(pr.Summary.InitialCapital))
}

func TestRunTable_Cancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := newTestAggregator(t, nil).RunTable(ctx, series.TableFromMap(testData(t)), 1000)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, run)
	assert.Empty(t, run.Pairs)
}

func TestEvaluateAll_FailingPairIsSkipped(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	rec := metrics.NewRecorder(reg)
	agg := newTestAggregator(t, nil, WithMetrics(rec), WithWorkers(3))
	table := series.TableFromMap(testData(t))

	cands := []screen.Candidate{
		{SymbolA: "X", SymbolB: "Y"},
		{SymbolA: "NOPE", SymbolB: "X"},
		{SymbolA: "V", SymbolB: "W"},
	}
	run := agg.newRun(1000)
	require.NoError(t, agg.evaluateAll(context.Background(), table, cands, 1000, run))

	assert.Equal(t, []string{"X/Y", "V/W"}, keys(run.Pairs))
	require.Len(t, run.Skipped, 1)
	assert.Equal(t, "NOPE/X", run.Skipped[0].Candidate.Key())
	assert.Equal(t, StageSignal, run.Skipped[0].Stage)
	assert.Equal(t, "invalid_input", run.Skipped[0].Reason)
	assert.NotEmpty(t, run.Skipped[0].Error)
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.PairsSkipped.WithLabelValues(StageSignal, "invalid_input")))
}

func TestEvaluateAll_Cancelled(t *testing.T) {
	t.Parallel()
	agg := newTestAggregator(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run := agg.newRun(1000)
	err := agg.evaluateAll(ctx, series.TableFromMap(testData(t)), []screen.Candidate{{SymbolA: "X", SymbolB: "Y"}}, 1000, run)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, run.Pairs)
	assert.Empty(t, run.Skipped)
}

func TestRunPair(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	agg := newTestAggregator(t, &mapSource{data: testData(t)})

	run, err := agg.RunPair(ctx, "Y", "X", testPeriod, 25000)
	require.NoError(t, err)
	require.Len(t, run.Candidates, 1)
	assert.Equal(t, "X", run.Candidates[0].SymbolA)
	assert.Equal(t, []string{"X/Y"}, keys(run.Pairs))
	assert.Equal(t, []string{"X", "Y"}, run.Universe)
	assert.True(t, run.Pairs[0].Summary.InitialCapital.Equal(decimal.NewFromInt(25000)))

	// no significance filter: an unrelated pair is still simulated
	run, err = agg.RunPair(ctx, "X", "W", testPeriod, 25000)
	require.NoError(t, err)
	assert.Equal(t, []string{"W/X"}, keys(run.Pairs))

	// the cointegration test cannot run on 12 bars
	run, err = agg.RunPair(ctx, "X", "SHORT", testPeriod, 25000)
	require.NoError(t, err)
	assert.Empty(t, run.Pairs)
	require.Len(t, run.Skipped, 1)
	assert.Equal(t, StageScreen, run.Skipped[0].Stage)
	assert.Equal(t, "insufficient_data", run.Skipped[0].Reason)
	assert.Equal(t, "SHORT/X", run.Skipped[0].Candidate.Key())

	_, err = agg.RunPair(ctx, "X", "MISSING", testPeriod, 25000)
	assert.ErrorIs(t, err, series.ErrInsufficientData)

	_, err = agg.RunPair(ctx, "X", "X", testPeriod, 25000)
	assert.ErrorIs(t, err, series.ErrInvalidInput)
}

func TestRun_Publisher(t *testing.T) {
	t.Parallel()
	pub := &recordingPublisher{}
	agg := newTestAggregator(t, &mapSource{data: testData(t)}, WithPublisher(pub))

	// a failing publisher never fails the run
	run, err := agg.Run(context.Background(), []string{"V", "W", "X", "Y"}, testPeriod, 1000)
	require.NoError(t, err)

	want := make([]string, 0, len(run.Pairs))
	for _, k := range keys(run.Pairs) {
		want = append(want, run.RunID+":"+k)
	}
	assert.Equal(t, want, pub.pairs)
	assert.Equal(t, []string{run.RunID}, pub.runs)
}

func TestAggregator_Screen(t *testing.T) {
	t.Parallel()
	agg := newTestAggregator(t, &mapSource{data: testData(t)})

	table, cands, err := agg.Screen(context.Background(), []string{"X", "Y", "CONST"}, testPeriod)
	require.NoError(t, err)
	assert.Equal(t, 3, table.Len())
	require.Len(t, cands, 1)
	assert.Equal(t, "X/Y", cands[0].Key())
}

func TestNewAggregator_Invalid(t *testing.T) {
	t.Parallel()
	scr, err := screen.New(screen.DefaultOptions(), nil, nil)
	require.NoError(t, err)

	_, err = NewAggregator(nil, nil, spread.DefaultOptions(), pairs.DefaultParams())
	assert.ErrorIs(t, err, series.ErrInvalidInput)

	badSignal := spread.DefaultOptions()
	badSignal.Type = "cubic"
	_, err = NewAggregator(nil, scr, badSignal, pairs.DefaultParams())
	assert.ErrorIs(t, err, series.ErrInvalidInput)

	badSim := pairs.DefaultParams()
	badSim.Exit = badSim.Entry
	_, err = NewAggregator(nil, scr, spread.DefaultOptions(), badSim)
	assert.ErrorIs(t, err, pairs.ErrInvalidParams)
}

func TestNewAggregatorFromConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Backtest.Workers = 3
	cfg.Backtest.Name = "nightly"
	cfg.Backtest.CapitalPerPair = 7500

	agg, err := NewAggregatorFromConfig(cfg, &mapSource{data: testData(t)})
	require.NoError(t, err)
	assert.Equal(t, 3, agg.workers)
	assert.Equal(t, "nightly", agg.name)
	assert.Equal(t, 7500.0, agg.sim.InitialCapital)
	assert.Equal(t, cfg.Screen.Significance, agg.screener.Options().Significance)

	cfg.Screen.MinOverlap = 2
	_, err = NewAggregatorFromConfig(cfg, nil)
	assert.ErrorIs(t, err, series.ErrInvalidInput)
}
