package backtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/quantlink-pairs/pkg/logger"
	"github.com/yourusername/quantlink-pairs/pkg/metrics"
	"github.com/yourusername/quantlink-pairs/pkg/screen"
	"github.com/yourusername/quantlink-pairs/pkg/series"
	"github.com/yourusername/quantlink-pairs/pkg/source"
	"github.com/yourusername/quantlink-pairs/pkg/strategy/pairs"
	"github.com/yourusername/quantlink-pairs/pkg/strategy/spread"
)

// ErrNoSource is returned by Run and RunPair when the aggregator was built without a price source
var ErrNoSource = errors.New("no price source configured")

// ResultPublisher receives finished results. Failures are logged and never abort a run.
type ResultPublisher interface {
	PublishPair(ctx context.Context, runID string, pr *PairResult) error
	PublishRun(ctx context.Context, run *RunResult) error
}

// Aggregator screens a universe once and simulates every candidate pair
type Aggregator struct {
	src       source.Source
	screener  *screen.Screener
	signal    spread.Options
	sim       pairs.Params
	workers   int
	name      string
	root      *zap.Logger
	log       *zap.Logger
	metrics   *metrics.Recorder
	publisher ResultPublisher
	now       func() time.Time
}

// Option configures an Aggregator
type Option func(*Aggregator)

// WithLogger sets the logger; nil keeps the no-op logger
func WithLogger(l *zap.Logger) Option {
	return func(a *Aggregator) {
		a.root = logger.OrNop(l)
		a.log = a.root.Named("backtest")
	}
}

// WithMetrics records run metrics on rec
func WithMetrics(rec *metrics.Recorder) Option {
	return func(a *Aggregator) { a.metrics = rec }
}

// WithPublisher fans finished results out to p
func WithPublisher(p ResultPublisher) Option {
	return func(a *Aggregator) { a.publisher = p }
}

// WithWorkers bounds the pair simulation pool; 0 means one worker per CPU
func WithWorkers(n int) Option {
	return func(a *Aggregator) { a.workers = n }
}

// WithName labels runs
func WithName(name string) Option {
	return func(a *Aggregator) { a.name = name }
}

func newAggregator(src source.Source, signal spread.Options, sim pairs.Params, opts []Option) *Aggregator {
	a := &Aggregator{
		src:    src,
		signal: signal,
		sim:    sim,
		name:   "pairs",
		root:   zap.NewNop(),
		log:    zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewAggregator creates an aggregator. src may be nil when only RunTable is used.
func NewAggregator(src source.Source, scr *screen.Screener, signal spread.Options, sim pairs.Params, opts ...Option) (*Aggregator, error) {
	if scr == nil {
		return nil, fmt.Errorf("%w: screener is required", series.ErrInvalidInput)
	}
	if err := signal.Validate(); err != nil {
		return nil, fmt.Errorf("signal options: %w", err)
	}
	if err := sim.Validate(); err != nil {
		return nil, fmt.Errorf("simulation params: %w", err)
	}
	a := newAggregator(src, signal, sim, opts)
	a.screener = scr
	return a, nil
}

// NewAggregatorFromConfig builds the screener and the aggregator from a validated config
func NewAggregatorFromConfig(cfg *BacktestConfig, src source.Source, opts ...Option) (*Aggregator, error) {
	opts = append([]Option{WithWorkers(cfg.Backtest.Workers), WithName(cfg.Backtest.Name)}, opts...)
	base := newAggregator(src, cfg.Signal, cfg.SimulationParams(), opts)

	scr, err := screen.New(cfg.Screen, base.root, base.metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create screener: %w", err)
	}
	return NewAggregator(src, scr, cfg.Signal, cfg.SimulationParams(), opts...)
}

// Run fetches the universe over p, screens it and simulates every candidate with a fresh
// capitalPerPair. On cancellation the pairs finished so far are returned together with ctx.Err().
// An empty universe yields an empty run.
func (a *Aggregator) Run(ctx context.Context, universe []string, p source.Period, capitalPerPair float64) (*RunResult, error) {
	table, err := a.Load(ctx, universe, p)
	if errors.Is(err, source.ErrEmptyUniverse) {
		table, err = series.TableFromMap(nil), nil
	}
	if err != nil {
		return nil, err
	}
	return a.RunLoaded(ctx, table, universe, p, capitalPerPair)
}

// Load fetches the price history of universe over p
func (a *Aggregator) Load(ctx context.Context, universe []string, p source.Period) (*series.Table, error) {
	if a.src == nil {
		return nil, ErrNoSource
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	symbols := source.NormalizeSymbols(universe)
	if len(symbols) == 0 {
		return nil, source.ErrEmptyUniverse
	}

	a.log.Info("Starting backtest",
		zap.String("source", a.src.Name()),
		zap.Int("symbols", len(symbols)),
		zap.Stringer("period", p))
	return a.load(ctx, symbols, p)
}

// RunLoaded is Run on a table the caller already loaded, e.g. to reuse it for a parameter sweep
func (a *Aggregator) RunLoaded(ctx context.Context, table *series.Table, universe []string, p source.Period, capitalPerPair float64) (*RunResult, error) {
	return a.runTable(ctx, table, capitalPerPair, func(run *RunResult) {
		run.Universe = source.NormalizeSymbols(universe)
		run.Period = periodInfo(p)
	})
}

// RunTable screens an already-loaded table and simulates every candidate
func (a *Aggregator) RunTable(ctx context.Context, table *series.Table, capitalPerPair float64) (*RunResult, error) {
	return a.runTable(ctx, table, capitalPerPair, nil)
}

func (a *Aggregator) runTable(ctx context.Context, table *series.Table, capitalPerPair float64, describe func(*RunResult)) (*RunResult, error) {
	if err := checkCapital(capitalPerPair); err != nil {
		return nil, err
	}
	if table == nil {
		table = series.TableFromMap(nil)
	}
	run := a.newRun(capitalPerPair)
	run.Loaded = table.Symbols()
	run.Universe = table.Symbols()
	if describe != nil {
		describe(run)
	}

	candidates, err := a.screener.Screen(ctx, table)
	if err != nil {
		if ctx.Err() != nil {
			a.finish(ctx, run)
			return run, err
		}
		return nil, fmt.Errorf("screening failed: %w", err)
	}
	run.Candidates = candidates
	a.log.Info("Screening finished",
		zap.Int("symbols", table.Len()),
		zap.Int("candidates", len(candidates)))

	err = a.evaluateAll(ctx, table, candidates, capitalPerPair, run)
	a.finish(ctx, run)
	return run, err
}

// RunPair backtests an explicit pair without the significance filter. The cointegration
// statistics are still reported; a pair the test cannot evaluate is recorded as skipped.
func (a *Aggregator) RunPair(ctx context.Context, symbolA, symbolB string, p source.Period, capitalPerPair float64) (*RunResult, error) {
	if a.src == nil {
		return nil, ErrNoSource
	}
	if symbolA == "" || symbolB == "" || symbolA == symbolB {
		return nil, fmt.Errorf("%w: pair needs two distinct symbols, got %q and %q", series.ErrInvalidInput, symbolA, symbolB)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := checkCapital(capitalPerPair); err != nil {
		return nil, err
	}

	table, err := a.load(ctx, []string{symbolA, symbolB}, p)
	if err != nil {
		return nil, err
	}
	sa, okA := table.Get(symbolA)
	sb, okB := table.Get(symbolB)
	switch {
	case !okA:
		return nil, fmt.Errorf("%w: no prices for %s", series.ErrInsufficientData, symbolA)
	case !okB:
		return nil, fmt.Errorf("%w: no prices for %s", series.ErrInsufficientData, symbolB)
	}

	run := a.newRun(capitalPerPair)
	run.Universe = source.NormalizeSymbols([]string{symbolA, symbolB})
	run.Loaded = table.Symbols()
	run.Period = periodInfo(p)

	cand, err := a.screener.TestPair(sa, sb)
	if err != nil {
		first, second := symbolA, symbolB
		if second < first {
			first, second = second, first
		}
		cand = screen.Candidate{SymbolA: first, SymbolB: second, Overlap: series.Align(sa, sb).Len()}
		a.skip(run, cand, StageScreen, err)
		a.finish(ctx, run)
		return run, nil
	}
	run.Candidates = []screen.Candidate{cand}

	err = a.evaluateAll(ctx, table, run.Candidates, capitalPerPair, run)
	a.finish(ctx, run)
	return run, err
}

// Screen only screens the universe over p
func (a *Aggregator) Screen(ctx context.Context, universe []string, p source.Period) (*series.Table, []screen.Candidate, error) {
	table, err := a.Load(ctx, universe, p)
	if err != nil {
		return nil, nil, err
	}
	candidates, err := a.screener.Screen(ctx, table)
	if err != nil {
		return table, nil, err
	}
	return table, candidates, nil
}

func (a *Aggregator) load(ctx context.Context, symbols []string, p source.Period) (*series.Table, error) {
	start := time.Now()
	data, err := a.src.Fetch(ctx, symbols, p)
	if err != nil {
		return nil, fmt.Errorf("failed to load data: %w", err)
	}
	table := series.TableFromMap(data)

	for _, sym := range symbols {
		if _, ok := table.Get(sym); !ok {
			a.log.Warn("No price history", zap.String("symbol", sym))
		}
	}
	a.log.Info("Loaded price history",
		zap.Int("requested", len(symbols)),
		zap.Int("loaded", table.Len()),
		zap.Duration("elapsed", time.Since(start)))
	return table, nil
}

func (a *Aggregator) newRun(capital float64) *RunResult {
	sim := a.sim
	sim.InitialCapital = capital
	return &RunResult{
		RunID:     uuid.NewString(),
		Name:      a.name,
		StartedAt: a.now(),
		Params: RunParams{
			CapitalPerPair: capital,
			Screen:         a.screener.Options(),
			Signal:         a.signal,
			Simulation:     sim,
		},
		Pairs:   []PairResult{},
		Skipped: []SkippedPair{},
	}
}

type pairOutcome struct {
	done   bool
	result PairResult
	skip   *SkippedPair
}

// evaluateAll runs every candidate through the pool and appends results in candidate order.
// A failing pair never cancels the others; only ctx stops scheduling.
func (a *Aggregator) evaluateAll(ctx context.Context, table *series.Table, candidates []screen.Candidate, capital float64, run *RunResult) error {
	outcomes := make([]pairOutcome, len(candidates))

	var g errgroup.Group
	g.SetLimit(a.workerCount())
	for i := range candidates {
		if ctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			pr, skip := a.evaluate(table, candidates[i], capital)
			outcomes[i] = pairOutcome{done: true, result: pr, skip: skip}
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		switch {
		case !o.done:
		case o.skip != nil:
			run.Skipped = append(run.Skipped, *o.skip)
		default:
			run.Pairs = append(run.Pairs, o.result)
		}
	}
	return ctx.Err()
}

// evaluate computes the signal and simulates one pair
func (a *Aggregator) evaluate(table *series.Table, cand screen.Candidate, capital float64) (PairResult, *SkippedPair) {
	sa, okA := table.Get(cand.SymbolA)
	sb, okB := table.Get(cand.SymbolB)
	if !okA || !okB {
		err := fmt.Errorf("%w: %s not in table", series.ErrInvalidInput, cand.Key())
		return PairResult{}, a.skipped(cand, StageSignal, err)
	}

	sig, err := spread.Compute(sa, sb, a.signal)
	if err != nil {
		return PairResult{}, a.skipped(cand, StageSignal, err)
	}

	params := a.sim
	params.InitialCapital = capital
	res, err := pairs.Simulate(pairs.InputFromSignal(sig), params)
	if err != nil {
		return PairResult{}, a.skipped(cand, StageSimulate, err)
	}

	pr := PairResult{
		Candidate:   cand,
		Signal:      sig,
		Trades:      res.Trades,
		Equity:      res.Equity,
		Open:        res.Open,
		Summary:     res.Summary,
		Performance: ComputePerformance(res),
	}
	a.metrics.PairSimulated(res.Summary.ReturnPercent, pr.Performance.LongTrades, pr.Performance.ShortTrades)
	a.log.Debug("Pair simulated",
		zap.String("pair", cand.Key()),
		zap.Int("trades", len(res.Trades)),
		zap.String("final", res.Summary.FinalCapital.StringFixed(2)))
	return pr, nil
}

func (a *Aggregator) skipped(cand screen.Candidate, stage string, err error) *SkippedPair {
	reason := screen.Reason(err)
	a.metrics.PairSkipped(stage, reason)
	a.log.Warn("Pair skipped",
		zap.String("pair", cand.Key()),
		zap.String("stage", stage),
		zap.String("reason", reason),
		zap.Error(err))
	return &SkippedPair{Candidate: cand, Stage: stage, Reason: reason, Error: err.Error()}
}

func (a *Aggregator) skip(run *RunResult, cand screen.Candidate, stage string, err error) {
	run.Skipped = append(run.Skipped, *a.skipped(cand, stage, err))
}

func (a *Aggregator) finish(ctx context.Context, run *RunResult) {
	run.FinishedAt = a.now()
	run.Duration = run.FinishedAt.Sub(run.StartedAt)
	run.Totals = Summarize(run.Pairs, len(run.Skipped))
	a.metrics.RunFinished(run.Duration)

	a.log.Info("Backtest completed",
		zap.String("run_id", run.RunID),
		zap.Int("pairs", len(run.Pairs)),
		zap.Int("skipped", len(run.Skipped)),
		zap.String("total_pnl", run.Totals.TotalPNL.StringFixed(2)),
		zap.Duration("elapsed", run.Duration))

	if a.publisher == nil {
		return
	}
	// publishing is best effort and still runs after cancellation
	pubCtx := context.WithoutCancel(ctx)
	for i := range run.Pairs {
		if err := a.publisher.PublishPair(pubCtx, run.RunID, &run.Pairs[i]); err != nil {
			a.log.Warn("Failed to publish pair result", zap.String("pair", run.Pairs[i].Key()), zap.Error(err))
		}
	}
	if err := a.publisher.PublishRun(pubCtx, run); err != nil {
		a.log.Warn("Failed to publish run summary", zap.Error(err))
	}
}

func (a *Aggregator) workerCount() int {
	if a.workers > 0 {
		return a.workers
	}
	return runtime.GOMAXPROCS(0)
}

// withParams returns a quiet copy evaluating other signal / simulation settings
func (a *Aggregator) withParams(signal spread.Options, sim pairs.Params) *Aggregator {
	c := *a
	c.signal = signal
	c.sim = sim
	c.workers = 1
	c.metrics = nil
	c.publisher = nil
	c.root = zap.NewNop()
	c.log = zap.NewNop()
	return &c
}

func checkCapital(capital float64) error {
	if capital <= 0 || math.IsNaN(capital) || math.IsInf(capital, 0) {
		return fmt.Errorf("%w: capital per pair must be positive, got %v", series.ErrInvalidInput, capital)
	}
	return nil
}
