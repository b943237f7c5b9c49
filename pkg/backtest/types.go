package backtest

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/yourusername/quantlink-pairs/pkg/screen"
	"github.com/yourusername/quantlink-pairs/pkg/source"
	"github.com/yourusername/quantlink-pairs/pkg/strategy/pairs"
	"github.com/yourusername/quantlink-pairs/pkg/strategy/spread"
)

// Skip stages
const (
	StageScreen   = "screen"
	StageSignal   = "signal"
	StageSimulate = "simulate"
)

// Performance 单个配对的绩效统计
type Performance struct {
	TotalPNL         float64       `json:"total_pnl" yaml:"total_pnl"`
	TotalReturn      float64       `json:"total_return" yaml:"total_return"`
	AnnualizedReturn float64       `json:"annualized_return" yaml:"annualized_return"`
	SharpeRatio      float64       `json:"sharpe_ratio" yaml:"sharpe_ratio"`
	SortinoRatio     float64       `json:"sortino_ratio" yaml:"sortino_ratio"`
	MaxDrawdown      float64       `json:"max_drawdown" yaml:"max_drawdown"`
	MaxDrawdownBars  int           `json:"max_drawdown_bars" yaml:"max_drawdown_bars"`
	MaxDrawdownSpan  time.Duration `json:"max_drawdown_span" yaml:"max_drawdown_span"`
	CalmarRatio      float64       `json:"calmar_ratio" yaml:"calmar_ratio"`
	BarReturnMean    float64       `json:"bar_return_mean" yaml:"bar_return_mean"`
	BarReturnStd     float64       `json:"bar_return_std" yaml:"bar_return_std"`

	// Trade Statistics
	TotalTrades     int     `json:"total_trades" yaml:"total_trades"`
	LongTrades      int     `json:"long_trades" yaml:"long_trades"`
	ShortTrades     int     `json:"short_trades" yaml:"short_trades"`
	WinTrades       int     `json:"win_trades" yaml:"win_trades"`
	LossTrades      int     `json:"loss_trades" yaml:"loss_trades"`
	WinRate         float64 `json:"win_rate" yaml:"win_rate"`
	ProfitFactor    float64 `json:"profit_factor" yaml:"profit_factor"`
	AvgWin          float64 `json:"avg_win" yaml:"avg_win"`
	AvgLoss         float64 `json:"avg_loss" yaml:"avg_loss"`
	MaxWin          float64 `json:"max_win" yaml:"max_win"`
	MaxLoss         float64 `json:"max_loss" yaml:"max_loss"`
	AvgHoldingBars  float64 `json:"avg_holding_bars" yaml:"avg_holding_bars"`
	TotalCommission float64 `json:"total_commission" yaml:"total_commission"`
}

// PairResult is the outcome of one screened pair
type PairResult struct {
	Candidate   screen.Candidate    `json:"candidate"`
	Signal      *spread.Signal      `json:"-"`
	Trades      []pairs.Trade       `json:"trades"`
	Equity      []pairs.EquityPoint `json:"equity"`
	Open        *pairs.OpenPosition `json:"open,omitempty"`
	Summary     pairs.Summary       `json:"summary"`
	Performance Performance         `json:"performance"`
}

// Key returns "A/B"
func (r *PairResult) Key() string { return r.Candidate.Key() }

// SkippedPair is a pair that could not be evaluated, as opposed to one that never traded
type SkippedPair struct {
	Candidate screen.Candidate `json:"candidate"`
	Stage     string           `json:"stage"`
	Reason    string           `json:"reason"`
	Error     string           `json:"error"`
}

// RunParams is the snapshot of the policies a run was made with
type RunParams struct {
	CapitalPerPair float64        `json:"capital_per_pair" yaml:"capital_per_pair"`
	Screen         screen.Options `json:"screen" yaml:"screen"`
	Signal         spread.Options `json:"signal" yaml:"signal"`
	Simulation     pairs.Params   `json:"simulation" yaml:"simulation"`
}

// PeriodInfo is the serialisable form of a source.Period
type PeriodInfo struct {
	Start    time.Time `json:"start" yaml:"start"`
	End      time.Time `json:"end" yaml:"end"`
	Interval string    `json:"interval" yaml:"interval"`
}

func periodInfo(p source.Period) PeriodInfo {
	return PeriodInfo{Start: p.Start, End: p.End, Interval: p.Interval}
}

// Totals aggregates every evaluated pair of a run
type Totals struct {
	Pairs          int             `json:"pairs" yaml:"pairs"`
	Skipped        int             `json:"skipped" yaml:"skipped"`
	TotalTrades    int             `json:"total_trades" yaml:"total_trades"`
	WinTrades      int             `json:"win_trades" yaml:"win_trades"`
	WinRate        float64         `json:"win_rate" yaml:"win_rate"`
	InitialCapital decimal.Decimal `json:"initial_capital" yaml:"initial_capital"`
	FinalCapital   decimal.Decimal `json:"final_capital" yaml:"final_capital"`
	TotalPNL       decimal.Decimal `json:"total_pnl" yaml:"total_pnl"`
	ReturnPercent  float64         `json:"return_percent" yaml:"return_percent"`
	AvgSharpe      float64         `json:"avg_sharpe" yaml:"avg_sharpe"`
	WorstDrawdown  float64         `json:"worst_drawdown" yaml:"worst_drawdown"`
	BestPair       string          `json:"best_pair" yaml:"best_pair"`
	WorstPair      string          `json:"worst_pair" yaml:"worst_pair"`
}

// RunResult contains the complete results of one batch run
type RunResult struct {
	RunID      string        `json:"run_id"`
	Name       string        `json:"name"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
	Period     PeriodInfo    `json:"period"`
	Universe   []string      `json:"universe"`
	Loaded     []string      `json:"loaded"` // symbols the source returned
	Params     RunParams     `json:"params"`

	// Candidates screened, in screening order (p-value ascending)
	Candidates []screen.Candidate `json:"candidates"`
	Pairs      []PairResult       `json:"pairs"`
	Skipped    []SkippedPair      `json:"skipped"`
	Totals     Totals             `json:"totals"`
}

// Pair returns the result for "A/B", or nil
func (r *RunResult) Pair(key string) *PairResult {
	for i := range r.Pairs {
		if r.Pairs[i].Key() == key {
			return &r.Pairs[i]
		}
	}
	return nil
}
