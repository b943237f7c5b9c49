package backtest

import (
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yourusername/quantlink-pairs/pkg/stats"
	"github.com/yourusername/quantlink-pairs/pkg/strategy/pairs"
)

// periods per year used to annualise bar statistics
const barsPerYear = 252.0

// ComputePerformance derives trade and equity-curve statistics for one simulated pair
func ComputePerformance(res *pairs.Result) Performance {
	var perf Performance
	if res == nil {
		return perf
	}

	initial := res.Summary.InitialCapital.InexactFloat64()
	perf.TotalPNL = res.Summary.FinalCapital.Sub(res.Summary.InitialCapital).InexactFloat64()
	if initial > 0 {
		perf.TotalReturn = perf.TotalPNL / initial
	}

	calculateTradeStats(res.Trades, &perf)
	calculatePerformanceMetrics(res.Equity, &perf)
	return perf
}

// calculateTradeStats calculates trade statistics
func calculateTradeStats(trades []pairs.Trade, perf *Performance) {
	perf.TotalTrades = len(trades)
	if len(trades) == 0 {
		return
	}

	var totalWin, totalLoss float64
	var holding int

	for _, trade := range trades {
		pnl := trade.PnL.InexactFloat64()
		perf.TotalCommission += trade.Cost.InexactFloat64()
		holding += trade.HoldingBars()

		if trade.Direction == pairs.DirectionLong {
			perf.LongTrades++
		} else {
			perf.ShortTrades++
		}

		if pnl > 0 {
			perf.WinTrades++
			totalWin += pnl
			if pnl > perf.MaxWin {
				perf.MaxWin = pnl
			}
		} else if pnl < 0 {
			perf.LossTrades++
			totalLoss += -pnl
			if pnl < perf.MaxLoss {
				perf.MaxLoss = pnl
			}
		}
	}

	// Win rate
	perf.WinRate = float64(perf.WinTrades) / float64(perf.TotalTrades)

	// Average win/loss
	if perf.WinTrades > 0 {
		perf.AvgWin = totalWin / float64(perf.WinTrades)
	}
	if perf.LossTrades > 0 {
		perf.AvgLoss = totalLoss / float64(perf.LossTrades)
	}

	perf.AvgHoldingBars = float64(holding) / float64(perf.TotalTrades)

	// Profit factor，无亏损交易时为 0
	if totalLoss > 0 {
		perf.ProfitFactor = totalWin / totalLoss
	}
}

// calculatePerformanceMetrics calculates Sharpe, Sortino, Max Drawdown etc. from the equity curve
func calculatePerformanceMetrics(equity []pairs.EquityPoint, perf *Performance) {
	if len(equity) < 2 {
		return
	}

	values := make([]float64, len(equity))
	for i, p := range equity {
		values[i] = p.Equity.InexactFloat64()
	}

	// Extract bar returns
	returns := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1] == 0 {
			continue
		}
		returns = append(returns, values[i]/values[i-1]-1)
	}
	if len(returns) == 0 {
		return
	}

	perf.BarReturnMean = stats.Mean(returns)
	perf.BarReturnStd = stats.StdDev(returns)

	// Annualized return
	perf.AnnualizedReturn = perf.TotalReturn * (barsPerYear / float64(len(returns)))

	// Sharpe Ratio (assume risk-free rate = 0)
	if perf.BarReturnStd > 0 {
		perf.SharpeRatio = perf.BarReturnMean / perf.BarReturnStd * math.Sqrt(barsPerYear)
	}

	// Sortino Ratio (downside deviation)
	downside := make([]float64, 0)
	for _, ret := range returns {
		if ret < 0 {
			downside = append(downside, ret)
		}
	}
	if len(downside) > 0 {
		if dd := stats.StdDev(downside); dd > 0 {
			perf.SortinoRatio = perf.BarReturnMean / dd * math.Sqrt(barsPerYear)
		}
	}

	// Max Drawdown
	perf.MaxDrawdown, perf.MaxDrawdownBars, perf.MaxDrawdownSpan = calculateMaxDrawdown(equity, values)

	// Calmar Ratio
	if perf.MaxDrawdown > 0 {
		perf.CalmarRatio = perf.AnnualizedReturn / perf.MaxDrawdown
	}
}

// calculateMaxDrawdown returns the largest peak-to-trough fall as a fraction of the peak
func calculateMaxDrawdown(equity []pairs.EquityPoint, values []float64) (float64, int, time.Duration) {
	var maxDrawdown float64
	var bars int
	var span time.Duration

	peak := values[0]
	peakIdx := 0
	for i, v := range values {
		if v > peak {
			peak = v
			peakIdx = i
		}
		if peak > 0 {
			drawdown := (peak - v) / peak
			if drawdown > maxDrawdown {
				maxDrawdown = drawdown
				bars = i - peakIdx
				span = equity[i].Time.Sub(equity[peakIdx].Time)
			}
		}
	}
	return maxDrawdown, bars, span
}

// Summarize aggregates the evaluated pairs of a run
func Summarize(pairResults []PairResult, skipped int) Totals {
	t := Totals{
		Pairs:          len(pairResults),
		Skipped:        skipped,
		InitialCapital: decimal.Zero,
		FinalCapital:   decimal.Zero,
		TotalPNL:       decimal.Zero,
	}
	if len(pairResults) == 0 {
		return t
	}

	var sharpeSum float64
	var best, worst decimal.Decimal
	for i, pr := range pairResults {
		t.InitialCapital = t.InitialCapital.Add(pr.Summary.InitialCapital)
		t.FinalCapital = t.FinalCapital.Add(pr.Summary.FinalCapital)
		t.TotalTrades += pr.Performance.TotalTrades
		t.WinTrades += pr.Performance.WinTrades
		sharpeSum += pr.Performance.SharpeRatio
		if pr.Performance.MaxDrawdown > t.WorstDrawdown {
			t.WorstDrawdown = pr.Performance.MaxDrawdown
		}

		pnl := pr.Summary.FinalCapital.Sub(pr.Summary.InitialCapital)
		if i == 0 || pnl.GreaterThan(best) {
			best = pnl
			t.BestPair = pr.Key()
		}
		if i == 0 || pnl.LessThan(worst) {
			worst = pnl
			t.WorstPair = pr.Key()
		}
	}

	t.TotalPNL = t.FinalCapital.Sub(t.InitialCapital)
	if t.InitialCapital.IsPositive() {
		t.ReturnPercent = t.TotalPNL.Div(t.InitialCapital).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}
	if t.TotalTrades > 0 {
		t.WinRate = float64(t.WinTrades) / float64(t.TotalTrades)
	}
	t.AvgSharpe = sharpeSum / float64(len(pairResults))
	return t
}

// PrintSummary prints a summary of the run
func PrintSummary(w io.Writer, run *RunResult) {
	fmt.Fprintln(w, "\n"+strings.Repeat("=", 72))
	fmt.Fprintln(w, "PAIRS BACKTEST SUMMARY")
	fmt.Fprintln(w, strings.Repeat("=", 72))

	fmt.Fprintf(w, "\nRun:    %s\n", run.RunID)
	fmt.Fprintf(w, "Period: %s to %s (%s)\n",
		run.Period.Start.Format("2006-01-02"),
		run.Period.End.Format("2006-01-02"),
		run.Period.Interval)
	fmt.Fprintf(w, "Universe: %d symbols, %d loaded, %d candidates\n",
		len(run.Universe), len(run.Loaded), len(run.Candidates))

	fmt.Fprintf(w, "\n%-20s %8s %7s %10s %8s %8s %8s %6s\n",
		"Pair", "p-value", "Trades", "PNL", "Return%", "WinRate", "MaxDD%", "Open")
	for _, pr := range run.Pairs {
		open := ""
		if pr.Open != nil {
			open = pr.Open.Direction.String()[:1]
		}
		fmt.Fprintf(w, "%-20s %8.4f %7d %10s %8.2f %7.1f%% %7.2f%% %6s\n",
			pr.Key(),
			pr.Candidate.PValue,
			pr.Performance.TotalTrades,
			pr.Summary.FinalCapital.Sub(pr.Summary.InitialCapital).StringFixed(2),
			pr.Summary.ReturnPercent,
			pr.Performance.WinRate*100,
			pr.Performance.MaxDrawdown*100,
			open)
	}
	for _, sk := range run.Skipped {
		fmt.Fprintf(w, "%-20s skipped at %s: %s\n", sk.Candidate.Key(), sk.Stage, sk.Reason)
	}

	t := run.Totals
	fmt.Fprintf(w, "\nTotal Capital:   %s -> %s\n", t.InitialCapital.StringFixed(2), t.FinalCapital.StringFixed(2))
	fmt.Fprintf(w, "Total PNL:       %s (%.2f%%)\n", t.TotalPNL.StringFixed(2), t.ReturnPercent)
	fmt.Fprintf(w, "Total Trades:    %d (win rate %.1f%%)\n", t.TotalTrades, t.WinRate*100)
	fmt.Fprintf(w, "Avg Sharpe:      %.2f\n", t.AvgSharpe)
	fmt.Fprintf(w, "Worst Drawdown:  %.2f%%\n", t.WorstDrawdown*100)
	if t.Pairs > 0 {
		fmt.Fprintf(w, "Best / Worst:    %s / %s\n", t.BestPair, t.WorstPair)
	}

	fmt.Fprintln(w, strings.Repeat("=", 72))
}
