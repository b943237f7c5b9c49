package backtest

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/quantlink-pairs/pkg/logger"
	"github.com/yourusername/quantlink-pairs/pkg/strategy/pairs"
	"github.com/yourusername/quantlink-pairs/pkg/strategy/spread"
)

// ReportGenerator writes a RunResult as markdown, JSON and CSV files
type ReportGenerator struct {
	outputDir string
	run       *RunResult
	log       *zap.Logger
}

// NewReportGenerator creates a new report generator
func NewReportGenerator(outputDir string, run *RunResult, log *zap.Logger) *ReportGenerator {
	return &ReportGenerator{
		outputDir: outputDir,
		run:       run,
		log:       logger.OrNop(log).Named("report"),
	}
}

// Generate writes every output enabled in settings and returns the file paths
func (g *ReportGenerator) Generate(settings OutputSettings) ([]string, error) {
	type step struct {
		enabled bool
		fn      func() (string, error)
	}
	markdown := settings.ReportFormat == "markdown" || settings.ReportFormat == "all"
	jsonOut := settings.ReportFormat == "json" || settings.ReportFormat == "all"
	steps := []step{
		{settings.GenerateReport && markdown, g.GenerateMarkdown},
		{settings.GenerateReport && jsonOut, g.GenerateJSON},
		{settings.SaveTrades, g.SaveTrades},
		{settings.SaveEquity, g.SaveEquity},
		{settings.SaveSignals, g.SaveSignals},
	}

	var files []string
	for _, s := range steps {
		if !s.enabled {
			continue
		}
		path, err := s.fn()
		if err != nil {
			return files, err
		}
		files = append(files, path)
	}
	return files, nil
}

// filename builds <prefix>_<start time>_<run id prefix>.<ext>
func (g *ReportGenerator) filename(prefix, ext string) string {
	return filepath.Join(g.outputDir,
		fmt.Sprintf("%s_%s_%s.%s", prefix, g.run.StartedAt.Format("20060102_150405"), shortID(g.run.RunID), ext))
}

func (g *ReportGenerator) create(prefix, ext string) (*os.File, string, error) {
	// Ensure output directory exists
	if err := os.MkdirAll(g.outputDir, 0755); err != nil {
		return nil, "", fmt.Errorf("failed to create output directory: %w", err)
	}
	name := g.filename(prefix, ext)
	file, err := os.Create(name)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create %s: %w", name, err)
	}
	return file, name, nil
}

// GenerateMarkdown generates a markdown report
func (g *ReportGenerator) GenerateMarkdown() (string, error) {
	file, name, err := g.create("pairs_report", "md")
	if err != nil {
		return "", err
	}
	defer file.Close()

	g.WriteMarkdown(file)

	g.log.Info("Markdown report saved", zap.String("file", name))
	return name, nil
}

// WriteMarkdown writes the markdown content
func (g *ReportGenerator) WriteMarkdown(w io.Writer) {
	run := g.run
	t := run.Totals

	fmt.Fprintf(w, "# 配对交易回测报告\n\n")
	fmt.Fprintf(w, "**运行ID**: %s\n", run.RunID)
	fmt.Fprintf(w, "**日期**: %s 至 %s (%s)\n",
		run.Period.Start.Format("2006-01-02"), run.Period.End.Format("2006-01-02"), run.Period.Interval)
	fmt.Fprintf(w, "**股票池**: %d 个品种，已加载 %d 个\n", len(run.Universe), len(run.Loaded))
	fmt.Fprintf(w, "**每对初始资金**: %.2f\n\n", run.Params.CapitalPerPair)
	fmt.Fprintf(w, "---\n\n")

	// Performance Summary
	fmt.Fprintf(w, "## 绩效摘要\n\n")
	fmt.Fprintf(w, "| 指标 | 数值 |\n")
	fmt.Fprintf(w, "|------|------|\n")
	fmt.Fprintf(w, "| **配对数量** | %d |\n", t.Pairs)
	fmt.Fprintf(w, "| **跳过配对** | %d |\n", t.Skipped)
	fmt.Fprintf(w, "| **总资金** | %s → %s |\n", t.InitialCapital.StringFixed(2), t.FinalCapital.StringFixed(2))
	fmt.Fprintf(w, "| **总收益** | %s |\n", t.TotalPNL.StringFixed(2))
	fmt.Fprintf(w, "| **总收益率** | %.2f%% |\n", t.ReturnPercent)
	fmt.Fprintf(w, "| **总交易次数** | %d |\n", t.TotalTrades)
	fmt.Fprintf(w, "| **胜率** | %.2f%% |\n", t.WinRate*100)
	fmt.Fprintf(w, "| **平均 Sharpe Ratio** | %.2f %s |\n", t.AvgSharpe, evaluateSharpe(t.AvgSharpe))
	fmt.Fprintf(w, "| **最大回撤（最差配对）** | %.2f%% %s |\n\n", t.WorstDrawdown*100, evaluateDrawdown(t.WorstDrawdown))

	// Pair table
	if len(run.Pairs) > 0 {
		fmt.Fprintf(w, "## 配对结果\n\n")
		fmt.Fprintf(w, "| 配对 | p值 | 对冲比率 | 交易次数 | 收益 | 收益率 | 胜率 | 盈利因子 | Sharpe | 最大回撤 | 持仓 |\n")
		fmt.Fprintf(w, "|------|-----|---------|---------|------|--------|------|---------|--------|---------|------|\n")
		for _, pr := range run.Pairs {
			open := "-"
			if pr.Open != nil {
				open = pr.Open.Direction.String()
			}
			fmt.Fprintf(w, "| %s | %.4f | %.4f | %d | %s | %.2f%% | %.1f%% | %.2f | %.2f | %.2f%% | %s |\n",
				pr.Key(),
				pr.Candidate.PValue,
				pr.Candidate.HedgeRatio,
				pr.Performance.TotalTrades,
				pr.Summary.FinalCapital.Sub(pr.Summary.InitialCapital).StringFixed(2),
				pr.Summary.ReturnPercent,
				pr.Performance.WinRate*100,
				pr.Performance.ProfitFactor,
				pr.Performance.SharpeRatio,
				pr.Performance.MaxDrawdown*100,
				open)
		}
		fmt.Fprintf(w, "\n")
	}

	// Trade Statistics per pair
	for _, pr := range run.Pairs {
		p := pr.Performance
		fmt.Fprintf(w, "### %s\n\n", pr.Key())
		fmt.Fprintf(w, "- **多/空交易**: %d / %d\n", p.LongTrades, p.ShortTrades)
		fmt.Fprintf(w, "- **平均盈利**: %.2f，**平均亏损**: %.2f\n", p.AvgWin, p.AvgLoss)
		fmt.Fprintf(w, "- **最大单笔盈利**: %.2f，**最大单笔亏损**: %.2f\n", p.MaxWin, p.MaxLoss)
		fmt.Fprintf(w, "- **平均持仓周期**: %.1f bars\n", p.AvgHoldingBars)
		fmt.Fprintf(w, "- **盈利因子**: %.2f %s\n", p.ProfitFactor, evaluateProfitFactor(p.ProfitFactor))
		fmt.Fprintf(w, "- **Sortino Ratio**: %.2f %s\n", p.SortinoRatio, evaluateSortino(p.SortinoRatio))
		fmt.Fprintf(w, "- **最大回撤持续期**: %d bars (%s)\n", p.MaxDrawdownBars, p.MaxDrawdownSpan)
		if pr.Signal != nil {
			st := pr.Signal.Stats()
			fmt.Fprintf(w, "- **价差**: 最新 %.4f，均值 %.4f，标准差 %.4f，Z-Score %.2f\n",
				st.CurrentSpread, st.Mean, st.Std, st.ZScore)
			fmt.Fprintf(w, "- **价格相关系数**: %.3f\n", st.Correlation)
		}
		if pr.Open != nil {
			fmt.Fprintf(w, "- **未平仓**: %s 自 %s，浮动盈亏 %s\n",
				pr.Open.Direction, pr.Open.EntryTime.Format("2006-01-02"), pr.Open.UnrealizedPnL.StringFixed(2))
		}
		fmt.Fprintf(w, "\n")
	}

	// Skipped pairs
	if len(run.Skipped) > 0 {
		fmt.Fprintf(w, "## 跳过的配对\n\n")
		fmt.Fprintf(w, "| 配对 | 阶段 | 原因 | 错误 |\n")
		fmt.Fprintf(w, "|------|------|------|------|\n")
		for _, sk := range run.Skipped {
			fmt.Fprintf(w, "| %s | %s | %s | %s |\n", sk.Candidate.Key(), sk.Stage, sk.Reason, sk.Error)
		}
		fmt.Fprintf(w, "\n")
	}

	// Configuration
	params := run.Params
	fmt.Fprintf(w, "## 配置信息\n\n")
	fmt.Fprintf(w, "- **显著性水平**: %.3f\n", params.Screen.Significance)
	fmt.Fprintf(w, "- **最大配对数**: %d\n", params.Screen.MaxPairs)
	fmt.Fprintf(w, "- **价差类型**: %s (%s", params.Signal.Type, params.Signal.Normalization)
	if params.Signal.Normalization == spread.NormalizationRolling {
		fmt.Fprintf(w, ", window %d", params.Signal.Window)
	}
	fmt.Fprintf(w, ")\n")
	fmt.Fprintf(w, "- **开仓阈值**: ±%.2f\n", params.Simulation.Entry)
	fmt.Fprintf(w, "- **平仓规则**: %s (exit %.2f", params.Simulation.ExitPolicy, params.Simulation.Exit)
	if params.Simulation.ExitPolicy == pairs.ExitPolicyBand {
		fmt.Fprintf(w, ", band %.2f", params.Simulation.ExitBand)
	}
	fmt.Fprintf(w, ")\n")
	fmt.Fprintf(w, "- **每腿手续费**: %.2f\n", params.Simulation.CostPerLeg)
	fmt.Fprintf(w, "- **权益口径**: %s\n\n", params.Simulation.Equity)

	// Footer
	fmt.Fprintf(w, "---\n\n")
	fmt.Fprintf(w, "**报告生成时间**: %s\n", time.Now().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "**回测耗时**: %v\n", run.Duration)
}

// GenerateJSON generates a JSON report
func (g *ReportGenerator) GenerateJSON() (string, error) {
	data, err := json.MarshalIndent(g.run, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := os.MkdirAll(g.outputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	name := g.filename("pairs_result", "json")
	if err := os.WriteFile(name, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write JSON file: %w", err)
	}

	g.log.Info("JSON result saved", zap.String("file", name))
	return name, nil
}

// SaveTrades saves the trade ledgers of every pair to one CSV, in exit order per pair
func (g *ReportGenerator) SaveTrades() (string, error) {
	return g.writeCSV("trades", []string{
		"Pair", "Direction", "EntryTime", "ExitTime", "EntryPriceA", "EntryPriceB",
		"ExitPriceA", "ExitPriceB", "QtyA", "QtyB", "EntryZ", "ExitZ", "GrossPNL", "Cost", "PNL", "Reason",
	}, func(write func([]string)) {
		for _, pr := range g.run.Pairs {
			for _, trade := range pr.Trades {
				write([]string{
					pr.Key(),
					trade.Direction.String(),
					trade.EntryTime.Format(time.RFC3339),
					trade.ExitTime.Format(time.RFC3339),
					formatFloat(trade.EntryPriceA),
					formatFloat(trade.EntryPriceB),
					formatFloat(trade.ExitPriceA),
					formatFloat(trade.ExitPriceB),
					strconv.FormatInt(trade.QtyA, 10),
					strconv.FormatInt(trade.QtyB, 10),
					fmt.Sprintf("%.4f", trade.EntryZ),
					fmt.Sprintf("%.4f", trade.ExitZ),
					trade.GrossPnL.StringFixed(2),
					trade.Cost.StringFixed(2),
					trade.PnL.StringFixed(2),
					string(trade.Reason),
				})
			}
		}
	})
}

// SaveEquity saves the equity curves to CSV
func (g *ReportGenerator) SaveEquity() (string, error) {
	return g.writeCSV("equity", []string{"Pair", "Time", "Cash", "Equity"}, func(write func([]string)) {
		for _, pr := range g.run.Pairs {
			for _, p := range pr.Equity {
				write([]string{pr.Key(), p.Time.Format(time.RFC3339), p.Cash.StringFixed(2), p.Equity.StringFixed(2)})
			}
		}
	})
}

// SaveSignals saves aligned prices, spread and z-score per pair; undefined values are left empty
func (g *ReportGenerator) SaveSignals() (string, error) {
	return g.writeCSV("signals", []string{"Pair", "Time", "PriceA", "PriceB", "Spread", "ZScore"}, func(write func([]string)) {
		for _, pr := range g.run.Pairs {
			sig := pr.Signal
			if sig == nil {
				continue
			}
			for i := range sig.Times {
				write([]string{
					pr.Key(),
					sig.Times[i].Format(time.RFC3339),
					formatFloat(sig.PricesA[i]),
					formatFloat(sig.PricesB[i]),
					formatFloat(sig.Spread[i]),
					formatFloat(sig.ZScore[i]),
				})
			}
		}
	})
}

func (g *ReportGenerator) writeCSV(prefix string, header []string, rows func(write func([]string))) (string, error) {
	file, name, err := g.create(prefix, "csv")
	if err != nil {
		return "", err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	writer.Write(header)
	rows(func(record []string) { writer.Write(record) })
	writer.Flush()
	if err := writer.Error(); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}

	g.log.Info("CSV saved", zap.String("kind", prefix), zap.String("file", name))
	return name, nil
}

func formatFloat(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Helper functions for evaluation

func evaluateSharpe(sharpe float64) string {
	if sharpe > 2.0 {
		return "(优秀)"
	} else if sharpe > 1.0 {
		return "(良好)"
	} else if sharpe > 0.5 {
		return "(一般)"
	}
	return "(较差)"
}

func evaluateSortino(sortino float64) string {
	if sortino > 2.0 {
		return "(优秀)"
	} else if sortino > 1.0 {
		return "(良好)"
	} else if sortino > 0.5 {
		return "(一般)"
	}
	return "(较差)"
}

func evaluateDrawdown(dd float64) string {
	if dd < 0.05 {
		return "(优秀)"
	} else if dd < 0.10 {
		return "(良好)"
	} else if dd < 0.20 {
		return "(可接受)"
	}
	return "(风险较高)"
}

func evaluateProfitFactor(pf float64) string {
	if pf > 2.0 {
		return "(优秀)"
	} else if pf > 1.5 {
		return "(良好)"
	} else if pf > 1.0 {
		return "(盈利)"
	}
	return "(亏损)"
}
