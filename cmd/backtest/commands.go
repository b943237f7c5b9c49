package main

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/yourusername/quantlink-pairs/pkg/backtest"
	"github.com/yourusername/quantlink-pairs/pkg/screen"
	"github.com/yourusername/quantlink-pairs/pkg/source"
)

// dataFlags select the universe and the price window
func dataFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "timeframe", Aliases: []string{"t"}, Usage: "window ending today: 1M, 3M or 6M"},
		&cli.StringFlag{Name: "start", Usage: "start date `YYYY-MM-DD` (needs --end)"},
		&cli.StringFlag{Name: "end", Usage: "end date `YYYY-MM-DD`, inclusive"},
		&cli.StringFlag{Name: "interval", Usage: "bar interval, e.g. 1d or 1h"},
		&cli.StringSliceFlag{Name: "symbols", Aliases: []string{"s"}, Usage: "universe symbols, overrides the config"},
		&cli.StringFlag{Name: "universe", Usage: "universe file: CSV with a Symbol column, or YAML"},
		&cli.StringFlag{Name: "source", Usage: "price source: csv, yahoo or binance"},
		&cli.StringFlag{Name: "data", Usage: "CSV data directory"},
		&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
	}
}

// simFlags control the per-pair simulation and its outputs
func simFlags() []cli.Flag {
	return append(dataFlags(),
		&cli.Float64Flag{Name: "capital", Usage: "initial capital per pair"},
		&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "result directory"},
		&cli.IntFlag{Name: "workers", Usage: "pair simulation workers, 0 = one per CPU"},
	)
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "screen the universe and backtest every cointegrated pair",
		Flags: simFlags(),
		Action: func(c *cli.Context) error {
			s, err := newSession(c)
			if err != nil {
				return err
			}
			defer s.Close()

			p, symbols, err := s.period()
			if err != nil {
				return err
			}
			printConfigSummary(s.cfg, p, symbols)

			run, runErr := s.agg.Run(c.Context, symbols, p, s.cfg.Backtest.CapitalPerPair)
			if run == nil {
				return fmt.Errorf("backtest failed: %w", runErr)
			}
			return s.finishRun(run, runErr)
		},
	}
}

func pairCommand() *cli.Command {
	return &cli.Command{
		Name:      "pair",
		Usage:     "backtest one explicit pair, without the significance filter",
		ArgsUsage: "SYMBOL_A SYMBOL_B",
		Flags:     simFlags(),
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return cli.Exit("pair needs exactly two symbols", 2)
			}
			s, err := newSession(c)
			if err != nil {
				return err
			}
			defer s.Close()

			p, err := s.cfg.Period(time.Now())
			if err != nil {
				return err
			}
			a, b := strings.ToUpper(c.Args().Get(0)), strings.ToUpper(c.Args().Get(1))
			printConfigSummary(s.cfg, p, []string{a, b})

			run, runErr := s.agg.RunPair(c.Context, a, b, p, s.cfg.Backtest.CapitalPerPair)
			if run == nil {
				return fmt.Errorf("backtest failed: %w", runErr)
			}
			return s.finishRun(run, runErr)
		},
	}
}

func screenCommand() *cli.Command {
	return &cli.Command{
		Name:  "screen",
		Usage: "list the cointegrated pairs of the universe",
		Flags: dataFlags(),
		Action: func(c *cli.Context) error {
			s, err := newSession(c)
			if err != nil {
				return err
			}
			defer s.Close()

			p, symbols, err := s.period()
			if err != nil {
				return err
			}
			printConfigSummary(s.cfg, p, symbols)

			table, candidates, err := s.agg.Screen(c.Context, symbols, p)
			if err != nil {
				return fmt.Errorf("screening failed: %w", err)
			}
			fmt.Printf("加载 %d/%d 个品种, 显著性 %.2f 下找到 %d 个协整配对\n\n",
				table.Len(), len(symbols), s.cfg.Screen.Significance, len(candidates))
			printCandidates(candidates)
			return nil
		},
	}
}

func optimizeCommand() *cli.Command {
	flags := append(simFlags(),
		&cli.StringFlag{Name: "goal", Value: string(backtest.GoalSharpeRatio), Usage: "sharpe, pnl, win_rate, profit_factor or calmar"},
		&cli.StringSliceFlag{
			Name:    "param",
			Aliases: []string{"p"},
			Value:   cli.NewStringSlice("entry:1.0:3.0:0.5", "exit:0:1.0:0.5"),
			Usage:   "parameter range `name:min:max:step`, repeatable",
		},
		&cli.IntFlag{Name: "top", Value: 10, Usage: "number of results to print"},
		&cli.IntFlag{Name: "max-workers", Value: 4, Usage: "parallel combinations"},
	)
	return &cli.Command{
		Name:  "optimize",
		Usage: "grid-search entry/exit parameters over one screening pass",
		Flags: flags,
		Action: func(c *cli.Context) error {
			goal, err := backtest.ParseGoal(c.String("goal"))
			if err != nil {
				return err
			}
			s, err := newSession(c)
			if err != nil {
				return err
			}
			defer s.Close()

			opt := backtest.NewParameterOptimizer(s.agg)
			opt.SetOptimizationGoal(goal)
			opt.SetMaxWorkers(c.Int("max-workers"))
			for _, arg := range c.StringSlice("param") {
				r, err := parseParamRange(arg)
				if err != nil {
					return err
				}
				if err := opt.AddParamRange(r.Name, r.Min, r.Max, r.Step, r.Type); err != nil {
					return err
				}
			}

			p, symbols, err := s.period()
			if err != nil {
				return err
			}
			printConfigSummary(s.cfg, p, symbols)

			table, err := s.agg.Load(c.Context, symbols, p)
			if err != nil {
				return err
			}
			capital := s.cfg.Backtest.CapitalPerPair
			baseline, err := s.agg.RunLoaded(c.Context, table, symbols, p, capital)
			if err != nil {
				return fmt.Errorf("baseline run failed: %w", err)
			}
			if len(baseline.Candidates) == 0 {
				return errors.New("no cointegrated pairs to optimize over")
			}

			results, err := opt.GridSearch(c.Context, table, baseline.Candidates, capital)
			if err != nil {
				return fmt.Errorf("optimization failed: %w", err)
			}
			if len(results) == 0 {
				return errors.New("no valid parameter combination")
			}
			printResults(backtest.GetTopNResults(results, c.Int("top")), goal)

			exporter := backtest.NewParamExporter(s.cfg.Output.ResultDir)
			resultsPath, err := exporter.ExportOptimizationResults(baseline, results, goal)
			if err != nil {
				return err
			}
			bestPath, err := exporter.ExportOptimalParams(baseline, backtest.GetBestResult(results), goal)
			if err != nil {
				return err
			}
			s.log.Info("Optimization exported",
				zap.String("results", resultsPath),
				zap.String("optimal", bestPath))
			fmt.Printf("\n优化结果: %s\n最优参数: %s\n", resultsPath, bestPath)
			return nil
		},
	}
}

func compareCommand() *cli.Command {
	return &cli.Command{
		Name:  "compare",
		Usage: "compare two exported parameter files",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "baseline", Required: true, Usage: "baseline params `FILE`"},
			&cli.StringFlag{Name: "current", Required: true, Usage: "current params `FILE`"},
		},
		Action: func(c *cli.Context) error {
			baseline, err := backtest.LoadOptimalParams(c.String("baseline"))
			if err != nil {
				return err
			}
			current, err := backtest.LoadOptimalParams(c.String("current"))
			if err != nil {
				return err
			}
			fmt.Print(backtest.CompareParams(baseline, current))
			return nil
		},
	}
}

// finishRun prints and saves a run. Partial runs after cancellation are still written.
func (s *session) finishRun(run *backtest.RunResult, runErr error) error {
	backtest.PrintSummary(os.Stdout, run)
	if err := s.writeOutputs(run); err != nil {
		return err
	}
	if runErr != nil {
		return fmt.Errorf("backtest interrupted: %w", runErr)
	}
	fmt.Println("\n✅ 回测完成")
	return nil
}

// parseParamRange parses "name:min:max:step". Whole-number bounds with a step >= 1 are integers.
func parseParamRange(arg string) (backtest.ParamRange, error) {
	parts := strings.Split(arg, ":")
	if len(parts) != 4 {
		return backtest.ParamRange{}, fmt.Errorf("invalid param range %q (want name:min:max:step)", arg)
	}
	var vals [3]float64
	for i, raw := range parts[1:] {
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return backtest.ParamRange{}, fmt.Errorf("invalid param range %q: %w", arg, err)
		}
		vals[i] = v
	}

	r := backtest.ParamRange{
		Name: strings.TrimSpace(parts[0]),
		Min:  vals[0],
		Max:  vals[1],
		Step: vals[2],
		Type: backtest.ParamTypeFloat,
	}
	if r.Step >= 1 && isWhole(r.Min) && isWhole(r.Max) && isWhole(r.Step) {
		r.Type = backtest.ParamTypeInt
	}
	return r, nil
}

func isWhole(v float64) bool { return v == math.Trunc(v) }

func printConfigSummary(cfg *backtest.BacktestConfig, p source.Period, symbols []string) {
	fmt.Println("配置摘要:")
	fmt.Printf("  回测区间:   %s ~ %s (%s)\n", p.Start.Format("2006-01-02"), p.End.AddDate(0, 0, -1).Format("2006-01-02"), p.Interval)
	fmt.Printf("  数据源:     %s (cache: %s)\n", cfg.Data.SourceType, cfg.Data.Cache.Type)
	fmt.Printf("  品种:       %d %s\n", len(symbols), abbreviate(symbols, 8))
	fmt.Printf("  单对资金:   %.2f\n", cfg.Backtest.CapitalPerPair)
	fmt.Printf("  显著性:     %.2f (最多 %d 对)\n", cfg.Screen.Significance, cfg.Screen.MaxPairs)
	fmt.Printf("  信号:       %s / %s\n", cfg.Signal.Type, cfg.Signal.Normalization)
	fmt.Printf("  入场/出场:  %.2f / %.2f (%s)\n", cfg.Simulation.Entry, cfg.Simulation.Exit, cfg.Simulation.ExitPolicy)
	fmt.Printf("  输出目录:   %s\n\n", cfg.Output.ResultDir)
}

func abbreviate(symbols []string, n int) string {
	if len(symbols) <= n {
		return strings.Join(symbols, ",")
	}
	return strings.Join(symbols[:n], ",") + fmt.Sprintf(",... (+%d)", len(symbols)-n)
}

func printCandidates(candidates []screen.Candidate) {
	if len(candidates) == 0 {
		fmt.Println("没有满足条件的配对")
		return
	}
	fmt.Printf("%-4s %-20s %10s %10s %10s %8s\n", "#", "Pair", "p-value", "t-stat", "hedge", "overlap")
	for i, cand := range candidates {
		fmt.Printf("%-4d %-20s %10.4f %10.3f %10.4f %8d\n",
			i+1, cand.Key(), cand.PValue, cand.TestStat, cand.HedgeRatio, cand.Overlap)
	}
}

func printResults(results []*backtest.OptimizationResult, goal backtest.OptimizationGoal) {
	fmt.Printf("\nTop %d (goal: %s)\n", len(results), goal)
	fmt.Println(strings.Repeat("-", 96))
	fmt.Printf("%-5s %-34s %10s %9s %12s %8s %8s\n", "Rank", "Parameters", "Score", "Sharpe", "PNL", "WinRate", "Trades")
	for _, r := range results {
		fmt.Printf("%-5d %-34s %10.4f %9.3f %12.2f %7.1f%% %8d\n",
			r.Rank, formatParams(r.Parameters), r.Score, r.Metrics.SharpeRatio,
			r.Metrics.TotalPNL, r.Metrics.WinRate*100, r.Metrics.TotalTrades)
	}
}

func formatParams(params map[string]float64) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + "=" + strconv.FormatFloat(params[name], 'f', -1, 64)
	}
	return strings.Join(parts, " ")
}
