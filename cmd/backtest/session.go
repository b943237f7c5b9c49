package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/yourusername/quantlink-pairs/pkg/backtest"
	"github.com/yourusername/quantlink-pairs/pkg/logger"
	"github.com/yourusername/quantlink-pairs/pkg/metrics"
	"github.com/yourusername/quantlink-pairs/pkg/publish"
	"github.com/yourusername/quantlink-pairs/pkg/source"
)

// session holds everything a subcommand needs; Close releases it in reverse order
type session struct {
	cfg     *backtest.BacktestConfig
	log     *zap.Logger
	agg     *backtest.Aggregator
	closers []func()
}

func loadConfig(c *cli.Context) (*backtest.BacktestConfig, error) {
	cfg, err := backtest.LoadBacktestConfig(c.String("config"))
	if err != nil {
		return nil, err
	}

	// 命令行参数优先于配置文件
	if c.IsSet("timeframe") {
		cfg.Backtest.Timeframe = c.String("timeframe")
		cfg.Backtest.StartDate, cfg.Backtest.EndDate = "", ""
	}
	if c.IsSet("start") {
		cfg.Backtest.StartDate = c.String("start")
	}
	if c.IsSet("end") {
		cfg.Backtest.EndDate = c.String("end")
	}
	if c.IsSet("interval") {
		cfg.Backtest.Interval = c.String("interval")
	}
	if c.IsSet("symbols") {
		cfg.Universe.Symbols = c.StringSlice("symbols")
		cfg.Universe.File = ""
	}
	if c.IsSet("universe") {
		cfg.Universe.File = c.String("universe")
	}
	if c.IsSet("source") {
		cfg.Data.SourceType = c.String("source")
	}
	if c.IsSet("data") {
		cfg.Data.DataPath = c.String("data")
	}
	if c.IsSet("capital") {
		cfg.Backtest.CapitalPerPair = c.Float64("capital")
	}
	if c.IsSet("output") {
		cfg.Output.ResultDir = c.String("output")
	}
	if c.IsSet("workers") {
		cfg.Backtest.Workers = c.Int("workers")
	}
	if c.IsSet("log-level") {
		cfg.Logging.Level = c.String("log-level")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newSession(c *cli.Context) (*session, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	s := &session{cfg: cfg, log: log}
	s.onClose(func() { _ = log.Sync() })

	var rec *metrics.Recorder
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		rec = metrics.NewRecorder(reg)
		srv := metrics.Serve(cfg.Metrics.Addr, reg)
		log.Info("Metrics endpoint started", zap.String("addr", cfg.Metrics.Addr))
		s.onClose(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		})
	}

	src, err := s.openSource(rec)
	if err != nil {
		s.Close()
		return nil, err
	}

	opts := []backtest.Option{backtest.WithLogger(log), backtest.WithMetrics(rec)}
	if cfg.NATS.Enabled {
		pub, err := publish.Connect(cfg.NATS.URL, cfg.NATS.Subject, log)
		if err != nil {
			// 发布是可选的，连接失败不影响回测
			log.Warn("NATS unavailable, results will not be published",
				zap.String("url", cfg.NATS.URL), zap.Error(err))
		} else {
			opts = append(opts, backtest.WithPublisher(pub))
			s.onClose(pub.Close)
		}
	}

	agg, err := backtest.NewAggregatorFromConfig(cfg, src, opts...)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.agg = agg
	return s, nil
}

func (s *session) openSource(rec *metrics.Recorder) (source.Source, error) {
	d := s.cfg.Data

	var src source.Source
	switch d.SourceType {
	case "csv":
		src = source.NewCSVSource(d.DataPath, s.log)
	case "yahoo":
		src = source.NewYahooSource(d.YahooURL, d.RequestsPerSecond, s.log)
	case "binance":
		src = source.NewBinanceSource(d.APIKey, d.SecretKey, d.BinanceURL, s.log)
	default:
		return nil, fmt.Errorf("%w: unknown source type %q", backtest.ErrInvalidConfig, d.SourceType)
	}

	switch d.Cache.Type {
	case "", "none":
		return src, nil
	case "memory":
		return source.NewCached(src, source.NewMemoryStore(), rec, s.log), nil
	case "sqlite":
		store, err := source.OpenSQLiteStore(d.Cache.Path, d.Cache.MaxAge)
		if err != nil {
			return nil, fmt.Errorf("failed to open price cache: %w", err)
		}
		s.onClose(func() { _ = store.Close() })
		return source.NewCached(src, store, rec, s.log), nil
	default:
		return nil, fmt.Errorf("%w: unknown cache type %q", backtest.ErrInvalidConfig, d.Cache.Type)
	}
}

// period resolves the configured window against the wall clock
func (s *session) period() (source.Period, []string, error) {
	p, err := s.cfg.Period(time.Now())
	if err != nil {
		return source.Period{}, nil, err
	}
	symbols, err := s.cfg.Symbols()
	if err != nil {
		return source.Period{}, nil, err
	}
	return p, symbols, nil
}

// writeOutputs saves the configured reports and the parameter snapshot
func (s *session) writeOutputs(run *backtest.RunResult) error {
	files, err := backtest.NewReportGenerator(s.cfg.Output.ResultDir, run, s.log).Generate(s.cfg.Output)
	if err != nil {
		return fmt.Errorf("failed to write reports: %w", err)
	}
	if s.cfg.Output.SaveParams {
		path, err := backtest.NewParamExporter(s.cfg.Output.ResultDir).ExportRunParams(run)
		if err != nil {
			return fmt.Errorf("failed to export params: %w", err)
		}
		files = append(files, path)
	}

	if len(files) > 0 {
		fmt.Println("\n输出文件:")
		for _, f := range files {
			fmt.Printf("  %s\n", f)
		}
	}
	return nil
}

func (s *session) onClose(fn func()) {
	s.closers = append(s.closers, fn)
}

// Close is safe to call more than once
func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
