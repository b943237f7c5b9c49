package backtest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/yourusername/quantlink-pairs/pkg/logger"
	"github.com/yourusername/quantlink-pairs/pkg/screen"
	"github.com/yourusername/quantlink-pairs/pkg/source"
	"github.com/yourusername/quantlink-pairs/pkg/strategy/pairs"
	"github.com/yourusername/quantlink-pairs/pkg/strategy/spread"
)

// EnvPrefix is the prefix of environment overrides, e.g. QUANTLINK_PAIRS_BACKTEST_CAPITAL_PER_PAIR
const EnvPrefix = "QUANTLINK_PAIRS"

// ErrInvalidConfig is wrapped by every validation failure
var ErrInvalidConfig = errors.New("invalid config")

// BacktestConfig represents the backtest configuration
type BacktestConfig struct {
	Backtest   BacktestSettings `yaml:"backtest" mapstructure:"backtest"`
	Universe   UniverseSettings `yaml:"universe" mapstructure:"universe"`
	Data       DataSettings     `yaml:"data" mapstructure:"data"`
	Screen     screen.Options   `yaml:"screen" mapstructure:"screen"`
	Signal     spread.Options   `yaml:"signal" mapstructure:"signal"`
	Simulation pairs.Params     `yaml:"simulation" mapstructure:"simulation"`
	Output     OutputSettings   `yaml:"output" mapstructure:"output"`
	NATS       NATSSettings     `yaml:"nats" mapstructure:"nats"`
	Metrics    MetricsSettings  `yaml:"metrics" mapstructure:"metrics"`
	Logging    logger.Config    `yaml:"logging" mapstructure:"logging"`
}

// BacktestSettings contains backtest-specific settings
type BacktestSettings struct {
	Name           string  `yaml:"name" mapstructure:"name"`
	Timeframe      string  `yaml:"timeframe" mapstructure:"timeframe"` // 1M, 3M, 6M; ignored when dates are set
	StartDate      string  `yaml:"start_date" mapstructure:"start_date"`
	EndDate        string  `yaml:"end_date" mapstructure:"end_date"` // inclusive
	Interval       string  `yaml:"interval" mapstructure:"interval"`
	CapitalPerPair float64 `yaml:"capital_per_pair" mapstructure:"capital_per_pair"`
	Workers        int     `yaml:"workers" mapstructure:"workers"` // pair simulation pool, 0 = one per CPU
}

// UniverseSettings lists the symbols to screen
type UniverseSettings struct {
	File    string   `yaml:"file" mapstructure:"file"` // CSV with a Symbol column, or YAML
	Symbols []string `yaml:"symbols" mapstructure:"symbols"`
}

// DataSettings contains data source settings
type DataSettings struct {
	SourceType        string        `yaml:"source_type" mapstructure:"source_type"` // csv, yahoo, binance
	DataPath          string        `yaml:"data_path" mapstructure:"data_path"`
	YahooURL          string        `yaml:"yahoo_url" mapstructure:"yahoo_url"`
	RequestsPerSecond float64       `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	BinanceURL        string        `yaml:"binance_url" mapstructure:"binance_url"`
	APIKey            string        `yaml:"api_key" mapstructure:"api_key"`
	SecretKey         string        `yaml:"secret_key" mapstructure:"secret_key"`
	Cache             CacheSettings `yaml:"cache" mapstructure:"cache"`
}

// CacheSettings selects the price cache store
type CacheSettings struct {
	Type   string        `yaml:"type" mapstructure:"type"` // none, memory, sqlite
	Path   string        `yaml:"path" mapstructure:"path"`
	MaxAge time.Duration `yaml:"max_age" mapstructure:"max_age"`
}

// OutputSettings contains output settings
type OutputSettings struct {
	ResultDir      string `yaml:"result_dir" mapstructure:"result_dir"`
	SaveTrades     bool   `yaml:"save_trades" mapstructure:"save_trades"`
	SaveEquity     bool   `yaml:"save_equity" mapstructure:"save_equity"`
	SaveSignals    bool   `yaml:"save_signals" mapstructure:"save_signals"`
	SaveParams     bool   `yaml:"save_params" mapstructure:"save_params"`
	GenerateReport bool   `yaml:"generate_report" mapstructure:"generate_report"`
	ReportFormat   string `yaml:"report_format" mapstructure:"report_format"` // markdown, json, all
}

// NATSSettings controls result publishing
type NATSSettings struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	URL     string `yaml:"url" mapstructure:"url"`
	Subject string `yaml:"subject" mapstructure:"subject"`
}

// MetricsSettings controls the prometheus endpoint
type MetricsSettings struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr    string `yaml:"addr" mapstructure:"addr"`
}

// DefaultConfig returns the configuration used when no file is given
func DefaultConfig() *BacktestConfig {
	return &BacktestConfig{
		Backtest: BacktestSettings{
			Name:           "pairs",
			Timeframe:      "3M",
			Interval:       "1d",
			CapitalPerPair: 100000,
		},
		Data: DataSettings{
			SourceType:        "csv",
			DataPath:          "./data",
			YahooURL:          source.DefaultYahooURL,
			RequestsPerSecond: 2,
			Cache:             CacheSettings{Type: "memory", Path: "./data/price_cache.db", MaxAge: 24 * time.Hour},
		},
		Screen:     screen.DefaultOptions(),
		Signal:     spread.DefaultOptions(),
		Simulation: pairs.DefaultParams(),
		Output: OutputSettings{
			ResultDir:      "./backtest_results",
			SaveTrades:     true,
			SaveEquity:     true,
			SaveParams:     true,
			GenerateReport: true,
			ReportFormat:   "markdown",
		},
		NATS:    NATSSettings{URL: "nats://localhost:4222", Subject: "backtest.pairs"},
		Metrics: MetricsSettings{Addr: ":9108"},
		Logging: logger.DefaultConfig(),
	}
}

// setDefaults registers every key so env overrides resolve even without a config file
func setDefaults(v *viper.Viper, d *BacktestConfig) {
	v.SetDefault("backtest.name", d.Backtest.Name)
	v.SetDefault("backtest.timeframe", d.Backtest.Timeframe)
	v.SetDefault("backtest.start_date", d.Backtest.StartDate)
	v.SetDefault("backtest.end_date", d.Backtest.EndDate)
	v.SetDefault("backtest.interval", d.Backtest.Interval)
	v.SetDefault("backtest.capital_per_pair", d.Backtest.CapitalPerPair)
	v.SetDefault("backtest.workers", d.Backtest.Workers)

	v.SetDefault("universe.file", d.Universe.File)
	v.SetDefault("universe.symbols", d.Universe.Symbols)

	v.SetDefault("data.source_type", d.Data.SourceType)
	v.SetDefault("data.data_path", d.Data.DataPath)
	v.SetDefault("data.yahoo_url", d.Data.YahooURL)
	v.SetDefault("data.requests_per_second", d.Data.RequestsPerSecond)
	v.SetDefault("data.binance_url", d.Data.BinanceURL)
	v.SetDefault("data.api_key", d.Data.APIKey)
	v.SetDefault("data.secret_key", d.Data.SecretKey)
	v.SetDefault("data.cache.type", d.Data.Cache.Type)
	v.SetDefault("data.cache.path", d.Data.Cache.Path)
	v.SetDefault("data.cache.max_age", d.Data.Cache.MaxAge)

	v.SetDefault("screen.significance", d.Screen.Significance)
	v.SetDefault("screen.max_pairs", d.Screen.MaxPairs)
	v.SetDefault("screen.min_overlap", d.Screen.MinOverlap)
	v.SetDefault("screen.workers", d.Screen.Workers)

	v.SetDefault("signal.type", string(d.Signal.Type))
	v.SetDefault("signal.normalization", string(d.Signal.Normalization))
	v.SetDefault("signal.window", d.Signal.Window)

	v.SetDefault("simulation.entry", d.Simulation.Entry)
	v.SetDefault("simulation.exit", d.Simulation.Exit)
	v.SetDefault("simulation.exit_policy", string(d.Simulation.ExitPolicy))
	v.SetDefault("simulation.exit_band", d.Simulation.ExitBand)
	v.SetDefault("simulation.sizing", string(d.Simulation.Sizing))
	v.SetDefault("simulation.notional", d.Simulation.Notional)
	v.SetDefault("simulation.cost_per_leg", d.Simulation.CostPerLeg)
	v.SetDefault("simulation.equity", string(d.Simulation.Equity))
	v.SetDefault("simulation.close_at_end", d.Simulation.CloseAtEnd)
	v.SetDefault("simulation.initial_capital", d.Simulation.InitialCapital)

	v.SetDefault("output.result_dir", d.Output.ResultDir)
	v.SetDefault("output.save_trades", d.Output.SaveTrades)
	v.SetDefault("output.save_equity", d.Output.SaveEquity)
	v.SetDefault("output.save_signals", d.Output.SaveSignals)
	v.SetDefault("output.save_params", d.Output.SaveParams)
	v.SetDefault("output.generate_report", d.Output.GenerateReport)
	v.SetDefault("output.report_format", d.Output.ReportFormat)

	v.SetDefault("nats.enabled", d.NATS.Enabled)
	v.SetDefault("nats.url", d.NATS.URL)
	v.SetDefault("nats.subject", d.NATS.Subject)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.addr", d.Metrics.Addr)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)
}

// LoadBacktestConfig loads configuration from a YAML file (optional), QUANTLINK_PAIRS_* env
// variables and defaults, in that order of precedence: env > file > defaults
func LoadBacktestConfig(configFile string) (*BacktestConfig, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config BacktestConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate config
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate validates the configuration
func (c *BacktestConfig) Validate() error {
	// Validate period
	if _, err := c.Period(time.Now()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Backtest.CapitalPerPair <= 0 {
		return fmt.Errorf("%w: capital_per_pair must be positive", ErrInvalidConfig)
	}
	if c.Backtest.Workers < 0 {
		return fmt.Errorf("%w: workers must be >= 0", ErrInvalidConfig)
	}

	// Validate data settings
	switch c.Data.SourceType {
	case "csv":
		if c.Data.DataPath == "" {
			return fmt.Errorf("%w: data_path is required for csv source", ErrInvalidConfig)
		}
	case "yahoo":
		if c.Data.RequestsPerSecond <= 0 {
			return fmt.Errorf("%w: requests_per_second must be positive", ErrInvalidConfig)
		}
	case "binance":
	default:
		return fmt.Errorf("%w: invalid source_type %q (must be csv, yahoo or binance)", ErrInvalidConfig, c.Data.SourceType)
	}
	switch c.Data.Cache.Type {
	case "", "none", "memory":
	case "sqlite":
		if c.Data.Cache.Path == "" {
			return fmt.Errorf("%w: cache path is required for sqlite cache", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: invalid cache type %q", ErrInvalidConfig, c.Data.Cache.Type)
	}

	// Validate strategy
	if err := c.Screen.Validate(); err != nil {
		return fmt.Errorf("%w: screen: %v", ErrInvalidConfig, err)
	}
	if err := c.Signal.Validate(); err != nil {
		return fmt.Errorf("%w: signal: %v", ErrInvalidConfig, err)
	}
	if err := c.SimulationParams().Validate(); err != nil {
		return fmt.Errorf("%w: simulation: %v", ErrInvalidConfig, err)
	}

	// Validate output
	switch c.Output.ReportFormat {
	case "markdown", "json", "all":
	default:
		return fmt.Errorf("%w: invalid report_format %q (must be markdown, json or all)", ErrInvalidConfig, c.Output.ReportFormat)
	}
	if c.Output.ResultDir == "" {
		return fmt.Errorf("%w: result_dir is required", ErrInvalidConfig)
	}

	if c.NATS.Enabled && (c.NATS.URL == "" || c.NATS.Subject == "") {
		return fmt.Errorf("%w: nats url and subject are required when publishing is enabled", ErrInvalidConfig)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("%w: metrics addr is required when metrics are enabled", ErrInvalidConfig)
	}

	return nil
}

// Period resolves the configured window. Explicit dates win over the timeframe preset.
func (c *BacktestConfig) Period(now time.Time) (source.Period, error) {
	var (
		p   source.Period
		err error
	)
	if c.Backtest.StartDate != "" || c.Backtest.EndDate != "" {
		p, err = source.ParseDates(c.Backtest.StartDate, c.Backtest.EndDate)
	} else {
		p, err = source.ParseTimeframe(c.Backtest.Timeframe, now)
	}
	if err != nil {
		return source.Period{}, err
	}
	if c.Backtest.Interval != "" {
		p.Interval = c.Backtest.Interval
	}
	return p, nil
}

// SimulationParams returns the simulator parameters with the per-pair capital applied
func (c *BacktestConfig) SimulationParams() pairs.Params {
	p := c.Simulation
	p.InitialCapital = c.Backtest.CapitalPerPair
	return p
}

// Symbols returns the universe from the file when set, otherwise the inline list
func (c *BacktestConfig) Symbols() ([]string, error) {
	if c.Universe.File != "" {
		return source.LoadUniverse(c.Universe.File)
	}
	symbols := source.NormalizeSymbols(c.Universe.Symbols)
	if len(symbols) == 0 {
		return nil, source.ErrEmptyUniverse
	}
	return symbols, nil
}
