// Package metrics exposes prometheus counters for screening, simulation and price fetches
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the run metrics. A nil *Recorder records nothing.
type Recorder struct {
	PairsTested    prometheus.Counter
	PairsQualified prometheus.Counter
	PairsSkipped   *prometheus.CounterVec
	PairsSimulated prometheus.Counter
	Trades         *prometheus.CounterVec
	PairPnL        prometheus.Histogram
	SourceFetches  *prometheus.CounterVec
	CacheLookups   *prometheus.CounterVec
	RunDuration    prometheus.Histogram
}

// NewRecorder creates the collectors and registers them with reg
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		PairsTested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pairs_tested_total", Help: "Candidate pairs run through the cointegration test",
		}),
		PairsQualified: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pairs_qualified_total", Help: "Pairs whose p-value passed the significance level",
		}),
		PairsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pairs_skipped_total", Help: "Pairs that could not be evaluated",
		}, []string{"stage", "reason"}),
		PairsSimulated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pairs_simulated_total", Help: "Pairs backtested to completion",
		}),
		Trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trades_total", Help: "Closed round trips",
		}, []string{"direction"}),
		PairPnL: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pair_return_percent",
			Help:    "Return of each simulated pair in percent",
			Buckets: []float64{-20, -10, -5, -2, -1, 0, 1, 2, 5, 10, 20},
		}),
		SourceFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "source_fetches_total", Help: "Price history requests",
		}, []string{"source", "result"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "price_cache_lookups_total", Help: "Price cache lookups",
		}, []string{"result"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "backtest_run_duration_seconds",
			Help:    "Wall time of a full backtest run",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(r.PairsTested, r.PairsQualified, r.PairsSkipped, r.PairsSimulated,
			r.Trades, r.PairPnL, r.SourceFetches, r.CacheLookups, r.RunDuration)
	}
	return r
}

func (r *Recorder) PairTested(qualified bool) {
	if r == nil {
		return
	}
	r.PairsTested.Inc()
	if qualified {
		r.PairsQualified.Inc()
	}
}

func (r *Recorder) PairSkipped(stage, reason string) {
	if r == nil {
		return
	}
	r.PairsSkipped.WithLabelValues(stage, reason).Inc()
}

// PairSimulated records one finished pair backtest
func (r *Recorder) PairSimulated(returnPercent float64, longTrades, shortTrades int) {
	if r == nil {
		return
	}
	r.PairsSimulated.Inc()
	r.PairPnL.Observe(returnPercent)
	r.Trades.WithLabelValues("long").Add(float64(longTrades))
	r.Trades.WithLabelValues("short").Add(float64(shortTrades))
}

func (r *Recorder) SourceFetch(source string, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.SourceFetches.WithLabelValues(source, result).Inc()
}

func (r *Recorder) CacheLookup(hit bool) {
	if r == nil {
		return
	}
	if hit {
		r.CacheLookups.WithLabelValues("hit").Inc()
	} else {
		r.CacheLookups.WithLabelValues("miss").Inc()
	}
}

func (r *Recorder) RunFinished(elapsed time.Duration) {
	if r == nil {
		return
	}
	r.RunDuration.Observe(elapsed.Seconds())
}

// Handler serves the metrics gathered by g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve starts a /metrics endpoint in the background
func Serve(addr string, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
