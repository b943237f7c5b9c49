package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/buger/jsonparser"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/yourusername/quantlink-pairs/pkg/logger"
	"github.com/yourusername/quantlink-pairs/pkg/series"
)

// DefaultYahooURL is the chart API host
const DefaultYahooURL = "https://query1.finance.yahoo.com"

// ErrSymbolNotFound is returned by the chart API for unknown tickers
var ErrSymbolNotFound = errors.New("symbol not found")

// YahooSource downloads adjusted daily closes from the Yahoo Finance chart API
type YahooSource struct {
	BaseURL     string
	Client      *http.Client
	Limiter     *rate.Limiter
	Concurrency int
	log         *zap.Logger
}

// NewYahooSource creates a source allowing rps requests per second
func NewYahooSource(baseURL string, rps float64, log *zap.Logger) *YahooSource {
	if baseURL == "" {
		baseURL = DefaultYahooURL
	}
	if rps <= 0 {
		rps = 2
	}
	return &YahooSource{
		BaseURL:     baseURL,
		Client:      &http.Client{Timeout: 30 * time.Second},
		Limiter:     rate.NewLimiter(rate.Limit(rps), 1),
		Concurrency: 4,
		log:         logger.OrNop(log).Named("source"),
	}
}

func (s *YahooSource) Name() string { return "yahoo" }

// Fetch downloads every symbol; unknown symbols and per-symbol failures are left out.
// The request fails only when nothing could be downloaded.
func (s *YahooSource) Fetch(ctx context.Context, symbols []string, p Period) (map[string]*series.PriceSeries, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	want := NormalizeSymbols(symbols)

	var (
		mu       sync.Mutex
		out      = make(map[string]*series.PriceSeries, len(want))
		firstErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, s.Concurrency))
	for _, sym := range want {
		sym := sym
		g.Go(func() error {
			ps, err := s.fetchOne(gctx, sym, p)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.log.Warn("download failed", zap.String("symbol", sym), zap.Error(err))
				if firstErr == nil && !errors.Is(err, ErrSymbolNotFound) {
					firstErr = err
				}
				return nil
			}
			out[sym] = ps
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(out) == 0 && firstErr != nil {
		return nil, fmt.Errorf("yahoo: %w", firstErr)
	}
	s.log.Info("downloaded price history",
		zap.Int("requested", len(want)), zap.Int("loaded", len(out)), zap.Stringer("period", p))
	return out, nil
}

func (s *YahooSource) fetchOne(ctx context.Context, symbol string, p Period) (*series.PriceSeries, error) {
	if err := s.Limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("period1", fmt.Sprint(p.Start.Unix()))
	q.Set("period2", fmt.Sprint(p.End.Unix()))
	q.Set("interval", p.interval())
	q.Set("events", "history")
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?%s", s.BaseURL, url.PathEscape(symbol), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (quantlink-pairs)")
	req.Header.Set("Accept", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", symbol, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	if resp.StatusCode != http.StatusOK {
		desc, _ := jsonparser.GetString(body, "chart", "error", "description")
		return nil, fmt.Errorf("%s: http %d %s", symbol, resp.StatusCode, desc)
	}

	points, err := parseChart(body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", symbol, err)
	}
	kept := points[:0]
	for _, pt := range points {
		if p.Contains(pt.Time) {
			kept = append(kept, pt)
		}
	}
	return buildSeries(symbol, kept)
}

// parseChart extracts (timestamp, adjusted close) pairs; null closes become NaN
func parseChart(body []byte) ([]series.Point, error) {
	if desc, err := jsonparser.GetString(body, "chart", "error", "description"); err == nil && desc != "" {
		return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, desc)
	}

	result, _, _, err := jsonparser.Get(body, "chart", "result", "[0]")
	if err != nil {
		return nil, fmt.Errorf("chart payload: %w", err)
	}

	var times []time.Time
	_, err = jsonparser.ArrayEach(result, func(value []byte, _ jsonparser.ValueType, _ int, _ error) {
		ts, perr := jsonparser.ParseInt(value)
		if perr == nil {
			times = append(times, time.Unix(ts, 0).UTC())
		}
	}, "timestamp")
	if err != nil {
		if errors.Is(err, jsonparser.KeyPathNotFoundError) {
			return []series.Point{}, nil
		}
		return nil, fmt.Errorf("chart timestamps: %w", err)
	}

	closes, err := floatArray(result, "indicators", "adjclose", "[0]", "adjclose")
	if errors.Is(err, jsonparser.KeyPathNotFoundError) {
		closes, err = floatArray(result, "indicators", "quote", "[0]", "close")
	}
	if err != nil {
		return nil, fmt.Errorf("chart closes: %w", err)
	}
	if len(closes) != len(times) {
		return nil, fmt.Errorf("chart payload: %d timestamps but %d closes", len(times), len(closes))
	}

	points := make([]series.Point, len(times))
	for i := range times {
		points[i] = series.Point{Time: times[i], Price: closes[i]}
	}
	return points, nil
}

func floatArray(data []byte, keys ...string) ([]float64, error) {
	var out []float64
	_, err := jsonparser.ArrayEach(data, func(value []byte, dataType jsonparser.ValueType, _ int, _ error) {
		if dataType != jsonparser.Number {
			out = append(out, math.NaN())
			return
		}
		f, perr := jsonparser.ParseFloat(value)
		if perr != nil {
			f = math.NaN()
		}
		out = append(out, f)
	}, keys...)
	return out, err
}
