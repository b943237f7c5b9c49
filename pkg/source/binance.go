package source

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"

	"github.com/yourusername/quantlink-pairs/pkg/logger"
	"github.com/yourusername/quantlink-pairs/pkg/series"
)

// binanceKlineLimit is the largest page the klines endpoint returns
const binanceKlineLimit = 1000

// BinanceSource loads spot kline closes, e.g. BTCUSDT / ETHUSDT
type BinanceSource struct {
	client *binance.Client
	log    *zap.Logger
}

// NewBinanceSource creates a spot client; baseURL overrides the API host (testnet, tests)
func NewBinanceSource(apiKey, secretKey, baseURL string, log *zap.Logger) *BinanceSource {
	client := binance.NewClient(apiKey, secretKey)
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return &BinanceSource{client: client, log: logger.OrNop(log).Named("source")}
}

func (s *BinanceSource) Name() string { return "binance" }

// Fetch pages through the klines of each symbol; a symbol the exchange rejects is left out
func (s *BinanceSource) Fetch(ctx context.Context, symbols []string, p Period) (map[string]*series.PriceSeries, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	out := make(map[string]*series.PriceSeries, len(symbols))
	var firstErr error
	for _, sym := range NormalizeSymbols(symbols) {
		points, err := s.klines(ctx, sym, p)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.log.Warn("klines failed", zap.String("symbol", sym), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		ps, err := buildSeries(sym, points)
		if err != nil {
			s.log.Warn("invalid price history", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		out[sym] = ps
	}
	if len(out) == 0 && firstErr != nil {
		return nil, fmt.Errorf("binance: %w", firstErr)
	}
	return out, nil
}

func (s *BinanceSource) klines(ctx context.Context, symbol string, p Period) ([]series.Point, error) {
	points := make([]series.Point, 0, 256)
	from := p.Start.UnixMilli()
	to := p.End.UnixMilli() - 1

	for from <= to {
		page, err := s.client.NewKlinesService().
			Symbol(symbol).
			Interval(p.interval()).
			StartTime(from).
			EndTime(to).
			Limit(binanceKlineLimit).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("get klines: %w", err)
		}
		for _, k := range page {
			closePx, err := strconv.ParseFloat(k.Close, 64)
			if err != nil {
				return nil, fmt.Errorf("kline close %q: %w", k.Close, err)
			}
			points = append(points, series.Point{Time: time.UnixMilli(k.OpenTime).UTC(), Price: closePx})
		}
		if len(page) < binanceKlineLimit {
			break
		}
		from = page[len(page)-1].OpenTime + 1
	}
	return points, nil
}
