package source

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/quantlink-pairs/pkg/logger"
	"github.com/yourusername/quantlink-pairs/pkg/series"
)

var timeColumns = []string{"date", "datetime", "time", "timestamp"}
var priceColumns = []string{"adj close", "adj_close", "adjclose", "close", "price"}

// CSVSource reads local price files.
// If Path is a directory each symbol lives in <Path>/<symbol>.csv with a date column and a
// close column; if Path is a file it is a wide table: a date column followed by one column per symbol.
type CSVSource struct {
	Path string
	log  *zap.Logger
}

// NewCSVSource creates a CSV source
func NewCSVSource(path string, log *zap.Logger) *CSVSource {
	return &CSVSource{Path: path, log: logger.OrNop(log).Named("source")}
}

func (s *CSVSource) Name() string { return "csv" }

// Fetch loads the requested symbols, keeping only rows inside p
func (s *CSVSource) Fetch(ctx context.Context, symbols []string, p Period) (map[string]*series.PriceSeries, error) {
	info, err := os.Stat(s.Path)
	if err != nil {
		return nil, fmt.Errorf("csv source: %w", err)
	}
	if !info.IsDir() {
		return s.fetchWide(symbols, p)
	}

	out := make(map[string]*series.PriceSeries, len(symbols))
	for _, sym := range NormalizeSymbols(symbols) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		filePath := filepath.Join(s.Path, sym+".csv")
		if _, err := os.Stat(filePath); os.IsNotExist(err) {
			s.log.Warn("data file not found", zap.String("file", filePath))
			continue
		}
		points, err := readLongFile(filePath, p)
		if err != nil {
			s.log.Warn("error loading file", zap.String("file", filePath), zap.Error(err))
			continue
		}
		ps, err := buildSeries(sym, points)
		if err != nil {
			s.log.Warn("invalid price history", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		out[sym] = ps
	}
	s.log.Info("loaded price files", zap.Int("requested", len(symbols)), zap.Int("loaded", len(out)))
	return out, nil
}

func readLongFile(filePath string, p Period) ([]series.Point, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	timeIdx := findColumn(header, timeColumns)
	priceIdx := findColumn(header, priceColumns)
	if timeIdx < 0 || priceIdx < 0 {
		return nil, fmt.Errorf("invalid CSV format: need a date and a close column, got %v", header)
	}

	points := make([]series.Point, 0, 256)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV row: %w", err)
		}
		ts, err := parseTime(record[timeIdx])
		if err != nil {
			return nil, err
		}
		if !p.Contains(ts) {
			continue
		}
		points = append(points, series.Point{Time: ts, Price: parsePrice(record[priceIdx])})
	}
	return points, nil
}

func (s *CSVSource) fetchWide(symbols []string, p Period) (map[string]*series.PriceSeries, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("csv source: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	timeIdx := findColumn(header, timeColumns)
	if timeIdx < 0 {
		timeIdx = 0
	}

	want := NormalizeSymbols(symbols)
	cols := make(map[string]int, len(want))
	for i, h := range header {
		if i != timeIdx {
			cols[strings.TrimSpace(h)] = i
		}
	}

	points := make(map[string][]series.Point, len(want))
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV row: %w", err)
		}
		ts, err := parseTime(record[timeIdx])
		if err != nil {
			return nil, err
		}
		if !p.Contains(ts) {
			continue
		}
		for _, sym := range want {
			if idx, ok := cols[sym]; ok && idx < len(record) {
				points[sym] = append(points[sym], series.Point{Time: ts, Price: parsePrice(record[idx])})
			}
		}
	}

	out := make(map[string]*series.PriceSeries, len(want))
	for _, sym := range want {
		if _, ok := cols[sym]; !ok {
			s.log.Warn("symbol column not found", zap.String("symbol", sym), zap.String("file", s.Path))
			continue
		}
		ps, err := buildSeries(sym, points[sym])
		if err != nil {
			s.log.Warn("invalid price history", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		out[sym] = ps
	}
	return out, nil
}

func findColumn(header []string, names []string) int {
	for _, name := range names {
		for i, h := range header {
			if strings.EqualFold(strings.TrimSpace(h), name) {
				return i
			}
		}
	}
	return -1
}

// parseTime accepts dates, datetimes, RFC3339 and unix timestamps (s, ms or ns)
func parseTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range []string{DateLayout, "2006-01-02 15:04:05", time.RFC3339, "2006-01-02 15:04:05-07:00"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", v)
	}
	switch {
	case n > 1e15:
		return time.Unix(0, n).UTC(), nil
	case n > 1e11:
		return time.UnixMilli(n).UTC(), nil
	default:
		return time.Unix(n, 0).UTC(), nil
	}
}

// parsePrice maps blanks and unparsable cells to NaN, which series.New drops as missing
func parsePrice(v string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return math.NaN()
	}
	return f
}

func buildSeries(symbol string, points []series.Point) (*series.PriceSeries, error) {
	sort.SliceStable(points, func(i, j int) bool { return points[i].Time.Before(points[j].Time) })
	return series.New(symbol, points)
}
