// Package source loads price histories from local files, Yahoo Finance or Binance
package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/yourusername/quantlink-pairs/pkg/series"
)

var (
	// ErrUnknownTimeframe is returned for a preset other than 1M, 3M or 6M
	ErrUnknownTimeframe = errors.New("unknown timeframe")

	// ErrInvalidPeriod is returned when start is not before end
	ErrInvalidPeriod = errors.New("invalid period")
)

// DateLayout is the layout of explicit start / end dates
const DateLayout = "2006-01-02"

// Source fetches price histories. Symbols it cannot serve are absent from the result;
// an error means the whole request failed.
type Source interface {
	Name() string
	Fetch(ctx context.Context, symbols []string, p Period) (map[string]*series.PriceSeries, error)
}

// Period is a half-open [Start, End) window sampled at Interval
type Period struct {
	Start    time.Time
	End      time.Time
	Interval string // 1d, 1h, ...
}

// Contains reports whether t falls inside the window
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Validate 验证时间窗口
func (p Period) Validate() error {
	if p.Start.IsZero() || p.End.IsZero() || !p.Start.Before(p.End) {
		return fmt.Errorf("%w: start %s end %s", ErrInvalidPeriod, p.Start.Format(DateLayout), p.End.Format(DateLayout))
	}
	return nil
}

func (p Period) String() string {
	return fmt.Sprintf("%s..%s@%s", p.Start.Format(DateLayout), p.End.Format(DateLayout), p.interval())
}

func (p Period) interval() string {
	if p.Interval == "" {
		return "1d"
	}
	return p.Interval
}

// ParseTimeframe turns a 1M / 3M / 6M preset into the window ending today (UTC day boundary)
func ParseTimeframe(tf string, now time.Time) (Period, error) {
	months := 0
	switch strings.ToUpper(strings.TrimSpace(tf)) {
	case "1M":
		months = 1
	case "3M":
		months = 3
	case "6M":
		months = 6
	default:
		return Period{}, fmt.Errorf("%w: %q", ErrUnknownTimeframe, tf)
	}
	end := now.UTC().Truncate(24 * time.Hour).AddDate(0, 0, 1)
	return Period{Start: end.AddDate(0, -months, 0), End: end, Interval: "1d"}, nil
}

// ParseDates builds a period from explicit YYYY-MM-DD dates; end is inclusive
func ParseDates(start, end string) (Period, error) {
	s, err := time.Parse(DateLayout, start)
	if err != nil {
		return Period{}, fmt.Errorf("%w: start: %v", ErrInvalidPeriod, err)
	}
	e, err := time.Parse(DateLayout, end)
	if err != nil {
		return Period{}, fmt.Errorf("%w: end: %v", ErrInvalidPeriod, err)
	}
	p := Period{Start: s, End: e.AddDate(0, 0, 1), Interval: "1d"}
	return p, p.Validate()
}

// CacheKey identifies a request by symbol set, window and interval
func CacheKey(symbols []string, p Period) string {
	return strings.Join(NormalizeSymbols(symbols), ",") + "|" + p.String()
}

// NormalizeSymbols trims, dedupes and sorts symbols
func NormalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
