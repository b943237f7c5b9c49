// Package pairs simulates the FLAT / LONG_SPREAD / SHORT_SPREAD trade cycle of one pair
package pairs

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of an open spread position
type Direction int

const (
	// DirectionLong - buy A, sell B; spread expected to rise
	DirectionLong Direction = iota + 1
	// DirectionShort - sell A, buy B; spread expected to fall
	DirectionShort
)

// String returns the string representation of Direction
func (d Direction) String() string {
	switch d {
	case DirectionLong:
		return "LONG_SPREAD"
	case DirectionShort:
		return "SHORT_SPREAD"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the direction by name for JSON and YAML reports
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText decodes a direction written by MarshalText
func (d *Direction) UnmarshalText(b []byte) error {
	switch string(b) {
	case "LONG_SPREAD":
		*d = DirectionLong
	case "SHORT_SPREAD":
		*d = DirectionShort
	default:
		return fmt.Errorf("unknown direction %q", b)
	}
	return nil
}

// sign is +1 for long spread, -1 for short spread
func (d Direction) sign() int64 {
	if d == DirectionShort {
		return -1
	}
	return 1
}

// Position is an open two-leg position; quantities are frozen at entry
type Position struct {
	Direction   Direction `json:"direction"`
	EntryTime   time.Time `json:"entry_time"`
	EntryIndex  int       `json:"entry_index"`
	EntryPriceA float64   `json:"entry_price_a"`
	EntryPriceB float64   `json:"entry_price_b"`
	EntryZ      float64   `json:"entry_z"`
	QtyA        int64     `json:"qty_a"`
	QtyB        int64     `json:"qty_b"`
}

// pnlAt 按给定价格计算两腿盈亏
// long spread: +qtyA*(pA-entryA) - qtyB*(pB-entryB); short spread is the negation
func (p Position) pnlAt(priceA, priceB float64) decimal.Decimal {
	legA := decimal.NewFromInt(p.QtyA).Mul(decimal.NewFromFloat(priceA).Sub(decimal.NewFromFloat(p.EntryPriceA)))
	legB := decimal.NewFromInt(p.QtyB).Mul(decimal.NewFromFloat(priceB).Sub(decimal.NewFromFloat(p.EntryPriceB)))
	return legA.Sub(legB).Mul(decimal.NewFromInt(p.Direction.sign()))
}

// State is the simulator state: Flat, LongSpread or ShortSpread
type State interface {
	Name() string
	isState()
}

// Flat - no open position
type Flat struct{}

// LongSpread - long A / short B
type LongSpread struct{ Position }

// ShortSpread - short A / long B
type ShortSpread struct{ Position }

func (Flat) Name() string        { return "FLAT" }
func (LongSpread) Name() string  { return DirectionLong.String() }
func (ShortSpread) Name() string { return DirectionShort.String() }

func (Flat) isState()        {}
func (LongSpread) isState()  {}
func (ShortSpread) isState() {}

// ExitReason records why a position was closed
type ExitReason string

const (
	ExitReasonSignal      ExitReason = "signal"
	ExitReasonEndOfSeries ExitReason = "end_of_series"
)

// Trade is a closed round trip
type Trade struct {
	Direction   Direction       `json:"direction"`
	EntryTime   time.Time       `json:"entry_time"`
	ExitTime    time.Time       `json:"exit_time"`
	EntryIndex  int             `json:"entry_index"`
	ExitIndex   int             `json:"exit_index"`
	EntryPriceA float64         `json:"entry_price_a"`
	EntryPriceB float64         `json:"entry_price_b"`
	ExitPriceA  float64         `json:"exit_price_a"`
	ExitPriceB  float64         `json:"exit_price_b"`
	QtyA        int64           `json:"qty_a"`
	QtyB        int64           `json:"qty_b"`
	EntryZ      float64         `json:"entry_z"`
	ExitZ       float64         `json:"exit_z"`
	GrossPnL    decimal.Decimal `json:"gross_pnl"`
	Cost        decimal.Decimal `json:"cost"`
	PnL         decimal.Decimal `json:"pnl"`
	Reason      ExitReason      `json:"reason"`
}

// HoldingBars returns the number of bars between entry and exit
func (t Trade) HoldingBars() int { return t.ExitIndex - t.EntryIndex }

// EquityPoint is the account value at one aligned timestamp.
// Cash moves only at exits; Equity also carries the mark-to-market of an open position
// when that policy is selected.
type EquityPoint struct {
	Time   time.Time       `json:"time"`
	Cash   decimal.Decimal `json:"cash"`
	Equity decimal.Decimal `json:"equity"`
}

// OpenPosition is a position still open after the last bar
type OpenPosition struct {
	Position
	MarkTime      time.Time       `json:"mark_time"`
	MarkPriceA    float64         `json:"mark_price_a"`
	MarkPriceB    float64         `json:"mark_price_b"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// Summary 回测汇总
type Summary struct {
	InitialCapital decimal.Decimal `json:"initial_capital"`
	FinalCapital   decimal.Decimal `json:"final_capital"`
	ReturnPercent  float64         `json:"return_percent"`
	TradeCount     int             `json:"trade_count"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl"`
}

// Result is the simulator output for one pair
type Result struct {
	Trades  []Trade       `json:"trades"`
	Equity  []EquityPoint `json:"equity"`
	Open    *OpenPosition `json:"open,omitempty"`
	Summary Summary       `json:"summary"`
}
