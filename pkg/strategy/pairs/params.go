package pairs

import (
	"fmt"
	"math"
)

// ExitPolicy 平仓规则
type ExitPolicy string

const (
	// ExitPolicyCross - long exits when z >= Exit, short exits when z <= -Exit
	ExitPolicyCross ExitPolicy = "cross"
	// ExitPolicyBand - either side exits when |z| < ExitBand
	ExitPolicyBand ExitPolicy = "band"
)

// SizingPolicy 仓位规则
type SizingPolicy string

const (
	// SizingEqualNotional splits the allocation evenly across the two legs
	SizingEqualNotional SizingPolicy = "equal_notional"
)

// EquityPolicy selects what the equity curve reports between exits
type EquityPolicy string

const (
	EquityRealized     EquityPolicy = "realized"
	EquityMarkToMarket EquityPolicy = "mark_to_market"
)

// Params 模拟参数，一次运行内固定
type Params struct {
	Entry          float64      `yaml:"entry" mapstructure:"entry" json:"entry"`
	Exit           float64      `yaml:"exit" mapstructure:"exit" json:"exit"`
	ExitPolicy     ExitPolicy   `yaml:"exit_policy" mapstructure:"exit_policy" json:"exit_policy"`
	ExitBand       float64      `yaml:"exit_band" mapstructure:"exit_band" json:"exit_band"`
	Sizing         SizingPolicy `yaml:"sizing" mapstructure:"sizing" json:"sizing"`
	Notional       float64      `yaml:"notional" mapstructure:"notional" json:"notional"` // 0 = current cash
	CostPerLeg     float64      `yaml:"cost_per_leg" mapstructure:"cost_per_leg" json:"cost_per_leg"`
	Equity         EquityPolicy `yaml:"equity" mapstructure:"equity" json:"equity"`
	CloseAtEnd     bool         `yaml:"close_at_end" mapstructure:"close_at_end" json:"close_at_end"`
	InitialCapital float64      `yaml:"initial_capital" mapstructure:"initial_capital" json:"initial_capital"`
}

// DefaultParams returns entry 1.5, exit 0, cross exits, equal notional sizing and realized equity
func DefaultParams() Params {
	return Params{
		Entry:          1.5,
		Exit:           0,
		ExitPolicy:     ExitPolicyCross,
		ExitBand:       0.5,
		Sizing:         SizingEqualNotional,
		Equity:         EquityRealized,
		InitialCapital: 100000,
	}
}

// Validate 验证参数
func (p Params) Validate() error {
	if !finite(p.Entry) || p.Entry <= 0 {
		return fmt.Errorf("%w: entry threshold must be positive, got %v", ErrInvalidParams, p.Entry)
	}
	if !finite(p.Exit) || p.Exit >= p.Entry {
		return fmt.Errorf("%w: exit threshold %v must be below entry %v", ErrInvalidParams, p.Exit, p.Entry)
	}
	switch p.ExitPolicy {
	case ExitPolicyCross:
	case ExitPolicyBand:
		if !finite(p.ExitBand) || p.ExitBand <= 0 {
			return fmt.Errorf("%w: exit band must be positive, got %v", ErrInvalidParams, p.ExitBand)
		}
	default:
		return fmt.Errorf("%w: unknown exit policy %q", ErrInvalidParams, p.ExitPolicy)
	}
	if p.Sizing != SizingEqualNotional {
		return fmt.Errorf("%w: unknown sizing policy %q", ErrInvalidParams, p.Sizing)
	}
	switch p.Equity {
	case EquityRealized, EquityMarkToMarket:
	default:
		return fmt.Errorf("%w: unknown equity policy %q", ErrInvalidParams, p.Equity)
	}
	if !finite(p.Notional) || p.Notional < 0 {
		return fmt.Errorf("%w: notional must be >= 0, got %v", ErrInvalidParams, p.Notional)
	}
	if !finite(p.CostPerLeg) || p.CostPerLeg < 0 {
		return fmt.Errorf("%w: cost per leg must be >= 0, got %v", ErrInvalidParams, p.CostPerLeg)
	}
	if !finite(p.InitialCapital) || p.InitialCapital <= 0 {
		return fmt.Errorf("%w: initial capital must be positive, got %v", ErrInvalidParams, p.InitialCapital)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
