// Package spread turns two aligned price legs into a spread and its z-score
package spread

import (
	"fmt"

	"github.com/yourusername/quantlink-pairs/pkg/series"
)

// SpreadType 定义 spread 计算类型
type SpreadType string

const (
	// SpreadTypeDifference 差价 spread: priceA - priceB
	SpreadTypeDifference SpreadType = "difference"

	// SpreadTypeHedge 对冲 spread: priceA - (β * priceB + α)，β/α 由全样本 OLS 得到
	SpreadTypeHedge SpreadType = "hedge"

	// SpreadTypeRatio 比率 spread: priceA / priceB
	SpreadTypeRatio SpreadType = "ratio"

	// SpreadTypeLog 对数 spread: log(priceA) - log(priceB)
	// 常用于协整分析
	SpreadTypeLog SpreadType = "log"
)

// Normalization selects how the spread is turned into a z-score
type Normalization string

const (
	// NormalizationGlobal uses the full-sample mean and sample std (look-ahead)
	NormalizationGlobal Normalization = "global"

	// NormalizationRolling uses a trailing window ending at each bar
	NormalizationRolling Normalization = "rolling"
)

// Options fixes the spread and normalisation variant for a run
type Options struct {
	Type          SpreadType    `yaml:"type" mapstructure:"type" json:"type"`
	Normalization Normalization `yaml:"normalization" mapstructure:"normalization" json:"normalization"`
	Window        int           `yaml:"window" mapstructure:"window" json:"window"`
}

// DefaultOptions returns the plain difference spread with global normalisation
func DefaultOptions() Options {
	return Options{
		Type:          SpreadTypeDifference,
		Normalization: NormalizationGlobal,
		Window:        20,
	}
}

// Validate 验证参数
func (o Options) Validate() error {
	switch o.Type {
	case SpreadTypeDifference, SpreadTypeHedge, SpreadTypeRatio, SpreadTypeLog:
	default:
		return fmt.Errorf("%w: unknown spread type %q", series.ErrInvalidInput, o.Type)
	}
	switch o.Normalization {
	case NormalizationGlobal:
	case NormalizationRolling:
		if o.Window < 2 {
			return fmt.Errorf("%w: rolling window must be at least 2, got %d", series.ErrInvalidInput, o.Window)
		}
	default:
		return fmt.Errorf("%w: unknown normalization %q", series.ErrInvalidInput, o.Normalization)
	}
	return nil
}

// SpreadStats spread 统计信息（最后一根 bar）
type SpreadStats struct {
	CurrentSpread float64 // 当前 spread 值
	Mean          float64 // Spread 均值
	Std           float64 // Spread 标准差
	ZScore        float64 // Z-Score
	Correlation   float64 // 价格相关系数
	HedgeRatio    float64 // 对冲比率（Beta）
}
