package spread

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/yourusername/quantlink-pairs/pkg/series"
)

var start = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func almostEqual(a, b, tolerance float64) bool {
	return math.Abs(a-b) < tolerance
}

func mustSeries(t *testing.T, symbol string, prices ...float64) *series.PriceSeries {
	t.Helper()
	s, err := series.FromPrices(symbol, start, 24*time.Hour, prices)
	if err != nil {
		t.Fatalf("FromPrices(%s): %v", symbol, err)
	}
	return s
}

func TestCompute_DifferenceGlobal(t *testing.T) {
	a := mustSeries(t, "A", 100, 100, 100, 106, 100)
	b := mustSeries(t, "B", 100, 100, 100, 100, 100)

	sig, err := Compute(a, b, DefaultOptions())
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	wantSpread := []float64{0, 0, 0, 6, 0}
	for i, w := range wantSpread {
		if !almostEqual(sig.Spread[i], w, 1e-12) {
			t.Errorf("Spread[%d] = %f, want %f", i, sig.Spread[i], w)
		}
	}

	// mean 1.2, sample std ≈ 2.6833
	if !almostEqual(sig.Mean, 1.2, 1e-12) {
		t.Errorf("Mean = %f, want 1.2", sig.Mean)
	}
	if !almostEqual(sig.Std, 2.683282, 1e-6) {
		t.Errorf("Std = %f, want 2.683282", sig.Std)
	}
	if !almostEqual(sig.ZScore[3], 1.788854, 1e-6) {
		t.Errorf("ZScore[3] = %f, want 1.788854", sig.ZScore[3])
	}
	if !almostEqual(sig.ZScore[0], -0.447214, 1e-6) {
		t.Errorf("ZScore[0] = %f, want -0.447214", sig.ZScore[0])
	}
	if sig.HedgeRatio != 1 || sig.Intercept != 0 {
		t.Errorf("difference spread should report β=1 α=0, got %f %f", sig.HedgeRatio, sig.Intercept)
	}
}

func TestCompute_IdenticalSeriesUndefinedZ(t *testing.T) {
	a := mustSeries(t, "A", 10, 11, 12, 11, 10)
	b := mustSeries(t, "B", 10, 11, 12, 11, 10)

	sig, err := Compute(a, b, DefaultOptions())
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	for i, z := range sig.ZScore {
		if !math.IsNaN(z) {
			t.Errorf("ZScore[%d] = %f, want NaN for a constant spread", i, z)
		}
	}
}

func TestCompute_Rolling(t *testing.T) {
	a := mustSeries(t, "A", 100, 100, 100, 106, 100)
	b := mustSeries(t, "B", 100, 100, 100, 100, 100)

	opts := Options{Type: SpreadTypeDifference, Normalization: NormalizationRolling, Window: 3}
	sig, err := Compute(a, b, opts)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	// 前 W-1 个点没有完整窗口；第三个点窗口内 spread 恒为 0
	for i := 0; i < 3; i++ {
		if !math.IsNaN(sig.ZScore[i]) {
			t.Errorf("ZScore[%d] = %f, want NaN", i, sig.ZScore[i])
		}
	}
	// window [0,0,6]: mean 2, std sqrt(12)
	if !almostEqual(sig.ZScore[3], 4/math.Sqrt(12), 1e-9) {
		t.Errorf("ZScore[3] = %f, want %f", sig.ZScore[3], 4/math.Sqrt(12))
	}
	// window [0,6,0]
	if !almostEqual(sig.ZScore[4], -2/math.Sqrt(12), 1e-9) {
		t.Errorf("ZScore[4] = %f, want %f", sig.ZScore[4], -2/math.Sqrt(12))
	}

	st := sig.Stats()
	if !almostEqual(st.Mean, 2, 1e-9) || !almostEqual(st.CurrentSpread, 0, 1e-12) {
		t.Errorf("Stats() = %+v, want rolling mean 2 and spread 0", st)
	}
}

func TestCompute_Hedge(t *testing.T) {
	pb := []float64{10, 11, 13, 12, 15, 14}
	pa := make([]float64, len(pb))
	for i, p := range pb {
		pa[i] = 2*p + 3
	}

	sig, err := Compute(mustSeries(t, "A", pa...), mustSeries(t, "B", pb...), Options{Type: SpreadTypeHedge, Normalization: NormalizationGlobal})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if !almostEqual(sig.HedgeRatio, 2, 1e-9) {
		t.Errorf("HedgeRatio = %f, want 2", sig.HedgeRatio)
	}
	if !almostEqual(sig.Intercept, 3, 1e-9) {
		t.Errorf("Intercept = %f, want 3", sig.Intercept)
	}
	// 完美拟合，残差为 0，z 未定义
	for i, z := range sig.ZScore {
		if !math.IsNaN(z) {
			t.Errorf("ZScore[%d] = %f, want NaN", i, z)
		}
	}

	_, err = Compute(mustSeries(t, "A", 1, 2, 3), mustSeries(t, "B", 5, 5, 5), Options{Type: SpreadTypeHedge, Normalization: NormalizationGlobal})
	if err == nil {
		t.Fatal("expected an error for a constant hedge leg")
	}
}

func TestCompute_RatioAndLog(t *testing.T) {
	a := mustSeries(t, "A", 100, 120)
	b := mustSeries(t, "B", 50, 40)

	ratio, err := Compute(a, b, Options{Type: SpreadTypeRatio, Normalization: NormalizationGlobal})
	if err != nil {
		t.Fatalf("Compute ratio: %v", err)
	}
	if !almostEqual(ratio.Spread[0], 2, 1e-12) || !almostEqual(ratio.Spread[1], 3, 1e-12) {
		t.Errorf("ratio spread = %v, want [2 3]", ratio.Spread)
	}

	logSig, err := Compute(a, b, Options{Type: SpreadTypeLog, Normalization: NormalizationGlobal})
	if err != nil {
		t.Fatalf("Compute log: %v", err)
	}
	if !almostEqual(logSig.Spread[1], math.Log(3), 1e-12) {
		t.Errorf("log spread = %f, want %f", logSig.Spread[1], math.Log(3))
	}
}

func TestCompute_ShortInput(t *testing.T) {
	sig, err := Compute(mustSeries(t, "A", 100), mustSeries(t, "B", 90), DefaultOptions())
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if sig.Len() != 1 || !math.IsNaN(sig.ZScore[0]) {
		t.Errorf("single bar should give one undefined z-score, got %v", sig.ZScore)
	}

	empty, err := Compute(mustSeries(t, "A"), mustSeries(t, "B", 1, 2), DefaultOptions())
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if empty.Len() != 0 {
		t.Errorf("Len() = %d, want 0", empty.Len())
	}
	if st := empty.Stats(); !math.IsNaN(st.ZScore) {
		t.Errorf("empty Stats().ZScore = %f, want NaN", st.ZScore)
	}
}

func TestCompute_AlignsOnTimestamp(t *testing.T) {
	a := series.MustNew("A", []series.Point{
		{Time: start, Price: 10},
		{Time: start.Add(time.Hour), Price: 11},
		{Time: start.Add(2 * time.Hour), Price: 12},
	})
	b := series.MustNew("B", []series.Point{
		{Time: start.Add(time.Hour), Price: 5},
		{Time: start.Add(2 * time.Hour), Price: 6},
		{Time: start.Add(3 * time.Hour), Price: 7},
	})

	sig, err := Compute(a, b, DefaultOptions())
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if sig.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", sig.Len())
	}
	if sig.Spread[0] != 6 || sig.Spread[1] != 6 {
		t.Errorf("Spread = %v, want [6 6]", sig.Spread)
	}
}

func TestComputeAligned_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		al   *series.Aligned
	}{
		{name: "nil", al: nil},
		{name: "length mismatch", al: &series.Aligned{Times: []time.Time{start}, A: []float64{1, 2}, B: []float64{1}}},
		{name: "zero price", al: &series.Aligned{Times: []time.Time{start}, A: []float64{0}, B: []float64{1}}},
		{name: "infinite price", al: &series.Aligned{Times: []time.Time{start}, A: []float64{1}, B: []float64{math.Inf(1)}}},
		{name: "repeated time", al: &series.Aligned{Times: []time.Time{start, start}, A: []float64{1, 1}, B: []float64{1, 1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ComputeAligned(tt.al, DefaultOptions())
			if !errors.Is(err, series.ErrInvalidInput) {
				t.Errorf("err = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{name: "default", opts: DefaultOptions()},
		{name: "rolling", opts: Options{Type: SpreadTypeLog, Normalization: NormalizationRolling, Window: 5}},
		{name: "rolling window too small", opts: Options{Type: SpreadTypeDifference, Normalization: NormalizationRolling, Window: 1}, wantErr: true},
		{name: "unknown type", opts: Options{Type: "spline", Normalization: NormalizationGlobal}, wantErr: true},
		{name: "unknown normalization", opts: Options{Type: SpreadTypeDifference, Normalization: "ewma"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func BenchmarkCompute(b *testing.B) {
	pa := make([]float64, 500)
	pb := make([]float64, 500)
	for i := range pa {
		pa[i] = 100 + math.Sin(float64(i)/10)
		pb[i] = 100 + math.Cos(float64(i)/10)
	}
	sa, _ := series.FromPrices("A", start, time.Minute, pa)
	sb, _ := series.FromPrices("B", start, time.Minute, pb)
	opts := Options{Type: SpreadTypeDifference, Normalization: NormalizationRolling, Window: 20}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Compute(sa, sb, opts)
	}
}
