package pairs

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yourusername/quantlink-pairs/pkg/series"
	"github.com/yourusername/quantlink-pairs/pkg/strategy/spread"
)

// Input is one pair's aligned bars and their z-scores
type Input struct {
	Times   []time.Time
	PricesA []float64
	PricesB []float64
	ZScore  []float64
}

// InputFromSignal 从 spread 信号构造模拟输入
func InputFromSignal(sig *spread.Signal) Input {
	return Input{
		Times:   sig.Times,
		PricesA: sig.PricesA,
		PricesB: sig.PricesB,
		ZScore:  sig.ZScore,
	}
}

// Len returns the number of bars
func (in Input) Len() int { return len(in.Times) }

// Validate checks lengths, prices and timestamp order
func (in Input) Validate() error {
	n := len(in.Times)
	if len(in.PricesA) != n || len(in.PricesB) != n || len(in.ZScore) != n {
		return fmt.Errorf("%w: %d times, %d/%d prices, %d z-scores",
			series.ErrInvalidInput, n, len(in.PricesA), len(in.PricesB), len(in.ZScore))
	}
	for i := 0; i < n; i++ {
		if !validPrice(in.PricesA[i]) || !validPrice(in.PricesB[i]) {
			return fmt.Errorf("%w: price %v/%v at index %d", series.ErrInvalidInput, in.PricesA[i], in.PricesB[i], i)
		}
		if i > 0 && !in.Times[i].After(in.Times[i-1]) {
			return fmt.Errorf("%w: timestamp at index %d not after previous", series.ErrInvalidInput, i)
		}
	}
	return nil
}

func validPrice(p float64) bool {
	return p > 0 && finite(p)
}

// Simulate walks the bars in timestamp order and returns the trade ledger and equity curve.
// It is a pure function of its arguments.
func Simulate(in Input, p Params) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	capital := decimal.NewFromFloat(p.InitialCapital)
	n := in.Len()

	if n < 2 {
		pt := EquityPoint{Cash: capital, Equity: capital}
		if n == 1 {
			pt.Time = in.Times[0]
		}
		return &Result{
			Trades:  []Trade{},
			Equity:  []EquityPoint{pt},
			Summary: summarize(capital, capital, 0, decimal.Zero),
		}, nil
	}

	m := &machine{
		params:   p,
		in:       in,
		state:    Flat{},
		cash:     capital,
		cost:     decimal.NewFromFloat(p.CostPerLeg).Mul(decimal.NewFromInt(2)),
		notional: decimal.NewFromFloat(p.Notional),
		trades:   make([]Trade, 0),
		equity:   make([]EquityPoint, 0, n),
	}

	for i := 0; i < n; i++ {
		m.step(i)
		m.mark(i)
	}

	last := n - 1
	res := &Result{Trades: m.trades, Equity: m.equity}
	unrealized := decimal.Zero

	if pos, open := m.position(); open {
		if p.CloseAtEnd {
			m.close(pos, last, ExitReasonEndOfSeries)
			m.equity[last] = EquityPoint{Time: in.Times[last], Cash: m.cash, Equity: m.cash}
			res.Trades = m.trades
		} else {
			unrealized = pos.pnlAt(in.PricesA[last], in.PricesB[last])
			res.Open = &OpenPosition{
				Position:      pos,
				MarkTime:      in.Times[last],
				MarkPriceA:    in.PricesA[last],
				MarkPriceB:    in.PricesB[last],
				UnrealizedPnL: unrealized,
			}
		}
	}

	res.Summary = summarize(capital, m.cash, len(res.Trades), unrealized)
	return res, nil
}

// machine holds the mutable state of one Simulate call
type machine struct {
	params   Params
	in       Input
	state    State
	cash     decimal.Decimal
	cost     decimal.Decimal
	notional decimal.Decimal
	trades   []Trade
	equity   []EquityPoint
}

// step applies at most one transition for bar i
func (m *machine) step(i int) {
	z := m.in.ZScore[i]
	if math.IsNaN(z) {
		return
	}

	switch st := m.state.(type) {
	case Flat:
		if z > m.params.Entry {
			m.open(DirectionShort, i)
		} else if z < -m.params.Entry {
			m.open(DirectionLong, i)
		}
	case LongSpread:
		if m.shouldExit(DirectionLong, z) {
			m.close(st.Position, i, ExitReasonSignal)
		}
	case ShortSpread:
		if m.shouldExit(DirectionShort, z) {
			m.close(st.Position, i, ExitReasonSignal)
		}
	}
}

func (m *machine) shouldExit(dir Direction, z float64) bool {
	if m.params.ExitPolicy == ExitPolicyBand {
		return math.Abs(z) < m.params.ExitBand
	}
	if dir == DirectionLong {
		return z >= m.params.Exit
	}
	return z <= -m.params.Exit
}

// open sizes both legs from the allocation; a zero-sized leg skips the entry
func (m *machine) open(dir Direction, i int) {
	alloc := m.cash
	if m.notional.IsPositive() {
		alloc = m.notional
	}
	if !alloc.IsPositive() {
		return
	}

	priceA, priceB := m.in.PricesA[i], m.in.PricesB[i]
	qtyA := legQty(alloc, priceA)
	qtyB := legQty(alloc, priceB)
	if qtyA <= 0 || qtyB <= 0 {
		return
	}

	pos := Position{
		Direction:   dir,
		EntryTime:   m.in.Times[i],
		EntryIndex:  i,
		EntryPriceA: priceA,
		EntryPriceB: priceB,
		EntryZ:      m.in.ZScore[i],
		QtyA:        qtyA,
		QtyB:        qtyB,
	}
	if dir == DirectionLong {
		m.state = LongSpread{pos}
	} else {
		m.state = ShortSpread{pos}
	}
}

// legQty = floor(alloc / (2 * price))
func legQty(alloc decimal.Decimal, price float64) int64 {
	half := alloc.Div(decimal.NewFromInt(2))
	return half.Div(decimal.NewFromFloat(price)).Floor().IntPart()
}

// close realises the position at bar i; the only place cash changes
func (m *machine) close(pos Position, i int, reason ExitReason) {
	exitA, exitB := m.in.PricesA[i], m.in.PricesB[i]
	gross := pos.pnlAt(exitA, exitB)
	net := gross.Sub(m.cost)

	m.trades = append(m.trades, Trade{
		Direction:   pos.Direction,
		EntryTime:   pos.EntryTime,
		ExitTime:    m.in.Times[i],
		EntryIndex:  pos.EntryIndex,
		ExitIndex:   i,
		EntryPriceA: pos.EntryPriceA,
		EntryPriceB: pos.EntryPriceB,
		ExitPriceA:  exitA,
		ExitPriceB:  exitB,
		QtyA:        pos.QtyA,
		QtyB:        pos.QtyB,
		EntryZ:      pos.EntryZ,
		ExitZ:       m.in.ZScore[i],
		GrossPnL:    gross,
		Cost:        m.cost,
		PnL:         net,
		Reason:      reason,
	})
	m.cash = m.cash.Add(net)
	m.state = Flat{}
}

// mark appends the equity point for bar i
func (m *machine) mark(i int) {
	equity := m.cash
	if pos, open := m.position(); open && m.params.Equity == EquityMarkToMarket {
		equity = equity.Add(pos.pnlAt(m.in.PricesA[i], m.in.PricesB[i]))
	}
	m.equity = append(m.equity, EquityPoint{Time: m.in.Times[i], Cash: m.cash, Equity: equity})
}

func (m *machine) position() (Position, bool) {
	switch st := m.state.(type) {
	case LongSpread:
		return st.Position, true
	case ShortSpread:
		return st.Position, true
	default:
		return Position{}, false
	}
}

func summarize(initial, final decimal.Decimal, trades int, unrealized decimal.Decimal) Summary {
	ret, _ := final.Sub(initial).Div(initial).Mul(decimal.NewFromInt(100)).Float64()
	return Summary{
		InitialCapital: initial,
		FinalCapital:   final,
		ReturnPercent:  ret,
		TradeCount:     trades,
		UnrealizedPnL:  unrealized,
	}
}
