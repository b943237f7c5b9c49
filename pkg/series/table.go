package series

import (
	"fmt"
	"sort"
	"time"
)

// Table is a read-only set of price series keyed by symbol
type Table struct {
	series map[string]*PriceSeries
}

// NewTable builds a table; a symbol may appear only once
func NewTable(list ...*PriceSeries) (*Table, error) {
	t := &Table{series: make(map[string]*PriceSeries, len(list))}
	for _, s := range list {
		if s == nil {
			continue
		}
		if _, dup := t.series[s.Symbol()]; dup {
			return nil, fmt.Errorf("%w: duplicate symbol %s", ErrInvalidInput, s.Symbol())
		}
		t.series[s.Symbol()] = s
	}
	return t, nil
}

// TableFromMap builds a table from a source result
func TableFromMap(m map[string]*PriceSeries) *Table {
	t := &Table{series: make(map[string]*PriceSeries, len(m))}
	for sym, s := range m {
		if s != nil {
			t.series[sym] = s
		}
	}
	return t
}

// Symbols returns the symbols in lexical order
func (t *Table) Symbols() []string {
	out := make([]string, 0, len(t.series))
	for sym := range t.series {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Get returns the series for symbol
func (t *Table) Get(symbol string) (*PriceSeries, bool) {
	s, ok := t.series[symbol]
	return s, ok
}

// Len returns the number of symbols
func (t *Table) Len() int { return len(t.series) }

// DropShort returns a table without the symbols that have fewer than minLen observations
func (t *Table) DropShort(minLen int) *Table {
	out := &Table{series: make(map[string]*PriceSeries, len(t.series))}
	for sym, s := range t.series {
		if s.Len() >= minLen {
			out.series[sym] = s
		}
	}
	return out
}

// Aligned is the inner join of two series on timestamp
type Aligned struct {
	SymbolA string
	SymbolB string
	Times   []time.Time
	A       []float64
	B       []float64
}

// Len returns the number of joined rows
func (a *Aligned) Len() int { return len(a.Times) }

// Align joins a and b on identical timestamps, dropping rows missing in either leg
func Align(a, b *PriceSeries) *Aligned {
	n := a.Len()
	if b.Len() < n {
		n = b.Len()
	}
	out := &Aligned{
		SymbolA: a.Symbol(),
		SymbolB: b.Symbol(),
		Times:   make([]time.Time, 0, n),
		A:       make([]float64, 0, n),
		B:       make([]float64, 0, n),
	}

	// both sides are strictly increasing, so a merge walk is enough
	i, j := 0, 0
	for i < a.Len() && j < b.Len() {
		pa, pb := a.points[i], b.points[j]
		switch {
		case pa.Time.Equal(pb.Time):
			out.Times = append(out.Times, pa.Time)
			out.A = append(out.A, pa.Price)
			out.B = append(out.B, pb.Price)
			i++
			j++
		case pa.Time.Before(pb.Time):
			i++
		default:
			j++
		}
	}
	return out
}
