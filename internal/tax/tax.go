// Package tax implements the progressive exit tax charged on sells. The
// rate falls the longer a position was held, discouraging short-term
// flipping.
package tax

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidSchedule is returned for brackets that are unsorted, overlap
	// or carry a rate outside [0, 1).
	ErrInvalidSchedule = errors.New("tax: invalid schedule")

	one = decimal.NewFromInt(1)
)

// NetScale is the number of decimal places on the net amount paid out.
const NetScale int32 = 2

// Bracket applies Rate to holdings shorter than Below.
type Bracket struct {
	Below time.Duration
	Rate  decimal.Decimal
}

// Schedule is an ordered list of brackets plus the rate for anything held
// at least as long as the last bracket.
type Schedule struct {
	brackets []Bracket
	final    decimal.Decimal
}

// Breakdown is the result of taxing a sell.
type Breakdown struct {
	Gross decimal.Decimal `json:"gross"`
	Rate  decimal.Decimal `json:"rate"`
	Fee   decimal.Decimal `json:"fee"`
	Net   decimal.Decimal `json:"net"`
}

// Day is a convenience for bracket definitions.
const Day = 24 * time.Hour

// Default returns the standard schedule:
// <24h → 20%, 24h–7d → 15%, 7d–30d → 10%, >30d → 5%.
func Default() *Schedule {
	s, _ := NewSchedule([]Bracket{
		{Below: Day, Rate: decimal.New(20, -2)},
		{Below: 7 * Day, Rate: decimal.New(15, -2)},
		{Below: 30 * Day, Rate: decimal.New(10, -2)},
	}, decimal.New(5, -2))
	return s
}

// NewSchedule validates and builds a schedule. Brackets are sorted by
// duration; duplicate durations are rejected.
func NewSchedule(brackets []Bracket, final decimal.Decimal) (*Schedule, error) {
	bs := make([]Bracket, len(brackets))
	copy(bs, brackets)
	sort.Slice(bs, func(i, j int) bool { return bs[i].Below < bs[j].Below })

	for i, b := range bs {
		if b.Below <= 0 {
			return nil, fmt.Errorf("%w: bracket %d has non-positive duration", ErrInvalidSchedule, i)
		}
		if i > 0 && bs[i-1].Below == b.Below {
			return nil, fmt.Errorf("%w: duplicate bracket %s", ErrInvalidSchedule, b.Below)
		}
		if !validRate(b.Rate) {
			return nil, fmt.Errorf("%w: rate %s", ErrInvalidSchedule, b.Rate)
		}
	}
	if !validRate(final) {
		return nil, fmt.Errorf("%w: final rate %s", ErrInvalidSchedule, final)
	}
	return &Schedule{brackets: bs, final: final}, nil
}

func validRate(r decimal.Decimal) bool {
	return !r.IsNegative() && r.LessThan(one)
}

// Brackets returns a copy of the configured brackets.
func (s *Schedule) Brackets() []Bracket {
	out := make([]Bracket, len(s.brackets))
	copy(out, s.brackets)
	return out
}

// MaxRate is the highest rate the schedule can charge. Used for quotes when
// the holding age is unknown.
func (s *Schedule) MaxRate() decimal.Decimal {
	max := s.final
	for _, b := range s.brackets {
		if b.Rate.GreaterThan(max) {
			max = b.Rate
		}
	}
	return max
}

// Rate returns the tax rate for a position held for the given duration.
// Negative durations (clock skew) are treated as zero.
func (s *Schedule) Rate(held time.Duration) decimal.Decimal {
	if held < 0 {
		held = 0
	}
	for _, b := range s.brackets {
		if held < b.Below {
			return b.Rate
		}
	}
	return s.final
}

// Apply taxes gross proceeds: net = round2(gross * (1 − rate)), never
// more than gross.
func (s *Schedule) Apply(gross decimal.Decimal, held time.Duration) Breakdown {
	return ApplyRate(gross, s.Rate(held))
}

// ApplyRate taxes gross proceeds at a fixed rate. When rounding would push
// net above gross (dust sells), net falls back to gross rounded down, so
// the fee is never negative.
func ApplyRate(gross, rate decimal.Decimal) Breakdown {
	net := gross.Mul(one.Sub(rate)).Round(NetScale)
	if net.GreaterThan(gross) {
		net = gross.RoundFloor(NetScale)
	}
	return Breakdown{
		Gross: gross,
		Rate:  rate,
		Fee:   gross.Sub(net),
		Net:   net,
	}
}
