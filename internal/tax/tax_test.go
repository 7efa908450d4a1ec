package tax_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedsx/market-engine/internal/tax"
)

func TestDefault_Boundaries(t *testing.T) {
	s := tax.Default()

	tests := []struct {
		name string
		held time.Duration
		rate string
	}{
		{"just opened", 0, "0.2"},
		{"23h59m", 23*time.Hour + 59*time.Minute, "0.2"},
		{"exactly 24h", 24 * time.Hour, "0.15"},
		{"25h", 25 * time.Hour, "0.15"},
		{"6d23h", 6*tax.Day + 23*time.Hour, "0.15"},
		{"7d", 7 * tax.Day, "0.1"},
		{"29d", 29 * tax.Day, "0.1"},
		{"30d", 30 * tax.Day, "0.05"},
		{"31d", 31 * tax.Day, "0.05"},
		{"clock skew", -time.Minute, "0.2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, s.Rate(tt.held).Equal(decimal.RequireFromString(tt.rate)),
				"rate for %s: got %s want %s", tt.held, s.Rate(tt.held), tt.rate)
		})
	}
}

func TestApply_ImmediateSellScenario(t *testing.T) {
	b := tax.Default().Apply(decimal.RequireFromString("800.5"), 0)

	assert.Equal(t, "640.4", b.Net.String())
	assert.Equal(t, "160.1", b.Fee.String())
	assert.True(t, b.Gross.Equal(b.Net.Add(b.Fee)))
}

func TestApply_RoundsNetToCents(t *testing.T) {
	b := tax.ApplyRate(decimal.RequireFromString("10.123456"), decimal.RequireFromString("0.15"))
	assert.Equal(t, "8.6", b.Net.String()) // 8.6049376
	assert.True(t, b.Fee.Add(b.Net).Equal(b.Gross))
}

func TestApply_NetNeverExceedsGross(t *testing.T) {
	s := tax.Default()
	for _, g := range []string{"0.00000001", "0.004", "1", "99.99", "123456.78901234"} {
		gross := decimal.RequireFromString(g)
		for _, held := range []time.Duration{0, 2 * tax.Day, 10 * tax.Day, 60 * tax.Day} {
			b := s.Apply(gross, held)
			assert.True(t, b.Net.LessThan(gross) || gross.IsZero(), "net %s >= gross %s", b.Net, gross)
			assert.False(t, b.Net.IsNegative())
		}
	}
}

func TestApply_DustNeverRoundsUp(t *testing.T) {
	tests := []struct {
		gross string
		rate  string
		net   string
	}{
		{"0.019", "0.2", "0.01"}, // round2(0.0152) is 0.02
		{"0.01900001", "0.2", "0.01"},
		{"0.006", "0.05", "0"},
		{"0.025", "0.2", "0.02"},
		{"0.005", "0", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.gross+"@"+tt.rate, func(t *testing.T) {
			b := tax.ApplyRate(decimal.RequireFromString(tt.gross), decimal.RequireFromString(tt.rate))
			assert.True(t, b.Net.Equal(decimal.RequireFromString(tt.net)), "net %s", b.Net)
			assert.True(t, b.Net.LessThanOrEqual(b.Gross))
			assert.False(t, b.Fee.IsNegative(), "fee %s", b.Fee)
			assert.True(t, b.Fee.Add(b.Net).Equal(b.Gross))
		})
	}
}

func TestNewSchedule_Validation(t *testing.T) {
	_, err := tax.NewSchedule([]tax.Bracket{{Below: tax.Day, Rate: decimal.NewFromInt(1)}}, decimal.Zero)
	require.ErrorIs(t, err, tax.ErrInvalidSchedule)

	_, err = tax.NewSchedule([]tax.Bracket{
		{Below: tax.Day, Rate: decimal.RequireFromString("0.2")},
		{Below: tax.Day, Rate: decimal.RequireFromString("0.1")},
	}, decimal.Zero)
	require.ErrorIs(t, err, tax.ErrInvalidSchedule)

	_, err = tax.NewSchedule(nil, decimal.RequireFromString("-0.1"))
	require.ErrorIs(t, err, tax.ErrInvalidSchedule)
}

func TestNewSchedule_SortsBrackets(t *testing.T) {
	s, err := tax.NewSchedule([]tax.Bracket{
		{Below: 7 * tax.Day, Rate: decimal.RequireFromString("0.1")},
		{Below: tax.Day, Rate: decimal.RequireFromString("0.3")},
	}, decimal.RequireFromString("0.01"))
	require.NoError(t, err)

	assert.Equal(t, "0.3", s.Rate(time.Hour).String())
	assert.Equal(t, "0.1", s.Rate(2*tax.Day).String())
	assert.Equal(t, "0.01", s.Rate(8*tax.Day).String())
	assert.Equal(t, "0.3", s.MaxRate().String())
}
