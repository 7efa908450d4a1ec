package limits

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/seedsx/market-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(1500))

	err := limiter.CheckLimit(model.PositionYes, d(100), nil)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PerPositionExceeded(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000))

	// Existing position of 950 + new 100 = 1050 > 1000.
	holdings := map[model.Position]decimal.Decimal{
		model.PositionYes: d(950),
	}

	err := limiter.CheckLimit(model.PositionYes, d(100), holdings)
	if err != ErrPositionLimitExceeded {
		t.Errorf("expected ErrPositionLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_ExactlyAtLimit(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000))

	holdings := map[model.Position]decimal.Decimal{
		model.PositionYes: d(900),
	}

	if err := limiter.CheckLimit(model.PositionYes, d(100), holdings); err != nil {
		t.Errorf("expected no error at the limit, got %v", err)
	}
}

func TestCheckLimit_DecisionExceeded(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(1500))

	// 800 NO + (600 + 200) YES = 1600 > 1500.
	holdings := map[model.Position]decimal.Decimal{
		model.PositionYes: d(600),
		model.PositionNo:  d(800),
	}

	err := limiter.CheckLimit(model.PositionYes, d(200), holdings)
	if err != ErrDecisionLimitExceeded {
		t.Errorf("expected ErrDecisionLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_SellsNeverRejected(t *testing.T) {
	limiter := NewPositionLimiter(d(10), d(10))

	holdings := map[model.Position]decimal.Decimal{
		model.PositionYes: d(50),
	}

	if err := limiter.CheckLimit(model.PositionYes, d(-5), holdings); err != nil {
		t.Errorf("expected no error for a sell, got %v", err)
	}
}

func TestCheckLimit_ZeroDisables(t *testing.T) {
	limiter := NewPositionLimiter(decimal.Zero, decimal.Zero)

	if err := limiter.CheckLimit(model.PositionNo, d(1e9), nil); err != nil {
		t.Errorf("expected no error with limits disabled, got %v", err)
	}

	var nilLimiter *PositionLimiter
	if err := nilLimiter.CheckLimit(model.PositionNo, d(1e9), nil); err != nil {
		t.Errorf("expected nil limiter to allow, got %v", err)
	}
}

func TestRateLimiter_Burst(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewRateLimiter(60, 2) // one per second, burst 2
	l.now = func() time.Time { return now }

	if !l.Allow("u1") || !l.Allow("u1") {
		t.Fatal("expected burst of 2 to be allowed")
	}
	if l.Allow("u1") {
		t.Error("expected third immediate request to be rejected")
	}
	if !l.Allow("u2") {
		t.Error("expected other users to have their own bucket")
	}

	now = now.Add(time.Second)
	if !l.Allow("u1") {
		t.Error("expected a token to refill after one second")
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	l := NewRateLimiter(0, 1)
	for i := 0; i < 100; i++ {
		if !l.Allow("u1") {
			t.Fatalf("expected unlimited, rejected at %d", i)
		}
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewRateLimiter(60, 1)
	l.now = func() time.Time { return now }

	l.Allow("idle")
	now = now.Add(5 * time.Minute)
	l.Allow("active")

	if got := l.Cleanup(3 * time.Minute); got != 1 {
		t.Errorf("expected 1 dropped visitor, got %d", got)
	}
	if _, ok := l.visitors["active"]; !ok {
		t.Error("expected active visitor to be kept")
	}
}
