package params

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/seedsx/market-engine/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var presets = Presets{
	"meme":     d("1000"),
	"standard": d("5000"),
	"stable":   d("10000"),
}

var defaults = Defaults{TargetPrice: d("50"), Depth: "standard", Presets: presets}

func TestBuild_Valid(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	dec, err := Build(Request{ID: "gov-2026-budget_vote", Title: " Budget ", TargetPrice: d("80"), Depth: "10000"}, defaults, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec.ID != "gov-2026-budget_vote" {
		t.Errorf("expected id=gov-2026-budget_vote, got %s", dec.ID)
	}
	if dec.Title != "Budget" {
		t.Errorf("expected trimmed title, got %q", dec.Title)
	}
	if !dec.TargetPrice.Equal(d("80")) || !dec.DepthFactor.Equal(d("10000")) {
		t.Errorf("unexpected parameters: target=%s depth=%s", dec.TargetPrice, dec.DepthFactor)
	}
	if dec.Status != model.DecisionOpen || !dec.CreatedAt.Equal(now) {
		t.Errorf("expected open decision created at %v, got %s at %v", now, dec.Status, dec.CreatedAt)
	}
}

func TestBuild_Defaults(t *testing.T) {
	dec, err := Build(Request{}, defaults, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec.ID == "" {
		t.Error("expected generated id")
	}
	if !dec.TargetPrice.Equal(d("50")) {
		t.Errorf("expected default target 50, got %s", dec.TargetPrice)
	}
	if !dec.DepthFactor.Equal(d("5000")) {
		t.Errorf("expected standard depth 5000, got %s", dec.DepthFactor)
	}
}

func TestBuild_InvalidID(t *testing.T) {
	tests := []string{
		"-leading-dash",
		"has space",
		"slash/id",
		strings.Repeat("a", 65),
	}
	for _, id := range tests {
		_, err := Build(Request{ID: id}, defaults, time.Now())
		if !errors.Is(err, ErrInvalidID) {
			t.Errorf("expected ErrInvalidID for %q, got %v", id, err)
		}
	}
}

func TestBuild_InvalidTarget(t *testing.T) {
	_, err := Build(Request{TargetPrice: d("-1")}, defaults, time.Now())
	if !errors.Is(err, ErrInvalidTargetPrice) {
		t.Errorf("expected ErrInvalidTargetPrice, got %v", err)
	}
}

func TestPresets_Depth(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"meme", "1000", false},
		{"STABLE", "10000", false},
		{" 2500 ", "2500", false},
		{"unknown", "", true},
		{"5", "", true}, // below MinDepth
		{"-100", "", true},
	}
	for _, tt := range tests {
		got, err := presets.Depth(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidDepth) {
				t.Errorf("Depth(%q): expected ErrInvalidDepth, got %v", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("Depth(%q): unexpected error: %v", tt.in, err)
			continue
		}
		if !got.Equal(d(tt.want)) {
			t.Errorf("Depth(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestPresets_Names(t *testing.T) {
	got := strings.Join(presets.Names(), ",")
	if got != "meme,standard,stable" {
		t.Errorf("expected names in depth order, got %s", got)
	}
}

func TestDepthForMove(t *testing.T) {
	// 100 shares lifting an 80-price pool by 10% (8 seeds): depth = 100*100/8.
	depth, err := DepthForMove(d("100"), d("80"), d("0.1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !depth.Equal(d("1250")) {
		t.Errorf("expected depth 1250, got %s", depth)
	}

	// The scenario market: 10 shares move an 80-price pool by 0.1 on depth 10000.
	depth, _ = DepthForMove(d("10"), d("80"), d("0.00125"))
	if !depth.Equal(d("10000")) {
		t.Errorf("expected depth 10000, got %s", depth)
	}
}

func TestDepthForMove_Floor(t *testing.T) {
	depth, err := DepthForMove(d("1"), d("100"), d("1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !depth.Equal(MinDepth) {
		t.Errorf("expected MinDepth, got %s", depth)
	}
}

func TestDepthForMove_Invalid(t *testing.T) {
	if _, err := DepthForMove(d("0"), d("80"), d("0.1")); !errors.Is(err, ErrInvalidDepth) {
		t.Errorf("expected ErrInvalidDepth, got %v", err)
	}
	if _, err := DepthForMove(d("10"), d("0"), d("0.1")); !errors.Is(err, ErrInvalidTargetPrice) {
		t.Errorf("expected ErrInvalidTargetPrice, got %v", err)
	}
	if _, err := DepthForMove(d("10"), d("80"), d("1.5")); !errors.Is(err, ErrInvalidMove) {
		t.Errorf("expected ErrInvalidMove, got %v", err)
	}
}
