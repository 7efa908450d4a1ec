// Package params validates the market parameters a decision is created
// with and resolves named depth presets.
package params

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/seedsx/market-engine/internal/model"
)

// idRegex matches decision IDs supplied by the collaborator that owns
// decisions: 1-64 characters, letters, digits, '-' and '_'.
// Example: gov-2026-budget_vote
var idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

var (
	ErrInvalidID          = errors.New("params: invalid decision id")
	ErrInvalidTargetPrice = errors.New("params: target price must be positive")
	ErrInvalidDepth       = errors.New("params: invalid depth")
	ErrInvalidMove        = errors.New("params: price move must be in (0, 1]")
)

// MinDepth is the smallest depth factor accepted. Anything lower makes a
// single share swing the price by more than the whole target.
var MinDepth = decimal.NewFromInt(10)

// Presets maps depth names to depth factors.
type Presets map[string]decimal.Decimal

// Names lists the preset names in ascending depth order.
func (p Presets) Names() []string {
	names := make([]string, 0, len(p))
	for n := range p {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return p[names[i]].LessThan(p[names[j]]) })
	return names
}

// Depth resolves a preset name (case-insensitive) or a literal number.
func (p Presets) Depth(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if v, ok := p[strings.ToLower(s)]; ok {
		return checkDepth(v)
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q is neither a number nor one of %v", ErrInvalidDepth, s, p.Names())
	}
	return checkDepth(v)
}

func checkDepth(v decimal.Decimal) (decimal.Decimal, error) {
	if v.LessThan(MinDepth) {
		return decimal.Zero, fmt.Errorf("%w: %s is below the minimum %s", ErrInvalidDepth, v, MinDepth)
	}
	return v, nil
}

// Defaults fill in parameters a request leaves empty.
type Defaults struct {
	TargetPrice decimal.Decimal
	Depth       string
	Presets     Presets
}

// Request carries the parameters of a new decision market.
type Request struct {
	ID          string          `json:"id"` // generated when empty
	Title       string          `json:"title"`
	TargetPrice decimal.Decimal `json:"target_price"` // zero → default
	Depth       string          `json:"depth"`        // preset name or depth factor; empty → default
}

// Build validates req against the defaults and returns an open decision.
func Build(req Request, def Defaults, now time.Time) (*model.Decision, error) {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.New().String()
	}
	if !idRegex.MatchString(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, req.ID)
	}

	target := req.TargetPrice
	if target.IsZero() {
		target = def.TargetPrice
	}
	if !target.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTargetPrice, target)
	}

	depthName := req.Depth
	if strings.TrimSpace(depthName) == "" {
		depthName = def.Depth
	}
	depth, err := def.Presets.Depth(depthName)
	if err != nil {
		return nil, err
	}

	return &model.Decision{
		ID:          id,
		Title:       strings.TrimSpace(req.Title),
		TargetPrice: target,
		DepthFactor: depth,
		Status:      model.DecisionOpen,
		CreatedAt:   now,
	}, nil
}

// DepthForMove computes the depth factor at which buying shares from the
// opening supply lifts the marginal price by move (a fraction of
// targetPrice).
//
//	Δprice = slope * shares = 100 * shares / depth
//	depth  = 100 * shares / (move * targetPrice)
//
// The result is rounded to a whole number and never below MinDepth.
func DepthForMove(shares, targetPrice, move decimal.Decimal) (decimal.Decimal, error) {
	if !shares.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: shares must be positive", ErrInvalidDepth)
	}
	if !targetPrice.IsPositive() {
		return decimal.Zero, ErrInvalidTargetPrice
	}
	if !move.IsPositive() || move.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, ErrInvalidMove
	}

	depth := decimal.NewFromInt(100).Mul(shares).Div(move.Mul(targetPrice)).Round(0)
	if depth.LessThan(MinDepth) {
		return MinDepth, nil
	}
	return depth, nil
}
