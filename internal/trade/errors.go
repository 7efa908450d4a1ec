package trade

import "errors"

var (
	// ErrValidation covers malformed input: bad position, non-positive
	// shares, missing user.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientFunds is returned when a buy costs more than the
	// user's balance.
	ErrInsufficientFunds = errors.New("insufficient seeds")

	// ErrInsufficientShares is returned when a sell exceeds the holding.
	ErrInsufficientShares = errors.New("insufficient shares")

	// ErrArithmetic is returned when pricing yields a non-positive or
	// otherwise impossible amount. The trade is rejected, never clamped.
	ErrArithmetic = errors.New("arithmetic error")

	// ErrConcurrencyConflict is returned when a trade kept losing races
	// with concurrent writers. The caller may retry.
	ErrConcurrencyConflict = errors.New("concurrent update, please retry")

	ErrDecisionNotFound = errors.New("decision not found")
	ErrDecisionExists   = errors.New("decision already exists")
	ErrDecisionClosed   = errors.New("decision is closed for trading")

	// ErrPositionLimit is returned when a buy would exceed a holding cap.
	ErrPositionLimit = errors.New("position limit exceeded")

	// ErrRateLimited is returned when a user trades too often.
	ErrRateLimited = errors.New("too many trades, slow down")
)
