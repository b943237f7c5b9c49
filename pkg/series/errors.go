package series

import "errors"

var (
	// ErrInvalidInput is returned for non-increasing timestamps or non-positive / infinite prices
	ErrInvalidInput = errors.New("invalid input")

	// ErrInsufficientData is returned when a series or an overlap is shorter than required
	ErrInsufficientData = errors.New("insufficient data")
)
