package stats

import "errors"

var (
	// ErrDegenerateStatistic is returned when a statistic is undefined for the input
	// (zero variance or a singular regression)
	ErrDegenerateStatistic = errors.New("degenerate statistic")

	// ErrSampleTooShort is returned when a test needs more observations than supplied
	ErrSampleTooShort = errors.New("sample too short")
)
