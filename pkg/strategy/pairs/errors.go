package pairs

import "errors"

// ErrInvalidParams is returned when thresholds, policies or capital are unusable
var ErrInvalidParams = errors.New("invalid simulation parameters")
