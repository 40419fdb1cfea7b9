package insight

import "errors"

var (
	ErrJobNotFound        = errors.New("insight: job not found")
	ErrContextUnavailable = errors.New("insight: shared context unavailable")
	ErrUnknownCategory    = errors.New("insight: unknown category")
	ErrUnknownInsightType = errors.New("insight: unknown insight type")
	ErrNoInsightTypes     = errors.New("insight: at least one insight type required")
)
