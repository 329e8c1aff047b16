package pattern

import (
	"errors"
	"fmt"
)

// ErrPatternExhausted signals that a pattern has no further occurrences.
var ErrPatternExhausted = errors.New("pattern exhausted")

// ConfigurationError reports a malformed pattern. Campaigns carrying one never activate.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid pattern %s: %s", e.Field, e.Reason)
}

func configError(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ExhaustedReason says why no further occurrence exists.
type ExhaustedReason string

const (
	ReasonInactive       ExhaustedReason = "inactive"
	ReasonMaxOccurrences ExhaustedReason = "max_occurrences"
	ReasonEndDate        ExhaustedReason = "end_date"
	ReasonSearchBound    ExhaustedReason = "search_bound"
)

// ExhaustedError is the terminal signal of a pattern. It unwraps to ErrPatternExhausted.
type ExhaustedError struct {
	PatternID string
	Reason    ExhaustedReason
}

func (e *ExhaustedError) Error() string {
	if e.PatternID == "" {
		return fmt.Sprintf("pattern exhausted: %s", e.Reason)
	}
	return fmt.Sprintf("pattern %s exhausted: %s", e.PatternID, e.Reason)
}

func (e *ExhaustedError) Unwrap() error {
	return ErrPatternExhausted
}

// IsExhausted reports whether err marks pattern exhaustion.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrPatternExhausted)
}

// IsConfigurationError reports whether err is a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
