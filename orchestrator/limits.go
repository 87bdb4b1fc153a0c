package orchestrator

import (
	"errors"
	"time"
)

// Limits bound a single Run.
type Limits struct {
	// MaxRetryCount is the number of re-runs after a faulted first attempt.
	MaxRetryCount int `json:"max_retry_count"`

	// MaxCapabilityCalls caps model-initiated dispatches per attempt.
	// Calls typed directly by the user do not count.
	MaxCapabilityCalls int `json:"max_capability_calls"`

	// TokenLimit is the estimated context ceiling; zero disables budgeting.
	TokenLimit int `json:"token_limit"`

	// WarningBuffer is how far below TokenLimit the summarise notice fires.
	WarningBuffer int `json:"warning_buffer"`

	// CompletionTimeout bounds each completion request; zero disables it.
	CompletionTimeout time.Duration `json:"completion_timeout"`

	// ResultCharLimit truncates rendered capability payloads; zero disables it.
	ResultCharLimit int `json:"result_char_limit"`

	// LoopDetectionWindow is the number of recent calls checked for a
	// repeating pattern; zero disables detection.
	LoopDetectionWindow int `json:"loop_detection_window"`
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxRetryCount:       3,
		MaxCapabilityCalls:  6,
		TokenLimit:          16000,
		WarningBuffer:       2000,
		CompletionTimeout:   2 * time.Minute,
		ResultCharLimit:     8000,
		LoopDetectionWindow: 4,
	}
}

// Validate rejects negative values and a warning buffer that swallows the
// whole budget.
func (l Limits) Validate() error {
	var errs []error
	if l.MaxRetryCount < 0 {
		errs = append(errs, errors.New("max retry count must not be negative"))
	}
	if l.MaxCapabilityCalls < 0 {
		errs = append(errs, errors.New("max capability calls must not be negative"))
	}
	if l.TokenLimit < 0 || l.WarningBuffer < 0 {
		errs = append(errs, errors.New("token limit and warning buffer must not be negative"))
	}
	if l.TokenLimit > 0 && l.WarningBuffer >= l.TokenLimit {
		errs = append(errs, errors.New("warning buffer must be smaller than the token limit"))
	}
	if l.CompletionTimeout < 0 || l.ResultCharLimit < 0 || l.LoopDetectionWindow < 0 {
		errs = append(errs, errors.New("timeouts and size limits must not be negative"))
	}
	return errors.Join(errs...)
}

// warningThreshold is the estimate above which the budget notice fires.
func (l Limits) warningThreshold() int {
	return l.TokenLimit - l.WarningBuffer
}
