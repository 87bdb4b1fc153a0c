package completion

import (
	"github.com/martinemde/capabot/conversation"
)

// SamplingParams are per-request generation settings. Nil fields defer to the
// adapter's configured defaults.
type SamplingParams struct {
	Model       string   `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// Request is what a Client hands to an Adapter.
type Request struct {
	Provider string
	Turns    []conversation.Turn
	Sampling SamplingParams
}

// Usage reports token consumption for one request.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add combines two usage records.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
}

// Response is a completed request.
type Response struct {
	ID           string
	Model        string
	Provider     string
	Turn         conversation.Turn
	FinishReason string
	Usage        Usage
}

// Text returns the assistant content.
func (r Response) Text() string {
	return r.Turn.Content
}
