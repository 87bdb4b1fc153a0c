package completion

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/martinemde/capabot/tokens"
)

// TokenCounter counts tokens in text for usage reporting.
type TokenCounter interface {
	Count(text string) int
}

// HeuristicCounter uses the conversation accountant's character heuristic.
type HeuristicCounter struct{}

func (HeuristicCounter) Count(text string) int {
	return tokens.Estimate(text)
}

// BPECounter counts with a tiktoken encoding. The encoding is loaded on first
// use; if it cannot be loaded (for example, no network to fetch the ranks
// file) counting falls back to the heuristic.
type BPECounter struct {
	encoding string
	once     sync.Once
	enc      *tiktoken.Tiktoken
}

// NewBPECounter returns a counter for the named tiktoken encoding, such as
// "cl100k_base" or "o200k_base".
func NewBPECounter(encoding string) *BPECounter {
	return &BPECounter{encoding: encoding}
}

func (c *BPECounter) Count(text string) int {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(c.encoding)
		if err == nil {
			c.enc = enc
		}
	})
	if c.enc == nil {
		return tokens.Estimate(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// CounterForModel picks the BPE encoding tiktoken associates with model,
// defaulting to cl100k_base for models it does not know. Nothing is loaded
// until the first Count.
func CounterForModel(model string) TokenCounter {
	if name, ok := tiktoken.MODEL_TO_ENCODING[model]; ok {
		return NewBPECounter(name)
	}
	best, encoding := "", tiktoken.MODEL_CL100K_BASE
	for prefix, name := range tiktoken.MODEL_PREFIX_TO_ENCODING {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best, encoding = prefix, name
		}
	}
	return NewBPECounter(encoding)
}
