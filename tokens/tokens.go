// Package tokens estimates conversation size in model-context units.
//
// The estimate is a character heuristic: four bytes per token, rounded up,
// plus a small fixed overhead per turn for role framing. It is deterministic
// and monotonic (appending text never lowers the estimate), which is what the
// orchestrator needs to make budget decisions; it is not billing-accurate.
package tokens

import (
	"math/rand"
	"sort"
	"unicode/utf8"

	"github.com/martinemde/capabot/conversation"
)

const (
	// CharsPerToken is the heuristic ratio used by Estimate.
	CharsPerToken = 4

	// PerTurnOverhead approximates the role and separator tokens each turn
	// costs in a chat request.
	PerTurnOverhead = 4

	// AttachmentTokens is the flat cost charged for a binary attachment.
	AttachmentTokens = 256

	// MinTurnChars is the length below which Shorten drops a turn entirely.
	MinTurnChars = 16
)

// Estimate returns the token estimate for text.
func Estimate(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// EstimateTurn returns the token estimate for a single turn.
func EstimateTurn(turn conversation.Turn) int {
	n := Estimate(turn.Content) + PerTurnOverhead
	if turn.Attachment != nil {
		n += AttachmentTokens
	}
	return n
}

// EstimateTurns returns the token estimate for a turn sequence.
func EstimateTurns(turns []conversation.Turn) int {
	total := 0
	for _, t := range turns {
		total += EstimateTurn(t)
	}
	return total
}

// ExceedsBudget reports whether turns are estimated above limit. A limit of
// zero or less means no limit.
func ExceedsBudget(turns []conversation.Turn, limit int) bool {
	if limit <= 0 {
		return false
	}
	return EstimateTurns(turns) > limit
}

// Shorten returns a copy of turns trimmed to fit under ceiling. Each pass
// cuts a random 15-35% of the content from the front of every candidate
// turn; candidates are all turns except the last one and attachment-bearing
// turns. Turns whose content falls under MinTurnChars are removed, shortest
// first. The input is never modified. If rng is nil a time-seeded source is
// used, so results differ between calls.
func Shorten(turns []conversation.Turn, ceiling int, rng *rand.Rand) []conversation.Turn {
	out := conversation.Clone(turns)
	if ceiling <= 0 || len(out) < 2 {
		return out
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}

	for EstimateTurns(out) > ceiling {
		cut := false
		for i := 0; i < len(out)-1; i++ {
			if out[i].Terminal() || len(out[i].Content) == 0 {
				continue
			}
			fraction := 0.15 + rng.Float64()*0.20
			remove := int(float64(len(out[i].Content)) * fraction)
			if remove < 1 {
				remove = 1
			}
			out[i].Content = out[i].Content[runeStart(out[i].Content, remove):]
			cut = true
		}

		out = dropEmptied(out, ceiling)
		if !cut {
			break
		}
	}
	return out
}

// runeStart moves i forward to the next rune boundary in s.
func runeStart(s string, i int) int {
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}

// dropEmptied removes turns (other than the last) whose content has been cut
// under MinTurnChars, shortest first, stopping as soon as the sequence fits.
func dropEmptied(turns []conversation.Turn, ceiling int) []conversation.Turn {
	var emptied []int
	for i := 0; i < len(turns)-1; i++ {
		if !turns[i].Terminal() && len(turns[i].Content) < MinTurnChars {
			emptied = append(emptied, i)
		}
	}
	if len(emptied) == 0 {
		return turns
	}
	sort.SliceStable(emptied, func(a, b int) bool {
		return len(turns[emptied[a]].Content) < len(turns[emptied[b]].Content)
	})

	drop := make(map[int]bool, len(emptied))
	total := EstimateTurns(turns)
	for _, idx := range emptied {
		if total <= ceiling {
			break
		}
		drop[idx] = true
		total -= EstimateTurn(turns[idx])
	}

	kept := turns[:0:0]
	for i, t := range turns {
		if !drop[i] {
			kept = append(kept, t)
		}
	}
	return kept
}
