package orchestrator

import (
	"fmt"
	"unicode/utf8"
)

// TruncateResult keeps the head and tail of output when it exceeds maxChars
// bytes, replacing the middle with a marker. A non-positive maxChars leaves
// the output untouched. Cuts land on rune boundaries.
func TruncateResult(output string, maxChars int) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}

	half := maxChars / 2
	head := output[:runeFloor(output, half)]
	tail := output[runeCeil(output, len(output)-half):]
	removed := len(output) - len(head) - len(tail)

	return head +
		fmt.Sprintf("\n\n[WARNING: capability output was truncated. %d characters were removed from the middle. "+
			"Call the capability again with narrower arguments if you need the missing part.]\n\n", removed) +
		tail
}

func runeFloor(s string, i int) int {
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

func runeCeil(s string, i int) int {
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}
