package orchestrator

import (
	"github.com/OneOfOne/xxhash"

	"github.com/martinemde/capabot/callsyntax"
)

// callSignature identifies a call by slug, method and exact argument text.
func callSignature(call callsyntax.Call) uint64 {
	return xxhash.ChecksumString64(call.Slug + "\x00" + call.Method + "\x00" + call.RawArgs)
}

// DetectLoop reports whether the last window signatures repeat a pattern of
// length 1, 2 or 3.
func DetectLoop(sigs []uint64, window int) bool {
	if window <= 0 || len(sigs) < window {
		return false
	}
	recent := sigs[len(sigs)-window:]

	for patternLen := 1; patternLen <= 3; patternLen++ {
		if window%patternLen != 0 || window == patternLen {
			continue
		}
		match := true
		for i := patternLen; i < window && match; i++ {
			if recent[i] != recent[i%patternLen] {
				match = false
			}
		}
		if match {
			return true
		}
	}
	return false
}
