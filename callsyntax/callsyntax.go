// Package callsyntax recognises capability calls embedded in free text.
//
// The wire format between the model and the orchestrator is
//
//	slug:method(arg1, arg2, ...)
//
// where slug and method are barewords ([A-Za-z0-9_]+) with no whitespace
// between the tokens. The argument body runs up to the first closing
// parenthesis; parentheses are not balanced, so an argument containing a
// literal ")" is cut short. Calls may appear anywhere in a message.
package callsyntax

import (
	"strings"
)

// Call is a capability call extracted from text.
type Call struct {
	Slug    string `json:"slug"`
	Method  string `json:"method"`
	RawArgs string `json:"raw_args"`

	// Start and End are the byte offsets of the call expression in the
	// source text (End is exclusive).
	Start int `json:"-"`
	End   int `json:"-"`
}

// Expression reproduces the call as it appeared in the source text.
func (c Call) Expression() string {
	return c.Slug + ":" + c.Method + "(" + c.RawArgs + ")"
}

// Args splits RawArgs with the default splitter.
func (c Call) Args() []string {
	return SplitArgs(c.RawArgs)
}

// Extract returns the first well-formed call in text.
func Extract(text string) (Call, bool) {
	s := scanner{src: text}
	return s.next()
}

// ExtractAll returns every non-overlapping call in text, in order of
// appearance. Only the first is ever dispatched; the rest are informational.
func ExtractAll(text string) []Call {
	s := scanner{src: text}
	var calls []Call
	for {
		call, ok := s.next()
		if !ok {
			return calls
		}
		calls = append(calls, call)
	}
}

// Contains reports whether text holds at least one call.
func Contains(text string) bool {
	_, ok := Extract(text)
	return ok
}

type scanner struct {
	src string
	pos int
}

// next scans forward from the current position for the next call. A failed
// match at one word start resumes at the following byte, which is how
// "a:b:c(x)" yields b:c(x).
func (s *scanner) next() (Call, bool) {
	for s.pos < len(s.src) {
		start := s.pos
		if !isIdentByte(s.src[start]) || (start > 0 && isIdentByte(s.src[start-1])) {
			s.pos++
			continue
		}
		if call, end, ok := matchAt(s.src, start); ok {
			s.pos = end
			return call, true
		}
		s.pos++
	}
	return Call{}, false
}

// matchAt tries to parse ident ":" ident "(" argbody ")" starting at i.
func matchAt(src string, i int) (Call, int, bool) {
	slugEnd := scanIdent(src, i)
	if slugEnd == i || slugEnd >= len(src) || src[slugEnd] != ':' {
		return Call{}, 0, false
	}
	methodStart := slugEnd + 1
	methodEnd := scanIdent(src, methodStart)
	if methodEnd == methodStart || methodEnd >= len(src) || src[methodEnd] != '(' {
		return Call{}, 0, false
	}
	argStart := methodEnd + 1
	closing := strings.IndexByte(src[argStart:], ')')
	if closing < 0 {
		return Call{}, 0, false
	}
	argEnd := argStart + closing
	return Call{
		Slug:    src[i:slugEnd],
		Method:  src[methodStart:methodEnd],
		RawArgs: src[argStart:argEnd],
		Start:   i,
		End:     argEnd + 1,
	}, argEnd + 1, true
}

func scanIdent(src string, i int) int {
	for i < len(src) && isIdentByte(src[i]) {
		i++
	}
	return i
}

func isIdentByte(b byte) bool {
	return b == '_' ||
		(b >= 'a' && b <= 'z') ||
		(b >= 'A' && b <= 'Z') ||
		(b >= '0' && b <= '9')
}
