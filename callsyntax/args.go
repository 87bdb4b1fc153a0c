package callsyntax

import "strings"

// SplitArgs splits a raw argument body on top-level commas. Commas nested
// inside (), [] or {} do not split, so a single JSON-shaped argument stays
// whole. Each piece is trimmed of surrounding whitespace and of one pair of
// matching quotes. There is no escaping: a literal comma in plain or quoted
// text always splits.
func SplitArgs(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	var (
		args  []string
		depth int
		start int
	)
	for i := 0; i < len(raw); i++ {
		switch raw[i] {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				args = append(args, cleanArg(raw[start:i]))
				start = i + 1
			}
		}
	}
	args = append(args, cleanArg(raw[start:]))
	return args
}

func cleanArg(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if first == last && (first == '"' || first == '\'' || first == '`') {
			s = s[1 : len(s)-1]
		}
	}
	return s
}
