package conversation

// State is the ordered, append-only turn sequence of one exchange. It is
// owned by a single loop invocation and is not safe for concurrent appends.
type State struct {
	turns []Turn
}

// NewState creates a State holding a copy of turns.
func NewState(turns ...Turn) *State {
	s := &State{turns: make([]Turn, len(turns))}
	copy(s.turns, turns)
	return s
}

// Append adds a turn to the end of the sequence.
func (s *State) Append(t Turn) {
	s.turns = append(s.turns, t)
}

// Last returns the most recent turn.
func (s *State) Last() (Turn, bool) {
	if len(s.turns) == 0 {
		return Turn{}, false
	}
	return s.turns[len(s.turns)-1], true
}

// Len returns the number of turns.
func (s *State) Len() int { return len(s.turns) }

// Turns returns a copy of the sequence.
func (s *State) Turns() []Turn {
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Clone copies a turn slice, including attachment pointers.
func Clone(turns []Turn) []Turn {
	if turns == nil {
		return nil
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}
