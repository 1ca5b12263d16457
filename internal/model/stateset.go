package model

import "fmt"

// NamedState is one entry of a StateSet: a name/integer-code pair.
type NamedState struct {
	Name  string
	Value int32
}

// StateSet is an enumeration mapping names to integer codes, used by
// State-typed tags to translate between the text and numeric forms of a
// sample carried on Value.
type StateSet struct {
	Name        string
	Description string
	States      []NamedState
}

// ByName resolves a state name to its NamedState. Returns false if the set
// has no state with that name.
func (s *StateSet) ByName(name string) (NamedState, bool) {
	for _, st := range s.States {
		if st.Name == name {
			return st, true
		}
	}
	return NamedState{}, false
}

// ByValue resolves an integer code to its NamedState.
func (s *StateSet) ByValue(value int32) (NamedState, bool) {
	for _, st := range s.States {
		if st.Value == value {
			return st, true
		}
	}
	return NamedState{}, false
}

// Validate checks that state names are unique within the set, as required
// by the data model (§3).
func (s *StateSet) Validate() error {
	seen := make(map[string]struct{}, len(s.States))
	for _, st := range s.States {
		if _, ok := seen[st.Name]; ok {
			return fmt.Errorf("model: duplicate state name %q in state set %q", st.Name, s.Name)
		}
		seen[st.Name] = struct{}{}
	}
	return nil
}
