package rules

import (
	"fmt"
	"slices"
	"strings"
	"unicode"

	"github.com/proxy-audit/proxy-audit/pkg/model"
)

// State is the content of the three policy sets. A name is a member of at
// most one set. The zero State is empty and usable.
type State struct {
	sets map[model.Policy][]string
}

func newState(sets map[model.Policy][]string) State {
	st := State{sets: make(map[model.Policy][]string, 3)}
	for _, p := range model.Policies() {
		st.sets[p] = slices.Clone(sets[p])
	}
	return st
}

// Members returns the names in p in insertion order.
func (st State) Members(p model.Policy) []string {
	return slices.Clone(st.sets[p])
}

// PolicyOf returns the set containing name.
func (st State) PolicyOf(name string) (model.Policy, bool) {
	for _, p := range model.Policies() {
		if slices.Contains(st.sets[p], name) {
			return p, true
		}
	}
	return "", false
}

func (st State) Len() int {
	n := 0
	for _, p := range model.Policies() {
		n += len(st.sets[p])
	}
	return n
}

func (st State) Equal(o State) bool {
	for _, p := range model.Policies() {
		if !slices.Equal(st.sets[p], o.sets[p]) {
			return false
		}
	}
	return true
}

// Assign returns a copy of st with name moved into p, and the policy it was
// removed from ("" when it was unassigned). Assigning a name to the set it
// is already in returns an equal State.
func (st State) Assign(name string, p model.Policy) (State, model.Policy) {
	next := newState(st.sets)
	from, _ := st.PolicyOf(name)
	if from == p {
		return next, from
	}
	for _, q := range model.Policies() {
		next.sets[q] = slices.DeleteFunc(next.sets[q], func(n string) bool { return n == name })
	}
	next.sets[p] = append(next.sets[p], name)
	return next, from
}

// normalize enforces disjointness on state read from disk, which may have
// been edited by hand: the first set in DIRECT, PROXY, REJECT order keeps a
// duplicated name. Duplicates within one set collapse.
func normalize(sets map[model.Policy][]string) State {
	st := State{sets: make(map[model.Policy][]string, 3)}
	seen := make(map[string]bool)
	for _, p := range model.Policies() {
		var members []string
		for _, n := range sets[p] {
			n = strings.TrimSpace(n)
			if n == "" || seen[n] {
				continue
			}
			seen[n] = true
			members = append(members, n)
		}
		st.sets[p] = members
	}
	return st
}

// ValidateName checks that name can be written into every supported rule
// syntax.
func ValidateName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if strings.ContainsRune(trimmed, ',') {
		return "", fmt.Errorf("%w: %q contains a comma", ErrInvalidName, name)
	}
	if strings.IndexFunc(trimmed, unicode.IsControl) >= 0 {
		return "", fmt.Errorf("%w: %q contains a control character", ErrInvalidName, name)
	}
	return trimmed, nil
}
