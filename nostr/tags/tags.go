// Package tags is a list of tag.T with helpers for the prefix-matching
// lookups the Event Processor and Picker need, grounded on the teacher's
// pkg/nostr/tags.
package tags

import "github.com/mikedilger/gossip/nostr/tag"

type T []tag.T

func (t T) GetFirst(prefix []string) *tag.T {
	for _, v := range t {
		if v.StartsWith(prefix) {
			return &v
		}
	}
	return nil
}

func (t T) GetLast(prefix []string) *tag.T {
	for i := len(t) - 1; i >= 0; i-- {
		if t[i].StartsWith(prefix) {
			return &t[i]
		}
	}
	return nil
}

func (t T) GetAll(prefix ...string) T {
	out := make(T, 0, len(t))
	for _, v := range t {
		if v.StartsWith(prefix) {
			out = append(out, v)
		}
	}
	return out
}

// ContainsAny reports whether any tag keyed by letter has a value
// appearing in vals, used to evaluate "#e"/"#p"-style filter clauses.
func (t T) ContainsAny(letter string, vals []string) bool {
	for _, tg := range t {
		if tg.Key() != letter {
			continue
		}
		v := tg.Value()
		for _, want := range vals {
			if v == want {
				return true
			}
		}
	}
	return false
}

func (t T) Clone() T {
	c := make(T, len(t))
	for i, v := range t {
		c[i] = v.Clone()
	}
	return c
}
