// Package filters is a list of filter.T sent together in a single REQ,
// grounded on the teacher's pkg/nostr/filters.
package filters

import (
	"encoding/json"

	"github.com/mikedilger/gossip/nostr/event"
	"github.com/mikedilger/gossip/nostr/filter"
)

type T []*filter.T

func (fs T) String() string {
	b, _ := json.Marshal(fs)
	return string(b)
}

// Match reports whether ev satisfies at least one of the filters.
func (fs T) Match(ev *event.T) bool {
	for _, f := range fs {
		if f.Matches(ev) {
			return true
		}
	}
	return false
}

// Clone deep-copies every filter in the list, so a caller can narrow
// Since on resubscribe without mutating the original.
func (fs T) Clone() T {
	c := make(T, len(fs))
	for i, f := range fs {
		c[i] = f.Clone()
	}
	return c
}
