// Package filter is a Nostr REQ query filter, grounded on the teacher's
// pkg/nostr/filter. The Tags field holds "#e", "#p", etc. filters; the
// marshaling promotes them to top-level keys the way the NIP-01 wire
// format requires instead of nesting them under a "tags" key.
package filter

import (
	"encoding/json"

	"github.com/mikedilger/gossip/nostr/event"
	"github.com/mikedilger/gossip/nostr/kind"
	"github.com/mikedilger/gossip/nostr/timestamp"
)

// TagMap holds single-letter tag filters keyed by "#e", "#p", "#d", etc.
type TagMap map[string][]string

func (t TagMap) Clone() TagMap {
	if t == nil {
		return nil
	}
	c := make(TagMap, len(t))
	for k, v := range t {
		cv := make([]string, len(v))
		copy(cv, v)
		c[k] = cv
	}
	return c
}

// T is a query where any subset of fields may be set; an unset field
// imposes no constraint.
type T struct {
	IDs     []string      `json:"ids,omitempty"`
	Kinds   []kind.T      `json:"kinds,omitempty"`
	Authors []string      `json:"authors,omitempty"`
	Tags    TagMap        `json:"-"`
	Since   *timestamp.T  `json:"since,omitempty"`
	Until   *timestamp.T  `json:"until,omitempty"`
	Limit   int           `json:"limit,omitempty"`
	Search  string        `json:"search,omitempty"`
}

func (f *T) MarshalJSON() ([]byte, error) {
	m := map[string]any{}
	if len(f.IDs) > 0 {
		m["ids"] = f.IDs
	}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	for k, v := range f.Tags {
		m[k] = v
	}
	if f.Since != nil {
		m["since"] = f.Since
	}
	if f.Until != nil {
		m["until"] = f.Until
	}
	if f.Limit > 0 {
		m["limit"] = f.Limit
	}
	if f.Search != "" {
		m["search"] = f.Search
	}
	return json.Marshal(m)
}

func (f *T) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*f = T{}
	for k, v := range raw {
		switch k {
		case "ids":
			if err := json.Unmarshal(v, &f.IDs); err != nil {
				return err
			}
		case "kinds":
			if err := json.Unmarshal(v, &f.Kinds); err != nil {
				return err
			}
		case "authors":
			if err := json.Unmarshal(v, &f.Authors); err != nil {
				return err
			}
		case "since":
			if err := json.Unmarshal(v, &f.Since); err != nil {
				return err
			}
		case "until":
			if err := json.Unmarshal(v, &f.Until); err != nil {
				return err
			}
		case "limit":
			if err := json.Unmarshal(v, &f.Limit); err != nil {
				return err
			}
		case "search":
			if err := json.Unmarshal(v, &f.Search); err != nil {
				return err
			}
		default:
			if len(k) >= 2 && k[0] == '#' {
				var vals []string
				if err := json.Unmarshal(v, &vals); err != nil {
					return err
				}
				if f.Tags == nil {
					f.Tags = TagMap{}
				}
				f.Tags[k] = vals
			}
		}
	}
	return nil
}

func (f *T) String() string {
	b, _ := json.Marshal(f)
	return string(b)
}

func contains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

func containsKind(haystack []kind.T, needle kind.T) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

// Matches reports whether ev satisfies every constraint set on f.
func (f *T) Matches(ev *event.T) bool {
	if ev == nil {
		return false
	}
	if len(f.IDs) > 0 && !contains(f.IDs, ev.ID.String()) {
		return false
	}
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, ev.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !contains(f.Authors, ev.PubKey.String()) {
		return false
	}
	for key, vals := range f.Tags {
		if len(key) < 2 {
			continue
		}
		letter := string(key[1])
		if !ev.Tags.ContainsAny(letter, vals) {
			return false
		}
	}
	if f.Since != nil && ev.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && ev.CreatedAt > *f.Until {
		return false
	}
	return true
}

func (f *T) Clone() *T {
	if f == nil {
		return nil
	}
	c := &T{
		IDs:    append([]string{}, f.IDs...),
		Kinds:  append([]kind.T{}, f.Kinds...),
		Authors: append([]string{}, f.Authors...),
		Tags:   f.Tags.Clone(),
		Limit:  f.Limit,
		Search: f.Search,
	}
	if f.Since != nil {
		s := *f.Since
		c.Since = &s
	}
	if f.Until != nil {
		u := *f.Until
		c.Until = &u
	}
	return c
}

// Equal reports deep equality of two filters, used to de-duplicate
// identical subscription requests before opening a new one.
func Equal(a, b *T) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}
