package filter_test

import (
	"testing"

	"github.com/mikedilger/gossip/nostr/event"
	"github.com/mikedilger/gossip/nostr/filter"
	"github.com/mikedilger/gossip/nostr/kind"
	"github.com/mikedilger/gossip/nostr/tag"
	"github.com/mikedilger/gossip/nostr/tags"
	"github.com/mikedilger/gossip/nostr/timestamp"
	"github.com/stretchr/testify/require"
)

func sampleEvent() *event.T {
	return &event.T{
		ID:        "abc123",
		PubKey:    "def456",
		CreatedAt: 1000,
		Kind:      1,
		Tags:      tags.T{tag.T{"e", "parent123"}},
		Content:   "hello",
	}
}

func TestFilterMatchesKind(t *testing.T) {
	ev := sampleEvent()
	f := &filter.T{Kinds: []kind.T{1}}
	require.True(t, f.Matches(ev))

	f = &filter.T{Kinds: []kind.T{7}}
	require.False(t, f.Matches(ev))
}

func TestFilterMatchesTimeBounds(t *testing.T) {
	ev := sampleEvent()
	since := timestamp.T(1001)
	f := &filter.T{Since: &since}
	require.False(t, f.Matches(ev), "event created before Since must not match")

	since = timestamp.T(999)
	f = &filter.T{Since: &since}
	require.True(t, f.Matches(ev))
}

func TestFilterMatchesTagClause(t *testing.T) {
	ev := sampleEvent()
	f := &filter.T{Tags: filter.TagMap{"#e": {"parent123"}}}
	require.True(t, f.Matches(ev))

	f = &filter.T{Tags: filter.TagMap{"#e": {"someone-else"}}}
	require.False(t, f.Matches(ev))
}

func TestFilterCloneIsIndependent(t *testing.T) {
	since := timestamp.T(500)
	f := &filter.T{IDs: []string{"a"}, Since: &since}
	c := f.Clone()
	c.IDs[0] = "b"
	*c.Since = 999

	require.Equal(t, "a", f.IDs[0])
	require.Equal(t, timestamp.T(500), *f.Since)
}

func TestFilterEqual(t *testing.T) {
	a := &filter.T{IDs: []string{"x"}, Limit: 5}
	b := &filter.T{IDs: []string{"x"}, Limit: 5}
	c := &filter.T{IDs: []string{"y"}, Limit: 5}

	require.True(t, filter.Equal(a, b))
	require.False(t, filter.Equal(a, c))
}

func TestFilterMatchesNilEvent(t *testing.T) {
	f := &filter.T{}
	require.False(t, f.Matches(nil))
}
