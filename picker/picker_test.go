package picker_test

import (
	"context"
	"testing"

	"github.com/mikedilger/gossip/nostr/timestamp"
	"github.com/mikedilger/gossip/picker"
	"github.com/mikedilger/gossip/storage"
	"github.com/stretchr/testify/require"
)

func openTestBackend(t *testing.T) *storage.Backend {
	t.Helper()
	dir := t.TempDir()
	b, err := storage.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func seedFollowedPerson(t *testing.T, store *storage.Backend, pk string, relays ...string) {
	t.Helper()
	list, err := store.GetPersonList(storage.FollowedList)
	require.NoError(t, err)
	list.Members = append(list.Members, pk)
	require.NoError(t, store.PutPersonList(list))

	for _, url := range relays {
		require.NoError(t, store.PutRelay(&storage.Relay{URL: url, Rank: 5}))
		require.NoError(t, store.PutPersonRelay(&storage.PersonRelay{Pubkey: pk, URL: url, Write: true}))
	}
}

func TestRefreshScoresOutboxRelays(t *testing.T) {
	store := openTestBackend(t)
	seedFollowedPerson(t, store, "pk1", "wss://a.example", "wss://b.example")

	p := picker.New(store, picker.Config{RelaysPerPerson: 2, MaxRelays: 10})
	require.NoError(t, p.Refresh(context.Background()))

	url, ok, err := p.Pick(context.Background(), timestamp.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, []string{"wss://a.example", "wss://b.example"}, url)
}

func TestPickReturnsFalseWithNoRelays(t *testing.T) {
	store := openTestBackend(t)
	p := picker.New(store, picker.Config{})
	require.NoError(t, p.Refresh(context.Background()))

	_, ok, err := p.Pick(context.Background(), timestamp.Now())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPickSatisfiesCoverageThenStops(t *testing.T) {
	store := openTestBackend(t)
	seedFollowedPerson(t, store, "pk1", "wss://only.example")

	p := picker.New(store, picker.Config{RelaysPerPerson: 1, MaxRelays: 10})
	require.NoError(t, p.Refresh(context.Background()))

	url, ok, err := p.Pick(context.Background(), timestamp.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "wss://only.example", url)

	_, ok, err = p.Pick(context.Background(), timestamp.Now())
	require.NoError(t, err)
	require.False(t, ok, "pubkey already fully covered, picker should have nothing left to do")
}

func TestAddAndRemovePerson(t *testing.T) {
	store := openTestBackend(t)
	p := picker.New(store, picker.Config{RelaysPerPerson: 2})

	p.AddPerson("pk1")
	require.Contains(t, p.UnderCovered(), "pk1")

	p.RemovePerson("pk1")
	require.NotContains(t, p.UnderCovered(), "pk1")
}

func TestRelayDisconnectedReturnsPubkeysToPool(t *testing.T) {
	store := openTestBackend(t)
	seedFollowedPerson(t, store, "pk1", "wss://only.example")

	p := picker.New(store, picker.Config{RelaysPerPerson: 1, MaxRelays: 10})
	require.NoError(t, p.Refresh(context.Background()))

	url, ok, err := p.Pick(context.Background(), timestamp.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, p.UnderCovered())

	p.RelayDisconnected(url, 0, timestamp.Now())
	require.Contains(t, p.UnderCovered(), "pk1")
	_, assigned := p.GetAssignment(url)
	require.False(t, assigned)
}

func TestRelayDisconnectedExcludesUntilPenaltyExpires(t *testing.T) {
	store := openTestBackend(t)
	seedFollowedPerson(t, store, "pk1", "wss://only.example")

	p := picker.New(store, picker.Config{RelaysPerPerson: 1, MaxRelays: 10})
	require.NoError(t, p.Refresh(context.Background()))

	now := timestamp.Now()
	url, ok, err := p.Pick(context.Background(), now)
	require.NoError(t, err)
	require.True(t, ok)

	p.RelayDisconnected(url, 3600, now)
	_, ok, err = p.Pick(context.Background(), now)
	require.NoError(t, err)
	require.False(t, ok, "the only relay is excluded until the penalty expires")
}

func TestPickCreditsCoverageForLowRankedFourthRelay(t *testing.T) {
	store := openTestBackend(t)

	for _, r := range []struct {
		url  string
		rank int
	}{
		{"wss://a.example", 9},
		{"wss://b.example", 8},
		{"wss://c.example", 7},
		{"wss://d.example", 1},
	} {
		require.NoError(t, store.PutRelay(&storage.Relay{URL: r.url, Rank: r.rank}))
	}
	require.NoError(t, store.PutPersonRelay(&storage.PersonRelay{Pubkey: "pk1", URL: "wss://a.example", Write: true}))
	require.NoError(t, store.PutPersonRelay(&storage.PersonRelay{Pubkey: "pk1", URL: "wss://b.example", Write: true}))
	require.NoError(t, store.PutPersonRelay(&storage.PersonRelay{Pubkey: "pk1", URL: "wss://c.example", Write: true}))
	require.NoError(t, store.PutPersonRelay(&storage.PersonRelay{Pubkey: "pk1", URL: "wss://d.example", Write: true}))

	for _, pk := range []string{"pk2", "pk3", "pk4"} {
		require.NoError(t, store.PutPersonRelay(&storage.PersonRelay{Pubkey: pk, URL: "wss://d.example", Write: true}))
	}

	list, err := store.GetPersonList(storage.FollowedList)
	require.NoError(t, err)
	list.Members = append(list.Members, "pk1", "pk2", "pk3", "pk4")
	require.NoError(t, store.PutPersonList(list))

	p := picker.New(store, picker.Config{RelaysPerPerson: 1, MaxRelays: 10})
	require.NoError(t, p.Refresh(context.Background()))

	url, ok, err := p.Pick(context.Background(), timestamp.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "wss://d.example", url, "d.example accumulates the highest total score across all four followed people")

	require.NotContains(t, p.UnderCovered(), "pk1",
		"pk1 listed d.example as its fourth outbox relay; picking it must still satisfy pk1's coverage")
}

func TestSpamSafeOnlyExcludesUnmarkedRelays(t *testing.T) {
	store := openTestBackend(t)
	require.NoError(t, store.PutRelay(&storage.Relay{URL: "wss://plain.example", Rank: 5}))
	require.NoError(t, store.PutPersonRelay(&storage.PersonRelay{Pubkey: "pk1", URL: "wss://plain.example", Write: true}))
	list, err := store.GetPersonList(storage.FollowedList)
	require.NoError(t, err)
	list.Members = append(list.Members, "pk1")
	require.NoError(t, store.PutPersonList(list))

	p := picker.New(store, picker.Config{RelaysPerPerson: 1, MaxRelays: 10, SpamSafeOnly: true})
	require.NoError(t, p.Refresh(context.Background()))

	_, ok, err := p.Pick(context.Background(), timestamp.Now())
	require.NoError(t, err)
	require.False(t, ok, "relay lacks the spam-safe usage flag so it must be excluded from scoring")
}
