package storage_test

import (
	"context"
	"errors"
	"testing"

	"github.com/mikedilger/gossip/nostr/event"
	"github.com/mikedilger/gossip/nostr/eventid"
	"github.com/mikedilger/gossip/nostr/filter"
	"github.com/mikedilger/gossip/nostr/kind"
	"github.com/mikedilger/gossip/nostr/signer"
	"github.com/mikedilger/gossip/nostr/timestamp"
	"github.com/mikedilger/gossip/storage"
	"github.com/mikedilger/gossip/xerrors"
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

func signedEvent(t *testing.T, createdAt int64, k kind.T, content string) *event.T {
	t.Helper()
	sk, err := signer.GeneratePrivateKey()
	require.NoError(t, err)
	ev := &event.T{CreatedAt: timestamp.T(createdAt), Kind: k, Content: content}
	require.NoError(t, ev.Sign(sk))
	return ev
}

func TestSaveAndGetEvent(t *testing.T) {
	b := openTestBackend(t)
	ev := signedEvent(t, 1700000000, 1, "hello")

	require.NoError(t, b.SaveEvent(context.Background(), ev))

	got, err := b.GetEvent(ev.ID)
	require.NoError(t, err)
	require.Equal(t, ev.ID, got.ID)
	require.Equal(t, ev.Content, got.Content)
}

func TestSaveEventDuplicateRejected(t *testing.T) {
	b := openTestBackend(t)
	ev := signedEvent(t, 1700000000, 1, "hello")

	require.NoError(t, b.SaveEvent(context.Background(), ev))
	err := b.SaveEvent(context.Background(), ev)
	require.ErrorIs(t, err, storage.ErrDuplicateEvent)
}

func TestGetEventNotFound(t *testing.T) {
	b := openTestBackend(t)
	id, err := eventid.New("0000000000000000000000000000000000000000000000000000000000000000")
	require.NoError(t, err)

	_, err = b.GetEvent(id)
	require.True(t, errors.Is(err, xerrors.ErrNotFound))
}

func TestDeleteEventRemovesIndexes(t *testing.T) {
	b := openTestBackend(t)
	ev := signedEvent(t, 1700000000, 1, "bye")
	require.NoError(t, b.SaveEvent(context.Background(), ev))
	require.NoError(t, b.DeleteEvent(ev.ID))

	_, err := b.GetEvent(ev.ID)
	require.True(t, errors.Is(err, xerrors.ErrNotFound))

	results, err := b.QueryEvents(context.Background(), &filter.T{Authors: []string{ev.PubKey.String()}}, 10)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestHideEventSurvivesButIsExcludedFromQueries(t *testing.T) {
	b := openTestBackend(t)
	ev := signedEvent(t, 1700000000, 1, "oops")
	require.NoError(t, b.SaveEvent(context.Background(), ev))
	require.NoError(t, b.HideEvent(ev.ID))

	got, err := b.GetEvent(ev.ID)
	require.NoError(t, err, "a hidden event is retained, not removed")
	require.True(t, got.Hidden)

	results, err := b.QueryEvents(context.Background(), &filter.T{Authors: []string{ev.PubKey.String()}}, 10)
	require.NoError(t, err)
	require.Empty(t, results, "a hidden event must not surface from a normal query")
}

func TestQueryEventsByAuthorAndKind(t *testing.T) {
	b := openTestBackend(t)
	sk, err := signer.GeneratePrivateKey()
	require.NoError(t, err)

	var saved []*event.T
	for i := 0; i < 3; i++ {
		ev := &event.T{CreatedAt: timestamp.T(1700000000 + i), Kind: 1, Content: "n"}
		require.NoError(t, ev.Sign(sk))
		require.NoError(t, b.SaveEvent(context.Background(), ev))
		saved = append(saved, ev)
	}
	other := &event.T{CreatedAt: 1700000100, Kind: 7}
	require.NoError(t, other.Sign(sk))
	require.NoError(t, b.SaveEvent(context.Background(), other))

	results, err := b.QueryEvents(context.Background(), &filter.T{
		Authors: []string{saved[0].PubKey.String()},
		Kinds:   []kind.T{1},
	}, 10)
	require.NoError(t, err)
	require.Len(t, results, 3)
}

func TestPersonListRoundTrip(t *testing.T) {
	b := openTestBackend(t)
	list, err := b.GetPersonList(storage.FollowedList)
	require.NoError(t, err)
	require.Empty(t, list.Members)

	list.Members = append(list.Members, "somepubkey")
	require.NoError(t, b.PutPersonList(list))

	reloaded, err := b.GetPersonList(storage.FollowedList)
	require.NoError(t, err)
	require.Equal(t, []string{"somepubkey"}, reloaded.Members)
}

func TestMarkEventSeenOnlyFirstTimeReturnsTrue(t *testing.T) {
	b := openTestBackend(t)
	first, err := b.MarkEventSeen("abc", "wss://relay.example")
	require.NoError(t, err)
	require.True(t, first)

	second, err := b.MarkEventSeen("abc", "wss://relay.example")
	require.NoError(t, err)
	require.False(t, second)
}

func TestOpenCompactsOnFirstRunAndRecordsTimestamp(t *testing.T) {
	b := openTestBackend(t)

	s, err := b.GetSettings()
	require.NoError(t, err)
	require.NotZero(t, s.LastCompactedAt, "a fresh database with no prior compaction should compact at startup")
}

func TestOpenSkipsCompactionWhenRecentlyCompacted(t *testing.T) {
	dir := t.TempDir()
	b, err := storage.Open(dir)
	require.NoError(t, err)

	first, err := b.GetSettings()
	require.NoError(t, err)
	require.NotZero(t, first.LastCompactedAt)
	require.NoError(t, b.Close())

	b2, err := storage.Open(dir)
	require.NoError(t, err)
	defer func() { _ = b2.Close() }()

	second, err := b2.GetSettings()
	require.NoError(t, err)
	require.Equal(t, first.LastCompactedAt, second.LastCompactedAt, "a recently-compacted database should not re-stamp on the next open")
}

func TestGetSettingsDefaults(t *testing.T) {
	b := openTestBackend(t)
	s, err := b.GetSettings()
	require.NoError(t, err)
	require.Equal(t, 2, s.RelaysPerPerson)
	require.Equal(t, 25, s.MaxRelays)
}
