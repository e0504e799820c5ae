package seekers

import (
	"context"
	"testing"
	"time"

	"github.com/mikedilger/gossip/nostr/event"
	"github.com/mikedilger/gossip/nostr/signer"
	"github.com/mikedilger/gossip/nostr/timestamp"
	"github.com/mikedilger/gossip/overlord"
	"github.com/mikedilger/gossip/picker"
	"github.com/mikedilger/gossip/storage"
	"github.com/stretchr/testify/require"
)

func testEnv(t *testing.T) (*storage.Backend, *overlord.O) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	sk, err := signer.GeneratePrivateKey()
	require.NoError(t, err)
	sgnr, err := signer.NewPlain(sk)
	require.NoError(t, err)

	pk := picker.New(store, picker.Config{})
	ovl := overlord.New(store, pk, nil, sgnr)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ovl.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	return store, ovl
}

func TestConfigDefaultsFillZeroFields(t *testing.T) {
	cfg := Config{}
	cfg.setDefaults()
	require.Equal(t, 10*time.Minute, cfg.MetadataInterval)
	require.Equal(t, 24*time.Hour, cfg.MetadataStale)
	require.Equal(t, 20*time.Second, cfg.EventInterval)
	require.Equal(t, 2*time.Minute, cfg.EventDeadline)
	require.Equal(t, time.Minute, cfg.WatcherInterval)
	require.Equal(t, time.Minute, cfg.DecayInterval)
	require.Equal(t, 30*time.Second, cfg.DecayStep)
}

func TestConfigDefaultsPreserveExplicitValues(t *testing.T) {
	cfg := Config{MetadataInterval: 5 * time.Minute}
	cfg.setDefaults()
	require.Equal(t, 5*time.Minute, cfg.MetadataInterval)
}

func TestWantEventOnlyRegistersOnce(t *testing.T) {
	store, ovl := testEnv(t)
	s := New(store, ovl, Config{})

	id := "aa00000000000000000000000000000000000000000000000000000000000000"
	s.WantEvent(id, []string{"wss://hint.example"})
	s.WantEvent(id, []string{"wss://other.example"})

	require.Len(t, s.pending, 1)
	require.Equal(t, []string{"wss://hint.example"}, s.pending[id].hints)
}

func TestRunEventPassDropsArrivedEvent(t *testing.T) {
	store, ovl := testEnv(t)
	s := New(store, ovl, Config{})

	sk, err := signer.GeneratePrivateKey()
	require.NoError(t, err)
	sgnr, err := signer.NewPlain(sk)
	require.NoError(t, err)
	ev := &event.T{CreatedAt: timestamp.Now(), Kind: 1, Content: "arrived"}
	require.NoError(t, sgnr.Sign(ev))
	require.NoError(t, store.SaveEvent(context.Background(), ev))

	s.WantEvent(ev.ID.String(), nil)
	require.Len(t, s.pending, 1)

	s.runEventPass()
	require.Empty(t, s.pending, "an event already in storage should be dropped from pending on the next pass")
}

func TestRunEventPassMarksUnfindableAfterDeadline(t *testing.T) {
	store, ovl := testEnv(t)
	s := New(store, ovl, Config{EventDeadline: time.Minute, EventInterval: time.Second})

	id := "bb00000000000000000000000000000000000000000000000000000000000000"
	s.WantEvent(id, nil)
	s.mu.Lock()
	s.pending[id].firstAsked = timestamp.Now() - timestamp.T(2*time.Minute/time.Second)
	s.mu.Unlock()

	s.runEventPass()

	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotZero(t, s.pending[id].retryAfter, "a pending seek past its deadline should be marked unfindable with a retry-after")
}

func TestRunDecayPassReducesAvoidanceUntil(t *testing.T) {
	store, ovl := testEnv(t)
	s := New(store, ovl, Config{DecayStep: 30 * time.Second})

	now := timestamp.Now()
	require.NoError(t, store.PutRelay(&storage.Relay{URL: "wss://penalized.example", AvoidanceUntil: now + 3600}))

	s.runDecayPass()

	r, err := store.GetRelay("wss://penalized.example")
	require.NoError(t, err)
	require.Less(t, int64(r.AvoidanceUntil), int64(now+3600))
}

func TestRunDecayPassClampsAtNow(t *testing.T) {
	store, ovl := testEnv(t)
	s := New(store, ovl, Config{DecayStep: time.Hour})

	now := timestamp.Now()
	require.NoError(t, store.PutRelay(&storage.Relay{URL: "wss://almost-done.example", AvoidanceUntil: now + 5}))

	s.runDecayPass()

	r, err := store.GetRelay("wss://almost-done.example")
	require.NoError(t, err)
	require.GreaterOrEqual(t, int64(r.AvoidanceUntil), int64(now))
}

func TestRunMetadataPassPostsForStalePerson(t *testing.T) {
	store, ovl := testEnv(t)
	s := New(store, ovl, Config{MetadataStale: time.Hour})

	list, err := store.GetPersonList(storage.FollowedList)
	require.NoError(t, err)
	list.Members = append(list.Members, "pk1")
	require.NoError(t, store.PutPersonList(list))
	require.NoError(t, store.PutPerson(&storage.Person{Pubkey: "pk1", MetadataAt: 1}))

	require.NotPanics(t, func() { s.runMetadataPass() })
}

func TestStopIsIdempotent(t *testing.T) {
	store, ovl := testEnv(t)
	s := New(store, ovl, Config{})
	require.NotPanics(t, func() {
		s.Stop()
		s.Stop()
	})
}
