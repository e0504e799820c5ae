package overlord

import (
	"context"
	"testing"
	"time"

	"github.com/mikedilger/gossip/minion"
	"github.com/mikedilger/gossip/nostr/event"
	"github.com/mikedilger/gossip/nostr/nip11"
	"github.com/mikedilger/gossip/nostr/signer"
	"github.com/mikedilger/gossip/nostr/tag"
	"github.com/mikedilger/gossip/nostr/tags"
	"github.com/mikedilger/gossip/picker"
	"github.com/mikedilger/gossip/storage"
	"github.com/stretchr/testify/require"
)

func testOverlord(t *testing.T) *O {
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
	return New(store, pk, nil, sgnr)
}

func signedEvent(t *testing.T, sgnr signer.I, ev *event.T) *event.T {
	t.Helper()
	require.NoError(t, sgnr.Sign(ev))
	return ev
}

func TestHandleFollowPubkeyAddsToListAndPicker(t *testing.T) {
	o := testOverlord(t)
	o.handleFollowPubkey(FollowPubkey{Pubkey: "pk1"})

	list, err := o.store.GetPersonList(storage.FollowedList)
	require.NoError(t, err)
	require.Contains(t, list.Members, "pk1")
	require.Contains(t, o.picker.UnderCovered(), "pk1")
}

func TestHandleUnfollowPubkeyRemovesFromList(t *testing.T) {
	o := testOverlord(t)
	o.handleFollowPubkey(FollowPubkey{Pubkey: "pk1"})
	o.handleUnfollowPubkey(UnfollowPubkey{Pubkey: "pk1"})

	list, err := o.store.GetPersonList(storage.FollowedList)
	require.NoError(t, err)
	require.NotContains(t, list.Members, "pk1")
}

func TestAuthPermissionReflectsRelayApproval(t *testing.T) {
	o := testOverlord(t)
	require.False(t, o.AuthPermission("wss://unknown.example"))

	require.NoError(t, o.store.PutRelay(&storage.Relay{URL: "wss://relay.example", AuthApproved: true}))
	require.True(t, o.AuthPermission("wss://relay.example"))

	require.NoError(t, o.store.PutRelay(&storage.Relay{URL: "wss://declined.example", AuthApproved: true, AuthDeclined: true}))
	require.False(t, o.AuthPermission("wss://declined.example"))
}

func TestStoreNIP11ThenNIP11CacheRoundTrips(t *testing.T) {
	o := testOverlord(t)
	info, etag := o.NIP11Cache("wss://relay.example")
	require.Nil(t, info)
	require.Empty(t, etag)

	o.StoreNIP11("wss://relay.example", &nip11.Info{Name: "relay.example"}, `"v1"`)

	info, etag = o.NIP11Cache("wss://relay.example")
	require.NotNil(t, info)
	require.Equal(t, "relay.example", info.Name)
	require.Equal(t, `"v1"`, etag)
}

func TestHandleMinionEOSEUpdatesRelay(t *testing.T) {
	o := testOverlord(t)
	require.NoError(t, o.store.PutRelay(&storage.Relay{URL: "wss://relay.example"}))

	o.handleMinionEOSE(minionEOSE{url: "wss://relay.example"})

	r, err := o.store.GetRelay("wss://relay.example")
	require.NoError(t, err)
	require.NotZero(t, r.LastGeneralEOSEAt)
}

func TestHandleMinionExitedEscalatesRankAndPenalty(t *testing.T) {
	o := testOverlord(t)
	require.NoError(t, o.store.PutRelay(&storage.Relay{URL: "wss://relay.example", Rank: 5}))

	o.handleMinionExited(minionExitedMsg{url: "wss://relay.example", severity: minion.SeverityMajor, reason: "protocol violation"})

	r, err := o.store.GetRelay("wss://relay.example")
	require.NoError(t, err)
	require.Equal(t, 0, r.Rank)
	require.Equal(t, 1, r.FailureCount)
	require.True(t, r.AvoidanceUntil > 0)
}

func TestHandleClimbThreadStopsAtRootMarker(t *testing.T) {
	o := testOverlord(t)
	sgnr, err := signer.NewPlain(mustSecKey(t))
	require.NoError(t, err)

	leaf := signedEvent(t, sgnr, &event.T{
		CreatedAt: 1700000000,
		Kind:      1,
		Tags:      tags.T{tag.T{"e", "aa00000000000000000000000000000000000000000000000000000000000000", "", "root"}},
	})
	require.NoError(t, o.store.SaveEvent(context.Background(), leaf))

	require.NotPanics(t, func() {
		o.handleClimbThread(ClimbThread{ID: leaf.ID.String()})
	})
}

func TestHandleClimbThreadWalksUpToStoredParent(t *testing.T) {
	o := testOverlord(t)
	sgnr, err := signer.NewPlain(mustSecKey(t))
	require.NoError(t, err)

	root := signedEvent(t, sgnr, &event.T{CreatedAt: 1700000000, Kind: 1, Content: "root"})
	require.NoError(t, o.store.SaveEvent(context.Background(), root))

	reply := signedEvent(t, sgnr, &event.T{
		CreatedAt: 1700000100,
		Kind:      1,
		Tags:      tags.T{tag.T{"e", root.ID.String(), "", "root"}},
	})
	require.NoError(t, o.store.SaveEvent(context.Background(), reply))

	grandchild := signedEvent(t, sgnr, &event.T{
		CreatedAt: 1700000200,
		Kind:      1,
		Tags:      tags.T{tag.T{"e", reply.ID.String(), "", "reply"}},
	})
	require.NoError(t, o.store.SaveEvent(context.Background(), grandchild))

	require.NotPanics(t, func() {
		o.handleClimbThread(ClimbThread{ID: grandchild.ID.String()})
	})
}

func TestRunStopsOnShutdown(t *testing.T) {
	o := testOverlord(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	o.Post(Shutdown{})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}

func TestNotificationsReceivesEventProcessed(t *testing.T) {
	o := testOverlord(t)
	ev := &event.T{ID: "deadbeef"}
	o.EventProcessed(ev, "wss://relay.example")

	select {
	case n := <-o.Notifications():
		require.Equal(t, "event-processed", n.Kind)
		require.Equal(t, "wss://relay.example", n.RelayURL)
	case <-time.After(time.Second):
		t.Fatal("expected a notification")
	}
}

func mustSecKey(t *testing.T) string {
	sk, err := signer.GeneratePrivateKey()
	require.NoError(t, err)
	return sk
}
