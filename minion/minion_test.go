package minion

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mikedilger/gossip/nostr/envelopes"
	"github.com/mikedilger/gossip/nostr/eventid"
	"github.com/mikedilger/gossip/nostr/nip11"
	"github.com/mikedilger/gossip/nostr/relayurl"
	"github.com/mikedilger/gossip/nostr/subscriptionid"
	"github.com/stretchr/testify/require"
)

func TestStateString(t *testing.T) {
	require.Equal(t, "idle", StateIdle.String())
	require.Equal(t, "subscribed", StateSubscribed.String())
	require.Equal(t, "dead", StateDead.String())
	require.Equal(t, "unknown", State(99).String())
}

func TestNextBackoffGrowsAndCaps(t *testing.T) {
	m := New(relayurl.T("wss://relay.example"), nil, nil, nil)
	m.backoff = baseBackoff

	first := m.nextBackoff()
	require.GreaterOrEqual(t, first, baseBackoff)

	for i := 0; i < 20; i++ {
		m.nextBackoff()
	}
	require.LessOrEqual(t, m.backoff, maxBackoff)
}

func TestDispatchOKDeliversToPendingPublish(t *testing.T) {
	m := New(relayurl.T("wss://relay.example"), nil, nil, nil)
	id, err := eventid.New("aa00000000000000000000000000000000000000000000000000000000000000")
	require.NoError(t, err)

	p := &pendingPublish{ok: make(chan bool, 1), reason: make(chan string, 1)}
	m.pending.Store(id.String(), p)

	m.dispatch(&envelopes.OK{EventID: id, OK: true, Reason: "stored"})

	select {
	case ok := <-p.ok:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("pending publish was never resolved")
	}
	require.Equal(t, "stored", <-p.reason)

	_, stillPending := m.pending.Load(id.String())
	require.False(t, stillPending, "OK envelope should remove the pending entry once delivered")
}

func TestDispatchClosedRemovesSubscription(t *testing.T) {
	m := New(relayurl.T("wss://relay.example"), nil, &stubOverlord{}, nil)
	subID := subscriptionid.T("sub1")
	m.subs.Store(subID.String(), &subscription{id: subID})

	m.dispatch(&envelopes.Closed{SubscriptionID: subID, Reason: "gone"})

	_, ok := m.subs.Load(subID.String())
	require.False(t, ok)
}

func TestDispatchClosedWithPermanentRejectReturnsError(t *testing.T) {
	m := New(relayurl.T("wss://relay.example"), nil, &stubOverlord{}, nil)
	subID := subscriptionid.T("sub1")
	m.subs.Store(subID.String(), &subscription{id: subID})

	err := m.dispatch(&envelopes.Closed{SubscriptionID: subID, Reason: "blocked: no thanks"})
	require.ErrorIs(t, err, errPermanentReject)
}

func TestDispatchOKWithPermanentRejectReturnsError(t *testing.T) {
	m := New(relayurl.T("wss://relay.example"), nil, nil, nil)
	id, err := eventid.New("aa00000000000000000000000000000000000000000000000000000000000000")
	require.NoError(t, err)

	dispatchErr := m.dispatch(&envelopes.OK{EventID: id, OK: false, Reason: "restricted: write access revoked"})
	require.ErrorIs(t, dispatchErr, errPermanentReject)
}

func TestClassifyErrorEscalatesPermanentRejectAndInvalidNIP11(t *testing.T) {
	require.Equal(t, SeverityMinor, classifyError(nil))
	require.Equal(t, SeverityMedium, classifyError(errors.New("dial failed")))
	require.Equal(t, SeverityMajor, classifyError(fmt.Errorf("%w: blocked: bye", errPermanentReject)))
	require.Equal(t, SeverityMajor, classifyError(fmt.Errorf("relay served an invalid nip-11 document: %w", nip11.ErrInvalidDocument)))
}

type stubOverlord struct{}

func (stubOverlord) MinionEOSE(string, subscriptionid.T)          {}
func (stubOverlord) MinionClosed(string, subscriptionid.T, string) {}
func (stubOverlord) MinionExited(string, Severity, string)         {}
func (stubOverlord) AuthPermission(string) bool                    { return false }
func (stubOverlord) NIP11Cache(string) (*nip11.Info, string)       { return nil, "" }
func (stubOverlord) StoreNIP11(string, *nip11.Info, string)        {}
