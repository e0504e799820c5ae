package processor_test

import (
	"context"
	"testing"

	"github.com/mikedilger/gossip/nostr/event"
	"github.com/mikedilger/gossip/nostr/filter"
	"github.com/mikedilger/gossip/nostr/kind"
	"github.com/mikedilger/gossip/nostr/signer"
	"github.com/mikedilger/gossip/nostr/tag"
	"github.com/mikedilger/gossip/nostr/tags"
	"github.com/mikedilger/gossip/processor"
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

func newSigner(t *testing.T) signer.I {
	t.Helper()
	sk, err := signer.GeneratePrivateKey()
	require.NoError(t, err)
	sgnr, err := signer.NewPlain(sk)
	require.NoError(t, err)
	return sgnr
}

func sign(t *testing.T, sgnr signer.I, ev *event.T) *event.T {
	t.Helper()
	require.NoError(t, sgnr.Sign(ev))
	return ev
}

func TestProcessStoresNewEvent(t *testing.T) {
	store := openTestBackend(t)
	p := processor.New(store, nil, nil, nil)
	sgnr := newSigner(t)

	ev := sign(t, sgnr, &event.T{CreatedAt: 1700000000, Kind: 1, Content: "hello"})

	res, err := p.Process(context.Background(), ev, "wss://relay.example", "")
	require.NoError(t, err)
	require.Equal(t, processor.OutcomeStored, res.Outcome)

	got, err := store.GetEvent(ev.ID)
	require.NoError(t, err)
	require.Equal(t, ev.Content, got.Content)
}

func TestProcessDeduplicatesBySeenEdge(t *testing.T) {
	store := openTestBackend(t)
	p := processor.New(store, nil, nil, nil)
	sgnr := newSigner(t)

	ev := sign(t, sgnr, &event.T{CreatedAt: 1700000000, Kind: 1, Content: "hello"})

	_, err := p.Process(context.Background(), ev, "wss://relay.example", "")
	require.NoError(t, err)

	res, err := p.Process(context.Background(), ev, "wss://relay.example", "")
	require.NoError(t, err)
	require.Equal(t, processor.OutcomeDuplicate, res.Outcome)
}

func TestProcessRejectsTamperedSignature(t *testing.T) {
	store := openTestBackend(t)
	p := processor.New(store, nil, nil, nil)
	sgnr := newSigner(t)

	ev := sign(t, sgnr, &event.T{CreatedAt: 1700000000, Kind: 1, Content: "hello"})
	ev.Content = "tampered"

	res, err := p.Process(context.Background(), ev, "wss://relay.example", "")
	require.NoError(t, err)
	require.Equal(t, processor.OutcomeInvalidSignature, res.Outcome)
}

type denyGate struct{}

func (denyGate) Check(context.Context, processor.GateRequest) processor.Verdict {
	return processor.VerdictDeny
}

func TestProcessHonorsGateDenial(t *testing.T) {
	store := openTestBackend(t)
	p := processor.New(store, denyGate{}, nil, nil)
	sgnr := newSigner(t)

	ev := sign(t, sgnr, &event.T{CreatedAt: 1700000000, Kind: 1, Content: "spam"})

	res, err := p.Process(context.Background(), ev, "wss://relay.example", "")
	require.NoError(t, err)
	require.Equal(t, processor.OutcomeDenied, res.Outcome)

	_, err = store.GetEvent(ev.ID)
	require.Error(t, err)
}

func TestProcessReplaceableKeepsNewestOnly(t *testing.T) {
	store := openTestBackend(t)
	p := processor.New(store, nil, nil, nil)
	sgnr := newSigner(t)

	older := sign(t, sgnr, &event.T{CreatedAt: 1700000000, Kind: kind.ProfileMetadata, Content: "old"})
	_, err := p.Process(context.Background(), older, "wss://relay.example", "")
	require.NoError(t, err)

	newer := sign(t, sgnr, &event.T{CreatedAt: 1700000100, Kind: kind.ProfileMetadata, Content: "new"})
	res, err := p.Process(context.Background(), newer, "wss://relay.example", "")
	require.NoError(t, err)
	require.Equal(t, processor.OutcomeStored, res.Outcome)

	_, err = store.GetEvent(older.ID)
	require.Error(t, err, "the older profile-metadata event should have been superseded and deleted")

	got, err := store.GetEvent(newer.ID)
	require.NoError(t, err)
	require.Equal(t, "new", got.Content)
}

func TestProcessReplaceableRejectsStaleEvent(t *testing.T) {
	store := openTestBackend(t)
	p := processor.New(store, nil, nil, nil)
	sgnr := newSigner(t)

	newer := sign(t, sgnr, &event.T{CreatedAt: 1700000100, Kind: kind.ProfileMetadata, Content: "new"})
	_, err := p.Process(context.Background(), newer, "wss://relay.example", "")
	require.NoError(t, err)

	older := sign(t, sgnr, &event.T{CreatedAt: 1700000000, Kind: kind.ProfileMetadata, Content: "old"})
	res, err := p.Process(context.Background(), older, "wss://relay.example", "")
	require.NoError(t, err)
	require.Equal(t, processor.OutcomeSuperseded, res.Outcome)

	got, err := store.GetEvent(newer.ID)
	require.NoError(t, err)
	require.Equal(t, "new", got.Content)
}

func TestProcessDeletionHidesTargetFromSameAuthor(t *testing.T) {
	store := openTestBackend(t)
	p := processor.New(store, nil, nil, nil)
	sgnr := newSigner(t)

	target := sign(t, sgnr, &event.T{CreatedAt: 1700000000, Kind: 1, Content: "oops"})
	_, err := p.Process(context.Background(), target, "wss://relay.example", "")
	require.NoError(t, err)

	del := sign(t, sgnr, &event.T{
		CreatedAt: 1700000100,
		Kind:      kind.Deletion,
		Tags:      tags.T{tag.T{"e", target.ID.String()}},
	})
	res, err := p.Process(context.Background(), del, "wss://relay.example", "")
	require.NoError(t, err)
	require.Equal(t, processor.OutcomeDeletion, res.Outcome)

	got, err := store.GetEvent(target.ID)
	require.NoError(t, err, "a hidden event is flagged, not physically removed")
	require.True(t, got.Hidden)

	results, err := store.QueryEvents(context.Background(), &filter.T{IDs: []string{target.ID.String()}}, 10)
	require.NoError(t, err)
	require.Empty(t, results, "hidden events must not surface from a normal query")
}

func TestProcessEphemeralEventIsNeverPersisted(t *testing.T) {
	store := openTestBackend(t)
	p := processor.New(store, nil, nil, nil)
	sgnr := newSigner(t)

	ev := sign(t, sgnr, &event.T{CreatedAt: 1700000000, Kind: 20000, Content: "ephemeral"})

	res, err := p.Process(context.Background(), ev, "wss://relay.example", "")
	require.NoError(t, err)
	require.Equal(t, processor.OutcomeEphemeral, res.Outcome)

	_, err = store.GetEvent(ev.ID)
	require.Error(t, err)
}

type capturingSeeker struct {
	sought []string
	climbed []string
}

func (s *capturingSeeker) Seek(id string, hints []string) { s.sought = append(s.sought, id) }
func (s *capturingSeeker) ClimbThread(id string)          { s.climbed = append(s.climbed, id) }

func TestProcessTriggersSeekForMissingReference(t *testing.T) {
	store := openTestBackend(t)
	seeker := &capturingSeeker{}
	p := processor.New(store, nil, seeker, nil)
	sgnr := newSigner(t)

	missing := "ff00000000000000000000000000000000000000000000000000000000000000"
	ev := sign(t, sgnr, &event.T{
		CreatedAt: 1700000000,
		Kind:      1,
		Tags:      tags.T{tag.T{"e", missing, "", "root"}},
	})

	_, err := p.Process(context.Background(), ev, "wss://relay.example", "")
	require.NoError(t, err)
	require.Contains(t, seeker.sought, missing)
	require.Empty(t, seeker.climbed, "a root-marked e-tag means the thread root is already known, no climb needed")
}
