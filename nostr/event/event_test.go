package event_test

import (
	"encoding/base64"
	"testing"

	"github.com/mikedilger/gossip/nostr/event"
	"github.com/mikedilger/gossip/nostr/signer"
	"github.com/stretchr/testify/require"
	"lukechampine.com/frand"
)

func TestSignAndVerify(t *testing.T) {
	skHex, err := signer.GeneratePrivateKey()
	require.NoError(t, err)

	ev := &event.T{
		CreatedAt: 1700000000,
		Kind:      1,
		Content:   "gm",
	}
	require.NoError(t, ev.Sign(skHex))
	require.NotEmpty(t, ev.ID)
	require.NotEmpty(t, ev.Sig)

	ok, err := ev.CheckSignature()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCheckSignatureRejectsTamperedContent(t *testing.T) {
	skHex, err := signer.GeneratePrivateKey()
	require.NoError(t, err)

	ev := &event.T{CreatedAt: 1700000000, Kind: 1, Content: "original"}
	require.NoError(t, ev.Sign(skHex))

	ev.Content = "tampered"
	ok, err := ev.CheckSignature()
	require.NoError(t, err)
	require.False(t, ok, "signature must not verify once the signed id no longer matches the content")
}

func TestGetIDIsDeterministic(t *testing.T) {
	ev := &event.T{PubKey: "aa", CreatedAt: 5, Kind: 1, Content: "x"}
	first := ev.GetID()
	second := ev.GetID()
	require.Equal(t, first, second)
}

func TestSignAndVerifyAcrossRandomContentSizes(t *testing.T) {
	skHex, err := signer.GeneratePrivateKey()
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		l := frand.Intn(4096)
		ev := &event.T{
			CreatedAt: 1700000000,
			Kind:      1,
			Content:   base64.StdEncoding.EncodeToString(frand.Bytes(l)),
		}
		require.NoError(t, ev.Sign(skHex))

		ok, err := ev.CheckSignature()
		require.NoError(t, err)
		require.True(t, ok)
	}
}
