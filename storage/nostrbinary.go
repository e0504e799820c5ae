package storage

import (
	"bytes"
	"encoding/gob"
	"encoding/hex"

	"github.com/mikedilger/gossip/nostr/event"
	"github.com/mikedilger/gossip/nostr/eventid"
	"github.com/mikedilger/gossip/nostr/kind"
	"github.com/mikedilger/gossip/nostr/pubkey"
	"github.com/mikedilger/gossip/nostr/tags"
	"github.com/mikedilger/gossip/nostr/timestamp"
	"github.com/mikedilger/gossip/xerrors"
)

// binaryEvent is the compact on-disk form of a stored event, adapted
// from the teacher's nostrbinary.Event: fixed-size byte arrays in
// place of hex strings for id, pubkey and signature, gob-encoded
// rather than hand-packed so the index/substore code never has to
// track field widths by hand.
type binaryEvent struct {
	ID        [32]byte
	PubKey    [32]byte
	CreatedAt timestamp.T
	Kind      kind.T
	Tags      tags.T
	Content   string
	Sig       [64]byte
	Hidden    bool
}

func encodeEvent(ev *event.T) ([]byte, error) {
	idb := ev.ID.Bytes()
	if len(idb) != 32 {
		return nil, xerrors.Storage("event id wrong length for binary encoding", nil)
	}
	pkb := ev.PubKey.Bytes()
	if len(pkb) != 32 {
		return nil, xerrors.Storage("event pubkey wrong length for binary encoding", nil)
	}
	sigb, err := hex.DecodeString(ev.Sig)
	if err != nil || len(sigb) != 64 {
		return nil, xerrors.Storage("event signature wrong length for binary encoding", err)
	}
	be := binaryEvent{
		CreatedAt: ev.CreatedAt,
		Kind:      ev.Kind,
		Tags:      ev.Tags,
		Content:   ev.Content,
		Hidden:    ev.Hidden,
	}
	copy(be.ID[:], idb)
	copy(be.PubKey[:], pkb)
	copy(be.Sig[:], sigb)

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&be); err != nil {
		return nil, xerrors.Storage("could not encode event", err)
	}
	return buf.Bytes(), nil
}

func decodeEvent(data []byte) (*event.T, error) {
	be := binaryEvent{}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&be); err != nil {
		return nil, xerrors.Storage("could not decode event", err)
	}
	return &event.T{
		ID:        eventid.FromBytes(be.ID[:]),
		PubKey:    pubkey.FromBytes(be.PubKey[:]),
		CreatedAt: be.CreatedAt,
		Kind:      be.Kind,
		Tags:      be.Tags,
		Content:   be.Content,
		Sig:       hex.EncodeToString(be.Sig[:]),
		Hidden:    be.Hidden,
	}, nil
}
