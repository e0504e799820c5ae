// Package event defines the Nostr event envelope: canonical
// serialization, id hashing and Schnorr signing/verification, grounded
// on the teacher's pkg/nostr/event. Signing uses
// github.com/btcsuite/btcd/btcec/v2/schnorr in place of the teacher's
// unresolvable in-house EC fork.
package event

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/mikedilger/gossip/nostr/eventid"
	"github.com/mikedilger/gossip/nostr/kind"
	"github.com/mikedilger/gossip/nostr/pubkey"
	"github.com/mikedilger/gossip/nostr/tags"
	"github.com/mikedilger/gossip/nostr/timestamp"
	"github.com/mikedilger/gossip/xlog"
	"github.com/minio/sha256-simd"
)

var log, chk = xlog.New(os.Stderr)

// Hash returns the SHA-256 digest of in, using the SIMD-accelerated
// implementation the teacher uses for event id hashing.
func Hash(in []byte) []byte {
	h := sha256.Sum256(in)
	return h[:]
}

// T is a single signed Nostr event.
type T struct {
	ID        eventid.T   `json:"id"`
	PubKey    pubkey.T    `json:"pubkey"`
	CreatedAt timestamp.T `json:"created_at"`
	Kind      kind.T      `json:"kind"`
	Tags      tags.T      `json:"tags"`
	Content   string      `json:"content"`
	Sig       string      `json:"sig"`

	// Hidden marks an event a kind-5 deletion has flagged as retracted.
	// It is storage-internal bookkeeping, never part of the signed
	// canonical form or the wire envelope.
	Hidden bool `json:"-"`
}

// Ascending sorts events oldest first.
type Ascending []*T

func (e Ascending) Len() int           { return len(e) }
func (e Ascending) Less(i, j int) bool { return e[i].CreatedAt < e[j].CreatedAt }
func (e Ascending) Swap(i, j int)      { e[i], e[j] = e[j], e[i] }

// Descending sorts events newest first.
type Descending []*T

func (e Descending) Len() int           { return len(e) }
func (e Descending) Less(i, j int) bool { return e[i].CreatedAt > e[j].CreatedAt }
func (e Descending) Swap(i, j int)      { e[i], e[j] = e[j], e[i] }

// Serialize returns the full JSON encoding of the event, field order
// matching the struct above.
func (ev *T) Serialize() []byte {
	b, _ := json.Marshal(ev)
	return b
}

// canonicalField writes a single JSON-encoded value to buf, reusing
// encoding/json's scalar escaping which matches NIP-01's canonical form
// for strings, numbers and tag arrays.
func canonicalField(buf *bytes.Buffer, v any) {
	b, _ := json.Marshal(v)
	buf.Write(b)
}

// ToCanonical returns the [0,pubkey,created_at,kind,tags,content] array
// whose SHA-256 hash is the event id, per NIP-01.
func (ev *T) ToCanonical() []byte {
	var buf bytes.Buffer
	buf.WriteByte('[')
	buf.WriteByte('0')
	buf.WriteByte(',')
	canonicalField(&buf, ev.PubKey.String())
	buf.WriteByte(',')
	canonicalField(&buf, ev.CreatedAt.I64())
	buf.WriteByte(',')
	canonicalField(&buf, ev.Kind.ToUint32())
	buf.WriteByte(',')
	if ev.Tags == nil {
		buf.WriteString("[]")
	} else {
		canonicalField(&buf, ev.Tags)
	}
	buf.WriteByte(',')
	canonicalField(&buf, ev.Content)
	buf.WriteByte(']')
	return buf.Bytes()
}

// GetIDBytes returns the raw SHA-256 hash of the canonical encoding.
func (ev *T) GetIDBytes() []byte {
	return Hash(ev.ToCanonical())
}

// GetID computes and returns the event id without mutating ev.
func (ev *T) GetID() eventid.T {
	return eventid.FromBytes(ev.GetIDBytes())
}

// CheckSignature verifies that ev.ID matches the canonical hash of ev's
// fields and that ev.Sig is a valid signature over that hash, reporting
// whether both checks passed as well as any parse error encountered
// along the way.
func (ev *T) CheckSignature() (valid bool, err error) {
	if ev.GetID() != ev.ID {
		log.D.F("event id %q does not match computed id %q", ev.ID, ev.GetID())
		return false, nil
	}
	pkBytes := ev.PubKey.Bytes()
	if len(pkBytes) != 32 {
		err = fmt.Errorf("event pubkey %q is invalid hex", ev.PubKey)
		log.E.Ln(err)
		return
	}
	pk, err := schnorr.ParsePubKey(pkBytes)
	if chk.E(err) {
		err = fmt.Errorf("event has invalid pubkey %q: %w", ev.PubKey, err)
		return
	}
	sigBytes, err := hex.DecodeString(ev.Sig)
	if chk.E(err) {
		err = fmt.Errorf("signature %q is invalid hex: %w", ev.Sig, err)
		return
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if chk.E(err) {
		err = fmt.Errorf("failed to parse signature: %w", err)
		return
	}
	valid = sig.Verify(ev.GetIDBytes(), pk)
	return
}

// Sign computes ev's id, pubkey and signature from the given hex secret
// key, mutating ev in place.
func (ev *T) Sign(skHex string) error {
	if len(skHex) != 64 {
		err := fmt.Errorf("invalid secret key length, want 64 got %d", len(skHex))
		log.E.Ln(err)
		return err
	}
	skBytes, err := hex.DecodeString(skHex)
	if chk.E(err) {
		return fmt.Errorf("sign called with invalid secret key: %w", err)
	}
	sk, _ := btcec.PrivKeyFromBytes(skBytes)
	return ev.SignWithSecKey(sk)
}

// SignWithSecKey signs ev with sk, setting ID, PubKey and Sig.
func (ev *T) SignWithSecKey(sk *btcec.PrivateKey) error {
	ev.PubKey = pubkey.FromBytes(schnorr.SerializePubKey(sk.PubKey()))
	id := ev.GetIDBytes()
	sig, err := schnorr.Sign(sk, id)
	if chk.E(err) {
		return err
	}
	ev.ID = eventid.FromBytes(id)
	ev.Sig = hex.EncodeToString(sig.Serialize())
	log.D.F("signed event %s by %s", ev.ID, ev.PubKey)
	return nil
}
