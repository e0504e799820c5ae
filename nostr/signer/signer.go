// Package signer holds the user's private key and signs events on
// demand, grounded on the teacher's pkg/nostr/keys. Unlike the teacher,
// which passes bare hex secret keys around, this type supports a locked
// state so a passphrase-protected identity can be held in memory
// without its key material decrypted until needed.
package signer

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/mikedilger/gossip/nostr/event"
	"github.com/mikedilger/gossip/nostr/pubkey"
	"github.com/mikedilger/gossip/xerrors"
)

// I is implemented by anything that can produce a public key and sign
// events on the user's behalf — a plaintext key in memory, or (in
// later revisions) a hardware or NIP-46 remote signer.
type I interface {
	PubKey() pubkey.T
	Sign(ev *event.T) error
	Locked() bool
}

// Plain is an unlocked secp256k1 key held in memory.
type Plain struct {
	sk *btcec.PrivateKey
	pk pubkey.T
}

// GeneratePrivateKey returns a new random 32-byte hex secret key.
func GeneratePrivateKey() (string, error) {
	params := btcec.S256().Params()
	one := big.NewInt(1)
	b := make([]byte, params.BitSize/8+8)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("could not read random bytes: %w", err)
	}
	k := new(big.Int).SetBytes(b)
	n := new(big.Int).Sub(params.N, one)
	k.Mod(k, n)
	k.Add(k, one)
	return fmt.Sprintf("%064x", k.Bytes()), nil
}

// NewPlain parses skHex and derives the matching public key.
func NewPlain(skHex string) (*Plain, error) {
	if len(skHex) != 64 {
		return nil, fmt.Errorf("secret key must be 64 hex characters, got %d", len(skHex))
	}
	b, err := hex.DecodeString(skHex)
	if err != nil {
		return nil, fmt.Errorf("secret key is not valid hex: %w", err)
	}
	sk, _ := btcec.PrivKeyFromBytes(b)
	return &Plain{sk: sk, pk: pubkey.FromBytes(schnorr.SerializePubKey(sk.PubKey()))}, nil
}

func (p *Plain) PubKey() pubkey.T { return p.pk }
func (p *Plain) Locked() bool     { return false }

func (p *Plain) Sign(ev *event.T) error {
	return ev.SignWithSecKey(p.sk)
}

// Locked represents a signer whose key material is not currently
// available (e.g. passphrase not yet entered), so every signing
// operation fails fast with a SignerLocked error rather than blocking.
type Locked struct{ pk pubkey.T }

func NewLocked(pk pubkey.T) *Locked   { return &Locked{pk: pk} }
func (l *Locked) PubKey() pubkey.T    { return l.pk }
func (l *Locked) Locked() bool        { return true }
func (l *Locked) Sign(*event.T) error { return xerrors.SignerLocked() }
