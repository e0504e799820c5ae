// Package pubkey is a validated 32-byte hex Schnorr public key, grounded
// on the teacher's pkg/nostr/eventid (same shape, different domain).
package pubkey

import (
	"encoding/hex"
	"fmt"
)

type T string

func (pk T) String() string { return string(pk) }

func (pk T) Bytes() []byte {
	b, _ := hex.DecodeString(string(pk))
	return b
}

func New(s string) (T, error) {
	pk := T(s)
	if err := pk.Validate(); err != nil {
		return "", err
	}
	return pk, nil
}

func FromBytes(b []byte) T {
	return T(hex.EncodeToString(b))
}

func (pk T) Validate() error {
	if len(pk) != 64 {
		return fmt.Errorf("pubkey invalid length: got %d want 64", len(pk))
	}
	if _, err := hex.DecodeString(string(pk)); err != nil {
		return fmt.Errorf("pubkey invalid hex: %w", err)
	}
	return nil
}
