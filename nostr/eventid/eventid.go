// Package eventid is a validated 32-byte hex event identifier, grounded
// on the teacher's pkg/nostr/eventid.
package eventid

import (
	"encoding/hex"
	"fmt"
)

// T is the lowercase-hex SHA-256 of an event's canonical serialization.
type T string

func (id T) String() string { return string(id) }

func (id T) Bytes() []byte {
	b, _ := hex.DecodeString(string(id))
	return b
}

func New(s string) (T, error) {
	id := T(s)
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}

func FromBytes(b []byte) T {
	return T(hex.EncodeToString(b))
}

func (id T) Validate() error {
	if len(id) != 64 {
		return fmt.Errorf("event id invalid length: got %d want 64", len(id))
	}
	if _, err := hex.DecodeString(string(id)); err != nil {
		return fmt.Errorf("event id invalid hex: %w", err)
	}
	return nil
}
