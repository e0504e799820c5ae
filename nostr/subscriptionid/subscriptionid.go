// Package subscriptionid is the client-chosen identifier that
// correlates a REQ with its EVENT/EOSE/CLOSED replies, grounded on the
// teacher's pkg/nostr/subscriptionid.
package subscriptionid

import "fmt"

// T is an arbitrary string of 1 to 64 characters.
type T string

func (si T) String() string { return string(si) }

// IsValid reports whether si's length is in the 1..64 range NIP-01
// requires.
func (si T) IsValid() bool { return len(si) > 0 && len(si) <= 64 }

func New(s string) (T, error) {
	si := T(s)
	if !si.IsValid() {
		return "", fmt.Errorf("invalid subscription id: length %d not in 1..64", len(s))
	}
	return si, nil
}
