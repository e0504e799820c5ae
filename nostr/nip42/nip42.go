// Package nip42 builds and validates relay-authentication events,
// grounded on the teacher's pkg/nostr/auth.
package nip42

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mikedilger/gossip/nostr/event"
	"github.com/mikedilger/gossip/nostr/kind"
	"github.com/mikedilger/gossip/nostr/tags"
	"github.com/mikedilger/gossip/nostr/timestamp"
)

// Required is the OK/CLOSED reason prefix a relay uses to demand
// authentication before it will serve a request.
const Required = "auth-required"

// CreateUnsigned builds the kind-22242 event a client must sign and send
// back inside an AUTH envelope to answer challenge.
func CreateUnsigned(challenge, relayURL string) *event.T {
	return &event.T{
		CreatedAt: timestamp.Now(),
		Kind:      kind.ClientAuthentication,
		Tags:      tags.T{{"relay", relayURL}, {"challenge", challenge}},
	}
}

func parseURL(s string) (*url.URL, error) {
	return url.Parse(strings.ToLower(strings.TrimSuffix(s, "/")))
}

// Validate checks that ev is a properly formed, freshly signed NIP-42
// response to challenge from relayURL, returning the authenticated
// pubkey on success.
func Validate(ev *event.T, challenge, relayURL string) (pubkey string, err error) {
	if ev.Kind != kind.ClientAuthentication {
		return "", fmt.Errorf("event has wrong kind for auth: %d", ev.Kind)
	}
	if ev.Tags.GetFirst([]string{"challenge", challenge}) == nil {
		return "", fmt.Errorf("challenge tag missing or mismatched in auth response")
	}
	relayTag := ev.Tags.GetFirst([]string{"relay"})
	if relayTag == nil || relayTag.Value() == "" {
		return "", fmt.Errorf("relay tag missing from auth response")
	}
	expected, err := parseURL(relayURL)
	if err != nil {
		return "", fmt.Errorf("cannot parse expected relay url: %w", err)
	}
	found, err := parseURL(relayTag.Value())
	if err != nil {
		return "", fmt.Errorf("cannot parse relay url in auth response: %w", err)
	}
	if expected.Scheme != found.Scheme || expected.Host != found.Host || expected.Path != found.Path {
		return "", fmt.Errorf("auth response relay url %q does not match %q", found, expected)
	}
	now := time.Now()
	t := time.Unix(ev.CreatedAt.I64(), 0)
	if t.After(now.Add(10*time.Minute)) || t.Before(now.Add(-10*time.Minute)) {
		return "", fmt.Errorf("auth event timestamp too far from current time")
	}
	valid, err := ev.CheckSignature()
	if err != nil || !valid {
		return "", fmt.Errorf("auth event has invalid signature: %w", err)
	}
	return ev.PubKey.String(), nil
}
