// Package relayurl normalizes and validates relay websocket URLs,
// grounded on the teacher's pkg/nostr/normalize.URL and pkg/nostr/sdk's
// IsValidRelayURL.
package relayurl

import (
	"fmt"
	"net/url"
	"strings"
)

// T is a normalized relay URL: lowercase scheme+host, default port
// stripped, no trailing slash on a non-root path.
type T string

func (u T) String() string { return string(u) }

// Normalize lowercases the URL, assumes wss:// when no scheme is given,
// downgrades http(s) to ws(s), and trims a trailing slash from the path.
func Normalize(raw string) T {
	if raw == "" {
		return ""
	}
	s := strings.ToLower(strings.TrimSpace(raw))
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") &&
		!strings.HasPrefix(s, "ws://") && !strings.HasPrefix(s, "wss://") {
		s = "wss://" + s
	}
	p, err := url.Parse(s)
	if err != nil {
		return ""
	}
	switch p.Scheme {
	case "https":
		p.Scheme = "wss"
	case "http":
		p.Scheme = "ws"
	}
	if p.Port() != "" {
		if (p.Scheme == "wss" && p.Port() == "443") || (p.Scheme == "ws" && p.Port() == "80") {
			p.Host = p.Hostname()
		}
	}
	p.Path = strings.TrimRight(p.Path, "/")
	return T(p.String())
}

// Valid reports whether u is a plausible relay URL: ws/wss scheme and a
// host with at least one dot (rejecting bare hostnames/localhost typos
// the same way the teacher's sdk.IsValidRelayURL does, excepting explicit
// localhost/.onion which are allowed for development and Tor relays).
func Valid(raw string) bool {
	p, err := url.Parse(string(Normalize(raw)))
	if err != nil {
		return false
	}
	if p.Scheme != "ws" && p.Scheme != "wss" {
		return false
	}
	host := p.Hostname()
	if host == "" {
		return false
	}
	if host == "localhost" || strings.HasSuffix(host, ".onion") {
		return true
	}
	return strings.Contains(host, ".")
}

// HTTPBase returns the HTTP(S) origin used to fetch a NIP-11 document for
// this relay.
func (u T) HTTPBase() string {
	s := string(u)
	s = strings.Replace(s, "wss://", "https://", 1)
	s = strings.Replace(s, "ws://", "http://", 1)
	return s
}

func (u T) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", string(u))), nil
}
