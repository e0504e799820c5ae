// Package xerrors defines the closed set of error kinds this engine
// reports, grounded on the teacher's prefix-tagged reason strings
// (normalize.Reason producing "blocked: ...", "auth-required: ...") that
// callers across the teacher's app/ package grep for with
// strings.HasPrefix. Here the prefix becomes a typed Kind instead of a
// string convention, while the prefix text is preserved so any caller
// that still greps an Error() string finds the same tag.
package xerrors

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindStorage
	KindProtocol
	KindRelayMinor
	KindRelayMedium
	KindRelayMajor
	KindNotFound
	KindPermissionRequired
	KindTimeout
	KindSignerLocked
)

var prefixes = map[Kind]string{
	KindStorage:            "storage",
	KindProtocol:           "invalid",
	KindRelayMinor:         "relay-minor",
	KindRelayMedium:        "relay-medium",
	KindRelayMajor:         "relay-major",
	KindNotFound:           "not-found",
	KindPermissionRequired: "auth-required",
	KindTimeout:            "timeout",
	KindSignerLocked:       "signer-locked",
}

// E is a structured error carrying a Kind, the relay it pertains to (if
// any) and a human-readable reason. It is what a user-visible status line
// is built from — never a stack trace, per the error handling design.
type E struct {
	Kind   Kind
	Relay  string
	Reason string
	Err    error
}

func (e *E) Error() string {
	prefix := prefixes[e.Kind]
	if e.Relay != "" {
		return fmt.Sprintf("%s: %s [%s]", prefix, e.Reason, e.Relay)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Reason)
}

func (e *E) Unwrap() error { return e.Err }

// Is lets errors.Is(err, xerrors.ErrNotFound) work by comparing Kind
// against one of the sentinels below.
func (e *E) Is(target error) bool {
	var t *E
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

func New(kind Kind, relay, reason string) *E {
	return &E{Kind: kind, Relay: relay, Reason: reason}
}

func Wrap(kind Kind, relay, reason string, err error) *E {
	return &E{Kind: kind, Relay: relay, Reason: reason, Err: err}
}

func Storage(reason string, err error) *E { return Wrap(KindStorage, "", reason, err) }
func Protocol(relay, reason string) *E    { return New(KindProtocol, relay, reason) }
func NotFound(reason string) *E           { return New(KindNotFound, "", reason) }
func PermissionRequired(relay string) *E {
	return New(KindPermissionRequired, relay, "authentication or approval required")
}
func Timeout(relay, reason string) *E { return New(KindTimeout, relay, reason) }
func SignerLocked() *E                { return New(KindSignerLocked, "", "private key not available") }

// RelayErr builds a severity-tagged relay error. sev must be one of
// KindRelayMinor/Medium/Major.
func RelayErr(sev Kind, relay, reason string, err error) *E {
	return Wrap(sev, relay, reason, err)
}

func (k Kind) sentinel() *E { return &E{Kind: k} }

// Sentinels for errors.Is comparisons.
var (
	ErrStorage            = KindStorage.sentinel()
	ErrProtocol           = KindProtocol.sentinel()
	ErrNotFound           = KindNotFound.sentinel()
	ErrPermissionRequired = KindPermissionRequired.sentinel()
	ErrTimeout            = KindTimeout.sentinel()
	ErrSignerLocked       = KindSignerLocked.sentinel()
)
