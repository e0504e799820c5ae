// Package nip11 fetches and represents a relay's NIP-11 information
// document, grounded on the teacher's pkg/nostr/nip11.
package nip11

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mikedilger/gossip/nostr/relayurl"
)

// ErrInvalidDocument wraps a decode failure on a document the relay did
// serve, distinct from a network-level failure to reach the relay at
// all: a caller can treat the two differently for backoff purposes.
var ErrInvalidDocument = errors.New("nip-11 document is not valid json")

// RelayLimits advertises operational constraints a relay enforces.
type RelayLimits struct {
	MaxMessageLength int  `json:"max_message_length,omitempty"`
	MaxSubscriptions int  `json:"max_subscriptions,omitempty"`
	MaxFilters       int  `json:"max_filters,omitempty"`
	MaxLimit         int  `json:"max_limit,omitempty"`
	MaxSubidLength   int  `json:"max_subid_length,omitempty"`
	MinPowDifficulty int  `json:"min_pow_difficulty,omitempty"`
	AuthRequired     bool `json:"auth_required,omitempty"`
	PaymentRequired  bool `json:"payment_required,omitempty"`
	RestrictedWrites bool `json:"restricted_writes,omitempty"`
}

// RelayFees lists a relay's paid-tier pricing, if any.
type RelayFees struct {
	Admission []FeeSchedule `json:"admission,omitempty"`
	Subscription []FeeSchedule `json:"subscription,omitempty"`
	Publication  []FeeSchedule `json:"publication,omitempty"`
}

type FeeSchedule struct {
	Amount   int64    `json:"amount"`
	Unit     string   `json:"unit"`
	Period   int64    `json:"period,omitempty"`
	Kinds    []int    `json:"kinds,omitempty"`
}

// Info is the decoded NIP-11 document. The Overlord keeps the latest one
// and its ETag on the relay's storage.Relay record, and the minion reads
// Limitation.AuthRequired from it while connecting; the picker does not
// read it.
type Info struct {
	Name          string       `json:"name"`
	Description   string       `json:"description"`
	PubKey        string       `json:"pubkey"`
	Contact       string       `json:"contact"`
	SupportedNIPs []int        `json:"supported_nips,omitempty"`
	Software      string       `json:"software"`
	Version       string       `json:"version"`
	Limitation    *RelayLimits `json:"limitation,omitempty"`
	Icon          string       `json:"icon,omitempty"`
}

// HasNIP reports whether n appears in SupportedNIPs.
func (i *Info) HasNIP(n int) bool {
	for _, v := range i.SupportedNIPs {
		if v == n {
			return true
		}
	}
	return false
}

// Fetch retrieves and decodes the NIP-11 document for u, defaulting to
// a 7 second deadline when ctx carries none. etag, if non-empty, is
// sent as If-None-Match so an unchanged document costs the relay
// nothing but a 304; unmodified reports that case, in which info is
// nil and the caller should keep whatever document it already has
// cached for u. On a fresh 200 response, newETag carries the value to
// cache for the next call.
func Fetch(ctx context.Context, u relayurl.T, etag string) (info *Info, newETag string, unmodified bool, err error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 7*time.Second)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.HTTPBase(), nil)
	if err != nil {
		return nil, "", false, fmt.Errorf("cannot build nip-11 request: %w", err)
	}
	req.Header.Set("Accept", "application/nostr+json")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", false, fmt.Errorf("nip-11 request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotModified {
		return nil, etag, true, nil
	}
	info = &Info{}
	if err := json.NewDecoder(resp.Body).Decode(info); err != nil {
		return nil, "", false, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	return info, resp.Header.Get("ETag"), false, nil
}
