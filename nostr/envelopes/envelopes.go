// Package envelopes implements the NIP-01 websocket wire envelopes —
// EVENT, REQ, CLOSE, CLOSED, EOSE, OK, NOTICE, AUTH, COUNT — grounded on
// the teacher's pkg/nostr/envelopes/* family. The teacher parses these
// with a hand-rolled byte-scanner (wire/text.Buffer) kept in lockstep
// with a hand-rolled encoder; here the array shape is decoded with
// encoding/json's native array/RawMessage support, since no third-party
// library in the dependency pack offers a closer fit for a small fixed
// discriminated-union wire format than the standard encoder.
package envelopes

import (
	"encoding/json"
	"fmt"

	"github.com/mikedilger/gossip/nostr/event"
	"github.com/mikedilger/gossip/nostr/eventid"
	"github.com/mikedilger/gossip/nostr/filter"
	"github.com/mikedilger/gossip/nostr/filters"
	"github.com/mikedilger/gossip/nostr/subscriptionid"
)

const (
	LabelEvent  = "EVENT"
	LabelReq    = "REQ"
	LabelClose  = "CLOSE"
	LabelClosed = "CLOSED"
	LabelEOSE   = "EOSE"
	LabelOK     = "OK"
	LabelNotice = "NOTICE"
	LabelAuth   = "AUTH"
	LabelCount  = "COUNT"
)

// I is implemented by every envelope type: each knows its own label and
// how to render itself back onto the wire.
type I interface {
	Label() string
	ToArray() []any
}

func marshal(e I) ([]byte, error) { return json.Marshal(e.ToArray()) }

// Event carries a relayed event, optionally tied to a subscription when
// a relay is delivering it to a client.
type Event struct {
	SubscriptionID subscriptionid.T
	Event          *event.T
}

func (e *Event) Label() string { return LabelEvent }
func (e *Event) ToArray() []any {
	if e.SubscriptionID == "" {
		return []any{LabelEvent, e.Event}
	}
	return []any{LabelEvent, e.SubscriptionID, e.Event}
}
func (e *Event) MarshalJSON() ([]byte, error) { return marshal(e) }

// Req opens a subscription for every event matching any of Filters.
type Req struct {
	SubscriptionID subscriptionid.T
	Filters        filters.T
}

func (r *Req) Label() string { return LabelReq }
func (r *Req) ToArray() []any {
	a := []any{LabelReq, r.SubscriptionID}
	for _, f := range r.Filters {
		a = append(a, f)
	}
	return a
}
func (r *Req) MarshalJSON() ([]byte, error) { return marshal(r) }

// Close asks the relay to stop a previously opened subscription.
type Close struct{ SubscriptionID subscriptionid.T }

func (c *Close) Label() string           { return LabelClose }
func (c *Close) ToArray() []any          { return []any{LabelClose, c.SubscriptionID} }
func (c *Close) MarshalJSON() ([]byte, error) { return marshal(c) }

// Closed is the relay's unilateral termination of a subscription, with
// a machine-prefixed reason string ("auth-required: ...", "error: ...").
type Closed struct {
	SubscriptionID subscriptionid.T
	Reason         string
}

func (c *Closed) Label() string  { return LabelClosed }
func (c *Closed) ToArray() []any { return []any{LabelClosed, c.SubscriptionID, c.Reason} }
func (c *Closed) MarshalJSON() ([]byte, error) { return marshal(c) }

// EOSE marks the end of stored-event replay for a subscription; events
// seen afterward are live.
type EOSE struct{ SubscriptionID subscriptionid.T }

func (e *EOSE) Label() string  { return LabelEOSE }
func (e *EOSE) ToArray() []any { return []any{LabelEOSE, e.SubscriptionID} }
func (e *EOSE) MarshalJSON() ([]byte, error) { return marshal(e) }

// OK is a relay's acceptance/rejection response to a published event.
type OK struct {
	EventID eventid.T
	OK      bool
	Reason  string
}

func (o *OK) Label() string  { return LabelOK }
func (o *OK) ToArray() []any { return []any{LabelOK, o.EventID, o.OK, o.Reason} }
func (o *OK) MarshalJSON() ([]byte, error) { return marshal(o) }

// Notice is a free-form human-readable message from a relay.
type Notice struct{ Text string }

func (n *Notice) Label() string  { return LabelNotice }
func (n *Notice) ToArray() []any { return []any{LabelNotice, n.Text} }
func (n *Notice) MarshalJSON() ([]byte, error) { return marshal(n) }

// AuthChallenge is sent unsolicited by a relay to start NIP-42 auth.
type AuthChallenge struct{ Challenge string }

func (a *AuthChallenge) Label() string  { return LabelAuth }
func (a *AuthChallenge) ToArray() []any { return []any{LabelAuth, a.Challenge} }
func (a *AuthChallenge) MarshalJSON() ([]byte, error) { return marshal(a) }

// AuthResponse is the client's signed kind-22242 event answering a
// challenge.
type AuthResponse struct{ Event *event.T }

func (a *AuthResponse) Label() string  { return LabelAuth }
func (a *AuthResponse) ToArray() []any { return []any{LabelAuth, a.Event} }
func (a *AuthResponse) MarshalJSON() ([]byte, error) { return marshal(a) }

// CountRequest asks a relay to report how many events match Filter
// without returning the events themselves.
type CountRequest struct {
	SubscriptionID subscriptionid.T
	Filter         *filter.T
}

func (c *CountRequest) Label() string  { return LabelCount }
func (c *CountRequest) ToArray() []any { return []any{LabelCount, c.SubscriptionID, c.Filter} }
func (c *CountRequest) MarshalJSON() ([]byte, error) { return marshal(c) }

// CountResponse is the relay's answer to a CountRequest.
type CountResponse struct {
	SubscriptionID subscriptionid.T
	Count          int64
}

func (c *CountResponse) Label() string { return LabelCount }
func (c *CountResponse) ToArray() []any {
	return []any{LabelCount, c.SubscriptionID, map[string]int64{"count": c.Count}}
}
func (c *CountResponse) MarshalJSON() ([]byte, error) { return marshal(c) }

// Parse inspects the leading label of a raw websocket frame and
// unmarshals it into the matching concrete envelope type.
func Parse(raw []byte) (I, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, fmt.Errorf("envelope is not a JSON array: %w", err)
	}
	if len(arr) == 0 {
		return nil, fmt.Errorf("empty envelope")
	}
	var label string
	if err := json.Unmarshal(arr[0], &label); err != nil {
		return nil, fmt.Errorf("envelope label is not a string: %w", err)
	}
	switch label {
	case LabelEvent:
		return parseEvent(arr)
	case LabelReq:
		return parseReq(arr)
	case LabelClose:
		return parseClose(arr)
	case LabelClosed:
		return parseClosed(arr)
	case LabelEOSE:
		return parseEOSE(arr)
	case LabelOK:
		return parseOK(arr)
	case LabelNotice:
		return parseNotice(arr)
	case LabelAuth:
		return parseAuth(arr)
	case LabelCount:
		return parseCount(arr)
	default:
		return nil, fmt.Errorf("unknown envelope label %q", label)
	}
}

func parseEvent(arr []json.RawMessage) (*Event, error) {
	e := &Event{}
	switch len(arr) {
	case 2:
		e.Event = &event.T{}
		if err := json.Unmarshal(arr[1], e.Event); err != nil {
			return nil, err
		}
	case 3:
		if err := json.Unmarshal(arr[1], &e.SubscriptionID); err != nil {
			return nil, err
		}
		e.Event = &event.T{}
		if err := json.Unmarshal(arr[2], e.Event); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("EVENT envelope wants 2 or 3 elements, got %d", len(arr))
	}
	return e, nil
}

func parseReq(arr []json.RawMessage) (*Req, error) {
	if len(arr) < 2 {
		return nil, fmt.Errorf("REQ envelope wants at least 2 elements")
	}
	r := &Req{}
	if err := json.Unmarshal(arr[1], &r.SubscriptionID); err != nil {
		return nil, err
	}
	for _, raw := range arr[2:] {
		f := &filter.T{}
		if err := json.Unmarshal(raw, f); err != nil {
			return nil, err
		}
		r.Filters = append(r.Filters, f)
	}
	return r, nil
}

func parseClose(arr []json.RawMessage) (*Close, error) {
	if len(arr) != 2 {
		return nil, fmt.Errorf("CLOSE envelope wants 2 elements")
	}
	c := &Close{}
	if err := json.Unmarshal(arr[1], &c.SubscriptionID); err != nil {
		return nil, err
	}
	return c, nil
}

func parseClosed(arr []json.RawMessage) (*Closed, error) {
	if len(arr) != 3 {
		return nil, fmt.Errorf("CLOSED envelope wants 3 elements")
	}
	c := &Closed{}
	if err := json.Unmarshal(arr[1], &c.SubscriptionID); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(arr[2], &c.Reason); err != nil {
		return nil, err
	}
	return c, nil
}

func parseEOSE(arr []json.RawMessage) (*EOSE, error) {
	if len(arr) != 2 {
		return nil, fmt.Errorf("EOSE envelope wants 2 elements")
	}
	e := &EOSE{}
	if err := json.Unmarshal(arr[1], &e.SubscriptionID); err != nil {
		return nil, err
	}
	return e, nil
}

func parseOK(arr []json.RawMessage) (*OK, error) {
	if len(arr) != 4 {
		return nil, fmt.Errorf("OK envelope wants 4 elements")
	}
	o := &OK{}
	if err := json.Unmarshal(arr[1], &o.EventID); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(arr[2], &o.OK); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(arr[3], &o.Reason); err != nil {
		return nil, err
	}
	return o, nil
}

func parseNotice(arr []json.RawMessage) (*Notice, error) {
	if len(arr) != 2 {
		return nil, fmt.Errorf("NOTICE envelope wants 2 elements")
	}
	n := &Notice{}
	if err := json.Unmarshal(arr[1], &n.Text); err != nil {
		return nil, err
	}
	return n, nil
}

// parseAuth distinguishes a challenge (string second element) from a
// response (event object second element).
func parseAuth(arr []json.RawMessage) (I, error) {
	if len(arr) != 2 {
		return nil, fmt.Errorf("AUTH envelope wants 2 elements")
	}
	var challenge string
	if err := json.Unmarshal(arr[1], &challenge); err == nil {
		return &AuthChallenge{Challenge: challenge}, nil
	}
	ev := &event.T{}
	if err := json.Unmarshal(arr[1], ev); err != nil {
		return nil, fmt.Errorf("AUTH envelope second element is neither a challenge string nor an event: %w", err)
	}
	return &AuthResponse{Event: ev}, nil
}

func parseCount(arr []json.RawMessage) (I, error) {
	if len(arr) != 3 {
		return nil, fmt.Errorf("COUNT envelope wants 3 elements")
	}
	var sid subscriptionid.T
	if err := json.Unmarshal(arr[1], &sid); err != nil {
		return nil, err
	}
	var withCount struct {
		Count *int64 `json:"count"`
	}
	if err := json.Unmarshal(arr[2], &withCount); err == nil && withCount.Count != nil {
		return &CountResponse{SubscriptionID: sid, Count: *withCount.Count}, nil
	}
	f := &filter.T{}
	if err := json.Unmarshal(arr[2], f); err != nil {
		return nil, err
	}
	return &CountRequest{SubscriptionID: sid, Filter: f}, nil
}
