// Package overlord is the single-consumer coordinator every external
// request and every minion callback funnels through, grounded on the
// original implementation's overlord.rs and ToOverlordMessage inbox
// (gossip-lib/src/overlord.rs, src/comms.rs), adapted from its
// tokio mpsc channel plus async trait methods onto a plain Go channel
// and a closed set of message structs dispatched by type switch, the
// same discriminated-union idiom this module already uses for wire
// envelopes.
package overlord

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/mikedilger/gossip/minion"
	"github.com/mikedilger/gossip/nostr/event"
	"github.com/mikedilger/gossip/nostr/eventid"
	"github.com/mikedilger/gossip/nostr/filters"
	"github.com/mikedilger/gossip/nostr/kind"
	"github.com/mikedilger/gossip/nostr/nip11"
	"github.com/mikedilger/gossip/nostr/pubkey"
	"github.com/mikedilger/gossip/nostr/relayurl"
	"github.com/mikedilger/gossip/nostr/signer"
	"github.com/mikedilger/gossip/nostr/subscriptionid"
	"github.com/mikedilger/gossip/nostr/tag"
	"github.com/mikedilger/gossip/nostr/timestamp"
	"github.com/mikedilger/gossip/picker"
	"github.com/mikedilger/gossip/processor"
	"github.com/mikedilger/gossip/storage"
	"github.com/mikedilger/gossip/xlog"
	"github.com/puzpuzpuz/xsync/v2"
)

var log, chk = xlog.New(os.Stderr)

// ClimbDepthCap bounds how many reply hops ClimbThread will walk
// locally before giving up, so a cyclic or adversarial tag chain cannot
// loop the Overlord forever.
const ClimbDepthCap = 25

// ShutdownGrace is how long Shutdown waits for minions to close their
// sockets on their own before the Overlord drops them forcibly.
const ShutdownGrace = 5 * time.Second

// Message is the closed set of requests the Overlord's inbox accepts.
// Every external caller and every minion callback constructs one of
// these rather than calling a method directly, so all cross-component
// decisions serialize through a single loop.
type Message interface{ overlordMessage() }

type Shutdown struct{}

type FollowPubkey struct {
	Pubkey string
	URL    string
}

type UnfollowPubkey struct{ Pubkey string }

type AdvertiseRelayList struct{}

// PublishReport is one relay's answer to a PostEvent, sent on Result as
// they arrive; Result is closed once every outbox relay has answered or
// timed out.
type PublishReport struct {
	RelayURL string
	OK       bool
	Reason   string
	Err      error
}

type PostEvent struct {
	Draft  *event.T
	Result chan<- PublishReport
}

type SeekEvent struct {
	ID    string
	Hints []string
}

type ClimbThread struct{ ID string }

type RelayConnect struct{ URL string }

type RelayDisconnect struct{ URL string }

type UpdatePersonMetadata struct{ Pubkey string }

type ProcessIncomingEvent struct {
	Event *event.T
	Relay string
}

func (Shutdown) overlordMessage()             {}
func (FollowPubkey) overlordMessage()         {}
func (UnfollowPubkey) overlordMessage()       {}
func (AdvertiseRelayList) overlordMessage()   {}
func (PostEvent) overlordMessage()            {}
func (SeekEvent) overlordMessage()            {}
func (ClimbThread) overlordMessage()          {}
func (RelayConnect) overlordMessage()         {}
func (RelayDisconnect) overlordMessage()      {}
func (UpdatePersonMetadata) overlordMessage() {}
func (ProcessIncomingEvent) overlordMessage() {}

// minionEOSE, minionClosedMsg and minionExitedMsg are how the minion's
// callback methods hand control back to the single dispatch loop rather
// than mutating shared state from the minion's own goroutine.
type minionEOSE struct {
	url   string
	subID subscriptionid.T
}
type minionClosedMsg struct {
	url    string
	subID  subscriptionid.T
	reason string
}
type minionExitedMsg struct {
	url      string
	severity minion.Severity
	reason   string
}

func (minionEOSE) overlordMessage()      {}
func (minionClosedMsg) overlordMessage() {}
func (minionExitedMsg) overlordMessage() {}

// Notification is a cross-cutting event the UI layer subscribes to,
// independent of the request/response inbox.
type Notification struct {
	Kind     string
	EventID  string
	RelayURL string
	Message  string
}

type minionHandle struct {
	m      *minion.M
	cancel context.CancelFunc
}

// O is the Overlord: it owns the minion registry, drives the Relay
// Picker and is the sole writer of cross-component state. The UI, the
// seekers and the minions themselves all talk to it only through Post.
type O struct {
	store     *storage.Backend
	picker    *picker.P
	processor *processor.P
	signer    signer.I
	ownPubkey pubkey.T

	minions *xsync.MapOf[string, *minionHandle]

	inbox         chan Message
	notifications chan Notification

	ctx    context.Context
	cancel context.CancelFunc

	// onSeekRequested, when set, is told about every Seek call so a
	// retrying watcher (the seekers package) can track it beyond this
	// one immediate attempt without the Overlord importing it back.
	onSeekRequested func(id string, hints []string)
}

// OnSeekRequested registers fn to be called alongside every Seek, so a
// caller that wants durable retry tracking (seekers.S.WantEvent) can
// hook in without creating an import cycle.
func (o *O) OnSeekRequested(fn func(id string, hints []string)) { o.onSeekRequested = fn }

// SetProcessor completes construction when the Overlord and the
// Processor need each other: the Overlord is built first (it
// implements processor.Seeker and processor.Notifier), passed to
// processor.New, then wired back in here before Run starts.
func (o *O) SetProcessor(proc *processor.P) { o.processor = proc }

func New(store *storage.Backend, pk *picker.P, proc *processor.P, sgnr signer.I) *O {
	return &O{
		store:         store,
		picker:        pk,
		processor:     proc,
		signer:        sgnr,
		ownPubkey:     sgnr.PubKey(),
		minions:       xsync.NewMapOf[*minionHandle](),
		inbox:         make(chan Message, 256),
		notifications: make(chan Notification, 256),
	}
}

// Notifications returns the channel the UI reads cross-cutting updates
// from (new events processed, minion state changes). Never closed.
func (o *O) Notifications() <-chan Notification { return o.notifications }

func (o *O) notify(n Notification) {
	select {
	case o.notifications <- n:
	default:
		log.D.F("dropped notification, UI not draining fast enough: %+v", n)
	}
}

// Post enqueues msg for the dispatch loop, blocking only as long as the
// inbox is full. It is safe to call from any goroutine, including a
// minion's own read loop.
func (o *O) Post(msg Message) {
	select {
	case o.inbox <- msg:
	case <-o.ctx.Done():
	}
}

// Run drives the Overlord's main loop until Shutdown is processed or
// ctx is canceled. It blocks; callers run it in its own goroutine.
func (o *O) Run(ctx context.Context) {
	o.ctx, o.cancel = context.WithCancel(ctx)
	for {
		select {
		case <-o.ctx.Done():
			return
		case msg := <-o.inbox:
			if o.dispatch(msg) {
				return
			}
		}
	}
}

// dispatch handles one inbox message, returning true when the Overlord
// should stop its loop.
func (o *O) dispatch(msg Message) bool {
	switch m := msg.(type) {
	case Shutdown:
		o.handleShutdown()
		return true
	case FollowPubkey:
		o.handleFollowPubkey(m)
	case UnfollowPubkey:
		o.handleUnfollowPubkey(m)
	case AdvertiseRelayList:
		o.handleAdvertiseRelayList()
	case PostEvent:
		o.handlePostEvent(m)
	case SeekEvent:
		o.handleSeekEvent(m)
	case ClimbThread:
		o.handleClimbThread(m)
	case RelayConnect:
		o.handleRelayConnect(m.URL)
	case RelayDisconnect:
		o.handleRelayDisconnect(m.URL)
	case UpdatePersonMetadata:
		o.handleUpdatePersonMetadata(m)
	case ProcessIncomingEvent:
		o.handleProcessIncomingEvent(m)
	case minionEOSE:
		o.handleMinionEOSE(m)
	case minionClosedMsg:
		o.handleMinionClosed(m)
	case minionExitedMsg:
		o.handleMinionExited(m)
	default:
		log.W.F("unhandled overlord message %T", msg)
	}
	return false
}

// handleShutdown messages every minion to close, waits up to
// ShutdownGrace for them to exit on their own, then drops whatever is
// left and lets Storage's own Close commit last.
func (o *O) handleShutdown() {
	var wg sync.WaitGroup
	o.minions.Range(func(url string, h *minionHandle) bool {
		wg.Add(1)
		go func(h *minionHandle) {
			defer wg.Done()
			h.m.Shutdown()
			h.cancel()
		}(h)
		return true
	})
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(ShutdownGrace):
		log.I.F("shutdown grace period elapsed, dropping remaining sockets")
	}
}

func (o *O) handleFollowPubkey(m FollowPubkey) {
	list, err := o.store.GetPersonList(storage.FollowedList)
	if chk.E(err) {
		return
	}
	if !containsString(list.Members, m.Pubkey) {
		list.Members = append(list.Members, m.Pubkey)
		list.Name = storage.FollowedList
		if err := o.store.PutPersonList(list); chk.E(err) {
			return
		}
	}
	if m.URL != "" {
		u := relayurl.Normalize(m.URL)
		pr, err := o.store.GetPersonRelay(m.Pubkey, string(u))
		if err != nil {
			pr = &storage.PersonRelay{Pubkey: m.Pubkey, URL: string(u)}
		}
		pr.ManuallyPairedRead = true
		pr.ManuallyPairedWrite = true
		if err := o.store.PutPersonRelay(pr); chk.E(err) {
			return
		}
	}
	o.picker.AddPerson(m.Pubkey)
	o.repick()
}

func (o *O) handleUnfollowPubkey(m UnfollowPubkey) {
	list, err := o.store.GetPersonList(storage.FollowedList)
	if chk.E(err) {
		return
	}
	out := list.Members[:0]
	for _, pk := range list.Members {
		if pk != m.Pubkey {
			out = append(out, pk)
		}
	}
	list.Members = out
	if err := o.store.PutPersonList(list); chk.E(err) {
		return
	}
	o.picker.RemovePerson(m.Pubkey)
}

// handleAdvertiseRelayList publishes a kind-10002 Relay List Metadata
// event listing every relay marked as one of this user's own
// inbox/outbox relays.
func (o *O) handleAdvertiseRelayList() {
	relays, err := o.store.ListRelays()
	if chk.E(err) {
		return
	}
	draft := &event.T{
		PubKey:    o.ownPubkey,
		CreatedAt: timestamp.Now(),
		Kind:      kind.RelayListMetadata,
	}
	for _, r := range relays {
		switch {
		case r.Usage&storage.UsageInbox != 0 && r.Usage&storage.UsageOutbox != 0:
			draft.Tags = append(draft.Tags, tag.T{"r", r.URL})
		case r.Usage&storage.UsageInbox != 0:
			draft.Tags = append(draft.Tags, tag.T{"r", r.URL, "read"})
		case r.Usage&storage.UsageOutbox != 0:
			draft.Tags = append(draft.Tags, tag.T{"r", r.URL, "write"})
		}
	}
	if len(draft.Tags) == 0 {
		log.D.Ln("advertise relay list requested with no relays marked inbox/outbox")
		return
	}
	result := make(chan PublishReport, len(draft.Tags))
	o.handlePostEvent(PostEvent{Draft: draft, Result: result})
}

// handlePostEvent signs draft and, as a detached task, asks every one
// of the user's outbox minions to publish it with its own timeout,
// reporting each OK on Result. The dispatch loop itself never blocks on
// the network.
func (o *O) handlePostEvent(m PostEvent) {
	if err := o.signer.Sign(m.Draft); chk.E(err) {
		if m.Result != nil {
			m.Result <- PublishReport{Err: err}
			close(m.Result)
		}
		return
	}
	outboxRelays := o.outboxRelaysFor(o.ownPubkey.String())
	if len(outboxRelays) == 0 {
		if m.Result != nil {
			close(m.Result)
		}
		return
	}
	go func(ev *event.T, urls []string, result chan<- PublishReport) {
		var wg sync.WaitGroup
		for _, url := range urls {
			h, ok := o.minions.Load(url)
			if !ok {
				continue
			}
			wg.Add(1)
			go func(url string, h *minionHandle) {
				defer wg.Done()
				ctx, cancel := context.WithTimeout(o.ctx, 30*time.Second)
				defer cancel()
				ok, reason, err := h.m.Publish(ctx, ev, 30*time.Second)
				if result != nil {
					result <- PublishReport{RelayURL: url, OK: ok, Reason: reason, Err: err}
				}
			}(url, h)
		}
		wg.Wait()
		if result != nil {
			close(result)
		}
	}(m.Draft, outboxRelays, m.Result)
}

func (o *O) handleSeekEvent(m SeekEvent) {
	if _, err := eventid.New(m.ID); chk.E(err) {
		return
	}
	for _, hintURL := range m.Hints {
		url := string(relayurl.Normalize(hintURL))
		if url == "" {
			continue
		}
		h := o.ensureMinion(url)
		sid, err := subscriptionid.New("seek-" + m.ID[:8])
		if chk.E(err) {
			continue
		}
		h.m.Subscribe(sid, filters.T{{IDs: []string{m.ID}, Limit: 1}}, minion.LifetimeTransient, 0)
	}
}

// handleClimbThread walks the local reply chain upward from m.ID,
// stopping at a root marker, a missing parent (which it asks SeekEvent
// to fetch) or ClimbDepthCap hops.
func (o *O) handleClimbThread(m ClimbThread) {
	cur := m.ID
	for depth := 0; depth < ClimbDepthCap; depth++ {
		id, err := eventid.New(cur)
		if chk.E(err) {
			return
		}
		ev, err := o.store.GetEvent(id)
		if err != nil {
			return
		}
		eTags := ev.Tags.GetAll("e")
		if len(eTags) == 0 {
			return
		}
		var parent tag.T
		for _, t := range eTags {
			if len(t) >= 4 && t[3] == tag.MarkerRoot {
				return
			}
			if len(t) >= 4 && t[3] == tag.MarkerReply {
				parent = t
			}
		}
		if parent == nil {
			parent = eTags[len(eTags)-1]
		}
		parentID, err := eventid.New(parent.Value())
		if chk.E(err) {
			return
		}
		if _, err := o.store.GetEvent(parentID); err == nil {
			cur = parentID.String()
			continue
		}
		var hints []string
		if hint := parent.RelayHint(); hint != "" {
			hints = []string{hint}
		}
		o.handleSeekEvent(SeekEvent{ID: parentID.String(), Hints: hints})
		return
	}
}

func (o *O) handleRelayConnect(rawURL string) {
	o.ensureMinion(string(relayurl.Normalize(rawURL)))
}

func (o *O) handleRelayDisconnect(rawURL string) {
	url := string(relayurl.Normalize(rawURL))
	h, ok := o.minions.LoadAndDelete(url)
	if !ok {
		return
	}
	h.m.Shutdown()
	h.cancel()
	o.picker.RelayDisconnected(url, 0, timestamp.Now())
}

func (o *O) handleUpdatePersonMetadata(m UpdatePersonMetadata) {
	pk, err := pubkey.New(m.Pubkey)
	if chk.E(err) {
		return
	}
	for _, url := range o.readRelaysFor(m.Pubkey) {
		h := o.ensureMinion(url)
		sid, err := subscriptionid.New("meta-" + string(pk[:8]))
		if chk.E(err) {
			continue
		}
		h.m.Subscribe(sid, filters.T{{Authors: []string{m.Pubkey}, Kinds: []kind.T{kind.ProfileMetadata}, Limit: 1}},
			minion.LifetimeTransient, 0)
	}
}

func (o *O) handleProcessIncomingEvent(m ProcessIncomingEvent) {
	if _, err := o.processor.Process(o.ctx, m.Event, m.Relay, ""); chk.E(err) {
		log.D.F("event %s from %s failed processing: %v", m.Event.ID, m.Relay, err)
	}
}

func (o *O) handleMinionEOSE(m minionEOSE) {
	r, err := o.store.GetRelay(m.url)
	if err != nil {
		return
	}
	r.LastGeneralEOSEAt = timestamp.Now()
	chk.E(o.store.PutRelay(r))
}

func (o *O) handleMinionClosed(m minionClosedMsg) {
	log.D.F("{%s} subscription %s closed: %s", m.url, m.subID, m.reason)
	o.notify(Notification{Kind: "subscription-closed", RelayURL: m.url, Message: m.reason})
}

// handleMinionExited updates relay health stats, lets the Picker know
// the assignment is gone and recomputes coverage.
func (o *O) handleMinionExited(m minionExitedMsg) {
	r, err := o.store.GetRelay(m.url)
	if err != nil {
		r = &storage.Relay{URL: m.url, Rank: 3}
	}
	var penalty int64
	switch m.severity {
	case minion.SeverityMinor:
		r.FailureCount++
	case minion.SeverityMedium:
		r.FailureCount++
		penalty = 60
		r.AvoidanceUntil = timestamp.Now() + timestamp.T(penalty)
	case minion.SeverityMajor:
		r.FailureCount++
		r.Rank = 0
		penalty = 3600
		r.AvoidanceUntil = timestamp.Now() + timestamp.T(penalty)
	}
	chk.E(o.store.PutRelay(r))
	o.picker.RelayDisconnected(m.url, penalty, timestamp.Now())
	o.notify(Notification{Kind: "minion-exited", RelayURL: m.url, Message: m.reason})
	o.repick()
}

// repick asks the Picker for its next-best assignment and connects to
// it; called after anything that changes coverage demand.
func (o *O) repick() {
	url, ok, err := o.picker.Pick(o.ctx, timestamp.Now())
	if err != nil || !ok {
		return
	}
	o.ensureMinion(url)
}

func (o *O) ensureMinion(url string) *minionHandle {
	if h, ok := o.minions.Load(url); ok {
		return h
	}
	ctx, cancel := context.WithCancel(o.ctx)
	m := minion.New(relayurl.T(url), o.signer, o, o.processor)
	h := &minionHandle{m: m, cancel: cancel}
	actual, loaded := o.minions.LoadOrStore(url, h)
	if loaded {
		cancel()
		return actual
	}
	go m.Run(ctx)
	return h
}

// outboxRelaysFor lists the relays pk is known to publish through.
func (o *O) outboxRelaysFor(pk string) []string {
	prs, err := o.store.ListPersonRelays(pk)
	if chk.E(err) {
		return nil
	}
	var out []string
	for _, pr := range prs {
		if pr.Write || pr.ManuallyPairedWrite {
			out = append(out, pr.URL)
		}
	}
	return out
}

// readRelaysFor lists the relays pk's events can be fetched from.
func (o *O) readRelaysFor(pk string) []string {
	prs, err := o.store.ListPersonRelays(pk)
	if chk.E(err) {
		return nil
	}
	var out []string
	for _, pr := range prs {
		if pr.Read || pr.ManuallyPairedRead {
			out = append(out, pr.URL)
		}
	}
	return out
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// The following methods implement minion.Overlord: every minion
// callback posts a message rather than mutating state directly, so it
// still serializes through the single dispatch loop.

func (o *O) MinionEOSE(url string, subID subscriptionid.T) {
	o.Post(minionEOSE{url: url, subID: subID})
}

func (o *O) MinionClosed(url string, subID subscriptionid.T, reason string) {
	o.Post(minionClosedMsg{url: url, subID: subID, reason: reason})
}

func (o *O) MinionExited(url string, severity minion.Severity, reason string) {
	o.Post(minionExitedMsg{url: url, severity: severity, reason: reason})
}

// AuthPermission answers synchronously from Storage rather than via the
// inbox: the minion is blocked mid-handshake waiting on this call, and
// Storage reads are safe to make concurrently with the dispatch loop.
func (o *O) AuthPermission(url string) bool {
	r, err := o.store.GetRelay(url)
	if err != nil {
		return false
	}
	return r.AuthApproved && !r.AuthDeclined
}

// NIP11Cache returns whatever NIP-11 document and ETag are already
// cached for url, so the minion can issue a conditional request and
// fall back to the cached document on a 304.
func (o *O) NIP11Cache(url string) (info *nip11.Info, etag string) {
	r, err := o.store.GetRelay(url)
	if err != nil {
		return nil, ""
	}
	return r.NIP11, r.NIP11ETag
}

// StoreNIP11 records a freshly fetched NIP-11 document and its ETag
// against url, creating the relay record on first contact.
func (o *O) StoreNIP11(url string, info *nip11.Info, etag string) {
	r, err := o.store.GetRelay(url)
	if err != nil {
		r = &storage.Relay{URL: url}
	}
	r.NIP11 = info
	r.NIP11ETag = etag
	if err := o.store.PutRelay(r); err != nil {
		log.W.F("could not persist nip-11 document for %s: %v", url, err)
	}
}

// The following methods implement processor.Seeker and
// processor.Notifier, so an *O can be passed directly into
// processor.New.

func (o *O) Seek(id string, hints []string) {
	o.Post(SeekEvent{ID: id, Hints: hints})
	if o.onSeekRequested != nil {
		o.onSeekRequested(id, hints)
	}
}

func (o *O) ClimbThread(id string) { o.Post(ClimbThread{ID: id}) }

func (o *O) EventProcessed(ev *event.T, sourceRelay string) {
	o.notify(Notification{Kind: "event-processed", EventID: ev.ID.String(), RelayURL: sourceRelay})
}
