// Package processor implements the single ingress point every incoming
// event passes through exactly once, regardless of which minion
// delivered it, adapted from the teacher's app.AddEvent/wsProcessMessages
// pipeline onto this engine's outbox/gossip data model.
package processor

import (
	"context"
	"encoding/json"
	"os"

	"github.com/mikedilger/gossip/nostr/event"
	"github.com/mikedilger/gossip/nostr/eventid"
	"github.com/mikedilger/gossip/nostr/filter"
	"github.com/mikedilger/gossip/nostr/kind"
	"github.com/mikedilger/gossip/nostr/tags"
	"github.com/mikedilger/gossip/storage"
	"github.com/mikedilger/gossip/xerrors"
	"github.com/mikedilger/gossip/xlog"
)

var log, chk = xlog.New(os.Stderr)

// Verdict is the spam gate collaborator's decision for one event.
type Verdict int

const (
	VerdictAllow Verdict = iota
	VerdictDeny
	VerdictMute
)

// GateRequest carries everything a spam filter collaborator needs to
// judge an event without reaching back into storage itself.
type GateRequest struct {
	Caller       string
	ID           string
	Pubkey       string
	Kind         kind.T
	Tags         tags.T
	Content      string
	Muted        bool
	FOF          int
	NIP05        string
	NIP05Valid   bool
	POW          int
	SecondsKnown int64
	SpamSafe     bool
}

// Gate is the external spam filter collaborator. AllowAll satisfies it
// trivially for engines that run without one configured.
type Gate interface {
	Check(ctx context.Context, req GateRequest) Verdict
}

// AllowAll is the default Gate: every event passes.
type AllowAll struct{}

func (AllowAll) Check(context.Context, GateRequest) Verdict { return VerdictAllow }

// Seeker is asked to go fetch events this engine doesn't have yet, or
// to walk a reply chain upward. The Overlord supplies the concrete
// implementation; the processor only ever enqueues.
type Seeker interface {
	Seek(id string, hints []string)
	ClimbThread(id string)
}

// NopSeeker drops every seek request, useful for tests and for running
// the processor standalone.
type NopSeeker struct{}

func (NopSeeker) Seek(string, []string) {}
func (NopSeeker) ClimbThread(string)     {}

// Notifier is told about every event that finishes processing, so a UI
// layer can invalidate whatever it has cached.
type Notifier interface {
	EventProcessed(ev *event.T, sourceRelay string)
}

// NopNotifier discards every notification.
type NopNotifier struct{}

func (NopNotifier) EventProcessed(*event.T, string) {}

// Outcome reports what Process actually did, mostly for logging and
// for the seeker/picker to react to.
type Outcome int

const (
	OutcomeStored Outcome = iota
	OutcomeDuplicate
	OutcomeInvalidSignature
	OutcomeDenied
	OutcomeMuted
	OutcomeSuperseded
	OutcomeEphemeral
	OutcomeDeletion
)

// Result is Process's return value.
type Result struct {
	Outcome Outcome
	Event   *event.T
}

// P is the Event Processor: the single place every event, from every
// relay, is reconciled against stored state.
type P struct {
	store    *storage.Backend
	gate     Gate
	seeker   Seeker
	notifier Notifier
}

func New(store *storage.Backend, gate Gate, seeker Seeker, notifier Notifier) *P {
	if gate == nil {
		gate = AllowAll{}
	}
	if seeker == nil {
		seeker = NopSeeker{}
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &P{store: store, gate: gate, seeker: seeker, notifier: notifier}
}

// Process runs one event through the full pipeline: ingress dedup,
// signature check, spam gate, kind routing, relationship extraction,
// seeker triggers and notification. subscribedPubkeyHint names the
// person whose subscription surfaced this event, when known; Process
// accepts it but does not read it.
func (p *P) Process(ctx context.Context, ev *event.T, sourceRelay string, subscribedPubkeyHint string) (*Result, error) {
	first, err := p.store.MarkEventSeen(ev.ID.String(), sourceRelay)
	if err != nil {
		return nil, xerrors.Storage("could not record seen-edge", err)
	}
	if !first {
		return &Result{Outcome: OutcomeDuplicate, Event: ev}, nil
	}
	if existing, err := p.store.GetEvent(ev.ID); err == nil && existing != nil {
		// Already stored under a different relay: the seen-edge above is
		// enough, no further work needed.
		return &Result{Outcome: OutcomeDuplicate, Event: existing}, nil
	}

	valid, err := ev.CheckSignature()
	if chk.E(err) || !valid {
		p.bumpFailure(sourceRelay)
		return &Result{Outcome: OutcomeInvalidSignature, Event: ev}, nil
	}

	verdict := p.checkGate(ctx, ev)
	switch verdict {
	case VerdictDeny:
		return &Result{Outcome: OutcomeDenied, Event: ev}, nil
	case VerdictMute:
		if err := p.mute(ev.PubKey.String()); err != nil {
			log.W.F("could not mute %s: %v", ev.PubKey, err)
		}
		return &Result{Outcome: OutcomeMuted, Event: ev}, nil
	}

	outcome, err := p.route(ctx, ev)
	if err != nil {
		return nil, err
	}

	if outcome == OutcomeStored {
		p.extractRelationships(ev)
		p.triggerSeeks(ev)
	}

	p.notifier.EventProcessed(ev, sourceRelay)
	return &Result{Outcome: outcome, Event: ev}, nil
}

func (p *P) bumpFailure(relayURL string) {
	r, err := p.store.GetRelay(relayURL)
	if err != nil {
		r = &storage.Relay{URL: relayURL, Rank: 3}
	}
	r.FailureCount++
	if err := p.store.PutRelay(r); err != nil {
		log.W.F("could not record relay failure for %s: %v", relayURL, err)
	}
}

func (p *P) checkGate(ctx context.Context, ev *event.T) Verdict {
	person, _ := p.store.GetPerson(ev.PubKey.String())
	fof := p.friendOfFriendCount(ctx, ev.PubKey.String())
	req := GateRequest{
		Caller:  "Process",
		ID:      ev.ID.String(),
		Pubkey:  ev.PubKey.String(),
		Kind:    ev.Kind,
		Tags:    ev.Tags,
		Content: ev.Content,
		FOF:     fof,
	}
	if person != nil {
		req.Muted = person.Muted
		req.NIP05 = person.NIP05
		req.NIP05Valid = person.NIP05Valid
		if person.MetadataAt > 0 {
			req.SecondsKnown = int64(ev.CreatedAt) - int64(person.MetadataAt)
			if req.SecondsKnown < 0 {
				req.SecondsKnown = 0
			}
		}
	}
	return p.gate.Check(ctx, req)
}

// friendOfFriendCount approximates "how many people I follow, follow
// this author" by counting stored kind-3 contact lists that tag pk,
// since a contact list's p-tags are exactly who that author follows.
func (p *P) friendOfFriendCount(ctx context.Context, pk string) int {
	f := &filter.T{
		Kinds: []kind.T{kind.ContactList},
		Tags:  filter.TagMap{"#p": {pk}},
	}
	results, err := p.store.QueryEvents(ctx, f, 500)
	if err != nil {
		return 0
	}
	return len(results)
}

func (p *P) mute(pk string) error {
	person, err := p.store.GetPerson(pk)
	if err != nil {
		person = &storage.Person{Pubkey: pk}
	}
	person.Muted = true
	return p.store.PutPerson(person)
}

// route applies kind-specific persistence semantics and returns what
// happened so Process can decide whether to run relationship
// extraction and seeker triggers.
func (p *P) route(ctx context.Context, ev *event.T) (Outcome, error) {
	switch {
	case ev.Kind.IsEphemeral():
		return OutcomeEphemeral, nil

	case ev.Kind == kind.Deletion:
		if err := p.applyDeletion(ev); err != nil {
			return OutcomeDeletion, err
		}
		return OutcomeDeletion, nil

	case ev.Kind.IsReplaceable() || ev.Kind.IsParameterizedReplaceable():
		superseded, err := p.applyReplaceable(ctx, ev)
		if err != nil {
			return OutcomeStored, err
		}
		if superseded {
			return OutcomeSuperseded, nil
		}
		if err := p.persist(ctx, ev); err != nil {
			return OutcomeStored, err
		}
		if ev.Kind == kind.ProfileMetadata {
			p.updateProfileMetadata(ev)
		}
		return OutcomeStored, nil

	default:
		return OutcomeStored, p.persist(ctx, ev)
	}
}

func (p *P) persist(_ context.Context, ev *event.T) error {
	err := p.store.SaveEvent(context.Background(), ev)
	if err != nil && err != storage.ErrDuplicateEvent {
		return xerrors.Storage("could not save event", err)
	}
	return nil
}

// applyReplaceable keeps only the newest instance per (pubkey, kind[,
// d-tag]), per NIP-01: greater created_at wins, ties go to the smaller
// id. It reports whether ev itself lost to an existing instance.
func (p *P) applyReplaceable(ctx context.Context, ev *event.T) (superseded bool, err error) {
	dTag := ""
	if ev.Kind.IsParameterizedReplaceable() {
		if t := ev.Tags.GetFirst([]string{"d"}); t != nil {
			dTag = t.Value()
		}
	}
	existing, err := p.findReplaceable(ctx, ev.PubKey.String(), ev.Kind, dTag)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, nil
	}
	if ev.CreatedAt < existing.CreatedAt ||
		(ev.CreatedAt == existing.CreatedAt && ev.ID.String() > existing.ID.String()) {
		return true, nil
	}
	if existing.ID.String() != ev.ID.String() {
		if err := p.store.DeleteEvent(existing.ID); err != nil {
			return false, xerrors.Storage("could not delete superseded event", err)
		}
	}
	return false, nil
}

// updateProfileMetadata records a just-persisted kind-0 event's content
// as the author's current metadata, since applyReplaceable already
// guaranteed it is newer than whatever was there before.
func (p *P) updateProfileMetadata(ev *event.T) {
	pk := ev.PubKey.String()
	person, err := p.store.GetPerson(pk)
	if err != nil {
		person = &storage.Person{Pubkey: pk}
	}
	person.Metadata = json.RawMessage(ev.Content)
	person.MetadataAt = ev.CreatedAt
	if err := p.store.PutPerson(person); err != nil {
		log.W.F("could not record profile metadata for %s: %v", pk, err)
	}
}

func (p *P) findReplaceable(ctx context.Context, pk string, k kind.T, dTag string) (*event.T, error) {
	f := &filter.T{Authors: []string{pk}, Kinds: []kind.T{k}}
	if dTag != "" {
		f.Tags = filter.TagMap{"#d": {dTag}}
	}
	results, err := p.store.QueryEvents(ctx, f, 10)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results[0], nil
}

// applyDeletion parses e/a tags on a kind-5 event and hides whatever
// they reference, provided the referenced event's author matches.
func (p *P) applyDeletion(ev *event.T) error {
	author := ev.PubKey.String()
	for _, t := range ev.Tags.GetAll("e") {
		target, err := eventIDFromTag(t.Value())
		if err != nil {
			continue
		}
		existing, err := p.store.GetEvent(target)
		if err != nil {
			continue
		}
		if existing.PubKey.String() != author {
			continue
		}
		if err := p.store.HideEvent(target); err != nil {
			log.W.F("could not hide %s: %v", target, err)
			continue
		}
		if err := p.store.PutRelationship(&storage.Relationship{
			FromID: ev.ID.String(),
			ToID:   target.String(),
			Kind:   storage.RelationDeletion,
		}); err != nil {
			log.W.F("could not record deletion edge: %v", err)
		}
	}
	return nil
}

// extractRelationships records the reply/quote/reaction/address edges
// an event's e/a tags imply, and folds p-tag relay hints and NIP-65
// relay lists into PersonRelay.
func (p *P) extractRelationships(ev *event.T) {
	for _, t := range ev.Tags.GetAll("e") {
		target, err := eventIDFromTag(t.Value())
		if err != nil {
			continue
		}
		rk := relationKindFor(ev)
		if err := p.store.PutRelationship(&storage.Relationship{
			FromID: ev.ID.String(), ToID: target.String(), Kind: rk,
		}); err != nil {
			log.W.F("could not record relationship: %v", err)
		}
	}
	for _, t := range ev.Tags.GetAll("a") {
		if err := p.store.PutRelationship(&storage.Relationship{
			FromID: ev.ID.String(), ToID: t.Value(), Kind: storage.RelationAddress,
		}); err != nil {
			log.W.F("could not record address relationship: %v", err)
		}
	}
	for _, t := range ev.Tags.GetAll("p") {
		vals := []string(t)
		if len(vals) < 3 || vals[2] == "" {
			continue
		}
		pr, err := p.store.GetPersonRelay(vals[1], vals[2])
		if err != nil {
			pr = &storage.PersonRelay{Pubkey: vals[1], URL: vals[2]}
		}
		pr.LastSuggestedByTag = ev.CreatedAt
		if err := p.store.PutPersonRelay(pr); err != nil {
			log.W.F("could not record person-relay hint: %v", err)
		}
	}
	if ev.Kind == kind.RelayListMetadata {
		p.replaceRelayList(ev)
	}
}

// replaceRelayList wholesale-replaces the author's PersonRelay
// read/write flags from a NIP-65 kind-10002 event.
func (p *P) replaceRelayList(ev *event.T) {
	author := ev.PubKey.String()
	existing, err := p.store.ListPersonRelays(author)
	if err == nil {
		for _, pr := range existing {
			if !pr.ManuallyPairedRead && !pr.ManuallyPairedWrite {
				_ = p.store.DeletePersonRelay(pr.Pubkey, pr.URL)
			}
		}
	}
	for _, t := range ev.Tags.GetAll("r") {
		vals := []string(t)
		if len(vals) < 2 {
			continue
		}
		url := vals[1]
		read, write := true, true
		if len(vals) >= 3 {
			switch vals[2] {
			case "read":
				write = false
			case "write":
				read = false
			}
		}
		pr, err := p.store.GetPersonRelay(author, url)
		if err != nil {
			pr = &storage.PersonRelay{Pubkey: author, URL: url}
		}
		pr.Read, pr.Write = read, write
		pr.LastSuggestedKind3 = ev.CreatedAt
		if err := p.store.PutPersonRelay(pr); err != nil {
			log.W.F("could not replace person-relay entry: %v", err)
		}
	}
}

// triggerSeeks asks the Seeker to go fetch whatever ev references that
// this engine does not have yet, and to climb the reply chain when the
// thread root is unknown.
func (p *P) triggerSeeks(ev *event.T) {
	eTags := ev.Tags.GetAll("e")
	hasRoot := false
	for _, t := range eTags {
		if len(t) >= 4 && t[3] == "root" {
			hasRoot = true
		}
		target, err := eventIDFromTag(t.Value())
		if err != nil {
			continue
		}
		if _, err := p.store.GetEvent(target); err != nil {
			hints := []string(t)
			var hint []string
			if len(hints) >= 3 && hints[2] != "" {
				hint = []string{hints[2]}
			}
			p.seeker.Seek(target.String(), hint)
		}
	}
	if len(eTags) > 0 && !hasRoot {
		p.seeker.ClimbThread(ev.ID.String())
	}
}

func eventIDFromTag(s string) (eventid.T, error) { return eventid.New(s) }

func relationKindFor(ev *event.T) storage.RelationshipKind {
	switch ev.Kind {
	case kind.Reaction:
		return storage.RelationReaction
	case kind.Repost, kind.GenericRepost:
		return storage.RelationQuote
	default:
		return storage.RelationReply
	}
}
