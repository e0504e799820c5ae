package storage

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/mikedilger/gossip/nostr/nip11"
	"github.com/mikedilger/gossip/nostr/timestamp"
	"github.com/mikedilger/gossip/xerrors"
)

// substore namespace bytes, disjoint from the event index prefixes in
// keys.Prefix so relay/person/list records never collide with event
// index keys sharing the same badger keyspace.
const (
	nsRelay       byte = 0xe0
	nsPerson      byte = 0xe1
	nsPersonRelay byte = 0xe2
	nsPersonList  byte = 0xe3
	nsEventSeen   byte = 0xe4
	nsRelationship byte = 0xe5
	nsSettings    byte = 0xe6
)

// keyFor truncates key material longer than the 510-byte badger limit
// by a first-N policy, rather than hashing, so range scans over the
// intended prefix still work on the truncated form.
func keyFor(ns byte, parts ...string) []byte {
	var b strings.Builder
	b.WriteByte(ns)
	for i, p := range parts {
		if i > 0 {
			b.WriteByte(0)
		}
		b.WriteString(p)
	}
	k := []byte(b.String())
	if len(k) > 510 {
		k = k[:510]
	}
	return k
}

// encodeRecord and decodeRecord are the substore encoding used for
// every non-event record except GeneralSettings (Relay, Person,
// PersonRelay, PersonList, Relationship): plain gob, the same binary mechanism
// the teacher's nostrbinary package wraps for events, without the
// fixed-width byte-array packing events get since these records have
// no cryptographic fields worth hand-packing.
func encodeRecord(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, xerrors.Storage("could not encode record", err)
	}
	return buf.Bytes(), nil
}

func decodeRecord(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return xerrors.Storage("could not decode record", err)
	}
	return nil
}

func (b *Backend) putBinary(key []byte, v any) error {
	data, err := encodeRecord(v)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error { return txn.Set(key, data) })
}

func (b *Backend) getBinary(key []byte, v any) error {
	return b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return xerrors.NotFound("record not found")
		}
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return decodeRecord(data, v)
	})
}

// RelayUsage is the set of boolean roles the spec's Relay entity
// tracks (read/write/advertise/inbox/outbox/discover/spamsafe/dm/
// global/search), packed as bit flags.
type RelayUsage uint16

const (
	UsageRead RelayUsage = 1 << iota
	UsageWrite
	UsageAdvertise
	UsageInbox
	UsageOutbox
	UsageDiscover
	UsageSpamSafe
	UsageDM
	UsageGlobal
	UsageSearch
)

// Relay is the persisted record for one relay the engine has ever
// talked to.
type Relay struct {
	URL               string
	SuccessCount      int
	FailureCount      int
	LastConnectedAt   timestamp.T
	LastGeneralEOSEAt timestamp.T
	Rank              int
	Usage             RelayUsage
	NIP11             *nip11.Info
	NIP11ETag         string
	AvoidanceUntil    timestamp.T
	AuthApproved      bool
	AuthDeclined      bool
}

func relayKey(url string) []byte { return keyFor(nsRelay, url) }

func (b *Backend) PutRelay(r *Relay) error { return b.putBinary(relayKey(r.URL), r) }

func (b *Backend) GetRelay(url string) (*Relay, error) {
	r := &Relay{}
	if err := b.getBinary(relayKey(url), r); err != nil {
		return nil, err
	}
	return r, nil
}

// ListRelays returns every known relay, in no particular order.
func (b *Backend) ListRelays() ([]*Relay, error) {
	var out []*Relay
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := []byte{nsRelay}
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			r := &Relay{}
			if err := decodeRecord(v, r); err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// Person is the persisted record for one pubkey the user has taken an
// interest in, independent of which lists it belongs to.
type Person struct {
	Pubkey           string
	Petname          string
	Metadata         json.RawMessage
	MetadataAt       timestamp.T
	NIP05            string
	NIP05Valid       bool
	NIP05CheckedAt   timestamp.T
	RelayListAt      timestamp.T
	Muted            bool
}

func personKey(pk string) []byte { return keyFor(nsPerson, pk) }

func (b *Backend) PutPerson(p *Person) error { return b.putBinary(personKey(p.Pubkey), p) }

func (b *Backend) GetPerson(pk string) (*Person, error) {
	p := &Person{}
	if err := b.getBinary(personKey(pk), p); err != nil {
		return nil, err
	}
	return p, nil
}

// PersonRelay is the (pubkey, url) edge the outbox model is built on.
type PersonRelay struct {
	Pubkey               string
	URL                  string
	LastFetched          timestamp.T
	LastSuggestedKind3   timestamp.T
	LastSuggestedNIP05   timestamp.T
	LastSuggestedByTag   timestamp.T
	Read                 bool
	Write                bool
	ManuallyPairedRead   bool
	ManuallyPairedWrite  bool
}

func personRelayKey(pk, url string) []byte { return keyFor(nsPersonRelay, pk, url) }

func (b *Backend) PutPersonRelay(pr *PersonRelay) error {
	return b.putBinary(personRelayKey(pr.Pubkey, pr.URL), pr)
}

func (b *Backend) GetPersonRelay(pk, url string) (*PersonRelay, error) {
	pr := &PersonRelay{}
	if err := b.getBinary(personRelayKey(pk, url), pr); err != nil {
		return nil, err
	}
	return pr, nil
}

// ListPersonRelays returns every relay edge recorded for pk, the
// outbox set the picker assigns coverage from.
func (b *Backend) ListPersonRelays(pk string) ([]*PersonRelay, error) {
	var out []*PersonRelay
	prefix := keyFor(nsPersonRelay, pk)
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			pr := &PersonRelay{}
			if err := decodeRecord(v, pr); err != nil {
				return err
			}
			out = append(out, pr)
		}
		return nil
	})
	return out, err
}

// DeletePersonRelay removes the edge, used when a vertex is removed
// and the edge must cascade.
func (b *Backend) DeletePersonRelay(pk, url string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(personRelayKey(pk, url))
	})
}

// PersonList is a named, user-curated set of pubkeys; Followed is the
// distinguished list the picker reads coverage targets from.
const FollowedList = "followed"

type PersonList struct {
	Name       string
	Private    bool
	Members    []string
	LastEdited timestamp.T
}

func personListKey(name string) []byte { return keyFor(nsPersonList, name) }

func (b *Backend) PutPersonList(l *PersonList) error { return b.putBinary(personListKey(l.Name), l) }

func (b *Backend) GetPersonList(name string) (*PersonList, error) {
	l := &PersonList{}
	if err := b.getBinary(personListKey(name), l); err != nil {
		if errors.Is(err, xerrors.ErrNotFound) {
			return &PersonList{Name: name}, nil
		}
		return nil, err
	}
	return l, nil
}

// MarkEventSeen records that id was observed on relayURL, returning
// true the first time this (id, relay) pair is recorded — the
// Processor's ingress dedup check.
func (b *Backend) MarkEventSeen(id, relayURL string) (first bool, err error) {
	key := keyFor(nsEventSeen, id, relayURL)
	err = b.db.Update(func(txn *badger.Txn) error {
		_, getErr := txn.Get(key)
		if getErr == nil {
			first = false
			return nil
		}
		if getErr != badger.ErrKeyNotFound {
			return getErr
		}
		first = true
		return txn.Set(key, nil)
	})
	return first, err
}

// SeenOnRelays lists every relay a given event id has been observed on.
func (b *Backend) SeenOnRelays(id string) ([]string, error) {
	var out []string
	prefix := keyFor(nsEventSeen, id)
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			k := it.Item().KeyCopy(nil)
			parts := strings.SplitN(string(k[1:]), "\x00", 2)
			if len(parts) == 2 {
				out = append(out, parts[1])
			}
		}
		return nil
	})
	return out, err
}

// RelationshipKind enumerates the edge types the Processor extracts
// from tags while routing an event, per spec §4.2 step 5.
type RelationshipKind string

const (
	RelationReply    RelationshipKind = "reply"
	RelationQuote    RelationshipKind = "quote"
	RelationReaction RelationshipKind = "reaction"
	RelationDeletion RelationshipKind = "deletion"
	RelationAddress  RelationshipKind = "address"
)

// Relationship is an edge from one event to another (or to a
// parameterized-replaceable address), recorded so deletions and
// thread climbs can be resolved without re-parsing every event's tags.
type Relationship struct {
	FromID string
	ToID   string // event id, or an "kind:pubkey:d-tag" address string
	Kind   RelationshipKind
}

func relationshipKey(fromID string, kind RelationshipKind, toID string) []byte {
	return keyFor(nsRelationship, fromID, string(kind), toID)
}

func (b *Backend) PutRelationship(r *Relationship) error {
	return b.putBinary(relationshipKey(r.FromID, r.Kind, r.ToID), r)
}

// RelationshipsFrom returns every edge recorded for fromID.
func (b *Backend) RelationshipsFrom(fromID string) ([]*Relationship, error) {
	var out []*Relationship
	prefix := keyFor(nsRelationship, fromID)
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			r := &Relationship{}
			if err := decodeRecord(v, r); err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// GeneralSettings holds the handful of scalar knobs the picker is
// configured from (redundancy factor N, max relays M, SpamSafe toggle)
// alongside the schema version and the time of the last compaction.
type GeneralSettings struct {
	SchemaVersion      uint16
	RelaysPerPerson    int
	MaxRelays          int
	SpamSafeOnly       bool
	LastCompactedAt    timestamp.T
}

var settingsKey = []byte{nsSettings}

// GeneralSettings is kept in plain JSON rather than the binary record
// encoding everything else in this file uses, so that this one record
// stays human-readable in the store.

func (b *Backend) putSettingsJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return xerrors.Storage("could not encode settings", err)
	}
	return b.db.Update(func(txn *badger.Txn) error { return txn.Set(key, data) })
}

func (b *Backend) getSettingsJSON(key []byte, v any) error {
	return b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return xerrors.NotFound("record not found")
		}
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, v)
	})
}

func (b *Backend) GetSettings() (*GeneralSettings, error) {
	s := &GeneralSettings{}
	err := b.getSettingsJSON(settingsKey, s)
	if errors.Is(err, xerrors.ErrNotFound) {
		return &GeneralSettings{RelaysPerPerson: 2, MaxRelays: 25}, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (b *Backend) PutSettings(s *GeneralSettings) error {
	return b.putSettingsJSON(settingsKey, s)
}
