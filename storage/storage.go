// Package storage is the ACID, typed, versioned key-value substrate
// every other component reads and writes through, adapted from the
// teacher's pkg/nostr/eventstore/badger onto github.com/dgraph-io/badger/v4.
// Snapshot-isolated readers and a single serialized writer come for
// free from badger's own transaction model; this package adds the
// event-specific secondary indexes, schema migrations and periodic
// compaction the teacher's Backend provides.
package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/mikedilger/gossip/nostr/event"
	"github.com/mikedilger/gossip/nostr/eventid"
	"github.com/mikedilger/gossip/nostr/filter"
	"github.com/mikedilger/gossip/nostr/pubkey"
	"github.com/mikedilger/gossip/nostr/timestamp"
	"github.com/mikedilger/gossip/storage/keys"
	"github.com/mikedilger/gossip/xerrors"
	"github.com/mikedilger/gossip/xlog"
)

var log, chk = xlog.New(os.Stderr)

// CurrentSchemaVersion is bumped whenever runMigrations gains a step.
const CurrentSchemaVersion uint16 = 1

// compactionInterval is how long a compaction is considered fresh: a
// compact() performed within this window of startup is skipped.
const compactionInterval = 7 * 24 * time.Hour

// ErrDuplicateEvent is returned by SaveEvent when an event with the
// same id is already stored.
var ErrDuplicateEvent = fmt.Errorf("duplicate event")

// Backend owns one badger database directory holding every substore
// this engine needs: events and their indexes, relay metadata, person
// profiles, relationship edges and seen-on records.
type Backend struct {
	db   *badger.DB
	seq  *badger.Sequence
	path string
}

// Open opens (creating if necessary) the badger directory at path, runs
// any pending schema migrations, and compacts the value log if it has
// not been compacted within compactionInterval. Both run synchronously
// before Open returns, so the caller never starts serving against a
// database mid-migration or mid-compaction.
func Open(path string) (*Backend, error) {
	log.I.F("opening storage at %s", path)
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	opts.Compression = options.ZSTD
	opts.CompactL0OnClose = true
	db, err := badger.Open(opts)
	if chk.E(err) {
		return nil, xerrors.Storage("could not open database", err)
	}
	seq, err := db.GetSequence([]byte("serial"), 1000)
	if chk.E(err) {
		db.Close()
		return nil, xerrors.Storage("could not allocate serial sequence", err)
	}
	b := &Backend{db: db, seq: seq, path: path}
	if err := b.runMigrations(); err != nil {
		b.Close()
		return nil, err
	}
	if err := b.compactIfStale(); err != nil {
		log.W.F("startup compaction: %v", err)
	}
	return b, nil
}

// Close releases the serial sequence and closes the database.
func (b *Backend) Close() error {
	_ = b.seq.Release()
	return b.db.Close()
}

// View runs fn in a read-only, snapshot-isolated transaction.
func (b *Backend) View(fn func(txn *badger.Txn) error) error { return b.db.View(fn) }

// Update runs fn in a serialized read-write transaction.
func (b *Backend) Update(fn func(txn *badger.Txn) error) error { return b.db.Update(fn) }

func (b *Backend) nextSerial() (keys.Serial, error) {
	n, err := b.seq.Next()
	if chk.E(err) {
		return 0, xerrors.Storage("could not allocate serial", err)
	}
	return keys.Serial(n), nil
}

// runMigrations brings a freshly opened or older database up to
// CurrentSchemaVersion. Each step is additive and idempotent so a
// crash mid-migration can simply be retried on next Open.
func (b *Backend) runMigrations() error {
	var version uint16
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keys.PrefixVersion.Bytes())
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		version = binary.BigEndian.Uint16(v)
		return nil
	})
	if chk.E(err) {
		return xerrors.Storage("could not read schema version", err)
	}
	if version >= CurrentSchemaVersion {
		return nil
	}
	log.I.F("migrating storage schema %d -> %d", version, CurrentSchemaVersion)
	return b.db.Update(func(txn *badger.Txn) error {
		v := make([]byte, 2)
		binary.BigEndian.PutUint16(v, CurrentSchemaVersion)
		return txn.Set(keys.PrefixVersion.Bytes(), v)
	})
}

// compactIfStale runs compact() once if GeneralSettings.LastCompactedAt
// is older than compactionInterval (or unset), then records the new
// timestamp. badger has no single "rewrite everything" call, so this
// loops RunValueLogGC until it reports nothing left to reclaim.
func (b *Backend) compactIfStale() error {
	settings, err := b.GetSettings()
	if err != nil {
		return err
	}
	if settings.LastCompactedAt != 0 && time.Since(settings.LastCompactedAt.Time()) < compactionInterval {
		return nil
	}
	log.I.F("compacting value log (last compacted at %s)", settings.LastCompactedAt.Time())
	for {
		if err := b.db.RunValueLogGC(0.5); err != nil {
			if err == badger.ErrNoRewrite {
				break
			}
			return err
		}
	}
	settings.LastCompactedAt = timestamp.Now()
	return b.PutSettings(settings)
}

// indexKeysForEvent returns every secondary index entry an event
// should be reachable by, grounded on the teacher's GetIndexKeysForEvent.
func indexKeysForEvent(ev *event.T, ser keys.Serial) [][]byte {
	idBytes := ev.ID.Bytes()
	pkBytes := ev.PubKey.Bytes()
	idp := keys.NewIDPrefix(idBytes)
	pkp := keys.NewPubkeyPrefix(pkBytes)
	ca := keys.CreatedAt(ev.CreatedAt.I64())
	kd := keys.Kind(ev.Kind.ToUint32())

	out := [][]byte{
		keys.PrefixID.Key(idp, ser),
		keys.PrefixCreatedAt.Key(ca, ser),
		keys.PrefixKind.Key(kd, ca, ser),
		keys.PrefixPubkey.Key(pkp, ca, ser),
		keys.PrefixPubkeyKind.Key(pkp, kd, ca, ser),
	}
	for _, t := range ev.Tags {
		if len(t) < 2 || len(t[0]) != 1 {
			continue
		}
		out = append(out, keys.PrefixTag.Key(keys.NewTag(t[0][0], t[1]), ca, ser))
	}
	return out
}

// SaveEvent stores ev under a fresh serial and indexes it, returning
// ErrDuplicateEvent if the id is already present.
func (b *Backend) SaveEvent(ctx context.Context, ev *event.T) error {
	return b.db.Update(func(txn *badger.Txn) error {
		idp := keys.NewIDPrefix(ev.ID.Bytes())
		prefix := keys.PrefixID.Key(idp)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		it.Seek(prefix)
		if it.ValidForPrefix(prefix) {
			return ErrDuplicateEvent
		}
		ser, err := b.nextSerial()
		if err != nil {
			return err
		}
		bin, err := encodeEvent(ev)
		if err != nil {
			return err
		}
		if err := txn.Set(keys.PrefixEvent.Key(ser), bin); err != nil {
			return err
		}
		for _, k := range indexKeysForEvent(ev, ser) {
			if err := txn.Set(k, nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Backend) getEventBySerial(txn *badger.Txn, ser keys.Serial) (*event.T, error) {
	item, err := txn.Get(keys.PrefixEvent.Key(ser))
	if err != nil {
		return nil, err
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	return decodeEvent(v)
}

// GetEvent looks up a single event by id.
func (b *Backend) GetEvent(id eventid.T) (*event.T, error) {
	var ev *event.T
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := keys.PrefixID.Key(keys.NewIDPrefix(id.Bytes()))
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		it.Seek(prefix)
		if !it.ValidForPrefix(prefix) {
			return xerrors.NotFound("event not found")
		}
		ser := keys.SerialFromKey(it.Item().KeyCopy(nil))
		var err error
		ev, err = b.getEventBySerial(txn, ser)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// HideEvent flags id as hidden rather than physically removing it, the
// handling a kind-5 deletion requires: the event and its index entries
// stay in place so edges referencing it can still be resolved, but
// QueryEvents stops surfacing it.
func (b *Backend) HideEvent(id eventid.T) error {
	return b.db.Update(func(txn *badger.Txn) error {
		prefix := keys.PrefixID.Key(keys.NewIDPrefix(id.Bytes()))
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		it.Seek(prefix)
		if !it.ValidForPrefix(prefix) {
			return xerrors.NotFound("event not found")
		}
		ser := keys.SerialFromKey(it.Item().KeyCopy(nil))
		ev, err := b.getEventBySerial(txn, ser)
		if err != nil {
			return err
		}
		ev.Hidden = true
		bin, err := encodeEvent(ev)
		if err != nil {
			return err
		}
		return txn.Set(keys.PrefixEvent.Key(ser), bin)
	})
}

// DeleteEvent removes an event and every index entry pointing at it.
func (b *Backend) DeleteEvent(id eventid.T) error {
	return b.db.Update(func(txn *badger.Txn) error {
		prefix := keys.PrefixID.Key(keys.NewIDPrefix(id.Bytes()))
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		it.Seek(prefix)
		if !it.ValidForPrefix(prefix) {
			return xerrors.NotFound("event not found")
		}
		idKey := it.Item().KeyCopy(nil)
		ser := keys.SerialFromKey(idKey)
		ev, err := b.getEventBySerial(txn, ser)
		if err != nil {
			return err
		}
		if err := txn.Delete(keys.PrefixEvent.Key(ser)); err != nil {
			return err
		}
		for _, k := range indexKeysForEvent(ev, ser) {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// scanSerials walks every key under prefix in reverse (newest first
// when the index orders by created_at) and collects the serial
// suffixed to each, stopping once limit candidates have accumulated.
func (b *Backend) scanSerials(prefix []byte, limit int) ([]keys.Serial, error) {
	var out []keys.Serial
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.IteratorOptions{Reverse: true, Prefix: nil}
		seek := append(append([]byte{}, prefix...), 0xff)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			out = append(out, keys.SerialFromKey(it.Item().KeyCopy(nil)))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func dedupSerials(lists ...[]keys.Serial) []keys.Serial {
	seen := map[keys.Serial]bool{}
	var out []keys.Serial
	for _, l := range lists {
		for _, s := range l {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// candidateSerials picks the most selective single index available
// for f and returns the serials it names, grounded on the teacher's
// PrepareQueries index-choice order (id > author+kind > tag > author >
// kind > full scan).
func (b *Backend) candidateSerials(f *filter.T, capLimit int) ([]keys.Serial, error) {
	switch {
	case len(f.IDs) > 0:
		var all []keys.Serial
		for _, id := range f.IDs {
			eid, err := eventid.New(id)
			if err != nil {
				continue
			}
			ser, err := b.scanSerials(keys.PrefixID.Key(keys.NewIDPrefix(eid.Bytes())), 0)
			if err != nil {
				return nil, err
			}
			all = append(all, ser...)
		}
		return all, nil

	case len(f.Authors) == 1 && len(f.Kinds) == 1:
		pk, err := pubkey.New(f.Authors[0])
		if err != nil {
			return nil, nil
		}
		k := keys.Kind(f.Kinds[0].ToUint32())
		return b.scanSerials(keys.PrefixPubkeyKind.Key(keys.NewPubkeyPrefix(pk.Bytes()), k), capLimit)

	case len(f.Tags) > 0:
		var all []keys.Serial
		for key, vals := range f.Tags {
			if len(key) < 2 {
				continue
			}
			letter := key[1]
			for _, v := range vals {
				ser, err := b.scanSerials(keys.PrefixTag.Key(keys.NewTag(letter, v)), capLimit)
				if err != nil {
					return nil, err
				}
				all = append(all, ser...)
			}
		}
		return dedupSerials(all), nil

	case len(f.Authors) > 0:
		var all []keys.Serial
		for _, a := range f.Authors {
			pk, err := pubkey.New(a)
			if err != nil {
				continue
			}
			ser, err := b.scanSerials(keys.PrefixPubkey.Key(keys.NewPubkeyPrefix(pk.Bytes())), capLimit)
			if err != nil {
				return nil, err
			}
			all = append(all, ser...)
		}
		return dedupSerials(all), nil

	case len(f.Kinds) > 0:
		var all []keys.Serial
		for _, k := range f.Kinds {
			ser, err := b.scanSerials(keys.PrefixKind.Key(keys.Kind(k.ToUint32())), capLimit)
			if err != nil {
				return nil, err
			}
			all = append(all, ser...)
		}
		return dedupSerials(all), nil

	default:
		return b.scanSerials(keys.PrefixCreatedAt.Key(), capLimit)
	}
}

// QueryEvents returns every stored event matching f, newest first,
// capped at f.Limit (or maxLimit when unset).
func (b *Backend) QueryEvents(ctx context.Context, f *filter.T, maxLimit int) ([]*event.T, error) {
	limit := maxLimit
	if f.Limit > 0 && f.Limit < limit {
		limit = f.Limit
	}
	candScan := limit
	if candScan > 0 {
		candScan *= 4 // index alone may under- or over-select; widen before final filtering
	}
	serials, err := b.candidateSerials(f, candScan)
	if err != nil {
		return nil, xerrors.Storage("query failed", err)
	}
	var out []*event.T
	err = b.db.View(func(txn *badger.Txn) error {
		for _, ser := range serials {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			ev, err := b.getEventBySerial(txn, ser)
			if err != nil || ev.Hidden {
				continue
			}
			if f.Matches(ev) {
				out = append(out, ev)
			}
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Storage("query failed", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountEvents is a cheaper QueryEvents: it counts the serials
// candidateSerials selects for f from a single index and decodes no
// event. For a filter with constraints beyond that index the count is
// an upper bound, and hidden events are counted too.
func (b *Backend) CountEvents(ctx context.Context, f *filter.T) (int64, error) {
	serials, err := b.candidateSerials(f, 0)
	if err != nil {
		return 0, xerrors.Storage("count failed", err)
	}
	return int64(len(serials)), nil
}
