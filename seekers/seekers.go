// Package seekers runs the finite set of periodic background tasks
// that keep the engine's view of the network current without being
// asked: a metadata seeker, an event seeker with unfindable/retry-after
// bookkeeping, a pending-actions watcher and an avoidance decayer, each
// a ticker loop that exits on ctx cancellation or the shared stop
// channel.
package seekers

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/mikedilger/gossip/nostr/eventid"
	"github.com/mikedilger/gossip/nostr/timestamp"
	"github.com/mikedilger/gossip/overlord"
	"github.com/mikedilger/gossip/storage"
	"github.com/mikedilger/gossip/xlog"
)

var log, chk = xlog.New(os.Stderr)

// Config holds the interval and staleness knobs every seeker reads.
// Zero fields take the defaults below.
type Config struct {
	MetadataInterval time.Duration // T_m
	MetadataStale    time.Duration // S_m
	EventInterval    time.Duration
	EventDeadline    time.Duration
	WatcherInterval  time.Duration
	DecayInterval    time.Duration
	DecayStep        time.Duration
}

func (c *Config) setDefaults() {
	if c.MetadataInterval == 0 {
		c.MetadataInterval = 10 * time.Minute
	}
	if c.MetadataStale == 0 {
		c.MetadataStale = 24 * time.Hour
	}
	if c.EventInterval == 0 {
		c.EventInterval = 20 * time.Second
	}
	if c.EventDeadline == 0 {
		c.EventDeadline = 2 * time.Minute
	}
	if c.WatcherInterval == 0 {
		c.WatcherInterval = time.Minute
	}
	if c.DecayInterval == 0 {
		c.DecayInterval = time.Minute
	}
	if c.DecayStep == 0 {
		c.DecayStep = 30 * time.Second
	}
}

// pendingSeek tracks one outstanding Event seeker request: an id the
// engine has referenced but does not have, and since when it has been
// looking.
type pendingSeek struct {
	id         eventid.T
	hints      []string
	firstAsked timestamp.T
	retryAfter timestamp.T
}

// S drives the four background loops, each in its own goroutine, all
// reading Storage and posting back to the Overlord rather than holding
// a transaction across a wait.
type S struct {
	store    *storage.Backend
	overlord *overlord.O
	cfg      Config

	mu      sync.Mutex
	pending map[string]*pendingSeek

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(store *storage.Backend, ovl *overlord.O, cfg Config) *S {
	cfg.setDefaults()
	return &S{
		store:    store,
		overlord: ovl,
		cfg:      cfg,
		pending:  make(map[string]*pendingSeek),
		stop:     make(chan struct{}),
	}
}

// Run starts all four loops and blocks until ctx is canceled or Stop is
// called.
func (s *S) Run(ctx context.Context) {
	s.wg.Add(4)
	go s.metadataLoop(ctx)
	go s.eventLoop(ctx)
	go s.watcherLoop(ctx)
	go s.decayLoop(ctx)
	select {
	case <-ctx.Done():
	case <-s.stop:
	}
	s.Stop()
	s.wg.Wait()
}

// Stop signals every loop to exit; Run's caller should still cancel its
// ctx, Stop only short-circuits the wait.
func (s *S) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}

// WantEvent registers id as referenced-but-missing, for the event
// seeker to chase on its next tick. Called by the processor's Seeker
// hook by way of the Overlord (SeekEvent posts to the Overlord for the
// immediate attempt; WantEvent tracks it for retries).
func (s *S) WantEvent(id string, hints []string) {
	eid, err := eventid.New(id)
	if chk.E(err) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; ok {
		return
	}
	s.pending[id] = &pendingSeek{id: eid, hints: hints, firstAsked: timestamp.Now()}
}

// metadataLoop sends UpdatePersonMetadata for every followed person
// whose metadata is older than MetadataStale.
func (s *S) metadataLoop(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.MetadataInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			s.runMetadataPass()
		}
	}
}

func (s *S) runMetadataPass() {
	list, err := s.store.GetPersonList(storage.FollowedList)
	if chk.E(err) {
		return
	}
	cutoff := timestamp.Now() - timestamp.T(s.cfg.MetadataStale/time.Second)
	for _, pk := range list.Members {
		p, err := s.store.GetPerson(pk)
		if err != nil || p.MetadataAt < cutoff {
			s.overlord.Post(overlord.UpdatePersonMetadata{Pubkey: pk})
		}
	}
}

// eventLoop retries every pending seek that has neither arrived nor hit
// its deadline, marking it unfindable with a retry-after once it has.
func (s *S) eventLoop(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.EventInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			s.runEventPass()
		}
	}
}

func (s *S) runEventPass() {
	now := timestamp.Now()
	s.mu.Lock()
	due := make([]*pendingSeek, 0, len(s.pending))
	for _, p := range s.pending {
		if p.retryAfter != 0 && now < p.retryAfter {
			continue
		}
		due = append(due, p)
	}
	s.mu.Unlock()

	for _, p := range due {
		if _, err := s.store.GetEvent(p.id); err == nil {
			s.mu.Lock()
			delete(s.pending, p.id.String())
			s.mu.Unlock()
			continue
		}
		if now-p.firstAsked > timestamp.T(s.cfg.EventDeadline/time.Second) {
			s.mu.Lock()
			p.retryAfter = now + timestamp.T(s.cfg.EventInterval*10/time.Second)
			s.mu.Unlock()
			log.D.F("event %s unfindable, retrying after %v", p.id, p.retryAfter.Time())
			continue
		}
		s.overlord.Post(overlord.SeekEvent{ID: p.id.String(), Hints: p.hints})
	}
}

// watcherLoop checks, every WatcherInterval, whether any member of the
// Followed list has a RelayListAt newer than the list's LastEdited, and
// logs each such member at debug level. It raises no notification or
// pending action, and it does not look at kind-3 or kind-30000 events.
func (s *S) watcherLoop(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.WatcherInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			s.runWatcherPass()
		}
	}
}

func (s *S) runWatcherPass() {
	list, err := s.store.GetPersonList(storage.FollowedList)
	if chk.E(err) {
		return
	}
	for _, pk := range list.Members {
		p, err := s.store.GetPerson(pk)
		if err != nil {
			continue
		}
		if p.RelayListAt > list.LastEdited {
			log.D.F("person list %q desynced from %s's relay list, remote is newer", list.Name, pk)
		}
	}
}

// decayLoop reduces every relay's AvoidanceUntil by DecayStep each
// tick, clamped at now, so a relay that was penalized returns to
// consideration sooner than waiting out the full original penalty.
func (s *S) decayLoop(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.DecayInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			s.runDecayPass()
		}
	}
}

func (s *S) runDecayPass() {
	relays, err := s.store.ListRelays()
	if chk.E(err) {
		return
	}
	now := timestamp.Now()
	step := timestamp.T(s.cfg.DecayStep / time.Second)
	for _, r := range relays {
		if r.AvoidanceUntil <= now {
			continue
		}
		r.AvoidanceUntil -= step
		if r.AvoidanceUntil < now {
			r.AvoidanceUntil = now
		}
		if err := s.store.PutRelay(r); chk.E(err) {
			log.W.F("could not decay avoidance for %s: %v", r.URL, err)
		}
	}
}
