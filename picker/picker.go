// Package picker computes which relays should carry the general feed
// for the people this engine follows, a greedy weighted set-cover
// algorithm grounded on the original implementation's relay_picker.rs
// (gossip-lib/src/relay_picker.rs), adapted from DashMap onto
// puzpuzpuz/xsync/v2's concurrent maps to match this module's
// concurrency primitives.
package picker

import (
	"context"
	"sort"

	"github.com/mikedilger/gossip/nostr/timestamp"
	"github.com/mikedilger/gossip/storage"
	"github.com/puzpuzpuz/xsync/v2"
)

// Assignment records which pubkeys a relay has been assigned to cover.
type Assignment struct {
	RelayURL string
	Pubkeys  []string
}

func (a *Assignment) mergeIn(other *Assignment) {
	a.Pubkeys = append(a.Pubkeys, other.Pubkeys...)
}

// Config holds the user-tunable knobs the algorithm reads, mirrored
// from storage.GeneralSettings so the picker can be driven in tests
// without a Backend.
type Config struct {
	RelaysPerPerson int
	MaxRelays       int
	SpamSafeOnly    bool
}

// relayScore is one (relay, score) pairing for a pubkey's outbox set.
type relayScore struct {
	url   string
	score float64
}

// P is the Relay Picker: it owns no network state, only the scoring
// bookkeeping needed to decide the next relay to connect to.
type P struct {
	store  *storage.Backend
	config Config

	personRelayScores *xsync.MapOf[string, []relayScore]
	relayAssignments  *xsync.MapOf[string, *Assignment]
	excludedRelays    *xsync.MapOf[string, int64]
	pubkeyCounts      *xsync.MapOf[string, int]
}

func New(store *storage.Backend, cfg Config) *P {
	if cfg.RelaysPerPerson <= 0 {
		cfg.RelaysPerPerson = 2
	}
	if cfg.MaxRelays <= 0 {
		cfg.MaxRelays = 25
	}
	return &P{
		store:             store,
		config:            cfg,
		personRelayScores: xsync.NewMapOf[[]relayScore](),
		relayAssignments:  xsync.NewMapOf[*Assignment](),
		excludedRelays:    xsync.NewMapOf[int64](),
		pubkeyCounts:      xsync.NewMapOf[int](),
	}
}

// Refresh recomputes person-relay scores for every followed pubkey and
// resets how many relay slots each one still needs. Call this whenever
// the Followed list or anyone's outbox relays change.
func (p *P) Refresh(ctx context.Context) error {
	followed, err := p.store.GetPersonList(storage.FollowedList)
	if err != nil {
		return err
	}
	p.personRelayScores = xsync.NewMapOf[[]relayScore]()
	p.pubkeyCounts = xsync.NewMapOf[int]()
	for _, pk := range followed.Members {
		scores, err := p.scoreOutboxRelays(pk)
		if err != nil {
			continue
		}
		p.personRelayScores.Store(pk, scores)
		p.pubkeyCounts.Store(pk, p.config.RelaysPerPerson)
	}
	return nil
}

// scoreOutboxRelays ranks pk's known outbox/manually-paired relays by
// rank and success ratio, highest first.
func (p *P) scoreOutboxRelays(pk string) ([]relayScore, error) {
	prs, err := p.store.ListPersonRelays(pk)
	if err != nil {
		return nil, err
	}
	var out []relayScore
	for _, pr := range prs {
		if !pr.Write && !pr.ManuallyPairedWrite {
			continue
		}
		relay, err := p.store.GetRelay(pr.URL)
		score := 1.0
		if err == nil {
			score = relayScoreFactor(relay)
			if p.config.SpamSafeOnly && relay.Usage&storage.UsageSpamSafe == 0 {
				continue
			}
		}
		out = append(out, relayScore{url: pr.URL, score: score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out, nil
}

// relayScoreFactor turns a relay's rank and success history into a
// single weight: rank 0 disables it entirely, rank 9 doubles it.
func relayScoreFactor(r *storage.Relay) float64 {
	if r.Rank <= 0 {
		return 0
	}
	successRatio := float64(r.SuccessCount) / float64(r.SuccessCount+r.FailureCount+1)
	weight := 1.0 + successRatio
	if r.Rank >= 9 {
		weight *= 2
	} else if r.Rank > 5 {
		weight *= 1 + float64(r.Rank-5)*0.1
	}
	return weight
}

// AddPerson registers pk as needing coverage, if it is not already
// assigned or already counted.
func (p *P) AddPerson(pk string) {
	if _, ok := p.pubkeyCounts.Load(pk); ok {
		return
	}
	alreadyAssigned := false
	p.relayAssignments.Range(func(_ string, a *Assignment) bool {
		if containsString(a.Pubkeys, pk) {
			alreadyAssigned = true
			return false
		}
		return true
	})
	if alreadyAssigned {
		return
	}
	p.pubkeyCounts.Store(pk, p.config.RelaysPerPerson)
}

// RemovePerson drops pk from coverage bookkeeping and from any
// existing assignment.
func (p *P) RemovePerson(pk string) {
	p.pubkeyCounts.Delete(pk)
	p.relayAssignments.Range(func(url string, a *Assignment) bool {
		out := a.Pubkeys[:0]
		for _, m := range a.Pubkeys {
			if m != pk {
				out = append(out, m)
			}
		}
		a.Pubkeys = out
		return true
	})
}

// Pick computes the single next-best relay assignment and returns its
// URL, or ok=false if no relay would make progress (every pubkey is
// satisfied, or remaining relays are excluded/incompatible).
func (p *P) Pick(ctx context.Context, now timestamp.T) (url string, ok bool, err error) {
	p.excludedRelays.Range(func(u string, until int64) bool {
		if until <= int64(now) {
			p.excludedRelays.Delete(u)
		}
		return true
	})

	allRelays, err := p.store.ListRelays()
	if err != nil {
		return "", false, err
	}
	if len(allRelays) == 0 {
		return "", false, nil
	}

	atMaxRelays := p.relayAssignments.Size() >= p.config.MaxRelays

	scoreboard := make(map[string]float64, len(allRelays))
	for _, r := range allRelays {
		scoreboard[r.URL] = 0
	}

	p.pubkeyCounts.Range(func(pk string, remaining int) bool {
		if remaining == 0 {
			return true
		}
		scores, ok := p.personRelayScores.Load(pk)
		if !ok {
			return true
		}
		for _, rs := range scores {
			if _, excluded := p.excludedRelays.Load(rs.url); excluded {
				continue
			}
			if atMaxRelays {
				if _, connected := p.relayAssignments.Load(rs.url); !connected {
					continue
				}
			}
			if a, assigned := p.relayAssignments.Load(rs.url); assigned && containsString(a.Pubkeys, pk) {
				continue
			}
			scoreboard[rs.url] += rs.score
		}
		return true
	})

	relayByURL := make(map[string]*storage.Relay, len(allRelays))
	for _, r := range allRelays {
		relayByURL[r.URL] = r
	}

	type candidate struct {
		url   string
		score float64
		rank  int
		ratio float64
	}
	candidates := make([]candidate, 0, len(scoreboard))
	for u, s := range scoreboard {
		c := candidate{url: u, score: s}
		if r := relayByURL[u]; r != nil {
			c.rank = r.Rank
			c.ratio = float64(r.SuccessCount) / float64(r.SuccessCount+r.FailureCount+1)
		}
		candidates = append(candidates, c)
	}
	// Ties (equal score) are broken deterministically by relay rank,
	// then success ratio, then url, so repeated calls over the same
	// state always pick the same winner.
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.rank != b.rank {
			return a.rank > b.rank
		}
		if a.ratio != b.ratio {
			return a.ratio > b.ratio
		}
		return a.url < b.url
	})

	winner, winningScore := "", 0.0
	if len(candidates) > 0 {
		winner, winningScore = candidates[0].url, candidates[0].score
	}
	if winner == "" || winningScore < 1e-12 {
		return "", false, nil
	}

	var covered []string
	p.pubkeyCounts.Range(func(pk string, remaining int) bool {
		if remaining <= 0 {
			return true
		}
		if a, assigned := p.relayAssignments.Load(winner); assigned && containsString(a.Pubkeys, pk) {
			return true
		}
		scores, ok := p.personRelayScores.Load(pk)
		if !ok {
			return true
		}
		for _, rs := range scores {
			if rs.url != winner {
				continue
			}
			covered = append(covered, pk)
			p.pubkeyCounts.Store(pk, remaining-1)
			break
		}
		return true
	})

	if len(covered) == 0 {
		return "", false, nil
	}

	assignment := &Assignment{RelayURL: winner, Pubkeys: covered}
	if existing, ok := p.relayAssignments.Load(winner); ok {
		existing.mergeIn(assignment)
	} else {
		p.relayAssignments.Store(winner, assignment)
	}

	return winner, true, nil
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// GetAssignment returns the current coverage set for a relay, if any.
func (p *P) GetAssignment(url string) (*Assignment, bool) { return p.relayAssignments.Load(url) }

// UnderCovered lists pubkeys whose coverage target was not fully met,
// for reporting rather than treating as an error.
func (p *P) UnderCovered() []string {
	var out []string
	p.pubkeyCounts.Range(func(pk string, remaining int) bool {
		if remaining > 0 {
			out = append(out, pk)
		}
		return true
	})
	return out
}

// RelayDisconnected reacts to a minion leaving Subscribed state: its
// assignment is torn down, its pubkeys go back into the pool needing
// coverage, and the relay is excluded for penaltySeconds if positive.
func (p *P) RelayDisconnected(url string, penaltySeconds int64, now timestamp.T) {
	if penaltySeconds > 0 {
		p.excludedRelays.Store(url, int64(now)+penaltySeconds)
	}
	a, ok := p.relayAssignments.LoadAndDelete(url)
	if !ok {
		return
	}
	for _, pk := range a.Pubkeys {
		cur, _ := p.pubkeyCounts.Load(pk)
		p.pubkeyCounts.Store(pk, cur+1)
	}
}
