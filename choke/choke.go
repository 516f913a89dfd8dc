// Package choke implements the Choking Controller (spec.md §4.7): every 10
// seconds it ranks peers by download rate, unchokes the top 4, picks up to
// OptimisticSlots optimistic unchokes every 30 seconds (the first of which
// stays unchoked between rotations), and chokes everyone else. It only ever sends a CHOKE/UNCHOKE message when the
// decision actually changes a peer's last_sent_choke_state, to avoid
// spamming peers that are already in the state we want.
package choke

import (
	"math/rand"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"torrentswarm/session"
)

const (
	// RoundInterval is how often the controller re-ranks peers.
	RoundInterval = 10 * time.Second
	// OptimisticInterval is how often the optimistic-unchoke slot rotates.
	OptimisticInterval = 30 * time.Second
	// RegularSlots is the number of peers unchoked purely by download rate.
	RegularSlots = 4
	// OptimisticSlots is the number of new optimistic unchokes picked per
	// rotation (spec.md §4.7/§9: "up to 2 new optimistic unchokes per 30s,
	// first recorded as the current optimistic peer").
	OptimisticSlots = 2
)

// Roster is the live set of sessions the controller ranks; the Swarm
// Orchestrator is the only implementation, kept as an interface so choke
// can be tested without a real swarm.
type Roster interface {
	Sessions() []*session.Session
}

// Controller runs periodic choking rounds against a Roster.
type Controller struct {
	roster          Roster
	rng             *rand.Rand
	lastOptimisticAt time.Time
	optimisticPeer   string
}

// New builds a Controller over roster. seed fixes the optimistic-unchoke
// randomness for deterministic tests; production callers should pass a
// seed derived from time.
func New(roster Roster, seed int64) *Controller {
	return &Controller{roster: roster, rng: rand.New(rand.NewSource(seed))}
}

// Run ticks RoundInterval until done is closed.
func (c *Controller) Run(done <-chan struct{}) {
	ticker := time.NewTicker(RoundInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			c.RunRound(now)
		}
	}
}

// RunRound executes one choking decision round immediately; exported so the
// orchestrator can trigger an out-of-band round when a new session becomes
// Ready (spec.md §4.7's bootstrap fill).
func (c *Controller) RunRound(now time.Time) {
	sessions := c.roster.Sessions()
	if len(sessions) == 0 {
		return
	}
	for _, s := range sessions {
		s.UpdateRates(now)
	}

	interested := make([]*session.Session, 0, len(sessions))
	for _, s := range sessions {
		if s.State() == session.Ready && s.Snapshot().InterestedInUs {
			interested = append(interested, s)
		}
	}

	sort.Slice(interested, func(i, j int) bool {
		return interested[i].Snapshot().DownloadRateBps > interested[j].Snapshot().DownloadRateBps
	})

	unchoke := make(map[string]bool, RegularSlots+1)
	n := RegularSlots
	if n > len(interested) {
		n = len(interested)
	}
	for i := 0; i < n; i++ {
		unchoke[interested[i].PeerID] = true
	}

	if now.Sub(c.lastOptimisticAt) >= OptimisticInterval || c.optimisticPeer == "" {
		c.rotateOptimistic(sessions, unchoke)
		c.lastOptimisticAt = now
	} else if c.optimisticPeer != "" {
		for _, s := range sessions {
			if s.PeerID == c.optimisticPeer {
				unchoke[c.optimisticPeer] = true
			}
		}
	}

	// Bootstrap fill: if fewer than RegularSlots+1 peers are even
	// interested, unchoke everyone Ready so new connections see data
	// flowing immediately instead of waiting a full round to matter.
	if len(interested) < RegularSlots+1 {
		for _, s := range sessions {
			if s.State() == session.Ready {
				unchoke[s.PeerID] = true
			}
		}
	}

	for _, s := range sessions {
		if s.State() != session.Ready {
			continue
		}
		want := unchoke[s.PeerID]
		snap := s.Snapshot()
		if want && snap.LastSentChoke != session.UnchokeSent {
			if err := s.SendUnchoke(); err != nil {
				log.Debug().Err(err).Str("peer", s.PeerID).Msg("choke: unchoke send failed")
			}
		} else if !want && snap.LastSentChoke != session.ChokeSent {
			if err := s.SendChoke(); err != nil {
				log.Debug().Err(err).Str("peer", s.PeerID).Msg("choke: choke send failed")
			}
		}
	}
}

// rotateOptimistic picks up to OptimisticSlots random currently-choked peers
// to unchoke for this round; the first pick becomes the new "current
// optimistic peer" that stays unchoked until the next rotation (spec.md
// §4.7/§9).
func (c *Controller) rotateOptimistic(candidates []*session.Session, unchoke map[string]bool) {
	eligible := make([]*session.Session, 0, len(candidates))
	for _, s := range candidates {
		if s.State() == session.Ready && !unchoke[s.PeerID] {
			eligible = append(eligible, s)
		}
	}
	c.rng.Shuffle(len(eligible), func(i, j int) { eligible[i], eligible[j] = eligible[j], eligible[i] })

	c.optimisticPeer = ""
	n := OptimisticSlots
	if n > len(eligible) {
		n = len(eligible)
	}
	for i := 0; i < n; i++ {
		pick := eligible[i]
		unchoke[pick.PeerID] = true
		if i == 0 {
			c.optimisticPeer = pick.PeerID
		}
	}
}
