// Package discovery is the peer-discovery collaborator boundary: an HTTP/UDP
// tracker client that turns periodic announces into an asynchronous stream
// of (ip, port) candidates. The swarm core (package swarm) only ever reads
// from the channel this package produces; it never calls a tracker
// directly, matching spec.md §1's "core depends only on their contracts".
package discovery

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"torrentswarm/metainfo"
)

// Candidate is one (ip, port) record surfaced by a discovery source. The
// core does not distinguish which source produced it.
type Candidate struct {
	IP   string
	Port uint16
}

func (c Candidate) String() string { return fmt.Sprintf("%s:%d", c.IP, c.Port) }

// SwarmStats is the optional seeds/leechers count a tracker may report
// alongside its peer list.
type SwarmStats struct {
	Seeders  int
	Leechers int
}

// Event is one discovery update: a batch of candidates plus whatever stats
// accompanied them, tagged with the announce URL that produced it.
type Event struct {
	Source     string
	Candidates []Candidate
	Stats      SwarmStats
	Err        error
}

// Tracker is the contract a single announce-URL client implements,
// regardless of transport (HTTP or UDP).
type Tracker interface {
	Announce() string
	GetPeers(ctx context.Context, d *metainfo.TorrentDescriptor, selfID [20]byte, port uint16) ([]Candidate, SwarmStats, error)
}

// NewTracker builds the right Tracker implementation for an announce URL's
// scheme.
func NewTracker(announce string) (Tracker, error) {
	u, err := url.Parse(announce)
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "":
		return newHTTPTracker(announce), nil
	case "udp":
		return newUDPTracker(announce), nil
	default:
		return nil, fmt.Errorf("discovery: unsupported tracker scheme %q", u.Scheme)
	}
}

// Manager owns a set of trackers for one torrent and announces to all of
// them on a fixed interval, publishing candidates onto a single channel.
// Discovery returning zero peers is soft (spec.md §7): the manager keeps
// announcing on schedule and never treats an empty result as fatal.
type Manager struct {
	descriptor *metainfo.TorrentDescriptor
	selfID     [20]byte
	listenPort uint16
	interval   time.Duration

	mu       sync.Mutex
	trackers []Tracker
	events   chan Event
}

// NewManager builds a Manager for every announce URL in the descriptor's
// announce-list, skipping ones whose scheme can't be constructed.
func NewManager(d *metainfo.TorrentDescriptor, selfID [20]byte, listenPort uint16, interval time.Duration) *Manager {
	m := &Manager{
		descriptor: d,
		selfID:     selfID,
		listenPort: listenPort,
		interval:   interval,
		events:     make(chan Event, 16),
	}
	for _, announce := range d.AnnounceList {
		t, err := NewTracker(announce)
		if err != nil {
			log.Warn().Err(err).Str("tracker", announce).Msg("discovery: skipping unusable tracker")
			continue
		}
		m.trackers = append(m.trackers, t)
	}
	return m
}

// Events returns the channel candidates and stats arrive on.
func (m *Manager) Events() <-chan Event { return m.events }

// Run announces to every tracker in parallel on every tick until ctx is
// canceled, then closes the events channel. Each tracker's fan-out uses
// errgroup rather than a bare WaitGroup, matching the rest of the pack's
// idiom for bounded parallel I/O.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.events)
	if len(m.trackers) == 0 {
		log.Warn().Msg("discovery: no usable trackers configured")
		<-ctx.Done()
		return
	}

	m.announceAll(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.announceAll(ctx)
		}
	}
}

func (m *Manager) announceAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range m.trackers {
		t := t
		g.Go(func() error {
			candidates, stats, err := t.GetPeers(gctx, m.descriptor, m.selfID, m.listenPort)
			ev := Event{Source: t.Announce(), Candidates: candidates, Stats: stats, Err: err}
			select {
			case m.events <- ev:
			case <-gctx.Done():
			}
			return nil
		})
	}
	_ = g.Wait()
}
