// Package pool implements the Peer Pool Manager (spec.md §4.10): it keeps a
// bounded number of concurrent peer sessions alive, deduplicates candidates
// by "ip:port", and dials from a pending backlog as slots free up.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"torrentswarm/discovery"
	"torrentswarm/filestore"
	"torrentswarm/metainfo"
	"torrentswarm/piecestore"
	"torrentswarm/requestqueue"
	"torrentswarm/session"
)

// MaxConcurrentSessions bounds how many sessions the pool keeps open at
// once (spec.md §3, §5).
const MaxConcurrentSessions = 50

// DialInterval is how often the pool drains its pending backlog.
const DialInterval = time.Second

// DialTimeout bounds a single outbound connection attempt.
const DialTimeout = 10 * time.Second

// Manager owns the set of live sessions and the backlog of candidates not
// yet connected to.
type Manager struct {
	descriptor *metainfo.TorrentDescriptor
	pieces     *piecestore.Store
	queue      *requestqueue.Queue
	files      *filestore.Store
	hub        session.Hub
	selfID     [20]byte

	mu       sync.Mutex
	sessions map[string]*session.Session
	pending  map[string]discovery.Candidate
}

// New builds a Manager. hub is passed through to every session it creates;
// production callers pass the Swarm Orchestrator itself.
func New(d *metainfo.TorrentDescriptor, pieces *piecestore.Store, queue *requestqueue.Queue, files *filestore.Store, hub session.Hub, selfID [20]byte) *Manager {
	return &Manager{
		descriptor: d,
		pieces:     pieces,
		queue:      queue,
		files:      files,
		hub:        hub,
		selfID:     selfID,
		sessions:   make(map[string]*session.Session),
		pending:    make(map[string]discovery.Candidate),
	}
}

// Sessions returns a snapshot slice of every live session, satisfying the
// Roster interfaces the choke, endgame and supervisor packages consume.
func (m *Manager) Sessions() []*session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// AddCandidates merges newly discovered peers into the pending backlog,
// deduplicating by "ip:port" against both the backlog and already-connected
// sessions (spec.md §4.10).
func (m *Manager) AddCandidates(candidates []discovery.Candidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range candidates {
		key := c.String()
		if _, connected := m.sessions[key]; connected {
			continue
		}
		m.pending[key] = c
	}
}

// Run drains the pending backlog onto available slots every DialInterval,
// until ctx is canceled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(DialInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.fillSlots(ctx)
		}
	}
}

func (m *Manager) fillSlots(ctx context.Context) {
	m.mu.Lock()
	free := MaxConcurrentSessions - len(m.sessions)
	if free <= 0 || len(m.pending) == 0 {
		m.mu.Unlock()
		return
	}
	toDial := make([]discovery.Candidate, 0, free)
	for key, c := range m.pending {
		if len(toDial) >= free {
			break
		}
		toDial = append(toDial, c)
		delete(m.pending, key)
	}
	m.mu.Unlock()

	if len(toDial) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range toDial {
		c := c
		g.Go(func() error {
			m.dialOne(gctx, c)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) dialOne(ctx context.Context, c discovery.Candidate) {
	key := c.String()
	dialID := uuid.NewString()
	s := session.New(key, m.descriptor, m.pieces, m.queue, m.files, m.hub, m.selfID)

	m.mu.Lock()
	m.sessions[key] = s
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()
	if err := s.Dial(dialCtx); err != nil {
		log.Debug().Str("dial_id", dialID).Str("peer", key).Err(err).Msg("pool: outbound dial failed")
		m.removeSession(key)
	}
}

// AcceptInbound wires an already-established inbound connection into a new
// session keyed by its remote address, rejecting it outright if the pool
// is already at its concurrency bound or the peer is already connected.
func (m *Manager) AcceptInbound(ctx context.Context, remoteAddr string, accept func(s *session.Session) error) error {
	m.mu.Lock()
	if _, exists := m.sessions[remoteAddr]; exists || len(m.sessions) >= MaxConcurrentSessions {
		m.mu.Unlock()
		return errPoolFull
	}
	s := session.New(remoteAddr, m.descriptor, m.pieces, m.queue, m.files, m.hub, m.selfID)
	m.sessions[remoteAddr] = s
	m.mu.Unlock()

	acceptID := uuid.NewString()
	err := accept(s)
	if err != nil {
		log.Debug().Str("accept_id", acceptID).Str("peer", remoteAddr).Err(err).Msg("pool: inbound session setup failed")
		m.removeSession(remoteAddr)
	}
	return err
}

func (m *Manager) removeSession(key string) {
	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()
}

// RemoveSession drops a session from the live set; called by the
// orchestrator's NotifyClosed hook once a session has fully torn down.
func (m *Manager) RemoveSession(peerID string) {
	m.removeSession(peerID)
}

// Len reports the number of currently connected sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

var errPoolFull = poolFullError{}

type poolFullError struct{}

func (poolFullError) Error() string { return "pool: at concurrency bound or peer already connected" }
