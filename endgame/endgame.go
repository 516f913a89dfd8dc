// Package endgame implements the Endgame Controller (spec.md §4.8): once a
// download is nearly complete and few blocks remain queued, it is more
// efficient to request the last blocks from every peer that has them and
// cancel the losers than to wait out a single slow peer. The controller
// only flips a torrent into endgame, never back out of it; a download
// finishes or it doesn't.
package endgame

import (
	"torrentswarm/metainfo"
	"torrentswarm/piecestore"
	"torrentswarm/requestqueue"
	"torrentswarm/session"
)

// EntryProgressThreshold and EntryQueueThreshold are the two conditions
// that, together, trigger endgame (spec.md §4.8).
const (
	EntryProgressThreshold = 0.95
	EntryQueueThreshold    = 50
)

// Roster is the live set of sessions the controller can request duplicate
// blocks from and cancel against.
type Roster interface {
	Sessions() []*session.Session
}

// Controller tracks whether the swarm has entered endgame and drives the
// duplicate-request fan-out once it has.
type Controller struct {
	descriptor *metainfo.TorrentDescriptor
	pieces     *piecestore.Store
	queue      *requestqueue.Queue
	roster     Roster
	active     bool
}

// New builds a Controller for one torrent's descriptor, piece store,
// request queue and session roster.
func New(d *metainfo.TorrentDescriptor, pieces *piecestore.Store, queue *requestqueue.Queue, roster Roster) *Controller {
	return &Controller{descriptor: d, pieces: pieces, queue: queue, roster: roster}
}

// Active reports whether endgame mode is in effect.
func (c *Controller) Active() bool { return c.active }

// progress approximates download progress by verified piece count, since
// the controller only needs a progress ratio, not exact block accounting
// (spec.md §4.8 only specifies a percentage threshold).
func (c *Controller) progress() float64 {
	n := 0
	for i := 0; i < c.pieces.NumPieces(); i++ {
		if c.pieces.IsVerified(i) {
			n++
		}
	}
	if c.pieces.NumPieces() == 0 {
		return 0
	}
	return float64(n) / float64(c.pieces.NumPieces())
}

// Evaluate checks the entry condition and, on first crossing it, marks
// every Ready session as an endgame participant (spec.md §4.8: "requests
// the last few pieces from every peer that has them"). Entry is a one-way
// flip; every call once active re-runs the duplicate-request fan-out, since
// newly-Ready peers and newly-stalled blocks keep showing up for as long as
// the download is incomplete.
func (c *Controller) Evaluate() {
	if !c.active {
		if c.progress() < EntryProgressThreshold {
			return
		}
		if c.queue.Len() >= EntryQueueThreshold {
			return
		}
		c.active = true
		for _, s := range c.roster.Sessions() {
			if s.State() == session.Ready {
				s.EnterEndgame()
			}
		}
	}
	c.fanOutAll()
}

// fanOutAll requests every still-missing block of every unverified piece
// from every Ready session that has it. This is what actually makes
// endgame's "request from everyone" behavior real: the shared request
// queue hands a block to only one session at a time, so without this direct
// fan-out a block dequeued by a slow peer would never be asked of anyone
// else. CancelOutstanding (via Session.onPieceBlock's endgame branch) is
// what cancels the copies that lose the race once one peer delivers.
func (c *Controller) fanOutAll() {
	for p := 0; p < c.pieces.NumPieces(); p++ {
		blocks := c.pieces.OutstandingBlocks(p)
		if len(blocks) == 0 {
			continue
		}
		sessions := c.roster.Sessions()
		for _, blockIdx := range blocks {
			offset := int64(blockIdx) * metainfo.BlockLen
			length := c.descriptor.BlockLength(p, blockIdx)
			for _, s := range sessions {
				if s.State() != session.Ready {
					continue
				}
				s.RequestEndgameBlock(p, offset, length)
			}
		}
	}
}

// CancelOutstanding is the Hub-facing half of endgame: once one session
// delivers (piece, offset), it sends CANCEL to every other Ready session,
// whether or not that session has the block outstanding, and drops the
// block from each one's active requests where present. The shared queue is
// not touched here. except is the delivering session itself, already
// handled by its own onPieceBlock path.
func CancelOutstanding(roster Roster, piece int, offset, length int64, except *session.Session) {
	for _, s := range roster.Sessions() {
		if s == except || s.State() != session.Ready {
			continue
		}
		_ = s.SendCancel(piece, offset, length)
		s.CancelActiveRequest(piece, offset)
	}
}
