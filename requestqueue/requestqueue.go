// Package requestqueue implements the global work queue of (piece, offset,
// length) block units, rarest-first piece selection and per-peer
// availability filtering (spec.md §4.3). A single Queue instance serializes
// all mutation; it is the expected contention hotspot (spec.md §5), and the
// 1-second rarest-piece cache is the documented mitigation.
package requestqueue

import (
	"container/list"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"

	"torrentswarm/metainfo"
)

// Block identifies one (piece, offset, length) unit of work.
type Block struct {
	Piece  int
	Offset int64
	Length int64
}

type key struct {
	piece  int
	offset int64
}

// Queue is the rarest-first request queue for one torrent.
type Queue struct {
	mu sync.Mutex

	order    *list.List          // ordered multiset of queued Blocks
	elements map[key]*list.Element
	queuedAt map[int]int // piece -> count of its blocks currently queued

	freq         map[int]int                 // piece -> number of peers known to have it
	availability map[string]*roaring.Bitmap // peer id -> pieces it has

	rarestValid bool
	rarestPiece int
	rarestAt    time.Time
	cacheTTL    time.Duration

	now func() time.Time
}

// New builds an empty Queue.
func New() *Queue {
	return &Queue{
		order:        list.New(),
		elements:     make(map[key]*list.Element),
		queuedAt:     make(map[int]int),
		freq:         make(map[int]int),
		availability: make(map[string]*roaring.Bitmap),
		cacheTTL:     time.Second,
		now:          time.Now,
	}
}

// EnqueuePiece pushes every block of piece p, in ascending offset order, to
// the back of the queue. blockLen(i) must return the length of block i
// (the caller, piecestore-aware, knows piece/block sizing).
func (q *Queue) EnqueuePiece(p int, numBlocks int, blockLen func(blockIdx int) int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := 0; i < numBlocks; i++ {
		offset := int64(i) * metainfo.BlockLen
		b := Block{Piece: p, Offset: offset, Length: blockLen(i)}
		q.pushBack(b)
	}
}

func (q *Queue) pushBack(b Block) {
	k := key{b.Piece, b.Offset}
	if _, exists := q.elements[k]; exists {
		return
	}
	el := q.order.PushBack(b)
	q.elements[k] = el
	q.queuedAt[b.Piece]++
	q.invalidateRarestLocked()
}

// PushFront re-queues a block at the head: used for timeouts, session
// closure and failed writes, so it is retried before newly discovered work.
func (q *Queue) PushFront(b Block) {
	q.mu.Lock()
	defer q.mu.Unlock()
	k := key{b.Piece, b.Offset}
	if _, exists := q.elements[k]; exists {
		return
	}
	el := q.order.PushFront(b)
	q.elements[k] = el
	q.queuedAt[b.Piece]++
	q.invalidateRarestLocked()
}

// UpdatePeerPieces recomputes a peer's availability set, adjusting the
// global frequency map for pieces added or removed, and invalidates the
// rarest-piece cache.
func (q *Queue) UpdatePeerPieces(peerID string, pieces *roaring.Bitmap) {
	q.mu.Lock()
	defer q.mu.Unlock()

	old, had := q.availability[peerID]
	if had {
		it := old.Iterator()
		for it.HasNext() {
			p := int(it.Next())
			q.freq[p]--
			if q.freq[p] <= 0 {
				delete(q.freq, p)
			}
		}
	}

	clone := pieces.Clone()
	q.availability[peerID] = clone
	it := clone.Iterator()
	for it.HasNext() {
		p := int(it.Next())
		q.freq[p]++
	}
	q.invalidateRarestLocked()
}

// RemovePeer drops a peer's availability entirely, decrementing frequency
// counts.
func (q *Queue) RemovePeer(peerID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	old, had := q.availability[peerID]
	if !had {
		return
	}
	it := old.Iterator()
	for it.HasNext() {
		p := int(it.Next())
		q.freq[p]--
		if q.freq[p] <= 0 {
			delete(q.freq, p)
		}
	}
	delete(q.availability, peerID)
	q.invalidateRarestLocked()
}

func (q *Queue) invalidateRarestLocked() {
	q.rarestValid = false
}

// rarestQueuedPieceLocked returns the rarest piece among those still queued,
// using the 1-second cache when valid.
func (q *Queue) rarestQueuedPieceLocked() (int, bool) {
	if q.rarestValid && q.now().Sub(q.rarestAt) < q.cacheTTL {
		if _, stillQueued := q.queuedAt[q.rarestPiece]; stillQueued {
			return q.rarestPiece, true
		}
	}
	best := -1
	bestFreq := int(^uint(0) >> 1)
	for p := range q.queuedAt {
		f := q.freq[p]
		if f < bestFreq {
			bestFreq = f
			best = p
		}
	}
	if best == -1 {
		q.rarestValid = false
		return 0, false
	}
	q.rarestPiece = best
	q.rarestAt = q.now()
	q.rarestValid = true
	return best, true
}

// Dequeue selects the next block to request from a peer whose available
// pieces are peerAvailable. A nil or empty peerAvailable falls back to pure
// FIFO (step 1 of spec.md §4.3); otherwise the rarest piece the peer has
// among currently queued pieces is preferred, falling back to any queued
// block the peer has.
func (q *Queue) Dequeue(peerAvailable *roaring.Bitmap) (Block, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if peerAvailable == nil || peerAvailable.IsEmpty() {
		return q.popFirstLocked(nil)
	}

	if rarest, ok := q.rarestQueuedPieceLocked(); ok && peerAvailable.Contains(uint32(rarest)) {
		if b, ok := q.popFirstOfPieceLocked(rarest); ok {
			return b, true
		}
	}

	return q.popFirstLocked(peerAvailable)
}

// popFirstLocked scans from the front for the first block matching filter
// (nil filter matches everything).
func (q *Queue) popFirstLocked(filter *roaring.Bitmap) (Block, bool) {
	for e := q.order.Front(); e != nil; e = e.Next() {
		b := e.Value.(Block)
		if filter == nil || filter.Contains(uint32(b.Piece)) {
			q.removeElementLocked(e, b)
			return b, true
		}
	}
	return Block{}, false
}

func (q *Queue) popFirstOfPieceLocked(piece int) (Block, bool) {
	for e := q.order.Front(); e != nil; e = e.Next() {
		b := e.Value.(Block)
		if b.Piece == piece {
			q.removeElementLocked(e, b)
			return b, true
		}
	}
	return Block{}, false
}

func (q *Queue) removeElementLocked(e *list.Element, b Block) {
	q.order.Remove(e)
	delete(q.elements, key{b.Piece, b.Offset})
	q.queuedAt[b.Piece]--
	if q.queuedAt[b.Piece] <= 0 {
		delete(q.queuedAt, b.Piece)
	}
}

// Remove drops a specific (piece, offset) from the queue if present, used
// when endgame delivery makes an outstanding duplicate request moot.
func (q *Queue) Remove(piece int, offset int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	k := key{piece, offset}
	el, ok := q.elements[k]
	if !ok {
		return
	}
	q.removeElementLocked(el, el.Value.(Block))
}

// RemovePiece drops every still-queued block of piece p, used to bootstrap a
// torrent that starts out already fully verified (the `seed` command): those
// blocks will never be dequeued for download.
func (q *Queue) RemovePiece(p int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var next *list.Element
	for e := q.order.Front(); e != nil; e = next {
		next = e.Next()
		if e.Value.(Block).Piece == p {
			q.removeElementLocked(e, e.Value.(Block))
		}
	}
}

// Len returns the number of blocks currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.order.Len()
}
