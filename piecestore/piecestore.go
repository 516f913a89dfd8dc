// Package piecestore implements the per-piece block buffers, the
// request/receive bookkeeping and the SHA-1 verified assembly pipeline
// (spec.md §4.2). A single Store instance owns all mutation of piece state;
// callers serialize access to add_received/try_finalize per piece by
// calling through the Store's own lock rather than sharing the underlying
// maps.
package piecestore

import (
	"crypto/sha1"
	"sync"

	"github.com/rs/zerolog/log"

	"torrentswarm/metainfo"
	"torrentswarm/wire"
)

// VerifiedFunc is invoked exactly once per piece, the moment its SHA-1
// matches the expected digest, and is the only trigger allowed to cause a
// HAVE broadcast (spec.md §4.2, the swarm-poisoning-relay invariant).
type VerifiedFunc func(pieceIndex int)

type blockState struct {
	requested bool
	received  bool
	data      []byte
}

type pieceState struct {
	blocks   []blockState
	verified bool
}

// Store is the piece/block bookkeeping and SHA-1 verifier for one torrent.
type Store struct {
	descriptor *metainfo.TorrentDescriptor
	onVerified VerifiedFunc

	mu     sync.Mutex
	pieces []pieceState
	bf     wire.Bitfield
}

// New builds a Store for descriptor d. onVerified is called synchronously
// from within TryFinalize, after the store's own state has already
// transitioned to verified (happens-before per spec.md §5).
func New(d *metainfo.TorrentDescriptor, onVerified VerifiedFunc) *Store {
	s := &Store{
		descriptor: d,
		onVerified: onVerified,
		pieces:     make([]pieceState, d.NumPieces()),
		bf:         wire.NewBitfield(d.NumPieces()),
	}
	for i := range s.pieces {
		s.pieces[i].blocks = make([]blockState, d.NumBlocks(i))
	}
	return s
}

// blockIndex maps a byte offset within a piece to its block slot, or -1 if
// offset does not fall on a block boundary.
func (s *Store) blockIndex(piece int, offset int64) int {
	idx := int(offset / metainfo.BlockLen)
	if idx < 0 || idx >= len(s.pieces[piece].blocks) {
		return -1
	}
	if int64(idx)*metainfo.BlockLen != offset {
		return -1
	}
	return idx
}

func (s *Store) inRange(piece int) bool {
	return piece >= 0 && piece < len(s.pieces)
}

// Needed reports whether (piece, offset) is still worth requesting: the
// piece is unverified and the specific block has not been received.
func (s *Store) Needed(piece int, offset int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inRange(piece) || s.pieces[piece].verified {
		return false
	}
	bi := s.blockIndex(piece, offset)
	if bi < 0 {
		return false
	}
	return !s.pieces[piece].blocks[bi].received
}

// AddRequested marks (piece, offset) as outstanding. Idempotent and
// bounds-checked; a bad (piece, offset) is a silent no-op.
func (s *Store) AddRequested(piece int, offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inRange(piece) {
		return
	}
	bi := s.blockIndex(piece, offset)
	if bi < 0 {
		return
	}
	s.pieces[piece].blocks[bi].requested = true
}

// RemoveRequested clears the outstanding flag for (piece, offset).
func (s *Store) RemoveRequested(piece int, offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inRange(piece) {
		return
	}
	bi := s.blockIndex(piece, offset)
	if bi < 0 {
		return
	}
	s.pieces[piece].blocks[bi].requested = false
}

// AddReceived stores the bytes for (piece, offset). A duplicate delivery
// (already received) is a no-op: the first bytes received for a block are
// the ones that stick, per spec.md §8. Returns true if this call actually
// stored new bytes.
func (s *Store) AddReceived(piece int, offset int64, data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inRange(piece) || s.pieces[piece].verified {
		return false
	}
	bi := s.blockIndex(piece, offset)
	if bi < 0 {
		return false
	}
	b := &s.pieces[piece].blocks[bi]
	if b.received {
		return false
	}
	b.data = append([]byte(nil), data...)
	b.received = true
	return true
}

// FinalizeResult is the outcome of TryFinalize.
type FinalizeResult int

const (
	// NotReady means not all blocks of the piece have been received yet.
	NotReady FinalizeResult = iota
	// Verified means the piece's SHA-1 matched and onVerified fired.
	Verified
	// Mismatch means all blocks were present but the SHA-1 did not match;
	// the piece's state was reset for re-download.
	Mismatch
	// AlreadyVerified means TryFinalize was called again on a piece that
	// had already verified; it is a no-op.
	AlreadyVerified
)

// TryFinalize assembles piece p from its buffered blocks once all have
// arrived, verifies its SHA-1 against the expected digest, and either marks
// it verified (clearing buffers, firing onVerified) or resets it for
// re-download on mismatch. Calling TryFinalize again on an already-verified
// piece is a no-op (spec.md §8 idempotence).
func (s *Store) TryFinalize(p int) FinalizeResult {
	s.mu.Lock()
	if !s.inRange(p) {
		s.mu.Unlock()
		return NotReady
	}
	ps := &s.pieces[p]
	if ps.verified {
		s.mu.Unlock()
		return AlreadyVerified
	}
	for _, b := range ps.blocks {
		if !b.received {
			s.mu.Unlock()
			return NotReady
		}
	}

	assembled := make([]byte, 0, s.descriptor.PieceLen(p))
	for _, b := range ps.blocks {
		assembled = append(assembled, b.data...)
	}
	sum := sha1.Sum(assembled)

	if sum != s.descriptor.PieceHashes[p] {
		for i := range ps.blocks {
			ps.blocks[i].requested = false
			ps.blocks[i].received = false
			ps.blocks[i].data = nil
		}
		s.mu.Unlock()
		log.Warn().Int("piece", p).Msg("piecestore: SHA-1 mismatch, piece reset")
		return Mismatch
	}

	ps.verified = true
	for i := range ps.blocks {
		ps.blocks[i].data = nil
	}
	s.bf.SetPiece(p)
	s.mu.Unlock()

	// onVerified fires outside the lock: it typically triggers a HAVE
	// broadcast across sessions, which must never itself reenter the store
	// in a way that deadlocks on this same mutex.
	if s.onVerified != nil {
		s.onVerified(p)
	}
	return Verified
}

// OutstandingBlocks returns the block indices of piece p that have not yet
// been received, regardless of whether they are currently requested. It is
// the Endgame Controller's view into still-missing work (spec.md §4.8):
// unlike Needed, it does not stop at the first satisfied block, so the
// controller can fan every remaining block out to every peer that has it.
// Returns nil for an out-of-range or already-verified piece.
func (s *Store) OutstandingBlocks(p int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inRange(p) || s.pieces[p].verified {
		return nil
	}
	var out []int
	for i, b := range s.pieces[p].blocks {
		if !b.received {
			out = append(out, i)
		}
	}
	return out
}

// MarkVerified bootstraps piece p as already verified without going through
// TryFinalize, for a swarm that starts from content already known-good (the
// `seed` CLI command, after metainfo.VerifyAgainstDisk has confirmed the
// on-disk bytes match). It does not invoke onVerified: there are no sessions
// to notify yet at construction time, and every session that later reaches
// Ready sends its own outbound bitfield (spec.md §4.5), which already
// reflects this bit.
func (s *Store) MarkVerified(p int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inRange(p) || s.pieces[p].verified {
		return
	}
	s.pieces[p].verified = true
	for i := range s.pieces[p].blocks {
		s.pieces[p].blocks[i].received = true
		s.pieces[p].blocks[i].requested = false
		s.pieces[p].blocks[i].data = nil
	}
	s.bf.SetPiece(p)
}

// NumPieces returns the number of pieces in the torrent this store tracks.
func (s *Store) NumPieces() int { return len(s.pieces) }

// IsDone reports whether every piece has verified.
func (s *Store) IsDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.pieces {
		if !s.pieces[i].verified {
			return false
		}
	}
	return true
}

// IsVerified reports whether a single piece has verified.
func (s *Store) IsVerified(p int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inRange(p) && s.pieces[p].verified
}

// Bitfield returns a copy of the current verified-piece bitfield, safe for
// the caller to send on the wire.
func (s *Store) Bitfield() wire.Bitfield {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(wire.Bitfield, len(s.bf))
	copy(out, s.bf)
	return out
}
