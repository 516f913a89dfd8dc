package session

import (
	"time"

	"github.com/rs/zerolog/log"

	"torrentswarm/piecestore"
	"torrentswarm/requestqueue"
	"torrentswarm/wire"
)

// PumpRequests tops up this session's pipeline from the request queue up to
// max_pipeline in-flight blocks, provided we are not choked by the remote
// and have something it can serve (spec.md §4.5 "request pump"). It is
// called whenever pipeline headroom might have opened: on unchoke, on a
// delivered block, and on a HAVE/bitfield update.
func (s *Session) PumpRequests() {
	for {
		s.mu.Lock()
		if s.state != Ready || s.chokedByRemote {
			s.mu.Unlock()
			return
		}
		if s.pendingCount >= s.maxPipeline {
			s.mu.Unlock()
			return
		}
		avail := s.availablePieces.Clone()
		s.mu.Unlock()

		block, ok := s.queue.Dequeue(avail)
		if !ok {
			return
		}
		if !s.pieces.Needed(block.Piece, block.Offset) {
			// Another session already delivered this (endgame, or a race
			// with a recent HAVE); drop it rather than request dead work.
			continue
		}

		s.pieces.AddRequested(block.Piece, block.Offset)
		s.mu.Lock()
		s.activeRequests[reqKey{block.Piece, block.Offset}] = activeRequest{
			length:      block.Length,
			requestedAt: time.Now(),
		}
		s.pendingCount++
		s.mu.Unlock()

		msg := &wire.Message{
			Type:    wire.Request,
			Payload: wire.FormatRequest(uint32(block.Piece), uint32(block.Offset), uint32(block.Length)),
		}
		if err := s.sendRaw(msg); err != nil {
			s.mu.Lock()
			delete(s.activeRequests, reqKey{block.Piece, block.Offset})
			s.pendingCount--
			s.mu.Unlock()
			s.pieces.RemoveRequested(block.Piece, block.Offset)
			s.queue.PushFront(block)
			s.Close("write failed during request pump")
			return
		}
	}
}

// RequestEndgameBlock issues a direct REQUEST for (piece, offset, length)
// outside the shared request queue, which hands a block to only one
// consumer at a time. The Endgame Controller calls this on every Ready
// session that has the piece so the same block is genuinely outstanding to
// several peers at once (spec.md §4.8); CancelOutstanding/onPieceBlock's
// endgame branch then cancels whichever copies lose the race. A no-op if we
// are choked, the peer doesn't have the piece, it is no longer needed, the
// pipeline is already full, or this exact block is already outstanding to
// this same peer.
func (s *Session) RequestEndgameBlock(piece int, offset, length int64) {
	if !s.pieces.Needed(piece, offset) {
		return
	}

	s.mu.Lock()
	if s.state != Ready || s.chokedByRemote {
		s.mu.Unlock()
		return
	}
	if s.pendingCount >= s.maxPipeline {
		s.mu.Unlock()
		return
	}
	if !s.availablePieces.Contains(uint32(piece)) {
		s.mu.Unlock()
		return
	}
	rk := reqKey{piece, offset}
	if _, already := s.activeRequests[rk]; already {
		s.mu.Unlock()
		return
	}
	s.activeRequests[rk] = activeRequest{length: length, requestedAt: time.Now()}
	s.pendingCount++
	s.mu.Unlock()

	s.pieces.AddRequested(piece, offset)

	msg := &wire.Message{
		Type:    wire.Request,
		Payload: wire.FormatRequest(uint32(piece), uint32(offset), uint32(length)),
	}
	if err := s.sendRaw(msg); err != nil {
		s.mu.Lock()
		delete(s.activeRequests, rk)
		s.pendingCount--
		s.mu.Unlock()
		s.pieces.RemoveRequested(piece, offset)
		s.Close("write failed during endgame request")
	}
}

// onPieceBlock handles an inbound PIECE message: it updates RTT and the
// adaptive pipeline bound, stores the bytes, persists every newly stored
// block before trying to finalize its piece, and cancels the same block on every other session when
// endgame is active (spec.md §4.5, §4.8).
func (s *Session) onPieceBlock(piece int, begin int64, data []byte) {
	s.mu.Lock()
	rk := reqKey{piece, begin}
	req, wasActive := s.activeRequests[rk]
	if wasActive {
		delete(s.activeRequests, rk)
		s.pendingCount--
	}
	s.mu.Unlock()

	if wasActive {
		s.recordLatency(time.Since(req.requestedAt))
	}

	s.pieces.RemoveRequested(piece, begin)
	stored := s.pieces.AddReceived(piece, begin, data)

	s.mu.Lock()
	s.downloadedBytes += uint64(len(data))
	s.mu.Unlock()

	if stored {
		if s.files != nil {
			if err := s.files.WriteBlock(piece, begin, data); err != nil {
				log.Error().Err(err).Int("piece", piece).Msg("session: failed to persist block")
			}
		}
		if result := s.pieces.TryFinalize(piece); result == piecestore.Verified {
			s.queue.Remove(piece, begin) // no-op if absent, defensive against races
		}
	}

	if s.hub.EndgameActive() {
		s.hub.CancelOutstanding(piece, begin, int64(len(data)), s)
	}

	s.PumpRequests()
}

// recordLatency folds a single round-trip sample into the rolling EMA and
// adjusts max_pipeline within [8,100]: fast RTT (<300ms) grows the window,
// slow RTT (>800ms) shrinks it (spec.md §4.5).
func (s *Session) recordLatency(rtt time.Duration) {
	const alpha = 0.2
	ms := float64(rtt.Milliseconds())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rollingLatencyMs == 0 {
		s.rollingLatencyMs = ms
	} else {
		s.rollingLatencyMs = alpha*ms + (1-alpha)*s.rollingLatencyMs
	}

	switch {
	case rtt < fastRTT:
		s.maxPipeline = clampPipeline(s.maxPipeline + 1)
	case rtt > slowRTT:
		s.maxPipeline = clampPipeline(s.maxPipeline - 1)
	}
}

func clampPipeline(n int) int {
	if n < minPipeline {
		return minPipeline
	}
	if n > maxPipelineCap {
		return maxPipelineCap
	}
	return n
}

// CheckBlockTimeouts releases any active request older than 30s back to the
// request queue and removes it from this session's pipeline accounting.
// Called by the Timeout Supervisor's 5-second tick (spec.md §4.9).
func (s *Session) CheckBlockTimeouts(now time.Time) {
	var timedOut []requestqueue.Block

	s.mu.Lock()
	for k, v := range s.activeRequests {
		if now.Sub(v.requestedAt) > blockTimeout {
			timedOut = append(timedOut, requestqueue.Block{Piece: k.piece, Offset: k.offset, Length: v.length})
		}
	}
	for _, b := range timedOut {
		delete(s.activeRequests, reqKey{b.Piece, b.Offset})
		s.pendingCount--
	}
	s.mu.Unlock()

	for _, b := range timedOut {
		s.pieces.RemoveRequested(b.Piece, b.Offset)
		s.queue.PushFront(b)
	}
	if len(timedOut) > 0 {
		log.Warn().Str("peer", s.PeerID).Int("count", len(timedOut)).Msg("session: block timeouts")
		s.PumpRequests()
	}
}
