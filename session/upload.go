package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"torrentswarm/wire"
)

const (
	defaultUploadBytesPerSec = 256 * 1024
	maxQueuedUploadRequests  = 1000
)

// uploader serves REQUEST messages from this peer, rate-limited both by
// bandwidth (a token bucket, spec.md §4.6) and by a bounded FIFO so a peer
// that requests faster than we can serve cannot grow unbounded memory.
type uploader struct {
	mu        sync.Mutex
	limiter   *rate.Limiter
	reqCount  *rate.Limiter
	cancelled map[reqKey]bool
	pending   int
}

func newUploader() *uploader {
	return &uploader{
		limiter:   rate.NewLimiter(rate.Limit(defaultUploadBytesPerSec), defaultUploadBytesPerSec),
		reqCount:  rate.NewLimiter(rate.Limit(1000.0/60.0), 1000),
		cancelled: make(map[reqKey]bool),
	}
}

// onUploadRequest validates and serves one REQUEST message. A length above
// MaxRequestLength or breaching the per-peer request-rate limit is abuse
// and closes the session (spec.md §4.6, §7). A choked peer or a request for
// a piece we have not verified yet is not abuse, just unservable right now;
// it is silently dropped, same as the bandwidth-queue-full case below.
func (s *Session) onUploadRequest(piece int, begin, length int64) error {
	if length <= 0 || length > wire.MaxRequestLength {
		return fmt.Errorf("session: request length %d exceeds max", length)
	}

	s.mu.Lock()
	if s.uploader == nil {
		s.uploader = newUploader()
	}
	up := s.uploader
	choking := s.chokingRemote
	s.mu.Unlock()

	if !up.reqCount.Allow() {
		return fmt.Errorf("session: upload request rate exceeded 1000/min")
	}

	if choking {
		return nil
	}
	if !s.pieces.IsVerified(piece) {
		return nil
	}

	up.mu.Lock()
	if up.pending >= maxQueuedUploadRequests {
		up.mu.Unlock()
		log.Warn().Str("peer", s.PeerID).Msg("session: upload queue full, dropping request")
		return nil
	}
	up.pending++
	up.mu.Unlock()

	go s.serveUpload(up, piece, begin, length)
	return nil
}

func (s *Session) serveUpload(up *uploader, piece int, begin, length int64) {
	defer func() {
		up.mu.Lock()
		up.pending--
		delete(up.cancelled, reqKey{piece, begin})
		up.mu.Unlock()
	}()

	if err := up.limiter.WaitN(context.Background(), int(length)); err != nil {
		return
	}

	up.mu.Lock()
	cancelled := up.cancelled[reqKey{piece, begin}]
	up.mu.Unlock()
	if cancelled {
		return
	}

	if s.files == nil {
		return
	}
	data, err := s.files.ReadBlock(piece, begin, length)
	if err != nil {
		log.Error().Err(err).Int("piece", piece).Msg("session: upload read failed")
		return
	}

	msg := &wire.Message{Type: wire.Piece, Payload: wire.FormatPiece(uint32(piece), uint32(begin), data)}
	if err := s.sendRaw(msg); err != nil {
		log.Debug().Err(err).Str("peer", s.PeerID).Msg("session: upload send failed")
		return
	}

	s.mu.Lock()
	s.uploadedBytes += uint64(len(data))
	s.mu.Unlock()
}

// onCancelUpload marks an in-flight upload as cancelled so it is not sent
// once its bandwidth wait completes.
func (s *Session) onCancelUpload(piece int, begin int64) {
	s.mu.Lock()
	up := s.uploader
	s.mu.Unlock()
	if up == nil {
		return
	}
	up.mu.Lock()
	up.cancelled[reqKey{piece, begin}] = true
	up.mu.Unlock()
}
