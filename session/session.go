// Package session implements the Peer Session state machine (spec.md §4.5):
// one instance per connected peer, owning its socket and all protocol
// state. A session never reaches into another session's state directly;
// cross-session effects (HAVE broadcast, endgame cancel, choking refresh)
// go through the Hub interface it is constructed with, per the "replace
// callback-based upward messaging with an explicit command interface"
// design note (spec.md §9).
package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/rs/zerolog/log"

	"torrentswarm/filestore"
	"torrentswarm/metainfo"
	"torrentswarm/piecestore"
	"torrentswarm/requestqueue"
	"torrentswarm/wire"
)

// State is a session's position in its Dialing -> Handshaking -> Ready ->
// Closed lifecycle. Closed is terminal.
type State int

const (
	Dialing State = iota
	Handshaking
	Ready
	Closed
)

func (s State) String() string {
	switch s {
	case Dialing:
		return "dialing"
	case Handshaking:
		return "handshaking"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ChokeState is the tri-state last_sent_choke_state (spec.md §3): a session
// starts with no choke message sent at all, so a first decision always
// produces a wire message.
type ChokeState int

const (
	ChokeUnset ChokeState = iota
	ChokeSent
	UnchokeSent
)

const (
	minPipeline     = 8
	maxPipelineCap  = 100
	initialPipeline = 10
	fastRTT         = 300 * time.Millisecond
	slowRTT         = 800 * time.Millisecond
	blockTimeout    = 30 * time.Second
)

type activeRequest struct {
	length      int64
	requestedAt time.Time
}

type reqKey struct {
	piece  int
	offset int64
}

// Hub is the set of cross-session operations a Session needs from the
// orchestrator: broadcasting, endgame membership and choking refresh. A
// Session never iterates another Session's fields directly.
type Hub interface {
	// BroadcastHave sends HAVE(piece) to every open Ready session.
	BroadcastHave(piece int)
	// CancelOutstanding sends CANCEL(piece,offset,length) to every open
	// Ready session other than except, whether or not its active requests
	// contain that block, and removes the entry there where present.
	CancelOutstanding(piece int, offset int64, length int64, except *Session)
	// EndgameActive reports whether the swarm has entered endgame.
	EndgameActive() bool
	// NotifyReady is called once when a session reaches Ready, so the
	// Choking Controller can run an immediate round rather than waiting
	// up to 10s (spec.md §4.7).
	NotifyReady(s *Session)
	// NotifyClosed is called once when a session transitions to Closed.
	NotifyClosed(s *Session)
}

// Session is one connected peer: socket plus protocol state.
type Session struct {
	PeerID       string // "ip:port"
	RemotePeerID [20]byte

	descriptor *metainfo.TorrentDescriptor
	pieces     *piecestore.Store
	queue      *requestqueue.Queue
	files      *filestore.Store
	hub        Hub
	selfID     [20]byte

	conn net.Conn

	mu                 sync.Mutex
	state              State
	chokedByRemote     bool
	interestedInRemote bool
	chokingRemote      bool
	interestedInUs     bool
	availablePieces    *roaring.Bitmap
	activeRequests     map[reqKey]activeRequest
	pendingCount       int
	maxPipeline        int
	rollingLatencyMs   float64
	downloadedBytes    uint64
	uploadedBytes      uint64
	downloadRateBps    float64
	uploadRateBps      float64
	lastSentChoke      ChokeState
	endgameFlag        bool
	lastInboundAt      time.Time

	uploader *uploader

	rateSampleAt   time.Time
	rateDownloaded uint64
	rateUploaded   uint64

	closeOnce sync.Once
}

// UpdateRates folds the bytes transferred since the last call into an EMA of
// download/upload rate, in bytes/sec. It is driven by the Choking
// Controller's periodic round (spec.md §4.7) rather than computed on every
// byte, since the controller only needs a rate sampled every few seconds.
func (s *Session) UpdateRates(now time.Time) {
	const alpha = 0.3

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rateSampleAt.IsZero() {
		s.rateSampleAt = now
		s.rateDownloaded = s.downloadedBytes
		s.rateUploaded = s.uploadedBytes
		return
	}
	elapsed := now.Sub(s.rateSampleAt).Seconds()
	if elapsed <= 0 {
		return
	}

	downRate := float64(s.downloadedBytes-s.rateDownloaded) / elapsed
	upRate := float64(s.uploadedBytes-s.rateUploaded) / elapsed

	if s.downloadRateBps == 0 {
		s.downloadRateBps = downRate
	} else {
		s.downloadRateBps = alpha*downRate + (1-alpha)*s.downloadRateBps
	}
	if s.uploadRateBps == 0 {
		s.uploadRateBps = upRate
	} else {
		s.uploadRateBps = alpha*upRate + (1-alpha)*s.uploadRateBps
	}

	s.rateSampleAt = now
	s.rateDownloaded = s.downloadedBytes
	s.rateUploaded = s.uploadedBytes
}

// New constructs a session in the Dialing state, not yet connected.
func New(peerID string, d *metainfo.TorrentDescriptor, pieces *piecestore.Store, queue *requestqueue.Queue, files *filestore.Store, hub Hub, selfID [20]byte) *Session {
	return &Session{
		PeerID:          peerID,
		descriptor:      d,
		pieces:          pieces,
		queue:           queue,
		files:           files,
		hub:             hub,
		selfID:          selfID,
		state:           Dialing,
		chokingRemote:   true,
		availablePieces: roaring.New(),
		activeRequests:  make(map[reqKey]activeRequest),
		maxPipeline:     initialPipeline,
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dial opens a TCP connection to the peer with TCP_NODELAY and keep-alive
// enabled, performs the handshake, and runs the read loop until the
// connection closes or ctx is canceled. A failed connect transitions
// straight to Closed (spec.md §4.5).
func (s *Session) Dial(ctx context.Context) error {
	dialer := net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", s.PeerID)
	if err != nil {
		s.transitionClosed()
		return fmt.Errorf("session: dial %s: %w", s.PeerID, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	return s.run(ctx, conn)
}

// Accept wires an already-connected inbound socket into the session and
// runs it the same way Dial does, after performing our side of the
// handshake.
func (s *Session) Accept(ctx context.Context, conn net.Conn) error {
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	return s.run(ctx, conn)
}

func (s *Session) run(ctx context.Context, conn net.Conn) error {
	s.mu.Lock()
	s.conn = conn
	s.state = Handshaking
	s.mu.Unlock()

	if err := s.handshake(); err != nil {
		s.Close(fmt.Sprintf("handshake failed: %v", err))
		return err
	}

	s.mu.Lock()
	s.state = Ready
	s.interestedInRemote = true
	s.lastInboundAt = time.Now()
	s.mu.Unlock()

	if bf := s.pieces.Bitfield(); len(bf) > 0 {
		if err := s.sendRaw(&wire.Message{Type: wire.BitfieldMsg, Payload: bf}); err != nil {
			s.Close(fmt.Sprintf("failed to send bitfield: %v", err))
			return err
		}
	}

	if err := s.sendRaw(&wire.Message{Type: wire.Interested}); err != nil {
		s.Close(fmt.Sprintf("failed to send interested: %v", err))
		return err
	}

	s.hub.NotifyReady(s)

	return s.readLoop(ctx)
}

// handshake sends our handshake and validates the peer's reply. Byte 0 not
// 0x13 or bytes 1..20 not the literal protocol string closes the session
// (spec.md §4.1, §4.5).
func (s *Session) handshake() error {
	s.conn.SetDeadline(time.Now().Add(30 * time.Second))
	defer s.conn.SetDeadline(time.Time{})

	hs := wire.NewHandshake(s.descriptor.InfoHash, s.selfID)
	if _, err := s.conn.Write(hs.Marshal()); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}
	remote, err := wire.ReadHandshake(s.conn)
	if err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	if remote.InfoHash != s.descriptor.InfoHash {
		return fmt.Errorf("info-hash mismatch")
	}
	s.mu.Lock()
	s.RemotePeerID = remote.PeerID
	s.mu.Unlock()
	return nil
}

// readLoop parses length-prefixed frames in arrival order until the
// connection ends or ctx cancels. Malformed frames are dropped and the
// session stays open; repeated framing errors close it (spec.md §7).
func (s *Session) readLoop(ctx context.Context) error {
	const maxFramingErrors = 20
	framingErrors := 0

	for {
		select {
		case <-ctx.Done():
			s.Close("context canceled")
			return ctx.Err()
		default:
		}

		msg, ok, err := wire.ReadMessage(s.conn)
		if err == wire.ErrMalformedFrame {
			framingErrors++
			if framingErrors >= maxFramingErrors {
				s.Close("too many malformed frames")
				return fmt.Errorf("session: too many malformed frames from %s", s.PeerID)
			}
			continue
		}
		if err != nil {
			s.Close(fmt.Sprintf("read error: %v", err))
			return err
		}

		s.mu.Lock()
		s.lastInboundAt = time.Now()
		s.mu.Unlock()

		if !ok {
			// Keep-alive: no fields, no dispatch.
			continue
		}

		if err := s.dispatch(msg); err != nil {
			s.Close(fmt.Sprintf("abusive frame: %v", err))
			return err
		}
	}
}

func (s *Session) dispatch(msg *wire.Message) error {
	switch msg.Type {
	case wire.Choke:
		s.onChoke()
	case wire.Unchoke:
		s.onUnchoke()
	case wire.Interested:
		s.mu.Lock()
		s.interestedInUs = true
		s.mu.Unlock()
	case wire.NotInterested:
		s.mu.Lock()
		s.interestedInUs = false
		s.mu.Unlock()
	case wire.Have:
		if len(msg.Payload) < 4 {
			return nil
		}
		s.onHave(int(wire.ParseHave(msg.Payload)))
	case wire.BitfieldMsg:
		s.onBitfield(msg.Payload)
	case wire.Request:
		if len(msg.Payload) < 12 {
			return nil
		}
		idx, begin, length := wire.ParseRequest(msg.Payload)
		return s.onUploadRequest(int(idx), int64(begin), int64(length))
	case wire.Piece:
		if len(msg.Payload) < 8 {
			return nil
		}
		idx, begin, block := wire.ParsePiece(msg.Payload)
		s.onPieceBlock(int(idx), int64(begin), block)
	case wire.Cancel:
		if len(msg.Payload) < 12 {
			return nil
		}
		idx, begin, _ := wire.ParseRequest(msg.Payload)
		s.onCancelUpload(int(idx), int64(begin))
	case wire.Port:
		// Accepted, ignored: the core does not hand PORT to the DHT
		// (spec.md §9 open question, preserved from the teacher).
	default:
		// Unknown IDs are dropped silently (spec.md §4.1).
	}
	return nil
}

func (s *Session) onChoke() {
	s.mu.Lock()
	s.chokedByRemote = true
	s.pendingCount = 0
	s.mu.Unlock()
	log.Debug().Str("peer", s.PeerID).Msg("session: choked by remote")
}

func (s *Session) onUnchoke() {
	s.mu.Lock()
	s.chokedByRemote = false
	s.mu.Unlock()
	log.Debug().Str("peer", s.PeerID).Msg("session: unchoked by remote")
	s.PumpRequests()
}

func (s *Session) onHave(piece int) {
	if piece < 0 || piece >= s.descriptor.NumPieces() {
		return
	}
	s.mu.Lock()
	s.availablePieces.Add(uint32(piece))
	avail := s.availablePieces.Clone()
	s.mu.Unlock()
	s.queue.UpdatePeerPieces(s.PeerID, avail)
	s.PumpRequests()
}

// onBitfield replaces available_pieces with the set bits, ignoring any
// trailing bits at or beyond N (spec.md §8 boundary behavior: the open
// question is resolved in favor of ignoring extra bits rather than
// disconnecting).
func (s *Session) onBitfield(payload []byte) {
	bf := wire.Bitfield(payload)
	set := roaring.New()
	for _, idx := range bf.Indices(s.descriptor.NumPieces()) {
		set.Add(uint32(idx))
	}
	s.mu.Lock()
	s.availablePieces = set
	avail := set.Clone()
	s.mu.Unlock()
	s.queue.UpdatePeerPieces(s.PeerID, avail)
	s.PumpRequests()
}

// SendHave sends HAVE(piece) on this session, unconditionally, once
// (spec.md §4.2: no last_sent_choke_state-style suppression applies to
// HAVE).
func (s *Session) SendHave(piece int) error {
	return s.sendRaw(&wire.Message{Type: wire.Have, Payload: wire.FormatHave(uint32(piece))})
}

// SendCancel sends CANCEL(piece,begin,length) on this session.
func (s *Session) SendCancel(piece int, begin, length int64) error {
	return s.sendRaw(&wire.Message{Type: wire.Cancel, Payload: wire.FormatRequest(uint32(piece), uint32(begin), uint32(length))})
}

// CancelActiveRequest drops (piece, begin) from this session's own
// active_requests/pending_count bookkeeping without touching the shared
// queue or piece store. Used alongside SendCancel when another session's
// delivery makes this session's outstanding request moot during endgame
// (spec.md §4.5 step 4, §4.8).
func (s *Session) CancelActiveRequest(piece int, begin int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.activeRequests[reqKey{piece, begin}]; ok {
		delete(s.activeRequests, reqKey{piece, begin})
		s.pendingCount--
	}
}

// SendChoke/SendUnchoke are used by the Choking Controller; it is
// responsible for the last_sent_choke_state suppression, not the session.
func (s *Session) SendChoke() error {
	s.mu.Lock()
	s.chokingRemote = true
	s.lastSentChoke = ChokeSent
	s.mu.Unlock()
	return s.sendRaw(&wire.Message{Type: wire.Choke})
}

func (s *Session) SendUnchoke() error {
	s.mu.Lock()
	s.chokingRemote = false
	s.lastSentChoke = UnchokeSent
	s.mu.Unlock()
	return s.sendRaw(&wire.Message{Type: wire.Unchoke})
}

func (s *Session) sendRaw(m *wire.Message) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("session: no connection")
	}
	_, err := conn.Write(m.Marshal())
	return err
}

// SendKeepAlive writes a zero-length frame, used by the Timeout Supervisor
// every 90s (spec.md §4.9).
func (s *Session) SendKeepAlive() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("session: no connection")
	}
	_, err := conn.Write(wire.KeepAliveFrame())
	return err
}

// EnterEndgame marks this session as participating in endgame (spec.md
// §4.8: a property the orchestrator sets, read-mostly afterward).
func (s *Session) EnterEndgame() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endgameFlag {
		return
	}
	s.endgameFlag = true
	if s.maxPipeline < 5 {
		s.maxPipeline = 5
	}
}

// Snapshot is a read-only copy of session state for the Choking Controller
// and progress reporting.
type Snapshot struct {
	PeerID          string
	ChokedByRemote  bool
	ChokingRemote   bool
	InterestedInUs  bool
	DownloadRateBps float64
	UploadRateBps   float64
	Downloaded      uint64
	Uploaded        uint64
	PendingCount    int
	MaxPipeline     int
	LastSentChoke   ChokeState
	State           State
	LastInboundAt   time.Time
	ActiveRequests  int
}

// Snapshot returns a consistent copy of the session's accounting fields.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		PeerID:          s.PeerID,
		ChokedByRemote:  s.chokedByRemote,
		ChokingRemote:   s.chokingRemote,
		InterestedInUs:  s.interestedInUs,
		DownloadRateBps: s.downloadRateBps,
		UploadRateBps:   s.uploadRateBps,
		Downloaded:      s.downloadedBytes,
		Uploaded:        s.uploadedBytes,
		PendingCount:    s.pendingCount,
		MaxPipeline:     s.maxPipeline,
		LastSentChoke:   s.lastSentChoke,
		State:           s.state,
		LastInboundAt:   s.lastInboundAt,
		ActiveRequests:  len(s.activeRequests),
	}
}

func (s *Session) transitionClosed() {
	s.mu.Lock()
	s.state = Closed
	s.mu.Unlock()
}

// Close transitions the session to Closed exactly once, releasing every
// outstanding active request back to the front of the request queue,
// removing it from the Request Queue's availability accounting, and
// destroying the socket (spec.md §4.5, §5).
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = Closed
		conn := s.conn
		outstanding := make([]requestqueue.Block, 0, len(s.activeRequests))
		for k, v := range s.activeRequests {
			outstanding = append(outstanding, requestqueue.Block{Piece: k.piece, Offset: k.offset, Length: v.length})
		}
		s.activeRequests = make(map[reqKey]activeRequest)
		s.pendingCount = 0
		s.mu.Unlock()

		for _, b := range outstanding {
			s.pieces.RemoveRequested(b.Piece, b.Offset)
			s.queue.PushFront(b)
		}
		s.queue.RemovePeer(s.PeerID)

		if conn != nil {
			conn.Close()
		}
		log.Info().Str("peer", s.PeerID).Str("reason", reason).Msg("session: closed")
		s.hub.NotifyClosed(s)
	})
}
