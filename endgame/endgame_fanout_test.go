package endgame

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"torrentswarm/filestore"
	"torrentswarm/metainfo"
	"torrentswarm/piecestore"
	"torrentswarm/requestqueue"
	"torrentswarm/session"
	"torrentswarm/wire"
)

type fanoutHub struct{}

func (fanoutHub) BroadcastHave(int)                                     {}
func (fanoutHub) CancelOutstanding(int, int64, int64, *session.Session) {}
func (fanoutHub) EndgameActive() bool                                   { return true }
func (fanoutHub) NotifyReady(*session.Session)                          {}
func (fanoutHub) NotifyClosed(*session.Session)                         {}

type fanoutRoster struct {
	sessions []*session.Session
}

func (r *fanoutRoster) Sessions() []*session.Session { return r.sessions }

// capturingPeer drives one side of a session's handshake and collects every
// REQUEST frame the session sends afterward, so a test can observe which
// (piece, offset) pairs actually went out over the wire.
type capturingPeer struct {
	conn net.Conn

	mu       sync.Mutex
	requests []requestqueue.Block
}

func newCapturingPeer(t *testing.T, s *session.Session, infoHash [20]byte) *capturingPeer {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })

	p := &capturingPeer{conn: clientConn}

	go func() { _ = s.Accept(context.Background(), serverConn) }()

	ready := make(chan struct{})
	go func() {
		hs, err := wire.ReadHandshake(clientConn)
		if err != nil {
			return
		}
		if hs.InfoHash != infoHash {
			return
		}
		reply := wire.NewHandshake(infoHash, [20]byte{9})
		if _, err := clientConn.Write(reply.Marshal()); err != nil {
			return
		}
		close(ready)

		for {
			msg, ok, err := wire.ReadMessage(clientConn)
			if err != nil {
				return
			}
			if !ok || msg.Type != wire.Request {
				continue
			}
			idx, begin, length := wire.ParseRequest(msg.Payload)
			p.mu.Lock()
			p.requests = append(p.requests, requestqueue.Block{
				Piece: int(idx), Offset: int64(begin), Length: int64(length),
			})
			p.mu.Unlock()
		}
	}()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("handshake never completed")
	}
	return p
}

func (p *capturingPeer) sendBitfield(bf wire.Bitfield) error {
	msg := &wire.Message{Type: wire.BitfieldMsg, Payload: bf}
	_, err := p.conn.Write(msg.Marshal())
	return err
}

func (p *capturingPeer) has(piece int, offset int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.requests {
		if b.Piece == piece && b.Offset == offset {
			return true
		}
	}
	return false
}

// TestFanOutAllRequestsSameBlockFromEveryReadyPeer proves that once endgame
// is active, the controller asks more than one peer for the identical
// outstanding block at the same time, rather than relying on the shared
// request queue handing it to a single consumer (spec.md §4.8/§8 S3).
func TestFanOutAllRequestsSameBlockFromEveryReadyPeer(t *testing.T) {
	d, _ := descriptorWithVerifiablePieces(1, 2*metainfo.BlockLen)
	store := piecestore.New(d, func(int) {})
	queue := requestqueue.New()

	files1, err := filestore.Open(t.TempDir(), d, filestore.DefaultCacheItems, filestore.DefaultCacheBytes)
	if err != nil {
		t.Fatalf("filestore.Open: %v", err)
	}
	files2, err := filestore.Open(t.TempDir(), d, filestore.DefaultCacheItems, filestore.DefaultCacheBytes)
	if err != nil {
		t.Fatalf("filestore.Open: %v", err)
	}

	s1 := session.New("peer-1", d, store, queue, files1, fanoutHub{}, [20]byte{1})
	s2 := session.New("peer-2", d, store, queue, files2, fanoutHub{}, [20]byte{2})

	peer1 := newCapturingPeer(t, s1, d.InfoHash)
	peer2 := newCapturingPeer(t, s2, d.InfoHash)

	waitReady := func(s *session.Session) {
		deadline := time.Now().Add(2 * time.Second)
		for s.State() != session.Ready && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}
	waitReady(s1)
	waitReady(s2)

	bf := wire.NewBitfield(d.NumPieces())
	bf.SetPiece(0)
	if err := peer1.sendBitfield(bf); err != nil {
		t.Fatalf("peer1 sendBitfield: %v", err)
	}
	if err := peer2.sendBitfield(bf); err != nil {
		t.Fatalf("peer2 sendBitfield: %v", err)
	}

	// Give both sessions a moment to process the inbound bitfield and run
	// their own request pump before endgame fan-out runs on top of it.
	time.Sleep(50 * time.Millisecond)

	roster := &fanoutRoster{sessions: []*session.Session{s1, s2}}
	c := New(d, store, queue, roster)
	c.active = true
	c.fanOutAll()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if peer1.has(0, 0) && peer2.has(0, 0) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if !peer1.has(0, 0) {
		t.Fatal("expected peer1 to receive a request for piece 0, offset 0")
	}
	if !peer2.has(0, 0) {
		t.Fatal("expected peer2 to also receive a request for piece 0, offset 0 while it was still outstanding")
	}
}
