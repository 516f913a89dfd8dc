package choke_test

import (
	"context"
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"torrentswarm/choke"
	"torrentswarm/filestore"
	"torrentswarm/metainfo"
	"torrentswarm/piecestore"
	"torrentswarm/requestqueue"
	"torrentswarm/session"
)

type nopHub struct{}

func (nopHub) BroadcastHave(int)                                {}
func (nopHub) CancelOutstanding(int, int64, int64, *session.Session) {}
func (nopHub) EndgameActive() bool                              { return false }
func (nopHub) NotifyReady(*session.Session)                     {}
func (nopHub) NotifyClosed(*session.Session)                    {}

func testDescriptor(t *testing.T) *metainfo.TorrentDescriptor {
	t.Helper()
	piece := make([]byte, 16384)
	sum := sha1.Sum(piece)
	return &metainfo.TorrentDescriptor{
		Name:        "x.bin",
		PieceLength: 16384,
		TotalLength: 16384,
		PieceHashes: [][20]byte{sum},
		Files:       []metainfo.FileEntry{{Path: "x.bin", Length: 16384}},
	}
}

// readySession drives a session through a real handshake over an in-memory
// pipe and leaves the counterpart goroutine draining frames so the
// session's own writes never block, returning a session parked in Ready.
func readySession(t *testing.T, peerID string) *session.Session {
	t.Helper()
	d := testDescriptor(t)
	store := piecestore.New(d, func(int) {})
	queue := requestqueue.New()
	files, err := filestore.Open(t.TempDir(), d, filestore.DefaultCacheItems, filestore.DefaultCacheBytes)
	if err != nil {
		t.Fatalf("filestore.Open: %v", err)
	}
	s := session.New(peerID, d, store, queue, files, nopHub{}, [20]byte{1})

	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })

	go func() {
		for {
			if _, _, err := readFrame(clientConn); err != nil {
				return
			}
		}
	}()

	ready := make(chan struct{})
	go func() { _ = s.Accept(context.Background(), serverConn) }()

	go func() {
		// Act as the remote peer: read the session's handshake, reply
		// with a valid one of our own.
		buf := make([]byte, 68)
		if _, err := readFull(clientConn, buf); err != nil {
			return
		}
		reply := append([]byte{}, buf[:len(buf)-20]...)
		reply = append(reply, []byte("remote-peer-id-00000")[:20]...)
		clientConn.Write(reply)
		close(ready)
	}()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("handshake never completed")
	}
	// Give the session's run() goroutine a moment to flip to Ready.
	deadline := time.Now().Add(2 * time.Second)
	for s.State() != session.Ready && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	return s
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func readFrame(conn net.Conn) (int, []byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := readFull(conn, lenBuf); err != nil {
		return 0, nil, err
	}
	length := int(lenBuf[0])<<24 | int(lenBuf[1])<<16 | int(lenBuf[2])<<8 | int(lenBuf[3])
	if length == 0 {
		return 0, nil, nil
	}
	body := make([]byte, length)
	_, err := readFull(conn, body)
	return length, body, err
}

type fakeRoster struct {
	sessions []*session.Session
}

func (r *fakeRoster) Sessions() []*session.Session { return r.sessions }

func TestRunRoundUnchokesWithinBootstrapFill(t *testing.T) {
	s1 := readySession(t, "p1:1")
	s2 := readySession(t, "p2:2")

	roster := &fakeRoster{sessions: []*session.Session{s1, s2}}
	c := choke.New(roster, 1)
	c.RunRound(time.Now())

	if s1.Snapshot().LastSentChoke != session.UnchokeSent {
		t.Fatalf("expected bootstrap fill to unchoke s1, got %v", s1.Snapshot().LastSentChoke)
	}
	if s2.Snapshot().LastSentChoke != session.UnchokeSent {
		t.Fatalf("expected bootstrap fill to unchoke s2, got %v", s2.Snapshot().LastSentChoke)
	}
}

func TestRunRoundNoSessionsIsNoop(t *testing.T) {
	roster := &fakeRoster{}
	c := choke.New(roster, 1)
	c.RunRound(time.Now())
}
