package pool

import (
	"context"
	"crypto/sha1"
	"testing"
	"time"

	"torrentswarm/discovery"
	"torrentswarm/filestore"
	"torrentswarm/metainfo"
	"torrentswarm/piecestore"
	"torrentswarm/requestqueue"
	"torrentswarm/session"
)

type nopHub struct{}

func (nopHub) BroadcastHave(int)                                      {}
func (nopHub) CancelOutstanding(int, int64, int64, *session.Session) {}
func (nopHub) EndgameActive() bool                                    { return false }
func (nopHub) NotifyReady(*session.Session)                           {}
func (nopHub) NotifyClosed(*session.Session)                          {}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	piece := make([]byte, 16384)
	sum := sha1.Sum(piece)
	d := &metainfo.TorrentDescriptor{
		Name:        "t.bin",
		PieceLength: 16384,
		TotalLength: 16384,
		PieceHashes: [][20]byte{sum},
		Files:       []metainfo.FileEntry{{Path: "t.bin", Length: 16384}},
	}
	store := piecestore.New(d, func(int) {})
	queue := requestqueue.New()
	files, err := filestore.Open(t.TempDir(), d, filestore.DefaultCacheItems, filestore.DefaultCacheBytes)
	if err != nil {
		t.Fatalf("filestore.Open: %v", err)
	}
	return New(d, store, queue, files, nopHub{}, [20]byte{1})
}

func TestAddCandidatesDeduplicatesPending(t *testing.T) {
	m := newTestManager(t)
	c := discovery.Candidate{IP: "127.0.0.1", Port: 6881}
	m.AddCandidates([]discovery.Candidate{c, c, c})

	if len(m.pending) != 1 {
		t.Fatalf("expected exactly one pending candidate after dedup, got %d", len(m.pending))
	}
}

func TestAddCandidatesSkipsAlreadyConnected(t *testing.T) {
	m := newTestManager(t)
	key := "127.0.0.1:6881"
	m.sessions[key] = session.New(key, m.descriptor, m.pieces, m.queue, m.files, nopHub{}, [20]byte{1})

	m.AddCandidates([]discovery.Candidate{{IP: "127.0.0.1", Port: 6881}})
	if _, queued := m.pending[key]; queued {
		t.Fatal("expected an already-connected peer not to be re-queued")
	}
}

func TestFillSlotsRemovesSessionOnDialFailure(t *testing.T) {
	m := newTestManager(t)
	m.AddCandidates([]discovery.Candidate{{IP: "127.0.0.1", Port: 1}}) // refused fast

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.fillSlots(ctx)

	if m.Len() != 0 {
		t.Fatalf("expected failed dial to remove its session, Len() = %d", m.Len())
	}
}

func TestFillSlotsRespectsFreeSlotBound(t *testing.T) {
	m := newTestManager(t)
	for i := 0; i < MaxConcurrentSessions; i++ {
		key := "127.0.0.1:" + string(rune('A'+i))
		m.sessions[key] = session.New(key, m.descriptor, m.pieces, m.queue, m.files, nopHub{}, [20]byte{1})
	}
	m.AddCandidates([]discovery.Candidate{{IP: "127.0.0.1", Port: 9999}})

	m.mu.Lock()
	free := MaxConcurrentSessions - len(m.sessions)
	m.mu.Unlock()
	if free != 0 {
		t.Fatalf("expected no free slots, got %d", free)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m.fillSlots(ctx)

	if len(m.pending) != 1 {
		t.Fatal("expected candidate to remain pending when the pool is full")
	}
}

func TestRemoveSession(t *testing.T) {
	m := newTestManager(t)
	key := "127.0.0.1:6881"
	m.sessions[key] = session.New(key, m.descriptor, m.pieces, m.queue, m.files, nopHub{}, [20]byte{1})
	m.RemoveSession(key)
	if m.Len() != 0 {
		t.Fatalf("expected session removed, Len() = %d", m.Len())
	}
}
