package endgame

import (
	"crypto/sha1"
	"testing"

	"torrentswarm/metainfo"
	"torrentswarm/piecestore"
	"torrentswarm/requestqueue"
	"torrentswarm/session"
)

type emptyRoster struct{}

func (emptyRoster) Sessions() []*session.Session { return nil }

// descriptorWithVerifiablePieces builds a descriptor of n pieces, each
// pieceLen bytes of a distinct fill byte, with hashes that genuinely match
// so tests can drive real verification through the store.
func descriptorWithVerifiablePieces(n int, pieceLen int64) (*metainfo.TorrentDescriptor, [][]byte) {
	hashes := make([][20]byte, n)
	data := make([][]byte, n)
	for i := 0; i < n; i++ {
		buf := make([]byte, pieceLen)
		for j := range buf {
			buf[j] = byte(i + 1)
		}
		data[i] = buf
		hashes[i] = sha1.Sum(buf)
	}
	d := &metainfo.TorrentDescriptor{
		Name:        "t",
		PieceLength: pieceLen,
		TotalLength: int64(n) * pieceLen,
		PieceHashes: hashes,
		Files:       []metainfo.FileEntry{{Path: "t.bin", Length: int64(n) * pieceLen}},
	}
	return d, data
}

func TestEvaluateStaysInactiveBelowProgressThreshold(t *testing.T) {
	d, _ := descriptorWithVerifiablePieces(10, 16384)
	store := piecestore.New(d, func(int) {})
	queue := requestqueue.New()
	c := New(d, store, queue, emptyRoster{})

	c.Evaluate()
	if c.Active() {
		t.Fatal("expected endgame inactive with zero verified pieces")
	}
}

func TestEvaluateActivatesAboveThresholds(t *testing.T) {
	// 20 pieces, 19 verified = 95% exactly clears EntryProgressThreshold.
	d, data := descriptorWithVerifiablePieces(20, 16384)
	store := piecestore.New(d, func(int) {})
	queue := requestqueue.New()

	for p := 0; p < 19; p++ {
		store.AddReceived(p, 0, data[p])
		if res := store.TryFinalize(p); res != piecestore.Verified {
			t.Fatalf("piece %d expected to verify, got %v", p, res)
		}
	}

	c := New(d, store, queue, emptyRoster{})
	c.Evaluate()
	if !c.Active() {
		t.Fatal("expected endgame active at 95% progress with an empty queue")
	}
}

func TestEvaluateStaysInactiveWhenQueueTooLong(t *testing.T) {
	d, data := descriptorWithVerifiablePieces(20, 16384)
	store := piecestore.New(d, func(int) {})
	queue := requestqueue.New()
	for i := 0; i < EntryQueueThreshold; i++ {
		queue.EnqueuePiece(100+i, 1, func(int) int64 { return 1 })
	}

	for p := 0; p < 19; p++ {
		store.AddReceived(p, 0, data[p])
		store.TryFinalize(p)
	}

	c := New(d, store, queue, emptyRoster{})
	c.Evaluate()
	if c.Active() {
		t.Fatal("expected endgame inactive while queue length is at or above threshold")
	}
}

func TestEvaluateIsIdempotent(t *testing.T) {
	d, data := descriptorWithVerifiablePieces(20, 16384)
	store := piecestore.New(d, func(int) {})
	queue := requestqueue.New()
	for p := 0; p < 19; p++ {
		store.AddReceived(p, 0, data[p])
		store.TryFinalize(p)
	}

	c := New(d, store, queue, emptyRoster{})
	c.Evaluate()
	if !c.Active() {
		t.Fatal("expected endgame to activate on first Evaluate")
	}
	queue.EnqueuePiece(19, EntryQueueThreshold, func(int) int64 { return 1 }) // would now block re-entry if re-checked
	c.Evaluate()
	if !c.Active() {
		t.Fatal("expected endgame to remain active once entered, regardless of later queue growth")
	}
}
