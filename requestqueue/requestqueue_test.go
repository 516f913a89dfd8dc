package requestqueue

import (
	"testing"

	"github.com/RoaringBitmap/roaring"
)

func fixedBlockLen(int64) func(int) int64 {
	return func(int) int64 { return 16384 }
}

func TestDequeueFIFOWhenPeerUnknown(t *testing.T) {
	q := New()
	q.EnqueuePiece(0, 1, fixedBlockLen(0))
	q.EnqueuePiece(1, 1, fixedBlockLen(0))

	b, ok := q.Dequeue(nil)
	if !ok || b.Piece != 0 {
		t.Fatalf("expected FIFO piece 0 first, got %+v ok=%v", b, ok)
	}
}

func TestDequeueRarestFirst(t *testing.T) {
	q := New()
	q.EnqueuePiece(0, 1, fixedBlockLen(0))
	q.EnqueuePiece(1, 1, fixedBlockLen(0))

	// Piece 0 is common (3 peers), piece 1 is rare (1 peer).
	common := roaring.New()
	common.Add(0)
	q.UpdatePeerPieces("peerA", common)
	q.UpdatePeerPieces("peerB", common)
	both := roaring.New()
	both.Add(0)
	both.Add(1)
	q.UpdatePeerPieces("peerC", both)

	avail := roaring.New()
	avail.Add(0)
	avail.Add(1)

	b, ok := q.Dequeue(avail)
	if !ok || b.Piece != 1 {
		t.Fatalf("expected rarest piece 1 chosen, got %+v ok=%v", b, ok)
	}
}

func TestDequeueFallsBackToAnyMatch(t *testing.T) {
	q := New()
	q.EnqueuePiece(5, 1, fixedBlockLen(0))

	avail := roaring.New()
	avail.Add(5)
	b, ok := q.Dequeue(avail)
	if !ok || b.Piece != 5 {
		t.Fatalf("expected fallback match on piece 5, got %+v ok=%v", b, ok)
	}
}

func TestDequeueNoneWhenPeerLacksQueuedPieces(t *testing.T) {
	q := New()
	q.EnqueuePiece(0, 1, fixedBlockLen(0))

	avail := roaring.New()
	avail.Add(9)
	if _, ok := q.Dequeue(avail); ok {
		t.Fatal("expected no match for unavailable piece")
	}
}

func TestPushFrontTakesPriority(t *testing.T) {
	q := New()
	q.EnqueuePiece(0, 1, fixedBlockLen(0))
	q.PushFront(Block{Piece: 7, Offset: 0, Length: 16384})

	b, ok := q.Dequeue(nil)
	if !ok || b.Piece != 7 {
		t.Fatalf("expected pushed-front block first, got %+v ok=%v", b, ok)
	}
}

func TestRemovePeerDecrementsFrequency(t *testing.T) {
	q := New()
	q.EnqueuePiece(0, 1, fixedBlockLen(0))

	set := roaring.New()
	set.Add(0)
	q.UpdatePeerPieces("peerA", set)
	q.RemovePeer("peerA")

	q.mu.Lock()
	_, has := q.freq[0]
	q.mu.Unlock()
	if has {
		t.Fatal("expected frequency entry removed after RemovePeer")
	}
}
