package swarm

import (
	"crypto/sha1"
	"testing"

	"torrentswarm/metainfo"
)

func testDescriptor(n int) *metainfo.TorrentDescriptor {
	hashes := make([][20]byte, n)
	for i := range hashes {
		hashes[i] = sha1.Sum([]byte{byte(i)})
	}
	return &metainfo.TorrentDescriptor{
		Name:        "t.bin",
		PieceLength: 16384,
		TotalLength: int64(n) * 16384,
		PieceHashes: hashes,
		Files:       []metainfo.FileEntry{{Path: "t.bin", Length: int64(n) * 16384}},
	}
}

func TestNewWiresAllComponentsAndQueuesEveryBlock(t *testing.T) {
	d := testDescriptor(3)
	cfg := DefaultConfig(t.TempDir())
	sw, err := New(d, cfg, [20]byte{1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if got := sw.queue.Len(); got != 3 {
		t.Fatalf("expected 3 single-block pieces queued, got %d", got)
	}
}

func TestSnapshotReportsZeroProgressBeforeStart(t *testing.T) {
	d := testDescriptor(2)
	cfg := DefaultConfig(t.TempDir())
	sw, err := New(d, cfg, [20]byte{1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	snap := sw.Snapshot()
	if snap.TotalPieces != 2 || snap.VerifiedPieces != 0 || snap.Completed {
		t.Fatalf("unexpected initial snapshot: %+v", snap)
	}
}

func TestBitfieldLengthMatchesPieceCount(t *testing.T) {
	d := testDescriptor(10)
	cfg := DefaultConfig(t.TempDir())
	sw, err := New(d, cfg, [20]byte{1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	bf := sw.Bitfield()
	if len(bf) != (10+7)/8 {
		t.Fatalf("expected bitfield of %d bytes, got %d", (10+7)/8, len(bf))
	}
}
