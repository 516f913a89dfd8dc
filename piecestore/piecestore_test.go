package piecestore

import (
	"crypto/sha1"
	"testing"

	"torrentswarm/metainfo"
)

func descriptorFor(data []byte, pieceLen int64) *metainfo.TorrentDescriptor {
	d := &metainfo.TorrentDescriptor{
		PieceLength: pieceLen,
		TotalLength: int64(len(data)),
	}
	for off := int64(0); off < int64(len(data)); off += pieceLen {
		end := off + pieceLen
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		d.PieceHashes = append(d.PieceHashes, sha1.Sum(data[off:end]))
	}
	return d
}

func TestSinglePieceHappyPath(t *testing.T) {
	data := make([]byte, 16*1024)
	for i := range data {
		data[i] = byte(i)
	}
	d := descriptorFor(data, 16*1024)

	var verifiedCalls []int
	s := New(d, func(p int) { verifiedCalls = append(verifiedCalls, p) })

	if !s.Needed(0, 0) {
		t.Fatal("expected block to be needed before delivery")
	}
	s.AddRequested(0, 0)
	if !s.AddReceived(0, 0, data) {
		t.Fatal("AddReceived should report new bytes stored")
	}
	if res := s.TryFinalize(0); res != Verified {
		t.Fatalf("TryFinalize = %v, want Verified", res)
	}
	if len(verifiedCalls) != 1 || verifiedCalls[0] != 0 {
		t.Fatalf("onVerified calls = %v, want [0]", verifiedCalls)
	}
	if !s.IsDone() {
		t.Fatal("expected IsDone after sole piece verified")
	}
	if bf := s.Bitfield(); bf[0] != 0x80 {
		t.Fatalf("bitfield byte = %08b, want 10000000", bf[0])
	}

	// Re-finalizing is a no-op (idempotence, spec.md §8).
	if res := s.TryFinalize(0); res != AlreadyVerified {
		t.Fatalf("second TryFinalize = %v, want AlreadyVerified", res)
	}
	if len(verifiedCalls) != 1 {
		t.Fatalf("onVerified fired again: %v", verifiedCalls)
	}
}

func TestCorruptionRecovery(t *testing.T) {
	good := make([]byte, 32*1024)
	for i := range good {
		good[i] = byte(i % 251)
	}
	d := descriptorFor(good, 32*1024)

	var verifiedCalls []int
	s := New(d, func(p int) { verifiedCalls = append(verifiedCalls, p) })

	corruptBlockB := make([]byte, 16*1024)
	copy(corruptBlockB, good[16384:])
	corruptBlockB[0] ^= 0xFF

	s.AddRequested(0, 0)
	s.AddReceived(0, 0, good[:16384])
	s.AddRequested(0, 16384)
	s.AddReceived(0, 16384, corruptBlockB)

	if res := s.TryFinalize(0); res != Mismatch {
		t.Fatalf("TryFinalize = %v, want Mismatch", res)
	}
	if !s.Needed(0, 0) || !s.Needed(0, 16384) {
		t.Fatal("expected both blocks needed again after mismatch reset")
	}

	// Re-deliver correct bytes.
	s.AddRequested(0, 0)
	s.AddReceived(0, 0, good[:16384])
	s.AddRequested(0, 16384)
	s.AddReceived(0, 16384, good[16384:])

	if res := s.TryFinalize(0); res != Verified {
		t.Fatalf("TryFinalize after correction = %v, want Verified", res)
	}
	if len(verifiedCalls) != 1 {
		t.Fatalf("expected exactly one HAVE-triggering verification, got %v", verifiedCalls)
	}
}

func TestDuplicateReceivedKeepsFirstBytes(t *testing.T) {
	data := make([]byte, 16*1024)
	d := descriptorFor(data, 16*1024)
	s := New(d, nil)

	first := append([]byte(nil), data...)
	first[0] = 1
	second := append([]byte(nil), data...)
	second[0] = 2

	if !s.AddReceived(0, 0, first) {
		t.Fatal("first AddReceived should succeed")
	}
	if s.AddReceived(0, 0, second) {
		t.Fatal("duplicate AddReceived should be a no-op")
	}
}

func TestBitfieldNeverUnsets(t *testing.T) {
	data := make([]byte, 2*16*1024)
	d := descriptorFor(data, 16*1024)
	s := New(d, nil)

	for p := 0; p < 2; p++ {
		s.AddReceived(p, 0, data[p*16384:(p+1)*16384])
		s.TryFinalize(p)
	}
	bf := s.Bitfield()
	if bf[0] != 0xC0 {
		t.Fatalf("bitfield = %08b, want 11000000", bf[0])
	}
}
