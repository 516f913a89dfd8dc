package filestore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"torrentswarm/metainfo"
)

func TestWriteReadSingleFile(t *testing.T) {
	dir := t.TempDir()
	d := &metainfo.TorrentDescriptor{
		Name:        "a.bin",
		PieceLength: 16384,
		TotalLength: 16384,
		Files:       []metainfo.FileEntry{{Path: "a.bin", Length: 16384}},
	}
	s, err := Open(dir, d, DefaultCacheItems, DefaultCacheBytes)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	data := bytes.Repeat([]byte{0xAB}, 16384)
	if err := s.WriteBlock(0, 0, data); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "a.bin"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("written bytes do not match on disk")
	}

	read, err := s.ReadBlock(0, 0, 16384)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if !bytes.Equal(read, data) {
		t.Fatal("ReadBlock bytes mismatch")
	}
}

func TestWriteSpansMultipleFiles(t *testing.T) {
	dir := t.TempDir()
	d := &metainfo.TorrentDescriptor{
		Name:        "multi",
		PieceLength: 10,
		TotalLength: 20,
		Files: []metainfo.FileEntry{
			{Path: "x.bin", Length: 6},
			{Path: "y.bin", Length: 14},
		},
	}
	s, err := Open(dir, d, DefaultCacheItems, DefaultCacheBytes)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Piece 0 spans bytes [0,10): first 6 go to x.bin, next 4 to y.bin.
	block := []byte("0123456789")
	if err := s.WriteBlock(0, 0, block); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	x, _ := os.ReadFile(filepath.Join(dir, "multi", "x.bin"))
	y, _ := os.ReadFile(filepath.Join(dir, "multi", "y.bin"))
	if !bytes.Equal(x, []byte("012345")) {
		t.Fatalf("x.bin = %q", x)
	}
	if !bytes.Equal(y[:4], []byte("6789")) {
		t.Fatalf("y.bin[:4] = %q", y[:4])
	}
}

func TestPathTraversalRejected(t *testing.T) {
	dir := t.TempDir()
	d := &metainfo.TorrentDescriptor{
		Name:        "evil",
		PieceLength: 10,
		TotalLength: 10,
		Files:       []metainfo.FileEntry{{Path: "../../etc/passwd", Length: 10}},
	}
	if _, err := Open(dir, d, DefaultCacheItems, DefaultCacheBytes); err == nil {
		t.Fatal("expected path traversal to be rejected")
	}
}

func TestWriteOutsideTotalLengthRejected(t *testing.T) {
	dir := t.TempDir()
	d := &metainfo.TorrentDescriptor{
		Name:        "a.bin",
		PieceLength: 10,
		TotalLength: 10,
		Files:       []metainfo.FileEntry{{Path: "a.bin", Length: 10}},
	}
	s, err := Open(dir, d, DefaultCacheItems, DefaultCacheBytes)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.WriteBlock(0, 5, []byte("123456")); err == nil {
		t.Fatal("expected write beyond total length to fail")
	}
}

func TestBlockCacheEvictsByItemCount(t *testing.T) {
	c := newBlockCache(2, 1<<20)
	c.put(0, 0, 4, []byte("aaaa"))
	c.put(1, 0, 4, []byte("bbbb"))
	c.put(2, 0, 4, []byte("cccc"))

	if _, ok := c.get(0, 0, 4); ok {
		t.Fatal("expected oldest entry evicted")
	}
	if _, ok := c.get(2, 0, 4); !ok {
		t.Fatal("expected newest entry present")
	}
}
