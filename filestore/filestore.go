// Package filestore is the File Layer (spec.md §4.4): it maps a global byte
// offset to the overlapping on-disk files, performs intersection
// reads/writes across multi-file torrents, guards against path traversal,
// and fronts uploads with a bounded LRU block cache.
package filestore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"torrentswarm/metainfo"
)

// region is one file's byte range within the global, concatenated layout.
type region struct {
	path  string
	start int64 // inclusive, global offset
	end   int64 // exclusive, global offset
}

// Store is the File Layer for one torrent.
type Store struct {
	baseDir    string
	descriptor *metainfo.TorrentDescriptor
	regions    []region
	cache      *blockCache
}

// ErrPathTraversal is the fatal error raised when a file-layout entry would
// resolve outside the base download directory (spec.md §7: fatal, aborts
// the whole download).
var ErrPathTraversal = fmt.Errorf("filestore: path traversal attempt")

// Open creates the files described by d under baseDir, resizing an existing
// file only when its length differs (see sizeFile), and returns
// a ready Store. Single-file torrents write to baseDir itself; multi-file
// torrents write to baseDir/<name>/<path>, per spec.md §6. Every path is
// resolved and checked for escaping baseDir before any file is opened; a
// single violation aborts the whole call with ErrPathTraversal and opens
// nothing.
func Open(baseDir string, d *metainfo.TorrentDescriptor, cacheItems int, cacheBytes int64) (*Store, error) {
	root := baseDir
	if len(d.Files) > 1 {
		root = filepath.Join(baseDir, d.Name)
	}
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("filestore: %w", err)
	}

	resolved := make([]string, len(d.Files))
	for i, f := range d.Files {
		full := filepath.Join(root, filepath.FromSlash(f.Path))
		absFull, err := filepath.Abs(full)
		if err != nil {
			return nil, fmt.Errorf("filestore: %w", err)
		}
		if !isWithinBase(absBase, absFull) {
			return nil, fmt.Errorf("%w: %q escapes %q", ErrPathTraversal, f.Path, baseDir)
		}
		resolved[i] = absFull
	}

	s := &Store{
		baseDir:    baseDir,
		descriptor: d,
		cache:      newBlockCache(cacheItems, cacheBytes),
	}

	var offset int64
	for i, f := range d.Files {
		if err := os.MkdirAll(filepath.Dir(resolved[i]), 0o755); err != nil {
			return nil, fmt.Errorf("filestore: %w", err)
		}
		if err := sizeFile(resolved[i], f.Length); err != nil {
			return nil, fmt.Errorf("filestore: %w", err)
		}

		s.regions = append(s.regions, region{path: resolved[i], start: offset, end: offset + f.Length})
		offset += f.Length
	}
	return s, nil
}

// sizeFile opens path, creating it if absent, and resizes it to length only
// if its current size differs. A resumed or seeded download's files already
// hold good bytes on disk; truncating unconditionally (as a bare os.Create
// would) destroys them before a single block is ever requested.
func sizeFile(path string, length int64) error {
	fh, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer fh.Close()

	info, err := fh.Stat()
	if err != nil {
		return err
	}
	if info.Size() == length {
		return nil
	}
	return fh.Truncate(length)
}

// isWithinBase reports whether target is base itself or a descendant of it.
func isWithinBase(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return !strings.HasPrefix(rel, "..")
}

// overlap returns the byte range [start, end) of a (piece, begin, length)
// block that falls within a given region, and whether there is any overlap
// at all.
func overlap(globalStart, globalEnd int64, r region) (fileOff, pieceOff, n int64, ok bool) {
	if globalStart >= r.end || globalEnd <= r.start {
		return 0, 0, 0, false
	}
	lo := max64(globalStart, r.start)
	hi := min64(globalEnd, r.end)
	return lo - r.start, lo - globalStart, hi - lo, true
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// WriteBlock writes data at global offset piece*PieceLength+begin across
// every overlapping file, then inserts the block into the block cache.
// Per-file I/O errors are logged, the remaining files are still written,
// and the last such error is returned (spec.md §4.4, §7); the
// write is still reflected in the cache because a future upload of these
// exact bytes should not depend on a transient disk error.
func (s *Store) WriteBlock(piece int, begin int64, data []byte) error {
	globalStart := int64(piece)*s.descriptor.PieceLength + begin
	globalEnd := globalStart + int64(len(data))
	if globalStart < 0 || globalEnd > s.descriptor.TotalLength {
		return fmt.Errorf("filestore: write at [%d,%d) outside [0,%d)", globalStart, globalEnd, s.descriptor.TotalLength)
	}

	var lastErr error
	for _, r := range s.regions {
		fileOff, pieceOff, n, ok := overlap(globalStart, globalEnd, r)
		if !ok {
			continue
		}
		if err := writeAt(r.path, fileOff, data[pieceOff:pieceOff+n]); err != nil {
			log.Error().Err(err).Str("file", r.path).Msg("filestore: write failed")
			lastErr = err
			continue
		}
	}

	s.cache.put(piece, begin, int64(len(data)), append([]byte(nil), data...))
	return lastErr
}

func writeAt(path string, offset int64, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteAt(data, offset)
	return err
}

// ReadBlock serves an upload request: the block cache is consulted first by
// the exact (piece, begin, length) key; on miss the bytes are read from
// disk across overlapping files and the cache is populated.
func (s *Store) ReadBlock(piece int, begin, length int64) ([]byte, error) {
	if cached, ok := s.cache.get(piece, begin, length); ok {
		return cached, nil
	}

	globalStart := int64(piece)*s.descriptor.PieceLength + begin
	globalEnd := globalStart + length
	buf := make([]byte, length)

	for _, r := range s.regions {
		fileOff, pieceOff, n, ok := overlap(globalStart, globalEnd, r)
		if !ok {
			continue
		}
		if err := readAt(r.path, fileOff, buf[pieceOff:pieceOff+n]); err != nil {
			return nil, fmt.Errorf("filestore: read: %w", err)
		}
	}

	s.cache.put(piece, begin, length, append([]byte(nil), buf...))
	return buf, nil
}

func readAt(path string, offset int64, dst []byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.ReadAt(dst, offset)
	return err
}
