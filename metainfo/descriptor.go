// Package metainfo decodes a .torrent metainfo document into the immutable
// TorrentDescriptor the swarm core is built around. Metainfo parsing is
// explicitly an external collaborator (spec.md §1): the core never touches
// bencode directly, only the Descriptor this package produces.
package metainfo

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"torrentswarm/bencode"
	"torrentswarm/utils"
)

// PieceLen is the unit of verification, fixed except possibly the last
// piece. BlockLen is the unit of transfer within a piece.
const BlockLen = 16 * 1024

// FileEntry is one file in a (possibly multi-file) torrent's layout, laid
// out concatenatively in descriptor order.
type FileEntry struct {
	Path   string
	Length int64
}

// TorrentDescriptor is the immutable, shared read-only view of a torrent:
// info-hash, piece length, total length, piece digests and file layout.
type TorrentDescriptor struct {
	Name         string
	AnnounceList []string
	InfoHash     [20]byte
	PieceLength  int64
	TotalLength  int64
	PieceHashes  [][20]byte
	Files        []FileEntry
	Private      bool
}

// NumPieces returns N, the number of pieces described by the torrent.
func (d *TorrentDescriptor) NumPieces() int { return len(d.PieceHashes) }

// PieceLen returns the length of piece i: PieceLength for every piece except
// the last, whose length is TotalLength mod PieceLength (or PieceLength if
// that remainder is zero).
func (d *TorrentDescriptor) PieceLen(i int) int64 {
	if i != d.NumPieces()-1 {
		return d.PieceLength
	}
	if rem := d.TotalLength % d.PieceLength; rem != 0 {
		return rem
	}
	return d.PieceLength
}

// NumBlocks returns B_i = ceil(len(i) / BlockLen) for piece i.
func (d *TorrentDescriptor) NumBlocks(i int) int {
	l := d.PieceLen(i)
	return int((l + BlockLen - 1) / BlockLen)
}

// BlockLength returns the length of block blockIdx within piece i: BlockLen
// for every block except the last one in the piece, which is whatever
// remains of PieceLen(i).
func (d *TorrentDescriptor) BlockLength(i, blockIdx int) int64 {
	start := int64(blockIdx) * BlockLen
	pieceLen := d.PieceLen(i)
	if start+BlockLen > pieceLen {
		return pieceLen - start
	}
	return BlockLen
}

// InfoHashHex is the lowercase hex encoding of InfoHash, used as the
// filesystem- and log-safe swarm identifier.
func (d *TorrentDescriptor) InfoHashHex() string {
	return hex.EncodeToString(d.InfoHash[:])
}

// ContentRoot returns the directory a content-reading caller (verify, scan,
// the File Layer) should join file-entry paths against: baseDir itself for
// a single-file torrent (whose one FileEntry.Path is already the filename),
// or baseDir/Name for a multi-file torrent, matching filestore.Open's own
// layout rule (spec.md §6).
func (d *TorrentDescriptor) ContentRoot(baseDir string) string {
	if len(d.Files) > 1 {
		return filepath.Join(baseDir, d.Name)
	}
	return baseDir
}

func (d *TorrentDescriptor) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (%s) %d pieces x %s\n", d.Name, d.InfoHashHex(), d.NumPieces(), utils.FormatBytes(d.PieceLength))
	for _, f := range d.Files {
		fmt.Fprintf(&sb, "  %s (%s)\n", f.Path, utils.FormatBytes(f.Length))
	}
	return sb.String()
}

// Parse decodes a raw .torrent file's bytes into a TorrentDescriptor.
func Parse(content []byte) (*TorrentDescriptor, error) {
	data, _, err := bencode.Decode(content)
	if err != nil {
		return nil, fmt.Errorf("metainfo: decode: %w", err)
	}
	if data == nil {
		return nil, fmt.Errorf("metainfo: empty metainfo document")
	}
	return fromBencode(data)
}

func fromBencode(data *bencode.Data) (*TorrentDescriptor, error) {
	root := data.AsDict()
	infoData, ok := root["info"]
	if !ok {
		return nil, fmt.Errorf("metainfo: missing info dictionary")
	}
	info := infoData.AsDict()

	d := &TorrentDescriptor{}

	if announceList, ok := root["announce-list"]; ok {
		for _, tier := range announceList.AsList() {
			for _, a := range tier.AsList() {
				d.AnnounceList = append(d.AnnounceList, a.AsString())
			}
		}
	}
	if announce, ok := root["announce"]; ok {
		found := false
		for _, a := range d.AnnounceList {
			if a == announce.AsString() {
				found = true
				break
			}
		}
		if !found {
			d.AnnounceList = append(d.AnnounceList, announce.AsString())
		}
	}

	if name, ok := info["name"]; ok {
		d.Name = name.AsString()
	}
	if pieceLength, ok := info["piece length"]; ok {
		d.PieceLength = pieceLength.AsInt()
	}
	if d.PieceLength <= 0 {
		return nil, fmt.Errorf("metainfo: invalid piece length %d", d.PieceLength)
	}
	if private, ok := info["private"]; ok {
		d.Private = private.AsInt() == 1
	}

	if pieces, ok := info["pieces"]; ok {
		raw := pieces.AsBytes()
		if len(raw)%20 != 0 {
			return nil, fmt.Errorf("metainfo: pieces length %d not a multiple of 20", len(raw))
		}
		d.PieceHashes = make([][20]byte, len(raw)/20)
		for i := range d.PieceHashes {
			copy(d.PieceHashes[i][:], raw[i*20:(i+1)*20])
		}
	}

	if files, ok := info["files"]; ok {
		for _, fd := range files.AsList() {
			fdict := fd.AsDict()
			length := fdict["length"].AsInt()
			path := ""
			if p, ok := fdict["path"]; ok {
				parts := p.AsList()
				segments := make([]string, len(parts))
				for i, seg := range parts {
					segments[i] = seg.AsString()
				}
				path = strings.Join(segments, "/")
			}
			if err := guardPath(path); err != nil {
				return nil, err
			}
			d.Files = append(d.Files, FileEntry{Path: path, Length: length})
			d.TotalLength += length
		}
	} else {
		length := info["length"].AsInt()
		if err := guardPath(d.Name); err != nil {
			return nil, err
		}
		d.Files = append(d.Files, FileEntry{Path: d.Name, Length: length})
		d.TotalLength = length
	}

	hash := sha1.Sum(infoData.ToBytes())
	d.InfoHash = hash

	return d, nil
}

// guardPath rejects a relative file-layout path that would traverse outside
// a base download directory once joined. This is the same check the File
// Layer re-applies at open time (belt-and-braces): the fatal "path
// traversal" error in spec.md §7 must never depend on only one of the two
// checks running.
func guardPath(p string) error {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return fmt.Errorf("metainfo: path traversal attempt in file entry %q", p)
		}
	}
	return nil
}
