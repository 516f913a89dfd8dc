package db

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Checkpoint is the external, documented resume format (spec.md §6): a
// small JSON sidecar file next to a torrent's downloaded content, portable
// across the sqlite bookkeeping this package otherwise owns.
type Checkpoint struct {
	TorrentHash     string `json:"torrent_hash"`
	TimestampMs     int64  `json:"timestamp_ms"`
	VerifiedPieces  []int  `json:"verified_pieces"`
	DownloadedBytes int64  `json:"downloaded_bytes"`
	DownloadDir     string `json:"download_dir"`
}

func checkpointPath(downloadDir, torrentHash string) string {
	return filepath.Join(downloadDir, fmt.Sprintf(".%s.checkpoint.json", torrentHash))
}

// WriteCheckpointFile snapshots a swarm's progress to
// <download_dir>/.<torrent_hash>.checkpoint.json. The `resume` command reads
// this file back to learn which pieces are already verified, and falls back
// to scanning the bytes on disk when it is missing or unusable; the database
// row updated by SyncProgress records status and byte totals.
func WriteCheckpointFile(downloadDir, torrentHash string, verifiedPieces []int, downloadedBytes int64) error {
	cp := Checkpoint{
		TorrentHash:     torrentHash,
		TimestampMs:     time.Now().UnixMilli(),
		VerifiedPieces:  verifiedPieces,
		DownloadedBytes: downloadedBytes,
		DownloadDir:     downloadDir,
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("db: marshaling checkpoint: %w", err)
	}
	if err := os.WriteFile(checkpointPath(downloadDir, torrentHash), data, 0o644); err != nil {
		return fmt.Errorf("db: writing checkpoint: %w", err)
	}
	return nil
}

// ReadCheckpointFile loads a previously written checkpoint, or returns
// os.ErrNotExist (wrapped) if none exists yet for this torrent.
func ReadCheckpointFile(downloadDir, torrentHash string) (*Checkpoint, error) {
	data, err := os.ReadFile(checkpointPath(downloadDir, torrentHash))
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("db: parsing checkpoint: %w", err)
	}
	return &cp, nil
}

// SyncCheckpoint writes the JSON checkpoint sidecar alongside the sqlite
// Download row SyncProgress already updates, so a `resume` run that skips
// the database entirely (e.g. a copied download directory) can still
// recover verified-piece state.
func (d *Database) SyncCheckpoint(downloadDir, torrentHash string, verifiedPieces []int, downloadedBytes int64) error {
	return WriteCheckpointFile(downloadDir, torrentHash, verifiedPieces, downloadedBytes)
}
