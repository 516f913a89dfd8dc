package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"torrentswarm/config"
	"torrentswarm/db"
	"torrentswarm/db/models"
	"torrentswarm/metainfo"
	"torrentswarm/swarm"
	"torrentswarm/utils"
)

// progressSyncInterval is how often a running swarm's snapshot is folded
// into its database row and logged to the console.
const progressSyncInterval = 5 * time.Second

// VerifyTorrent checks a torrent's content already on disk against its
// piece hashes, without starting a swarm.
func VerifyTorrent(torrentFile, contentPath string) error {
	d, err := parseTorrentFile(torrentFile)
	if err != nil {
		return err
	}
	if contentPath == "" {
		contentPath = d.ContentRoot(config.Main.DownloadDir)
	}
	return metainfo.VerifyAgainstDisk(d, contentPath)
}

// DownloadTorrent parses a torrent file, records it in the resume database,
// and runs a swarm to completion (or until interrupted) under the
// configured download directory. A second invocation of the same torrent
// resumes the existing database row and, because the File Layer no longer
// truncates files that are already the right length, the bytes it already
// wrote on a prior run survive.
func DownloadTorrent(torrentFile string) error {
	d, err := parseTorrentFile(torrentFile)
	if err != nil {
		return err
	}

	cachePath, err := cacheTorrentFile(torrentFile)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(d.ContentRoot(config.Main.DownloadDir), os.ModePerm); err != nil {
		return fmt.Errorf("creating download directory: %w", err)
	}

	dlModel, err := mainDB.CreateDownload(d, cachePath, config.Main.DownloadDir)
	if err != nil {
		return err
	}
	dlModel.Status = models.Downloading
	if err := mainDB.UpdateDownload(dlModel); err != nil {
		return err
	}

	sw, err := buildSwarm(d, config.Main.DownloadDir)
	if err != nil {
		dlModel.Status = models.Error
		dlModel.LastError = err.Error()
		_ = mainDB.UpdateDownload(dlModel)
		return err
	}

	return runSwarm(sw, dlModel)
}

// SeedTorrent verifies content already on disk and then serves it to the
// swarm without ever requesting a block.
func SeedTorrent(torrentFile, contentPath string) error {
	d, err := parseTorrentFile(torrentFile)
	if err != nil {
		return err
	}
	if err := metainfo.VerifyAgainstDisk(d, contentPath); err != nil {
		return fmt.Errorf("seed: content failed verification: %w", err)
	}

	cachePath, err := cacheTorrentFile(torrentFile)
	if err != nil {
		return err
	}

	dlModel, err := mainDB.CreateDownload(d, cachePath, contentPath)
	if err != nil {
		return err
	}
	dlModel.Status = models.Seeding
	dlModel.DownloadedSize = d.TotalLength
	if err := mainDB.UpdateDownload(dlModel); err != nil {
		return err
	}

	sw, err := buildSwarm(d, contentPath)
	if err != nil {
		return err
	}
	sw.BootstrapVerified()

	return runSwarm(sw, dlModel)
}

// ResumeTorrent learns which pieces are already intact from the torrent's
// checkpoint file or, failing that, by scanning whatever bytes already exist
// under its download directory, marks those pieces as verified, and
// continues the download for the rest.
func ResumeTorrent(torrentFile string) error {
	d, err := parseTorrentFile(torrentFile)
	if err != nil {
		return err
	}

	cachePath, err := cacheTorrentFile(torrentFile)
	if err != nil {
		return err
	}

	verified := verifiedFromCheckpoint(d, config.Main.DownloadDir)
	if verified == nil {
		verified, err = metainfo.ScanDisk(d, d.ContentRoot(config.Main.DownloadDir))
		if err != nil {
			log.Warn().Err(err).Msg("resume: no existing content found, starting fresh")
			verified = make([]bool, d.NumPieces())
		}
	}

	dlModel, err := mainDB.CreateDownload(d, cachePath, config.Main.DownloadDir)
	if err != nil {
		return err
	}
	dlModel.Status = models.Downloading
	if err := mainDB.UpdateDownload(dlModel); err != nil {
		return err
	}

	sw, err := buildSwarm(d, config.Main.DownloadDir)
	if err != nil {
		return err
	}
	sw.BootstrapFromDisk(verified)

	intact := 0
	for _, ok := range verified {
		if ok {
			intact++
		}
	}
	log.Info().Int("verified_pieces", intact).Int("total_pieces", d.NumPieces()).Msg("resume: scanned existing content")

	return runSwarm(sw, dlModel)
}

// verifiedFromCheckpoint loads the JSON checkpoint sidecar, if one exists
// and matches this torrent, to skip a full on-disk SHA-1 rescan. Returns nil
// (not an empty slice) if no usable checkpoint was found, so the caller
// falls back to metainfo.ScanDisk.
func verifiedFromCheckpoint(d *metainfo.TorrentDescriptor, downloadPath string) []bool {
	cp, err := db.ReadCheckpointFile(downloadPath, d.InfoHashHex())
	if err != nil {
		return nil
	}
	verified := make([]bool, d.NumPieces())
	for _, idx := range cp.VerifiedPieces {
		if idx >= 0 && idx < len(verified) {
			verified[idx] = true
		}
	}
	log.Info().Int64("checkpoint_age_ms", time.Now().UnixMilli()-cp.TimestampMs).Msg("resume: loaded checkpoint sidecar")
	return verified
}

func parseTorrentFile(torrentFile string) (*metainfo.TorrentDescriptor, error) {
	content, err := os.ReadFile(torrentFile)
	if err != nil {
		return nil, err
	}
	return metainfo.Parse(content)
}

// cacheTorrentFile copies torrentFile into the configured cache directory,
// matching the teacher's own CacheDir convention, and returns the copy's
// path for the database row to point at.
func cacheTorrentFile(torrentFile string) (string, error) {
	cachePath := filepath.Join(config.Main.CacheDir, filepath.Base(torrentFile))
	if err := utils.CopyFile(torrentFile, cachePath); err != nil {
		return "", fmt.Errorf("caching torrent file: %w", err)
	}
	return cachePath, nil
}

func buildSwarm(d *metainfo.TorrentDescriptor, downloadDir string) (*swarm.Swarm, error) {
	cfg := swarm.DefaultConfig(downloadDir)
	cfg.ListenPort = config.Main.ListenPort
	cfg.MaxPeers = config.Main.MaxPeers
	cfg.CacheItems = config.Main.BlockCacheItems
	cfg.CacheBytes = config.Main.BlockCacheBytes

	selfID := metainfo.GenerateLocalPeerID()
	sw, err := swarm.New(d, cfg, selfID)
	if err != nil {
		return nil, fmt.Errorf("building swarm: %w", err)
	}
	return sw, nil
}

// runSwarm drives sw.Run to completion, periodically folding its progress
// snapshot into the database row, the JSON checkpoint sidecar and the
// console, and stops cleanly on SIGINT/SIGTERM.
func runSwarm(sw *swarm.Swarm, dlModel *models.Download) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx) }()

	ticker := time.NewTicker(progressSyncInterval)
	defer ticker.Stop()

	var runErr error
loop:
	for {
		select {
		case runErr = <-done:
			break loop
		case <-ticker.C:
			snap := sw.Snapshot()
			if err := mainDB.SyncProgress(dlModel, snap); err != nil {
				log.Warn().Err(err).Msg("failed to sync progress to database")
			}
			if err := mainDB.SyncCheckpoint(dlModel.DownloadDir, dlModel.InfoHash, sw.VerifiedPieceIndices(), int64(sw.DownloadedBytes())); err != nil {
				log.Warn().Err(err).Msg("failed to write checkpoint file")
			}
			log.Info().
				Int("verified", snap.VerifiedPieces).
				Int("total", snap.TotalPieces).
				Int("peers", snap.ConnectedPeers).
				Int("seeders", snap.Seeders).
				Int("leechers", snap.Leechers).
				Str("down", utils.FormatRate(snap.DownloadRateBps)).
				Str("up", utils.FormatRate(snap.UploadRateBps)).
				Msg("progress")
		}
	}

	final := sw.Snapshot()
	if err := mainDB.SyncProgress(dlModel, final); err != nil {
		log.Warn().Err(err).Msg("failed to sync final progress to database")
	}
	if err := mainDB.SyncCheckpoint(dlModel.DownloadDir, dlModel.InfoHash, sw.VerifiedPieceIndices(), int64(sw.DownloadedBytes())); err != nil {
		log.Warn().Err(err).Msg("failed to write final checkpoint file")
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		dlModel.Status = models.Error
		dlModel.LastError = runErr.Error()
		_ = mainDB.UpdateDownload(dlModel)
		return runErr
	}
	return nil
}
