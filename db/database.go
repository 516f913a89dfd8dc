package db

import (
	"encoding/hex"
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"torrentswarm/config"
	"torrentswarm/db/models"
	"torrentswarm/discovery"
	"torrentswarm/metainfo"
)

// Database is the resume/seed bookkeeping store: a record of every torrent
// ever started, its trackers and last-known peers, kept separate from the
// swarm core's own in-memory and checkpoint-file state so the CLI can list
// downloads without spinning up a swarm.
type Database struct {
	db *gorm.DB
}

// Init opens (creating if necessary) the sqlite database at the configured
// path and migrates it to the current model set.
func Init() (*Database, error) {
	db, err := gorm.Open(sqlite.Open(config.Main.DB.Path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("db: opening %s: %w", config.Main.DB.Path, err)
	}

	if err := db.AutoMigrate(&models.Download{}, &models.Peer{}, &models.Piece{}, &models.Tracker{}); err != nil {
		return nil, fmt.Errorf("db: migrating schema: %w", err)
	}

	return &Database{db: db}, nil
}

// Close releases the underlying sqlite connection.
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return fmt.Errorf("db: closing: %w", err)
	}
	return sqlDB.Close()
}

// CreateDownload records a new torrent, or returns the existing record for
// its info-hash if one already exists (spec.md §6's resume support: a
// second `download` of the same torrent reuses this row rather than adding
// another). TorrentFilename is the path of the cached .torrent file.
func (d *Database) CreateDownload(desc *metainfo.TorrentDescriptor, torrentPath, downloadDir string) (*models.Download, error) {
	download := &models.Download{}
	if tx := d.db.Where("info_hash = ?", desc.InfoHashHex()).First(download); tx.Error == nil {
		return d.withRelations(download)
	}

	download = &models.Download{
		InfoHash:        desc.InfoHashHex(),
		Name:            desc.Name,
		TorrentFilename: torrentPath,
		Status:          models.Downloading,
		DownloadDir:     downloadDir,
		TotalSize:       desc.TotalLength,
	}
	if err := d.db.Create(download).Error; err != nil {
		return nil, err
	}

	for i, hash := range desc.PieceHashes {
		piece := &models.Piece{DownloadID: download.ID, Index: i, Hash: hex.EncodeToString(hash[:])}
		if err := d.db.Create(piece).Error; err != nil {
			return nil, err
		}
	}

	for _, announce := range desc.AnnounceList {
		tracker := &models.Tracker{DownloadID: download.ID, Announce: announce, Status: models.TrackerAnnouncing}
		if err := d.db.Create(tracker).Error; err != nil {
			return nil, err
		}
	}

	return d.withRelations(download)
}

func (d *Database) withRelations(download *models.Download) (*models.Download, error) {
	if err := d.db.Preload("Trackers").Preload("Pieces").First(download).Error; err != nil {
		return nil, err
	}
	return download, nil
}

// UpdateTracker persists a tracker's announce state.
func (d *Database) UpdateTracker(tracker *models.Tracker) error {
	return d.db.Save(tracker).Error
}

// CreatePeers records a batch of discovery candidates against a tracker.
func (d *Database) CreatePeers(tracker *models.Tracker, candidates []discovery.Candidate) error {
	for _, c := range candidates {
		if err := d.CreatePeer(tracker, c); err != nil {
			return err
		}
	}
	return nil
}

func (d *Database) CreatePeer(tracker *models.Tracker, c discovery.Candidate) error {
	newPeer := &models.Peer{
		DownloadID: tracker.DownloadID,
		TrackerID:  tracker.ID,
		IP:         c.IP,
		Port:       c.Port,
		IsStopped:  true,
	}
	existing := &models.Peer{}
	result := d.db.Where("download_id = ? AND ip = ? AND port = ?", tracker.DownloadID, c.IP, c.Port).First(existing)
	if result.Error == nil {
		newPeer.ID = existing.ID
		return d.db.Save(newPeer).Error
	}
	return d.db.Create(newPeer).Error
}
