package db

import (
	"torrentswarm/db/models"
	"torrentswarm/swarm"
)

// UpdateDownload updates a download record in the database.
func (d *Database) UpdateDownload(download *models.Download) error {
	return d.db.Save(download).Error
}

// UpdatePiece updates a piece record in the database.
func (d *Database) UpdatePiece(piece *models.Piece) error {
	return d.db.Save(piece).Error
}

// SyncProgress folds a swarm's live progress snapshot into its Download
// row: size downloaded and, once Completed, a terminal status. Called
// periodically by the CLI's download command, not by the swarm itself,
// keeping persistence out of the core (spec.md §1).
func (d *Database) SyncProgress(download *models.Download, snap swarm.Progress) error {
	bytesPerPiece := int64(0)
	if snap.TotalPieces > 0 {
		bytesPerPiece = download.TotalSize / int64(snap.TotalPieces)
	}
	download.DownloadedSize = bytesPerPiece * int64(snap.VerifiedPieces)
	if snap.Completed {
		download.Status = models.Complete
	}
	return d.UpdateDownload(download)
}
