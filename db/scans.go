package db

import (
	"database/sql"
	"time"

	"github.com/starling-fm/starling/models"
)

// RecordScan appends one scan_history row and returns its ID.
func (db *DB) RecordScan(rec *models.ScanRecord) (int64, error) {
	result, err := db.Exec(`
	INSERT INTO scan_history (artist_id, artist, album_id, album, started_at,
		finished_at, outcome, tracks_scanned, singles_detected, error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ArtistID, rec.Artist, rec.AlbumID, rec.Album, rec.StartedAt,
		rec.FinishedAt, rec.Outcome, rec.TracksScanned, rec.SinglesDetected,
		rec.Error)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// LastCompletedScan returns when the album last finished a scan with outcome
// ok. The zero time means it never has.
func (db *DB) LastCompletedScan(artistID, albumID string) (time.Time, error) {
	var startedAt time.Time

	err := db.QueryRow(`
	SELECT started_at FROM scan_history
	WHERE artist_id = ? AND album_id = ? AND outcome = ?
	ORDER BY started_at DESC LIMIT 1`,
		artistID, albumID, models.OutcomeOK).Scan(&startedAt)

	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}

	return startedAt, nil
}

// AlbumScans returns the scan history for one album, newest first.
func (db *DB) AlbumScans(artistID, albumID string, limit int) ([]*models.ScanRecord, error) {
	rows, err := db.Query(`
	SELECT id, artist_id, artist, album_id, album, started_at, finished_at,
		outcome, tracks_scanned, singles_detected, error
	FROM scan_history
	WHERE artist_id = ? AND album_id = ?
	ORDER BY started_at DESC LIMIT ?`, artistID, albumID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.ScanRecord
	for rows.Next() {
		rec := &models.ScanRecord{}
		err := rows.Scan(
			&rec.ID, &rec.ArtistID, &rec.Artist, &rec.AlbumID, &rec.Album,
			&rec.StartedAt, &rec.FinishedAt, &rec.Outcome, &rec.TracksScanned,
			&rec.SinglesDetected, &rec.Error)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}
