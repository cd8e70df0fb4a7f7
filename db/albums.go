package db

import (
	"database/sql"

	"github.com/starling-fm/starling/models"
)

// SaveAlbum upserts an album row.
func (db *DB) SaveAlbum(album *models.Album) error {
	return saveAlbum(db.DB, album)
}

func saveAlbum(e execer, album *models.Album) error {
	_, err := e.Exec(`
	INSERT INTO albums (id, artist_id, artist, title, normalized_title, album_type,
		release_year, total_tracks, is_compilation, is_live, is_unplugged,
		cover_art_url, last_scanned_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		artist_id = excluded.artist_id,
		artist = excluded.artist,
		title = excluded.title,
		normalized_title = excluded.normalized_title,
		album_type = excluded.album_type,
		release_year = COALESCE(excluded.release_year, albums.release_year),
		total_tracks = excluded.total_tracks,
		is_compilation = excluded.is_compilation,
		is_live = excluded.is_live,
		is_unplugged = excluded.is_unplugged,
		cover_art_url = COALESCE(excluded.cover_art_url, albums.cover_art_url),
		last_scanned_at = COALESCE(excluded.last_scanned_at, albums.last_scanned_at)`,
		album.ID, album.ArtistID, album.Artist, album.Title, album.NormalizedTitle,
		album.AlbumType, album.ReleaseYear, album.TotalTracks, album.IsCompilation,
		album.IsLive, album.IsUnplugged, album.CoverArtURL, album.LastScannedAt)

	return err
}

// GetAlbum retrieves an album by ID. Returns nil when the row does not exist.
func (db *DB) GetAlbum(id string) (*models.Album, error) {
	album := &models.Album{}

	err := db.QueryRow(`
	SELECT id, artist_id, artist, title, normalized_title, album_type, release_year,
		total_tracks, is_compilation, is_live, is_unplugged, cover_art_url, last_scanned_at
	FROM albums WHERE id = ?`, id).Scan(
		&album.ID, &album.ArtistID, &album.Artist, &album.Title, &album.NormalizedTitle,
		&album.AlbumType, &album.ReleaseYear, &album.TotalTracks, &album.IsCompilation,
		&album.IsLive, &album.IsUnplugged, &album.CoverArtURL, &album.LastScannedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return album, nil
}

// SaveAlbumScan persists one finished album scan atomically: the artist, the
// album, and every track land in a single transaction so readers never see a
// half-written album.
func (db *DB) SaveAlbumScan(artist *models.Artist, album *models.Album, tracks []*models.Track) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := saveArtist(tx, artist); err != nil {
		return err
	}
	if err := saveAlbum(tx, album); err != nil {
		return err
	}
	for _, track := range tracks {
		if err := saveTrack(tx, track); err != nil {
			return err
		}
	}

	return tx.Commit()
}
