package db

import (
	"database/sql"

	"github.com/starling-fm/starling/models"
)

// SaveArtist upserts an artist row, including its resolved provider IDs and
// artist-level enrichment signals.
func (db *DB) SaveArtist(artist *models.Artist) error {
	return saveArtist(db.DB, artist)
}

func saveArtist(e execer, artist *models.Artist) error {
	genres, err := encodeStrings(artist.Genres)
	if err != nil {
		return err
	}
	tags, err := encodeStrings(artist.Tags)
	if err != nil {
		return err
	}

	_, err = e.Exec(`
	INSERT INTO artists (id, name, musicbrainz_artist_id, spotify_artist_id, discogs_artist_id,
		spotify_popularity, genres, tags, last_scanned_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		musicbrainz_artist_id = COALESCE(excluded.musicbrainz_artist_id, artists.musicbrainz_artist_id),
		spotify_artist_id = COALESCE(excluded.spotify_artist_id, artists.spotify_artist_id),
		discogs_artist_id = COALESCE(excluded.discogs_artist_id, artists.discogs_artist_id),
		spotify_popularity = COALESCE(excluded.spotify_popularity, artists.spotify_popularity),
		genres = COALESCE(excluded.genres, artists.genres),
		tags = COALESCE(excluded.tags, artists.tags),
		last_scanned_at = COALESCE(excluded.last_scanned_at, artists.last_scanned_at)`,
		artist.ID, artist.Name, artist.MusicBrainzArtistID, artist.SpotifyArtistID,
		artist.DiscogsArtistID, artist.SpotifyPopularity, genres, tags, artist.LastScannedAt)

	return err
}

// GetArtist retrieves an artist by ID. Returns nil when the row does not
// exist.
func (db *DB) GetArtist(id string) (*models.Artist, error) {
	artist := &models.Artist{}
	var genres, tags sql.NullString

	err := db.QueryRow(`
	SELECT id, name, musicbrainz_artist_id, spotify_artist_id, discogs_artist_id,
		spotify_popularity, genres, tags, last_scanned_at
	FROM artists WHERE id = ?`, id).Scan(
		&artist.ID, &artist.Name, &artist.MusicBrainzArtistID, &artist.SpotifyArtistID,
		&artist.DiscogsArtistID, &artist.SpotifyPopularity, &genres, &tags,
		&artist.LastScannedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if artist.Genres, err = decodeStrings(genres); err != nil {
		return nil, err
	}
	if artist.Tags, err = decodeStrings(tags); err != nil {
		return nil, err
	}

	return artist, nil
}
