package db

import (
	"database/sql"
	"fmt"

	"github.com/starling-fm/starling/models"
)

// trackUpsertQuery preserves user-pinned columns: when an override bit is set
// on the existing row, the corresponding columns keep their stored values and
// the incoming scan values are discarded. The mask itself is user-owned and
// never written by a scan.
var trackUpsertQuery = fmt.Sprintf(`
	INSERT INTO tracks (id, album_id, artist, album, title, track_number, disc_number,
		duration_seconds, genre, isrc, musicbrainz_recording_id, spotify_track_id,
		spotify_artist_id, spotify_album_type, discogs_release_id, popularity_score,
		global_popularity, album_zscore, stars, is_single, single_confidence,
		single_sources, is_compilation, user_override_mask, last_scanned_at,
		metadata_last_updated)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		album_id = excluded.album_id,
		artist = excluded.artist,
		album = excluded.album,
		title = excluded.title,
		track_number = excluded.track_number,
		disc_number = excluded.disc_number,
		duration_seconds = excluded.duration_seconds,
		genre = excluded.genre,
		isrc = COALESCE(excluded.isrc, tracks.isrc),
		musicbrainz_recording_id = COALESCE(excluded.musicbrainz_recording_id, tracks.musicbrainz_recording_id),
		spotify_track_id = COALESCE(excluded.spotify_track_id, tracks.spotify_track_id),
		spotify_artist_id = COALESCE(excluded.spotify_artist_id, tracks.spotify_artist_id),
		spotify_album_type = COALESCE(excluded.spotify_album_type, tracks.spotify_album_type),
		discogs_release_id = COALESCE(excluded.discogs_release_id, tracks.discogs_release_id),
		popularity_score = CASE WHEN tracks.user_override_mask & %[3]d != 0 THEN tracks.popularity_score ELSE excluded.popularity_score END,
		global_popularity = CASE WHEN tracks.user_override_mask & %[3]d != 0 THEN tracks.global_popularity ELSE excluded.global_popularity END,
		album_zscore = excluded.album_zscore,
		stars = CASE WHEN tracks.user_override_mask & %[1]d != 0 THEN tracks.stars ELSE excluded.stars END,
		is_single = CASE WHEN tracks.user_override_mask & %[2]d != 0 THEN tracks.is_single ELSE excluded.is_single END,
		single_confidence = CASE WHEN tracks.user_override_mask & %[2]d != 0 THEN tracks.single_confidence ELSE excluded.single_confidence END,
		single_sources = CASE WHEN tracks.user_override_mask & %[2]d != 0 THEN tracks.single_sources ELSE excluded.single_sources END,
		is_compilation = excluded.is_compilation,
		user_override_mask = tracks.user_override_mask,
		last_scanned_at = excluded.last_scanned_at,
		metadata_last_updated = excluded.metadata_last_updated`,
	models.OverrideStars, models.OverrideSingle, models.OverridePopularity)

// SaveTrack upserts one track row, honoring any user override bits already
// set on it.
func (db *DB) SaveTrack(track *models.Track) error {
	return saveTrack(db.DB, track)
}

func saveTrack(e execer, track *models.Track) error {
	sources, err := encodeStrings(track.SingleSources)
	if err != nil {
		return err
	}

	_, err = e.Exec(trackUpsertQuery,
		track.ID, track.AlbumID, track.Artist, track.Album, track.Title,
		track.TrackNumber, track.DiscNumber, track.DurationSeconds, track.Genre,
		track.ISRC, track.MusicBrainzRecordingID, track.SpotifyTrackID,
		track.SpotifyArtistID, track.SpotifyAlbumType, track.DiscogsReleaseID,
		track.PopularityScore, track.GlobalPopularity, track.AlbumZScore,
		track.Stars, track.IsSingle, track.SingleConfidence, sources,
		track.IsCompilation, track.UserOverrideMask, track.LastScannedAt,
		track.MetadataLastUpdated)

	return err
}

const trackColumns = `id, album_id, artist, album, title, track_number, disc_number,
	duration_seconds, genre, isrc, musicbrainz_recording_id, spotify_track_id,
	spotify_artist_id, spotify_album_type, discogs_release_id, popularity_score,
	global_popularity, album_zscore, stars, is_single, single_confidence,
	single_sources, is_compilation, user_override_mask, last_scanned_at,
	metadata_last_updated`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrack(row rowScanner) (*models.Track, error) {
	track := &models.Track{}
	var sources sql.NullString

	err := row.Scan(
		&track.ID, &track.AlbumID, &track.Artist, &track.Album, &track.Title,
		&track.TrackNumber, &track.DiscNumber, &track.DurationSeconds, &track.Genre,
		&track.ISRC, &track.MusicBrainzRecordingID, &track.SpotifyTrackID,
		&track.SpotifyArtistID, &track.SpotifyAlbumType, &track.DiscogsReleaseID,
		&track.PopularityScore, &track.GlobalPopularity, &track.AlbumZScore,
		&track.Stars, &track.IsSingle, &track.SingleConfidence, &sources,
		&track.IsCompilation, &track.UserOverrideMask, &track.LastScannedAt,
		&track.MetadataLastUpdated)
	if err != nil {
		return nil, err
	}

	if track.SingleSources, err = decodeStrings(sources); err != nil {
		return nil, err
	}
	return track, nil
}

// GetTrack retrieves a track by ID. Returns nil when the row does not exist.
func (db *DB) GetTrack(id string) (*models.Track, error) {
	track, err := scanTrack(db.QueryRow(
		`SELECT `+trackColumns+` FROM tracks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return track, nil
}

// GetArtistTracks retrieves every stored track credited to the artist name.
// Used to match alternate versions of a recording across the artist's
// releases.
func (db *DB) GetArtistTracks(artist string) ([]*models.Track, error) {
	rows, err := db.Query(
		`SELECT `+trackColumns+` FROM tracks WHERE artist = ?
		ORDER BY album, disc_number, track_number`, artist)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tracks []*models.Track
	for rows.Next() {
		track, err := scanTrack(rows)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, track)
	}

	return tracks, rows.Err()
}

// GetAlbumTracks retrieves all tracks of an album in playback order.
func (db *DB) GetAlbumTracks(albumID string) ([]*models.Track, error) {
	rows, err := db.Query(
		`SELECT `+trackColumns+` FROM tracks WHERE album_id = ?
		ORDER BY disc_number, track_number, title`, albumID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tracks []*models.Track
	for rows.Next() {
		track, err := scanTrack(rows)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, track)
	}

	return tracks, rows.Err()
}

// SetOverrideMask pins or unpins user-owned fields on a track. Collaborating
// tools write the same bits; scans only ever read them.
func (db *DB) SetOverrideMask(trackID string, mask int) error {
	_, err := db.Exec(`UPDATE tracks SET user_override_mask = ? WHERE id = ?`, mask, trackID)
	return err
}
