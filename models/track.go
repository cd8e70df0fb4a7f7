package models

import "time"

// Confidence grades how sure the single detector is about a classification.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Meets reports whether c is at least as strong as min.
func (c Confidence) Meets(min Confidence) bool {
	return c.rank() >= min.rank()
}

func (c Confidence) rank() int {
	switch c {
	case ConfidenceHigh:
		return 2
	case ConfidenceMedium:
		return 1
	default:
		return 0
	}
}

// Downgrade lowers the confidence by one step, bottoming out at low.
func (c Confidence) Downgrade() Confidence {
	switch c {
	case ConfidenceHigh:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// Outcome is the terminal state of one album scan.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomePartial Outcome = "partial"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// AlbumType is the coarse release classification used by context rules.
type AlbumType string

const (
	AlbumTypeAlbum       AlbumType = "album"
	AlbumTypeSingle      AlbumType = "single"
	AlbumTypeCompilation AlbumType = "compilation"
	AlbumTypeEP          AlbumType = "ep"
	AlbumTypeUnknown     AlbumType = "unknown"
)

// Bits of tracks.user_override_mask. A set bit means the user pinned the
// field and scans must not overwrite it.
const (
	OverrideStars = 1 << iota
	OverrideSingle
	OverridePopularity
)

// Artist is one music-server artist plus its resolved provider identities.
type Artist struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	MusicBrainzArtistID *string    `json:"musicbrainzArtistId,omitempty"`
	SpotifyArtistID     *string    `json:"spotifyArtistId,omitempty"`
	DiscogsArtistID     *string    `json:"discogsArtistId,omitempty"`
	SpotifyPopularity   *int       `json:"spotifyPopularity,omitempty"`
	Genres              []string   `json:"genres,omitempty"`
	Tags                []string   `json:"tags,omitempty"`
	LastScannedAt       *time.Time `json:"lastScannedAt,omitempty"`
}

// Album is one music-server album.
type Album struct {
	ID              string     `json:"id"`
	ArtistID        string     `json:"artistId"`
	Artist          string     `json:"artist"`
	Title           string     `json:"title"`
	NormalizedTitle string     `json:"normalizedTitle"`
	AlbumType       AlbumType  `json:"albumType"`
	ReleaseYear     *int       `json:"releaseYear,omitempty"`
	TotalTracks     int        `json:"totalTracks"`
	IsCompilation   bool       `json:"isCompilation"`
	IsLive          bool       `json:"isLive"`
	IsUnplugged     bool       `json:"isUnplugged"`
	CoverArtURL     *string    `json:"coverArtUrl,omitempty"`
	LastScannedAt   *time.Time `json:"lastScannedAt,omitempty"`
}

// Track is one music-server track together with everything a scan resolves,
// fetches, and derives for it.
type Track struct {
	ID          string `json:"id"`
	AlbumID     string `json:"albumId"`
	Artist      string `json:"artist"`
	Album       string `json:"album"`
	Title       string `json:"title"`
	TrackNumber int    `json:"trackNumber"`
	DiscNumber  int    `json:"discNumber"`

	DurationSeconds *int    `json:"durationSeconds,omitempty"`
	Genre           *string `json:"genre,omitempty"`

	ISRC                   *string `json:"isrc,omitempty"`
	MusicBrainzRecordingID *string `json:"musicbrainzRecordingId,omitempty"`
	SpotifyTrackID         *string `json:"spotifyTrackId,omitempty"`
	SpotifyArtistID        *string `json:"spotifyArtistId,omitempty"`
	SpotifyAlbumType       *string `json:"spotifyAlbumType,omitempty"`
	DiscogsReleaseID       *int64  `json:"discogsReleaseId,omitempty"`

	PopularityScore  *float64 `json:"popularityScore,omitempty"`
	GlobalPopularity *float64 `json:"globalPopularity,omitempty"`
	AlbumZScore      *float64 `json:"albumZscore,omitempty"`

	Stars            *int        `json:"stars,omitempty"`
	IsSingle         bool        `json:"isSingle"`
	SingleConfidence *Confidence `json:"singleConfidence,omitempty"`
	SingleSources    []string    `json:"singleSources,omitempty"`

	IsCompilation    bool `json:"isCompilation"`
	UserOverrideMask int  `json:"userOverrideMask"`

	LastScannedAt       *time.Time `json:"lastScannedAt,omitempty"`
	MetadataLastUpdated *time.Time `json:"metadataLastUpdated,omitempty"`
}

// Overridden reports whether the given override bit is set on the track.
func (t *Track) Overridden(bit int) bool {
	return t.UserOverrideMask&bit != 0
}

// ScanRecord is one append-only scan_history row.
type ScanRecord struct {
	ID              int64      `json:"id"`
	ArtistID        string     `json:"artistId"`
	Artist          string     `json:"artist"`
	AlbumID         string     `json:"albumId"`
	Album           string     `json:"album"`
	StartedAt       time.Time  `json:"startedAt"`
	FinishedAt      *time.Time `json:"finishedAt,omitempty"`
	Outcome         Outcome    `json:"outcome"`
	TracksScanned   int        `json:"tracksScanned"`
	SinglesDetected int        `json:"singlesDetected"`
	Error           *string    `json:"error,omitempty"`
}
