package models

// AlbumContext carries the release-level facts the single detector and the
// popularity fuser condition on.
type AlbumContext struct {
	AlbumType     AlbumType `json:"albumType"`
	IsCompilation bool      `json:"isCompilation"`
	IsLive        bool      `json:"isLive"`
	IsUnplugged   bool      `json:"isUnplugged"`
}

// WorkUnit is the in-memory record for one album while it is being scanned.
// The coordinator owns it exclusively; it is dropped after persistence.
type WorkUnit struct {
	Artist  *Artist
	Album   *Album
	Tracks  []*Track
	Context AlbumContext

	// Signals holds the merged provider responses keyed by track ID.
	Signals map[string]*TrackSignals
}

// SignalsFor returns the signal record for a track, creating it on first use.
func (w *WorkUnit) SignalsFor(trackID string) *TrackSignals {
	if w.Signals == nil {
		w.Signals = make(map[string]*TrackSignals)
	}
	s, ok := w.Signals[trackID]
	if !ok {
		s = &TrackSignals{}
		w.Signals[trackID] = s
	}
	return s
}

// TrackSignals aggregates the raw per-provider signals for one track. A nil
// dimension means the provider returned nothing (disabled, failed, or no
// match); downstream consumers renormalize around missing dimensions.
type TrackSignals struct {
	Spotify      *SpotifySignals      `json:"spotify,omitempty"`
	LastFM       *LastFMSignals       `json:"lastfm,omitempty"`
	ListenBrainz *ListenBrainzSignals `json:"listenbrainz,omitempty"`
	MusicBrainz  *MusicBrainzSignals  `json:"musicbrainz,omitempty"`
	Discogs      *DiscogsSignals      `json:"discogs,omitempty"`
}

type SpotifySignals struct {
	TrackID          string         `json:"track_id"`
	Popularity       int            `json:"popularity"`
	AlbumType        string         `json:"album_type"`
	AlbumTotalTracks int            `json:"album_total_tracks"`
	ReleaseDate      string         `json:"release_date"`
	Explicit         bool           `json:"explicit"`
	DurationMs       int            `json:"duration_ms"`
	ISRC             string         `json:"isrc,omitempty"`
	Features         *AudioFeatures `json:"features,omitempty"`
}

// AudioFeatures is Spotify's acoustic profile of one track.
type AudioFeatures struct {
	Tempo            float64 `json:"tempo"`
	Energy           float64 `json:"energy"`
	Danceability     float64 `json:"danceability"`
	Valence          float64 `json:"valence"`
	Acousticness     float64 `json:"acousticness"`
	Instrumentalness float64 `json:"instrumentalness"`
	Liveness         float64 `json:"liveness"`
	Speechiness      float64 `json:"speechiness"`
	Loudness         float64 `json:"loudness"`
	Key              int     `json:"key"`
	Mode             int     `json:"mode"`
}

type LastFMSignals struct {
	Listeners int64    `json:"listeners"`
	Playcount int64    `json:"playcount"`
	TopTags   []string `json:"top_tags,omitempty"`
}

type ListenBrainzSignals struct {
	ListenCount int64 `json:"listen_count"`
	UserCount   int64 `json:"user_count"`
}

// MusicBrainzSignals describes the release-group the recording first appeared
// on, plus whether any release of it is typed Single.
type MusicBrainzSignals struct {
	RecordingID      string   `json:"recording_id"`
	PrimaryType      string   `json:"primary_type"`
	SecondaryTypes   []string `json:"secondary_types,omitempty"`
	FirstReleaseDate string   `json:"first_release_date,omitempty"`
	ReleasedAsSingle bool     `json:"released_as_single"`
}

type DiscogsSignals struct {
	ReleaseID int64           `json:"release_id"`
	Formats   []ReleaseFormat `json:"formats,omitempty"`
	Videos    []ReleaseVideo  `json:"videos,omitempty"`
}

// ReleaseFormat is one physical/digital format entry on a Discogs release.
type ReleaseFormat struct {
	Name         string   `json:"name"`
	Descriptions []string `json:"descriptions,omitempty"`
}

// ReleaseVideo is one video attached to a Discogs release.
type ReleaseVideo struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// SingleDecision is the single detector's verdict for one track.
type SingleDecision struct {
	IsSingle   bool       `json:"isSingle"`
	Confidence Confidence `json:"confidence"`
	Sources    []string   `json:"sources"`
	Score      int        `json:"score"`
}
