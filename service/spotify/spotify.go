package spotify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/starling-fm/starling/models"
	"github.com/starling-fm/starling/provider"
)

const (
	providerName = "spotify"

	// maxTracksPerCall is the batch ceiling of the several-tracks endpoint.
	maxTracksPerCall = 50

	// maxFeaturesPerCall is the batch ceiling of the audio-features endpoint.
	maxFeaturesPerCall = 100
)

// Artist is the slice of a Spotify artist the scanner cares about.
type Artist struct {
	ID         string
	Name       string
	Popularity int
	Genres     []string
}

// Track is the slice of a Spotify track the scanner cares about.
type Track struct {
	ID               string
	Name             string
	ArtistNames      []string
	ArtistIDs        []string
	AlbumID          string
	AlbumName        string
	AlbumType        string
	AlbumTotalTracks int
	ReleaseDate      string
	TrackNumber      int
	DiscNumber       int
	DurationMs       int
	Explicit         bool
	Popularity       int
	ISRC             string
}

// Service wraps the Spotify Web API behind the client-credentials flow. The
// client is swappable at runtime: SetCredentials rebuilds it so a credential
// change takes effect without a restart.
type Service struct {
	mu           sync.RWMutex
	client       *spotify.Client
	clientID     string
	clientSecret string

	// tokenURL is the client-credentials exchange endpoint. Tests point it
	// at a local server.
	tokenURL string

	gate   *provider.Gate
	retry  provider.RetryConfig
	logger *log.Logger
}

func NewService(clientID, clientSecret string) *Service {
	return &Service{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     spotifyauth.TokenURL,
		// Spotify tolerates roughly 180 requests per minute
		gate:   provider.NewGate(providerName, 3, 1),
		retry:  provider.DefaultRetry(),
		logger: log.New(os.Stdout, "spotify: ", log.LstdFlags|log.Lmsgprefix),
	}
}

// Gate exposes the rate gate so the coordinator can report request counts.
func (s *Service) Gate() *provider.Gate { return s.gate }

// Connect performs the client-credentials token exchange and builds the API
// client.
func (s *Service) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

func (s *Service) connectLocked(ctx context.Context) error {
	config := &clientcredentials.Config{
		ClientID:     s.clientID,
		ClientSecret: s.clientSecret,
		TokenURL:     s.tokenURL,
	}
	token, err := config.Token(ctx)
	if err != nil {
		return &provider.Error{Provider: providerName, Kind: provider.KindUnauthorized, Err: err}
	}

	httpClient := spotifyauth.New().Client(ctx, token)
	httpClient.Timeout = 10 * time.Second
	s.client = spotify.New(httpClient)
	s.logger.Printf("Authenticated with client ID %s…", truncateID(s.clientID))
	return nil
}

// SetCredentials swaps the API credentials and reconnects immediately. The
// old client is dropped first: a token minted from stale credentials keeps
// working until it expires, which would mask the change.
func (s *Service) SetCredentials(ctx context.Context, clientID, clientSecret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientID = clientID
	s.clientSecret = clientSecret
	s.client = nil
	return s.connectLocked(ctx)
}

func (s *Service) api() (*spotify.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, &provider.Error{Provider: providerName, Kind: provider.KindUnauthorized, Err: errors.New("client not authenticated")}
	}
	return s.client, nil
}

// SearchArtists looks up artists by name, most relevant first.
func (s *Service) SearchArtists(ctx context.Context, name string, limit int) ([]Artist, error) {
	client, err := s.api()
	if err != nil {
		return nil, err
	}
	if limit < 1 || limit > 50 {
		limit = 5
	}

	var artists []Artist
	err = provider.Do(ctx, s.gate, s.retry, func(ctx context.Context) error {
		results, err := client.Search(ctx, name, spotify.SearchTypeArtist, spotify.Limit(limit))
		if err != nil {
			return wrapErr(err)
		}
		artists = artists[:0]
		if results.Artists != nil {
			for i := range results.Artists.Artists {
				artists = append(artists, fromFullArtist(&results.Artists.Artists[i]))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return artists, nil
}

// GetArtist fetches one artist by ID, including genres and popularity.
func (s *Service) GetArtist(ctx context.Context, id string) (*Artist, error) {
	client, err := s.api()
	if err != nil {
		return nil, err
	}

	var artist *Artist
	err = provider.Do(ctx, s.gate, s.retry, func(ctx context.Context) error {
		fa, err := client.GetArtist(ctx, spotify.ID(id))
		if err != nil {
			return wrapErr(err)
		}
		a := fromFullArtist(fa)
		artist = &a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return artist, nil
}

// SearchTracks runs a field-filtered track search for an artist/title pair.
func (s *Service) SearchTracks(ctx context.Context, artist, title string, limit int) ([]Track, error) {
	client, err := s.api()
	if err != nil {
		return nil, err
	}
	if limit < 1 || limit > 50 {
		limit = 10
	}

	query := buildTrackQuery(artist, title)
	var tracks []Track
	err = provider.Do(ctx, s.gate, s.retry, func(ctx context.Context) error {
		results, err := client.Search(ctx, query, spotify.SearchTypeTrack, spotify.Limit(limit))
		if err != nil {
			return wrapErr(err)
		}
		tracks = tracks[:0]
		if results.Tracks != nil {
			for i := range results.Tracks.Tracks {
				tracks = append(tracks, fromFullTrack(&results.Tracks.Tracks[i]))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tracks, nil
}

// GetTracks fetches full track records in batches of fifty. IDs Spotify does
// not know are silently dropped from the result.
func (s *Service) GetTracks(ctx context.Context, ids []string) ([]Track, error) {
	client, err := s.api()
	if err != nil {
		return nil, err
	}

	out := make([]Track, 0, len(ids))
	for _, chunk := range chunkIDs(ids, maxTracksPerCall) {
		batch := make([]spotify.ID, len(chunk))
		for i, id := range chunk {
			batch[i] = spotify.ID(id)
		}

		var full []*spotify.FullTrack
		err = provider.Do(ctx, s.gate, s.retry, func(ctx context.Context) error {
			res, err := client.GetTracks(ctx, batch)
			if err != nil {
				return wrapErr(err)
			}
			full = res
			return nil
		})
		if err != nil {
			return nil, err
		}

		for _, ft := range full {
			if ft == nil {
				continue
			}
			out = append(out, fromFullTrack(ft))
		}
	}
	return out, nil
}

// TrackFeatures fetches audio features in batches of one hundred, keyed by
// track ID. Tracks without an analysis are absent from the map.
func (s *Service) TrackFeatures(ctx context.Context, ids []string) (map[string]*models.AudioFeatures, error) {
	client, err := s.api()
	if err != nil {
		return nil, err
	}

	out := make(map[string]*models.AudioFeatures, len(ids))
	for _, chunk := range chunkIDs(ids, maxFeaturesPerCall) {
		batch := make([]spotify.ID, len(chunk))
		for i, id := range chunk {
			batch[i] = spotify.ID(id)
		}

		var features []*spotify.AudioFeatures
		err = provider.Do(ctx, s.gate, s.retry, func(ctx context.Context) error {
			res, err := client.GetAudioFeatures(ctx, batch...)
			if err != nil {
				return wrapErr(err)
			}
			features = res
			return nil
		})
		if err != nil {
			return nil, err
		}

		for _, af := range features {
			if af == nil {
				continue
			}
			out[string(af.ID)] = fromAudioFeatures(af)
		}
	}
	return out, nil
}

// buildTrackQuery builds a field-filtered search query. Empty fields are
// omitted so either side can narrow the search alone.
func buildTrackQuery(artist, title string) string {
	switch {
	case artist == "":
		return fmt.Sprintf("track:%s", title)
	case title == "":
		return fmt.Sprintf("artist:%s", artist)
	}
	return fmt.Sprintf("track:%s artist:%s", title, artist)
}

// chunkIDs splits ids into runs of at most size elements.
func chunkIDs(ids []string, size int) [][]string {
	if size < 1 || len(ids) == 0 {
		return nil
	}
	chunks := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}

// wrapErr converts zmb3 client errors into the provider taxonomy. The
// library exposes the HTTP status but swallows headers, so Retry-After is
// lost and the gate falls back to its default suspension.
func wrapErr(err error) error {
	var serr spotify.Error
	if errors.As(err, &serr) {
		perr := provider.FromStatus(providerName, serr.Status, 0)
		perr.Err = err
		return perr
	}
	return provider.WrapTransport(providerName, err)
}

func fromFullArtist(fa *spotify.FullArtist) Artist {
	return Artist{
		ID:         string(fa.ID),
		Name:       fa.Name,
		Popularity: int(fa.Popularity),
		Genres:     fa.Genres,
	}
}

func fromFullTrack(ft *spotify.FullTrack) Track {
	t := Track{
		ID:               string(ft.ID),
		Name:             ft.Name,
		AlbumID:          string(ft.Album.ID),
		AlbumName:        ft.Album.Name,
		AlbumType:        ft.Album.AlbumType,
		AlbumTotalTracks: int(ft.Album.TotalTracks),
		ReleaseDate:      ft.Album.ReleaseDate,
		TrackNumber:      int(ft.TrackNumber),
		DiscNumber:       int(ft.DiscNumber),
		DurationMs:       int(ft.Duration),
		Explicit:         ft.Explicit,
		Popularity:       int(ft.Popularity),
		ISRC:             ft.ExternalIDs.ISRC,
	}
	for _, a := range ft.Artists {
		t.ArtistNames = append(t.ArtistNames, a.Name)
		t.ArtistIDs = append(t.ArtistIDs, string(a.ID))
	}
	return t
}

func fromAudioFeatures(af *spotify.AudioFeatures) *models.AudioFeatures {
	return &models.AudioFeatures{
		Tempo:            float64(af.Tempo),
		Energy:           float64(af.Energy),
		Danceability:     float64(af.Danceability),
		Valence:          float64(af.Valence),
		Acousticness:     float64(af.Acousticness),
		Instrumentalness: float64(af.Instrumentalness),
		Liveness:         float64(af.Liveness),
		Speechiness:      float64(af.Speechiness),
		Loudness:         float64(af.Loudness),
		Key:              int(af.Key),
		Mode:             int(af.Mode),
	}
}

func truncateID(id string) string {
	if len(id) <= 6 {
		return id
	}
	return id[:6]
}
