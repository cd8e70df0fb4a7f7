package resolver

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/starling-fm/starling/models"
	"github.com/starling-fm/starling/normalize"
	"github.com/starling-fm/starling/provider"
	"github.com/starling-fm/starling/service/discogs"
	"github.com/starling-fm/starling/service/musicbrainz"
	"github.com/starling-fm/starling/service/spotify"
)

// negativeTTL is how long a confirmed miss stays cached before the provider
// is asked again. Genuinely missing entities would otherwise be re-searched
// on every pass.
const negativeTTL = 24 * time.Hour

// releaseTTL is the retention for a resolved Discogs release ID, matching
// the provider's signal cache window.
const releaseTTL = 7 * 24 * time.Hour

// durationSlackSeconds bounds the duration tie-break when matching a library
// track against a Spotify search result.
const durationSlackSeconds = 2

// mbDurationSlackSeconds is the looser window used for MusicBrainz recording
// disambiguation.
const mbDurationSlackSeconds = 3

// SpotifyClient is the slice of the Spotify service the resolver needs.
type SpotifyClient interface {
	SearchArtists(ctx context.Context, name string, limit int) ([]spotify.Artist, error)
	SearchTracks(ctx context.Context, artist, title string, limit int) ([]spotify.Track, error)
}

// MusicBrainzClient is the slice of the MusicBrainz service the resolver
// needs.
type MusicBrainzClient interface {
	SearchRecording(ctx context.Context, params musicbrainz.SearchParams) ([]musicbrainz.Recording, error)
}

// DiscogsClient is the slice of the Discogs service the resolver needs.
type DiscogsClient interface {
	SearchReleases(ctx context.Context, params discogs.SearchParams) ([]discogs.SearchResult, error)
}

// Cache is the persistent signal cache used for negative resolutions and
// per-album Discogs release IDs.
type Cache interface {
	CacheGet(provider, key string) ([]byte, bool, error)
	CachePut(provider, key string, payload []byte, ttl time.Duration) error
}

// Resolver turns library names into stable provider IDs. One resolver serves
// a whole run; the coordinator drives it single-threaded. Artist IDs are
// resolved once per artist and fanned onto every track.
type Resolver struct {
	spotify SpotifyClient
	mb      MusicBrainzClient
	discogs DiscogsClient
	cache   Cache
	norm    *normalize.Normalizer
	logger  *log.Logger

	// artistIDs memoizes Spotify artist resolution for the run, keyed by
	// normalized artist name. An empty value is a remembered miss.
	artistIDs map[string]string

	// releaseIDs memoizes Discogs release resolution for the run, keyed by
	// normalized artist and album. Zero is a remembered miss.
	releaseIDs map[string]int64
}

func New(sp SpotifyClient, mb MusicBrainzClient, dc DiscogsClient, cache Cache, norm *normalize.Normalizer) *Resolver {
	return &Resolver{
		spotify:    sp,
		mb:         mb,
		discogs:    dc,
		cache:      cache,
		norm:       norm,
		logger:     log.New(os.Stdout, "resolver: ", log.LstdFlags|log.Lmsgprefix),
		artistIDs:  make(map[string]string),
		releaseIDs: make(map[string]int64),
	}
}

// Disable drops a provider for the rest of the run, after an auth failure.
func (r *Resolver) Disable(name string) {
	switch name {
	case "spotify":
		r.spotify = nil
	case "musicbrainz":
		r.mb = nil
	case "discogs":
		r.discogs = nil
	}
}

// ResolveArtist resolves the artist's Spotify ID, at most one lookup per
// artist per run, and enriches the artist with Spotify popularity and genres.
func (r *Resolver) ResolveArtist(ctx context.Context, artist *models.Artist) error {
	key := normalize.Key(artist.Name)

	if artist.SpotifyArtistID != nil {
		r.artistIDs[key] = *artist.SpotifyArtistID
		return nil
	}
	if id, seen := r.artistIDs[key]; seen {
		if id != "" {
			artist.SpotifyArtistID = &id
		}
		return nil
	}
	if r.spotify == nil {
		return nil
	}

	cacheKey := "resolve:artist:" + key
	if _, hit, err := r.cache.CacheGet("spotify", cacheKey); err == nil && hit {
		// Cached negative: the artist is not on Spotify.
		r.artistIDs[key] = ""
		return nil
	}

	results, err := r.spotify.SearchArtists(ctx, artist.Name, 5)
	if err != nil {
		if provider.IsNotFound(err) {
			r.rememberArtistMiss(key, cacheKey)
			return nil
		}
		return err
	}

	match := bestArtist(results, key)
	if match == nil {
		r.rememberArtistMiss(key, cacheKey)
		return nil
	}

	r.artistIDs[key] = match.ID
	id := match.ID
	artist.SpotifyArtistID = &id
	pop := match.Popularity
	artist.SpotifyPopularity = &pop
	if len(match.Genres) > 0 {
		artist.Genres = match.Genres
	}
	return nil
}

func (r *Resolver) rememberArtistMiss(key, cacheKey string) {
	r.artistIDs[key] = ""
	if err := r.cache.CachePut("spotify", cacheKey, nil, negativeTTL); err != nil {
		r.logger.Printf("caching artist miss: %v", err)
	}
}

// bestArtist prefers an exact normalized-name match, falling back to the
// provider's top result.
func bestArtist(results []spotify.Artist, key string) *spotify.Artist {
	for i := range results {
		if normalize.Key(results[i].Name) == key {
			return &results[i]
		}
	}
	if len(results) > 0 {
		return &results[0]
	}
	return nil
}

// ResolveTracks resolves provider IDs for every track of the work unit:
// Spotify track ID, ISRC, MusicBrainz recording ID, and the album's Discogs
// release. Individual misses and transient failures are collected, not
// fatal; the returned errors let the coordinator spot auth failures.
func (r *Resolver) ResolveTracks(ctx context.Context, unit *models.WorkUnit) []error {
	var errs []error

	artistID := r.artistIDs[normalize.Key(unit.Artist.Name)]

	for _, track := range unit.Tracks {
		if ctx.Err() != nil {
			return append(errs, ctx.Err())
		}

		if artistID != "" && track.SpotifyArtistID == nil {
			id := artistID
			track.SpotifyArtistID = &id
		}

		if err := r.resolveSpotifyTrack(ctx, track); err != nil {
			errs = append(errs, err)
			if provider.IsUnauthorized(err) {
				r.Disable("spotify")
			}
		}
		if err := r.resolveRecording(ctx, track); err != nil {
			errs = append(errs, err)
			if provider.IsUnauthorized(err) {
				r.Disable("musicbrainz")
			}
		}
	}

	if id, err := r.ResolveRelease(ctx, unit.Artist.Name, unit.Album.Title); err != nil {
		errs = append(errs, err)
		if provider.IsUnauthorized(err) {
			r.Disable("discogs")
		}
	} else if id != 0 {
		for _, track := range unit.Tracks {
			if track.DiscogsReleaseID == nil {
				releaseID := id
				track.DiscogsReleaseID = &releaseID
			}
		}
	}

	return errs
}

func (r *Resolver) resolveSpotifyTrack(ctx context.Context, track *models.Track) error {
	if track.SpotifyTrackID != nil || r.spotify == nil {
		return nil
	}

	cacheKey := "resolve:track:" + normalize.Key(track.Artist) + "|" + normalize.Key(track.Title)
	if _, hit, err := r.cache.CacheGet("spotify", cacheKey); err == nil && hit {
		return nil
	}

	results, err := r.spotify.SearchTracks(ctx, track.Artist, track.Title, 10)
	if err != nil {
		if provider.IsNotFound(err) {
			results = nil
		} else {
			return err
		}
	}

	match := bestSpotifyTrack(results, track, r.norm)
	if match == nil {
		if err := r.cache.CachePut("spotify", cacheKey, nil, negativeTTL); err != nil {
			r.logger.Printf("caching track miss: %v", err)
		}
		return nil
	}

	id := match.ID
	track.SpotifyTrackID = &id
	if track.ISRC == nil && match.ISRC != "" {
		isrc := match.ISRC
		track.ISRC = &isrc
	}
	return nil
}

// bestSpotifyTrack picks the search result to trust: exact normalized-title
// matches first, then duration within the slack window, then the provider's
// popularity.
func bestSpotifyTrack(results []spotify.Track, track *models.Track, norm *normalize.Normalizer) *spotify.Track {
	titleKey := normalize.Key(track.Title)

	var best *spotify.Track
	bestRank := -1
	for i := range results {
		candidate := &results[i]
		rank := 0
		if normalize.Key(candidate.Name) == titleKey {
			rank += 4
		}
		if track.DurationSeconds != nil {
			diff := candidate.DurationMs/1000 - *track.DurationSeconds
			if diff >= -durationSlackSeconds && diff <= durationSlackSeconds {
				rank += 2
			}
		}
		if best == nil || rank > bestRank ||
			(rank == bestRank && candidate.Popularity > best.Popularity) {
			best = candidate
			bestRank = rank
		}
	}

	if best == nil || bestRank == 0 {
		// Nothing agreed on title or duration; a bare popularity winner is
		// too likely a different song.
		return nil
	}
	return best
}

func (r *Resolver) resolveRecording(ctx context.Context, track *models.Track) error {
	if track.MusicBrainzRecordingID != nil || r.mb == nil {
		return nil
	}

	cacheKey := "resolve:recording:" + normalize.Key(track.Artist) + "|" + normalize.Key(track.Title)
	if _, hit, err := r.cache.CacheGet("musicbrainz", cacheKey); err == nil && hit {
		return nil
	}

	params := musicbrainz.SearchParams{Artist: track.Artist, Track: track.Title}
	if track.ISRC != nil {
		params.ISRC = *track.ISRC
	}
	recordings, err := r.mb.SearchRecording(ctx, params)
	if err != nil {
		if provider.IsNotFound(err) {
			recordings = nil
		} else {
			return err
		}
	}

	match := bestRecording(recordings, track)
	if match == nil {
		if err := r.cache.CachePut("musicbrainz", cacheKey, nil, negativeTTL); err != nil {
			r.logger.Printf("caching recording miss: %v", err)
		}
		return nil
	}

	id := match.ID
	track.MusicBrainzRecordingID = &id
	return nil
}

// bestRecording disambiguates MusicBrainz search results by duration and by
// whether the recording carries release-group data, which downstream typing
// depends on.
func bestRecording(recordings []musicbrainz.Recording, track *models.Track) *musicbrainz.Recording {
	var best *musicbrainz.Recording
	bestRank := -1
	for i := range recordings {
		candidate := &recordings[i]
		rank := 0
		if track.DurationSeconds != nil && candidate.Length > 0 {
			diff := candidate.Length/1000 - *track.DurationSeconds
			if diff >= -mbDurationSlackSeconds && diff <= mbDurationSlackSeconds {
				rank += 2
			}
		}
		for _, release := range candidate.Releases {
			if release.ReleaseGroup != nil {
				rank++
				break
			}
		}
		if rank > bestRank {
			best = candidate
			bestRank = rank
		}
	}
	return best
}

// ResolveRelease finds the Discogs release for one artist/album pair, cached
// per normalized pair for the run and persistently. Zero means no release.
func (r *Resolver) ResolveRelease(ctx context.Context, artistName, albumTitle string) (int64, error) {
	key := normalize.Key(artistName) + "|" + normalize.Key(albumTitle)
	if id, seen := r.releaseIDs[key]; seen {
		return id, nil
	}
	if r.discogs == nil {
		return 0, nil
	}

	cacheKey := "resolve:release:" + key
	if payload, hit, err := r.cache.CacheGet("discogs", cacheKey); err == nil && hit {
		if payload == nil {
			r.releaseIDs[key] = 0
			return 0, nil
		}
		if id, err := strconv.ParseInt(string(payload), 10, 64); err == nil {
			r.releaseIDs[key] = id
			return id, nil
		}
	}

	results, err := r.discogs.SearchReleases(ctx, discogs.SearchParams{
		Artist:       artistName,
		ReleaseTitle: albumTitle,
	})
	if err != nil {
		if provider.IsNotFound(err) {
			results = nil
		} else {
			return 0, err
		}
	}

	if len(results) == 0 {
		r.releaseIDs[key] = 0
		if err := r.cache.CachePut("discogs", cacheKey, nil, negativeTTL); err != nil {
			r.logger.Printf("caching release miss: %v", err)
		}
		return 0, nil
	}

	id := results[0].ID
	r.releaseIDs[key] = id
	payload := []byte(strconv.FormatInt(id, 10))
	if err := r.cache.CachePut("discogs", cacheKey, payload, releaseTTL); err != nil {
		r.logger.Printf("caching release id: %v", err)
	}
	return id, nil
}
