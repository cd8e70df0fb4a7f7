package fetch

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/starling-fm/starling/models"
	"github.com/starling-fm/starling/normalize"
	"github.com/starling-fm/starling/provider"
	"github.com/starling-fm/starling/service/discogs"
	"github.com/starling-fm/starling/service/musicbrainz"
	"github.com/starling-fm/starling/service/spotify"
)

// Cache TTLs per provider. Release-level metadata barely changes; listening
// figures drift daily.
const (
	spotifyTTL      = 24 * time.Hour
	lastfmTTL       = 24 * time.Hour
	listenbrainzTTL = 24 * time.Hour
	musicbrainzTTL  = 7 * 24 * time.Hour
	discogsTTL      = 7 * 24 * time.Hour
	negativeTTL     = 24 * time.Hour
)

// SpotifyClient is the slice of the Spotify service the fetcher needs.
type SpotifyClient interface {
	GetTracks(ctx context.Context, ids []string) ([]spotify.Track, error)
	TrackFeatures(ctx context.Context, ids []string) (map[string]*models.AudioFeatures, error)
}

// LastFMClient is the slice of the Last.fm service the fetcher needs.
type LastFMClient interface {
	TrackInfo(ctx context.Context, artist, title string) (*models.LastFMSignals, error)
	ArtistTopTags(ctx context.Context, artist string) ([]string, error)
}

// ListenBrainzClient is the slice of the ListenBrainz service the fetcher
// needs.
type ListenBrainzClient interface {
	RecordingPopularity(ctx context.Context, mbids []string) (map[string]*models.ListenBrainzSignals, error)
}

// MusicBrainzClient is the slice of the MusicBrainz service the fetcher
// needs.
type MusicBrainzClient interface {
	LookupRecording(ctx context.Context, mbid string) (*musicbrainz.Recording, error)
}

// DiscogsClient is the slice of the Discogs service the fetcher needs.
type DiscogsClient interface {
	GetRelease(ctx context.Context, id int64) (*discogs.Release, error)
}

// Cache is the persistent read-through signal cache.
type Cache interface {
	CacheGet(provider, key string) ([]byte, bool, error)
	CachePut(provider, key string, payload []byte, ttl time.Duration) error
}

// Report collects what went wrong while fetching one album. A provider with
// an entry delivered no or partial signals; the album still proceeds.
type Report struct {
	mu     sync.Mutex
	errors map[string]error
}

func newReport() *Report {
	return &Report{errors: make(map[string]error)}
}

func (r *Report) record(provider string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.errors[provider]; !exists {
		r.errors[provider] = err
	}
}

// Errors returns the first recorded error per provider.
func (r *Report) Errors() map[string]error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]error, len(r.errors))
	for name, err := range r.errors {
		out[name] = err
	}
	return out
}

// Fetcher gathers raw provider signals for one album at a time, one
// concurrent task per enabled provider, reading through the persistent
// signal cache. A nil client disables its provider.
type Fetcher struct {
	spotify SpotifyClient
	lastfm  LastFMClient
	lb      ListenBrainzClient
	mb      MusicBrainzClient
	discogs DiscogsClient
	cache   Cache
	logger  *log.Logger
}

func New(sp SpotifyClient, lf LastFMClient, lb ListenBrainzClient, mb MusicBrainzClient, dc DiscogsClient, cache Cache) *Fetcher {
	return &Fetcher{
		spotify: sp,
		lastfm:  lf,
		lb:      lb,
		mb:      mb,
		discogs: dc,
		cache:   cache,
		logger:  log.New(os.Stdout, "fetch: ", log.LstdFlags|log.Lmsgprefix),
	}
}

// Disable drops a provider for the rest of the run, after an auth failure.
func (f *Fetcher) Disable(name string) {
	switch name {
	case "spotify":
		f.spotify = nil
	case "lastfm":
		f.lastfm = nil
	case "listenbrainz":
		f.lb = nil
	case "musicbrainz":
		f.mb = nil
	case "discogs":
		f.discogs = nil
	}
}

// FetchAlbum fills the work unit's signal records. Provider tasks run
// concurrently; each writes only its own signal dimension, so the shared map
// is safe once pre-populated. Failures are reported, never fatal.
func (f *Fetcher) FetchAlbum(ctx context.Context, unit *models.WorkUnit) *Report {
	report := newReport()

	// Pre-create every record so the concurrent tasks never mutate the map.
	for _, track := range unit.Tracks {
		unit.SignalsFor(track.ID)
	}

	var g errgroup.Group
	if f.spotify != nil {
		g.Go(func() error { f.fetchSpotify(ctx, unit, report); return nil })
	}
	if f.lastfm != nil {
		g.Go(func() error { f.fetchLastFM(ctx, unit, report); return nil })
	}
	if f.lb != nil {
		g.Go(func() error { f.fetchListenBrainz(ctx, unit, report); return nil })
	}
	if f.mb != nil {
		g.Go(func() error { f.fetchMusicBrainz(ctx, unit, report); return nil })
	}
	if f.discogs != nil {
		g.Go(func() error { f.fetchDiscogs(ctx, unit, report); return nil })
	}
	g.Wait()

	for name, err := range report.Errors() {
		f.logger.Printf("provider %s error: %s", name, provider.KindOf(err))
	}
	return report
}

// ArtistTags fetches the crowd-sourced artist tags from Last.fm and stores
// them on the artist. Best-effort.
func (f *Fetcher) ArtistTags(ctx context.Context, artist *models.Artist) error {
	if f.lastfm == nil || len(artist.Tags) > 0 {
		return nil
	}
	tags, err := f.lastfm.ArtistTopTags(ctx, artist.Name)
	if err != nil {
		if provider.IsNotFound(err) {
			return nil
		}
		return err
	}
	artist.Tags = tags
	return nil
}

func (f *Fetcher) fetchSpotify(ctx context.Context, unit *models.WorkUnit, report *Report) {
	// Resolve cache hits first, then batch-fetch the rest.
	var missing []string
	byID := make(map[string]*models.TrackSignals)
	for _, track := range unit.Tracks {
		if track.SpotifyTrackID == nil {
			continue
		}
		id := *track.SpotifyTrackID
		sig := unit.Signals[track.ID]
		byID[id] = sig

		if payload, hit, err := f.cache.CacheGet("spotify", "track:"+id); err == nil && hit {
			if payload != nil {
				var cached models.SpotifySignals
				if err := json.Unmarshal(payload, &cached); err == nil {
					sig.Spotify = &cached
					continue
				}
			} else {
				continue
			}
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return
	}

	tracks, err := f.spotify.GetTracks(ctx, missing)
	if err != nil {
		report.record("spotify", err)
		return
	}
	features, err := f.spotify.TrackFeatures(ctx, missing)
	if err != nil {
		// Popularity still counts without the acoustic profile.
		report.record("spotify", err)
		features = nil
	}

	fetched := make(map[string]bool, len(tracks))
	for i := range tracks {
		st := &tracks[i]
		sig, ok := byID[st.ID]
		if !ok {
			continue
		}
		spotifySig := &models.SpotifySignals{
			TrackID:          st.ID,
			Popularity:       st.Popularity,
			AlbumType:        st.AlbumType,
			AlbumTotalTracks: st.AlbumTotalTracks,
			ReleaseDate:      st.ReleaseDate,
			Explicit:         st.Explicit,
			DurationMs:       st.DurationMs,
			ISRC:             st.ISRC,
		}
		if features != nil {
			spotifySig.Features = features[st.ID]
		}
		sig.Spotify = spotifySig
		fetched[st.ID] = true

		if payload, err := json.Marshal(spotifySig); err == nil {
			f.cachePut("spotify", "track:"+st.ID, payload, spotifyTTL)
		}
	}
	for _, id := range missing {
		if !fetched[id] {
			f.cachePut("spotify", "track:"+id, nil, negativeTTL)
		}
	}
}

func (f *Fetcher) fetchLastFM(ctx context.Context, unit *models.WorkUnit, report *Report) {
	for _, track := range unit.Tracks {
		if ctx.Err() != nil {
			report.record("lastfm", provider.WrapTransport("lastfm", ctx.Err()))
			return
		}

		key := "track:" + normalize.Key(track.Artist) + "|" + normalize.Key(track.Title)
		sig := unit.Signals[track.ID]

		if payload, hit, err := f.cache.CacheGet("lastfm", key); err == nil && hit {
			if payload != nil {
				var cached models.LastFMSignals
				if err := json.Unmarshal(payload, &cached); err == nil {
					sig.LastFM = &cached
				}
			}
			continue
		}

		info, err := f.lastfm.TrackInfo(ctx, track.Artist, track.Title)
		if err != nil {
			if provider.IsNotFound(err) {
				f.cachePut("lastfm", key, nil, negativeTTL)
				continue
			}
			report.record("lastfm", err)
			if provider.IsUnauthorized(err) {
				return
			}
			continue
		}

		sig.LastFM = info
		if payload, err := json.Marshal(info); err == nil {
			f.cachePut("lastfm", key, payload, lastfmTTL)
		}
	}
}

func (f *Fetcher) fetchListenBrainz(ctx context.Context, unit *models.WorkUnit, report *Report) {
	var missing []string
	byMBID := make(map[string][]*models.TrackSignals)
	for _, track := range unit.Tracks {
		if track.MusicBrainzRecordingID == nil {
			continue
		}
		mbid := *track.MusicBrainzRecordingID
		sig := unit.Signals[track.ID]
		byMBID[mbid] = append(byMBID[mbid], sig)

		if payload, hit, err := f.cache.CacheGet("listenbrainz", "popularity:"+mbid); err == nil && hit {
			if payload != nil {
				var cached models.ListenBrainzSignals
				if err := json.Unmarshal(payload, &cached); err == nil {
					sig.ListenBrainz = &cached
				}
			}
			continue
		}
		if len(byMBID[mbid]) == 1 {
			missing = append(missing, mbid)
		}
	}
	if len(missing) == 0 {
		return
	}

	counts, err := f.lb.RecordingPopularity(ctx, missing)
	if err != nil {
		report.record("listenbrainz", err)
		return
	}

	for _, mbid := range missing {
		lbSig, known := counts[mbid]
		if !known {
			f.cachePut("listenbrainz", "popularity:"+mbid, nil, negativeTTL)
			continue
		}
		for _, sig := range byMBID[mbid] {
			sig.ListenBrainz = lbSig
		}
		if payload, err := json.Marshal(lbSig); err == nil {
			f.cachePut("listenbrainz", "popularity:"+mbid, payload, listenbrainzTTL)
		}
	}
}

func (f *Fetcher) fetchMusicBrainz(ctx context.Context, unit *models.WorkUnit, report *Report) {
	for _, track := range unit.Tracks {
		if ctx.Err() != nil {
			report.record("musicbrainz", provider.WrapTransport("musicbrainz", ctx.Err()))
			return
		}
		if track.MusicBrainzRecordingID == nil {
			continue
		}
		mbid := *track.MusicBrainzRecordingID
		key := "recording:" + mbid
		sig := unit.Signals[track.ID]

		if payload, hit, err := f.cache.CacheGet("musicbrainz", key); err == nil && hit {
			if payload != nil {
				var cached models.MusicBrainzSignals
				if err := json.Unmarshal(payload, &cached); err == nil {
					sig.MusicBrainz = &cached
				}
			}
			continue
		}

		rec, err := f.mb.LookupRecording(ctx, mbid)
		if err != nil {
			if provider.IsNotFound(err) {
				f.cachePut("musicbrainz", key, nil, negativeTTL)
				continue
			}
			report.record("musicbrainz", err)
			if provider.IsUnauthorized(err) {
				return
			}
			continue
		}

		mbSig := musicbrainz.Signals(rec)
		sig.MusicBrainz = mbSig
		if payload, err := json.Marshal(mbSig); err == nil {
			f.cachePut("musicbrainz", key, payload, musicbrainzTTL)
		}
	}
}

func (f *Fetcher) fetchDiscogs(ctx context.Context, unit *models.WorkUnit, report *Report) {
	// The release is album-level; fetch it once and share the signals.
	var releaseID int64
	for _, track := range unit.Tracks {
		if track.DiscogsReleaseID != nil {
			releaseID = *track.DiscogsReleaseID
			break
		}
	}
	if releaseID == 0 {
		return
	}

	key := "release:" + strconv.FormatInt(releaseID, 10)
	var discogsSig *models.DiscogsSignals

	if payload, hit, err := f.cache.CacheGet("discogs", key); err == nil && hit {
		if payload == nil {
			return
		}
		var cached models.DiscogsSignals
		if err := json.Unmarshal(payload, &cached); err == nil {
			discogsSig = &cached
		}
	}

	if discogsSig == nil {
		release, err := f.discogs.GetRelease(ctx, releaseID)
		if err != nil {
			if provider.IsNotFound(err) {
				f.cachePut("discogs", key, nil, negativeTTL)
				return
			}
			report.record("discogs", err)
			return
		}
		discogsSig = discogs.Signals(release)
		if payload, err := json.Marshal(discogsSig); err == nil {
			f.cachePut("discogs", key, payload, discogsTTL)
		}
	}

	for _, track := range unit.Tracks {
		if track.DiscogsReleaseID != nil && *track.DiscogsReleaseID == releaseID {
			unit.Signals[track.ID].Discogs = discogsSig
		}
	}
}

func (f *Fetcher) cachePut(providerName, key string, payload []byte, ttl time.Duration) {
	if err := f.cache.CachePut(providerName, key, payload, ttl); err != nil {
		f.logger.Printf("caching %s %s: %v", providerName, key, err)
	}
}
