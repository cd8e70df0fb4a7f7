package fetch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/starling-fm/starling/models"
	"github.com/starling-fm/starling/provider"
	"github.com/starling-fm/starling/service/discogs"
	"github.com/starling-fm/starling/service/musicbrainz"
	"github.com/starling-fm/starling/service/spotify"
)

type fakeCache struct {
	data map[string][]byte
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string][]byte)}
}

func (c *fakeCache) CacheGet(providerName, key string) ([]byte, bool, error) {
	payload, ok := c.data[providerName+"|"+key]
	return payload, ok, nil
}

func (c *fakeCache) CachePut(providerName, key string, payload []byte, ttl time.Duration) error {
	c.data[providerName+"|"+key] = payload
	return nil
}

type fakeSpotify struct {
	calls  int
	tracks []spotify.Track
	err    error
}

func (f *fakeSpotify) GetTracks(ctx context.Context, ids []string) ([]spotify.Track, error) {
	f.calls++
	return f.tracks, f.err
}

func (f *fakeSpotify) TrackFeatures(ctx context.Context, ids []string) (map[string]*models.AudioFeatures, error) {
	return map[string]*models.AudioFeatures{}, nil
}

type fakeLastFM struct {
	calls int
	info  map[string]*models.LastFMSignals
	tags  []string
	err   error
}

func (f *fakeLastFM) TrackInfo(ctx context.Context, artist, title string) (*models.LastFMSignals, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if info, ok := f.info[title]; ok {
		return info, nil
	}
	return nil, provider.NotFound("lastfm")
}

func (f *fakeLastFM) ArtistTopTags(ctx context.Context, artist string) ([]string, error) {
	f.calls++
	return f.tags, f.err
}

type fakeLB struct {
	calls  int
	counts map[string]*models.ListenBrainzSignals
}

func (f *fakeLB) RecordingPopularity(ctx context.Context, mbids []string) (map[string]*models.ListenBrainzSignals, error) {
	f.calls++
	return f.counts, nil
}

type fakeMB struct {
	calls      int
	recordings map[string]*musicbrainz.Recording
}

func (f *fakeMB) LookupRecording(ctx context.Context, mbid string) (*musicbrainz.Recording, error) {
	f.calls++
	if rec, ok := f.recordings[mbid]; ok {
		return rec, nil
	}
	return nil, provider.NotFound("musicbrainz")
}

type fakeDiscogs struct {
	calls   int
	release *discogs.Release
}

func (f *fakeDiscogs) GetRelease(ctx context.Context, id int64) (*discogs.Release, error) {
	f.calls++
	if f.release == nil {
		return nil, provider.NotFound("discogs")
	}
	return f.release, nil
}

func testUnit(tracks ...*models.Track) *models.WorkUnit {
	return &models.WorkUnit{
		Artist: &models.Artist{ID: "ar1", Name: "Alpha"},
		Album:  &models.Album{ID: "al1", ArtistID: "ar1", Artist: "Alpha", Title: "Debut"},
		Tracks: tracks,
	}
}

func TestFetchAlbumMergesProviders(t *testing.T) {
	spID, mbid, relID := "sp-1", "mb-1", int64(99)
	track := &models.Track{
		ID: "t1", Artist: "Alpha", Title: "Hit",
		SpotifyTrackID: &spID, MusicBrainzRecordingID: &mbid, DiscogsReleaseID: &relID,
	}

	sp := &fakeSpotify{tracks: []spotify.Track{{ID: "sp-1", Popularity: 77, AlbumType: "album", ReleaseDate: "1994-03-01"}}}
	lf := &fakeLastFM{info: map[string]*models.LastFMSignals{"Hit": {Listeners: 1000, Playcount: 50000}}}
	lb := &fakeLB{counts: map[string]*models.ListenBrainzSignals{"mb-1": {ListenCount: 4000}}}
	mb := &fakeMB{recordings: map[string]*musicbrainz.Recording{"mb-1": {ID: "mb-1", Title: "Hit"}}}
	dc := &fakeDiscogs{release: &discogs.Release{ID: 99, Formats: []discogs.Format{{Name: "Vinyl", Descriptions: []string{"Single"}}}}}

	f := New(sp, lf, lb, mb, dc, newFakeCache())
	unit := testUnit(track)
	report := f.FetchAlbum(context.Background(), unit)

	if errs := report.Errors(); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	sig := unit.Signals["t1"]
	if sig.Spotify == nil || sig.Spotify.Popularity != 77 {
		t.Errorf("spotify signals missing: %+v", sig.Spotify)
	}
	if sig.LastFM == nil || sig.LastFM.Playcount != 50000 {
		t.Errorf("lastfm signals missing: %+v", sig.LastFM)
	}
	if sig.ListenBrainz == nil || sig.ListenBrainz.ListenCount != 4000 {
		t.Errorf("listenbrainz signals missing: %+v", sig.ListenBrainz)
	}
	if sig.MusicBrainz == nil || sig.MusicBrainz.RecordingID != "mb-1" {
		t.Errorf("musicbrainz signals missing: %+v", sig.MusicBrainz)
	}
	if sig.Discogs == nil || sig.Discogs.ReleaseID != 99 {
		t.Errorf("discogs signals missing: %+v", sig.Discogs)
	}
}

func TestFetchAlbumPartialFailure(t *testing.T) {
	spID := "sp-1"
	track := &models.Track{ID: "t1", Artist: "Alpha", Title: "Hit", SpotifyTrackID: &spID}

	sp := &fakeSpotify{tracks: []spotify.Track{{ID: "sp-1", Popularity: 77}}}
	lf := &fakeLastFM{err: provider.FromStatus("lastfm", 429, time.Minute)}

	f := New(sp, lf, nil, nil, nil, newFakeCache())
	unit := testUnit(track)
	report := f.FetchAlbum(context.Background(), unit)

	errs := report.Errors()
	if len(errs) != 1 {
		t.Fatalf("errors = %v, want one lastfm entry", errs)
	}
	if _, ok := errs["lastfm"]; !ok {
		t.Fatalf("errors = %v, want lastfm", errs)
	}

	// The album still proceeds on what succeeded.
	sig := unit.Signals["t1"]
	if sig.Spotify == nil || sig.Spotify.Popularity != 77 {
		t.Errorf("spotify signals missing despite lastfm failure: %+v", sig.Spotify)
	}
	if sig.LastFM != nil {
		t.Errorf("lastfm signals present after failure: %+v", sig.LastFM)
	}
}

func TestFetchSpotifyCacheHit(t *testing.T) {
	cache := newFakeCache()
	cached, _ := json.Marshal(&models.SpotifySignals{TrackID: "sp-1", Popularity: 42})
	cache.data["spotify|track:sp-1"] = cached

	spID := "sp-1"
	track := &models.Track{ID: "t1", Title: "Hit", SpotifyTrackID: &spID}

	sp := &fakeSpotify{}
	f := New(sp, nil, nil, nil, nil, cache)
	unit := testUnit(track)
	f.FetchAlbum(context.Background(), unit)

	if sp.calls != 0 {
		t.Errorf("GetTracks calls = %d, want 0 on cache hit", sp.calls)
	}
	sig := unit.Signals["t1"]
	if sig.Spotify == nil || sig.Spotify.Popularity != 42 {
		t.Errorf("cached signals not used: %+v", sig.Spotify)
	}
}

func TestFetchSpotifyNegativeCache(t *testing.T) {
	cache := newFakeCache()
	cache.data["spotify|track:sp-1"] = nil

	spID := "sp-1"
	track := &models.Track{ID: "t1", Title: "Hit", SpotifyTrackID: &spID}

	sp := &fakeSpotify{}
	f := New(sp, nil, nil, nil, nil, cache)
	unit := testUnit(track)
	f.FetchAlbum(context.Background(), unit)

	if sp.calls != 0 {
		t.Errorf("GetTracks calls = %d, want 0 on negative hit", sp.calls)
	}
	if unit.Signals["t1"].Spotify != nil {
		t.Errorf("negative hit produced signals: %+v", unit.Signals["t1"].Spotify)
	}
}

func TestFetchLastFMNotFoundCachesMiss(t *testing.T) {
	cache := newFakeCache()
	track := &models.Track{ID: "t1", Artist: "Alpha", Title: "Ghost"}

	lf := &fakeLastFM{} // empty info map: every lookup is a 404
	f := New(nil, lf, nil, nil, nil, cache)

	f.FetchAlbum(context.Background(), testUnit(track))
	if lf.calls != 1 {
		t.Fatalf("TrackInfo calls = %d, want 1", lf.calls)
	}

	// The second album pass hits the negative cache.
	f.FetchAlbum(context.Background(), testUnit(&models.Track{ID: "t1", Artist: "Alpha", Title: "Ghost"}))
	if lf.calls != 1 {
		t.Errorf("TrackInfo calls = %d after cached miss, want 1", lf.calls)
	}
}

func TestFetchDiscogsSharedAcrossTracks(t *testing.T) {
	relID := int64(99)
	t1 := &models.Track{ID: "t1", Title: "A", DiscogsReleaseID: &relID}
	t2 := &models.Track{ID: "t2", Title: "B", DiscogsReleaseID: &relID}

	dc := &fakeDiscogs{release: &discogs.Release{ID: 99, Videos: []discogs.Video{{Title: "A (Official Video)"}}}}
	f := New(nil, nil, nil, nil, dc, newFakeCache())
	unit := testUnit(t1, t2)
	f.FetchAlbum(context.Background(), unit)

	if dc.calls != 1 {
		t.Errorf("GetRelease calls = %d, want 1 for the whole album", dc.calls)
	}
	if unit.Signals["t1"].Discogs == nil || unit.Signals["t2"].Discogs == nil {
		t.Fatal("discogs signals not shared across tracks")
	}
	if unit.Signals["t1"].Discogs != unit.Signals["t2"].Discogs {
		t.Error("tracks should share one discogs signal record")
	}
}

func TestArtistTags(t *testing.T) {
	lf := &fakeLastFM{tags: []string{"shoegaze", "dream pop"}}
	f := New(nil, lf, nil, nil, nil, newFakeCache())

	artist := &models.Artist{ID: "ar1", Name: "Slowdive"}
	if err := f.ArtistTags(context.Background(), artist); err != nil {
		t.Fatalf("ArtistTags: %v", err)
	}
	if len(artist.Tags) != 2 {
		t.Errorf("tags = %v, want two", artist.Tags)
	}

	// Already-tagged artists are not refetched.
	calls := lf.calls
	if err := f.ArtistTags(context.Background(), artist); err != nil {
		t.Fatalf("ArtistTags: %v", err)
	}
	if lf.calls != calls {
		t.Error("ArtistTags refetched an already tagged artist")
	}
}
