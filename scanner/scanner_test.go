package scanner

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/starling-fm/starling/db"
	"github.com/starling-fm/starling/fetch"
	"github.com/starling-fm/starling/models"
	"github.com/starling-fm/starling/normalize"
	"github.com/starling-fm/starling/rating"
	"github.com/starling-fm/starling/resolver"
	"github.com/starling-fm/starling/service/spotify"
	"github.com/starling-fm/starling/singles"
)

type fakeLibrary struct {
	artists []models.Artist
	albums  map[string][]models.Album
	tracks  map[string][]models.Track

	ratings        map[string]int
	setRatingCalls int
}

func (l *fakeLibrary) ListArtists(ctx context.Context) ([]models.Artist, error) {
	out := make([]models.Artist, len(l.artists))
	copy(out, l.artists)
	return out, nil
}

func (l *fakeLibrary) ListAlbums(ctx context.Context, artistID string) ([]models.Album, error) {
	out := make([]models.Album, len(l.albums[artistID]))
	copy(out, l.albums[artistID])
	return out, nil
}

func (l *fakeLibrary) ListTracks(ctx context.Context, albumID string) ([]models.Track, error) {
	out := make([]models.Track, len(l.tracks[albumID]))
	copy(out, l.tracks[albumID])
	return out, nil
}

func (l *fakeLibrary) SetRating(ctx context.Context, trackID string, stars int) error {
	if l.ratings == nil {
		l.ratings = make(map[string]int)
	}
	l.ratings[trackID] = stars
	l.setRatingCalls++
	return nil
}

// fakeSpotify serves both the resolver and fetcher slices of the Spotify
// service, keyed by track title.
type fakeSpotify struct {
	byTitle map[string]spotify.Track

	searchArtistCalls int
	searchTrackCalls  int
	getTrackCalls     int

	onGetTracks func()
}

func (f *fakeSpotify) SearchArtists(ctx context.Context, name string, limit int) ([]spotify.Artist, error) {
	f.searchArtistCalls++
	return []spotify.Artist{{ID: "sp-alpha", Name: name, Popularity: 70, Genres: []string{"rock"}}}, nil
}

func (f *fakeSpotify) SearchTracks(ctx context.Context, artist, title string, limit int) ([]spotify.Track, error) {
	f.searchTrackCalls++
	if track, ok := f.byTitle[title]; ok {
		return []spotify.Track{track}, nil
	}
	return nil, nil
}

func (f *fakeSpotify) GetTracks(ctx context.Context, ids []string) ([]spotify.Track, error) {
	f.getTrackCalls++
	if f.onGetTracks != nil {
		f.onGetTracks()
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []spotify.Track
	for _, track := range f.byTitle {
		if want[track.ID] {
			out = append(out, track)
		}
	}
	return out, nil
}

func (f *fakeSpotify) TrackFeatures(ctx context.Context, ids []string) (map[string]*models.AudioFeatures, error) {
	return map[string]*models.AudioFeatures{}, nil
}

func (f *fakeSpotify) totalCalls() int {
	return f.searchArtistCalls + f.searchTrackCalls + f.getTrackCalls
}

func spotifyTrack(title string, durationSeconds, popularity int) spotify.Track {
	return spotify.Track{
		ID:               "sp-" + normalize.Key(title),
		Name:             title,
		AlbumType:        "album",
		AlbumTotalTracks: 10,
		ReleaseDate:      "2020-01-01",
		DurationMs:       durationSeconds * 1000,
		Popularity:       popularity,
	}
}

func libraryTrack(id, albumID, title string, num, durationSeconds int) models.Track {
	dur := durationSeconds
	return models.Track{
		ID: id, AlbumID: albumID, Artist: "Alpha", Album: "Debut", Title: title,
		TrackNumber: num, DurationSeconds: &dur,
	}
}

func newTestLibrary() *fakeLibrary {
	return &fakeLibrary{
		artists: []models.Artist{{ID: "ar1", Name: "Alpha"}},
		albums:  map[string][]models.Album{"ar1": {{ID: "al1", ArtistID: "ar1", Artist: "Alpha", Title: "Debut"}}},
		tracks: map[string][]models.Track{
			"al1": {
				libraryTrack("t1", "al1", "Hit", 1, 200),
				libraryTrack("t2", "al1", "Mid", 2, 210),
				libraryTrack("t3", "al1", "Deep", 3, 220),
			},
		},
	}
}

func newTestSpotify() *fakeSpotify {
	return &fakeSpotify{byTitle: map[string]spotify.Track{
		"Hit":  spotifyTrack("Hit", 200, 90),
		"Mid":  spotifyTrack("Mid", 210, 50),
		"Deep": spotifyTrack("Deep", 220, 20),
	}}
}

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("opening db: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Initialize(); err != nil {
		t.Fatalf("initializing db: %v", err)
	}
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrating db: %v", err)
	}
	return store
}

func newTestScanner(t *testing.T, lib *fakeLibrary, sp *fakeSpotify, store *db.DB, opts Options) *Scanner {
	t.Helper()
	norm := normalize.New(nil)
	res := resolver.New(sp, nil, nil, store, norm)
	fetcher := fetch.New(sp, nil, nil, nil, nil, store)
	fuser := rating.NewFuser(rating.Weights{Spotify: 1})
	detector := singles.NewDetector(norm, singles.DefaultConfig())
	reporter := NewReporter(filepath.Join(t.TempDir(), "progress.json"))
	return New(opts, lib, store, res, fetcher, fuser, detector, norm, reporter, nil)
}

func starsByTitle(t *testing.T, store *db.DB, albumID string) map[string]int {
	t.Helper()
	tracks, err := store.GetAlbumTracks(albumID)
	if err != nil {
		t.Fatalf("loading album tracks: %v", err)
	}
	out := make(map[string]int, len(tracks))
	for _, track := range tracks {
		if track.Stars != nil {
			out[track.Title] = *track.Stars
		}
	}
	return out
}

func TestRunPassEndToEnd(t *testing.T) {
	lib := newTestLibrary()
	sp := newTestSpotify()
	store := newTestDB(t)
	s := newTestScanner(t, lib, sp, store, DefaultOptions())

	if err := s.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass: %v", err)
	}

	if s.stats.AlbumsOK != 1 || s.stats.TracksScanned != 3 {
		t.Errorf("stats = %+v", s.stats)
	}

	want := map[string]int{"Hit": 4, "Mid": 3, "Deep": 2}
	got := starsByTitle(t, store, "al1")
	for title, stars := range want {
		if got[title] != stars {
			t.Errorf("track %q stars = %d, want %d", title, got[title], stars)
		}
	}

	// Ratings pushed back to the server.
	if lib.ratings["t1"] != 4 || lib.ratings["t2"] != 3 || lib.ratings["t3"] != 2 {
		t.Errorf("pushed ratings = %v", lib.ratings)
	}

	// The artist carries its resolved identity.
	artist, err := store.GetArtist("ar1")
	if err != nil || artist == nil {
		t.Fatalf("artist not saved: %v", err)
	}
	if artist.SpotifyArtistID == nil || *artist.SpotifyArtistID != "sp-alpha" {
		t.Errorf("SpotifyArtistID = %v", artist.SpotifyArtistID)
	}
	if sp.searchArtistCalls != 1 {
		t.Errorf("SearchArtists calls = %d, want 1", sp.searchArtistCalls)
	}

	// Scan history closed out as ok.
	last, err := store.LastCompletedScan("ar1", "al1")
	if err != nil || last.IsZero() {
		t.Errorf("LastCompletedScan = %v, %v", last, err)
	}
}

func TestRunPassResumeSkipsFresh(t *testing.T) {
	lib := newTestLibrary()
	sp := newTestSpotify()
	store := newTestDB(t)
	s := newTestScanner(t, lib, sp, store, DefaultOptions())

	if err := s.RunPass(context.Background()); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	calls := sp.totalCalls()
	pushes := lib.setRatingCalls

	if err := s.RunPass(context.Background()); err != nil {
		t.Fatalf("second pass: %v", err)
	}

	if s.stats.AlbumsSkipped != 1 || s.stats.AlbumsOK != 0 {
		t.Errorf("stats = %+v, want the fresh album skipped", s.stats)
	}
	// A fully fresh library makes no provider requests and pushes nothing.
	if sp.totalCalls() != calls {
		t.Errorf("provider calls grew from %d to %d on a fresh pass", calls, sp.totalCalls())
	}
	if lib.setRatingCalls != pushes {
		t.Errorf("ratings pushed on a fresh pass")
	}
}

func TestRunPassForceRescans(t *testing.T) {
	lib := newTestLibrary()
	sp := newTestSpotify()
	store := newTestDB(t)
	s := newTestScanner(t, lib, sp, store, DefaultOptions())

	if err := s.RunPass(context.Background()); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	s.opts.Force = true
	if err := s.RunPass(context.Background()); err != nil {
		t.Fatalf("forced pass: %v", err)
	}
	if s.stats.AlbumsOK != 1 || s.stats.AlbumsSkipped != 0 {
		t.Errorf("stats = %+v, want the album rescanned", s.stats)
	}
}

func TestRunPassCancelMidAlbum(t *testing.T) {
	lib := newTestLibrary()
	sp := newTestSpotify()
	store := newTestDB(t)
	s := newTestScanner(t, lib, sp, store, DefaultOptions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sp.onGetTracks = cancel

	err := s.RunPass(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RunPass = %v, want context.Canceled", err)
	}

	// Canceled mid-album: no track rows, one partial history row.
	tracks, err := store.GetAlbumTracks("al1")
	if err != nil {
		t.Fatalf("loading album tracks: %v", err)
	}
	if len(tracks) != 0 {
		t.Errorf("tracks persisted after cancellation: %d", len(tracks))
	}

	history, err := store.AlbumScans("ar1", "al1", 10)
	if err != nil {
		t.Fatalf("loading scan history: %v", err)
	}
	if len(history) != 1 || history[0].Outcome != models.OutcomePartial {
		t.Fatalf("history = %+v, want one partial record", history)
	}
	if history[0].Error == nil || !strings.Contains(*history[0].Error, "canceled") {
		t.Errorf("history error = %v", history[0].Error)
	}
}

func TestRunPassPartialPushesOnlyScored(t *testing.T) {
	lib := newTestLibrary()
	sp := newTestSpotify()
	store := newTestDB(t)
	opts := DefaultOptions()
	opts.AlbumTimeout = time.Nanosecond
	s := newTestScanner(t, lib, sp, store, opts)

	if err := s.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if s.stats.AlbumsPartial != 1 {
		t.Fatalf("stats = %+v, want one partial album", s.stats)
	}

	// The guard expired before any signal landed, so nothing was persisted
	// and the default star band never reaches the server.
	tracks, err := store.GetAlbumTracks("al1")
	if err != nil {
		t.Fatalf("loading album tracks: %v", err)
	}
	if len(tracks) != 0 {
		t.Errorf("tracks persisted on an unscored partial: %d", len(tracks))
	}
	if lib.setRatingCalls != 0 {
		t.Errorf("ratings pushed for unpersisted tracks: %d", lib.setRatingCalls)
	}

	history, err := store.AlbumScans("ar1", "al1", 10)
	if err != nil {
		t.Fatalf("loading scan history: %v", err)
	}
	if len(history) != 1 || history[0].Outcome != models.OutcomePartial {
		t.Fatalf("history = %+v, want one partial record", history)
	}
	if history[0].Error == nil || !strings.Contains(*history[0].Error, "timeout") {
		t.Errorf("history error = %v", history[0].Error)
	}
}

func TestRunPassReissueDedup(t *testing.T) {
	lib := newTestLibrary()
	lib.albums["ar1"] = append(lib.albums["ar1"],
		models.Album{ID: "al2", ArtistID: "ar1", Artist: "Alpha", Title: "Debut!"})
	lib.tracks["al2"] = []models.Track{
		libraryTrack("r1", "al2", "Hit", 1, 200),
		libraryTrack("r2", "al2", "Mid", 2, 210),
		libraryTrack("r3", "al2", "Deep", 3, 220),
	}

	sp := newTestSpotify()
	store := newTestDB(t)
	s := newTestScanner(t, lib, sp, store, DefaultOptions())

	if err := s.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass: %v", err)
	}

	// "Debut" and "Debut!" share a fingerprint; the second is a reissue.
	if s.stats.AlbumsOK != 1 || s.stats.AlbumsSkipped != 1 {
		t.Errorf("stats = %+v, want one scanned and one deduped", s.stats)
	}
}

func TestRunPassArtistFilter(t *testing.T) {
	lib := newTestLibrary()
	lib.artists = append(lib.artists, models.Artist{ID: "ar2", Name: "Beta"})
	lib.albums["ar2"] = []models.Album{{ID: "al9", ArtistID: "ar2", Artist: "Beta", Title: "Other"}}
	lib.tracks["al9"] = []models.Track{libraryTrack("x1", "al9", "Elsewhere", 1, 180)}

	sp := newTestSpotify()
	store := newTestDB(t)

	opts := DefaultOptions()
	opts.BatchRate = false
	opts.ScanArtist = "alpha"
	s := newTestScanner(t, lib, sp, store, opts)

	if err := s.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass: %v", err)
	}

	if s.stats.AlbumsOK != 1 {
		t.Errorf("stats = %+v, want only Alpha's album scanned", s.stats)
	}
	if tracks, _ := store.GetAlbumTracks("al9"); len(tracks) != 0 {
		t.Errorf("Beta's album was scanned despite the filter")
	}
}

func TestRunPassNoTargetWithBatchRateOff(t *testing.T) {
	lib := newTestLibrary()
	sp := newTestSpotify()
	store := newTestDB(t)

	opts := DefaultOptions()
	opts.BatchRate = false
	s := newTestScanner(t, lib, sp, store, opts)

	if err := s.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if sp.totalCalls() != 0 || s.stats.AlbumsOK != 0 {
		t.Errorf("scan ran with batchrate off and no target: %+v", s.stats)
	}
}
