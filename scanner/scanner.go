package scanner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/starling-fm/starling/db"
	"github.com/starling-fm/starling/fetch"
	"github.com/starling-fm/starling/models"
	"github.com/starling-fm/starling/normalize"
	"github.com/starling-fm/starling/provider"
	"github.com/starling-fm/starling/rating"
	"github.com/starling-fm/starling/resolver"
	"github.com/starling-fm/starling/singles"
)

// ErrTooManyFailures aborts a pass after a run of consecutive internal
// failures; something systemic is wrong and grinding on would trash the
// library.
var ErrTooManyFailures = errors.New("too many consecutive album failures")

// Library is the music-server surface the scanner consumes.
type Library interface {
	ListArtists(ctx context.Context) ([]models.Artist, error)
	ListAlbums(ctx context.Context, artistID string) ([]models.Album, error)
	ListTracks(ctx context.Context, albumID string) ([]models.Track, error)
	SetRating(ctx context.Context, trackID string, stars int) error
}

// Options tunes one scanner run.
type Options struct {
	// Force bypasses the resume freshness filter.
	Force bool
	// Perpetual restarts the pass after completion, sleeping the interval
	// in between.
	Perpetual         bool
	PerpetualInterval time.Duration
	// BatchRate scans the whole library; when false, ScanArtist (and
	// optionally ScanAlbum) select a single target.
	BatchRate  bool
	ScanArtist string
	ScanAlbum  string

	FreshnessDays int
	AlbumTimeout  time.Duration
	PushRatings   bool

	Banding rating.BandConfig

	// MaxConsecutiveFatals aborts the pass when this many albums fail in a
	// row.
	MaxConsecutiveFatals int
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		BatchRate:            true,
		PerpetualInterval:    24 * time.Hour,
		FreshnessDays:        7,
		AlbumTimeout:         120 * time.Second,
		PushRatings:          true,
		Banding:              rating.DefaultBandConfig(),
		MaxConsecutiveFatals: 10,
	}
}

// Scanner is the coordinator: it walks the library artist by artist and album
// by album, sequencing resolve, fetch, fuse, detect, band, persist, and
// rating push, while keeping the progress snapshot current.
type Scanner struct {
	opts     Options
	library  Library
	store    *db.DB
	resolver *resolver.Resolver
	fetcher  *fetch.Fetcher
	fuser    *rating.Fuser
	detector *singles.Detector
	norm     *normalize.Normalizer
	reporter *Reporter
	gates    []*provider.Gate
	logger   *log.Logger

	stats             Stats
	consecutiveFatals int
	disabled          map[string]bool

	// fingerprints dedups reissues within a pass: an album whose
	// (normalized title, normalized track titles) fingerprint was already
	// scanned this pass is skipped.
	fingerprints map[string]bool
}

func New(opts Options, library Library, store *db.DB, res *resolver.Resolver, fetcher *fetch.Fetcher,
	fuser *rating.Fuser, detector *singles.Detector, norm *normalize.Normalizer,
	reporter *Reporter, gates []*provider.Gate) *Scanner {
	return &Scanner{
		opts:     opts,
		library:  library,
		store:    store,
		resolver: res,
		fetcher:  fetcher,
		fuser:    fuser,
		detector: detector,
		norm:     norm,
		reporter: reporter,
		gates:    gates,
		logger:   log.New(os.Stdout, "scanner: ", log.LstdFlags|log.Lmsgprefix),
		disabled: make(map[string]bool),
	}
}

// Run executes the scan, looping in perpetual mode until the context is
// canceled. Per-album failures never abort the run; only cancellation or a
// run of consecutive internal failures do.
func (s *Scanner) Run(ctx context.Context) error {
	for {
		err := s.RunPass(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		if !s.opts.Perpetual || ctx.Err() != nil {
			return err
		}

		s.logger.Printf("pass complete; sleeping %s before the next one", s.opts.PerpetualInterval)
		timer := time.NewTimer(s.opts.PerpetualInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RunPass scans the library once.
func (s *Scanner) RunPass(ctx context.Context) error {
	s.stats = newStats()
	s.consecutiveFatals = 0
	s.fingerprints = make(map[string]bool)

	if purged, err := s.store.CachePurgeExpired(); err == nil && purged > 0 {
		s.logger.Printf("purged %d expired cache entries", purged)
	}

	artists, err := s.library.ListArtists(ctx)
	if err != nil {
		return fmt.Errorf("listing artists: %w", err)
	}
	artists = s.filterArtists(artists)
	sort.Slice(artists, func(i, j int) bool { return artists[i].Name < artists[j].Name })

	started := time.Now()
	s.updateProgress(func(snap *Snapshot) {
		*snap = Snapshot{
			IsRunning:    true,
			ScanType:     s.scanType(),
			TotalArtists: len(artists),
			StartedAt:    started,
		}
	})

	runErr := s.walkArtists(ctx, artists)

	s.harvestGateStats()
	s.updateProgress(func(snap *Snapshot) {
		snap.IsRunning = false
		snap.CurrentPhase = "done"
		snap.Stats = &s.stats
	})
	s.logger.Printf("pass finished: %s", s.stats.String())

	return runErr
}

func (s *Scanner) walkArtists(ctx context.Context, artists []models.Artist) error {
	for i := range artists {
		if err := ctx.Err(); err != nil {
			return err
		}
		artist := &artists[i]

		if stored, err := s.store.GetArtist(artist.ID); err == nil && stored != nil {
			// Carry previously resolved IDs so no provider is asked twice.
			artist.SpotifyArtistID = stored.SpotifyArtistID
			artist.MusicBrainzArtistID = stored.MusicBrainzArtistID
			artist.DiscogsArtistID = stored.DiscogsArtistID
			artist.SpotifyPopularity = stored.SpotifyPopularity
			artist.Genres = stored.Genres
			artist.Tags = stored.Tags
		}

		albums, err := s.library.ListAlbums(ctx, artist.ID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Printf("listing albums for %s: %v", artist.Name, err)
			continue
		}
		albums = s.filterAlbums(albums)
		sort.Slice(albums, func(a, b int) bool { return albums[a].Title < albums[b].Title })

		if len(albums) > 0 && s.needsAnyScan(artist, albums) {
			// One Spotify artist lookup per artist per run; tracks inherit
			// the ID in batch.
			if err := s.resolveArtistOnce(ctx, artist); err != nil {
				return err
			}
		}

		for j := range albums {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.processAlbum(ctx, artist, &albums[j], position{i + 1, len(artists), j + 1, len(albums)}); err != nil {
				return err
			}
			if s.opts.MaxConsecutiveFatals > 0 && s.consecutiveFatals >= s.opts.MaxConsecutiveFatals {
				return fmt.Errorf("%w (%d)", ErrTooManyFailures, s.consecutiveFatals)
			}
		}

		s.updateProgress(func(snap *Snapshot) {
			snap.ProcessedArtists = i + 1
		})
	}
	return nil
}

// needsAnyScan reports whether at least one of the artist's albums will be
// scanned this pass; resolution and enrichment are skipped otherwise so a
// fully fresh library makes zero provider requests.
func (s *Scanner) needsAnyScan(artist *models.Artist, albums []models.Album) bool {
	if s.opts.Force {
		return true
	}
	for i := range albums {
		if !s.isFresh(artist.ID, albums[i].ID) {
			return true
		}
	}
	return false
}

func (s *Scanner) resolveArtistOnce(ctx context.Context, artist *models.Artist) error {
	if err := s.resolver.ResolveArtist(ctx, artist); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.noteProviderError("spotify", err)
	}
	if err := s.fetcher.ArtistTags(ctx, artist); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.noteProviderError("lastfm", err)
	}
	now := time.Now().UTC()
	artist.LastScannedAt = &now
	if err := s.store.SaveArtist(artist); err != nil {
		s.logger.Printf("saving artist %s: %v", artist.Name, err)
	}
	return nil
}

type position struct {
	artistIdx, artistTotal int
	albumIdx, albumTotal   int
}

// processAlbum runs the per-album pipeline. Returns non-nil only to stop the
// whole pass (cancellation, systemic failure); per-album errors are absorbed
// into scan history.
func (s *Scanner) processAlbum(ctx context.Context, artist *models.Artist, album *models.Album, pos position) error {
	if !s.opts.Force && s.isFresh(artist.ID, album.ID) {
		s.stats.AlbumsSkipped++
		s.logAlbum(pos, nil, models.OutcomeSkipped)
		return nil
	}

	startedAt := time.Now().UTC()
	s.updateProgress(func(snap *Snapshot) {
		snap.CurrentArtist = artist.Name
		snap.CurrentAlbum = album.Title
		snap.CurrentPhase = "resolve"
	})

	rawTracks, err := s.library.ListTracks(ctx, album.ID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.recordFailure(artist, album, startedAt, 0, err)
		s.logAlbum(pos, nil, models.OutcomeFailed)
		return nil
	}
	if len(rawTracks) == 0 {
		s.stats.AlbumsSkipped++
		s.logAlbum(pos, nil, models.OutcomeSkipped)
		return nil
	}

	unit := s.buildWorkUnit(artist, album, rawTracks)

	fingerprint := albumFingerprint(unit)
	if s.fingerprints[fingerprint] {
		// A reissue of an album already scanned this pass.
		s.stats.AlbumsSkipped++
		s.logAlbum(pos, unit, models.OutcomeSkipped)
		return nil
	}
	s.fingerprints[fingerprint] = true

	// Per-album wall clock guard; on expiry the album lands as partial.
	albumCtx, cancel := context.WithTimeout(ctx, s.opts.AlbumTimeout)
	defer cancel()

	outcome := s.scanAlbum(albumCtx, unit)

	if ctx.Err() != nil {
		// Canceled mid-album: a partial history row and nothing else. No
		// track rows were written.
		s.recordHistory(unit, startedAt, models.OutcomePartial, 0, 0, strPtr("canceled"))
		s.stats.AlbumsPartial++
		return ctx.Err()
	}

	persisted, singlesFound, persistErr := s.persistAlbum(unit, outcome)
	if persistErr != nil {
		s.recordFailure(artist, album, startedAt, 0, persistErr)
		s.logAlbum(pos, unit, models.OutcomeFailed)
		return nil
	}

	if outcome == models.OutcomeOK {
		s.consecutiveFatals = 0
		s.stats.AlbumsOK++
	} else {
		s.stats.AlbumsPartial++
	}
	s.stats.TracksScanned += len(persisted)
	s.stats.SinglesDetected += singlesFound

	s.updateProgress(func(snap *Snapshot) {
		snap.CurrentPhase = "sync"
		snap.ProcessedTracks += len(persisted)
		snap.TotalTracks += len(unit.Tracks)
	})

	if s.opts.PushRatings {
		s.pushRatings(ctx, persisted)
	}

	var errText *string
	if outcome == models.OutcomePartial {
		errText = strPtr("album timeout")
	}
	s.recordHistory(unit, startedAt, outcome, len(persisted), singlesFound, errText)
	s.logAlbum(pos, unit, outcome)
	return nil
}

// scanAlbum runs resolve, fetch, fuse, detect, and band for one work unit.
// The returned outcome is ok unless the album guard expired.
func (s *Scanner) scanAlbum(ctx context.Context, unit *models.WorkUnit) models.Outcome {
	for _, err := range s.resolver.ResolveTracks(ctx, unit) {
		s.noteProviderError(providerOf(err), err)
	}

	s.updateProgress(func(snap *Snapshot) { snap.CurrentPhase = "popularity" })

	report := s.fetcher.FetchAlbum(ctx, unit)
	for name, err := range report.Errors() {
		s.noteProviderError(name, err)
	}

	s.refineContext(unit)
	s.fuser.FuseAlbum(unit)
	s.computeGlobalPopularity(unit)
	rating.Zscores(unit.Tracks, unit.Context.IsCompilation)

	s.updateProgress(func(snap *Snapshot) { snap.CurrentPhase = "singles" })

	for _, track := range unit.Tracks {
		if track.PopularityScore == nil {
			// No source had anything; the banding default applies.
			track.IsSingle = false
			conf := models.ConfidenceLow
			track.SingleConfidence = &conf
			track.SingleSources = nil
			continue
		}
		decision := s.detector.Detect(track, unit.Signals[track.ID], unit.Context)
		track.IsSingle = decision.IsSingle
		conf := decision.Confidence
		track.SingleConfidence = &conf
		track.SingleSources = decision.Sources
	}

	s.updateProgress(func(snap *Snapshot) { snap.CurrentPhase = "ratings" })

	rating.AssignStars(unit.Tracks, unit.Context.IsCompilation, s.opts.Banding)

	now := time.Now().UTC()
	for _, track := range unit.Tracks {
		track.IsCompilation = unit.Context.IsCompilation
		track.LastScannedAt = &now
		track.MetadataLastUpdated = &now
		if sig := unit.Signals[track.ID]; sig != nil && sig.Spotify != nil {
			albumType := sig.Spotify.AlbumType
			track.SpotifyAlbumType = &albumType
			if track.ISRC == nil && sig.Spotify.ISRC != "" {
				isrc := sig.Spotify.ISRC
				track.ISRC = &isrc
			}
		}
	}
	unit.Album.LastScannedAt = &now

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return models.OutcomePartial
	}
	return models.OutcomeOK
}

// persistAlbum commits the album atomically and returns the tracks it
// wrote. On a partial outcome only tracks with complete signals are
// written; the rest retry next pass.
func (s *Scanner) persistAlbum(unit *models.WorkUnit, outcome models.Outcome) (persisted []*models.Track, singlesFound int, err error) {
	persisted = unit.Tracks
	if outcome == models.OutcomePartial {
		persisted = nil
		for _, track := range unit.Tracks {
			if track.PopularityScore != nil {
				persisted = append(persisted, track)
			}
		}
	}

	if err := s.store.SaveAlbumScan(unit.Artist, unit.Album, persisted); err != nil {
		return nil, 0, fmt.Errorf("persisting album %q: %w", unit.Album.Title, err)
	}

	for _, track := range persisted {
		if track.IsSingle {
			singlesFound++
		}
	}
	return persisted, singlesFound, nil
}

// pushRatings writes star ratings back to the music server, honoring user
// overrides. Only persisted tracks are pushed: a track that missed the
// store also misses the server. Failures are logged and skipped; the local
// store is the source of truth.
func (s *Scanner) pushRatings(ctx context.Context, tracks []*models.Track) {
	for _, track := range tracks {
		if track.Stars == nil || track.Overridden(models.OverrideStars) {
			continue
		}
		if err := s.library.SetRating(ctx, track.ID, *track.Stars); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Printf("pushing rating for %q: %v", track.Title, err)
		}
	}
}

// buildWorkUnit assembles the in-memory record for one album, deriving the
// album context from title heuristics. Provider metadata refines it later.
func (s *Scanner) buildWorkUnit(artist *models.Artist, album *models.Album, rawTracks []models.Track) *models.WorkUnit {
	tracks := make([]*models.Track, len(rawTracks))
	for i := range rawTracks {
		tracks[i] = &rawTracks[i]
	}

	album.NormalizedTitle = normalize.Key(album.Title)
	album.TotalTracks = len(tracks)
	album.IsCompilation = normalize.LooksLikeCompilation(album.Title)
	album.IsLive = normalize.LooksLikeLiveAlbum(album.Title)
	album.IsUnplugged = normalize.LooksLikeUnplugged(album.Title)
	album.AlbumType = classifyAlbum(album, len(tracks))

	return &models.WorkUnit{
		Artist: artist,
		Album:  album,
		Tracks: tracks,
		Context: models.AlbumContext{
			AlbumType:     album.AlbumType,
			IsCompilation: album.IsCompilation,
			IsLive:        album.IsLive,
			IsUnplugged:   album.IsUnplugged,
		},
	}
}

func classifyAlbum(album *models.Album, trackCount int) models.AlbumType {
	switch {
	case album.IsCompilation:
		return models.AlbumTypeCompilation
	case trackCount == 1:
		return models.AlbumTypeSingle
	case trackCount <= 6:
		return models.AlbumTypeEP
	default:
		return models.AlbumTypeAlbum
	}
}

// refineContext upgrades the title-derived album context with MusicBrainz
// release-group typing once signals are in.
func (s *Scanner) refineContext(unit *models.WorkUnit) {
	for _, track := range unit.Tracks {
		sig := unit.Signals[track.ID]
		if sig == nil || sig.MusicBrainz == nil {
			continue
		}
		for _, secondary := range sig.MusicBrainz.SecondaryTypes {
			switch strings.ToLower(secondary) {
			case "compilation":
				unit.Context.IsCompilation = true
				unit.Album.IsCompilation = true
				if unit.Album.AlbumType == models.AlbumTypeAlbum {
					unit.Album.AlbumType = models.AlbumTypeCompilation
					unit.Context.AlbumType = models.AlbumTypeCompilation
				}
			case "live":
				unit.Context.IsLive = true
				unit.Album.IsLive = true
			}
		}
	}
}

// computeGlobalPopularity fills GlobalPopularity from the artist's stored
// back catalog. Suppressed for compilations, which band on the local score.
func (s *Scanner) computeGlobalPopularity(unit *models.WorkUnit) {
	if unit.Context.IsCompilation {
		return
	}

	candidates, err := s.store.GetArtistTracks(unit.Artist.Name)
	if err != nil {
		s.logger.Printf("loading back catalog for %s: %v", unit.Artist.Name, err)
	}
	// Same-album siblings count as candidates too: a reissue on the same
	// release shares the recording.
	candidates = append(candidates, unit.Tracks...)

	for _, track := range unit.Tracks {
		if unit.Context.IsLive || unit.Context.IsUnplugged {
			// Live cuts only match other live cuts; studio popularity
			// stays out of the banding input.
			track.GlobalPopularity = track.PopularityScore
			continue
		}
		track.GlobalPopularity = rating.GlobalPopularity(track, candidates, s.norm)
	}
}

// isFresh reports whether the album completed an ok scan inside the
// freshness window.
func (s *Scanner) isFresh(artistID, albumID string) bool {
	last, err := s.store.LastCompletedScan(artistID, albumID)
	if err != nil || last.IsZero() {
		return false
	}
	window := time.Duration(s.opts.FreshnessDays) * 24 * time.Hour
	return time.Since(last) < window
}

func (s *Scanner) filterArtists(artists []models.Artist) []models.Artist {
	if s.opts.ScanArtist == "" {
		if s.opts.BatchRate {
			return artists
		}
		s.logger.Printf("batchrate off and no scan.artist set; nothing to do")
		return nil
	}
	want := normalize.Key(s.opts.ScanArtist)
	var out []models.Artist
	for _, artist := range artists {
		if normalize.Key(artist.Name) == want {
			out = append(out, artist)
		}
	}
	return out
}

func (s *Scanner) filterAlbums(albums []models.Album) []models.Album {
	if s.opts.ScanAlbum == "" {
		return albums
	}
	want := normalize.Key(s.opts.ScanAlbum)
	var out []models.Album
	for _, album := range albums {
		if normalize.Key(album.Title) == want {
			out = append(out, album)
		}
	}
	return out
}

func (s *Scanner) scanType() string {
	switch {
	case s.opts.ScanAlbum != "":
		return "album"
	case s.opts.ScanArtist != "":
		return "artist"
	default:
		return "library"
	}
}

// noteProviderError counts one provider failure and disables the provider on
// auth errors for the rest of the run.
func (s *Scanner) noteProviderError(name string, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	if name == "" {
		name = "unknown"
	}
	s.stats.ProviderErrors[name]++
	s.logger.Printf("provider %s error: %s", name, provider.KindOf(err))

	if provider.IsUnauthorized(err) && !s.disabled[name] {
		s.disabled[name] = true
		s.resolver.Disable(name)
		s.fetcher.Disable(name)
		s.logger.Printf("disabling provider %s for the rest of the run (auth failure)", name)
	}
}

func providerOf(err error) string {
	var perr *provider.Error
	if errors.As(err, &perr) {
		return perr.Provider
	}
	return ""
}

func (s *Scanner) recordFailure(artist *models.Artist, album *models.Album, startedAt time.Time, tracks int, cause error) {
	s.consecutiveFatals++
	s.stats.AlbumsFailed++
	s.logger.Printf("album %q failed: %v", album.Title, cause)

	finished := time.Now().UTC()
	text := cause.Error()
	if _, err := s.store.RecordScan(&models.ScanRecord{
		ArtistID:      artist.ID,
		Artist:        artist.Name,
		AlbumID:       album.ID,
		Album:         album.Title,
		StartedAt:     startedAt,
		FinishedAt:    &finished,
		Outcome:       models.OutcomeFailed,
		TracksScanned: tracks,
		Error:         &text,
	}); err != nil {
		s.logger.Printf("recording failed scan: %v", err)
	}
}

func (s *Scanner) recordHistory(unit *models.WorkUnit, startedAt time.Time, outcome models.Outcome, tracks, singlesFound int, errText *string) {
	finished := time.Now().UTC()
	if _, err := s.store.RecordScan(&models.ScanRecord{
		ArtistID:        unit.Artist.ID,
		Artist:          unit.Artist.Name,
		AlbumID:         unit.Album.ID,
		Album:           unit.Album.Title,
		StartedAt:       startedAt,
		FinishedAt:      &finished,
		Outcome:         outcome,
		TracksScanned:   tracks,
		SinglesDetected: singlesFound,
		Error:           errText,
	}); err != nil {
		s.logger.Printf("recording scan history: %v", err)
	}
}

// logAlbum emits the one-line-per-album summary.
func (s *Scanner) logAlbum(pos position, unit *models.WorkUnit, outcome models.Outcome) {
	var tracks, singlesFound int
	var dist [6]int
	if unit != nil {
		tracks = len(unit.Tracks)
		for _, track := range unit.Tracks {
			if track.IsSingle {
				singlesFound++
			}
			if track.Stars != nil && *track.Stars >= 1 && *track.Stars <= 5 {
				dist[*track.Stars]++
			}
		}
	}
	s.logger.Printf("[artist %d/%d][album %d/%d] phase=complete tracks=%d singles=%d stars-dist=1:%d/2:%d/3:%d/4:%d/5:%d outcome=%s",
		pos.artistIdx, pos.artistTotal, pos.albumIdx, pos.albumTotal,
		tracks, singlesFound, dist[1], dist[2], dist[3], dist[4], dist[5], outcome)
}

func (s *Scanner) harvestGateStats() {
	for _, gate := range s.gates {
		s.stats.ProviderRequests[gate.Name()] = gate.Requests()
	}
}

func (s *Scanner) updateProgress(mutate func(*Snapshot)) {
	if s.reporter == nil {
		return
	}
	if err := s.reporter.Update(mutate); err != nil {
		s.logger.Printf("writing progress snapshot: %v", err)
	}
}

// albumFingerprint is the reissue-dedup key: normalized album title plus the
// ordered set of normalized track titles.
func albumFingerprint(unit *models.WorkUnit) string {
	titles := make([]string, 0, len(unit.Tracks))
	for _, track := range unit.Tracks {
		titles = append(titles, normalize.Key(track.Title))
	}
	sort.Strings(titles)
	return normalize.Key(unit.Artist.Name) + "|" + unit.Album.NormalizedTitle + "|" + strings.Join(titles, ";")
}

func strPtr(s string) *string { return &s }
