package singles

import (
	"sort"
	"strings"

	"github.com/starling-fm/starling/models"
	"github.com/starling-fm/starling/normalize"
)

// Evidence weights. Discogs press formats are the strongest signal a track
// was actually issued as a single; the rest corroborate.
const (
	weightSpotifySingle = 50
	weightMBSingle      = 50
	weightDiscogsFormat = 100
	weightDiscogsVideo  = 30
	weightShortRelease  = 15
	weightLastFMTag     = 20

	thresholdHigh   = 100
	thresholdMedium = 50

	// shortReleaseTracks is the track-count ceiling for the short-release
	// hint: 7" singles and two-track digital releases.
	shortReleaseTracks = 2
)

// Source names reported in a decision, one per evidence row.
const (
	SourceSpotify      = "spotify"
	SourceMusicBrainz  = "musicbrainz"
	SourceDiscogs      = "discogs"
	SourceDiscogsVideo = "discogs_video"
	SourceShortRelease = "short_release"
	SourceLastFMTag    = "lastfm_tag"
)

// Config tunes the detector.
type Config struct {
	// UseAdvanced engages the strict metadata gate: a single additionally
	// needs Spotify or MusicBrainz single typing and an album z-score at or
	// above the threshold.
	UseAdvanced     bool
	ZScoreThreshold float64
}

// DefaultConfig returns the documented defaults. Advanced mode stays off.
func DefaultConfig() Config {
	return Config{UseAdvanced: false, ZScoreThreshold: 0.20}
}

// Detector classifies tracks as singles from weighted multi-provider
// evidence. Deterministic: identical inputs produce identical decisions.
type Detector struct {
	norm *normalize.Normalizer
	cfg  Config
}

func NewDetector(norm *normalize.Normalizer, cfg Config) *Detector {
	return &Detector{norm: norm, cfg: cfg}
}

type hit struct {
	source string
	weight int
}

// Detect produces the single verdict for one track given its merged provider
// signals and the album context. The track's AlbumZScore must already be
// computed when advanced mode is on.
func (d *Detector) Detect(track *models.Track, sig *models.TrackSignals, albumCtx models.AlbumContext) models.SingleDecision {
	// Filler material is never a single, whatever providers say.
	if d.norm.IsNonSingle(track.Title) {
		return models.SingleDecision{IsSingle: false, Confidence: models.ConfidenceHigh}
	}

	hits := d.gather(track, sig, albumCtx)

	var total, maxWeight int
	sources := make([]string, 0, len(hits))
	for _, h := range hits {
		total += h.weight
		if h.weight > maxWeight {
			maxWeight = h.weight
		}
		sources = append(sources, h.source)
	}
	sort.Strings(sources)

	confidence := models.ConfidenceLow
	switch {
	case total >= thresholdHigh && len(hits) >= 2 && maxWeight >= weightSpotifySingle:
		confidence = models.ConfidenceHigh
	case total >= thresholdMedium:
		confidence = models.ConfidenceMedium
	}

	// A live or unplugged take on a studio album is an alternate version;
	// its single evidence belongs to the studio recording.
	if !albumCtx.IsLive && !albumCtx.IsUnplugged {
		if _, isLiveTake := d.norm.LiveMarker(track.Title); isLiveTake {
			confidence = confidence.Downgrade()
		}
	}

	decision := models.SingleDecision{
		IsSingle:   confidence.Meets(models.ConfidenceMedium),
		Confidence: confidence,
		Sources:    sources,
		Score:      total,
	}

	if d.cfg.UseAdvanced && decision.IsSingle && !d.passesAdvancedGate(track, hits) {
		decision.IsSingle = false
		decision.Confidence = models.ConfidenceLow
	}

	return decision
}

// gather collects the weighted evidence rows, honoring the album context
// rules.
func (d *Detector) gather(track *models.Track, sig *models.TrackSignals, albumCtx models.AlbumContext) []hit {
	var hits []hit
	if sig == nil {
		return hits
	}

	// Historical-single evidence describes other releases of the recording.
	// On compilations only this release's own pressing counts; on live and
	// unplugged albums the studio single history does not transfer.
	historical := !albumCtx.IsCompilation && !albumCtx.IsLive && !albumCtx.IsUnplugged

	if historical && sig.Spotify != nil && strings.EqualFold(sig.Spotify.AlbumType, "single") {
		hits = append(hits, hit{SourceSpotify, weightSpotifySingle})
	}
	if historical && sig.MusicBrainz != nil &&
		(strings.EqualFold(sig.MusicBrainz.PrimaryType, "single") || sig.MusicBrainz.ReleasedAsSingle) {
		hits = append(hits, hit{SourceMusicBrainz, weightMBSingle})
	}

	// The Discogs release was resolved for this album, so its pressing
	// evidence is about this release in every context.
	if sig.Discogs != nil {
		if hasSingleFormat(sig.Discogs.Formats) {
			hits = append(hits, hit{SourceDiscogs, weightDiscogsFormat})
		}
		if d.hasOfficialVideo(track.Title, sig.Discogs.Videos) {
			hits = append(hits, hit{SourceDiscogsVideo, weightDiscogsVideo})
		}
	}

	if historical && sig.Spotify != nil &&
		sig.Spotify.AlbumTotalTracks >= 1 && sig.Spotify.AlbumTotalTracks <= shortReleaseTracks {
		hits = append(hits, hit{SourceShortRelease, weightShortRelease})
	}

	if historical && sig.LastFM != nil && hasTag(sig.LastFM.TopTags, "single") {
		hits = append(hits, hit{SourceLastFMTag, weightLastFMTag})
	}

	return hits
}

// passesAdvancedGate applies the strict mode: typed single on Spotify or
// MusicBrainz, plus a z-score at or above the threshold.
func (d *Detector) passesAdvancedGate(track *models.Track, hits []hit) bool {
	typed := false
	for _, h := range hits {
		if h.source == SourceSpotify || h.source == SourceMusicBrainz {
			typed = true
			break
		}
	}
	if !typed {
		return false
	}
	return track.AlbumZScore != nil && *track.AlbumZScore >= d.cfg.ZScoreThreshold
}

// hasSingleFormat reports whether any format entry marks a single pressing,
// either by name or by a qualifying description.
func hasSingleFormat(formats []models.ReleaseFormat) bool {
	for _, f := range formats {
		if strings.Contains(strings.ToLower(f.Name), "single") {
			return true
		}
		for _, desc := range f.Descriptions {
			if strings.EqualFold(desc, "single") {
				return true
			}
		}
	}
	return false
}

// officialMarkers and excludedMarkers classify Discogs video entries: a hit
// must read as an official or lyric video for this track, not a live cut or
// remix.
var (
	officialMarkers = []string{"official", "lyric"}
	excludedMarkers = []string{"live", "remix"}
)

func (d *Detector) hasOfficialVideo(title string, videos []models.ReleaseVideo) bool {
	base, _ := d.norm.BaseTitle(title)
	titleKey := normalize.Key(base)
	if titleKey == "" {
		return false
	}

	for _, video := range videos {
		text := strings.ToLower(video.Title + " " + video.Description)
		if !strings.Contains(normalize.Key(text), titleKey) {
			continue
		}
		if containsAny(text, excludedMarkers) {
			continue
		}
		if containsAny(text, officialMarkers) {
			return true
		}
	}
	return false
}

func containsAny(text string, markers []string) bool {
	for _, marker := range markers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

func hasTag(tags []string, want string) bool {
	for _, tag := range tags {
		if strings.EqualFold(tag, want) {
			return true
		}
	}
	return false
}
